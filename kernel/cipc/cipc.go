// Package cipc implements the shared-memory IPC layer between cores that share
// one SRAM block: map layout, validity checks, event queues, data channels,
// registration, interrupt dispatch and diagnostics.
//
// A CIPC value is one core's handle on the map. Cores never share Go state; all
// coordination goes through the SRAM words and the mailbox.
package cipc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nmxmxh/cipc/kernel/foundation"
	"github.com/nmxmxh/cipc/kernel/mailbox"
	"github.com/nmxmxh/cipc/kernel/sram"
	"github.com/nmxmxh/cipc/kernel/utils"
)

// Callback receives one drained event. payload is nil for plain events.
type Callback func(eventID uint32, payload []byte)

type queue struct {
	place  PlacedRegion
	region sram.Region
	ring   foundation.SharedRing
	lock   Locker
	state  queueState
}

type eventQueue struct {
	queue
	capacity uint32
}

type dataChannel struct {
	queue
	slotSize  uint32
	slotCount uint32
	stride    uint32
}

func (d *dataChannel) slotOff(idx uint32) uint32 {
	return DataHeaderSize + idx*d.stride
}

type user struct {
	desc   UserDesc
	layout *UserLayout
	header sram.Region
	evt    *eventQueue
	data   []*dataChannel

	mu sync.RWMutex
	mb mailbox.Mailbox
	cb Callback
}

func (u *user) binding() (mailbox.Mailbox, Callback) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.mb, u.cb
}

func (u *user) channelByRegion(id uint32) int {
	for i, d := range u.data {
		if d.place.ID == id {
			return i
		}
	}
	return -1
}

func (u *user) queues() []*queue {
	qs := []*queue{&u.evt.queue}
	for _, d := range u.data {
		qs = append(qs, &d.queue)
	}
	return qs
}

// CIPC is one core's context over the shared map
type CIPC struct {
	cfg     Config
	mem     sram.MemoryProvider
	plat    Platform
	log     *utils.Logger
	metrics *Metrics

	layout  *Layout
	header  sram.Region
	users   map[UserID]*user
	order   []*user
	regions map[uint32]PlacedRegion

	resetMu sync.Mutex
	closed  atomic.Bool
}

type options struct {
	log     *utils.Logger
	plat    Platform
	metrics *Metrics
}

// Option customises New
type Option func(*options)

func WithLogger(log *utils.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithPlatform replaces the default copy/lock/print primitives
func WithPlatform(p Platform) Option {
	return func(o *options) { o.plat = p }
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New builds the map for cfg over mem. The map author zeroes and stamps every
// region; other cores only read the map and trust the author's stamps.
func New(mem sram.MemoryProvider, cfg Config, opts ...Option) (*CIPC, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = utils.GlobalLogger()
	}
	log := o.log.With(utils.String("core", cfg.Self.String()))
	if o.plat == nil {
		o.plat = NewPlatform(log, cfg.Self, cfg.LockSpins)
	}
	if o.metrics == nil {
		m, err := NewMetrics(nil, cfg.Self)
		if err != nil {
			return nil, err
		}
		o.metrics = m
	}

	layout, err := BuildMap(mem, cfg, log)
	if err != nil {
		log.Error("Map builder failed", utils.Err(err))
		return nil, err
	}

	c := &CIPC{
		cfg:     cfg,
		mem:     mem,
		plat:    o.plat,
		log:     log,
		metrics: o.metrics,
		layout:  layout,
		users:   make(map[UserID]*user, len(layout.Users)),
		regions: make(map[uint32]PlacedRegion),
	}

	if c.header, err = sram.NewRegion(mem, "map", layout.Header, MapHeaderSize); err != nil {
		return nil, mapError("map header: %v", err)
	}
	for _, ul := range layout.Users {
		u, err := c.bindUser(ul)
		if err != nil {
			return nil, mapError("user %s: %v", ul.Desc.Name, err)
		}
		c.users[ul.Desc.ID] = u
		c.order = append(c.order, u)
		for _, r := range append([]PlacedRegion{ul.Header, ul.Event}, ul.Data...) {
			c.regions[r.ID] = r
		}
	}

	if layout.AlignmentErr != nil {
		log.Warn("Map has misaligned segments", utils.Err(layout.AlignmentErr))
	}

	if cfg.IsAuthor() {
		if err := c.stampAll(); err != nil {
			return nil, err
		}
	} else {
		for _, u := range c.order {
			for _, q := range u.queues() {
				if v, _ := c.Check(q.place.ID); v == Valid {
					q.state.Store(StateStamped)
				}
			}
		}
	}

	log.Info("CIPC map ready",
		utils.Bool("author", cfg.IsAuthor()),
		utils.Int("users", len(c.order)),
		utils.String("boot", layout.Boot.String()),
		utils.Hex32("end", layout.End))
	return c, nil
}

func (c *CIPC) bindUser(ul *UserLayout) (*user, error) {
	u := &user{desc: ul.Desc, layout: ul}
	var err error
	if u.header, err = sram.NewRegion(c.mem, ul.Header.Name, ul.Header.Offset, ul.Header.Size); err != nil {
		return nil, err
	}

	evtRegion, err := sram.NewRegion(c.mem, ul.Event.Name, ul.Event.Offset, ul.Event.Size)
	if err != nil {
		return nil, err
	}
	u.evt = &eventQueue{
		queue: queue{
			place:  ul.Event,
			region: evtRegion,
			ring:   foundation.NewSharedRing(evtRegion, evtEqOff, evtDqOff, ul.Desc.EvtCapacity),
			lock:   c.plat.NewLock(ul.Event.Name, evtRegion, evtLockOff),
		},
		capacity: ul.Desc.EvtCapacity,
	}

	for i, place := range ul.Data {
		cd := ul.Desc.Channels[i]
		region, err := sram.NewRegion(c.mem, place.Name, place.Offset, place.Size)
		if err != nil {
			return nil, err
		}
		u.data = append(u.data, &dataChannel{
			queue: queue{
				place:  place,
				region: region,
				ring:   foundation.NewSharedRing(region, dataEqOff, dataDqOff, cd.SlotCount+1),
				lock:   c.plat.NewLock(place.Name, region, dataLockOff),
			},
			slotSize:  cd.SlotSize,
			slotCount: cd.SlotCount,
			stride:    slotStride(cd.SlotSize),
		})
	}
	return u, nil
}

// Close detaches every mailbox binding. Later operations return ErrClosed.
func (c *CIPC) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	for _, u := range c.order {
		u.mu.Lock()
		u.mb, u.cb = nil, nil
		u.mu.Unlock()
	}
	c.log.Info("CIPC closed")
	// stdout/stderr sinks report EINVAL on sync
	_ = c.log.Sync()
	return nil
}

func (c *CIPC) Config() Config {
	return c.cfg
}

// Layout returns the computed map
func (c *CIPC) Layout() *Layout {
	return c.layout
}

func (c *CIPC) Metrics() *Metrics {
	return c.metrics
}

// Users returns the active descriptors in declaration order
func (c *CIPC) Users() []UserDesc {
	out := make([]UserDesc, 0, len(c.order))
	for _, u := range c.order {
		out = append(out, u.desc)
	}
	return out
}

// QueueState reports the local state of the event queue of id
func (c *CIPC) QueueState(id UserID) QueueState {
	u, ok := c.users[id]
	if !ok {
		return StateUninitialized
	}
	return u.evt.state.Load()
}

// ChannelState reports the local state of data channel ch of id
func (c *CIPC) ChannelState(id UserID, ch int) QueueState {
	u, ok := c.users[id]
	if !ok || ch < 0 || ch >= len(u.data) {
		return StateUninitialized
	}
	return u.data[ch].state.Load()
}

func (c *CIPC) user(op string, id UserID) (*user, error) {
	if c.closed.Load() {
		return nil, opError(op, "", "", ErrClosed)
	}
	u, ok := c.users[id]
	if !ok {
		return nil, opError(op, fmt.Sprintf("user(%d)", id), "", ErrInvalidRegion)
	}
	return u, nil
}

// stampAll zeroes every region and writes control fields and magics. The map
// header goes last so a peer never sees a valid header over half-stamped users.
func (c *CIPC) stampAll() error {
	if err := c.header.Store32(mapMagicOff, 0); err != nil {
		return err
	}
	for _, u := range c.order {
		if err := c.stampUser(u); err != nil {
			return err
		}
		for _, q := range u.queues() {
			q.state.Store(StateStamped)
		}
	}
	for _, w := range []struct{ off, val uint32 }{
		{mapLockOff, 0},
		{mapUsersOff, uint32(len(c.order))},
		{mapEndOff, c.layout.End},
		{mapVersionOff, MapVersion},
		{mapMagicOff, MagicMap},
	} {
		if err := c.header.Store32(w.off, w.val); err != nil {
			return err
		}
	}
	return nil
}

func (c *CIPC) stampUser(u *user) error {
	if err := c.plat.Memset(u.header, 0, u.header.Size(), 0); err != nil {
		return err
	}
	words := []struct{ off, val uint32 }{
		{userOwnerOff, uint32(u.desc.Owner)},
		{userPeerOff, uint32(u.desc.Peer)},
		{userIDOff, uint32(u.desc.ID)},
		{userEvtOff, u.layout.Event.Offset},
		{userSrcHWOff, u.desc.SrcHW},
		{userDstHWOff, u.desc.DstHW},
	}
	for i, d := range u.layout.Data {
		words = append(words, struct{ off, val uint32 }{userDataOff + uint32(i)*4, d.Offset})
	}
	for _, w := range words {
		if err := u.header.Store32(w.off, w.val); err != nil {
			return err
		}
	}
	if err := u.header.WriteString(userNameOff, nameWidth, u.desc.Name); err != nil {
		return err
	}

	if err := c.stampEvent(u.evt); err != nil {
		return err
	}
	for _, d := range u.data {
		if err := c.stampData(d); err != nil {
			return err
		}
	}
	return u.header.Store32(userMagicOff, MagicUser)
}

func (c *CIPC) stampEvent(q *eventQueue) error {
	if err := c.plat.Memset(q.region, 0, q.region.Size(), 0); err != nil {
		return err
	}
	if err := q.region.WriteString(evtNameOff, nameWidth, q.place.Name); err != nil {
		return err
	}
	if err := q.region.Store32(evtCapOff, q.capacity); err != nil {
		return err
	}
	return q.region.Store32(evtMagicOff, MagicEvt)
}

func (c *CIPC) stampData(d *dataChannel) error {
	if err := c.plat.Memset(d.region, 0, d.region.Size(), 0); err != nil {
		return err
	}
	if err := d.region.WriteString(dataNameOff, nameWidth, d.place.Name); err != nil {
		return err
	}
	if err := d.region.Store32(dataSlotSizeOff, d.slotSize); err != nil {
		return err
	}
	if err := d.region.Store32(dataSlotCountOff, d.slotCount); err != nil {
		return err
	}
	return d.region.Store32(dataMagicOff, MagicData)
}
