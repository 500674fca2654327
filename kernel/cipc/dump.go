package cipc

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"gopkg.in/yaml.v3"

	"github.com/nmxmxh/cipc/kernel/mailbox"
)

const previewBytes = 16

// Snapshot is a read-only picture of the map for post-mortem analysis
type Snapshot struct {
	Core   string         `yaml:"core"`
	Locked bool           `yaml:"locked"`
	Boot   BootParams     `yaml:"boot"`
	End    uint32         `yaml:"end"`
	Users  []UserSnapshot `yaml:"users"`
}

type UserSnapshot struct {
	Name     string            `yaml:"name"`
	Owner    string            `yaml:"owner"`
	Peer     string            `yaml:"peer"`
	Offset   uint32            `yaml:"offset"`
	Valid    bool              `yaml:"valid"`
	Session  string            `yaml:"session,omitempty"`
	Event    EventSnapshot     `yaml:"event"`
	Data     []ChannelSnapshot `yaml:"data,omitempty"`
	Mailbox  *MailboxSnapshot  `yaml:"mailbox,omitempty"`
	Problems []string          `yaml:"problems,omitempty"`
}

type EventSnapshot struct {
	Offset    uint32        `yaml:"offset"`
	State     string        `yaml:"state"`
	Capacity  uint32        `yaml:"capacity"`
	Eq        uint32        `yaml:"eq"`
	Dq        uint32        `yaml:"dq"`
	Occupancy uint32        `yaml:"occupancy"`
	Pending   []uint32      `yaml:"pending,flow"`
	Added     uint32        `yaml:"added"`
	Taken     uint32        `yaml:"taken"`
	Errors    uint32        `yaml:"errors"`
	Records   []EventRecord `yaml:"records,omitempty"`
}

type ChannelSnapshot struct {
	Region      uint32         `yaml:"region"`
	Offset      uint32         `yaml:"offset"`
	State       string         `yaml:"state"`
	SlotSize    uint32         `yaml:"slot_size"`
	SlotCount   uint32         `yaml:"slot_count"`
	Eq          uint32         `yaml:"eq"`
	Dq          uint32         `yaml:"dq"`
	Occupancy   uint32         `yaml:"occupancy"`
	Written     uint32         `yaml:"written"`
	Read        uint32         `yaml:"read"`
	Invalidated uint32         `yaml:"invalidated"`
	Slots       []SlotSnapshot `yaml:"slots,omitempty"`
}

type SlotSnapshot struct {
	Index   uint32 `yaml:"index"`
	Length  uint32 `yaml:"length"`
	Invalid bool   `yaml:"invalid,omitempty"`
	Preview string `yaml:"preview,omitempty"`
}

type MailboxSnapshot struct {
	Direction uint32   `yaml:"direction"`
	Raw       string   `yaml:"raw"`
	Pending   []uint32 `yaml:"pending,flow"`
	// software mailboxes only
	Raised   uint32 `yaml:"raised,omitempty"`
	Wakes    uint64 `yaml:"wakes,omitempty"`
	Timeouts uint64 `yaml:"timeouts,omitempty"`
}

type mailboxStats interface {
	Stats(dir mailbox.Direction) mailbox.SoftStats
}

// DumpOptions controls WriteDump
type DumpOptions struct {
	Compress bool
}

// Dump reads every user's queues. It never writes shared memory and never
// fails: unreadable fields are reported in Problems.
func (c *CIPC) Dump() Snapshot {
	s := Snapshot{
		Core:   c.cfg.Self.String(),
		Locked: c.Locked(),
		Boot:   c.layout.Boot,
		End:    c.layout.End,
	}
	for _, u := range c.order {
		s.Users = append(s.Users, c.dumpUser(u))
	}
	return s
}

func (c *CIPC) dumpUser(u *user) UserSnapshot {
	us := UserSnapshot{
		Name:   u.desc.Name,
		Owner:  u.desc.Owner.String(),
		Peer:   u.desc.Peer.String(),
		Offset: u.layout.Header.Offset,
	}
	note := func(format string, args ...interface{}) {
		us.Problems = append(us.Problems, fmt.Sprintf(format, args...))
	}

	if v, err := c.Check(u.layout.Header.ID); err != nil {
		note("header: %v", err)
	} else {
		us.Valid = v == Valid
	}
	if session, err := u.header.Load32(userSessionOff); err == nil && session != 0 {
		us.Session = Owner(session).String()
	}

	q := u.evt
	es := EventSnapshot{
		Offset:   q.place.Offset,
		State:    q.state.Load().String(),
		Capacity: q.capacity,
	}
	es.Added, _ = q.region.Load32(evtAddedOff)
	es.Taken, _ = q.region.Load32(evtTakenOff)
	es.Errors, _ = q.region.Load32(evtErrorsOff)
	for line := uint32(0); line < mailbox.Lines; line++ {
		if v, _ := q.region.Load32(pendingOff(line)); v != 0 {
			es.Pending = append(es.Pending, line)
		}
	}
	eq, dq, err := q.ring.Indices()
	es.Eq, es.Dq = eq, dq
	if err != nil {
		note("event queue: %v", err)
	} else {
		es.Occupancy = q.ring.Occupancy(eq, dq)
		for i, idx := uint32(0), dq; i < es.Occupancy; i, idx = i+1, q.ring.Next(idx) {
			rec, err := c.readRecord(q, idx)
			if err != nil {
				note("record %d: %v", idx, err)
				break
			}
			es.Records = append(es.Records, rec)
		}
	}
	us.Event = es

	for _, d := range u.data {
		us.Data = append(us.Data, c.dumpChannel(d, note))
	}

	if mb, _ := u.binding(); mb != nil {
		ms := &MailboxSnapshot{Direction: uint32(u.desc.Dir)}
		if raw, err := mb.ReadStatusAll(u.desc.Dir); err != nil {
			note("mailbox: %v", err)
		} else {
			ms.Raw = fmt.Sprintf("0x%08x", raw)
			pending := mailbox.Pending(mb, u.desc.Dir, raw)
			for line := uint32(0); line < mailbox.Lines; line++ {
				if pending&(1<<line) != 0 {
					ms.Pending = append(ms.Pending, line)
				}
			}
		}
		if sm, ok := mb.(mailboxStats); ok {
			st := sm.Stats(u.desc.Dir)
			ms.Raised, ms.Wakes, ms.Timeouts = st.Raised, st.Wakes, st.Timeouts
		}
		us.Mailbox = ms
	}
	return us
}

func (c *CIPC) dumpChannel(d *dataChannel, note func(string, ...interface{})) ChannelSnapshot {
	cs := ChannelSnapshot{
		Region:    d.place.ID,
		Offset:    d.place.Offset,
		State:     d.state.Load().String(),
		SlotSize:  d.slotSize,
		SlotCount: d.slotCount,
	}
	cs.Written, _ = d.region.Load32(dataWrittenOff)
	cs.Read, _ = d.region.Load32(dataReadOff)
	cs.Invalidated, _ = d.region.Load32(dataInvalidOff)

	eq, dq, err := d.ring.Indices()
	cs.Eq, cs.Dq = eq, dq
	if err != nil {
		note("%s: %v", d.place.Name, err)
		return cs
	}
	cs.Occupancy = d.ring.Occupancy(eq, dq)
	for idx := uint32(0); idx < d.ring.Size; idx++ {
		off := d.slotOff(idx)
		length, err := d.region.Load32(off)
		if err != nil {
			note("%s slot %d: %v", d.place.Name, idx, err)
			continue
		}
		ss := SlotSnapshot{Index: idx, Length: length, Invalid: length == InvalidLength}
		if !ss.Invalid && length > 0 && length <= d.slotSize {
			buf := make([]byte, min(length, previewBytes))
			if err := d.region.ReadAt(off+4, buf); err == nil {
				ss.Preview = hex.EncodeToString(buf)
			}
		}
		if ss.Length != 0 {
			cs.Slots = append(cs.Slots, ss)
		}
	}
	return cs
}

// WriteDump writes the snapshot as YAML, brotli-compressed when asked
func (c *CIPC) WriteDump(w io.Writer, opts DumpOptions) error {
	return WriteSnapshot(w, c.Dump(), opts)
}

// WriteSnapshot encodes s to w
func WriteSnapshot(w io.Writer, s Snapshot, opts DumpOptions) error {
	if !opts.Compress {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return err
		}
		return enc.Close()
	}

	bw := brotli.NewWriterLevel(w, brotli.DefaultCompression)
	enc := yaml.NewEncoder(bw)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		_ = bw.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		_ = bw.Close()
		return err
	}
	return bw.Close()
}

// ReadSnapshot decodes a dump written by WriteSnapshot
func ReadSnapshot(r io.Reader, compressed bool) (Snapshot, error) {
	if compressed {
		r = brotli.NewReader(r)
	}
	var s Snapshot
	if err := yaml.NewDecoder(r).Decode(&s); err != nil {
		return Snapshot{}, fmt.Errorf("decode dump: %w", err)
	}
	return s, nil
}
