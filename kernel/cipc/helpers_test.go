package cipc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/cipc/kernel/mailbox"
	"github.com/nmxmxh/cipc/kernel/sram"
	"github.com/nmxmxh/cipc/kernel/utils"
)

const (
	testSRAMSize = 64 * 1024
	testIPCStart = 0x1000
	testMboxOff  = 0x100
)

func testConfig(self Owner) Config {
	cfg := DefaultConfig()
	cfg.Self = self
	cfg.MaxTryCount = 3
	cfg.RetrySleep = time.Millisecond
	cfg.LockSpins = 1 << 20
	return cfg
}

func newTestMemory(t *testing.T) *sram.InMemoryProvider {
	t.Helper()
	mem := sram.NewInMemoryProvider(testSRAMSize)
	require.NoError(t, WriteBootParams(mem, 0, BootParams{
		IPCStart: testIPCStart,
		IPCEnd:   testSRAMSize,
	}))
	return mem
}

func newSoftMailbox(t *testing.T, mem sram.MemoryProvider) *mailbox.Soft {
	t.Helper()
	region, err := sram.NewRegion(mem, "mbox", testMboxOff, mailbox.SoftSize)
	require.NoError(t, err)
	mb, err := mailbox.NewSoft(region)
	require.NoError(t, err)
	return mb
}

// recorder collects callback invocations
type recorder struct {
	mu     sync.Mutex
	events []uint32
	data   [][]byte
}

func (r *recorder) callback(eventID uint32, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventID)
	if payload != nil {
		r.data = append(r.data, payload)
	}
}

func (r *recorder) snapshot() ([]uint32, [][]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint32(nil), r.events...), append([][]byte(nil), r.data...)
}

// pair is the CHUB (map author) and AP views of one shared block, registered
// on one software mailbox.
type pair struct {
	mem    *sram.InMemoryProvider
	mb     *mailbox.Soft
	chub   *CIPC
	ap     *CIPC
	chubRx *recorder
	apRx   *recorder
}

func newPair(t *testing.T, mutate func(*Config)) *pair {
	t.Helper()
	mem := newTestMemory(t)
	p := &pair{mem: mem, mb: newSoftMailbox(t, mem), chubRx: &recorder{}, apRx: &recorder{}}

	chubCfg, apCfg := testConfig(OwnerCHUB), testConfig(OwnerAP)
	if mutate != nil {
		mutate(&chubCfg)
		mutate(&apCfg)
	}

	var err error
	p.chub, err = New(mem, chubCfg, WithLogger(utils.NopLogger()))
	require.NoError(t, err)
	p.ap, err = New(mem, apCfg, WithLogger(utils.NopLogger()))
	require.NoError(t, err)

	_, _, err = p.chub.Register(p.mb, UserCHUB2AP, UserAP2CHUB, p.chubRx.callback)
	require.NoError(t, err)
	_, _, err = p.ap.Register(p.mb, UserAP2CHUB, UserCHUB2AP, p.apRx.callback)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = p.chub.Close()
		_ = p.ap.Close()
	})
	return p
}

// singleChannelUsers declares one CHUB<->AP pair with one data channel
func singleChannelUsers(slotSize, slotCount uint32) []UserDesc {
	return []UserDesc{
		{
			Name: "CHUB2AP", ID: UserCHUB2AP, Reg: 0x10, EvtReg: 0x11, EvtCapacity: DefaultEventCapacity,
			Channels: []ChannelDesc{{Region: 0x12, SlotSize: slotSize, SlotCount: slotCount}},
			Owner:    OwnerCHUB, Peer: OwnerAP, Dir: mailbox.Dir0,
		},
		{
			Name: "AP2CHUB", ID: UserAP2CHUB, Reg: 0x20, EvtReg: 0x21, EvtCapacity: DefaultEventCapacity,
			Channels: []ChannelDesc{{Region: 0x22, SlotSize: slotSize, SlotCount: slotCount}},
			Owner:    OwnerAP, Peer: OwnerCHUB, Dir: mailbox.Dir1,
		},
		{},
	}
}

func ctxTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// mockMailbox lets tests script interrupt delivery
type mockMailbox struct {
	mock.Mock
}

func (m *mockMailbox) GenerateInterrupt(dir mailbox.Direction, line uint32) error {
	return m.Called(dir, line).Error(0)
}

func (m *mockMailbox) ReadStatusAll(dir mailbox.Direction) (uint32, error) {
	args := m.Called(dir)
	return args.Get(0).(uint32), args.Error(1)
}

func (m *mockMailbox) ClearPending(dir mailbox.Direction, line uint32) error {
	return m.Called(dir, line).Error(0)
}

func (m *mockMailbox) StartBitOffset(dir mailbox.Direction) uint32 {
	return m.Called(dir).Get(0).(uint32)
}
