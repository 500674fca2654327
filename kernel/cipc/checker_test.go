package cipc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/cipc/kernel/utils"
)

func TestClassify(t *testing.T) {
	p := newPair(t, nil)

	assert.Equal(t, KindUserHeader, p.ap.Classify(0x10))
	assert.Equal(t, KindEventQueue, p.ap.Classify(0x11))
	assert.Equal(t, KindDataChannel, p.ap.Classify(0x12))
	assert.Equal(t, KindDataChannel, p.ap.Classify(0x23))
	assert.Equal(t, KindNone, p.ap.Classify(0x99))
	assert.Equal(t, KindNone, p.ap.Classify(0))
}

func TestCheck_ValidInvalidLocked(t *testing.T) {
	p := newPair(t, nil)

	v, err := p.ap.Check(0x21)
	require.NoError(t, err)
	assert.Equal(t, Valid, v)
	require.NoError(t, p.ap.CheckAll())

	v, err = p.ap.Check(0x99)
	assert.Equal(t, Invalid, v)
	assert.ErrorIs(t, err, ErrInvalidRegion)

	require.NoError(t, p.chub.Quiesce())
	v, err = p.ap.Check(0x21)
	assert.Equal(t, Locked, v)
	assert.ErrorIs(t, err, ErrLocked)
	assert.ErrorIs(t, p.ap.AddEvent(ctxTimeout(t), UserAP2CHUB, 1), ErrLocked)

	require.NoError(t, p.chub.Resume())
	v, _ = p.ap.Check(0x21)
	assert.Equal(t, Valid, v)
}

func TestCheck_MagicMismatch(t *testing.T) {
	p := newPair(t, nil)
	r, ok := p.ap.Region(0x22)
	require.True(t, ok)

	require.NoError(t, p.mem.AtomicStore32(r.Offset+dataMagicOff, 0xdeadbeef))

	v, err := p.ap.Check(0x22)
	assert.Equal(t, Invalid, v)
	assert.ErrorIs(t, err, ErrMagicMismatch)
	assert.ErrorIs(t, p.ap.CheckAll(), ErrMagicMismatch)

	// the other regions are still usable
	v, err = p.ap.Check(0x21)
	require.NoError(t, err)
	assert.Equal(t, Valid, v)
}

func TestCheck_GeometryMismatch(t *testing.T) {
	p := newPair(t, nil)
	r, _ := p.ap.Region(0x11)

	require.NoError(t, p.mem.AtomicStore32(r.Offset+evtCapOff, 4))
	v, err := p.ap.Check(0x11)
	assert.Equal(t, Invalid, v)
	assert.ErrorIs(t, err, ErrInvalidRegion)
}

func TestNonAuthorNeverStamps(t *testing.T) {
	mem := newTestMemory(t)

	ap, err := New(mem, testConfig(OwnerAP), WithLogger(utils.NopLogger()))
	require.NoError(t, err)
	defer ap.Close()

	v, err := ap.Check(0x11)
	assert.Equal(t, Invalid, v)
	assert.ErrorIs(t, err, ErrMagicMismatch)
	assert.Equal(t, StateUninitialized, ap.QueueState(UserCHUB2AP))

	// the author arriving later makes the same regions valid
	chub, err := New(mem, testConfig(OwnerCHUB), WithLogger(utils.NopLogger()))
	require.NoError(t, err)
	defer chub.Close()

	assert.Equal(t, StateStamped, chub.QueueState(UserCHUB2AP))
	v, err = ap.Check(0x11)
	require.NoError(t, err)
	assert.Equal(t, Valid, v)
}
