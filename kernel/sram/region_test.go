package sram

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegionBoundsChecked(t *testing.T) {
	mem := NewInMemoryProvider(1024)
	r, err := NewRegion(mem, "evt", 256, 64)
	require.NoError(t, err)

	require.NoError(t, r.Store32(60, 7))
	v, err := r.Load32(60)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), v)

	raw, err := mem.AtomicLoad32(316)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), raw, "region offsets are relative to base")

	err = r.Store32(64, 1)
	assert.True(t, errors.Is(err, ErrOutOfBounds))

	err = r.WriteAt(60, []byte{1, 2, 3, 4, 5})
	assert.True(t, errors.Is(err, ErrOutOfBounds))
}

func TestRegionConstruction(t *testing.T) {
	mem := NewInMemoryProvider(128)

	_, err := NewRegion(mem, "too-big", 64, 128)
	assert.Error(t, err)

	r, err := NewRegion(mem, "ok", 32, 32)
	require.NoError(t, err)
	assert.Equal(t, uint32(32), r.Base())
	assert.Equal(t, uint32(64), r.End())
	assert.True(t, r.Contains(28, 4))
	assert.False(t, r.Contains(30, 4))
	assert.False(t, Region{}.Valid())

	_, err = NewRegion(nil, "nil", 0, 4)
	assert.Error(t, err)
}

func TestRegionStringsAndFill(t *testing.T) {
	mem := NewInMemoryProvider(256)
	r, err := NewRegion(mem, "hdr", 0, 256)
	require.NoError(t, err)

	require.NoError(t, r.WriteString(4, 8, "CHUB2AP-too-long"))
	s, err := r.ReadString(4, 8)
	require.NoError(t, err)
	assert.Equal(t, "CHUB2AP-", s)

	require.NoError(t, r.Fill(0, 256, 0xAA))
	require.NoError(t, r.Fill(16, 8, 0))
	buf := make([]byte, 256)
	require.NoError(t, r.ReadAt(0, buf))
	for i, b := range buf {
		want := byte(0xAA)
		if i >= 16 && i < 24 {
			want = 0
		}
		require.Equal(t, want, b, "byte %d", i)
	}
}

func TestAlignOffset(t *testing.T) {
	assert.Equal(t, uint32(4096), AlignOffset(1, ALIGNMENT_PAGE))
	assert.Equal(t, uint32(4096), AlignOffset(4096, ALIGNMENT_PAGE))
	assert.Equal(t, uint32(64), AlignOffset(33, ALIGNMENT_CACHE_LINE))
	assert.True(t, IsAligned(0x2000, 4096))
	assert.False(t, IsAligned(0x2010, 4096))
	assert.False(t, IsAligned(0x2000, 0))
}
