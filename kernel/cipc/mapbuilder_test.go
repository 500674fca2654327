package cipc

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/cipc/kernel/mailbox"
	"github.com/nmxmxh/cipc/kernel/sram"
)

func TestBuildMap_DefaultLayout(t *testing.T) {
	mem := newTestMemory(t)
	cfg := testConfig(OwnerCHUB)
	cfg.EnableABOX = true
	cfg.EnableGNSS = true

	layout, err := BuildMap(mem, cfg, nil)
	require.NoError(t, err)
	require.NoError(t, layout.AlignmentErr)
	require.Len(t, layout.Users, 6)

	assert.Equal(t, uint32(testIPCStart), layout.Header)
	assert.Equal(t, layout.Header+MapHeaderSize, layout.Users[0].Header.Offset)

	// users follow each other within a segment
	ap := layout.Users[1]
	assert.Equal(t, layout.Users[0].Data[1].End(), ap.Header.Offset)

	require.Len(t, layout.Segments, 3)
	for i, seg := range layout.Segments {
		assert.Zero(t, seg.End%DefaultSegmentAlign, "segment %s end", seg.Owner)
		if i > 0 {
			assert.Zero(t, seg.Start%DefaultSegmentAlign, "segment %s start", seg.Owner)
			assert.Equal(t, layout.Segments[i-1].End, seg.Start)
		}
	}
	assert.Equal(t, OwnerAP, layout.Segments[0].Owner)
	assert.Equal(t, OwnerABOX, layout.Segments[1].Owner)
	assert.Equal(t, OwnerGNSS, layout.Segments[2].Owner)
	assert.Equal(t, layout.Segments[1].Start, layout.Users[2].Header.Offset)
	assert.Equal(t, layout.Segments[2].End, layout.End)
}

func TestBuildMap_DescriptorTableStopsAtTerminator(t *testing.T) {
	mem := newTestMemory(t)
	cfg := testConfig(OwnerCHUB)
	cfg.EnableABOX = true
	users := DefaultUsers(cfg)
	// a terminator after the first pair hides the ABOX users
	cfg.Users = append(append(users[:2:2], UserDesc{}), users[2:]...)

	layout, err := BuildMap(mem, cfg, nil)
	require.NoError(t, err)
	assert.Len(t, layout.Users, 2)
}

func TestBuildMap_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config, *sram.InMemoryProvider)
	}{
		{
			name: "boot magic mismatch",
			mutate: func(_ *Config, mem *sram.InMemoryProvider) {
				copy(mem.Bytes()[bootMagicOff:], "CIPCB00T")
			},
		},
		{
			name: "ipc area too small",
			mutate: func(_ *Config, mem *sram.InMemoryProvider) {
				binaryPut(mem, bootIPCEndOff, testIPCStart+0x2000)
			},
		},
		{
			name: "zero slot size",
			mutate: func(cfg *Config, _ *sram.InMemoryProvider) {
				cfg.Users = singleChannelUsers(0, 4)
			},
		},
		{
			name: "zero slot count",
			mutate: func(cfg *Config, _ *sram.InMemoryProvider) {
				cfg.Users = singleChannelUsers(64, 0)
			},
		},
		{
			name: "duplicate region id",
			mutate: func(cfg *Config, _ *sram.InMemoryProvider) {
				cfg.Users = singleChannelUsers(64, 4)
				cfg.Users[1].EvtReg = cfg.Users[0].Channels[0].Region
			},
		},
		{
			name: "empty table",
			mutate: func(cfg *Config, _ *sram.InMemoryProvider) {
				cfg.Users = []UserDesc{{}}
			},
		},
		{
			name: "owner talking to itself",
			mutate: func(cfg *Config, _ *sram.InMemoryProvider) {
				cfg.Users = singleChannelUsers(64, 4)
				cfg.Users[0].Peer = OwnerCHUB
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := newTestMemory(t)
			cfg := testConfig(OwnerCHUB)
			tt.mutate(&cfg, mem)

			_, err := BuildMap(mem, cfg, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMap)
			assert.True(t, IsMapError(err))
		})
	}
}

func TestBuildMap_MisalignedPhysBase(t *testing.T) {
	mem := newTestMemory(t)
	cfg := testConfig(OwnerCHUB)
	cfg.EnableABOX = true
	cfg.PhysBase = 0x200

	layout, err := BuildMap(mem, cfg, nil)
	require.NoError(t, err, "misalignment is reported, not fatal, by default")
	assert.ErrorIs(t, layout.AlignmentErr, ErrMisaligned)

	cfg.StrictAlignment = true
	_, err = BuildMap(mem, cfg, nil)
	assert.ErrorIs(t, err, ErrMap)
	assert.ErrorIs(t, err, ErrMisaligned)
}

// Every user that starts a new segment after the host<->AP boundary must
// start on a 4 KiB boundary, whatever the table looks like.
func TestBuildMap_SegmentAlignmentProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	peers := []Owner{OwnerAP, OwnerABOX, OwnerGNSS}

	for round := 0; round < 50; round++ {
		mem := sram.NewInMemoryProvider(1 << 20)
		require.NoError(t, WriteBootParams(mem, 0, BootParams{IPCStart: 0x1000, IPCEnd: 1 << 20}))

		n := 1 + rng.Intn(MaxUsers)
		var users []UserDesc
		peer := OwnerAP
		for i := 0; i < n; i++ {
			if i > 0 && rng.Intn(3) == 0 {
				peer = peers[rng.Intn(len(peers))]
			}
			d := UserDesc{
				Name: "u", ID: UserID(i), Reg: uint32(0x100 + i*8), EvtReg: uint32(0x101 + i*8),
				EvtCapacity: uint32(2 + rng.Intn(30)),
				Owner:       OwnerCHUB, Peer: peer, Dir: mailbox.Dir0,
			}
			if i%2 == 1 {
				d.Owner, d.Peer, d.Dir = peer, OwnerCHUB, mailbox.Dir1
			}
			for ch := 0; ch < rng.Intn(MaxChannels+1); ch++ {
				d.Channels = append(d.Channels, ChannelDesc{
					Region:    uint32(0x102 + i*8 + ch),
					SlotSize:  uint32(1 + rng.Intn(600)),
					SlotCount: uint32(1 + rng.Intn(16)),
				})
			}
			users = append(users, d)
		}

		cfg := testConfig(OwnerCHUB)
		cfg.Users = append(users, UserDesc{})
		layout, err := BuildMap(mem, cfg, nil)
		require.NoError(t, err)

		for i := 1; i < len(layout.Users); i++ {
			prev, cur := layout.Users[i-1], layout.Users[i]
			if prev.Desc.Segment(OwnerCHUB) != cur.Desc.Segment(OwnerCHUB) {
				assert.Zero(t, cur.Header.Offset%4096, "round %d user %d", round, i)
			} else {
				assert.Equal(t, prev.Header.Offset+userSpan(prev), cur.Header.Offset)
			}
		}
		assert.Zero(t, layout.End%4096)
	}
}

func userSpan(ul *UserLayout) uint32 {
	end := ul.Event.End()
	if n := len(ul.Data); n > 0 {
		end = ul.Data[n-1].End()
	}
	return end - ul.Header.Offset
}

func binaryPut(mem *sram.InMemoryProvider, off, val uint32) {
	_ = mem.AtomicStore32(off, val)
}

func TestBootParams_RoundTrip(t *testing.T) {
	mem := sram.NewInMemoryProvider(0x4000)
	bp := BootParams{IPCStart: 0x100, IPCEnd: 0x4000, MapOffset: 0x40}
	require.NoError(t, WriteBootParams(mem, 0, bp))

	got, err := ReadBootParams(mem, 0)
	require.NoError(t, err)
	bp.Version = MapVersion
	assert.Equal(t, bp, got)

	assert.ErrorIs(t, WriteBootParams(mem, 0, BootParams{IPCStart: 0x10, IPCEnd: 0x4000}), ErrMap,
		"boot block overlapping the ipc area")
	assert.ErrorIs(t, WriteBootParams(mem, 0, BootParams{IPCStart: 0x100, IPCEnd: 0x8000}), ErrMap)
}
