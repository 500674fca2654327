package cipc

import (
	"fmt"
	"strings"

	"github.com/nmxmxh/cipc/kernel/mailbox"
)

// Owner identifies a physical core taking part in CIPC
type Owner uint32

const (
	OwnerAP Owner = iota + 1
	OwnerCHUB
	OwnerABOX
	OwnerGNSS
	ownerMax
)

var ownerNames = map[Owner]string{
	OwnerAP:   "AP",
	OwnerCHUB: "CHUB",
	OwnerABOX: "ABOX",
	OwnerGNSS: "GNSS",
}

// Valid reports whether o is a known core
func (o Owner) Valid() bool {
	return o >= OwnerAP && o < ownerMax
}

func (o Owner) String() string {
	if name, ok := ownerNames[o]; ok {
		return name
	}
	return fmt.Sprintf("owner(%d)", uint32(o))
}

func (o Owner) MarshalText() ([]byte, error) {
	if !o.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidOwner, uint32(o))
	}
	return []byte(o.String()), nil
}

func (o *Owner) UnmarshalText(text []byte) error {
	name := strings.ToUpper(strings.TrimSpace(string(text)))
	for owner, n := range ownerNames {
		if n == name {
			*o = owner
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidOwner, string(text))
}

// bootstraps reports whether the owner opens a fresh session for its pair on
// registration, clearing stale mailbox state and queue indices.
func (o Owner) bootstraps() bool {
	return o == OwnerABOX
}

// mapsSegment reports whether the owner maps its own window of the shared
// block and therefore needs its segment extent at registration.
func (o Owner) mapsSegment() bool {
	return o == OwnerABOX || o == OwnerGNSS
}

// UserID names a directional user of the shared map
type UserID uint32

const (
	UserCHUB2AP UserID = iota
	UserAP2CHUB
	UserCHUB2ABOX
	UserABOX2CHUB
	UserCHUB2GNSS
	UserGNSS2CHUB
)

// MaxChannels is the number of data channels a user may declare
const MaxChannels = 2

// ChannelDesc declares one data channel of a user
type ChannelDesc struct {
	Region    uint32 `yaml:"region"`
	SlotSize  uint32 `yaml:"slot_size"`
	SlotCount uint32 `yaml:"slot_count"`
}

// UserDesc is one entry of the user map descriptor table. The table is
// terminated by the first entry whose Reg is zero.
type UserDesc struct {
	Name        string            `yaml:"name"`
	ID          UserID            `yaml:"id"`
	Reg         uint32            `yaml:"region"`
	EvtReg      uint32            `yaml:"event_region"`
	EvtCapacity uint32            `yaml:"event_capacity"`
	Channels    []ChannelDesc     `yaml:"channels"`
	Owner       Owner             `yaml:"owner"`
	Peer        Owner             `yaml:"peer"`
	SrcHW       uint32            `yaml:"src_hw"`
	DstHW       uint32            `yaml:"dst_hw"`
	Dir         mailbox.Direction `yaml:"direction"`
}

// Segment returns the core whose window holds this user: the end of the pair
// that is not the SRAM host.
func (d UserDesc) Segment(host Owner) Owner {
	if d.Owner == host {
		return d.Peer
	}
	return d.Owner
}

// Reverse reports whether rx is the opposite direction of the same pair as d
func (d UserDesc) Reverse(rx UserDesc) bool {
	return d.Owner == rx.Peer && d.Peer == rx.Owner && d.ID != rx.ID
}

// DefaultUsers returns the compiled-in descriptor table for cfg, including the
// terminator entry. ABOX and GNSS pairs are present only when enabled.
func DefaultUsers(cfg Config) []UserDesc {
	capacity := cfg.EventCapacity
	if capacity == 0 {
		capacity = DefaultEventCapacity
	}

	users := []UserDesc{
		{
			Name: "CHUB2AP", ID: UserCHUB2AP, Reg: 0x10, EvtReg: 0x11, EvtCapacity: capacity,
			Channels: []ChannelDesc{{Region: 0x12, SlotSize: 128, SlotCount: 8}, {Region: 0x13, SlotSize: 1024, SlotCount: 4}},
			Owner:    OwnerCHUB, Peer: OwnerAP, SrcHW: 2, DstHW: 1, Dir: mailbox.Dir0,
		},
		{
			Name: "AP2CHUB", ID: UserAP2CHUB, Reg: 0x20, EvtReg: 0x21, EvtCapacity: capacity,
			Channels: []ChannelDesc{{Region: 0x22, SlotSize: 128, SlotCount: 8}, {Region: 0x23, SlotSize: 1024, SlotCount: 4}},
			Owner:    OwnerAP, Peer: OwnerCHUB, SrcHW: 1, DstHW: 2, Dir: mailbox.Dir1,
		},
	}
	if cfg.EnableABOX {
		users = append(users,
			UserDesc{
				Name: "CHUB2ABOX", ID: UserCHUB2ABOX, Reg: 0x30, EvtReg: 0x31, EvtCapacity: capacity,
				Channels: []ChannelDesc{{Region: 0x32, SlotSize: 256, SlotCount: 4}},
				Owner:    OwnerCHUB, Peer: OwnerABOX, SrcHW: 2, DstHW: 3, Dir: mailbox.Dir0,
			},
			UserDesc{
				Name: "ABOX2CHUB", ID: UserABOX2CHUB, Reg: 0x40, EvtReg: 0x41, EvtCapacity: capacity,
				Channels: []ChannelDesc{{Region: 0x42, SlotSize: 256, SlotCount: 4}},
				Owner:    OwnerABOX, Peer: OwnerCHUB, SrcHW: 3, DstHW: 2, Dir: mailbox.Dir1,
			},
		)
	}
	if cfg.EnableGNSS {
		users = append(users,
			UserDesc{
				Name: "CHUB2GNSS", ID: UserCHUB2GNSS, Reg: 0x50, EvtReg: 0x51, EvtCapacity: capacity,
				Channels: []ChannelDesc{{Region: 0x52, SlotSize: 512, SlotCount: 4}},
				Owner:    OwnerCHUB, Peer: OwnerGNSS, SrcHW: 2, DstHW: 4, Dir: mailbox.Dir0,
			},
			UserDesc{
				Name: "GNSS2CHUB", ID: UserGNSS2CHUB, Reg: 0x60, EvtReg: 0x61, EvtCapacity: capacity,
				Channels: []ChannelDesc{{Region: 0x62, SlotSize: 512, SlotCount: 4}},
				Owner:    OwnerGNSS, Peer: OwnerCHUB, SrcHW: 4, DstHW: 2, Dir: mailbox.Dir1,
			},
		)
	}
	return append(users, UserDesc{})
}
