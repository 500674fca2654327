package cipc

import (
	"fmt"

	"github.com/nmxmxh/cipc/kernel/sram"
)

// Region magics. Each is stamped once by the map author.
const (
	MagicMap  uint32 = 0x4d504943 // "CIPM"
	MagicUser uint32 = 0x55504943 // "CIPU"
	MagicEvt  uint32 = 0x45504943 // "CIPE"
	MagicData uint32 = 0x44504943 // "CIPD"
)

const (
	// MapVersion is written to the map header and the boot-parameter block
	MapVersion = 1
	// MaxUsers bounds the descriptor table
	MaxUsers = 16

	// InvalidLength marks a data slot the reader must discard
	InvalidLength uint32 = 0xFFFFFFFF
	// DataMarker is the event value of a data-channel notification
	DataMarker uint32 = 0xDA7A

	regionAlign = sram.ALIGNMENT_CACHE_LINE
	nameWidth   = 16
)

// Map header
const (
	mapMagicOff   = 0
	mapLockOff    = 4
	mapUsersOff   = 8
	mapEndOff     = 12
	mapVersionOff = 16
	mapResetOff   = 20 // bumped by every ResetMap
	MapHeaderSize = 64
)

// User header
const (
	userMagicOff   = 0
	userOwnerOff   = 4
	userPeerOff    = 8
	userIDOff      = 12
	userEvtOff     = 16
	userDataOff    = 20 // MaxChannels words
	userSessionOff = 28
	userSrcHWOff   = 32
	userDstHWOff   = 36
	userNameOff    = 40
	UserHeaderSize = 64
)

// Event queue
const (
	evtMagicOff   = 0
	evtNameOff    = 4
	evtAddedOff   = 20
	evtTakenOff   = 24
	evtErrorsOff  = 28
	evtEqOff      = 32
	evtDqOff      = 36
	evtCapOff     = 40
	evtLockOff    = 44
	evtPendingOff = 48 // one word per mailbox line
	evtRecordsOff = 112

	recordSize      = 16
	recEventOff     = 0
	recValueOff     = 4
	recLineOff      = 8
	recStatusOff    = 12
	recStatusFilled = 0xF111
)

// Data channel
const (
	dataMagicOff     = 0
	dataNameOff      = 4
	dataWrittenOff   = 20
	dataReadOff      = 24
	dataInvalidOff   = 28
	dataEqOff        = 32
	dataDqOff        = 36
	dataSlotSizeOff  = 40
	dataSlotCountOff = 44
	dataLockOff      = 48
	DataHeaderSize   = 64
)

// RegionKind classifies a region of the map
type RegionKind int

const (
	KindNone RegionKind = iota
	KindUserHeader
	KindEventQueue
	KindDataChannel
)

func (k RegionKind) String() string {
	switch k {
	case KindUserHeader:
		return "user_header"
	case KindEventQueue:
		return "event_queue"
	case KindDataChannel:
		return "data_channel"
	default:
		return "none"
	}
}

// EventQueueSize is the footprint of an event queue with capacity records
func EventQueueSize(capacity uint32) uint32 {
	return sram.AlignOffset(evtRecordsOff+capacity*recordSize, regionAlign)
}

func slotStride(slotSize uint32) uint32 {
	return 4 + sram.AlignOffset(slotSize, sram.ALIGNMENT_WORD)
}

// DataChannelSize is the footprint of a data channel. The ring has one spare
// position so that slotCount payloads fit.
func DataChannelSize(slotSize, slotCount uint32) uint32 {
	return sram.AlignOffset(DataHeaderSize+(slotCount+1)*slotStride(slotSize), regionAlign)
}

// PlacedRegion is one region of the computed map
type PlacedRegion struct {
	ID      uint32     `yaml:"id"`
	Kind    RegionKind `yaml:"kind"`
	User    UserID     `yaml:"user"`
	Channel int        `yaml:"channel"`
	Name    string     `yaml:"name"`
	Offset  uint32     `yaml:"offset"`
	Size    uint32     `yaml:"size"`
}

func (r PlacedRegion) End() uint32 {
	return r.Offset + r.Size
}

func (r PlacedRegion) String() string {
	return fmt.Sprintf("%s(0x%x) [0x%x, 0x%x)", r.Name, r.ID, r.Offset, r.End())
}

// UserLayout holds the regions of one user
type UserLayout struct {
	Desc   UserDesc
	Header PlacedRegion
	Event  PlacedRegion
	Data   []PlacedRegion
}

// Segment is the contiguous extent of the map held in one core's window
type Segment struct {
	Owner Owner
	Start uint32
	End   uint32
}

func (s Segment) Size() uint32 {
	return s.End - s.Start
}

// Layout is the output of BuildMap. All offsets are absolute SRAM offsets.
type Layout struct {
	Boot     BootParams
	Header   uint32
	End      uint32
	Users    []*UserLayout
	Segments []Segment
	// AlignmentErr records a segment boundary that is not SegmentAlign aligned
	// in physical address space. It is only fatal with StrictAlignment.
	AlignmentErr error
}

// Segment returns the extent held by owner
func (l *Layout) Segment(owner Owner) (Segment, bool) {
	for _, s := range l.Segments {
		if s.Owner == owner {
			return s, true
		}
	}
	return Segment{}, false
}

// Regions returns every placed region in offset order
func (l *Layout) Regions() []PlacedRegion {
	var out []PlacedRegion
	for _, u := range l.Users {
		out = append(out, u.Header, u.Event)
		out = append(out, u.Data...)
	}
	return out
}
