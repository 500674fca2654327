package cipc

import (
	"errors"
	"fmt"

	"github.com/nmxmxh/cipc/kernel/sram"
	"github.com/nmxmxh/cipc/kernel/utils"
)

// activeUsers returns the table up to, not including, the first entry with Reg == 0
func activeUsers(table []UserDesc) []UserDesc {
	for i, d := range table {
		if d.Reg == 0 {
			return table[:i]
		}
	}
	return table
}

// BuildMap computes the offset of every region of every declared user.
//
// Users are placed in declaration order, each immediately after the previous
// one. Whenever the owning segment changes, and after the last user, the next
// offset rounds up to cfg.SegmentAlign so every peer window starts and ends on
// a mappable boundary. BuildMap only reads shared memory.
func BuildMap(mem sram.MemoryProvider, cfg Config, log *utils.Logger) (*Layout, error) {
	if log == nil {
		log = utils.NopLogger()
	}
	segAlign := cfg.SegmentAlign
	if segAlign == 0 {
		segAlign = DefaultSegmentAlign
	}

	boot, err := ReadBootParams(mem, cfg.BootParamOffset)
	if err != nil {
		return nil, err
	}

	descs := activeUsers(cfg.descriptors())
	if len(descs) == 0 {
		return nil, mapError("descriptor table is empty")
	}
	if len(descs) > MaxUsers {
		return nil, mapError("%d users declared, at most %d supported", len(descs), MaxUsers)
	}

	layout := &Layout{
		Boot:   boot,
		Header: boot.IPCStart + boot.MapOffset,
	}
	validator := sram.NewValidator(boot.IPCStart, boot.IPCEnd)
	if err := validator.RegisterRegion("map", layout.Header, MapHeaderSize, "map header"); err != nil {
		return nil, mapError("map header: %v", err)
	}

	ids := make(map[uint32]string)
	users := make(map[UserID]bool)
	place := func(off *uint32, r PlacedRegion) (PlacedRegion, error) {
		if prev, dup := ids[r.ID]; dup {
			return r, mapError("region id 0x%x of %s already used by %s", r.ID, r.Name, prev)
		}
		ids[r.ID] = r.Name
		r.Offset = *off
		if err := validator.RegisterRegion(r.Name, r.Offset, r.Size, r.Kind.String()); err != nil {
			return r, mapError("place %s: %v", r, err)
		}
		*off += r.Size
		return r, nil
	}

	checkAlign := func(what string, off uint32) {
		phys := cfg.PhysBase + uint64(off)
		if sram.IsAligned(phys, uint64(segAlign)) || layout.AlignmentErr != nil {
			return
		}
		layout.AlignmentErr = fmt.Errorf("%w: %s at phys 0x%x is not %d aligned", ErrMisaligned, what, phys, segAlign)
		log.Warn("Segment boundary misaligned",
			utils.String("boundary", what),
			utils.Uint64("phys", phys),
			utils.Uint32("align", segAlign))
	}

	off := layout.Header + MapHeaderSize
	var seg *Segment
	for i, d := range descs {
		if err := checkDesc(d); err != nil {
			return nil, err
		}
		if users[d.ID] {
			return nil, mapError("user id %d (%s) declared twice", d.ID, d.Name)
		}
		users[d.ID] = true

		owner := d.Segment(cfg.Host)
		if seg == nil || seg.Owner != owner {
			if seg != nil {
				off = sram.AlignOffset(off, segAlign)
				seg.End = off
				checkAlign(seg.Owner.String()+" segment end", off)
				layout.Segments = append(layout.Segments, *seg)
			}
			seg = &Segment{Owner: owner, Start: off}
			if i > 0 {
				checkAlign(owner.String()+" segment start", off)
			}
		}

		ul := &UserLayout{Desc: d}
		if ul.Header, err = place(&off, PlacedRegion{
			ID: d.Reg, Kind: KindUserHeader, User: d.ID, Name: d.Name, Size: UserHeaderSize,
		}); err != nil {
			return nil, err
		}
		if ul.Event, err = place(&off, PlacedRegion{
			ID: d.EvtReg, Kind: KindEventQueue, User: d.ID, Name: d.Name + ".evt",
			Size: EventQueueSize(d.EvtCapacity),
		}); err != nil {
			return nil, err
		}
		for ch, cd := range d.Channels {
			r, err := place(&off, PlacedRegion{
				ID: cd.Region, Kind: KindDataChannel, User: d.ID, Channel: ch,
				Name: fmt.Sprintf("%s.data%d", d.Name, ch),
				Size: DataChannelSize(cd.SlotSize, cd.SlotCount),
			})
			if err != nil {
				return nil, err
			}
			ul.Data = append(ul.Data, r)
		}
		layout.Users = append(layout.Users, ul)
	}

	off = sram.AlignOffset(off, segAlign)
	seg.End = off
	checkAlign(seg.Owner.String()+" segment end", off)
	layout.Segments = append(layout.Segments, *seg)

	if off > boot.IPCEnd {
		return nil, mapError("map needs [0x%x, 0x%x) but ipc area ends at 0x%x", layout.Header, off, boot.IPCEnd)
	}
	layout.End = off
	if err := validator.ValidateLayout(); err != nil {
		return nil, mapError("%v", err)
	}

	if layout.AlignmentErr != nil && cfg.StrictAlignment {
		return nil, fmt.Errorf("%w: %w", ErrMap, layout.AlignmentErr)
	}

	log.Debug("Map built",
		utils.Int("users", len(layout.Users)),
		utils.Hex32("start", layout.Header),
		utils.Hex32("end", layout.End),
		utils.Float64("utilization", float64(sram.CalculateUtilization(layout.End-boot.IPCStart, boot.IPCEnd-boot.IPCStart))))
	log.Debug("Region map\n" + validator.GetMemoryMap())
	return layout, nil
}

func checkDesc(d UserDesc) error {
	switch {
	case !d.Owner.Valid() || !d.Peer.Valid() || d.Owner == d.Peer:
		return mapError("user %s: bad owner pair %s->%s", d.Name, d.Owner, d.Peer)
	case d.EvtReg == 0:
		return mapError("user %s: event region id is zero", d.Name)
	case d.EvtCapacity < 2:
		return mapError("user %s: event capacity %d", d.Name, d.EvtCapacity)
	case len(d.Channels) > MaxChannels:
		return mapError("user %s: %d data channels, at most %d", d.Name, len(d.Channels), MaxChannels)
	case !d.Dir.Valid():
		return mapError("user %s: bad mailbox direction %d", d.Name, d.Dir)
	}
	for i, ch := range d.Channels {
		if ch.Region == 0 || ch.SlotSize == 0 || ch.SlotCount == 0 {
			return mapError("user %s: data channel %d needs non-zero region, slot size and slot count", d.Name, i)
		}
	}
	return nil
}

// IsMapError reports whether err means the map cannot be trusted this boot
func IsMapError(err error) bool {
	return errors.Is(err, ErrMap)
}
