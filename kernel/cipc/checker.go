package cipc

import (
	"errors"
	"fmt"

	"github.com/nmxmxh/cipc/kernel/utils"
)

// Validity is the outcome of a region check
type Validity int

const (
	Valid Validity = iota
	Invalid
	// Locked means the map is quiesced; access is temporarily unavailable
	Locked
)

func (v Validity) String() string {
	switch v {
	case Valid:
		return "valid"
	case Locked:
		return "locked"
	default:
		return "invalid"
	}
}

// Classify returns the kind of the region with identifier id
func (c *CIPC) Classify(id uint32) RegionKind {
	r, ok := c.regions[id]
	if !ok {
		return KindNone
	}
	return r.Kind
}

// Region returns the placement of region id
func (c *CIPC) Region(id uint32) (PlacedRegion, bool) {
	r, ok := c.regions[id]
	return r, ok
}

// Locked reports whether the map is quiesced
func (c *CIPC) Locked() bool {
	v, err := c.header.Load32(mapLockOff)
	return err == nil && v != 0
}

// Check verifies that region id lies inside the map and carries the magic of
// its kind. Event queues and data channels must also carry the geometry this
// core was built with.
func (c *CIPC) Check(id uint32) (Validity, error) {
	r, ok := c.regions[id]
	if !ok {
		return Invalid, fmt.Errorf("region 0x%x: %w", id, ErrInvalidRegion)
	}
	if c.Locked() {
		return Locked, fmt.Errorf("%s: %w", r.Name, ErrLocked)
	}
	if magic, err := c.header.Load32(mapMagicOff); err != nil || magic != MagicMap {
		return Invalid, fmt.Errorf("map header 0x%08x: %w", magic, ErrMagicMismatch)
	}
	if r.Offset < c.layout.Header+MapHeaderSize || r.End() > c.layout.End {
		return Invalid, fmt.Errorf("%s outside map: %w", r, ErrInvalidRegion)
	}

	u := c.users[r.User]
	switch r.Kind {
	case KindUserHeader:
		return checkWord(r, u.header.Load32, userMagicOff, MagicUser, ErrMagicMismatch)
	case KindEventQueue:
		if v, err := checkWord(r, u.evt.region.Load32, evtMagicOff, MagicEvt, ErrMagicMismatch); err != nil {
			return v, err
		}
		return checkWord(r, u.evt.region.Load32, evtCapOff, u.evt.capacity, ErrInvalidRegion)
	case KindDataChannel:
		d := u.data[r.Channel]
		if v, err := checkWord(r, d.region.Load32, dataMagicOff, MagicData, ErrMagicMismatch); err != nil {
			return v, err
		}
		if v, err := checkWord(r, d.region.Load32, dataSlotSizeOff, d.slotSize, ErrInvalidRegion); err != nil {
			return v, err
		}
		return checkWord(r, d.region.Load32, dataSlotCountOff, d.slotCount, ErrInvalidRegion)
	}
	return Invalid, fmt.Errorf("%s: %w", r, ErrInvalidRegion)
}

func checkWord(r PlacedRegion, load func(uint32) (uint32, error), off, want uint32, kind error) (Validity, error) {
	got, err := load(off)
	if err != nil {
		return Invalid, fmt.Errorf("%s: %v: %w", r.Name, err, ErrInvalidRegion)
	}
	if got != want {
		return Invalid, fmt.Errorf("%s +0x%x = 0x%08x, want 0x%08x: %w", r.Name, off, got, want, kind)
	}
	return Valid, nil
}

// CheckAll validates every region of every declared user. A single bad user
// means the whole block cannot be trusted.
func (c *CIPC) CheckAll() error {
	var errs []error
	for _, u := range c.order {
		for _, r := range append([]PlacedRegion{u.layout.Header, u.layout.Event}, u.layout.Data...) {
			v, err := c.Check(r.ID)
			if v == Locked {
				return err
			}
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// ready gates every engine operation on q: the map must not be locked, the
// region must pass Check, and the queue must not be corrupted. A queue marked
// corrupted before the latest map reset is live again.
func (c *CIPC) ready(u *user, q *queue) error {
	v, err := c.Check(q.place.ID)
	switch v {
	case Locked:
		return err
	case Invalid:
		if q.state.Load() == StateLive {
			c.markCorrupted(u, q, err)
		}
		c.log.Warn("Region check failed", logRegion(q), utils.Err(err))
		return err
	}
	if q.state.revive(c.resetGeneration()) {
		c.metrics.CorruptedQueues.WithLabelValues(u.desc.Name).Dec()
		c.log.Info("Queue recovered by map reset", logRegion(q))
	}
	if q.state.promote() == StateCorrupted {
		return fmt.Errorf("%s: %w (reset required)", q.place.Name, ErrIndexCorruption)
	}
	return nil
}
