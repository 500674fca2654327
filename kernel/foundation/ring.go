package foundation

import (
	"errors"
	"fmt"

	"github.com/nmxmxh/cipc/kernel/sram"
)

// ErrIndexOutOfRange is returned when a shared eq/dq index is not below the ring size.
var ErrIndexOutOfRange = errors.New("ring index out of range")

// Ring is the index arithmetic of a bounded circular buffer with size positions.
// One position is always left free: the ring is empty iff eq == dq and full iff
// next(eq) == dq, so it carries at most size-1 entries.
type Ring struct {
	Size uint32
}

// Valid reports whether idx can be used as an eq/dq index
func (r Ring) Valid(idx uint32) bool {
	return idx < r.Size
}

// Next returns the index following idx
func (r Ring) Next(idx uint32) uint32 {
	if r.Size == 0 {
		return 0
	}
	return (idx + 1) % r.Size
}

// Empty reports whether no entries are queued
func (r Ring) Empty(eq, dq uint32) bool {
	return eq == dq
}

// Full reports whether a further enqueue would make the ring look empty
func (r Ring) Full(eq, dq uint32) bool {
	return r.Next(eq) == dq
}

// Occupancy returns the number of queued entries
func (r Ring) Occupancy(eq, dq uint32) uint32 {
	if r.Size == 0 {
		return 0
	}
	return (eq + r.Size - dq) % r.Size
}

// Usable returns the maximum number of entries the ring can hold
func (r Ring) Usable() uint32 {
	if r.Size == 0 {
		return 0
	}
	return r.Size - 1
}

// Check verifies both indices are in range
func (r Ring) Check(eq, dq uint32) error {
	if !r.Valid(eq) || !r.Valid(dq) {
		return fmt.Errorf("eq=%d dq=%d size=%d: %w", eq, dq, r.Size, ErrIndexOutOfRange)
	}
	return nil
}

// SharedRing binds Ring arithmetic to eq/dq words living in shared memory.
// The producer only ever stores eq and the consumer only ever stores dq.
type SharedRing struct {
	Ring
	ctrl  sram.Region
	eqOff uint32
	dqOff uint32
}

// NewSharedRing creates a ring view whose indices live at eqOff/dqOff of ctrl
func NewSharedRing(ctrl sram.Region, eqOff, dqOff, size uint32) SharedRing {
	return SharedRing{Ring: Ring{Size: size}, ctrl: ctrl, eqOff: eqOff, dqOff: dqOff}
}

// Indices loads eq and dq and range-checks them
func (s SharedRing) Indices() (eq, dq uint32, err error) {
	if eq, err = s.ctrl.Load32(s.eqOff); err != nil {
		return 0, 0, err
	}
	if dq, err = s.ctrl.Load32(s.dqOff); err != nil {
		return 0, 0, err
	}
	return eq, dq, s.Check(eq, dq)
}

// PublishEq stores a new producer index
func (s SharedRing) PublishEq(eq uint32) error {
	return s.ctrl.Store32(s.eqOff, eq)
}

// PublishDq stores a new consumer index
func (s SharedRing) PublishDq(dq uint32) error {
	return s.ctrl.Store32(s.dqOff, dq)
}

// Clear resets both indices to zero
func (s SharedRing) Clear() error {
	if err := s.ctrl.Store32(s.eqOff, 0); err != nil {
		return err
	}
	return s.ctrl.Store32(s.dqOff, 0)
}
