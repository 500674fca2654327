package mailbox

import (
	"context"
	"fmt"
	"time"

	"github.com/nmxmxh/cipc/kernel/foundation"
	"github.com/nmxmxh/cipc/kernel/sram"
)

// SoftSize is the SRAM footprint of a software mailbox
const SoftSize = 16

const (
	softStatusOff = 0
	softEpochOff  = 4 // one epoch word per direction
)

// Soft is a mailbox emulated in shared memory. Both directions share one status
// word: direction 0 occupies bits 16..31 and direction 1 bits 0..15. Raising a
// line bumps the direction's epoch so waiters in this process wake at once.
type Soft struct {
	region sram.Region
	epochs [2]*foundation.Epoch
}

// NewSoft creates a software mailbox over region, which must hold SoftSize bytes
func NewSoft(region sram.Region) (*Soft, error) {
	if region.Size() < SoftSize {
		return nil, fmt.Errorf("mailbox %s: need %d bytes, have %d: %w",
			region.Name(), SoftSize, region.Size(), sram.ErrOutOfBounds)
	}
	return &Soft{
		region: region,
		epochs: [2]*foundation.Epoch{
			foundation.NewEpoch(region, softEpochOff),
			foundation.NewEpoch(region, softEpochOff+4),
		},
	}, nil
}

func (s *Soft) StartBitOffset(dir Direction) uint32 {
	if dir == Dir0 {
		return 16
	}
	return 0
}

func (s *Soft) GenerateInterrupt(dir Direction, line uint32) error {
	if err := checkLine(dir, line); err != nil {
		return err
	}
	bit := uint32(1) << (s.StartBitOffset(dir) + line)
	if err := s.update(func(v uint32) uint32 { return v | bit }); err != nil {
		return err
	}
	s.epochs[dir].Increment()
	return nil
}

func (s *Soft) ReadStatusAll(dir Direction) (uint32, error) {
	if !dir.Valid() {
		return 0, fmt.Errorf("%s: %w", dir, ErrInvalidDirection)
	}
	return s.region.Load32(softStatusOff)
}

func (s *Soft) ClearPending(dir Direction, line uint32) error {
	if err := checkLine(dir, line); err != nil {
		return err
	}
	bit := uint32(1) << (s.StartBitOffset(dir) + line)
	return s.update(func(v uint32) uint32 { return v &^ bit })
}

// Wait blocks until an interrupt is raised on dir or ctx is done. It returns
// immediately when lines of dir are already pending.
func (s *Soft) Wait(ctx context.Context, dir Direction, timeout time.Duration) (bool, error) {
	if !dir.Valid() {
		return false, fmt.Errorf("%s: %w", dir, ErrInvalidDirection)
	}
	last := s.epochs[dir].Value()
	raw, err := s.ReadStatusAll(dir)
	if err != nil {
		return false, err
	}
	if Pending(s, dir, raw) != 0 {
		return true, nil
	}
	_, changed := s.epochs[dir].WaitForChange(ctx, last, timeout)
	return changed, ctx.Err()
}

// SoftStats counts activity on one direction of a software mailbox. Raised is
// read from shared memory; the rest are local to this process.
type SoftStats struct {
	Raised   uint32
	Wakes    uint64
	Timeouts uint64
}

// Stats reports interrupt activity on dir
func (s *Soft) Stats(dir Direction) SoftStats {
	if !dir.Valid() {
		return SoftStats{}
	}
	e := s.epochs[dir]
	st := e.Stats()
	return SoftStats{Raised: e.Value(), Wakes: st.Wakes, Timeouts: st.Timeouts}
}

func (s *Soft) update(fn func(uint32) uint32) error {
	for {
		old, err := s.region.Load32(softStatusOff)
		if err != nil {
			return err
		}
		ok, err := s.region.CompareAndSwap32(softStatusOff, old, fn(old))
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
}
