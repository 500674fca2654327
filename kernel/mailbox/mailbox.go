// Package mailbox abstracts the inter-core mailbox used to raise IPC interrupts.
//
// A mailbox carries two directions, one per side of a core pair. Each direction
// owns Lines interrupt lines that are reported together in one raw status word,
// starting at the bit returned by StartBitOffset.
package mailbox

import (
	"errors"
	"fmt"
)

// Lines is the number of interrupt lines per direction
const Lines = 16

// Direction selects one half of a mailbox
type Direction uint32

const (
	Dir0 Direction = iota
	Dir1
)

// Reverse returns the other direction
func (d Direction) Reverse() Direction {
	return d ^ 1
}

func (d Direction) Valid() bool {
	return d == Dir0 || d == Dir1
}

func (d Direction) String() string {
	return fmt.Sprintf("dir%d", uint32(d))
}

var (
	ErrInvalidLine      = errors.New("mailbox line out of range")
	ErrInvalidDirection = errors.New("mailbox direction out of range")
)

// Mailbox is the hardware shim consumed by the IPC engines
type Mailbox interface {
	// GenerateInterrupt raises line on the peer side of dir
	GenerateInterrupt(dir Direction, line uint32) error
	// ReadStatusAll returns the raw status register covering dir
	ReadStatusAll(dir Direction) (uint32, error)
	// ClearPending acknowledges line on dir
	ClearPending(dir Direction, line uint32) error
	// StartBitOffset is the bit position of line 0 of dir in the raw status
	StartBitOffset(dir Direction) uint32
}

// Pending extracts the per-line pending mask of dir from a raw status word
func Pending(mb Mailbox, dir Direction, raw uint32) uint32 {
	return (raw >> mb.StartBitOffset(dir)) & (1<<Lines - 1)
}

func checkLine(dir Direction, line uint32) error {
	if !dir.Valid() {
		return fmt.Errorf("%s: %w", dir, ErrInvalidDirection)
	}
	if line >= Lines {
		return fmt.Errorf("%s line %d: %w", dir, line, ErrInvalidLine)
	}
	return nil
}
