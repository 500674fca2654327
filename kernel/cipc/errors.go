package cipc

import (
	"errors"
	"fmt"
)

var (
	// ErrMap is fatal for the subsystem: the shared map cannot be trusted this boot.
	ErrMap = errors.New("cipc: map error")

	ErrInvalidRegion   = errors.New("cipc: invalid region")
	ErrMagicMismatch   = errors.New("cipc: magic mismatch")
	ErrQueueFull       = errors.New("cipc: queue full")
	ErrNoFreeChannel   = errors.New("cipc: no free interrupt line")
	ErrPayloadTooLarge = errors.New("cipc: payload too large")
	ErrIndexCorruption = errors.New("cipc: index corruption")
	ErrSignalDelivery  = errors.New("cipc: signal delivery failure")
	ErrLocked          = errors.New("cipc: map locked")
	ErrEmpty           = errors.New("cipc: queue empty")
	ErrMisaligned      = errors.New("cipc: segment misaligned")
	ErrNotRegistered   = errors.New("cipc: user not registered")
	ErrInvalidOwner    = errors.New("cipc: invalid owner")
	ErrLockTimeout     = errors.New("cipc: lock timeout")
	ErrClosed          = errors.New("cipc: closed")
)

// Error annotates a failure with the operation and the region it hit
type Error struct {
	Op     string
	User   string
	Region string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.User != "" && e.Region != "":
		return fmt.Sprintf("%s %s/%s: %v", e.Op, e.User, e.Region, e.Err)
	case e.User != "":
		return fmt.Sprintf("%s %s: %v", e.Op, e.User, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func opError(op, user, region string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return &Error{Op: op, User: user, Region: region, Err: err}
}

func mapError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMap, fmt.Sprintf(format, args...))
}

// errorKind maps an error to a short label for metrics
func errorKind(err error) string {
	for _, k := range []struct {
		err  error
		kind string
	}{
		{ErrQueueFull, "queue_full"},
		{ErrNoFreeChannel, "no_free_channel"},
		{ErrPayloadTooLarge, "payload_too_large"},
		{ErrIndexCorruption, "index_corruption"},
		{ErrSignalDelivery, "signal_delivery"},
		{ErrLocked, "locked"},
		{ErrMagicMismatch, "magic_mismatch"},
		{ErrInvalidRegion, "invalid_region"},
		{ErrLockTimeout, "lock_timeout"},
	} {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "other"
}
