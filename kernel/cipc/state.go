package cipc

import "sync/atomic"

// QueueState is the local view of one queue's lifecycle
type QueueState int32

const (
	StateUninitialized QueueState = iota
	StateStamped
	StateLive
	StateCorrupted
)

func (s QueueState) String() string {
	switch s {
	case StateStamped:
		return "stamped"
	case StateLive:
		return "live"
	case StateCorrupted:
		return "corrupted"
	default:
		return "uninitialized"
	}
}

type queueState struct {
	v atomic.Int32
	// map reset generation current when the queue was marked corrupted
	gen atomic.Uint32
}

func (s *queueState) Load() QueueState {
	return QueueState(s.v.Load())
}

func (s *queueState) Store(st QueueState) {
	s.v.Store(int32(st))
}

// promote moves a queue that passed validation to Live. Corrupted queues stay
// corrupted until reset.
func (s *queueState) promote() QueueState {
	for {
		cur := s.Load()
		if cur == StateLive || cur == StateCorrupted {
			return cur
		}
		if s.v.CompareAndSwap(int32(cur), int32(StateLive)) {
			return StateLive
		}
	}
}

// corrupt marks the queue corrupted as of reset generation gen. It reports
// whether the queue was not already corrupted.
func (s *queueState) corrupt(gen uint32) bool {
	for {
		cur := s.Load()
		if cur == StateCorrupted {
			return false
		}
		s.gen.Store(gen)
		if s.v.CompareAndSwap(int32(cur), int32(StateCorrupted)) {
			return true
		}
	}
}

// revive returns a corrupted queue to Live once the map has been reset since
// it was marked, by this core or any other.
func (s *queueState) revive(gen uint32) bool {
	if s.Load() != StateCorrupted || s.gen.Load() == gen {
		return false
	}
	return s.v.CompareAndSwap(int32(StateCorrupted), int32(StateLive))
}
