package foundation

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nmxmxh/cipc/kernel/sram"
)

// Epoch is a change counter stored in one shared word. Writers bump it; waiters
// in the same process are woken through channels, and waiters in other processes
// can still observe the counter by polling.
type Epoch struct {
	word sram.Region
	off  uint32

	waiters   *[]chan struct{}
	waitersMu *sync.RWMutex

	stats *EpochStats
}

// EpochStats tracks epoch activity
type EpochStats struct {
	Increments uint64
	Wakes      uint64
	Timeouts   uint64
}

// NewEpoch creates an epoch over the word at off inside region
func NewEpoch(region sram.Region, off uint32) *Epoch {
	waiters := make([]chan struct{}, 0, 4)
	return &Epoch{
		word:      region,
		off:       off,
		waiters:   &waiters,
		waitersMu: &sync.RWMutex{},
		stats:     &EpochStats{},
	}
}

// Value returns the current counter
func (e *Epoch) Value() uint32 {
	v, _ := e.word.Load32(e.off)
	return v
}

// Increment bumps the counter and wakes local waiters
func (e *Epoch) Increment() uint32 {
	v, _ := e.word.Add32(e.off, 1)
	atomic.AddUint64(&e.stats.Increments, 1)
	e.notifyWaiters()
	return v
}

// WaitForChange blocks until the counter differs from last, ctx is done, or
// timeout elapses. It returns the observed value and whether it changed.
func (e *Epoch) WaitForChange(ctx context.Context, last uint32, timeout time.Duration) (uint32, bool) {
	if cur := e.Value(); cur != last {
		atomic.AddUint64(&e.stats.Wakes, 1)
		return cur, true
	}

	// short spin before parking
	spinDeadline := time.Now().Add(time.Microsecond)
	for time.Now().Before(spinDeadline) {
		runtime.Gosched()
		if cur := e.Value(); cur != last {
			atomic.AddUint64(&e.stats.Wakes, 1)
			return cur, true
		}
	}

	ch := make(chan struct{}, 1)
	e.addWaiter(ch)
	defer e.removeWaiter(ch)

	// re-check after registering so an increment between the spin and
	// addWaiter is not lost
	if cur := e.Value(); cur != last {
		atomic.AddUint64(&e.stats.Wakes, 1)
		return cur, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		atomic.AddUint64(&e.stats.Wakes, 1)
		cur := e.Value()
		return cur, cur != last
	case <-timer.C:
		atomic.AddUint64(&e.stats.Timeouts, 1)
		cur := e.Value()
		return cur, cur != last
	case <-ctx.Done():
		return e.Value(), false
	}
}

// Stats returns a copy of the counters
func (e *Epoch) Stats() EpochStats {
	return EpochStats{
		Increments: atomic.LoadUint64(&e.stats.Increments),
		Wakes:      atomic.LoadUint64(&e.stats.Wakes),
		Timeouts:   atomic.LoadUint64(&e.stats.Timeouts),
	}
}

func (e *Epoch) addWaiter(ch chan struct{}) {
	e.waitersMu.Lock()
	defer e.waitersMu.Unlock()
	*e.waiters = append(*e.waiters, ch)
}

func (e *Epoch) removeWaiter(ch chan struct{}) {
	e.waitersMu.Lock()
	defer e.waitersMu.Unlock()
	for i, waiter := range *e.waiters {
		if waiter == ch {
			*e.waiters = append((*e.waiters)[:i], (*e.waiters)[i+1:]...)
			break
		}
	}
}

func (e *Epoch) notifyWaiters() {
	e.waitersMu.RLock()
	waiters := make([]chan struct{}, len(*e.waiters))
	copy(waiters, *e.waiters)
	e.waitersMu.RUnlock()

	for _, ch := range waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
