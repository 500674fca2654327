package cipc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/cipc/kernel/mailbox"
)

func TestEventQueue_RoundTrip(t *testing.T) {
	p := newPair(t, nil)
	ctx := ctxTimeout(t)

	_, err := p.ap.GetEvent(UserCHUB2AP)
	assert.ErrorIs(t, err, ErrEmpty)

	for id := uint32(1); id <= 5; id++ {
		require.NoError(t, p.chub.AddEvent(ctx, UserCHUB2AP, id))
	}
	assert.Equal(t, StateLive, p.chub.QueueState(UserCHUB2AP))

	raw, err := p.mb.ReadStatusAll(mailbox.Dir0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x1f), mailbox.Pending(p.mb, mailbox.Dir0, raw))

	for id := uint32(1); id <= 5; id++ {
		rec, err := p.ap.GetEvent(UserCHUB2AP)
		require.NoError(t, err)
		assert.Equal(t, id, rec.EventID)
		assert.Zero(t, rec.Value)
		assert.Equal(t, id-1, rec.Line)
		assert.False(t, rec.IsData())
	}
	_, err = p.ap.GetEvent(UserCHUB2AP)
	assert.ErrorIs(t, err, ErrEmpty)

	// consumed records release their lines
	snap := p.chub.Dump()
	assert.Empty(t, snap.Users[0].Event.Pending)
	assert.Equal(t, uint32(5), snap.Users[0].Event.Taken)
}

func TestEventQueue_WrongSide(t *testing.T) {
	p := newPair(t, nil)

	assert.ErrorIs(t, p.ap.AddEvent(ctxTimeout(t), UserCHUB2AP, 1), ErrInvalidOwner)
	_, err := p.chub.GetEvent(UserCHUB2AP)
	assert.ErrorIs(t, err, ErrInvalidOwner)
	assert.ErrorIs(t, p.ap.AddEvent(ctxTimeout(t), UserID(42), 1), ErrInvalidRegion)
}

func TestEventQueue_NotRegistered(t *testing.T) {
	mem := newTestMemory(t)
	chub, err := New(mem, testConfig(OwnerCHUB))
	require.NoError(t, err)

	var ce *Error
	err = chub.AddEvent(ctxTimeout(t), UserCHUB2AP, 1)
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "add_event", ce.Op)
	assert.Equal(t, "CHUB2AP", ce.User)
	assert.ErrorIs(t, err, ErrNotRegistered)
}

// Filling the queue to capacity-1 and adding once more waits out every retry
// before reporting ErrQueueFull.
func TestEventQueue_FullBackpressure(t *testing.T) {
	const sleep = 10 * time.Millisecond
	p := newPair(t, func(cfg *Config) {
		cfg.MaxTryCount = 4
		cfg.RetrySleep = sleep
	})
	ctx := ctxTimeout(t)

	for i := uint32(0); i < DefaultEventCapacity-1; i++ {
		require.NoError(t, p.chub.AddEvent(ctx, UserCHUB2AP, i))
	}

	start := time.Now()
	err := p.chub.AddEvent(ctx, UserCHUB2AP, 99)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrQueueFull)
	assert.GreaterOrEqual(t, elapsed, 3*sleep)
	assert.Less(t, elapsed, 4*sleep+time.Second)

	// one dequeue makes room again
	_, err = p.ap.GetEvent(UserCHUB2AP)
	require.NoError(t, err)
	require.NoError(t, p.chub.AddEvent(ctx, UserCHUB2AP, 99))
}

func TestEventQueue_FullWaitAbandonedByContext(t *testing.T) {
	p := newPair(t, func(cfg *Config) {
		cfg.MaxTryCount = 1000
		cfg.RetrySleep = 5 * time.Millisecond
	})

	for i := uint32(0); i < DefaultEventCapacity-1; i++ {
		require.NoError(t, p.chub.AddEvent(ctxTimeout(t), UserCHUB2AP, i))
	}
	before := p.chub.Dump().Users[0].Event

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := p.chub.AddEvent(ctx, UserCHUB2AP, 99)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	after := p.chub.Dump().Users[0].Event
	assert.Equal(t, before.Eq, after.Eq)
	assert.Equal(t, before.Dq, after.Dq)
}

func TestEventQueue_NoFreeLine(t *testing.T) {
	p := newPair(t, func(cfg *Config) {
		cfg.EventCapacity = 32
	})
	ctx := ctxTimeout(t)

	for i := uint32(0); i < mailbox.Lines; i++ {
		require.NoError(t, p.chub.AddEvent(ctx, UserCHUB2AP, i))
	}
	// nobody drains, so the retries run out
	err := p.chub.AddEvent(ctx, UserCHUB2AP, 16)
	assert.ErrorIs(t, err, ErrNoFreeChannel)

	_, err = p.ap.GetEvent(UserCHUB2AP)
	require.NoError(t, err)
	require.NoError(t, p.chub.AddEvent(ctx, UserCHUB2AP, 16))
}

func TestEventQueue_SkipsUnfilledRecord(t *testing.T) {
	p := newPair(t, nil)
	ctx := ctxTimeout(t)
	r, _ := p.ap.Region(0x11)

	require.NoError(t, p.chub.AddEvent(ctx, UserCHUB2AP, 1))
	require.NoError(t, p.chub.AddEvent(ctx, UserCHUB2AP, 2))
	require.NoError(t, p.mem.AtomicStore32(r.Offset+recordOff(0)+recStatusOff, 0))

	rec, err := p.ap.GetEvent(UserCHUB2AP)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), rec.EventID)
	assert.Equal(t, uint32(1), p.ap.Dump().Users[0].Event.Errors)

	// two bad records in a row give up for this call
	require.NoError(t, p.chub.AddEvent(ctx, UserCHUB2AP, 3))
	require.NoError(t, p.chub.AddEvent(ctx, UserCHUB2AP, 4))
	require.NoError(t, p.chub.AddEvent(ctx, UserCHUB2AP, 5))
	require.NoError(t, p.mem.AtomicStore32(r.Offset+recordOff(2)+recStatusOff, 0))
	require.NoError(t, p.mem.AtomicStore32(r.Offset+recordOff(3)+recStatusOff, 0))

	_, err = p.ap.GetEvent(UserCHUB2AP)
	assert.ErrorIs(t, err, ErrEmpty)
	rec, err = p.ap.GetEvent(UserCHUB2AP)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), rec.EventID)
}

func TestEventQueue_IndexCorruption(t *testing.T) {
	p := newPair(t, nil)
	ctx := ctxTimeout(t)
	r, _ := p.ap.Region(0x11)

	require.NoError(t, p.chub.AddEvent(ctx, UserCHUB2AP, 1))
	require.NoError(t, p.mem.AtomicStore32(r.Offset+evtEqOff, DefaultEventCapacity+3))

	err := p.chub.AddEvent(ctx, UserCHUB2AP, 2)
	assert.ErrorIs(t, err, ErrIndexCorruption)
	assert.Equal(t, StateCorrupted, p.chub.QueueState(UserCHUB2AP))

	_, err = p.ap.GetEvent(UserCHUB2AP)
	assert.ErrorIs(t, err, ErrIndexCorruption)
	assert.Equal(t, StateCorrupted, p.ap.QueueState(UserCHUB2AP))

	// a corrupted queue refuses work even once the index looks sane again
	require.NoError(t, p.mem.AtomicStore32(r.Offset+evtEqOff, 0))
	assert.ErrorIs(t, p.chub.AddEvent(ctx, UserCHUB2AP, 3), ErrIndexCorruption)

	require.NoError(t, p.chub.ResetMap())
	assert.Equal(t, StateLive, p.chub.QueueState(UserCHUB2AP))
	require.NoError(t, p.chub.AddEvent(ctx, UserCHUB2AP, 4))
}

func TestEventQueue_PeerRecoversFromAuthorReset(t *testing.T) {
	p := newPair(t, nil)
	ctx := ctxTimeout(t)
	r, _ := p.ap.Region(0x11)

	require.NoError(t, p.chub.AddEvent(ctx, UserCHUB2AP, 1))
	require.NoError(t, p.mem.AtomicStore32(r.Offset+evtEqOff, DefaultEventCapacity+3))
	_, err := p.ap.GetEvent(UserCHUB2AP)
	require.ErrorIs(t, err, ErrIndexCorruption)
	require.Equal(t, StateCorrupted, p.ap.QueueState(UserCHUB2AP))

	// only the author resets; AP never calls ResetMap
	require.NoError(t, p.chub.ResetMap())
	require.NoError(t, p.chub.AddEvent(ctx, UserCHUB2AP, 42))

	rec, err := p.ap.GetEvent(UserCHUB2AP)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), rec.EventID)
	assert.Equal(t, StateLive, p.ap.QueueState(UserCHUB2AP))

	// a fresh corruption after the reset sticks until the next one
	require.NoError(t, p.mem.AtomicStore32(r.Offset+evtEqOff, DefaultEventCapacity+3))
	_, err = p.ap.GetEvent(UserCHUB2AP)
	require.ErrorIs(t, err, ErrIndexCorruption)
	require.NoError(t, p.mem.AtomicStore32(r.Offset+evtEqOff, 0))
	_, err = p.ap.GetEvent(UserCHUB2AP)
	assert.ErrorIs(t, err, ErrIndexCorruption)
}

// Lines come back as the consumer drains, so a producer out of lines waits
// instead of failing.
func TestEventQueue_NoFreeLineIsRetried(t *testing.T) {
	p := newPair(t, func(cfg *Config) {
		cfg.EventCapacity = 32
		cfg.MaxTryCount = 1000
		cfg.RetrySleep = time.Millisecond
	})
	ctx := ctxTimeout(t)

	for i := uint32(0); i < mailbox.Lines; i++ {
		require.NoError(t, p.chub.AddEvent(ctx, UserCHUB2AP, i))
	}

	done := make(chan error, 1)
	go func() { done <- p.chub.AddEvent(ctx, UserCHUB2AP, 16) }()

	time.Sleep(10 * time.Millisecond)
	rec, err := p.ap.GetEvent(UserCHUB2AP)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), rec.EventID)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("producer never got the released line")
	}
	assert.Len(t, p.chub.Dump().Users[0].Event.Pending, int(mailbox.Lines))
}

// Producers on several goroutines share one queue; every event arrives once.
func TestEventQueue_ConcurrentProducers(t *testing.T) {
	const (
		producers = 8
		perWorker = 50
	)
	p := newPair(t, func(cfg *Config) {
		cfg.MaxTryCount = 10000
		cfg.RetrySleep = 100 * time.Microsecond
	})
	ctx := ctxTimeout(t)

	var wg sync.WaitGroup
	for w := 0; w < producers; w++ {
		wg.Add(1)
		go func(w uint32) {
			defer wg.Done()
			for i := uint32(0); i < perWorker; i++ {
				assert.NoError(t, p.chub.AddEvent(ctx, UserCHUB2AP, w*1000+i))
			}
		}(uint32(w))
	}

	seen := make(map[uint32]int)
	deadline := time.Now().Add(5 * time.Second)
	for len(seen) < producers*perWorker && time.Now().Before(deadline) {
		rec, err := p.ap.GetEvent(UserCHUB2AP)
		if errors.Is(err, ErrEmpty) {
			time.Sleep(50 * time.Microsecond)
			continue
		}
		require.NoError(t, err)
		seen[rec.EventID]++
	}
	wg.Wait()

	require.Len(t, seen, producers*perWorker)
	for id, n := range seen {
		assert.Equal(t, 1, n, "event %d", id)
	}
	_, err := p.ap.GetEvent(UserCHUB2AP)
	assert.ErrorIs(t, err, ErrEmpty)
	assert.Equal(t, StateLive, p.ap.QueueState(UserCHUB2AP))
}
