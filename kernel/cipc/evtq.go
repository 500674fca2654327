package cipc

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"github.com/nmxmxh/cipc/kernel/mailbox"
	"github.com/nmxmxh/cipc/kernel/utils"
)

// EventRecord is one entry of an event queue
type EventRecord struct {
	EventID uint32 `yaml:"event_id"`
	Value   uint32 `yaml:"value"`
	Line    uint32 `yaml:"line"`
	Status  uint32 `yaml:"status"`
}

// IsData reports whether the record announces a data channel payload
func (r EventRecord) IsData() bool {
	return r.Value == DataMarker
}

func recordOff(idx uint32) uint32 {
	return evtRecordsOff + idx*recordSize
}

func pendingOff(line uint32) uint32 {
	return evtPendingOff + line*4
}

// AddEvent enqueues eventID on the event queue of user and interrupts the peer.
// A full queue, or one whose interrupt lines are all pending, is retried
// MaxTryCount times with RetrySleep between attempts before ErrQueueFull or
// ErrNoFreeChannel is returned.
func (c *CIPC) AddEvent(ctx context.Context, id UserID, eventID uint32) error {
	u, err := c.user("add_event", id)
	if err != nil {
		return err
	}
	return c.addEvent(ctx, u, eventID, 0)
}

func (c *CIPC) addEvent(ctx context.Context, u *user, eventID, value uint32) error {
	q := u.evt
	fail := func(err error) error {
		c.metrics.recordError(u.desc.Name, err)
		return opError("add_event", u.desc.Name, q.place.Name, err)
	}

	if err := c.requireSide(u, true); err != nil {
		return fail(err)
	}
	mb, _ := u.binding()
	if mb == nil {
		return fail(ErrNotRegistered)
	}
	if err := c.ready(u, &q.queue); err != nil {
		return fail(err)
	}

	var line uint32
	op := func() error {
		if err := q.lock.Lock(); err != nil {
			return backoff.Permanent(err)
		}
		defer q.lock.Unlock()

		eq, dq, err := q.ring.Indices()
		if err != nil {
			return backoff.Permanent(c.markCorrupted(u, &q.queue, err))
		}
		if q.ring.Full(eq, dq) {
			return fmt.Errorf("%w: %d/%d", ErrQueueFull, q.ring.Occupancy(eq, dq), q.ring.Usable())
		}

		if line, err = c.claimLine(q); err != nil {
			if errors.Is(err, ErrNoFreeChannel) {
				return fmt.Errorf("%w: eq=%d dq=%d", err, eq, dq)
			}
			return backoff.Permanent(err)
		}

		rec := recordOff(eq)
		for _, w := range []struct{ off, val uint32 }{
			{rec + recEventOff, eventID},
			{rec + recValueOff, value},
			{rec + recLineOff, line},
			{rec + recStatusOff, recStatusFilled},
		} {
			if err := q.region.Store32(w.off, w.val); err != nil {
				return backoff.Permanent(err)
			}
		}
		if err := q.ring.PublishEq(q.ring.Next(eq)); err != nil {
			return backoff.Permanent(err)
		}
		_, _ = q.region.Add32(evtAddedOff, 1)
		return nil
	}

	if err := c.retry(ctx, u, op); err != nil {
		if errors.Is(err, ErrNoFreeChannel) {
			raw, _ := mb.ReadStatusAll(u.desc.Dir)
			c.plat.Print("%s: no free irq line: %v mailbox=0x%08x", q.place.Name, err, raw)
		}
		if !errors.Is(err, ErrQueueFull) {
			_, _ = q.region.Add32(evtErrorsOff, 1)
		}
		return fail(err)
	}

	// the record is already visible; a failed interrupt is picked up by the
	// peer's next dispatch pass
	if err := mb.GenerateInterrupt(u.desc.Dir, line); err != nil {
		return fail(fmt.Errorf("%w: line %d: %v", ErrSignalDelivery, line, err))
	}
	c.metrics.EventsSent.WithLabelValues(u.desc.Name).Inc()
	return nil
}

// claimLine reserves the first interrupt line not pending on q
func (c *CIPC) claimLine(q *eventQueue) (uint32, error) {
	for line := uint32(0); line < mailbox.Lines; line++ {
		ok, err := q.region.CompareAndSwap32(pendingOff(line), 0, 1)
		if err != nil {
			return 0, err
		}
		if ok {
			return line, nil
		}
	}
	return 0, ErrNoFreeChannel
}

// GetEvent dequeues the next record of user. It returns ErrEmpty when nothing
// is queued. A record that is not marked filled is skipped once; a second bad
// record also yields ErrEmpty after a diagnostic dump is logged.
func (c *CIPC) GetEvent(id UserID) (EventRecord, error) {
	u, err := c.user("get_event", id)
	if err != nil {
		return EventRecord{}, err
	}
	return c.getEvent(u)
}

func (c *CIPC) getEvent(u *user) (EventRecord, error) {
	q := u.evt
	fail := func(err error) (EventRecord, error) {
		c.metrics.recordError(u.desc.Name, err)
		return EventRecord{}, opError("get_event", u.desc.Name, q.place.Name, err)
	}

	if err := c.requireSide(u, false); err != nil {
		return fail(err)
	}
	if err := c.ready(u, &q.queue); err != nil {
		return fail(err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		eq, dq, err := q.ring.Indices()
		if err != nil {
			return fail(c.markCorrupted(u, &q.queue, err))
		}
		if q.ring.Empty(eq, dq) {
			return EventRecord{}, ErrEmpty
		}

		rec, err := c.readRecord(q, dq)
		if err != nil {
			return fail(err)
		}
		if rec.Status == recStatusFilled && rec.Line >= mailbox.Lines {
			return fail(c.markCorrupted(u, &q.queue,
				fmt.Errorf("record %d claims line %d", dq, rec.Line)))
		}

		// clear the slot before releasing it so a stale record is never
		// mistaken for a filled one
		_ = q.region.Store32(recordOff(dq)+recStatusOff, 0)
		if rec.Status == recStatusFilled {
			_ = q.region.Store32(pendingOff(rec.Line), 0)
		}
		if err := q.ring.PublishDq(q.ring.Next(dq)); err != nil {
			return fail(err)
		}

		if rec.Status != recStatusFilled {
			_, _ = q.region.Add32(evtErrorsOff, 1)
			c.log.Warn("Skipping unfilled event record",
				utils.String("queue", q.place.Name),
				utils.Uint32("index", dq),
				utils.Hex32("status", rec.Status))
			continue
		}

		_, _ = q.region.Add32(evtTakenOff, 1)
		c.metrics.EventsReceived.WithLabelValues(u.desc.Name).Inc()
		return rec, nil
	}

	c.logDump(u)
	return EventRecord{}, ErrEmpty
}

func (c *CIPC) readRecord(q *eventQueue, idx uint32) (EventRecord, error) {
	var rec EventRecord
	base := recordOff(idx)
	for _, f := range []struct {
		off uint32
		dst *uint32
	}{
		{recEventOff, &rec.EventID},
		{recValueOff, &rec.Value},
		{recLineOff, &rec.Line},
		{recStatusOff, &rec.Status},
	} {
		v, err := q.region.Load32(base + f.off)
		if err != nil {
			return rec, err
		}
		*f.dst = v
	}
	return rec, nil
}
