package cipc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nmxmxh/cipc/kernel/mailbox"
	"github.com/nmxmxh/cipc/kernel/utils"
)

// Waiter is implemented by mailboxes that can block until an interrupt arrives
type Waiter interface {
	Wait(ctx context.Context, dir mailbox.Direction, timeout time.Duration) (bool, error)
}

// HandleIRQ services an interrupt for the consuming user rx: it acknowledges
// every pending line, drains the event queue and invokes the registered
// callback once per event. Data notifications carry the channel payload.
// It returns the number of callbacks made.
//
// Lines are acknowledged for the whole rx direction of the bound mailbox, so
// each user pair needs a mailbox of its own: a mailbox shared between pairs
// would have one pair's handler acknowledge the other's interrupts.
func (c *CIPC) HandleIRQ(rx UserID) (int, error) {
	const op = "handle_irq"
	u, err := c.user(op, rx)
	if err != nil {
		return 0, err
	}
	if err := c.requireSide(u, false); err != nil {
		return 0, opError(op, u.desc.Name, "", err)
	}
	mb, cb := u.binding()
	if mb == nil {
		return 0, opError(op, u.desc.Name, "", ErrNotRegistered)
	}
	c.metrics.Dispatches.WithLabelValues(u.desc.Name).Inc()

	dir := u.desc.Dir
	raw, err := mb.ReadStatusAll(dir)
	if err != nil {
		return 0, opError(op, u.desc.Name, "", err)
	}
	pending := mailbox.Pending(mb, dir, raw)
	for line := uint32(0); line < mailbox.Lines; line++ {
		if pending&(1<<line) != 0 {
			if err := mb.ClearPending(dir, line); err != nil {
				return 0, opError(op, u.desc.Name, "", err)
			}
		}
	}

	n := 0
	// bounded so a producer that keeps up cannot pin the handler
	for i := uint32(0); i < u.evt.capacity; i++ {
		rec, err := c.getEvent(u)
		if errors.Is(err, ErrEmpty) {
			break
		}
		if err != nil {
			return n, err
		}

		var payload []byte
		if rec.IsData() {
			ch := u.channelByRegion(rec.EventID)
			if ch < 0 {
				c.log.Warn("Data event for unknown channel",
					utils.String("user", u.desc.Name),
					utils.Hex32("region", rec.EventID))
				continue
			}
			payload, err = c.readData(u, u.data[ch], ch)
			if errors.Is(err, ErrEmpty) {
				// payload already delivered with an earlier notification,
				// or the slot was invalidated
				continue
			}
			if err != nil {
				c.log.Error("Data read failed during dispatch", utils.String("user", u.desc.Name), utils.Err(err))
				continue
			}
		}
		if cb != nil {
			cb(rec.EventID, payload)
		}
		n++
	}
	return n, nil
}

// Serve runs HandleIRQ for rx each time the bound mailbox signals the rx
// direction, until ctx is done. The mailbox must implement Waiter.
func (c *CIPC) Serve(ctx context.Context, rx UserID, poll time.Duration) error {
	u, err := c.user("serve", rx)
	if err != nil {
		return err
	}
	mb, _ := u.binding()
	if mb == nil {
		return opError("serve", u.desc.Name, "", ErrNotRegistered)
	}
	w, ok := mb.(Waiter)
	if !ok {
		return opError("serve", u.desc.Name, "", fmt.Errorf("mailbox %T cannot wait for interrupts", mb))
	}
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}

	c.log.Info("Serving interrupts", utils.String("user", u.desc.Name), utils.String("dir", u.desc.Dir.String()))
	for {
		if _, err := w.Wait(ctx, u.desc.Dir, poll); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		// a timeout still drains: interrupts whose raise failed leave
		// records behind with no line set
		if _, err := c.HandleIRQ(rx); err != nil {
			switch {
			case errors.Is(err, ErrLocked):
			case errors.Is(err, ErrClosed):
				return nil
			default:
				c.log.Warn("Dispatch failed", utils.String("user", u.desc.Name), utils.Err(err))
			}
		}
	}
}
