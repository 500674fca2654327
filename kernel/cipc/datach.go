package cipc

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cenkalti/backoff/v4"

	"github.com/nmxmxh/cipc/kernel/utils"
)

func (c *CIPC) channel(op string, id UserID, ch int) (*user, *dataChannel, error) {
	u, err := c.user(op, id)
	if err != nil {
		return nil, nil, err
	}
	if ch < 0 || ch >= len(u.data) {
		return nil, nil, opError(op, u.desc.Name, "", fmt.Errorf("%w: channel %d of %d", ErrInvalidRegion, ch, len(u.data)))
	}
	return u, u.data[ch], nil
}

// WriteData copies payload into the next free slot of channel ch of user and
// signals the user's event queue. If the signal fails twice the slot is marked
// invalid so the reader discards it, and ErrSignalDelivery is returned.
func (c *CIPC) WriteData(ctx context.Context, id UserID, ch int, payload []byte) error {
	u, d, err := c.channel("write_data", id, ch)
	if err != nil {
		return err
	}
	fail := func(err error) error {
		c.metrics.recordError(u.desc.Name, err)
		return opError("write_data", u.desc.Name, d.place.Name, err)
	}

	if err := c.requireSide(u, true); err != nil {
		return fail(err)
	}
	if uint64(len(payload)) > uint64(d.slotSize) {
		return fail(fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), d.slotSize))
	}
	// without a mailbox the notification can never go out
	if mb, _ := u.binding(); mb == nil {
		return fail(ErrNotRegistered)
	}
	if err := c.ready(u, &d.queue); err != nil {
		return fail(err)
	}

	var slot uint32
	op := func() error {
		if err := d.lock.Lock(); err != nil {
			return backoff.Permanent(err)
		}
		defer d.lock.Unlock()

		eq, dq, err := d.ring.Indices()
		if err != nil {
			return backoff.Permanent(c.markCorrupted(u, &d.queue, err))
		}
		if d.ring.Full(eq, dq) {
			return fmt.Errorf("%w: %d/%d slots", ErrQueueFull, d.ring.Occupancy(eq, dq), d.slotCount)
		}

		off := d.slotOff(eq)
		if err := d.region.Store32(off, uint32(len(payload))); err != nil {
			return backoff.Permanent(err)
		}
		if err := c.plat.CopyToShared(d.region, off+4, payload); err != nil {
			return backoff.Permanent(err)
		}
		if err := d.ring.PublishEq(d.ring.Next(eq)); err != nil {
			return backoff.Permanent(err)
		}
		_, _ = d.region.Add32(dataWrittenOff, 1)
		slot = eq
		return nil
	}
	if err := c.retry(ctx, u, op); err != nil {
		return fail(err)
	}

	chLabel := strconv.Itoa(ch)
	c.metrics.DataWritten.WithLabelValues(u.desc.Name, chLabel).Inc()
	c.metrics.BytesWritten.WithLabelValues(u.desc.Name).Add(float64(len(payload)))

	sigErr := c.addEvent(ctx, u, d.place.ID, DataMarker)
	if sigErr != nil {
		c.log.Warn("Data signal failed, retrying once",
			utils.String("channel", d.place.Name),
			utils.Uint32("slot", slot),
			utils.Err(sigErr))
		sigErr = c.addEvent(ctx, u, d.place.ID, DataMarker)
	}
	if sigErr != nil {
		invalidated := c.invalidateSlot(u, d, slot)
		c.log.Error("Data signal failed twice",
			utils.String("channel", d.place.Name),
			utils.Uint32("slot", slot),
			utils.Bool("invalidated", invalidated),
			utils.Err(sigErr))
		return fail(fmt.Errorf("%w: %w", ErrSignalDelivery, sigErr))
	}
	return nil
}

// invalidateSlot stamps the sentinel length on slot if it is still queued.
// A slot the reader has already consumed is left alone: it may be reused by a
// later write by the time this runs.
func (c *CIPC) invalidateSlot(u *user, d *dataChannel, slot uint32) bool {
	if err := d.lock.Lock(); err != nil {
		c.log.Error("Cannot lock channel to invalidate slot", utils.String("channel", d.place.Name), utils.Err(err))
		return false
	}
	defer d.lock.Unlock()

	eq, dq, err := d.ring.Indices()
	if err != nil {
		_ = c.markCorrupted(u, &d.queue, err)
		return false
	}
	// queued slots are those in [dq, eq)
	if d.ring.Occupancy(slot, dq) >= d.ring.Occupancy(eq, dq) {
		return false
	}
	if err := d.region.Store32(d.slotOff(slot), InvalidLength); err != nil {
		return false
	}
	_, _ = d.region.Add32(dataInvalidOff, 1)
	return true
}

// ReadData returns a copy of the next payload of channel ch of user, or
// ErrEmpty. Slots carrying the invalid sentinel are skipped, once.
func (c *CIPC) ReadData(id UserID, ch int) ([]byte, error) {
	u, d, err := c.channel("read_data", id, ch)
	if err != nil {
		return nil, err
	}
	return c.readData(u, d, ch)
}

func (c *CIPC) readData(u *user, d *dataChannel, ch int) ([]byte, error) {
	fail := func(err error) ([]byte, error) {
		c.metrics.recordError(u.desc.Name, err)
		return nil, opError("read_data", u.desc.Name, d.place.Name, err)
	}

	if err := c.requireSide(u, false); err != nil {
		return fail(err)
	}
	if err := c.ready(u, &d.queue); err != nil {
		return fail(err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		eq, dq, err := d.ring.Indices()
		if err != nil {
			return fail(c.markCorrupted(u, &d.queue, err))
		}
		if d.ring.Empty(eq, dq) {
			return nil, ErrEmpty
		}

		off := d.slotOff(dq)
		length, err := d.region.Load32(off)
		if err != nil {
			return fail(err)
		}
		if length == InvalidLength {
			c.log.Warn("Skipping invalidated slot",
				utils.String("channel", d.place.Name),
				utils.Uint32("slot", dq))
			if err := d.ring.PublishDq(d.ring.Next(dq)); err != nil {
				return fail(err)
			}
			continue
		}
		if length > d.slotSize || !d.region.Contains(off+4, length) {
			return fail(c.markCorrupted(u, &d.queue,
				fmt.Errorf("slot %d length %d exceeds slot size %d", dq, length, d.slotSize)))
		}

		buf := make([]byte, length)
		if err := c.plat.CopyFromShared(buf, d.region, off+4); err != nil {
			return fail(err)
		}
		if err := d.ring.PublishDq(d.ring.Next(dq)); err != nil {
			return fail(err)
		}
		_, _ = d.region.Add32(dataReadOff, 1)
		c.metrics.DataRead.WithLabelValues(u.desc.Name, strconv.Itoa(ch)).Inc()
		return buf, nil
	}
	return nil, ErrEmpty
}
