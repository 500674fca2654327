package cipc

import (
	"fmt"

	"github.com/nmxmxh/cipc/kernel/mailbox"
	"github.com/nmxmxh/cipc/kernel/utils"
)

// Register binds mb and cb to the pair (tx, rx), where tx is the user this core
// produces on and rx its reverse. The whole map is validated before anything
// is written, so a failed call leaves shared memory untouched.
//
// Bootstrapping owners also clear stale mailbox lines on both directions and,
// when no session is recorded for the pair, zero both users' queues and record
// themselves as session owner.
//
// Owners that map their own window get their segment extent back; everybody
// else gets (0, 0).
//
// mb must be dedicated to this pair; see HandleIRQ.
func (c *CIPC) Register(mb mailbox.Mailbox, tx, rx UserID, cb Callback) (start, size uint32, err error) {
	const op = "register"
	txu, err := c.user(op, tx)
	if err != nil {
		return 0, 0, err
	}
	rxu, err := c.user(op, rx)
	if err != nil {
		return 0, 0, err
	}
	if mb == nil {
		return 0, 0, opError(op, txu.desc.Name, "", fmt.Errorf("%w: nil mailbox", ErrNotRegistered))
	}

	// phase 1: identity
	self := c.cfg.Self
	if !self.Valid() || txu.desc.Owner != self {
		return 0, 0, opError(op, txu.desc.Name, "", fmt.Errorf("%w: %s does not produce on %s", ErrInvalidOwner, self, txu.desc.Name))
	}
	if !txu.desc.Reverse(rxu.desc) {
		return 0, 0, opError(op, txu.desc.Name, "", fmt.Errorf("%w: %s is not the reverse of %s", ErrInvalidOwner, rxu.desc.Name, txu.desc.Name))
	}

	if err := c.CheckAll(); err != nil {
		c.log.Error("Map validation failed, refusing registration", utils.String("tx", txu.desc.Name), utils.Err(err))
		return 0, 0, opError(op, txu.desc.Name, "", err)
	}

	// phase 2: session bootstrap
	if self.bootstraps() {
		if err := c.bootstrap(mb, txu, rxu); err != nil {
			return 0, 0, opError(op, txu.desc.Name, "", err)
		}
	}

	for _, u := range []*user{txu, rxu} {
		u.mu.Lock()
		u.mb = mb
		u.mu.Unlock()
	}
	rxu.mu.Lock()
	rxu.cb = cb
	rxu.mu.Unlock()

	c.log.Info("Registered",
		utils.String("tx", txu.desc.Name),
		utils.String("rx", rxu.desc.Name))

	if self.mapsSegment() && self != c.cfg.Host && self != c.cfg.Master {
		if seg, ok := c.layout.Segment(self); ok {
			return seg.Start, seg.Size(), nil
		}
	}
	return 0, 0, nil
}

func (c *CIPC) bootstrap(mb mailbox.Mailbox, txu, rxu *user) error {
	for _, dir := range []mailbox.Direction{mailbox.Dir0, mailbox.Dir1} {
		raw, err := mb.ReadStatusAll(dir)
		if err != nil {
			return err
		}
		pending := mailbox.Pending(mb, dir, raw)
		for line := uint32(0); line < mailbox.Lines; line++ {
			if pending&(1<<line) == 0 {
				continue
			}
			if err := mb.ClearPending(dir, line); err != nil {
				return err
			}
		}
	}

	session, err := txu.header.Load32(userSessionOff)
	if err != nil {
		return err
	}
	if session != 0 {
		c.log.Debug("Session already open", utils.String("tx", txu.desc.Name), utils.String("by", Owner(session).String()))
		return nil
	}

	for _, u := range []*user{txu, rxu} {
		for _, q := range u.queues() {
			if err := q.ring.Clear(); err != nil {
				return err
			}
		}
		for line := uint32(0); line < mailbox.Lines; line++ {
			if err := u.evt.region.Store32(pendingOff(line), 0); err != nil {
				return err
			}
		}
	}
	for _, u := range []*user{txu, rxu} {
		if err := u.header.Store32(userSessionOff, uint32(c.cfg.Self)); err != nil {
			return err
		}
	}
	c.log.Info("Session bootstrapped", utils.String("tx", txu.desc.Name), utils.String("rx", rxu.desc.Name))
	return nil
}

// Quiesce sets the map lock word. Every engine operation reports ErrLocked
// until Resume.
func (c *CIPC) Quiesce() error {
	return c.header.Store32(mapLockOff, uint32(c.cfg.Self))
}

// Resume clears the map lock word
func (c *CIPC) Resume() error {
	return c.header.Store32(mapLockOff, 0)
}

// ResetMap re-zeroes and re-stamps the queues in this core's scope: every user
// on the map author, otherwise the users this core is an end of. Offsets are
// never recomputed. The map is locked for the duration. The reset generation
// in the map header is bumped so peers drop their local Corrupted state
// without resetting again.
func (c *CIPC) ResetMap() error {
	if c.closed.Load() {
		return opError("reset_map", "", "", ErrClosed)
	}
	c.resetMu.Lock()
	defer c.resetMu.Unlock()

	if err := c.Quiesce(); err != nil {
		return opError("reset_map", "", "", err)
	}
	defer func() {
		if err := c.Resume(); err != nil {
			c.log.Error("Failed to clear map lock", utils.Err(err))
		}
	}()

	n := 0
	for _, u := range c.order {
		if !c.cfg.IsAuthor() && u.desc.Owner != c.cfg.Self && u.desc.Peer != c.cfg.Self {
			continue
		}
		if err := c.stampEvent(u.evt); err != nil {
			return opError("reset_map", u.desc.Name, u.evt.place.Name, err)
		}
		for _, d := range u.data {
			if err := c.stampData(d); err != nil {
				return opError("reset_map", u.desc.Name, d.place.Name, err)
			}
		}
		if err := u.header.Store32(userSessionOff, 0); err != nil {
			return opError("reset_map", u.desc.Name, u.layout.Header.Name, err)
		}
		for _, q := range u.queues() {
			if q.state.Load() == StateCorrupted {
				c.metrics.CorruptedQueues.WithLabelValues(u.desc.Name).Dec()
			}
			q.state.Store(StateLive)
		}
		n++
	}
	gen, err := c.header.Add32(mapResetOff, 1)
	if err != nil {
		return opError("reset_map", "", "", err)
	}
	c.log.Info("Map reset", utils.Int("users", n), utils.Uint32("generation", gen))
	return nil
}
