package cipc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nmxmxh/cipc/kernel/utils"
)

// retry runs op up to MaxTryCount times with RetrySleep between attempts.
// op marks non-retryable failures with backoff.Permanent; only a full queue
// and an exhausted set of interrupt lines are retried.
func (c *CIPC) retry(ctx context.Context, u *user, op backoff.Operation) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.RetrySleep), uint64(c.cfg.MaxTryCount-1)),
		ctx)
	return backoff.RetryNotify(op, b, func(err error, _ time.Duration) {
		c.metrics.Retries.WithLabelValues(u.desc.Name).Inc()
	})
}

// markCorrupted moves q to Corrupted and logs a full dump of its user
func (c *CIPC) markCorrupted(u *user, q *queue, cause error) error {
	if q.state.corrupt(c.resetGeneration()) {
		c.metrics.CorruptedQueues.WithLabelValues(u.desc.Name).Inc()
		c.log.Error("Queue corrupted", logRegion(q), utils.Err(cause))
		c.logDump(u)
	}
	if errors.Is(cause, ErrIndexCorruption) {
		return cause
	}
	return fmt.Errorf("%s: %w: %v", q.place.Name, ErrIndexCorruption, cause)
}

// resetGeneration reads the map reset counter. An unreadable header counts as
// generation 0.
func (c *CIPC) resetGeneration() uint32 {
	gen, _ := c.header.Load32(mapResetOff)
	return gen
}

func (c *CIPC) logDump(u *user) {
	c.log.Warn("Queue diagnostics", utils.Any("user", c.dumpUser(u)))
}

func logRegion(q *queue) utils.Field {
	return utils.String("region", q.place.Name)
}

// requireSide checks that this core is the producer (want == desc.Owner) or
// the consumer (want == desc.Peer) of u.
func (c *CIPC) requireSide(u *user, producer bool) error {
	side := u.desc.Peer
	if producer {
		side = u.desc.Owner
	}
	if c.cfg.Self != side {
		return fmt.Errorf("%w: %s is not the %s end of %s", ErrInvalidOwner, c.cfg.Self, sideName(producer), u.desc.Name)
	}
	return nil
}

func sideName(producer bool) string {
	if producer {
		return "producing"
	}
	return "consuming"
}
