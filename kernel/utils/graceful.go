package utils

import (
	"context"
	"sync"
	"time"
)

type shutdownHook struct {
	name string
	fn   func() error
}

// GracefulShutdown runs registered teardown hooks in reverse registration order.
// Hooks run one at a time so that a core is torn down before the memory it maps.
type GracefulShutdown struct {
	mu      sync.Mutex
	hooks   []shutdownHook
	timeout time.Duration
	logger  *Logger
	done    bool
}

// NewGracefulShutdown creates a new graceful shutdown manager
func NewGracefulShutdown(timeout time.Duration, logger *Logger) *GracefulShutdown {
	if logger == nil {
		logger = DefaultLogger("shutdown")
	}

	return &GracefulShutdown{
		timeout: timeout,
		logger:  logger,
	}
}

// Register registers a named shutdown function
func (g *GracefulShutdown) Register(name string, fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.hooks = append(g.hooks, shutdownHook{name: name, fn: fn})
}

// Shutdown executes all registered shutdown functions (LIFO). It is safe to call twice.
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	if g.done {
		g.mu.Unlock()
		return nil
	}
	g.done = true
	hooks := make([]shutdownHook, len(g.hooks))
	copy(hooks, g.hooks)
	g.mu.Unlock()

	g.logger.Info("Starting graceful shutdown", Int("components", len(hooks)))

	shutdownCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		var first error
		for i := len(hooks) - 1; i >= 0; i-- {
			h := hooks[i]
			if err := h.fn(); err != nil {
				g.logger.Error("Shutdown hook failed", String("hook", h.name), Err(err))
				if first == nil {
					first = err
				}
			}
		}
		errCh <- first
	}()

	select {
	case err := <-errCh:
		g.logger.Info("Graceful shutdown complete")
		return err
	case <-shutdownCtx.Done():
		g.logger.Warn("Graceful shutdown timed out")
		return TimeoutError("shutdown")
	}
}
