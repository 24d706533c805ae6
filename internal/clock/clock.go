package clock

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/qtc-alpha/arena/internal/logger"
)

// Handler is invoked once per tick with the minute-aligned tick timestamp.
type Handler func(ctx context.Context, tick time.Time) error

// MinuteClock fires all registered handlers concurrently at each UTC minute
// boundary and waits for every handler to return before arming the next
// sleep. Correctness over cadence: a slow tick delays the next one rather
// than overlapping it.
type MinuteClock struct {
	clk    clock.Clock
	logger logger.Logger

	mu       sync.Mutex
	handlers []Handler
}

const _tickSlack = 50 * time.Millisecond

func NewMinuteClock(clk clock.Clock, logger logger.Logger) *MinuteClock {
	return &MinuteClock{
		clk:    clk,
		logger: logger,
	}
}

func (c *MinuteClock) Register(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// Run fires one immediate tick so state is fresh at startup, then loops on
// minute boundaries until the context is cancelled.
func (c *MinuteClock) Run(ctx context.Context) error {
	c.tick(ctx, c.clk.Now().UTC().Truncate(time.Minute))

	for {
		now := c.clk.Now().UTC()
		next := now.Truncate(time.Minute).Add(time.Minute)
		timer := c.clk.Timer(next.Sub(now) + _tickSlack)

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			c.tick(ctx, next)
		}
	}
}

func (c *MinuteClock) tick(ctx context.Context, at time.Time) {
	c.mu.Lock()
	handlers := make([]Handler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					c.logger.Errorf("tick handler panic at %s: %v", at, r)
				}
			}()
			if err := h(ctx, at); err != nil {
				c.logger.Errorf("%s: tick handler failed at %s", err, at)
			}
		}(h)
	}
	wg.Wait()
}
