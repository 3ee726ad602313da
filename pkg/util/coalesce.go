package util

import (
	"sync"
	"time"

	"github.com/juju/clock"
)

// Coalescer runs fn once, delay after the first Trigger of a burst.
// Triggers arriving while a run is already scheduled are absorbed into it,
// so any number of triggers inside one window produce a single call.
type Coalescer struct {
	clock clock.Clock
	delay time.Duration
	fn    func()

	mu    sync.Mutex
	timer clock.Timer
}

// NewCoalescer returns a Coalescer that calls fn on clk after delay.
func NewCoalescer(clk clock.Clock, delay time.Duration, fn func()) *Coalescer {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Coalescer{clock: clk, delay: delay, fn: fn}
}

// Trigger schedules a run unless one is already pending.
// It reports whether this call scheduled a new run.
func (c *Coalescer) Trigger() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		return false
	}
	c.timer = c.clock.AfterFunc(c.delay, c.fire)
	return true
}

// Pending reports whether a run is scheduled and has not fired yet.
func (c *Coalescer) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}

// Stop cancels a pending run.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Coalescer) fire() {
	c.mu.Lock()
	c.timer = nil
	c.mu.Unlock()
	c.fn()
}
