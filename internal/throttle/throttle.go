// Package throttle limits how often a value is delivered to a consumer.
package throttle

import (
	"sync"
	"time"
)

// Coalescer delivers at most one value per fixed interval. The first value
// pushed after a quiet period starts the interval; when it ends, only the
// most recent value pushed during it is delivered. Earlier values are
// discarded, never queued.
type Coalescer[T any] struct {
	interval time.Duration
	fn       func(T)

	mu      sync.Mutex
	pending bool
	value   T
	timer   *time.Timer
	stopped bool

	// deliverMu serializes calls to fn and lets Stop wait for one in flight.
	deliverMu sync.Mutex
}

func New[T any](interval time.Duration, fn func(T)) *Coalescer[T] {
	return &Coalescer[T]{interval: interval, fn: fn}
}

// Push offers a value for delivery at the end of the current interval.
func (c *Coalescer[T]) Push(value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.value = value
	c.pending = true
	if c.timer == nil {
		c.timer = time.AfterFunc(c.interval, c.fire)
	}
}

func (c *Coalescer[T]) fire() {
	c.mu.Lock()
	c.timer = nil
	if c.stopped || !c.pending {
		c.mu.Unlock()
		return
	}
	value := c.value
	var zero T
	c.value = zero
	c.pending = false
	c.mu.Unlock()
	c.deliver(value)
}

func (c *Coalescer[T]) deliver(value T) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return
	}
	c.fn(value)
}

// Flush delivers a pending value immediately.
func (c *Coalescer[T]) Flush() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.stopped || !c.pending {
		c.mu.Unlock()
		return
	}
	value := c.value
	var zero T
	c.value = zero
	c.pending = false
	c.mu.Unlock()
	c.deliver(value)
}

// Stop drops any pending value. No delivery starts after Stop returns.
func (c *Coalescer[T]) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.pending = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	// Wait out a delivery that is already running.
	c.deliverMu.Lock()
	c.deliverMu.Unlock()
}

// Pending reports whether a value is waiting for the interval to end.
func (c *Coalescer[T]) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}
