// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package backpressure turns the number of unresolved back-bus requests into
// the delay the poller waits between two requests.
package backpressure

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Controller tracks pending back-bus requests.
type Controller struct {
	min, max time.Duration

	mu      sync.Mutex
	pending int
	delay   time.Duration
}

// New returns a controller with nothing pending.
func New(min, max time.Duration) (*Controller, error) {
	if min <= 0 {
		return nil, fmt.Errorf("backpressure: min delay must be positive, got %v", min)
	}
	if max < min {
		return nil, fmt.Errorf("backpressure: max delay %v is below min delay %v", max, min)
	}
	return &Controller{min: min, max: max, delay: min}, nil
}

// DelayFor returns the delay for a pending count:
//
//	0..5   min
//	6..10  linear from min towards the midpoint, reaching it at 10
//	11..20 midpoint
//	>20    max
func (c *Controller) DelayFor(pending int) time.Duration {
	switch {
	case pending <= 5:
		return c.min
	case pending <= 10:
		return c.min + (c.max-c.min)*time.Duration(pending-5)/10
	case pending <= 20:
		return (c.min + c.max) / 2
	default:
		return c.max
	}
}

// Increment records a newly accepted request.
func (c *Controller) Increment() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set(c.pending + 1)
}

// Decrement records a resolved request. The count never drops below 0.
func (c *Controller) Decrement() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == 0 {
		return
	}
	c.set(c.pending - 1)
}

// set must be called with mu held.
func (c *Controller) set(pending int) {
	c.pending = pending
	c.delay = c.DelayFor(pending)
	if pending%5 == 0 {
		slog.Debug("back bus pending requests", "pending", pending, "delay", c.delay)
	}
}

// Pending returns the number of unresolved requests.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Delay returns the current inter-request delay.
func (c *Controller) Delay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delay
}
