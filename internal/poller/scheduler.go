// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package poller refreshes the register cache by reading every mapped
// register from the back bus, one request at a time, round robin.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ffutop/modbus-bridge/internal/addrspace"
	"github.com/ffutop/modbus-bridge/internal/bridge"
	"github.com/ffutop/modbus-bridge/internal/requester"
	"github.com/ffutop/modbus-bridge/modbus"
)

const DefaultTick = 5 * time.Millisecond

// Submitter accepts back-bus requests.
type Submitter interface {
	Submit(req requester.Request) error
}

// LayoutSource provides the poll order.
type LayoutSource interface {
	Layout() []addrspace.GroupLayout
}

// DelaySource provides the minimum spacing of two requests.
type DelaySource interface {
	Delay() time.Duration
}

// Observer counts sweeps.
type Observer interface {
	PollSweep()
}

// Scheduler walks the layout and submits one FC03 per due tick.
type Scheduler struct {
	layout   LayoutSource
	submit   Submitter
	delay    DelaySource
	observer Observer
	tick     time.Duration

	mu     sync.Mutex
	cursor Cursor
	last   time.Time
	sweeps uint64
}

// New returns a scheduler positioned on the first register.
func New(layout LayoutSource, submit Submitter, delay DelaySource, observer Observer, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Scheduler{
		layout:   layout,
		submit:   submit,
		delay:    delay,
		observer: observer,
		tick:     tick,
	}
}

// Tick submits the register under the cursor if the current delay has passed
// since the last accepted request. A rejected request leaves the cursor in
// place. It reports whether a request was accepted.
func (s *Scheduler) Tick(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.last.IsZero() && now.Sub(s.last) < s.delay.Delay() {
		return false
	}

	layout := s.layout.Layout()
	if _, ok := s.cursor.normalize(layout); !ok {
		return false
	}

	g := layout[s.cursor.Group]
	owner, register := s.cursor.target(layout)
	req := requester.Request{
		Token:    bridge.Token{Group: g.ID, Owner: owner, Register: register},
		Device:   g.RemoteAddress,
		Function: modbus.FuncCodeReadHoldingRegisters,
		Register: register,
	}
	if err := s.submit.Submit(req); err != nil {
		slog.Debug("poll deferred", "token", req.Token, "err", err)
		return false
	}
	s.last = now

	if s.cursor.advance(layout) {
		s.sweeps++
		if s.observer != nil {
			s.observer.PollSweep()
		}
		slog.Debug("poll sweep complete", "sweeps", s.sweeps)
	}
	return true
}

// Run drives Tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	slog.Info("poller started", "tick", s.tick)
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}

// Cursor returns the current position.
func (s *Scheduler) Cursor() Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Sweeps returns the number of completed passes over all registers.
func (s *Scheduler) Sweeps() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweeps
}
