// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package poller

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ffutop/modbus-bridge/internal/addrspace"
	"github.com/ffutop/modbus-bridge/internal/bridge"
	"github.com/ffutop/modbus-bridge/internal/requester"
)

type staticLayout []addrspace.GroupLayout

func (l staticLayout) Layout() []addrspace.GroupLayout { return l }

type fixedDelay time.Duration

func (d fixedDelay) Delay() time.Duration { return time.Duration(d) }

type recorder struct {
	reqs   []requester.Request
	reject bool
}

func (r *recorder) Submit(req requester.Request) error {
	if r.reject {
		return bridge.ErrQueueFull
	}
	r.reqs = append(r.reqs, req)
	return nil
}

type sweepCounter int

func (c *sweepCounter) PollSweep() { *c++ }

func tokens(reqs []requester.Request) []bridge.Token {
	out := make([]bridge.Token, len(reqs))
	for i, r := range reqs {
		out[i] = r.Token
	}
	return out
}

var twoGroups = staticLayout{
	{ID: 5, RemoteAddress: 50, Registers: []uint16{10, 11}, Slaves: []addrspace.SlaveLayout{{ID: 1, Registers: []uint16{20}}}},
	{ID: 7, RemoteAddress: 70, Slaves: []addrspace.SlaveLayout{{ID: 1}, {ID: 3, Registers: []uint16{30, 31}}}},
	{ID: 9, RemoteAddress: 90},
}

func TestScheduler_Order(t *testing.T) {
	rec := &recorder{}
	var sweeps sweepCounter
	s := New(twoGroups, rec, fixedDelay(0), &sweeps, time.Millisecond)

	now := time.Unix(0, 0)
	for i := 0; i < 6; i++ {
		if !s.Tick(now) {
			t.Fatalf("tick %d submitted nothing", i)
		}
		now = now.Add(time.Millisecond)
	}

	want := []bridge.Token{
		{Group: 5, Owner: 0, Register: 10},
		{Group: 5, Owner: 0, Register: 11},
		{Group: 5, Owner: 1, Register: 20},
		{Group: 7, Owner: 3, Register: 30},
		{Group: 7, Owner: 3, Register: 31},
		{Group: 5, Owner: 0, Register: 10},
	}
	if diff := cmp.Diff(want, tokens(rec.reqs)); diff != "" {
		t.Errorf("poll order mismatch (-want +got):\n%s", diff)
	}
	if rec.reqs[3].Device != 70 || rec.reqs[0].Device != 50 {
		t.Errorf("requests must go to the group's remote address: %+v", rec.reqs)
	}
	if rec.reqs[0].Function != 0x03 {
		t.Errorf("poll must use FC03, got %d", rec.reqs[0].Function)
	}
	if s.Sweeps() != 1 || sweeps != 1 {
		t.Errorf("sweeps = %d (observer %d), want 1", s.Sweeps(), sweeps)
	}
}

func TestScheduler_Delay(t *testing.T) {
	rec := &recorder{}
	s := New(twoGroups, rec, fixedDelay(10*time.Millisecond), nil, time.Millisecond)

	start := time.Unix(100, 0)
	if !s.Tick(start) {
		t.Fatal("first tick must submit")
	}
	if s.Tick(start.Add(9 * time.Millisecond)) {
		t.Error("tick before the delay elapsed must not submit")
	}
	if !s.Tick(start.Add(10 * time.Millisecond)) {
		t.Error("tick after the delay must submit")
	}
	if len(rec.reqs) != 2 {
		t.Errorf("submitted %d requests, want 2", len(rec.reqs))
	}
}

func TestScheduler_RejectKeepsCursor(t *testing.T) {
	rec := &recorder{}
	s := New(twoGroups, rec, fixedDelay(0), nil, time.Millisecond)
	now := time.Unix(0, 0)

	s.Tick(now)
	before := s.Cursor()

	rec.reject = true
	if s.Tick(now.Add(time.Second)) {
		t.Fatal("rejected tick reported success")
	}
	if diff := cmp.Diff(before, s.Cursor()); diff != "" {
		t.Errorf("cursor moved on rejection (-want +got):\n%s", diff)
	}

	rec.reject = false
	s.Tick(now.Add(2 * time.Second))
	if got := rec.reqs[1].Token; got != (bridge.Token{Group: 5, Register: 11}) {
		t.Errorf("retry polled %v, want 5/0/11", got)
	}
}

func TestScheduler_Empty(t *testing.T) {
	tests := []struct {
		name   string
		layout staticLayout
	}{
		{"NoGroups", nil},
		{"NoRegisters", staticLayout{{ID: 1, Slaves: []addrspace.SlaveLayout{{ID: 1}}}, {ID: 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			s := New(tt.layout, rec, fixedDelay(0), nil, time.Millisecond)
			if s.Tick(time.Now()) || len(rec.reqs) != 0 {
				t.Error("tick on an empty layout must be a no-op")
			}
			if s.Sweeps() != 0 {
				t.Error("no sweep may complete on an empty layout")
			}
		})
	}
}

type switchableLayout struct {
	current staticLayout
}

func (l *switchableLayout) Layout() []addrspace.GroupLayout { return l.current }

func TestScheduler_LayoutShrinks(t *testing.T) {
	l := &switchableLayout{current: twoGroups}
	rec := &recorder{}
	s := New(l, rec, fixedDelay(0), nil, time.Millisecond)
	now := time.Unix(0, 0)

	// move into group 7
	for i := 0; i < 4; i++ {
		s.Tick(now)
		now = now.Add(time.Millisecond)
	}
	l.current = staticLayout{{ID: 5, RemoteAddress: 50, Registers: []uint16{10}}}

	if !s.Tick(now) {
		t.Fatal("tick after shrink submitted nothing")
	}
	last := rec.reqs[len(rec.reqs)-1].Token
	if last != (bridge.Token{Group: 5, Register: 10}) {
		t.Errorf("cursor did not restart on the new layout: polled %v", last)
	}
}

func TestCursor_Normalize(t *testing.T) {
	c := Cursor{Group: 1, Phase: PhaseSlaveRegisters, Slave: 1, Register: 2}
	wrapped, ok := c.normalize(twoGroups)
	if !ok || !wrapped {
		t.Fatalf("normalize = %v, %v; want wrapped", wrapped, ok)
	}
	if diff := cmp.Diff(Cursor{}, c); diff != "" {
		t.Errorf("cursor mismatch (-want +got):\n%s", diff)
	}

	var empty Cursor
	if _, ok := empty.normalize(nil); ok {
		t.Error("normalize on an empty layout must fail")
	}
}
