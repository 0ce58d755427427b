// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package poller

import "github.com/ffutop/modbus-bridge/internal/addrspace"

// Phase tells which register list of the current group the cursor walks.
type Phase int

const (
	PhaseGroupRegisters Phase = iota
	PhaseSlaveRegisters
)

func (p Phase) String() string {
	if p == PhaseSlaveRegisters {
		return "slave"
	}
	return "group"
}

// Cursor points at the next register to poll.
type Cursor struct {
	Group    int
	Phase    Phase
	Slave    int
	Register int
}

// normalize moves c onto the first existing register at or after its
// position. It reports whether it had to wrap past the last group, and false
// in ok when the layout has no register at all.
func (c *Cursor) normalize(layout []addrspace.GroupLayout) (wrapped, ok bool) {
	if !hasRegisters(layout) {
		*c = Cursor{}
		return false, false
	}
	for {
		if c.Group >= len(layout) {
			*c = Cursor{}
			wrapped = true
			continue
		}
		g := layout[c.Group]
		switch c.Phase {
		case PhaseGroupRegisters:
			if c.Register < len(g.Registers) {
				return wrapped, true
			}
			c.Phase, c.Slave, c.Register = PhaseSlaveRegisters, 0, 0
		default:
			if c.Slave >= len(g.Slaves) {
				*c = Cursor{Group: c.Group + 1}
				continue
			}
			if c.Register < len(g.Slaves[c.Slave].Registers) {
				return wrapped, true
			}
			c.Slave, c.Register = c.Slave+1, 0
		}
	}
}

// advance steps past the current register; it reports a completed sweep.
func (c *Cursor) advance(layout []addrspace.GroupLayout) bool {
	c.Register++
	wrapped, _ := c.normalize(layout)
	return wrapped
}

// target returns the owner and register under a normalized cursor.
func (c *Cursor) target(layout []addrspace.GroupLayout) (owner uint8, register uint16) {
	g := layout[c.Group]
	if c.Phase == PhaseGroupRegisters {
		return 0, g.Registers[c.Register]
	}
	s := g.Slaves[c.Slave]
	return s.ID, s.Registers[c.Register]
}

func hasRegisters(layout []addrspace.GroupLayout) bool {
	for _, g := range layout {
		if len(g.Registers) > 0 {
			return true
		}
		for _, s := range g.Slaves {
			if len(s.Registers) > 0 {
				return true
			}
		}
	}
	return false
}
