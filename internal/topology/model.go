// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package topology owns the configured groups, their slaves and registers.
package topology

import (
	"errors"
	"fmt"
)

// Register is a real register on a back-bus device.
type Register struct {
	ID   uint16 `yaml:"id"`
	Name string `yaml:"name,omitempty"`
}

// Slave is a sub-device reachable only through its group's device.
type Slave struct {
	ID        uint8      `yaml:"id"`
	Registers []Register `yaml:"registers,omitempty"`
}

// Group is a virtual front-bus device backed by one back-bus device at
// RemoteAddress. Its ID is the front-bus server id.
type Group struct {
	ID            uint8      `yaml:"id"`
	RemoteAddress uint8      `yaml:"remote_address"`
	Name          string     `yaml:"name,omitempty"`
	Registers     []Register `yaml:"registers,omitempty"`
	Slaves        []Slave    `yaml:"slaves,omitempty"`
}

var (
	ErrGroupExists      = errors.New("topology: group already exists")
	ErrGroupNotFound    = errors.New("topology: group not found")
	ErrSlaveExists      = errors.New("topology: slave already exists")
	ErrSlaveNotFound    = errors.New("topology: slave not found")
	ErrRegisterExists   = errors.New("topology: register already exists")
	ErrRegisterNotFound = errors.New("topology: register not found")
	ErrInvalidSlaveID   = errors.New("topology: slave id must be in 1..255")
)

// DefaultGroupName is the name given to a group created without one.
func DefaultGroupName(id uint8) string {
	return fmt.Sprintf("Outdoor Device %d", id)
}

func (g *Group) slave(id uint8) *Slave {
	for i := range g.Slaves {
		if g.Slaves[i].ID == id {
			return &g.Slaves[i]
		}
	}
	return nil
}

// setSlaveCount appends slaves with ids len+1..n or drops slaves from the end.
func (g *Group) setSlaveCount(n int) {
	if n < len(g.Slaves) {
		g.Slaves = g.Slaves[:n]
		return
	}
	for id := len(g.Slaves) + 1; id <= n; id++ {
		g.Slaves = append(g.Slaves, Slave{ID: uint8(id)})
	}
}

func indexOfRegister(regs []Register, id uint16) int {
	for i := range regs {
		if regs[i].ID == id {
			return i
		}
	}
	return -1
}

func addRegister(regs []Register, reg Register) ([]Register, error) {
	if indexOfRegister(regs, reg.ID) >= 0 {
		return regs, fmt.Errorf("register %d: %w", reg.ID, ErrRegisterExists)
	}
	return append(regs, reg), nil
}

func updateRegister(regs []Register, id uint16, reg Register) error {
	i := indexOfRegister(regs, id)
	if i < 0 {
		return fmt.Errorf("register %d: %w", id, ErrRegisterNotFound)
	}
	if reg.ID != id && indexOfRegister(regs, reg.ID) >= 0 {
		return fmt.Errorf("register %d: %w", reg.ID, ErrRegisterExists)
	}
	regs[i] = reg
	return nil
}

func deleteRegister(regs []Register, id uint16) ([]Register, error) {
	i := indexOfRegister(regs, id)
	if i < 0 {
		return regs, fmt.Errorf("register %d: %w", id, ErrRegisterNotFound)
	}
	return append(regs[:i], regs[i+1:]...), nil
}

// Validate checks the uniqueness rules of a whole topology.
func Validate(groups []Group) error {
	seen := make(map[uint8]bool, len(groups))
	for _, g := range groups {
		if seen[g.ID] {
			return fmt.Errorf("group %d: %w", g.ID, ErrGroupExists)
		}
		seen[g.ID] = true

		if err := validateRegisters(g.Registers); err != nil {
			return fmt.Errorf("group %d: %w", g.ID, err)
		}
		slaves := make(map[uint8]bool, len(g.Slaves))
		for _, s := range g.Slaves {
			if s.ID == 0 {
				return fmt.Errorf("group %d: %w", g.ID, ErrInvalidSlaveID)
			}
			if slaves[s.ID] {
				return fmt.Errorf("group %d slave %d: %w", g.ID, s.ID, ErrSlaveExists)
			}
			slaves[s.ID] = true
			if err := validateRegisters(s.Registers); err != nil {
				return fmt.Errorf("group %d slave %d: %w", g.ID, s.ID, err)
			}
		}
	}
	return nil
}

func validateRegisters(regs []Register) error {
	seen := make(map[uint16]bool, len(regs))
	for _, r := range regs {
		if seen[r.ID] {
			return fmt.Errorf("register %d: %w", r.ID, ErrRegisterExists)
		}
		seen[r.ID] = true
	}
	return nil
}

// Clone returns a deep copy of groups. Empty lists come back as nil.
func Clone(groups []Group) []Group {
	if len(groups) == 0 {
		return nil
	}
	out := make([]Group, len(groups))
	for i, g := range groups {
		out[i] = g
		out[i].Registers = cloneRegisters(g.Registers)
		out[i].Slaves = nil
		if len(g.Slaves) > 0 {
			out[i].Slaves = make([]Slave, len(g.Slaves))
			for j, s := range g.Slaves {
				out[i].Slaves[j] = Slave{ID: s.ID, Registers: cloneRegisters(s.Registers)}
			}
		}
	}
	return out
}

func cloneRegisters(regs []Register) []Register {
	if len(regs) == 0 {
		return nil
	}
	out := make([]Register, len(regs))
	copy(out, regs)
	return out
}
