// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package addrspace maps the virtual registers of every group onto cache
// slots and real (owner, register) pairs.
//
// Within a group, virtual addresses start at 0 and run over the group
// registers first and then over each slave's registers, all in list order.
package addrspace

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ffutop/modbus-bridge/internal/bridge"
	"github.com/ffutop/modbus-bridge/internal/persistence"
	"github.com/ffutop/modbus-bridge/internal/topology"
)

// ErrCapacity is returned by Build when the topology has more registers than
// the arena has slots.
var ErrCapacity = errors.New("addrspace: register count exceeds cache capacity")

// ErrClosed is returned by Build and Flush once the space is closed.
var ErrClosed = errors.New("addrspace: closed")

// Entry is one virtual register of a group.
type Entry struct {
	VirtualAddress uint16
	// Owner is 0 for a group register, otherwise the slave id.
	Owner    uint8
	Register uint16
	Slot     int
}

// SlaveLayout lists the registers of one slave in order.
type SlaveLayout struct {
	ID        uint8
	Registers []uint16
}

// GroupLayout is the poll order of one group.
type GroupLayout struct {
	ID            uint8
	RemoteAddress uint8
	Registers     []uint16
	Slaves        []SlaveLayout
}

type groupTable struct {
	remote  uint8
	entries []Entry
}

// Space is the address table together with the cache arena it indexes.
type Space struct {
	storage persistence.Storage

	mu     sync.RWMutex
	arena  []uint16
	groups map[uint8]*groupTable
	slots  map[bridge.Token]int
	layout []GroupLayout
	built  bool
	closed bool
}

// New loads the arena from storage. The space is empty until the first Build.
func New(storage persistence.Storage) (*Space, error) {
	arena, err := storage.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load cache: %w", err)
	}
	if len(arena) == 0 {
		return nil, fmt.Errorf("cache storage returned an empty arena")
	}
	return &Space{
		storage: storage,
		arena:   arena,
		groups:  make(map[uint8]*groupTable),
		slots:   make(map[bridge.Token]int),
	}, nil
}

// Capacity returns the number of cache slots.
func (s *Space) Capacity() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.arena)
}

// Build regenerates the whole table from groups. Cached values follow their
// (group, owner, register) key to the new slot; new registers start at 0.
// The first Build after New keeps the arena as loaded, which restores a
// persisted cache for an unchanged topology.
func (s *Space) Build(groups []topology.Group) error {
	if err := topology.Validate(groups); err != nil {
		return err
	}

	total := 0
	for _, g := range groups {
		total += len(g.Registers)
		for _, sl := range g.Slaves {
			total += len(sl.Registers)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if total > len(s.arena) {
		return fmt.Errorf("%w: %d registers, %d slots", ErrCapacity, total, len(s.arena))
	}

	var carried map[bridge.Token]uint16
	if s.built {
		carried = make(map[bridge.Token]uint16, len(s.slots))
		for key, slot := range s.slots {
			carried[key] = s.arena[slot]
		}
	}

	tables := make(map[uint8]*groupTable, len(groups))
	slots := make(map[bridge.Token]int, total)
	layout := make([]GroupLayout, 0, len(groups))
	next := 0

	for _, g := range groups {
		table := &groupTable{remote: g.RemoteAddress, entries: make([]Entry, 0)}
		gl := GroupLayout{ID: g.ID, RemoteAddress: g.RemoteAddress}

		add := func(owner uint8, reg uint16) {
			key := bridge.Token{Group: g.ID, Owner: owner, Register: reg}
			table.entries = append(table.entries, Entry{
				VirtualAddress: uint16(len(table.entries)),
				Owner:          owner,
				Register:       reg,
				Slot:           next,
			})
			slots[key] = next
			if carried != nil {
				s.arena[next] = carried[key]
			}
			next++
		}

		for _, r := range g.Registers {
			add(0, r.ID)
			gl.Registers = append(gl.Registers, r.ID)
		}
		for _, sl := range g.Slaves {
			sll := SlaveLayout{ID: sl.ID}
			for _, r := range sl.Registers {
				add(sl.ID, r.ID)
				sll.Registers = append(sll.Registers, r.ID)
			}
			gl.Slaves = append(gl.Slaves, sll)
		}

		tables[g.ID] = table
		layout = append(layout, gl)
		slog.Debug("group mapped", "group", g.ID, "remote", g.RemoteAddress, "registers", len(table.entries))
	}

	s.groups = tables
	s.slots = slots
	s.layout = layout
	s.built = true
	slog.Info("address space built", "groups", len(tables), "registers", total)
	return nil
}

// GroupExists reports whether group is mapped.
func (s *Space) GroupExists(group uint8) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.groups[group]
	return ok
}

// RegisterCount returns the number of virtual registers of group, 0 if unknown.
func (s *Space) RegisterCount(group uint8) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.groups[group]; ok {
		return len(t.entries)
	}
	return 0
}

// RemoteAddress returns the back-bus device address of group.
func (s *Space) RemoteAddress(group uint8) (uint8, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.groups[group]; ok {
		return t.remote, true
	}
	return 0, false
}

// lookup must be called with mu held.
func (s *Space) lookup(group uint8, addr uint16) (Entry, error) {
	t, ok := s.groups[group]
	if !ok {
		return Entry{}, fmt.Errorf("group %d: %w", group, bridge.ErrUnknownGroup)
	}
	if int(addr) >= len(t.entries) {
		return Entry{}, fmt.Errorf("group %d address %d: %w", group, addr, bridge.ErrIllegalAddress)
	}
	return t.entries[addr], nil
}

// Resolve returns the real owner and register behind a virtual address.
func (s *Space) Resolve(group uint8, addr uint16) (owner uint8, register uint16, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, err := s.lookup(group, addr)
	if err != nil {
		return 0, 0, err
	}
	return e.Owner, e.Register, nil
}

// ReadCache returns the cached value of one virtual register.
func (s *Space) ReadCache(group uint8, addr uint16) (uint16, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, err := s.lookup(group, addr)
	if err != nil {
		return 0, err
	}
	return s.arena[e.Slot], nil
}

// ReadRange returns count consecutive cached values starting at addr. Either
// every address is mapped or nothing is returned.
func (s *Space) ReadRange(group uint8, addr, count uint16) ([]uint16, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.groups[group]
	if !ok {
		return nil, fmt.Errorf("group %d: %w", group, bridge.ErrUnknownGroup)
	}
	if int(addr)+int(count) > len(t.entries) {
		return nil, fmt.Errorf("group %d range %d+%d: %w", group, addr, count, bridge.ErrIllegalAddress)
	}
	values := make([]uint16, count)
	for i := range values {
		values[i] = s.arena[t.entries[int(addr)+i].Slot]
	}
	return values, nil
}

// WriteCache stores value for one virtual register.
func (s *Space) WriteCache(group uint8, addr uint16, value uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.lookup(group, addr)
	if err != nil {
		return err
	}
	s.arena[e.Slot] = value
	return nil
}

// UpdateByToken stores value for the register a back-bus request was made for.
// It fails with ErrIllegalAddress when the register was removed meanwhile.
func (s *Space) UpdateByToken(token bridge.Token, value uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[token]
	if !ok {
		return fmt.Errorf("token %s: %w", token, bridge.ErrIllegalAddress)
	}
	s.arena[slot] = value
	return nil
}

// Entries returns a copy of the table of group.
func (s *Space) Entries(group uint8) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.groups[group]
	if !ok {
		return nil
	}
	return append([]Entry(nil), t.entries...)
}

// Layout returns the groups in topology order. The result is shared and must
// not be modified.
func (s *Space) Layout() []GroupLayout {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.layout
}

// Flush persists the arena.
func (s *Space) Flush() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.storage.Flush()
}

// Close persists the arena and releases the storage. The table is emptied
// first: a mapped arena is gone after Close, so later lookups must fail with
// ErrUnknownGroup instead of touching it.
func (s *Space) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.groups = make(map[uint8]*groupTable)
	s.slots = make(map[bridge.Token]int)
	s.layout = nil
	s.arena = nil
	return s.storage.Close()
}
