// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package topology

import (
	"fmt"
	"log/slog"
	"sync"
)

// Persister saves a committed topology.
type Persister interface {
	Save(groups []Group) error
}

// Store holds the ordered list of groups. Every successful mutation is
// persisted first and then announced to the OnChange listeners, in order.
type Store struct {
	// write serializes mutations together with their notifications.
	write sync.Mutex

	mu        sync.RWMutex
	groups    []Group
	listeners []func([]Group)
	persister Persister
}

// NewStore returns a store holding groups. A nil persister keeps the topology
// in memory only.
func NewStore(groups []Group, persister Persister) (*Store, error) {
	if err := Validate(groups); err != nil {
		return nil, err
	}
	return &Store{groups: Clone(groups), persister: persister}, nil
}

// OnChange registers fn to receive a snapshot after every committed change.
func (s *Store) OnChange(fn func([]Group)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Snapshot returns a deep copy of the current topology.
func (s *Store) Snapshot() []Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Clone(s.groups)
}

// Group returns a copy of the group with the given id.
func (s *Store) Group(id uint8) (Group, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.groups {
		if g.ID == id {
			return Clone([]Group{g})[0], true
		}
	}
	return Group{}, false
}

// Replace swaps the whole topology without persisting it. It is used when
// the topology file changed on disk.
func (s *Store) Replace(groups []Group) error {
	if err := Validate(groups); err != nil {
		return err
	}
	return s.commit(func([]Group) ([]Group, error) { return Clone(groups), nil }, false)
}

// CreateGroup appends a group with slaveCount slaves. A zero remote address
// defaults to the group id.
func (s *Store) CreateGroup(id uint8, slaveCount int, remoteAddress uint8) error {
	if slaveCount < 0 || slaveCount > 255 {
		return fmt.Errorf("group %d: slave count %d: %w", id, slaveCount, ErrInvalidSlaveID)
	}
	return s.mutate(func(groups []Group) ([]Group, error) {
		if find(groups, id) != nil {
			return nil, fmt.Errorf("group %d: %w", id, ErrGroupExists)
		}
		if remoteAddress == 0 {
			remoteAddress = id
		}
		g := Group{ID: id, RemoteAddress: remoteAddress, Name: DefaultGroupName(id)}
		g.setSlaveCount(slaveCount)
		return append(groups, g), nil
	})
}

// SetGroupID renumbers a group.
func (s *Store) SetGroupID(oldID, newID uint8) error {
	if oldID == newID {
		return nil
	}
	return s.mutate(func(groups []Group) ([]Group, error) {
		if find(groups, newID) != nil {
			return nil, fmt.Errorf("group %d: %w", newID, ErrGroupExists)
		}
		g := find(groups, oldID)
		if g == nil {
			return nil, fmt.Errorf("group %d: %w", oldID, ErrGroupNotFound)
		}
		g.ID = newID
		return groups, nil
	})
}

// SetRemoteAddress changes the back-bus device address of a group.
func (s *Store) SetRemoteAddress(id, remoteAddress uint8) error {
	return s.updateGroup(id, func(g *Group) error {
		g.RemoteAddress = remoteAddress
		return nil
	})
}

// SetGroupName renames a group.
func (s *Store) SetGroupName(id uint8, name string) error {
	return s.updateGroup(id, func(g *Group) error {
		g.Name = name
		return nil
	})
}

// SetSlaveCount grows or shrinks the slave list of a group.
func (s *Store) SetSlaveCount(id uint8, n int) error {
	if n < 0 || n > 255 {
		return fmt.Errorf("group %d: slave count %d: %w", id, n, ErrInvalidSlaveID)
	}
	return s.updateGroup(id, func(g *Group) error {
		g.setSlaveCount(n)
		return nil
	})
}

// DeleteGroup removes a group and everything below it.
func (s *Store) DeleteGroup(id uint8) error {
	return s.mutate(func(groups []Group) ([]Group, error) {
		for i := range groups {
			if groups[i].ID == id {
				return append(groups[:i], groups[i+1:]...), nil
			}
		}
		return nil, fmt.Errorf("group %d: %w", id, ErrGroupNotFound)
	})
}

// AddGroupRegister appends a group-level register.
func (s *Store) AddGroupRegister(id uint8, reg Register) error {
	return s.updateGroup(id, func(g *Group) (err error) {
		g.Registers, err = addRegister(g.Registers, reg)
		return err
	})
}

// UpdateGroupRegister replaces register regID of a group; the id may change.
func (s *Store) UpdateGroupRegister(id uint8, regID uint16, reg Register) error {
	return s.updateGroup(id, func(g *Group) error {
		return updateRegister(g.Registers, regID, reg)
	})
}

// DeleteGroupRegister removes a group-level register.
func (s *Store) DeleteGroupRegister(id uint8, regID uint16) error {
	return s.updateGroup(id, func(g *Group) (err error) {
		g.Registers, err = deleteRegister(g.Registers, regID)
		return err
	})
}

// AddSlaveRegister appends a register to one slave of a group.
func (s *Store) AddSlaveRegister(id, slaveID uint8, reg Register) error {
	return s.updateSlave(id, slaveID, func(sl *Slave) (err error) {
		sl.Registers, err = addRegister(sl.Registers, reg)
		return err
	})
}

// UpdateSlaveRegister replaces register regID of a slave; the id may change.
func (s *Store) UpdateSlaveRegister(id, slaveID uint8, regID uint16, reg Register) error {
	return s.updateSlave(id, slaveID, func(sl *Slave) error {
		return updateRegister(sl.Registers, regID, reg)
	})
}

// DeleteSlaveRegister removes a register from a slave.
func (s *Store) DeleteSlaveRegister(id, slaveID uint8, regID uint16) error {
	return s.updateSlave(id, slaveID, func(sl *Slave) (err error) {
		sl.Registers, err = deleteRegister(sl.Registers, regID)
		return err
	})
}

func (s *Store) updateGroup(id uint8, fn func(g *Group) error) error {
	return s.mutate(func(groups []Group) ([]Group, error) {
		g := find(groups, id)
		if g == nil {
			return nil, fmt.Errorf("group %d: %w", id, ErrGroupNotFound)
		}
		if err := fn(g); err != nil {
			return nil, fmt.Errorf("group %d: %w", id, err)
		}
		return groups, nil
	})
}

func (s *Store) updateSlave(id, slaveID uint8, fn func(sl *Slave) error) error {
	return s.updateGroup(id, func(g *Group) error {
		sl := g.slave(slaveID)
		if sl == nil {
			return fmt.Errorf("slave %d: %w", slaveID, ErrSlaveNotFound)
		}
		return fn(sl)
	})
}

func (s *Store) mutate(fn func([]Group) ([]Group, error)) error {
	return s.commit(fn, true)
}

// commit applies fn to a copy of the topology. The copy only becomes current
// once it has been persisted.
func (s *Store) commit(fn func([]Group) ([]Group, error), persist bool) error {
	s.write.Lock()
	defer s.write.Unlock()

	next, err := fn(s.Snapshot())
	if err != nil {
		return err
	}
	next = Clone(next)

	if persist && s.persister != nil {
		if err := s.persister.Save(next); err != nil {
			return fmt.Errorf("topology: failed to persist: %w", err)
		}
	}

	s.mu.Lock()
	s.groups = next
	listeners := append([]func([]Group){}, s.listeners...)
	s.mu.Unlock()

	slog.Debug("topology changed", "groups", len(next))
	for _, fn := range listeners {
		fn(Clone(next))
	}
	return nil
}

func find(groups []Group, id uint8) *Group {
	for i := range groups {
		if groups[i].ID == id {
			return &groups[i]
		}
	}
	return nil
}
