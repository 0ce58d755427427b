// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package persistence backs the register cache arena with memory, a plain
// file or a memory-mapped file.
package persistence

import (
	"fmt"
	"log/slog"
)

// Slots is the fixed capacity of the cache arena.
const Slots = 65536

// Storage defines the interface for persisting the cache arena.
type Storage interface {
	// Load returns the arena, Slots words long. Values written into the
	// returned slice are what Flush persists.
	Load() ([]uint16, error)

	// Flush writes the arena to its backing medium.
	Flush() error

	Close() error
}

// New returns the storage named by kind: "memory" (or empty), "file" or "mmap".
func New(kind, path string) (Storage, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStorage(), nil
	case "file":
		slog.Info("cache backed by file", "path", path)
		return NewFileStorage(path), nil
	case "mmap":
		slog.Info("cache backed by memory-mapped file", "path", path)
		return NewMmapStorage(path), nil
	default:
		return nil, fmt.Errorf("unknown persistence type %q", kind)
	}
}
