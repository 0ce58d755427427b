// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package topology

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// document is the on-disk layout of the topology file.
type document struct {
	Groups []Group `yaml:"groups"`
}

// FileStore keeps the topology in a YAML file.
type FileStore struct {
	fs   afero.Fs
	path string
}

// NewFileStore returns a file store for path on fsys.
func NewFileStore(fsys afero.Fs, path string) *FileStore {
	return &FileStore{fs: fsys, path: filepath.Clean(path)}
}

// Path returns the file the store reads and writes.
func (f *FileStore) Path() string {
	return f.path
}

// Load reads and validates the topology. A missing file is an empty topology.
func (f *FileStore) Load() ([]Group, error) {
	data, err := afero.ReadFile(f.fs, f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read topology file: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse topology file %s: %w", f.path, err)
	}
	if err := Validate(doc.Groups); err != nil {
		return nil, fmt.Errorf("invalid topology file %s: %w", f.path, err)
	}
	for i := range doc.Groups {
		if doc.Groups[i].RemoteAddress == 0 {
			doc.Groups[i].RemoteAddress = doc.Groups[i].ID
		}
	}
	return Clone(doc.Groups), nil
}

// Save writes groups next to the target and renames the result over it, so a
// reader never sees a half-written file.
func (f *FileStore) Save(groups []Group) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(document{Groups: groups}); err != nil {
		return fmt.Errorf("failed to encode topology: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to encode topology: %w", err)
	}

	if dir := filepath.Dir(f.path); dir != "." {
		if err := f.fs.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	tmp := f.path + ".tmp"
	if err := afero.WriteFile(f.fs, tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write topology file: %w", err)
	}
	if err := f.fs.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace topology file: %w", err)
	}
	return nil
}
