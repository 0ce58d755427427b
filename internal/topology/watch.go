// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package topology

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the topology into store whenever the file behind file
// changes on the local filesystem. It blocks until ctx is done.
//
// The parent directory is watched so that editors which replace the file by
// rename are noticed. A reload that yields the current topology is ignored,
// which also absorbs the events caused by the store's own writes.
func Watch(ctx context.Context, file *FileStore, store *Store) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create topology watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(file.Path())
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	slog.Info("watching topology file", "path", file.Path())

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("topology watcher error", "err", err)
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != file.Path() {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			reload(file, store)
		}
	}
}

func reload(file *FileStore, store *Store) {
	groups, err := file.Load()
	if err != nil {
		slog.Warn("keeping current topology", "path", file.Path(), "err", err)
		return
	}
	if reflect.DeepEqual(groups, store.Snapshot()) {
		return
	}
	if err := store.Replace(groups); err != nil {
		slog.Warn("rejected topology reload", "path", file.Path(), "err", err)
		return
	}
	slog.Info("topology reloaded", "path", file.Path(), "groups", len(groups))
}
