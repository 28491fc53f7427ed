// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the burst of write events editors produce when
// saving a file into a single reload.
const watchDebounce = 250 * time.Millisecond

// Watch reloads the store whenever its source file changes on disk.
//
// # Description
//
// Watches the file's directory (editors replace files by rename, which
// drops a watch on the file itself) and triggers Store.Reload after a
// debounce window. A reload failure is logged and the previous catalog
// keeps serving; the watcher stays alive. Returns when ctx is cancelled.
//
// # Inputs
//
//   - ctx: Cancels the watch loop.
//   - store: The store to reload. Must have a file path.
//
// # Outputs
//
//   - error: Non-nil if the watcher could not be created or the store has
//     no source file. Nil on context cancellation.
func Watch(ctx context.Context, store *Store) error {
	if store.path == "" {
		return fmt.Errorf("catalog: cannot watch a store without a source file")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("catalog: creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(store.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("catalog: watching %s: %w", dir, err)
	}

	target := filepath.Clean(store.path)
	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()
	reload := make(chan struct{}, 1)

	store.logger.Info("catalog watcher started", slog.String("path", store.path))

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(watchDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			if _, err := store.Reload(); err != nil {
				store.logger.Warn("catalog reload failed, previous catalog still serving",
					slog.String("path", store.path),
					slog.String("error", err.Error()),
				)
			}

		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			store.logger.Warn("catalog watcher error", slog.String("error", werr.Error()))
		}
	}
}
