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
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

// Store holds the current catalog behind an atomic pointer.
//
// # Description
//
// Readers call Current and get a consistent, immutable catalog for the whole
// request; a concurrent Reload never mutates a catalog a reader already
// holds. Reload parses and validates the replacement fully before swapping,
// so a broken file leaves the previous catalog serving.
//
// # Thread Safety
//
// Safe for concurrent use. Reads are lock-free; reloads are serialized so
// concurrent refresh calls cannot swap out of order.
type Store struct {
	current atomic.Pointer[Catalog]
	path    string // empty when serving the embedded default only
	logger  *slog.Logger

	// reloadMu serializes Reload. Without it two concurrent reloads race
	// between the hash check and the store, and an older catalog could
	// overwrite a newer one.
	reloadMu sync.Mutex

	// onSwap, when set, runs after every successful swap with the new
	// catalog. Used by the service layer to rebuild the match index.
	onSwap atomic.Pointer[func(*Catalog)]
}

// NewStore creates a Store serving the given initial catalog.
//
// # Inputs
//
//   - initial: The catalog to serve. Must not be nil.
//   - path: Source file for Reload. Empty disables file reloads.
//   - logger: Logger for reload diagnostics. May be nil.
func NewStore(initial *Catalog, path string, logger *slog.Logger) *Store {
	if initial == nil {
		panic("catalog.NewStore: initial catalog must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{path: path, logger: logger}
	s.current.Store(initial)
	return s
}

// OpenStore loads the catalog from path (or the embedded default when path
// is empty) and wraps it in a Store.
func OpenStore(path string, logger *slog.Logger) (*Store, error) {
	var (
		cat *Catalog
		err error
	)
	if path == "" {
		cat, err = LoadDefault()
	} else {
		cat, err = loadFile(path)
	}
	if err != nil {
		return nil, err
	}
	return NewStore(cat, path, logger), nil
}

// Current returns the catalog being served. Never nil.
func (s *Store) Current() *Catalog {
	return s.current.Load()
}

// OnSwap registers a callback invoked after each successful Reload swap.
// Only one callback is supported; later registrations replace earlier ones.
func (s *Store) OnSwap(fn func(*Catalog)) {
	s.onSwap.Store(&fn)
}

// Reload re-reads the source file and atomically swaps in the replacement.
//
// # Description
//
// If the store has no file path, or the file fails to parse or validate,
// the current catalog keeps serving and the error is returned. When the
// replacement has the same corpus hash as the current catalog the swap is
// skipped (idempotent reload).
//
// # Outputs
//
//   - bool: True when a new catalog was swapped in.
//   - error: Non-nil on read, parse, or validation failure.
func (s *Store) Reload() (bool, error) {
	if s.path == "" {
		return false, fmt.Errorf("catalog: store has no source file to reload")
	}
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	next, err := loadFile(s.path)
	if err != nil {
		return false, err
	}

	prev := s.current.Load()
	if prev.Hash() == next.Hash() {
		s.logger.Debug("catalog reload: unchanged", slog.String("hash", shortHash(next.Hash())))
		return false, nil
	}

	s.current.Store(next)
	if fn := s.onSwap.Load(); fn != nil {
		(*fn)(next)
	}
	s.logger.Info("catalog reloaded",
		slog.String("path", s.path),
		slog.Int("templates", next.Len()),
		slog.String("hash", shortHash(next.Hash())),
	)
	return true, nil
}

func loadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: reading %s: %w", path, err)
	}
	return Load(data)
}

// shortHash returns the first 8 characters of a hash for log display.
func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8] + "..."
	}
	return h
}
