// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session keeps a bounded per-session history of resolved requests.
//
// The history serves two purposes during resolution: it biases intent matching
// toward templates the session used recently, and it backfills parameters the
// current request omits ("same thing but for 2024" keeps the region from the
// previous turn). Each session holds at most a fixed number of entries; older
// entries are evicted FIFO.
package session

import (
	"sort"
	"sync"
	"time"
)

// DefaultMaxEntries is the per-session history bound when the caller passes 0.
const DefaultMaxEntries = 10

// Entry is one successfully resolved request recorded into a session.
type Entry struct {
	// Template is the catalog template name the request resolved to.
	Template string `json:"template"`

	// Params holds the fully resolved parameter set, including nil values
	// for optional parameters that were never supplied.
	Params map[string]any `json:"params"`

	// Environment is the environment the query ran against.
	Environment string `json:"environment"`

	// At is the wall-clock time the entry was recorded.
	At time.Time `json:"at"`
}

// session holds one session's bounded history behind its own lock, so that
// concurrent requests on the same session serialize without contending with
// other sessions.
type session struct {
	mu      sync.Mutex
	entries []Entry
}

// Store is an in-memory, bounded, per-session history store.
//
// # Description
//
// Sessions are created implicitly on first Record or Touch. There is no
// cross-session state: entries recorded under one session ID are never
// visible to another.
//
// # Thread Safety
//
// Safe for concurrent use. The outer RWMutex guards the session map; each
// session's entry slice is guarded by its own mutex.
type Store struct {
	mu         sync.RWMutex
	sessions   map[string]*session
	maxEntries int
	now        func() time.Time
}

// NewStore creates a Store bounding each session to maxEntries history
// entries. Passing maxEntries <= 0 selects DefaultMaxEntries.
func NewStore(maxEntries int) *Store {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Store{
		sessions:   make(map[string]*session),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// get returns the session for id, creating it if needed.
func (s *Store) get(id string) *session {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok = s.sessions[id]; ok {
		return sess
	}
	sess = &session{}
	s.sessions[id] = sess
	return sess
}

// Record appends a resolved request to the session's history, evicting the
// oldest entry when the session is at capacity.
//
// # Inputs
//
//   - id: Session identifier. Created implicitly if unseen.
//   - template: Catalog template name the request resolved to.
//   - params: Resolved parameter set. Copied; the caller's map is not retained.
//   - environment: Environment the query executed against.
func (s *Store) Record(id, template string, params map[string]any, environment string) {
	paramsCopy := make(map[string]any, len(params))
	for k, v := range params {
		paramsCopy[k] = v
	}
	entry := Entry{
		Template:    template,
		Params:      paramsCopy,
		Environment: environment,
		At:          s.now(),
	}

	sess := s.get(id)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.entries = append(sess.entries, entry)
	if len(sess.entries) > s.maxEntries {
		// FIFO eviction. Copy down rather than re-slice so the evicted
		// entry's maps become collectable.
		over := len(sess.entries) - s.maxEntries
		copy(sess.entries, sess.entries[over:])
		for i := s.maxEntries; i < len(sess.entries); i++ {
			sess.entries[i] = Entry{}
		}
		sess.entries = sess.entries[:s.maxEntries]
	}
}

// History returns the session's entries, oldest first. Unknown sessions
// return an empty slice. The returned slice is a copy.
func (s *Store) History(id string) []Entry {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return []Entry{}
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := make([]Entry, len(sess.entries))
	copy(out, sess.entries)
	return out
}

// RecentTemplates returns the distinct template names in the session's
// history, most recent first. Used to bias intent matching toward templates
// the session has already used.
func (s *Store) RecentTemplates(id string) []string {
	entries := s.History(id)
	seen := make(map[string]struct{}, len(entries))
	out := make([]string, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		name := entries[i].Template
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// RecentParams returns the parameter sets in the session's history, most
// recent first, for parameter backfill during extraction.
func (s *Store) RecentParams(id string) []map[string]any {
	entries := s.History(id)
	out := make([]map[string]any, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i].Params)
	}
	return out
}

// Clear removes a session and all its history. Clearing an unknown session
// is a no-op.
func (s *Store) Clear(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// SessionIDs returns the known session identifiers, sorted.
func (s *Store) SessionIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
