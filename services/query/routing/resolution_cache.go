// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

// =============================================================================
// ResolutionCache: Match Decision Persistence
// =============================================================================
//
// Match decisions are cheap individually but the same phrasings recur
// constantly ("show me this month's orders" from a dashboard refresh), and
// the decision for a given text is fully determined by the catalog corpus
// and the matcher configuration. This cache memoizes decisions in BadgerDB
// between requests and across restarts.
//
// Design choices:
//
//	1. BadgerDB: embedded, no network dependency, ~100µs access. Match
//	   decisions are service infrastructure, not user data.
//
//	2. Catalog hash in the key: any catalog edit changes the hash, making
//	   every previous entry unreachable. No explicit invalidation API;
//	   stale entries age out via TTL.
//
//	3. BadgerDB native TTL: expiry is enforced by Badger's GC. Expired keys
//	   return ErrKeyNotFound, which the cache treats as a miss.
//
//	4. Session-biased decisions are NOT cached: a decision that depended on
//	   the tie-break is specific to one session's history. Callers only
//	   cache results where the winner was unambiguous.
//
// Storage layout:
//
//	query/match/v1/{catalogHash}/{sha256(normalized text)} → gob(MatchResult)

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
)

// resolutionCacheDefaultTTL is the default lifetime of a cached decision.
const resolutionCacheDefaultTTL = 24 * time.Hour

// resolutionCacheKeyPrefix is versioned to allow format changes without
// collision.
const resolutionCacheKeyPrefix = "query/match/v1/"

// errCacheMiss distinguishes "key not found" from a genuine storage error.
var errCacheMiss = errors.New("cache miss")

// ResolutionCache memoizes match decisions across requests and restarts.
//
// # Description
//
// Both methods are nil-safe at the call sites: the service checks for a nil
// ResolutionCache and skips memoization, which is the correct behavior for
// tests and for deployments without a cache directory.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type ResolutionCache interface {
	// LoadDecision retrieves a cached match decision.
	//
	// Returns (nil, nil) on cache miss (key absent or TTL expired).
	// Returns (nil, error) on storage failure.
	LoadDecision(ctx context.Context, catalogHash, normText string) (*MatchResult, error)

	// SaveDecision persists a match decision with the cache's TTL.
	//
	// A save failure is non-fatal; the caller logs it and continues.
	SaveDecision(ctx context.Context, catalogHash, normText string, result MatchResult) error
}

// BadgerResolutionCache implements ResolutionCache over a BadgerDB opened at
// startup. The cache does not own the DB lifecycle; the caller closes it.
//
// # Thread Safety
//
// Safe for concurrent use. BadgerDB transactions are per-goroutine.
type BadgerResolutionCache struct {
	db     *dgbadger.DB
	ttl    time.Duration
	logger *slog.Logger
}

// OpenBadgerResolutionCache opens (or creates) the cache DB at dir.
//
// # Inputs
//
//   - dir: Directory for the Badger value log and LSM tree.
//   - ttl: Lifetime for each cached entry. Pass 0 for the default (24h).
//   - logger: Logger for hit/miss diagnostics. May be nil.
//
// # Outputs
//
//   - *BadgerResolutionCache: Ready-to-use cache. Never nil on success.
//   - error: Non-nil if the DB cannot be opened.
func OpenBadgerResolutionCache(dir string, ttl time.Duration, logger *slog.Logger) (*BadgerResolutionCache, error) {
	if ttl <= 0 {
		ttl = resolutionCacheDefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := dgbadger.DefaultOptions(dir).WithLogger(nil)
	db, err := dgbadger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("resolution cache: opening badger at %s: %w", dir, err)
	}
	return &BadgerResolutionCache{db: db, ttl: ttl, logger: logger}, nil
}

// Close closes the underlying BadgerDB.
func (c *BadgerResolutionCache) Close() error { return c.db.Close() }

// LoadDecision retrieves a cached match decision.
//
// # Thread Safety
//
// Safe for concurrent use.
func (c *BadgerResolutionCache) LoadDecision(ctx context.Context, catalogHash, normText string) (*MatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := resolutionCacheKey(catalogHash, normText)

	var raw []byte
	err := c.db.View(func(txn *dgbadger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return errCacheMiss
		}
		if err != nil {
			return fmt.Errorf("get cache key: %w", err)
		}
		raw, err = item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("copy value: %w", err)
		}
		return nil
	})

	if errors.Is(err, errCacheMiss) {
		c.logger.Debug("resolution cache: miss", slog.String("hash", shortCacheHash(catalogHash)))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolution cache load: %w", err)
	}

	var result MatchResult
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&result); err != nil {
		return nil, fmt.Errorf("resolution cache decode: %w", err)
	}

	c.logger.Debug("resolution cache: hit",
		slog.String("hash", shortCacheHash(catalogHash)),
		slog.String("template", result.Template),
	)
	return &result, nil
}

// SaveDecision persists a match decision with the cache TTL.
//
// # Thread Safety
//
// Safe for concurrent use.
func (c *BadgerResolutionCache) SaveDecision(ctx context.Context, catalogHash, normText string, result MatchResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(result); err != nil {
		return fmt.Errorf("resolution cache encode: %w", err)
	}

	key := resolutionCacheKey(catalogHash, normText)
	err := c.db.Update(func(txn *dgbadger.Txn) error {
		entry := dgbadger.NewEntry(key, buf.Bytes()).WithTTL(c.ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("resolution cache save: %w", err)
	}

	c.logger.Debug("resolution cache: saved",
		slog.String("hash", shortCacheHash(catalogHash)),
		slog.String("template", result.Template),
		slog.Duration("ttl", c.ttl),
	)
	return nil
}

// resolutionCacheKey builds the BadgerDB key for one (catalog, text) pair.
func resolutionCacheKey(catalogHash, normText string) []byte {
	textDigest := sha256.Sum256([]byte(normText))
	return []byte(resolutionCacheKeyPrefix + catalogHash + "/" + hex.EncodeToString(textDigest[:]))
}

// shortCacheHash returns the first 8 characters of a hash for log display.
func shortCacheHash(h string) string {
	if len(h) > 8 {
		return h[:8] + "..."
	}
	return h
}
