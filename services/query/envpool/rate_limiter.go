// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package envpool

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/intentql/intentql/services/query/qerr"
)

var rateLimitedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "intentql_envpool_rate_limited_total",
		Help: "Requests rejected by the per-environment rate limiter",
	},
	[]string{"environment"},
)

// rateWindow is the sliding window over which per-environment limits apply.
const rateWindow = time.Minute

// RateLimiter enforces a sliding-window per-minute request cap per
// environment. Environments with RatePerMinute == 0 are unlimited.
//
// # Thread Safety
//
// Safe for concurrent use.
type RateLimiter struct {
	mu      sync.Mutex
	history map[string][]time.Time
	now     func() time.Time
}

// NewRateLimiter creates an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		history: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow records a request against env and reports whether it is within the
// environment's per-minute budget.
//
// # Outputs
//
//   - error: qerr.KindRateLimited when the budget is exceeded, nil otherwise.
//     Rejected requests are not recorded, so a burst does not extend its own
//     penalty.
func (l *RateLimiter) Allow(env *Environment) error {
	if env.RatePerMinute <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-rateWindow)

	// Drop timestamps that have slid out of the window.
	timestamps := l.history[env.Name]
	live := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			live = append(live, ts)
		}
	}

	if len(live) >= env.RatePerMinute {
		l.history[env.Name] = live
		rateLimitedTotal.WithLabelValues(env.Name).Inc()
		return qerr.Newf(qerr.KindRateLimited,
			"environment %s is limited to %d requests per minute", env.Name, env.RatePerMinute).
			WithEnvironment(env.Name)
	}

	l.history[env.Name] = append(live, now)
	return nil
}

// Pending returns how many requests are currently counted against env's
// window. Used by diagnostics.
func (l *RateLimiter) Pending(envName string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-rateWindow)
	count := 0
	for _, ts := range l.history[envName] {
		if ts.After(cutoff) {
			count++
		}
	}
	return count
}
