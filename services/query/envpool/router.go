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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/intentql/intentql/services/query/qerr"
)

// =============================================================================
// Metrics
// =============================================================================

var (
	acquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intentql_envpool_acquire_total",
			Help: "Connection acquisitions by environment and outcome",
		},
		[]string{"environment", "outcome"},
	)

	openPools = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "intentql_envpool_open_pools",
			Help: "Number of environment pools currently open",
		},
	)
)

// =============================================================================
// Router
// =============================================================================

// Conn is one leased database connection. Callers must Release it exactly
// once, on every path.
type Conn interface {
	// Query runs a parameterized query on the leased connection.
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)

	// Release returns the connection to its pool.
	Release()
}

// Pool abstracts a per-environment pool so tests can substitute fakes.
type Pool interface {
	Acquire(ctx context.Context) (Conn, error)
	Close()
}

// PoolOpener constructs the pool for one environment. The production opener
// builds a pgxpool from the environment's DSN; tests inject fakes.
type PoolOpener func(ctx context.Context, env *Environment) (Pool, error)

// Router owns one lazily created connection pool per environment.
//
// # Description
//
// Pools are created on an environment's first acquisition and reused for the
// process lifetime. A connection leased for one environment can never serve
// another: each pool is keyed by canonical environment name and built from
// that environment's DSN alone.
//
// # Thread Safety
//
// Safe for concurrent use.
type Router struct {
	mu     sync.Mutex
	pools  map[string]Pool
	opener PoolOpener
	logger *slog.Logger
	closed bool
}

// NewRouter creates a Router with the production pgxpool opener.
func NewRouter(logger *slog.Logger) *Router {
	return NewRouterWithOpener(logger, openPgxPool)
}

// NewRouterWithOpener creates a Router with a custom pool opener. Used by
// tests to avoid real database connections.
func NewRouterWithOpener(logger *slog.Logger, opener PoolOpener) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		pools:  make(map[string]Pool),
		opener: opener,
		logger: logger,
	}
}

// Acquire leases a connection from env's pool, creating the pool on first
// use. The wait for a free connection is bounded by env.AcquireTimeout.
//
// # Outputs
//
//   - Conn: Leased connection. The caller must Release it.
//   - error: qerr.KindPoolExhausted when the acquire timeout elapses,
//     qerr.KindCancelled when the caller's context ends first, and
//     qerr.KindConnectionFailure for dial or pool construction failures.
func (r *Router) Acquire(ctx context.Context, env *Environment) (Conn, error) {
	pool, err := r.poolFor(ctx, env)
	if err != nil {
		acquireTotal.WithLabelValues(env.Name, "connect_error").Inc()
		return nil, err
	}

	acquireCtx, cancel := context.WithTimeout(ctx, env.AcquireTimeout)
	defer cancel()

	conn, err := pool.Acquire(acquireCtx)
	if err != nil {
		// The deadline on acquireCtx is ours; a deadline hit means the
		// pool had no free connection within the budget. The caller's
		// own cancellation takes priority when both apply.
		if ctx.Err() != nil {
			acquireTotal.WithLabelValues(env.Name, "cancelled").Inc()
			return nil, qerr.Wrap(qerr.KindCancelled, "request cancelled while waiting for connection", ctx.Err()).
				WithEnvironment(env.Name)
		}
		if errors.Is(acquireCtx.Err(), context.DeadlineExceeded) {
			acquireTotal.WithLabelValues(env.Name, "exhausted").Inc()
			r.logger.Warn("connection pool exhausted",
				slog.String("environment", env.Name),
				slog.Duration("acquire_timeout", env.AcquireTimeout),
			)
			return nil, qerr.Newf(qerr.KindPoolExhausted,
				"no connection available for %s within %s", env.Name, env.AcquireTimeout).
				WithEnvironment(env.Name)
		}
		acquireTotal.WithLabelValues(env.Name, "connect_error").Inc()
		return nil, qerr.Wrap(qerr.KindConnectionFailure, "acquiring connection", err).
			WithEnvironment(env.Name)
	}

	acquireTotal.WithLabelValues(env.Name, "ok").Inc()
	return conn, nil
}

// poolFor returns env's pool, creating it under the router lock on first use.
func (r *Router) poolFor(ctx context.Context, env *Environment) (Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, qerr.New(qerr.KindConnectionFailure, "router is closed").WithEnvironment(env.Name)
	}
	if pool, ok := r.pools[env.Name]; ok {
		return pool, nil
	}

	r.logger.Info("opening environment pool",
		slog.String("environment", env.Name),
		slog.Int("max_conns", int(env.MaxConns)),
	)
	pool, err := r.opener(ctx, env)
	if err != nil {
		return nil, qerr.Wrap(qerr.KindConnectionFailure,
			fmt.Sprintf("opening pool for %s", env.Name), err).
			WithEnvironment(env.Name)
	}
	r.pools[env.Name] = pool
	openPools.Set(float64(len(r.pools)))
	return pool, nil
}

// Close closes every open pool. The router rejects acquisitions afterwards.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for name, pool := range r.pools {
		pool.Close()
		delete(r.pools, name)
	}
	openPools.Set(0)
}

// OpenEnvironments returns the names of environments with a live pool.
func (r *Router) OpenEnvironments() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.pools))
	for name := range r.pools {
		out = append(out, name)
	}
	return out
}

// =============================================================================
// Production pgxpool opener
// =============================================================================

// pgxConnPool adapts *pgxpool.Pool to the Pool interface.
type pgxConnPool struct {
	pool *pgxpool.Pool
}

func (p *pgxConnPool) Acquire(ctx context.Context) (Conn, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (p *pgxConnPool) Close() { p.pool.Close() }

// openPgxPool builds a pgxpool for env from its DSN. The pool is configured
// but not pre-dialed; connections open on demand.
func openPgxPool(ctx context.Context, env *Environment) (Pool, error) {
	dsn, err := env.DSN()
	if err != nil {
		return nil, err
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing pool config: %w", err)
	}
	cfg.MinConns = env.MinConns
	cfg.MaxConns = env.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	return &pgxConnPool{pool: pool}, nil
}
