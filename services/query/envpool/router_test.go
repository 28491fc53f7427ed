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
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/intentql/intentql/services/query/qerr"
)

type stubConn struct {
	env      string
	released atomic.Bool
}

func (c *stubConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("stub conn has no rows")
}

func (c *stubConn) Release() { c.released.Store(true) }

// stubPool hands out a connection per token in slots; Acquire blocks until
// a slot is free or the context ends.
type stubPool struct {
	env    string
	slots  chan struct{}
	closed atomic.Bool
}

func newStubPool(env string, capacity int) *stubPool {
	p := &stubPool{env: env, slots: make(chan struct{}, capacity)}
	for i := 0; i < capacity; i++ {
		p.slots <- struct{}{}
	}
	return p
}

func (p *stubPool) Acquire(ctx context.Context) (Conn, error) {
	select {
	case <-p.slots:
		return &stubConn{env: p.env}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *stubPool) Close() { p.closed.Store(true) }

func testEnv(name string, timeout time.Duration) *Environment {
	return &Environment{Name: name, MaxConns: 1, AcquireTimeout: timeout}
}

func TestRouterLazyPoolCreation(t *testing.T) {
	var opens atomic.Int32
	router := NewRouterWithOpener(nil, func(ctx context.Context, env *Environment) (Pool, error) {
		opens.Add(1)
		return newStubPool(env.Name, 2), nil
	})
	defer router.Close()

	env := testEnv("DEV", time.Second)
	for i := 0; i < 2; i++ {
		conn, err := router.Acquire(context.Background(), env)
		if err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		conn.Release()
	}

	if got := opens.Load(); got != 1 {
		t.Errorf("pool opened %d times, want 1 (lazy, reused)", got)
	}
}

func TestRouterEnvironmentIsolation(t *testing.T) {
	pools := make(map[string]*stubPool)
	router := NewRouterWithOpener(nil, func(ctx context.Context, env *Environment) (Pool, error) {
		p := newStubPool(env.Name, 1)
		pools[env.Name] = p
		return p, nil
	})
	defer router.Close()

	devConn, err := router.Acquire(context.Background(), testEnv("DEV", time.Second))
	if err != nil {
		t.Fatal(err)
	}
	uatConn, err := router.Acquire(context.Background(), testEnv("UAT", time.Second))
	if err != nil {
		t.Fatal(err)
	}

	if devConn.(*stubConn).env != "DEV" || uatConn.(*stubConn).env != "UAT" {
		t.Error("connections must come from their own environment's pool")
	}
	if len(pools) != 2 {
		t.Errorf("expected one pool per environment, got %d", len(pools))
	}
}

func TestRouterPoolExhausted(t *testing.T) {
	router := NewRouterWithOpener(nil, func(ctx context.Context, env *Environment) (Pool, error) {
		return newStubPool(env.Name, 1), nil
	})
	defer router.Close()

	env := testEnv("DEV", 30*time.Millisecond)

	// Hold the only connection, then try again.
	held, err := router.Acquire(context.Background(), env)
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release()

	_, err = router.Acquire(context.Background(), env)
	if !qerr.IsKind(err, qerr.KindPoolExhausted) {
		t.Errorf("kind = %v, want pool_exhausted (err: %v)", qerr.KindOf(err), err)
	}
}

func TestRouterCallerCancellation(t *testing.T) {
	router := NewRouterWithOpener(nil, func(ctx context.Context, env *Environment) (Pool, error) {
		return newStubPool(env.Name, 1), nil
	})
	defer router.Close()

	env := testEnv("DEV", time.Second)
	held, err := router.Acquire(context.Background(), env)
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = router.Acquire(ctx, env)
	if !qerr.IsKind(err, qerr.KindCancelled) {
		t.Errorf("kind = %v, want cancelled", qerr.KindOf(err))
	}
}

func TestRouterOpenerFailure(t *testing.T) {
	router := NewRouterWithOpener(nil, func(ctx context.Context, env *Environment) (Pool, error) {
		return nil, errors.New("dial refused")
	})
	defer router.Close()

	_, err := router.Acquire(context.Background(), testEnv("DEV", time.Second))
	if !qerr.IsKind(err, qerr.KindConnectionFailure) {
		t.Errorf("kind = %v, want connection_failure", qerr.KindOf(err))
	}
}

func TestRouterClose(t *testing.T) {
	pool := newStubPool("DEV", 1)
	router := NewRouterWithOpener(nil, func(ctx context.Context, env *Environment) (Pool, error) {
		return pool, nil
	})

	conn, err := router.Acquire(context.Background(), testEnv("DEV", time.Second))
	if err != nil {
		t.Fatal(err)
	}
	conn.Release()

	router.Close()
	if !pool.closed.Load() {
		t.Error("Close should close open pools")
	}

	if _, err := router.Acquire(context.Background(), testEnv("DEV", time.Second)); err == nil {
		t.Error("Acquire after Close should fail")
	}
	router.Close() // idempotent
}
