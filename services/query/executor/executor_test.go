// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/intentql/intentql/services/query/catalog"
	"github.com/intentql/intentql/services/query/envpool"
	"github.com/intentql/intentql/services/query/qerr"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeRows struct {
	cols   []string
	data   [][]any
	pos    int
	retErr error
	closed bool
}

func (r *fakeRows) Close()                       { r.closed = true }
func (r *fakeRows) Err() error                   { return r.retErr }
func (r *fakeRows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription {
	out := make([]pgconn.FieldDescription, len(r.cols))
	for i, c := range r.cols {
		out[i] = pgconn.FieldDescription{Name: c}
	}
	return out
}
func (r *fakeRows) Next() bool {
	if r.pos >= len(r.data) {
		return false
	}
	r.pos++
	return true
}
func (r *fakeRows) Scan(dest ...any) error   { return nil }
func (r *fakeRows) Values() ([]any, error)   { return r.data[r.pos-1], nil }
func (r *fakeRows) RawValues() [][]byte      { return nil }
func (r *fakeRows) Conn() *pgx.Conn          { return nil }

type fakeConn struct {
	rows     pgx.Rows
	queryErr error
	gotSQL   string
	gotArgs  []any
	released bool
}

func (c *fakeConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	c.gotSQL = sql
	c.gotArgs = args
	if c.queryErr != nil {
		return nil, c.queryErr
	}
	return c.rows, nil
}

func (c *fakeConn) Release() { c.released = true }

type fakeSource struct {
	conn       *fakeConn
	acquireErr error
}

func (s *fakeSource) Acquire(ctx context.Context, env *envpool.Environment) (envpool.Conn, error) {
	if s.acquireErr != nil {
		return nil, s.acquireErr
	}
	return s.conn, nil
}

// =============================================================================
// Fixtures
// =============================================================================

func hiresTemplate() *catalog.TemplateEntry {
	return &catalog.TemplateEntry{
		Name: "employee_hires_by_year",
		SQL:  "SELECT full_name FROM employees WHERE EXTRACT(YEAR FROM hire_date) = @year",
		Params: []catalog.ParamSpec{
			{Name: "year", Type: catalog.TypeInteger, Required: true},
			{Name: "department", Type: catalog.TypeString, Required: false},
		},
	}
}

func devEnv() *envpool.Environment {
	return &envpool.Environment{Name: "DEV", MaxConns: 1, AcquireTimeout: time.Second}
}

// =============================================================================
// Tests
// =============================================================================

func TestExecuteMapsRows(t *testing.T) {
	conn := &fakeConn{rows: &fakeRows{
		cols: []string{"full_name", "department"},
		data: [][]any{
			{"Ada Lovelace", "ENG"},
			{"Grace Hopper", "ENG"},
		},
	}}
	exec := New(&fakeSource{conn: conn}, nil)

	result, err := exec.Execute(context.Background(), devEnv(), hiresTemplate(),
		map[string]any{"year": 2023})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if result.RowCount != 2 || len(result.Records) != 2 {
		t.Fatalf("RowCount = %d, Records = %d, want 2", result.RowCount, len(result.Records))
	}
	if result.Columns[0] != "full_name" || result.Columns[1] != "department" {
		t.Errorf("Columns = %v", result.Columns)
	}
	if result.Records[0]["full_name"] != "Ada Lovelace" {
		t.Errorf("Records[0] = %v", result.Records[0])
	}
	if !conn.released {
		t.Error("connection must be released after success")
	}
}

func TestExecuteBindsNamedArgs(t *testing.T) {
	conn := &fakeConn{rows: &fakeRows{cols: []string{"full_name"}}}
	exec := New(&fakeSource{conn: conn}, nil)

	_, err := exec.Execute(context.Background(), devEnv(), hiresTemplate(),
		map[string]any{"year": "2023"})
	if err != nil {
		t.Fatal(err)
	}

	if len(conn.gotArgs) != 1 {
		t.Fatalf("gotArgs = %v, want a single NamedArgs", conn.gotArgs)
	}
	named, ok := conn.gotArgs[0].(pgx.NamedArgs)
	if !ok {
		t.Fatalf("args[0] is %T, want pgx.NamedArgs", conn.gotArgs[0])
	}
	if named["year"] != int64(2023) {
		t.Errorf("year bound as %v (%T), want int64 2023", named["year"], named["year"])
	}
	if dept, present := named["department"]; !present || dept != nil {
		t.Errorf("optional department should bind as NULL, got %v (present=%v)", dept, present)
	}
}

func TestExecuteRejectsUndeclaredParam(t *testing.T) {
	conn := &fakeConn{rows: &fakeRows{}}
	exec := New(&fakeSource{conn: conn}, nil)

	_, err := exec.Execute(context.Background(), devEnv(), hiresTemplate(),
		map[string]any{"year": 2023, "bogus": "x"})
	if !qerr.IsKind(err, qerr.KindParameterMismatch) {
		t.Fatalf("kind = %v, want parameter_mismatch", qerr.KindOf(err))
	}

	var qe *qerr.E
	errors.As(err, &qe)
	if len(qe.Params) != 1 || qe.Params[0] != "bogus" {
		t.Errorf("Params = %v, want [bogus]", qe.Params)
	}
	if conn.gotSQL != "" {
		t.Error("mismatched parameters must never reach the database")
	}
}

func TestExecuteRejectsMissingRequired(t *testing.T) {
	exec := New(&fakeSource{conn: &fakeConn{rows: &fakeRows{}}}, nil)

	_, err := exec.Execute(context.Background(), devEnv(), hiresTemplate(), map[string]any{})
	if !qerr.IsKind(err, qerr.KindParameterMismatch) {
		t.Errorf("kind = %v, want parameter_mismatch", qerr.KindOf(err))
	}
}

func TestExecuteRejectsUncoercibleValue(t *testing.T) {
	exec := New(&fakeSource{conn: &fakeConn{rows: &fakeRows{}}}, nil)

	_, err := exec.Execute(context.Background(), devEnv(), hiresTemplate(),
		map[string]any{"year": "twenty-twenty-three"})
	if !qerr.IsKind(err, qerr.KindParameterMismatch) {
		t.Errorf("kind = %v, want parameter_mismatch", qerr.KindOf(err))
	}
}

func TestExecuteClassifiesDatabaseError(t *testing.T) {
	conn := &fakeConn{queryErr: &pgconn.PgError{Code: "42P01", Message: "relation does not exist"}}
	exec := New(&fakeSource{conn: conn}, nil)

	_, err := exec.Execute(context.Background(), devEnv(), hiresTemplate(),
		map[string]any{"year": 2023})
	if !qerr.IsKind(err, qerr.KindDatabaseError) {
		t.Fatalf("kind = %v, want database_error", qerr.KindOf(err))
	}

	var qe *qerr.E
	errors.As(err, &qe)
	if qe.Environment != "DEV" || qe.Template != "employee_hires_by_year" {
		t.Errorf("error context = %q/%q, want DEV/employee_hires_by_year", qe.Environment, qe.Template)
	}
	if !conn.released {
		t.Error("connection must be released after a query failure")
	}
}

func TestExecuteClassifiesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	conn := &fakeConn{queryErr: context.Canceled}
	exec := New(&fakeSource{conn: conn}, nil)

	cancel()
	_, err := exec.Execute(ctx, devEnv(), hiresTemplate(), map[string]any{"year": 2023})
	if !qerr.IsKind(err, qerr.KindCancelled) {
		t.Errorf("kind = %v, want cancelled", qerr.KindOf(err))
	}
}

func TestExecutePropagatesAcquireError(t *testing.T) {
	want := qerr.New(qerr.KindPoolExhausted, "no connection")
	exec := New(&fakeSource{acquireErr: want}, nil)

	_, err := exec.Execute(context.Background(), devEnv(), hiresTemplate(),
		map[string]any{"year": 2023})
	if !qerr.IsKind(err, qerr.KindPoolExhausted) {
		t.Errorf("kind = %v, want pool_exhausted", qerr.KindOf(err))
	}
}

func TestExecuteDateNormalization(t *testing.T) {
	tmpl := &catalog.TemplateEntry{
		Name: "orders_since_date",
		SQL:  "SELECT order_id FROM orders WHERE placed_at >= @since",
		Params: []catalog.ParamSpec{
			{Name: "since", Type: catalog.TypeDate, Required: true},
		},
	}
	conn := &fakeConn{rows: &fakeRows{cols: []string{"order_id"}}}
	exec := New(&fakeSource{conn: conn}, nil)

	_, err := exec.Execute(context.Background(), devEnv(), tmpl,
		map[string]any{"since": "2024-03-01"})
	if err != nil {
		t.Fatal(err)
	}

	named := conn.gotArgs[0].(pgx.NamedArgs)
	since, ok := named["since"].(time.Time)
	if !ok || !since.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("since bound as %v, want 2024-03-01 time.Time", named["since"])
	}
}
