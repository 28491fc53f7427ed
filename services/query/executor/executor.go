// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package executor runs catalog templates against environment pools.
//
// The executor is the only component that touches SQL, and it only ever runs
// catalog template text with named-parameter binding. Request-derived values
// travel exclusively as bound parameters; nothing from a request is ever
// interpolated into statement text.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/intentql/intentql/services/query/catalog"
	"github.com/intentql/intentql/services/query/envpool"
	"github.com/intentql/intentql/services/query/qerr"
)

// =============================================================================
// Metrics
// =============================================================================

var (
	queriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intentql_executor_queries_total",
			Help: "Template executions by environment, template, and outcome",
		},
		[]string{"environment", "template", "outcome"},
	)

	queryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "intentql_executor_query_duration_seconds",
			Help:    "Wall-clock duration of template executions",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"environment", "template"},
	)
)

var tracer = otel.Tracer("intentql.query.executor")

// =============================================================================
// Executor
// =============================================================================

// ConnSource leases connections for an environment. Satisfied by
// *envpool.Router; tests substitute fakes.
type ConnSource interface {
	Acquire(ctx context.Context, env *envpool.Environment) (envpool.Conn, error)
}

// Result is the outcome of one successful template execution.
type Result struct {
	// Columns holds the result column names in select-list order.
	Columns []string `json:"columns"`

	// Records holds one map per row, keyed by column name.
	Records []map[string]any `json:"records"`

	// RowCount is len(Records), carried separately for transport clients.
	RowCount int `json:"rowCount"`

	// Duration is the wall-clock execution time.
	Duration time.Duration `json:"-"`
}

// Executor validates parameter sets against template schemas and runs the
// bound statements on pooled connections.
//
// # Thread Safety
//
// Safe for concurrent use.
type Executor struct {
	source ConnSource
	logger *slog.Logger
}

// New creates an Executor leasing connections from source.
func New(source ConnSource, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{source: source, logger: logger}
}

// Execute runs tmpl against env with the given parameter set.
//
// # Description
//
// The parameter set must carry exactly the template's declared parameter
// names; optional parameters that were never supplied appear with nil values
// and bind as NULL. Values are normalized to their declared types before
// binding, and a value that cannot be normalized fails the whole request
// without touching the database.
//
// The leased connection is released on every path, including panics during
// row mapping.
//
// # Outputs
//
//   - *Result: Column names and row maps. Never nil on success.
//   - error: qerr kinds ParameterMismatch, PoolExhausted, ConnectionFailure,
//     DatabaseError, or Cancelled.
func (e *Executor) Execute(ctx context.Context, env *envpool.Environment, tmpl *catalog.TemplateEntry, params map[string]any) (*Result, error) {
	ctx, span := tracer.Start(ctx, "executor.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("query.environment", env.Name),
		attribute.String("query.template", tmpl.Name),
	)

	bound, err := normalizeParams(tmpl, params)
	if err != nil {
		span.SetStatus(codes.Error, "parameter mismatch")
		queriesTotal.WithLabelValues(env.Name, tmpl.Name, "parameter_mismatch").Inc()
		return nil, err
	}

	conn, err := e.source.Acquire(ctx, env)
	if err != nil {
		span.SetStatus(codes.Error, "acquire failed")
		queriesTotal.WithLabelValues(env.Name, tmpl.Name, "acquire_failed").Inc()
		return nil, err
	}
	defer conn.Release()

	start := time.Now()
	rows, err := conn.Query(ctx, tmpl.SQL, pgx.NamedArgs(bound))
	if err != nil {
		return nil, e.classify(ctx, span, env, tmpl, err)
	}

	result, err := collectRows(rows)
	if err != nil {
		return nil, e.classify(ctx, span, env, tmpl, err)
	}
	result.Duration = time.Since(start)

	queriesTotal.WithLabelValues(env.Name, tmpl.Name, "ok").Inc()
	queryDuration.WithLabelValues(env.Name, tmpl.Name).Observe(result.Duration.Seconds())
	span.SetAttributes(attribute.Int("query.rows", result.RowCount))

	// Per-query log volume follows the environment's level hint, so PROD
	// stays quiet while DEV traces every execution.
	e.logger.Log(ctx, env.LogLevel, "template executed",
		slog.String("environment", env.Name),
		slog.String("template", tmpl.Name),
		slog.Int("rows", result.RowCount),
		slog.Duration("duration", result.Duration),
	)
	return result, nil
}

// classify maps a database-layer error to the failure taxonomy and logs it
// with the environment and template. Parameter values are never logged.
func (e *Executor) classify(ctx context.Context, span trace.Span, env *envpool.Environment, tmpl *catalog.TemplateEntry, err error) error {
	if ctx.Err() != nil {
		span.SetStatus(codes.Error, "cancelled")
		queriesTotal.WithLabelValues(env.Name, tmpl.Name, "cancelled").Inc()
		return qerr.Wrap(qerr.KindCancelled, "query cancelled", ctx.Err()).
			WithEnvironment(env.Name).WithTemplate(tmpl.Name)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		e.logger.Error("database error",
			slog.String("environment", env.Name),
			slog.String("template", tmpl.Name),
			slog.String("sqlstate", pgErr.Code),
			slog.String("error", pgErr.Message),
		)
		span.SetStatus(codes.Error, "database error")
		queriesTotal.WithLabelValues(env.Name, tmpl.Name, "database_error").Inc()
		return qerr.Wrap(qerr.KindDatabaseError,
			fmt.Sprintf("executing %s on %s", tmpl.Name, env.Name), err).
			WithEnvironment(env.Name).WithTemplate(tmpl.Name)
	}

	e.logger.Error("query failed",
		slog.String("environment", env.Name),
		slog.String("template", tmpl.Name),
		slog.String("error", err.Error()),
	)
	span.SetStatus(codes.Error, "query failed")
	queriesTotal.WithLabelValues(env.Name, tmpl.Name, "database_error").Inc()
	return qerr.Wrap(qerr.KindDatabaseError,
		fmt.Sprintf("executing %s on %s", tmpl.Name, env.Name), err).
		WithEnvironment(env.Name).WithTemplate(tmpl.Name)
}

// collectRows materializes a pgx result set into column names and row maps.
func collectRows(rows pgx.Rows) (*Result, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, fd := range fields {
		columns[i] = string(fd.Name)
	}

	records := make([]map[string]any, 0, 16)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("reading row values: %w", err)
		}
		record := make(map[string]any, len(columns))
		for i, col := range columns {
			record[col] = values[i]
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return &Result{Columns: columns, Records: records, RowCount: len(records)}, nil
}

// =============================================================================
// Parameter validation
// =============================================================================

// normalizeParams checks params against tmpl's schema and converts values to
// their declared types. The returned map is a fresh copy suitable for
// pgx.NamedArgs.
func normalizeParams(tmpl *catalog.TemplateEntry, params map[string]any) (map[string]any, error) {
	var bad []string

	// Reject keys the schema does not declare.
	for name := range params {
		if _, ok := tmpl.Param(name); !ok {
			bad = append(bad, name)
		}
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return nil, qerr.Newf(qerr.KindParameterMismatch,
			"template %s does not declare parameters: %v", tmpl.Name, bad).
			WithTemplate(tmpl.Name).WithParams(bad...)
	}

	bound := make(map[string]any, len(tmpl.Params))
	for i := range tmpl.Params {
		spec := &tmpl.Params[i]
		raw, present := params[spec.Name]
		if !present || raw == nil {
			if spec.Required {
				bad = append(bad, spec.Name)
				continue
			}
			bound[spec.Name] = nil
			continue
		}
		val, err := normalizeValue(spec, raw)
		if err != nil {
			bad = append(bad, spec.Name)
			continue
		}
		bound[spec.Name] = val
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return nil, qerr.Newf(qerr.KindParameterMismatch,
			"invalid or missing values for template %s: %v", tmpl.Name, bad).
			WithTemplate(tmpl.Name).WithParams(bad...)
	}
	return bound, nil
}

// normalizeValue converts raw to spec's declared type.
func normalizeValue(spec *catalog.ParamSpec, raw any) (any, error) {
	switch spec.Type {
	case catalog.TypeInteger:
		switch v := raw.(type) {
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		case float64:
			if v != math.Trunc(v) {
				return nil, fmt.Errorf("%s: %v is not an integer", spec.Name, v)
			}
			return int64(v), nil
		case string:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%s: %q is not an integer", spec.Name, v)
			}
			return n, nil
		}
	case catalog.TypeDate:
		switch v := raw.(type) {
		case time.Time:
			return v, nil
		case string:
			t, err := time.Parse("2006-01-02", v)
			if err != nil {
				return nil, fmt.Errorf("%s: %q is not an ISO date", spec.Name, v)
			}
			return t, nil
		}
	case catalog.TypeString:
		if v, ok := raw.(string); ok {
			return v, nil
		}
		return fmt.Sprintf("%v", raw), nil
	}
	return nil, fmt.Errorf("%s: unsupported value type %T", spec.Name, raw)
}
