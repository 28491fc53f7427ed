// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package query

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

// AuditEvent records one resolution attempt, successful or not. Parameter
// values are excluded; only names are recorded.
type AuditEvent struct {
	RequestID   string
	SessionID   string
	Environment string
	Template    string
	ParamNames  []string
	Outcome     string
	RowCount    int
	Duration    time.Duration
}

// AuditSink receives one event per run attempt.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type AuditSink interface {
	RecordQuery(ctx context.Context, event AuditEvent)
}

// SlogAuditSink writes audit events to structured logs at Info level.
type SlogAuditSink struct {
	logger *slog.Logger
}

// NewSlogAuditSink creates a sink writing to logger.
func NewSlogAuditSink(logger *slog.Logger) *SlogAuditSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditSink{logger: logger}
}

// RecordQuery logs the event.
func (s *SlogAuditSink) RecordQuery(ctx context.Context, event AuditEvent) {
	names := make([]string, len(event.ParamNames))
	copy(names, event.ParamNames)
	sort.Strings(names)

	s.logger.InfoContext(ctx, "query audit",
		slog.String("request_id", event.RequestID),
		slog.String("session_id", event.SessionID),
		slog.String("environment", event.Environment),
		slog.String("template", event.Template),
		slog.Any("param_names", names),
		slog.String("outcome", event.Outcome),
		slog.Int("rows", event.RowCount),
		slog.Duration("duration", event.Duration),
	)
}
