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
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/intentql/intentql/services/query/catalog"
	"github.com/intentql/intentql/services/query/config"
	"github.com/intentql/intentql/services/query/envpool"
	"github.com/intentql/intentql/services/query/executor"
	"github.com/intentql/intentql/services/query/qerr"
	"github.com/intentql/intentql/services/query/routing"
	"github.com/intentql/intentql/services/query/session"
)

// =============================================================================
// Metrics
// =============================================================================

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intentql_query_runs_total",
			Help: "Run pipeline attempts by outcome",
		},
		[]string{"outcome"},
	)

	runDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "intentql_query_run_duration_seconds",
			Help:    "End-to-end run pipeline duration",
			Buckets: prometheus.DefBuckets,
		},
	)
)

var tracer = otel.Tracer("intentql.query")

// =============================================================================
// Service
// =============================================================================

// Service is the resolution pipeline: free text in, rows out.
//
// # Description
//
// A run walks five stages: environment resolution, intent matching,
// parameter extraction, execution, and session recording. Any stage can end
// the run with a typed failure; only a fully successful run is recorded into
// session history.
//
// # Thread Safety
//
// Safe for concurrent use. Catalog hot reload swaps the matcher atomically;
// in-flight requests finish against the matcher they started with.
type Service struct {
	cfg      *config.Config
	store    *catalog.Store
	matcher  atomic.Pointer[routing.Matcher]
	registry *envpool.Registry
	router   *envpool.Router
	limiter  *envpool.RateLimiter
	exec     *executor.Executor
	sessions *session.Store
	cache    routing.ResolutionCache
	audit    AuditSink
	logger   *slog.Logger
}

// Options carries the service dependencies. Cache and Audit may be nil;
// a nil cache disables memoization and a nil audit sink falls back to logs.
type Options struct {
	Config   *config.Config
	Store    *catalog.Store
	Registry *envpool.Registry
	Router   *envpool.Router
	Sessions *session.Store
	Executor *executor.Executor
	Cache    routing.ResolutionCache
	Audit    AuditSink
	Logger   *slog.Logger
}

// NewService assembles the pipeline and subscribes to catalog swaps so the
// matcher follows hot reloads.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	audit := opts.Audit
	if audit == nil {
		audit = NewSlogAuditSink(logger)
	}

	s := &Service{
		cfg:      opts.Config,
		store:    opts.Store,
		registry: opts.Registry,
		router:   opts.Router,
		limiter:  envpool.NewRateLimiter(),
		exec:     opts.Executor,
		sessions: opts.Sessions,
		cache:    opts.Cache,
		audit:    audit,
		logger:   logger,
	}
	s.matcher.Store(routing.NewMatcher(opts.Store.Current(), opts.Config.Matcher))
	opts.Store.OnSwap(func(cat *catalog.Catalog) {
		s.matcher.Store(routing.NewMatcher(cat, opts.Config.Matcher))
		logger.Info("matcher rebuilt for new catalog",
			slog.Int("templates", cat.Len()),
		)
	})
	return s
}

// resolveSession applies the default session ID to empty requests.
func (s *Service) resolveSession(id string) string {
	if id == "" {
		return s.cfg.Defaults.SessionID
	}
	return id
}

// resolveEnvironment picks the target environment: the explicit request
// field wins, then an environment token detected in the text, then the
// configured default.
func (s *Service) resolveEnvironment(requested, text string) (*envpool.Environment, error) {
	name := requested
	if name == "" {
		if detected, ok := s.registry.DetectInText(text); ok {
			name = detected
		} else {
			name = s.cfg.Defaults.Environment
		}
	}
	return s.registry.Resolve(name)
}

// Match resolves text to a template without executing anything.
func (s *Service) Match(ctx context.Context, req MatchRequest) (MatchResponse, error) {
	sessionID := s.resolveSession(req.SessionID)
	result, err := s.match(ctx, req.Text, sessionID)
	if err != nil {
		return MatchResponse{}, err
	}
	return MatchResponse{
		Matched:       result.Matched(),
		Template:      result.Template,
		Score:         result.Score,
		MatchedTokens: result.MatchedTokens,
	}, nil
}

// match runs intent matching with cache memoization. Decisions biased by
// session history are never cached; they are specific to one session.
func (s *Service) match(ctx context.Context, text, sessionID string) (routing.MatchResult, error) {
	matcher := s.matcher.Load()
	recent := s.sessions.RecentTemplates(sessionID)
	normText := routing.NormalizeText(text)

	cacheable := s.cache != nil && len(recent) == 0
	if cacheable {
		cached, err := s.cache.LoadDecision(ctx, matcher.CatalogHash(), normText)
		if err != nil {
			s.logger.Warn("resolution cache load failed", slog.String("error", err.Error()))
		} else if cached != nil {
			return *cached, nil
		}
	}

	result, err := matcher.Match(ctx, text, recent)
	if err != nil {
		return routing.MatchResult{}, err
	}

	if cacheable {
		if err := s.cache.SaveDecision(ctx, matcher.CatalogHash(), normText, result); err != nil {
			s.logger.Warn("resolution cache save failed", slog.String("error", err.Error()))
		}
	}
	return result, nil
}

// Run executes the full pipeline for one request.
//
// # Inputs
//
//   - ctx: Cancellation propagates into connection acquisition and query
//     execution.
//   - requestID: Correlates logs and the audit trail. May be empty.
//   - req: The free-text request.
//
// # Outputs
//
//   - RunResponse: Matched=false with the best score when no template
//     reached the confidence threshold; full results otherwise.
//   - error: qerr kinds for every failure stage. Callers map kinds to
//     transport status codes.
func (s *Service) Run(ctx context.Context, requestID string, req RunRequest) (RunResponse, error) {
	ctx, span := tracer.Start(ctx, "query.Run")
	defer span.End()
	start := time.Now()

	sessionID := s.resolveSession(req.SessionID)
	span.SetAttributes(attribute.String("query.session", sessionID))

	env, err := s.resolveEnvironment(req.Environment, req.Text)
	if err != nil {
		s.finish(ctx, requestID, sessionID, "", "", nil, "unknown_environment", 0, start)
		return RunResponse{}, err
	}
	span.SetAttributes(attribute.String("query.environment", env.Name))

	if err := s.limiter.Allow(env); err != nil {
		s.finish(ctx, requestID, sessionID, env.Name, "", nil, "rate_limited", 0, start)
		return RunResponse{}, err
	}

	result, err := s.match(ctx, req.Text, sessionID)
	if err != nil {
		s.finish(ctx, requestID, sessionID, env.Name, "", nil, "match_error", 0, start)
		return RunResponse{}, err
	}
	if !result.Matched() {
		s.finish(ctx, requestID, sessionID, env.Name, "", nil, "no_match", 0, start)
		return RunResponse{
			RequestID: requestID,
			Matched:   false,
			Reason:    "no template reached the confidence threshold",
			Score:     result.Score,
			SessionID: sessionID,
		}, nil
	}
	span.SetAttributes(attribute.String("query.template", result.Template))

	tmpl, ok := s.store.Current().Get(result.Template)
	if !ok {
		// The catalog was swapped between match and lookup and the
		// template disappeared. Report it as unknown rather than racing.
		s.finish(ctx, requestID, sessionID, env.Name, result.Template, nil, "unknown_template", 0, start)
		return RunResponse{}, qerr.Newf(qerr.KindUnknownTemplate,
			"template %s is no longer in the catalog", result.Template).
			WithTemplate(result.Template)
	}

	// Environment names are routing tokens, never parameter values; reserve
	// them so "from UAT database" cannot satisfy a string parameter.
	extraction := routing.ExtractParams(ctx, req.Text, tmpl.Params, s.sessions.RecentParams(sessionID), s.registry.Names())
	if !extraction.Complete() {
		s.finish(ctx, requestID, sessionID, env.Name, tmpl.Name, extraction.Missing, "missing_parameters", 0, start)
		return RunResponse{}, qerr.Newf(qerr.KindMissingParameters,
			"template %s is missing required parameters: %v", tmpl.Name, extraction.Missing).
			WithTemplate(tmpl.Name).WithParams(extraction.Missing...)
	}

	execResult, err := s.exec.Execute(ctx, env, tmpl, extraction.Params)
	if err != nil {
		s.finish(ctx, requestID, sessionID, env.Name, tmpl.Name, paramNames(extraction.Params), string(qerr.KindOf(err)), 0, start)
		return RunResponse{}, err
	}

	s.sessions.Record(sessionID, tmpl.Name, extraction.Params, env.Name)
	s.finish(ctx, requestID, sessionID, env.Name, tmpl.Name, paramNames(extraction.Params), "ok", execResult.RowCount, start)

	return RunResponse{
		RequestID:   requestID,
		Matched:     true,
		Template:    tmpl.Name,
		Score:       result.Score,
		Environment: env.Name,
		SessionID:   sessionID,
		Params:      extraction.Params,
		Columns:     execResult.Columns,
		Records:     execResult.Records,
		RowCount:    execResult.RowCount,
		DurationMS:  time.Since(start).Milliseconds(),
	}, nil
}

// finish records metrics and the audit event for one run attempt.
func (s *Service) finish(ctx context.Context, requestID, sessionID, envName, template string, params []string, outcome string, rows int, start time.Time) {
	duration := time.Since(start)
	runsTotal.WithLabelValues(outcome).Inc()
	runDuration.Observe(duration.Seconds())
	s.audit.RecordQuery(ctx, AuditEvent{
		RequestID:   requestID,
		SessionID:   sessionID,
		Environment: envName,
		Template:    template,
		ParamNames:  params,
		Outcome:     outcome,
		RowCount:    rows,
		Duration:    duration,
	})
}

// paramNames returns the sorted key set of a parameter map.
func paramNames(params map[string]any) []string {
	out := make([]string, 0, len(params))
	for name := range params {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Catalog returns the live catalog read-model.
func (s *Service) Catalog() CatalogResponse {
	cat := s.store.Current()
	templates := make([]CatalogTemplate, 0, cat.Len())
	for _, entry := range cat.Entries() {
		params := make([]CatalogParam, 0, len(entry.Params))
		for _, p := range entry.Params {
			params = append(params, CatalogParam{
				Name:     p.Name,
				Type:     string(p.Type),
				Required: p.Required,
				Default:  p.Default,
			})
		}
		templates = append(templates, CatalogTemplate{
			Name:        entry.Name,
			Description: entry.Description,
			MatchTokens: entry.MatchTokens,
			Params:      params,
		})
	}
	return CatalogResponse{Hash: cat.Hash(), Templates: templates}
}

// RefreshCatalog reloads the catalog file. Reloaded is false when the file
// hash matches the live catalog.
func (s *Service) RefreshCatalog() (RefreshResponse, error) {
	reloaded, err := s.store.Reload()
	if err != nil {
		return RefreshResponse{}, err
	}
	return RefreshResponse{Reloaded: reloaded, Hash: s.store.Current().Hash()}, nil
}

// Session returns a session's history, oldest first.
func (s *Service) Session(id string) SessionResponse {
	entries := s.sessions.History(id)
	out := make([]SessionEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, SessionEntry{
			Template:    e.Template,
			Params:      e.Params,
			Environment: e.Environment,
			At:          e.At,
		})
	}
	return SessionResponse{SessionID: id, Entries: out}
}

// ClearSession drops a session's history.
func (s *Service) ClearSession(id string) {
	s.sessions.Clear(id)
}

// Environments returns the registered environment names.
func (s *Service) Environments() []string {
	return s.registry.Names()
}
