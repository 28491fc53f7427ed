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

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/intentql/intentql/services/query/catalog"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	matchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intentql",
		Subsystem: "matcher",
		Name:      "match_total",
		Help:      "Total match attempts by outcome",
	}, []string{"outcome"})

	matchScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "intentql",
		Subsystem: "matcher",
		Name:      "score",
		Help:      "Winning confidence score per match attempt",
		Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
	})
)

var tracer = otel.Tracer("intentql.query.routing")

// scoreEpsilon is the window within which two template scores are treated
// as tied and the tie-break rules apply.
const scoreEpsilon = 1e-9

// MatcherConfig tunes the similarity scoring.
//
// The similarity function and threshold are deliberately configuration, not
// hidden constants: deployments tune MinConfidence against their catalog.
type MatcherConfig struct {
	// MinConfidence is the minimum normalized score for a match. Below it
	// the matcher reports no match rather than a low-confidence guess.
	// Default: 0.35.
	MinConfidence float64 `yaml:"min_confidence"`

	// PhraseBoost is added to a template's score for each multi-word match
	// token that appears verbatim in the normalized request text.
	// Default: 0.25.
	PhraseBoost float64 `yaml:"phrase_boost"`
}

// DefaultMatcherConfig returns the tuned defaults.
func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{MinConfidence: 0.35, PhraseBoost: 0.25}
}

// Validate checks the configured thresholds are usable.
func (c MatcherConfig) Validate() error {
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("min_confidence %v outside [0, 1]", c.MinConfidence)
	}
	if c.PhraseBoost < 0 || c.PhraseBoost > 1 {
		return fmt.Errorf("phrase_boost %v outside [0, 1]", c.PhraseBoost)
	}
	return nil
}

// MatchResult is the outcome of one match attempt.
//
// Template is empty when no template reached the confidence threshold;
// Score then carries the best score seen (for diagnostics) and
// MatchedTokens is empty.
type MatchResult struct {
	// Template is the winning template name. Empty means no match.
	Template string `json:"template,omitempty"`

	// Score is the winning normalized confidence in [0,1].
	Score float64 `json:"score"`

	// MatchedTokens lists the query terms found in the winning template's
	// corpus, sorted. Diagnostic only.
	MatchedTokens []string `json:"matched_tokens,omitempty"`
}

// Matched reports whether a template cleared the threshold.
func (r MatchResult) Matched() bool { return r.Template != "" }

// Matcher maps free text to the best-matching catalog template.
//
// # Description
//
// Scoring combines BM25 token overlap with an exact-phrase boost: each
// multi-word match token found verbatim in the normalized text adds
// PhraseBoost to that template's BM25 score, and the combined score is
// capped at 1. The template with the maximum combined score wins if it
// reaches MinConfidence. Ties (within epsilon) prefer the template most
// recently resolved in the caller's session, then the lexicographically
// smallest name, so results are deterministic and testable.
//
// Match is a pure function of its inputs; it never mutates session state.
//
// # Thread Safety
//
// Immutable after construction. Safe for concurrent use. When the catalog
// is swapped, build a new Matcher rather than mutating this one.
type Matcher struct {
	cat *catalog.Catalog
	idx *BM25Index
	cfg MatcherConfig

	// phrases[name] holds the template's multi-word match tokens, normalized.
	phrases map[string][]string
}

// NewMatcher builds a Matcher over the given catalog.
//
// # Inputs
//
//   - cat: The catalog to match against. Must not be nil.
//   - cfg: Scoring configuration. Zero values take defaults.
//
// # Outputs
//
//   - *Matcher: Immutable matcher. Never nil.
func NewMatcher(cat *catalog.Catalog, cfg MatcherConfig) *Matcher {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultMatcherConfig().MinConfidence
	}
	if cfg.PhraseBoost <= 0 {
		cfg.PhraseBoost = DefaultMatcherConfig().PhraseBoost
	}

	entries := cat.Entries()
	phrases := make(map[string][]string, len(entries))
	for _, e := range entries {
		for _, tok := range e.MatchTokens {
			norm := NormalizeText(tok)
			if strings.Contains(norm, " ") {
				phrases[e.Name] = append(phrases[e.Name], norm)
			}
		}
	}

	return &Matcher{
		cat:     cat,
		idx:     BuildBM25Index(entries),
		cfg:     cfg,
		phrases: phrases,
	}
}

// Match scores text against every catalog template.
//
// # Description
//
// Returns a MatchResult with the winning template and its confidence when
// the best combined score reaches MinConfidence, and a no-match result
// otherwise. No match is a normal outcome, not an error. An empty catalog
// or blank text is a caller configuration error and is reported as one.
//
// # Inputs
//
//   - ctx: Context for tracing.
//   - text: The raw request text. Must be non-blank.
//   - recentTemplates: Template names from the caller's session context,
//     most recent first. Used only for tie-breaking. May be nil.
//
// # Outputs
//
//   - MatchResult: The winner and score, or a no-match result.
//   - error: Non-nil only for configuration errors (empty catalog, blank text).
//
// # Thread Safety
//
// Safe for concurrent use.
func (m *Matcher) Match(ctx context.Context, text string, recentTemplates []string) (MatchResult, error) {
	_, span := tracer.Start(ctx, "Matcher.Match")
	defer span.End()

	if m.cat.Len() == 0 {
		return MatchResult{}, fmt.Errorf("matcher: catalog is empty")
	}
	if strings.TrimSpace(text) == "" {
		return MatchResult{}, fmt.Errorf("matcher: text must not be blank")
	}

	normText := NormalizeText(text)
	scores := m.idx.Score(text)

	// Exact-phrase boost on top of BM25, capped at 1.
	for name, phraseList := range m.phrases {
		var boost float64
		for _, phrase := range phraseList {
			if strings.Contains(normText, phrase) {
				boost += m.cfg.PhraseBoost
			}
		}
		if boost > 0 {
			s := scores[name] + boost
			if s > 1 {
				s = 1
			}
			scores[name] = s
		}
	}

	winner, best := m.pickWinner(scores, recentTemplates)

	span.SetAttributes(
		attribute.String("match.template", winner),
		attribute.Float64("match.score", best),
		attribute.Int("match.candidates", len(scores)),
	)
	matchScore.Observe(best)

	if winner == "" || best < m.cfg.MinConfidence {
		matchTotal.WithLabelValues("no_match").Inc()
		return MatchResult{Score: best}, nil
	}

	matchTotal.WithLabelValues("matched").Inc()
	return MatchResult{
		Template:      winner,
		Score:         best,
		MatchedTokens: m.matchedTokens(winner, text),
	}, nil
}

// pickWinner selects the maximum-score template, applying the tie-break
// order: session recency first, lexicographically smallest name second.
func (m *Matcher) pickWinner(scores map[string]float64, recentTemplates []string) (string, float64) {
	if len(scores) == 0 {
		return "", 0
	}

	var best float64
	for _, s := range scores {
		if s > best {
			best = s
		}
	}

	tied := make([]string, 0, 2)
	for name, s := range scores {
		if best-s < scoreEpsilon {
			tied = append(tied, name)
		}
	}
	sort.Strings(tied)

	if len(tied) > 1 {
		for _, recent := range recentTemplates {
			for _, name := range tied {
				if name == recent {
					return name, best
				}
			}
		}
	}
	return tied[0], best
}

// matchedTokens returns the sorted query terms present in the named
// template's corpus.
func (m *Matcher) matchedTokens(name string, text string) []string {
	entry, ok := m.cat.Get(name)
	if !ok {
		return nil
	}
	corpus := ExtractTerms(entry.Name + " " + strings.Join(entry.MatchTokens, " ") + " " + entry.Description)

	var out []string
	for term := range ExtractTerms(text) {
		if corpus[term] {
			out = append(out, term)
		}
	}
	sort.Strings(out)
	return out
}

// CatalogHash returns the hash of the catalog this matcher was built over.
// Resolution-cache entries are keyed by it.
func (m *Matcher) CatalogHash() string { return m.cat.Hash() }
