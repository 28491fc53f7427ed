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
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"go.opentelemetry.io/otel/attribute"

	"github.com/intentql/intentql/services/query/catalog"
)

// Extraction is the outcome of resolving a template's parameter schema.
//
// Params holds one key per schema parameter. A required parameter that
// resolved through no source puts its name in Missing instead; an optional
// parameter with no source is present with a nil value (bound as NULL).
type Extraction struct {
	Params  map[string]any `json:"params"`
	Missing []string       `json:"missing,omitempty"`
}

// Complete reports whether every required parameter resolved.
func (e Extraction) Complete() bool { return len(e.Missing) == 0 }

// Parameter extraction patterns, compiled once.
var (
	// keyValuePattern matches explicit name=value tokens; the name part is
	// substituted per parameter. Quoted values keep their inner text.
	// e.g. region=EMEA, year = 2023, status="in progress"
	keyValueTemplate = `(?i)\b%s\s*=\s*(?:"([^"]+)"|'([^']+)'|(\S+))`

	// yearPattern matches a plausible 4-digit calendar year.
	yearPattern = regexp.MustCompile(`\b(19\d{2}|20\d{2}|21\d{2})\b`)

	// integerPattern matches a standalone integer token.
	integerPattern = regexp.MustCompile(`\b\d{1,9}\b`)

	// datePattern matches an ISO date token.
	datePattern = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)

	// quotedPattern matches a single- or double-quoted value.
	quotedPattern = regexp.MustCompile(`"([^"]+)"|'([^']+)'`)

	// prepositionPattern matches "for/in/from <Capitalized>", the usual way
	// a request names a region, status, or similar string parameter.
	prepositionPattern = regexp.MustCompile(`\b(?:for|in|from)\s+([A-Z][A-Za-z-]+)`)
)

// ExtractParams resolves a template's declared parameters from request text.
//
// # Description
//
// For each parameter in the schema, sources are tried in a fixed priority
// order: (1) explicit type-scoped text patterns, (2) the most recent value
// for a parameter of the same name in the caller's session history, (3) the
// schema's declared default. Pattern-first is deliberate: an explicit value
// in the text always beats a remembered one. Values are coerced to the
// declared type; a value that fails coercion counts as unresolved for that
// source and the next source is tried.
//
// Every required parameter that resolves through no source is named in
// Missing, not just the first, so the caller can report the full list in
// one round trip.
//
// Reads but never mutates session history.
//
// # Inputs
//
//   - ctx: Context for tracing.
//   - text: The raw request text.
//   - schema: The matched template's parameter schema.
//   - history: Parameter sets from the caller's session, most recent first.
//     May be nil.
//   - reserved: Tokens the string heuristics must never consume, compared
//     case-insensitively. Callers pass the environment names here so a
//     routing token like "UAT" cannot leak in as a parameter value. An
//     explicit name=value or quoted value still wins even when reserved.
//     May be nil.
//
// # Outputs
//
//   - Extraction: Resolved parameters keyed exactly by the schema's names,
//     plus the missing required names, if any.
//
// # Thread Safety
//
// Stateless. Safe for concurrent use.
func ExtractParams(ctx context.Context, text string, schema []catalog.ParamSpec, history []map[string]any, reserved []string) Extraction {
	_, span := tracer.Start(ctx, "ExtractParams")
	defer span.End()

	skip := make(map[string]bool, len(reserved))
	for _, tok := range reserved {
		skip[strings.ToUpper(tok)] = true
	}

	out := Extraction{Params: make(map[string]any, len(schema))}

	for _, spec := range schema {
		if value, ok := extractFromText(text, spec, skip); ok {
			out.Params[spec.Name] = value
			continue
		}
		if value, ok := extractFromHistory(history, spec); ok {
			out.Params[spec.Name] = value
			continue
		}
		if spec.Default != "" {
			if value, err := coerceString(spec.Default, spec.Type); err == nil {
				out.Params[spec.Name] = value
				continue
			}
		}
		if spec.Required {
			out.Missing = append(out.Missing, spec.Name)
			continue
		}
		out.Params[spec.Name] = nil
	}
	sort.Strings(out.Missing)

	span.SetAttributes(
		attribute.Int("extract.resolved", len(out.Params)-len(out.Missing)),
		attribute.Int("extract.missing", len(out.Missing)),
	)
	return out
}

// extractFromText applies the type-scoped pattern rules. Tokens in skip
// (upper-cased) are invisible to the loose string heuristics.
func extractFromText(text string, spec catalog.ParamSpec, skip map[string]bool) (any, bool) {
	// An explicit name=value token wins for every type.
	if raw, ok := keyValueHit(text, spec.Name); ok {
		if value, err := coerceString(raw, spec.Type); err == nil {
			return value, true
		}
	}

	switch spec.Type {
	case catalog.TypeInteger:
		// Parameters named like years get the calendar-year rule; other
		// integers take the first standalone integer token.
		if strings.Contains(strings.ToLower(spec.Name), "year") {
			if m := yearPattern.FindString(text); m != "" {
				n, _ := strconv.Atoi(m)
				return n, true
			}
			return nil, false
		}
		if m := integerPattern.FindString(text); m != "" {
			n, _ := strconv.Atoi(m)
			return n, true
		}

	case catalog.TypeDate:
		if m := datePattern.FindString(text); m != "" {
			if t, err := time.Parse(time.DateOnly, m); err == nil {
				return t, true
			}
		}

	case catalog.TypeString:
		if m := quotedPattern.FindStringSubmatch(text); m != nil {
			if m[1] != "" {
				return m[1], true
			}
			return m[2], true
		}
		for _, m := range prepositionPattern.FindAllStringSubmatch(text, -1) {
			if !skip[strings.ToUpper(m[1])] {
				return m[1], true
			}
		}
		if tok := capitalizedToken(text, skip); tok != "" {
			return tok, true
		}
	}
	return nil, false
}

// keyValueHit finds an explicit name=value token for the parameter.
func keyValueHit(text, name string) (string, bool) {
	re, err := regexp.Compile(fmt.Sprintf(keyValueTemplate, regexp.QuoteMeta(name)))
	if err != nil {
		return "", false
	}
	m := re.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	for _, group := range m[1:] {
		if group != "" {
			return group, true
		}
	}
	return "", false
}

// capitalizedToken returns a mid-sentence capitalized or all-caps token,
// the loose fallback for string parameters ("… tickets for Frankfurt").
// The first token is skipped: sentence-initial capitalization carries no
// signal. Tokens in skip are passed over.
func capitalizedToken(text string, skip map[string]bool) string {
	fields := strings.Fields(text)
	for i, f := range fields {
		if i == 0 {
			continue
		}
		trimmed := strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if len(trimmed) < 2 || skip[strings.ToUpper(trimmed)] {
			continue
		}
		runes := []rune(trimmed)
		if unicode.IsUpper(runes[0]) {
			return trimmed
		}
	}
	return ""
}

// extractFromHistory takes the most recent same-name value from the
// caller's session, re-coercing it to the declared type.
func extractFromHistory(history []map[string]any, spec catalog.ParamSpec) (any, bool) {
	for _, params := range history {
		prev, ok := params[spec.Name]
		if !ok || prev == nil {
			continue
		}
		if value, err := coerceValue(prev, spec.Type); err == nil {
			return value, true
		}
	}
	return nil, false
}

// coerceString converts a raw text value to the declared parameter type.
func coerceString(raw string, t catalog.ParamType) (any, error) {
	raw = strings.TrimSpace(raw)
	switch t {
	case catalog.TypeString:
		return raw, nil
	case catalog.TypeInteger:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("coerce %q to integer: %w", raw, err)
		}
		return n, nil
	case catalog.TypeDate:
		d, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			return nil, fmt.Errorf("coerce %q to date: %w", raw, err)
		}
		return d, nil
	}
	return nil, fmt.Errorf("unknown parameter type %q", t)
}

// coerceValue converts an already-typed value (e.g. from session history)
// to the declared parameter type.
func coerceValue(v any, t catalog.ParamType) (any, error) {
	switch t {
	case catalog.TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case catalog.TypeInteger:
		switch n := v.(type) {
		case int:
			return n, nil
		case int64:
			return int(n), nil
		case float64:
			// JSON round trips integers as float64.
			if n == float64(int(n)) {
				return int(n), nil
			}
		}
	case catalog.TypeDate:
		if d, ok := v.(time.Time); ok {
			return d, nil
		}
	}
	if s, ok := v.(string); ok {
		return coerceString(s, t)
	}
	return nil, fmt.Errorf("cannot coerce %T to %s", v, t)
}
