// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package query wires intent matching, parameter extraction, environment
// routing, and template execution into one request pipeline, and exposes it
// over HTTP.
package query

import "time"

// RunRequest asks the service to resolve free text into a template and run it.
type RunRequest struct {
	// Text is the free-text request. Required.
	Text string `json:"text" binding:"required"`

	// SessionID scopes history for matching bias and parameter backfill.
	// Empty selects the configured default session.
	SessionID string `json:"sessionId"`

	// Environment names the target environment. Empty falls back to an
	// environment token detected in Text, then to the configured default.
	Environment string `json:"environment"`
}

// RunResponse is the successful outcome of a run. A below-threshold match
// is still a success; Matched is false and Reason says why.
type RunResponse struct {
	RequestID   string           `json:"requestId"`
	Matched     bool             `json:"matched"`
	Template    string           `json:"template,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	Score       float64          `json:"score"`
	Environment string           `json:"environment,omitempty"`
	SessionID   string           `json:"sessionId"`
	Params      map[string]any   `json:"params,omitempty"`
	Columns     []string         `json:"columns,omitempty"`
	Records     []map[string]any `json:"records,omitempty"`
	RowCount    int              `json:"rowCount"`
	DurationMS  int64            `json:"durationMs"`
}

// MatchRequest asks for intent resolution only, without execution.
type MatchRequest struct {
	Text      string `json:"text" binding:"required"`
	SessionID string `json:"sessionId"`
}

// MatchResponse reports the match decision for a text.
type MatchResponse struct {
	Matched       bool     `json:"matched"`
	Template      string   `json:"template,omitempty"`
	Score         float64  `json:"score"`
	MatchedTokens []string `json:"matchedTokens,omitempty"`
}

// ErrorResponse is the uniform error envelope for all endpoints.
type ErrorResponse struct {
	RequestID string `json:"requestId,omitempty"`

	Error string `json:"error"`

	// Code is the machine-readable failure kind.
	Code string `json:"code"`

	// Params lists the parameter names involved, for missing-parameter and
	// parameter-mismatch failures.
	Params []string `json:"params,omitempty"`
}

// CatalogTemplate is the read-model of one template for the catalog endpoint.
// The SQL text is deliberately not exposed.
type CatalogTemplate struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	MatchTokens []string       `json:"matchTokens"`
	Params      []CatalogParam `json:"params"`
}

// CatalogParam is the read-model of one template parameter.
type CatalogParam struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Default  string `json:"default,omitempty"`
}

// CatalogResponse lists the live catalog.
type CatalogResponse struct {
	Hash      string            `json:"hash"`
	Templates []CatalogTemplate `json:"templates"`
}

// RefreshResponse reports the outcome of a catalog refresh.
type RefreshResponse struct {
	Reloaded bool   `json:"reloaded"`
	Hash     string `json:"hash"`
}

// SessionEntry is the read-model of one session history entry.
type SessionEntry struct {
	Template    string         `json:"template"`
	Params      map[string]any `json:"params"`
	Environment string         `json:"environment"`
	At          time.Time      `json:"at"`
}

// SessionResponse reports a session's history, oldest first.
type SessionResponse struct {
	SessionID string         `json:"sessionId"`
	Entries   []SessionEntry `json:"entries"`
}
