// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package qerr defines the typed failure taxonomy for query resolution and
// execution. Every failure that crosses a package boundary carries a
// machine-readable Kind so transports can map it to a status code and audit
// events can record it without string matching.
package qerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is a machine-readable failure category.
type Kind string

const (
	// KindNoMatch means no template scored above the confidence threshold.
	// This is an expected outcome, not an infrastructure failure.
	KindNoMatch Kind = "no_match"

	// KindMissingParameters means one or more required template parameters
	// could not be resolved from text, session history, or defaults.
	KindMissingParameters Kind = "missing_parameters"

	// KindUnknownEnvironment means the requested environment is not in the registry.
	KindUnknownEnvironment Kind = "unknown_environment"

	// KindUnknownTemplate means the named template is not in the catalog.
	KindUnknownTemplate Kind = "unknown_template"

	// KindParameterMismatch means a supplied parameter set does not satisfy
	// the template's declared schema.
	KindParameterMismatch Kind = "parameter_mismatch"

	// KindPoolExhausted means no connection became available within the
	// configured acquisition timeout.
	KindPoolExhausted Kind = "pool_exhausted"

	// KindConnectionFailure means a new connection could not be established.
	KindConnectionFailure Kind = "connection_failure"

	// KindDatabaseError means statement execution failed against a live connection.
	KindDatabaseError Kind = "database_error"

	// KindCancelled means the caller abandoned the request before completion.
	KindCancelled Kind = "cancelled"

	// KindRateLimited means the environment's execution rate limit was hit.
	KindRateLimited Kind = "rate_limited"
)

// E is a classified error. Environment and Template are attached where the
// failure site knows them; Params carries the offending parameter names for
// KindMissingParameters and KindParameterMismatch.
type E struct {
	Kind        Kind
	Message     string
	Environment string
	Template    string
	Params      []string
	Err         error
}

// Error implements the error interface.
//
// # Outputs
//
//   - string: "<kind>: <message>[ (env=..., template=...)][ params=...][: cause]"
func (e *E) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Kind))
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	if e.Environment != "" || e.Template != "" {
		sb.WriteString(" (")
		if e.Environment != "" {
			fmt.Fprintf(&sb, "env=%s", e.Environment)
		}
		if e.Template != "" {
			if e.Environment != "" {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "template=%s", e.Template)
		}
		sb.WriteString(")")
	}
	if len(e.Params) > 0 {
		fmt.Fprintf(&sb, " params=%s", strings.Join(e.Params, ","))
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	return sb.String()
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As chains.
func (e *E) Unwrap() error { return e.Err }

// New creates a classified error without a wrapped cause.
func New(kind Kind, msg string) *E { return &E{Kind: kind, Message: msg} }

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *E {
	return &E{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a classified error wrapping an underlying cause.
func Wrap(kind Kind, msg string, err error) *E {
	return &E{Kind: kind, Message: msg, Err: err}
}

// WithEnvironment returns the error with the environment name attached.
func (e *E) WithEnvironment(env string) *E {
	e.Environment = env
	return e
}

// WithTemplate returns the error with the template name attached.
func (e *E) WithTemplate(name string) *E {
	e.Template = name
	return e
}

// WithParams returns the error with the offending parameter names attached.
func (e *E) WithParams(names ...string) *E {
	e.Params = names
	return e
}

// KindOf extracts the Kind from an error chain.
//
// # Outputs
//
//   - Kind: The classified kind, or "" when err is nil or unclassified.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err (or anything it wraps) carries the given kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }
