// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package catalog holds the pre-authored query templates. The catalog is
// loaded once from YAML, validated, and immutable afterward; refresh replaces
// the whole catalog atomically rather than mutating it in place.
package catalog

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// MaxYAMLFileSize bounds catalog files to keep a misconfigured path from
// swallowing arbitrary data.
const MaxYAMLFileSize = 1 << 20 // 1 MiB

//go:embed templates.yaml
var defaultCatalogYAML []byte

// ParamType is the declared type of a template parameter.
type ParamType string

const (
	// TypeString accepts any text value.
	TypeString ParamType = "string"

	// TypeInteger accepts whole numbers.
	TypeInteger ParamType = "integer"

	// TypeDate accepts ISO dates (YYYY-MM-DD).
	TypeDate ParamType = "date"
)

// ParamSpec declares a single template parameter.
//
// # Description
//
// The schema is the single source of truth for what an execution requires.
// The matcher and extractor never hardcode parameter names; they read this
// declaration.
type ParamSpec struct {
	// Name is the placeholder name bound in the SQL text (e.g. @year).
	Name string `yaml:"name" validate:"required"`

	// Type drives extraction rules and coercion. One of string, integer, date.
	Type ParamType `yaml:"type" validate:"required,oneof=string integer date"`

	// Required marks parameters that must resolve before execution.
	Required bool `yaml:"required"`

	// Default is the fallback value when the text and session history yield
	// nothing. Empty means no default.
	Default string `yaml:"default"`
}

// TemplateEntry is one pre-authored, parameterized query.
//
// # Thread Safety
//
// Immutable after catalog load. Safe for concurrent reads.
type TemplateEntry struct {
	// Name uniquely identifies the template. Identity key.
	Name string `yaml:"name" validate:"required"`

	// Description is a one-line summary shown in catalog listings and used
	// as matching corpus alongside MatchTokens.
	Description string `yaml:"description"`

	// SQL is the statement text with named placeholders (@name). Parameters
	// are always bound, never interpolated.
	SQL string `yaml:"sql" validate:"required"`

	// MatchTokens are the keywords and phrases scored against request text.
	MatchTokens []string `yaml:"match_tokens" validate:"min=1"`

	// Params declares the parameter schema, in binding order.
	Params []ParamSpec `yaml:"params" validate:"dive"`
}

// Param returns the ParamSpec with the given name, if declared.
func (t *TemplateEntry) Param(name string) (ParamSpec, bool) {
	for _, p := range t.Params {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSpec{}, false
}

// Catalog is the immutable name → template mapping.
//
// # Thread Safety
//
// Immutable after Load. Safe for concurrent use without synchronization.
type Catalog struct {
	entries map[string]*TemplateEntry
	names   []string // sorted, for deterministic iteration
	hash    string
}

// catalogFile is the YAML document shape.
type catalogFile struct {
	Templates []TemplateEntry `yaml:"templates"`
}

// Load parses and validates a catalog from YAML bytes.
//
// # Description
//
// Parses the `templates:` list, validates every entry (unique names,
// non-empty SQL and match tokens, well-formed parameter specs, every SQL
// placeholder backed by a declared parameter), and computes the corpus hash.
// Loading the same bytes twice yields an identical catalog, including the
// hash.
//
// # Inputs
//
//   - data: Raw YAML. Must be non-empty and at most MaxYAMLFileSize.
//
// # Outputs
//
//   - *Catalog: The immutable catalog. Never nil on success.
//   - error: Non-nil on parse or validation failure.
func Load(data []byte) (*Catalog, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("catalog: empty YAML data")
	}
	if len(data) > MaxYAMLFileSize {
		return nil, fmt.Errorf("catalog: YAML data exceeds maximum size (%d > %d)", len(data), MaxYAMLFileSize)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("catalog: parsing YAML: %w", err)
	}
	if len(file.Templates) == 0 {
		return nil, fmt.Errorf("catalog: no templates defined")
	}

	v := validator.New()
	entries := make(map[string]*TemplateEntry, len(file.Templates))
	names := make([]string, 0, len(file.Templates))

	for i := range file.Templates {
		entry := file.Templates[i]
		if err := v.Struct(entry); err != nil {
			return nil, fmt.Errorf("catalog: template[%d] (%s): %w", i, entry.Name, err)
		}
		if _, dup := entries[entry.Name]; dup {
			return nil, fmt.Errorf("catalog: duplicate template name %q", entry.Name)
		}
		if err := checkPlaceholders(&entry); err != nil {
			return nil, fmt.Errorf("catalog: template %q: %w", entry.Name, err)
		}
		entries[entry.Name] = &entry
		names = append(names, entry.Name)
	}
	sort.Strings(names)

	return &Catalog{
		entries: entries,
		names:   names,
		hash:    computeHash(entries, names),
	}, nil
}

// LoadDefault loads the embedded default catalog.
func LoadDefault() (*Catalog, error) {
	return Load(defaultCatalogYAML)
}

// checkPlaceholders verifies every @name placeholder in the SQL text is
// backed by a declared parameter. A declared parameter without a placeholder
// is allowed (the SQL may not need it in every revision), but an unbacked
// placeholder would fail at bind time and is rejected at load time instead.
func checkPlaceholders(entry *TemplateEntry) error {
	declared := make(map[string]bool, len(entry.Params))
	for _, p := range entry.Params {
		declared[p.Name] = true
	}
	for _, ph := range placeholderNames(entry.SQL) {
		if !declared[ph] {
			return fmt.Errorf("placeholder @%s has no declared parameter", ph)
		}
	}
	return nil
}

// placeholderNames extracts the @name placeholders from SQL text.
// A double at-sign (@@) escapes a literal and is skipped.
func placeholderNames(sql string) []string {
	var out []string
	for i := 0; i < len(sql); i++ {
		if sql[i] != '@' {
			continue
		}
		if i+1 < len(sql) && sql[i+1] == '@' {
			i++ // literal @@
			continue
		}
		j := i + 1
		for j < len(sql) && (isWordByte(sql[j])) {
			j++
		}
		if j > i+1 {
			out = append(out, sql[i+1:j])
		}
		i = j - 1
	}
	return out
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// computeHash computes a deterministic SHA256 digest of the catalog corpus.
//
// The hash captures every signal the matcher depends on (names, match
// tokens, descriptions), the parameter schema, and the SQL text itself.
// The SQL must participate: the refresh path skips the swap when hashes
// match, so a hash blind to SQL edits would serve a stale statement
// forever. Entries are walked in sorted-name order and match tokens are
// sorted for determinism regardless of YAML ordering.
func computeHash(entries map[string]*TemplateEntry, names []string) string {
	h := sha256.New()
	for _, name := range names {
		e := entries[name]
		tokens := make([]string, len(e.MatchTokens))
		copy(tokens, e.MatchTokens)
		sort.Strings(tokens)

		fmt.Fprintf(h, "%s\t%s\t%s\n", e.Name, strings.Join(tokens, ","), e.Description)
		fmt.Fprintf(h, "  sql:%s\n", e.SQL)
		for _, p := range e.Params {
			fmt.Fprintf(h, "  %s\t%s\t%t\t%s\n", p.Name, p.Type, p.Required, p.Default)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the template with the given name.
func (c *Catalog) Get(name string) (*TemplateEntry, bool) {
	e, ok := c.entries[name]
	return e, ok
}

// Names returns the template names in sorted order. The returned slice is
// shared; callers must not modify it.
func (c *Catalog) Names() []string { return c.names }

// Len returns the number of templates.
func (c *Catalog) Len() int { return len(c.entries) }

// Hash returns the hex SHA256 corpus digest computed at load time.
func (c *Catalog) Hash() string { return c.hash }

// Entries returns the templates in sorted-name order.
func (c *Catalog) Entries() []*TemplateEntry {
	out := make([]*TemplateEntry, 0, len(c.names))
	for _, name := range c.names {
		out = append(out, c.entries[name])
	}
	return out
}
