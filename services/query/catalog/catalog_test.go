// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalog

import (
	"strings"
	"testing"
)

const validYAML = `
templates:
  - name: orders_by_customer
    description: Orders placed by one customer
    sql: SELECT * FROM orders WHERE customer = @customer
    match_tokens:
      - orders
      - customer
    params:
      - name: customer
        type: string
        required: true
`

func TestLoadValidCatalog(t *testing.T) {
	cat, err := Load([]byte(validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cat.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", cat.Len())
	}

	entry, ok := cat.Get("orders_by_customer")
	if !ok {
		t.Fatal("Get(orders_by_customer) not found")
	}
	if len(entry.Params) != 1 || entry.Params[0].Name != "customer" {
		t.Errorf("unexpected params: %+v", entry.Params)
	}

	spec, ok := entry.Param("customer")
	if !ok || spec.Type != TypeString || !spec.Required {
		t.Errorf("Param(customer) = %+v, ok=%v", spec, ok)
	}
	if _, ok := entry.Param("nope"); ok {
		t.Error("Param(nope) should not be found")
	}
}

func TestLoadEmptyData(t *testing.T) {
	if _, err := Load(nil); err == nil {
		t.Error("Load(nil) should fail")
	}
	if _, err := Load([]byte("templates: []")); err == nil {
		t.Error("Load with zero templates should fail")
	}
}

func TestLoadDuplicateNames(t *testing.T) {
	yaml := `
templates:
  - name: a
    sql: SELECT 1
    match_tokens: [alpha]
  - name: a
    sql: SELECT 2
    match_tokens: [alpha]
`
	_, err := Load([]byte(yaml))
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("want duplicate-name error, got %v", err)
	}
}

func TestLoadRejectsUnbackedPlaceholder(t *testing.T) {
	yaml := `
templates:
  - name: a
    sql: SELECT * FROM t WHERE x = @missing
    match_tokens: [alpha]
`
	_, err := Load([]byte(yaml))
	if err == nil || !strings.Contains(err.Error(), "@missing") {
		t.Errorf("want unbacked-placeholder error, got %v", err)
	}
}

func TestLoadAllowsEscapedAtSign(t *testing.T) {
	yaml := `
templates:
  - name: a
    sql: "SELECT '@@literal' FROM t"
    match_tokens: [alpha]
`
	if _, err := Load([]byte(yaml)); err != nil {
		t.Errorf("escaped @@ should load, got %v", err)
	}
}

func TestLoadRejectsBadParamType(t *testing.T) {
	yaml := `
templates:
  - name: a
    sql: SELECT * FROM t WHERE x = @x
    match_tokens: [alpha]
    params:
      - name: x
        type: decimal
`
	if _, err := Load([]byte(yaml)); err == nil {
		t.Error("unknown param type should fail validation")
	}
}

func TestHashDeterministicAndSensitive(t *testing.T) {
	a, err := Load([]byte(validYAML))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Load([]byte(validYAML))
	if err != nil {
		t.Fatal(err)
	}
	if a.Hash() != b.Hash() {
		t.Error("same YAML should produce the same hash")
	}

	changed := strings.Replace(validYAML, "- customer", "- buyer", 1)
	c, err := Load([]byte(changed))
	if err != nil {
		t.Fatal(err)
	}
	if a.Hash() == c.Hash() {
		t.Error("different match tokens should change the hash")
	}

	// An edit to the statement text alone must also change the hash; the
	// reload path relies on it to notice SQL fixes.
	sqlEdit := strings.Replace(validYAML, "SELECT * FROM orders", "SELECT id FROM orders", 1)
	d, err := Load([]byte(sqlEdit))
	if err != nil {
		t.Fatal(err)
	}
	if a.Hash() == d.Hash() {
		t.Error("SQL-only edit should change the hash")
	}
}

func TestLoadDefaultCatalog(t *testing.T) {
	cat, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() error = %v", err)
	}
	if cat.Len() == 0 {
		t.Fatal("embedded catalog is empty")
	}
	if _, ok := cat.Get("employee_hires_by_year"); !ok {
		t.Error("embedded catalog missing employee_hires_by_year")
	}

	names := cat.Names()
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Errorf("Names() not sorted: %v", names)
			break
		}
	}
}

func TestPlaceholderNames(t *testing.T) {
	got := placeholderNames("SELECT @a, '@@lit', @b_2 FROM t WHERE e = 'x@y'")
	want := map[string]bool{"a": true, "b_2": true, "y": true}
	if len(got) != len(want) {
		t.Fatalf("placeholderNames = %v", got)
	}
	for _, name := range got {
		if !want[name] {
			t.Errorf("unexpected placeholder %q in %v", name, got)
		}
	}
}
