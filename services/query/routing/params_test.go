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
	"testing"
	"time"

	"github.com/intentql/intentql/services/query/catalog"
)

func requiredParam(name string, t catalog.ParamType) catalog.ParamSpec {
	return catalog.ParamSpec{Name: name, Type: t, Required: true}
}

func TestExtractYearFromText(t *testing.T) {
	schema := []catalog.ParamSpec{requiredParam("year", catalog.TypeInteger)}

	got := ExtractParams(context.Background(), "Get me employee hires in 2023 from UAT database", schema, nil, nil)
	if !got.Complete() {
		t.Fatalf("Missing = %v, want none", got.Missing)
	}
	if got.Params["year"] != 2023 {
		t.Errorf("year = %v, want 2023", got.Params["year"])
	}
}

func TestExtractAllMissingReported(t *testing.T) {
	schema := []catalog.ParamSpec{
		requiredParam("region", catalog.TypeString),
		requiredParam("year", catalog.TypeInteger),
	}

	got := ExtractParams(context.Background(), "show me sales", schema, nil, nil)
	if got.Complete() {
		t.Fatal("expected missing parameters")
	}
	if len(got.Missing) != 2 || got.Missing[0] != "region" || got.Missing[1] != "year" {
		t.Errorf("Missing = %v, want [region year] sorted", got.Missing)
	}
}

func TestExtractStringSources(t *testing.T) {
	schema := []catalog.ParamSpec{requiredParam("region", catalog.TypeString)}

	cases := []struct {
		text string
		want string
	}{
		{`sales region=EMEA this quarter`, "EMEA"},
		{`sales region="North America" this quarter`, "North America"},
		{`sales for 'North America'`, "North America"},
		{`show sales for EMEA`, "EMEA"},
		{`tickets in Frankfurt`, "Frankfurt"},
	}
	for _, tc := range cases {
		got := ExtractParams(context.Background(), tc.text, schema, nil, nil)
		if got.Params["region"] != tc.want {
			t.Errorf("ExtractParams(%q) region = %v, want %q", tc.text, got.Params["region"], tc.want)
		}
	}
}

func TestExtractReservedTokensInvisibleToHeuristics(t *testing.T) {
	schema := []catalog.ParamSpec{requiredParam("region", catalog.TypeString)}
	reserved := []string{"DEV", "UAT", "PROD"}

	// The environment token is the only capitalized candidate; it must not
	// satisfy the string parameter.
	got := ExtractParams(context.Background(), "show me sales by region from UAT database", schema, nil, reserved)
	if got.Complete() {
		t.Fatalf("region = %v, want missing_parameters", got.Params["region"])
	}
	if len(got.Missing) != 1 || got.Missing[0] != "region" {
		t.Errorf("Missing = %v, want [region]", got.Missing)
	}

	// A real candidate behind the environment token still resolves; the
	// heuristics step over the reserved match instead of stopping at it.
	got = ExtractParams(context.Background(), "sales from UAT for EMEA", schema, nil, reserved)
	if got.Params["region"] != "EMEA" {
		t.Errorf("region = %v, want EMEA past the reserved token", got.Params["region"])
	}
}

func TestExtractReservedDoesNotBlockExplicitValue(t *testing.T) {
	schema := []catalog.ParamSpec{requiredParam("region", catalog.TypeString)}
	reserved := []string{"UAT"}

	// key=value is an explicit assignment and wins even for a reserved token.
	got := ExtractParams(context.Background(), "sales region=UAT please", schema, nil, reserved)
	if got.Params["region"] != "UAT" {
		t.Errorf("region = %v, want explicit UAT", got.Params["region"])
	}
}

func TestExtractKeyValueBeatsLooseMatch(t *testing.T) {
	schema := []catalog.ParamSpec{requiredParam("region", catalog.TypeString)}

	// Both an explicit key=value and a preposition candidate are present;
	// the explicit token wins.
	got := ExtractParams(context.Background(), "sales for Frankfurt region=EMEA", schema, nil, nil)
	if got.Params["region"] != "EMEA" {
		t.Errorf("region = %v, want EMEA", got.Params["region"])
	}
}

func TestExtractDate(t *testing.T) {
	schema := []catalog.ParamSpec{requiredParam("since", catalog.TypeDate)}

	got := ExtractParams(context.Background(), "orders since 2024-03-01 please", schema, nil, nil)
	want := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if d, ok := got.Params["since"].(time.Time); !ok || !d.Equal(want) {
		t.Errorf("since = %v, want %v", got.Params["since"], want)
	}
}

func TestExtractFromHistory(t *testing.T) {
	schema := []catalog.ParamSpec{requiredParam("region", catalog.TypeString)}
	history := []map[string]any{
		{"region": "EMEA"},
		{"region": "APAC"},
	}

	// The text offers nothing; the most recent session value wins.
	got := ExtractParams(context.Background(), "run that again", schema, history, nil)
	if got.Params["region"] != "EMEA" {
		t.Errorf("region = %v, want EMEA (most recent)", got.Params["region"])
	}
}

func TestExtractTextBeatsHistory(t *testing.T) {
	schema := []catalog.ParamSpec{requiredParam("year", catalog.TypeInteger)}
	history := []map[string]any{{"year": 2022}}

	got := ExtractParams(context.Background(), "same thing for 2024", schema, history, nil)
	if got.Params["year"] != 2024 {
		t.Errorf("year = %v, want 2024 from text", got.Params["year"])
	}
}

func TestExtractHistoryCoercesJSONNumbers(t *testing.T) {
	schema := []catalog.ParamSpec{requiredParam("year", catalog.TypeInteger)}
	history := []map[string]any{{"year": float64(2022)}}

	got := ExtractParams(context.Background(), "hires please", schema, history, nil)
	if got.Params["year"] != 2022 {
		t.Errorf("year = %v (%T), want int 2022", got.Params["year"], got.Params["year"])
	}
}

func TestExtractSchemaDefault(t *testing.T) {
	schema := []catalog.ParamSpec{
		{Name: "status", Type: catalog.TypeString, Required: true, Default: "open"},
	}

	got := ExtractParams(context.Background(), "show tickets", schema, nil, nil)
	if got.Params["status"] != "open" {
		t.Errorf("status = %v, want default open", got.Params["status"])
	}
}

func TestExtractOptionalUnresolvedIsNil(t *testing.T) {
	schema := []catalog.ParamSpec{
		{Name: "assignee", Type: catalog.TypeString, Required: false},
	}

	got := ExtractParams(context.Background(), "show tickets", schema, nil, nil)
	if !got.Complete() {
		t.Fatalf("optional parameter must not be missing: %v", got.Missing)
	}
	value, present := got.Params["assignee"]
	if !present || value != nil {
		t.Errorf("assignee = %v (present=%v), want present nil", value, present)
	}
}

func TestExtractIgnoresBadDefault(t *testing.T) {
	schema := []catalog.ParamSpec{
		{Name: "year", Type: catalog.TypeInteger, Required: true, Default: "not-a-number"},
	}

	got := ExtractParams(context.Background(), "hires please", schema, nil, nil)
	if got.Complete() {
		t.Error("uncoercible default should leave the parameter missing")
	}
}
