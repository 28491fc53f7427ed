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
	"testing"

	"github.com/intentql/intentql/services/query/catalog"
)

func indexEntries() []*catalog.TemplateEntry {
	return []*catalog.TemplateEntry{
		{
			Name:        "employee_hires_by_year",
			Description: "Employees hired during a calendar year",
			MatchTokens: []string{"employee", "hires", "hired"},
			SQL:         "SELECT 1",
		},
		{
			Name:        "sales_by_region",
			Description: "Sales totals per region",
			MatchTokens: []string{"sales", "revenue", "region"},
			SQL:         "SELECT 1",
		},
		{
			Name:        "headcount_by_department",
			Description: "Headcount per department",
			MatchTokens: []string{"headcount", "staffing"},
			SQL:         "SELECT 1",
		},
	}
}

func TestBM25RanksOverlappingTemplateFirst(t *testing.T) {
	idx := BuildBM25Index(indexEntries())

	scores := idx.Score("employee hires last year")
	if scores["employee_hires_by_year"] <= scores["sales_by_region"] {
		t.Errorf("hires query should rank hires template first: %v", scores)
	}
	if scores["employee_hires_by_year"] != 1 {
		t.Errorf("best score should normalize to 1, got %v", scores["employee_hires_by_year"])
	}
}

func TestBM25ZeroOverlapScoresZero(t *testing.T) {
	idx := BuildBM25Index(indexEntries())

	// Zero-score templates are omitted from the result entirely.
	if scores := idx.Score("zebra xylophone"); len(scores) != 0 {
		t.Errorf("unrelated query scored %v, want nothing", scores)
	}
}

func TestBM25ScoresWithinUnitRange(t *testing.T) {
	idx := BuildBM25Index(indexEntries())

	scores := idx.Score("sales revenue region headcount employee")
	for name, s := range scores {
		if s < 0 || s > 1 {
			t.Errorf("%s score %v outside [0, 1]", name, s)
		}
	}
}

func TestBM25EmptyIndex(t *testing.T) {
	idx := BuildBM25Index(nil)
	if !idx.IsEmpty() {
		t.Error("index over no entries should be empty")
	}
	if scores := idx.Score("anything"); len(scores) != 0 {
		t.Errorf("empty index Score = %v, want empty", scores)
	}
}
