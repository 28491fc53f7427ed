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

import "testing"

func TestNormalizeText(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Show me SALES, please!", "show me sales please"},
		{"  spaced   out  ", "spaced out"},
		{"sales_by_region stays", "sales_by_region stays"},
		{"semi-colons; and: punctuation?", "semi-colons and punctuation"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeText(tc.in); got != tc.want {
			t.Errorf("NormalizeText(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestExtractTermsDropsNoise(t *testing.T) {
	terms := ExtractTerms("Get me all the sales from the database")
	if !terms["sales"] {
		t.Error("sales should survive tokenization")
	}
	for _, noise := range []string{"get", "me", "all", "the", "from", "database"} {
		if terms[noise] {
			t.Errorf("noise word %q should be dropped", noise)
		}
	}
}

func TestExtractTermsSplitsCompounds(t *testing.T) {
	terms := ExtractTerms("sales_by_region")
	if !terms["sales_by_region"] {
		t.Error("compound token should be kept")
	}
	if !terms["sales"] || !terms["region"] {
		t.Error("compound parts should be kept")
	}
	if terms["by"] {
		t.Error("noise part of a compound should still be dropped")
	}
}

func TestExtractTermsDropsShortTokens(t *testing.T) {
	terms := ExtractTerms("x y sales")
	if terms["x"] || terms["y"] {
		t.Error("single-character tokens should be dropped")
	}
	if len(terms) != 1 {
		t.Errorf("terms = %v, want only sales", terms)
	}
}
