// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routing resolves free-text requests against the template catalog:
// the Matcher scores text against each template's token corpus, and the
// Extractor resolves the matched template's declared parameters from the
// text, session history, and schema defaults.
package routing

import (
	"strings"
	"unicode"
)

// noiseWords are dropped during tokenization. They carry no routing signal
// and would otherwise dominate term frequency in short queries.
var noiseWords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "in": true, "on": true,
	"at": true, "to": true, "for": true, "from": true, "by": true, "with": true,
	"and": true, "or": true, "is": true, "are": true, "was": true, "were": true,
	"get": true, "give": true, "show": true, "me": true, "my": true, "all": true,
	"list": true, "find": true, "what": true, "which": true, "how": true,
	"many": true, "much": true, "please": true, "database": true, "db": true,
	"query": true, "data": true,
}

// NormalizeText lowercases text and collapses punctuation and runs of
// whitespace to single spaces. Used for phrase matching and as the
// resolution-cache key, so two requests that differ only in casing or
// punctuation share a cache entry.
func NormalizeText(text string) string {
	var sb strings.Builder
	sb.Grow(len(text))
	lastSpace := true
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
			lastSpace = false
		case r == '_' || r == '-':
			// Keep word-internal connectors so "sales_by_region" survives.
			sb.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				sb.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(sb.String())
}

// ExtractTerms tokenizes text into a deduplicated term set.
//
// # Description
//
// Normalizes (lowercase, punctuation stripped), splits on whitespace,
// splits underscore/hyphen compounds into their parts as well as keeping
// the compound, and removes noise words. The result is a set: each term
// appears once regardless of frequency, which is the document shape the
// match index is built from.
//
// # Thread Safety
//
// Stateless. Safe for concurrent use.
func ExtractTerms(text string) map[string]bool {
	terms := make(map[string]bool)
	for _, tok := range strings.Fields(NormalizeText(text)) {
		addTerm(terms, tok)
		if strings.ContainsAny(tok, "_-") {
			for _, part := range strings.FieldsFunc(tok, func(r rune) bool {
				return r == '_' || r == '-'
			}) {
				addTerm(terms, part)
			}
		}
	}
	return terms
}

func addTerm(terms map[string]bool, tok string) {
	if len(tok) < 2 || noiseWords[tok] {
		return
	}
	terms[tok] = true
}
