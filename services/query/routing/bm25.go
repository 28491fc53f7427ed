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
	"math"
	"strings"

	"github.com/intentql/intentql/services/query/catalog"
)

// BM25 tuning constants. Standard values recommended by Robertson et al.
const (
	// bm25K1 controls term frequency saturation. Range [1.2, 2.0] is
	// typical; 1.5 is a robust middle ground.
	bm25K1 = 1.5

	// bm25B controls document length normalization. 0.75 is the standard
	// default.
	bm25B = 0.75
)

// bm25Doc holds the indexed representation of a single template's corpus.
type bm25Doc struct {
	// name is the template identifier.
	name string

	// tf maps each term to its frequency within this template's document.
	tf map[string]int

	// len is the unique-term count of this template's document.
	len int
}

// BM25Index is a pre-built inverted index over template match corpora.
//
// # Description
//
// Implements Okapi BM25 ranking over a corpus of template "documents" where
// each document is the concatenation of a template's name, match tokens,
// and description. At query time, BM25 produces a score per template
// proportional to how well its document matches the query terms, weighted
// by term rarity across all templates (IDF). Scores are normalized to
// [0,1], which is the confidence scale the matcher thresholds against.
//
// # Thread Safety
//
// Immutable after construction via BuildBM25Index. Safe for concurrent use.
type BM25Index struct {
	docs []bm25Doc

	// idf maps each term to its inverse document frequency, computed once
	// at build time as log((N+1)/(df+1)) + 1 (Lucene-style smoothing).
	idf map[string]float64

	avgLen float64
}

// BuildBM25Index constructs a BM25Index from catalog templates.
//
// # Description
//
// Each template's document is built from its name, match tokens, and
// description, tokenized with ExtractTerms. An empty template list returns
// a valid but empty index that scores zero for every query.
//
// # Thread Safety
//
// The returned index is immutable and safe for concurrent use.
func BuildBM25Index(entries []*catalog.TemplateEntry) *BM25Index {
	if len(entries) == 0 {
		return &BM25Index{idf: make(map[string]float64)}
	}

	docs := make([]bm25Doc, 0, len(entries))
	totalLen := 0

	// df[term] = number of templates whose document contains term.
	df := make(map[string]int)

	for _, entry := range entries {
		doc := buildDoc(entry)
		docs = append(docs, doc)
		totalLen += doc.len
		for term := range doc.tf {
			df[term]++
		}
	}

	N := len(docs)
	avgLen := float64(totalLen) / float64(N)

	// The +1 in numerator and denominator is Lucene-style smoothing; the
	// trailing +1 keeps IDF >= 1 so every matched term contributes.
	idf := make(map[string]float64, len(df))
	for term, docFreq := range df {
		idf[term] = math.Log(float64(N+1)/float64(docFreq+1)) + 1.0
	}

	return &BM25Index{docs: docs, idf: idf, avgLen: avgLen}
}

// buildDoc tokenizes a template into a bm25Doc.
//
// The document is the template name, every match token, and the
// description. ExtractTerms deduplicates, so tf=1 for all terms (binary
// presence). With a catalog of dozens of short-corpus templates, IDF does
// the heavy lifting and binary presence is sufficient; doc length is the
// vocabulary size.
func buildDoc(entry *catalog.TemplateEntry) bm25Doc {
	parts := make([]string, 0, len(entry.MatchTokens)+2)
	parts = append(parts, entry.Name)
	parts = append(parts, entry.MatchTokens...)
	if entry.Description != "" {
		parts = append(parts, entry.Description)
	}

	termSet := ExtractTerms(strings.Join(parts, " "))
	tf := make(map[string]int, len(termSet))
	for term := range termSet {
		tf[term] = 1
	}

	return bm25Doc{name: entry.Name, tf: tf, len: len(tf)}
}

// IsEmpty reports whether the index contains no template documents.
func (idx *BM25Index) IsEmpty() bool { return len(idx.docs) == 0 }

// Score computes the normalized BM25 score for each template given a query.
//
// # Description
//
// Tokenizes the query and computes, per template:
//
//	score = Σ_t [ idf(t) × (tf × (k1+1)) / (tf + k1 × (1 - b + b × dl/avgdl)) ]
//
// over unique query terms present in the template's document, then
// normalizes to [0,1] by dividing by the maximum. Templates with zero score
// are omitted.
//
// # Thread Safety
//
// Safe for concurrent use. Does not modify the index.
func (idx *BM25Index) Score(query string) map[string]float64 {
	if query == "" || len(idx.docs) == 0 {
		return make(map[string]float64)
	}

	queryTerms := ExtractTerms(query)
	if len(queryTerms) == 0 {
		return make(map[string]float64)
	}

	scores := make(map[string]float64, len(idx.docs))
	var maxScore float64

	for _, doc := range idx.docs {
		score := bm25Score(queryTerms, doc, idx.idf, idx.avgLen)
		if score > 0 {
			scores[doc.name] = score
			if score > maxScore {
				maxScore = score
			}
		}
	}

	if maxScore > 0 {
		for name := range scores {
			scores[name] /= maxScore
		}
	}

	return scores
}

// bm25Score computes the raw BM25 score for a single (query, doc) pair.
func bm25Score(queryTerms map[string]bool, doc bm25Doc, idf map[string]float64, avgLen float64) float64 {
	dl := float64(doc.len)
	var score float64

	for term := range queryTerms {
		tf, inDoc := doc.tf[term]
		if !inDoc {
			continue
		}
		termIDF, known := idf[term]
		if !known {
			continue
		}

		tfFloat := float64(tf)
		numerator := tfFloat * (bm25K1 + 1)
		lengthNorm := bm25K1 * (1.0 - bm25B + bm25B*dl/avgLen)
		score += termIDF * (numerator / (tfFloat + lengthNorm))
	}

	return score
}
