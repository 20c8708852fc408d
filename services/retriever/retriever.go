// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retriever supplies the planner with few-shot plan examples and
// background knowledge documents. Retrieval is advisory: an empty result
// set is a normal outcome and the planner proceeds zero-shot.
package retriever

import (
	"context"
	"sort"
	"strings"
)

// Example is a previously successful goal/plan pair used as a few-shot
// demonstration in the planning prompt.
type Example struct {
	// Goal is the user goal the example plan was written for.
	Goal string `json:"goal"`

	// PlanJSON is the serialized plan, stored verbatim so the prompt shows
	// the model exactly the output shape expected of it.
	PlanJSON string `json:"plan_json"`

	// PlanType labels the example (standard, conversational, error_recovery).
	PlanType string `json:"plan_type"`
}

// Document is a background knowledge chunk consumed by report synthesis
// when a reporting phase has no upstream answer content.
type Document struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Source  string `json:"source"`
}

// Retriever fetches plan examples and knowledge documents relevant to a
// query.
//
// Thread Safety: implementations must be safe for concurrent use.
type Retriever interface {
	// Examples returns up to limit plan examples ranked by relevance to
	// the query. An empty slice with a nil error means nothing matched.
	Examples(ctx context.Context, query string, limit int) ([]Example, error)

	// Documents returns up to limit knowledge documents ranked by
	// relevance to the query. An empty slice with a nil error means
	// nothing matched.
	Documents(ctx context.Context, query string, limit int) ([]Document, error)
}

// =============================================================================
// Static retriever
// =============================================================================

// Static serves a fixed corpus from memory, ranked by naive term overlap.
// It backs tests and offline deployments that have no vector store.
type Static struct {
	examples  []Example
	documents []Document
}

// NewStatic builds a Static retriever over the given corpus. Both slices
// may be nil.
func NewStatic(examples []Example, documents []Document) *Static {
	return &Static{examples: examples, documents: documents}
}

// Examples implements Retriever.
func (s *Static) Examples(_ context.Context, query string, limit int) ([]Example, error) {
	type scored struct {
		ex    Example
		score int
	}
	terms := queryTerms(query)
	ranked := make([]scored, 0, len(s.examples))
	for _, ex := range s.examples {
		if sc := overlap(terms, ex.Goal); sc > 0 {
			ranked = append(ranked, scored{ex: ex, score: sc})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	out := make([]Example, 0, limit)
	for _, r := range ranked {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, r.ex)
	}
	return out, nil
}

// Documents implements Retriever.
func (s *Static) Documents(_ context.Context, query string, limit int) ([]Document, error) {
	type scored struct {
		doc   Document
		score int
	}
	terms := queryTerms(query)
	ranked := make([]scored, 0, len(s.documents))
	for _, doc := range s.documents {
		sc := overlap(terms, doc.Title) + overlap(terms, doc.Content)
		if sc > 0 {
			ranked = append(ranked, scored{doc: doc, score: sc})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	out := make([]Document, 0, limit)
	for _, r := range ranked {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, r.doc)
	}
	return out, nil
}

// queryTerms lowercases and splits a query into match terms, dropping
// one- and two-letter words that match everything.
func queryTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) > 2 {
			terms = append(terms, f)
		}
	}
	return terms
}

// overlap counts how many query terms appear in the candidate text.
func overlap(terms []string, text string) int {
	lower := strings.ToLower(text)
	n := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			n++
		}
	}
	return n
}
