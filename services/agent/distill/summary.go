// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package distill

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/AleutianAI/kodiak/services/agent/resolve"
)

const (
	// sampleSize is the number of rows kept from a reduced sequence.
	sampleSize = 3

	// previewChars is the head-preview length for oversized text.
	previewChars = 1000
)

var previewSeparators = []string{"\n\n", "\n", " ", ""}

// summarize builds the shape summary that replaces an oversized
// payload. The caller attaches the handle and distilled marker.
func (d *Distiller) summarize(payload any, tokens, rows int) map[string]any {
	switch t := payload.(type) {
	case map[string]any:
		return summarizeMap(t, tokens)
	case string:
		return map[string]any{
			SummaryKey:     fmt.Sprintf("text of %d chars (~%d tokens); head kept", len(t), tokens),
			PreviewKey:     headPreview(t),
			"length_chars": len(t),
		}
	default:
		if seq, ok := resolve.Sequence(payload); ok {
			return summarizeSequence(seq, tokens)
		}
		return map[string]any{
			SummaryKey: fmt.Sprintf("payload of ~%d tokens; head of rendering kept", tokens),
			PreviewKey: headPreview(render(payload)),
		}
	}
}

// summarizeMap keeps scalar and nested-map fields verbatim and
// replaces bulk fields. The largest reduced sequence contributes the
// sample and column listing.
func summarizeMap(t map[string]any, tokens int) map[string]any {
	out := make(map[string]any, len(t)+4)
	var reduced []string
	var primary []any
	primaryKey := ""

	for k, v := range t {
		if s, ok := v.(string); ok && len(s) > previewChars {
			out[k] = headPreview(s)
			reduced = append(reduced, fmt.Sprintf("%s (text of %d chars)", k, len(s)))
			continue
		}
		if seq, ok := sequenceValue(v); ok && len(seq) > sampleSize {
			reduced = append(reduced, fmt.Sprintf("%s (%d rows)", k, len(seq)))
			if len(seq) > len(primary) {
				primary = seq
				primaryKey = k
			}
			continue
		}
		out[k] = v
	}

	if len(reduced) == 0 {
		// Oversized without any single bulk field; keep the head of the
		// rendering rather than an unshrunk copy.
		return map[string]any{
			SummaryKey: fmt.Sprintf("payload of %d fields (~%d tokens); head of rendering kept", len(t), tokens),
			PreviewKey: headPreview(render(t)),
		}
	}

	sort.Strings(reduced)
	out[SummaryKey] = fmt.Sprintf("reduced %s; first %d rows of %q kept",
		strings.Join(reduced, ", "), sampleSize, primaryKey)
	out[SampleKey] = append([]any(nil), primary[:sampleSize]...)
	if cols := columnsOf(primary); len(cols) > 0 {
		out[ColumnsKey] = cols
	}
	if _, has := out[RowCountKey]; !has {
		out[RowCountKey] = len(primary)
	}
	return out
}

func summarizeSequence(seq []any, tokens int) map[string]any {
	n := sampleSize
	if n > len(seq) {
		n = len(seq)
	}
	out := map[string]any{
		SummaryKey:  fmt.Sprintf("%d rows (~%d tokens); first %d kept", len(seq), tokens, n),
		SampleKey:   append([]any(nil), seq[:n]...),
		RowCountKey: len(seq),
	}
	if cols := columnsOf(seq); len(cols) > 0 {
		out[ColumnsKey] = cols
	}
	return out
}

// sequenceValue coerces direct sequence values. Maps are not probed
// here; a nested map field stays a map in the summary.
func sequenceValue(v any) ([]any, bool) {
	if _, isMap := v.(map[string]any); isMap {
		return nil, false
	}
	return resolve.Sequence(v)
}

// columnsOf lists the sorted keys of the first row when rows are maps.
func columnsOf(seq []any) []string {
	if len(seq) == 0 {
		return nil
	}
	row, ok := seq[0].(map[string]any)
	if !ok {
		return nil
	}
	cols := make([]string, 0, len(row))
	for k := range row {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// headPreview returns the leading chunk of s, split on natural
// boundaries so the preview does not cut mid-word.
func headPreview(s string) string {
	if len(s) <= previewChars {
		return s
	}
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(previewChars),
		textsplitter.WithChunkOverlap(0),
		textsplitter.WithSeparators(previewSeparators),
	)
	chunks, err := splitter.SplitText(s)
	if err != nil || len(chunks) == 0 {
		return s[:previewChars] + "..."
	}
	return chunks[0] + "..."
}
