// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package distill shrinks oversized tool payloads into shape summaries
// before they enter workflow state, where they would otherwise be fed
// back into planning and correction prompts verbatim. The full payload
// is parked in a handle store so the reporting phase can still receive
// it intact.
//
// A payload is oversized when its JSON rendering exceeds the token
// limit or when it carries more rows than the row limit. Scalar fields
// of a map payload always survive distillation so that downstream
// phase references keep resolving.
package distill

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/kodiak/services/agent/resolve"
)

const (
	// DefaultTokenLimit is the rendered-size ceiling before a payload
	// is summarized.
	DefaultTokenLimit = 2000

	// DefaultRowLimit is the row-count ceiling before a tabular payload
	// is summarized.
	DefaultRowLimit = 50

	// encodingName selects the BPE used for token counting.
	encodingName = "cl100k_base"

	// charsPerToken is the approximation ratio used when the BPE
	// encoding cannot be loaded.
	charsPerToken = 3.5
)

// Well-known keys in a distilled summary payload.
const (
	// HandleKey references the parked full payload.
	HandleKey = "result_handle"

	// DistilledKey marks a payload as a summary, not original data.
	DistilledKey = "distilled"

	SummaryKey  = "summary"
	SampleKey   = "sample_rows"
	RowCountKey = "row_count"
	ColumnsKey  = "columns"
	PreviewKey  = "preview"
)

var tracer = otel.Tracer("kodiak.agent.distill")

var distillOps = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kodiak_distill_operations_total",
	Help: "Distillation outcomes by reason (passthrough, tokens, rows).",
}, []string{"outcome"})

// TokenCounter reports the number of tokens in a rendered payload.
type TokenCounter interface {
	Count(text string) int
}

// tiktokenCounter counts with the cl100k_base BPE. The encoding is
// loaded lazily; if it cannot be loaded the counter degrades to the
// character-ratio approximation.
type tiktokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

func (c *tiktokenCounter) Count(text string) int {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(encodingName)
		if err != nil {
			slog.Warn("token encoding unavailable, using character approximation",
				slog.String("encoding", encodingName),
				slog.Any("error", err))
			return
		}
		c.enc = enc
	})
	if c.enc == nil {
		return int(float64(len(text)) / charsPerToken)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// Result is the outcome of distilling one payload.
type Result struct {
	// Payload is what should enter workflow state. Identical to the
	// input when no distillation was needed.
	Payload any

	// Handle references the parked full payload. Empty on passthrough.
	Handle string

	// Distilled reports whether Payload is a summary.
	Distilled bool

	// Tokens is the measured size of the original payload's rendering.
	Tokens int

	// Rows is the row count when the payload carries a sequence.
	Rows int
}

// Distiller applies the size policy to tool payloads.
//
// Thread Safety: safe for concurrent use; the handle store carries its
// own lock and the limits are immutable after construction.
type Distiller struct {
	tokenLimit int
	rowLimit   int
	counter    TokenCounter
	store      *Store
}

// Option configures a Distiller.
type Option func(*Distiller)

// WithLimits overrides the token and row ceilings. Non-positive values
// keep the defaults.
func WithLimits(tokenLimit, rowLimit int) Option {
	return func(d *Distiller) {
		if tokenLimit > 0 {
			d.tokenLimit = tokenLimit
		}
		if rowLimit > 0 {
			d.rowLimit = rowLimit
		}
	}
}

// WithTokenCounter sets a custom token counter. Use this to integrate
// a model-specific tokenizer or a deterministic counter in tests.
func WithTokenCounter(tc TokenCounter) Option {
	return func(d *Distiller) {
		if tc != nil {
			d.counter = tc
		}
	}
}

// WithStore shares an existing handle store between distillers.
func WithStore(s *Store) Option {
	return func(d *Distiller) {
		if s != nil {
			d.store = s
		}
	}
}

// New creates a Distiller with the default limits and the cl100k_base
// token counter.
func New(opts ...Option) *Distiller {
	d := &Distiller{
		tokenLimit: DefaultTokenLimit,
		rowLimit:   DefaultRowLimit,
		counter:    &tiktokenCounter{},
		store:      NewStore(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Store returns the handle store backing this distiller.
func (d *Distiller) Store() *Store {
	return d.store
}

// Distill measures a payload and, when it exceeds either limit, parks
// the original under a handle and returns a shape summary in its
// place.
//
// Description:
//
//	Payloads at or under both limits pass through untouched. Oversized
//	map payloads keep their scalar fields and have bulk fields replaced
//	by a sample and column listing; oversized sequences and strings are
//	reduced to a sample or head preview. Already-distilled payloads
//	pass through.
//
// Outputs:
//
//	Result - the payload for workflow state plus measurement detail.
func (d *Distiller) Distill(ctx context.Context, payload any) Result {
	_, span := tracer.Start(ctx, "Distiller.Distill")
	defer span.End()

	if payload == nil {
		distillOps.WithLabelValues("passthrough").Inc()
		return Result{Payload: payload}
	}
	if m, ok := payload.(map[string]any); ok {
		if _, already := m[HandleKey]; already {
			distillOps.WithLabelValues("passthrough").Inc()
			return Result{Payload: payload, Distilled: true}
		}
	}

	tokens := d.counter.Count(render(payload))
	rows := 0
	if items, ok := resolve.Sequence(payload); ok {
		rows = len(items)
	}
	span.SetAttributes(
		attribute.Int("payload.tokens", tokens),
		attribute.Int("payload.rows", rows),
	)

	if tokens <= d.tokenLimit && rows <= d.rowLimit {
		distillOps.WithLabelValues("passthrough").Inc()
		return Result{Payload: payload, Tokens: tokens, Rows: rows}
	}

	outcome := "tokens"
	if rows > d.rowLimit {
		outcome = "rows"
	}
	distillOps.WithLabelValues(outcome).Inc()

	handle := d.store.Put(payload)
	summary := d.summarize(payload, tokens, rows)
	summary[HandleKey] = handle
	summary[DistilledKey] = true

	span.SetAttributes(attribute.String("payload.handle", handle))
	slog.Debug("distilled oversized payload",
		slog.Int("tokens", tokens),
		slog.Int("rows", rows),
		slog.String("handle", handle))

	return Result{
		Payload:   summary,
		Handle:    handle,
		Distilled: true,
		Tokens:    tokens,
		Rows:      rows,
	}
}

// Rehydrate replaces distilled summaries inside v with their parked
// full payloads. Values without a handle, and handles that have been
// evicted, pass through unchanged.
//
// The executor applies this to resolved arguments before a tool call
// so that tools always receive original data while prompts see the
// summaries.
func (d *Distiller) Rehydrate(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if h, ok := t[HandleKey].(string); ok {
			if full, found := d.store.Get(h); found {
				return full
			}
			return v
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = d.Rehydrate(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = d.Rehydrate(el)
		}
		return out
	default:
		return v
	}
}

// RehydrateArguments applies Rehydrate to every value of a resolved
// argument map, returning a new map.
func (d *Distiller) RehydrateArguments(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = d.Rehydrate(v)
	}
	return out
}

// render produces the text whose token count stands for the payload's
// context cost.
func render(payload any) string {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%v", payload)
	}
	return string(data)
}
