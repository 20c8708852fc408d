// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package expand holds the execution-time orchestrators: transparent
// rewrites of one logical tool call into the several concrete calls it
// actually requires.
//
// # Architecture
//
// Orchestrators are an ordered list of {Match, Run} pairs, tried
// first-match-wins after the executor has resolved a phase's action and
// before the single invocation would happen:
//
//	date_range        "usage for the past 2 days" -> one call per day
//	column_iteration  "all columns of X" on a per-column tool
//	hallucinated_loop loop_over is literal strings, not a reference
//
// Every underlying call an orchestrator makes is recorded on the trace
// individually; the executor only ever sees the one consolidated
// outcome. Orchestrators never mutate the phase or the workflow state.
//
// Thread Safety: a Runtime serves one phase execution and is not safe
// for concurrent use; the backing trace handles its own locking.
package expand

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/kodiak/pkg/dates"
	"github.com/AleutianAI/kodiak/services/agent"
	"github.com/AleutianAI/kodiak/services/llm"
	"github.com/AleutianAI/kodiak/services/tools"
)

var expandTracer = otel.Tracer("kodiak.agent.expand")

var expansions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kodiak_orchestrator_expansions_total",
	Help: "Orchestrator expansions by name and outcome",
}, []string{"orchestrator", "outcome"})

// Invoker issues one recorded call against a resolved target. The
// executor implements it so tool calls made inside an expansion land on
// the trace exactly like direct phase calls.
type Invoker interface {
	Invoke(ctx context.Context, target agent.Target, args map[string]any, meta map[string]any) (*tools.InvokeResult, error)
}

// Runtime is the execution surface an orchestrator works through.
type Runtime struct {
	// Invoker issues the underlying calls.
	Invoker Invoker

	// Catalog is the per-turn catalog snapshot, used to locate helper
	// tools (clock, describe) the expansion needs.
	Catalog *tools.Catalog

	// LLM serves the hallucinated-loop classification call. Optional;
	// without it the orchestrator falls back to its heuristics.
	LLM llm.Client

	// Trace receives info entries for expansion decisions.
	Trace *agent.ExecutionTrace

	// Phase is the plan index the expansion belongs to.
	Phase int

	// Usage accumulates classification-call tokens. Optional.
	Usage *agent.TokenUsage
}

// Input is what an orchestrator inspects: the phase, its target schema,
// and the fully resolved arguments.
type Input struct {
	Phase  *agent.Phase
	Schema *tools.Schema

	// Args are the resolved arguments for a standard phase.
	Args map[string]any

	// Loop marks a loop-phase input; LoopItems carries the resolved
	// loop_over sequence.
	Loop      bool
	LoopItems []any
}

// Orchestrator is one expansion rule: a cheap trigger test and the
// expansion itself. Kept as data so new rules are list entries, not
// subclasses.
type Orchestrator struct {
	Name  string
	Match func(in *Input) bool
	Run   func(ctx context.Context, rt *Runtime, in *Input) (*tools.InvokeResult, error)
}

// orchestrators returns the expansion rules in priority order.
func orchestrators() []Orchestrator {
	return []Orchestrator{
		dateRangeOrchestrator(),
		columnIterationOrchestrator(),
		hallucinatedLoopOrchestrator(),
	}
}

// Apply tries each orchestrator against the input and runs the first
// match.
//
// Description:
//
//	The consolidated result carries every underlying payload; the
//	individual calls are already on the trace by the time Apply
//	returns. A returned error is a transport failure and is retryable;
//	a tool-level failure inside the expansion comes back as an error
//	result instead.
//
// Outputs:
//
//	*tools.InvokeResult - The consolidated outcome. Nil when no rule matched.
//	string - The matched orchestrator name, "" when none matched.
//	error - Transport failure during the expansion.
func Apply(ctx context.Context, rt *Runtime, in *Input) (*tools.InvokeResult, string, error) {
	ctx, span := expandTracer.Start(ctx, "expand.Apply")
	defer span.End()

	for _, o := range orchestrators() {
		if !o.Match(in) {
			continue
		}
		span.SetAttributes(
			attribute.String("orchestrator", o.Name),
			attribute.String("target", in.Phase.Target.String()),
		)
		result, err := o.Run(ctx, rt, in)
		switch {
		case err != nil:
			expansions.WithLabelValues(o.Name, "transport_error").Inc()
		case result.Succeeded():
			expansions.WithLabelValues(o.Name, "success").Inc()
		default:
			expansions.WithLabelValues(o.Name, "tool_error").Inc()
		}
		return result, o.Name, err
	}
	return nil, "", nil
}

// anchorDate finds the turn's current-date anchor: the latest successful
// clock-tool call on the trace, or a fresh clock invocation when none
// ran yet.
func anchorDate(ctx context.Context, rt *Runtime, in *Input) (time.Time, error) {
	clock, ok := rt.Catalog.FirstToolByClass(tools.ClassClock)
	if ok {
		if anchor, found := anchorFromTrace(rt.Trace, clock.Name); found {
			return anchor, nil
		}
		target := agent.Target{Kind: agent.TargetTool, Name: clock.Name}
		result, err := rt.Invoker.Invoke(ctx, target, map[string]any{}, map[string]any{
			"orchestrator": "date_range",
			"reason":       "anchor",
		})
		if err != nil {
			return time.Time{}, err
		}
		if result.Succeeded() {
			if anchor, found := dateFromPayload(result.Payload); found {
				return anchor, nil
			}
		}
	}
	// No clock tool, or it returned nothing date-shaped. Expansion would
	// rather anchor on the wall clock than fail the whole phase.
	return time.Now().UTC(), nil
}

// anchorFromTrace scans for the most recent successful clock call.
func anchorFromTrace(trace *agent.ExecutionTrace, clockName string) (time.Time, bool) {
	if trace == nil {
		return time.Time{}, false
	}
	entries := trace.Entries()
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Action.Target.Name != clockName || e.Result.Status != agent.TraceSuccess {
			continue
		}
		if anchor, ok := dateFromPayload(e.Result.Payload); ok {
			return anchor, true
		}
	}
	return time.Time{}, false
}

// dateFromPayload pulls a concrete date out of a clock payload.
func dateFromPayload(payload any) (time.Time, bool) {
	m, ok := payload.(map[string]any)
	if !ok {
		return time.Time{}, false
	}
	raw, ok := m["date"].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(dates.Format, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// errResult wraps an expansion-level failure as a tool error so the
// correction chain sees it like any backend rejection.
func errResult(format string, args ...any) *tools.InvokeResult {
	return &tools.InvokeResult{
		Status:    tools.InvokeError,
		ErrorText: fmt.Sprintf(format, args...),
	}
}
