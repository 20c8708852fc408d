// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package planner

import (
	"context"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/kodiak/services/agent"
	"github.com/AleutianAI/kodiak/services/agent/config"
	"github.com/AleutianAI/kodiak/services/agent/events"
	"github.com/AleutianAI/kodiak/services/llm"
	"github.com/AleutianAI/kodiak/services/retriever"
	"github.com/AleutianAI/kodiak/services/tools"
)

var passApplications = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kodiak_planner_passes_total",
	Help: "Rewrite pass runs, by pass name and outcome",
}, []string{"pass", "outcome"})

// passContext carries the per-turn collaborators into the passes. The
// passes mutate the plan; the context collects side outputs (token
// usage, hydration data).
type passContext struct {
	goal string

	// phrase is the relative time phrase found in the goal, "" if none.
	phrase string

	catalog     *tools.Catalog
	cfg         *config.Config
	constraints agent.PlanConstraints
	llm         llm.Client
	retriever   retriever.Retriever
	emitter     *events.Emitter
	prevTrace   []agent.TraceEntry
	usage       *agent.TokenUsage

	// hydrationEligible is false for recovery plans, whose reduced
	// pipeline never reaches the hydration pass; validation must then
	// clear a first-phase forward loop source instead of sparing it.
	hydrationEligible bool

	// hydration is set when a pass selects previous-turn data for the
	// injected slot.
	hydration *agent.InjectedTurnData

	docs       []retriever.Document
	docsLoaded bool
}

func (pc *passContext) emit(t events.Type, data any) {
	if pc.emitter != nil {
		pc.emitter.Emit(t, data)
	}
}

// complete wraps the tactical LLM call used by hybrid passes, folding
// token usage into the turn total.
func (pc *passContext) complete(ctx context.Context, system, user string, format llm.ResponseFormat) (string, error) {
	completion, err := pc.llm.Complete(ctx, system, user, format)
	if err != nil {
		return "", err
	}
	pc.usage.Add(completion.InputTokens, completion.OutputTokens)
	return completion.Text, nil
}

// documents retrieves background knowledge for report synthesis, once
// per turn. An absent retriever or a retrieval failure is just an empty
// result.
func (pc *passContext) documents(ctx context.Context) []retriever.Document {
	if pc.docsLoaded {
		return pc.docs
	}
	pc.docsLoaded = true
	if pc.retriever == nil || pc.cfg.KnowledgeDocuments <= 0 {
		return nil
	}
	docs, err := pc.retriever.Documents(ctx, pc.goal, pc.cfg.KnowledgeDocuments)
	if err != nil {
		slog.Warn("Knowledge retrieval failed",
			slog.String("error", err.Error()),
		)
		return nil
	}
	pc.docs = docs
	return docs
}

// pass is one pipeline rewrite. apply reports whether the plan changed.
type pass struct {
	number int
	name   string
	apply  func(ctx context.Context, pc *passContext, pl *agent.Plan) (bool, error)
}

// pipeline returns the full rewrite pipeline in execution order. The
// order is contractual: each pass's trigger is evaluated against the
// plan as the previous passes left it.
func pipeline() []pass {
	return []pass{
		{0, "temporal_wiring", pass0Temporal},
		{1, "consolidation", pass1Consolidate},
		{2, "loop_synthesis", pass2LoopSynthesis},
		{3, "batch_classification", pass3Classify},
		{4, "date_range_repair", pass4DateRange},
		{5, "validation", pass5Validate},
		{6, "hydration", pass6Hydrate},
		{7, "context_synthesis", pass7EmptyContext},
		{8, "final_phase", pass8FinalPhase},
	}
}

// recoveryPipeline returns the reduced pipeline for ERROR_RECOVERY
// plans: validation only, or nothing at all, per config.
func recoveryPipeline(cfg *config.Config) []pass {
	if cfg.RecoveryValidation == config.RecoveryValidationPass {
		return []pass{{5, "validation", pass5Validate}}
	}
	return nil
}

// runPasses drives the pipeline over the plan.
//
// Description:
//
//	A pass that errors degrades to a no-op: the plan is left as the
//	previous passes produced it and the pipeline continues. A rewrite
//	pass never aborts plan generation.
func runPasses(ctx context.Context, pc *passContext, pl *agent.Plan, passes []pass) {
	for _, p := range passes {
		if ctx.Err() != nil {
			return
		}
		before := pl.Len()
		changed, err := p.apply(ctx, pc, pl)
		switch {
		case err != nil:
			passApplications.WithLabelValues(p.name, "degraded").Inc()
			slog.Warn("Rewrite pass degraded",
				slog.Int("pass", p.number),
				slog.String("name", p.name),
				slog.String("error", err.Error()),
			)
			pc.emit(events.TypePassDegraded, events.PassDegradedData{
				Pass:   p.number,
				Name:   p.name,
				Reason: err.Error(),
			})
		case changed:
			passApplications.WithLabelValues(p.name, "applied").Inc()
			pc.emit(events.TypePassApplied, events.PassAppliedData{
				Pass:         p.number,
				Name:         p.name,
				PhasesBefore: before,
				PhasesAfter:  pl.Len(),
			})
		default:
			passApplications.WithLabelValues(p.name, "skipped").Inc()
		}
	}
}

// =============================================================================
// Shared pass helpers
// =============================================================================

// schemaFor resolves a target's schema against the catalog snapshot.
// Nil when the target is unknown.
func schemaFor(catalog *tools.Catalog, t agent.Target) *tools.Schema {
	if t.Kind == agent.TargetPrompt {
		if s, ok := catalog.PromptSchema(t.Name); ok {
			return s
		}
		return nil
	}
	if s, ok := catalog.ToolSchema(t.Name); ok {
		return s
	}
	return nil
}

// targetClass returns the catalog class of a phase's target, "" when
// unknown.
func targetClass(catalog *tools.Catalog, t agent.Target) string {
	if s := schemaFor(catalog, t); s != nil {
		return s.Class
	}
	return ""
}

// isEmptyValue reports whether an argument carries no usable content: a
// nil or blank-string literal. References are never empty here; whether
// they resolve is the resolver's question.
func isEmptyValue(v agent.ArgumentValue) bool {
	if v.Kind != agent.ArgLiteral {
		return false
	}
	if v.Literal == nil {
		return true
	}
	s, ok := v.Literal.(string)
	return ok && strings.TrimSpace(s) == ""
}

// referencesPhase reports whether any argument of ph references the
// given phase index.
func referencesPhase(ph *agent.Phase, index int) bool {
	for _, v := range ph.Arguments {
		if v.Kind == agent.ArgPhaseResult && v.Phase == index {
			return true
		}
	}
	return false
}
