// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package planner turns a natural-language goal into a validated
// multi-phase plan.
//
// # Architecture
//
// One strategic LLM call produces a draft plan. A fixed pipeline of
// rewrite passes (0-8) then repairs the structural defects language
// models reliably introduce: unanchored relative dates, redundant
// query phases, missing per-item distillation, hallucinated arguments,
// forward references. Deterministic passes always run; hybrid passes
// consult the LLM narrowly and degrade to no-ops when that call fails.
//
//	goal ──▶ strategic call ──▶ parse + normalize ──▶ temporal anchor
//	                                                      │
//	            pass 0 … pass 8 (pipeline.go) ◀───────────┘
//	                      │
//	                      ▼
//	            validated Plan + hydration side output
//
// The planner also serves autonomous error recovery: a recovery request
// carries the failure history, and the resulting plan re-enters only
// the validation pass (or none at all, per config).
//
// Thread Safety: a Planner is safe for concurrent use; all per-turn
// state travels in the Request.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/kodiak/pkg/dates"
	"github.com/AleutianAI/kodiak/services/agent"
	"github.com/AleutianAI/kodiak/services/agent/events"
	"github.com/AleutianAI/kodiak/services/llm"
	"github.com/AleutianAI/kodiak/services/retriever"
)

var plannerTracer = otel.Tracer("kodiak.agent.planner")

var plansGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kodiak_planner_plans_total",
	Help: "Plans generated, by plan type and outcome",
}, []string{"plan_type", "outcome"})

// Planner generates and rewrites plans. One instance serves every turn;
// catalog and config snapshots arrive per request so two sessions can
// never shear each other's view.
type Planner struct {
	llm       llm.Client
	retriever retriever.Retriever
}

// Option configures a Planner.
type Option func(*Planner)

// WithRetriever supplies the few-shot/knowledge retriever. Without one
// the planner runs zero-shot and report synthesis uses its fixed
// fallback message.
func WithRetriever(r retriever.Retriever) Option {
	return func(p *Planner) {
		p.retriever = r
	}
}

// New builds a Planner over the given LLM client.
func New(client llm.Client, opts ...Option) *Planner {
	p := &Planner{llm: client}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GeneratePlan produces a validated plan for the request's goal. It
// implements agent.PlanService.
//
// Description:
//
//	Issues the strategic LLM call, parses and normalizes the draft,
//	and runs the rewrite pipeline. Parse or validation failures retry
//	the whole generation with the failure fed back to the model, up to
//	the configured attempt budget.
//
// Outputs:
//
//	*agent.PlanArtifacts - The plan artifacts. Never nil on success.
//	error - A PLAN_GENERATION engine error when no usable plan emerged.
func (p *Planner) GeneratePlan(ctx context.Context, req *agent.PlanRequest) (*agent.PlanArtifacts, error) {
	ctx, span := plannerTracer.Start(ctx, "planner.GeneratePlan")
	defer span.End()

	if req.Catalog == nil || req.Config == nil {
		return nil, agent.NewPlanGenerationError("planner request is missing its catalog or config snapshot", nil)
	}
	goal := strings.TrimSpace(req.Goal)
	if goal == "" {
		return nil, agent.NewPlanGenerationError("goal is empty", nil)
	}
	span.SetAttributes(
		attribute.Bool("plan.recovery", req.Recovery != nil),
		attribute.Int("plan.history_entries", len(req.History)),
	)

	usage := &agent.TokenUsage{}
	system := systemPrompt(req.Catalog)
	base := userPrompt(req, p.fewShot(ctx, req))

	attempts := req.Config.PlannerRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		prompt := base
		if lastErr != nil {
			prompt = base + "\n\nYour previous response was unusable: " + lastErr.Error() +
				"\nReturn only the JSON plan."
		}

		completion, err := p.llm.Complete(ctx, system, prompt, llm.FormatJSON)
		if err != nil {
			lastErr = err
			slog.Warn("Strategic planning call failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			continue
		}
		usage.Add(completion.InputTokens, completion.OutputTokens)

		draft, err := parsePlan(completion.Text, req.Catalog)
		if err != nil {
			lastErr = err
			slog.Warn("Draft plan unusable",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			continue
		}
		if removed := stripExcluded(draft, req.Constraints); removed > 0 {
			slog.Info("Removed phases targeting excluded tools",
				slog.Int("removed", removed),
			)
		}
		capPhases(draft, req)
		if draft.Len() == 0 {
			lastErr = agent.ErrEmptyPlan
			continue
		}

		out, err := p.rewrite(ctx, req, draft, usage)
		if err != nil {
			lastErr = err
			continue
		}
		span.SetAttributes(
			attribute.String("plan.type", string(out.Plan.Type)),
			attribute.Int("plan.phases", out.Plan.Len()),
			attribute.Int("plan.attempts", attempt),
		)
		plansGenerated.WithLabelValues(string(out.Plan.Type), "success").Inc()
		return out, nil
	}

	plansGenerated.WithLabelValues("unknown", "failed").Inc()
	span.SetStatus(codes.Error, "plan generation failed")
	err := agent.NewPlanGenerationError(
		fmt.Sprintf("no usable plan after %d attempts", attempts), lastErr)
	span.RecordError(err)
	return nil, err
}

// rewrite snapshots the draft and drives it through the pipeline.
func (p *Planner) rewrite(ctx context.Context, req *agent.PlanRequest, draft *agent.Plan, usage *agent.TokenUsage) (*agent.PlanArtifacts, error) {
	generated := draft.Clone()
	if req.Emitter != nil {
		req.Emitter.Emit(events.TypePlanGenerated, events.PlanGeneratedData{
			PlanType:   string(draft.Type),
			PhaseCount: draft.Len(),
			Recovery:   req.Recovery != nil,
		})
	}

	pc := &passContext{
		goal:        req.Goal,
		catalog:     req.Catalog,
		cfg:         req.Config,
		constraints: req.Constraints,
		llm:         p.llm,
		retriever:   p.retriever,
		emitter:     req.Emitter,
		prevTrace:   req.PreviousTrace,
		usage:       usage,
	}
	if phrase, ok := dates.Match(req.Goal); ok {
		pc.phrase = phrase
	}

	if req.Recovery == nil {
		pc.hydrationEligible = true
		injectTemporalAnchor(pc, draft)
		runPasses(ctx, pc, draft, pipeline())
	} else {
		runPasses(ctx, pc, draft, recoveryPipeline(req.Config))
	}

	if err := draft.Validate(); err != nil {
		return nil, fmt.Errorf("rewritten plan is invalid: %w", err)
	}
	return &agent.PlanArtifacts{
		Generated: generated,
		Plan:      draft,
		Hydration: pc.hydration,
		Tokens:    *usage,
	}, nil
}

// fewShot retrieves example plans for the prompt. Advisory: failures
// and empty results both mean planning proceeds zero-shot.
func (p *Planner) fewShot(ctx context.Context, req *agent.PlanRequest) []retriever.Example {
	if p.retriever == nil || req.Config.FewShotExamples <= 0 {
		return nil
	}
	examples, err := p.retriever.Examples(ctx, req.Goal, req.Config.FewShotExamples)
	if err != nil {
		slog.Warn("Few-shot retrieval failed, planning zero-shot",
			slog.String("error", err.Error()),
		)
		return nil
	}
	return examples
}

// stripExcluded removes phases whose targets the constraints exclude.
// Exclusion is mechanical: recovery must never re-run a target that
// already failed past the ceiling, whatever the model returned.
func stripExcluded(pl *agent.Plan, constraints agent.PlanConstraints) int {
	removed := 0
	i := 1
	for i <= pl.Len() {
		if constraints.Excluded(pl.PhaseAt(i).Target.Name) {
			pl.RemovePhase(i)
			removed++
			continue
		}
		i++
	}
	return removed
}

// capPhases trims a plan that exceeds the phase budget.
func capPhases(pl *agent.Plan, req *agent.PlanRequest) {
	limit := req.Config.MaxPhases
	if req.Constraints.MaxPhases > 0 && req.Constraints.MaxPhases < limit {
		limit = req.Constraints.MaxPhases
	}
	if limit > 0 && pl.Len() > limit {
		slog.Warn("Plan exceeds the phase budget, truncating",
			slog.Int("phases", pl.Len()),
			slog.Int("limit", limit),
		)
		pl.Phases = pl.Phases[:limit]
		pl.Reindex()
	}
}
