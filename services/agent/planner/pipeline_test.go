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
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/AleutianAI/kodiak/services/agent"
	"github.com/AleutianAI/kodiak/services/agent/config"
	"github.com/AleutianAI/kodiak/services/agent/events"
	"github.com/AleutianAI/kodiak/services/llm"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Default(context.Background())
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	return cfg
}

func planRequest(t *testing.T, goal string) *agent.PlanRequest {
	t.Helper()
	return &agent.PlanRequest{
		Goal:    goal,
		Catalog: testCatalog(t),
		Config:  testConfig(t),
		Emitter: events.NewEmitter(),
	}
}

// appliedPasses returns the pass names that reported a change, in order.
func appliedPasses(em *events.Emitter) []string {
	var names []string
	for _, ev := range em.BufferByType(events.TypePassApplied) {
		names = append(names, ev.Data.(events.PassAppliedData).Name)
	}
	return names
}

func assertContiguousNoForwardRefs(t *testing.T, pl *agent.Plan) {
	t.Helper()
	for i, ph := range pl.Phases {
		if ph.Index != i+1 {
			t.Errorf("phase at position %d has index %d", i+1, ph.Index)
		}
		for name, v := range ph.Arguments {
			if v.Kind == agent.ArgPhaseResult && v.Phase >= ph.Index {
				t.Errorf("phase %d argument %s references phase %d", ph.Index, name, v.Phase)
			}
		}
	}
}

// A goal with a relative time phrase and a draft that never establishes
// a date anchor: the pipeline must insert the clock phase, wire the
// phrase into the query's date argument, and close with a report phase.
func TestGeneratePlan_RelativeDateGetsAnchorAndReport(t *testing.T) {
	client := llm.Script(llm.ScriptedResponse{
		Text:         `[{"goal": "query cpu", "tool": "query_metrics", "args": {"measurement": "cpu"}}]`,
		InputTokens:  100,
		OutputTokens: 20,
	})
	req := planRequest(t, "What was the average cpu over the past 2 days?")

	out, err := New(client).GeneratePlan(context.Background(), req)
	if err != nil {
		t.Fatalf("GeneratePlan failed: %v", err)
	}
	if client.CallCount() != 1 {
		t.Errorf("LLM calls = %d, want 1 (strategic only)", client.CallCount())
	}
	if client.Calls[0].Format != llm.FormatJSON {
		t.Errorf("strategic call format = %s, want JSON", client.Calls[0].Format)
	}

	// The generated snapshot is the draft as parsed, before any rewrite.
	if out.Generated.Len() != 1 {
		t.Errorf("generated snapshot has %d phases, want 1", out.Generated.Len())
	}
	if out.Plan.Len() != 3 {
		t.Fatalf("rewritten plan has %d phases, want 3 (anchor, query, report)", out.Plan.Len())
	}

	anchor := out.Plan.PhaseAt(1)
	if anchor.Target.Kind != agent.TargetTool || anchor.Target.Name != "current_date" {
		t.Errorf("phase 1 target: %+v, want the clock tool", anchor.Target)
	}

	query := out.Plan.PhaseAt(2)
	if query.Target.Name != "query_metrics" {
		t.Errorf("phase 2 target: %+v", query.Target)
	}
	if m := query.Arguments["measurement"]; m.Kind != agent.ArgLiteral || m.Literal != "cpu" {
		t.Errorf("measurement argument: %+v", m)
	}
	if d := query.Arguments["date"]; d.Kind != agent.ArgLiteral || d.Literal != "past 2 days" {
		t.Errorf("date argument: %+v, want the goal's phrase as a literal", d)
	}

	report := out.Plan.PhaseAt(3)
	if report.Target.Name != "compose_report" {
		t.Errorf("phase 3 target: %+v, want the report tool", report.Target)
	}
	if c := report.Arguments["content"]; c.Kind != agent.ArgPhaseResult || c.Phase != 2 {
		t.Errorf("report content argument: %+v, want a reference to phase 2", c)
	}

	if out.Hydration != nil {
		t.Errorf("unexpected hydration: %+v", out.Hydration)
	}
	if out.Tokens != (agent.TokenUsage{Input: 100, Output: 20}) {
		t.Errorf("tokens = %+v, want the strategic call's counts", out.Tokens)
	}

	gen := req.Emitter.BufferByType(events.TypePlanGenerated)
	if len(gen) != 1 {
		t.Fatalf("plan_generated events = %d, want 1", len(gen))
	}
	if data := gen[0].Data.(events.PlanGeneratedData); data.PhaseCount != 1 || data.Recovery {
		t.Errorf("plan_generated payload: %+v", data)
	}
	names := appliedPasses(req.Emitter)
	want := []string{"temporal_wiring", "final_phase"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("applied passes = %v, want %v", names, want)
	}
}

// A draft with every defect validation repairs: an unknown target, an
// argument outside the schema, a synonym-named argument, and forward
// references. The result must be contiguous with no forward references.
func TestGeneratePlan_ValidationRepairsDraftDefects(t *testing.T) {
	client := llm.Script(llm.ScriptedResponse{Text: `[
		{"goal": "do something", "tool": "make_coffee"},
		{"goal": "query cpu", "tool": "query_metrics",
		 "args": {"metric": "cpu", "bogus": "x", "filter": "$phase_9.rows"}},
		{"goal": "list measurements", "tool": "list_measurements"},
		{"goal": "summarize", "prompt": "summarize_results", "args": {"content": "$phase_3"}}
	]`})
	req := planRequest(t, "Summarize cpu and memory activity")

	out, err := New(client).GeneratePlan(context.Background(), req)
	if err != nil {
		t.Fatalf("GeneratePlan failed: %v", err)
	}
	if client.CallCount() != 1 {
		t.Errorf("LLM calls = %d, want 1", client.CallCount())
	}
	if out.Plan.Len() != 4 {
		t.Fatalf("plan has %d phases, want 4 (stripped phase replaced by appended report)", out.Plan.Len())
	}
	assertContiguousNoForwardRefs(t, out.Plan)

	query := out.Plan.PhaseAt(1)
	if query.Target.Name != "query_metrics" {
		t.Fatalf("phase 1 target: %+v, want query_metrics after the strip", query.Target)
	}
	if m := query.Arguments["measurement"]; m.Kind != agent.ArgLiteral || m.Literal != "cpu" {
		t.Errorf("synonym rescue: measurement = %+v", m)
	}
	if _, ok := query.Arguments["metric"]; ok {
		t.Error("synonym source argument survived")
	}
	if _, ok := query.Arguments["bogus"]; ok {
		t.Error("argument outside the schema survived")
	}
	if f := query.Arguments["filter"]; f.Kind != agent.ArgLiteral || f.Literal != nil {
		t.Errorf("forward filter reference = %+v, want a nil literal", f)
	}
	if query.NeedsRefinement {
		t.Error("query needs no refinement: its required argument survived")
	}

	// The backward reference followed the renumbering after the strip.
	sum := out.Plan.PhaseAt(3)
	if sum.Target.Name != "summarize_results" {
		t.Fatalf("phase 3 target: %+v", sum.Target)
	}
	if c := sum.Arguments["content"]; c.Kind != agent.ArgPhaseResult || c.Phase != 2 {
		t.Errorf("content argument = %+v, want a reference to phase 2", c)
	}

	report := out.Plan.PhaseAt(4)
	if report.Target.Name != "compose_report" {
		t.Errorf("phase 4 target: %+v", report.Target)
	}
	if c := report.Arguments["content"]; c.Kind != agent.ArgPhaseResult || c.Phase != 3 {
		t.Errorf("report content argument: %+v", c)
	}
}

// When the consolidation merge call fails, the run must survive exactly
// as generated and the pass must report degradation, not abort the turn.
func TestGeneratePlan_ConsolidationFailureLeavesRunUntouched(t *testing.T) {
	client := llm.Script(
		llm.ScriptedResponse{Text: `[
			{"goal": "query cpu", "tool": "query_metrics", "args": {"measurement": "cpu"}},
			{"goal": "query mem", "tool": "query_metrics", "args": {"measurement": "mem"}}
		]`},
		llm.ScriptedResponse{Match: "Phases to merge", Err: errors.New("tactical model unavailable")},
	)
	req := planRequest(t, "Compare cpu and memory usage")

	out, err := New(client).GeneratePlan(context.Background(), req)
	if err != nil {
		t.Fatalf("GeneratePlan failed: %v", err)
	}
	if client.CallCount() != 2 {
		t.Errorf("LLM calls = %d, want 2 (strategic + failed merge)", client.CallCount())
	}
	if out.Plan.Len() != 3 {
		t.Fatalf("plan has %d phases, want 3 (both queries + report)", out.Plan.Len())
	}
	for i, want := range []string{"cpu", "mem"} {
		ph := out.Plan.PhaseAt(i + 1)
		if ph.Target.Name != "query_metrics" {
			t.Errorf("phase %d target: %+v", i+1, ph.Target)
		}
		if m := ph.Arguments["measurement"]; m.Literal != want {
			t.Errorf("phase %d measurement = %+v, want %q", i+1, m, want)
		}
	}

	degraded := req.Emitter.BufferByType(events.TypePassDegraded)
	if len(degraded) != 1 {
		t.Fatalf("pass_degraded events = %d, want 1", len(degraded))
	}
	data := degraded[0].Data.(events.PassDegradedData)
	if data.Name != "consolidation" || !strings.Contains(data.Reason, "unavailable") {
		t.Errorf("degradation payload: %+v", data)
	}
}

func TestGeneratePlan_ConsolidationMergesAdjacentQueries(t *testing.T) {
	client := llm.Script(
		llm.ScriptedResponse{Text: `[
			{"goal": "query cpu", "tool": "query_metrics", "args": {"measurement": "cpu"}},
			{"goal": "query mem", "tool": "query_metrics", "args": {"measurement": "mem"}}
		]`},
		llm.ScriptedResponse{
			Match: "Phases to merge",
			Text:  `{"goal": "query cpu and mem", "tool": "query_metrics", "args": {"measurement": ["cpu", "mem"]}}`,
		},
	)
	req := planRequest(t, "Compare cpu and memory usage")

	out, err := New(client).GeneratePlan(context.Background(), req)
	if err != nil {
		t.Fatalf("GeneratePlan failed: %v", err)
	}
	if client.CallCount() != 2 {
		t.Errorf("LLM calls = %d, want 2", client.CallCount())
	}
	if !strings.Contains(client.Calls[1].Prompt, "Phases to merge") {
		t.Errorf("merge prompt: %.80s", client.Calls[1].Prompt)
	}
	if out.Plan.Len() != 2 {
		t.Fatalf("plan has %d phases, want 2 (merged query + report)", out.Plan.Len())
	}

	merged := out.Plan.PhaseAt(1)
	if merged.Target.Name != "query_metrics" || merged.IsLoop() {
		t.Errorf("merged phase: target=%+v kind=%s", merged.Target, merged.Kind)
	}
	m := merged.Arguments["measurement"]
	if m.Kind != agent.ArgLiteral || !reflect.DeepEqual(m.Literal, []any{"cpu", "mem"}) {
		t.Errorf("merged measurement = %+v, want the combined list", m)
	}
	if c := out.Plan.PhaseAt(2).Arguments["content"]; c.Phase != 1 {
		t.Errorf("report content argument: %+v, want a reference to the merged phase", c)
	}

	var found bool
	for _, ev := range req.Emitter.BufferByType(events.TypePassApplied) {
		data := ev.Data.(events.PassAppliedData)
		if data.Name != "consolidation" {
			continue
		}
		found = true
		if data.PhasesBefore != 2 || data.PhasesAfter != 1 {
			t.Errorf("consolidation counts: %+v", data)
		}
	}
	if !found {
		t.Error("no pass_applied event for consolidation")
	}
}

// Appending the final report phase must be idempotent and must leave
// conversational plans and plans already ending in a report alone.
func TestPass8FinalPhase_Idempotent(t *testing.T) {
	pc := &passContext{
		goal:    "count rows",
		catalog: testCatalog(t),
		cfg:     testConfig(t),
		usage:   &agent.TokenUsage{},
	}
	ctx := context.Background()

	pl := agent.NewPlan(agent.PlanStandard)
	pl.Phases = []*agent.Phase{{
		Index:  1,
		Goal:   "count rows",
		Kind:   agent.PhaseStandard,
		Target: agent.Target{Kind: agent.TargetTool, Name: "query_metrics"},
	}}

	changed, err := pass8FinalPhase(ctx, pc, pl)
	if err != nil || !changed {
		t.Fatalf("first run: changed=%v err=%v", changed, err)
	}
	if pl.Len() != 2 || pl.LastPhase().Target.Name != "compose_report" {
		t.Fatalf("after first run: len=%d last=%+v", pl.Len(), pl.LastPhase().Target)
	}
	if c := pl.LastPhase().Arguments["content"]; c.Kind != agent.ArgPhaseResult || c.Phase != 1 {
		t.Errorf("report content argument: %+v", c)
	}

	changed, err = pass8FinalPhase(ctx, pc, pl)
	if err != nil || changed {
		t.Errorf("second run: changed=%v err=%v, want a no-op", changed, err)
	}
	if pl.Len() != 2 {
		t.Errorf("second run grew the plan to %d phases", pl.Len())
	}

	// A context-report ending already satisfies the invariant.
	ctxPlan := agent.NewPlan(agent.PlanStandard)
	ctxPlan.Phases = []*agent.Phase{{
		Index:  1,
		Goal:   "answer",
		Kind:   agent.PhaseStandard,
		Target: agent.Target{Kind: agent.TargetPrompt, Name: "answer_from_context"},
	}}
	if changed, _ := pass8FinalPhase(ctx, pc, ctxPlan); changed || ctxPlan.Len() != 1 {
		t.Errorf("context-report plan: changed=%v len=%d", changed, ctxPlan.Len())
	}

	conv := agent.NewPlan(agent.PlanConversational)
	conv.Phases = ctxPlan.Clone().Phases
	if changed, _ := pass8FinalPhase(ctx, pc, conv); changed {
		t.Error("conversational plan must not get a report phase")
	}

	if changed, _ := pass8FinalPhase(ctx, pc, agent.NewPlan(agent.PlanStandard)); changed {
		t.Error("empty plan must stay empty")
	}
}

func TestGeneratePlan_RetryFeedsFailureBack(t *testing.T) {
	client := llm.Script(
		llm.ScriptedResponse{Text: "I cannot produce a plan right now."},
		llm.ScriptedResponse{Text: `[{"goal": "list", "tool": "list_measurements"}]`},
	)
	req := planRequest(t, "What measurements exist?")

	out, err := New(client).GeneratePlan(context.Background(), req)
	if err != nil {
		t.Fatalf("GeneratePlan failed: %v", err)
	}
	if client.CallCount() != 2 {
		t.Fatalf("LLM calls = %d, want 2", client.CallCount())
	}
	if strings.Contains(client.Calls[0].Prompt, "unusable") {
		t.Error("first attempt already carries failure feedback")
	}
	second := client.Calls[1].Prompt
	if !strings.Contains(second, "Your previous response was unusable") ||
		!strings.Contains(second, "Return only the JSON plan.") {
		t.Errorf("retry prompt lacks the failure feedback: %.160s", second)
	}
	if out.Plan.PhaseAt(1).Target.Name != "list_measurements" {
		t.Errorf("phase 1 target: %+v", out.Plan.PhaseAt(1).Target)
	}
}

func TestGeneratePlan_ExhaustedRetriesFail(t *testing.T) {
	client := llm.Script(
		llm.ScriptedResponse{Text: "nope"},
		llm.ScriptedResponse{Text: "still nope"},
	)
	req := planRequest(t, "What measurements exist?")

	_, err := New(client).GeneratePlan(context.Background(), req)
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	var ee *agent.EngineError
	if !errors.As(err, &ee) || ee.Type != agent.ErrTypePlanGeneration {
		t.Fatalf("err = %v, want a plan generation engine error", err)
	}
	if client.CallCount() != req.Config.PlannerRetries {
		t.Errorf("LLM calls = %d, want the retry budget %d", client.CallCount(), req.Config.PlannerRetries)
	}
}

// Recovery plans run only the validation pass: no temporal anchor, no
// appended report phase, and a first-phase forward loop degrades instead
// of waiting for hydration.
func TestGeneratePlan_RecoveryRunsValidationOnly(t *testing.T) {
	client := llm.Script(llm.ScriptedResponse{
		Text: `[{"goal": "list measurements", "tool": "list_measurements", "args": {"filter": "$phase_2"}}]`,
	})
	req := planRequest(t, "cpu usage over the past 2 days")
	req.Recovery = &agent.RecoveryRequest{
		FailedPhase:  2,
		FailedTarget: "query_metrics",
		Failures:     []string{"timeout after 30s"},
	}

	out, err := New(client).GeneratePlan(context.Background(), req)
	if err != nil {
		t.Fatalf("GeneratePlan failed: %v", err)
	}
	prompt := client.Calls[0].Prompt
	if !strings.Contains(prompt, "ERROR_RECOVERY") || !strings.Contains(prompt, "timeout after 30s") {
		t.Errorf("recovery prompt lacks the failure context: %.160s", prompt)
	}

	if out.Plan.Len() != 1 {
		t.Fatalf("plan has %d phases, want 1: recovery must not append phases", out.Plan.Len())
	}
	ph := out.Plan.PhaseAt(1)
	if ph.Target.Name != "list_measurements" {
		t.Errorf("phase 1 target: %+v (a temporal anchor must not be injected)", ph.Target)
	}
	if f := ph.Arguments["filter"]; f.Kind != agent.ArgLiteral || f.Literal != nil {
		t.Errorf("forward reference = %+v, want a nil literal", f)
	}

	gen := req.Emitter.BufferByType(events.TypePlanGenerated)
	if len(gen) != 1 || !gen[0].Data.(events.PlanGeneratedData).Recovery {
		t.Errorf("plan_generated events: %+v", gen)
	}

	t.Run("forward loop degrades without hydration", func(t *testing.T) {
		client := llm.Script(llm.ScriptedResponse{
			Text: `[{"goal": "per day", "tool": "query_metrics",
				"loop_over": "phase_1.dates",
				"args": {"measurement": "cpu", "date": "$item"}}]`,
		})
		req := planRequest(t, "query each day again")
		req.Recovery = &agent.RecoveryRequest{FailedPhase: 1, FailedTarget: "current_date"}

		out, err := New(client).GeneratePlan(context.Background(), req)
		if err != nil {
			t.Fatalf("GeneratePlan failed: %v", err)
		}
		ph := out.Plan.PhaseAt(1)
		if ph.IsLoop() || ph.LoopOver != nil {
			t.Errorf("loop survived validation: kind=%s loop=%+v", ph.Kind, ph.LoopOver)
		}
		if !ph.NeedsRefinement {
			t.Error("degraded phase must be marked for refinement")
		}
		if out.Hydration != nil {
			t.Errorf("recovery plans must not hydrate, got %+v", out.Hydration)
		}
	})
}

// A first-phase loop over data that only existed last turn is rewired to
// the injected slot when the previous trace has a matching sequence, and
// degrades to a refinable standard phase when it does not.
func TestGeneratePlan_HydratesLoopFromPreviousTurn(t *testing.T) {
	draft := `[{"goal": "query each day", "tool": "query_metrics",
		"loop_over": "phase_1.dates",
		"args": {"measurement": "cpu", "date": "$item"}}]`

	client := llm.Script(llm.ScriptedResponse{Text: draft})
	req := planRequest(t, "Break down cpu for each date found previously")
	req.PreviousTrace = []agent.TraceEntry{
		{
			Action: agent.TraceAction{Target: agent.Target{Kind: agent.TargetTool, Name: "list_measurements"}},
			Result: agent.TraceResult{Status: agent.TraceSuccess, Payload: map[string]any{"measurements": []any{"cpu"}}},
		},
		{
			Action: agent.TraceAction{Target: agent.Target{Kind: agent.TargetTool, Name: "current_date"}},
			Result: agent.TraceResult{
				Status:  agent.TraceSuccess,
				Payload: map[string]any{"date": "2026-08-24", "dates": []any{"2026-08-23", "2026-08-24"}},
			},
		},
	}

	out, err := New(client).GeneratePlan(context.Background(), req)
	if err != nil {
		t.Fatalf("GeneratePlan failed: %v", err)
	}
	if out.Hydration == nil {
		t.Fatal("expected hydration data from the previous trace")
	}
	if out.Hydration.SourceTarget != "current_date" {
		t.Errorf("hydration source = %q, want the entry whose payload has the keyed sequence", out.Hydration.SourceTarget)
	}
	payload, ok := out.Hydration.Payload.(map[string]any)
	if !ok || payload["dates"] == nil {
		t.Errorf("hydration payload: %+v", out.Hydration.Payload)
	}

	loop := out.Plan.PhaseAt(1)
	if !loop.IsLoop() || loop.LoopOver == nil {
		t.Fatalf("phase 1 is not a loop: %+v", loop)
	}
	if loop.LoopOver.Phase != agent.InjectedPhase || loop.LoopOver.Key != "dates" {
		t.Errorf("loop source = %+v, want the injected slot under \"dates\"", loop.LoopOver)
	}
	if loop.NeedsRefinement {
		t.Error("hydrated phase must not need refinement")
	}
	if d := loop.Arguments["date"]; d.Kind != agent.ArgLoopItem {
		t.Errorf("date argument = %+v, want a loop-item reference", d)
	}
	if out.Plan.Len() != 2 || out.Plan.PhaseAt(2).Target.Name != "compose_report" {
		t.Errorf("plan = %d phases ending in %+v, want the appended report",
			out.Plan.Len(), out.Plan.LastPhase().Target)
	}

	t.Run("no usable previous result", func(t *testing.T) {
		client := llm.Script(llm.ScriptedResponse{Text: draft})
		req := planRequest(t, "Break down cpu for each date found previously")

		out, err := New(client).GeneratePlan(context.Background(), req)
		if err != nil {
			t.Fatalf("GeneratePlan failed: %v", err)
		}
		if out.Hydration != nil {
			t.Errorf("hydration without a previous trace: %+v", out.Hydration)
		}
		ph := out.Plan.PhaseAt(1)
		if ph.IsLoop() || ph.LoopOver != nil {
			t.Errorf("loop survived without a source: %+v", ph)
		}
		if !ph.NeedsRefinement {
			t.Error("degraded phase must be marked for refinement")
		}
	})
}
