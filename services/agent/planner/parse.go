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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/AleutianAI/kodiak/services/agent"
	"github.com/AleutianAI/kodiak/services/llm"
	"github.com/AleutianAI/kodiak/services/tools"
)

// parsePlan turns a raw model reply into a Plan.
//
// Description:
//
//	Accepts the shapes models actually produce: a fenced or bare JSON
//	array of phases, an object with a "phases" array, a single phase
//	object, or a conversational object carrying the answer directly.
//	Argument values are normalized to canonical form here, immediately
//	after decoding, so every later pass sees only canonical plans.
//
// Outputs:
//
//	*agent.Plan - The parsed plan, indices assigned 1..n.
//	error - Non-nil when no plan shape could be recognized.
func parsePlan(text string, catalog *tools.Catalog) (*agent.Plan, error) {
	raw, err := llm.ExtractJSON(text)
	if err != nil {
		return nil, fmt.Errorf("no JSON in planner response: %w", err)
	}

	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("planner response is not valid JSON: %w", err)
	}

	switch v := decoded.(type) {
	case []any:
		return planFromPhases(agent.PlanStandard, v, catalog)
	case map[string]any:
		return planFromObject(v, catalog)
	default:
		return nil, fmt.Errorf("planner response is a %T, expected array or object", decoded)
	}
}

func planFromObject(obj map[string]any, catalog *tools.Catalog) (*agent.Plan, error) {
	planType := parsePlanType(obj)

	if rawPhases, ok := obj["phases"].([]any); ok {
		return planFromPhases(planType, rawPhases, catalog)
	}

	// A conversational reply carries the answer inline instead of phases.
	if answer := stringField(obj, "answer", "response", "reply"); answer != "" {
		return conversationalPlan(answer, catalog)
	}

	// Some models return a single phase object as the whole plan.
	if _, _, ok := firstField(obj, "target", "tool", "prompt", "action"); ok {
		return planFromPhases(planType, []any{obj}, catalog)
	}

	return nil, fmt.Errorf("plan object has no phases, answer, or target")
}

func parsePlanType(obj map[string]any) agent.PlanType {
	switch strings.ToLower(stringField(obj, "plan_type", "type")) {
	case "conversational":
		return agent.PlanConversational
	case "context_synthesis":
		return agent.PlanContextSynthesis
	default:
		return agent.PlanStandard
	}
}

// conversationalPlan wraps a direct answer in a single context-report
// phase so the executor has a uniform shape to run.
func conversationalPlan(answer string, catalog *tools.Catalog) (*agent.Plan, error) {
	spec, ok := catalog.FirstPromptByClass(tools.ClassContextReport)
	if !ok {
		return nil, fmt.Errorf("catalog has no context-report prompt for a conversational plan")
	}
	argName := "answer"
	if schema, ok := catalog.PromptSchema(spec.Name); ok {
		if req := schema.Required(); len(req) > 0 {
			argName = req[0].Name
		}
	}

	pl := agent.NewPlan(agent.PlanConversational)
	pl.Phases = []*agent.Phase{{
		Index: 1,
		Goal:  "Answer the user directly",
		Kind:  agent.PhaseStandard,
		Target: agent.Target{
			Kind: agent.TargetPrompt,
			Name: spec.Name,
		},
		Arguments: map[string]agent.ArgumentValue{
			argName: agent.LiteralValue(answer),
		},
	}}
	return pl, nil
}

func planFromPhases(t agent.PlanType, rawPhases []any, catalog *tools.Catalog) (*agent.Plan, error) {
	if len(rawPhases) == 0 {
		return nil, agent.ErrEmptyPlan
	}

	pl := agent.NewPlan(t)
	for i, rp := range rawPhases {
		obj, ok := rp.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("phase %d is a %T, expected object", i+1, rp)
		}
		ph, err := parsePhaseObject(obj, catalog)
		if err != nil {
			return nil, fmt.Errorf("phase %d: %w", i+1, err)
		}
		ph.Index = i + 1
		pl.Phases = append(pl.Phases, ph)
	}
	return pl, nil
}

func parsePhaseObject(obj map[string]any, catalog *tools.Catalog) (*agent.Phase, error) {
	target, err := parseTarget(obj, catalog)
	if err != nil {
		return nil, err
	}

	ph := &agent.Phase{
		Goal:   stringField(obj, "goal", "description", "objective"),
		Kind:   agent.PhaseStandard,
		Target: target,
	}

	if raw, _, ok := firstField(obj, "loop_over", "for_each", "iterate_over"); ok {
		lo := normalizeValue(raw, true)
		ph.Kind = agent.PhaseLoop
		ph.LoopOver = &lo
	}
	if strings.EqualFold(stringField(obj, "kind"), "loop") {
		ph.Kind = agent.PhaseLoop
	}

	if rawArgs, _, ok := firstField(obj, "arguments", "args", "parameters", "inputs"); ok {
		argMap, ok := rawArgs.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("arguments are a %T, expected object", rawArgs)
		}
		ph.Arguments = make(map[string]agent.ArgumentValue, len(argMap))
		for name, rv := range argMap {
			ph.Arguments[name] = normalizeValue(rv, ph.IsLoop())
		}
	}

	return ph, nil
}

// parseTarget pulls the target out of a phase object, tolerating the
// common field spellings and the "tool:name" prefix form.
func parseTarget(obj map[string]any, catalog *tools.Catalog) (agent.Target, error) {
	raw, field, ok := firstField(obj, "target", "tool", "prompt", "action")
	if !ok {
		return agent.Target{}, fmt.Errorf("phase has no target")
	}

	switch v := raw.(type) {
	case string:
		name := strings.TrimSpace(v)
		kindHint := ""
		switch field {
		case "tool":
			kindHint = "tool"
		case "prompt":
			kindHint = "prompt"
		}
		if rest, found := strings.CutPrefix(name, "tool:"); found {
			name, kindHint = strings.TrimSpace(rest), "tool"
		} else if rest, found := strings.CutPrefix(name, "prompt:"); found {
			name, kindHint = strings.TrimSpace(rest), "prompt"
		}
		if name == "" {
			return agent.Target{}, fmt.Errorf("phase target is empty")
		}
		return classifyTarget(name, kindHint, catalog), nil

	case map[string]any:
		name := strings.TrimSpace(stringField(v, "name", "tool", "prompt", "target"))
		if name == "" {
			return agent.Target{}, fmt.Errorf("phase target object has no name")
		}
		kindHint := strings.ToLower(stringField(v, "kind", "type"))
		return classifyTarget(name, kindHint, catalog), nil

	default:
		return agent.Target{}, fmt.Errorf("phase target is a %T", raw)
	}
}

// classifyTarget decides tool-vs-prompt. An explicit hint wins; otherwise
// the catalog decides. Unknown names default to tool and are stripped by
// validation rather than failing the parse.
func classifyTarget(name, kindHint string, catalog *tools.Catalog) agent.Target {
	switch kindHint {
	case "tool":
		return agent.Target{Kind: agent.TargetTool, Name: name}
	case "prompt":
		return agent.Target{Kind: agent.TargetPrompt, Name: name}
	}
	if catalog.HasTool(name) {
		return agent.Target{Kind: agent.TargetTool, Name: name}
	}
	if catalog.HasPrompt(name) {
		return agent.Target{Kind: agent.TargetPrompt, Name: name}
	}
	return agent.Target{Kind: agent.TargetTool, Name: name}
}

// =============================================================================
// Field helpers
// =============================================================================

// stringField returns the first non-empty string among the named fields.
func stringField(obj map[string]any, names ...string) string {
	for _, n := range names {
		if s, ok := obj[n].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

// firstField returns the first present field among the named ones, along
// with which name matched.
func firstField(obj map[string]any, names ...string) (any, string, bool) {
	for _, n := range names {
		if v, ok := obj[n]; ok && v != nil {
			return v, n, true
		}
	}
	return nil, "", false
}
