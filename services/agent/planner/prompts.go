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
	"strconv"
	"strings"

	"github.com/AleutianAI/kodiak/services/agent"
	"github.com/AleutianAI/kodiak/services/retriever"
	"github.com/AleutianAI/kodiak/services/tools"
)

const (
	// historyWindow bounds how many conversation entries reach the prompt.
	historyWindow = 10

	// historyClipLen bounds each history entry's length in the prompt.
	historyClipLen = 500
)

// planSchemaGuide teaches the model the exact plan shape. The three
// argument spellings here are the canonical wire forms; anything else
// the model produces is repaired by normalization.
const planSchemaGuide = `Each phase is an object:
  {"goal": "...", "target": "tool:query_metrics", "arguments": {...}}
A loop phase adds "loop_over" and runs its target once per item:
  {"goal": "...", "target": "prompt:distill_items",
   "arguments": {"item": {"item": true}}, "loop_over": {"from_phase": 2}}

Argument values take exactly one of three forms:
  {"literal": <value>}             a concrete value
  {"from_phase": N, "key": "k"}    the stored result of phase N (key optional)
  {"item": true, "key": "k"}       the current loop item (loop phases only)

Rules:
- Phases run in order; a phase may only reference earlier phases.
- Use the smallest number of phases that achieves the goal.
- If the goal needs no tools at all, reply instead with
  {"plan_type": "conversational", "answer": "<your answer>"}.
Return only JSON, no commentary.`

// systemPrompt builds the strategic planning system context from the
// catalog snapshot.
func systemPrompt(catalog *tools.Catalog) string {
	var b strings.Builder
	b.WriteString("You are the strategic planner of a metrics analysis agent. ")
	b.WriteString("Decompose the user's goal into an ordered JSON array of phases ")
	b.WriteString("using only the targets listed below.\n\n")
	b.WriteString(catalog.Summary())
	b.WriteString("\n")
	b.WriteString(planSchemaGuide)
	return b.String()
}

// userPrompt assembles the turn-specific planning prompt: few-shot
// examples, scrubbed history, recovery directive, then the goal.
func userPrompt(req *agent.PlanRequest, examples []retriever.Example) string {
	var b strings.Builder
	if len(examples) > 0 {
		b.WriteString("Examples of past plans:\n\n")
		for _, ex := range examples {
			fmt.Fprintf(&b, "Goal: %s\nPlan: %s\n\n", ex.Goal, ex.PlanJSON)
		}
	}
	if h := scrubHistory(req.History); h != "" {
		b.WriteString("Conversation so far:\n")
		b.WriteString(h)
		b.WriteString("\n")
	}
	if req.Recovery != nil {
		writeRecoveryDirective(&b, req.Recovery)
	}
	fmt.Fprintf(&b, "Goal: %s\n", req.Goal)
	if len(req.Constraints.ExcludedTargets) > 0 {
		fmt.Fprintf(&b, "Do not use these targets: %s\n",
			strings.Join(req.Constraints.ExcludedTargets, ", "))
	}
	b.WriteString("Return only the JSON plan.")
	return b.String()
}

// scrubHistory renders the trailing conversation window. Entries with
// roles other than user or assistant are dropped, long entries clipped.
func scrubHistory(history []agent.HistoryEntry) string {
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	var b strings.Builder
	for _, h := range history {
		role := strings.ToLower(h.Role)
		if role != "user" && role != "assistant" {
			continue
		}
		content := h.Content
		if len(content) > historyClipLen {
			content = content[:historyClipLen] + "..."
		}
		fmt.Fprintf(&b, "%s: %s\n", role, content)
	}
	return b.String()
}

func writeRecoveryDirective(b *strings.Builder, rc *agent.RecoveryRequest) {
	b.WriteString("ERROR_RECOVERY: the current plan failed and must be replaced.\n")
	fmt.Fprintf(b, "Phase %d (target %s) failed repeatedly:\n", rc.FailedPhase, rc.FailedTarget)
	for _, f := range rc.Failures {
		fmt.Fprintf(b, "- %s\n", f)
	}
	if len(rc.CompletedPhases) > 0 {
		fmt.Fprintf(b, "Phases %s already completed; do not redo their work.\n",
			joinInts(rc.CompletedPhases))
	}
	fmt.Fprintf(b, "Produce a fresh plan that reaches the goal without using %s.\n\n",
		rc.FailedTarget)
}

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ", ")
}

// =============================================================================
// Tactical prompts used by the hybrid passes
// =============================================================================

// consolidationPrompt asks for one merged phase equivalent to a run of
// same-tool query phases.
func consolidationPrompt(run []*agent.Phase) (string, string) {
	system := fmt.Sprintf(
		"You merge consecutive query phases into one equivalent phase. "+
			"Combine the argument sets so the single query returns everything "+
			"the originals would: widen date filters to cover all originals, "+
			"turn repeated scalar filters into lists. "+
			"The merged phase must keep the target %q. "+
			"Reply with one JSON phase object only.",
		"tool:"+run[0].Target.Name)

	view := make([]map[string]any, len(run))
	for i, ph := range run {
		view[i] = map[string]any{
			"goal":      ph.Goal,
			"arguments": ph.Arguments,
		}
	}
	encoded, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		encoded = []byte("[]")
	}
	user := fmt.Sprintf("Phases to merge (all target %s):\n%s",
		run[0].Target.Name, encoded)
	return system, user
}

// classificationPrompt asks whether a per-item LLM step can run batched.
func classificationPrompt(goal string, ph *agent.Phase) (string, string) {
	system := "You decide how a per-item LLM step should run. " +
		"Answer \"batch\" when one call over all items at once preserves the intent: " +
		"the items are small, uniform, and do not need independent per-item outputs. " +
		"Answer \"per_item\" when each item needs its own call. " +
		"Reply with exactly one word: batch or per_item."

	var instruction string
	if v, ok := ph.Arguments["instruction"]; ok {
		instruction = v.String()
	}
	user := fmt.Sprintf("Overall goal: %s\nStep goal: %s\nInstruction: %s\nItems come from: %s",
		goal, ph.Goal, instruction, ph.LoopOver.String())
	return system, user
}

// synthesisPrompt asks for an answer grounded in the retrieved documents.
func synthesisPrompt(goal string, docs []retriever.Document) (string, string) {
	system := "You answer a question using only the numbered background documents provided. " +
		"If the documents do not contain the answer, say what is known and what is missing. " +
		"Keep the answer factual and concise."

	var b strings.Builder
	for i, d := range docs {
		fmt.Fprintf(&b, "[%d] %s\n%s\n\n", i+1, d.Title, d.Content)
	}
	fmt.Fprintf(&b, "Question: %s", goal)
	return system, b.String()
}
