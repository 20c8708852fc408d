// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/kodiak/services/agent"
	"github.com/AleutianAI/kodiak/services/llm"
)

const (
	// extractionTries bounds JSON extraction per tactical decision; a
	// second garbled response aborts the phase instead of burning the
	// whole budget on one confused model.
	extractionTries = 2

	// stateViewClip bounds each stored result's rendering in the
	// tactical prompt.
	stateViewClip = 400
)

// tacticalAction is the wire shape of a slow-path decision.
type tacticalAction struct {
	Target    string         `json:"target"`
	Arguments map[string]any `json:"arguments"`
}

// slowPathAction makes one tactical LLM decision for the phase: given
// the goal, the phase's declared target, the prior error, and a
// distilled view of completed work, the model returns the concrete
// action to run.
//
// Outputs:
//
//	*agent.TraceAction - The resolved action with literal arguments.
//	error - Transport errors are retryable by the caller; extraction
//	        failing twice is terminal for the phase.
func (e *Executor) slowPathAction(ctx context.Context, r *phaseRun, loopItem any, lastErr string) (*agent.TraceAction, error) {
	call := r.addSlowCall()

	system := tacticalSystem(e, r)
	user := tacticalUser(r, loopItem, lastErr)

	var extractErr error
	for try := 0; try < extractionTries; try++ {
		comp, err := e.llm.Complete(ctx, system, user, llm.FormatJSON)
		if err != nil {
			return nil, err
		}
		r.addTokens(comp.InputTokens, comp.OutputTokens)

		raw, err := llm.ExtractJSON(comp.Text)
		if err != nil {
			extractErr = err
			user += "\nYour previous reply contained no JSON action. Return only the JSON object."
			continue
		}
		var ta tacticalAction
		if err := json.Unmarshal([]byte(raw), &ta); err != nil {
			extractErr = err
			user += "\nYour previous reply was not a valid action object. Return only the JSON object."
			continue
		}
		act := e.intoAction(r, &ta)
		r.trace.Append(agent.TraceEntry{
			PhaseIndex: r.ph.Index,
			Action:     agent.TraceAction{Target: act.Target, Arguments: act.Arguments},
			Result: agent.TraceResult{
				Status:   agent.TraceInfo,
				Metadata: map[string]any{"decision": "slow_path", "tactical_call": call},
			},
		})
		return act, nil
	}
	return nil, fmt.Errorf("no action extracted after %d replies: %w", extractionTries, extractErr)
}

// intoAction turns the wire decision into a runnable action: the target
// clamped to the phase's declared one, argument names canonicalized, and
// arguments the schema rejects dropped.
func (e *Executor) intoAction(r *phaseRun, ta *tacticalAction) *agent.TraceAction {
	target := r.ph.Target
	if name := bareTargetName(ta.Target); name != "" && name != target.Name {
		slog.Debug("Tactical decision named a foreign target, keeping the phase target",
			slog.Int("phase", r.ph.Index),
			slog.String("proposed", ta.Target),
			slog.String("kept", target.String()),
		)
	}

	args := make(map[string]any, len(ta.Arguments))
	cfg := e.env.Config
	for name, v := range ta.Arguments {
		if canonical, ok := cfg.CanonicalArg(name); ok {
			name = canonical
		}
		if r.schema != nil && !r.schema.HasArg(name) {
			slog.Debug("Dropping argument the schema does not accept",
				slog.Int("phase", r.ph.Index),
				slog.String("argument", name),
			)
			continue
		}
		args[name] = v
	}
	return &agent.TraceAction{Target: target, Arguments: args}
}

// bareTargetName strips an optional kind prefix from a target reference.
func bareTargetName(ref string) string {
	ref = strings.TrimSpace(ref)
	for _, prefix := range []string{"tool:", "prompt:"} {
		if rest, ok := strings.CutPrefix(ref, prefix); ok {
			return strings.TrimSpace(rest)
		}
	}
	return ref
}

// tacticalSystem builds the decision call's system context: the catalog
// restricted to the phase's declared target, and the action shape.
func tacticalSystem(e *Executor, r *phaseRun) string {
	var b strings.Builder
	b.WriteString("You execute one phase of a metrics analysis agent. ")
	b.WriteString("Decide the exact call to make next and respond with JSON: ")
	b.WriteString(`{"target": "<name>", "arguments": {"<name>": <literal>, ...}}`)
	b.WriteString("\nUse only this target:\n")
	b.WriteString(e.env.Catalog.SummaryFor([]string{r.ph.Target.Name}))
	b.WriteString("Every argument value must be a concrete literal. Return only JSON.")
	return b.String()
}

// tacticalUser assembles the per-attempt prompt: the phase goal, the
// declared arguments, the loop item when iterating, the prior error when
// retrying, and the distilled view of completed phases.
func tacticalUser(r *phaseRun, loopItem any, lastErr string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Phase goal: %s\n", r.ph.Goal)
	if len(r.ph.Arguments) > 0 {
		b.WriteString("Declared arguments:\n")
		for name, av := range r.ph.Arguments {
			fmt.Fprintf(&b, "- %s = %s\n", name, av.String())
		}
	}
	if loopItem != nil {
		fmt.Fprintf(&b, "Current loop item: %s\n", clipJSON(loopItem, stateViewClip))
	}
	if lastErr != "" {
		fmt.Fprintf(&b, "The previous attempt failed: %s\n", lastErr)
	}
	if view := stateView(r.state); view != "" {
		b.WriteString("Results so far:\n")
		b.WriteString(view)
	}
	b.WriteString("Return only the JSON action.")
	return b.String()
}

// stateView renders the completed phases' distilled payloads for prompt
// embedding, oldest phase first.
func stateView(state *agent.WorkflowState) string {
	var b strings.Builder
	for _, idx := range state.Completed() {
		res, ok := state.Result(idx)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "phase %d: %s\n", idx, clipJSON(res.Payload, stateViewClip))
	}
	return b.String()
}

func clipJSON(v any, limit int) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	s := string(data)
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}
