// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package expand

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/kodiak/pkg/dates"
	"github.com/AleutianAI/kodiak/services/agent"
	"github.com/AleutianAI/kodiak/services/llm"
	"github.com/AleutianAI/kodiak/services/tools"
)

// hallucinatedLoopOrchestrator handles loop phases whose loop_over is a
// literal list of strings the model wrote out instead of a reference to
// prior output, with no argument consuming the loop item. One
// classification decides which argument the strings actually populate;
// date-shaped items skip the classification and defer to the date-range
// fan-out.
func hallucinatedLoopOrchestrator() Orchestrator {
	return Orchestrator{
		Name: "hallucinated_loop",
		Match: func(in *Input) bool {
			if !in.Loop || in.Schema == nil || in.Phase.Target.Kind != agent.TargetTool {
				return false
			}
			if in.Phase.LoopOver == nil || in.Phase.LoopOver.Kind != agent.ArgLiteral {
				return false
			}
			if len(in.LoopItems) == 0 || phaseConsumesItem(in.Phase) {
				return false
			}
			_, ok := stringItems(in.LoopItems)
			return ok
		},
		Run: runHallucinatedLoop,
	}
}

func runHallucinatedLoop(ctx context.Context, rt *Runtime, in *Input) (*tools.InvokeResult, error) {
	items, _ := stringItems(in.LoopItems)

	// Date-shaped literals defer to the date-range fan-out: the receiving
	// argument is known and relative phrases still need an anchor.
	if days, ok := dateItems(items); ok {
		if arg, hasDate := in.Schema.DateArg(); hasDate {
			days, err := expandRelativeDays(ctx, rt, in, days)
			if err != nil {
				return nil, err
			}
			recordDecision(rt, in, arg.Name, len(days), "date_keyword")
			return fanOutDates(ctx, rt, in.Phase.Target, in.Args, arg.Name, days)
		}
	}

	argName, err := classifyReceivingArg(ctx, rt, in, items)
	if err != nil {
		return nil, err
	}
	if argName == "" {
		return errResult("cannot determine which argument of %s receives the loop items", in.Phase.Target.Name), nil
	}
	recordDecision(rt, in, argName, len(items), "classified")

	var results []any
	for _, item := range items {
		args := cloneArgs(in.Args)
		args[argName] = item

		res, err := rt.Invoker.Invoke(ctx, in.Phase.Target, args, map[string]any{
			"orchestrator": "hallucinated_loop",
			"item":         item,
			"argument":     argName,
		})
		if err != nil {
			return nil, err
		}
		if !res.Succeeded() {
			return &tools.InvokeResult{
				Status:    tools.InvokeError,
				ErrorText: res.ErrorText,
				Metadata: map[string]any{
					"orchestrator": "hallucinated_loop",
					"failed_item":  item,
				},
			}, nil
		}
		results = append(results, map[string]any{"item": item, "payload": res.Payload})
	}

	return &tools.InvokeResult{
		Status: tools.InvokeSuccess,
		Payload: map[string]any{
			"items":   items,
			"results": results,
			"count":   len(results),
		},
		Metadata: map[string]any{
			"orchestrator": "hallucinated_loop",
			"argument":     argName,
			"calls":        len(items),
		},
	}, nil
}

// classifyReceivingArg picks the schema argument the literal strings
// populate: one LLM call when a client is available, falling back to
// the sole unfilled required argument.
func classifyReceivingArg(ctx context.Context, rt *Runtime, in *Input, items []string) (string, error) {
	if rt.LLM != nil {
		if name, ok := classifyWithLLM(ctx, rt, in, items); ok {
			return name, nil
		}
	}
	return soleOpenArgument(in), nil
}

func classifyWithLLM(ctx context.Context, rt *Runtime, in *Input, items []string) (string, bool) {
	var b strings.Builder
	fmt.Fprintf(&b, "Tool %q will be called once per item.\n", in.Phase.Target.Name)
	b.WriteString("Arguments it accepts:\n")
	for _, a := range in.Schema.Args {
		fmt.Fprintf(&b, "- %s (%s)\n", a.Name, a.Type)
	}
	sample := items
	if len(sample) > 5 {
		sample = sample[:5]
	}
	fmt.Fprintf(&b, "Items: %s\n", strings.Join(sample, ", "))
	b.WriteString(`Which argument should receive each item? Reply {"argument": "<name>"}.`)

	completion, err := rt.LLM.Complete(ctx,
		"You wire loop items to tool arguments. Reply with JSON only.",
		b.String(), llm.FormatJSON)
	if err != nil {
		slog.Warn("Loop-item classification call failed, using heuristic",
			slog.String("target", in.Phase.Target.Name),
			slog.String("error", err.Error()),
		)
		return "", false
	}
	if rt.Usage != nil {
		rt.Usage.Add(completion.InputTokens, completion.OutputTokens)
	}

	raw, err := llm.ExtractJSON(completion.Text)
	if err != nil {
		return "", false
	}
	var reply struct {
		Argument string `json:"argument"`
	}
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return "", false
	}
	name := strings.TrimSpace(reply.Argument)
	if name == "" || !in.Schema.HasArg(name) {
		return "", false
	}
	return name, true
}

// soleOpenArgument returns the only required argument not already
// resolved, or the only string argument overall. Ambiguity returns "".
func soleOpenArgument(in *Input) string {
	var open []string
	for _, a := range in.Schema.Required() {
		if _, present := in.Args[a.Name]; !present {
			open = append(open, a.Name)
		}
	}
	if len(open) == 1 {
		return open[0]
	}
	if len(open) > 1 {
		return ""
	}
	var stringArgs []string
	for _, a := range in.Schema.Args {
		if a.Type == "string" || a.Type == "" {
			stringArgs = append(stringArgs, a.Name)
		}
	}
	if len(stringArgs) == 1 {
		return stringArgs[0]
	}
	return ""
}

// expandRelativeDays flattens the item list into concrete days: concrete
// dates pass through, relative phrases expand against the turn anchor.
func expandRelativeDays(ctx context.Context, rt *Runtime, in *Input, items []string) ([]string, error) {
	var (
		days []string
		seen = map[string]bool{}
	)
	add := func(d string) {
		if !seen[d] {
			seen[d] = true
			days = append(days, d)
		}
	}
	for _, item := range items {
		if dates.IsConcrete(item) {
			add(item)
			continue
		}
		anchor, err := anchorDate(ctx, rt, in)
		if err != nil {
			return nil, err
		}
		expanded, err := dates.Expand(item, anchor)
		if err != nil {
			continue
		}
		for _, d := range expanded {
			add(d)
		}
	}
	return days, nil
}

// recordDecision leaves the classification on the trace so expansion
// analysis can see how the items were wired.
func recordDecision(rt *Runtime, in *Input, argName string, calls int, how string) {
	if rt.Trace == nil {
		return
	}
	rt.Trace.Append(agent.TraceEntry{
		PhaseIndex: rt.Phase,
		Action: agent.TraceAction{
			Target: in.Phase.Target,
		},
		Result: agent.TraceResult{
			Status: agent.TraceInfo,
			Metadata: map[string]any{
				"orchestrator": "hallucinated_loop",
				"argument":     argName,
				"items":        calls,
				"decided_by":   how,
			},
		},
	})
}

// phaseConsumesItem reports whether any argument references the loop
// item; when one does, plain loop iteration already handles the phase.
func phaseConsumesItem(ph *agent.Phase) bool {
	for _, av := range ph.Arguments {
		if av.Kind == agent.ArgLoopItem {
			return true
		}
	}
	return false
}

// stringItems coerces loop items to strings; a single non-string item
// disqualifies the list.
func stringItems(items []any) ([]string, bool) {
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// dateItems reports whether every item is date-like (concrete or a
// relative phrase).
func dateItems(items []string) ([]string, bool) {
	for _, item := range items {
		if !dates.IsConcrete(item) && !dates.IsRelative(item) {
			return nil, false
		}
	}
	return items, true
}
