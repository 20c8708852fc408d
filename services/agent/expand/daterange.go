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

	"github.com/AleutianAI/kodiak/pkg/dates"
	"github.com/AleutianAI/kodiak/services/agent"
	"github.com/AleutianAI/kodiak/services/agent/resolve"
	"github.com/AleutianAI/kodiak/services/tools"
)

// dateRangeOrchestrator expands a relative date phrase ("past 2 days")
// into one target call per concrete day.
//
// The anchor comes from the turn's clock-tool result when one ran, so a
// replayed trace expands to the same days it did originally.
func dateRangeOrchestrator() Orchestrator {
	return Orchestrator{
		Name: "date_range",
		Match: func(in *Input) bool {
			if in.Loop || in.Schema == nil || in.Phase.Target.Kind != agent.TargetTool {
				return false
			}
			if in.Schema.Class == tools.ClassClock {
				return false
			}
			arg, ok := in.Schema.DateArg()
			if !ok {
				return false
			}
			phrase, ok := in.Args[arg.Name].(string)
			return ok && dates.IsRelative(phrase)
		},
		Run: runDateRange,
	}
}

func runDateRange(ctx context.Context, rt *Runtime, in *Input) (*tools.InvokeResult, error) {
	arg, _ := in.Schema.DateArg()
	phrase := in.Args[arg.Name].(string)

	anchor, err := anchorDate(ctx, rt, in)
	if err != nil {
		return nil, err
	}
	days, err := dates.Expand(phrase, anchor)
	if err != nil {
		return errResult("cannot expand date phrase %q: %v", phrase, err), nil
	}

	return fanOutDates(ctx, rt, in.Phase.Target, in.Args, arg.Name, days)
}

// fanOutDates invokes the target once per concrete day and consolidates
// the results in date order. Shared with the hallucinated-loop
// orchestrator, which defers date-shaped literal loops here.
func fanOutDates(ctx context.Context, rt *Runtime, target agent.Target, base map[string]any, dateArg string, days []string) (*tools.InvokeResult, error) {
	var (
		rows    []any
		results []any
	)
	for _, day := range days {
		args := cloneArgs(base)
		args[dateArg] = day

		res, err := rt.Invoker.Invoke(ctx, target, args, map[string]any{
			"orchestrator": "date_range",
			"date":         day,
			"span_days":    len(days),
		})
		if err != nil {
			return nil, err
		}
		if !res.Succeeded() {
			return &tools.InvokeResult{
				Status:    tools.InvokeError,
				ErrorText: res.ErrorText,
				Metadata: map[string]any{
					"orchestrator": "date_range",
					"failed_date":  day,
				},
			}, nil
		}

		results = append(results, map[string]any{"date": day, "payload": res.Payload})
		rows = append(rows, datedRows(res.Payload, day)...)
	}

	return &tools.InvokeResult{
		Status: tools.InvokeSuccess,
		Payload: map[string]any{
			"dates":     days,
			"results":   results,
			"rows":      rows,
			"row_count": len(rows),
		},
		Metadata: map[string]any{
			"orchestrator": "date_range",
			"calls":        len(days),
		},
	}, nil
}

// datedRows extracts row-shaped data from one day's payload, stamping
// each row with its date so provenance survives concatenation.
func datedRows(payload any, day string) []any {
	items, ok := resolve.Sequence(payload)
	if !ok {
		if payload == nil {
			return nil
		}
		return []any{map[string]any{"date": day, "value": payload}}
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			if _, exists := m["date"]; !exists {
				stamped := make(map[string]any, len(m)+1)
				for k, v := range m {
					stamped[k] = v
				}
				stamped["date"] = day
				out = append(out, stamped)
				continue
			}
		}
		out = append(out, item)
	}
	return out
}

func cloneArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
