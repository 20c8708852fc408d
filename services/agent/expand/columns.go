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
	"fmt"
	"strings"

	"github.com/AleutianAI/kodiak/services/agent"
	"github.com/AleutianAI/kodiak/services/agent/resolve"
	"github.com/AleutianAI/kodiak/services/tools"
)

// columnArg is the canonical name of the per-column argument; the
// synonym table folds field/field_name/column_name spellings into it
// during plan validation.
const columnArg = "column"

// columnIterationOrchestrator expands "all columns of X" against a tool
// that queries one column at a time: one call per column, consolidated
// in column order.
func columnIterationOrchestrator() Orchestrator {
	return Orchestrator{
		Name: "column_iteration",
		Match: func(in *Input) bool {
			if in.Loop || in.Schema == nil || in.Phase.Target.Kind != agent.TargetTool {
				return false
			}
			if !in.Schema.PerColumn || !in.Schema.HasArg(columnArg) {
				return false
			}
			if _, ok := columnList(in.Args[columnArg]); ok {
				return true
			}
			if wantsAllColumns(in.Args[columnArg]) {
				return true
			}
			_, present := in.Args[columnArg]
			return !present && goalWantsAllColumns(in.Phase.Goal)
		},
		Run: runColumnIteration,
	}
}

func runColumnIteration(ctx context.Context, rt *Runtime, in *Input) (*tools.InvokeResult, error) {
	columns, ok := columnList(in.Args[columnArg])
	if !ok {
		var err error
		columns, err = describeColumns(ctx, rt, in)
		if err != nil {
			return nil, err
		}
		if len(columns) == 0 {
			return errResult("no columns found to iterate for %s", in.Phase.Target.Name), nil
		}
	}

	var (
		rows    []any
		results []any
	)
	for _, column := range columns {
		args := cloneArgs(in.Args)
		args[columnArg] = column

		res, err := rt.Invoker.Invoke(ctx, in.Phase.Target, args, map[string]any{
			"orchestrator": "column_iteration",
			"column":       column,
			"span_columns": len(columns),
		})
		if err != nil {
			return nil, err
		}
		if !res.Succeeded() {
			return &tools.InvokeResult{
				Status:    tools.InvokeError,
				ErrorText: res.ErrorText,
				Metadata: map[string]any{
					"orchestrator":  "column_iteration",
					"failed_column": column,
				},
			}, nil
		}

		results = append(results, map[string]any{"column": column, "payload": res.Payload})
		if items, ok := resolve.Sequence(res.Payload); ok {
			rows = append(rows, items...)
		}
	}

	payload := map[string]any{
		"columns":   columns,
		"results":   results,
		"rows":      rows,
		"row_count": len(rows),
	}
	if m, ok := in.Args["measurement"].(string); ok && m != "" {
		payload["measurement"] = m
	}
	return &tools.InvokeResult{
		Status:  tools.InvokeSuccess,
		Payload: payload,
		Metadata: map[string]any{
			"orchestrator": "column_iteration",
			"calls":        len(columns),
		},
	}, nil
}

// describeColumns learns the real column set from a describe-class tool.
// The describe call lands on the trace like any other expansion call.
func describeColumns(ctx context.Context, rt *Runtime, in *Input) ([]string, error) {
	describe, ok := rt.Catalog.FirstToolByClass(tools.ClassDescribe)
	if !ok {
		return nil, nil
	}
	measurement, ok := in.Args["measurement"].(string)
	if !ok || measurement == "" {
		return nil, nil
	}

	target := agent.Target{Kind: agent.TargetTool, Name: describe.Name}
	res, err := rt.Invoker.Invoke(ctx, target, map[string]any{"measurement": measurement}, map[string]any{
		"orchestrator": "column_iteration",
		"reason":       "enumerate columns",
	})
	if err != nil {
		return nil, err
	}
	if !res.Succeeded() {
		return nil, nil
	}

	m, ok := res.Payload.(map[string]any)
	if !ok {
		return nil, nil
	}
	items, ok := resolve.Sequence(m["columns"])
	if !ok {
		return nil, nil
	}
	columns := make([]string, 0, len(items))
	for _, item := range items {
		columns = append(columns, fmt.Sprintf("%v", item))
	}
	return columns, nil
}

// columnList coerces an explicit column list argument.
func columnList(v any) ([]string, bool) {
	items, ok := resolve.Sequence(v)
	if !ok || len(items) == 0 {
		return nil, false
	}
	columns := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok || s == "" {
			return nil, false
		}
		columns = append(columns, s)
	}
	return columns, true
}

// wantsAllColumns recognizes the sentinel spellings models use for
// "every column".
func wantsAllColumns(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "all", "*", "all_columns", "all columns":
		return true
	}
	return false
}

func goalWantsAllColumns(goal string) bool {
	lowered := strings.ToLower(goal)
	return strings.Contains(lowered, "all column") ||
		strings.Contains(lowered, "every column") ||
		strings.Contains(lowered, "each column")
}
