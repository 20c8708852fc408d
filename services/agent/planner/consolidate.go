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
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/kodiak/services/agent"
	"github.com/AleutianAI/kodiak/services/llm"
	"github.com/AleutianAI/kodiak/services/tools"
)

// pass1Consolidate merges runs of consecutive query phases that hit the
// same tool into one phase with combined arguments.
//
// Description:
//
//	The merge itself is delegated to the tactical LLM, because combining
//	filter arguments correctly needs judgment (two measurement filters
//	become a list; two overlapping date filters become the wider range).
//	A run whose merge fails is left exactly as generated; the pass
//	reports degradation only when it achieved nothing at all.
func pass1Consolidate(ctx context.Context, pc *passContext, pl *agent.Plan) (bool, error) {
	changed := false
	var firstErr error

	i := 1
	for i <= pl.Len() {
		first := pl.PhaseAt(i)
		if !isQueryPhase(pc.catalog, first) {
			i++
			continue
		}
		j := i
		for j+1 <= pl.Len() {
			next := pl.PhaseAt(j + 1)
			if !isQueryPhase(pc.catalog, next) || next.Target.Name != first.Target.Name {
				break
			}
			j++
		}
		if j == i {
			i++
			continue
		}

		run := make([]*agent.Phase, 0, j-i+1)
		for k := i; k <= j; k++ {
			run = append(run, pl.PhaseAt(k))
		}
		merged, err := mergeRun(ctx, pc, run)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			slog.Warn("Consolidation left run unmerged",
				slog.Int("from", i),
				slog.Int("to", j),
				slog.String("target", first.Target.Name),
				slog.String("error", err.Error()),
			)
			i = j + 1
			continue
		}
		pl.ReplaceRange(i, j, merged)
		changed = true
		i++
	}

	if !changed && firstErr != nil {
		return false, firstErr
	}
	return changed, nil
}

// mergeRun asks the tactical LLM for a single combined phase and checks
// the reply against the run before accepting it.
func mergeRun(ctx context.Context, pc *passContext, run []*agent.Phase) (*agent.Phase, error) {
	system, user := consolidationPrompt(run)
	text, err := pc.complete(ctx, system, user, llm.FormatJSON)
	if err != nil {
		return nil, err
	}
	raw, err := llm.ExtractJSON(text)
	if err != nil {
		return nil, fmt.Errorf("consolidation reply has no JSON: %w", err)
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, fmt.Errorf("consolidation reply is not an object: %w", err)
	}
	merged, err := parsePhaseObject(obj, pc.catalog)
	if err != nil {
		return nil, fmt.Errorf("consolidated phase: %w", err)
	}
	if !strings.EqualFold(merged.Target.Name, run[0].Target.Name) {
		return nil, fmt.Errorf("consolidated phase targets %q, run targets %q",
			merged.Target.Name, run[0].Target.Name)
	}
	if merged.IsLoop() {
		return nil, fmt.Errorf("consolidated phase must not be a loop")
	}
	merged.Target = run[0].Target
	merged.Kind = agent.PhaseStandard
	merged.LoopOver = nil
	if merged.Goal == "" {
		merged.Goal = run[0].Goal
	}
	return merged, nil
}

func isQueryPhase(catalog *tools.Catalog, ph *agent.Phase) bool {
	return ph.Kind == agent.PhaseStandard &&
		ph.Target.Kind == agent.TargetTool &&
		targetClass(catalog, ph.Target) == tools.ClassQuery
}
