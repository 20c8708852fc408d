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

	"github.com/AleutianAI/kodiak/services/agent"
	"github.com/AleutianAI/kodiak/services/tools"
)

// injectTemporalAnchor runs before the numbered passes: when the goal
// carries a relative time phrase and no phase establishes a current-date
// anchor, a clock phase is inserted at position 1. InsertPhase renumbers
// the existing phases and their references.
func injectTemporalAnchor(pc *passContext, pl *agent.Plan) bool {
	if pc.phrase == "" || findClockPhase(pc.catalog, pl) != 0 {
		return false
	}
	clock, ok := pc.catalog.FirstToolByClass(tools.ClassClock)
	if !ok {
		return false
	}
	pl.InsertPhase(1, &agent.Phase{
		Goal: "Establish the current date",
		Kind: agent.PhaseStandard,
		Target: agent.Target{
			Kind: agent.TargetTool,
			Name: clock.Name,
		},
	})
	slog.Debug("Injected temporal anchor phase",
		slog.String("phrase", pc.phrase),
		slog.String("tool", clock.Name),
	)
	return true
}

// findClockPhase returns the index of the first clock-class tool phase,
// or 0 when the plan has none.
func findClockPhase(catalog *tools.Catalog, pl *agent.Plan) int {
	for _, ph := range pl.Phases {
		if ph.Target.Kind != agent.TargetTool {
			continue
		}
		if targetClass(catalog, ph.Target) == tools.ClassClock {
			return ph.Index
		}
	}
	return 0
}

// pass0Temporal bridges the gap where a date anchor is established but
// never consumed: if no phase after the clock phase carries a date-shaped
// argument, the relative phrase from the goal is injected as a literal
// into the first later phase whose schema accepts a date. The date-range
// orchestrator expands the phrase into concrete days at execution time.
func pass0Temporal(_ context.Context, pc *passContext, pl *agent.Plan) (bool, error) {
	if pc.phrase == "" {
		return false, nil
	}
	clockIdx := findClockPhase(pc.catalog, pl)
	if clockIdx == 0 || clockIdx >= pl.Len() {
		return false, nil
	}

	var candidate *agent.Phase
	var candidateArg string
	for _, ph := range pl.Phases[clockIdx:] {
		schema := schemaFor(pc.catalog, ph.Target)
		if schema == nil {
			continue
		}
		da, ok := schema.DateArg()
		if !ok {
			continue
		}
		if v, present := ph.Arguments[da.Name]; present && !isEmptyValue(v) {
			// The plan already consumes the anchor somewhere.
			return false, nil
		}
		if candidate == nil {
			candidate, candidateArg = ph, da.Name
		}
	}
	if candidate == nil {
		return false, nil
	}

	if candidate.Arguments == nil {
		candidate.Arguments = make(map[string]agent.ArgumentValue, 1)
	}
	candidate.Arguments[candidateArg] = agent.LiteralValue(pc.phrase)
	slog.Debug("Wired relative phrase into date argument",
		slog.Int("phase", candidate.Index),
		slog.String("argument", candidateArg),
		slog.String("phrase", pc.phrase),
	)
	return true, nil
}
