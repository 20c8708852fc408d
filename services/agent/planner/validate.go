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
)

// pass5Validate applies the four deterministic corrections. It always
// runs, including on recovery plans when so configured.
//
// Description:
//
//	1. Strip phases whose target is empty, unknown to the catalog, or
//	   excluded by constraints.
//	2. Reclassify targets filed under the wrong kind (a prompt named as
//	   a tool or the reverse).
//	3. Remove arguments the target's schema does not define, resolving
//	   near-miss names through the synonym table before removal. A phase
//	   left without a required argument is marked for refinement so the
//	   executor takes the slow path.
//	4. Clear forward references: an argument referencing the phase's own
//	   index or later becomes a nil literal, a forward loop source is
//	   dropped and the phase degrades to standard. The one exemption is
//	   a first-phase loop source awaiting hydration from the previous
//	   turn, which the hydration pass resolves or degrades itself.
func pass5Validate(_ context.Context, pc *passContext, pl *agent.Plan) (bool, error) {
	changed := false

	// Correction 1: strip unusable targets.
	i := 1
	for i <= pl.Len() {
		ph := pl.PhaseAt(i)
		name := ph.Target.Name
		known := pc.catalog.HasTool(name) || pc.catalog.HasPrompt(name)
		if name == "" || !known || pc.constraints.Excluded(name) {
			slog.Warn("Validation stripped phase with unusable target",
				slog.Int("phase", i),
				slog.String("target", name),
			)
			pl.RemovePhase(i)
			changed = true
			continue
		}
		i++
	}

	// Correction 2: fix tool/prompt misclassification.
	for _, ph := range pl.Phases {
		switch ph.Target.Kind {
		case agent.TargetTool:
			if !pc.catalog.HasTool(ph.Target.Name) && pc.catalog.HasPrompt(ph.Target.Name) {
				ph.Target.Kind = agent.TargetPrompt
				changed = true
			}
		case agent.TargetPrompt:
			if !pc.catalog.HasPrompt(ph.Target.Name) && pc.catalog.HasTool(ph.Target.Name) {
				ph.Target.Kind = agent.TargetTool
				changed = true
			}
		}
	}

	// Correction 3: drop arguments outside the schema, synonyms rescued.
	for _, ph := range pl.Phases {
		schema := schemaFor(pc.catalog, ph.Target)
		if schema == nil {
			continue
		}
		removed := false
		for name, v := range ph.Arguments {
			if schema.HasArg(name) {
				continue
			}
			if canonical, ok := pc.cfg.CanonicalArg(name); ok && schema.HasArg(canonical) {
				if _, taken := ph.Arguments[canonical]; !taken {
					delete(ph.Arguments, name)
					ph.Arguments[canonical] = v
					changed = true
					continue
				}
			}
			slog.Warn("Validation removed argument outside the schema",
				slog.Int("phase", ph.Index),
				slog.String("target", ph.Target.Name),
				slog.String("argument", name),
			)
			delete(ph.Arguments, name)
			changed = true
			removed = true
		}
		if removed && !ph.NeedsRefinement {
			for _, req := range schema.Required() {
				if v, ok := ph.Arguments[req.Name]; !ok || isEmptyValue(v) {
					ph.NeedsRefinement = true
					break
				}
			}
		}
	}

	// Correction 4: clear forward references.
	for _, ph := range pl.Phases {
		for name, v := range ph.Arguments {
			if v.Kind == agent.ArgPhaseResult && v.Phase >= ph.Index {
				slog.Warn("Validation nulled forward reference",
					slog.Int("phase", ph.Index),
					slog.String("argument", name),
					slog.Int("referenced", v.Phase),
				)
				ph.Arguments[name] = agent.LiteralValue(nil)
				changed = true
			}
		}
		lo := ph.LoopOver
		if lo == nil || lo.Kind != agent.ArgPhaseResult || lo.Phase < ph.Index {
			continue
		}
		if pc.hydrationEligible && ph.Index == 1 && ph.IsLoop() {
			// Left for the hydration pass.
			continue
		}
		ph.LoopOver = nil
		if ph.IsLoop() {
			ph.Kind = agent.PhaseStandard
			ph.NeedsRefinement = true
		}
		changed = true
	}

	return changed, nil
}
