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
	"github.com/AleutianAI/kodiak/services/agent/resolve"
)

// pass6Hydrate resolves a first-phase loop whose source points forward.
//
// Description:
//
//	A first phase can only reference data that does not exist yet when
//	the model meant "loop over what we found last turn". The pass
//	searches the previous turn's trace backwards for the last successful
//	result that yields a sequence (under the reference's key when one is
//	named) and rewires the loop source at the injected zero slot. The
//	matched payload travels back on the pass context; the coordinator
//	stores it in WorkflowState before execution starts. With no usable
//	previous result the phase degrades to a standard phase needing
//	refinement.
func pass6Hydrate(_ context.Context, pc *passContext, pl *agent.Plan) (bool, error) {
	first := pl.PhaseAt(1)
	if first == nil || !first.IsLoop() || first.LoopOver == nil {
		return false, nil
	}
	lo := first.LoopOver
	if lo.Kind != agent.ArgPhaseResult || lo.Phase < first.Index {
		return false, nil
	}

	entry := lastSequenceResult(pc.prevTrace, lo.Key)
	if entry == nil {
		slog.Warn("No previous-turn result to hydrate loop source",
			slog.String("key", lo.Key),
			slog.Int("referenced", lo.Phase),
		)
		first.LoopOver = nil
		first.Kind = agent.PhaseStandard
		first.NeedsRefinement = true
		return true, nil
	}

	pc.hydration = &agent.InjectedTurnData{
		Payload:      entry.Result.Payload,
		SourceTarget: entry.Action.Target.Name,
	}
	ref := agent.PhaseRef(agent.InjectedPhase, lo.Key)
	first.LoopOver = &ref
	slog.Info("Hydrated loop source from previous turn",
		slog.String("source_target", entry.Action.Target.Name),
		slog.String("key", lo.Key),
	)
	return true, nil
}

// lastSequenceResult scans the previous trace backwards for the most
// recent successful call whose payload yields a sequence, under key when
// one is named.
func lastSequenceResult(trace []agent.TraceEntry, key string) *agent.TraceEntry {
	for i := len(trace) - 1; i >= 0; i-- {
		e := trace[i]
		if e.Result.Status != agent.TraceSuccess {
			continue
		}
		payload := e.Result.Payload
		if key != "" {
			m, ok := payload.(map[string]any)
			if !ok {
				continue
			}
			payload = m[key]
		}
		if _, ok := resolve.Sequence(payload); ok {
			return &trace[i]
		}
	}
	return nil
}
