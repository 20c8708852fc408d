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

// =============================================================================
// Pass 2: loop-synthesis insertion
// =============================================================================

// pass2LoopSynthesis inserts a per-item distillation phase between a run
// of same-source loop phases and the synthesis phase they feed.
//
// Description:
//
//	Raw loop output is usually too bulky for one synthesis call. When two
//	or more consecutive loop phases iterate the same source and the next
//	phase is a synthesis prompt, a distillation loop over the run's final
//	result is inserted and the synthesis phase's references to the run
//	are redirected at the distilled output.
func pass2LoopSynthesis(_ context.Context, pc *passContext, pl *agent.Plan) (bool, error) {
	distill, ok := distillPrompt(pc.catalog)
	if !ok {
		return false, nil
	}

	changed := false
	i := 1
	for i < pl.Len() {
		first := pl.PhaseAt(i)
		if !first.IsLoop() {
			i++
			continue
		}
		j := i
		for j+1 <= pl.Len() {
			next := pl.PhaseAt(j + 1)
			if !next.IsLoop() || !sameSource(first.LoopOver, next.LoopOver) {
				break
			}
			j++
		}
		if j == i || j >= pl.Len() {
			i = j + 1
			continue
		}
		syn := pl.PhaseAt(j + 1)
		if syn.IsLoop() ||
			targetClass(pc.catalog, syn.Target) != tools.ClassSynthesis ||
			syn.Target.Name == distill.Name {
			i = j + 1
			continue
		}

		lo := agent.PhaseRef(pl.PhaseAt(j).Index, "")
		pl.InsertPhase(j+1, &agent.Phase{
			Goal: "Distill each gathered result before synthesis",
			Kind: agent.PhaseLoop,
			Target: agent.Target{
				Kind: agent.TargetPrompt,
				Name: distill.Name,
			},
			Arguments: map[string]agent.ArgumentValue{
				"item": agent.LoopItemValue(""),
			},
			LoopOver: &lo,
		})

		// Point the synthesis phase at the distilled output instead of
		// the raw run. InsertPhase already shifted its other references.
		inserted := j + 1
		for k, v := range syn.Arguments {
			if v.Kind == agent.ArgPhaseResult && v.Phase >= i && v.Phase <= j {
				syn.Arguments[k] = agent.PhaseRef(inserted, "")
			}
		}
		slog.Debug("Inserted distillation loop",
			slog.Int("after", j),
			slog.String("prompt", distill.Name),
		)
		changed = true
		i = j + 2
	}
	return changed, nil
}

// distillPrompt finds the synthesis prompt that takes a per-item "item"
// argument.
func distillPrompt(catalog *tools.Catalog) (*tools.PromptSpec, bool) {
	for _, spec := range catalog.PromptsByClass(tools.ClassSynthesis) {
		if schema, ok := catalog.PromptSchema(spec.Name); ok && schema.HasArg("item") {
			return spec, true
		}
	}
	return nil, false
}

// sameSource reports whether two loop sources are structurally equal.
func sameSource(a, b *agent.ArgumentValue) bool {
	if a == nil || b == nil {
		return false
	}
	if a.Kind != b.Kind || a.Key != b.Key {
		return false
	}
	switch a.Kind {
	case agent.ArgPhaseResult:
		return a.Phase == b.Phase
	case agent.ArgLiteral:
		return fmt.Sprintf("%v", a.Literal) == fmt.Sprintf("%v", b.Literal)
	default:
		return true
	}
}

// =============================================================================
// Pass 3: batch-vs-per-item classification
// =============================================================================

// pass3Classify asks the tactical LLM, for each loop phase over the
// generic apply-LLM prompt, whether the items can be processed in one
// batched call. A batch verdict converts the phase to a standard phase
// with the loop source moved into the item argument.
func pass3Classify(ctx context.Context, pc *passContext, pl *agent.Plan) (bool, error) {
	changed := false
	var firstErr error

	for _, ph := range pl.Phases {
		if !ph.IsLoop() || ph.LoopOver == nil || ph.Target.Kind != agent.TargetPrompt {
			continue
		}
		if targetClass(pc.catalog, ph.Target) != tools.ClassLLMApply {
			continue
		}

		system, user := classificationPrompt(pc.goal, ph)
		text, err := pc.complete(ctx, system, user, llm.FormatText)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		mode, err := parseBatchMode(text)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if mode != "batch" {
			continue
		}
		if convertToBatch(pc.catalog, ph) {
			slog.Debug("Converted loop phase to batched call",
				slog.Int("phase", ph.Index),
				slog.String("prompt", ph.Target.Name),
			)
			changed = true
		}
	}

	if !changed && firstErr != nil {
		return false, firstErr
	}
	return changed, nil
}

// parseBatchMode reads the classification verdict, tolerating both a
// JSON {"mode": ...} object and a bare-text answer. Per-item spellings
// are checked first so "per_item, not batch" parses correctly.
func parseBatchMode(text string) (string, error) {
	if raw, err := llm.ExtractJSON(text); err == nil {
		var obj struct {
			Mode string `json:"mode"`
		}
		if json.Unmarshal([]byte(raw), &obj) == nil && obj.Mode != "" {
			text = obj.Mode
		}
	}
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "per_item"),
		strings.Contains(lower, "per-item"),
		strings.Contains(lower, "per item"):
		return "per_item", nil
	case strings.Contains(lower, "batch"):
		return "batch", nil
	}
	return "", fmt.Errorf("unrecognized classification verdict: %.80s", text)
}

// convertToBatch rewrites a loop phase into a standard phase whose item
// argument carries the whole loop source.
func convertToBatch(catalog *tools.Catalog, ph *agent.Phase) bool {
	source := *ph.LoopOver

	moved := false
	for k, v := range ph.Arguments {
		if v.Kind == agent.ArgLoopItem {
			ph.Arguments[k] = source
			moved = true
		}
	}
	if !moved {
		schema := schemaFor(catalog, ph.Target)
		if schema == nil || !schema.HasArg("item") {
			return false
		}
		if ph.Arguments == nil {
			ph.Arguments = make(map[string]agent.ArgumentValue, 1)
		}
		ph.Arguments["item"] = source
	}
	ph.Kind = agent.PhaseStandard
	ph.LoopOver = nil
	return true
}

// =============================================================================
// Pass 4: date-range loop repair
// =============================================================================

// pass4DateRange converts the consumer of a date-range-producing clock
// phase into a loop over the produced days.
//
// Description:
//
//	A clock phase invoked with a range argument yields a "dates" list.
//	When the next phase references that output without looping, it would
//	receive the whole list in a single date argument. The repair loops it
//	over the list, one concrete day per iteration.
func pass4DateRange(_ context.Context, pc *passContext, pl *agent.Plan) (bool, error) {
	changed := false
	for i := 1; i < pl.Len(); i++ {
		producer := pl.PhaseAt(i)
		if producer.Target.Kind != agent.TargetTool ||
			targetClass(pc.catalog, producer.Target) != tools.ClassClock {
			continue
		}
		if v, ok := producer.Arguments["range"]; !ok || isEmptyValue(v) {
			continue
		}
		next := pl.PhaseAt(i + 1)
		if next.IsLoop() || !referencesPhase(next, producer.Index) {
			continue
		}
		schema := schemaFor(pc.catalog, next.Target)
		if schema == nil {
			continue
		}
		da, ok := schema.DateArg()
		if !ok {
			continue
		}

		lo := agent.PhaseRef(producer.Index, "dates")
		next.Kind = agent.PhaseLoop
		next.LoopOver = &lo
		if next.Arguments == nil {
			next.Arguments = make(map[string]agent.ArgumentValue, 1)
		}
		next.Arguments[da.Name] = agent.LoopItemValue("")
		slog.Debug("Repaired date-range consumer into loop",
			slog.Int("producer", i),
			slog.Int("consumer", i+1),
		)
		changed = true
	}
	return changed, nil
}
