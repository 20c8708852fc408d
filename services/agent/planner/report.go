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
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/kodiak/services/agent"
	"github.com/AleutianAI/kodiak/services/llm"
	"github.com/AleutianAI/kodiak/services/tools"
)

// emptyContextFallback is injected when a context-only answer is needed
// but no background documents could be retrieved.
const emptyContextFallback = "I could not find any background information to answer this. " +
	"Please try rephrasing the question or ask about the available metrics."

// pass7EmptyContext fills context-report phases that arrived without
// answer content: from retrieved documents via one synthesis call when
// any are available, from the fixed fallback message otherwise.
func pass7EmptyContext(ctx context.Context, pc *passContext, pl *agent.Plan) (bool, error) {
	changed := false
	var firstErr error

	for _, ph := range pl.Phases {
		if targetClass(pc.catalog, ph.Target) != tools.ClassContextReport {
			continue
		}
		answerArg := requiredTextArg(schemaFor(pc.catalog, ph.Target))
		if v, ok := ph.Arguments[answerArg]; ok && !isEmptyValue(v) {
			continue
		}
		if ph.Arguments == nil {
			ph.Arguments = make(map[string]agent.ArgumentValue, 1)
		}

		docs := pc.documents(ctx)
		if len(docs) == 0 {
			ph.Arguments[answerArg] = agent.LiteralValue(emptyContextFallback)
			slog.Info("No background documents, injected fallback answer",
				slog.Int("phase", ph.Index),
			)
			changed = true
			continue
		}

		system, user := synthesisPrompt(pc.goal, docs)
		text, err := pc.complete(ctx, system, user, llm.FormatText)
		if err == nil && strings.TrimSpace(text) == "" {
			err = fmt.Errorf("context synthesis returned an empty answer")
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		ph.Arguments[answerArg] = agent.LiteralValue(strings.TrimSpace(text))
		changed = true
	}

	if !changed && firstErr != nil {
		return false, firstErr
	}
	return changed, nil
}

// requiredTextArg picks the argument that carries a prompt's main text.
func requiredTextArg(schema *tools.Schema) string {
	if schema != nil {
		if req := schema.Required(); len(req) > 0 {
			return req[0].Name
		}
	}
	return "answer"
}

// pass8FinalPhase guarantees a standard plan ends in a reporting phase.
// Running it twice is a no-op: a plan that already ends in a report-class
// phase is left alone.
func pass8FinalPhase(_ context.Context, pc *passContext, pl *agent.Plan) (bool, error) {
	if pl.Type == agent.PlanConversational || pl.Type == agent.PlanContextSynthesis || pl.Len() == 0 {
		return false, nil
	}
	switch targetClass(pc.catalog, pl.LastPhase().Target) {
	case tools.ClassReport, tools.ClassContextReport:
		return false, nil
	}
	report, ok := pc.catalog.FirstToolByClass(tools.ClassReport)
	if !ok {
		return false, nil
	}

	contentArg := "content"
	if schema, ok := pc.catalog.ToolSchema(report.Name); ok {
		if req := schema.Required(); len(req) > 0 {
			contentArg = req[0].Name
		}
	}
	n := pl.Len()
	pl.InsertPhase(n+1, &agent.Phase{
		Goal: "Compose the final report",
		Kind: agent.PhaseStandard,
		Target: agent.Target{
			Kind: agent.TargetTool,
			Name: report.Name,
		},
		Arguments: map[string]agent.ArgumentValue{
			contentArg: agent.PhaseRef(n, ""),
		},
	})
	return true, nil
}
