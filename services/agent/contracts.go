// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"context"
	"time"

	"github.com/AleutianAI/kodiak/services/agent/config"
	"github.com/AleutianAI/kodiak/services/agent/events"
	"github.com/AleutianAI/kodiak/services/tools"
)

// ============================================================================
// Planner contract
// ============================================================================

// PlanRequest is one plan-generation ask.
//
// Catalog and Config are per-turn snapshots taken by the coordinator;
// the planner never reads ambient state, so a catalog reload mid-turn
// cannot shear two sessions against each other.
type PlanRequest struct {
	Goal        string
	History     []HistoryEntry
	Constraints PlanConstraints

	Catalog *tools.Catalog
	Config  *config.Config

	// PreviousTrace is last turn's execution trace, consulted when the
	// draft plan references data that only exists from a previous run.
	PreviousTrace []TraceEntry

	// Emitter receives pass progress events. Optional.
	Emitter *events.Emitter

	// Recovery marks this as an ERROR_RECOVERY replan and supplies the
	// failure context for the prompt.
	Recovery *RecoveryRequest
}

// RecoveryRequest carries the failure history for an ERROR_RECOVERY
// replan.
type RecoveryRequest struct {
	// FailedPhase and FailedTarget identify what exhausted its attempts.
	FailedPhase  int
	FailedTarget string

	// Failures are the error texts collected across the attempts,
	// oldest first.
	Failures []string

	// CompletedPhases lists phase indices whose results already exist;
	// the replacement plan must not redo them.
	CompletedPhases []int
}

// PlanArtifacts bundles the outputs of one generation.
type PlanArtifacts struct {
	// Generated is the draft exactly as parsed, kept so external tooling
	// can diff what the model proposed against what actually ran.
	Generated *Plan

	// Plan is the validated plan after the rewrite pipeline.
	Plan *Plan

	// Hydration is previous-turn data selected during rewriting; the
	// coordinator installs it into the workflow state before execution.
	Hydration *InjectedTurnData

	// Tokens is the combined usage of the strategic call and every
	// hybrid pass.
	Tokens TokenUsage
}

// PlanService is the strategic planner as the coordinator sees it.
type PlanService interface {
	GeneratePlan(ctx context.Context, req *PlanRequest) (*PlanArtifacts, error)
}

// ============================================================================
// Executor contract
// ============================================================================

// PhaseOutcome is what one phase execution returns to the coordinator.
type PhaseOutcome struct {
	// Phase is the 1-based plan index that was executed.
	Phase int

	// Success reports whether the phase produced a recorded result.
	Success bool

	// FinalAnswer is set when a correction concluded the goal is better
	// served by answering directly than by another call. The coordinator
	// short-circuits the remaining plan with it.
	FinalAnswer string

	// FastPath reports whether the first attempt skipped the tactical
	// LLM decision.
	FastPath bool

	// Attempts counts physical backend and LLM-action calls made for
	// the phase, corrections included.
	Attempts int

	// SlowPathCalls counts tactical LLM decisions made for the phase.
	// The coordinator compares it against the recovery threshold.
	SlowPathCalls int

	// RecoveryRequested is set when the executor exhausted its slow-path
	// budget and wants a full replan with FailedTarget excluded.
	RecoveryRequested bool

	// FailureHistory holds the error texts collected across attempts,
	// oldest first. Feeds the ERROR_RECOVERY prompt.
	FailureHistory []string

	// Err classifies the failure when Success is false.
	Err *EngineError

	// Tokens is the phase's LLM usage: tactical decisions, correction
	// proposals, and prompt-target completions.
	Tokens TokenUsage

	// Duration is wall-clock execution time for the phase.
	Duration time.Duration
}

// PhaseRunner executes one phase to completion. Implementations own the
// fast/slow-path decision, orchestrator expansion, and the correction
// chain; the coordinator only sequences phases and handles recovery.
type PhaseRunner interface {
	ExecutePhase(ctx context.Context, ph *Phase, state *WorkflowState, trace *ExecutionTrace) *PhaseOutcome
}

// TurnEnv carries the per-turn snapshots a phase runner needs. Built
// once per turn by the coordinator and never shared across turns.
type TurnEnv struct {
	Catalog *tools.Catalog
	Config  *config.Config
	Emitter *events.Emitter
}

// ExecutorFactory builds the phase runner for one turn. Shared
// components (LLM client, tool backend) are captured by the closure at
// wiring time; per-turn snapshots arrive in the TurnEnv.
type ExecutorFactory func(env *TurnEnv) PhaseRunner

// ============================================================================
// Persistence contract
// ============================================================================

// TurnRecord is the per-turn snapshot handed to session persistence:
// the plan as the model proposed it, the plan as rewritten, and the
// full trace, kept distinct so external tooling can diff them.
type TurnRecord struct {
	TurnID    string           `json:"turn_id"`
	SessionID string           `json:"session_id"`
	Goal      string           `json:"goal"`
	Status    TurnStatus       `json:"status"`
	Answer    string           `json:"answer,omitempty"`
	Generated *Plan            `json:"plan_generated,omitempty"`
	Rewritten *Plan            `json:"plan_rewritten,omitempty"`
	Trace     []TraceEntry     `json:"trace,omitempty"`
	Results   map[int]any      `json:"results,omitempty"`
	Error     *EngineError     `json:"error,omitempty"`
	Tokens    TokenUsage       `json:"tokens"`
	StartedAt time.Time        `json:"started_at"`
	EndedAt   time.Time        `json:"ended_at"`
}

// TurnStore persists turn records. Implementations must tolerate
// concurrent turns from different sessions.
type TurnStore interface {
	// SaveTurn persists one finished turn.
	SaveTurn(ctx context.Context, rec *TurnRecord) error

	// LastTrace returns the most recent turn's trace for a session, or
	// nil when the session has no history. Feeds plan hydration.
	LastTrace(ctx context.Context, sessionID string) ([]TraceEntry, error)
}
