// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events broadcasts engine progress to subscribers: the gateway's
// websocket fan-out, the TUI run viewer, and tests.
//
// Emission is synchronous and serialized, so subscribers observe events in
// exactly the order the engine produced them — the same order as the
// execution trace.
package events

import (
	"time"
)

// Type identifies the kind of engine event.
type Type string

const (
	// TypeTurnStarted is emitted when a turn begins planning.
	TypeTurnStarted Type = "turn_started"

	// TypePlanGenerated is emitted after the strategic planning call
	// parses into a plan, before rewriting.
	TypePlanGenerated Type = "plan_generated"

	// TypePassApplied is emitted when a rewrite pass changes the plan.
	TypePassApplied Type = "pass_applied"

	// TypePassDegraded is emitted when a hybrid pass's LLM call failed
	// and the pass left the plan untouched.
	TypePassDegraded Type = "pass_degraded"

	// TypePhaseStarted is emitted when phase execution begins.
	TypePhaseStarted Type = "phase_started"

	// TypePhaseFinished is emitted when a phase completes or aborts.
	TypePhaseFinished Type = "phase_finished"

	// TypeCorrectionApplied is emitted when a correction strategy
	// proposes a retry action for a failed tool call.
	TypeCorrectionApplied Type = "correction_applied"

	// TypeRecoveryStarted is emitted when accumulated failures trigger
	// an autonomous replan.
	TypeRecoveryStarted Type = "recovery_started"

	// TypeTurnCancelled is emitted when a turn stops at a suspension
	// point because its context was cancelled.
	TypeTurnCancelled Type = "turn_cancelled"

	// TypeTurnFinished is emitted once per turn, after the result and
	// trace are final.
	TypeTurnFinished Type = "turn_finished"
)

// Event is one engine progress notification.
//
// Thread Safety: treat events as immutable after emission.
type Event struct {
	// ID is a unique identifier for this event.
	ID string `json:"id"`

	// Type identifies the kind of event.
	Type Type `json:"type"`

	// SessionID and TurnID correlate the event with a turn.
	SessionID string `json:"session_id,omitempty"`
	TurnID    string `json:"turn_id,omitempty"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"timestamp"`

	// Phase is the plan phase index current at emission, -1 outside
	// phase execution.
	Phase int `json:"phase"`

	// Data holds the typed payload for this event kind: one of
	// TurnStartedData, PlanGeneratedData, PassAppliedData,
	// PassDegradedData, PhaseStartedData, PhaseFinishedData,
	// CorrectionAppliedData, RecoveryStartedData, TurnCancelledData,
	// or TurnFinishedData.
	Data any `json:"data,omitempty"`
}

// TurnStartedData is the payload for turn_started.
type TurnStartedData struct {
	Goal string `json:"goal"`
}

// PlanGeneratedData is the payload for plan_generated.
type PlanGeneratedData struct {
	PlanType   string `json:"plan_type"`
	PhaseCount int    `json:"phase_count"`

	// Recovery marks plans produced by autonomous error recovery rather
	// than the initial strategic call.
	Recovery bool `json:"recovery,omitempty"`
}

// PassAppliedData is the payload for pass_applied.
type PassAppliedData struct {
	// Pass is the pipeline position (0-8).
	Pass int `json:"pass"`

	// Name is the pass's short name, e.g. "consolidation".
	Name string `json:"name"`

	PhasesBefore int `json:"phases_before"`
	PhasesAfter  int `json:"phases_after"`
}

// PassDegradedData is the payload for pass_degraded.
type PassDegradedData struct {
	Pass   int    `json:"pass"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// PhaseStartedData is the payload for phase_started.
type PhaseStartedData struct {
	Goal   string `json:"goal"`
	Target string `json:"target"`
	Loop   bool   `json:"loop,omitempty"`
}

// PhaseFinishedData is the payload for phase_finished.
type PhaseFinishedData struct {
	Target   string        `json:"target"`
	Success  bool          `json:"success"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`

	// FastPath records whether the phase skipped the tactical LLM call.
	FastPath bool `json:"fast_path"`

	Error string `json:"error,omitempty"`
}

// CorrectionAppliedData is the payload for correction_applied.
type CorrectionAppliedData struct {
	Strategy     string `json:"strategy"`
	MatchedError string `json:"matched_error"`
	Attempt      int    `json:"attempt"`
}

// RecoveryStartedData is the payload for recovery_started.
type RecoveryStartedData struct {
	FailureCount    int      `json:"failure_count"`
	FailedPhase     int      `json:"failed_phase"`
	ExcludedTargets []string `json:"excluded_targets,omitempty"`
}

// TurnCancelledData is the payload for turn_cancelled.
type TurnCancelledData struct {
	// CompletedPhases is how many phases finished before the stop.
	CompletedPhases int `json:"completed_phases"`
}

// TurnFinishedData is the payload for turn_finished.
type TurnFinishedData struct {
	Status    string        `json:"status"`
	PhasesRun int           `json:"phases_run"`
	Duration  time.Duration `json:"duration"`
	TokensIn  int           `json:"tokens_in"`
	TokensOut int           `json:"tokens_out"`
	Error     string        `json:"error,omitempty"`
}
