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
	"errors"
	"fmt"
)

// Sentinel errors for structural failures. Callers match with errors.Is.
var (
	// ErrPlanNotContiguous means phase indices are not 1..n in order.
	ErrPlanNotContiguous = errors.New("plan phases are not contiguous")

	// ErrForwardReference means an argument references a phase at or after
	// its own index outside the hydrated slot.
	ErrForwardReference = errors.New("argument references a later phase")

	// ErrEmptyPlan means the planner produced a plan with no phases.
	ErrEmptyPlan = errors.New("plan contains no phases")

	// ErrTurnNotFound means the requested turn is not registered.
	ErrTurnNotFound = errors.New("turn not found")

	// ErrTurnNotRunning means a cancel was requested for a finished turn.
	ErrTurnNotRunning = errors.New("turn is not running")

	// ErrEmptyGoal means the turn request carried no goal text.
	ErrEmptyGoal = errors.New("turn request has no goal")

	// ErrTurnExists means a turn with the requested ID is already
	// registered.
	ErrTurnExists = errors.New("turn already exists")

	// ErrTurnLimit means the concurrent-turn limit rejected the request.
	ErrTurnLimit = errors.New("maximum concurrent turns reached")
)

// ErrorType classifies engine failures for the caller.
//
// Only DefinitiveTool errors and exhausted retries escape a phase;
// everything else is absorbed by retry, correction, or orchestration.
type ErrorType string

const (
	// ErrTypePlanGeneration means the planner could not produce a usable
	// plan after bounded retries.
	ErrTypePlanGeneration ErrorType = "PLAN_GENERATION"

	// ErrTypeDefinitiveTool is a non-retryable tool rejection such as a
	// syntax error or permission denial.
	ErrTypeDefinitiveTool ErrorType = "DEFINITIVE_TOOL"

	// ErrTypeRetryableTool is a tool failure eligible for the correction
	// strategy chain.
	ErrTypeRetryableTool ErrorType = "RETRYABLE_TOOL"

	// ErrTypePhaseAborted means retries and corrections were exhausted for
	// one phase.
	ErrTypePhaseAborted ErrorType = "PHASE_ABORTED"

	// ErrTypeRecoveryExhausted means autonomous recovery itself failed to
	// produce a working plan.
	ErrTypeRecoveryExhausted ErrorType = "RECOVERY_EXHAUSTED"
)

// EngineError is the classified error surfaced by the engine.
//
// EngineError implements the error interface so it can flow through
// standard error handling while keeping the taxonomy attached; callers
// never see a raw provider error without a Type.
type EngineError struct {
	// Type is the taxonomy classification.
	Type ErrorType `json:"type"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Phase is the 1-based phase index where the failure occurred, when
	// the failure is phase-scoped.
	Phase int `json:"phase,omitempty"`

	// Target is the failing tool or prompt, when known.
	Target string `json:"target,omitempty"`

	// Recoverable indicates whether a retry or replan might succeed.
	Recoverable bool `json:"recoverable"`

	// Cause is the underlying error, preserved for unwrapping.
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Phase > 0 {
		return fmt.Sprintf("%s: phase %d: %s", e.Type, e.Phase, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// NewPlanGenerationError wraps a planner failure.
func NewPlanGenerationError(msg string, cause error) *EngineError {
	return &EngineError{Type: ErrTypePlanGeneration, Message: msg, Recoverable: false, Cause: cause}
}

// NewDefinitiveToolError wraps a non-retryable tool rejection.
func NewDefinitiveToolError(phase int, target, msg string) *EngineError {
	return &EngineError{Type: ErrTypeDefinitiveTool, Message: msg, Phase: phase, Target: target, Recoverable: false}
}

// NewRetryableToolError wraps a tool failure the correction chain may fix.
func NewRetryableToolError(phase int, target, msg string) *EngineError {
	return &EngineError{Type: ErrTypeRetryableTool, Message: msg, Phase: phase, Target: target, Recoverable: true}
}

// NewPhaseAbortedError wraps an exhausted phase.
func NewPhaseAbortedError(phase int, target, msg string, cause error) *EngineError {
	return &EngineError{Type: ErrTypePhaseAborted, Message: msg, Phase: phase, Target: target, Recoverable: false, Cause: cause}
}

// NewRecoveryExhaustedError wraps a failed autonomous recovery.
func NewRecoveryExhaustedError(msg string, cause error) *EngineError {
	return &EngineError{Type: ErrTypeRecoveryExhausted, Message: msg, Recoverable: false, Cause: cause}
}

// AsEngineError extracts an EngineError from an error chain, or wraps the
// error as the given type so the taxonomy is always attached.
func AsEngineError(err error, fallback ErrorType) *EngineError {
	if err == nil {
		return nil
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee
	}
	return &EngineError{Type: fallback, Message: err.Error(), Cause: err}
}
