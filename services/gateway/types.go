// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"github.com/AleutianAI/kodiak/pkg/validation"
	"github.com/AleutianAI/kodiak/services/agent"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// Custom binding validators shared by the request types below.
// target_name: lowercase snake_case catalog identifiers.
// run_id: session and turn identifiers (UUID-safe, no key separators).
func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("target_name", func(fl validator.FieldLevel) bool {
			return validation.ValidateTargetName(fl.Field().String()) == nil
		})
		_ = v.RegisterValidation("run_id", func(fl validator.FieldLevel) bool {
			return validation.ValidateSessionID(fl.Field().String()) == nil
		})
	}
}

// =============================================================================
// Requests
// =============================================================================

// SubmitTurnRequest is the body of POST /v1/turns.
type SubmitTurnRequest struct {
	// Goal is the natural-language objective. Required.
	Goal string `json:"goal" binding:"required"`

	// SessionID groups turns for previous-turn hydration.
	// Optional; the engine defaults it.
	SessionID string `json:"session_id,omitempty" binding:"omitempty,run_id"`

	// TurnID pins the turn identifier, letting callers make submission
	// idempotent. Optional; assigned when empty.
	TurnID string `json:"turn_id,omitempty" binding:"omitempty,run_id"`

	// History is the scrubbed conversation so far, oldest first.
	History []agent.HistoryEntry `json:"history,omitempty"`

	// MaxPhases caps plan length for this turn. Zero applies the
	// configured default.
	MaxPhases int `json:"max_phases,omitempty" binding:"omitempty,min=1,max=50"`

	// ExcludedTargets are catalog names the plan must not use.
	ExcludedTargets []string `json:"excluded_targets,omitempty" binding:"omitempty,dive,target_name"`
}

// =============================================================================
// Responses
// =============================================================================

// ErrorResponse is the error envelope for all endpoints.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the error code (optional).
	Code string `json:"code,omitempty"`

	// Details provides additional error context (optional).
	Details string `json:"details,omitempty"`
}

// SubmitTurnResponse acknowledges an accepted turn.
type SubmitTurnResponse struct {
	TurnID    string `json:"turn_id"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// TurnStatusResponse is the status of a turn, live or persisted.
// Timestamps are Unix milliseconds UTC.
type TurnStatusResponse struct {
	TurnID    string `json:"turn_id"`
	SessionID string `json:"session_id"`
	Goal      string `json:"goal"`

	// Running is true while the turn executes; Status, Answer, and
	// EndedAt are only populated once it stops.
	Running bool   `json:"running"`
	Status  string `json:"status,omitempty"`
	Answer  string `json:"answer,omitempty"`

	// Phases counts completed phases.
	Phases int `json:"phases"`

	Tokens    agent.TokenUsage   `json:"tokens"`
	Error     *agent.EngineError `json:"error,omitempty"`
	StartedAt int64              `json:"started_at"`
	EndedAt   int64              `json:"ended_at,omitempty"`
}

// TraceResponse carries a finished turn's execution trace.
type TraceResponse struct {
	TurnID  string             `json:"turn_id"`
	Count   int                `json:"count"`
	Entries []agent.TraceEntry `json:"entries"`
}

// CancelResponse acknowledges a cancellation request.
type CancelResponse struct {
	TurnID  string `json:"turn_id"`
	Message string `json:"message"`
}

// SessionTurnRow is one listing entry in a session's history.
// Timestamps are Unix milliseconds UTC.
type SessionTurnRow struct {
	TurnID    string `json:"turn_id"`
	Goal      string `json:"goal"`
	Status    string `json:"status"`
	Phases    int    `json:"phases"`
	StartedAt int64  `json:"started_at"`
	EndedAt   int64  `json:"ended_at"`
}

// SessionTurnsResponse lists a session's turns, newest first.
type SessionTurnsResponse struct {
	SessionID string           `json:"session_id"`
	Count     int              `json:"count"`
	Turns     []SessionTurnRow `json:"turns"`
}

// LastResultResponse is the most recent successful tool result in a
// session. EndedAt is Unix milliseconds UTC.
type LastResultResponse struct {
	SessionID string `json:"session_id"`
	TurnID    string `json:"turn_id"`
	Target    string `json:"target"`
	Payload   any    `json:"payload"`
	EndedAt   int64  `json:"ended_at"`
}

// HealthResponse is the liveness probe body.
type HealthResponse struct {
	Status      string `json:"status"`
	ActiveTurns int    `json:"active_turns"`
}
