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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/AleutianAI/kodiak/pkg/extensions"
	"github.com/AleutianAI/kodiak/pkg/validation"
	"github.com/AleutianAI/kodiak/services/agent"
	"github.com/AleutianAI/kodiak/services/storage"
	"github.com/gin-gonic/gin"
)

// Handlers bundles the gateway's HTTP handlers and their dependencies.
type Handlers struct {
	engine TurnEngine

	// history serves lookups for turns that have aged out of the live
	// registry. Optional; endpoints that need it return 503 when nil.
	history History

	// exts holds the auth and audit seams. Defaults to no-op providers
	// so an unconfigured gateway stays open and quiet.
	exts extensions.ServiceOptions
}

// NewHandlers creates a handler set for the given engine.
func NewHandlers(engine TurnEngine) *Handlers {
	return &Handlers{
		engine: engine,
		exts:   extensions.DefaultOptions(),
	}
}

// =============================================================================
// Turns
// =============================================================================

// HandleSubmitTurn handles POST /v1/turns.
//
// Description:
//
//	Validates the request body and submits the turn to the engine. The
//	turn runs asynchronously; callers poll GET /v1/turns/:id or attach
//	to the event stream for progress.
//
// Outputs:
//   - 202 with SubmitTurnResponse when the turn is accepted.
//   - 400 when the body is malformed or the goal is empty.
//   - 409 when the pinned turn ID already exists.
//   - 429 when the engine is at its concurrent turn limit.
func (h *Handlers) HandleSubmitTurn(c *gin.Context) {
	requestID := GetRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleSubmitTurn")

	var req SubmitTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Code:    "INVALID_REQUEST",
			Details: err.Error(),
		})
		return
	}

	turnReq := &agent.TurnRequest{
		TurnID:    req.TurnID,
		SessionID: req.SessionID,
		Goal:      req.Goal,
		History:   req.History,
		Constraints: agent.PlanConstraints{
			MaxPhases:       req.MaxPhases,
			ExcludedTargets: req.ExcludedTargets,
		},
	}

	turnID, err := h.engine.StartTurn(c.Request.Context(), turnReq)
	if err != nil {
		switch {
		case errors.Is(err, agent.ErrEmptyGoal):
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "EMPTY_GOAL"})
		case errors.Is(err, agent.ErrTurnExists):
			c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "TURN_EXISTS"})
		case errors.Is(err, agent.ErrTurnLimit):
			c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: err.Error(), Code: "TURN_LIMIT"})
		default:
			logger.Error("Failed to start turn", "error", err)
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error: "Failed to start turn",
				Code:  "SUBMIT_FAILED",
			})
		}
		return
	}

	logger.Info("Turn accepted", "turn_id", turnID, "session_id", turnReq.SessionID)
	h.audit(c, extensions.AuditEvent{
		EventType:    "turn.submit",
		Action:       "create",
		ResourceType: "turn",
		ResourceID:   turnID,
		Outcome:      "accepted",
		Metadata:     map[string]any{"session_id": turnReq.SessionID},
	})
	c.JSON(http.StatusAccepted, SubmitTurnResponse{
		TurnID:    turnID,
		SessionID: turnReq.SessionID,
		Status:    "accepted",
	})
}

// HandleGetTurn handles GET /v1/turns/:id.
//
// Description:
//
//	Returns the turn's status. Live turns come from the engine's run
//	registry; turns that have aged out fall back to persisted history
//	when a history store is configured.
func (h *Handlers) HandleGetTurn(c *gin.Context) {
	requestID := GetRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleGetTurn")
	turnID := c.Param("id")

	view, err := h.engine.GetTurn(turnID)
	if err == nil {
		c.JSON(http.StatusOK, statusFromView(view))
		return
	}
	if !errors.Is(err, agent.ErrTurnNotFound) {
		logger.Error("Failed to look up turn", "turn_id", turnID, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "Failed to look up turn",
			Code:  "LOOKUP_FAILED",
		})
		return
	}

	if h.history != nil {
		rec, herr := h.history.GetTurn(c.Request.Context(), turnID)
		if herr == nil {
			c.JSON(http.StatusOK, statusFromRecord(rec))
			return
		}
		if !errors.Is(herr, storage.ErrNotFound) {
			logger.Error("History lookup failed", "turn_id", turnID, "error", herr)
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error: "Failed to look up turn",
				Code:  "LOOKUP_FAILED",
			})
			return
		}
	}

	c.JSON(http.StatusNotFound, ErrorResponse{
		Error: fmt.Sprintf("Turn %q not found", turnID),
		Code:  "TURN_NOT_FOUND",
	})
}

// HandleTurnTrace handles GET /v1/turns/:id/trace.
//
// Description:
//
//	Returns the execution trace of a finished turn. Running turns
//	return 409; stream events instead for live progress.
func (h *Handlers) HandleTurnTrace(c *gin.Context) {
	requestID := GetRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleTurnTrace")
	turnID := c.Param("id")

	view, err := h.engine.GetTurn(turnID)
	if err == nil {
		if view.Running || view.Result == nil {
			c.JSON(http.StatusConflict, ErrorResponse{
				Error: fmt.Sprintf("Turn %q is still running", turnID),
				Code:  "TURN_RUNNING",
			})
			return
		}
		c.JSON(http.StatusOK, TraceResponse{
			TurnID:  turnID,
			Count:   len(view.Result.Trace),
			Entries: view.Result.Trace,
		})
		return
	}
	if !errors.Is(err, agent.ErrTurnNotFound) {
		logger.Error("Failed to look up turn", "turn_id", turnID, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "Failed to look up turn",
			Code:  "LOOKUP_FAILED",
		})
		return
	}

	if h.history != nil {
		entries, herr := h.history.TurnTrace(c.Request.Context(), turnID)
		if herr == nil {
			c.JSON(http.StatusOK, TraceResponse{
				TurnID:  turnID,
				Count:   len(entries),
				Entries: entries,
			})
			return
		}
		if !errors.Is(herr, storage.ErrNotFound) {
			logger.Error("History trace lookup failed", "turn_id", turnID, "error", herr)
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error: "Failed to load trace",
				Code:  "LOOKUP_FAILED",
			})
			return
		}
	}

	c.JSON(http.StatusNotFound, ErrorResponse{
		Error: fmt.Sprintf("Turn %q not found", turnID),
		Code:  "TURN_NOT_FOUND",
	})
}

// HandleCancelTurn handles POST /v1/turns/:id/cancel.
//
// Description:
//
//	Requests cancellation of a running turn. Cancellation is
//	cooperative: the engine stops at the next suspension point and
//	preserves completed phases, so a 202 here does not mean the turn
//	has already stopped.
func (h *Handlers) HandleCancelTurn(c *gin.Context) {
	requestID := GetRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleCancelTurn")
	turnID := c.Param("id")

	err := h.engine.Cancel(turnID)
	switch {
	case err == nil:
		logger.Info("Cancellation requested", "turn_id", turnID)
		h.audit(c, extensions.AuditEvent{
			EventType:    "turn.cancel",
			Action:       "cancel",
			ResourceType: "turn",
			ResourceID:   turnID,
			Outcome:      "accepted",
		})
		c.JSON(http.StatusAccepted, CancelResponse{
			TurnID:  turnID,
			Message: "Cancellation requested",
		})
	case errors.Is(err, agent.ErrTurnNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: fmt.Sprintf("Turn %q not found", turnID),
			Code:  "TURN_NOT_FOUND",
		})
	case errors.Is(err, agent.ErrTurnNotRunning):
		c.JSON(http.StatusConflict, ErrorResponse{
			Error: fmt.Sprintf("Turn %q already finished", turnID),
			Code:  "TURN_NOT_RUNNING",
		})
	default:
		logger.Error("Failed to cancel turn", "turn_id", turnID, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "Failed to cancel turn",
			Code:  "CANCEL_FAILED",
		})
	}
}

// =============================================================================
// Sessions
// =============================================================================

// HandleSessionTurns handles GET /v1/sessions/:id/turns.
//
// Description:
//
//	Lists a session's persisted turns, newest first. The limit query
//	parameter caps the page size (default 20, max 500).
func (h *Handlers) HandleSessionTurns(c *gin.Context) {
	requestID := GetRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleSessionTurns")
	sessionID := c.Param("id")

	if err := validation.ValidateSessionID(sessionID); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_PARAMETER"})
		return
	}
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "History store not configured",
			Code:  "HISTORY_NOT_CONFIGURED",
		})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 1 || limit > 500 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "limit must be an integer between 1 and 500",
			Code:  "INVALID_PARAMETER",
		})
		return
	}

	summaries, err := h.history.SessionTurns(c.Request.Context(), sessionID, limit)
	if err != nil {
		logger.Error("Failed to list session turns", "session_id", sessionID, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "Failed to list session turns",
			Code:  "LOOKUP_FAILED",
		})
		return
	}

	resp := SessionTurnsResponse{
		SessionID: sessionID,
		Count:     len(summaries),
		Turns:     make([]SessionTurnRow, 0, len(summaries)),
	}
	for _, s := range summaries {
		resp.Turns = append(resp.Turns, SessionTurnRow{
			TurnID:    s.TurnID,
			Goal:      s.Goal,
			Status:    string(s.Status),
			Phases:    s.Phases,
			StartedAt: s.StartedAt.UnixMilli(),
			EndedAt:   s.EndedAt.UnixMilli(),
		})
	}
	c.JSON(http.StatusOK, resp)
}

// HandleLastResult handles GET /v1/sessions/:id/result.
//
// Description:
//
//	Returns the most recent successful tool result in a session,
//	optionally filtered to a target via the target query parameter.
//	This is the same lookup the engine's recovery path uses to salvage
//	prior work.
func (h *Handlers) HandleLastResult(c *gin.Context) {
	requestID := GetRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleLastResult")
	sessionID := c.Param("id")

	if err := validation.ValidateSessionID(sessionID); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_PARAMETER"})
		return
	}
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "History store not configured",
			Code:  "HISTORY_NOT_CONFIGURED",
		})
		return
	}

	target := c.Query("target")
	if target != "" {
		if err := validation.ValidateTargetName(target); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_PARAMETER"})
			return
		}
	}

	res, err := h.history.LastSuccessfulResult(c.Request.Context(), sessionID, target)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: fmt.Sprintf("No successful result in session %q", sessionID),
				Code:  "RESULT_NOT_FOUND",
			})
			return
		}
		logger.Error("Failed to load last result", "session_id", sessionID, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "Failed to load last result",
			Code:  "LOOKUP_FAILED",
		})
		return
	}

	c.JSON(http.StatusOK, LastResultResponse{
		SessionID: sessionID,
		TurnID:    res.TurnID,
		Target:    res.Target,
		Payload:   res.Payload,
		EndedAt:   res.EndedAt.UnixMilli(),
	})
}

// =============================================================================
// Operational
// =============================================================================

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:      "ok",
		ActiveTurns: h.engine.ActiveTurns(),
	})
}

// =============================================================================
// Mapping helpers
// =============================================================================

func statusFromView(v *agent.TurnView) TurnStatusResponse {
	resp := TurnStatusResponse{
		TurnID:    v.TurnID,
		SessionID: v.SessionID,
		Goal:      v.Goal,
		Running:   v.Running,
		StartedAt: v.StartedAt.UnixMilli(),
	}
	if r := v.Result; r != nil {
		resp.Status = string(r.Status)
		resp.Answer = r.Answer
		resp.Phases = len(r.Results)
		resp.Tokens = r.Tokens
		resp.Error = r.Err
		resp.EndedAt = r.FinishedAt
	}
	return resp
}

func statusFromRecord(rec *agent.TurnRecord) TurnStatusResponse {
	return TurnStatusResponse{
		TurnID:    rec.TurnID,
		SessionID: rec.SessionID,
		Goal:      rec.Goal,
		Status:    string(rec.Status),
		Answer:    rec.Answer,
		Phases:    len(rec.Results),
		Tokens:    rec.Tokens,
		Error:     rec.Error,
		StartedAt: rec.StartedAt.UnixMilli(),
		EndedAt:   rec.EndedAt.UnixMilli(),
	}
}
