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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/kodiak/services/agent"
	"github.com/AleutianAI/kodiak/services/agent/events"
	"github.com/AleutianAI/kodiak/services/storage"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Fakes
// =============================================================================

type fakeEngine struct {
	startTurnFunc   func(ctx context.Context, req *agent.TurnRequest) (string, error)
	cancelFunc      func(turnID string) error
	getTurnFunc     func(turnID string) (*agent.TurnView, error)
	eventsFunc      func(turnID string) (*events.Emitter, error)
	activeTurnsFunc func() int
}

func (f *fakeEngine) StartTurn(ctx context.Context, req *agent.TurnRequest) (string, error) {
	if f.startTurnFunc != nil {
		return f.startTurnFunc(ctx, req)
	}
	if req.SessionID == "" {
		req.SessionID = "default"
	}
	if req.TurnID == "" {
		req.TurnID = "turn-generated"
	}
	return req.TurnID, nil
}

func (f *fakeEngine) Cancel(turnID string) error {
	if f.cancelFunc != nil {
		return f.cancelFunc(turnID)
	}
	return nil
}

func (f *fakeEngine) GetTurn(turnID string) (*agent.TurnView, error) {
	if f.getTurnFunc != nil {
		return f.getTurnFunc(turnID)
	}
	return nil, agent.ErrTurnNotFound
}

func (f *fakeEngine) Events(turnID string) (*events.Emitter, error) {
	if f.eventsFunc != nil {
		return f.eventsFunc(turnID)
	}
	return nil, agent.ErrTurnNotFound
}

func (f *fakeEngine) ActiveTurns() int {
	if f.activeTurnsFunc != nil {
		return f.activeTurnsFunc()
	}
	return 0
}

type fakeHistory struct {
	getTurnFunc      func(ctx context.Context, turnID string) (*agent.TurnRecord, error)
	turnTraceFunc    func(ctx context.Context, turnID string) ([]agent.TraceEntry, error)
	sessionTurnsFunc func(ctx context.Context, sessionID string, limit int) ([]storage.TurnSummary, error)
	lastResultFunc   func(ctx context.Context, sessionID, targetHint string) (*storage.StoredResult, error)
}

func (f *fakeHistory) GetTurn(ctx context.Context, turnID string) (*agent.TurnRecord, error) {
	if f.getTurnFunc != nil {
		return f.getTurnFunc(ctx, turnID)
	}
	return nil, storage.ErrNotFound
}

func (f *fakeHistory) TurnTrace(ctx context.Context, turnID string) ([]agent.TraceEntry, error) {
	if f.turnTraceFunc != nil {
		return f.turnTraceFunc(ctx, turnID)
	}
	return nil, storage.ErrNotFound
}

func (f *fakeHistory) SessionTurns(ctx context.Context, sessionID string, limit int) ([]storage.TurnSummary, error) {
	if f.sessionTurnsFunc != nil {
		return f.sessionTurnsFunc(ctx, sessionID, limit)
	}
	return nil, storage.ErrNotFound
}

func (f *fakeHistory) LastSuccessfulResult(ctx context.Context, sessionID, targetHint string) (*storage.StoredResult, error) {
	if f.lastResultFunc != nil {
		return f.lastResultFunc(ctx, sessionID, targetHint)
	}
	return nil, storage.ErrNotFound
}

func setupGatewayTest(t *testing.T, engine *fakeEngine, opts ...Option) *gin.Engine {
	t.Helper()
	srv, err := New(Config{GinMode: gin.TestMode}, engine, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv.Router()
}

// =============================================================================
// Submit
// =============================================================================

func TestHandleSubmitTurn(t *testing.T) {
	engine := &fakeEngine{}
	router := setupGatewayTest(t, engine)

	body := `{"goal": "summarize the incident timeline", "history": [{"role": "user", "content": "hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/turns", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, want %d (body %s)", w.Code, http.StatusAccepted, w.Body.String())
	}
	var resp SubmitTurnResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if resp.TurnID != "turn-generated" {
		t.Errorf("TurnID = %q, want %q", resp.TurnID, "turn-generated")
	}
	if resp.SessionID != "default" {
		t.Errorf("SessionID = %q, want %q (engine default should be echoed)", resp.SessionID, "default")
	}
	if resp.Status != "accepted" {
		t.Errorf("Status = %q, want %q", resp.Status, "accepted")
	}
}

func TestHandleSubmitTurn_PassesConstraints(t *testing.T) {
	var got *agent.TurnRequest
	engine := &fakeEngine{
		startTurnFunc: func(ctx context.Context, req *agent.TurnRequest) (string, error) {
			got = req
			return "t1", nil
		},
	}
	router := setupGatewayTest(t, engine)

	body := `{"goal": "g", "session_id": "sess-1", "turn_id": "t1", "max_phases": 5, "excluded_targets": ["flaky_tool"]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/turns", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, want %d (body %s)", w.Code, http.StatusAccepted, w.Body.String())
	}
	if got == nil {
		t.Fatal("engine never received the request")
	}
	if got.SessionID != "sess-1" || got.TurnID != "t1" {
		t.Errorf("identifiers = (%q, %q), want (sess-1, t1)", got.SessionID, got.TurnID)
	}
	if got.Constraints.MaxPhases != 5 {
		t.Errorf("MaxPhases = %d, want 5", got.Constraints.MaxPhases)
	}
	if len(got.Constraints.ExcludedTargets) != 1 || got.Constraints.ExcludedTargets[0] != "flaky_tool" {
		t.Errorf("ExcludedTargets = %v, want [flaky_tool]", got.Constraints.ExcludedTargets)
	}
}

func TestHandleSubmitTurn_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"goal": `},
		{"missing goal", `{}`},
		{"bad excluded target", `{"goal": "g", "excluded_targets": ["Bad-Name"]}`},
		{"bad session id", `{"goal": "g", "session_id": "a/b"}`},
		{"max phases out of range", `{"goal": "g", "max_phases": 99}`},
	}

	router := setupGatewayTest(t, &fakeEngine{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/turns", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("Status = %d, want %d (body %s)", w.Code, http.StatusBadRequest, w.Body.String())
			}
			var resp ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("Unmarshal error = %v", err)
			}
			if resp.Code != "INVALID_REQUEST" {
				t.Errorf("Code = %q, want INVALID_REQUEST", resp.Code)
			}
		})
	}
}

func TestHandleSubmitTurn_EngineErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"empty goal", agent.ErrEmptyGoal, http.StatusBadRequest, "EMPTY_GOAL"},
		{"duplicate turn", fmt.Errorf("turn %q: %w", "t1", agent.ErrTurnExists), http.StatusConflict, "TURN_EXISTS"},
		{"at capacity", fmt.Errorf("%w (limit 4)", agent.ErrTurnLimit), http.StatusTooManyRequests, "TURN_LIMIT"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "SUBMIT_FAILED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &fakeEngine{
				startTurnFunc: func(ctx context.Context, req *agent.TurnRequest) (string, error) {
					return "", tt.err
				},
			}
			router := setupGatewayTest(t, engine)

			req := httptest.NewRequest(http.MethodPost, "/v1/turns", bytes.NewBufferString(`{"goal": "g"}`))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("Status = %d, want %d", w.Code, tt.wantStatus)
			}
			var resp ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("Unmarshal error = %v", err)
			}
			if resp.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", resp.Code, tt.wantCode)
			}
		})
	}
}

// =============================================================================
// Status
// =============================================================================

func TestHandleGetTurn_Running(t *testing.T) {
	engine := &fakeEngine{
		getTurnFunc: func(turnID string) (*agent.TurnView, error) {
			return &agent.TurnView{
				TurnID:    turnID,
				SessionID: "s1",
				Goal:      "demo",
				Running:   true,
				StartedAt: time.UnixMilli(1700000000000),
			}, nil
		},
	}
	router := setupGatewayTest(t, engine)

	req := httptest.NewRequest(http.MethodGet, "/v1/turns/t1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp TurnStatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if !resp.Running {
		t.Error("Running = false, want true")
	}
	if resp.Status != "" {
		t.Errorf("Status = %q, want empty while running", resp.Status)
	}
	if resp.StartedAt != 1700000000000 {
		t.Errorf("StartedAt = %d, want 1700000000000", resp.StartedAt)
	}
}

func TestHandleGetTurn_Finished(t *testing.T) {
	engine := &fakeEngine{
		getTurnFunc: func(turnID string) (*agent.TurnView, error) {
			return &agent.TurnView{
				TurnID:    turnID,
				SessionID: "s1",
				Goal:      "demo",
				StartedAt: time.UnixMilli(1700000000000),
				Result: &agent.TurnResult{
					TurnID:     turnID,
					SessionID:  "s1",
					Status:     agent.TurnCompleted,
					Answer:     "all done",
					Results:    map[int]*agent.PhaseResult{1: {}, 2: {}},
					Tokens:     agent.TokenUsage{Input: 120, Output: 45},
					StartedAt:  1700000000000,
					FinishedAt: 1700000004000,
				},
			}, nil
		},
	}
	router := setupGatewayTest(t, engine)

	req := httptest.NewRequest(http.MethodGet, "/v1/turns/t1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp TurnStatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if resp.Running {
		t.Error("Running = true, want false")
	}
	if resp.Status != string(agent.TurnCompleted) {
		t.Errorf("Status = %q, want %q", resp.Status, agent.TurnCompleted)
	}
	if resp.Answer != "all done" {
		t.Errorf("Answer = %q, want %q", resp.Answer, "all done")
	}
	if resp.Phases != 2 {
		t.Errorf("Phases = %d, want 2", resp.Phases)
	}
	if resp.Tokens.Input != 120 || resp.Tokens.Output != 45 {
		t.Errorf("Tokens = %+v, want {120 45}", resp.Tokens)
	}
	if resp.EndedAt != 1700000004000 {
		t.Errorf("EndedAt = %d, want 1700000004000", resp.EndedAt)
	}
}

func TestHandleGetTurn_HistoryFallback(t *testing.T) {
	history := &fakeHistory{
		getTurnFunc: func(ctx context.Context, turnID string) (*agent.TurnRecord, error) {
			return &agent.TurnRecord{
				TurnID:    turnID,
				SessionID: "s1",
				Goal:      "archived goal",
				Status:    agent.TurnCompleted,
				Answer:    "archived answer",
				Results:   map[int]any{1: "x"},
				Tokens:    agent.TokenUsage{Input: 3, Output: 2},
				StartedAt: time.UnixMilli(1700000000000),
				EndedAt:   time.UnixMilli(1700000900000),
			}, nil
		},
	}
	router := setupGatewayTest(t, &fakeEngine{}, WithHistory(history))

	req := httptest.NewRequest(http.MethodGet, "/v1/turns/t9", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d (body %s)", w.Code, http.StatusOK, w.Body.String())
	}
	var resp TurnStatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if resp.Goal != "archived goal" || resp.Answer != "archived answer" {
		t.Errorf("record fields = (%q, %q), want archived goal/answer", resp.Goal, resp.Answer)
	}
	if resp.Phases != 1 {
		t.Errorf("Phases = %d, want 1", resp.Phases)
	}
	if resp.EndedAt != 1700000900000 {
		t.Errorf("EndedAt = %d, want 1700000900000", resp.EndedAt)
	}
}

func TestHandleGetTurn_NotFound(t *testing.T) {
	router := setupGatewayTest(t, &fakeEngine{}, WithHistory(&fakeHistory{}))

	req := httptest.NewRequest(http.MethodGet, "/v1/turns/missing", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusNotFound)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if resp.Code != "TURN_NOT_FOUND" {
		t.Errorf("Code = %q, want TURN_NOT_FOUND", resp.Code)
	}
}

// =============================================================================
// Trace
// =============================================================================

func TestHandleTurnTrace_Finished(t *testing.T) {
	engine := &fakeEngine{
		getTurnFunc: func(turnID string) (*agent.TurnView, error) {
			return &agent.TurnView{
				TurnID: turnID,
				Result: &agent.TurnResult{
					Trace: []agent.TraceEntry{
						{ID: "e1", PhaseIndex: 1},
						{ID: "e2", PhaseIndex: 2},
					},
				},
			}, nil
		},
	}
	router := setupGatewayTest(t, engine)

	req := httptest.NewRequest(http.MethodGet, "/v1/turns/t1/trace", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp TraceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if resp.Count != 2 || len(resp.Entries) != 2 {
		t.Errorf("Count = %d, len(Entries) = %d, want 2/2", resp.Count, len(resp.Entries))
	}
	if resp.Entries[0].ID != "e1" {
		t.Errorf("Entries[0].ID = %q, want e1", resp.Entries[0].ID)
	}
}

func TestHandleTurnTrace_StillRunning(t *testing.T) {
	engine := &fakeEngine{
		getTurnFunc: func(turnID string) (*agent.TurnView, error) {
			return &agent.TurnView{TurnID: turnID, Running: true}, nil
		},
	}
	router := setupGatewayTest(t, engine)

	req := httptest.NewRequest(http.MethodGet, "/v1/turns/t1/trace", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusConflict)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if resp.Code != "TURN_RUNNING" {
		t.Errorf("Code = %q, want TURN_RUNNING", resp.Code)
	}
}

func TestHandleTurnTrace_HistoryFallback(t *testing.T) {
	history := &fakeHistory{
		turnTraceFunc: func(ctx context.Context, turnID string) ([]agent.TraceEntry, error) {
			return []agent.TraceEntry{{ID: "old-1", PhaseIndex: 1}}, nil
		},
	}
	router := setupGatewayTest(t, &fakeEngine{}, WithHistory(history))

	req := httptest.NewRequest(http.MethodGet, "/v1/turns/t9/trace", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp TraceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if resp.Count != 1 || resp.Entries[0].ID != "old-1" {
		t.Errorf("trace = %+v, want one entry old-1", resp.Entries)
	}
}

func TestHandleTurnTrace_NotFound(t *testing.T) {
	router := setupGatewayTest(t, &fakeEngine{})

	req := httptest.NewRequest(http.MethodGet, "/v1/turns/missing/trace", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// =============================================================================
// Cancel
// =============================================================================

func TestHandleCancelTurn(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"accepted", nil, http.StatusAccepted},
		{"not found", agent.ErrTurnNotFound, http.StatusNotFound},
		{"already finished", agent.ErrTurnNotRunning, http.StatusConflict},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &fakeEngine{cancelFunc: func(turnID string) error { return tt.err }}
			router := setupGatewayTest(t, engine)

			req := httptest.NewRequest(http.MethodPost, "/v1/turns/t1/cancel", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("Status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

// =============================================================================
// Sessions
// =============================================================================

func TestHandleSessionTurns(t *testing.T) {
	var gotLimit int
	history := &fakeHistory{
		sessionTurnsFunc: func(ctx context.Context, sessionID string, limit int) ([]storage.TurnSummary, error) {
			gotLimit = limit
			return []storage.TurnSummary{
				{TurnID: "t2", Goal: "newer", Status: agent.TurnCompleted, Phases: 3,
					StartedAt: time.UnixMilli(2000), EndedAt: time.UnixMilli(3000)},
				{TurnID: "t1", Goal: "older", Status: agent.TurnFailed, Phases: 1,
					StartedAt: time.UnixMilli(1000), EndedAt: time.UnixMilli(1500)},
			}, nil
		},
	}
	router := setupGatewayTest(t, &fakeEngine{}, WithHistory(history))

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/turns?limit=5", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d (body %s)", w.Code, http.StatusOK, w.Body.String())
	}
	if gotLimit != 5 {
		t.Errorf("limit passed to store = %d, want 5", gotLimit)
	}
	var resp SessionTurnsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if resp.Count != 2 || len(resp.Turns) != 2 {
		t.Fatalf("Count = %d, len(Turns) = %d, want 2/2", resp.Count, len(resp.Turns))
	}
	if resp.Turns[0].TurnID != "t2" || resp.Turns[0].Status != "completed" {
		t.Errorf("Turns[0] = %+v, want t2/completed first", resp.Turns[0])
	}
	if resp.Turns[1].EndedAt != 1500 {
		t.Errorf("Turns[1].EndedAt = %d, want 1500", resp.Turns[1].EndedAt)
	}
}

func TestHandleSessionTurns_BadLimit(t *testing.T) {
	router := setupGatewayTest(t, &fakeEngine{}, WithHistory(&fakeHistory{}))

	for _, limit := range []string{"abc", "0", "-1", "9999"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/turns?limit="+limit, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: Status = %d, want %d", limit, w.Code, http.StatusBadRequest)
		}
	}
}

func TestHandleSessionTurns_NoHistory(t *testing.T) {
	router := setupGatewayTest(t, &fakeEngine{})

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/turns", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestHandleLastResult(t *testing.T) {
	history := &fakeHistory{
		lastResultFunc: func(ctx context.Context, sessionID, targetHint string) (*storage.StoredResult, error) {
			if targetHint != "fetch_metrics" {
				t.Errorf("targetHint = %q, want fetch_metrics", targetHint)
			}
			return &storage.StoredResult{
				TurnID:  "t7",
				Target:  "fetch_metrics",
				Payload: map[string]any{"rows": float64(12)},
				EndedAt: time.UnixMilli(1700000500000),
			}, nil
		},
	}
	router := setupGatewayTest(t, &fakeEngine{}, WithHistory(history))

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/result?target=fetch_metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d (body %s)", w.Code, http.StatusOK, w.Body.String())
	}
	var resp LastResultResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if resp.TurnID != "t7" || resp.Target != "fetch_metrics" {
		t.Errorf("result = (%q, %q), want (t7, fetch_metrics)", resp.TurnID, resp.Target)
	}
	if resp.EndedAt != 1700000500000 {
		t.Errorf("EndedAt = %d, want 1700000500000", resp.EndedAt)
	}
}

func TestHandleLastResult_BadTarget(t *testing.T) {
	router := setupGatewayTest(t, &fakeEngine{}, WithHistory(&fakeHistory{}))

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/result?target=Bad-Name", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleLastResult_NotFound(t *testing.T) {
	router := setupGatewayTest(t, &fakeEngine{}, WithHistory(&fakeHistory{}))

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/result", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// =============================================================================
// Operational
// =============================================================================

func TestHandleHealth(t *testing.T) {
	engine := &fakeEngine{activeTurnsFunc: func() int { return 3 }}
	router := setupGatewayTest(t, engine)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if resp.Status != "ok" || resp.ActiveTurns != 3 {
		t.Errorf("health = %+v, want ok/3", resp)
	}
}

func TestRequestIDEcho(t *testing.T) {
	router := setupGatewayTest(t, &fakeEngine{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "req-123" {
		t.Errorf("X-Request-ID = %q, want req-123", got)
	}
}

// =============================================================================
// Event stream
// =============================================================================

func TestHandleTurnEvents_NotFound(t *testing.T) {
	router := setupGatewayTest(t, &fakeEngine{})

	req := httptest.NewRequest(http.MethodGet, "/v1/turns/missing/events", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestHandleTurnEvents_ReplayAndLive(t *testing.T) {
	em := events.NewEmitter(events.WithTurn("s1", "t1"))
	em.Emit(events.TypeTurnStarted, events.TurnStartedData{Goal: "demo"})
	em.Emit(events.TypePhaseStarted, events.PhaseStartedData{Goal: "phase 1", Target: "search_docs"})

	engine := &fakeEngine{
		eventsFunc: func(turnID string) (*events.Emitter, error) {
			if turnID != "t1" {
				return nil, agent.ErrTurnNotFound
			}
			return em, nil
		},
	}
	router := setupGatewayTest(t, engine)

	srv := httptest.NewServer(router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/turns/t1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	wantReplay := []events.Type{events.TypeTurnStarted, events.TypePhaseStarted}
	for i, want := range wantReplay {
		var ev events.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("ReadJSON(replay %d) error = %v", i, err)
		}
		if ev.Type != want {
			t.Errorf("replay[%d].Type = %q, want %q", i, ev.Type, want)
		}
		if ev.TurnID != "t1" {
			t.Errorf("replay[%d].TurnID = %q, want t1", i, ev.TurnID)
		}
	}

	em.Emit(events.TypeTurnFinished, events.TurnFinishedData{Status: "completed", PhasesRun: 1})

	var ev events.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON(live) error = %v", err)
	}
	if ev.Type != events.TypeTurnFinished {
		t.Errorf("live event Type = %q, want %q", ev.Type, events.TypeTurnFinished)
	}

	// The stream must end with a normal close after the terminal event.
	err = conn.ReadJSON(&ev)
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != websocket.CloseNormalClosure {
		t.Errorf("close code = %d, want %d", closeErr.Code, websocket.CloseNormalClosure)
	}
}
