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
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/AleutianAI/kodiak/pkg/extensions"
	"github.com/gin-gonic/gin"
)

// recordingAuditLogger captures audit events for assertions.
type recordingAuditLogger struct {
	mu     sync.Mutex
	events []extensions.AuditEvent
}

func (l *recordingAuditLogger) Log(_ context.Context, event extensions.AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

func (l *recordingAuditLogger) Flush(_ context.Context) error { return nil }

func (l *recordingAuditLogger) recorded() []extensions.AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]extensions.AuditEvent, len(l.events))
	copy(out, l.events)
	return out
}

func TestAuth_DefaultProviderAllowsEverything(t *testing.T) {
	router := setupGatewayTest(t, &fakeEngine{})

	// No Authorization header at all.
	req := httptest.NewRequest(http.MethodPost, "/v1/turns",
		bytes.NewBufferString(`{"goal": "check the disks"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Errorf("Status = %d, want %d (open source default is open)", w.Code, http.StatusAccepted)
	}
}

func TestAuth_TokenProvider(t *testing.T) {
	exts := extensions.DefaultOptions().WithAuth(extensions.TokenProvider("tok-abc"))
	router := setupGatewayTest(t, &fakeEngine{}, WithExtensions(exts))

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
	}{
		{"valid token", "Bearer tok-abc", http.StatusAccepted},
		{"case-insensitive scheme", "bearer tok-abc", http.StatusAccepted},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"missing header", "", http.StatusUnauthorized},
		{"malformed header", "tok-abc", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/turns",
				bytes.NewBufferString(`{"goal": "check the disks"}`))
			req.Header.Set("Content-Type", "application/json")
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("Status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestAuth_OperationalEndpointsStayOpen(t *testing.T) {
	exts := extensions.DefaultOptions().WithAuth(extensions.TokenProvider("tok-abc"))
	router := setupGatewayTest(t, &fakeEngine{}, WithExtensions(exts))

	for _, path := range []string{"/healthz", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want %d (probes must not need credentials)", path, w.Code, http.StatusOK)
		}
	}
}

func TestAudit_SubmitAndCancelRecorded(t *testing.T) {
	auditor := &recordingAuditLogger{}
	exts := extensions.DefaultOptions().WithAudit(auditor)
	router := setupGatewayTest(t, &fakeEngine{}, WithExtensions(exts))

	req := httptest.NewRequest(http.MethodPost, "/v1/turns",
		bytes.NewBufferString(`{"goal": "check the disks", "session_id": "s1"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d (body %s)", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/turns/turn-generated/cancel", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("cancel status = %d (body %s)", w.Code, w.Body.String())
	}

	events := auditor.recorded()
	if len(events) != 2 {
		t.Fatalf("recorded %d audit events, want 2", len(events))
	}

	submit := events[0]
	if submit.EventType != "turn.submit" || submit.Outcome != "accepted" {
		t.Errorf("submit event = %+v", submit)
	}
	if submit.UserID != "local-user" {
		t.Errorf("submit UserID = %q, want local-user (from default auth)", submit.UserID)
	}
	if submit.ResourceID != "turn-generated" {
		t.Errorf("submit ResourceID = %q", submit.ResourceID)
	}
	if submit.Metadata["session_id"] != "s1" {
		t.Errorf("submit metadata = %v, want session_id s1", submit.Metadata)
	}

	cancel := events[1]
	if cancel.EventType != "turn.cancel" || cancel.ResourceID != "turn-generated" {
		t.Errorf("cancel event = %+v", cancel)
	}
}

func TestAudit_RejectedSubmitNotRecorded(t *testing.T) {
	auditor := &recordingAuditLogger{}
	exts := extensions.DefaultOptions().WithAudit(auditor)
	router := setupGatewayTest(t, &fakeEngine{}, WithExtensions(exts))

	req := httptest.NewRequest(http.MethodPost, "/v1/turns",
		bytes.NewBufferString(`{"goal": ""}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}

	if got := auditor.recorded(); len(got) != 0 {
		t.Errorf("rejected submit recorded %d events, want 0", len(got))
	}
}

func TestWithExtensions_NilFieldsFallBack(t *testing.T) {
	// Partially filled options must not panic the middleware.
	router := setupGatewayTest(t, &fakeEngine{},
		WithExtensions(extensions.ServiceOptions{}))

	req := httptest.NewRequest(http.MethodGet, "/v1/turns/none", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Status = %d, want 404 (request should reach the handler)", w.Code)
	}
}

func TestGetAuthInfo_UnauthenticatedRequestIsNil(t *testing.T) {
	// Outside the /v1 group there is no auth middleware, so handlers
	// that somehow ask for the caller get nil.
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	if info := GetAuthInfo(c); info != nil {
		t.Errorf("GetAuthInfo = %+v, want nil", info)
	}
}
