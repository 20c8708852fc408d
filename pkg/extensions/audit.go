// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"log/slog"
	"time"
)

// AuditEvent represents a security-relevant event for compliance
// logging.
//
// # Event Categories
//
// Events are categorized by type for filtering and alerting:
//   - Turns: "turn.submit", "turn.cancel"
//   - Authentication: "auth.failed"
//
// For regulatory reporting, always populate UserID, Timestamp, and the
// resource fields.
type AuditEvent struct {
	// EventType categorizes the event for filtering.
	// Format: "category.action" (e.g. "turn.submit")
	EventType string

	// Timestamp is when the event occurred (always UTC).
	// If zero, implementations should set it to time.Now().UTC().
	Timestamp time.Time

	// UserID identifies who performed the action.
	// Use "system" for automated actions, "anonymous" if unknown.
	UserID string

	// Action describes the operation attempted.
	// Common values: "create", "cancel", "read"
	Action string

	// ResourceType is the category of resource involved.
	// Examples: "turn", "session"
	ResourceType string

	// ResourceID is the specific resource instance (optional).
	ResourceID string

	// Outcome indicates the result of the action.
	// Values: "accepted", "denied", "failure"
	Outcome string

	// Metadata holds additional event-specific data, such as the
	// session ID or the rejection reason.
	Metadata map[string]any
}

// AuditLogger records security-relevant events for compliance and
// analysis.
//
// Implementations must be safe for concurrent use, and Log should
// return quickly so serving latency is unaffected; buffer internally if
// the sink is slow.
//
// # Open Source Behavior
//
// The default NopAuditLogger discards all events. SlogAuditLogger
// records them to the process log for operators who want a lightweight
// trail without external infrastructure.
//
// # Hosted Implementation
//
// Hosted deployments send events to SIEM systems or compliance
// databases.
type AuditLogger interface {
	// Log records one event. Implementations set Timestamp if zero.
	Log(ctx context.Context, event AuditEvent) error

	// Flush ensures buffered events are persisted. Call before
	// shutdown; sync implementations may make this a no-op.
	Flush(ctx context.Context) error
}

// NopAuditLogger is the default audit logger for open source. It
// discards all events without recording them.
//
// Thread-safe: this implementation has no mutable state.
type NopAuditLogger struct{}

// Log discards the event.
func (l *NopAuditLogger) Log(_ context.Context, _ AuditEvent) error {
	return nil
}

// Flush is a no-op since nothing is buffered.
func (l *NopAuditLogger) Flush(_ context.Context) error {
	return nil
}

// SlogAuditLogger records audit events through a slog.Logger, giving
// local deployments a plain-text audit trail in the process log.
//
// Thread-safe: slog loggers are safe for concurrent use.
type SlogAuditLogger struct {
	logger *slog.Logger
}

// NewSlogAuditLogger creates an audit logger writing to the given
// slog logger, or slog.Default() when nil.
func NewSlogAuditLogger(logger *slog.Logger) *SlogAuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditLogger{logger: logger}
}

// Log writes the event as one structured log line.
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	attrs := []any{
		slog.String("event_type", event.EventType),
		slog.Time("event_time", event.Timestamp),
		slog.String("user_id", event.UserID),
		slog.String("action", event.Action),
		slog.String("resource_type", event.ResourceType),
		slog.String("resource_id", event.ResourceID),
		slog.String("outcome", event.Outcome),
	}
	if len(event.Metadata) > 0 {
		attrs = append(attrs, slog.Any("metadata", event.Metadata))
	}
	l.logger.InfoContext(ctx, "Audit event", attrs...)
	return nil
}

// Flush is a no-op; slog handlers write synchronously.
func (l *SlogAuditLogger) Flush(_ context.Context) error {
	return nil
}

// Compile-time interface compliance checks.
var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*SlogAuditLogger)(nil)
)
