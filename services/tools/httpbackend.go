// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var httpBackendTracer = otel.Tracer("kodiak.tools.http")

// maxBackendResponseBytes caps payloads read from a remote provider (8MB).
const maxBackendResponseBytes = 8 * 1024 * 1024

// HTTPBackend talks to a remote tool provider over its invoke/schema API.
//
// Wire contract:
//
//	POST {base}/v1/invoke        {"target": ..., "arguments": {...}}
//	GET  {base}/v1/schema/{name}
//
// Tool-level failures arrive as 200 responses with status "error"; HTTP
// 404 on schema maps to ErrUnknownTarget; transport and 5xx failures are
// returned as Go errors the executor retries.
type HTTPBackend struct {
	httpClient *http.Client
	baseURL    string
	authToken  string
}

// HTTPBackendOption configures an HTTPBackend.
type HTTPBackendOption func(*HTTPBackend)

// WithHTTPTimeout overrides the default 60s request timeout.
func WithHTTPTimeout(d time.Duration) HTTPBackendOption {
	return func(b *HTTPBackend) {
		b.httpClient.Timeout = d
	}
}

// WithAuthToken sends a bearer token with every request.
func WithAuthToken(token string) HTTPBackendOption {
	return func(b *HTTPBackend) {
		b.authToken = token
	}
}

// NewHTTPBackend builds a client for the provider at baseURL.
func NewHTTPBackend(baseURL string, opts ...HTTPBackendOption) (*HTTPBackend, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("tool backend URL not set")
	}
	b := &HTTPBackend{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}
	for _, opt := range opts {
		opt(b)
	}
	slog.Info("Initialized HTTP tool backend", slog.String("base_url", b.baseURL))
	return b, nil
}

type invokeRequest struct {
	Target    string         `json:"target"`
	Arguments map[string]any `json:"arguments"`
}

// Invoke implements the Backend interface.
func (b *HTTPBackend) Invoke(ctx context.Context, target string, args map[string]any) (*InvokeResult, error) {
	ctx, span := httpBackendTracer.Start(ctx, "HTTPBackend.Invoke")
	defer span.End()
	span.SetAttributes(attribute.String("tool.target", target))

	body, err := json.Marshal(invokeRequest{Target: target, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("marshal invoke request: %w", err)
	}
	data, status, err := b.do(ctx, http.MethodPost, b.baseURL+"/v1/invoke", body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport failure")
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("invoke %q: %w", target, ErrUnknownTarget)
	}
	if status >= 500 {
		return nil, fmt.Errorf("tool backend returned %d for %q", status, target)
	}

	var result InvokeResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode invoke response: %w", err)
	}
	span.SetAttributes(attribute.String("tool.status", string(result.Status)))
	return &result, nil
}

// Schema implements the Backend interface.
func (b *HTTPBackend) Schema(ctx context.Context, target string) (*Schema, error) {
	ctx, span := httpBackendTracer.Start(ctx, "HTTPBackend.Schema")
	defer span.End()
	span.SetAttributes(attribute.String("tool.target", target))

	data, status, err := b.do(ctx, http.MethodGet, b.baseURL+"/v1/schema/"+url.PathEscape(target), nil)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("schema %q: %w", target, ErrUnknownTarget)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("tool backend returned %d for schema %q", status, target)
	}

	var schema Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("decode schema response: %w", err)
	}
	return &schema, nil
}

// do issues one request and reads the capped body.
func (b *HTTPBackend) do(ctx context.Context, method, endpoint string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+b.authToken)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("tool backend request: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			slog.Debug("Closing backend response body", slog.Any("error", cerr))
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBackendResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read backend response: %w", err)
	}
	return data, resp.StatusCode, nil
}
