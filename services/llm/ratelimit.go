// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"
)

// RateLimitedClient wraps a Client with a token-bucket limiter so plan
// rewriting and correction bursts cannot exhaust a provider quota.
//
// Thread Safety: safe for concurrent use.
type RateLimitedClient struct {
	inner   Client
	limiter *rate.Limiter
}

// NewRateLimited wraps inner with a requests-per-second budget.
//
// Inputs:
//
//	inner - The provider-backed client.
//	rps - Sustained requests per second. Zero or negative disables limiting.
//	burst - Burst allowance; values below 1 are raised to 1.
func NewRateLimited(inner Client, rps float64, burst int) *RateLimitedClient {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &RateLimitedClient{inner: inner, limiter: rate.NewLimiter(limit, burst)}
}

// Complete waits for limiter headroom, then delegates. A context expiring
// while waiting surfaces as ErrTimeout like any other deadline.
func (r *RateLimitedClient) Complete(ctx context.Context, systemContext, userPrompt string, format ResponseFormat) (*Completion, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		slog.Debug("LLM rate limiter wait aborted", slog.Any("error", err))
		return nil, classifyErr(err)
	}
	return r.inner.Complete(ctx, systemContext, userPrompt, format)
}
