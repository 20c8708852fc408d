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
	"fmt"
	"strings"
	"sync"
)

// ScriptedCall records one Complete invocation for assertions.
type ScriptedCall struct {
	System string
	Prompt string
	Format ResponseFormat
}

// ScriptedResponse is one canned reply.
type ScriptedResponse struct {
	// Match, when non-empty, restricts this reply to prompts containing
	// the substring. Empty matches any prompt.
	Match string

	// Text is the reply body.
	Text string

	// Err, when non-nil, is returned instead of a completion.
	Err error

	// InputTokens and OutputTokens override the estimated counts.
	InputTokens  int
	OutputTokens int
}

// ScriptedClient is a deterministic Client for tests.
//
// Responses are consumed in order, skipping entries whose Match does not
// apply to the prompt. When the script is exhausted DefaultText is served
// (without being consumed) if set, otherwise an error is returned so tests
// fail loudly on unexpected calls.
//
// Thread Safety: safe for concurrent use.
type ScriptedClient struct {
	mu        sync.Mutex
	Responses []ScriptedResponse
	Calls     []ScriptedCall

	// DefaultText is served when no scripted response applies.
	DefaultText string
}

// Script builds a client from replies served in order.
func Script(responses ...ScriptedResponse) *ScriptedClient {
	return &ScriptedClient{Responses: responses}
}

// Complete implements the Client interface.
func (s *ScriptedClient) Complete(_ context.Context, systemContext, userPrompt string, format ResponseFormat) (*Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, ScriptedCall{System: systemContext, Prompt: userPrompt, Format: format})

	for i, r := range s.Responses {
		if r.Match != "" && !strings.Contains(userPrompt, r.Match) {
			continue
		}
		s.Responses = append(s.Responses[:i], s.Responses[i+1:]...)
		if r.Err != nil {
			return nil, r.Err
		}
		return s.completion(userPrompt, r), nil
	}
	if s.DefaultText != "" {
		return s.completion(userPrompt, ScriptedResponse{Text: s.DefaultText}), nil
	}
	return nil, fmt.Errorf("no scripted response for prompt: %.80s", userPrompt)
}

// CallCount returns how many completions were requested.
func (s *ScriptedClient) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}

func (s *ScriptedClient) completion(prompt string, r ScriptedResponse) *Completion {
	in, out := r.InputTokens, r.OutputTokens
	if in == 0 && out == 0 {
		in = len(prompt) / 4
		out = len(r.Text) / 4
	}
	return &Completion{Text: r.Text, InputTokens: in, OutputTokens: out}
}
