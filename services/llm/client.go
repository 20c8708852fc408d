// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the LLM service contract the engine plans and
// corrects with, plus the OpenAI and Ollama adapters the deployment uses.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ResponseFormat hints the expected shape of the completion.
type ResponseFormat string

const (
	// FormatText requests free-form prose.
	FormatText ResponseFormat = "text"

	// FormatJSON requests a JSON payload; the caller still extracts it
	// from surrounding text with ExtractJSON.
	FormatJSON ResponseFormat = "json"
)

// Completion is one model response with token accounting.
type Completion struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Sentinel errors for provider failures. Both are retryable from the
// engine's point of view until the retry ceiling.
var (
	// ErrUnavailable means the provider could not be reached or refused
	// the request.
	ErrUnavailable = errors.New("llm service unavailable")

	// ErrTimeout means the provider did not answer within the configured
	// deadline.
	ErrTimeout = errors.New("llm request timed out")
)

// Client is the single entry point to a language model backend.
// TODO: add a streaming variant once the gateway streams partial phases.
type Client interface {
	// Complete sends one request and returns the full response text with
	// token counts. format is a hint; providers that cannot enforce it
	// still return text the caller extracts from.
	Complete(ctx context.Context, systemContext, userPrompt string, format ResponseFormat) (*Completion, error)
}

// classifyErr maps transport failures onto the sentinel taxonomy so the
// engine never matches provider-specific strings.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrTimeout, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline") {
		return errors.Join(ErrTimeout, err)
	}
	return errors.Join(ErrUnavailable, err)
}

// ExtractJSON pulls a JSON value out of free-form model output.
//
// Description:
//
//	Models wrap payloads in prose and code fences. This tries, in order:
//	a ```json fenced block, any ``` fenced block, then the first balanced
//	object or array in the text. The returned slice is validated with
//	json.Valid before it is handed back.
//
// Outputs:
//
//	string - The extracted JSON text.
//	error - Non-nil when no valid JSON value is present.
func ExtractJSON(text string) (string, error) {
	for _, fence := range []string{"```json", "```"} {
		if start := strings.Index(text, fence); start >= 0 {
			rest := text[start+len(fence):]
			if end := strings.Index(rest, "```"); end >= 0 {
				candidate := strings.TrimSpace(rest[:end])
				if json.Valid([]byte(candidate)) {
					return candidate, nil
				}
			}
		}
	}
	if candidate, ok := firstBalanced(text); ok {
		return candidate, nil
	}
	return "", errors.New("no JSON value found in response")
}

// firstBalanced scans for the first balanced {...} or [...] that parses.
func firstBalanced(text string) (string, bool) {
	for i := 0; i < len(text); i++ {
		open := text[i]
		if open != '{' && open != '[' {
			continue
		}
		var closer byte = '}'
		if open == '[' {
			closer = ']'
		}
		depth := 0
		inString := false
		escaped := false
		for j := i; j < len(text); j++ {
			c := text[j]
			switch {
			case escaped:
				escaped = false
			case c == '\\' && inString:
				escaped = true
			case c == '"':
				inString = !inString
			case inString:
			case c == open:
				depth++
			case c == closer:
				depth--
				if depth == 0 {
					candidate := text[i : j+1]
					if json.Valid([]byte(candidate)) {
						return candidate, true
					}
					j = len(text)
				}
			}
		}
	}
	return "", false
}
