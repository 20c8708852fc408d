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
	"log/slog"
	"os"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var ollamaTracer = otel.Tracer("kodiak.llm.ollama")

// OllamaClient adapts a local Ollama server to the Client interface.
type OllamaClient struct {
	llm   *ollama.LLM
	model string
}

// NewOllamaClient builds a client from OLLAMA_BASE_URL and OLLAMA_MODEL.
func NewOllamaClient() (*OllamaClient, error) {
	baseURL := os.Getenv("OLLAMA_BASE_URL")
	if baseURL == "" {
		return nil, fmt.Errorf("OLLAMA_BASE_URL environment variable not set")
	}
	model := os.Getenv("OLLAMA_MODEL")
	if model == "" {
		model = "gpt-oss"
		slog.Warn("OLLAMA_MODEL not set, defaulting", slog.String("model", model))
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	client, err := ollama.New(ollama.WithServerURL(baseURL), ollama.WithModel(model))
	if err != nil {
		return nil, fmt.Errorf("initialize ollama client: %w", err)
	}
	slog.Info("Initializing Ollama client",
		slog.String("base_url", baseURL),
		slog.String("default_model", model),
	)
	return &OllamaClient{llm: client, model: model}, nil
}

// Complete implements the Client interface.
func (o *OllamaClient) Complete(ctx context.Context, systemContext, userPrompt string, format ResponseFormat) (*Completion, error) {
	ctx, span := ollamaTracer.Start(ctx, "OllamaClient.Complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.String("llm.format", string(format)),
	)

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemContext),
		llms.TextParts(llms.ChatMessageTypeHuman, userPrompt),
	}
	opts := []llms.CallOption{}
	if format == FormatJSON {
		opts = append(opts, llms.WithJSONMode())
	}

	resp, err := o.llm.GenerateContent(ctx, messages, opts...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		slog.Error("Ollama call failed", slog.Any("error", err))
		return nil, classifyErr(err)
	}
	if len(resp.Choices) == 0 {
		span.SetStatus(codes.Error, "no choices")
		return nil, fmt.Errorf("ollama returned no choices: %w", ErrUnavailable)
	}
	choice := resp.Choices[0]
	return &Completion{
		Text:         choice.Content,
		InputTokens:  infoTokens(choice.GenerationInfo, "PromptTokens"),
		OutputTokens: infoTokens(choice.GenerationInfo, "CompletionTokens"),
	}, nil
}

// infoTokens reads a token count out of langchaingo's loosely typed
// generation info map.
func infoTokens(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
