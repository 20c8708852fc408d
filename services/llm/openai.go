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

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var openaiTracer = otel.Tracer("kodiak.llm.openai")

// OpenAIClient adapts an OpenAI-compatible chat endpoint to the Client
// interface.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient builds a client from OPENAI_API_KEY (or the mounted
// secret) and OPENAI_MODEL.
func NewOpenAIClient() (*OpenAIClient, error) {
	key, err := LoadAPIKey("OPENAI_API_KEY", "/run/secrets/openai_api_key")
	if err != nil {
		slog.Error("OpenAI key unavailable", slog.Any("error", err))
		return nil, err
	}
	apiKey, err := key.Reveal()
	if err != nil {
		return nil, err
	}
	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}
	slog.Info("Initializing OpenAI client", slog.String("model", model))
	return &OpenAIClient{client: openai.NewClient(apiKey), model: model}, nil
}

// Complete implements the Client interface.
func (o *OpenAIClient) Complete(ctx context.Context, systemContext, userPrompt string, format ResponseFormat) (*Completion, error) {
	ctx, span := openaiTracer.Start(ctx, "OpenAIClient.Complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.String("llm.format", string(format)),
	)

	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemContext},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
	}
	if format == FormatJSON {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		slog.Error("OpenAI API call failed", slog.Any("error", err))
		return nil, classifyErr(err)
	}
	if len(resp.Choices) == 0 {
		span.SetStatus(codes.Error, "no choices")
		return nil, fmt.Errorf("OpenAI returned no choices: %w", ErrUnavailable)
	}
	slog.Debug("Received response from OpenAI",
		slog.String("finish_reason", string(resp.Choices[0].FinishReason)),
		slog.Int("output_tokens", resp.Usage.CompletionTokens),
	)
	return &Completion{
		Text:         resp.Choices[0].Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}
