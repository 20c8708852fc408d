// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retriever

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// PlanExampleClassName is the Weaviate class holding few-shot plan examples.
const PlanExampleClassName = "PlanExample"

// KnowledgeDocumentClassName is the Weaviate class holding background
// knowledge chunks for report synthesis.
const KnowledgeDocumentClassName = "KnowledgeDocument"

// GetPlanExampleSchema returns the Weaviate class definition for plan
// examples. The goal is vectorized for semantic search; the stored plan
// JSON is opaque payload and skipped.
func GetPlanExampleSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	indexSearchable := new(bool)
	*indexSearchable = true

	return &models.Class{
		Class:       PlanExampleClassName,
		Description: "Successful goal/plan pairs used as few-shot planning demonstrations",
		Vectorizer:  "text2vec-transformers",
		ModuleConfig: map[string]interface{}{
			"text2vec-transformers": map[string]interface{}{
				"vectorizeClassName": false,
			},
		},
		Properties: []*models.Property{
			{
				Name:            "goal",
				DataType:        []string{"text"},
				Description:     "The user goal the plan was written for",
				IndexSearchable: indexSearchable,
				Tokenization:    "word",
			},
			{
				Name:        "planJson",
				DataType:    []string{"text"},
				Description: "The serialized plan, stored verbatim",
				ModuleConfig: map[string]interface{}{
					"text2vec-transformers": map[string]interface{}{
						"skip": true,
					},
				},
			},
			{
				Name:            "planType",
				DataType:        []string{"text"},
				Description:     "Plan classification: standard, conversational, error_recovery",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
				ModuleConfig: map[string]interface{}{
					"text2vec-transformers": map[string]interface{}{
						"skip": true,
					},
				},
			},
			{
				Name:            "dataSpace",
				DataType:        []string{"text"},
				Description:     "Deployment isolation key",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
				ModuleConfig: map[string]interface{}{
					"text2vec-transformers": map[string]interface{}{
						"skip": true,
					},
				},
			},
		},
	}
}

// GetKnowledgeDocumentSchema returns the Weaviate class definition for
// knowledge documents. Title and content are both vectorized.
func GetKnowledgeDocumentSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	indexSearchable := new(bool)
	*indexSearchable = true

	return &models.Class{
		Class:       KnowledgeDocumentClassName,
		Description: "Background knowledge chunks consumed by report synthesis",
		Vectorizer:  "text2vec-transformers",
		ModuleConfig: map[string]interface{}{
			"text2vec-transformers": map[string]interface{}{
				"vectorizeClassName": false,
			},
		},
		Properties: []*models.Property{
			{
				Name:            "title",
				DataType:        []string{"text"},
				Description:     "Document title",
				IndexSearchable: indexSearchable,
				Tokenization:    "word",
			},
			{
				Name:            "content",
				DataType:        []string{"text"},
				Description:     "Document chunk content",
				IndexSearchable: indexSearchable,
				Tokenization:    "word",
			},
			{
				Name:            "source",
				DataType:        []string{"text"},
				Description:     "Origin of the chunk (file, URL, ingestion job)",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
				ModuleConfig: map[string]interface{}{
					"text2vec-transformers": map[string]interface{}{
						"skip": true,
					},
				},
			},
			{
				Name:            "dataSpace",
				DataType:        []string{"text"},
				Description:     "Deployment isolation key",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
				ModuleConfig: map[string]interface{}{
					"text2vec-transformers": map[string]interface{}{
						"skip": true,
					},
				},
			},
		},
	}
}

// EnsureSchema creates the retriever classes if they do not exist.
// Idempotent; safe to call on every startup.
func EnsureSchema(ctx context.Context, client *weaviate.Client) error {
	for _, class := range []*models.Class{GetPlanExampleSchema(), GetKnowledgeDocumentSchema()} {
		_, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx)
		if err == nil {
			slog.Info("Retriever schema already exists", "class", class.Class)
			continue
		}
		slog.Info("Creating retriever schema", "class", class.Class)
		if err := client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
			return fmt.Errorf("creating %s schema: %w", class.Class, err)
		}
	}
	return nil
}
