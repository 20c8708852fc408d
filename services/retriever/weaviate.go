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
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// defaultMaxResults bounds retrieval when the caller passes limit <= 0.
const defaultMaxResults = 5

// Weaviate retrieves plan examples and knowledge documents by semantic
// search against a Weaviate instance.
//
// Thread Safety: safe for concurrent use; the underlying client is
// concurrency-safe and the remaining fields are immutable.
type Weaviate struct {
	client    *weaviate.Client
	dataSpace string
}

// NewWeaviate creates a Weaviate-backed retriever.
//
// Description:
//
//	The dataSpace scopes every query, so multiple deployments can share
//	one Weaviate instance without leaking examples across tenants.
//
// Inputs:
//
//	client - Weaviate client. Must not be nil.
//	dataSpace - Deployment isolation key. Must not be empty.
//
// Outputs:
//
//	*Weaviate - The configured retriever
//	error - Non-nil if client is nil or dataSpace is empty
func NewWeaviate(client *weaviate.Client, dataSpace string) (*Weaviate, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	if dataSpace == "" {
		return nil, errors.New("dataSpace must not be empty")
	}
	return &Weaviate{client: client, dataSpace: dataSpace}, nil
}

// NewWeaviateFromEnv builds the retriever from WEAVIATE_HOST,
// WEAVIATE_SCHEME, and KODIAK_DATA_SPACE.
func NewWeaviateFromEnv() (*Weaviate, error) {
	host := os.Getenv("WEAVIATE_HOST")
	if host == "" {
		host = "localhost:8080"
	}
	scheme := os.Getenv("WEAVIATE_SCHEME")
	if scheme == "" {
		scheme = "http"
	}
	dataSpace := os.Getenv("KODIAK_DATA_SPACE")
	if dataSpace == "" {
		dataSpace = "default"
	}
	client, err := weaviate.NewClient(weaviate.Config{Host: host, Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("creating weaviate client: %w", err)
	}
	return NewWeaviate(client, dataSpace)
}

// Examples implements Retriever via nearText search over PlanExample.
func (w *Weaviate) Examples(ctx context.Context, query string, limit int) ([]Example, error) {
	if limit <= 0 {
		limit = defaultMaxResults
	}

	result, err := w.search(ctx, PlanExampleClassName, query, limit, []graphql.Field{
		{Name: "goal"},
		{Name: "planJson"},
		{Name: "planType"},
	})
	if err != nil {
		return nil, fmt.Errorf("example search: %w", err)
	}

	objects := objectsFor(result, PlanExampleClassName)
	examples := make([]Example, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		ex := Example{
			Goal:     getString(m, "goal"),
			PlanJSON: getString(m, "planJson"),
			PlanType: getString(m, "planType"),
		}
		if ex.Goal == "" || ex.PlanJSON == "" {
			continue
		}
		examples = append(examples, ex)
	}

	slog.Debug("Retrieved plan examples", "query", query, "count", len(examples))
	return examples, nil
}

// Documents implements Retriever via nearText search over KnowledgeDocument.
func (w *Weaviate) Documents(ctx context.Context, query string, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = defaultMaxResults
	}

	result, err := w.search(ctx, KnowledgeDocumentClassName, query, limit, []graphql.Field{
		{Name: "title"},
		{Name: "content"},
		{Name: "source"},
	})
	if err != nil {
		return nil, fmt.Errorf("document search: %w", err)
	}

	objects := objectsFor(result, KnowledgeDocumentClassName)
	docs := make([]Document, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		doc := Document{
			Title:   getString(m, "title"),
			Content: getString(m, "content"),
			Source:  getString(m, "source"),
		}
		if doc.Content == "" {
			continue
		}
		docs = append(docs, doc)
	}

	slog.Debug("Retrieved knowledge documents", "query", query, "count", len(docs))
	return docs, nil
}

// search runs a scoped nearText query against a class.
func (w *Weaviate) search(ctx context.Context, className, query string, limit int, fields []graphql.Field) (*models.GraphQLResponse, error) {
	nearText := w.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{query})

	whereFilter := filters.Where().
		WithPath([]string{"dataSpace"}).
		WithOperator(filters.Equal).
		WithValueString(w.dataSpace)

	result, err := w.client.GraphQL().Get().
		WithClassName(className).
		WithFields(fields...).
		WithWhere(whereFilter).
		WithNearText(nearText).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("query error: %s", result.Errors[0].Message)
	}
	return result, nil
}

// SeedExamples batch-imports plan examples. Object IDs are derived from a
// hash of the goal so re-seeding the same corpus is idempotent.
func (w *Weaviate) SeedExamples(ctx context.Context, examples []Example) (int, error) {
	if len(examples) == 0 {
		return 0, nil
	}

	objects := make([]*models.Object, len(examples))
	for i, ex := range examples {
		hash := sha256.Sum256([]byte(w.dataSpace + "\x00" + ex.Goal))
		objUUID, _ := uuid.FromBytes(hash[:16])
		objects[i] = &models.Object{
			Class: PlanExampleClassName,
			ID:    strfmt.UUID(objUUID.String()),
			Properties: map[string]interface{}{
				"goal":      ex.Goal,
				"planJson":  ex.PlanJSON,
				"planType":  ex.PlanType,
				"dataSpace": w.dataSpace,
			},
		}
	}

	resp, err := w.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("seeding plan examples: %w", err)
	}

	created := 0
	for _, item := range resp {
		if item.Result != nil && item.Result.Status != nil && *item.Result.Status == "SUCCESS" {
			created++
		} else if item.Result != nil && item.Result.Errors != nil && len(item.Result.Errors.Error) > 0 {
			slog.Warn("Failed to seed plan example", "error", item.Result.Errors.Error[0].Message)
		}
	}

	slog.Info("Seeded plan examples", "requested", len(examples), "created", created)
	return created, nil
}

// objectsFor extracts the object list for a class from a GraphQL response.
// Missing data is an empty result, not an error.
func objectsFor(result *models.GraphQLResponse, className string) []interface{} {
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	objects, ok := data[className].([]interface{})
	if !ok {
		return nil
	}
	return objects
}

// getString safely extracts a string from a map.
func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
