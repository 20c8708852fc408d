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
	"testing"

	"github.com/weaviate/weaviate/entities/models"
)

func TestStatic_ExamplesRankedByOverlap(t *testing.T) {
	s := NewStatic([]Example{
		{Goal: "show disk usage for the web servers", PlanJSON: `[]`, PlanType: "standard"},
		{Goal: "compare cpu usage across hosts for the past week", PlanJSON: `[]`, PlanType: "standard"},
		{Goal: "hello there", PlanJSON: `[]`, PlanType: "conversational"},
	}, nil)

	got, err := s.Examples(context.Background(), "cpu usage past 2 days", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) == 0 {
		t.Fatal("expected at least one example")
	}
	if got[0].Goal != "compare cpu usage across hosts for the past week" {
		t.Errorf("wrong top example: %q", got[0].Goal)
	}
	for _, ex := range got {
		if ex.PlanType == "conversational" {
			t.Errorf("conversational example should not match a metrics query")
		}
	}
}

func TestStatic_EmptyResultIsNotAnError(t *testing.T) {
	s := NewStatic(nil, nil)

	examples, err := s.Examples(context.Background(), "anything at all", 5)
	if err != nil {
		t.Fatalf("empty corpus must not error: %v", err)
	}
	if len(examples) != 0 {
		t.Errorf("expected no examples, got %d", len(examples))
	}

	docs, err := s.Documents(context.Background(), "anything at all", 5)
	if err != nil {
		t.Fatalf("empty corpus must not error: %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("expected no documents, got %d", len(docs))
	}
}

func TestStatic_DocumentsMatchTitleAndContent(t *testing.T) {
	s := NewStatic(nil, []Document{
		{Title: "Retention policy", Content: "metrics are kept for 90 days", Source: "ops.md"},
		{Title: "Deploy guide", Content: "how to roll the fleet", Source: "deploy.md"},
	})

	got, err := s.Documents(context.Background(), "how long are metrics retained", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Source != "ops.md" {
		t.Errorf("expected the retention document, got %+v", got)
	}
}

func TestQueryTerms_DropsShortWords(t *testing.T) {
	terms := queryTerms("Is my CPU ok today")
	for _, term := range terms {
		if len(term) <= 2 {
			t.Errorf("short term %q survived filtering", term)
		}
	}
}

func TestObjectsFor_MalformedResponses(t *testing.T) {
	tests := []struct {
		name string
		resp *models.GraphQLResponse
	}{
		{"no data", &models.GraphQLResponse{Data: map[string]models.JSONObject{}}},
		{"wrong get shape", &models.GraphQLResponse{Data: map[string]models.JSONObject{"Get": "nope"}}},
		{"missing class", &models.GraphQLResponse{Data: map[string]models.JSONObject{
			"Get": map[string]interface{}{"OtherClass": []interface{}{}},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := objectsFor(tt.resp, PlanExampleClassName); len(got) != 0 {
				t.Errorf("expected no objects, got %v", got)
			}
		})
	}
}

func TestSchemas_CoverStoredFields(t *testing.T) {
	exampleProps := map[string]bool{}
	for _, p := range GetPlanExampleSchema().Properties {
		exampleProps[p.Name] = true
	}
	for _, want := range []string{"goal", "planJson", "planType", "dataSpace"} {
		if !exampleProps[want] {
			t.Errorf("PlanExample schema missing property %q", want)
		}
	}

	docProps := map[string]bool{}
	for _, p := range GetKnowledgeDocumentSchema().Properties {
		docProps[p.Name] = true
	}
	for _, want := range []string{"title", "content", "source", "dataSpace"} {
		if !docProps[want] {
			t.Errorf("KnowledgeDocument schema missing property %q", want)
		}
	}
}
