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
	"strings"
	"testing"
)

func TestParseCatalog_EmbeddedDefault(t *testing.T) {
	cat, err := ParseCatalog(defaultCatalogYAML)
	if err != nil {
		t.Fatalf("embedded catalog must parse: %v", err)
	}

	for _, name := range []string{"current_date", "list_measurements", "describe_measurement", "query_metrics", "compose_report"} {
		if !cat.HasTool(name) {
			t.Errorf("embedded catalog missing tool %q", name)
		}
	}
	for _, name := range []string{"apply_llm", "distill_items", "summarize_results", "answer_from_context"} {
		if !cat.HasPrompt(name) {
			t.Errorf("embedded catalog missing prompt %q", name)
		}
	}

	clock, ok := cat.FirstToolByClass(ClassClock)
	if !ok || clock.Name != "current_date" {
		t.Errorf("expected current_date as the clock tool, got %+v", clock)
	}
	report, ok := cat.FirstToolByClass(ClassReport)
	if !ok || report.Name != "compose_report" {
		t.Errorf("expected compose_report as the report tool, got %+v", report)
	}

	schema, ok := cat.ToolSchema("query_metrics")
	if !ok {
		t.Fatal("query_metrics schema missing")
	}
	if !schema.PerColumn {
		t.Error("query_metrics should be per-column")
	}
	if req := schema.Required(); len(req) != 1 || req[0].Name != "measurement" {
		t.Errorf("unexpected required args: %+v", req)
	}
	if date, ok := schema.DateArg(); !ok || date.Name != "date" {
		t.Errorf("expected date-shaped arg, got %+v ok=%v", date, ok)
	}
}

func TestParseCatalog_Rejections(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"duplicate tool", "tools:\n  - name: a\n  - name: a\n"},
		{"nameless tool", "tools:\n  - description: x\n"},
		{"tool prompt clash", "tools:\n  - name: a\nprompts:\n  - name: a\n"},
		{"bad yaml", "tools: ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseCatalog([]byte(tt.yaml)); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestCatalog_Summaries(t *testing.T) {
	cat, err := ParseCatalog(defaultCatalogYAML)
	if err != nil {
		t.Fatal(err)
	}

	full := cat.Summary()
	if !strings.Contains(full, "query_metrics") || !strings.Contains(full, "PROMPTS:") {
		t.Errorf("summary incomplete:\n%s", full)
	}
	if !strings.Contains(full, "measurement*:string") {
		t.Errorf("summary should mark required args:\n%s", full)
	}

	restricted := cat.SummaryFor([]string{"current_date"})
	if strings.Contains(restricted, "query_metrics") {
		t.Errorf("restricted summary leaked other targets:\n%s", restricted)
	}
	if !strings.Contains(restricted, "current_date") {
		t.Errorf("restricted summary missing requested target:\n%s", restricted)
	}
}
