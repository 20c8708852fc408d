// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools provides the tool backend contract the engine executes
// against, the catalog of invocable targets, and the reference backends.
//
// The engine never assumes targets at compile time: it reads the active
// catalog snapshot taken at planner invocation and resolves schemas through
// the Backend interface before any fast-path decision.
//
// Thread Safety:
//
//	A Catalog is immutable after load; reloads build a new Catalog and
//	swap an atomic pointer, so snapshots held by running turns are stable.
package tools

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxCatalogFileSize caps external catalog files (1MB).
	MaxCatalogFileSize = 1024 * 1024

	// MaxCatalogTargets caps the combined tool and prompt count.
	MaxCatalogTargets = 200

	// catalogPathEnv points at an external catalog file overriding the
	// embedded default.
	catalogPathEnv = "KODIAK_CATALOG_PATH"
)

// Target classes the rewrite passes and orchestrators key on.
const (
	// ClassQuery marks query-execution tools eligible for consolidation.
	ClassQuery = "query"

	// ClassClock marks the current-date anchor tool.
	ClassClock = "clock"

	// ClassEnumerate marks tools that list available objects.
	ClassEnumerate = "enumerate"

	// ClassDescribe marks tools that describe one object's schema.
	ClassDescribe = "describe"

	// ClassReport marks the terminal reporting tool.
	ClassReport = "report"

	// ClassLLMApply marks the generic apply-LLM-to-each-item prompt.
	ClassLLMApply = "llm_apply"

	// ClassSynthesis marks per-item distillation and summary prompts.
	ClassSynthesis = "synthesis"

	// ClassContextReport marks the context-only answer prompt.
	ClassContextReport = "context_report"
)

// =============================================================================
// Embedded Default Catalog
// =============================================================================

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	catalogLoadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kodiak_catalog_load_errors_total",
		Help: "Total catalog load errors",
	})

	catalogLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kodiak_catalog_load_duration_seconds",
		Help:    "Duration of catalog loading",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5},
	})

	catalogReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kodiak_catalog_reloads_total",
		Help: "Catalog reloads by trigger",
	}, []string{"trigger"})
)

var catalogTracer = otel.Tracer("kodiak.tools.catalog")

// =============================================================================
// Types
// =============================================================================

// ArgSpec describes one argument a target accepts.
type ArgSpec struct {
	// Name is the argument name as it appears in plans.
	Name string `yaml:"name" json:"name"`

	// Type is string, number, date, list, or object. "date" marks
	// date-shaped arguments the temporal passes and the date-range
	// orchestrator key on.
	Type string `yaml:"type" json:"type"`

	// Required arguments gate the fast path.
	Required bool `yaml:"required,omitempty" json:"required,omitempty"`

	// Description is shown to the model in catalog summaries.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// IsDate reports whether the argument is date-shaped.
func (a ArgSpec) IsDate() bool {
	return a.Type == "date"
}

// ToolSpec describes one backend tool.
type ToolSpec struct {
	// Name is the invocation target name.
	Name string `yaml:"name" json:"name"`

	// Description is shown to the model.
	Description string `yaml:"description" json:"description"`

	// Class is the capability tag (see the Class constants).
	Class string `yaml:"class" json:"class"`

	// PerColumn marks query tools that operate on one column at a time,
	// which the column-iteration orchestrator expands over.
	PerColumn bool `yaml:"per_column,omitempty" json:"per_column,omitempty"`

	// Args is the argument schema.
	Args []ArgSpec `yaml:"args" json:"args"`
}

// PromptSpec describes one prompt target executed as a templated LLM call.
type PromptSpec struct {
	// Name is the invocation target name.
	Name string `yaml:"name" json:"name"`

	// Description is shown to the model.
	Description string `yaml:"description" json:"description"`

	// Class is the capability tag.
	Class string `yaml:"class" json:"class"`

	// Template is the text/template body rendered with the resolved
	// arguments before the LLM call.
	Template string `yaml:"template" json:"template"`

	// Args is the argument schema.
	Args []ArgSpec `yaml:"args" json:"args"`
}

// catalogYAML is the file shape.
type catalogYAML struct {
	Tools   []ToolSpec   `yaml:"tools"`
	Prompts []PromptSpec `yaml:"prompts"`
}

// Catalog is an immutable snapshot of the invocable targets.
type Catalog struct {
	tools   map[string]*ToolSpec
	prompts map[string]*PromptSpec

	// loadedAt is when this snapshot was built (Unix milliseconds UTC).
	loadedAt int64

	// source records where the snapshot came from, for logs.
	source string
}

// Tool returns the named tool spec.
func (c *Catalog) Tool(name string) (*ToolSpec, bool) {
	t, ok := c.tools[name]
	return t, ok
}

// Prompt returns the named prompt spec.
func (c *Catalog) Prompt(name string) (*PromptSpec, bool) {
	p, ok := c.prompts[name]
	return p, ok
}

// HasTool reports whether a tool with the name exists.
func (c *Catalog) HasTool(name string) bool {
	_, ok := c.tools[name]
	return ok
}

// HasPrompt reports whether a prompt with the name exists.
func (c *Catalog) HasPrompt(name string) bool {
	_, ok := c.prompts[name]
	return ok
}

// ToolNames returns the sorted tool names.
func (c *Catalog) ToolNames() []string {
	out := make([]string, 0, len(c.tools))
	for n := range c.tools {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// PromptNames returns the sorted prompt names.
func (c *Catalog) PromptNames() []string {
	out := make([]string, 0, len(c.prompts))
	for n := range c.prompts {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ToolsByClass returns the tools carrying a capability tag, sorted by name.
func (c *Catalog) ToolsByClass(class string) []*ToolSpec {
	var out []*ToolSpec
	for _, t := range c.tools {
		if t.Class == class {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FirstToolByClass returns the lowest-named tool with the class, if any.
func (c *Catalog) FirstToolByClass(class string) (*ToolSpec, bool) {
	matches := c.ToolsByClass(class)
	if len(matches) == 0 {
		return nil, false
	}
	return matches[0], true
}

// PromptsByClass returns the prompts carrying a capability tag, sorted by
// name.
func (c *Catalog) PromptsByClass(class string) []*PromptSpec {
	var out []*PromptSpec
	for _, p := range c.prompts {
		if p.Class == class {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FirstPromptByClass returns the lowest-named prompt with the class, if any.
func (c *Catalog) FirstPromptByClass(class string) (*PromptSpec, bool) {
	matches := c.PromptsByClass(class)
	if len(matches) == 0 {
		return nil, false
	}
	return matches[0], true
}

// ToolSchema builds the Schema for a tool target.
func (c *Catalog) ToolSchema(name string) (*Schema, bool) {
	t, ok := c.tools[name]
	if !ok {
		return nil, false
	}
	return &Schema{Target: t.Name, Class: t.Class, Args: t.Args, PerColumn: t.PerColumn}, true
}

// PromptSchema builds the Schema for a prompt target.
func (c *Catalog) PromptSchema(name string) (*Schema, bool) {
	p, ok := c.prompts[name]
	if !ok {
		return nil, false
	}
	return &Schema{Target: p.Name, Class: p.Class, Args: p.Args, IsPrompt: true}, true
}

// Summary renders the model-facing catalog listing used in planner and
// slow-path prompts.
func (c *Catalog) Summary() string {
	var b strings.Builder
	b.WriteString("TOOLS:\n")
	for _, name := range c.ToolNames() {
		writeTargetLine(&b, name, c.tools[name].Description, c.tools[name].Args)
	}
	b.WriteString("PROMPTS:\n")
	for _, name := range c.PromptNames() {
		writeTargetLine(&b, name, c.prompts[name].Description, c.prompts[name].Args)
	}
	return b.String()
}

// SummaryFor renders the listing restricted to the named targets, used by
// the slow path to keep the tactical prompt small.
func (c *Catalog) SummaryFor(names []string) string {
	var b strings.Builder
	for _, name := range names {
		if t, ok := c.tools[name]; ok {
			writeTargetLine(&b, "tool "+name, t.Description, t.Args)
		}
		if p, ok := c.prompts[name]; ok {
			writeTargetLine(&b, "prompt "+name, p.Description, p.Args)
		}
	}
	return b.String()
}

func writeTargetLine(b *strings.Builder, name, description string, args []ArgSpec) {
	b.WriteString("- ")
	b.WriteString(name)
	b.WriteString(": ")
	b.WriteString(description)
	if len(args) > 0 {
		b.WriteString(" (args:")
		for _, a := range args {
			b.WriteString(" ")
			b.WriteString(a.Name)
			if a.Required {
				b.WriteString("*")
			}
			b.WriteString(":")
			b.WriteString(a.Type)
		}
		b.WriteString(")")
	}
	b.WriteString("\n")
}

// LoadedAt returns when the snapshot was built (Unix milliseconds UTC).
func (c *Catalog) LoadedAt() int64 {
	return c.loadedAt
}

// Source returns where the snapshot came from ("embedded" or a file path).
func (c *Catalog) Source() string {
	return c.source
}

// =============================================================================
// Loading
// =============================================================================

// LoadCatalog reads the active catalog: the external file named by
// KODIAK_CATALOG_PATH when present and readable, otherwise the embedded
// default.
//
// Outputs:
//
//	*Catalog - The immutable snapshot. Never nil on success.
//	error - Non-nil if both sources fail to parse.
func LoadCatalog(ctx context.Context) (*Catalog, error) {
	ctx, span := catalogTracer.Start(ctx, "catalog.Load")
	defer span.End()

	start := time.Now()
	defer func() {
		catalogLoadDuration.Observe(time.Since(start).Seconds())
	}()

	data := defaultCatalogYAML
	source := "embedded"
	if path := os.Getenv(catalogPathEnv); path != "" {
		external, err := readCatalogFile(path)
		if err != nil {
			slog.Warn("External catalog not available, using embedded default",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		} else {
			data = external
			source = path
		}
	}
	span.SetAttributes(
		attribute.String("source", source),
		attribute.Int("yaml_size", len(data)),
	)

	cat, err := ParseCatalog(data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse failed")
		catalogLoadErrors.Inc()
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	cat.source = source
	slog.Info("Catalog loaded",
		slog.Int("tools", len(cat.tools)),
		slog.Int("prompts", len(cat.prompts)),
		slog.String("source", source),
	)
	return cat, nil
}

// ParseCatalog builds a Catalog from YAML bytes.
func ParseCatalog(data []byte) (*Catalog, error) {
	var raw catalogYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	if len(raw.Tools)+len(raw.Prompts) > MaxCatalogTargets {
		return nil, fmt.Errorf("catalog exceeds %d targets", MaxCatalogTargets)
	}
	cat := &Catalog{
		tools:    make(map[string]*ToolSpec, len(raw.Tools)),
		prompts:  make(map[string]*PromptSpec, len(raw.Prompts)),
		loadedAt: time.Now().UnixMilli(),
		source:   "embedded",
	}
	for i := range raw.Tools {
		t := raw.Tools[i]
		if t.Name == "" {
			return nil, fmt.Errorf("tool %d has no name", i)
		}
		if _, dup := cat.tools[t.Name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", t.Name)
		}
		cat.tools[t.Name] = &t
	}
	for i := range raw.Prompts {
		p := raw.Prompts[i]
		if p.Name == "" {
			return nil, fmt.Errorf("prompt %d has no name", i)
		}
		if _, dup := cat.prompts[p.Name]; dup {
			return nil, fmt.Errorf("duplicate prompt %q", p.Name)
		}
		if cat.HasTool(p.Name) {
			return nil, fmt.Errorf("target %q is both tool and prompt", p.Name)
		}
		cat.prompts[p.Name] = &p
	}
	return cat, nil
}

func readCatalogFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > MaxCatalogFileSize {
		return nil, fmt.Errorf("catalog file exceeds %d bytes", MaxCatalogFileSize)
	}
	return os.ReadFile(path)
}

// =============================================================================
// Singleton Accessor
// =============================================================================

var (
	catalogMu     sync.RWMutex
	cachedCatalog *Catalog
	catalogErr    error
	catalogOnce   sync.Once
)

// ActiveCatalog returns the process-wide catalog snapshot, loading it on
// first use. Turns must hold the returned pointer rather than calling this
// again mid-execution; reloads swap the pointer for later turns only.
func ActiveCatalog(ctx context.Context) (*Catalog, error) {
	catalogOnce.Do(func() {
		cat, err := LoadCatalog(ctx)
		catalogMu.Lock()
		cachedCatalog, catalogErr = cat, err
		catalogMu.Unlock()
	})
	catalogMu.RLock()
	defer catalogMu.RUnlock()
	return cachedCatalog, catalogErr
}

// ReplaceActiveCatalog swaps in a new snapshot, used by the watcher and by
// tests. The trigger label feeds the reload counter.
func ReplaceActiveCatalog(cat *Catalog, trigger string) {
	catalogMu.Lock()
	cachedCatalog, catalogErr = cat, nil
	catalogMu.Unlock()
	catalogReloads.WithLabelValues(trigger).Inc()
}

// ResetActiveCatalog clears the singleton for tests.
func ResetActiveCatalog() {
	catalogMu.Lock()
	defer catalogMu.Unlock()
	catalogOnce = sync.Once{}
	cachedCatalog = nil
	catalogErr = nil
}
