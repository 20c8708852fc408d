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
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ErrUnknownTarget means the backend has no tool or prompt by that name.
var ErrUnknownTarget = errors.New("unknown target")

// InvokeStatus classifies a backend response.
type InvokeStatus string

const (
	// InvokeSuccess carries a usable payload.
	InvokeSuccess InvokeStatus = "success"

	// InvokeError carries the backend's error text.
	InvokeError InvokeStatus = "error"
)

// InvokeResult is the backend's answer to one call.
//
// A tool-level failure is a result with InvokeError, not a Go error; Go
// errors are reserved for transport problems (unreachable backend,
// timeout), which the executor treats as retryable.
type InvokeResult struct {
	// Status classifies the outcome.
	Status InvokeStatus `json:"status"`

	// Payload is the returned data for success results.
	Payload any `json:"payload,omitempty"`

	// ErrorText is the backend's message for error results. The
	// correction strategy chain matches against this text.
	ErrorText string `json:"error_text,omitempty"`

	// Metadata carries row counts, latency, and provider details.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Succeeded reports whether the call produced a usable payload.
func (r *InvokeResult) Succeeded() bool {
	return r != nil && r.Status == InvokeSuccess
}

// Schema is a target's dynamically resolved argument schema.
type Schema struct {
	// Target is the tool or prompt name.
	Target string `json:"target"`

	// Class is the capability tag from the catalog.
	Class string `json:"class"`

	// IsPrompt distinguishes prompt targets from tools.
	IsPrompt bool `json:"is_prompt,omitempty"`

	// PerColumn marks one-column-at-a-time query tools.
	PerColumn bool `json:"per_column,omitempty"`

	// Args is the full argument schema.
	Args []ArgSpec `json:"args"`
}

// Required returns the required argument specs.
func (s *Schema) Required() []ArgSpec {
	var out []ArgSpec
	for _, a := range s.Args {
		if a.Required {
			out = append(out, a)
		}
	}
	return out
}

// Arg returns the spec for a named argument.
func (s *Schema) Arg(name string) (ArgSpec, bool) {
	for _, a := range s.Args {
		if a.Name == name {
			return a, true
		}
	}
	return ArgSpec{}, false
}

// HasArg reports whether the schema accepts the argument name.
func (s *Schema) HasArg(name string) bool {
	_, ok := s.Arg(name)
	return ok
}

// DateArg returns the first date-shaped argument, if any.
func (s *Schema) DateArg() (ArgSpec, bool) {
	for _, a := range s.Args {
		if a.IsDate() {
			return a, true
		}
	}
	return ArgSpec{}, false
}

// Backend is the tool-providing collaborator the engine executes against.
type Backend interface {
	// Invoke runs one tool call with fully resolved arguments.
	//
	// Outputs:
	//   *InvokeResult - The outcome; InvokeError results carry ErrorText.
	//   error - Non-nil only for transport failures; wraps
	//           ErrUnknownTarget when the target does not exist.
	Invoke(ctx context.Context, target string, args map[string]any) (*InvokeResult, error)

	// Schema resolves a target's argument schema.
	Schema(ctx context.Context, target string) (*Schema, error)
}

// =============================================================================
// Schema Cache
// =============================================================================

// SchemaCache memoizes schema lookups for the duration of a snapshot so the
// fast-path eligibility check (run for every phase) does not hammer the
// backend. Concurrent first lookups for one target collapse into a single
// backend call.
//
// Thread Safety: safe for concurrent use.
type SchemaCache struct {
	backend Backend
	group   singleflight.Group

	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewSchemaCache wraps a backend with schema memoization.
func NewSchemaCache(backend Backend) *SchemaCache {
	return &SchemaCache{backend: backend, schemas: make(map[string]*Schema)}
}

// Invoke delegates to the wrapped backend.
func (c *SchemaCache) Invoke(ctx context.Context, target string, args map[string]any) (*InvokeResult, error) {
	return c.backend.Invoke(ctx, target, args)
}

// Schema returns the cached schema, resolving through singleflight on miss.
// Lookup failures are not cached so a transient backend error does not
// poison the turn.
func (c *SchemaCache) Schema(ctx context.Context, target string) (*Schema, error) {
	c.mu.RLock()
	if s, ok := c.schemas[target]; ok {
		c.mu.RUnlock()
		return s, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do(target, func() (any, error) {
		s, err := c.backend.Schema(ctx, target)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.schemas[target] = s
		c.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Schema), nil
}

// =============================================================================
// Static Backend
// =============================================================================

// HandlerFunc serves one tool's invocations for a StaticBackend.
type HandlerFunc func(ctx context.Context, args map[string]any) (*InvokeResult, error)

// StaticBackend serves a fixed catalog with in-process handlers. Tests and
// the CLI's offline mode use it; prompt targets resolve schemas only, since
// prompts are executed by the engine itself.
//
// Thread Safety: safe for concurrent use after construction.
type StaticBackend struct {
	catalog  *Catalog
	handlers map[string]HandlerFunc
}

// NewStaticBackend builds a backend over a catalog.
func NewStaticBackend(catalog *Catalog) *StaticBackend {
	return &StaticBackend{catalog: catalog, handlers: make(map[string]HandlerFunc)}
}

// Handle registers the handler for one tool name.
func (b *StaticBackend) Handle(target string, fn HandlerFunc) *StaticBackend {
	b.handlers[target] = fn
	return b
}

// Invoke implements the Backend interface.
func (b *StaticBackend) Invoke(ctx context.Context, target string, args map[string]any) (*InvokeResult, error) {
	fn, ok := b.handlers[target]
	if !ok {
		if !b.catalog.HasTool(target) {
			return nil, fmt.Errorf("invoke %q: %w", target, ErrUnknownTarget)
		}
		return &InvokeResult{
			Status:    InvokeError,
			ErrorText: fmt.Sprintf("tool %q has no handler", target),
		}, nil
	}
	return fn(ctx, args)
}

// Schema implements the Backend interface.
func (b *StaticBackend) Schema(_ context.Context, target string) (*Schema, error) {
	if s, ok := b.catalog.ToolSchema(target); ok {
		return s, nil
	}
	if s, ok := b.catalog.PromptSchema(target); ok {
		return s, nil
	}
	return nil, fmt.Errorf("schema %q: %w", target, ErrUnknownTarget)
}

// Catalog returns the backing catalog snapshot.
func (b *StaticBackend) Catalog() *Catalog {
	return b.catalog
}
