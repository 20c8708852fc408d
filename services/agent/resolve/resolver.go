// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resolve turns a phase's declared arguments into concrete values:
// literals pass through, phase references read the workflow state, and loop
// item references read the current iteration's item.
//
// Resolution failures produce error text that names the missing piece and
// what is actually available, because these messages feed the correction
// chain and the tactical LLM.
package resolve

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/kodiak/services/agent"
)

var (
	// ErrMissingResult marks a reference to a phase with no stored result.
	ErrMissingResult = errors.New("referenced phase has no stored result")

	// ErrMissingKey marks a key selector that is absent from the payload.
	ErrMissingKey = errors.New("referenced key not present in payload")

	// ErrNoLoopItem marks a loop-item reference evaluated outside a loop
	// iteration.
	ErrNoLoopItem = errors.New("loop item reference outside a loop iteration")

	// ErrNoInjectedData marks a previous-turn reference with nothing
	// hydrated.
	ErrNoInjectedData = errors.New("no previous-turn data was injected")

	// ErrNotASequence marks a loop source that resolved to a non-sequence.
	ErrNotASequence = errors.New("loop source did not resolve to a sequence")
)

// sequenceKeys are probed, in order, when a loop source resolves to a map
// instead of a bare list. Tool payloads wrap their lists under one of
// these.
var sequenceKeys = []string{"rows", "items", "dates", "measurements", "columns", "values", "results"}

// Resolver resolves canonical argument values against one turn's state.
//
// Thread Safety: safe for concurrent use; the underlying WorkflowState is
// locked per access and the resolver itself is stateless.
type Resolver struct {
	state *agent.WorkflowState
}

// New builds a resolver over the turn's workflow state.
func New(state *agent.WorkflowState) *Resolver {
	return &Resolver{state: state}
}

// Value resolves one argument value. loopItem carries the current loop
// iteration's item, nil outside loops.
func (r *Resolver) Value(av agent.ArgumentValue, loopItem any) (any, error) {
	switch av.Kind {
	case agent.ArgLiteral:
		return av.Literal, nil

	case agent.ArgPhaseResult:
		payload, err := r.phasePayload(av.Phase)
		if err != nil {
			return nil, err
		}
		if av.Key == "" {
			return payload, nil
		}
		return keyLookup(payload, av.Key, fmt.Sprintf("result of phase %d", av.Phase))

	case agent.ArgLoopItem:
		if loopItem == nil {
			return nil, fmt.Errorf("%q: %w", av.Key, ErrNoLoopItem)
		}
		if av.Key == "" {
			return loopItem, nil
		}
		return keyLookup(loopItem, av.Key, "loop item")

	default:
		return nil, fmt.Errorf("unknown argument kind %q", av.Kind)
	}
}

// Arguments resolves a phase's full argument map.
func (r *Resolver) Arguments(ph *agent.Phase, loopItem any) (map[string]any, error) {
	resolved := make(map[string]any, len(ph.Arguments))
	for name, av := range ph.Arguments {
		v, err := r.Value(av, loopItem)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", name, err)
		}
		resolved[name] = v
	}
	return resolved, nil
}

// LoopItems resolves a loop phase's source to a concrete item sequence.
// Zero items is a valid outcome.
func (r *Resolver) LoopItems(ph *agent.Phase) ([]any, error) {
	if ph.LoopOver == nil {
		return nil, fmt.Errorf("phase %d is a loop with no loop source", ph.Index)
	}
	v, err := r.Value(*ph.LoopOver, nil)
	if err != nil {
		return nil, fmt.Errorf("loop source of phase %d: %w", ph.Index, err)
	}
	items, ok := Sequence(v)
	if !ok {
		return nil, fmt.Errorf("loop source of phase %d resolved to %T: %w", ph.Index, v, ErrNotASequence)
	}
	return items, nil
}

// phasePayload fetches a referenced phase's stored payload, routing the
// reserved index to the injected previous-turn slot.
func (r *Resolver) phasePayload(index int) (any, error) {
	if index == agent.InjectedPhase {
		injected := r.state.InjectedPreviousTurn()
		if injected == nil {
			return nil, ErrNoInjectedData
		}
		return injected.Payload, nil
	}
	result, ok := r.state.Result(index)
	if !ok {
		return nil, fmt.Errorf("phase %d: %w", index, ErrMissingResult)
	}
	return result.Payload, nil
}

// keyLookup extracts a named field from a payload. The source string
// names the payload's origin for error text.
func keyLookup(payload any, key, source string) (any, error) {
	switch m := payload.(type) {
	case map[string]any:
		if v, ok := m[key]; ok {
			return v, nil
		}
		return nil, fmt.Errorf("%s has no key %q (available: %s): %w", source, key, mapKeys(m), ErrMissingKey)
	case map[string]string:
		if v, ok := m[key]; ok {
			return v, nil
		}
		return nil, fmt.Errorf("%s has no key %q: %w", source, key, ErrMissingKey)
	default:
		return nil, fmt.Errorf("%s is %T, not a keyed payload (key %q): %w", source, payload, key, ErrMissingKey)
	}
}

func mapKeys(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}

// Sequence coerces a resolved value into a generic item list. Maps are
// probed for a well-known list key. Returns false for scalars.
func Sequence(v any) ([]any, bool) {
	switch s := v.(type) {
	case nil:
		return nil, false
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out, true
	case []float64:
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out, true
	case []int:
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out, true
	case map[string]any:
		for _, key := range sequenceKeys {
			if inner, ok := s[key]; ok {
				if items, ok := Sequence(inner); ok {
					return items, true
				}
			}
		}
		return nil, false
	default:
		return nil, false
	}
}

// FullyResolved reports whether every required argument is present with a
// non-nil value — the fast-path eligibility test. The caller supplies the
// target schema's required argument names.
func FullyResolved(required []string, resolved map[string]any) bool {
	for _, name := range required {
		v, ok := resolved[name]
		if !ok || v == nil {
			return false
		}
	}
	return true
}
