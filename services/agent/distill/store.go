// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package distill

import (
	"sync"

	"github.com/google/uuid"
)

// DefaultMaxEntries bounds the handle store. A turn parks at most a
// handful of payloads; the bound guards against a leaking caller.
const DefaultMaxEntries = 256

// Store parks full payloads under opaque handles until the reporting
// phase, or an operator inspecting a trace, asks for them back.
//
// Thread Safety: safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	payloads   map[string]any
	order      []string
	maxEntries int
}

// NewStore creates an empty store with the default bound.
func NewStore() *Store {
	return &Store{
		payloads:   make(map[string]any),
		maxEntries: DefaultMaxEntries,
	}
}

// Put parks a payload and returns its handle. When the store is full
// the oldest entry is dropped.
func (s *Store) Put(payload any) string {
	handle := "res_" + uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.order) >= s.maxEntries {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.payloads, oldest)
	}
	s.payloads[handle] = payload
	s.order = append(s.order, handle)
	return handle
}

// Get returns the payload parked under handle.
func (s *Store) Get(handle string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.payloads[handle]
	return v, ok
}

// Len reports the number of parked payloads.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.payloads)
}

// Clear drops every parked payload. Called between turns.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = make(map[string]any)
	s.order = nil
}
