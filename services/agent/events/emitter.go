// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handler processes one event. It runs on the emitting goroutine; slow
// handlers slow the engine.
type Handler func(event *Event)

// Subscription ties a handler to an optional type filter.
type Subscription struct {
	ID      string
	Handler Handler

	// Types limits which event kinds reach the handler (nil = all).
	Types []Type
}

// Emitter broadcasts engine events to subscribers and keeps a bounded
// replay buffer for late subscribers (the websocket fan-out attaches
// after planning has begun).
//
// Thread Safety: safe for concurrent use. Emission is serialized: two
// concurrent Emit calls deliver their events in a single total order,
// and every subscriber observes that order.
type Emitter struct {
	// emitMu serializes emission so buffer order and delivery order
	// cannot diverge.
	emitMu sync.Mutex

	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	buffer        []Event
	bufferSize    int
	sessionID     string
	turnID        string
	currentPhase  int
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithBufferSize sets the replay buffer capacity.
func WithBufferSize(size int) EmitterOption {
	return func(e *Emitter) {
		if size > 0 {
			e.bufferSize = size
		}
	}
}

// WithTurn stamps every event with the session and turn identifiers.
func WithTurn(sessionID, turnID string) EmitterOption {
	return func(e *Emitter) {
		e.sessionID = sessionID
		e.turnID = turnID
	}
}

// NewEmitter creates an emitter. The zero phase marker is -1 until
// SetPhase is called.
func NewEmitter(opts ...EmitterOption) *Emitter {
	e := &Emitter{
		subscriptions: make(map[string]*Subscription),
		bufferSize:    1000,
		currentPhase:  -1,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.buffer = make([]Event, 0, e.bufferSize)
	return e
}

// Subscribe registers a handler for the given event types (none = all).
// Returns the subscription ID for Unsubscribe.
func (e *Emitter) Subscribe(handler Handler, types ...Type) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub := &Subscription{
		ID:      uuid.NewString(),
		Handler: handler,
		Types:   types,
	}
	e.subscriptions[sub.ID] = sub
	return sub.ID
}

// SubscribeWithReplay atomically registers a handler and returns the
// events already buffered, oldest first.
//
// Description:
//
//	A plain Subscribe followed by Buffer can miss an event that is
//	mid-emission between the two calls. SubscribeWithReplay holds the
//	emission lock across both steps, so every event is either in the
//	returned replay slice or delivered to the handler, never neither
//	and never both.
//
// Outputs:
//
//	string - The subscription ID for Unsubscribe.
//	[]Event - The buffered events at the moment of subscription.
//
// Thread Safety: safe for concurrent use.
func (e *Emitter) SubscribeWithReplay(handler Handler, types ...Type) (string, []Event) {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	sub := &Subscription{
		ID:      uuid.NewString(),
		Handler: handler,
		Types:   types,
	}
	e.subscriptions[sub.ID] = sub

	replay := make([]Event, len(e.buffer))
	copy(replay, e.buffer)
	return sub.ID, replay
}

// Unsubscribe removes a subscription. Returns false if the ID is unknown.
func (e *Emitter) Unsubscribe(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.subscriptions[id]; !ok {
		return false
	}
	delete(e.subscriptions, id)
	return true
}

// Emit broadcasts an event to all matching subscribers and buffers it.
//
// Description:
//
//	The event is stamped with the emitter's turn identifiers and the
//	current phase marker. Handler panics are recovered so one failing
//	subscriber cannot take down the engine or starve other subscribers.
//
// Thread Safety: safe for concurrent use; see the Emitter invariant.
func (e *Emitter) Emit(eventType Type, data any) {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()

	e.mu.RLock()
	subs := make([]*Subscription, 0, len(e.subscriptions))
	for _, sub := range e.subscriptions {
		subs = append(subs, sub)
	}
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		SessionID: e.sessionID,
		TurnID:    e.turnID,
		Timestamp: time.Now().UTC(),
		Phase:     e.currentPhase,
		Data:      data,
	}
	e.mu.RUnlock()

	e.mu.Lock()
	if len(e.buffer) >= e.bufferSize {
		e.buffer = e.buffer[1:]
	}
	e.buffer = append(e.buffer, event)
	e.mu.Unlock()

	for _, sub := range subs {
		if !matchesType(sub.Types, event.Type) {
			continue
		}
		invokeHandler(sub.Handler, &event)
	}
}

// invokeHandler calls a handler with panic recovery.
func invokeHandler(handler Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked",
				slog.String("event_type", string(event.Type)),
				slog.String("event_id", event.ID),
				slog.Any("panic", r),
			)
		}
	}()
	handler(event)
}

func matchesType(types []Type, t Type) bool {
	if len(types) == 0 {
		return true
	}
	for _, want := range types {
		if want == t {
			return true
		}
	}
	return false
}

// SetPhase updates the phase marker stamped on future events. Use -1
// when execution leaves phase scope.
func (e *Emitter) SetPhase(phase int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.currentPhase = phase
}

// Buffer returns a copy of the buffered events, oldest first.
func (e *Emitter) Buffer() []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Event, len(e.buffer))
	copy(out, e.buffer)
	return out
}

// BufferByType returns buffered events of one kind, oldest first.
func (e *Emitter) BufferByType(eventType Type) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Event
	for _, event := range e.buffer {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

// SubscriptionCount returns the number of active subscriptions.
func (e *Emitter) SubscriptionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscriptions)
}

// Reset drops all subscriptions and buffered events. Test hook.
func (e *Emitter) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.subscriptions = make(map[string]*Subscription)
	e.buffer = make([]Event, 0, e.bufferSize)
	e.currentPhase = -1
}

// Recorder collects events for assertions in tests. Attach with
// emitter.Subscribe(rec.Handle).
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Handle is a Handler that records the event.
func (r *Recorder) Handle(event *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *event)
}

// Events returns a copy of everything recorded, in delivery order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByType returns recorded events of one kind, in delivery order.
func (r *Recorder) ByType(eventType Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, event := range r.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

// Types returns the kinds recorded, in delivery order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.events))
	for i, event := range r.events {
		out[i] = event.Type
	}
	return out
}
