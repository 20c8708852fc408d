// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agent provides the plan-construction and execution engine that
// turns a natural-language goal into a validated multi-phase workflow and
// runs it against an external tool backend.
//
// The package owns the shared data model (Plan, Phase, ArgumentValue,
// ExecutionTrace, WorkflowState) and the Workflow Coordinator that drives a
// turn end to end. The strategic planner, rewrite passes, phase executor,
// orchestrators, resolver, and distiller live in subpackages and are wired
// into the Coordinator through the interfaces declared in contracts.go.
//
// Thread Safety:
//
//	Plan and Phase are mutated only by the planner's rewrite passes and by
//	correction patches inside a single turn's goroutine; they are not safe
//	for concurrent mutation. ExecutionTrace and WorkflowState carry their
//	own locks because parallel loop iterations may append concurrently.
package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Phase and Target Model
// =============================================================================

// PhaseKind distinguishes a single-shot phase from a loop phase.
type PhaseKind string

const (
	// PhaseStandard executes its target once.
	PhaseStandard PhaseKind = "standard"

	// PhaseLoop executes its target once per item of LoopOver.
	PhaseLoop PhaseKind = "loop"
)

// TargetKind distinguishes tool-backed targets from prompt-backed targets.
type TargetKind string

const (
	// TargetTool is executed against the tool backend.
	TargetTool TargetKind = "tool"

	// TargetPrompt is executed as a templated LLM call.
	TargetPrompt TargetKind = "prompt"
)

// Target names one tool or prompt a phase invokes.
type Target struct {
	// Kind is tool or prompt.
	Kind TargetKind `json:"kind"`

	// Name is the catalog name of the tool or prompt.
	Name string `json:"name"`
}

// String returns "kind:name" for logs and trace output.
func (t Target) String() string {
	return string(t.Kind) + ":" + t.Name
}

// IsZero reports whether the target is unset.
func (t Target) IsZero() bool {
	return t.Name == ""
}

// ArgKind tags the variant held by an ArgumentValue.
type ArgKind string

const (
	// ArgLiteral is a concrete value supplied by the planner or a pass.
	ArgLiteral ArgKind = "literal"

	// ArgPhaseResult references the stored result of an earlier phase.
	ArgPhaseResult ArgKind = "phase_result"

	// ArgLoopItem references a key of the current loop item.
	ArgLoopItem ArgKind = "loop_item"
)

// ArgumentValue is the canonical tagged union for phase arguments.
//
// Description:
//
//	Every reference spelling the planning LLM emits ("$phase_3.rows",
//	"{{phase.3.rows}}", "result_of_phase_3", "<item.date>", ...) is
//	normalized into exactly one of three variants before validation runs:
//	Literal, PhaseResultRef, or LoopItemRef. Rewrite passes and the
//	resolver operate only on this form.
//
// Thread Safety: values are copied by assignment; safe to share once built.
type ArgumentValue struct {
	// Kind selects the variant.
	Kind ArgKind `json:"kind"`

	// Literal holds the concrete value when Kind == ArgLiteral.
	Literal any `json:"literal,omitempty"`

	// Phase is the 1-based index of the referenced phase when
	// Kind == ArgPhaseResult. Zero means the injected previous-turn slot.
	Phase int `json:"phase,omitempty"`

	// Key selects a field of the referenced result or loop item.
	// Empty means the whole payload.
	Key string `json:"key,omitempty"`
}

// LiteralValue builds a Literal argument.
func LiteralValue(v any) ArgumentValue {
	return ArgumentValue{Kind: ArgLiteral, Literal: v}
}

// PhaseRef builds a PhaseResultRef argument.
//
// Inputs:
//
//	phase - 1-based index of the producing phase. Zero refers to the
//	        hydrated previous-turn slot (see WorkflowState).
//	key - Optional field selector into the stored payload.
func PhaseRef(phase int, key string) ArgumentValue {
	return ArgumentValue{Kind: ArgPhaseResult, Phase: phase, Key: key}
}

// LoopItemValue builds a LoopItemRef argument.
func LoopItemValue(key string) ArgumentValue {
	return ArgumentValue{Kind: ArgLoopItem, Key: key}
}

// IsLiteral reports whether the value is a concrete literal.
func (a ArgumentValue) IsLiteral() bool {
	return a.Kind == ArgLiteral
}

// IsResolved reports whether the value needs no further lookup to execute.
// Only literals are resolved; references require the resolver.
func (a ArgumentValue) IsResolved() bool {
	return a.Kind == ArgLiteral && a.Literal != nil
}

// String renders the value for logs without dumping large literals.
func (a ArgumentValue) String() string {
	switch a.Kind {
	case ArgPhaseResult:
		if a.Key != "" {
			return fmt.Sprintf("phase(%d).%s", a.Phase, a.Key)
		}
		return fmt.Sprintf("phase(%d)", a.Phase)
	case ArgLoopItem:
		if a.Key != "" {
			return "item." + a.Key
		}
		return "item"
	default:
		s := fmt.Sprintf("%v", a.Literal)
		if len(s) > 64 {
			s = s[:61] + "..."
		}
		return s
	}
}

// argumentValueJSON is the wire shape for ArgumentValue. Exactly one of the
// three canonical spellings is accepted; free-form spellings are the
// planner's normalization problem, not the codec's.
type argumentValueJSON struct {
	Literal   any    `json:"literal,omitempty"`
	FromPhase *int   `json:"from_phase,omitempty"`
	Item      *bool  `json:"item,omitempty"`
	Key       string `json:"key,omitempty"`
}

// MarshalJSON encodes the canonical wire form.
func (a ArgumentValue) MarshalJSON() ([]byte, error) {
	switch a.Kind {
	case ArgPhaseResult:
		p := a.Phase
		return json.Marshal(argumentValueJSON{FromPhase: &p, Key: a.Key})
	case ArgLoopItem:
		t := true
		return json.Marshal(argumentValueJSON{Item: &t, Key: a.Key})
	default:
		return json.Marshal(argumentValueJSON{Literal: a.Literal})
	}
}

// UnmarshalJSON decodes the canonical wire form.
func (a *ArgumentValue) UnmarshalJSON(data []byte) error {
	var w argumentValueJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch {
	case w.FromPhase != nil:
		*a = PhaseRef(*w.FromPhase, w.Key)
	case w.Item != nil && *w.Item:
		*a = LoopItemValue(w.Key)
	default:
		*a = LiteralValue(w.Literal)
	}
	return nil
}

// Phase is one step of a Plan.
//
// A phase is created by the planner or a rewrite pass, mutated in place by
// later passes and by correction patches while it executes, and frozen once
// it has completed.
type Phase struct {
	// Index is the 1-based position within the plan. Contiguous.
	Index int `json:"index"`

	// Goal is the natural-language objective of this step.
	Goal string `json:"goal"`

	// Kind is standard or loop.
	Kind PhaseKind `json:"kind"`

	// Target is the tool or prompt this phase invokes.
	Target Target `json:"target"`

	// Arguments maps argument names to canonical values.
	Arguments map[string]ArgumentValue `json:"arguments,omitempty"`

	// LoopOver is the sequence source for loop phases.
	LoopOver *ArgumentValue `json:"loop_over,omitempty"`

	// NeedsRefinement marks a phase whose required argument was stripped
	// during validation; the executor must take the slow path for it.
	NeedsRefinement bool `json:"needs_refinement,omitempty"`
}

// Clone returns a deep copy. Literal payloads are shared, which is safe
// because literals are never mutated after normalization.
func (p *Phase) Clone() *Phase {
	cp := *p
	if p.Arguments != nil {
		cp.Arguments = make(map[string]ArgumentValue, len(p.Arguments))
		for k, v := range p.Arguments {
			cp.Arguments[k] = v
		}
	}
	if p.LoopOver != nil {
		lo := *p.LoopOver
		cp.LoopOver = &lo
	}
	return &cp
}

// IsLoop reports whether the phase iterates over a sequence.
func (p *Phase) IsLoop() bool {
	return p.Kind == PhaseLoop
}

// =============================================================================
// Plan
// =============================================================================

// PlanType classifies the overall shape of a plan for the final-phase
// guarantee and report synthesis.
type PlanType string

const (
	// PlanStandard is a tool-driven plan that must end in a reporting phase.
	PlanStandard PlanType = "standard"

	// PlanConversational answers directly without tools; no reporting
	// phase is appended.
	PlanConversational PlanType = "conversational"

	// PlanContextSynthesis builds an answer from retrieved documents; it is
	// its own report and is exempt from the final-phase guarantee.
	PlanContextSynthesis PlanType = "context_synthesis"
)

// Plan is an ordered sequence of phases, 1-indexed and contiguous.
//
// Invariant: after deterministic validation has run, every PhaseResultRef
// points strictly backwards (referenced index < referencing index), except
// the zero index reserved for hydrated previous-turn data.
type Plan struct {
	// ID identifies this plan instance across snapshots.
	ID string `json:"id"`

	// Type classifies the plan. Defaults to PlanStandard.
	Type PlanType `json:"type"`

	// Phases are the ordered steps.
	Phases []*Phase `json:"phases"`
}

// NewPlan creates an empty plan with a fresh ID.
func NewPlan(t PlanType) *Plan {
	return &Plan{ID: uuid.NewString(), Type: t}
}

// Len returns the number of phases.
func (pl *Plan) Len() int {
	return len(pl.Phases)
}

// PhaseAt returns the phase with the given 1-based index, or nil.
func (pl *Plan) PhaseAt(index int) *Phase {
	if index < 1 || index > len(pl.Phases) {
		return nil
	}
	return pl.Phases[index-1]
}

// LastPhase returns the final phase, or nil for an empty plan.
func (pl *Plan) LastPhase() *Phase {
	if len(pl.Phases) == 0 {
		return nil
	}
	return pl.Phases[len(pl.Phases)-1]
}

// Clone deep-copies the plan so a snapshot survives later rewrites.
func (pl *Plan) Clone() *Plan {
	cp := &Plan{ID: pl.ID, Type: pl.Type}
	cp.Phases = make([]*Phase, len(pl.Phases))
	for i, ph := range pl.Phases {
		cp.Phases[i] = ph.Clone()
	}
	return cp
}

// Reindex rewrites phase indices to 1..n in slice order. It does not touch
// references; callers that reorder phases must fix references themselves,
// which is why passes use InsertPhase and ReplaceRange instead.
func (pl *Plan) Reindex() {
	for i, ph := range pl.Phases {
		ph.Index = i + 1
	}
}

// InsertPhase inserts ph so it becomes the phase at 1-based position at,
// shifting later phases up and rewriting every PhaseResultRef that pointed
// at a shifted phase.
//
// Description:
//
//	Used by temporal injection (insert a current-date phase at position 1)
//	and by loop-synthesis insertion. References to phases >= at are
//	incremented, including LoopOver sources. References to earlier phases
//	and the hydrated zero index are untouched.
func (pl *Plan) InsertPhase(at int, ph *Phase) {
	if at < 1 {
		at = 1
	}
	if at > len(pl.Phases)+1 {
		at = len(pl.Phases) + 1
	}
	shift := func(a *ArgumentValue) {
		if a.Kind == ArgPhaseResult && a.Phase >= at {
			a.Phase++
		}
	}
	for _, existing := range pl.Phases {
		for k, v := range existing.Arguments {
			shift(&v)
			existing.Arguments[k] = v
		}
		if existing.LoopOver != nil {
			shift(existing.LoopOver)
		}
	}
	ph.Index = at
	pl.Phases = append(pl.Phases, nil)
	copy(pl.Phases[at:], pl.Phases[at-1:])
	pl.Phases[at-1] = ph
	pl.Reindex()
}

// ReplaceRange replaces phases [from..to] (1-based, inclusive) with a single
// replacement phase, collapsing references into it and shifting references
// past the range down.
//
// Description:
//
//	Used by consolidation: references to any replaced phase are rewritten
//	to point at the replacement; references beyond the range are reduced by
//	the number of removed phases.
func (pl *Plan) ReplaceRange(from, to int, replacement *Phase) {
	if from < 1 || to > len(pl.Phases) || from > to {
		return
	}
	removed := to - from
	remap := func(a *ArgumentValue) {
		if a.Kind != ArgPhaseResult {
			return
		}
		switch {
		case a.Phase >= from && a.Phase <= to:
			a.Phase = from
		case a.Phase > to:
			a.Phase -= removed
		}
	}
	replacement.Index = from
	rest := make([]*Phase, 0, len(pl.Phases)-removed)
	rest = append(rest, pl.Phases[:from-1]...)
	rest = append(rest, replacement)
	rest = append(rest, pl.Phases[to:]...)
	pl.Phases = rest
	pl.Reindex()
	for _, ph := range pl.Phases {
		for k, v := range ph.Arguments {
			remap(&v)
			ph.Arguments[k] = v
		}
		if ph.LoopOver != nil {
			remap(ph.LoopOver)
		}
	}
}

// RemovePhase deletes the phase at 1-based position at, rewriting
// references so the plan stays contiguous.
//
// Description:
//
//	Used by validation corrections that strip phases whose targets do not
//	exist or are excluded by constraints. References to the removed phase
//	fall back to its predecessor; when there is no predecessor they become
//	nil literals, and a LoopOver that loses its source is cleared so the
//	phase degrades to a standard phase. References past the removed phase
//	shift down by one.
func (pl *Plan) RemovePhase(at int) {
	if at < 1 || at > len(pl.Phases) {
		return
	}
	remap := func(a *ArgumentValue) bool {
		if a.Kind != ArgPhaseResult {
			return true
		}
		switch {
		case a.Phase == at:
			if at == 1 {
				return false
			}
			a.Phase = at - 1
		case a.Phase > at:
			a.Phase--
		}
		return true
	}
	pl.Phases = append(pl.Phases[:at-1], pl.Phases[at:]...)
	pl.Reindex()
	for _, ph := range pl.Phases {
		for k, v := range ph.Arguments {
			if remap(&v) {
				ph.Arguments[k] = v
			} else {
				ph.Arguments[k] = LiteralValue(nil)
			}
		}
		if ph.LoopOver != nil && !remap(ph.LoopOver) {
			ph.LoopOver = nil
		}
	}
}

// Validate checks the structural invariants: contiguous 1-based indices and
// no forward references outside the hydrated zero slot.
//
// Outputs:
//
//	error - Non-nil naming the first violated invariant.
func (pl *Plan) Validate() error {
	for i, ph := range pl.Phases {
		if ph.Index != i+1 {
			return fmt.Errorf("phase at position %d has index %d: %w", i+1, ph.Index, ErrPlanNotContiguous)
		}
		check := func(a ArgumentValue, what string) error {
			if a.Kind == ArgPhaseResult && a.Phase >= ph.Index {
				return fmt.Errorf("phase %d %s references phase %d: %w", ph.Index, what, a.Phase, ErrForwardReference)
			}
			return nil
		}
		for name, v := range ph.Arguments {
			if err := check(v, "argument "+name); err != nil {
				return err
			}
		}
		if ph.LoopOver != nil {
			if err := check(*ph.LoopOver, "loop_over"); err != nil {
				return err
			}
		}
	}
	return nil
}

// =============================================================================
// Execution Trace
// =============================================================================

// TraceStatus classifies a trace entry's result.
type TraceStatus string

const (
	// TraceSuccess is a completed call with a usable payload.
	TraceSuccess TraceStatus = "success"

	// TraceError is a failed call; ErrorText holds the backend's message.
	TraceError TraceStatus = "error"

	// TraceSkipped records a call that was planned but not issued.
	TraceSkipped TraceStatus = "skipped"

	// TraceInfo records engine decisions that are not physical calls,
	// such as an applied correction.
	TraceInfo TraceStatus = "info"
)

// TraceAction is the resolved request side of a trace entry.
type TraceAction struct {
	// Target is the invoked tool or prompt.
	Target Target `json:"target"`

	// Arguments are the fully resolved argument values sent to the target.
	Arguments map[string]any `json:"arguments,omitempty"`
}

// TraceResult is the response side of a trace entry.
type TraceResult struct {
	// Status classifies the outcome.
	Status TraceStatus `json:"status"`

	// Payload is the returned data for success entries.
	Payload any `json:"payload,omitempty"`

	// ErrorText is the backend or engine error message for error entries.
	ErrorText string `json:"error_text,omitempty"`

	// Metadata carries provenance such as orchestrator expansion keys,
	// token counts, and latency.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TraceEntry records one physical tool or LLM call, including calls made
// inside an orchestrator's expansion.
type TraceEntry struct {
	// ID is a unique entry identifier.
	ID string `json:"id"`

	// PhaseIndex is the plan phase this call belongs to.
	PhaseIndex int `json:"phase_index"`

	// Action is what was invoked with which resolved arguments.
	Action TraceAction `json:"action"`

	// Result is what came back.
	Result TraceResult `json:"result"`

	// CreatedAt is when the entry was appended (Unix milliseconds UTC).
	CreatedAt int64 `json:"created_at"`
}

// ExecutionTrace is the append-only record of what actually happened during
// a turn, distinct from the Plan (what was intended).
//
// Thread Safety: Append and read methods are safe for concurrent use so
// parallel loop iterations can record entries.
type ExecutionTrace struct {
	mu      sync.Mutex
	entries []TraceEntry
}

// NewExecutionTrace returns an empty trace.
func NewExecutionTrace() *ExecutionTrace {
	return &ExecutionTrace{}
}

// Append adds an entry, assigning its ID and timestamp when unset, and
// returns the stored entry. Entries are immutable once appended.
func (t *ExecutionTrace) Append(e TraceEntry) TraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().UnixMilli()
	}
	t.entries = append(t.entries, e)
	return e
}

// Len returns the number of entries.
func (t *ExecutionTrace) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Entries returns a copy of all entries in append order.
func (t *ExecutionTrace) Entries() []TraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TraceEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// EntriesForPhase returns copies of the entries recorded for one phase.
func (t *ExecutionTrace) EntriesForPhase(index int) []TraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []TraceEntry
	for _, e := range t.entries {
		if e.PhaseIndex == index {
			out = append(out, e)
		}
	}
	return out
}

// LastError returns the most recent error entry, or nil.
func (t *ExecutionTrace) LastError() *TraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.entries) - 1; i >= 0; i-- {
		if t.entries[i].Result.Status == TraceError {
			e := t.entries[i]
			return &e
		}
	}
	return nil
}

// =============================================================================
// Workflow State
// =============================================================================

// InjectedPhase is the reserved phase index for previous-turn data hydrated
// by the planner. PhaseResultRefs with Phase == InjectedPhase read from the
// injected slot instead of a phase of the current plan.
const InjectedPhase = 0

// PhaseResult is a completed phase's stored outcome.
type PhaseResult struct {
	// Payload is the distilled result used by later phases.
	Payload any `json:"payload"`

	// Handle references the full pre-distillation payload held by the
	// distiller for final reporting. Empty when nothing was distilled away.
	Handle string `json:"handle,omitempty"`

	// CompletedAt is when the phase finished (Unix milliseconds UTC).
	CompletedAt int64 `json:"completed_at"`
}

// InjectedTurnData is a previous turn's result hydrated into this turn.
type InjectedTurnData struct {
	// Payload is the previous turn's stored result payload.
	Payload any `json:"payload"`

	// SourceTurn is the turn ID the payload came from.
	SourceTurn string `json:"source_turn,omitempty"`

	// SourceTarget is the target whose result was matched.
	SourceTarget string `json:"source_target,omitempty"`
}

// WorkflowState maps completed phase indices to their distilled results and
// carries the injected previous-turn slot.
//
// Owned by the Workflow Coordinator for the duration of one turn; the
// executor writes results, the resolver reads them.
//
// Thread Safety: safe for concurrent use.
type WorkflowState struct {
	mu       sync.RWMutex
	results  map[int]*PhaseResult
	injected *InjectedTurnData
}

// NewWorkflowState returns an empty state.
func NewWorkflowState() *WorkflowState {
	return &WorkflowState{results: make(map[int]*PhaseResult)}
}

// SetResult records a phase's distilled outcome. Recording a phase twice
// overwrites, which only happens when a recovery plan explicitly re-runs it.
func (w *WorkflowState) SetResult(index int, r *PhaseResult) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if r.CompletedAt == 0 {
		r.CompletedAt = time.Now().UnixMilli()
	}
	w.results[index] = r
}

// Result returns the stored result for a phase index.
func (w *WorkflowState) Result(index int) (*PhaseResult, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	r, ok := w.results[index]
	return r, ok
}

// Completed returns the sorted indices of completed phases.
func (w *WorkflowState) Completed() []int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]int, 0, len(w.results))
	for idx := range w.results {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// InjectPreviousTurn fills the hydration slot read by PhaseResultRefs with
// Phase == InjectedPhase.
func (w *WorkflowState) InjectPreviousTurn(d *InjectedTurnData) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.injected = d
}

// InjectedPreviousTurn returns the hydration slot, or nil.
func (w *WorkflowState) InjectedPreviousTurn() *InjectedTurnData {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.injected
}

// Snapshot returns a copy of the completed-phase results keyed by index,
// for result assembly and persistence.
func (w *WorkflowState) Snapshot() map[int]*PhaseResult {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[int]*PhaseResult, len(w.results))
	for k, v := range w.results {
		cp := *v
		out[k] = &cp
	}
	return out
}

// =============================================================================
// Corrections
// =============================================================================

// CorrectionAttempt records one pass through the correction strategy chain.
// It lives inside a single executor invocation; the trace entry it produces
// is the only durable artifact.
type CorrectionAttempt struct {
	// Strategy is the name of the matched strategy.
	Strategy string `json:"strategy"`

	// MatchedError is the error text the strategy matched.
	MatchedError string `json:"matched_error"`

	// ProposedAction is the corrected action to retry, if any.
	ProposedAction *TraceAction `json:"proposed_action,omitempty"`

	// ProposedFinalAnswer short-circuits the phase with a textual answer
	// instead of another tool call.
	ProposedFinalAnswer string `json:"proposed_final_answer,omitempty"`

	// AttemptNumber is 1-based within the phase's retry budget.
	AttemptNumber int `json:"attempt_number"`
}

// =============================================================================
// Turn Request and Result
// =============================================================================

// HistoryEntry is one prior conversation turn handed to the planner.
type HistoryEntry struct {
	// Role is "user" or "assistant".
	Role string `json:"role"`

	// Content is the turn's text, already scrubbed by the caller.
	Content string `json:"content"`
}

// PlanConstraints bound what the planner may produce for a turn.
type PlanConstraints struct {
	// MaxPhases caps plan length. Zero applies the configured default.
	MaxPhases int `json:"max_phases,omitempty"`

	// ExcludedTargets are catalog names the plan must not use, populated
	// by autonomous recovery after repeated failures.
	ExcludedTargets []string `json:"excluded_targets,omitempty"`
}

// Excluded reports whether a target name is barred by the constraints.
func (c PlanConstraints) Excluded(name string) bool {
	for _, t := range c.ExcludedTargets {
		if t == name {
			return true
		}
	}
	return false
}

// TurnRequest starts one engine turn.
type TurnRequest struct {
	// TurnID identifies the turn. Assigned by the Coordinator when empty.
	TurnID string `json:"turn_id"`

	// SessionID groups turns for previous-turn hydration.
	SessionID string `json:"session_id"`

	// Goal is the user's natural-language objective.
	Goal string `json:"goal"`

	// History is the scrubbed conversation so far.
	History []HistoryEntry `json:"history,omitempty"`

	// Constraints bound plan generation.
	Constraints PlanConstraints `json:"constraints,omitempty"`
}

// TurnStatus is the terminal status of a turn.
type TurnStatus string

const (
	// TurnCompleted means the reporting phase produced an answer.
	TurnCompleted TurnStatus = "completed"

	// TurnFailed means the turn ended with a classified engine error;
	// partial results are still surfaced.
	TurnFailed TurnStatus = "failed"

	// TurnCancelled means cancellation stopped the turn at a suspension
	// point; completed phases are preserved.
	TurnCancelled TurnStatus = "cancelled"
)

// TokenUsage aggregates LLM token counts across a turn.
type TokenUsage struct {
	// Input is the total prompt tokens consumed.
	Input int `json:"input"`

	// Output is the total completion tokens produced.
	Output int `json:"output"`
}

// Add accumulates another call's counts.
func (u *TokenUsage) Add(in, out int) {
	u.Input += in
	u.Output += out
}

// TurnResult is what the Coordinator returns to the caller.
//
// A failed turn still carries every completed phase's result and the full
// trace; partial work is never silently discarded.
type TurnResult struct {
	// TurnID identifies the turn.
	TurnID string `json:"turn_id"`

	// SessionID is the owning session.
	SessionID string `json:"session_id"`

	// Status is the terminal status.
	Status TurnStatus `json:"status"`

	// Answer is the reporting phase's output for completed turns, or a
	// correction strategy's proposed final answer.
	Answer string `json:"answer,omitempty"`

	// PlanGenerated is the plan as parsed from the model, before rewriting.
	PlanGenerated *Plan `json:"plan_generated,omitempty"`

	// PlanRewritten is the plan the engine actually ran.
	PlanRewritten *Plan `json:"plan_rewritten,omitempty"`

	// Results are the completed phases' distilled payloads.
	Results map[int]*PhaseResult `json:"results,omitempty"`

	// Trace is the full execution trace in append order.
	Trace []TraceEntry `json:"trace,omitempty"`

	// Err is the classified failure for failed turns.
	Err *EngineError `json:"error,omitempty"`

	// Tokens is the turn's aggregate LLM usage.
	Tokens TokenUsage `json:"tokens"`

	// StartedAt and FinishedAt bound the turn (Unix milliseconds UTC).
	StartedAt  int64 `json:"started_at"`
	FinishedAt int64 `json:"finished_at"`
}
