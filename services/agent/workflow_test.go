// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/kodiak/services/agent/config"
	"github.com/AleutianAI/kodiak/services/agent/events"
)

// =============================================================================
// Fakes
// =============================================================================

type plannedReply struct {
	artifacts *PlanArtifacts
	err       error
}

type fakePlanner struct {
	mu      sync.Mutex
	replies []plannedReply
	calls   []*PlanRequest
}

func (p *fakePlanner) GeneratePlan(_ context.Context, req *PlanRequest) (*PlanArtifacts, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if len(p.replies) == 0 {
		return nil, errors.New("no scripted plan")
	}
	r := p.replies[0]
	p.replies = p.replies[1:]
	return r.artifacts, r.err
}

func (p *fakePlanner) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *fakePlanner) call(i int) *PlanRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[i]
}

type fakeRunner struct {
	mu       sync.Mutex
	executed []string
	behave   func(ctx context.Context, ph *Phase, state *WorkflowState, trace *ExecutionTrace) *PhaseOutcome
}

func (f *fakeRunner) ExecutePhase(ctx context.Context, ph *Phase, state *WorkflowState, trace *ExecutionTrace) *PhaseOutcome {
	f.mu.Lock()
	f.executed = append(f.executed, ph.Target.Name)
	f.mu.Unlock()
	return f.behave(ctx, ph, state, trace)
}

func (f *fakeRunner) targets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.executed)
}

// okPhase records a distilled payload and a trace entry the way the real
// executor does, then reports success.
func okPhase(_ context.Context, ph *Phase, state *WorkflowState, trace *ExecutionTrace) *PhaseOutcome {
	var payload any = map[string]any{"target": ph.Target.Name}
	if ph.Target.Name == "compose_report" {
		payload = map[string]any{"report": "CPU is fine."}
	}
	state.SetResult(ph.Index, &PhaseResult{Payload: payload})
	trace.Append(TraceEntry{
		PhaseIndex: ph.Index,
		Action:     TraceAction{Target: ph.Target},
		Result:     TraceResult{Status: TraceSuccess, Payload: payload},
	})
	return &PhaseOutcome{
		Phase:    ph.Index,
		Success:  true,
		Attempts: 1,
		Tokens:   TokenUsage{Input: 3, Output: 2},
	}
}

type fakeStore struct {
	mu        sync.Mutex
	saved     []*TurnRecord
	lastTrace []TraceEntry
	traceErr  error
	saveErr   error
}

func (s *fakeStore) SaveTurn(_ context.Context, rec *TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, rec)
	return nil
}

func (s *fakeStore) LastTrace(_ context.Context, _ string) ([]TraceEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTrace, s.traceErr
}

// =============================================================================
// Builders
// =============================================================================

func testPlan(targets ...string) *Plan {
	pl := NewPlan(PlanStandard)
	for i, name := range targets {
		pl.Phases = append(pl.Phases, testPhase(i+1, name))
	}
	return pl
}

func testArtifacts(pl *Plan) *PlanArtifacts {
	return &PlanArtifacts{
		Generated: pl.Clone(),
		Plan:      pl,
		Tokens:    TokenUsage{Input: 10, Output: 5},
	}
}

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Default(context.Background())
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	snap := cfg.Snapshot()
	snap.TurnTimeout = 0
	return snap
}

func fixedConfig(cfg *config.Config) CoordinatorOption {
	return WithConfigSource(func(context.Context) (*config.Config, error) {
		return cfg, nil
	})
}

func testCoordinator(p PlanService, r PhaseRunner, opts ...CoordinatorOption) *Coordinator {
	factory := func(env *TurnEnv) PhaseRunner { return r }
	return NewCoordinator(p, factory, opts...)
}

// =============================================================================
// Tests
// =============================================================================

func TestRunTurn_CompletesAndAssemblesResult(t *testing.T) {
	planner := &fakePlanner{replies: []plannedReply{
		{artifacts: testArtifacts(testPlan("query_metrics", "compose_report"))},
	}}
	runner := &fakeRunner{behave: okPhase}
	c := testCoordinator(planner, runner, fixedConfig(baseConfig(t)))

	res, err := c.RunTurn(context.Background(), &TurnRequest{
		SessionID: "s1",
		Goal:      "Summarize cpu usage",
	})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Status != TurnCompleted {
		t.Fatalf("status = %s, want %s (err=%v)", res.Status, TurnCompleted, res.Err)
	}
	if res.TurnID == "" {
		t.Error("expected an assigned turn ID")
	}
	if res.Answer != "CPU is fine." {
		t.Errorf("answer = %q", res.Answer)
	}
	if len(res.Results) != 2 {
		t.Errorf("results = %d phases, want 2", len(res.Results))
	}
	if len(res.Trace) != 2 {
		t.Errorf("trace = %d entries, want 2", len(res.Trace))
	}
	if res.PlanGenerated == nil || res.PlanRewritten == nil {
		t.Error("expected both plan snapshots on the result")
	}
	// Planner tokens plus two phases.
	if res.Tokens.Input != 16 || res.Tokens.Output != 9 {
		t.Errorf("tokens = %+v, want {16 9}", res.Tokens)
	}
	if res.FinishedAt < res.StartedAt {
		t.Errorf("finished_at %d before started_at %d", res.FinishedAt, res.StartedAt)
	}

	preq := planner.call(0)
	if preq.Catalog == nil || preq.Config == nil || preq.Emitter == nil {
		t.Error("planner request is missing its per-turn snapshots")
	}

	em, err := c.Events(res.TurnID)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if got := em.BufferByType(events.TypeTurnStarted); len(got) != 1 {
		t.Errorf("turn_started events = %d, want 1", len(got))
	}
	fin := em.BufferByType(events.TypeTurnFinished)
	if len(fin) != 1 {
		t.Fatalf("turn_finished events = %d, want 1", len(fin))
	}
	data := fin[0].Data.(*events.TurnFinishedData)
	if data.Status != string(TurnCompleted) || data.PhasesRun != 2 {
		t.Errorf("turn_finished data = %+v", data)
	}
	if fin[0].SessionID != "s1" || fin[0].TurnID != res.TurnID {
		t.Errorf("event correlation = %s/%s", fin[0].SessionID, fin[0].TurnID)
	}
}

func TestRunTurn_CancelBetweenPhases(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	planner := &fakePlanner{replies: []plannedReply{
		{artifacts: testArtifacts(testPlan("current_date", "query_metrics", "compose_report"))},
	}}
	runner := &fakeRunner{}
	runner.behave = func(ctx context.Context, ph *Phase, state *WorkflowState, trace *ExecutionTrace) *PhaseOutcome {
		if ph.Target.Name == "query_metrics" {
			cancel()
		}
		return okPhase(ctx, ph, state, trace)
	}
	c := testCoordinator(planner, runner, fixedConfig(baseConfig(t)))

	res, err := c.RunTurn(ctx, &TurnRequest{SessionID: "s1", Goal: "check cpu"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Status != TurnCancelled {
		t.Fatalf("status = %s, want %s", res.Status, TurnCancelled)
	}

	// Exactly the phases finished before the stop, and nothing after.
	if got := runner.targets(); !slices.Equal(got, []string{"current_date", "query_metrics"}) {
		t.Errorf("executed = %v", got)
	}
	if len(res.Results) != 2 {
		t.Errorf("results = %d phases, want 2", len(res.Results))
	}
	for _, e := range res.Trace {
		if e.PhaseIndex > 2 {
			t.Errorf("trace has entry for phase %d after cancellation", e.PhaseIndex)
		}
	}

	em, _ := c.Events(res.TurnID)
	cancelled := em.BufferByType(events.TypeTurnCancelled)
	if len(cancelled) != 1 {
		t.Fatalf("turn_cancelled events = %d, want 1", len(cancelled))
	}
	if data := cancelled[0].Data.(*events.TurnCancelledData); data.CompletedPhases != 2 {
		t.Errorf("turn_cancelled completed = %d, want 2", data.CompletedPhases)
	}
}

func TestRunTurn_FinalAnswerShortCircuits(t *testing.T) {
	planner := &fakePlanner{replies: []plannedReply{
		{artifacts: testArtifacts(testPlan("current_date", "query_metrics", "compose_report"))},
	}}
	runner := &fakeRunner{}
	runner.behave = func(ctx context.Context, ph *Phase, state *WorkflowState, trace *ExecutionTrace) *PhaseOutcome {
		if ph.Target.Name == "query_metrics" {
			return &PhaseOutcome{Phase: ph.Index, FinalAnswer: "Nothing to report."}
		}
		return okPhase(ctx, ph, state, trace)
	}
	c := testCoordinator(planner, runner, fixedConfig(baseConfig(t)))

	res, err := c.RunTurn(context.Background(), &TurnRequest{Goal: "check cpu"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Status != TurnCompleted {
		t.Fatalf("status = %s, want %s", res.Status, TurnCompleted)
	}
	if res.Answer != "Nothing to report." {
		t.Errorf("answer = %q", res.Answer)
	}
	if got := runner.targets(); !slices.Equal(got, []string{"current_date", "query_metrics"}) {
		t.Errorf("executed = %v, the reporting phase should be skipped", got)
	}
	if len(res.Results) != 1 {
		t.Errorf("results = %d phases, want only the completed first", len(res.Results))
	}
}

func TestRunTurn_RecoveryReplacesPlan(t *testing.T) {
	cfg := baseConfig(t)
	cfg.MaxRecoveryPlans = 2

	recovered := testPlan("fetch_events", "compose_report")
	planner := &fakePlanner{replies: []plannedReply{
		{artifacts: testArtifacts(testPlan("current_date", "query_metrics", "compose_report"))},
		{artifacts: testArtifacts(recovered)},
	}}
	runner := &fakeRunner{}
	runner.behave = func(ctx context.Context, ph *Phase, state *WorkflowState, trace *ExecutionTrace) *PhaseOutcome {
		if ph.Target.Name == "query_metrics" {
			return &PhaseOutcome{
				Phase:             ph.Index,
				RecoveryRequested: true,
				FailureHistory:    []string{"timeout", "timeout", "backend exploded"},
				Err:               NewPhaseAbortedError(ph.Index, ph.Target.Name, "slow-path budget exhausted", nil),
			}
		}
		return okPhase(ctx, ph, state, trace)
	}
	c := testCoordinator(planner, runner, fixedConfig(cfg))

	res, err := c.RunTurn(context.Background(), &TurnRequest{SessionID: "s1", Goal: "check cpu"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Status != TurnCompleted {
		t.Fatalf("status = %s, want %s (err=%v)", res.Status, TurnCompleted, res.Err)
	}
	want := []string{"current_date", "query_metrics", "fetch_events", "compose_report"}
	if got := runner.targets(); !slices.Equal(got, want) {
		t.Errorf("executed = %v, want %v", got, want)
	}
	if res.PlanRewritten != recovered {
		t.Error("result should carry the recovery plan as the plan that ran")
	}

	if planner.callCount() != 2 {
		t.Fatalf("planner calls = %d, want 2", planner.callCount())
	}
	rec := planner.call(1).Recovery
	if rec == nil {
		t.Fatal("second planner call is not marked as recovery")
	}
	if rec.FailedPhase != 2 || rec.FailedTarget != "query_metrics" {
		t.Errorf("recovery failure = phase %d target %s", rec.FailedPhase, rec.FailedTarget)
	}
	if len(rec.Failures) != 3 {
		t.Errorf("recovery failures = %d, want 3", len(rec.Failures))
	}
	if !slices.Equal(rec.CompletedPhases, []int{1}) {
		t.Errorf("completed phases = %v, want [1]", rec.CompletedPhases)
	}
	if !slices.Contains(planner.call(1).Constraints.ExcludedTargets, "query_metrics") {
		t.Error("failed target not excluded from the recovery plan")
	}

	em, _ := c.Events(res.TurnID)
	if got := em.BufferByType(events.TypeRecoveryStarted); len(got) != 1 {
		t.Errorf("recovery_started events = %d, want 1", len(got))
	}
}

func TestRunTurn_RecoveryBudgetExhausted(t *testing.T) {
	cfg := baseConfig(t)
	cfg.MaxRecoveryPlans = 1

	planner := &fakePlanner{replies: []plannedReply{
		{artifacts: testArtifacts(testPlan("query_metrics"))},
		{artifacts: testArtifacts(testPlan("fetch_events"))},
	}}
	runner := &fakeRunner{}
	runner.behave = func(ctx context.Context, ph *Phase, state *WorkflowState, trace *ExecutionTrace) *PhaseOutcome {
		return &PhaseOutcome{
			Phase:             ph.Index,
			RecoveryRequested: true,
			FailureHistory:    []string{"boom"},
			Err:               NewPhaseAbortedError(ph.Index, ph.Target.Name, "slow-path budget exhausted", nil),
		}
	}
	c := testCoordinator(planner, runner, fixedConfig(cfg))

	res, err := c.RunTurn(context.Background(), &TurnRequest{Goal: "check cpu"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Status != TurnFailed {
		t.Fatalf("status = %s, want %s", res.Status, TurnFailed)
	}
	if res.Err == nil || res.Err.Type != ErrTypeRecoveryExhausted {
		t.Fatalf("err = %+v, want %s", res.Err, ErrTypeRecoveryExhausted)
	}
	if planner.callCount() != 2 {
		t.Errorf("planner calls = %d, want 2 (initial + one replan)", planner.callCount())
	}
}

func TestRunTurn_PlanGenerationFailureFails(t *testing.T) {
	planner := &fakePlanner{replies: []plannedReply{
		{err: NewPlanGenerationError("model never produced a parseable plan", nil)},
	}}
	runner := &fakeRunner{behave: okPhase}
	c := testCoordinator(planner, runner, fixedConfig(baseConfig(t)))

	res, err := c.RunTurn(context.Background(), &TurnRequest{Goal: "check cpu"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Status != TurnFailed {
		t.Fatalf("status = %s, want %s", res.Status, TurnFailed)
	}
	if res.Err == nil || res.Err.Type != ErrTypePlanGeneration {
		t.Fatalf("err = %+v, want %s", res.Err, ErrTypePlanGeneration)
	}
	if len(runner.targets()) != 0 {
		t.Error("no phase should execute without a plan")
	}

	em, _ := c.Events(res.TurnID)
	fin := em.BufferByType(events.TypeTurnFinished)
	if len(fin) != 1 || fin[0].Data.(*events.TurnFinishedData).Status != string(TurnFailed) {
		t.Errorf("turn_finished = %+v", fin)
	}
}

func TestRunTurn_DefinitiveErrorFailsTurn(t *testing.T) {
	planner := &fakePlanner{replies: []plannedReply{
		{artifacts: testArtifacts(testPlan("query_metrics", "compose_report"))},
	}}
	runner := &fakeRunner{}
	runner.behave = func(ctx context.Context, ph *Phase, state *WorkflowState, trace *ExecutionTrace) *PhaseOutcome {
		return &PhaseOutcome{
			Phase: ph.Index,
			Err:   NewDefinitiveToolError(ph.Index, ph.Target.Name, "syntax error in query"),
		}
	}
	c := testCoordinator(planner, runner, fixedConfig(baseConfig(t)))

	res, err := c.RunTurn(context.Background(), &TurnRequest{Goal: "check cpu"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Status != TurnFailed {
		t.Fatalf("status = %s, want %s", res.Status, TurnFailed)
	}
	if res.Err == nil || res.Err.Type != ErrTypeDefinitiveTool {
		t.Fatalf("err = %+v, want %s", res.Err, ErrTypeDefinitiveTool)
	}
	if planner.callCount() != 1 {
		t.Errorf("planner calls = %d, definitive errors must not trigger recovery", planner.callCount())
	}
}

func TestRunTurn_HydrationInstalled(t *testing.T) {
	artifacts := testArtifacts(testPlan("compose_report"))
	artifacts.Hydration = &InjectedTurnData{
		Payload:      map[string]any{"rows": []any{"a", "b"}},
		SourceTurn:   "t0",
		SourceTarget: "query_metrics",
	}
	planner := &fakePlanner{replies: []plannedReply{{artifacts: artifacts}}}

	var sawInjected *InjectedTurnData
	runner := &fakeRunner{}
	runner.behave = func(ctx context.Context, ph *Phase, state *WorkflowState, trace *ExecutionTrace) *PhaseOutcome {
		sawInjected = state.InjectedPreviousTurn()
		return okPhase(ctx, ph, state, trace)
	}
	c := testCoordinator(planner, runner, fixedConfig(baseConfig(t)))

	if _, err := c.RunTurn(context.Background(), &TurnRequest{Goal: "report on yesterday"}); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if sawInjected == nil || sawInjected.SourceTurn != "t0" {
		t.Errorf("injected data not installed before execution: %+v", sawInjected)
	}
}

func TestRunTurn_PersistsTurnRecord(t *testing.T) {
	prev := []TraceEntry{{PhaseIndex: 1, Result: TraceResult{Status: TraceSuccess}}}
	store := &fakeStore{lastTrace: prev}
	planner := &fakePlanner{replies: []plannedReply{
		{artifacts: testArtifacts(testPlan("query_metrics", "compose_report"))},
	}}
	runner := &fakeRunner{behave: okPhase}
	c := testCoordinator(planner, runner, fixedConfig(baseConfig(t)), WithTurnStore(store))

	res, err := c.RunTurn(context.Background(), &TurnRequest{SessionID: "s1", Goal: "check cpu"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	if got := planner.call(0).PreviousTrace; len(got) != 1 {
		t.Errorf("previous trace = %d entries, want the stored one", len(got))
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.saved) != 1 {
		t.Fatalf("saved records = %d, want 1", len(store.saved))
	}
	rec := store.saved[0]
	if rec.TurnID != res.TurnID || rec.SessionID != "s1" {
		t.Errorf("record identity = %s/%s", rec.SessionID, rec.TurnID)
	}
	if rec.Status != TurnCompleted || rec.Answer != "CPU is fine." {
		t.Errorf("record = status %s answer %q", rec.Status, rec.Answer)
	}
	if rec.Goal != "check cpu" {
		t.Errorf("record goal = %q", rec.Goal)
	}
	if len(rec.Trace) != 2 || len(rec.Results) != 2 {
		t.Errorf("record carries %d trace entries and %d results", len(rec.Trace), len(rec.Results))
	}
	if rec.EndedAt.Before(rec.StartedAt) {
		t.Error("record ends before it starts")
	}
}

func TestRunTurn_PersistFailureIsNonFatal(t *testing.T) {
	store := &fakeStore{saveErr: errors.New("disk full")}
	planner := &fakePlanner{replies: []plannedReply{
		{artifacts: testArtifacts(testPlan("compose_report"))},
	}}
	runner := &fakeRunner{behave: okPhase}
	c := testCoordinator(planner, runner, fixedConfig(baseConfig(t)), WithTurnStore(store))

	res, err := c.RunTurn(context.Background(), &TurnRequest{Goal: "check cpu"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Status != TurnCompleted {
		t.Errorf("status = %s, a persistence failure must not fail the turn", res.Status)
	}
}

func TestRunTurn_TraceLookupFailureIsNonFatal(t *testing.T) {
	store := &fakeStore{traceErr: errors.New("value log corrupt")}
	planner := &fakePlanner{replies: []plannedReply{
		{artifacts: testArtifacts(testPlan("compose_report"))},
	}}
	runner := &fakeRunner{behave: okPhase}
	c := testCoordinator(planner, runner, fixedConfig(baseConfig(t)), WithTurnStore(store))

	res, err := c.RunTurn(context.Background(), &TurnRequest{SessionID: "s1", Goal: "check cpu"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Status != TurnCompleted {
		t.Fatalf("status = %s, want %s", res.Status, TurnCompleted)
	}
	if got := planner.call(0).PreviousTrace; got != nil {
		t.Errorf("previous trace should be dropped on lookup failure, got %v", got)
	}
}

func TestRunTurn_RejectsEmptyGoal(t *testing.T) {
	c := testCoordinator(&fakePlanner{}, &fakeRunner{behave: okPhase})
	if _, err := c.RunTurn(context.Background(), &TurnRequest{Goal: "   "}); err == nil {
		t.Fatal("expected an admission error for an empty goal")
	}
}

func TestStartTurn_AsyncLifecycle(t *testing.T) {
	gate := make(chan struct{})
	planner := &fakePlanner{replies: []plannedReply{
		{artifacts: testArtifacts(testPlan("compose_report"))},
	}}
	runner := &fakeRunner{}
	runner.behave = func(ctx context.Context, ph *Phase, state *WorkflowState, trace *ExecutionTrace) *PhaseOutcome {
		<-gate
		return okPhase(ctx, ph, state, trace)
	}
	c := testCoordinator(planner, runner, fixedConfig(baseConfig(t)))

	id, err := c.StartTurn(context.Background(), &TurnRequest{SessionID: "s1", Goal: "check cpu"})
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if id == "" {
		t.Fatal("expected a turn ID")
	}

	view, err := c.GetTurn(id)
	if err != nil {
		t.Fatalf("GetTurn: %v", err)
	}
	if !view.Running || view.Result != nil {
		t.Errorf("view = %+v, want a running turn", view)
	}
	if _, err := c.Events(id); err != nil {
		t.Errorf("Events while running: %v", err)
	}
	if c.ActiveTurns() != 1 {
		t.Errorf("active turns = %d, want 1", c.ActiveTurns())
	}

	close(gate)
	view = waitFinished(t, c, id)
	if view.Result.Status != TurnCompleted {
		t.Errorf("result status = %s", view.Result.Status)
	}
	if err := c.Cancel(id); !errors.Is(err, ErrTurnNotRunning) {
		t.Errorf("Cancel after finish = %v, want ErrTurnNotRunning", err)
	}
	if c.ActiveTurns() != 0 {
		t.Errorf("active turns = %d after finish", c.ActiveTurns())
	}
}

func TestCancel_StopsRunningTurn(t *testing.T) {
	started := make(chan struct{})
	planner := &fakePlanner{replies: []plannedReply{
		{artifacts: testArtifacts(testPlan("query_metrics", "compose_report"))},
	}}
	runner := &fakeRunner{}
	runner.behave = func(ctx context.Context, ph *Phase, state *WorkflowState, trace *ExecutionTrace) *PhaseOutcome {
		close(started)
		<-ctx.Done()
		return &PhaseOutcome{
			Phase: ph.Index,
			Err:   NewPhaseAbortedError(ph.Index, ph.Target.Name, "cancelled", ctx.Err()),
		}
	}
	c := testCoordinator(planner, runner, fixedConfig(baseConfig(t)))

	id, err := c.StartTurn(context.Background(), &TurnRequest{Goal: "check cpu"})
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	<-started
	if err := c.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	view := waitFinished(t, c, id)
	if view.Result.Status != TurnCancelled {
		t.Errorf("status = %s, want %s", view.Result.Status, TurnCancelled)
	}
	if got := runner.targets(); len(got) != 1 {
		t.Errorf("executed = %v, the second phase must not start", got)
	}
}

func TestCancel_UnknownTurn(t *testing.T) {
	c := testCoordinator(&fakePlanner{}, &fakeRunner{behave: okPhase})
	if err := c.Cancel("nope"); !errors.Is(err, ErrTurnNotFound) {
		t.Errorf("Cancel = %v, want ErrTurnNotFound", err)
	}
	if _, err := c.GetTurn("nope"); !errors.Is(err, ErrTurnNotFound) {
		t.Errorf("GetTurn = %v, want ErrTurnNotFound", err)
	}
}

func TestCoordinator_MaxConcurrentTurns(t *testing.T) {
	gate := make(chan struct{})
	planner := &fakePlanner{replies: []plannedReply{
		{artifacts: testArtifacts(testPlan("compose_report"))},
		{artifacts: testArtifacts(testPlan("compose_report"))},
	}}
	runner := &fakeRunner{}
	runner.behave = func(ctx context.Context, ph *Phase, state *WorkflowState, trace *ExecutionTrace) *PhaseOutcome {
		<-gate
		return okPhase(ctx, ph, state, trace)
	}
	c := testCoordinator(planner, runner,
		fixedConfig(baseConfig(t)), WithMaxConcurrentTurns(1))

	id, err := c.StartTurn(context.Background(), &TurnRequest{Goal: "first"})
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if _, err := c.StartTurn(context.Background(), &TurnRequest{Goal: "second"}); err == nil {
		t.Error("second concurrent turn should be rejected")
	}

	close(gate)
	waitFinished(t, c, id)
	if _, err := c.RunTurn(context.Background(), &TurnRequest{Goal: "third"}); err != nil {
		t.Errorf("turn after slot release: %v", err)
	}
}

func TestCoordinator_FinishedRetentionEvicts(t *testing.T) {
	planner := &fakePlanner{}
	planner.replies = []plannedReply{
		{artifacts: testArtifacts(testPlan("compose_report"))},
		{artifacts: testArtifacts(testPlan("compose_report"))},
		{artifacts: testArtifacts(testPlan("compose_report"))},
	}
	runner := &fakeRunner{behave: okPhase}
	c := testCoordinator(planner, runner,
		fixedConfig(baseConfig(t)), WithFinishedRetention(2))

	var ids []string
	for i := 0; i < 3; i++ {
		res, err := c.RunTurn(context.Background(), &TurnRequest{Goal: "check cpu"})
		if err != nil {
			t.Fatalf("RunTurn %d: %v", i, err)
		}
		ids = append(ids, res.TurnID)
	}

	if _, err := c.GetTurn(ids[0]); !errors.Is(err, ErrTurnNotFound) {
		t.Errorf("oldest turn should be evicted, got %v", err)
	}
	for _, id := range ids[1:] {
		if _, err := c.GetTurn(id); err != nil {
			t.Errorf("turn %s should be retained: %v", id, err)
		}
	}
}

// waitFinished polls the registry until the turn finishes.
func waitFinished(t *testing.T, c *Coordinator, id string) *TurnView {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		view, err := c.GetTurn(id)
		if err != nil {
			t.Fatalf("GetTurn: %v", err)
		}
		if view.Result != nil {
			return view
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("turn %s did not finish in time", id)
	return nil
}
