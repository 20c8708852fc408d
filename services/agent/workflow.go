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
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/kodiak/services/agent/config"
	"github.com/AleutianAI/kodiak/services/agent/events"
	"github.com/AleutianAI/kodiak/services/tools"
)

var coordinatorTracer = otel.Tracer("kodiak.agent.coordinator")

var (
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kodiak_coordinator_turns_total",
		Help: "Turns finished, by terminal status.",
	}, []string{"status"})

	turnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kodiak_coordinator_turn_duration_seconds",
		Help:    "Wall-clock duration of finished turns.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	})

	activeTurns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kodiak_coordinator_active_turns",
		Help: "Turns currently executing.",
	})

	replansTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kodiak_coordinator_replans_total",
		Help: "Autonomous recovery replans requested.",
	})
)

// =============================================================================
// Coordinator
// =============================================================================

// Coordinator drives a turn end to end: it snapshots the catalog and
// config, asks the planner for a validated plan, executes its phases in
// order, and replaces the plan wholesale when a phase exhausts its
// slow-path budget and requests autonomous recovery.
//
// Control flow per turn:
//
//	goal -> GeneratePlan (draft -> rewrite pipeline) -> phase 1..n via
//	the PhaseRunner -> on RecoveryRequested, ERROR_RECOVERY replan with
//	the failing target excluded, resume at the new plan's first phase ->
//	final reporting phase payload becomes the answer.
//
// Cancellation stops new work at the next suspension point (between
// phases, or inside the executor between calls); completed phases stay
// in the workflow state and the turn returns with status "cancelled".
//
// Thread Safety: safe for concurrent use with different turns. A single
// turn runs on one goroutine.
type Coordinator struct {
	planner  PlanService
	executor ExecutorFactory
	store    TurnStore

	catalogFn func(ctx context.Context) (*tools.Catalog, error)
	configFn  func(ctx context.Context) (*config.Config, error)

	// maxConcurrent limits concurrent turns (0 = unlimited).
	maxConcurrent int

	// retainFinished bounds how many finished turns stay queryable
	// through GetTurn and Events after completion.
	retainFinished int

	mu       sync.Mutex
	active   int
	runs     map[string]*turnRun
	finished []string
}

// turnRun is the registry entry for one turn. result is written exactly
// once, before done is closed; readers gate on done.
type turnRun struct {
	req       *TurnRequest
	ctx       context.Context
	cancel    context.CancelFunc
	emitter   *events.Emitter
	startedAt time.Time
	done      chan struct{}
	result    *TurnResult
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithTurnStore sets the persistence backend for finished turns and
// previous-turn trace lookup. Without one, turns are not persisted and
// plan hydration never sees prior work.
func WithTurnStore(store TurnStore) CoordinatorOption {
	return func(c *Coordinator) {
		c.store = store
	}
}

// WithMaxConcurrentTurns limits concurrent turns (0 = unlimited).
func WithMaxConcurrentTurns(max int) CoordinatorOption {
	return func(c *Coordinator) {
		c.maxConcurrent = max
	}
}

// WithFinishedRetention sets how many finished turns remain queryable
// in memory.
func WithFinishedRetention(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.retainFinished = n
		}
	}
}

// WithCatalogSource overrides where per-turn catalog snapshots come
// from. The default is the process-wide active catalog.
func WithCatalogSource(fn func(ctx context.Context) (*tools.Catalog, error)) CoordinatorOption {
	return func(c *Coordinator) {
		c.catalogFn = fn
	}
}

// WithConfigSource overrides where per-turn config snapshots come from.
// The default is a Snapshot of the process config.
func WithConfigSource(fn func(ctx context.Context) (*config.Config, error)) CoordinatorOption {
	return func(c *Coordinator) {
		c.configFn = fn
	}
}

// NewCoordinator creates a coordinator around a planner and a per-turn
// executor factory.
func NewCoordinator(planner PlanService, executor ExecutorFactory, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		planner:        planner,
		executor:       executor,
		retainFinished: 64,
		runs:           make(map[string]*turnRun),
		catalogFn:      tools.ActiveCatalog,
		configFn: func(ctx context.Context) (*config.Config, error) {
			cfg, err := config.Default(ctx)
			if err != nil {
				return nil, err
			}
			return cfg.Snapshot(), nil
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// =============================================================================
// Public surface
// =============================================================================

// RunTurn executes one turn synchronously.
//
// Description:
//
//	Validates the request, assigns a turn ID when absent, takes the
//	per-turn catalog/config snapshots, and drives plan generation and
//	phase execution to a terminal status. The returned result always
//	carries the full trace and every completed phase's payload, whatever
//	the status.
//
// Inputs:
//
//	ctx - Context for cancellation and timeout.
//	req - The turn request. Goal is required.
//
// Outputs:
//
//	*TurnResult - The terminal result. Never nil when error is nil.
//	error - Non-nil only for rejected requests (bad input, registry
//	        collision, concurrency limit). Engine failures are reported
//	        inside the result, not here.
//
// Thread Safety: safe for concurrent use.
func (c *Coordinator) RunTurn(ctx context.Context, req *TurnRequest) (*TurnResult, error) {
	run, err := c.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	return c.execute(run), nil
}

// StartTurn executes one turn asynchronously and returns its ID.
//
// Description:
//
//	Same admission path as RunTurn, but execution continues on its own
//	goroutine after this returns. The run context is detached from the
//	caller's cancellation so an HTTP request ending does not kill the
//	turn; use Cancel for that. The turn is registered before StartTurn
//	returns, so an immediate GetTurn or Events lookup succeeds.
//
// Outputs:
//
//	string - The turn ID.
//	error - Non-nil if admission failed.
func (c *Coordinator) StartTurn(ctx context.Context, req *TurnRequest) (string, error) {
	run, err := c.begin(context.WithoutCancel(ctx), req)
	if err != nil {
		return "", err
	}
	go c.execute(run)
	return run.req.TurnID, nil
}

// Cancel requests cancellation of a running turn.
//
// The turn stops at its next suspension point and finishes with status
// "cancelled"; completed phases are preserved. Returns ErrTurnNotFound
// for unknown IDs and ErrTurnNotRunning when the turn already finished.
func (c *Coordinator) Cancel(turnID string) error {
	c.mu.Lock()
	run, ok := c.runs[turnID]
	c.mu.Unlock()
	if !ok {
		return ErrTurnNotFound
	}
	select {
	case <-run.done:
		return ErrTurnNotRunning
	default:
	}
	slog.Info("Turn cancellation requested",
		slog.String("session_id", run.req.SessionID),
		slog.String("turn_id", turnID),
	)
	run.cancel()
	return nil
}

// TurnView is a registry lookup: the live status of a running turn, or
// the terminal result of a retained finished one.
type TurnView struct {
	TurnID    string      `json:"turn_id"`
	SessionID string      `json:"session_id"`
	Goal      string      `json:"goal"`
	Running   bool        `json:"running"`
	StartedAt time.Time   `json:"started_at"`
	Result    *TurnResult `json:"result,omitempty"`
}

// GetTurn returns the current view of a turn, running or finished.
// Returns ErrTurnNotFound once a finished turn ages out of retention.
func (c *Coordinator) GetTurn(turnID string) (*TurnView, error) {
	c.mu.Lock()
	run, ok := c.runs[turnID]
	c.mu.Unlock()
	if !ok {
		return nil, ErrTurnNotFound
	}
	v := &TurnView{
		TurnID:    run.req.TurnID,
		SessionID: run.req.SessionID,
		Goal:      run.req.Goal,
		StartedAt: run.startedAt,
	}
	select {
	case <-run.done:
		v.Result = run.result
	default:
		v.Running = true
	}
	return v, nil
}

// Events returns a turn's emitter for subscription and replay. The
// emitter's buffer lets late subscribers (the websocket fan-out, the
// TUI) catch up on events emitted before they attached.
func (c *Coordinator) Events(turnID string) (*events.Emitter, error) {
	c.mu.Lock()
	run, ok := c.runs[turnID]
	c.mu.Unlock()
	if !ok {
		return nil, ErrTurnNotFound
	}
	return run.emitter, nil
}

// ActiveTurns reports how many turns are currently executing.
func (c *Coordinator) ActiveTurns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// =============================================================================
// Admission and registry
// =============================================================================

// begin validates and registers a turn, acquiring a concurrency slot.
// Every error path here happens before any engine work.
func (c *Coordinator) begin(ctx context.Context, req *TurnRequest) (*turnRun, error) {
	if req == nil || strings.TrimSpace(req.Goal) == "" {
		return nil, ErrEmptyGoal
	}
	if req.SessionID == "" {
		req.SessionID = "default"
	}
	if req.TurnID == "" {
		req.TurnID = uuid.NewString()
	}

	if err := c.acquireSlot(req.TurnID); err != nil {
		slog.Warn("Turn rejected at admission",
			slog.String("turn_id", req.TurnID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &turnRun{
		req:       req,
		ctx:       runCtx,
		cancel:    cancel,
		emitter:   events.NewEmitter(events.WithTurn(req.SessionID, req.TurnID)),
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}

	c.mu.Lock()
	c.runs[req.TurnID] = run
	c.mu.Unlock()
	return run, nil
}

// acquireSlot reserves a concurrency slot and rejects duplicate IDs.
func (c *Coordinator) acquireSlot(turnID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.runs[turnID]; exists {
		return fmt.Errorf("turn %q: %w", turnID, ErrTurnExists)
	}
	if c.maxConcurrent > 0 && c.active >= c.maxConcurrent {
		return fmt.Errorf("%w (limit %d)", ErrTurnLimit, c.maxConcurrent)
	}
	c.active++
	activeTurns.Inc()
	return nil
}

// releaseSlot frees a concurrency slot.
func (c *Coordinator) releaseSlot() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active--
	activeTurns.Dec()
}

// retire marks a run finished and evicts the oldest retained turns
// beyond the retention bound.
func (c *Coordinator) retire(run *turnRun, res *TurnResult) {
	c.mu.Lock()
	run.result = res
	close(run.done)
	c.finished = append(c.finished, run.req.TurnID)
	for len(c.finished) > c.retainFinished {
		oldest := c.finished[0]
		c.finished = c.finished[1:]
		delete(c.runs, oldest)
	}
	c.mu.Unlock()
}

// =============================================================================
// Turn execution
// =============================================================================

// execute drives a registered run to its terminal result and retires it.
// The record is persisted and the slot released before the result becomes
// visible through GetTurn, so observers never see a finished turn that is
// still holding resources.
func (c *Coordinator) execute(run *turnRun) *TurnResult {
	res := c.runTurn(run)
	run.cancel()

	turnsTotal.WithLabelValues(string(res.Status)).Inc()
	turnDuration.Observe(time.Since(run.startedAt).Seconds())

	c.persist(run, res)
	c.releaseSlot()
	c.retire(run, res)
	return res
}

// runTurn is one turn: snapshot, plan, execute, assemble the result.
func (c *Coordinator) runTurn(run *turnRun) *TurnResult {
	req := run.req
	ctx, span := coordinatorTracer.Start(run.ctx, "coordinator.RunTurn")
	defer span.End()
	span.SetAttributes(
		attribute.String("turn.session_id", req.SessionID),
		attribute.String("turn.id", req.TurnID),
	)

	res := &TurnResult{
		TurnID:    req.TurnID,
		SessionID: req.SessionID,
		StartedAt: run.startedAt.UnixMilli(),
	}

	run.emitter.Emit(events.TypeTurnStarted, &events.TurnStartedData{Goal: req.Goal})
	slog.Info("Turn starting",
		slog.String("session_id", req.SessionID),
		slog.String("turn_id", req.TurnID),
		slog.Int("goal_len", len(req.Goal)),
	)

	catalog, err := c.catalogFn(ctx)
	if err != nil {
		return c.seal(run, res, nil, nil, TurnFailed, "",
			NewPlanGenerationError("catalog snapshot unavailable", err))
	}
	cfg, err := c.configFn(ctx)
	if err != nil {
		return c.seal(run, res, nil, nil, TurnFailed, "",
			NewPlanGenerationError("config snapshot unavailable", err))
	}
	if cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.TurnTimeout)
		defer cancel()
	}

	state := NewWorkflowState()
	trace := NewExecutionTrace()

	var prevTrace []TraceEntry
	if c.store != nil {
		prevTrace, err = c.store.LastTrace(ctx, req.SessionID)
		if err != nil {
			slog.Warn("Previous-turn trace lookup failed, planning without hydration",
				slog.String("session_id", req.SessionID),
				slog.String("error", err.Error()),
			)
			prevTrace = nil
		}
	}

	artifacts, err := c.planner.GeneratePlan(ctx, &PlanRequest{
		Goal:          req.Goal,
		History:       req.History,
		Constraints:   req.Constraints,
		Catalog:       catalog,
		Config:        cfg,
		PreviousTrace: prevTrace,
		Emitter:       run.emitter,
	})
	if err != nil {
		if ctx.Err() != nil {
			return c.seal(run, res, state, trace, TurnCancelled, "", nil)
		}
		return c.seal(run, res, state, trace, TurnFailed, "",
			AsEngineError(err, ErrTypePlanGeneration))
	}
	res.PlanGenerated = artifacts.Generated
	res.PlanRewritten = artifacts.Plan
	res.Tokens.Add(artifacts.Tokens.Input, artifacts.Tokens.Output)
	if artifacts.Hydration != nil {
		state.InjectPreviousTurn(artifacts.Hydration)
	}

	env := &TurnEnv{Catalog: catalog, Config: cfg, Emitter: run.emitter}
	return c.executePlan(ctx, run, res, c.executor(env), env, artifacts.Plan, state, trace)
}

// executePlan walks the plan phase by phase, replacing it wholesale on
// autonomous recovery. The loop owns every suspension point the turn
// has: cancellation is checked before each phase and after each failed
// one, so a cancel lands here or inside the executor, never both.
func (c *Coordinator) executePlan(
	ctx context.Context,
	run *turnRun,
	res *TurnResult,
	runner PhaseRunner,
	env *TurnEnv,
	plan *Plan,
	state *WorkflowState,
	trace *ExecutionTrace,
) *TurnResult {
	req := run.req
	cfg := env.Config
	excluded := slices.Clone(req.Constraints.ExcludedTargets)
	replans := 0

	idx := 1
	for idx <= plan.Len() {
		if ctx.Err() != nil {
			return c.seal(run, res, state, trace, TurnCancelled, "", nil)
		}

		ph := plan.PhaseAt(idx)
		out := runner.ExecutePhase(ctx, ph, state, trace)
		res.Tokens.Add(out.Tokens.Input, out.Tokens.Output)

		if out.FinalAnswer != "" {
			return c.seal(run, res, state, trace, TurnCompleted, out.FinalAnswer, nil)
		}
		if out.Success {
			idx++
			continue
		}
		if ctx.Err() != nil {
			return c.seal(run, res, state, trace, TurnCancelled, "", nil)
		}

		if !out.RecoveryRequested {
			ee := out.Err
			if ee == nil {
				ee = NewPhaseAbortedError(idx, ph.Target.Name, "phase failed without a classified error", nil)
			}
			return c.seal(run, res, state, trace, TurnFailed, "", ee)
		}

		// Autonomous recovery: exclude the exhausted target permanently
		// and replace the remaining plan with a fresh one.
		if replans >= cfg.MaxRecoveryPlans {
			ee := NewRecoveryExhaustedError(
				fmt.Sprintf("replan budget (%d) exhausted", cfg.MaxRecoveryPlans),
				out.Err)
			return c.seal(run, res, state, trace, TurnFailed, "", ee)
		}
		replans++
		replansTotal.Inc()
		if !slices.Contains(excluded, ph.Target.Name) {
			excluded = append(excluded, ph.Target.Name)
		}

		run.emitter.Emit(events.TypeRecoveryStarted, &events.RecoveryStartedData{
			FailureCount:    len(out.FailureHistory),
			FailedPhase:     idx,
			ExcludedTargets: excluded,
		})
		slog.Warn("Phase exhausted its slow-path budget, requesting recovery plan",
			slog.String("session_id", req.SessionID),
			slog.String("turn_id", req.TurnID),
			slog.Int("phase", idx),
			slog.String("target", ph.Target.Name),
			slog.Int("replan", replans),
		)

		constraints := req.Constraints
		constraints.ExcludedTargets = excluded
		artifacts, err := c.planner.GeneratePlan(ctx, &PlanRequest{
			Goal:        req.Goal,
			History:     req.History,
			Constraints: constraints,
			Catalog:     env.Catalog,
			Config:      cfg,
			Emitter:     run.emitter,
			Recovery: &RecoveryRequest{
				FailedPhase:     idx,
				FailedTarget:    ph.Target.Name,
				Failures:        out.FailureHistory,
				CompletedPhases: state.Completed(),
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				return c.seal(run, res, state, trace, TurnCancelled, "", nil)
			}
			return c.seal(run, res, state, trace, TurnFailed, "",
				NewRecoveryExhaustedError("recovery planning failed", err))
		}

		plan = artifacts.Plan
		res.PlanRewritten = plan
		res.Tokens.Add(artifacts.Tokens.Input, artifacts.Tokens.Output)
		idx = 1
	}

	answer := ""
	if r, ok := state.Result(plan.Len()); ok {
		answer = renderAnswer(r.Payload)
	}
	return c.seal(run, res, state, trace, TurnCompleted, answer, nil)
}

// seal stamps the terminal status onto the result, emits the closing
// events, and logs the outcome. Partial work always survives: results
// and trace are attached whatever the status.
func (c *Coordinator) seal(
	run *turnRun,
	res *TurnResult,
	state *WorkflowState,
	trace *ExecutionTrace,
	status TurnStatus,
	answer string,
	ee *EngineError,
) *TurnResult {
	res.Status = status
	res.Answer = answer
	res.Err = ee
	res.FinishedAt = time.Now().UnixMilli()
	if state != nil {
		res.Results = state.Snapshot()
	}
	if trace != nil {
		res.Trace = trace.Entries()
	}

	if status == TurnCancelled {
		run.emitter.Emit(events.TypeTurnCancelled, &events.TurnCancelledData{
			CompletedPhases: len(res.Results),
		})
	}
	data := &events.TurnFinishedData{
		Status:    string(status),
		PhasesRun: len(res.Results),
		Duration:  time.Since(run.startedAt),
		TokensIn:  res.Tokens.Input,
		TokensOut: res.Tokens.Output,
	}
	if ee != nil {
		data.Error = ee.Error()
	}
	run.emitter.Emit(events.TypeTurnFinished, data)

	logger := slog.Info
	if status == TurnFailed {
		logger = slog.Error
	}
	logger("Turn finished",
		slog.String("session_id", res.SessionID),
		slog.String("turn_id", res.TurnID),
		slog.String("status", string(status)),
		slog.Int("phases", len(res.Results)),
		slog.Int("tokens_in", res.Tokens.Input),
		slog.Int("tokens_out", res.Tokens.Output),
		slog.Duration("duration", time.Since(run.startedAt)),
	)
	return res
}

// persist writes the turn record. Persistence failures are logged, not
// surfaced: the caller already holds the full result.
func (c *Coordinator) persist(run *turnRun, res *TurnResult) {
	if c.store == nil {
		return
	}

	results := make(map[int]any, len(res.Results))
	for idx, r := range res.Results {
		results[idx] = r.Payload
	}
	rec := &TurnRecord{
		TurnID:    res.TurnID,
		SessionID: res.SessionID,
		Goal:      run.req.Goal,
		Status:    res.Status,
		Answer:    res.Answer,
		Generated: res.PlanGenerated,
		Rewritten: res.PlanRewritten,
		Trace:     res.Trace,
		Results:   results,
		Error:     res.Err,
		Tokens:    res.Tokens,
		StartedAt: run.startedAt,
		EndedAt:   time.UnixMilli(res.FinishedAt),
	}

	// The run context may already be cancelled; the record still gets
	// written under its own deadline.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(run.ctx), 5*time.Second)
	defer cancel()
	if err := c.store.SaveTurn(ctx, rec); err != nil {
		slog.Error("Turn persistence failed",
			slog.String("session_id", res.SessionID),
			slog.String("turn_id", res.TurnID),
			slog.String("error", err.Error()),
		)
	}
}

// renderAnswer turns the reporting phase's payload into the textual
// answer returned to the caller.
func renderAnswer(payload any) string {
	switch v := payload.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any:
		for _, key := range []string{"report", "answer", "text", "content", "summary"} {
			if s, ok := v[key].(string); ok && s != "" {
				return s
			}
		}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprint(payload)
	}
	return string(b)
}
