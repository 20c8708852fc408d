// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package executor runs single plan phases to completion.
//
// # Architecture
//
// A phase travels a fixed ladder:
//
//	resolve arguments ──▶ fast path eligible? ──no──▶ tactical LLM decision
//	                            │yes                         │
//	                            ▼                            ▼
//	                 orchestrator expansion (expand.Apply)
//	                            │
//	                            ▼
//	                 invoke target ──error──▶ correction chain
//	                            │                    │
//	                        success        corrected action / final answer
//	                            ▼                    │
//	                 distill + store ◀───────────────┘
//
// The fast path executes a fully resolved action directly and must be
// byte-identical to what the slow path would produce for the same
// resolved arguments; it only skips the tactical LLM decision. Definitive
// tool errors abort the phase at once. Retryable errors feed the
// correction strategy chain up to the configured ceiling, after which the
// executor falls back to fresh tactical decisions; once those exceed the
// recovery threshold the phase gives up and asks the coordinator for a
// full replan with the failing target excluded.
//
// Thread Safety: an Executor serves one turn; ExecutePhase is called
// sequentially by the coordinator, but loop iterations may run
// concurrently inside one call, so all shared counters are locked.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/kodiak/services/agent"
	"github.com/AleutianAI/kodiak/services/agent/distill"
	"github.com/AleutianAI/kodiak/services/agent/events"
	"github.com/AleutianAI/kodiak/services/agent/expand"
	"github.com/AleutianAI/kodiak/services/agent/resolve"
	"github.com/AleutianAI/kodiak/services/llm"
	"github.com/AleutianAI/kodiak/services/tools"
)

var executorTracer = otel.Tracer("kodiak.agent.executor")

var (
	phasesExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kodiak_executor_phases_total",
		Help: "Phases executed, by path and outcome",
	}, []string{"path", "outcome"})

	callDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kodiak_executor_call_duration_seconds",
		Help:    "Latency of physical tool and prompt invocations",
		Buckets: []float64{0.01, 0.05, 0.25, 1, 5, 30, 120},
	}, []string{"kind"})

	correctionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kodiak_executor_corrections_total",
		Help: "Correction proposals, by strategy",
	}, []string{"strategy"})

	recoveryRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kodiak_executor_recovery_requests_total",
		Help: "Phases that exhausted their slow-path budget and requested a replan",
	})
)

// Executor is the phase runner for one turn. Shared collaborators (tool
// backend, LLM client) are fixed at construction; catalog, config, and
// emitter snapshots arrive in the TurnEnv.
type Executor struct {
	backend   *tools.SchemaCache
	llm       llm.Client
	env       *agent.TurnEnv
	distiller *distill.Distiller
	chain     []Strategy
}

// Option configures an Executor.
type Option func(*Executor)

// WithDistiller replaces the default distiller, letting the coordinator
// share one handle store between execution and reporting.
func WithDistiller(d *distill.Distiller) Option {
	return func(e *Executor) {
		e.distiller = d
	}
}

// WithStrategies replaces the correction chain. Test hook.
func WithStrategies(chain []Strategy) Option {
	return func(e *Executor) {
		e.chain = chain
	}
}

// New builds the phase runner for one turn.
//
// Inputs:
//
//	backend - The tool backend. Wrapped in a schema cache so per-phase
//	          fast-path checks do not repeat lookups.
//	client - The LLM client for tactical decisions, corrections, and
//	         prompt targets.
//	env - The turn's catalog/config/emitter snapshot.
//	opts - Optional configuration.
//
// Outputs:
//
//	*Executor - The runner. Never nil.
func New(backend tools.Backend, client llm.Client, env *agent.TurnEnv, opts ...Option) *Executor {
	e := &Executor{
		backend: tools.NewSchemaCache(backend),
		llm:     client,
		env:     env,
		chain:   strategies(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.distiller == nil {
		var limits []distill.Option
		if env != nil && env.Config != nil {
			limits = append(limits, distill.WithLimits(env.Config.DistillTokenLimit, env.Config.DistillRowLimit))
		}
		e.distiller = distill.New(limits...)
	}
	return e
}

// Factory returns an agent.ExecutorFactory closing over the shared
// backend and LLM client.
func Factory(backend tools.Backend, client llm.Client, opts ...Option) agent.ExecutorFactory {
	return func(env *agent.TurnEnv) agent.PhaseRunner {
		return New(backend, client, env, opts...)
	}
}

// Distiller returns the executor's distiller so the coordinator can
// rehydrate handles when assembling the final answer.
func (e *Executor) Distiller() *distill.Distiller {
	return e.distiller
}

// ============================================================================
// Phase execution
// ============================================================================

// phaseRun is the mutable state of one ExecutePhase call. Loop
// iterations may touch it concurrently, so every mutation goes through
// the locked helpers.
type phaseRun struct {
	ph       *agent.Phase
	state    *agent.WorkflowState
	trace    *agent.ExecutionTrace
	resolver *resolve.Resolver
	schema   *tools.Schema
	out      *agent.PhaseOutcome

	mu          sync.Mutex
	corrections int
	halted      bool
}

func (r *phaseRun) addAttempt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out.Attempts++
}

// markFastPath flags the outcome when the very first action of the phase
// skipped the tactical decision.
func (r *phaseRun) markFastPath() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.out.Attempts == 0 && r.out.SlowPathCalls == 0 {
		r.out.FastPath = true
	}
}

func (r *phaseRun) addSlowCall() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out.SlowPathCalls++
	return r.out.SlowPathCalls
}

func (r *phaseRun) slowCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.out.SlowPathCalls
}

func (r *phaseRun) addTokens(in, out int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out.Tokens.Add(in, out)
}

func (r *phaseRun) noteFailure(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out.FailureHistory = append(r.out.FailureHistory, text)
}

// takeCorrection consumes one correction slot, reporting the 1-based
// attempt number, or 0 when the budget is spent.
func (r *phaseRun) takeCorrection(budget int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.corrections >= budget {
		return 0
	}
	r.corrections++
	return r.corrections
}

// fail records the terminal error once; later failures from parallel
// iterations are kept in the history only.
func (r *phaseRun) fail(err *agent.EngineError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.halted = true
	if r.out.Err == nil {
		r.out.Err = err
	}
}

func (r *phaseRun) setFinalAnswer(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.halted = true
	if r.out.FinalAnswer == "" {
		r.out.FinalAnswer = text
	}
}

func (r *phaseRun) stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.halted
}

// ExecutePhase implements agent.PhaseRunner.
//
// Description:
//
//	Runs one phase to completion: argument resolution, the fast/slow
//	path decision, orchestrator expansion, invocation, corrections,
//	and result distillation into the workflow state. The returned
//	outcome is never nil; a failed phase still carries its attempt
//	counts and failure history for recovery planning.
//
// Thread Safety: safe for sequential phase-by-phase use; loop
// iterations inside one call may run concurrently per config.
func (e *Executor) ExecutePhase(ctx context.Context, ph *agent.Phase, state *agent.WorkflowState, trace *agent.ExecutionTrace) *agent.PhaseOutcome {
	ctx, span := executorTracer.Start(ctx, "executor.ExecutePhase")
	defer span.End()

	start := time.Now()
	out := &agent.PhaseOutcome{Phase: ph.Index}
	span.SetAttributes(
		attribute.Int("phase.index", ph.Index),
		attribute.String("phase.target", ph.Target.String()),
		attribute.Bool("phase.loop", ph.IsLoop()),
	)

	cfg := e.env.Config
	if cfg.PhaseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.PhaseTimeout)
		defer cancel()
	}

	if e.env.Emitter != nil {
		e.env.Emitter.SetPhase(ph.Index)
		defer e.env.Emitter.SetPhase(-1)
	}
	e.emit(events.TypePhaseStarted, events.PhaseStartedData{
		Goal:   ph.Goal,
		Target: ph.Target.String(),
		Loop:   ph.IsLoop(),
	})

	r := &phaseRun{
		ph:       ph,
		state:    state,
		trace:    trace,
		resolver: resolve.New(state),
		out:      out,
	}
	if schema, err := e.backend.Schema(ctx, ph.Target.Name); err == nil {
		r.schema = schema
	} else {
		// Without a schema the fast path and orchestrators are off the
		// table; the slow path still works from the catalog listing.
		slog.Warn("Schema resolution failed, phase restricted to slow path",
			slog.Int("phase", ph.Index),
			slog.String("target", ph.Target.String()),
			slog.String("error", err.Error()),
		)
	}

	if ph.IsLoop() {
		e.runLoop(ctx, r)
	} else {
		e.runStandard(ctx, r)
	}

	out.Duration = time.Since(start)
	path := "slow"
	if out.FastPath {
		path = "fast"
	}
	outcome := "failed"
	if out.Success {
		outcome = "success"
	}
	phasesExecuted.WithLabelValues(path, outcome).Inc()
	span.SetAttributes(
		attribute.Bool("phase.success", out.Success),
		attribute.Int("phase.attempts", out.Attempts),
	)

	var errText string
	if out.Err != nil {
		errText = out.Err.Error()
	}
	e.emit(events.TypePhaseFinished, events.PhaseFinishedData{
		Target:   ph.Target.String(),
		Success:  out.Success,
		Attempts: out.Attempts,
		Duration: out.Duration,
		FastPath: out.FastPath,
		Error:    errText,
	})
	return out
}

// runStandard drives a non-loop phase and stores its distilled result.
func (e *Executor) runStandard(ctx context.Context, r *phaseRun) {
	payload, ok := e.attemptUnit(ctx, r, nil)
	if !ok {
		return
	}
	e.store(ctx, r, payload)
}

// runLoop resolves the loop source and drives one unit per item.
//
// Items execute serially unless the config allows parallel iterations;
// parallel results land in an index-addressed slice, so the aggregate
// keeps the original item order regardless of completion order.
func (e *Executor) runLoop(ctx context.Context, r *phaseRun) {
	items, err := r.resolver.LoopItems(r.ph)
	if err != nil {
		r.noteFailure(err.Error())
		r.fail(agent.NewPhaseAbortedError(r.ph.Index, r.ph.Target.String(),
			"loop source did not resolve", err))
		return
	}
	if len(items) == 0 {
		// An empty sequence is a valid outcome, not an error.
		e.store(ctx, r, map[string]any{"items": []any{}, "count": 0})
		return
	}

	// The loop itself may be an orchestrator case (literal items that
	// were never classified). A match consumes the whole loop.
	if r.schema != nil {
		result, name, xerr := expand.Apply(ctx, e.runtime(r), &expand.Input{
			Phase:     r.ph,
			Schema:    r.schema,
			Loop:      true,
			LoopItems: items,
		})
		switch {
		case xerr != nil:
			r.noteFailure(xerr.Error())
			r.fail(agent.NewPhaseAbortedError(r.ph.Index, r.ph.Target.String(),
				"orchestrator expansion failed", xerr))
			return
		case name != "" && result.Succeeded():
			e.store(ctx, r, result.Payload)
			return
		case name != "":
			r.noteFailure(result.ErrorText)
			if e.env.Config.IsDefinitiveError(result.ErrorText) {
				r.fail(agent.NewDefinitiveToolError(r.ph.Index, r.ph.Target.String(), result.ErrorText))
			} else {
				r.fail(agent.NewPhaseAbortedError(r.ph.Index, r.ph.Target.String(), result.ErrorText, nil))
			}
			return
		}
	}

	payloads := make([]any, len(items))
	workers := e.env.Config.ParallelIterations
	if workers > 1 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for i, item := range items {
			g.Go(func() error {
				if r.stopped() {
					return nil
				}
				p, ok := e.attemptUnit(gctx, r, item)
				if !ok {
					return fmt.Errorf("iteration %d failed", i+1)
				}
				payloads[i] = p
				return nil
			})
		}
		if err := g.Wait(); err != nil || r.stopped() {
			return
		}
	} else {
		for i, item := range items {
			if r.stopped() {
				return
			}
			p, ok := e.attemptUnit(ctx, r, item)
			if !ok {
				return
			}
			payloads[i] = p
		}
	}
	e.store(ctx, r, map[string]any{"items": payloads, "count": len(payloads)})
}

// attemptUnit drives one logical invocation — a standard phase, or one
// loop iteration — through the full ladder. It fills the outcome on
// failure and reports the payload on success.
func (e *Executor) attemptUnit(ctx context.Context, r *phaseRun, loopItem any) (any, bool) {
	cfg := e.env.Config
	var act *agent.TraceAction
	var lastErr string
	firstAction := true
	fastTried := false

	for {
		if err := ctx.Err(); err != nil {
			r.noteFailure(err.Error())
			r.fail(agent.NewPhaseAbortedError(r.ph.Index, r.ph.Target.String(),
				"phase stopped before the next call", err))
			return nil, false
		}
		if r.stopped() {
			return nil, false
		}

		if act == nil {
			resolved, rerr := r.resolver.Arguments(r.ph, loopItem)
			eligible := rerr == nil && !fastTried && !r.ph.NeedsRefinement &&
				r.schema != nil && resolve.FullyResolved(requiredNames(r.schema), resolved)
			if eligible {
				r.markFastPath()
				fastTried = true
				act = &agent.TraceAction{Target: r.ph.Target, Arguments: resolved}
			} else {
				if rerr != nil {
					lastErr = rerr.Error()
				}
				if r.slowCalls() >= cfg.RecoveryThreshold {
					recoveryRequests.Inc()
					r.mu.Lock()
					r.out.RecoveryRequested = true
					r.mu.Unlock()
					r.fail(agent.NewPhaseAbortedError(r.ph.Index, r.ph.Target.String(),
						fmt.Sprintf("exhausted %d tactical attempts", cfg.RecoveryThreshold), nil))
					return nil, false
				}
				slow, serr := e.slowPathAction(ctx, r, loopItem, lastErr)
				if serr != nil {
					if retryableLLM(serr) {
						r.noteFailure(serr.Error())
						lastErr = serr.Error()
						continue
					}
					r.noteFailure(serr.Error())
					r.fail(agent.NewPhaseAbortedError(r.ph.Index, r.ph.Target.String(),
						"tactical decision did not produce an action", serr))
					return nil, false
				}
				act = slow
			}
		}

		// Orchestrators inspect only the opening action of a standard
		// unit; corrected actions are concrete and run as-is.
		var result *tools.InvokeResult
		var ierr error
		expanded := ""
		if firstAction && loopItem == nil && r.schema != nil {
			result, expanded, ierr = expand.Apply(ctx, e.runtime(r), &expand.Input{
				Phase:  r.ph,
				Schema: r.schema,
				Args:   act.Arguments,
			})
		}
		firstAction = false
		if expanded == "" && ierr == nil {
			result, ierr = e.invoker(r).Invoke(ctx, act.Target, act.Arguments, nil)
		}

		if ierr != nil {
			lastErr = ierr.Error()
		} else if result.Succeeded() {
			return result.Payload, true
		} else {
			lastErr = result.ErrorText
		}
		r.noteFailure(lastErr)

		if cfg.IsDefinitiveError(lastErr) {
			r.fail(agent.NewDefinitiveToolError(r.ph.Index, act.Target.String(), lastErr))
			return nil, false
		}

		if n := r.takeCorrection(cfg.MaxCorrectionAttempts); n > 0 {
			attempt := e.propose(ctx, r, &failure{
				action:  act,
				errText: lastErr,
				attempt: n,
			})
			if attempt != nil {
				e.recordCorrection(r, attempt)
				if attempt.ProposedFinalAnswer != "" {
					r.setFinalAnswer(attempt.ProposedFinalAnswer)
					r.mu.Lock()
					r.out.Success = true
					r.mu.Unlock()
					return nil, false
				}
				if attempt.ProposedAction != nil {
					act = attempt.ProposedAction
					continue
				}
			}
		}

		// Corrections spent or silent: a fresh tactical decision is the
		// remaining move. The threshold check at the loop head bounds it.
		act = nil
	}
}

// store distills the payload, records the phase result, and marks the
// outcome successful.
func (e *Executor) store(ctx context.Context, r *phaseRun, payload any) {
	res := e.distiller.Distill(ctx, payload)
	r.state.SetResult(r.ph.Index, &agent.PhaseResult{
		Payload: res.Payload,
		Handle:  res.Handle,
	})
	r.mu.Lock()
	r.out.Success = true
	r.mu.Unlock()
}

// recordCorrection puts the accepted proposal on the trace and the event
// stream.
func (e *Executor) recordCorrection(r *phaseRun, attempt *agent.CorrectionAttempt) {
	correctionsTotal.WithLabelValues(attempt.Strategy).Inc()
	entry := agent.TraceEntry{
		PhaseIndex: r.ph.Index,
		Action:     agent.TraceAction{Target: r.ph.Target},
		Result: agent.TraceResult{
			Status: agent.TraceInfo,
			Metadata: map[string]any{
				"correction":    attempt.Strategy,
				"matched_error": attempt.MatchedError,
				"attempt":       attempt.AttemptNumber,
			},
		},
	}
	if attempt.ProposedAction != nil {
		entry.Action = *attempt.ProposedAction
	}
	r.trace.Append(entry)
	e.emit(events.TypeCorrectionApplied, events.CorrectionAppliedData{
		Strategy:     attempt.Strategy,
		MatchedError: attempt.MatchedError,
		Attempt:      attempt.AttemptNumber,
	})
}

// ============================================================================
// Invocation
// ============================================================================

// phaseInvoker issues physical calls for one phase and records every one
// of them on the trace, orchestrator expansions included.
type phaseInvoker struct {
	e *Executor
	r *phaseRun
}

// runtime assembles the expansion surface for the current phase.
func (e *Executor) runtime(r *phaseRun) *expand.Runtime {
	return &expand.Runtime{
		Invoker: e.invoker(r),
		Catalog: e.env.Catalog,
		LLM:     e.llm,
		Trace:   r.trace,
		Phase:   r.ph.Index,
		Usage:   &r.out.Tokens,
	}
}

func (e *Executor) invoker(r *phaseRun) expand.Invoker {
	return &phaseInvoker{e: e, r: r}
}

// Invoke implements expand.Invoker.
//
// Description:
//
//	Routes tool targets to the backend (with stored-result handles
//	rehydrated so tools always see full data) and prompt targets to a
//	templated LLM completion. The call lands on the trace either way;
//	meta entries from the caller become trace metadata.
func (pi *phaseInvoker) Invoke(ctx context.Context, target agent.Target, args map[string]any, meta map[string]any) (*tools.InvokeResult, error) {
	pi.r.addAttempt()
	start := time.Now()

	var result *tools.InvokeResult
	var err error
	kind := "tool"
	if target.Kind == agent.TargetPrompt {
		kind = "prompt"
		result, err = pi.e.invokePrompt(ctx, pi.r, target.Name, args)
	} else {
		sent := pi.e.distiller.RehydrateArguments(args)
		result, err = pi.e.backend.Invoke(ctx, target.Name, sent)
	}
	callDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	entry := agent.TraceEntry{
		PhaseIndex: pi.r.ph.Index,
		Action:     agent.TraceAction{Target: target, Arguments: args},
	}
	entry.Result.Metadata = map[string]any{"latency_ms": time.Since(start).Milliseconds()}
	for k, v := range meta {
		entry.Result.Metadata[k] = v
	}
	switch {
	case err != nil:
		entry.Result.Status = agent.TraceError
		entry.Result.ErrorText = err.Error()
	case result.Succeeded():
		entry.Result.Status = agent.TraceSuccess
		entry.Result.Payload = result.Payload
	default:
		entry.Result.Status = agent.TraceError
		entry.Result.ErrorText = result.ErrorText
	}
	pi.r.trace.Append(entry)
	return result, err
}

// invokePrompt renders the catalog prompt's template with the resolved
// arguments and completes it. Template and transport failures come back
// as error results so the correction chain can read their text.
func (e *Executor) invokePrompt(ctx context.Context, r *phaseRun, name string, args map[string]any) (*tools.InvokeResult, error) {
	spec, ok := e.env.Catalog.Prompt(name)
	if !ok {
		return nil, fmt.Errorf("invoke %q: %w", name, tools.ErrUnknownTarget)
	}
	tmpl, err := template.New(name).Option("missingkey=zero").Parse(spec.Template)
	if err != nil {
		return &tools.InvokeResult{
			Status:    tools.InvokeError,
			ErrorText: fmt.Sprintf("prompt template %q is invalid: %v", name, err),
		}, nil
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, stringifyArgs(args)); err != nil {
		return &tools.InvokeResult{
			Status:    tools.InvokeError,
			ErrorText: fmt.Sprintf("prompt template %q did not render: %v", name, err),
		}, nil
	}
	comp, err := e.llm.Complete(ctx, "", buf.String(), llm.FormatText)
	if err != nil {
		return nil, err
	}
	r.addTokens(comp.InputTokens, comp.OutputTokens)
	return &tools.InvokeResult{
		Status:  tools.InvokeSuccess,
		Payload: strings.TrimSpace(comp.Text),
		Metadata: map[string]any{
			"prompt":        name,
			"input_tokens":  comp.InputTokens,
			"output_tokens": comp.OutputTokens,
		},
	}, nil
}

// ============================================================================
// Helpers
// ============================================================================

func (e *Executor) emit(t events.Type, data any) {
	if e.env == nil || e.env.Emitter == nil {
		return
	}
	e.env.Emitter.Emit(t, data)
}

func requiredNames(s *tools.Schema) []string {
	specs := s.Required()
	names := make([]string, len(specs))
	for i, a := range specs {
		names[i] = a.Name
	}
	return names
}

// stringifyArgs renders non-string argument values as compact JSON so
// prompt templates can interpolate any payload with plain {{.name}}.
func stringifyArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		switch tv := v.(type) {
		case string:
			out[k] = tv
		case nil:
			out[k] = ""
		default:
			data, err := json.Marshal(tv)
			if err != nil {
				out[k] = fmt.Sprintf("%v", tv)
				continue
			}
			out[k] = string(data)
		}
	}
	return out
}

func retryableLLM(err error) bool {
	return errors.Is(err, llm.ErrUnavailable) || errors.Is(err, llm.ErrTimeout)
}
