// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/AleutianAI/kodiak/services/agent"
	"github.com/AleutianAI/kodiak/services/agent/config"
	"github.com/AleutianAI/kodiak/services/agent/events"
	"github.com/AleutianAI/kodiak/services/llm"
	"github.com/AleutianAI/kodiak/services/tools"
)

// testHarness bundles the collaborators for one ExecutePhase call over
// the embedded catalog.
type testHarness struct {
	backend *tools.StaticBackend
	client  *llm.ScriptedClient
	env     *agent.TurnEnv
	state   *agent.WorkflowState
	trace   *agent.ExecutionTrace
}

func newHarness(t *testing.T, client *llm.ScriptedClient) *testHarness {
	t.Helper()
	cat, err := tools.LoadCatalog(context.Background())
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	base, err := config.Default(context.Background())
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if client == nil {
		client = llm.Script()
	}
	return &testHarness{
		backend: tools.NewStaticBackend(cat),
		client:  client,
		env:     &agent.TurnEnv{Catalog: cat, Config: base.Snapshot()},
		state:   agent.NewWorkflowState(),
		trace:   agent.NewExecutionTrace(),
	}
}

func (h *testHarness) run(ctx context.Context, ph *agent.Phase) *agent.PhaseOutcome {
	return New(h.backend, h.client, h.env).ExecutePhase(ctx, ph, h.state, h.trace)
}

func queryPhase(index int, args map[string]agent.ArgumentValue) *agent.Phase {
	return &agent.Phase{
		Index:     index,
		Goal:      "Query the cpu measurement",
		Kind:      agent.PhaseStandard,
		Target:    agent.Target{Kind: agent.TargetTool, Name: "query_metrics"},
		Arguments: args,
	}
}

func okResult(payload any) *tools.InvokeResult {
	return &tools.InvokeResult{Status: tools.InvokeSuccess, Payload: payload}
}

func errResult(text string) *tools.InvokeResult {
	return &tools.InvokeResult{Status: tools.InvokeError, ErrorText: text}
}

func TestExecutePhase_FastPath(t *testing.T) {
	h := newHarness(t, nil)
	var gotArgs map[string]any
	h.backend.Handle("query_metrics", func(_ context.Context, args map[string]any) (*tools.InvokeResult, error) {
		gotArgs = args
		return okResult(map[string]any{"rows": []any{map[string]any{"value": 1.5}}, "row_count": 1}), nil
	})

	out := h.run(context.Background(), queryPhase(1, map[string]agent.ArgumentValue{
		"measurement": agent.LiteralValue("cpu"),
	}))

	if !out.Success {
		t.Fatalf("phase failed: %v", out.Err)
	}
	if !out.FastPath {
		t.Error("fully resolved phase should take the fast path")
	}
	if out.Attempts != 1 || out.SlowPathCalls != 0 {
		t.Errorf("attempts=%d slow=%d, want 1/0", out.Attempts, out.SlowPathCalls)
	}
	if h.client.CallCount() != 0 {
		t.Errorf("fast path must not consult the model, got %d calls", h.client.CallCount())
	}
	if gotArgs["measurement"] != "cpu" {
		t.Errorf("backend saw %v", gotArgs)
	}
	if _, ok := h.state.Result(1); !ok {
		t.Error("result was not stored")
	}
	entries := h.trace.EntriesForPhase(1)
	if len(entries) != 1 || entries[0].Result.Status != agent.TraceSuccess {
		t.Errorf("trace: got %d entries", len(entries))
	}
}

// The fast path may only skip the tactical decision; the physical call
// it issues must be identical to the slow path's for the same resolved
// arguments.
func TestExecutePhase_SlowPathMirrorsFastPath(t *testing.T) {
	args := map[string]agent.ArgumentValue{
		"measurement": agent.LiteralValue("cpu"),
		"aggregate":   agent.LiteralValue("max"),
	}
	record := func(h *testHarness, calls *[]map[string]any) {
		h.backend.Handle("query_metrics", func(_ context.Context, got map[string]any) (*tools.InvokeResult, error) {
			*calls = append(*calls, got)
			return okResult("ok"), nil
		})
	}

	fastH := newHarness(t, nil)
	var fastCalls []map[string]any
	record(fastH, &fastCalls)
	fast := fastH.run(context.Background(), queryPhase(1, args))

	slowH := newHarness(t, llm.Script(llm.ScriptedResponse{
		Text: `{"target": "query_metrics", "arguments": {"measurement": "cpu", "aggregate": "max"}}`,
	}))
	var slowCalls []map[string]any
	record(slowH, &slowCalls)
	ph := queryPhase(1, args)
	ph.NeedsRefinement = true
	slow := slowH.run(context.Background(), ph)

	if !fast.Success || !slow.Success {
		t.Fatalf("fast err=%v slow err=%v", fast.Err, slow.Err)
	}
	if !fast.FastPath {
		t.Error("resolved phase should report the fast path")
	}
	if slow.FastPath {
		t.Error("refinement-marked phase must not report the fast path")
	}
	if slow.SlowPathCalls != 1 {
		t.Errorf("slow path calls: got %d, want 1", slow.SlowPathCalls)
	}
	if len(fastCalls) != 1 || len(slowCalls) != 1 {
		t.Fatalf("calls: fast %d slow %d", len(fastCalls), len(slowCalls))
	}
	fastJSON, _ := json.Marshal(fastCalls[0])
	slowJSON, _ := json.Marshal(slowCalls[0])
	if !bytes.Equal(fastJSON, slowJSON) {
		t.Errorf("paths sent different calls:\nfast: %s\nslow: %s", fastJSON, slowJSON)
	}
}

func TestExecutePhase_DefinitiveErrorAborts(t *testing.T) {
	h := newHarness(t, nil)
	calls := 0
	h.backend.Handle("query_metrics", func(context.Context, map[string]any) (*tools.InvokeResult, error) {
		calls++
		return errResult("syntax error in query: unexpected token"), nil
	})

	out := h.run(context.Background(), queryPhase(1, map[string]agent.ArgumentValue{
		"measurement": agent.LiteralValue("cpu"),
	}))

	if out.Success {
		t.Fatal("definitive error must fail the phase")
	}
	if out.Err == nil || out.Err.Type != agent.ErrTypeDefinitiveTool {
		t.Fatalf("error: %v", out.Err)
	}
	if calls != 1 {
		t.Errorf("definitive error must not be retried, got %d calls", calls)
	}
	if h.client.CallCount() != 0 {
		t.Errorf("definitive error must skip corrections, got %d model calls", h.client.CallCount())
	}
}

// An error no grounded strategy can repair burns the correction budget
// through the catch-all, then falls back to tactical decisions until the
// recovery threshold trips and the phase asks for a replan.
func TestExecutePhase_CorrectionsThenRecoveryRequest(t *testing.T) {
	h := newHarness(t, &llm.ScriptedClient{
		DefaultText: `{"target": "query_metrics", "arguments": {"measurement": "cpu"}}`,
	})
	h.env.Config.RecoveryThreshold = 2

	em := events.NewEmitter()
	rec := &events.Recorder{}
	em.Subscribe(rec.Handle, events.TypeCorrectionApplied)
	h.env.Emitter = em

	calls := 0
	h.backend.Handle("query_metrics", func(context.Context, map[string]any) (*tools.InvokeResult, error) {
		calls++
		return errResult("backend exploded"), nil
	})

	out := h.run(context.Background(), queryPhase(1, map[string]agent.ArgumentValue{
		"measurement": agent.LiteralValue("cpu"),
	}))

	if out.Success {
		t.Fatal("phase should have failed")
	}
	if !out.RecoveryRequested {
		t.Error("exhausted phase must request recovery")
	}
	if out.Err == nil || out.Err.Type != agent.ErrTypePhaseAborted {
		t.Fatalf("error: %v", out.Err)
	}
	// 1 fast attempt + 3 corrected retries + 2 tactical retries.
	if calls != 6 {
		t.Errorf("backend calls: got %d, want 6", calls)
	}
	// 3 catch-all proposals + 2 tactical decisions.
	if h.client.CallCount() != 5 {
		t.Errorf("model calls: got %d, want 5", h.client.CallCount())
	}
	if out.SlowPathCalls != 2 {
		t.Errorf("slow path calls: got %d, want 2", out.SlowPathCalls)
	}
	if got := len(rec.ByType(events.TypeCorrectionApplied)); got != 3 {
		t.Errorf("correction events: got %d, want 3", got)
	}
	if len(out.FailureHistory) < 6 {
		t.Errorf("failure history too short: %d", len(out.FailureHistory))
	}
}

// A hallucinated object name is repaired by enumerating what exists and
// retrying with the closest real name. No model call is involved.
func TestExecutePhase_ObjectNotFoundCorrection(t *testing.T) {
	h := newHarness(t, nil)
	var queried []string
	h.backend.Handle("query_metrics", func(_ context.Context, args map[string]any) (*tools.InvokeResult, error) {
		m, _ := args["measurement"].(string)
		queried = append(queried, m)
		if m != "foo_rate" {
			return errResult(fmt.Sprintf("referenced object does not exist: %s", m)), nil
		}
		return okResult(map[string]any{"rows": []any{}, "row_count": 0}), nil
	})
	h.backend.Handle("list_measurements", func(context.Context, map[string]any) (*tools.InvokeResult, error) {
		return okResult(map[string]any{"measurements": []any{"cpu_usage", "foo_rate", "disk_io"}}), nil
	})

	out := h.run(context.Background(), queryPhase(1, map[string]agent.ArgumentValue{
		"measurement": agent.LiteralValue("foo"),
	}))

	if !out.Success {
		t.Fatalf("phase failed: %v", out.Err)
	}
	if h.client.CallCount() != 0 {
		t.Errorf("grounded correction must not consult the model, got %d calls", h.client.CallCount())
	}
	if !reflect.DeepEqual(queried, []string{"foo", "foo_rate"}) {
		t.Errorf("query sequence: %v", queried)
	}

	var enumerated, corrected bool
	for _, e := range h.trace.EntriesForPhase(1) {
		if e.Action.Target.Name == "list_measurements" && e.Result.Status == agent.TraceSuccess {
			enumerated = true
		}
		if e.Result.Status == agent.TraceInfo && e.Result.Metadata["correction"] == "object_not_found" {
			corrected = true
		}
	}
	if !enumerated {
		t.Error("enumeration call missing from trace")
	}
	if !corrected {
		t.Error("correction entry missing from trace")
	}
}

func TestExecutePhase_LoopAggregatesInOrder(t *testing.T) {
	runLoopTest := func(t *testing.T, parallel int) {
		h := newHarness(t, nil)
		h.env.Config.ParallelIterations = parallel
		h.state.SetResult(1, &agent.PhaseResult{Payload: map[string]any{
			"items": []any{"cpu", "mem", "disk"},
		}})

		var mu sync.Mutex
		calls := 0
		h.backend.Handle("query_metrics", func(_ context.Context, args map[string]any) (*tools.InvokeResult, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			m, _ := args["measurement"].(string)
			return okResult(m + "-ok"), nil
		})

		lo := agent.PhaseRef(1, "items")
		out := h.run(context.Background(), &agent.Phase{
			Index:  2,
			Goal:   "Query each measurement",
			Kind:   agent.PhaseLoop,
			Target: agent.Target{Kind: agent.TargetTool, Name: "query_metrics"},
			Arguments: map[string]agent.ArgumentValue{
				"measurement": agent.LoopItemValue(""),
			},
			LoopOver: &lo,
		})

		if !out.Success {
			t.Fatalf("loop failed: %v", out.Err)
		}
		if calls != 3 {
			t.Errorf("iterations: got %d, want 3", calls)
		}
		res, ok := h.state.Result(2)
		if !ok {
			t.Fatal("aggregate not stored")
		}
		payload, ok := res.Payload.(map[string]any)
		if !ok {
			t.Fatalf("aggregate shape: %T", res.Payload)
		}
		if payload["count"] != 3 {
			t.Errorf("count: got %v", payload["count"])
		}
		want := []any{"cpu-ok", "mem-ok", "disk-ok"}
		if !reflect.DeepEqual(payload["items"], want) {
			t.Errorf("items: got %v, want %v", payload["items"], want)
		}
	}

	t.Run("serial", func(t *testing.T) { runLoopTest(t, 1) })
	t.Run("parallel", func(t *testing.T) { runLoopTest(t, 4) })
}

func TestExecutePhase_EmptyLoopIsValid(t *testing.T) {
	h := newHarness(t, nil)
	h.state.SetResult(1, &agent.PhaseResult{Payload: map[string]any{"items": []any{}}})

	lo := agent.PhaseRef(1, "items")
	out := h.run(context.Background(), &agent.Phase{
		Index:  2,
		Goal:   "Query each measurement",
		Kind:   agent.PhaseLoop,
		Target: agent.Target{Kind: agent.TargetTool, Name: "query_metrics"},
		Arguments: map[string]agent.ArgumentValue{
			"measurement": agent.LoopItemValue(""),
		},
		LoopOver: &lo,
	})

	if !out.Success {
		t.Fatalf("empty loop must succeed: %v", out.Err)
	}
	if out.Attempts != 0 {
		t.Errorf("empty loop made %d calls", out.Attempts)
	}
	res, ok := h.state.Result(2)
	if !ok {
		t.Fatal("empty aggregate not stored")
	}
	payload := res.Payload.(map[string]any)
	if payload["count"] != 0 {
		t.Errorf("count: got %v, want 0", payload["count"])
	}
}

func TestExecutePhase_CancelStopsBetweenIterations(t *testing.T) {
	h := newHarness(t, nil)
	h.state.SetResult(1, &agent.PhaseResult{Payload: map[string]any{
		"items": []any{"cpu", "mem"},
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := 0
	h.backend.Handle("query_metrics", func(context.Context, map[string]any) (*tools.InvokeResult, error) {
		calls++
		cancel()
		return okResult("one"), nil
	})

	lo := agent.PhaseRef(1, "items")
	out := h.run(ctx, &agent.Phase{
		Index:  2,
		Goal:   "Query each measurement",
		Kind:   agent.PhaseLoop,
		Target: agent.Target{Kind: agent.TargetTool, Name: "query_metrics"},
		Arguments: map[string]agent.ArgumentValue{
			"measurement": agent.LoopItemValue(""),
		},
		LoopOver: &lo,
	})

	if out.Success {
		t.Fatal("cancelled loop must not succeed")
	}
	if calls != 1 {
		t.Errorf("iterations after cancel: got %d, want 1", calls)
	}
	if out.Err == nil || out.Err.Type != agent.ErrTypePhaseAborted {
		t.Fatalf("error: %v", out.Err)
	}
	if !errors.Is(out.Err, context.Canceled) {
		t.Error("cause should unwrap to context.Canceled")
	}
	if _, ok := h.state.Result(2); ok {
		t.Error("cancelled loop must not store a partial aggregate")
	}
}

func TestExecutePhase_PromptTarget(t *testing.T) {
	h := newHarness(t, llm.Script(llm.ScriptedResponse{Text: "  TRANSFORMED  \n"}))

	out := h.run(context.Background(), &agent.Phase{
		Index:  1,
		Goal:   "Apply the instruction to the item",
		Kind:   agent.PhaseStandard,
		Target: agent.Target{Kind: agent.TargetPrompt, Name: "apply_llm"},
		Arguments: map[string]agent.ArgumentValue{
			"instruction": agent.LiteralValue("Uppercase this"),
			"item":        agent.LiteralValue("hello"),
		},
	})

	if !out.Success {
		t.Fatalf("prompt phase failed: %v", out.Err)
	}
	if !out.FastPath {
		t.Error("resolved prompt phase should take the fast path")
	}
	res, ok := h.state.Result(1)
	if !ok || res.Payload != "TRANSFORMED" {
		t.Errorf("payload: got %v", res)
	}
	if out.Tokens.Output == 0 {
		t.Error("prompt completion tokens not accounted")
	}
	if len(h.client.Calls) != 1 {
		t.Fatalf("model calls: %d", len(h.client.Calls))
	}
	call := h.client.Calls[0]
	if call.Format != llm.FormatText {
		t.Errorf("format: %v", call.Format)
	}
	for _, want := range []string{"Uppercase this", "hello"} {
		if !bytes.Contains([]byte(call.Prompt), []byte(want)) {
			t.Errorf("rendered prompt missing %q:\n%s", want, call.Prompt)
		}
	}
}

func TestExecutePhase_FinalAnswerShortCircuit(t *testing.T) {
	h := newHarness(t, llm.Script(llm.ScriptedResponse{
		Text: `{"final_answer": "The store is empty; nothing to analyze."}`,
	}))
	h.backend.Handle("query_metrics", func(context.Context, map[string]any) (*tools.InvokeResult, error) {
		return errResult("upstream kaput"), nil
	})

	out := h.run(context.Background(), queryPhase(1, map[string]agent.ArgumentValue{
		"measurement": agent.LiteralValue("cpu"),
	}))

	if !out.Success {
		t.Fatalf("final answer should mark the phase successful: %v", out.Err)
	}
	if out.FinalAnswer != "The store is empty; nothing to analyze." {
		t.Errorf("final answer: %q", out.FinalAnswer)
	}
	if _, ok := h.state.Result(1); ok {
		t.Error("a final answer must not store a phase result")
	}
}

// schemalessBackend simulates a backend whose schema endpoint is down
// while invocation still works.
type schemalessBackend struct {
	inner tools.Backend
}

func (b *schemalessBackend) Invoke(ctx context.Context, target string, args map[string]any) (*tools.InvokeResult, error) {
	return b.inner.Invoke(ctx, target, args)
}

func (b *schemalessBackend) Schema(context.Context, string) (*tools.Schema, error) {
	return nil, errors.New("schema service down")
}

func TestExecutePhase_SchemaFailureFallsToSlowPath(t *testing.T) {
	h := newHarness(t, llm.Script(llm.ScriptedResponse{
		Text: `{"target": "query_metrics", "arguments": {"measurement": "cpu"}}`,
	}))
	var gotArgs map[string]any
	h.backend.Handle("query_metrics", func(_ context.Context, args map[string]any) (*tools.InvokeResult, error) {
		gotArgs = args
		return okResult("ok"), nil
	})

	e := New(&schemalessBackend{inner: h.backend}, h.client, h.env)
	out := e.ExecutePhase(context.Background(), queryPhase(1, map[string]agent.ArgumentValue{
		"measurement": agent.LiteralValue("cpu"),
	}), h.state, h.trace)

	if !out.Success {
		t.Fatalf("phase failed: %v", out.Err)
	}
	if out.FastPath {
		t.Error("no schema means no fast path")
	}
	if out.SlowPathCalls != 1 {
		t.Errorf("slow path calls: got %d, want 1", out.SlowPathCalls)
	}
	if gotArgs["measurement"] != "cpu" {
		t.Errorf("backend saw %v", gotArgs)
	}
}

func TestExecutePhase_DeadProviderRequestsRecovery(t *testing.T) {
	responses := make([]llm.ScriptedResponse, 0, 5)
	for i := 0; i < 5; i++ {
		responses = append(responses, llm.ScriptedResponse{Err: llm.ErrUnavailable})
	}
	h := newHarness(t, llm.Script(responses...))

	// No declared arguments: the required measurement is unresolved, so
	// every attempt needs a tactical decision.
	out := h.run(context.Background(), queryPhase(1, nil))

	if out.Success {
		t.Fatal("phase should have failed")
	}
	if !out.RecoveryRequested {
		t.Error("dead provider must end in a recovery request, not an infinite loop")
	}
	if h.client.CallCount() != 5 {
		t.Errorf("model calls: got %d, want the threshold of 5", h.client.CallCount())
	}
	if out.Attempts != 0 {
		t.Errorf("no physical calls expected, got %d", out.Attempts)
	}
}

func TestExecutePhase_EmitsLifecycleEvents(t *testing.T) {
	h := newHarness(t, nil)
	em := events.NewEmitter()
	rec := &events.Recorder{}
	em.Subscribe(rec.Handle)
	h.env.Emitter = em

	h.backend.Handle("query_metrics", func(context.Context, map[string]any) (*tools.InvokeResult, error) {
		return okResult("ok"), nil
	})
	out := h.run(context.Background(), queryPhase(3, map[string]agent.ArgumentValue{
		"measurement": agent.LiteralValue("cpu"),
	}))
	if !out.Success {
		t.Fatalf("phase failed: %v", out.Err)
	}

	started := rec.ByType(events.TypePhaseStarted)
	finished := rec.ByType(events.TypePhaseFinished)
	if len(started) != 1 || len(finished) != 1 {
		t.Fatalf("events: started=%d finished=%d", len(started), len(finished))
	}
	if started[0].Phase != 3 || finished[0].Phase != 3 {
		t.Errorf("phase stamps: started=%d finished=%d", started[0].Phase, finished[0].Phase)
	}
	data, ok := finished[0].Data.(events.PhaseFinishedData)
	if !ok {
		t.Fatalf("finished data: %T", finished[0].Data)
	}
	if !data.Success || !data.FastPath || data.Attempts != 1 {
		t.Errorf("finished data: %+v", data)
	}
}
