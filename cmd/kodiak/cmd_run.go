// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/kodiak/cmd/kodiak/tui"
	"github.com/AleutianAI/kodiak/pkg/ux"
	"github.com/AleutianAI/kodiak/services/agent"
	"github.com/AleutianAI/kodiak/services/agent/events"
	"github.com/AleutianAI/kodiak/services/storage"
)

// runRunCommand executes one turn and prints the answer.
func runRunCommand(cmd *cobra.Command, args []string) {
	goal := strings.TrimSpace(strings.Join(args, " "))
	if goal == "" {
		goal = promptForGoal()
	}

	watch := runWatch && ux.Interactive()

	// The terminal belongs to the viewer or the progress lines; logs go
	// to the file destination only. Machine mode keeps stderr logs for
	// script debugging.
	quiet := ux.Mode() != ux.ModeMachine
	logger := newLogger("cli", false, quiet)
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store *storage.Store
	if !runNoStore {
		var err error
		store, err = openTurnStore(ctx, runDataDir, "")
		if err != nil {
			log.Fatalf("Failed to open turn store: %v", err)
		}
		defer store.Close()
	}

	coord, err := buildCoordinator(ctx, store, 1)
	if err != nil {
		log.Fatalf("Failed to build engine: %v", err)
	}

	turnID, err := coord.StartTurn(ctx, &agent.TurnRequest{
		SessionID: runSession,
		Goal:      goal,
		Constraints: agent.PlanConstraints{
			ExcludedTargets: runExclude,
		},
	})
	if err != nil {
		log.Fatalf("Failed to start turn: %v", err)
	}

	// StartTurn detaches from the caller's context, so a signal or a
	// --timeout expiry must cancel through the coordinator.
	go func() {
		<-ctx.Done()
		_ = coord.Cancel(turnID)
	}()
	if runTimeout > 0 {
		timer := time.AfterFunc(runTimeout, func() { _ = coord.Cancel(turnID) })
		defer timer.Stop()
	}

	emitter, err := coord.Events(turnID)
	if err != nil {
		log.Fatalf("Failed to attach to turn %s: %v", turnID, err)
	}

	if watch {
		if err := watchTurn(emitter, goal, func() { _ = coord.Cancel(turnID) }); err != nil {
			ux.Warning(fmt.Sprintf("viewer exited: %v", err))
		}
	}
	// Always wait on the event stream, not the viewer: a force-quit
	// viewer leaves the turn running until cancellation lands.
	waitForFinish(emitter, !watch && ux.Mode() != ux.ModeMachine)

	view, err := coord.GetTurn(turnID)
	if err != nil || view.Result == nil {
		log.Fatalf("Turn %s finished but its result is gone: %v", turnID, err)
	}
	printTurnResult(view.Result)
	if view.Result.Status != agent.TurnCompleted {
		os.Exit(1)
	}
}

// promptForGoal asks for a goal interactively. Fatal when stdin is not
// a terminal: a script that forgot the argument should fail loudly.
func promptForGoal() string {
	if !ux.Interactive() {
		log.Fatal("No goal given and stdin is not a terminal; pass the goal as an argument")
	}
	var goal string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("What should kodiak do?").
			Placeholder("What was the average cpu over the past 2 days?").
			Value(&goal).
			Validate(func(s string) error {
				if strings.TrimSpace(s) == "" {
					return errors.New("a goal is required")
				}
				return nil
			}),
	))
	if err := form.Run(); err != nil {
		log.Fatalf("Prompt aborted: %v", err)
	}
	return strings.TrimSpace(goal)
}

// watchTurn runs the live viewer until the turn finishes or the user
// quits. Events bridge from the engine's emitting goroutine through a
// buffered feed; the terminal turn_finished event is latched separately
// so a burst can never hide the ending from the viewer.
func watchTurn(emitter *events.Emitter, goal string, cancel func()) error {
	feed := make(chan events.Event, 512)
	finished := make(chan events.Event, 1)
	subID, replay := emitter.SubscribeWithReplay(func(ev *events.Event) {
		select {
		case feed <- *ev:
		default:
			if ev.Type == events.TypeTurnFinished {
				select {
				case finished <- *ev:
				default:
				}
			}
		}
	})
	defer emitter.Unsubscribe(subID)

	p := tea.NewProgram(tui.New(goal, replay, cancel))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case ev := <-feed:
				p.Send(tui.EventMsg{Event: ev})
				if ev.Type == events.TypeTurnFinished {
					return
				}
			case ev := <-finished:
				p.Send(tui.EventMsg{Event: ev})
				return
			}
		}
	}()

	_, err := p.Run()
	if err == nil {
		// Every quit path in the viewer requests cancellation first, so
		// the terminal event is close behind.
		<-done
	}
	return err
}

// waitForFinish blocks until the turn's terminal event, optionally
// printing progress lines along the way.
func waitForFinish(emitter *events.Emitter, showProgress bool) {
	done := make(chan struct{})
	var once sync.Once
	finish := func(ev *events.Event) {
		if ev.Type == events.TypeTurnFinished {
			once.Do(func() { close(done) })
		}
	}

	subID, replay := emitter.SubscribeWithReplay(func(ev *events.Event) {
		if showProgress {
			printProgressEvent(ev)
		}
		finish(ev)
	})
	defer emitter.Unsubscribe(subID)

	for i := range replay {
		if showProgress {
			printProgressEvent(&replay[i])
		}
		finish(&replay[i])
	}
	<-done
}

// printProgressEvent renders one engine event as a progress line.
func printProgressEvent(ev *events.Event) {
	switch d := ev.Data.(type) {
	case *events.TurnStartedData:
		ux.Muted("planning...")
	case events.PlanGeneratedData:
		if d.Recovery {
			ux.Warning(fmt.Sprintf("recovery plan: %d phases", d.PhaseCount))
		} else {
			ux.Info(fmt.Sprintf("plan: %d phases (%s)", d.PhaseCount, d.PlanType))
		}
	case events.PassAppliedData:
		ux.Muted(fmt.Sprintf("  pass %s: phases %d to %d", d.Name, d.PhasesBefore, d.PhasesAfter))
	case events.PassDegradedData:
		ux.Muted(fmt.Sprintf("  pass %s degraded: %s", d.Name, d.Reason))
	case events.PhaseStartedData:
		label := d.Target
		if d.Loop {
			label += " (loop)"
		}
		ux.Info(fmt.Sprintf("phase %d: %s %s %s", ev.Phase, d.Goal, ux.IconArrow, label))
	case events.PhaseFinishedData:
		if d.Success {
			ux.Success(fmt.Sprintf("phase %d: %s (%s, %d attempt(s))",
				ev.Phase, d.Target, d.Duration.Round(time.Millisecond), d.Attempts))
		} else {
			ux.Warning(fmt.Sprintf("phase %d: %s failed: %s", ev.Phase, d.Target, d.Error))
		}
	case events.CorrectionAppliedData:
		ux.Muted(fmt.Sprintf("  correction %s (attempt %d)", d.Strategy, d.Attempt))
	case *events.RecoveryStartedData:
		ux.Warning(fmt.Sprintf("phase %d exhausted, replanning without %s",
			d.FailedPhase, strings.Join(d.ExcludedTargets, ", ")))
	case *events.TurnCancelledData:
		ux.Warning(fmt.Sprintf("cancelled after %d completed phase(s)", d.CompletedPhases))
	}
}

// printTurnResult renders the terminal result.
func printTurnResult(res *agent.TurnResult) {
	if runJSON {
		out, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			log.Fatalf("Failed to encode result: %v", err)
		}
		fmt.Println(string(out))
		return
	}

	switch res.Status {
	case agent.TurnCompleted:
		if res.Answer != "" {
			ux.Answer(res.Answer)
		} else {
			ux.Success("turn completed with no reporting phase output")
		}
	case agent.TurnCancelled:
		ux.Warning("turn cancelled")
	default:
		msg := "turn failed"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		ux.Error(msg)
	}

	duration := time.Duration(res.FinishedAt-res.StartedAt) * time.Millisecond
	ux.KeyValue("turn", res.TurnID)
	ux.KeyValue("session", res.SessionID)
	ux.KeyValue("status", string(res.Status))
	ux.KeyValue("phases", fmt.Sprintf("%d", len(res.Results)))
	ux.KeyValue("tokens", fmt.Sprintf("%d in / %d out", res.Tokens.Input, res.Tokens.Output))
	ux.KeyValue("duration", duration.Round(time.Millisecond).String())
}
