// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tui is the live run viewer behind `kodiak run --watch`.
//
// # Description
//
// The viewer renders one turn as it executes: plan generation, rewrite
// passes, phases with their attempts and durations, corrections, and
// recovery replans. Events arrive as EventMsg values sent into the
// bubbletea program by the CLI's bridge goroutine; the model itself
// never touches the engine.
//
// # Thread Safety
//
// The model runs single-threaded inside the bubbletea event loop. Do
// not access it from other goroutines; send messages instead.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/kodiak/pkg/ux"
	"github.com/AleutianAI/kodiak/services/agent/events"
)

// =============================================================================
// Messages
// =============================================================================

// EventMsg delivers one engine event to the viewer.
type EventMsg struct {
	Event events.Event
}

// =============================================================================
// Model
// =============================================================================

// phaseState tracks one phase row through its lifecycle.
type phaseState int

const (
	phaseRunning phaseState = iota
	phaseDone
	phaseFailed
)

// phaseRow is the viewer's record of one executed phase.
type phaseRow struct {
	index    int
	goal     string
	target   string
	loop     bool
	state    phaseState
	attempts int
	fastPath bool
	duration time.Duration
	errText  string
}

// feedDepth bounds the recent-activity section.
const feedDepth = 6

// Model is the bubbletea model for the run viewer.
type Model struct {
	goal   string
	cancel func()

	spinner  spinner.Model
	phases   []phaseRow
	expected int
	feed     []string

	status          string
	errText         string
	tokensIn        int
	tokensOut       int
	duration        time.Duration
	done            bool
	cancelRequested bool

	width int
}

// New creates a run viewer.
//
// # Inputs
//
//   - goal: The turn's goal, shown as the header.
//   - replay: Events already emitted before the viewer attached.
//   - cancel: Invoked when the user requests cancellation. May be nil.
//
// # Outputs
//
//   - Model: Ready-to-use model for tea.NewProgram.
func New(goal string, replay []events.Event, cancel func()) Model {
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	sp.Style = lipgloss.NewStyle().Foreground(ux.ColorIce)

	m := Model{
		goal:    goal,
		cancel:  cancel,
		spinner: sp,
		status:  "planning",
		width:   80,
	}
	for i := range replay {
		m.apply(&replay[i])
	}
	return m
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			if m.done {
				return m, tea.Quit
			}
			if m.cancelRequested {
				// Second press stops watching; the cancelled turn still
				// seals in the background.
				return m, tea.Quit
			}
			m.cancelRequested = true
			m.status = "cancelling"
			if m.cancel != nil {
				m.cancel()
			}
			return m, nil
		}
		return m, nil

	case EventMsg:
		m.apply(&msg.Event)
		if m.done {
			return m, tea.Quit
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// Done reports whether the turn reached its terminal event.
func (m Model) Done() bool {
	return m.done
}

// =============================================================================
// Event application
// =============================================================================

// apply folds one engine event into the viewer state.
func (m *Model) apply(ev *events.Event) {
	switch d := ev.Data.(type) {
	case *events.TurnStartedData:
		m.status = "planning"

	case events.PlanGeneratedData:
		m.expected = d.PhaseCount
		if d.Recovery {
			// The replacement plan supersedes the remaining phases.
			m.phases = nil
			m.pushFeed(fmt.Sprintf("recovery plan: %d phases", d.PhaseCount))
		} else {
			m.pushFeed(fmt.Sprintf("plan: %d phases (%s)", d.PhaseCount, d.PlanType))
		}

	case events.PassAppliedData:
		m.expected = d.PhasesAfter
		m.pushFeed(fmt.Sprintf("pass %s: phases %d to %d", d.Name, d.PhasesBefore, d.PhasesAfter))

	case events.PassDegradedData:
		m.pushFeed(fmt.Sprintf("pass %s degraded: %s", d.Name, d.Reason))

	case events.PhaseStartedData:
		m.status = "executing"
		m.phases = append(m.phases, phaseRow{
			index:  ev.Phase,
			goal:   d.Goal,
			target: d.Target,
			loop:   d.Loop,
			state:  phaseRunning,
		})

	case events.PhaseFinishedData:
		if row := m.findPhase(ev.Phase); row != nil {
			row.attempts = d.Attempts
			row.fastPath = d.FastPath
			row.duration = d.Duration
			if d.Success {
				row.state = phaseDone
			} else {
				row.state = phaseFailed
				row.errText = d.Error
			}
		}

	case events.CorrectionAppliedData:
		m.pushFeed(fmt.Sprintf("correction %s (attempt %d)", d.Strategy, d.Attempt))

	case *events.RecoveryStartedData:
		m.pushFeed(fmt.Sprintf("phase %d exhausted after %d failures, replanning",
			d.FailedPhase, d.FailureCount))

	case *events.TurnCancelledData:
		m.pushFeed(fmt.Sprintf("cancelled after %d completed phase(s)", d.CompletedPhases))

	case *events.TurnFinishedData:
		m.done = true
		m.status = d.Status
		m.tokensIn = d.TokensIn
		m.tokensOut = d.TokensOut
		m.duration = d.Duration
		m.errText = d.Error
	}
}

// findPhase returns the most recent row for a phase index. Recovery can
// rerun an index, so the scan goes newest first.
func (m *Model) findPhase(index int) *phaseRow {
	for i := len(m.phases) - 1; i >= 0; i-- {
		if m.phases[i].index == index {
			return &m.phases[i]
		}
	}
	return nil
}

// pushFeed appends a recent-activity line, evicting the oldest past
// feedDepth.
func (m *Model) pushFeed(line string) {
	m.feed = append(m.feed, line)
	if len(m.feed) > feedDepth {
		m.feed = m.feed[len(m.feed)-feedDepth:]
	}
}

// =============================================================================
// View
// =============================================================================

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(ux.Styles.Title.Render(truncate(m.goal, m.width-2)))
	b.WriteString("\n\n")

	if len(m.phases) == 0 {
		b.WriteString(fmt.Sprintf("  %s %s\n", m.spinner.View(), m.status))
	}
	for _, row := range m.phases {
		b.WriteString(m.renderPhase(row))
	}

	if len(m.feed) > 0 {
		b.WriteString("\n")
		for _, line := range m.feed {
			b.WriteString("  ")
			b.WriteString(ux.Styles.Muted.Render(truncate(line, m.width-4)))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(m.renderFooter())
	b.WriteString("\n")
	return b.String()
}

// renderPhase renders one phase row.
func (m Model) renderPhase(row phaseRow) string {
	var marker, detail string
	switch row.state {
	case phaseRunning:
		marker = m.spinner.View()
	case phaseDone:
		marker = ux.IconSuccess.Render()
		detail = row.duration.Round(time.Millisecond).String()
		if row.attempts > 1 {
			detail += fmt.Sprintf(", %d attempts", row.attempts)
		}
	case phaseFailed:
		marker = ux.IconError.Render()
		detail = row.errText
	}

	target := row.target
	if row.loop {
		target += " (loop)"
	}
	line := fmt.Sprintf("  %s %d %s  %s", marker, row.index,
		ux.Styles.Bold.Render(target), truncate(row.goal, m.width/2))
	if detail != "" {
		line += "  " + ux.Styles.Muted.Render(detail)
	}
	return line + "\n"
}

// renderFooter renders the status line.
func (m Model) renderFooter() string {
	if m.done {
		switch m.status {
		case "completed":
			return fmt.Sprintf("  %s completed in %s  %s",
				ux.IconSuccess.Render(),
				m.duration.Round(time.Millisecond),
				ux.Styles.Muted.Render(m.tokenSummary()))
		case "cancelled":
			return fmt.Sprintf("  %s cancelled  %s",
				ux.IconWarning.Render(),
				ux.Styles.Muted.Render(m.tokenSummary()))
		default:
			return fmt.Sprintf("  %s failed: %s",
				ux.IconError.Render(), m.errText)
		}
	}

	progress := m.status
	if m.expected > 0 && m.status == "executing" {
		progress = fmt.Sprintf("phase %d of %d", m.currentPhase(), m.expected)
	}
	return fmt.Sprintf("  %s %s  %s",
		m.spinner.View(), progress,
		ux.Styles.Muted.Render("q to cancel"))
}

// currentPhase is the highest phase index seen so far.
func (m Model) currentPhase() int {
	max := 0
	for _, row := range m.phases {
		if row.index > max {
			max = row.index
		}
	}
	return max
}

// tokenSummary formats the turn's token usage.
func (m Model) tokenSummary() string {
	return fmt.Sprintf("%d in / %d out tokens", m.tokensIn, m.tokensOut)
}

// truncate shortens s to fit max terminal cells.
func truncate(s string, max int) string {
	if max <= 3 || len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
