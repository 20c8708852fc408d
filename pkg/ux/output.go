// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
)

// Kodiak palette - glacier blues over dark stone.
var (
	ColorGlacier = lipgloss.Color("#7FD4E4") // highlights, titles
	ColorIce     = lipgloss.Color("#4CA6C3") // primary accent
	ColorDepth   = lipgloss.Color("#23556E") // borders
	ColorStone   = lipgloss.Color("#5C6B73") // muted text

	ColorSuccess = lipgloss.Color("#54C48A")
	ColorWarning = lipgloss.Color("#E5C07B")
	ColorError   = lipgloss.Color("#E06C75")
)

// Styles provides the pre-configured lipgloss styles the CLI and TUI
// share.
var Styles = struct {
	Title     lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style

	Box      lipgloss.Style
	ErrorBox lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorGlacier),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorStone),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorIce).Bold(true),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorDepth).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),
}

// Icon is a themed status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconRunning Icon = "●"
	IconArrow   Icon = "→"
)

// Render returns the icon with its semantic color in styled mode and
// the bare glyph otherwise.
func (i Icon) Render() string {
	if Mode() != ModeStyled {
		return string(i)
	}
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	case IconRunning:
		return Styles.Highlight.Render(string(i))
	default:
		return string(i)
	}
}

// Title prints a styled heading. Suppressed in machine mode.
func Title(text string) {
	switch Mode() {
	case ModeMachine:
		return
	case ModePlain:
		fmt.Println(text)
	default:
		fmt.Println(Styles.Title.Render(text))
	}
}

// Success prints a success line.
func Success(text string) {
	switch Mode() {
	case ModeMachine:
		fmt.Printf("OK: %s\n", text)
	case ModePlain:
		fmt.Printf("%s %s\n", IconSuccess, text)
	default:
		fmt.Printf("%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
	}
}

// Warning prints a warning line. Machine mode routes it to stderr so
// piped payloads stay clean.
func Warning(text string) {
	switch Mode() {
	case ModeMachine:
		fmt.Fprintf(os.Stderr, "WARN: %s\n", text)
	case ModePlain:
		fmt.Printf("%s %s\n", IconWarning, text)
	default:
		fmt.Printf("%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
	}
}

// Error prints an error line. Machine mode routes it to stderr.
func Error(text string) {
	switch Mode() {
	case ModeMachine:
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", text)
	case ModePlain:
		fmt.Printf("%s %s\n", IconError, text)
	default:
		fmt.Printf("%s %s\n", IconError.Render(), Styles.Error.Render(text))
	}
}

// Info prints a secondary line with a gutter mark.
func Info(text string) {
	switch Mode() {
	case ModeMachine:
		fmt.Println(text)
	case ModePlain:
		fmt.Printf("| %s\n", text)
	default:
		fmt.Printf("%s %s\n", Styles.Muted.Render("│"), text)
	}
}

// Muted prints de-emphasized text. Suppressed in machine mode.
func Muted(text string) {
	switch Mode() {
	case ModeMachine:
		return
	case ModePlain:
		fmt.Println(text)
	default:
		fmt.Println(Styles.Muted.Render(text))
	}
}

// KeyValue prints an aligned label/value pair.
func KeyValue(label, value string) {
	switch Mode() {
	case ModeMachine:
		fmt.Printf("%s=%s\n", label, value)
	case ModePlain:
		fmt.Printf("  %-12s %s\n", label, value)
	default:
		fmt.Printf("  %s %s\n", Styles.Muted.Render(fmt.Sprintf("%-12s", label)), value)
	}
}

// Answer prints the turn's final answer, boxed in styled mode.
func Answer(text string) {
	switch Mode() {
	case ModeMachine:
		fmt.Println(text)
	case ModePlain:
		fmt.Printf("\n%s\n", text)
	default:
		fmt.Println(Styles.Box.Width(boxWidth()).Render(text))
	}
}

// boxWidth is fixed: lipgloss reflows the content, and 76 columns stay
// readable on a default 80-column terminal.
func boxWidth() int {
	return 76
}
