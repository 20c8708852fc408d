// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output styling for the kodiak CLI.
//
// Every helper respects the active output mode: styled for interactive
// terminals, plain for dumb terminals, machine for pipes and scripts.
// The mode is decided once at startup from KODIAK_OUTPUT or a TTY check
// and can be forced with --plain.
package ux

import (
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// OutputMode controls how much styling the print helpers apply.
type OutputMode string

const (
	// ModeStyled enables colors, icons, and boxes.
	ModeStyled OutputMode = "styled"

	// ModePlain keeps icons and layout but drops color.
	ModePlain OutputMode = "plain"

	// ModeMachine emits prefix-tagged plain lines for scripts; purely
	// decorative output is suppressed entirely.
	ModeMachine OutputMode = "machine"
)

var (
	modeMu      sync.RWMutex
	currentMode = ModeStyled
)

// Mode returns the active output mode.
func Mode() OutputMode {
	modeMu.RLock()
	defer modeMu.RUnlock()
	return currentMode
}

// SetMode overrides the active output mode.
func SetMode(m OutputMode) {
	modeMu.Lock()
	defer modeMu.Unlock()
	currentMode = m
}

// ParseMode maps a user-supplied string onto an OutputMode. Unknown
// values fall back to plain, the safe middle ground.
func ParseMode(s string) OutputMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "styled", "full":
		return ModeStyled
	case "plain", "minimal":
		return ModePlain
	case "machine", "quiet":
		return ModeMachine
	default:
		return ModePlain
	}
}

// Init decides the output mode for this process: KODIAK_OUTPUT wins,
// then a stdout TTY check. Pipes and redirects get machine output so
// `kodiak run ... | jq` never sees escape codes.
func Init() {
	if env := os.Getenv("KODIAK_OUTPUT"); env != "" {
		SetMode(ParseMode(env))
		return
	}
	if !stdoutIsTerminal() {
		SetMode(ModeMachine)
		return
	}
	SetMode(ModeStyled)
}

// stdoutIsTerminal reports whether stdout is an interactive terminal.
func stdoutIsTerminal() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Interactive reports whether prompting the user makes sense: both ends
// of the conversation must be a TTY and the caller must not have asked
// for machine output.
func Interactive() bool {
	if Mode() == ModeMachine {
		return false
	}
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
