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

import "testing"

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want OutputMode
	}{
		{"styled", ModeStyled},
		{"full", ModeStyled},
		{"plain", ModePlain},
		{"minimal", ModePlain},
		{"machine", ModeMachine},
		{"quiet", ModeMachine},
		{"MACHINE", ModeMachine},
		{"  styled  ", ModeStyled},
		{"", ModePlain},
		{"nonsense", ModePlain},
	}
	for _, tt := range tests {
		if got := ParseMode(tt.in); got != tt.want {
			t.Errorf("ParseMode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestInit_EnvOverrideWins(t *testing.T) {
	prev := Mode()
	t.Cleanup(func() { SetMode(prev) })

	t.Setenv("KODIAK_OUTPUT", "machine")
	Init()
	if Mode() != ModeMachine {
		t.Errorf("mode = %q after KODIAK_OUTPUT=machine", Mode())
	}

	t.Setenv("KODIAK_OUTPUT", "styled")
	Init()
	if Mode() != ModeStyled {
		t.Errorf("mode = %q after KODIAK_OUTPUT=styled", Mode())
	}
}

func TestInit_NonTTYDefaultsToMachine(t *testing.T) {
	prev := Mode()
	t.Cleanup(func() { SetMode(prev) })

	// Test binaries run with stdout piped, so the TTY check sees a pipe.
	t.Setenv("KODIAK_OUTPUT", "")
	Init()
	if Mode() != ModeMachine {
		t.Errorf("mode = %q for piped stdout, want machine", Mode())
	}
}

func TestInteractive_FalseInMachineMode(t *testing.T) {
	withMode(t, ModeMachine)

	if Interactive() {
		t.Error("Interactive() = true in machine mode")
	}
}
