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
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/kodiak/pkg/ux"
)

// Build metadata, overridden at release time:
//
//	go build -ldflags "-X main.version=v0.3.0 -X main.commit=$(git rev-parse --short HEAD) -X main.buildDate=$(date -u +%Y-%m-%d)"
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// runVersionCommand prints build information.
func runVersionCommand(cmd *cobra.Command, args []string) {
	if ux.Mode() == ux.ModeMachine {
		fmt.Printf("kodiak %s %s %s %s\n", version, commit, buildDate, runtime.Version())
		return
	}
	ux.Title(fmt.Sprintf("kodiak %s", version))
	ux.KeyValue("commit", commit)
	ux.KeyValue("built", buildDate)
	ux.KeyValue("go", runtime.Version())
}
