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
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/kodiak/pkg/ux"
)

// Flag variables shared between init() and the command handlers.
var (
	// Persistent flags.
	plainOutput bool
	logLevel    string
	logDir      string

	// serve flags.
	servePort     int
	serveOTel     string
	serveDataDir  string
	serveBucket   string
	serveMaxTurns int

	// run flags.
	runSession string
	runWatch   bool
	runJSON    bool
	runTimeout time.Duration
	runExclude []string
	runDataDir string
	runNoStore bool

	// turns flags.
	turnsSession string
	turnsLimit   int
	turnsDataDir string
	turnsTrace   bool
)

var (
	rootCmd = &cobra.Command{
		Use:   "kodiak",
		Short: "Plan-construction and execution engine for LLM agents",
		Long: `Kodiak turns a natural-language goal into a validated multi-phase plan,
executes it against a tool provider, and repairs failures along the way.

Run 'kodiak serve' to expose the engine over HTTP, or 'kodiak run' to
execute a single turn from the terminal.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			ux.Init()
			if plainOutput {
				ux.SetMode(ux.ModePlain)
			}
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Long: `Serve starts the engine behind the HTTP gateway: turn submission,
status and trace lookups, cancellation, and the per-turn websocket
event stream. The turn store persists finished turns under the data
directory; an optional GCS bucket mirrors them for long-term archive.`,
		Run: runServeCommand, // Defined in cmd_serve.go
	}

	runCmd = &cobra.Command{
		Use:   "run [goal]",
		Short: "Execute a single turn",
		Long: `Run executes one engine turn and prints the answer. With --watch and
an interactive terminal, a live viewer shows plan phases, corrections,
and recovery as they happen. Without a goal argument, an interactive
prompt asks for one.`,
		Example: `  kodiak run "What was the average cpu over the past 2 days?"
  kodiak run --watch --session ops "Compare cpu and memory usage"
  kodiak run --json "List all measurements" | jq .answer`,
		Run: runRunCommand, // Defined in cmd_run.go
	}

	turnsCmd = &cobra.Command{
		Use:   "turns",
		Short: "Inspect persisted turns",
	}

	turnsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List a session's turn history",
		Run:   runTurnsListCommand, // Defined in cmd_turns.go
	}

	turnsShowCmd = &cobra.Command{
		Use:   "show <turn-id>",
		Short: "Show one persisted turn",
		Args:  cobra.ExactArgs(1),
		Run:   runTurnsShowCommand, // Defined in cmd_turns.go
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run:   runVersionCommand, // Defined in cmd_version.go
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&plainOutput, "plain", false, "Disable styled output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", envOr("KODIAK_LOG_LEVEL", "info"), "Minimum log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", envOr("KODIAK_LOG_DIR", ""), "Directory for JSON log files (empty disables file logging)")

	serveCmd.Flags().IntVar(&servePort, "port", envOrInt("KODIAK_PORT", 7352), "HTTP server port")
	serveCmd.Flags().StringVar(&serveOTel, "otel-endpoint", envOr("OTEL_EXPORTER_OTLP_ENDPOINT", ""), "OpenTelemetry collector endpoint (empty disables span export)")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", defaultDataDir(), "Turn store directory")
	serveCmd.Flags().StringVar(&serveBucket, "archive-bucket", envOr("KODIAK_ARCHIVE_BUCKET", ""), "GCS bucket mirroring finished turns (empty disables)")
	serveCmd.Flags().IntVar(&serveMaxTurns, "max-turns", envOrInt("KODIAK_MAX_TURNS", 16), "Concurrent turn limit (0 = unlimited)")

	runCmd.Flags().StringVarP(&runSession, "session", "s", "default", "Session ID grouping turns for cross-turn hydration")
	runCmd.Flags().BoolVarP(&runWatch, "watch", "w", false, "Show the live run viewer")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the full turn result as JSON")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Cancel the turn after this duration (0 = engine default)")
	runCmd.Flags().StringArrayVar(&runExclude, "exclude", nil, "Tool to exclude from planning (repeatable)")
	runCmd.Flags().StringVar(&runDataDir, "data-dir", defaultDataDir(), "Turn store directory")
	runCmd.Flags().BoolVar(&runNoStore, "no-store", false, "Skip turn persistence for this run")

	turnsCmd.PersistentFlags().StringVar(&turnsDataDir, "data-dir", defaultDataDir(), "Turn store directory")
	turnsListCmd.Flags().StringVarP(&turnsSession, "session", "s", "default", "Session ID to list")
	turnsListCmd.Flags().IntVarP(&turnsLimit, "limit", "n", 20, "Maximum turns to list")
	turnsShowCmd.Flags().BoolVar(&turnsTrace, "trace", false, "Include the execution trace")

	turnsCmd.AddCommand(turnsListCmd)
	turnsCmd.AddCommand(turnsShowCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(turnsCmd)
	rootCmd.AddCommand(versionCmd)
}
