// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command kodiak is the CLI for the kodiak plan-execution engine.
//
// # Commands
//
//   - serve: run the HTTP gateway around the engine
//   - run: execute a single turn from the terminal
//   - turns: inspect persisted turns and session history
//   - version: print build information
//
// # Environment Variables
//
//   - KODIAK_LLM_BACKEND: LLM provider - openai, ollama (default: openai)
//   - KODIAK_CATALOG_PATH: external tool catalog YAML (default: embedded)
//   - KODIAK_DATA_DIR: turn store location (default: ~/.kodiak/data)
//   - KODIAK_TOOL_PROVIDER_URL: remote tool provider base URL
//   - KODIAK_API_TOKEN: require this bearer token on gateway /v1 routes
//   - KODIAK_AUDIT_LOG: set to record turn submissions in the process log
//   - INFLUXDB_URL/TOKEN/ORG/BUCKET: InfluxDB reference tool provider
//   - WEAVIATE_SERVICE_URL: few-shot retriever (optional)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (optional)
//
// # Usage
//
//	# Build
//	go build -o kodiak ./cmd/kodiak
//
//	# Serve the gateway
//	kodiak serve --port 7352
//
//	# Run one turn with the live viewer
//	kodiak run --watch "What was the average cpu over the past 2 days?"
package main

import (
	"log"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already printed usage errors; anything else is fatal.
		log.SetFlags(0)
		log.Printf("kodiak: %v", err)
		os.Exit(1)
	}
}
