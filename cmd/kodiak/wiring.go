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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/AleutianAI/kodiak/pkg/logging"
	"github.com/AleutianAI/kodiak/services/agent"
	"github.com/AleutianAI/kodiak/services/agent/executor"
	"github.com/AleutianAI/kodiak/services/agent/planner"
	"github.com/AleutianAI/kodiak/services/llm"
	"github.com/AleutianAI/kodiak/services/retriever"
	"github.com/AleutianAI/kodiak/services/storage"
	"github.com/AleutianAI/kodiak/services/storage/archive"
	"github.com/AleutianAI/kodiak/services/storage/badger"
	"github.com/AleutianAI/kodiak/services/tools"
	"github.com/AleutianAI/kodiak/services/tools/influx"
)

// envOr returns the environment variable value or a default.
func envOr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// envOrInt returns the environment variable as int or a default.
func envOrInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// defaultDataDir resolves the turn store location: KODIAK_DATA_DIR or
// ~/.kodiak/data.
func defaultDataDir() string {
	if dir := os.Getenv("KODIAK_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".kodiak", "data")
	}
	return filepath.Join(home, ".kodiak", "data")
}

// newLogger builds the process logger and installs it as the slog
// default so every package-level slog call in the engine flows through
// the same destinations.
func newLogger(service string, jsonOut, quiet bool) *logging.Logger {
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(logLevel),
		LogDir:  logDir,
		Service: service,
		JSON:    jsonOut,
		Quiet:   quiet,
	})
	slog.SetDefault(logger.Slog())
	return logger
}

// openTurnStore opens the badger turn store, wiring the GCS archive
// mirror when a bucket is configured.
func openTurnStore(ctx context.Context, dir, bucket string) (*storage.Store, error) {
	var opts []storage.Option
	if bucket != "" {
		uploader, err := archive.NewUploader(ctx, bucket)
		if err != nil {
			return nil, fmt.Errorf("archive bucket %q: %w", bucket, err)
		}
		opts = append(opts, storage.WithArchiver(uploader))
	}
	store, err := storage.Open(badger.DefaultConfig(dir), opts...)
	if err != nil {
		return nil, fmt.Errorf("turn store at %q: %w", dir, err)
	}
	return store, nil
}

// buildLLMClient selects the provider from KODIAK_LLM_BACKEND and wraps
// it with the rate limiter when KODIAK_LLM_RPS is set.
func buildLLMClient() (llm.Client, error) {
	backend := strings.ToLower(envOr("KODIAK_LLM_BACKEND", "openai"))

	var client llm.Client
	var err error
	switch backend {
	case "openai":
		client, err = llm.NewOpenAIClient()
	case "ollama":
		client, err = llm.NewOllamaClient()
	default:
		return nil, fmt.Errorf("unknown LLM backend %q (want openai or ollama)", backend)
	}
	if err != nil {
		return nil, fmt.Errorf("LLM backend %q: %w", backend, err)
	}

	if rps := os.Getenv("KODIAK_LLM_RPS"); rps != "" {
		limit, err := strconv.ParseFloat(rps, 64)
		if err != nil || limit <= 0 {
			return nil, fmt.Errorf("KODIAK_LLM_RPS %q is not a positive number", rps)
		}
		burst := envOrInt("KODIAK_LLM_BURST", 1)
		client = llm.NewRateLimited(client, limit, burst)
	}
	return client, nil
}

// buildToolBackend selects the tool provider: a remote HTTP provider
// when KODIAK_TOOL_PROVIDER_URL is set, InfluxDB when its connection
// variables are present, otherwise a static backend over the catalog so
// prompt-only goals still run.
func buildToolBackend(ctx context.Context) (tools.Backend, error) {
	if url := os.Getenv("KODIAK_TOOL_PROVIDER_URL"); url != "" {
		var opts []tools.HTTPBackendOption
		if token := os.Getenv("KODIAK_TOOL_PROVIDER_TOKEN"); token != "" {
			opts = append(opts, tools.WithAuthToken(token))
		}
		return tools.NewHTTPBackend(url, opts...)
	}

	if os.Getenv("INFLUXDB_URL") != "" {
		return influx.NewProvider(ctx)
	}

	catalog, err := tools.ActiveCatalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	slog.Warn("No tool provider configured; tool phases will fail, prompt targets still run")
	return tools.NewStaticBackend(catalog), nil
}

// buildRetriever wires the Weaviate few-shot retriever when configured.
// Without one the planner runs zero-shot.
func buildRetriever() retriever.Retriever {
	if os.Getenv("WEAVIATE_SERVICE_URL") == "" {
		return nil
	}
	r, err := retriever.NewWeaviateFromEnv()
	if err != nil {
		slog.Warn("Weaviate retriever unavailable, planning zero-shot",
			slog.String("error", err.Error()))
		return nil
	}
	return r
}

// buildCoordinator assembles the engine: LLM client, tool backend,
// retriever, planner, and the per-turn executor factory.
func buildCoordinator(ctx context.Context, store *storage.Store, maxTurns int) (*agent.Coordinator, error) {
	client, err := buildLLMClient()
	if err != nil {
		return nil, err
	}
	backend, err := buildToolBackend(ctx)
	if err != nil {
		return nil, err
	}

	var plannerOpts []planner.Option
	if r := buildRetriever(); r != nil {
		plannerOpts = append(plannerOpts, planner.WithRetriever(r))
	}
	plan := planner.New(client, plannerOpts...)

	opts := []agent.CoordinatorOption{
		agent.WithMaxConcurrentTurns(maxTurns),
	}
	if store != nil {
		opts = append(opts, agent.WithTurnStore(store))
	}
	return agent.NewCoordinator(plan, executor.Factory(backend, client), opts...), nil
}
