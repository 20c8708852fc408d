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
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/kodiak/pkg/extensions"
	"github.com/AleutianAI/kodiak/services/gateway"
	"github.com/AleutianAI/kodiak/services/tools"
)

// runServeCommand starts the engine behind the HTTP gateway and blocks
// until SIGINT or SIGTERM.
func runServeCommand(cmd *cobra.Command, args []string) {
	logger := newLogger("gateway", true, false)
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Fail fast on an unloadable catalog rather than on the first turn.
	catalog, err := tools.ActiveCatalog(ctx)
	if err != nil {
		log.Fatalf("Failed to load tool catalog: %v", err)
	}
	slog.Info("Tool catalog ready",
		slog.String("source", catalog.Source()),
	)

	store, err := openTurnStore(ctx, serveDataDir, serveBucket)
	if err != nil {
		log.Fatalf("Failed to open turn store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Turn store close failed", slog.Any("error", err))
		}
	}()

	coord, err := buildCoordinator(ctx, store, serveMaxTurns)
	if err != nil {
		log.Fatalf("Failed to build engine: %v", err)
	}

	// Hot-reload the catalog when an external file changes. Running
	// turns keep their snapshot.
	watcher, err := tools.NewCatalogWatcher(nil)
	if err != nil {
		slog.Warn("Catalog watcher unavailable", slog.Any("error", err))
	} else if watcher != nil {
		go watcher.Start(ctx)
	}

	srv, err := gateway.New(gateway.Config{
		Port:         servePort,
		OTelEndpoint: serveOTel,
	}, coord, gateway.WithHistory(store), gateway.WithExtensions(buildExtensions()))
	if err != nil {
		log.Fatalf("Failed to create gateway: %v", err)
	}

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("Gateway error: %v", err)
	}
}

// buildExtensions assembles the gateway's auth/audit seams from the
// environment. Unset variables keep the open-source no-op defaults.
func buildExtensions() extensions.ServiceOptions {
	opts := extensions.DefaultOptions()
	if token := os.Getenv("KODIAK_API_TOKEN"); token != "" {
		opts = opts.WithAuth(extensions.TokenProvider(token))
		slog.Info("API token authentication enabled")
	}
	if os.Getenv("KODIAK_AUDIT_LOG") != "" {
		opts = opts.WithAudit(extensions.NewSlogAuditLogger(nil))
		slog.Info("Audit logging to process log enabled")
	}
	return opts
}
