// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// CatalogWatcher reloads the active catalog when the external catalog file
// changes on disk.
//
// # Description
//
// Running turns hold their snapshot; a reload only affects turns that
// start after the swap. The watcher watches the file's directory rather
// than the file itself so editors that replace-by-rename are detected.
//
// # Thread Safety
//
// Safe for concurrent use. Start should only be called once.
type CatalogWatcher struct {
	path    string
	watcher *fsnotify.Watcher

	// onReload, when set, is called after a successful swap.
	onReload func(*Catalog)
}

// NewCatalogWatcher creates a watcher for the catalog file named by
// KODIAK_CATALOG_PATH. Returns (nil, nil) when no external path is
// configured, which callers treat as "nothing to watch".
func NewCatalogWatcher(onReload func(*Catalog)) (*CatalogWatcher, error) {
	path := os.Getenv(catalogPathEnv)
	if path == "" {
		return nil, nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &CatalogWatcher{path: path, watcher: watcher, onReload: onReload}, nil
}

// Start begins watching. Blocks until the context is cancelled; run it in
// a goroutine.
func (w *CatalogWatcher) Start(ctx context.Context) {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		slog.Warn("Failed to watch catalog directory",
			"dir", dir,
			"error", err)
		return
	}
	slog.Info("Watching catalog file", "path", w.path)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload(ctx)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Catalog watcher error", "error", err)
		case <-ctx.Done():
			if err := w.watcher.Close(); err != nil {
				slog.Debug("Closing catalog watcher", "error", err)
			}
			return
		}
	}
}

// reload parses the changed file and swaps the active snapshot. A corrupt
// file leaves the previous snapshot in place.
func (w *CatalogWatcher) reload(ctx context.Context) {
	cat, err := LoadCatalog(ctx)
	if err != nil {
		slog.Error("Catalog reload failed, keeping previous snapshot",
			"path", w.path,
			"error", err)
		return
	}
	ReplaceActiveCatalog(cat, "fsnotify")
	slog.Info("Catalog reloaded",
		"path", w.path,
		"tools", len(cat.tools),
		"prompts", len(cat.prompts))
	if w.onReload != nil {
		w.onReload(cat)
	}
}
