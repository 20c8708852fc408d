// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package archive mirrors finished turn bundles to Google Cloud Storage.
// The local badger store stays authoritative; the archive is a one-way
// copy for retention and offline analysis.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/AleutianAI/kodiak/services/agent"
)

// Uploader writes one JSON object per turn to a GCS bucket.
//
// Thread Safety: safe for concurrent use.
type Uploader struct {
	client *storage.Client
	bucket string
	prefix string
}

// Option configures an Uploader.
type Option func(*uploaderConfig)

type uploaderConfig struct {
	prefix     string
	clientOpts []option.ClientOption
}

// WithPrefix puts every object under the given path prefix.
func WithPrefix(prefix string) Option {
	return func(c *uploaderConfig) {
		c.prefix = prefix
	}
}

// WithCredentialsFile authenticates with a service-account key instead
// of application default credentials.
func WithCredentialsFile(keyPath string) Option {
	return func(c *uploaderConfig) {
		c.clientOpts = append(c.clientOpts, option.WithCredentialsFile(keyPath))
	}
}

// NewUploader creates an uploader for the given bucket.
//
// Inputs:
//
//	ctx - Context for client construction.
//	bucket - Target bucket name. Required.
//	opts - Optional prefix and credential configuration.
//
// Outputs:
//
//	*Uploader - The uploader. Call Close when done.
//	error - Non-nil if the bucket name is empty, a configured key file
//	        is missing, or the client cannot be built.
func NewUploader(ctx context.Context, bucket string, opts ...Option) (*Uploader, error) {
	if bucket == "" {
		return nil, fmt.Errorf("archive bucket name is required")
	}
	cfg := &uploaderConfig{prefix: "turns"}
	for _, opt := range opts {
		opt(cfg)
	}

	client, err := storage.NewClient(ctx, cfg.clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &Uploader{client: client, bucket: bucket, prefix: cfg.prefix}, nil
}

// Archive uploads one finished turn as JSON.
func (u *Uploader) Archive(ctx context.Context, rec *agent.TurnRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode turn %s: %w", rec.TurnID, err)
	}

	obj := u.client.Bucket(u.bucket).Object(objectPath(u.prefix, rec.SessionID, rec.TurnID))
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	w.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := io.Copy(w, bytes.NewReader(b)); err != nil {
		_ = w.Close()
		return fmt.Errorf("upload turn %s: %w", rec.TurnID, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize turn %s: %w", rec.TurnID, err)
	}
	return nil
}

// Close releases the underlying client.
func (u *Uploader) Close() error {
	return u.client.Close()
}

// objectPath builds the bucket-relative object name for one turn.
func objectPath(prefix, sessionID, turnID string) string {
	return path.Join(prefix, sessionID, turnID+".json")
}

// CheckCredentialsFile verifies a service-account key exists before the
// client swallows the path into an opaque error.
func CheckCredentialsFile(keyPath string) error {
	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		return fmt.Errorf("service account key not found at %s", keyPath)
	}
	return nil
}
