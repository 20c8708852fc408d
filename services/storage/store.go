// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage persists finished turns.
//
// The store is badger-backed and keeps each turn's artifacts under
// separate keys so the gateway can serve a trace without loading the
// plans, and a plan diff without loading the trace:
//
//	turn/<session>/<turn-id>/meta            outcome metadata
//	turn/<session>/<turn-id>/plan_generated  the plan as the model proposed it
//	turn/<session>/<turn-id>/plan_rewritten  the plan that actually ran
//	turn/<session>/<turn-id>/trace           the full execution trace
//	turn/<session>/<turn-id>/results         distilled phase payloads
//	seq/<session>/<end-nanos>/<turn-id>      per-session time ordering
//	turnidx/<turn-id>                        turn-id -> session
//	result/<session>/<target>                newest successful payload per target
//
// The result/ index is what lets plan hydration survive a process
// restart: the planner's previous-turn pass reads last turn's trace, and
// LastSuccessfulResult answers "what did this target last return" without
// replaying traces.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/kodiak/services/agent"
	"github.com/AleutianAI/kodiak/services/storage/badger"
)

// ErrNotFound means the requested turn, session, or result is not in
// the store.
var ErrNotFound = errors.New("storage: not found")

var (
	savesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kodiak_storage_saves_total",
		Help: "Turn records written, by outcome.",
	}, []string{"status"})

	archiveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kodiak_storage_archive_failures_total",
		Help: "Turn bundles that failed to mirror to the archive.",
	})
)

// Archiver mirrors a finished turn bundle to long-term storage. The
// store calls it asynchronously after the local write commits.
type Archiver interface {
	Archive(ctx context.Context, rec *agent.TurnRecord) error
}

// Store is the badger-backed turn store. It implements agent.TurnStore
// and the wider read surface the gateway and CLI use.
//
// Thread Safety: safe for concurrent use.
type Store struct {
	db       *badger.DB
	archiver Archiver

	// archiveWG tracks in-flight async archive uploads so Close can
	// drain them.
	archiveWG sync.WaitGroup
}

// Option configures a Store.
type Option func(*Store)

// WithArchiver mirrors every saved turn to the given archive.
func WithArchiver(a Archiver) Option {
	return func(s *Store) {
		s.archiver = a
	}
}

// Open opens a store at the configured location.
func Open(cfg badger.Config, opts ...Option) (*Store, error) {
	db, err := badger.Open(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithDB(db, opts...), nil
}

// NewWithDB wraps an already-open database. The store takes ownership:
// Close closes it.
func NewWithDB(db *badger.DB, opts ...Option) *Store {
	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close drains pending archive uploads and closes the database.
func (s *Store) Close() error {
	s.archiveWG.Wait()
	return s.db.Close()
}

// =============================================================================
// Keys
// =============================================================================

func turnKey(sessionID, turnID, part string) []byte {
	return []byte(fmt.Sprintf("turn/%s/%s/%s", sessionID, turnID, part))
}

func seqPrefix(sessionID string) []byte {
	return []byte(fmt.Sprintf("seq/%s/", sessionID))
}

func seqKey(sessionID string, endedAt time.Time, turnID string) []byte {
	return []byte(fmt.Sprintf("seq/%s/%020d/%s", sessionID, endedAt.UnixNano(), turnID))
}

func turnIndexKey(turnID string) []byte {
	return []byte("turnidx/" + turnID)
}

func resultPrefix(sessionID string) []byte {
	return []byte(fmt.Sprintf("result/%s/", sessionID))
}

func resultKey(sessionID, target string) []byte {
	return []byte(fmt.Sprintf("result/%s/%s", sessionID, target))
}

// turnMeta is the stored outcome metadata, separate from the heavyweight
// plan and trace parts.
type turnMeta struct {
	TurnID    string             `json:"turn_id"`
	SessionID string             `json:"session_id"`
	Goal      string             `json:"goal"`
	Status    agent.TurnStatus   `json:"status"`
	Answer    string             `json:"answer,omitempty"`
	Error     *agent.EngineError `json:"error,omitempty"`
	Tokens    agent.TokenUsage   `json:"tokens"`
	StartedAt time.Time          `json:"started_at"`
	EndedAt   time.Time          `json:"ended_at"`
	Phases    int                `json:"phases"`
}

// StoredResult is one target's most recent successful payload within a
// session.
type StoredResult struct {
	TurnID  string    `json:"turn_id"`
	Target  string    `json:"target"`
	Payload any       `json:"payload"`
	EndedAt time.Time `json:"ended_at"`
}

// TurnSummary is the listing row for a session's history.
type TurnSummary struct {
	TurnID    string           `json:"turn_id"`
	Goal      string           `json:"goal"`
	Status    agent.TurnStatus `json:"status"`
	Phases    int              `json:"phases"`
	StartedAt time.Time        `json:"started_at"`
	EndedAt   time.Time        `json:"ended_at"`
}

// =============================================================================
// agent.TurnStore
// =============================================================================

// SaveTurn persists one finished turn.
//
// Description:
//
//	Writes the record's parts, the per-session sequence entry, the
//	turn-id index, and the per-target last-success entries in a single
//	transaction. When an archiver is configured the bundle is mirrored
//	asynchronously after the commit; archive failures are counted and
//	logged, never surfaced.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	rec - The record. TurnID and SessionID are required.
//
// Outputs:
//
//	error - Non-nil if validation or the write failed.
//
// Thread Safety: safe for concurrent use.
func (s *Store) SaveTurn(ctx context.Context, rec *agent.TurnRecord) error {
	if rec == nil {
		return errors.New("storage: nil record")
	}
	if rec.TurnID == "" || rec.SessionID == "" {
		return errors.New("storage: record is missing its turn or session ID")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ended := rec.EndedAt
	if ended.IsZero() {
		ended = time.Now()
	}

	parts := map[string]any{
		"meta": turnMeta{
			TurnID:    rec.TurnID,
			SessionID: rec.SessionID,
			Goal:      rec.Goal,
			Status:    rec.Status,
			Answer:    rec.Answer,
			Error:     rec.Error,
			Tokens:    rec.Tokens,
			StartedAt: rec.StartedAt,
			EndedAt:   ended,
			Phases:    len(rec.Results),
		},
	}
	if rec.Generated != nil {
		parts["plan_generated"] = rec.Generated
	}
	if rec.Rewritten != nil {
		parts["plan_rewritten"] = rec.Rewritten
	}
	if len(rec.Trace) > 0 {
		parts["trace"] = rec.Trace
	}
	if len(rec.Results) > 0 {
		parts["results"] = rec.Results
	}

	encoded := make(map[string][]byte, len(parts))
	for part, v := range parts {
		b, err := json.Marshal(v)
		if err != nil {
			savesTotal.WithLabelValues("encode_error").Inc()
			return fmt.Errorf("encode %s: %w", part, err)
		}
		encoded[part] = b
	}

	results := lastSuccessByTarget(rec, ended)

	err := s.db.Update(func(txn *badgerdb.Txn) error {
		for part, b := range encoded {
			if err := txn.Set(turnKey(rec.SessionID, rec.TurnID, part), b); err != nil {
				return err
			}
		}
		if err := txn.Set(seqKey(rec.SessionID, ended, rec.TurnID), []byte(rec.TurnID)); err != nil {
			return err
		}
		if err := txn.Set(turnIndexKey(rec.TurnID), []byte(rec.SessionID)); err != nil {
			return err
		}
		for target, sr := range results {
			b, err := json.Marshal(sr)
			if err != nil {
				return fmt.Errorf("encode result %s: %w", target, err)
			}
			if err := txn.Set(resultKey(rec.SessionID, target), b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		savesTotal.WithLabelValues("write_error").Inc()
		return fmt.Errorf("save turn %s: %w", rec.TurnID, err)
	}
	savesTotal.WithLabelValues("ok").Inc()

	if s.archiver != nil {
		s.archiveWG.Add(1)
		go s.archive(rec)
	}
	return nil
}

// LastTrace returns the most recent turn's trace for a session, or nil
// when the session has no history.
func (s *Store) LastTrace(ctx context.Context, sessionID string) ([]agent.TraceEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	turnID, err := s.newestTurnID(sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var trace []agent.TraceEntry
	err = s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(turnKey(sessionID, turnID, "trace"))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil // turn saved without a trace
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &trace)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load trace for turn %s: %w", turnID, err)
	}
	return trace, nil
}

// =============================================================================
// Read surface
// =============================================================================

// GetTurn loads a full turn record by turn ID.
func (s *Store) GetTurn(ctx context.Context, turnID string) (*agent.TurnRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sessionID, err := s.sessionOf(turnID)
	if err != nil {
		return nil, err
	}

	rec := &agent.TurnRecord{}
	err = s.db.View(func(txn *badgerdb.Txn) error {
		var meta turnMeta
		if err := readJSON(txn, turnKey(sessionID, turnID, "meta"), &meta); err != nil {
			return err
		}
		rec.TurnID = meta.TurnID
		rec.SessionID = meta.SessionID
		rec.Goal = meta.Goal
		rec.Status = meta.Status
		rec.Answer = meta.Answer
		rec.Error = meta.Error
		rec.Tokens = meta.Tokens
		rec.StartedAt = meta.StartedAt
		rec.EndedAt = meta.EndedAt

		if err := readOptionalJSON(txn, turnKey(sessionID, turnID, "plan_generated"), &rec.Generated); err != nil {
			return err
		}
		if err := readOptionalJSON(txn, turnKey(sessionID, turnID, "plan_rewritten"), &rec.Rewritten); err != nil {
			return err
		}
		if err := readOptionalJSON(txn, turnKey(sessionID, turnID, "trace"), &rec.Trace); err != nil {
			return err
		}
		return readOptionalJSON(txn, turnKey(sessionID, turnID, "results"), &rec.Results)
	})
	if err != nil {
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load turn %s: %w", turnID, err)
	}
	return rec, nil
}

// TurnTrace loads just the trace of one turn, for the gateway's trace
// endpoint.
func (s *Store) TurnTrace(ctx context.Context, turnID string) ([]agent.TraceEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sessionID, err := s.sessionOf(turnID)
	if err != nil {
		return nil, err
	}

	var trace []agent.TraceEntry
	err = s.db.View(func(txn *badgerdb.Txn) error {
		return readOptionalJSON(txn, turnKey(sessionID, turnID, "trace"), &trace)
	})
	if err != nil {
		return nil, fmt.Errorf("load trace for turn %s: %w", turnID, err)
	}
	return trace, nil
}

// SessionTurns lists a session's turns newest first, up to limit
// (0 = all).
func (s *Store) SessionTurns(ctx context.Context, sessionID string, limit int) ([]TurnSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var ids []string
	prefix := seqPrefix(sessionID)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(append(append([]byte{}, prefix...), 0xFF)); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				ids = append(ids, string(val))
				return nil
			})
			if err != nil {
				return err
			}
			if limit > 0 && len(ids) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list turns for session %s: %w", sessionID, err)
	}

	summaries := make([]TurnSummary, 0, len(ids))
	err = s.db.View(func(txn *badgerdb.Txn) error {
		for _, id := range ids {
			var meta turnMeta
			if err := readJSON(txn, turnKey(sessionID, id, "meta"), &meta); err != nil {
				if errors.Is(err, badgerdb.ErrKeyNotFound) {
					continue
				}
				return err
			}
			summaries = append(summaries, TurnSummary{
				TurnID:    meta.TurnID,
				Goal:      meta.Goal,
				Status:    meta.Status,
				Phases:    meta.Phases,
				StartedAt: meta.StartedAt,
				EndedAt:   meta.EndedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load turn metadata for session %s: %w", sessionID, err)
	}
	return summaries, nil
}

// LastSuccessfulResult returns the newest successful payload a target
// produced within a session. An empty targetHint returns the most
// recently written result across all targets. Returns ErrNotFound when
// the session has no matching result.
func (s *Store) LastSuccessfulResult(ctx context.Context, sessionID, targetHint string) (*StoredResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if targetHint != "" {
		var sr StoredResult
		err := s.db.View(func(txn *badgerdb.Txn) error {
			return readJSON(txn, resultKey(sessionID, targetHint), &sr)
		})
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("load result %s/%s: %w", sessionID, targetHint, err)
		}
		return &sr, nil
	}

	var newest *StoredResult
	prefix := resultPrefix(sessionID)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var sr StoredResult
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sr)
			})
			if err != nil {
				return err
			}
			if newest == nil || sr.EndedAt.After(newest.EndedAt) {
				cp := sr
				newest = &cp
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan results for session %s: %w", sessionID, err)
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	return newest, nil
}

// =============================================================================
// Internals
// =============================================================================

// newestTurnID resolves the most recent turn of a session through the
// sequence index.
func (s *Store) newestTurnID(sessionID string) (string, error) {
	var turnID string
	prefix := seqPrefix(sessionID)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(append(append([]byte{}, prefix...), 0xFF))
		if !it.ValidForPrefix(prefix) {
			return ErrNotFound
		}
		return it.Item().Value(func(val []byte) error {
			turnID = string(val)
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	return turnID, nil
}

// sessionOf resolves a turn ID to its owning session.
func (s *Store) sessionOf(turnID string) (string, error) {
	var sessionID string
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(turnIndexKey(turnID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			sessionID = string(val)
			return nil
		})
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve turn %s: %w", turnID, err)
	}
	return sessionID, nil
}

// archive mirrors one record off the write path.
func (s *Store) archive(rec *agent.TurnRecord) {
	defer s.archiveWG.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.archiver.Archive(ctx, rec); err != nil {
		archiveFailures.Inc()
		slog.Error("Turn archive upload failed",
			slog.String("session_id", rec.SessionID),
			slog.String("turn_id", rec.TurnID),
			slog.String("error", err.Error()),
		)
	}
}

// lastSuccessByTarget extracts each target's final successful payload
// from the record's trace. Info entries and orchestrator-internal noise
// are skipped by status; later entries win.
func lastSuccessByTarget(rec *agent.TurnRecord, ended time.Time) map[string]StoredResult {
	out := make(map[string]StoredResult)
	for _, e := range rec.Trace {
		if e.Result.Status != agent.TraceSuccess {
			continue
		}
		name := strings.TrimSpace(e.Action.Target.Name)
		if name == "" {
			continue
		}
		out[name] = StoredResult{
			TurnID:  rec.TurnID,
			Target:  name,
			Payload: e.Result.Payload,
			EndedAt: ended,
		}
	}
	return out
}

func readJSON(txn *badgerdb.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

// readOptionalJSON is readJSON tolerating a missing key.
func readOptionalJSON(txn *badgerdb.Txn, key []byte, v any) error {
	err := readJSON(txn, key, v)
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil
	}
	return err
}
