// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the engine limits and the argument synonym table.
//
// Defaults are embedded so a bare binary runs without any config files;
// an external file (KODIAK_ENGINE_CONFIG_PATH) and a small set of env
// vars override them. Turns never read the shared config directly — the
// coordinator hands each turn a Snapshot so a reload cannot change
// limits mid-turn.
//
// Thread Safety:
//
//	All exported functions are safe for concurrent use.
package config

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gopkg.in/yaml.v3"
)

const (
	// MaxConfigFileSize caps external config files (1MB).
	MaxConfigFileSize = 1024 * 1024

	// MaxSynonyms caps the synonym table size.
	MaxSynonyms = 500
)

//go:embed engine.yaml
var defaultEngineYAML []byte

//go:embed synonyms.yaml
var defaultSynonymsYAML []byte

var (
	configLoadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kodiak_engine_config_load_errors_total",
		Help: "Total engine config load errors",
	})

	configLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kodiak_engine_config_load_duration_seconds",
		Help:    "Duration of engine config loading",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5},
	})
)

var configTracer = otel.Tracer("kodiak.agent.config")

// RecoveryValidation selects how much of the rewrite pipeline applies to
// plans produced by autonomous error recovery.
type RecoveryValidation string

const (
	// RecoveryValidationPass reruns the deterministic validation pass on
	// recovery plans, stripping hallucinated arguments the replan may
	// have reintroduced.
	RecoveryValidationPass RecoveryValidation = "validation"

	// RecoveryValidationNone trusts recovery plans as generated.
	RecoveryValidationNone RecoveryValidation = "none"
)

// engineYAML is the on-disk shape of the engine config.
type engineYAML struct {
	Limits struct {
		MaxCorrectionAttempts int `yaml:"max_correction_attempts"`
		RecoveryThreshold     int `yaml:"recovery_threshold"`
		MaxRecoveryPlans      int `yaml:"max_recovery_plans"`
		MaxPhases             int `yaml:"max_phases"`
		PlannerRetries        int `yaml:"planner_retries"`
		FewShotExamples       int `yaml:"few_shot_examples"`
		KnowledgeDocuments    int `yaml:"knowledge_documents"`
		ParallelIterations    int `yaml:"parallel_iterations"`
	} `yaml:"limits"`
	Distill struct {
		TokenLimit int `yaml:"token_limit"`
		RowLimit   int `yaml:"row_limit"`
	} `yaml:"distill"`
	Recovery struct {
		Validation string `yaml:"validation"`
	} `yaml:"recovery"`
	Errors struct {
		Definitive []string `yaml:"definitive"`
	} `yaml:"errors"`
	Timeouts struct {
		PhaseSeconds int `yaml:"phase_seconds"`
		TurnSeconds  int `yaml:"turn_seconds"`
	} `yaml:"timeouts"`
}

// synonymsYAML is the on-disk shape of the synonym table.
type synonymsYAML struct {
	Synonyms map[string]string `yaml:"synonyms"`
}

// Config holds the engine limits for one process, or — via Snapshot —
// for one turn.
type Config struct {
	// MaxCorrectionAttempts is the correction ceiling per phase.
	MaxCorrectionAttempts int

	// RecoveryThreshold is the distinct-failed-phase count that triggers
	// an autonomous replan.
	RecoveryThreshold int

	// MaxRecoveryPlans bounds replans per turn.
	MaxRecoveryPlans int

	// MaxPhases caps phases per plan.
	MaxPhases int

	// PlannerRetries is how many times plan extraction may fail before
	// the turn surfaces a plan generation error.
	PlannerRetries int

	// FewShotExamples and KnowledgeDocuments bound retriever requests.
	FewShotExamples    int
	KnowledgeDocuments int

	// ParallelIterations is the loop-phase concurrency. 1 = serial.
	ParallelIterations int

	// DistillTokenLimit and DistillRowLimit bound payloads embedded in
	// prompts; larger payloads are distilled first.
	DistillTokenLimit int
	DistillRowLimit   int

	// RecoveryValidation selects revalidation of recovery plans.
	RecoveryValidation RecoveryValidation

	// PhaseTimeout and TurnTimeout bound wall-clock execution.
	PhaseTimeout time.Duration
	TurnTimeout  time.Duration

	// synonyms maps near-miss argument names to canonical names.
	synonyms map[string]string

	// definitive holds lowercase substrings marking non-retryable tool
	// errors.
	definitive []string
}

var (
	configMu      sync.RWMutex
	configOnce    sync.Once
	cachedConfig  *Config
	configLoadErr error
)

// Default returns the process-wide engine config, loading it on first
// call.
//
// Description:
//
//	Loads embedded defaults, overlays an external file if
//	KODIAK_ENGINE_CONFIG_PATH points at one, then applies env-var
//	overrides. The result is cached; use Snapshot for per-turn copies.
//
// Outputs:
//
//	*Config - The loaded config. Never nil on success.
//	error - Non-nil if loading or validation failed.
func Default(ctx context.Context) (*Config, error) {
	configMu.RLock()
	if cachedConfig != nil || configLoadErr != nil {
		cfg, err := cachedConfig, configLoadErr
		configMu.RUnlock()
		return cfg, err
	}
	configMu.RUnlock()

	configMu.Lock()
	defer configMu.Unlock()

	if cachedConfig != nil || configLoadErr != nil {
		return cachedConfig, configLoadErr
	}

	configOnce.Do(func() {
		cachedConfig, configLoadErr = load(ctx)
	})
	return cachedConfig, configLoadErr
}

// Reset clears the cached config so the next Default call reloads.
//
// WARNING: test hook only.
func Reset() {
	configMu.Lock()
	defer configMu.Unlock()
	configOnce = sync.Once{}
	cachedConfig = nil
	configLoadErr = nil
}

// load assembles the config from embedded defaults, optional external
// file, and env overrides.
func load(ctx context.Context) (*Config, error) {
	ctx, span := configTracer.Start(ctx, "config.Load")
	defer span.End()

	start := time.Now()
	defer func() {
		configLoadDuration.Observe(time.Since(start).Seconds())
	}()

	yamlData := defaultEngineYAML
	source := "embedded"
	if path := os.Getenv("KODIAK_ENGINE_CONFIG_PATH"); path != "" {
		data, err := readBoundedFile(path)
		if err != nil {
			slog.Warn("External engine config not available, using embedded default",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		} else {
			yamlData = data
			source = "external"
		}
	}
	span.SetAttributes(attribute.String("source", source))

	cfg, err := Parse(yamlData, defaultSynonymsYAML)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse failed")
		configLoadErrors.Inc()
		return nil, err
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		configLoadErrors.Inc()
		return nil, err
	}

	slog.Info("Engine config loaded",
		slog.String("source", source),
		slog.Int("max_phases", cfg.MaxPhases),
		slog.Int("recovery_threshold", cfg.RecoveryThreshold),
		slog.Int("synonyms", len(cfg.synonyms)),
	)
	return cfg, nil
}

// Parse builds a Config from raw engine and synonym YAML.
func Parse(engineData, synonymData []byte) (*Config, error) {
	var raw engineYAML
	if err := yaml.Unmarshal(engineData, &raw); err != nil {
		return nil, fmt.Errorf("unmarshaling engine config: %w", err)
	}

	var syn synonymsYAML
	if err := yaml.Unmarshal(synonymData, &syn); err != nil {
		return nil, fmt.Errorf("unmarshaling synonym table: %w", err)
	}
	if len(syn.Synonyms) > MaxSynonyms {
		return nil, fmt.Errorf("synonym table too large: %d entries (max %d)", len(syn.Synonyms), MaxSynonyms)
	}

	synonyms := make(map[string]string, len(syn.Synonyms))
	for near, canonical := range syn.Synonyms {
		near = strings.ToLower(strings.TrimSpace(near))
		canonical = strings.ToLower(strings.TrimSpace(canonical))
		if near == "" || canonical == "" || near == canonical {
			continue
		}
		synonyms[near] = canonical
	}

	definitive := make([]string, 0, len(raw.Errors.Definitive))
	for _, pattern := range raw.Errors.Definitive {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		definitive = append(definitive, pattern)
	}

	cfg := &Config{
		MaxCorrectionAttempts: raw.Limits.MaxCorrectionAttempts,
		RecoveryThreshold:     raw.Limits.RecoveryThreshold,
		MaxRecoveryPlans:      raw.Limits.MaxRecoveryPlans,
		MaxPhases:             raw.Limits.MaxPhases,
		PlannerRetries:        raw.Limits.PlannerRetries,
		FewShotExamples:       raw.Limits.FewShotExamples,
		KnowledgeDocuments:    raw.Limits.KnowledgeDocuments,
		ParallelIterations:    raw.Limits.ParallelIterations,
		DistillTokenLimit:     raw.Distill.TokenLimit,
		DistillRowLimit:       raw.Distill.RowLimit,
		RecoveryValidation:    RecoveryValidation(raw.Recovery.Validation),
		PhaseTimeout:          time.Duration(raw.Timeouts.PhaseSeconds) * time.Second,
		TurnTimeout:           time.Duration(raw.Timeouts.TurnSeconds) * time.Second,
		synonyms:              synonyms,
		definitive:            definitive,
	}
	return cfg, nil
}

// applyEnvOverrides applies the supported env-var knobs.
func applyEnvOverrides(cfg *Config) {
	if v, ok := envInt("KODIAK_PARALLEL_ITERATIONS"); ok {
		cfg.ParallelIterations = v
	}
	if v, ok := envInt("KODIAK_MAX_PHASES"); ok {
		cfg.MaxPhases = v
	}
	if v := os.Getenv("KODIAK_RECOVERY_VALIDATION"); v != "" {
		cfg.RecoveryValidation = RecoveryValidation(v)
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Ignoring non-integer env override",
			slog.String("var", name),
			slog.String("value", v),
		)
		return 0, false
	}
	return n, true
}

// Validate checks the limits are usable.
func (c *Config) Validate() error {
	if c.MaxCorrectionAttempts < 1 {
		return fmt.Errorf("max_correction_attempts must be >= 1, got %d", c.MaxCorrectionAttempts)
	}
	if c.RecoveryThreshold < 1 {
		return fmt.Errorf("recovery_threshold must be >= 1, got %d", c.RecoveryThreshold)
	}
	if c.MaxRecoveryPlans < 0 {
		return fmt.Errorf("max_recovery_plans must be >= 0, got %d", c.MaxRecoveryPlans)
	}
	if c.MaxPhases < 1 {
		return fmt.Errorf("max_phases must be >= 1, got %d", c.MaxPhases)
	}
	if c.PlannerRetries < 0 {
		return fmt.Errorf("planner_retries must be >= 0, got %d", c.PlannerRetries)
	}
	if c.ParallelIterations < 1 {
		return fmt.Errorf("parallel_iterations must be >= 1, got %d", c.ParallelIterations)
	}
	if c.DistillTokenLimit < 1 || c.DistillRowLimit < 1 {
		return fmt.Errorf("distill limits must be >= 1, got tokens=%d rows=%d", c.DistillTokenLimit, c.DistillRowLimit)
	}
	switch c.RecoveryValidation {
	case RecoveryValidationPass, RecoveryValidationNone:
	default:
		return fmt.Errorf("recovery validation must be %q or %q, got %q",
			RecoveryValidationPass, RecoveryValidationNone, c.RecoveryValidation)
	}
	return nil
}

// Snapshot returns an independent copy for one turn. Mutating the
// snapshot (or reloading the shared config) cannot affect other turns.
func (c *Config) Snapshot() *Config {
	cp := *c
	cp.synonyms = make(map[string]string, len(c.synonyms))
	for k, v := range c.synonyms {
		cp.synonyms[k] = v
	}
	cp.definitive = make([]string, len(c.definitive))
	copy(cp.definitive, c.definitive)
	return &cp
}

// IsDefinitiveError reports whether a tool error text matches the
// definitive classification. Definitive errors abort the phase without
// retry or correction.
func (c *Config) IsDefinitiveError(errText string) bool {
	lowered := strings.ToLower(errText)
	for _, pattern := range c.definitive {
		if strings.Contains(lowered, pattern) {
			return true
		}
	}
	return false
}

// CanonicalArg resolves a near-miss argument name to its canonical form.
// Returns false when the name has no synonym entry.
func (c *Config) CanonicalArg(name string) (string, bool) {
	canonical, ok := c.synonyms[strings.ToLower(strings.TrimSpace(name))]
	return canonical, ok
}

// SynonymCount returns the size of the loaded synonym table.
func (c *Config) SynonymCount() int {
	return len(c.synonyms)
}

// readBoundedFile reads an external config file with path and size checks.
func readBoundedFile(path string) ([]byte, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	if strings.Contains(absPath, "..") {
		return nil, fmt.Errorf("path traversal not allowed: %s", absPath)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.Size() > MaxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), MaxConfigFileSize)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}
