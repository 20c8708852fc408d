// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway exposes the plan-execution engine over HTTP.
//
// The gateway is deliberately thin: it validates requests, hands them to
// the workflow Coordinator, and serves results back out of the live run
// registry or the turn store. Engine progress streams to clients over a
// per-turn websocket fed by the engine's event emitter.
//
// # Endpoints
//
//	POST /v1/turns                submit a turn (async, 202 + turn ID)
//	GET  /v1/turns/:id            turn status, live or persisted
//	GET  /v1/turns/:id/trace      execution trace of a finished turn
//	POST /v1/turns/:id/cancel     request cancellation of a running turn
//	GET  /v1/turns/:id/events     websocket event stream with replay
//	GET  /v1/sessions/:id/turns   session history listing
//	GET  /v1/sessions/:id/result  last successful tool result
//	GET  /healthz                 liveness probe
//	GET  /metrics                 Prometheus metrics
//
// # Usage
//
//	coord := agent.NewCoordinator(planner, executorFactory,
//	    agent.WithTurnStore(store))
//	srv, err := gateway.New(gateway.Config{Port: 7352}, coord,
//	    gateway.WithHistory(store))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(srv.Run(ctx))
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/kodiak/pkg/extensions"
	"github.com/AleutianAI/kodiak/services/agent"
	"github.com/AleutianAI/kodiak/services/agent/events"
	"github.com/AleutianAI/kodiak/services/storage"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// =============================================================================
// Engine contracts
// =============================================================================

// TurnEngine is the Coordinator surface the gateway drives. Declared
// here so handlers can be tested against a scripted fake.
type TurnEngine interface {
	// StartTurn admits and launches one turn asynchronously.
	StartTurn(ctx context.Context, req *agent.TurnRequest) (string, error)

	// Cancel requests cancellation of a running turn.
	Cancel(turnID string) error

	// GetTurn returns the live registry view of a turn.
	GetTurn(turnID string) (*agent.TurnView, error)

	// Events returns the turn's emitter for websocket fan-out.
	Events(turnID string) (*events.Emitter, error)

	// ActiveTurns reports how many turns are currently executing.
	ActiveTurns() int
}

// History reads turns that have aged out of the live registry. The
// badger turn store satisfies it; the gateway degrades to live-only
// lookups when no history is wired.
type History interface {
	GetTurn(ctx context.Context, turnID string) (*agent.TurnRecord, error)
	TurnTrace(ctx context.Context, turnID string) ([]agent.TraceEntry, error)
	SessionTurns(ctx context.Context, sessionID string, limit int) ([]storage.TurnSummary, error)
	LastSuccessfulResult(ctx context.Context, sessionID, targetHint string) (*storage.StoredResult, error)
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds gateway configuration options.
//
// # Required Fields
//
// None - all fields have sensible defaults.
//
// # Examples
//
//	// Minimal config (uses all defaults)
//	cfg := Config{}
//
//	// Custom port with tracing export
//	cfg := Config{
//	    Port:         7352,
//	    OTelEndpoint: "localhost:4317",
//	}
type Config struct {
	// Port is the HTTP server port. Default: 7352
	Port int

	// GinMode sets the Gin framework mode.
	// Valid values: "debug", "release", "test"
	// Default: "release"
	GinMode string

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// If empty, span export is disabled; per-package tracers still run
	// against the global no-op provider.
	OTelEndpoint string

	// ShutdownGrace bounds how long in-flight requests may drain after
	// a shutdown signal. Default: 10s
	ShutdownGrace time.Duration
}

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 7352
	}
	if cfg.GinMode == "" {
		cfg.GinMode = gin.ReleaseMode
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	return cfg
}

// =============================================================================
// Server
// =============================================================================

// Server is the gateway HTTP service.
//
// Thread Safety: safe after New returns. Run should be called once.
type Server struct {
	config        Config
	router        *gin.Engine
	handlers      *Handlers
	tracerCleanup func(context.Context)
}

// Option configures a Server.
type Option func(*Server)

// WithHistory wires the turn store so status, trace, and session
// lookups survive registry eviction and process restarts.
func WithHistory(h History) Option {
	return func(s *Server) {
		s.handlers.history = h
	}
}

// WithExtensions installs the auth and audit seams. Nil fields fall
// back to the no-op defaults, so a partially filled ServiceOptions is
// fine.
func WithExtensions(opts extensions.ServiceOptions) Option {
	return func(s *Server) {
		if opts.AuthProvider == nil {
			opts.AuthProvider = &extensions.NopAuthProvider{}
		}
		if opts.AuditLogger == nil {
			opts.AuditLogger = &extensions.NopAuditLogger{}
		}
		s.handlers.exts = opts
	}
}

// New creates a gateway Server wired to the given engine.
//
// Description:
//
//	Builds the Gin router with recovery, request-ID, request logging,
//	metrics, and otel middleware, registers all routes, and - when an
//	OTel endpoint is configured - installs the OTLP trace exporter.
//
// Inputs:
//
//	cfg - Gateway configuration. Zero values use defaults.
//	engine - The workflow Coordinator (or a test fake). Must not be nil.
//	opts - Optional wiring such as WithHistory.
//
// Outputs:
//
//	*Server - Ready-to-run gateway.
//	error - Non-nil if tracer setup fails.
func New(cfg Config, engine TurnEngine, opts ...Option) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("gateway: engine must not be nil")
	}

	s := &Server{
		config:   applyConfigDefaults(cfg),
		handlers: NewHandlers(engine),
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(s.config.GinMode)

	if s.config.OTelEndpoint != "" {
		cleanup, err := initTracer(s.config.OTelEndpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(RequestID())
	s.router.Use(RequestLogger())
	s.router.Use(Metrics())
	s.router.Use(otelgin.Middleware("kodiak-gateway"))

	RegisterRoutes(s.router, s.handlers)

	return s, nil
}

// Run starts the HTTP server and blocks until the context is cancelled
// or the listener fails.
//
// Description:
//
//	Serves on the configured port. When ctx is cancelled (typically by
//	signal.NotifyContext in the CLI), in-flight requests get the
//	configured grace period to drain before the server is torn down.
//	The tracer exporter is flushed on the way out.
//
// Outputs:
//
//	error - Non-nil if the listener fails or draining times out.
func (s *Server) Run(ctx context.Context) error {
	defer s.cleanup()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting gateway server", slog.Int("port", s.config.Port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down gateway server",
		slog.Duration("grace", s.config.ShutdownGrace))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Router returns the underlying Gin engine for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// cleanup flushes the tracer exporter.
func (s *Server) cleanup() {
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// =============================================================================
// Tracing
// =============================================================================

// initTracer installs the OTLP-gRPC span exporter as the global trace
// provider.
//
// Outputs:
//
//	func(context.Context) - Cleanup function to call on shutdown.
//	error - Non-nil if exporter setup fails.
func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("kodiak-gateway")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}

	return cleanup, nil
}
