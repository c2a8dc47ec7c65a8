// Copyright (C) 2026 CTR Lab (dev@ctrlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package predictor assembles the CTR prediction service: HTTP routing,
// the model ladder, the persona catalog, the decision store and the
// analogy index, plus tracing and metrics.
//
// The service degrades instead of refusing to start: with no model
// credentials it predicts through the local heuristics, and with no
// embedder it simply skips history-based advice.
package predictor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

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

	"github.com/ctrlab/copycast/services/llm"
	"github.com/ctrlab/copycast/services/predictor/analogy"
	"github.com/ctrlab/copycast/services/predictor/catalog"
	"github.com/ctrlab/copycast/services/predictor/pipeline"
	"github.com/ctrlab/copycast/services/predictor/routes"
	"github.com/ctrlab/copycast/services/predictor/store"
)

// Service is the predictor lifecycle.
type Service interface {
	// Run starts the HTTP server and blocks until it stops.
	Run() error

	// Router exposes the configured engine for integration tests.
	Router() *gin.Engine

	// Shutdown stops the background watcher and flushes traces.
	Shutdown(ctx context.Context)
}

// Config holds predictor configuration. Zero values use defaults.
type Config struct {
	// Port is the HTTP server port. Default: 12310.
	Port int

	// LLMBackend selects the model provider. Valid values: "openai",
	// "none". Default: "openai", falling back to "none" when no API key
	// is available.
	LLMBackend string

	// Models is the rollover order for generation, best first.
	// Default: gpt-4o-mini then gpt-4o.
	Models []string

	// EmbeddingModel backs the analogy index. Empty uses the provider
	// default small model.
	EmbeddingModel string

	// LogPath is the decision log location.
	// Default: "./data/decisions.jsonl".
	LogPath string

	// PersonaPath and CalibrationPath override the embedded defaults
	// when set.
	PersonaPath     string
	CalibrationPath string

	// SampleSize is the persona panel size per prediction. Default: 5.
	SampleSize int

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "copycast-otel-collector:4317".
	OTelEndpoint string

	// GinMode sets the Gin framework mode. Default: GIN_MODE env or
	// "debug".
	GinMode string

	// WatchLog enables the fsnotify watcher that rebuilds the analogy
	// index after decision log changes.
	WatchLog bool
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12310
	}
	if cfg.LLMBackend == "" {
		cfg.LLMBackend = "openai"
	}
	if len(cfg.Models) == 0 {
		cfg.Models = []string{"gpt-4o-mini", "gpt-4o"}
	}
	if cfg.LogPath == "" {
		cfg.LogPath = "./data/decisions.jsonl"
	}
	if cfg.SampleSize == 0 {
		cfg.SampleSize = pipeline.DefaultSampleSize
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "copycast-otel-collector:4317"
	}
	return cfg
}

type service struct {
	config        Config
	router        *gin.Engine
	client        llm.Client
	embedder      llm.Embedder
	store         *store.Store
	index         *analogy.Index
	watcher       *analogy.Watcher
	pipeline      *pipeline.Pipeline
	tracerCleanup func(context.Context)
}

// New initializes every component and wires the routes. The returned
// service is ready to Run.
func New(cfg Config) (Service, error) {
	s := &service{config: applyConfigDefaults(cfg)}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	s.store, err = store.New(s.config.LogPath)
	if err != nil {
		s.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to open decision store: %w", err)
	}

	personas, err := catalog.LoadPersonas(s.config.PersonaPath)
	if err != nil {
		s.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to load personas: %w", err)
	}
	calibration, err := catalog.LoadCalibration(s.config.CalibrationPath)
	if err != nil {
		s.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to load calibration table: %w", err)
	}

	s.initLLM()
	s.initIndex()

	var advisor pipeline.Advisor
	if s.index != nil {
		advisor = s.index
	}
	s.pipeline = pipeline.New(
		pipeline.NewSampler(personas, nil),
		pipeline.NewAggregator(s.client, nil),
		pipeline.NewCalibrator(calibration),
		pipeline.NewSynthesizer(s.client, pipeline.DefaultConstraints()),
		pipeline.NewAnalyst(s.client),
		advisor,
		s.config.SampleSize,
	)

	s.initRouter()
	return s, nil
}

// Run starts the HTTP server and blocks until it stops.
func (s *service) Run() error {
	slog.Info("Starting predictor service", "port", s.config.Port)
	return s.router.Run(fmt.Sprintf(":%d", s.config.Port))
}

// Router returns the configured engine.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Shutdown stops the log watcher and flushes pending spans.
func (s *service) Shutdown(ctx context.Context) {
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(ctx)
	}
}

// initLLM builds the model ladder and the embedder. Missing credentials
// demote the service to offline heuristics instead of failing startup.
func (s *service) initLLM() {
	if strings.EqualFold(s.config.LLMBackend, "none") {
		slog.Info("LLM backend disabled, predictions use local heuristics")
		return
	}

	named := make(map[string]llm.Client, len(s.config.Models))
	order := make([]string, 0, len(s.config.Models))
	for _, model := range s.config.Models {
		client, err := llm.NewOpenAIClient(model)
		if err != nil {
			slog.Warn("model unavailable", "model", model, "error", err)
			continue
		}
		named[model] = client
		order = append(order, model)
	}
	if len(order) == 0 {
		slog.Warn("no usable models, predictions use local heuristics")
		return
	}
	s.client = llm.NewLadder(llm.DefaultLadderConfig(), named, order)

	embedder, err := llm.NewOpenAIEmbedder(s.config.EmbeddingModel)
	if err != nil {
		slog.Warn("embedder unavailable, history advice disabled", "error", err)
		return
	}
	s.embedder = embedder
}

// initIndex builds the analogy index and starts the log watcher. The
// initial population runs in the background so startup stays fast.
func (s *service) initIndex() {
	if s.embedder == nil {
		return
	}
	s.index = analogy.NewIndex(s.store, s.embedder, analogy.DefaultOptions())

	go func() {
		if err := s.index.RebuildWithTimeout(context.Background()); err != nil {
			slog.Error("initial index build failed", "error", err)
		}
	}()

	if !s.config.WatchLog {
		return
	}
	watcher, err := analogy.NewWatcher(s.config.LogPath, s.index, 0)
	if err != nil {
		slog.Warn("log watcher unavailable", "error", err)
		return
	}
	if err := watcher.Start(context.Background()); err != nil {
		slog.Warn("log watcher failed to start", "error", err)
		return
	}
	s.watcher = watcher
}

func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("predictor-service")))
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

func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("predictor-service"))

	routes.SetupRoutes(s.router, s.pipeline, s.store, s.index)
}
