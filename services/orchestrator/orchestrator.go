// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator assembles the verification service.
//
// This package wires every component of the service together: corpus
// storage, embedding, the LLM clients, the verification loop, ingestion,
// question screening, HTTP routing and observability.
//
// # Usage
//
//	cfg := orchestrator.Config{Port: 8000, LLMBackend: "openai"}
//	svc, err := orchestrator.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
//	log.Fatal(svc.Run(ctx))
//
// The CLI reuses the same assembly for in-process questions:
//
//	result, err := svc.Loop().Run(ctx, agentic.Request{...})
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/MedVerify/pkg/extensions"
	"github.com/AleutianAI/MedVerify/services/llm"
	"github.com/AleutianAI/MedVerify/services/orchestrator/agentic"
	"github.com/AleutianAI/MedVerify/services/orchestrator/corpus"
	"github.com/AleutianAI/MedVerify/services/orchestrator/embedding"
	"github.com/AleutianAI/MedVerify/services/orchestrator/generation"
	"github.com/AleutianAI/MedVerify/services/orchestrator/ingest"
	"github.com/AleutianAI/MedVerify/services/orchestrator/middleware"
	"github.com/AleutianAI/MedVerify/services/orchestrator/observability"
	"github.com/AleutianAI/MedVerify/services/orchestrator/retrieval"
	"github.com/AleutianAI/MedVerify/services/orchestrator/routes"
	"github.com/AleutianAI/MedVerify/services/orchestrator/verification"
	"github.com/AleutianAI/MedVerify/services/policy_engine"
)

const serviceName = "medverify"

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the assembled verification service.
//
// # Thread Safety
//
// Safe for concurrent use after New returns. Run should be called at most
// once. Close releases storage and flushes traces; call it exactly once.
type Service interface {
	// Run serves HTTP (and the folder watcher, when configured) until ctx is
	// done, then shuts down gracefully.
	Run(ctx context.Context) error

	// Router returns the Gin engine, for tests.
	Router() *gin.Engine

	// Loop returns the verification loop, for in-process questions.
	Loop() *agentic.Loop

	// Registry returns the corpus registry.
	Registry() *corpus.Registry

	// Ingester returns the document ingester.
	Ingester() *ingest.Ingester

	// Close releases every resource held by the service.
	Close() error
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures the service. Zero values take the defaults listed on
// each field.
type Config struct {
	// Port is the HTTP server port. Default: 8000
	Port int

	// Version is reported by /health. Default: "dev"
	Version string

	// GinMode sets the Gin framework mode: "debug", "release" or "test".
	// Default: release
	GinMode string

	// APIKeys, when non-empty, guard /v1 with bearer keys ("label:key").
	APIKeys []string

	// Storage backend: "memory", "badger" or "weaviate". Default: badger
	StorageBackend string

	// DataDir holds the badger database. Default: ./data/chunks
	DataDir string

	// WeaviateURL is required for the weaviate backend.
	WeaviateURL string

	// EmbeddingBackend: "openai", "service" or "hashing". Default: openai
	EmbeddingBackend string

	// EmbeddingModel for the openai backend. Default: text-embedding-3-small
	EmbeddingModel string

	// EmbeddingURL for the service backend.
	EmbeddingURL string

	// EmbeddingDim for the hashing backend. Default: 256
	EmbeddingDim int

	// LLMBackend: "openai" or "ollama". Default: openai
	LLMBackend string

	// OpenAIAPIKey falls back to the mounted secret when empty.
	OpenAIAPIKey string

	// OpenAIBaseURL overrides the API endpoint (proxies, compatible servers).
	OpenAIBaseURL string

	// OllamaURL for the ollama backend. Default: http://localhost:11434
	OllamaURL string

	// GenerationModel answers questions. Default: gpt-4o (openai),
	// llama3.1 (ollama)
	GenerationModel string

	// VerificationModel judges answers. Default: o1-mini (openai), the
	// generation model (ollama)
	VerificationModel string

	// LLMRequestsPerSecond limits model calls across the process. Zero
	// disables limiting.
	LLMRequestsPerSecond float64

	// LLMBurst is the limiter burst. Default: 1
	LLMBurst int

	// LLMTimeout bounds one model call. Default: 60s
	LLMTimeout time.Duration

	// LLMMaxRetries is the number of retries after the first call.
	// Default: 2. Negative means no retries.
	LLMMaxRetries int

	// TopK is the number of chunks for attempt 1. Default: 5
	TopK int

	// TopKGrowth is added per attempt. Default: 1. Negative means 0.
	TopKGrowth int

	// Threshold is the acceptance confidence. Default: 0.8
	Threshold float64

	// Precedence is "grounding_first" or "threshold_only".
	// Default: grounding_first
	Precedence string

	// Refiner is "llm" (LLM with deterministic fallback) or "issue".
	// Default: llm
	Refiner string

	// ChunkSize and ChunkOverlap size ingestion chunks. Default: 1000, 200
	ChunkSize    int
	ChunkOverlap int

	// EmbedBatchSize and EmbedConcurrency size ingestion embedding calls.
	// Default: 64, 4
	EmbedBatchSize   int
	EmbedConcurrency int

	// WatchDir enables the folder watcher over <WatchDir>/<disease>/.
	WatchDir string

	// OTelEndpoint is the OpenTelemetry collector (host:port). Empty
	// disables OTLP export.
	OTelEndpoint string

	// TraceStdout prints spans to stderr when no collector is configured.
	TraceStdout bool
}

// Options injects components instead of building them from Config.
// Every field is optional.
type Options struct {
	// Registerer receives the metrics. Default: prometheus.DefaultRegisterer
	Registerer prometheus.Registerer

	// Gatherer serves /metrics. Default: the Registerer when it is a
	// *prometheus.Registry, otherwise prometheus.DefaultGatherer
	Gatherer prometheus.Gatherer

	// Backend replaces the configured storage backend.
	Backend corpus.Backend

	// Embedder replaces the configured embedding backend.
	Embedder embedding.Embedder

	// GenerationLLM and VerificationLLM replace the configured model
	// clients. When only GenerationLLM is set it serves both roles.
	GenerationLLM   llm.LLMClient
	VerificationLLM llm.LLMClient

	// AuditLogger records /v1 requests. Default: structured "audit"
	// entries on the default slog logger
	AuditLogger extensions.AuditLogger
}

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 8000
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.GinMode == "" {
		cfg.GinMode = gin.ReleaseMode
	}
	if cfg.StorageBackend == "" {
		cfg.StorageBackend = "badger"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data/chunks"
	}
	if cfg.EmbeddingBackend == "" {
		cfg.EmbeddingBackend = "openai"
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = embedding.DefaultOpenAIModel
	}
	if cfg.LLMBackend == "" {
		cfg.LLMBackend = "openai"
	}
	if cfg.OllamaURL == "" {
		cfg.OllamaURL = "http://localhost:11434"
	}
	if cfg.GenerationModel == "" {
		if cfg.LLMBackend == "ollama" {
			cfg.GenerationModel = "llama3.1"
		} else {
			cfg.GenerationModel = "gpt-4o"
		}
	}
	if cfg.VerificationModel == "" {
		if cfg.LLMBackend == "ollama" {
			cfg.VerificationModel = cfg.GenerationModel
		} else {
			cfg.VerificationModel = "o1-mini"
		}
	}
	if cfg.LLMBurst <= 0 {
		cfg.LLMBurst = 1
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = llm.DefaultRetryPolicy().Timeout
	}
	if cfg.LLMMaxRetries == 0 {
		cfg.LLMMaxRetries = llm.DefaultRetryPolicy().MaxRetries
	} else if cfg.LLMMaxRetries < 0 {
		cfg.LLMMaxRetries = 0
	}
	if cfg.TopK <= 0 {
		cfg.TopK = agentic.DefaultTopK
	}
	if cfg.TopKGrowth == 0 {
		cfg.TopKGrowth = agentic.DefaultTopKGrowth
	} else if cfg.TopKGrowth < 0 {
		cfg.TopKGrowth = 0
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = verification.DefaultThreshold
	}
	if cfg.Precedence == "" {
		cfg.Precedence = verification.PrecedenceGroundingFirst.String()
	}
	if cfg.Refiner == "" {
		cfg.Refiner = "llm"
	}
	return cfg
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service.
//
// # Fields
//
//   - router: Gin HTTP engine with every route registered.
//   - registry: Corpus registry over the storage backend.
//   - loop: Verification loop.
//   - ingester: Document ingestion.
//   - watcher: Folder watcher, nil unless WatchDir is set.
//   - tracerCleanup: Flushes and stops the tracer provider.
type service struct {
	config        Config
	router        *gin.Engine
	registry      *corpus.Registry
	loop          *agentic.Loop
	ingester      *ingest.Ingester
	watcher       *ingest.Watcher
	policyEngine  *policy_engine.PolicyEngine
	metrics       *observability.Metrics
	audit         extensions.AuditLogger
	tracerCleanup func(context.Context)
}

// =============================================================================
// Constructor
// =============================================================================

// New creates the service.
//
// # Description
//
// New initializes all components in order:
//  1. Applies default configuration for missing values
//  2. Initializes OpenTelemetry tracing
//  3. Initializes Prometheus metrics
//  4. Opens the storage backend and restores existing corpora
//  5. Creates the embedder and the LLM clients
//  6. Builds retriever, generator, verifier, refiner and the loop
//  7. Creates the ingester and, when configured, the folder watcher
//  8. Sets up the audit trail and HTTP routes
//
// # Inputs
//
//   - cfg: Service configuration. Zero values use defaults.
//   - opts: Injected components. May be nil.
//
// # Outputs
//
//   - Service: Ready-to-run service.
//   - error: Non-nil if any component fails to initialize. Resources
//     opened before the failure are released.
func New(cfg Config, opts *Options) (Service, error) {
	if opts == nil {
		opts = &Options{}
	}
	s := &service{config: applyConfigDefaults(cfg)}
	ctx := context.Background()

	cleanup, err := s.initTracer(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	gatherer := s.initMetrics(opts)

	if err := s.initStorage(ctx, opts.Backend); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	embedder, err := s.initEmbedder(opts.Embedder)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	genClient, verifyClient, err := s.initLLMClients(opts)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}

	if err := s.initLoop(embedder, genClient, verifyClient); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to build verification loop: %w", err)
	}

	s.ingester = ingest.NewIngester(s.registry, embedder, ingest.Config{
		ChunkSize:    s.config.ChunkSize,
		ChunkOverlap: s.config.ChunkOverlap,
		BatchSize:    s.config.EmbedBatchSize,
		Concurrency:  s.config.EmbedConcurrency,
	}, s.metrics)

	if s.config.WatchDir != "" {
		s.watcher, err = ingest.NewWatcher(s.config.WatchDir, s.ingester)
		if err != nil {
			s.cleanup()
			return nil, fmt.Errorf("failed to start folder watcher: %w", err)
		}
	}

	s.policyEngine, err = policy_engine.NewPolicyEngine()
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	s.audit = opts.AuditLogger
	if s.audit == nil {
		s.audit = extensions.NewSlogAuditLogger(nil)
	}

	s.initRouter(gatherer)
	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run implements Service.
func (s *service) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Starting verification server", "port", s.config.Port, "version", s.config.Version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		slog.Info("Shutting down verification server")
		return server.Shutdown(shutdownCtx)
	})
	if s.watcher != nil {
		g.Go(func() error {
			if err := s.watcher.Run(gCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("folder watcher: %w", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Router implements Service.
func (s *service) Router() *gin.Engine { return s.router }

// Loop implements Service.
func (s *service) Loop() *agentic.Loop { return s.loop }

// Registry implements Service.
func (s *service) Registry() *corpus.Registry { return s.registry }

// Ingester implements Service.
func (s *service) Ingester() *ingest.Ingester { return s.ingester }

// Close implements Service.
func (s *service) Close() error {
	return s.cleanup()
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initTracer installs the global tracer provider.
//
// # Description
//
// With OTelEndpoint set, spans are exported over an insecure gRPC
// connection to the collector. Otherwise, with TraceStdout set, spans are
// pretty-printed to stderr. Otherwise the global no-op provider stays.
//
// # Limitations
//
//   - Uses insecure gRPC connection (appropriate for internal networks)
func (s *service) initTracer(ctx context.Context) (func(context.Context), error) {
	var exporter sdktrace.SpanExporter
	switch {
	case s.config.OTelEndpoint != "":
		conn, err := grpc.NewClient(s.config.OTelEndpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
	case s.config.TraceStdout:
		var err error
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint(), stdouttrace.WithWriter(os.Stderr))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
	default:
		return func(context.Context) {}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(s.config.Version),
		))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", "error", err)
		}
	}, nil
}

func (s *service) initMetrics(opts *Options) prometheus.Gatherer {
	if opts.Registerer == nil {
		s.metrics = observability.InitMetrics()
		return prometheus.DefaultGatherer
	}
	s.metrics = observability.NewMetrics(opts.Registerer)
	if opts.Gatherer != nil {
		return opts.Gatherer
	}
	if reg, ok := opts.Registerer.(*prometheus.Registry); ok {
		return reg
	}
	return prometheus.DefaultGatherer
}

// initStorage opens the backend and registers the corpora it already holds.
func (s *service) initStorage(ctx context.Context, injected corpus.Backend) error {
	registry, err := openRegistry(ctx, s.config, injected)
	if err != nil {
		return err
	}
	s.registry = registry
	return nil
}

func (s *service) initEmbedder(injected embedding.Embedder) (embedding.Embedder, error) {
	if injected != nil {
		return injected, nil
	}
	return newEmbedder(s.config)
}

// OpenRegistry opens the configured storage backend and restores the
// corpora it already holds, without building the rest of the service.
// The CLI uses it for corpus administration. Close the registry when done.
func OpenRegistry(ctx context.Context, cfg Config) (*corpus.Registry, error) {
	return openRegistry(ctx, applyConfigDefaults(cfg), nil)
}

// NewEmbedder builds the configured embedding backend.
func NewEmbedder(cfg Config) (embedding.Embedder, error) {
	return newEmbedder(applyConfigDefaults(cfg))
}

func openRegistry(ctx context.Context, cfg Config, injected corpus.Backend) (*corpus.Registry, error) {
	backend := injected
	if backend == nil {
		var err error
		switch cfg.StorageBackend {
		case "memory":
			backend = corpus.NewMemoryBackend()
		case "badger":
			bcfg := corpus.DefaultBadgerConfig(cfg.DataDir)
			bcfg.Logger = slog.Default()
			backend, err = corpus.NewBadgerBackend(bcfg)
		case "weaviate":
			if cfg.WeaviateURL == "" {
				return nil, errors.New("weaviate backend selected but WeaviateURL is empty")
			}
			client, cerr := corpus.NewWeaviateClient(cfg.WeaviateURL)
			if cerr != nil {
				return nil, cerr
			}
			backend, err = corpus.NewWeaviateBackend(ctx, client)
		default:
			return nil, fmt.Errorf("unknown storage backend %q (want memory, badger or weaviate)", cfg.StorageBackend)
		}
		if err != nil {
			return nil, err
		}
	}

	registry := corpus.NewRegistry(backend)
	restored, err := registry.Restore(ctx)
	if err != nil {
		_ = registry.Close()
		return nil, fmt.Errorf("restore corpora: %w", err)
	}
	slog.Info("Storage ready", "backend", backend.Name(), "corpora", restored)
	return registry, nil
}

func newEmbedder(cfg Config) (embedding.Embedder, error) {
	switch cfg.EmbeddingBackend {
	case "openai":
		key, err := llm.ResolveOpenAIKey(cfg.OpenAIAPIKey)
		if err != nil {
			return nil, err
		}
		slog.Info("Using OpenAI embeddings", "model", cfg.EmbeddingModel)
		return embedding.NewOpenAIEmbedder(key, cfg.OpenAIBaseURL, cfg.EmbeddingModel), nil
	case "service":
		if cfg.EmbeddingURL == "" {
			return nil, errors.New("service embeddings selected but EmbeddingURL is empty")
		}
		slog.Info("Using embedding service", "url", cfg.EmbeddingURL)
		return embedding.NewServiceEmbedder(cfg.EmbeddingURL), nil
	case "hashing":
		slog.Warn("Using hashing embeddings; retrieval quality is lexical only")
		return embedding.NewHashingEmbedder(cfg.EmbeddingDim), nil
	default:
		return nil, fmt.Errorf("unknown embedding backend %q (want openai, service or hashing)", cfg.EmbeddingBackend)
	}
}

// initLLMClients builds the generation and verification clients behind one
// shared rate limiter.
func (s *service) initLLMClients(opts *Options) (llm.LLMClient, llm.LLMClient, error) {
	limiter := llm.NewLimiter(s.config.LLMRequestsPerSecond, s.config.LLMBurst)

	if opts.GenerationLLM != nil {
		gen := opts.GenerationLLM
		verify := opts.VerificationLLM
		if verify == nil {
			verify = gen
		}
		return llm.WithRateLimit(gen, limiter), llm.WithRateLimit(verify, limiter), nil
	}

	build := func(model string) (llm.LLMClient, error) {
		switch s.config.LLMBackend {
		case "openai":
			return llm.NewOpenAIClient(llm.OpenAIConfig{
				APIKey:  s.config.OpenAIAPIKey,
				BaseURL: s.config.OpenAIBaseURL,
				Model:   model,
			})
		case "ollama":
			return llm.NewOllamaClient(s.config.OllamaURL, model)
		default:
			return nil, fmt.Errorf("unknown LLM backend %q (want openai or ollama)", s.config.LLMBackend)
		}
	}

	gen, err := build(s.config.GenerationModel)
	if err != nil {
		return nil, nil, err
	}
	verify, err := build(s.config.VerificationModel)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("LLM clients ready",
		"backend", s.config.LLMBackend,
		"generation_model", gen.Model(),
		"verification_model", verify.Model())
	return llm.WithRateLimit(gen, limiter), llm.WithRateLimit(verify, limiter), nil
}

func (s *service) retryPolicy() llm.RetryPolicy {
	policy := llm.DefaultRetryPolicy()
	policy.Timeout = s.config.LLMTimeout
	policy.MaxRetries = s.config.LLMMaxRetries
	return policy
}

func (s *service) initLoop(embedder embedding.Embedder, genClient, verifyClient llm.LLMClient) error {
	precedence, err := verification.ParsePrecedence(s.config.Precedence)
	if err != nil {
		return err
	}
	policy := s.retryPolicy()

	verifier, err := verification.NewVerifier(verifyClient, verification.Config{
		Threshold:  s.config.Threshold,
		Precedence: precedence,
		Retry:      policy,
		MaxTokens:  verification.DefaultMaxTokens,
	})
	if err != nil {
		return err
	}

	var refiner agentic.Refiner
	switch strings.ToLower(s.config.Refiner) {
	case "llm":
		refiner = agentic.NewFallbackRefiner(agentic.NewLLMRefiner(genClient, policy), agentic.IssueRefiner{})
	case "issue":
		refiner = agentic.IssueRefiner{}
	default:
		return fmt.Errorf("unknown refiner %q (want llm or issue)", s.config.Refiner)
	}

	s.loop, err = agentic.NewLoop(
		retrieval.NewRetriever(s.registry, embedding.Dedupe(embedder)),
		generation.NewGenerator(genClient, generation.WithRetryPolicy(policy)),
		verifier,
		refiner,
		agentic.Config{
			TopK:       s.config.TopK,
			TopKGrowth: s.config.TopKGrowth,
			Threshold:  verifier.Threshold(),
		},
		s.metrics,
	)
	if err != nil {
		return err
	}
	slog.Info("Verification loop ready",
		"top_k", s.config.TopK,
		"threshold", verifier.Threshold(),
		"precedence", precedence.String(),
		"refiner", s.config.Refiner)
	return nil
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter(gatherer prometheus.Gatherer) {
	gin.SetMode(s.config.GinMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery(), otelgin.Middleware(serviceName))

	routes.SetupRoutes(s.router, routes.Dependencies{
		Registry: s.registry,
		Ingester: s.ingester,
		Asker:    s.loop,
		Policy:   s.policyEngine,
		Metrics:  s.metrics,
		Gatherer: gatherer,
		APIKeys:  middleware.NewAPIKeys(s.config.APIKeys),
		Audit:    s.audit,
		Version:  s.config.Version,
	})
}

// cleanup releases all resources held by the service.
func (s *service) cleanup() error {
	var errs []error
	if s.audit != nil {
		if err := s.audit.Flush(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("flush audit log: %w", err))
		}
		s.audit = nil
	}
	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close watcher: %w", err))
		}
		s.watcher = nil
	}
	if s.registry != nil {
		if err := s.registry.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
		s.registry = nil
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
		s.tracerCleanup = nil
	}
	return errors.Join(errs...)
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
