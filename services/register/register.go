// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package register assembles the legal register service: storage, the
// session pipeline, the cascade engine and the HTTP API.
package register

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/AleutianAI/legalcascade/services/register/cascade"
	"github.com/AleutianAI/legalcascade/services/register/graph"
	"github.com/AleutianAI/legalcascade/services/register/handlers"
	"github.com/AleutianAI/legalcascade/services/register/lock"
	"github.com/AleutianAI/legalcascade/services/register/middleware"
	"github.com/AleutianAI/legalcascade/services/register/observability"
	"github.com/AleutianAI/legalcascade/services/register/parse"
	"github.com/AleutianAI/legalcascade/services/register/pipeline"
	"github.com/AleutianAI/legalcascade/services/register/progress"
	"github.com/AleutianAI/legalcascade/services/register/routes"
	"github.com/AleutianAI/legalcascade/services/register/scrape"
	"github.com/AleutianAI/legalcascade/services/register/session"
	kv "github.com/AleutianAI/legalcascade/services/register/storage/badger"
	"github.com/AleutianAI/legalcascade/services/register/storage/sqlite"
	"github.com/AleutianAI/legalcascade/services/register/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// ServiceName identifies the service in traces and logs.
const ServiceName = "legalcascade-register"

// Version is set at build time.
var Version = "dev"

// Service is the assembled register.
//
// # Thread Safety
//
// Run and Close must be called once each. The accessors are safe for
// concurrent use.
type Service struct {
	config   Config
	logger   *slog.Logger
	registry *prometheus.Registry
	db       *kv.DB
	store    *sqlite.Store
	broker   *progress.Broker
	pipeline *pipeline.Pipeline
	router   *gin.Engine

	shutdownTracer func(context.Context) error
}

// New opens storage and builds every component.
//
// # Description
//
// Startup order: tracing, metrics, badger, SQLite, the in-memory graph
// (loaded from every stored link), extractor, engines, pipeline, router.
// Cascade jobs left active by a previous process are failed with
// "interrupted by restart". A Redis URL that cannot be reached is logged
// and the service continues without the mirror.
//
// # Inputs
//
//   - ctx: Startup context.
//   - cfg: Configuration. Defaults are applied again, so a literal Config
//     works.
//   - logger: Service logger. Nil uses slog.Default().
//
// # Outputs
//
//   - *Service: Ready service. Call Close when done.
//   - error: Invalid configuration or a storage failure.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (_ *Service, err error) {
	cfg = applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{config: cfg, logger: logger}
	defer func() {
		if err != nil {
			s.Close(context.Background())
		}
	}()

	s.shutdownTracer, err = telemetry.Init(ctx, telemetry.Config{
		ServiceName:    ServiceName,
		ServiceVersion: Version,
		Exporter:       cfg.TraceExporter,
		OTLPEndpoint:   cfg.OTelEndpoint,
		OTLPInsecure:   cfg.OTelInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(s.registry)

	badgerCfg := kv.DefaultConfig(cfg.BadgerPath)
	if cfg.BadgerInMemory {
		badgerCfg = kv.InMemoryConfig()
	}
	badgerCfg.Logger = logger.With(slog.String("component", "badger"))
	if s.db, err = kv.Open(badgerCfg); err != nil {
		return nil, fmt.Errorf("failed to open staging store: %w", err)
	}
	if s.store, err = sqlite.Open(cfg.SQLitePath, logger); err != nil {
		return nil, fmt.Errorf("failed to open instrument store: %w", err)
	}

	links, err := s.store.AllLinks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load links: %w", err)
	}
	g := graph.New()
	g.Load(links)
	stats := g.Stats()
	logger.Info("Dependency graph loaded",
		slog.Int("nodes", stats.Nodes),
		slog.Int("links", stats.Edges))

	extractor, err := s.buildExtractor()
	if err != nil {
		return nil, err
	}

	var mirror progress.Mirror
	if cfg.RedisURL != "" {
		m, err := progress.DialRedisMirror(ctx, cfg.RedisURL, logger)
		if err != nil {
			logger.Warn("Redis mirror disabled", slog.String("error", err.Error()))
		} else {
			mirror = m
			logger.Info("Mirroring progress events to Redis")
		}
	}
	s.broker = progress.NewBroker(progress.Config{
		Buffer:  cfg.SubscriberBuffer,
		Mirror:  mirror,
		Metrics: metrics,
		Logger:  logger,
	})

	sources := session.NewRegistry()
	if !cfg.Scraper.Disabled {
		scraper, err := scrape.NewLegGovUK(scrape.LegGovUKConfig{
			BaseURL:           cfg.Scraper.BaseURL,
			RequestsPerSecond: cfg.Scraper.Rate,
			SkipContent:       cfg.Scraper.SkipContent,
			Logger:            logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create scraper: %w", err)
		}
		sources.Register(scraper)
	}

	locks := lock.NewManager()
	parser := parse.NewEngine(parse.Config{
		Store:     s.store,
		Extractor: extractor,
		Locks:     locks,
		Pool:      parse.NewPool(cfg.Workers, metrics),
		Metrics:   metrics,
		Logger:    logger,
	})
	engine := cascade.NewEngine(cascade.Config{
		Graph:     g,
		Store:     cascade.NewStore(s.db),
		Parser:    parser,
		Publisher: s.broker,
		Metrics:   metrics,
		Logger:    logger,
		Limit:     cfg.CascadeLimit,
		MaxDepth:  cfg.CascadeMaxDepth,
	})
	if n, err := engine.Recover(ctx); err != nil {
		return nil, fmt.Errorf("failed to recover cascade jobs: %w", err)
	} else if n > 0 {
		logger.Warn("Failed cascade jobs interrupted by restart", slog.Int("jobs", n))
	}

	s.pipeline = pipeline.New(pipeline.Config{
		Sessions:    session.NewManager(session.NewStore(s.db), sources, metrics, logger),
		Instruments: s.store,
		Graph:       g,
		Locks:       locks,
		Parser:      parser,
		Cascade:     engine,
		Broker:      s.broker,
		Metrics:     metrics,
		Logger:      logger,
		AutoCascade: cfg.AutoCascadeEnabled(),
	})

	s.initRouter()
	return s, nil
}

func (s *Service) buildExtractor() (parse.Extractor, error) {
	var extractor parse.Extractor
	switch s.config.Extractor {
	case "llm":
		x, err := parse.NewLLMExtractor(parse.LLMConfig{
			BaseURL: s.config.LLM.BaseURL,
			APIKey:  s.config.LLM.APIKey,
			Model:   s.config.LLM.Model,
			Logger:  s.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create llm extractor: %w", err)
		}
		extractor = x
	default:
		extractor = parse.NewHTMLExtractor()
	}
	if s.config.ExtractRate > 0 {
		extractor = parse.RateLimited(extractor, s.config.ExtractRate, 1)
	}
	s.logger.Info("Extractor configured",
		slog.String("extractor", extractor.Name()),
		slog.Float64("rate", s.config.ExtractRate))
	return extractor, nil
}

func (s *Service) initRouter() {
	gin.SetMode(s.config.GinMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(ServiceName))
	s.router.Use(middleware.AccessLog(s.logger, "/health", "/metrics"))

	h := handlers.NewHandlers(s.pipeline, s.config.KeepAlive, s.logger)
	routes.SetupRoutes(s.router, h, s.registry)
}

// Router returns the HTTP router.
func (s *Service) Router() *gin.Engine { return s.router }

// Pipeline returns the session pipeline.
func (s *Service) Pipeline() *pipeline.Pipeline { return s.pipeline }

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.config }

// Run serves HTTP until ctx is cancelled, then shuts down gracefully
// within ShutdownTimeout. It does not Close the service.
func (s *Service) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting register server", slog.Int("port", s.config.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down register server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	// Progress streams end only when their subscription closes, so the
	// broker goes before the server.
	if s.pipeline != nil {
		if err := s.pipeline.Close(shutdownCtx); err != nil {
			s.logger.Warn("Background work did not stop in time", slog.String("error", err.Error()))
		}
	}
	if s.broker != nil {
		_ = s.broker.Close(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// Close stops background work and releases storage and tracing. Safe to
// call after Run returns.
func (s *Service) Close(ctx context.Context) error {
	var errs []error
	if s.pipeline != nil {
		if err := s.pipeline.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop pipeline: %w", err))
		}
	}
	if s.broker != nil {
		if err := s.broker.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close broker: %w", err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close instrument store: %w", err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close staging store: %w", err))
		}
	}
	if s.shutdownTracer != nil {
		if err := s.shutdownTracer(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}
	return errors.Join(errs...)
}
