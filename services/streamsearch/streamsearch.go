// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package streamsearch assembles the streaming search service.
//
// The service accepts a search query, streams the upstream answer pipeline
// back to the client as Server-Sent Events, and stores the final record of
// every answer. It wires:
//
//   - a dialog/message store (Mongo when configured, Badger otherwise)
//   - optional Redis message locks and stored notifications
//   - the upstream SSE client and the recommendation client
//   - OpenTelemetry tracing and Prometheus metrics
//
// # Usage
//
//	cfg, err := config.Load("streamsearch.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := streamsearch.New(ctx, cfg, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = svc.Run(ctx) // returns after ctx is cancelled and in-flight work drains
package streamsearch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/healthassist/streamsearch/pkg/extensions"
	"github.com/healthassist/streamsearch/pkg/logging"
	"github.com/healthassist/streamsearch/pkg/sse"
	"github.com/healthassist/streamsearch/services/streamsearch/config"
	"github.com/healthassist/streamsearch/services/streamsearch/handlers"
	"github.com/healthassist/streamsearch/services/streamsearch/notify"
	"github.com/healthassist/streamsearch/services/streamsearch/observability"
	"github.com/healthassist/streamsearch/services/streamsearch/recommend"
	"github.com/healthassist/streamsearch/services/streamsearch/routes"
	"github.com/healthassist/streamsearch/services/streamsearch/storage"
	"github.com/healthassist/streamsearch/services/streamsearch/storage/badgerstore"
	"github.com/healthassist/streamsearch/services/streamsearch/storage/mongostore"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the runnable streamsearch service.
//
// # Thread Safety
//
// Run must be called at most once. Router is safe to call any time.
type Service interface {
	// Run serves the API and metrics listeners until ctx is cancelled or a
	// listener fails, then shuts down gracefully: listeners stop accepting,
	// in-flight producers and flushes are awaited (bounded by the shutdown
	// timeout), and the store and Redis connections are closed.
	Run(ctx context.Context) error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	cfg           config.Config
	logger        *logging.Logger
	router        *gin.Engine
	registry      *prometheus.Registry
	metrics       *observability.StreamingMetrics
	store         storage.Store
	redis         *redis.Client
	search        *handlers.SearchHandler
	tracerCleanup func(context.Context)
}

// New builds the service from a validated configuration.
//
// # Description
//
// Initialization order: tracing, metrics, store, Redis, handlers, router.
// The store must be reachable. Redis is optional: when configured but
// unreachable the service starts without locks and notifications.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Non-nil if tracing or the store could not be initialized.
func New(ctx context.Context, cfg config.Config, logger *logging.Logger) (Service, error) {
	s := &service{
		cfg:    cfg,
		logger: logging.OrDefault(logger),
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))
	if cfg.Tracing.Enabled {
		cleanup, err := s.initTracer(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = observability.NewStreamingMetrics(s.registry)

	if err := s.initStore(ctx); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	var notifier *notify.Notifier
	if cfg.Redis.Addr != "" {
		client, err := notify.Dial(ctx, notify.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			s.logger.Warn("Redis unavailable, running without message locks", "addr", cfg.Redis.Addr, "error", err)
		} else {
			s.redis = client
			notifier = notify.New(client, notify.Config{
				Stream:  cfg.Redis.Stream,
				MaxLen:  cfg.Redis.StreamMaxLen,
				LockTTL: cfg.Redis.LockTTL,
			}, s.logger)
			s.logger.Info("Redis notifications enabled", "addr", cfg.Redis.Addr, "stream", cfg.Redis.Stream)
		}
	}

	s.search = handlers.NewSearchHandler(handlers.SearchConfig{
		RAGURL:            cfg.UpstreamURL(false),
		InquiryURL:        cfg.UpstreamURL(true),
		PrivateIndex:      cfg.Search.PrivateIndex,
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
		FlushTimeout:      cfg.Search.FlushTimeout,
		HistoryLimit:      cfg.Search.HistoryLimit,
	}, handlers.SearchDeps{
		Store:       s.store,
		Streamer:    sse.NewClient(sse.ClientConfig{Timeout: cfg.Upstream.Timeout}, s.logger),
		Recommender: recommend.NewHTTPRecommender(cfg.Recommend.URL, cfg.Recommend.Timeout, cfg.Recommend.TopK),
		Notifier:    notifier,
		Identity:    &extensions.HeaderIdentityProvider{Require: cfg.Search.RequireUser},
		Metrics:     s.metrics,
		Logger:      s.logger,
	})

	s.initRouter()
	return s, nil
}

func (s *service) Router() *gin.Engine {
	return s.router
}

func (s *service) Run(ctx context.Context) error {
	defer s.cleanup()

	api := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	servers := []*http.Server{api}
	if s.cfg.Metrics.Port != 0 {
		mux := http.NewServeMux()
		mux.Handle(s.cfg.Metrics.Path, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
		servers = append(servers, &http.Server{
			Addr:              fmt.Sprintf(":%d", s.cfg.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			s.logger.Info("Starting listener", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen on %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Shutting down streamsearch", "timeout", s.cfg.Server.ShutdownTimeout.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()

		var result *multierror.Error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				result = multierror.Append(result, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
			}
		}
		if err := s.drain(shutdownCtx); err != nil {
			result = multierror.Append(result, err)
		}
		return result.ErrorOrNil()
	})

	return g.Wait()
}

// drain waits for in-flight producers and flushes.
func (s *service) drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.search.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("in-flight streams not drained: %w", ctx.Err())
	}
}

func (s *service) initTracer(ctx context.Context) (func(context.Context), error) {
	conn, err := grpc.NewClient(s.cfg.Tracing.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(s.cfg.Tracing.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter))
	otel.SetTracerProvider(provider)

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown tracer provider", "error", err)
		}
		_ = conn.Close()
	}
	s.logger.Info("Tracing enabled", "endpoint", s.cfg.Tracing.Endpoint)
	return cleanup, nil
}

func (s *service) initStore(ctx context.Context) error {
	if s.cfg.Mongo.URI != "" {
		store, err := mongostore.Open(ctx, mongostore.Config{
			URI:      s.cfg.Mongo.URI,
			Database: s.cfg.Mongo.Database,
		}, s.logger)
		if err != nil {
			return err
		}
		s.store = store
		s.logger.Info("Using Mongo store", "database", s.cfg.Mongo.Database)
		return nil
	}

	bcfg := badgerstore.DefaultConfig(s.cfg.Badger.Path)
	if s.cfg.Badger.InMemory {
		bcfg = badgerstore.InMemoryConfig()
	}
	store, err := badgerstore.Open(bcfg, s.logger)
	if err != nil {
		return err
	}
	s.store = store
	s.logger.Info("Using Badger store", "path", s.cfg.Badger.Path, "in_memory", s.cfg.Badger.InMemory)
	return nil
}

func (s *service) initRouter() {
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(s.cfg.Tracing.ServiceName))

	routes.SetupRoutes(s.router, s.search)
}

func (s *service) cleanup() {
	ctx := context.Background()
	if s.store != nil {
		if err := s.store.Close(ctx); err != nil {
			s.logger.Warn("store close error", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warn("Redis close error", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(ctx)
	}
}
