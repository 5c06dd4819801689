// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package opqueue provides the opqueue HTTP service.
//
// This package wires the convergence engine to a store backend and serves
// it over HTTP: GET, POST and DELETE on <base>/dy-queue read the HEAD
// snapshot, insert a value and drop everything.
//
// # Backends
//
//   - badger: one embedded database; every writer lives in this process.
//   - gcs: a Cloud Storage bucket; any number of processes may share it.
//   - memory: process-local maps, for demos and tests.
//
// # Usage
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    return err
//	}
//	svc, err := opqueue.New(ctx, opqueue.Options{Config: cfg, ConfigPath: path})
//	if err != nil {
//	    return err
//	}
//	return svc.Run(ctx)
package opqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/opqueue/pkg/logging"
	"github.com/AleutianAI/opqueue/services/opqueue/config"
	"github.com/AleutianAI/opqueue/services/opqueue/engine"
	"github.com/AleutianAI/opqueue/services/opqueue/middleware"
	"github.com/AleutianAI/opqueue/services/opqueue/observability"
	"github.com/AleutianAI/opqueue/services/opqueue/routes"
	"github.com/AleutianAI/opqueue/services/opqueue/storage/badger"
	"github.com/AleutianAI/opqueue/services/opqueue/stores"
	"github.com/AleutianAI/opqueue/services/opqueue/stores/badgerstore"
	"github.com/AleutianAI/opqueue/services/opqueue/stores/gcsstore"
	"github.com/AleutianAI/opqueue/services/opqueue/stores/memory"
	"github.com/AleutianAI/opqueue/services/opqueue/telemetry"
)

// ServiceName identifies the server in logs and traces.
const ServiceName = "opqueue"

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// =============================================================================
// Options
// =============================================================================

// Options configures New.
type Options struct {
	// Config is the resolved configuration. Required; use config.Load.
	Config config.Config

	// ConfigPath, when set, is watched and reloaded while Run is active.
	ConfigPath string

	// Logger defaults to a logger built from Config.Log. When New builds
	// the logger it also closes it.
	Logger *logging.Logger

	// Registerer receives the engine metrics. Defaults to
	// prometheus.DefaultRegisterer, which /metrics serves.
	Registerer prometheus.Registerer

	// Gatherer backs /metrics. Defaults to the default registry's handler.
	Gatherer prometheus.Gatherer
}

// =============================================================================
// Service
// =============================================================================

// Service owns the engine, its stores and the HTTP router.
//
// # Thread Safety
//
// Run must be called at most once. Reload and Router are safe for
// concurrent use.
type Service struct {
	cfg        config.Config
	configPath string

	logger     *logging.Logger
	ownsLogger bool

	metrics *observability.EngineMetrics
	engine  *engine.Engine
	router  *gin.Engine

	closers []func() error
}

// New builds every component. On error, whatever was already opened is
// closed again.
//
// # Description
//
//  1. Builds the logger (unless given)
//  2. Installs tracer and meter providers
//  3. Registers the engine metrics
//  4. Opens the configured store backend
//  5. Creates the engine
//  6. Sets up the router
func New(ctx context.Context, opts Options) (svc *Service, err error) {
	s := &Service{
		cfg:        opts.Config,
		configPath: opts.ConfigPath,
		logger:     opts.Logger,
	}
	if s.logger == nil {
		s.logger = logging.New(s.cfg.Logging(ServiceName))
		s.ownsLogger = true
	}
	defer func() {
		if err != nil {
			s.close()
		}
	}()
	log := s.logger.Slog()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:  ServiceName,
		Traces:       s.cfg.Telemetry.Traces,
		Metrics:      s.cfg.Telemetry.Metrics,
		OTLPEndpoint: s.cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	s.closers = append(s.closers, func() error { return shutdownTelemetry(context.Background()) })

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s.metrics = observability.NewEngineMetrics(reg)

	backend, err := s.openBackend(ctx)
	if err != nil {
		return nil, err
	}

	s.engine, err = engine.New(engine.Config{
		Log:         backend.log,
		Snapshots:   backend.snapshots,
		Pointer:     backend.pointer,
		Layout:      s.cfg.Layout(),
		TTL:         s.cfg.Store.TTL,
		GracePeriod: s.cfg.Engine.GracePeriod,
		Logger:      log,
		Metrics:     s.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	metricsHandler := routes.DefaultMetricsHandler()
	if opts.Gatherer != nil {
		metricsHandler = promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})
	}
	s.initRouter(metricsHandler)

	log.Info("opqueue service initialized",
		slog.String("backend", s.cfg.Store.Backend),
		slog.String("ops_partition", s.cfg.Layout().OpsPartition()),
		slog.Duration("grace_period", s.cfg.Engine.GracePeriod))
	return s, nil
}

// backend is one opened set of stores.
type backend struct {
	log       stores.LogStore
	snapshots stores.SnapshotStore
	pointer   stores.Pointer
}

func (s *Service) openBackend(ctx context.Context) (backend, error) {
	layout := s.cfg.Layout()
	log := s.logger.Slog()

	switch s.cfg.Store.Backend {
	case config.BackendBadger:
		bcfg := badger.DefaultConfig()
		if s.cfg.Badger.InMemory {
			bcfg = badger.InMemoryConfig()
		}
		bcfg.Path = s.cfg.Badger.Path
		bcfg.Logger = log
		db, err := badger.OpenDB(bcfg)
		if err != nil {
			return backend{}, fmt.Errorf("failed to open badger backend: %w", err)
		}
		s.closers = append(s.closers, db.Close)

		pointer := badgerstore.NewPointer(db, layout, log)
		pointer.OnConflict = s.metrics.RecordPointerConflicts
		return backend{
			log:       badgerstore.NewLogStore(db),
			snapshots: badgerstore.NewSnapshotStore(db, layout),
			pointer:   pointer,
		}, nil

	case config.BackendGCS:
		client, err := gcsstore.NewClient(ctx, gcsstore.Options{
			ProjectID:       s.cfg.GCS.ProjectID,
			Bucket:          s.cfg.GCS.Bucket,
			CredentialsFile: s.cfg.GCS.CredentialsFile,
			Endpoint:        s.cfg.GCS.Endpoint,
		})
		if err != nil {
			return backend{}, fmt.Errorf("failed to open gcs backend: %w", err)
		}
		s.closers = append(s.closers, client.Close)

		pointer := gcsstore.NewPointer(client, layout)
		pointer.OnConflict = s.metrics.RecordPointerConflicts
		return backend{
			log:       gcsstore.NewLogStore(client),
			snapshots: gcsstore.NewSnapshotStore(client, layout),
			pointer:   pointer,
		}, nil

	case config.BackendMemory:
		log.Warn("memory backend selected, state is lost on exit")
		return backend{
			log:       memory.NewLogStore(),
			snapshots: memory.NewSnapshotStore(),
			pointer:   memory.NewPointer(),
		}, nil

	default:
		return backend{}, fmt.Errorf("unknown store backend %q", s.cfg.Store.Backend)
	}
}

func (s *Service) initRouter(metricsHandler http.Handler) {
	gin.SetMode(s.cfg.Server.GinMode)
	log := s.logger.Slog()

	s.router = gin.New()
	s.router.Use(
		otelgin.Middleware(ServiceName),
		middleware.RequestID(),
		middleware.Metrics(s.metrics),
		middleware.Recovery(log),
		middleware.AccessLog(log),
	)
	routes.SetupRoutes(s.router, s.engine, routes.Options{
		BasePath:       s.cfg.Server.BasePath,
		MetricsHandler: metricsHandler,
		Logger:         log,
	})
}

// Router returns the configured router, for tests.
func (s *Service) Router() *gin.Engine {
	return s.router
}

// Engine returns the engine, for tests and embedding.
func (s *Service) Engine() *engine.Engine {
	return s.engine
}

// Reload applies the settings that can change at runtime: the engine grace
// period and the log level.
func (s *Service) Reload(cfg config.Config) {
	s.engine.SetGracePeriod(cfg.Engine.GracePeriod)
	if level, err := logging.ParseLevel(cfg.Log.Level); err == nil {
		s.logger.SetLevel(level)
	}
	s.logger.Slog().Info("runtime settings applied",
		slog.Duration("grace_period", s.engine.GracePeriod()),
		slog.String("log_level", s.logger.Level().String()))
}

// Run serves HTTP until ctx is done, then shuts down gracefully and closes
// every component. It returns nil after a clean shutdown.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Server.Port))
	if err != nil {
		s.close()
		return fmt.Errorf("listen on port %d: %w", s.cfg.Server.Port, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	defer s.close()
	log := s.logger.Slog()

	if s.configPath != "" {
		if err := config.Watch(ctx, s.configPath, log, s.Reload); err != nil {
			log.Warn("config hot reload disabled", slog.String("error", err.Error()))
		}
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Starting opqueue server", slog.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down opqueue server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

// Close releases everything New opened. Use it when Run is never called.
func (s *Service) Close() error {
	return s.close()
}

func (s *Service) close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	err := errors.Join(errs...)
	if err != nil {
		s.logger.Slog().Warn("cleanup error", slog.String("error", err.Error()))
	}
	if s.ownsLogger {
		s.ownsLogger = false
		err = errors.Join(err, s.logger.Close())
	}
	return err
}
