// Copyright (C) 2025 Attico AI (oss@attico.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package consolidator assembles the segment consolidation engine: stream
// ingestion, merge, promotion to durable storage, cleanup sweeping, and
// the HTTP read API.
package consolidator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/attico-ai/scriba/pkg/logging"
	"github.com/attico-ai/scriba/services/consolidator/config"
	"github.com/attico-ai/scriba/services/consolidator/durable"
	"github.com/attico-ai/scriba/services/consolidator/handlers"
	"github.com/attico-ai/scriba/services/consolidator/hotstore"
	"github.com/attico-ai/scriba/services/consolidator/ingest"
	"github.com/attico-ai/scriba/services/consolidator/merge"
	"github.com/attico-ai/scriba/services/consolidator/observability"
	"github.com/attico-ai/scriba/services/consolidator/promote"
	"github.com/attico-ai/scriba/services/consolidator/registry"
	"github.com/attico-ai/scriba/services/consolidator/routes"
	"github.com/attico-ai/scriba/services/consolidator/sched"
	"github.com/attico-ai/scriba/services/consolidator/storage/badgerdb"
	"github.com/attico-ai/scriba/services/consolidator/stream"
	"github.com/attico-ai/scriba/services/consolidator/stream/redisstream"
	"github.com/attico-ai/scriba/services/consolidator/sweep"
	"github.com/attico-ai/scriba/services/consolidator/transcript"
)

// shutdownTimeout bounds the HTTP server drain on shutdown.
const shutdownTimeout = 10 * time.Second

// Service owns every component of a running consolidator instance.
type Service struct {
	cfg    config.Config
	logger *logging.Logger

	badger  *badgerdb.DB
	durable *durable.Store

	hot *hotstore.Store
	reg *registry.Registry

	// memLog is set only for the embedded stream backend; producers in
	// the same process publish through it.
	memLog *stream.Log
	source stream.Source

	hub      *handlers.LiveHub
	ingestor *ingest.Ingestor

	promoteSched *sched.Scheduler
	sweepSched   *sched.Scheduler

	server *http.Server
}

// New builds a Service from configuration. Metrics must be initialized by
// the caller (observability.Init) before requests arrive.
func New(ctx context.Context, cfg config.Config, logger *logging.Logger, metrics *observability.Metrics) (*Service, error) {
	s := &Service{cfg: cfg, logger: logger}

	var err error
	if cfg.HotStore.InMemory {
		s.badger, err = badgerdb.OpenInMemory()
	} else {
		bcfg := badgerdb.DefaultConfig()
		bcfg.Path = cfg.HotStore.Path
		bcfg.GCInterval = cfg.HotStore.GCInterval()
		s.badger, err = badgerdb.Open(bcfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open hot store: %w", err)
	}

	s.durable, err = durable.Open(cfg.Durable.Path, logger)
	if err != nil {
		s.closePartial()
		return nil, fmt.Errorf("open durable store: %w", err)
	}

	s.hot = hotstore.New(s.badger)
	s.reg = registry.New(s.badger)

	if err := s.openSource(ctx); err != nil {
		s.closePartial()
		return nil, err
	}

	clock := sched.SystemClock{}
	merger := merge.New(s.hot, s.reg, metrics, logger)
	s.hub = handlers.NewLiveHub()

	s.ingestor = ingest.New(s.source, merger, clock, metrics, logger, s.hub, ingest.Config{
		BatchSize:    cfg.Stream.BatchSize,
		BlockTimeout: cfg.Stream.BlockTimeout(),
		RateLimit:    int(cfg.Stream.RateLimit),
	})

	promoter := promote.New(s.hot, s.durable, clock, metrics, logger, promote.Config{
		StabilityThreshold: cfg.Engine.ImmutabilityThreshold(),
		BatchSize:          cfg.Engine.PromoteBatchSize,
	})
	s.promoteSched = sched.NewScheduler("promoter", cfg.Engine.PromoteInterval(),
		func(ctx context.Context) error {
			_, err := promoter.RunCycle(ctx)
			return err
		}, logger)

	checkedClock := sched.NewCheckedClock(clock, sched.DefaultCheckedClockConfig())
	sweeper := sweep.New(s.hot, s.reg, checkedClock, sweep.NewLogAlertSink(logger), metrics, logger, sweep.Config{
		HotTTL:            cfg.Engine.HotTTL(),
		CleanupHorizon:    cfg.Engine.CleanupHorizon(),
		SessionInactivity: cfg.Engine.SessionInactivity(),
	})
	s.sweepSched = sched.NewScheduler("sweeper", cfg.Engine.SweepInterval(),
		func(ctx context.Context) error {
			_, err := sweeper.RunCycle(ctx)
			return err
		}, logger)

	svc := transcript.New(s.hot, s.reg, s.durable, logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	routes.SetupRoutes(router, s.reg, svc, s.hub, metrics)

	s.server = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s, nil
}

// openSource builds the configured stream source.
func (s *Service) openSource(ctx context.Context) error {
	switch s.cfg.Stream.Backend {
	case config.BackendMemory:
		s.memLog = stream.NewLog(s.cfg.Stream.Partitions)
		consumer, err := s.memLog.NewConsumer(s.cfg.Stream.Group, s.cfg.Stream.Consumer,
			s.durable.Checkpoints())
		if err != nil {
			return fmt.Errorf("open embedded stream consumer: %w", err)
		}
		s.source = consumer
		return nil

	case config.BackendRedis:
		src, err := redisstream.New(ctx, redisstream.Config{
			Addr:         s.cfg.Stream.RedisAddr,
			StreamPrefix: s.cfg.Stream.StreamPrefix,
			Partitions:   s.cfg.Stream.Partitions,
			Group:        s.cfg.Stream.Group,
			Consumer:     s.cfg.Stream.Consumer,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("open redis stream source: %w", err)
		}
		s.source = src
		return nil

	default:
		return fmt.Errorf("unknown stream backend %q", s.cfg.Stream.Backend)
	}
}

// Log returns the embedded stream log, or nil for external backends.
// In-process producers publish segment events through it.
func (s *Service) Log() *stream.Log {
	return s.memLog
}

// Run starts every component and blocks until ctx is cancelled, then
// shuts down in dependency order: HTTP first, then ingestion, then the
// background schedulers, then storage.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("consolidator starting",
		"http_addr", s.cfg.HTTPAddr,
		"stream_backend", string(s.cfg.Stream.Backend),
		"partitions", s.cfg.Stream.Partitions)

	if err := s.promoteSched.Start(ctx); err != nil {
		return err
	}
	if err := s.sweepSched.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.ingestor.Run(gctx)
	})

	g.Go(func() error {
		err := s.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown incomplete", "error", err)
		}

		if s.memLog != nil {
			s.memLog.Close()
		}
		return nil
	})

	err := g.Wait()

	s.promoteSched.Stop()
	s.sweepSched.Stop()
	s.closePartial()

	s.logger.Info("consolidator stopped")
	return err
}

// closePartial releases whatever resources were opened, in reverse order.
// Safe to call on a partially constructed service.
func (s *Service) closePartial() {
	if s.source != nil {
		if err := s.source.Close(); err != nil {
			s.logger.Warn("stream source close failed", "error", err)
		}
		s.source = nil
	}
	if s.durable != nil {
		if err := s.durable.Close(); err != nil {
			s.logger.Warn("durable store close failed", "error", err)
		}
		s.durable = nil
	}
	if s.badger != nil {
		if err := s.badger.Close(); err != nil {
			s.logger.Warn("hot store close failed", "error", err)
		}
		s.badger = nil
	}
}
