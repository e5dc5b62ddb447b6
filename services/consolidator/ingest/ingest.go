// Copyright (C) 2025 Attico AI (oss@attico.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ingest runs the stream consumption loop.
//
// # Description
//
// The ingestor fetches batches from its assigned partitions, validates
// each event, hands valid events to the merger, and commits the batch's
// offsets only after every event was applied. Malformed events are poison
// pills: logged, counted, and committed past so they cannot wedge the
// partition. Transient merge failures retry in place with bounded
// backoff, keeping the uncommitted batch intact.
package ingest

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/attico-ai/scriba/pkg/logging"
	"github.com/attico-ai/scriba/services/consolidator/datatypes"
	"github.com/attico-ai/scriba/services/consolidator/merge"
	"github.com/attico-ai/scriba/services/consolidator/observability"
	"github.com/attico-ai/scriba/services/consolidator/sched"
	"github.com/attico-ai/scriba/services/consolidator/stream"
)

// Notifier observes successfully applied events. Used by the live
// transcript feed; implementations must be fast and non-blocking.
type Notifier interface {
	SegmentApplied(ev datatypes.SegmentEvent)
}

// Config holds ingestor tuning.
type Config struct {
	// BatchSize caps records per fetch.
	BatchSize int

	// BlockTimeout is how long a fetch waits when the stream is idle.
	BlockTimeout time.Duration

	// RateLimit caps events applied per second. Zero disables pacing.
	RateLimit int
}

// Backoff bounds for transient fetch/merge failures.
const (
	backoffInitial = 100 * time.Millisecond
	backoffMax     = 5 * time.Second
)

// Ingestor consumes one source and feeds the merger.
type Ingestor struct {
	source   stream.Source
	merger   *merge.Merger
	clock    sched.Clock
	metrics  *observability.Metrics
	logger   *logging.Logger
	notifier Notifier
	limiter  *rate.Limiter
	config   Config
}

// New creates an Ingestor. metrics and notifier may be nil.
func New(source stream.Source, merger *merge.Merger, clock sched.Clock,
	metrics *observability.Metrics, logger *logging.Logger, notifier Notifier, config Config) *Ingestor {

	if config.BatchSize <= 0 {
		config.BatchSize = 64
	}
	if config.BlockTimeout <= 0 {
		config.BlockTimeout = time.Second
	}

	var limiter *rate.Limiter
	if config.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), config.RateLimit)
	}

	return &Ingestor{
		source:   source,
		merger:   merger,
		clock:    clock,
		metrics:  metrics,
		logger:   logger.With("component", "ingestor", "partitions", source.Partitions()),
		notifier: notifier,
		limiter:  limiter,
		config:   config,
	}
}

// Run consumes until ctx is cancelled. Always returns nil on cancellation;
// the loop absorbs transient errors itself.
func (i *Ingestor) Run(ctx context.Context) error {
	i.logger.Info("ingestor starting",
		"batch_size", i.config.BatchSize, "rate_limit", i.config.RateLimit)

	backoff := backoffInitial
	for {
		if ctx.Err() != nil {
			i.logger.Info("ingestor stopping")
			return nil
		}

		recs, err := i.source.Fetch(ctx, i.config.BatchSize, i.config.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, stream.ErrLogClosed) {
				i.logger.Info("ingestor stopping")
				return nil
			}
			i.logger.Warn("fetch failed", "error", err, "retry_in", backoff.String())
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = backoffInitial

		if len(recs) == 0 {
			continue
		}

		if err := i.processBatch(ctx, recs); err != nil {
			// Cancelled mid-batch; uncommitted records redeliver on restart.
			return nil
		}

		if err := i.source.Commit(ctx, recs); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// The merge is idempotent, so a lost commit only means
			// redelivery, never corruption.
			i.logger.Warn("checkpoint commit failed", "error", err)
			continue
		}
		if i.metrics != nil {
			i.metrics.CheckpointCommitsTotal.Inc()
		}
	}
}

// processBatch applies every record of a batch. Returns an error only on
// context cancellation.
func (i *Ingestor) processBatch(ctx context.Context, recs []stream.Record) error {
	for _, rec := range recs {
		if i.limiter != nil {
			if err := i.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		ev, err := rec.DecodeEvent()
		if err == nil {
			err = ev.Validate()
		}
		if err != nil {
			if i.metrics != nil {
				i.metrics.PoisonEventsTotal.Inc()
			}
			i.logger.Warn("dropping malformed event",
				"partition", rec.Partition, "offset", rec.Offset, "error", err)
			continue
		}

		if err := i.applyWithRetry(ctx, ev); err != nil {
			return err
		}
		if i.notifier != nil {
			i.notifier.SegmentApplied(ev)
		}
	}
	return nil
}

// applyWithRetry retries transient merge failures in place so offsets are
// never committed past an unapplied event.
func (i *Ingestor) applyWithRetry(ctx context.Context, ev datatypes.SegmentEvent) error {
	backoff := backoffInitial
	for {
		_, err := i.merger.ApplyEvent(ctx, ev, i.clock.NowMs())
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		i.logger.Warn("merge failed, retrying",
			"session_id", ev.SessionID, "segment_index", ev.SegmentIndex,
			"error", err, "retry_in", backoff.String())
		if !sleepCtx(ctx, backoff) {
			return ctx.Err()
		}
		backoff = nextBackoff(backoff)
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > backoffMax {
		return backoffMax
	}
	return next
}

// sleepCtx waits d or until ctx is done; reports whether the full wait
// elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
