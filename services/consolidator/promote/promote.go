// Copyright (C) 2025 Attico AI (oss@attico.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package promote drives hot segments to durable, immutable storage.
//
// # Description
//
// A segment becomes promotion-eligible once its current revision has been
// stable for the configured threshold. Session end does not shortcut the
// wait: corrections race the end marker, so even an ended session's
// segments sit out the full window. Each cycle the promoter batches
// eligible segments, writes them to the durable store, and then flips the
// per-entry immutability gate.
//
// The flip re-checks the stored revision: if a newer revision landed
// between the durable write and the flip, the entry stays mutable and is
// promoted again on a later cycle with the newer content. The durable
// upsert is revision-guarded too, so that ordering can never regress the
// durable copy.
package promote

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/attico-ai/scriba/pkg/logging"
	"github.com/attico-ai/scriba/services/consolidator/datatypes"
	"github.com/attico-ai/scriba/services/consolidator/durable"
	"github.com/attico-ai/scriba/services/consolidator/hotstore"
	"github.com/attico-ai/scriba/services/consolidator/observability"
	"github.com/attico-ai/scriba/services/consolidator/sched"
)

const tracerName = "scriba/consolidator/promote"

// Config holds promoter tuning.
type Config struct {
	// StabilityThreshold is how long a revision must sit unchanged before
	// it is considered settled.
	StabilityThreshold time.Duration

	// BatchSize caps segments per durable write.
	BatchSize int
}

// Promoter finalizes stable segments.
type Promoter struct {
	hot     *hotstore.Store
	db      *durable.Store
	clock   sched.Clock
	metrics *observability.Metrics
	logger  *logging.Logger
	config  Config
	tracer  trace.Tracer
}

// New creates a Promoter. metrics may be nil.
func New(hot *hotstore.Store, db *durable.Store, clock sched.Clock,
	metrics *observability.Metrics, logger *logging.Logger, config Config) *Promoter {

	if config.BatchSize <= 0 {
		config.BatchSize = 256
	}
	return &Promoter{
		hot:     hot,
		db:      db,
		clock:   clock,
		metrics: metrics,
		logger:  logger.With("component", "promoter"),
		config:  config,
		tracer:  otel.Tracer(tracerName),
	}
}

// RunCycle scans the hot store once and promotes everything eligible.
//
// A retryable durable-store error aborts the cycle; the same segments are
// picked up again on the next tick. Returns the number of segments
// finalized in this cycle.
func (p *Promoter) RunCycle(ctx context.Context) (int, error) {
	ctx, span := p.tracer.Start(ctx, "promote.cycle")
	defer span.End()

	now := p.clock.NowMs()

	candidates, err := p.collect(ctx, now)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int("candidates", len(candidates)))
	if len(candidates) == 0 {
		return 0, nil
	}

	finalized := 0
	for start := 0; start < len(candidates); start += p.config.BatchSize {
		end := min(start+p.config.BatchSize, len(candidates))
		n, err := p.promoteBatch(ctx, candidates[start:end], now)
		finalized += n
		if err != nil {
			span.SetAttributes(attribute.Int("finalized", finalized))
			return finalized, err
		}
	}

	span.SetAttributes(attribute.Int("finalized", finalized))
	if finalized > 0 {
		p.logger.Info("promotion cycle complete",
			"candidates", len(candidates), "finalized", finalized)
	}
	return finalized, nil
}

// collect gathers every non-finalized entry whose latest revision has sat
// unchanged for the full stability threshold. The threshold is
// unconditional; a session's end marker never shortens it.
func (p *Promoter) collect(ctx context.Context, nowMs int64) ([]datatypes.HotEntry, error) {
	thresholdMs := p.config.StabilityThreshold.Milliseconds()

	var out []datatypes.HotEntry
	err := p.hot.ForEach(ctx, func(e datatypes.HotEntry) error {
		if e.Finalized {
			return nil
		}
		if nowMs-e.UpdatedAtMs >= thresholdMs {
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Promoter) promoteBatch(ctx context.Context, batch []datatypes.HotEntry, nowMs int64) (int, error) {
	ctx, span := p.tracer.Start(ctx, "promote.batch",
		trace.WithAttributes(attribute.Int("batch_size", len(batch))))
	defer span.End()

	segs := make([]datatypes.Segment, len(batch))
	for i, e := range batch {
		segs[i] = e.Segment
	}

	writeStart := time.Now()
	if err := p.db.UpsertBatch(ctx, segs, nowMs); err != nil {
		if p.metrics != nil {
			p.metrics.PromotionsTotal.WithLabelValues("error").Add(float64(len(batch)))
		}
		if durable.IsRetryable(err) {
			p.logger.Warn("durable write failed, will retry", "error", err, "batch_size", len(batch))
		} else {
			p.logger.Error("durable write failed terminally", "error", err, "batch_size", len(batch))
		}
		return 0, err
	}
	if p.metrics != nil {
		p.metrics.DurableWriteSeconds.Observe(time.Since(writeStart).Seconds())
	}

	// The durable copy exists; finish the flips even if the caller's
	// context is being torn down, otherwise the same segments are
	// rewritten forever.
	flipCtx := context.WithoutCancel(ctx)

	finalized := 0
	for _, e := range batch {
		ok, err := p.hot.MarkFinalized(flipCtx, e.SessionID, e.SegmentIndex, e.Revision, nowMs)
		if err != nil {
			p.logger.Error("finalize flip failed",
				"session_id", e.SessionID, "segment_index", e.SegmentIndex, "error", err)
			if p.metrics != nil {
				p.metrics.PromotionsTotal.WithLabelValues("error").Inc()
			}
			continue
		}
		if ok {
			finalized++
			if p.metrics != nil {
				p.metrics.PromotionsTotal.WithLabelValues("finalized").Inc()
			}
		} else {
			// Revision advanced mid-promotion; the newer content is
			// promoted by a later cycle.
			if p.metrics != nil {
				p.metrics.PromotionsTotal.WithLabelValues("deferred").Inc()
			}
			p.logger.Debug("promotion deferred, revision advanced",
				"session_id", e.SessionID, "segment_index", e.SegmentIndex,
				"promoted_revision", e.Revision)
		}
	}
	return finalized, nil
}
