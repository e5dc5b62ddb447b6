// Copyright (C) 2025 Attico AI (oss@attico.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sweep bounds hot-store memory and reclaims dead sessions.
//
// # Description
//
// Each cycle the sweeper:
//
//  1. Ends sessions idle past the inactivity horizon.
//  2. Evicts finalized, durable segments whose TTL elapsed.
//  3. Evicts any segment older than the cleanup horizon. A horizon
//     eviction of a segment that never became durable is data loss; it is
//     counted, and reported through the AlertSink.
//  4. Deletes registry entries of ended sessions once no hot segments
//     remain.
//
// All eviction decisions are re-validated inside the delete transaction,
// so a segment updated after being inspected is never swept by mistake.
// Cycles run against a sanity-checked clock: if the wall clock is out of
// bounds or jumped, the cycle aborts rather than evicting live data.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/attico-ai/scriba/pkg/logging"
	"github.com/attico-ai/scriba/services/consolidator/datatypes"
	"github.com/attico-ai/scriba/services/consolidator/hotstore"
	"github.com/attico-ai/scriba/services/consolidator/observability"
	"github.com/attico-ai/scriba/services/consolidator/registry"
	"github.com/attico-ai/scriba/services/consolidator/sched"
)

// Config holds sweeper tuning.
type Config struct {
	// HotTTL is how long finalized, durable segments stay readable in the
	// hot store before eviction.
	HotTTL time.Duration

	// CleanupHorizon is the hard age bound for any hot entry. Must be
	// well above HotTTL.
	CleanupHorizon time.Duration

	// SessionInactivity ends sessions that stop producing events without
	// an end-of-session marker.
	SessionInactivity time.Duration
}

// Result summarizes one sweep cycle.
type Result struct {
	EndedInactive     int
	TTLEvicted        int
	HorizonEvicted    int
	LostUnpromoted    int
	SessionsReclaimed int
}

// Sweeper runs the cleanup cycle.
type Sweeper struct {
	hot     *hotstore.Store
	reg     *registry.Registry
	clock   *sched.CheckedClock
	alerts  AlertSink
	metrics *observability.Metrics
	logger  *logging.Logger
	config  Config
}

// New creates a Sweeper. metrics may be nil; alerts must not be.
func New(hot *hotstore.Store, reg *registry.Registry, clock *sched.CheckedClock,
	alerts AlertSink, metrics *observability.Metrics, logger *logging.Logger, config Config) *Sweeper {

	return &Sweeper{
		hot:     hot,
		reg:     reg,
		clock:   clock,
		alerts:  alerts,
		metrics: metrics,
		logger:  logger.With("component", "sweeper"),
		config:  config,
	}
}

// RunCycle performs one full sweep.
func (s *Sweeper) RunCycle(ctx context.Context) (Result, error) {
	var res Result

	now, err := s.clock.SaneNowMs()
	if err != nil {
		return res, fmt.Errorf("sweep aborted, clock not sane: %w", err)
	}

	sessions, err := s.reg.List(ctx)
	if err != nil {
		return res, fmt.Errorf("list sessions: %w", err)
	}

	ended, endedCount, err := s.endInactive(ctx, sessions, now)
	if err != nil {
		return res, err
	}
	res.EndedInactive = endedCount

	if err := s.evict(ctx, now, &res); err != nil {
		return res, err
	}

	reclaimed, err := s.reclaimSessions(ctx, ended)
	if err != nil {
		return res, err
	}
	res.SessionsReclaimed = reclaimed

	s.updateGauges(ctx)

	if res.TTLEvicted+res.HorizonEvicted+res.EndedInactive+res.SessionsReclaimed > 0 {
		s.logger.Info("sweep cycle complete",
			"ended_inactive", res.EndedInactive,
			"ttl_evicted", res.TTLEvicted,
			"horizon_evicted", res.HorizonEvicted,
			"lost_unpromoted", res.LostUnpromoted,
			"sessions_reclaimed", res.SessionsReclaimed)
	}
	return res, nil
}

// endInactive transitions idle sessions to ended and returns the set of
// all ended session ids after this pass.
func (s *Sweeper) endInactive(ctx context.Context, sessions []datatypes.Session, nowMs int64) (map[string]bool, int, error) {
	inactivityMs := s.config.SessionInactivity.Milliseconds()
	ended := make(map[string]bool)
	count := 0

	for _, sess := range sessions {
		if sess.Ended() {
			ended[sess.SessionID] = true
			continue
		}
		if nowMs-sess.LastSeenAt >= inactivityMs {
			if err := s.reg.End(ctx, sess.SessionID, nowMs); err != nil {
				return nil, 0, fmt.Errorf("end inactive session %q: %w", sess.SessionID, err)
			}
			s.logger.Info("session ended by inactivity",
				"session_id", sess.SessionID, "idle_ms", nowMs-sess.LastSeenAt)
			ended[sess.SessionID] = true
			count++
		}
	}
	return ended, count, nil
}

func (s *Sweeper) evict(ctx context.Context, nowMs int64, res *Result) error {
	ttlMs := s.config.HotTTL.Milliseconds()
	horizonMs := s.config.CleanupHorizon.Milliseconds()

	// Snapshot candidates first; deletes re-validate inside their own
	// transaction.
	var candidates []datatypes.HotEntry
	err := s.hot.ForEach(ctx, func(e datatypes.HotEntry) error {
		switch {
		case e.Finalized && e.Durable && nowMs-e.FinalizedAtMs >= ttlMs:
			candidates = append(candidates, e)
		case nowMs-e.CreatedAtMs >= horizonMs:
			candidates = append(candidates, e)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan hot store: %w", err)
	}

	for _, e := range candidates {
		snapshot := e
		deleted, err := s.hot.DeleteIf(ctx, e.SessionID, e.SegmentIndex, func(cur datatypes.HotEntry) bool {
			// Entry changed since inspection: leave it for the next cycle.
			return cur.Revision == snapshot.Revision && cur.Finalized == snapshot.Finalized
		})
		if err != nil {
			return fmt.Errorf("evict %s/%d: %w", e.SessionID, e.SegmentIndex, err)
		}
		if !deleted {
			continue
		}

		if e.Finalized && e.Durable && nowMs-e.FinalizedAtMs >= ttlMs {
			res.TTLEvicted++
			if s.metrics != nil {
				s.metrics.EvictionsTotal.WithLabelValues("ttl").Inc()
			}
			continue
		}

		res.HorizonEvicted++
		if s.metrics != nil {
			s.metrics.EvictionsTotal.WithLabelValues("horizon").Inc()
		}
		if !e.Durable {
			res.LostUnpromoted++
			if s.metrics != nil {
				s.metrics.UnpromotedLossTotal.Inc()
			}
			s.alerts.SegmentLost(ctx, LossEvent{
				SessionID:    e.SessionID,
				SegmentIndex: e.SegmentIndex,
				Revision:     e.Revision,
				AgeMs:        nowMs - e.CreatedAtMs,
			})
		}
	}
	return nil
}

// reclaimSessions drops registry entries of ended sessions that have no
// hot segments left.
func (s *Sweeper) reclaimSessions(ctx context.Context, ended map[string]bool) (int, error) {
	reclaimed := 0
	for id := range ended {
		n, err := s.hot.SessionSegmentCount(ctx, id)
		if err != nil {
			return reclaimed, fmt.Errorf("count segments for %q: %w", id, err)
		}
		if n > 0 {
			continue
		}
		if err := s.reg.Delete(ctx, id); err != nil {
			return reclaimed, fmt.Errorf("reclaim session %q: %w", id, err)
		}
		reclaimed++
		if s.metrics != nil {
			s.metrics.SessionsReclaimedTotal.Inc()
		}
	}
	return reclaimed, nil
}

func (s *Sweeper) updateGauges(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	entries := 0
	if err := s.hot.ForEach(ctx, func(datatypes.HotEntry) error {
		entries++
		return nil
	}); err == nil {
		s.metrics.HotEntries.Set(float64(entries))
	}
	if sessions, err := s.reg.List(ctx); err == nil {
		s.metrics.ActiveSessions.Set(float64(len(sessions)))
	}
}
