// Copyright (C) 2025 Attico AI (oss@attico.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package merge applies validated segment events to the hot store and the
// session registry.
//
// The merger is the single write path for segment content: the ingestor
// hands it decoded events, it runs the highest-revision-wins rule via the
// hot store and keeps the registry's session lifecycle current. It is
// deliberately idempotent; replaying any batch of events produces the same
// state.
package merge

import (
	"context"
	"fmt"

	"github.com/attico-ai/scriba/pkg/logging"
	"github.com/attico-ai/scriba/services/consolidator/datatypes"
	"github.com/attico-ai/scriba/services/consolidator/hotstore"
	"github.com/attico-ai/scriba/services/consolidator/observability"
	"github.com/attico-ai/scriba/services/consolidator/registry"
)

// Result reports what the merger did with one event.
type Result struct {
	// Outcome is the hot-store merge outcome. For marker-only events that
	// carry no segment payload, Outcome is OutcomeStale and Marker is the
	// meaningful field.
	Outcome hotstore.Outcome

	// Marker is true when the event carried an end-of-session flag.
	Marker bool
}

// Merger applies segment events.
type Merger struct {
	hot     *hotstore.Store
	reg     *registry.Registry
	metrics *observability.Metrics
	logger  *logging.Logger
}

// New creates a Merger. metrics may be nil.
func New(hot *hotstore.Store, reg *registry.Registry, metrics *observability.Metrics, logger *logging.Logger) *Merger {
	return &Merger{hot: hot, reg: reg, metrics: metrics, logger: logger}
}

// ApplyEvent merges one validated event into engine state.
//
// # Description
//
// For segment events: ensures the registry entry exists, advances its
// last-seen bookkeeping, and applies the revision to the hot store. For
// end-of-session markers: transitions the session to ended; a marker that
// also carries text is applied as a segment first. Late events for an
// ended session still merge into the hot store so corrections arriving
// around the marker are not lost, unless the entry is already finalized.
//
// nowMs is the engine clock reading for arrival-time bookkeeping.
func (m *Merger) ApplyEvent(ctx context.Context, ev datatypes.SegmentEvent, nowMs int64) (Result, error) {
	res := Result{Outcome: hotstore.OutcomeStale, Marker: ev.EndOfSession}

	hasPayload := ev.Text != ""

	if hasPayload {
		if _, err := m.reg.Observe(ctx, ev.SessionID, ev.SegmentIndex, nowMs); err != nil {
			return res, fmt.Errorf("observe session %q: %w", ev.SessionID, err)
		}

		outcome, err := m.hot.Apply(ctx, ev, nowMs)
		if err != nil {
			return res, fmt.Errorf("apply segment %s/%d: %w", ev.SessionID, ev.SegmentIndex, err)
		}
		res.Outcome = outcome

		if m.metrics != nil {
			m.metrics.EventsTotal.WithLabelValues(outcome.String()).Inc()
		}
		if outcome == hotstore.OutcomeRejectedFinalized {
			m.logger.Warn("revision rejected for finalized segment",
				"session_id", ev.SessionID,
				"segment_index", ev.SegmentIndex,
				"revision", ev.Revision)
		}
	}

	if ev.EndOfSession {
		if err := m.reg.End(ctx, ev.SessionID, nowMs); err != nil {
			return res, fmt.Errorf("end session %q: %w", ev.SessionID, err)
		}
		if m.metrics != nil {
			m.metrics.SessionMarkersTotal.Inc()
		}
		m.logger.Info("session ended by marker", "session_id", ev.SessionID)
	}

	return res, nil
}
