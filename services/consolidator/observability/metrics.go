// Copyright (C) 2025 Attico AI (oss@attico.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the consolidation
// engine.
//
// # Description
//
// Metrics cover the full segment lifecycle:
//   - ingest counters (events by merge outcome, poison pills)
//   - promotion counters and durable-write latency
//   - sweep counters, including unpromoted-loss evictions
//   - gauges for hot entries and tracked sessions
//   - read-path request counters
//
// # Integration
//
// Exposed via the /metrics endpoint. All operations are thread-safe via
// Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "scriba"

const consolidatorSubsystem = "consolidator"

// Metrics holds all Prometheus metrics for the consolidation engine.
// Initialize once at startup via Init(), or with a private registry in
// tests via New().
type Metrics struct {
	// EventsTotal counts consumed segment events by merge outcome.
	// Labels: outcome (inserted, updated, stale, rejected_finalized)
	EventsTotal *prometheus.CounterVec

	// PoisonEventsTotal counts events dropped for schema violations.
	PoisonEventsTotal prometheus.Counter

	// SessionMarkersTotal counts end-of-session markers consumed.
	SessionMarkersTotal prometheus.Counter

	// PromotionsTotal counts promotion attempts by result.
	// Labels: result (finalized, deferred, error)
	PromotionsTotal *prometheus.CounterVec

	// DurableWriteSeconds measures durable upsert batch latency.
	DurableWriteSeconds prometheus.Histogram

	// EvictionsTotal counts hot-store evictions by reason.
	// Labels: reason (ttl, horizon)
	EvictionsTotal *prometheus.CounterVec

	// UnpromotedLossTotal counts segments evicted at the cleanup horizon
	// without ever becoming durable. Any non-zero rate is an alert.
	UnpromotedLossTotal prometheus.Counter

	// SessionsReclaimedTotal counts registry entries removed by the sweeper.
	SessionsReclaimedTotal prometheus.Counter

	// HotEntries tracks the current number of hot-store entries.
	HotEntries prometheus.Gauge

	// ActiveSessions tracks sessions currently in the registry.
	ActiveSessions prometheus.Gauge

	// TranscriptRequestsTotal counts read-path requests by status.
	// Labels: status (success, not_found, error)
	TranscriptRequestsTotal *prometheus.CounterVec

	// CheckpointCommitsTotal counts consumer-group checkpoint commits.
	CheckpointCommitsTotal prometheus.Counter
}

// Default is the process-wide metrics instance, set by Init().
var Default *Metrics

// Init creates and registers the engine metrics on the default Prometheus
// registry. Call once at startup; a second call panics on duplicate
// registration.
func Init() *Metrics {
	Default = New(prometheus.DefaultRegisterer)
	return Default
}

// New creates and registers the engine metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: consolidatorSubsystem,
				Name:      "events_total",
				Help:      "Segment events consumed, by merge outcome",
			},
			[]string{"outcome"},
		),

		PoisonEventsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: consolidatorSubsystem,
				Name:      "poison_events_total",
				Help:      "Events dropped for schema violations",
			},
		),

		SessionMarkersTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: consolidatorSubsystem,
				Name:      "session_markers_total",
				Help:      "End-of-session markers consumed",
			},
		),

		PromotionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: consolidatorSubsystem,
				Name:      "promotions_total",
				Help:      "Promotion attempts by result",
			},
			[]string{"result"},
		),

		DurableWriteSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: consolidatorSubsystem,
				Name:      "durable_write_seconds",
				Help:      "Durable upsert batch latency in seconds",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
		),

		EvictionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: consolidatorSubsystem,
				Name:      "evictions_total",
				Help:      "Hot-store evictions by reason",
			},
			[]string{"reason"},
		),

		UnpromotedLossTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: consolidatorSubsystem,
				Name:      "unpromoted_loss_total",
				Help:      "Segments evicted at the cleanup horizon without a durable copy",
			},
		),

		SessionsReclaimedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: consolidatorSubsystem,
				Name:      "sessions_reclaimed_total",
				Help:      "Registry entries removed by the sweeper",
			},
		),

		HotEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: consolidatorSubsystem,
				Name:      "hot_entries",
				Help:      "Current number of hot-store entries",
			},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: consolidatorSubsystem,
				Name:      "active_sessions",
				Help:      "Sessions currently tracked by the registry",
			},
		),

		TranscriptRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: consolidatorSubsystem,
				Name:      "transcript_requests_total",
				Help:      "Transcript read requests by status",
			},
			[]string{"status"},
		),

		CheckpointCommitsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: consolidatorSubsystem,
				Name:      "checkpoint_commits_total",
				Help:      "Consumer-group checkpoint commits",
			},
		),
	}
}
