// Copyright (C) 2025 Attico AI (oss@attico.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sweep

import (
	"context"
	"sync"

	"github.com/attico-ai/scriba/pkg/logging"
)

// LossEvent records a segment evicted at the cleanup horizon without ever
// reaching durable storage. Under a healthy promotion pipeline these never
// happen; any occurrence means the durable store was unavailable for
// longer than the horizon.
type LossEvent struct {
	SessionID    string
	SegmentIndex int64
	Revision     int64

	// AgeMs is how long the segment sat in the hot store before eviction.
	AgeMs int64
}

// AlertSink receives loss events. Implementations must not block; the
// sweeper calls them inline.
type AlertSink interface {
	SegmentLost(ctx context.Context, e LossEvent)
}

// LogAlertSink writes loss events to the structured log at error level.
type LogAlertSink struct {
	logger *logging.Logger
}

// NewLogAlertSink creates a LogAlertSink.
func NewLogAlertSink(logger *logging.Logger) *LogAlertSink {
	return &LogAlertSink{logger: logger.With("component", "loss_alerts")}
}

// SegmentLost logs the loss event.
func (s *LogAlertSink) SegmentLost(ctx context.Context, e LossEvent) {
	s.logger.Error("segment evicted without durable copy",
		"session_id", e.SessionID,
		"segment_index", e.SegmentIndex,
		"revision", e.Revision,
		"age_ms", e.AgeMs)
}

// BufferAlertSink collects loss events in memory for tests.
type BufferAlertSink struct {
	mu     sync.Mutex
	events []LossEvent
}

// SegmentLost appends the event.
func (s *BufferAlertSink) SegmentLost(ctx context.Context, e LossEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// Events returns a copy of collected events.
func (s *BufferAlertSink) Events() []LossEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LossEvent, len(s.events))
	copy(out, s.events)
	return out
}
