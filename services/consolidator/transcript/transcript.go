// Copyright (C) 2025 Attico AI (oss@attico.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package transcript assembles session transcripts from the durable store
// and the hot store.
//
// A snapshot is the union of both stores, keyed by segment index. Where
// both hold a copy, the higher revision wins; a finalized copy at the same
// revision is authoritative. The result is ordered by index and marks each
// segment as finalized or still mutable.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/attico-ai/scriba/pkg/logging"
	"github.com/attico-ai/scriba/services/consolidator/datatypes"
	"github.com/attico-ai/scriba/services/consolidator/durable"
	"github.com/attico-ai/scriba/services/consolidator/hotstore"
	"github.com/attico-ai/scriba/services/consolidator/registry"
)

// ErrSessionNotFound is returned when neither the registry nor the
// durable store knows the session.
var ErrSessionNotFound = errors.New("transcript: session not found")

// Transcript is a point-in-time view of one session.
type Transcript struct {
	SessionID string                        `json:"session_id"`
	Status    datatypes.SessionStatus       `json:"status"`
	Segments  []datatypes.TranscriptSegment `json:"segments"`
}

// Service assembles transcripts.
type Service struct {
	hot    *hotstore.Store
	reg    *registry.Registry
	db     *durable.Store
	logger *logging.Logger
}

// New creates a transcript Service.
func New(hot *hotstore.Store, reg *registry.Registry, db *durable.Store, logger *logging.Logger) *Service {
	return &Service{hot: hot, reg: reg, db: db, logger: logger.With("component", "transcript")}
}

// GetSessionTranscript returns the merged snapshot for a session.
//
// # Description
//
// Sessions already reclaimed from the registry are still served from
// their durable segments with ended status; a session unknown to both
// stores yields ErrSessionNotFound. The snapshot is not transactional
// across the two stores, which is acceptable: a segment can only move
// forward (higher revision, then finalized), never disappear mid-read.
func (s *Service) GetSessionTranscript(ctx context.Context, sessionID string) (Transcript, error) {
	status := datatypes.SessionEnded
	known := false

	sess, err := s.reg.Get(ctx, sessionID)
	switch {
	case err == nil:
		status = sess.Status
		known = true
	case errors.Is(err, registry.ErrNotFound):
		// Possibly reclaimed; durable rows below decide.
	default:
		return Transcript{}, fmt.Errorf("load session %q: %w", sessionID, err)
	}

	durSegs, err := s.db.GetSessionSegments(ctx, sessionID)
	if err != nil {
		return Transcript{}, fmt.Errorf("load durable segments for %q: %w", sessionID, err)
	}
	if len(durSegs) > 0 {
		known = true
	}

	hotSegs, err := s.hot.ScanSession(ctx, sessionID)
	if err != nil {
		return Transcript{}, fmt.Errorf("scan hot segments for %q: %w", sessionID, err)
	}
	if len(hotSegs) > 0 {
		known = true
	}

	if !known {
		return Transcript{}, ErrSessionNotFound
	}

	byIndex := make(map[int64]datatypes.TranscriptSegment, len(durSegs)+len(hotSegs))
	for _, d := range durSegs {
		byIndex[d.SegmentIndex] = datatypes.TranscriptSegment{Segment: d.Segment, Finalized: true}
	}
	for _, h := range hotSegs {
		cur, ok := byIndex[h.SegmentIndex]
		if ok && h.Revision <= cur.Revision {
			continue
		}
		byIndex[h.SegmentIndex] = datatypes.TranscriptSegment{Segment: h.Segment, Finalized: h.Finalized}
	}

	out := make([]datatypes.TranscriptSegment, 0, len(byIndex))
	for _, seg := range byIndex {
		out = append(out, seg)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SegmentIndex < out[j].SegmentIndex
	})

	return Transcript{SessionID: sessionID, Status: status, Segments: out}, nil
}
