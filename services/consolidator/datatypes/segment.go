// Copyright (C) 2025 Attico AI (oss@attico.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes defines the data contracts of the segment consolidation
// engine: the wire schema of transcription segment events, the hot-store
// working copy, the durable finalized form, and session registry metadata.
//
// Segment identity is the pair (session_id, segment_index). The revision
// number distinguishes successive corrections of the same index; the engine
// guarantees that revision is monotonic non-decreasing in the hot store and
// that finalized content never changes again.
package datatypes

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Wire schema
// =============================================================================

// eventValidator validates incoming stream events against the schema tags.
// validator.Validate is safe for concurrent use and caches struct metadata.
var eventValidator = validator.New()

// ErrEmptyText is returned for segment events that carry no text payload
// and are not end-of-session markers.
var ErrEmptyText = errors.New("segment event has empty text and is not an end-of-session marker")

// SegmentEvent is the stream message emitted by a transcriber.
//
// # Description
//
// One event describes either a new or corrected segment for a session
// (Text set, Revision increasing per correction), or an end-of-session
// marker (EndOfSession true, Text may be empty).
//
// Events arrive out of order and at-least-once; consumers must treat
// redelivery of any event as a no-op.
type SegmentEvent struct {
	SessionID    string  `json:"session_id" validate:"required,max=256"`
	SegmentIndex int64   `json:"segment_index" validate:"gte=0"`
	StartMs      int64   `json:"start_ms" validate:"gte=0"`
	EndMs        int64   `json:"end_ms" validate:"gtefield=StartMs"`
	Text         string  `json:"text"`
	Speaker      *string `json:"speaker,omitempty"`
	Revision     int64   `json:"revision" validate:"gte=0"`
	EndOfSession bool    `json:"end_of_session,omitempty"`
}

// Validate checks the event against the wire schema.
//
// # Description
//
// Returns a non-nil error for schema violations: missing session id,
// negative index or revision, end time before start time, or an empty
// text payload on a non-marker event. Callers treat a validation error
// as a poison pill: the event is logged, counted, and skipped.
func (e *SegmentEvent) Validate() error {
	if err := eventValidator.Struct(e); err != nil {
		return fmt.Errorf("segment event schema: %w", err)
	}
	if e.Text == "" && !e.EndOfSession {
		return ErrEmptyText
	}
	return nil
}

// =============================================================================
// Segment forms
// =============================================================================

// Segment is the unit of transcribed speech.
//
// Timestamps are speech-time milliseconds, not arrival time. Speaker is
// nil when the transcriber provided no diarization label.
type Segment struct {
	SessionID    string  `json:"session_id"`
	SegmentIndex int64   `json:"segment_index"`
	StartMs      int64   `json:"start_ms"`
	EndMs        int64   `json:"end_ms"`
	Text         string  `json:"text"`
	Speaker      *string `json:"speaker,omitempty"`
	Revision     int64   `json:"revision"`
}

// Key returns the identity of the segment within the whole system.
func (s *Segment) Key() string {
	return fmt.Sprintf("%s/%d", s.SessionID, s.SegmentIndex)
}

// HotEntry is the hot-store working copy of a Segment.
//
// # Lifecycle
//
// Created by the merger on first sight of a (session, index) pair, updated
// in place while higher revisions arrive, frozen when the promoter flips
// Finalized after a confirmed durable write, and eventually evicted by the
// sweeper (TTL once durable, cleanup horizon otherwise).
//
// # Invariants
//
//   - Revision never decreases.
//   - Once Finalized is true, Segment content never changes again.
//   - Durable is set only after the durable writer confirmed the upsert.
type HotEntry struct {
	Segment

	// CreatedAtMs is arrival time of the first revision (engine clock).
	CreatedAtMs int64 `json:"created_at_ms"`

	// UpdatedAtMs is arrival time of the currently stored revision.
	UpdatedAtMs int64 `json:"updated_at_ms"`

	// Finalized marks the one-way immutability gate.
	Finalized bool `json:"finalized"`

	// Durable is set by the promoter once the durable upsert succeeded.
	Durable bool `json:"durable"`

	// FinalizedAtMs is when the finalized flag was flipped (0 if not yet).
	FinalizedAtMs int64 `json:"finalized_at_ms,omitempty"`
}

// FinalizedSegment is the permanent, durable copy of a segment, unique on
// (session_id, segment_index).
type FinalizedSegment struct {
	Segment

	// PersistedAtMs is when the durable upsert was performed.
	PersistedAtMs int64 `json:"persisted_at_ms"`
}

// TranscriptSegment is one element of an assembled session transcript.
// Finalized distinguishes durable segments from hot, still-mutable ones.
type TranscriptSegment struct {
	Segment

	Finalized bool `json:"finalized"`
}

// =============================================================================
// Session registry metadata
// =============================================================================

// SessionStatus is the lifecycle state of a transcription session.
type SessionStatus string

const (
	// SessionActive means the session is still producing segments.
	SessionActive SessionStatus = "active"

	// SessionEnded means an end-of-session marker was seen or the session
	// exceeded the inactivity horizon.
	SessionEnded SessionStatus = "ended"
)

// Session is the registry entry for one live transcription session.
//
// Created on the first segment event for an unseen id. The entry persists
// until the sweeper reclaims it, strictly after all of the session's
// segments have cleared the hot store.
type Session struct {
	SessionID string        `json:"session_id"`
	CreatedAt int64         `json:"created_at_ms"`
	Status    SessionStatus `json:"status"`

	// LastSegmentIndex is the highest segment index observed, -1 if the
	// session was created by a bare end-of-session marker.
	LastSegmentIndex int64 `json:"last_segment_index"`

	// LastSeenAt is the arrival time of the most recent event.
	LastSeenAt int64 `json:"last_seen_at_ms"`

	// EndedAt is when the session transitioned to ended (0 while active).
	EndedAt int64 `json:"ended_at_ms,omitempty"`
}

// Ended reports whether the session has transitioned to the ended state.
func (s *Session) Ended() bool {
	return s.Status == SessionEnded
}
