// Copyright (C) 2025 Attico AI (oss@attico.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validEvent() SegmentEvent {
	return SegmentEvent{
		SessionID:    "s1",
		SegmentIndex: 0,
		StartMs:      1000,
		EndMs:        2500,
		Text:         "hello world",
		Revision:     0,
	}
}

func TestSegmentEvent_Validate_Accepts(t *testing.T) {
	ev := validEvent()
	assert.NoError(t, ev.Validate())

	speaker := "spk_0"
	ev.Speaker = &speaker
	ev.Revision = 7
	assert.NoError(t, ev.Validate())
}

func TestSegmentEvent_Validate_EndOfSessionMarker(t *testing.T) {
	ev := SegmentEvent{
		SessionID:    "s1",
		SegmentIndex: 12,
		EndOfSession: true,
	}
	assert.NoError(t, ev.Validate(), "bare end-of-session marker is valid")
}

func TestSegmentEvent_Validate_Rejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*SegmentEvent)
	}{
		{"missing session id", func(e *SegmentEvent) { e.SessionID = "" }},
		{"negative index", func(e *SegmentEvent) { e.SegmentIndex = -1 }},
		{"negative revision", func(e *SegmentEvent) { e.Revision = -3 }},
		{"end before start", func(e *SegmentEvent) { e.EndMs = e.StartMs - 1 }},
		{"empty text without marker", func(e *SegmentEvent) { e.Text = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := validEvent()
			tc.mutate(&ev)
			assert.Error(t, ev.Validate())
		})
	}
}

func TestSegmentKey(t *testing.T) {
	seg := Segment{SessionID: "meeting-42", SegmentIndex: 9}
	assert.Equal(t, "meeting-42/9", seg.Key())
}

func TestSessionEnded(t *testing.T) {
	s := Session{Status: SessionActive}
	assert.False(t, s.Ended())
	s.Status = SessionEnded
	assert.True(t, s.Ended())
}
