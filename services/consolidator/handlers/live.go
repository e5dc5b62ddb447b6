// Copyright (C) 2025 Attico AI (oss@attico.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/attico-ai/scriba/services/consolidator/datatypes"
	"github.com/attico-ai/scriba/services/consolidator/transcript"
)

const (
	// liveWriteTimeout bounds a single websocket write.
	liveWriteTimeout = 10 * time.Second

	// liveBufferSize is the per-subscriber event buffer. Slow clients that
	// fall this far behind are disconnected rather than backpressuring
	// ingestion.
	liveBufferSize = 64
)

var liveUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The engine sits behind the deployment's own ingress.
		return true
	},
}

// liveSubscriber is one websocket client following a session.
type liveSubscriber struct {
	sessionID string
	events    chan datatypes.SegmentEvent
}

// LiveHub fans applied segment events out to websocket subscribers.
//
// The hub implements the ingestor's notifier contract: SegmentApplied is
// called inline on the ingest path, so delivery is strictly best-effort.
// A subscriber with a full buffer misses the event; clients needing a
// complete view fetch the transcript snapshot.
type LiveHub struct {
	mu   sync.Mutex
	subs map[string]map[*liveSubscriber]bool
}

// NewLiveHub creates an empty hub.
func NewLiveHub() *LiveHub {
	return &LiveHub{subs: make(map[string]map[*liveSubscriber]bool)}
}

// SegmentApplied broadcasts an event to the session's subscribers.
func (h *LiveHub) SegmentApplied(ev datatypes.SegmentEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[ev.SessionID] {
		select {
		case sub.events <- ev:
		default:
			// Buffer full; drop for this subscriber.
		}
	}
}

func (h *LiveHub) subscribe(sessionID string) *liveSubscriber {
	sub := &liveSubscriber{
		sessionID: sessionID,
		events:    make(chan datatypes.SegmentEvent, liveBufferSize),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[*liveSubscriber]bool)
	}
	h.subs[sessionID][sub] = true
	return sub
}

func (h *LiveHub) unsubscribe(sub *liveSubscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.subs[sub.sessionID], sub)
	if len(h.subs[sub.sessionID]) == 0 {
		delete(h.subs, sub.sessionID)
	}
}

// SubscriberCount returns the number of live subscribers for a session.
func (h *LiveHub) SubscriberCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}

// HandleLiveTranscript upgrades the connection, sends the current
// transcript snapshot, then streams applied segment events for the
// session until the client disconnects.
func HandleLiveTranscript(hub *LiveHub, svc *transcript.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")

		conn, err := liveUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "session_id", sessionID, "error", err)
			return
		}
		defer conn.Close()

		// Subscribe before reading the snapshot so nothing applied in
		// between is missed; a duplicate of a snapshot segment is harmless.
		sub := hub.subscribe(sessionID)
		defer hub.unsubscribe(sub)

		snapshot, err := svc.GetSessionTranscript(c.Request.Context(), sessionID)
		switch {
		case err == nil:
			_ = conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
			if err := conn.WriteJSON(snapshot); err != nil {
				slog.Info("live transcript snapshot write failed",
					"session_id", sessionID, "error", err)
				return
			}
		case errors.Is(err, transcript.ErrSessionNotFound):
			// Client tuned in before the first segment; updates only.
		default:
			slog.Warn("live transcript snapshot failed",
				"session_id", sessionID, "error", err)
		}

		slog.Info("live transcript subscriber connected", "session_id", sessionID)

		// Reader goroutine: surfaces client disconnects.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-done:
				slog.Info("live transcript subscriber disconnected", "session_id", sessionID)
				return
			case <-c.Request.Context().Done():
				return
			case ev := <-sub.events:
				_ = conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
				if err := conn.WriteJSON(ev); err != nil {
					slog.Info("live transcript write failed, dropping subscriber",
						"session_id", sessionID, "error", err)
					return
				}
			}
		}
	}
}
