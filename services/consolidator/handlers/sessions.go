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

	"github.com/gin-gonic/gin"

	"github.com/attico-ai/scriba/services/consolidator/observability"
	"github.com/attico-ai/scriba/services/consolidator/registry"
	"github.com/attico-ai/scriba/services/consolidator/transcript"
)

// ListSessions returns all sessions currently tracked by the registry.
func ListSessions(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessions, err := reg.List(c.Request.Context())
		if err != nil {
			slog.Error("failed to list sessions", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
	}
}

// GetSession returns registry metadata for one session.
func GetSession(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")

		sess, err := reg.Get(c.Request.Context(), sessionID)
		if errors.Is(err, registry.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		if err != nil {
			slog.Error("failed to load session", "session_id", sessionID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
			return
		}
		c.JSON(http.StatusOK, sess)
	}
}

// GetTranscript returns the merged transcript snapshot for a session.
func GetTranscript(svc *transcript.Service, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")

		tr, err := svc.GetSessionTranscript(c.Request.Context(), sessionID)
		if errors.Is(err, transcript.ErrSessionNotFound) {
			if metrics != nil {
				metrics.TranscriptRequestsTotal.WithLabelValues("not_found").Inc()
			}
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		if err != nil {
			if metrics != nil {
				metrics.TranscriptRequestsTotal.WithLabelValues("error").Inc()
			}
			slog.Error("failed to assemble transcript", "session_id", sessionID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to assemble transcript"})
			return
		}

		if metrics != nil {
			metrics.TranscriptRequestsTotal.WithLabelValues("success").Inc()
		}
		c.JSON(http.StatusOK, tr)
	}
}
