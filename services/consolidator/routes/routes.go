// Copyright (C) 2025 Attico AI (oss@attico.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/attico-ai/scriba/services/consolidator/handlers"
	"github.com/attico-ai/scriba/services/consolidator/observability"
	"github.com/attico-ai/scriba/services/consolidator/registry"
	"github.com/attico-ai/scriba/services/consolidator/transcript"
)

// SetupRoutes wires the read API onto the router.
func SetupRoutes(router *gin.Engine, reg *registry.Registry, svc *transcript.Service,
	hub *handlers.LiveHub, metrics *observability.Metrics) {

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		sessions := v1.Group("/sessions")
		{
			sessions.GET("", handlers.ListSessions(reg))
			sessions.GET("/:sessionId", handlers.GetSession(reg))
			sessions.GET("/:sessionId/transcript", handlers.GetTranscript(svc, metrics))
			sessions.GET("/:sessionId/live", handlers.HandleLiveTranscript(hub, svc))
		}
	}
}
