// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes wires all gateway endpoints onto the router.
//
// Description:
//
//	Registers the turn API under /v1 plus the operational endpoints.
//	The /v1 group runs behind the Auth middleware; operational probes
//	stay open so health checks and scrapes never need credentials.
//
//	  POST /v1/turns                  - submit a turn for execution
//	  GET  /v1/turns/:id              - turn status (live or persisted)
//	  GET  /v1/turns/:id/trace        - execution trace of a finished turn
//	  POST /v1/turns/:id/cancel       - request cancellation of a running turn
//	  GET  /v1/turns/:id/events       - WebSocket stream of engine events
//	  GET  /v1/sessions/:id/turns     - list a session's turns
//	  GET  /v1/sessions/:id/result    - last successful tool result in a session
//	  GET  /healthz                   - liveness probe
//	  GET  /metrics                   - Prometheus metrics
//
// Inputs:
//   - router: gin engine to register on.
//   - handlers: handler set produced by NewHandlers.
//
// Outputs:
//   - None. Routes are registered as a side effect.
func RegisterRoutes(router *gin.Engine, handlers *Handlers) {
	router.GET("/healthz", handlers.HandleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.Use(Auth(handlers.exts.AuthProvider))
	{
		turns := v1.Group("/turns")
		{
			turns.POST("", handlers.HandleSubmitTurn)
			turns.GET("/:id", handlers.HandleGetTurn)
			turns.GET("/:id/trace", handlers.HandleTurnTrace)
			turns.POST("/:id/cancel", handlers.HandleCancelTurn)
			turns.GET("/:id/events", handlers.HandleTurnEvents)
		}

		sessions := v1.Group("/sessions")
		{
			sessions.GET("/:id/turns", handlers.HandleSessionTurns)
			sessions.GET("/:id/result", handlers.HandleLastResult)
		}
	}
}
