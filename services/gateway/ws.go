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
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/kodiak/services/agent/events"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The gateway fronts local tooling; origin enforcement belongs to
	// the deployment's proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

var (
	wsClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kodiak_gateway_ws_clients",
		Help: "Connected event-stream clients.",
	})
	wsDroppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kodiak_gateway_ws_dropped_events_total",
		Help: "Events dropped because a stream client could not keep up.",
	})
)

const (
	// eventFeedDepth buffers events between the engine's emitting
	// goroutine and the connection writer.
	eventFeedDepth = 256

	wsWriteTimeout = 10 * time.Second
)

// HandleTurnEvents handles GET /v1/turns/:id/events.
//
// Description:
//
//	Upgrades the connection to a WebSocket and streams the turn's
//	engine events as JSON, starting with a replay of everything
//	emitted so far. The stream ends with a normal close frame after
//	turn_finished.
//
//	Event handlers run on the engine's emitting goroutine, so the
//	subscription hands events to a buffered channel and never blocks:
//	when a client cannot keep up, intermediate events are dropped and
//	counted, but turn_finished is latched separately and always
//	delivered.
//
// Thread Safety: each connection owns its feed channels; the emitter
// serializes handler invocations.
func (h *Handlers) HandleTurnEvents(c *gin.Context) {
	requestID := GetRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleTurnEvents")
	turnID := c.Param("id")

	emitter, err := h.engine.Events(turnID)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: fmt.Sprintf("Turn %q not found", turnID),
			Code:  "TURN_NOT_FOUND",
		})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", "turn_id", turnID, "error", err)
		return
	}
	defer ws.Close()
	wsClients.Inc()
	defer wsClients.Dec()

	feed := make(chan events.Event, eventFeedDepth)
	finished := make(chan events.Event, 1)
	subID, replay := emitter.SubscribeWithReplay(func(ev *events.Event) {
		select {
		case feed <- *ev:
		default:
			if ev.Type == events.TypeTurnFinished {
				select {
				case finished <- *ev:
				default:
				}
				return
			}
			wsDroppedEvents.Inc()
		}
	})
	defer emitter.Unsubscribe(subID)

	// Detect client departure; inbound frames are not part of the
	// protocol, so any read result other than an error is discarded.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	logger.Debug("Event stream attached", "turn_id", turnID, "replay", len(replay))

	for _, ev := range replay {
		if !writeEvent(ws, logger, ev) {
			return
		}
		if ev.Type == events.TypeTurnFinished {
			closeStream(ws)
			return
		}
	}

	for {
		select {
		case ev := <-feed:
			if !writeEvent(ws, logger, ev) {
				return
			}
			if ev.Type == events.TypeTurnFinished {
				closeStream(ws)
				return
			}
		case ev := <-finished:
			// Flush whatever queued ahead of the latched terminal event.
			for drained := false; !drained; {
				select {
				case pending := <-feed:
					if !writeEvent(ws, logger, pending) {
						return
					}
				default:
					drained = true
				}
			}
			if !writeEvent(ws, logger, ev) {
				return
			}
			closeStream(ws)
			return
		case <-clientGone:
			logger.Debug("Event stream client disconnected", "turn_id", turnID)
			return
		}
	}
}

// writeEvent sends one event, reporting false when the connection is dead.
func writeEvent(ws *websocket.Conn, logger *slog.Logger, ev events.Event) bool {
	_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := ws.WriteJSON(ev); err != nil {
		logger.Warn("Failed to write event", "error", err)
		return false
	}
	return true
}

// closeStream sends a normal close frame after the terminal event.
func closeStream(ws *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "turn finished")
	_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = ws.WriteMessage(websocket.CloseMessage, msg)
}
