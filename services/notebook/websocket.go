// Copyright (C) 2025 Eventbook Authors (maintainers@eventbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package notebook

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/eventbook/eventbook/services/notebook/datatypes"
	"github.com/eventbook/eventbook/services/notebook/hub"
)

const (
	// writeWait bounds one message write.
	writeWait = 10 * time.Second

	// pongWait is how long the reader waits for any traffic before
	// declaring the peer dead.
	pongWait = 60 * time.Second

	// pingPeriod is the protocol-level keepalive interval. Must be under
	// pongWait.
	pingPeriod = 45 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients connect from arbitrary notebook frontends; access
	// control happens upstream.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket handles GET /v1/stores/:storeId/ws.
//
// Description:
//
//	Upgrades the connection and subscribes it to the store's event feed.
//	The server confirms with a "subscribed" message carrying the connection
//	id, follows with a "store_info" snapshot marker, then streams "event"
//	messages in version order. A client "ping" gets a "pong"; "unsubscribe"
//	closes the stream.
//
//	Clients are expected to fetch the full event list over HTTP after the
//	subscribed confirmation, then dedup the stream by version.
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	storeID, ok := storeIDParam(c)
	if !ok {
		return
	}
	logger := slog.With("handler", "HandleWebSocket", "store_id", storeID)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("Upgrade failed", "error", err)
		return
	}

	sub := h.svc.Hub().Subscribe(storeID)
	logger = logger.With("connection_id", sub.ID)
	logger.Info("Subscriber connected")

	// outbound multiplexes hub traffic and reader replies (pong, errors)
	// onto the single writer pump.
	outbound := make(chan datatypes.ServerMessage, 8)
	done := make(chan struct{})

	go h.readPump(conn, sub, outbound, done, logger)
	h.writePump(conn, sub, outbound, done, logger)

	h.svc.Hub().Unsubscribe(sub)
	_ = conn.Close()
	logger.Info("Subscriber disconnected")
}

// readPump consumes client messages until the connection dies or the
// client unsubscribes, then signals the writer via done.
func (h *Handlers) readPump(conn *websocket.Conn, sub *hub.Subscriber, outbound chan<- datatypes.ServerMessage, done chan struct{}, logger *slog.Logger) {
	defer close(done)

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg datatypes.ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseNormalClosure {
				logger.Debug("Read ended", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Type {
		case datatypes.MsgPing:
			select {
			case outbound <- datatypes.ServerMessage{Type: datatypes.MsgPong, StoreID: sub.StoreID}:
			default:
			}
		case datatypes.MsgSubscribe:
			// Already subscribed on connect; re-confirm for idempotent
			// clients.
			select {
			case outbound <- datatypes.ServerMessage{
				Type:         datatypes.MsgSubscribed,
				StoreID:      sub.StoreID,
				ConnectionID: sub.ID,
			}:
			default:
			}
		case datatypes.MsgUnsubscribe:
			return
		default:
			select {
			case outbound <- datatypes.ServerMessage{
				Type:    datatypes.MsgError,
				StoreID: sub.StoreID,
				Message: "unknown message type: " + msg.Type,
			}:
			default:
			}
		}
	}
}

// writePump owns all writes to the connection: the subscribed handshake,
// the store_info snapshot marker, hub events, reader replies and
// protocol-level keepalive pings.
func (h *Handlers) writePump(conn *websocket.Conn, sub *hub.Subscriber, outbound <-chan datatypes.ServerMessage, done <-chan struct{}, logger *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	write := func(msg datatypes.ServerMessage) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			logger.Debug("Write failed", "error", err)
			return false
		}
		return true
	}

	if !write(datatypes.ServerMessage{
		Type:         datatypes.MsgSubscribed,
		StoreID:      sub.StoreID,
		ConnectionID: sub.ID,
	}) {
		return
	}
	if info, err := h.svc.StoreInfo(context.Background(), sub.StoreID); err == nil {
		if !write(datatypes.ServerMessage{
			Type:          datatypes.MsgStoreInfo,
			StoreID:       sub.StoreID,
			EventCount:    info.EventCount,
			LatestVersion: info.LatestVersion,
		}) {
			return
		}
	}

	for {
		select {
		case msg, ok := <-sub.C:
			if !ok {
				// Hub shut down; tell the peer we are going away.
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if !write(msg) {
				return
			}
		case msg := <-outbound:
			if !write(msg) {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
