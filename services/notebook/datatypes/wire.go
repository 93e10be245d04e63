// Copyright (C) 2025 Eventbook Authors (maintainers@eventbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// WebSocket wire messages. Both directions use a flat envelope with a Type
// tag; fields not used by a given kind are omitted from the JSON.

// Server-to-client message kinds.
const (
	MsgSubscribed = "subscribed"
	MsgEvent      = "event"
	MsgStoreInfo  = "store_info"
	MsgError      = "error"
	MsgPing       = "ping"
	MsgPong       = "pong"
)

// Client-to-server message kinds.
const (
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
)

// ServerMessage is every message the server sends over a store's channel.
//
// Kinds: subscribed (ConnectionID), event (Event, version-ordered per store,
// possibly re-sent after a reconnect), store_info (EventCount,
// LatestVersion), error (Message), ping, pong.
type ServerMessage struct {
	Type          string `json:"type"`
	StoreID       string `json:"store_id,omitempty"`
	ConnectionID  string `json:"connection_id,omitempty"`
	Event         *Event `json:"event,omitempty"`
	EventCount    int64  `json:"event_count,omitempty"`
	LatestVersion int64  `json:"latest_version,omitempty"`
	Message       string `json:"message,omitempty"`
}

// ClientMessage is every message a client sends over a store's channel.
//
// Kinds: subscribe (StoreID), unsubscribe (StoreID), ping.
type ClientMessage struct {
	Type    string `json:"type"`
	StoreID string `json:"store_id,omitempty"`
}
