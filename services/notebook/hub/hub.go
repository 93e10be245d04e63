// Copyright (C) 2025 Eventbook Authors (maintainers@eventbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package hub fans appended events out to WebSocket subscribers.
//
// Each store (aggregate) has its own subscriber set. Delivery to one
// subscriber is a buffered channel send; a subscriber that cannot keep up
// has the message dropped rather than stalling the writer. A dropped event
// shows up to the client as a version gap, which its reconciler repairs
// with a full resync.
package hub

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/eventbook/eventbook/services/notebook/datatypes"
	"github.com/eventbook/eventbook/services/notebook/observability"
)

// DefaultSendBuffer is the per-subscriber channel capacity.
const DefaultSendBuffer = 64

// Subscriber is one WebSocket connection's subscription to a store.
type Subscriber struct {
	// ID identifies the connection, echoed in the subscribed confirmation.
	ID string

	// StoreID is the store this subscription listens to.
	StoreID string

	// C delivers server messages. Closed by Unsubscribe.
	C chan datatypes.ServerMessage

	closeOnce sync.Once
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.C) })
}

// Hub is the in-process broadcast registry.
//
// # Thread Safety
//
// Safe for concurrent use. Broadcast holds the lock only long enough to
// snapshot the subscriber set; channel sends never block.
type Hub struct {
	mu     sync.RWMutex
	stores map[string]map[string]*Subscriber

	logger  *slog.Logger
	metrics *observability.Metrics
	buffer  int
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) { h.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithSendBuffer overrides the per-subscriber channel capacity.
func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// New creates an empty hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		stores: map[string]map[string]*Subscriber{},
		logger: slog.Default(),
		buffer: DefaultSendBuffer,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a new subscription to the store and returns it.
// The caller owns draining Subscriber.C until Unsubscribe closes it.
func (h *Hub) Subscribe(storeID string) *Subscriber {
	sub := &Subscriber{
		ID:      "conn-" + uuid.New().String(),
		StoreID: storeID,
		C:       make(chan datatypes.ServerMessage, h.buffer),
	}

	h.mu.Lock()
	subs, ok := h.stores[storeID]
	if !ok {
		subs = map[string]*Subscriber{}
		h.stores[storeID] = subs
	}
	subs[sub.ID] = sub
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ActiveConnections.Inc()
	}
	h.logger.Debug("subscriber registered",
		slog.String("store_id", storeID),
		slog.String("connection_id", sub.ID))
	return sub
}

// Unsubscribe removes the subscription and closes its channel. Idempotent.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	removed := false
	if subs, ok := h.stores[sub.StoreID]; ok {
		if _, ok := subs[sub.ID]; ok {
			delete(subs, sub.ID)
			removed = true
		}
		if len(subs) == 0 {
			delete(h.stores, sub.StoreID)
		}
	}
	h.mu.Unlock()

	sub.close()
	if removed {
		if h.metrics != nil {
			h.metrics.ActiveConnections.Dec()
		}
		h.logger.Debug("subscriber removed",
			slog.String("store_id", sub.StoreID),
			slog.String("connection_id", sub.ID))
	}
}

// Broadcast delivers an appended event to every subscriber of its store.
// Slow subscribers are skipped, never waited on.
func (h *Hub) Broadcast(event datatypes.Event) {
	msg := datatypes.ServerMessage{
		Type:    datatypes.MsgEvent,
		StoreID: event.AggregateID,
		Event:   &event,
	}

	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.stores[event.AggregateID]))
	for _, sub := range h.stores[event.AggregateID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	if h.metrics != nil {
		h.metrics.BroadcastsTotal.Inc()
	}
	for _, sub := range subs {
		select {
		case sub.C <- msg:
		default:
			if h.metrics != nil {
				h.metrics.DroppedMessagesTotal.Inc()
			}
			h.logger.Warn("dropping event for slow subscriber",
				slog.String("store_id", sub.StoreID),
				slog.String("connection_id", sub.ID),
				slog.Int64("version", event.Version))
		}
	}
}

// SubscriberCount returns the number of live subscriptions for a store.
func (h *Hub) SubscriberCount(storeID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.stores[storeID])
}

// CloseAll unsubscribes everything, closing every channel. Used on
// shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	var all []*Subscriber
	for _, subs := range h.stores {
		for _, sub := range subs {
			all = append(all, sub)
		}
	}
	h.stores = map[string]map[string]*Subscriber{}
	h.mu.Unlock()

	for _, sub := range all {
		sub.close()
		if h.metrics != nil {
			h.metrics.ActiveConnections.Dec()
		}
	}
}
