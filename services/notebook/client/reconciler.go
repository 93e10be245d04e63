// Copyright (C) 2025 Eventbook Authors (maintainers@eventbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/eventbook/eventbook/services/notebook/datatypes"
	"github.com/eventbook/eventbook/services/notebook/materializer"
)

// Reconciler keeps a local notebook projection converged with the server's
// event log for one store.
//
// # Description
//
// There is no optimistic local fold: submitted events take effect only when
// they come back over the sync channel with their assigned version. The
// reconciler folds each incoming event exactly once, in version order:
//
//   - version == last+1: fold it.
//   - version <= last: duplicate (reconnect replay), dropped.
//   - version > last+1: gap (missed broadcast), repaired by a full resync:
//     discard local state, re-query the log, refold.
//
// Because the materializer is a pure fold, resync is always safe; it can
// only move the projection forward to the server's truth.
//
// # Thread Safety
//
// Safe for concurrent use. State() returns a value snapshot.
type Reconciler struct {
	client  *Client
	channel *SyncChannel
	storeID string
	logger  *slog.Logger

	mu        sync.RWMutex
	state     materializer.NotebookState
	observers []func(materializer.NotebookState)

	resyncs int64
	folded  int64
	dropped int64
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconcilerLogger sets the logger.
func WithReconcilerLogger(logger *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.logger = logger }
}

// NewReconciler creates a reconciler over an HTTP client and a sync
// channel for the same store.
func NewReconciler(c *Client, channel *SyncChannel, storeID string, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		client:  c,
		channel: channel,
		storeID: storeID,
		logger:  slog.Default(),
		state:   materializer.NewState(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(slog.String("store_id", storeID))
	return r
}

// Subscribe registers an observer called with a state snapshot after every
// fold and after every resync. Must be called before Run.
func (r *Reconciler) Subscribe(fn func(materializer.NotebookState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// State returns a snapshot of the current projection.
func (r *Reconciler) State() materializer.NotebookState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Stats returns fold/drop/resync counters, for tests and diagnostics.
func (r *Reconciler) Stats() (folded, dropped, resyncs int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.folded, r.dropped, r.resyncs
}

// Submit sends a candidate event to the server. The local projection is
// not touched here: the stored event comes back over the channel with its
// assigned version and is folded through the same path as any remote
// peer's event.
func (r *Reconciler) Submit(ctx context.Context, eventType string, payload any) (datatypes.Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return datatypes.Event{}, fmt.Errorf("marshal payload: %w", err)
	}
	return r.client.SubmitEvent(ctx, r.storeID, "", eventType, raw)
}

// Run connects the channel, performs the initial load, and consumes the
// event feed until ctx is cancelled or the channel closes.
//
// The channel is connected before the initial load so no event can fall
// between the two: anything appended during the load arrives on the feed
// and is deduplicated by version. Events appended while the connection was
// down never reach the feed at all, so every reconnect triggers a resync;
// a store_info snapshot ahead of the projection does too.
func (r *Reconciler) Run(ctx context.Context) error {
	reconnected := make(chan struct{}, 1)
	r.channel.OnStateChange(func(s ChannelState) {
		if s == StateConnected {
			select {
			case reconnected <- struct{}{}:
			default:
			}
		}
	})

	if err := r.channel.Connect(ctx); err != nil {
		return err
	}
	// The first Connected transition is covered by the initial load below.
	select {
	case <-reconnected:
	default:
	}
	if err := r.Resync(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reconnected:
			if err := r.Resync(ctx); err != nil {
				return err
			}
		case msg, ok := <-r.channel.Messages():
			if !ok {
				return nil
			}
			switch {
			case msg.Type == datatypes.MsgEvent && msg.Event != nil:
				if err := r.handleEvent(ctx, *msg.Event); err != nil {
					return err
				}
			case msg.Type == datatypes.MsgStoreInfo && msg.LatestVersion > r.State().LastVersion:
				r.logger.Info("store ahead of projection, resyncing",
					slog.Int64("latest_version", msg.LatestVersion))
				if err := r.Resync(ctx); err != nil {
					return err
				}
			}
		}
	}
}

// Resync discards the local projection and rebuilds it from the full
// event log. Idempotent: resyncing a converged projection is a no-op.
func (r *Reconciler) Resync(ctx context.Context) error {
	events, err := r.client.Events(ctx, r.storeID, EventsOptions{})
	if err != nil {
		if datatypes.IsNotFound(err) {
			// Store has no events yet; the empty projection is correct.
			events = nil
		} else {
			return err
		}
	}

	state := materializer.Rebuild(events)

	r.mu.Lock()
	r.state = state
	r.resyncs++
	observers := r.observers
	r.mu.Unlock()

	r.logger.Info("resynced",
		slog.Int("events", len(events)),
		slog.Int64("version", state.LastVersion))
	for _, fn := range observers {
		fn(state)
	}
	return nil
}

// handleEvent folds one feed event, dropping duplicates and resyncing on
// gaps.
func (r *Reconciler) handleEvent(ctx context.Context, event datatypes.Event) error {
	r.mu.Lock()
	last := r.state.LastVersion

	switch {
	case event.Version <= last:
		r.dropped++
		r.mu.Unlock()
		r.logger.Debug("dropping duplicate event",
			slog.Int64("version", event.Version),
			slog.Int64("last", last))
		return nil

	case event.Version == last+1:
		r.state = materializer.Apply(r.state, event)
		r.folded++
		state := r.state
		observers := r.observers
		r.mu.Unlock()
		for _, fn := range observers {
			fn(state)
		}
		return nil

	default:
		r.mu.Unlock()
		r.logger.Warn("version gap detected, resyncing",
			slog.Int64("version", event.Version),
			slog.Int64("last", last))
		return r.Resync(ctx)
	}
}
