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
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventbook/eventbook/services/notebook"
	"github.com/eventbook/eventbook/services/notebook/datatypes"
	"github.com/eventbook/eventbook/services/notebook/eventlog"
	"github.com/eventbook/eventbook/services/notebook/materializer"
)

func newEngine(t *testing.T) (*Client, *notebook.Service, *httptest.Server) {
	t.Helper()

	log := eventlog.NewMemoryLog()
	t.Cleanup(func() { _ = log.Close() })

	svc := notebook.NewService(notebook.DefaultConfig(), log)
	server := httptest.NewServer(svc.Router())
	t.Cleanup(server.Close)
	return NewClient(server.URL), svc, server
}

func mustPayload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestClient_SubmitAndQuery(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newEngine(t)

	stored, err := c.SubmitEvent(ctx, "nb-1", "", datatypes.EventDocumentCreated,
		mustPayload(t, map[string]any{"title": "T"}))
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
	assert.NotEmpty(t, stored.ID)

	events, err := c.Events(ctx, "nb-1", EventsOptions{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, stored.ID, events[0].ID)

	info, err := c.StoreInfo(ctx, "nb-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.LatestVersion)

	stores, err := c.Stores(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"nb-1"}, stores)

	require.NoError(t, c.Health(ctx))
}

func TestClient_ErrorMapping(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newEngine(t)

	_, err := c.Events(ctx, "ghost", EventsOptions{})
	assert.True(t, datatypes.IsNotFound(err))

	_, err = c.SubmitEvent(ctx, "nb-1", "", datatypes.EventCellCreated,
		mustPayload(t, map[string]any{"cell_type": "code"}))
	assert.True(t, datatypes.IsValidation(err))

	_, err = c.SubmitEvent(ctx, "nb-1", "event-same", datatypes.EventDocumentCreated, nil)
	require.NoError(t, err)
	_, err = c.SubmitEvent(ctx, "nb-1", "event-same", datatypes.EventDocumentCreated, nil)
	assert.True(t, datatypes.IsConflict(err))
}

func testChannelConfig() ChannelConfig {
	cfg := DefaultChannelConfig()
	cfg.ReconnectDelay = 50 * time.Millisecond
	cfg.MaxReconnects = 3
	cfg.HeartbeatInterval = 0
	cfg.ConnectTimeout = 2 * time.Second
	return cfg
}

func TestSyncChannel_ConnectAfterConfirmation(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newEngine(t)

	var transitions []ChannelState
	ch := NewSyncChannel(c.WebSocketURL("nb-1"), "nb-1", testChannelConfig())
	ch.OnStateChange(func(s ChannelState) { transitions = append(transitions, s) })

	require.Equal(t, StateDisconnected, ch.State())
	require.NoError(t, ch.Connect(ctx))
	assert.Equal(t, StateConnected, ch.State())
	assert.Equal(t, []ChannelState{StateConnecting, StateConnected}, transitions)

	// Idempotent connect.
	require.NoError(t, ch.Connect(ctx))
	assert.Equal(t, StateConnected, ch.State())

	ch.Disconnect()
	ch.Disconnect() // idempotent
	assert.Equal(t, StateDisconnected, ch.State())

	_, open := <-ch.Messages()
	assert.False(t, open, "messages channel must be closed")
}

func TestSyncChannel_ReceivesEvents(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newEngine(t)

	ch := NewSyncChannel(c.WebSocketURL("nb-1"), "nb-1", testChannelConfig())
	require.NoError(t, ch.Connect(ctx))
	defer ch.Disconnect()

	stored, err := c.SubmitEvent(ctx, "nb-1", "", datatypes.EventDocumentCreated,
		mustPayload(t, map[string]any{"title": "T"}))
	require.NoError(t, err)

	select {
	case msg := <-ch.Messages():
		assert.Equal(t, datatypes.MsgEvent, msg.Type)
		require.NotNil(t, msg.Event)
		assert.Equal(t, stored.ID, msg.Event.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSyncChannel_DisconnectedAfterReconnectBudget(t *testing.T) {
	ctx := context.Background()
	c, _, server := newEngine(t)

	var mu sync.Mutex
	var transitions []ChannelState
	ch := NewSyncChannel(c.WebSocketURL("nb-1"), "nb-1", testChannelConfig())
	ch.OnStateChange(func(s ChannelState) {
		mu.Lock()
		transitions = append(transitions, s)
		mu.Unlock()
	})
	require.NoError(t, ch.Connect(ctx))

	// Kill the server; every reconnect attempt must fail, and the spent
	// budget must park the channel in disconnected, not error.
	server.CloseClientConnections()
	server.Close()

	require.Eventually(t, func() bool {
		return ch.State() == StateDisconnected
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	seen := append([]ChannelState(nil), transitions...)
	mu.Unlock()
	assert.Contains(t, seen, StateError)
	assert.Equal(t, StateDisconnected, seen[len(seen)-1])

	ch.Disconnect() // no-op on an already parked channel
	assert.Equal(t, StateDisconnected, ch.State())
}

func TestSyncChannel_ConnectFailsWithoutServer(t *testing.T) {
	ch := NewSyncChannel("ws://127.0.0.1:1/v1/stores/nb-1/ws", "nb-1", testChannelConfig())
	err := ch.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, ch.State())

	// A later connect attempt is allowed (and fails the same way).
	err = ch.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, ch.State())
}

func TestSyncChannel_ReconnectAfterDisconnect(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newEngine(t)

	ch := NewSyncChannel(c.WebSocketURL("nb-1"), "nb-1", testChannelConfig())
	require.NoError(t, ch.Connect(ctx))
	ch.Disconnect()

	_, open := <-ch.Messages()
	require.False(t, open, "messages channel must be closed after disconnect")

	// Disconnect is terminal only until the next connect: the channel
	// comes back with a fresh messages feed.
	require.NoError(t, ch.Connect(ctx))
	defer ch.Disconnect()
	assert.Equal(t, StateConnected, ch.State())

	stored, err := c.SubmitEvent(ctx, "nb-1", "", datatypes.EventDocumentCreated,
		mustPayload(t, map[string]any{"title": "T"}))
	require.NoError(t, err)

	for {
		select {
		case msg, ok := <-ch.Messages():
			require.True(t, ok, "feed closed before the event arrived")
			if msg.Type == datatypes.MsgEvent && msg.Event != nil {
				assert.Equal(t, stored.ID, msg.Event.ID)
				return
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for event on the new feed")
		}
	}
}

func TestSyncChannel_ServerErrorEntersErrorState(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := conns.Add(1)
		if err := conn.WriteJSON(datatypes.ServerMessage{
			Type:         datatypes.MsgSubscribed,
			StoreID:      "nb-1",
			ConnectionID: "conn-test",
		}); err != nil {
			return
		}
		if n == 1 {
			_ = conn.WriteJSON(datatypes.ServerMessage{
				Type:    datatypes.MsgError,
				StoreID: "nb-1",
				Message: "subscription rejected",
			})
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	var mu sync.Mutex
	var transitions []ChannelState
	ch := NewSyncChannel("ws"+strings.TrimPrefix(srv.URL, "http"), "nb-1", testChannelConfig())
	ch.OnStateChange(func(s ChannelState) {
		mu.Lock()
		transitions = append(transitions, s)
		mu.Unlock()
	})
	require.NoError(t, ch.Connect(context.Background()))
	defer ch.Disconnect()

	// The server error is surfaced to the consumer...
	select {
	case msg := <-ch.Messages():
		assert.Equal(t, datatypes.MsgError, msg.Type)
		assert.Equal(t, "subscription rejected", msg.Message)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the error message")
	}

	// ...and drives the state machine through error into a reconnect.
	require.Eventually(t, func() bool {
		mu.Lock()
		seenError := false
		for _, s := range transitions {
			if s == StateError {
				seenError = true
			}
		}
		mu.Unlock()
		return seenError && ch.State() == StateConnected
	}, 5*time.Second, 20*time.Millisecond)
	assert.EqualValues(t, 2, conns.Load())
}

func TestReconciler_ConvergesOnLiveFeed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, _, _ := newEngine(t)

	ch := NewSyncChannel(c.WebSocketURL("nb-1"), "nb-1", testChannelConfig())
	r := NewReconciler(c, ch, "nb-1")

	updates := make(chan int64, 64)
	r.Subscribe(func(s materializer.NotebookState) {
		select {
		case updates <- s.LastVersion:
		default:
		}
	})

	go func() { _ = r.Run(ctx) }()

	// Wait for the connected channel and initial (empty) resync.
	require.Eventually(t, func() bool {
		_, _, resyncs := r.Stats()
		return resyncs >= 1
	}, 5*time.Second, 10*time.Millisecond)

	// Submit goes through the reconciler; the projection only moves once
	// the events come back on the feed.
	stored, err := r.Submit(ctx, datatypes.EventDocumentCreated, map[string]any{"title": "Analysis"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
	_, err = r.Submit(ctx, datatypes.EventCellCreated,
		map[string]any{"cell_id": "c1", "cell_type": "code", "fractional_index": "a0"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return r.State().LastVersion == 2
	}, 5*time.Second, 10*time.Millisecond)

	state := r.State()
	require.NotNil(t, state.Document)
	assert.Equal(t, "Analysis", state.Document.Title)
	assert.Equal(t, []string{"c1"}, state.CellOrder)

	ch.Disconnect()
}

func TestReconciler_DedupAndGapRepair(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newEngine(t)

	ch := NewSyncChannel(c.WebSocketURL("nb-1"), "nb-1", testChannelConfig())
	r := NewReconciler(c, ch, "nb-1")

	// Seed the log with three events, then load them.
	for i := 0; i < 3; i++ {
		_, err := c.SubmitEvent(ctx, "nb-1", "", datatypes.EventDocumentTitleUpdated,
			mustPayload(t, map[string]any{"title": "t"}))
		require.NoError(t, err)
	}
	require.NoError(t, r.Resync(ctx))
	require.Equal(t, int64(3), r.State().LastVersion)

	// A replayed (already folded) event is dropped.
	events, err := c.Events(ctx, "nb-1", EventsOptions{})
	require.NoError(t, err)
	require.NoError(t, r.handleEvent(ctx, events[1]))
	folded, dropped, _ := r.Stats()
	assert.Equal(t, int64(0), folded)
	assert.Equal(t, int64(1), dropped)
	assert.Equal(t, int64(3), r.State().LastVersion)

	// Append two more server-side; delivering only the second one is a gap
	// and must trigger a full resync that recovers both.
	for i := 0; i < 2; i++ {
		_, err := c.SubmitEvent(ctx, "nb-1", "", datatypes.EventDocumentTitleUpdated,
			mustPayload(t, map[string]any{"title": "late"}))
		require.NoError(t, err)
	}
	events, err = c.Events(ctx, "nb-1", EventsOptions{})
	require.NoError(t, err)
	require.NoError(t, r.handleEvent(ctx, events[4])) // version 5, gap over 4

	_, _, resyncs := r.Stats()
	assert.Equal(t, int64(2), resyncs)
	assert.Equal(t, int64(5), r.State().LastVersion)
	assert.Equal(t, "late", r.State().Document.Title)
}

func TestReconciler_ResyncIdempotent(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newEngine(t)

	_, err := c.SubmitEvent(ctx, "nb-1", "", datatypes.EventDocumentCreated,
		mustPayload(t, map[string]any{"title": "T"}))
	require.NoError(t, err)

	ch := NewSyncChannel(c.WebSocketURL("nb-1"), "nb-1", testChannelConfig())
	r := NewReconciler(c, ch, "nb-1")

	require.NoError(t, r.Resync(ctx))
	first := r.State()
	require.NoError(t, r.Resync(ctx))
	second := r.State()

	assert.Equal(t, first.Document, second.Document)
	assert.Equal(t, first.LastVersion, second.LastVersion)
}

func TestReconciler_ResyncsAfterReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, svc, _ := newEngine(t)

	ch := NewSyncChannel(c.WebSocketURL("nb-1"), "nb-1", testChannelConfig())
	r := NewReconciler(c, ch, "nb-1")
	go func() { _ = r.Run(ctx) }()

	_, err := c.SubmitEvent(ctx, "nb-1", "", datatypes.EventDocumentCreated,
		mustPayload(t, map[string]any{"title": "T"}))
	require.NoError(t, err)
	_, err = c.SubmitEvent(ctx, "nb-1", "", datatypes.EventDocumentTitleUpdated,
		mustPayload(t, map[string]any{"title": "live"}))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return r.State().LastVersion == 2
	}, 5*time.Second, 10*time.Millisecond)

	// Sever every live feed, then append while the client is offline. The
	// event never reaches the old connection; only the resync triggered by
	// the reconnect can recover it.
	svc.Hub().CloseAll()
	_, err = c.SubmitEvent(ctx, "nb-1", "", datatypes.EventDocumentTitleUpdated,
		mustPayload(t, map[string]any{"title": "offline"}))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return r.State().LastVersion == 3
	}, 10*time.Second, 20*time.Millisecond)
	require.NotNil(t, r.State().Document)
	assert.Equal(t, "offline", r.State().Document.Title)

	ch.Disconnect()
}
