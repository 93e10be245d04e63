// Copyright (C) 2025 Eventbook Authors (maintainers@eventbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eventbook/eventbook/services/notebook/datatypes"
)

// ChannelState is the sync channel's connection state.
type ChannelState string

const (
	// StateDisconnected is the initial state, the state after Disconnect,
	// and the state after the reconnect budget is exhausted. Only an
	// explicit Connect leaves it.
	StateDisconnected ChannelState = "disconnected"

	// StateConnecting covers dialing and waiting for the subscribed
	// confirmation.
	StateConnecting ChannelState = "connecting"

	// StateConnected means the server confirmed the subscription.
	StateConnected ChannelState = "connected"

	// StateError means the transport failed or the server sent an error
	// message; the channel is between reconnect attempts.
	StateError ChannelState = "error"
)

// ChannelConfig tunes the sync channel.
type ChannelConfig struct {
	// ReconnectDelay is the fixed pause between reconnect attempts.
	ReconnectDelay time.Duration

	// MaxReconnects bounds consecutive failed attempts before the channel
	// gives up and returns to StateDisconnected. Zero means the default.
	MaxReconnects int

	// HeartbeatInterval is the application-level ping cadence. Zero
	// disables heartbeats.
	HeartbeatInterval time.Duration

	// ConnectTimeout bounds dial plus subscription confirmation.
	ConnectTimeout time.Duration

	// Buffer is the capacity of the Messages channel.
	Buffer int

	// Logger is the channel logger. Nil uses slog.Default().
	Logger *slog.Logger
}

// DefaultChannelConfig returns the standard tuning.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		ReconnectDelay:    2 * time.Second,
		MaxReconnects:     5,
		HeartbeatInterval: 30 * time.Second,
		ConnectTimeout:    10 * time.Second,
		Buffer:            256,
	}
}

// SyncChannel maintains a subscription to one store's event feed across
// connection failures.
//
// # Description
//
// Connect dials, waits for the server's subscribed confirmation and then
// pumps server messages into Messages(). A dead connection or a server
// error message moves the channel through StateError into fixed-delay
// reconnects, up to MaxReconnects; exhaustion lands the channel back in
// StateDisconnected until an explicit Connect. Disconnect (idempotent)
// tears everything down and closes Messages(); a later Connect resumes
// with a fresh Messages channel.
//
// The channel performs no dedup or gap handling itself: after a reconnect
// the consumer may see repeated or missing versions and is expected to
// resync (see Reconciler).
//
// # Thread Safety
//
// Safe for concurrent use.
type SyncChannel struct {
	cfg     ChannelConfig
	url     string
	storeID string
	logger  *slog.Logger

	mu         sync.Mutex
	state      ChannelState
	conn       *websocket.Conn
	cancel     context.CancelFunc
	running    bool
	msgsClosed bool
	onState    func(ChannelState)
	messages   chan datatypes.ServerMessage
	done       chan struct{}
}

// NewSyncChannel creates a channel for the store feed at wsURL (see
// Client.WebSocketURL). It starts disconnected.
func NewSyncChannel(wsURL, storeID string, cfg ChannelConfig) *SyncChannel {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = 5
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SyncChannel{
		cfg:      cfg,
		url:      wsURL,
		storeID:  storeID,
		logger:   cfg.Logger.With(slog.String("store_id", storeID)),
		state:    StateDisconnected,
		messages: make(chan datatypes.ServerMessage, cfg.Buffer),
	}
}

// State returns the current connection state.
func (sc *SyncChannel) State() ChannelState {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state
}

// OnStateChange registers a callback invoked on every state transition.
// Must be set before Connect. The callback runs with the channel's lock
// held and must not call back into the channel.
func (sc *SyncChannel) OnStateChange(fn func(ChannelState)) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.onState = fn
}

// Messages returns the server message feed. Closed by Disconnect;
// replaced with a fresh channel by the next Connect.
func (sc *SyncChannel) Messages() <-chan datatypes.ServerMessage {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.messages
}

// Connect establishes the subscription and starts the pump goroutine.
//
// Idempotent: calling Connect while connecting or connected is a no-op.
// A failed dial consumes the same bounded-retry budget as a mid-stream
// reconnect before giving up. Connect returns once the first connection
// is confirmed (or the budget is spent); later reconnects happen in the
// background.
func (sc *SyncChannel) Connect(ctx context.Context) error {
	sc.mu.Lock()
	if sc.running {
		sc.mu.Unlock()
		return nil
	}
	if sc.msgsClosed {
		sc.messages = make(chan datatypes.ServerMessage, sc.cfg.Buffer)
		sc.msgsClosed = false
	}
	sc.running = true
	done := make(chan struct{})
	sc.done = done
	runCtx, cancel := context.WithCancel(context.Background())
	sc.cancel = cancel
	sc.setStateLocked(StateConnecting)
	sc.mu.Unlock()

	conn, err := sc.dial(ctx)
	if err != nil {
		sc.logger.Warn("dial failed", slog.String("error", err.Error()))
		conn, err = sc.reconnect(ctx)
	}
	if err != nil {
		cancel()
		sc.mu.Lock()
		sc.running = false
		sc.cancel = nil
		sc.setStateLocked(StateDisconnected)
		sc.mu.Unlock()
		close(done)
		return err
	}

	sc.mu.Lock()
	sc.conn = conn
	sc.setStateLocked(StateConnected)
	sc.mu.Unlock()

	go sc.run(runCtx, cancel, conn, done)
	return nil
}

// Disconnect closes the connection and the Messages channel. Idempotent;
// safe to call in any state. The channel stays disconnected until the
// next Connect, which resumes with a fresh Messages channel.
func (sc *SyncChannel) Disconnect() {
	sc.mu.Lock()
	cancel := sc.cancel
	conn := sc.conn
	done := sc.done
	running := sc.running
	sc.cancel = nil
	sc.setStateLocked(StateDisconnected)
	sc.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	if running && done != nil {
		<-done
	}

	sc.mu.Lock()
	if !sc.msgsClosed {
		close(sc.messages)
		sc.msgsClosed = true
	}
	sc.mu.Unlock()
}

// dial connects and waits for the subscribed confirmation. Any other
// first message is a protocol error.
func (sc *SyncChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, sc.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, sc.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", sc.url, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(sc.cfg.ConnectTimeout))
	var first datatypes.ServerMessage
	if err := conn.ReadJSON(&first); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("await subscription confirmation: %w", err)
	}
	if first.Type != datatypes.MsgSubscribed {
		_ = conn.Close()
		return nil, fmt.Errorf("expected subscribed confirmation, got %q", first.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})

	sc.logger.Debug("subscription confirmed",
		slog.String("connection_id", first.ConnectionID))
	return conn, nil
}

// run pumps messages and drives reconnection until ctx is cancelled or
// the reconnect budget is spent, then parks the channel in
// StateDisconnected.
func (sc *SyncChannel) run(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, done chan struct{}) {
	var readers sync.WaitGroup
	defer func() {
		// Release any reader still parked on a full Messages buffer, and
		// wait for it, so Disconnect can close the channel safely.
		cancel()
		readers.Wait()

		sc.mu.Lock()
		sc.running = false
		sc.conn = nil
		sc.setStateLocked(StateDisconnected)
		sc.mu.Unlock()
		close(done)
	}()

	for {
		sc.pump(ctx, conn, &readers)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}

		sc.mu.Lock()
		sc.setStateLocked(StateError)
		sc.mu.Unlock()

		var err error
		conn, err = sc.reconnect(ctx)
		if err != nil {
			return
		}
	}
}

// pump reads server messages onto Messages and answers heartbeats until
// the connection fails or the server reports an error.
func (sc *SyncChannel) pump(ctx context.Context, conn *websocket.Conn, readers *sync.WaitGroup) {
	sc.mu.Lock()
	messages := sc.messages
	sc.mu.Unlock()

	readErr := make(chan error, 1)
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			var msg datatypes.ServerMessage
			if err := conn.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			switch msg.Type {
			case datatypes.MsgPong:
				// Heartbeat liveness only; not forwarded.
				continue
			case datatypes.MsgError:
				// Surface the error to the consumer, then treat it like
				// a transport failure so the reconnect policy takes over.
				select {
				case messages <- msg:
				case <-ctx.Done():
				}
				readErr <- fmt.Errorf("server error: %s", msg.Message)
				return
			}
			select {
			case messages <- msg:
			case <-ctx.Done():
				readErr <- ctx.Err()
				return
			}
		}
	}()

	var heartbeat <-chan time.Time
	if sc.cfg.HeartbeatInterval > 0 {
		ticker := time.NewTicker(sc.cfg.HeartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErr:
			if ctx.Err() == nil {
				sc.logger.Warn("connection lost", slog.String("error", err.Error()))
			}
			return
		case <-heartbeat:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(datatypes.ClientMessage{Type: datatypes.MsgPing, StoreID: sc.storeID}); err != nil {
				sc.logger.Warn("heartbeat failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// reconnect retries the dial with a fixed delay up to the configured
// budget.
func (sc *SyncChannel) reconnect(ctx context.Context) (*websocket.Conn, error) {
	sc.mu.Lock()
	sc.setStateLocked(StateConnecting)
	sc.mu.Unlock()

	for attempt := 1; attempt <= sc.cfg.MaxReconnects; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sc.cfg.ReconnectDelay):
		}

		conn, err := sc.dial(ctx)
		if err == nil {
			sc.mu.Lock()
			sc.conn = conn
			sc.setStateLocked(StateConnected)
			sc.mu.Unlock()
			sc.logger.Info("reconnected", slog.Int("attempt", attempt))
			return conn, nil
		}
		sc.logger.Warn("reconnect attempt failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
	}
	return nil, fmt.Errorf("reconnect budget exhausted after %d attempts", sc.cfg.MaxReconnects)
}

// setStateLocked transitions the state and fires the callback. Callers
// hold sc.mu.
func (sc *SyncChannel) setStateLocked(next ChannelState) {
	if sc.state == next {
		return
	}
	sc.state = next
	if sc.onState != nil {
		// Fired inline; observers must not call back into the channel.
		sc.onState(next)
	}
}
