// Copyright (C) 2025 Eventbook Authors (maintainers@eventbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package notebook is the event engine service: an append-only event log
// per store, a pure materializer, and WebSocket fan-out so every client
// converges on the same notebook state.
package notebook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eventbook/eventbook/services/notebook/datatypes"
	"github.com/eventbook/eventbook/services/notebook/eventlog"
	"github.com/eventbook/eventbook/services/notebook/hub"
	"github.com/eventbook/eventbook/services/notebook/observability"
)

// ServiceVersion is the engine service version.
const ServiceVersion = "0.1.0"

// Config holds service configuration.
type Config struct {
	// ListenAddr is the HTTP listen address, e.g. ":8080".
	ListenAddr string

	// DataDir is the BadgerDB directory. Empty selects the in-memory log.
	DataDir string

	// Logger is the service logger. Nil uses slog.Default().
	Logger *slog.Logger

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration

	// SendBuffer is the per-subscriber fan-out buffer.
	SendBuffer int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":8080",
		ShutdownTimeout: 10 * time.Second,
		SendBuffer:      hub.DefaultSendBuffer,
	}
}

// Service wires the log, the hub and the HTTP surface together.
//
// # Thread Safety
//
// Safe for concurrent use. The append path holds a per-store lock across
// append+broadcast so subscribers observe events in version order.
type Service struct {
	cfg     Config
	log     eventlog.Log
	hub     *hub.Hub
	metrics *observability.Metrics
	logger  *slog.Logger

	mu         sync.Mutex
	storeLocks map[string]*sync.Mutex
}

// NewService creates a service over the given log. The caller keeps
// ownership of closing the log.
func NewService(cfg Config, log eventlog.Log) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	metrics := observability.NewMetrics()
	return &Service{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		logger:  cfg.Logger,
		hub: hub.New(
			hub.WithLogger(cfg.Logger),
			hub.WithMetrics(metrics),
			hub.WithSendBuffer(cfg.SendBuffer),
		),
		storeLocks: map[string]*sync.Mutex{},
	}
}

// Submit validates and appends one event, then broadcasts it to the
// store's subscribers.
//
// The event's AggregateID names the store. Version assignment is the
// log's; a caller-supplied version is ignored. Broadcast happens inside
// the store lock, so two concurrent submits can never reach subscribers
// out of version order.
func (s *Service) Submit(ctx context.Context, event datatypes.Event) (datatypes.Event, error) {
	lock := s.storeLock(event.AggregateID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	stored, err := s.log.Append(ctx, event, eventlog.NoExpectedVersion)
	s.metrics.AppendDurationSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.RecordAppend(event.EventType, false)
		return datatypes.Event{}, err
	}
	s.metrics.RecordAppend(stored.EventType, true)

	s.hub.Broadcast(stored)
	return stored, nil
}

// Events returns a store's events matching the filter in version order.
func (s *Service) Events(ctx context.Context, storeID string, filter eventlog.Filter) ([]datatypes.Event, error) {
	return s.log.Query(ctx, storeID, filter)
}

// StoreInfo returns a store's event count and latest version.
func (s *Service) StoreInfo(ctx context.Context, storeID string) (eventlog.AggregateInfo, error) {
	return s.log.Info(ctx, storeID)
}

// Stores lists every known store id.
func (s *Service) Stores(ctx context.Context) ([]string, error) {
	return s.log.Aggregates(ctx)
}

// Hub exposes the broadcast hub, used by the WebSocket handler.
func (s *Service) Hub() *hub.Hub {
	return s.hub
}

// Metrics exposes the engine metrics.
func (s *Service) Metrics() *observability.Metrics {
	return s.metrics
}

// Router builds the service's gin engine with all routes registered.
func (s *Service) Router() http.Handler {
	return newRouter(s)
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully:
// stop accepting connections, close every subscriber channel, drain.
func (s *Service) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("event engine listening", slog.String("addr", s.cfg.ListenAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("shutting down event engine")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		s.hub.CloseAll()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func (s *Service) storeLock(storeID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.storeLocks[storeID]
	if !ok {
		lock = &sync.Mutex{}
		s.storeLocks[storeID] = lock
	}
	return lock
}
