// Copyright (C) 2025 Eventbook Authors (maintainers@eventbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command eventbookd starts the eventbook event engine HTTP server.
//
// It reads configuration from environment variables and serves the store
// API, the WebSocket event feeds, /health and /metrics until interrupted.
//
// # Environment Variables
//
//   - EVENTBOOK_ADDR: HTTP listen address (default: ":8080")
//   - EVENTBOOK_DATA_DIR: BadgerDB directory; empty runs in-memory
//   - EVENTBOOK_LOG_LEVEL: debug, info, warn, error (default: info)
//   - EVENTBOOK_LOG_DIR: optional log file directory
//
// # Usage
//
//	# Build
//	go build -o eventbookd ./cmd/eventbookd
//
//	# Run durable
//	EVENTBOOK_DATA_DIR=/var/lib/eventbook ./eventbookd
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/eventbook/eventbook/pkg/logging"
	"github.com/eventbook/eventbook/services/notebook"
	"github.com/eventbook/eventbook/services/notebook/eventlog"
)

func main() {
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(getEnvString("EVENTBOOK_LOG_LEVEL", "info")),
		LogDir:  os.Getenv("EVENTBOOK_LOG_DIR"),
		Service: "eventbookd",
		JSON:    true,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	dataDir := os.Getenv("EVENTBOOK_DATA_DIR")
	var store eventlog.Log
	if dataDir == "" {
		slog.Warn("EVENTBOOK_DATA_DIR not set, events will not survive a restart")
		store = eventlog.NewMemoryLog()
	} else {
		cfg := eventlog.DefaultBadgerConfig(dataDir)
		cfg.Logger = logger.Slog()
		badgerStore, err := eventlog.OpenBadgerLog(cfg)
		if err != nil {
			log.Fatalf("Failed to open event log: %v", err)
		}
		store = badgerStore
	}
	defer store.Close()

	cfg := notebook.DefaultConfig()
	cfg.ListenAddr = getEnvString("EVENTBOOK_ADDR", ":8080")
	cfg.DataDir = dataDir
	cfg.Logger = logger.Slog()

	slog.Info("Starting event engine",
		"addr", cfg.ListenAddr,
		"data_dir", dataDir,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := notebook.NewService(cfg, store)
	if err := svc.Run(ctx); err != nil {
		log.Fatalf("Event engine error: %v", err)
	}
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
