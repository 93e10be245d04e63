// Copyright (C) 2025 Eventbook Authors (maintainers@eventbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "INFO", LevelInfo.String())
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", Level(42).String())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("WARNING"))
	assert.Equal(t, LevelError, ParseLevel(" error "))
	assert.Equal(t, LevelInfo, ParseLevel("info"))
	assert.Equal(t, LevelInfo, ParseLevel("nonsense"))
}

func TestDefault(t *testing.T) {
	logger := Default()
	require.NotNil(t, logger)
	defer logger.Close()

	// Must not panic.
	logger.Debug("debug msg", "k", "v")
	logger.Info("info msg", "k", "v")
	logger.Warn("warn msg")
	logger.Error("error msg", "error", "boom")
}

func TestFileLogging(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Level:   LevelDebug,
		LogDir:  dir,
		Service: "engine-test",
	})

	logger.Info("appended", "store_id", "nb-1", "version", 3)
	require.NoError(t, logger.Close())

	name := "engine-test_" + time.Now().Format("2006-01-02") + ".log"
	raw, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	line := raw
	if i := bytes.IndexByte(raw, '\n'); i >= 0 {
		line = raw[:i]
	}
	var entry map[string]any
	require.NoError(t, json.Unmarshal(line, &entry))
	assert.Equal(t, "appended", entry["msg"])
	assert.Equal(t, "engine-test", entry["service"])
	assert.Equal(t, "nb-1", entry["store_id"])
}

func TestFileLoggingBadDirDegrades(t *testing.T) {
	logger := New(Config{LogDir: string([]byte{0})})
	defer logger.Close()
	logger.Info("still works")
}

func TestWith(t *testing.T) {
	logger := Default()
	defer logger.Close()

	child := logger.With("request_id", "r-1")
	require.NotNil(t, child)
	child.Info("scoped message")
	require.NotNil(t, child.Slog())
}

func TestCloseIdempotent(t *testing.T) {
	logger := New(Config{LogDir: t.TempDir(), Service: "close-test"})
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())
}
