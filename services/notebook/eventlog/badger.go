// Copyright (C) 2025 Eventbook Authors (maintainers@eventbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package eventlog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/eventbook/eventbook/services/notebook/datatypes"
)

// Key layout. Events sort by version within an aggregate because the
// version is big-endian encoded.
//
//	evt/<aggregate>/<version be64> -> Event JSON
//	ver/<aggregate>                -> latest version be64
//	eid/<event id>                 -> empty (dedup marker)
const (
	prefixEvent   = "evt/"
	prefixVersion = "ver/"
	prefixEventID = "eid/"
)

// BadgerConfig holds configuration for a BadgerDB-backed log.
type BadgerConfig struct {
	// Path is the directory for the database files. Required unless
	// InMemory is true.
	Path string

	// InMemory enables in-memory mode, useful for tests.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal log output. Nil disables it.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Zero disables GC.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum discardable ratio before GC rewrites
	// a value log file.
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns production defaults: durable writes and
// periodic value log GC.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns a configuration for tests: no disk I/O,
// no GC.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerLog is a durable Log backed by BadgerDB.
type BadgerLog struct {
	db     *badger.DB
	logger *slog.Logger

	// appendMu serializes appends per aggregate so version assignment
	// never races. Reads go straight to badger snapshots.
	appendMu sync.Mutex
	aggLocks map[string]*sync.Mutex

	gcStop chan struct{}
	gcDone chan struct{}
}

var _ Log = (*BadgerLog)(nil)

// OpenBadgerLog opens (or creates) a BadgerDB-backed log.
//
// # Description
//
// Opens the database at cfg.Path, creating the directory if needed, and
// starts the value log GC loop when configured. Call Close when done.
//
// # Thread Safety
//
// The returned log is safe for concurrent use.
func OpenBadgerLog(cfg BadgerConfig) (*BadgerLog, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("eventlog: path is required for a persistent log")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	l := &BadgerLog{
		db:       db,
		logger:   cfg.Logger,
		aggLocks: map[string]*sync.Mutex{},
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		l.gcStop = make(chan struct{})
		l.gcDone = make(chan struct{})
		go l.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return l, nil
}

// Append implements Log.
func (l *BadgerLog) Append(ctx context.Context, event datatypes.Event, expectedVersion int64) (datatypes.Event, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.Event{}, err
	}
	if err := validateForAppend(event); err != nil {
		return datatypes.Event{}, err
	}

	lock := l.aggregateLock(event.AggregateID)
	lock.Lock()
	defer lock.Unlock()

	stored := event.Clone()
	if stored.ID == "" {
		stored.ID = datatypes.NewEventID()
	}
	if stored.Timestamp == 0 {
		stored.Timestamp = datatypes.Now()
	}

	err := l.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(prefixEventID + stored.ID)); err == nil {
			return &datatypes.DuplicateEventError{EventID: stored.ID}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("check event id: %w", err)
		}

		latest, err := latestVersion(txn, stored.AggregateID)
		if err != nil {
			return err
		}
		if expectedVersion != NoExpectedVersion && expectedVersion != latest {
			return &datatypes.VersionConflictError{Expected: expectedVersion, Got: latest}
		}
		stored.Version = latest + 1

		raw, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if err := txn.Set(eventKey(stored.AggregateID, stored.Version), raw); err != nil {
			return fmt.Errorf("store event: %w", err)
		}
		if err := txn.Set([]byte(prefixVersion+stored.AggregateID), encodeVersion(stored.Version)); err != nil {
			return fmt.Errorf("store version: %w", err)
		}
		if err := txn.Set([]byte(prefixEventID+stored.ID), nil); err != nil {
			return fmt.Errorf("store event id: %w", err)
		}
		return nil
	})
	if err != nil {
		return datatypes.Event{}, err
	}
	return stored, nil
}

// Query implements Log.
func (l *BadgerLog) Query(ctx context.Context, aggregateID string, filter Filter) ([]datatypes.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []datatypes.Event
	err := l.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(prefixVersion + aggregateID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &datatypes.NotFoundError{Kind: "aggregate", ID: aggregateID}
			}
			return fmt.Errorf("check aggregate: %w", err)
		}

		opts := badger.DefaultIteratorOptions
		prefix := []byte(prefixEvent + aggregateID + "/")
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		start := prefix
		if filter.AfterVersion > 0 {
			// Seek directly past the filtered-out versions.
			start = eventKey(aggregateID, filter.AfterVersion+1)
		}
		skip := filter.Offset
		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			var e datatypes.Event
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			if !filter.Matches(e) {
				continue
			}
			if skip > 0 {
				skip--
				continue
			}
			out = append(out, e)
			if filter.Limit > 0 && len(out) >= filter.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []datatypes.Event{}
	}
	return out, nil
}

// Info implements Log.
func (l *BadgerLog) Info(ctx context.Context, aggregateID string) (AggregateInfo, error) {
	if err := ctx.Err(); err != nil {
		return AggregateInfo{}, err
	}

	var info AggregateInfo
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixVersion + aggregateID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &datatypes.NotFoundError{Kind: "aggregate", ID: aggregateID}
			}
			return fmt.Errorf("read version: %w", err)
		}
		var latest int64
		if err := item.Value(func(val []byte) error {
			latest = decodeVersion(val)
			return nil
		}); err != nil {
			return err
		}

		// Versions are gapless from 1, so the boundary events are known.
		first, err := eventTimestamp(txn, aggregateID, 1)
		if err != nil {
			return err
		}
		last := first
		if latest > 1 {
			if last, err = eventTimestamp(txn, aggregateID, latest); err != nil {
				return err
			}
		}
		info = AggregateInfo{
			AggregateID:         aggregateID,
			EventCount:          latest,
			LatestVersion:       latest,
			FirstEventTimestamp: first,
			LastEventTimestamp:  last,
		}
		return nil
	})
	if err != nil {
		return AggregateInfo{}, err
	}
	return info, nil
}

// Aggregates implements Log.
func (l *BadgerLog) Aggregates(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var ids []string
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(prefixVersion)
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			ids = append(ids, string(key[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// Close implements Log.
func (l *BadgerLog) Close() error {
	if l.gcStop != nil {
		close(l.gcStop)
		<-l.gcDone
		l.gcStop = nil
	}
	return l.db.Close()
}

func (l *BadgerLog) aggregateLock(aggregateID string) *sync.Mutex {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	lock, ok := l.aggLocks[aggregateID]
	if !ok {
		lock = &sync.Mutex{}
		l.aggLocks[aggregateID] = lock
	}
	return lock
}

func (l *BadgerLog) runGC(interval time.Duration, ratio float64) {
	defer close(l.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.gcStop:
			return
		case <-ticker.C:
			err := l.db.RunValueLogGC(ratio)
			if err == nil {
				if l.logger != nil {
					l.logger.Debug("badger value log GC completed")
				}
			} else if !errors.Is(err, badger.ErrNoRewrite) {
				// ErrNoRewrite means nothing to collect, not a failure.
				if l.logger != nil {
					l.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
				}
			}
		}
	}
}

func eventKey(aggregateID string, version int64) []byte {
	key := make([]byte, 0, len(prefixEvent)+len(aggregateID)+1+8)
	key = append(key, prefixEvent...)
	key = append(key, aggregateID...)
	key = append(key, '/')
	return binary.BigEndian.AppendUint64(key, uint64(version))
}

func encodeVersion(v int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(v))
}

func decodeVersion(raw []byte) int64 {
	if len(raw) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(raw))
}

func eventTimestamp(txn *badger.Txn, aggregateID string, version int64) (int64, error) {
	item, err := txn.Get(eventKey(aggregateID, version))
	if err != nil {
		return 0, fmt.Errorf("read event %d: %w", version, err)
	}
	var e datatypes.Event
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &e)
	}); err != nil {
		return 0, fmt.Errorf("decode event %d: %w", version, err)
	}
	return e.Timestamp, nil
}

func latestVersion(txn *badger.Txn, aggregateID string) (int64, error) {
	item, err := txn.Get([]byte(prefixVersion + aggregateID))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("read version: %w", err)
	}
	var latest int64
	err = item.Value(func(val []byte) error {
		latest = decodeVersion(val)
		return nil
	})
	return latest, err
}
