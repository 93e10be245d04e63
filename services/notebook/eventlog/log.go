// Copyright (C) 2025 Eventbook Authors (maintainers@eventbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package eventlog defines the append-only event store and its two
// implementations: an in-memory log for tests and single-process use, and a
// BadgerDB-backed log for durable deployments.
//
// Versions within an aggregate are assigned by the log itself: strictly
// increasing, gapless, starting at 1. Appended events are immutable; there
// is no update or delete.
package eventlog

import (
	"context"

	"github.com/eventbook/eventbook/services/notebook/datatypes"
)

// NoExpectedVersion disables the optimistic concurrency check on Append.
const NoExpectedVersion int64 = 0

// Filter narrows a Query. The zero value matches every event of the
// aggregate.
type Filter struct {
	// AfterVersion returns only events with Version > AfterVersion.
	AfterVersion int64

	// SinceTimestamp returns only events with Timestamp >= SinceTimestamp.
	SinceTimestamp int64

	// EventTypes, when non-empty, returns only events whose type is listed.
	EventTypes []string

	// Offset skips that many matching events before the first returned one.
	Offset int

	// Limit caps the number of returned events. Zero means no cap.
	Limit int
}

// Matches reports whether the filter admits the event. Offset and Limit are
// positional and applied by the log, not here.
func (f Filter) Matches(e datatypes.Event) bool {
	if e.Version <= f.AfterVersion {
		return false
	}
	if e.Timestamp < f.SinceTimestamp {
		return false
	}
	if len(f.EventTypes) == 0 {
		return true
	}
	for _, t := range f.EventTypes {
		if e.EventType == t {
			return true
		}
	}
	return false
}

// AggregateInfo summarizes one aggregate's log. The timestamp fields are
// zero only in the degenerate case of events appended with a zero timestamp.
type AggregateInfo struct {
	AggregateID         string `json:"aggregate_id"`
	EventCount          int64  `json:"event_count"`
	LatestVersion       int64  `json:"latest_version"`
	FirstEventTimestamp int64  `json:"first_event_timestamp,omitempty"`
	LastEventTimestamp  int64  `json:"last_event_timestamp,omitempty"`
}

// Log is the append-only event store.
//
// # Thread Safety
//
// All implementations are safe for concurrent use. Appends to the same
// aggregate serialize; appends to distinct aggregates may interleave.
type Log interface {
	// Append validates the event, assigns it the aggregate's next version
	// and persists it. The stored event (with its assigned version) is
	// returned.
	//
	// expectedVersion, when not NoExpectedVersion, must equal the
	// aggregate's current latest version or Append fails with a
	// VersionConflictError. A non-empty event ID that was already appended
	// fails with a DuplicateEventError.
	Append(ctx context.Context, event datatypes.Event, expectedVersion int64) (datatypes.Event, error)

	// Query returns the aggregate's events matching the filter in ascending
	// version order. An unknown aggregate fails with a NotFoundError.
	Query(ctx context.Context, aggregateID string, filter Filter) ([]datatypes.Event, error)

	// Info returns the aggregate's event count and latest version. An
	// unknown aggregate fails with a NotFoundError.
	Info(ctx context.Context, aggregateID string) (AggregateInfo, error)

	// Aggregates lists every known aggregate id in lexicographic order.
	Aggregates(ctx context.Context) ([]string, error)

	// Close releases the log's resources.
	Close() error
}
