// Copyright (C) 2025 Eventbook Authors (maintainers@eventbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package eventlog

import (
	"context"
	"sort"
	"sync"

	"github.com/eventbook/eventbook/services/notebook/datatypes"
)

// MemoryLog is an in-process Log. Events live in per-aggregate slices that
// double as the version index (slot i holds version i+1).
type MemoryLog struct {
	mu         sync.RWMutex
	aggregates map[string][]datatypes.Event
	eventIDs   map[string]struct{}
}

var _ Log = (*MemoryLog)(nil)

// NewMemoryLog returns an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		aggregates: map[string][]datatypes.Event{},
		eventIDs:   map[string]struct{}{},
	}
}

// Append implements Log.
func (l *MemoryLog) Append(ctx context.Context, event datatypes.Event, expectedVersion int64) (datatypes.Event, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.Event{}, err
	}
	if err := validateForAppend(event); err != nil {
		return datatypes.Event{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.ID != "" {
		if _, dup := l.eventIDs[event.ID]; dup {
			return datatypes.Event{}, &datatypes.DuplicateEventError{EventID: event.ID}
		}
	}

	events := l.aggregates[event.AggregateID]
	latest := int64(len(events))
	if expectedVersion != NoExpectedVersion && expectedVersion != latest {
		return datatypes.Event{}, &datatypes.VersionConflictError{Expected: expectedVersion, Got: latest}
	}

	stored := event.Clone()
	stored.Version = latest + 1
	if stored.ID == "" {
		stored.ID = datatypes.NewEventID()
	}
	if stored.Timestamp == 0 {
		stored.Timestamp = datatypes.Now()
	}

	l.aggregates[event.AggregateID] = append(events, stored)
	l.eventIDs[stored.ID] = struct{}{}
	return stored.Clone(), nil
}

// Query implements Log.
func (l *MemoryLog) Query(ctx context.Context, aggregateID string, filter Filter) ([]datatypes.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	events, ok := l.aggregates[aggregateID]
	if !ok {
		return nil, &datatypes.NotFoundError{Kind: "aggregate", ID: aggregateID}
	}

	skip := filter.Offset
	out := make([]datatypes.Event, 0, len(events))
	for _, e := range events {
		if !filter.Matches(e) {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		out = append(out, e.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Info implements Log.
func (l *MemoryLog) Info(ctx context.Context, aggregateID string) (AggregateInfo, error) {
	if err := ctx.Err(); err != nil {
		return AggregateInfo{}, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	events, ok := l.aggregates[aggregateID]
	if !ok {
		return AggregateInfo{}, &datatypes.NotFoundError{Kind: "aggregate", ID: aggregateID}
	}
	return AggregateInfo{
		AggregateID:         aggregateID,
		EventCount:          int64(len(events)),
		LatestVersion:       int64(len(events)),
		FirstEventTimestamp: events[0].Timestamp,
		LastEventTimestamp:  events[len(events)-1].Timestamp,
	}, nil
}

// Aggregates implements Log.
func (l *MemoryLog) Aggregates(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.aggregates))
	for id := range l.aggregates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close implements Log. The in-memory log holds no external resources.
func (l *MemoryLog) Close() error {
	return nil
}

// validateForAppend checks the caller-supplied fields of an event before a
// version is assigned.
func validateForAppend(event datatypes.Event) error {
	if event.AggregateID == "" {
		return &datatypes.ValidationError{Field: "aggregate_id", Reason: "must not be empty"}
	}
	if event.EventType == "" {
		return &datatypes.ValidationError{Field: "event_type", Reason: "must not be empty"}
	}
	if _, err := datatypes.DecodePayload(event.EventType, event.Payload); err != nil {
		return err
	}
	return nil
}
