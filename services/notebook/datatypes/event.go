// Copyright (C) 2025 Eventbook Authors (maintainers@eventbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes defines the wire and storage types shared by the
// notebook service: the event envelope, the typed payload variants, the
// materialized entities, and the error taxonomy.
//
// An Event is immutable once appended to a log. Its payload is kept as raw
// JSON on the wire and decoded into a typed variant (see payloads.go) at the
// submit boundary and inside the materializer.
package datatypes

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is the append-only log record. Within one aggregate, Version is
// strictly increasing with no gaps; the log assigns it on append.
type Event struct {
	ID          string          `json:"id"`
	EventType   string          `json:"event_type"`
	AggregateID string          `json:"aggregate_id"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   int64           `json:"timestamp"`
	Version     int64           `json:"version"`
}

// Clone returns a deep copy of the event. Payload bytes are copied so the
// clone never aliases mutable buffers.
func (e Event) Clone() Event {
	c := e
	if e.Payload != nil {
		c.Payload = make(json.RawMessage, len(e.Payload))
		copy(c.Payload, e.Payload)
	}
	return c
}

// NewEventID generates a globally unique event identifier.
func NewEventID() string {
	return "event-" + uuid.New().String()
}

// Now returns the current time as Unix epoch seconds, the timestamp unit
// used on every event.
func Now() int64 {
	return time.Now().Unix()
}

// EventBuilder assembles a validated Event. The log assigns the final
// version on append; Build only checks the version the caller proposes.
//
// Example:
//
//	event, err := datatypes.NewEventBuilder().
//	    EventType(datatypes.EventCellCreated).
//	    AggregateID("notebook-1").
//	    Payload(datatypes.CellCreatedPayload{CellID: "c1", CellType: datatypes.CellTypeCode}).
//	    Build(1)
type EventBuilder struct {
	eventType   string
	aggregateID string
	payload     json.RawMessage
	err         error
}

// NewEventBuilder returns an empty builder.
func NewEventBuilder() *EventBuilder {
	return &EventBuilder{}
}

// EventType sets the event type tag.
func (b *EventBuilder) EventType(eventType string) *EventBuilder {
	b.eventType = eventType
	return b
}

// AggregateID sets the aggregate the event belongs to.
func (b *EventBuilder) AggregateID(aggregateID string) *EventBuilder {
	b.aggregateID = aggregateID
	return b
}

// Payload marshals v as the event payload. A marshal failure is reported
// from Build.
func (b *EventBuilder) Payload(v any) *EventBuilder {
	raw, err := json.Marshal(v)
	if err != nil {
		b.err = &ValidationError{Reason: "payload not serializable: " + err.Error()}
		return b
	}
	b.payload = raw
	return b
}

// RawPayload sets the payload from already-encoded JSON.
func (b *EventBuilder) RawPayload(raw json.RawMessage) *EventBuilder {
	b.payload = raw
	return b
}

// Build validates the accumulated fields and returns the Event with a fresh
// id and the current timestamp.
func (b *EventBuilder) Build(version int64) (Event, error) {
	if b.err != nil {
		return Event{}, b.err
	}
	if strings.TrimSpace(b.eventType) == "" {
		return Event{}, &ValidationError{Field: "event_type", Reason: "required"}
	}
	if strings.TrimSpace(b.aggregateID) == "" {
		return Event{}, &ValidationError{Field: "aggregate_id", Reason: "required"}
	}
	if version < 1 {
		return Event{}, &VersionConflictError{Expected: 1, Got: version}
	}
	payload := b.payload
	if payload == nil {
		payload = json.RawMessage("null")
	}
	return Event{
		ID:          NewEventID(),
		EventType:   b.eventType,
		AggregateID: b.aggregateID,
		Payload:     payload,
		Timestamp:   Now(),
		Version:     version,
	}, nil
}

// ValidateEvent checks the structural invariants of an event envelope.
// Payload shape is validated separately by DecodePayload.
func ValidateEvent(e Event) error {
	if strings.TrimSpace(e.EventType) == "" {
		return &ValidationError{Field: "event_type", Reason: "required"}
	}
	if strings.TrimSpace(e.AggregateID) == "" {
		return &ValidationError{Field: "aggregate_id", Reason: "required"}
	}
	if e.Version < 1 {
		return &VersionConflictError{Expected: 1, Got: e.Version}
	}
	return nil
}
