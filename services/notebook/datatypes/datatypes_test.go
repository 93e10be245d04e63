// Copyright (C) 2025 Eventbook Authors (maintainers@eventbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBuilder(t *testing.T) {
	event, err := NewEventBuilder().
		EventType(EventCellSourceUpdated).
		AggregateID("doc-1").
		Payload(CellSourceUpdatedPayload{CellID: "cell-a", Source: "x = 1"}).
		Build(3)
	require.NoError(t, err)

	assert.Equal(t, EventCellSourceUpdated, event.EventType)
	assert.Equal(t, "doc-1", event.AggregateID)
	assert.Equal(t, int64(3), event.Version)
	assert.NotEmpty(t, event.ID)
	assert.NotZero(t, event.Timestamp)
	assert.JSONEq(t, `{"cell_id":"cell-a","source":"x = 1"}`, string(event.Payload))
}

func TestEventBuilder_Invalid(t *testing.T) {
	_, err := NewEventBuilder().AggregateID("doc-1").Build(1)
	assert.True(t, IsValidation(err), "missing event type")

	_, err = NewEventBuilder().EventType(EventCellDeleted).Build(1)
	assert.True(t, IsValidation(err), "missing aggregate id")

	_, err = NewEventBuilder().EventType(EventCellDeleted).AggregateID("doc-1").Build(0)
	assert.True(t, IsConflict(err), "version below 1")
}

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		raw       string
		wantErr   bool
		wantNil   bool
	}{
		{
			name:      "valid cell created",
			eventType: EventCellCreated,
			raw:       `{"cell_id":"cell-a","cell_type":"code"}`,
		},
		{
			name:      "missing required field",
			eventType: EventCellCreated,
			raw:       `{"cell_type":"code"}`,
			wantErr:   true,
		},
		{
			name:      "bad enum value",
			eventType: EventCellCreated,
			raw:       `{"cell_id":"cell-a","cell_type":"spreadsheet"}`,
			wantErr:   true,
		},
		{
			name:      "malformed json",
			eventType: EventCellMoved,
			raw:       `{"cell_id":`,
			wantErr:   true,
		},
		{
			name:      "empty payload for empty type",
			eventType: EventDocumentDeleted,
			raw:       ``,
		},
		{
			name:      "unknown type passes through",
			eventType: "SomethingNew",
			raw:       `{"whatever":1}`,
			wantNil:   true,
		},
		{
			name:      "negative duration rejected",
			eventType: EventCellExecutionChanged,
			raw:       `{"cell_id":"cell-a","execution_duration_ms":-5}`,
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := DecodePayload(tt.eventType, json.RawMessage(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsValidation(err))
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, p)
			} else {
				assert.NotNil(t, p)
			}
		})
	}
}

func TestKnownEventType(t *testing.T) {
	assert.True(t, KnownEventType(EventDocumentCreated))
	assert.True(t, KnownEventType(EventCellMoved))
	assert.False(t, KnownEventType("Mystery"))
	assert.False(t, KnownEventType(""))
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsValidation(&ValidationError{Field: "x", Reason: "bad"}))
	assert.True(t, IsConflict(&VersionConflictError{Expected: 1, Got: 2}))
	assert.True(t, IsConflict(&DuplicateEventError{EventID: "e"}))
	assert.True(t, IsNotFound(&NotFoundError{Kind: "aggregate", ID: "doc-1"}))

	wrapped := errors.Join(errors.New("context"), &NotFoundError{Kind: "aggregate", ID: "doc-1"})
	assert.True(t, IsNotFound(wrapped))

	assert.False(t, IsValidation(errors.New("plain")))
	assert.False(t, IsConflict(nil))
	assert.False(t, IsNotFound(nil))
}

func TestEventClone_Independent(t *testing.T) {
	original := Event{
		ID:          "event-1",
		EventType:   EventCellSourceUpdated,
		AggregateID: "doc-1",
		Payload:     json.RawMessage(`{"cell_id":"cell-a"}`),
		Timestamp:   100,
		Version:     1,
	}
	clone := original.Clone()
	clone.Payload[2] = 'X'
	assert.JSONEq(t, `{"cell_id":"cell-a"}`, string(original.Payload))
}

func TestDocumentMetadataClone_Independent(t *testing.T) {
	m := DocumentMetadata{
		KernelSpec: &KernelSpec{Name: "python3", Language: "python"},
		Authors:    []string{"ada"},
		Custom:     map[string]string{"theme": "dark"},
	}
	c := m.Clone()
	c.KernelSpec.Name = "rust"
	c.Authors[0] = "bob"
	c.Custom["theme"] = "light"

	assert.Equal(t, "python3", m.KernelSpec.Name)
	assert.Equal(t, []string{"ada"}, m.Authors)
	assert.Equal(t, "dark", m.Custom["theme"])
}

func TestEnumValidity(t *testing.T) {
	assert.True(t, CellTypeSQL.Valid())
	assert.False(t, CellType("sheet").Valid())
	assert.True(t, ExecutionRunning.Valid())
	assert.False(t, ExecutionState("paused").Valid())
	assert.True(t, OutputTerminal.Valid())
	assert.False(t, OutputType("chart").Valid())
}
