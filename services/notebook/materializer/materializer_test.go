// Copyright (C) 2025 Eventbook Authors (maintainers@eventbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package materializer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventbook/eventbook/services/notebook/datatypes"
)

// evt builds a versioned event with a JSON payload from a map.
func evt(t *testing.T, version int64, eventType string, payload any) datatypes.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return datatypes.Event{
		ID:          datatypes.NewEventID(),
		EventType:   eventType,
		AggregateID: "doc-1",
		Payload:     raw,
		Timestamp:   1700000000 + version,
		Version:     version,
	}
}

func notebookFixture(t *testing.T) []datatypes.Event {
	t.Helper()
	return []datatypes.Event{
		evt(t, 1, datatypes.EventDocumentCreated, map[string]any{"title": "Analysis"}),
		evt(t, 2, datatypes.EventCellCreated, map[string]any{
			"cell_id": "cell-a", "cell_type": "code", "source": "x = 1", "fractional_index": "a0",
		}),
		evt(t, 3, datatypes.EventCellCreated, map[string]any{
			"cell_id": "cell-b", "cell_type": "markdown", "source": "# Notes", "fractional_index": "a1",
		}),
		evt(t, 4, datatypes.EventCellSourceUpdated, map[string]any{
			"cell_id": "cell-a", "source": "x = 2",
		}),
	}
}

func TestRebuild_BasicScenario(t *testing.T) {
	state := Rebuild(notebookFixture(t))

	require.NotNil(t, state.Document)
	assert.Equal(t, "Analysis", state.Document.Title)
	assert.Equal(t, "doc-1", state.Document.ID)

	require.Len(t, state.Cells, 2)
	a, ok := state.Cell("cell-a")
	require.True(t, ok)
	assert.Equal(t, "x = 2", a.Source)
	assert.Equal(t, datatypes.CellTypeCode, a.CellType)
	assert.Equal(t, datatypes.ExecutionIdle, a.ExecutionState)
	assert.True(t, a.SourceVisible)
	assert.Equal(t, "system", a.CreatedBy)
	assert.Equal(t, "doc-1", a.DocumentID)

	assert.Equal(t, []string{"cell-a", "cell-b"}, state.CellOrder)
	assert.Equal(t, int64(4), state.LastVersion)
	assert.Equal(t, int64(1700000004), state.LastProcessedTimestamp)
	assert.Len(t, state.History, 4)
}

func TestRebuild_Deterministic(t *testing.T) {
	events := notebookFixture(t)
	first := Rebuild(events)
	second := Rebuild(events)

	assert.Equal(t, first.Document, second.Document)
	assert.Equal(t, first.Cells, second.Cells)
	assert.Equal(t, first.CellOrder, second.CellOrder)
	assert.Equal(t, first.LastProcessedTimestamp, second.LastProcessedTimestamp)
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	events := notebookFixture(t)
	state := Rebuild(events[:3])
	snapshotOrder := append([]string(nil), state.CellOrder...)
	snapshotSource := state.Cells["cell-a"].Source

	_ = Apply(state, events[3])

	assert.Equal(t, snapshotOrder, state.CellOrder)
	assert.Equal(t, snapshotSource, state.Cells["cell-a"].Source)
	assert.Len(t, state.History, 3)
}

func TestApply_DocumentLifecycle(t *testing.T) {
	state := Rebuild([]datatypes.Event{
		evt(t, 1, datatypes.EventDocumentCreated, map[string]any{}),
	})
	require.NotNil(t, state.Document)
	assert.Equal(t, "Untitled", state.Document.Title)

	state = Apply(state, evt(t, 2, datatypes.EventDocumentTitleUpdated, map[string]any{"title": "Renamed"}))
	assert.Equal(t, "Renamed", state.Document.Title)

	state = Apply(state, evt(t, 3, datatypes.EventDocumentMetadataUpdated, map[string]any{
		"metadata": map[string]any{"authors": []string{"ada"}, "tags": []string{"demo"}},
	}))
	assert.Equal(t, []string{"ada"}, state.Document.Metadata.Authors)

	state = Apply(state, evt(t, 4, datatypes.EventCellCreated, map[string]any{
		"cell_id": "cell-a", "cell_type": "code",
	}))
	require.Len(t, state.Cells, 1)

	state = Apply(state, evt(t, 5, datatypes.EventDocumentDeleted, map[string]any{}))
	assert.Nil(t, state.Document)
	assert.Empty(t, state.Cells)
	assert.Empty(t, state.CellOrder)
	// History keeps everything; only the projection is cleared.
	assert.Len(t, state.History, 5)
}

func TestApply_ExecutionLifecycle(t *testing.T) {
	state := Rebuild([]datatypes.Event{
		evt(t, 1, datatypes.EventDocumentCreated, map[string]any{}),
		evt(t, 2, datatypes.EventCellCreated, map[string]any{"cell_id": "cell-a", "cell_type": "code"}),
		evt(t, 3, datatypes.EventCellExecutionChanged, map[string]any{
			"cell_id": "cell-a", "execution_state": "running", "assigned_runtime_session": "sess-1",
		}),
	})
	cell, _ := state.Cell("cell-a")
	assert.Equal(t, datatypes.ExecutionRunning, cell.ExecutionState)
	assert.Equal(t, "sess-1", cell.AssignedRuntimeSession)

	// Completion reports a duration; the session assignment persists.
	state = Apply(state, evt(t, 4, datatypes.EventCellExecutionChanged, map[string]any{
		"cell_id": "cell-a", "execution_state": "completed", "execution_duration_ms": 412,
	}))
	cell, _ = state.Cell("cell-a")
	assert.Equal(t, datatypes.ExecutionCompleted, cell.ExecutionState)
	assert.Equal(t, "sess-1", cell.AssignedRuntimeSession)
	assert.Equal(t, int64(412), cell.LastExecutionDurationMs)
}

func TestApply_OutputsFollowTheirCell(t *testing.T) {
	state := Rebuild([]datatypes.Event{
		evt(t, 1, datatypes.EventDocumentCreated, map[string]any{}),
		evt(t, 2, datatypes.EventCellCreated, map[string]any{"cell_id": "cell-a", "cell_type": "code"}),
		evt(t, 3, datatypes.EventCellOutputCreated, map[string]any{
			"output_id": "out-2", "cell_id": "cell-a", "output_type": "terminal", "position": 2.0, "data": "done",
		}),
		evt(t, 4, datatypes.EventCellOutputCreated, map[string]any{
			"output_id": "out-1", "cell_id": "cell-a", "output_type": "terminal", "position": 1.0, "stream_name": "stdout", "data": "hello",
		}),
	})

	outs := state.CellOutputs("cell-a")
	require.Len(t, outs, 2)
	assert.Equal(t, "out-1", outs[0].ID)
	assert.Equal(t, "out-2", outs[1].ID)

	state = Apply(state, evt(t, 5, datatypes.EventCellDeleted, map[string]any{"cell_id": "cell-a"}))
	assert.Empty(t, state.Outputs)
	assert.Empty(t, state.CellOutputs("cell-a"))
}

func TestApply_CellMoveReorders(t *testing.T) {
	state := Rebuild([]datatypes.Event{
		evt(t, 1, datatypes.EventDocumentCreated, map[string]any{}),
		evt(t, 2, datatypes.EventCellCreated, map[string]any{"cell_id": "cell-a", "cell_type": "code", "fractional_index": "a0"}),
		evt(t, 3, datatypes.EventCellCreated, map[string]any{"cell_id": "cell-b", "cell_type": "code", "fractional_index": "a1"}),
		evt(t, 4, datatypes.EventCellCreated, map[string]any{"cell_id": "cell-c", "cell_type": "code", "fractional_index": "a2"}),
	})
	assert.Equal(t, []string{"cell-a", "cell-b", "cell-c"}, state.CellOrder)

	// Move cell-c between a and b.
	state = Apply(state, evt(t, 5, datatypes.EventCellMoved, map[string]any{
		"cell_id": "cell-c", "fractional_index": "a0V",
	}))
	assert.Equal(t, []string{"cell-a", "cell-c", "cell-b"}, state.CellOrder)

	ordered := state.OrderedCells()
	require.Len(t, ordered, 3)
	assert.Equal(t, "cell-c", ordered[1].ID)
}

func TestCellOrdering_TiesAndMissingKeys(t *testing.T) {
	state := Rebuild([]datatypes.Event{
		evt(t, 1, datatypes.EventDocumentCreated, map[string]any{}),
		evt(t, 2, datatypes.EventCellCreated, map[string]any{"cell_id": "cell-z", "cell_type": "code", "fractional_index": "a0"}),
		evt(t, 3, datatypes.EventCellCreated, map[string]any{"cell_id": "cell-m", "cell_type": "code", "fractional_index": "a0"}),
		evt(t, 4, datatypes.EventCellCreated, map[string]any{"cell_id": "cell-nokey", "cell_type": "code"}),
	})

	// Equal keys break ties by cell id; cells without a key sort last.
	assert.Equal(t, []string{"cell-m", "cell-z", "cell-nokey"}, state.CellOrder)
}

func TestApply_UnknownEventTypeIsNoOp(t *testing.T) {
	state := Rebuild(notebookFixture(t))
	before := state.CellOrder

	next := Apply(state, evt(t, 5, "SomeFutureEvent", map[string]any{"x": 1}))
	assert.Equal(t, before, next.CellOrder)
	assert.Equal(t, state.Cells, next.Cells)
	assert.Equal(t, int64(5), next.LastVersion)
	assert.Len(t, next.History, 5)
}

func TestApply_EventsForMissingEntitiesAreNoOps(t *testing.T) {
	state := Rebuild([]datatypes.Event{
		evt(t, 1, datatypes.EventDocumentCreated, map[string]any{}),
	})

	next := Apply(state, evt(t, 2, datatypes.EventCellSourceUpdated, map[string]any{
		"cell_id": "ghost", "source": "x",
	}))
	assert.Empty(t, next.Cells)

	next = Apply(next, evt(t, 3, datatypes.EventCellDeleted, map[string]any{"cell_id": "ghost"}))
	assert.Empty(t, next.Cells)
}

func TestLastProcessedTimestamp_MonotonicHighWaterMark(t *testing.T) {
	e1 := evt(t, 1, datatypes.EventDocumentCreated, map[string]any{})
	e1.Timestamp = 2000
	e2 := evt(t, 2, datatypes.EventDocumentTitleUpdated, map[string]any{"title": "t"})
	e2.Timestamp = 1500 // clock skew: earlier wall time, later version

	state := Rebuild([]datatypes.Event{e1, e2})
	assert.Equal(t, int64(2000), state.LastProcessedTimestamp)
	assert.Equal(t, int64(2), state.LastVersion)
}

func TestRebuild_MatchesIncrementalFold(t *testing.T) {
	// Resync correctness: folding incrementally and rebuilding from scratch
	// give the same projection.
	events := notebookFixture(t)
	incremental := NewState()
	for _, e := range events {
		incremental = Apply(incremental, e)
	}
	rebuilt := Rebuild(events)

	assert.Equal(t, rebuilt.Document, incremental.Document)
	assert.Equal(t, rebuilt.Cells, incremental.Cells)
	assert.Equal(t, rebuilt.CellOrder, incremental.CellOrder)
	assert.Equal(t, rebuilt.LastVersion, incremental.LastVersion)
}
