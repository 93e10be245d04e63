// Copyright (C) 2025 Eventbook Authors (maintainers@eventbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package materializer folds an ordered event sequence into queryable
// notebook state.
//
// Apply is a pure function: it never mutates its input state, never fails on
// a well-formed event, and folds unrecognized event types as no-ops (only
// the timestamp/history bookkeeping advances). Rebuilding from the full
// version-ascending event list of an aggregate therefore always reproduces
// the same projection, which is what makes resync a safe recovery primitive.
package materializer

import (
	"sort"
	"strings"

	"github.com/eventbook/eventbook/services/notebook/datatypes"
)

// NotebookState is the projection derived from one aggregate's event log.
// It is a value: Apply returns a new state and the previous one remains
// untouched, so readers never observe a partially applied event.
type NotebookState struct {
	// Document is the aggregate's singleton document, nil until a
	// DocumentCreated event is folded.
	Document *datatypes.Document

	// Cells and Outputs index the live entities by id. Deleted entities are
	// removed from the projection; the log still holds their history.
	Cells   map[string]datatypes.Cell
	Outputs map[string]datatypes.CellOutput

	// CellOrder is the ids of live cells in display order, recomputed after
	// every fold with the fractional-index comparator.
	CellOrder []string

	// History is the ordered list of events applied so far.
	History []datatypes.Event

	// LastProcessedTimestamp is the high-water mark over event timestamps.
	LastProcessedTimestamp int64

	// LastVersion is the version of the most recently folded event.
	LastVersion int64
}

// NewState returns the empty projection.
func NewState() NotebookState {
	return NotebookState{
		Cells:   map[string]datatypes.Cell{},
		Outputs: map[string]datatypes.CellOutput{},
	}
}

// Apply folds one event onto state and returns the resulting state.
//
// # Description
//
// Apply is deterministic (same state+event always yields the same result),
// total (every event type has a defined effect; unknown types are no-ops),
// and non-destructive (state is copied, never mutated). Events must be
// applied in ascending version order; later rules assume monotonic time.
//
// # Inputs
//
//	state - Prior projection. The zero of NewState() for the first event.
//	event - The next event in version order.
//
// # Outputs
//
//	NotebookState - The projection with the event folded in.
//
// # Thread Safety
//
// Apply itself is safe for concurrent use; callers must not fold two events
// for the same aggregate concurrently, since the second fold needs the
// first one's output.
func Apply(state NotebookState, event datatypes.Event) NotebookState {
	next := state.clone()
	if event.Timestamp > next.LastProcessedTimestamp {
		next.LastProcessedTimestamp = event.Timestamp
	}
	next.LastVersion = event.Version
	next.History = append(next.History, event.Clone())

	payload, err := datatypes.DecodePayload(event.EventType, event.Payload)
	if err != nil || payload == nil {
		// Malformed payloads are rejected before append; if one slips
		// through (or the type is unknown), fold it as a no-op so older
		// readers keep working.
		next.recomputeOrder()
		return next
	}

	switch p := payload.(type) {
	case datatypes.DocumentCreatedPayload:
		title := p.Title
		if title == "" {
			title = "Untitled"
		}
		doc := datatypes.Document{
			ID:        event.AggregateID,
			Title:     title,
			CreatedAt: event.Timestamp,
			UpdatedAt: event.Timestamp,
		}
		if p.Metadata != nil {
			doc.Metadata = p.Metadata.Clone()
		}
		next.Document = &doc

	case datatypes.DocumentTitleUpdatedPayload:
		if next.Document != nil {
			next.Document.Title = p.Title
			next.Document.UpdatedAt = event.Timestamp
		}

	case datatypes.DocumentMetadataUpdatedPayload:
		if next.Document != nil {
			next.Document.Metadata = p.Metadata.Clone()
			next.Document.UpdatedAt = event.Timestamp
		}

	case datatypes.DocumentDeletedPayload:
		next.Document = nil
		next.Cells = map[string]datatypes.Cell{}
		next.Outputs = map[string]datatypes.CellOutput{}

	case datatypes.CellCreatedPayload:
		cell := datatypes.Cell{
			ID:                p.CellID,
			CellType:          p.CellType,
			Source:            p.Source,
			FractionalIndex:   p.FractionalIndex,
			ExecutionState:    datatypes.ExecutionIdle,
			SQLConnectionID:   p.SQLConnectionID,
			SQLResultVariable: p.SQLResultVariable,
			AIProvider:        p.AIProvider,
			AIModel:           p.AIModel,
			SourceVisible:     true,
			OutputVisible:     true,
			CreatedBy:         p.CreatedBy,
			DocumentID:        event.AggregateID,
			CreatedAt:         event.Timestamp,
			UpdatedAt:         event.Timestamp,
		}
		if cell.CreatedBy == "" {
			cell.CreatedBy = "system"
		}
		if p.SourceVisible != nil {
			cell.SourceVisible = *p.SourceVisible
		}
		if p.OutputVisible != nil {
			cell.OutputVisible = *p.OutputVisible
		}
		next.Cells[p.CellID] = cell
		next.touchDocument(event.Timestamp)

	case datatypes.CellSourceUpdatedPayload:
		if cell, ok := next.Cells[p.CellID]; ok {
			cell.Source = p.Source
			cell.UpdatedAt = event.Timestamp
			next.Cells[p.CellID] = cell
			next.touchDocument(event.Timestamp)
		}

	case datatypes.CellExecutionChangedPayload:
		if cell, ok := next.Cells[p.CellID]; ok {
			if p.ExecutionState != "" && p.ExecutionState.Valid() {
				cell.ExecutionState = p.ExecutionState
			}
			if p.AssignedRuntimeSession != "" {
				cell.AssignedRuntimeSession = p.AssignedRuntimeSession
			}
			if p.ExecutionDurationMs > 0 {
				cell.LastExecutionDurationMs = p.ExecutionDurationMs
			}
			cell.UpdatedAt = event.Timestamp
			next.Cells[p.CellID] = cell
		}

	case datatypes.CellOutputCreatedPayload:
		next.Outputs[p.OutputID] = datatypes.CellOutput{
			ID:         p.OutputID,
			CellID:     p.CellID,
			OutputType: p.OutputType,
			Position:   p.Position,
			StreamName: p.StreamName,
			Data:       p.Data,
			ArtifactID: p.ArtifactID,
			MimeType:   p.MimeType,
			Metadata:   p.Metadata,
			CreatedAt:  event.Timestamp,
		}

	case datatypes.CellMovedPayload:
		if cell, ok := next.Cells[p.CellID]; ok {
			cell.FractionalIndex = p.FractionalIndex
			cell.UpdatedAt = event.Timestamp
			next.Cells[p.CellID] = cell
			next.touchDocument(event.Timestamp)
		}

	case datatypes.CellDeletedPayload:
		delete(next.Cells, p.CellID)
		for id, out := range next.Outputs {
			if out.CellID == p.CellID {
				delete(next.Outputs, id)
			}
		}
		next.touchDocument(event.Timestamp)
	}

	next.recomputeOrder()
	return next
}

// Rebuild folds events from the empty state in the order given. Callers
// must pass the aggregate's events in ascending version order.
func Rebuild(events []datatypes.Event) NotebookState {
	state := NewState()
	for _, e := range events {
		state = Apply(state, e)
	}
	return state
}

// OrderedCells returns the live cells in display order.
func (s NotebookState) OrderedCells() []datatypes.Cell {
	cells := make([]datatypes.Cell, 0, len(s.CellOrder))
	for _, id := range s.CellOrder {
		cells = append(cells, s.Cells[id])
	}
	return cells
}

// Cell returns the live cell with the given id.
func (s NotebookState) Cell(id string) (datatypes.Cell, bool) {
	c, ok := s.Cells[id]
	return c, ok
}

// CellOutputs returns the outputs of one cell ordered by position.
func (s NotebookState) CellOutputs(cellID string) []datatypes.CellOutput {
	var outs []datatypes.CellOutput
	for _, out := range s.Outputs {
		if out.CellID == cellID {
			outs = append(outs, out)
		}
	}
	sort.Slice(outs, func(i, j int) bool {
		if outs[i].Position != outs[j].Position {
			return outs[i].Position < outs[j].Position
		}
		return outs[i].ID < outs[j].ID
	})
	return outs
}

// compareCells is the live-cell ordering: bytewise order key comparison,
// cells without a key last, ties broken by id so the order is total.
func compareCells(a, b datatypes.Cell) int {
	switch {
	case a.FractionalIndex == "" && b.FractionalIndex == "":
		return strings.Compare(a.ID, b.ID)
	case a.FractionalIndex == "":
		return 1
	case b.FractionalIndex == "":
		return -1
	}
	if c := strings.Compare(a.FractionalIndex, b.FractionalIndex); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

func (s *NotebookState) recomputeOrder() {
	order := make([]string, 0, len(s.Cells))
	for id := range s.Cells {
		order = append(order, id)
	}
	sort.Slice(order, func(i, j int) bool {
		return compareCells(s.Cells[order[i]], s.Cells[order[j]]) < 0
	})
	s.CellOrder = order
}

func (s *NotebookState) touchDocument(ts int64) {
	if s.Document != nil {
		s.Document.UpdatedAt = ts
	}
}

// clone returns a deep copy safe to mutate during a fold.
func (s NotebookState) clone() NotebookState {
	next := s
	if s.Document != nil {
		doc := *s.Document
		doc.Metadata = s.Document.Metadata.Clone()
		next.Document = &doc
	}
	next.Cells = make(map[string]datatypes.Cell, len(s.Cells))
	for id, c := range s.Cells {
		next.Cells[id] = c
	}
	next.Outputs = make(map[string]datatypes.CellOutput, len(s.Outputs))
	for id, o := range s.Outputs {
		next.Outputs[id] = o
	}
	next.CellOrder = append([]string(nil), s.CellOrder...)
	next.History = append([]datatypes.Event(nil), s.History...)
	return next
}
