// Copyright (C) 2025 Eventbook Authors (maintainers@eventbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Event type tags. The set is closed for the materializer (anything else
// folds as a no-op) but open on the wire: unknown types are stored and
// redelivered untouched so newer writers do not break older readers.
const (
	EventDocumentCreated         = "DocumentCreated"
	EventDocumentTitleUpdated    = "DocumentTitleUpdated"
	EventDocumentMetadataUpdated = "DocumentMetadataUpdated"
	EventDocumentDeleted         = "DocumentDeleted"
	EventCellCreated             = "CellCreated"
	EventCellSourceUpdated       = "CellSourceUpdated"
	EventCellExecutionChanged    = "CellExecutionStateChanged"
	EventCellOutputCreated       = "CellOutputCreated"
	EventCellMoved               = "CellMoved"
	EventCellDeleted             = "CellDeleted"
)

// Payload is the closed sum of typed event payloads. Each variant carries
// exactly the fields its event type writes; DecodePayload picks the variant
// from the event type tag and validates it.
type Payload interface {
	isPayload()
}

// DocumentCreatedPayload creates the aggregate's document singleton.
// Title defaults to "Untitled" in the projection when absent.
type DocumentCreatedPayload struct {
	Title    string            `json:"title,omitempty"`
	Metadata *DocumentMetadata `json:"metadata,omitempty"`
}

// DocumentTitleUpdatedPayload renames the document.
type DocumentTitleUpdatedPayload struct {
	Title string `json:"title" validate:"required"`
}

// DocumentMetadataUpdatedPayload replaces the document metadata block.
type DocumentMetadataUpdatedPayload struct {
	Metadata DocumentMetadata `json:"metadata"`
}

// DocumentDeletedPayload marks the document as removed.
type DocumentDeletedPayload struct{}

// CellCreatedPayload creates a cell. CellID, CellType and CreatedBy are
// immutable afterwards; FractionalIndex places the cell without renumbering
// its neighbors.
type CellCreatedPayload struct {
	CellID          string   `json:"cell_id" validate:"required"`
	CellType        CellType `json:"cell_type" validate:"required,oneof=code markdown sql ai raw"`
	Source          string   `json:"source,omitempty"`
	FractionalIndex string   `json:"fractional_index,omitempty"`
	CreatedBy       string   `json:"created_by,omitempty"`

	SQLConnectionID   string `json:"sql_connection_id,omitempty"`
	SQLResultVariable string `json:"sql_result_variable,omitempty"`
	AIProvider        string `json:"ai_provider,omitempty"`
	AIModel           string `json:"ai_model,omitempty"`

	SourceVisible *bool `json:"source_visible,omitempty"`
	OutputVisible *bool `json:"output_visible,omitempty"`
}

// CellSourceUpdatedPayload replaces a cell's source text.
type CellSourceUpdatedPayload struct {
	CellID string `json:"cell_id" validate:"required"`
	Source string `json:"source"`
}

// CellExecutionChangedPayload moves a cell through its execution lifecycle.
// Zero-valued optional fields leave the projection's value unchanged.
type CellExecutionChangedPayload struct {
	CellID                 string         `json:"cell_id" validate:"required"`
	ExecutionState         ExecutionState `json:"execution_state,omitempty" validate:"omitempty,oneof=idle queued running completed error"`
	AssignedRuntimeSession string         `json:"assigned_runtime_session,omitempty"`
	ExecutionDurationMs    int64          `json:"execution_duration_ms,omitempty" validate:"gte=0"`
}

// CellOutputCreatedPayload attaches an immutable output to a cell.
type CellOutputCreatedPayload struct {
	OutputID   string     `json:"output_id" validate:"required"`
	CellID     string     `json:"cell_id" validate:"required"`
	OutputType OutputType `json:"output_type" validate:"required,oneof=multimedia_display multimedia_result terminal markdown error"`
	Position   float64    `json:"position,omitempty"`

	StreamName string         `json:"stream_name,omitempty"`
	Data       string         `json:"data,omitempty"`
	ArtifactID string         `json:"artifact_id,omitempty"`
	MimeType   string         `json:"mime_type,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// CellMovedPayload assigns a cell a new order key.
type CellMovedPayload struct {
	CellID          string `json:"cell_id" validate:"required"`
	FractionalIndex string `json:"fractional_index" validate:"required"`
}

// CellDeletedPayload removes a cell and, transitively, its outputs.
type CellDeletedPayload struct {
	CellID string `json:"cell_id" validate:"required"`
}

func (DocumentCreatedPayload) isPayload()         {}
func (DocumentTitleUpdatedPayload) isPayload()    {}
func (DocumentMetadataUpdatedPayload) isPayload() {}
func (DocumentDeletedPayload) isPayload()         {}
func (CellCreatedPayload) isPayload()             {}
func (CellSourceUpdatedPayload) isPayload()       {}
func (CellExecutionChangedPayload) isPayload()    {}
func (CellOutputCreatedPayload) isPayload()       {}
func (CellMovedPayload) isPayload()               {}
func (CellDeletedPayload) isPayload()             {}

var validate = validator.New()

// KnownEventType reports whether the materializer has a defined effect for
// the given event type.
func KnownEventType(eventType string) bool {
	switch eventType {
	case EventDocumentCreated, EventDocumentTitleUpdated, EventDocumentMetadataUpdated,
		EventDocumentDeleted, EventCellCreated, EventCellSourceUpdated,
		EventCellExecutionChanged, EventCellOutputCreated, EventCellMoved, EventCellDeleted:
		return true
	}
	return false
}

// DecodePayload decodes raw into the typed variant for eventType and
// validates its shape.
//
// Unknown event types return (nil, nil): they are legal on the wire and fold
// as no-ops, so forward-compatible writers do not break older readers. A
// non-nil error always means the payload is malformed for a known type and
// the event must be rejected before it reaches any log.
func DecodePayload(eventType string, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	var p Payload
	switch eventType {
	case EventDocumentCreated:
		p = decodeInto[DocumentCreatedPayload](raw)
	case EventDocumentTitleUpdated:
		p = decodeInto[DocumentTitleUpdatedPayload](raw)
	case EventDocumentMetadataUpdated:
		p = decodeInto[DocumentMetadataUpdatedPayload](raw)
	case EventDocumentDeleted:
		p = decodeInto[DocumentDeletedPayload](raw)
	case EventCellCreated:
		p = decodeInto[CellCreatedPayload](raw)
	case EventCellSourceUpdated:
		p = decodeInto[CellSourceUpdatedPayload](raw)
	case EventCellExecutionChanged:
		p = decodeInto[CellExecutionChangedPayload](raw)
	case EventCellOutputCreated:
		p = decodeInto[CellOutputCreatedPayload](raw)
	case EventCellMoved:
		p = decodeInto[CellMovedPayload](raw)
	case EventCellDeleted:
		p = decodeInto[CellDeletedPayload](raw)
	default:
		return nil, nil
	}

	if p == nil {
		return nil, &ValidationError{Field: "payload", Reason: fmt.Sprintf("malformed JSON for %s", eventType)}
	}
	if err := validate.Struct(p); err != nil {
		return nil, &ValidationError{Field: "payload", Reason: fmt.Sprintf("%s: %v", eventType, err)}
	}
	return p, nil
}

// decodeInto unmarshals raw into T, returning nil on malformed JSON.
func decodeInto[T Payload](raw json.RawMessage) Payload {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}
