// Copyright (C) 2025 Eventbook Authors (maintainers@eventbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// Materialized entities. These are derived purely from the event log; none
// of them is ever mutated directly by a handler or client.

// CellType enumerates the supported cell kinds.
type CellType string

const (
	CellTypeCode     CellType = "code"
	CellTypeMarkdown CellType = "markdown"
	CellTypeSQL      CellType = "sql"
	CellTypeAI       CellType = "ai"
	CellTypeRaw      CellType = "raw"
)

// Valid reports whether t is a known cell type.
func (t CellType) Valid() bool {
	switch t {
	case CellTypeCode, CellTypeMarkdown, CellTypeSQL, CellTypeAI, CellTypeRaw:
		return true
	}
	return false
}

// ExecutionState enumerates a cell's execution lifecycle.
type ExecutionState string

const (
	ExecutionIdle      ExecutionState = "idle"
	ExecutionQueued    ExecutionState = "queued"
	ExecutionRunning   ExecutionState = "running"
	ExecutionCompleted ExecutionState = "completed"
	ExecutionError     ExecutionState = "error"
)

// Valid reports whether s is a known execution state.
func (s ExecutionState) Valid() bool {
	switch s {
	case ExecutionIdle, ExecutionQueued, ExecutionRunning, ExecutionCompleted, ExecutionError:
		return true
	}
	return false
}

// OutputType enumerates the supported cell output kinds.
type OutputType string

const (
	OutputMultimediaDisplay OutputType = "multimedia_display"
	OutputMultimediaResult  OutputType = "multimedia_result"
	OutputTerminal          OutputType = "terminal"
	OutputMarkdown          OutputType = "markdown"
	OutputError             OutputType = "error"
)

// Valid reports whether t is a known output type.
func (t OutputType) Valid() bool {
	switch t {
	case OutputMultimediaDisplay, OutputMultimediaResult, OutputTerminal, OutputMarkdown, OutputError:
		return true
	}
	return false
}

// Cell is one ordered, typed unit of a notebook. ID, CellType and CreatedBy
// are immutable after creation; everything else changes only through events.
type Cell struct {
	ID       string   `json:"id"`
	CellType CellType `json:"cell_type"`
	Source   string   `json:"source"`

	// FractionalIndex is the cell's order key. Cells without one sort last.
	FractionalIndex string `json:"fractional_index,omitempty"`

	ExecutionState          ExecutionState `json:"execution_state"`
	AssignedRuntimeSession  string         `json:"assigned_runtime_session,omitempty"`
	LastExecutionDurationMs int64          `json:"last_execution_duration_ms,omitempty"`

	// Type-specific optional fields.
	SQLConnectionID   string `json:"sql_connection_id,omitempty"`
	SQLResultVariable string `json:"sql_result_variable,omitempty"`
	AIProvider        string `json:"ai_provider,omitempty"`
	AIModel           string `json:"ai_model,omitempty"`

	SourceVisible bool `json:"source_visible"`
	OutputVisible bool `json:"output_visible"`

	CreatedBy  string `json:"created_by"`
	DocumentID string `json:"document_id"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
}

// CellOutput is an immutable output record owned by exactly one cell. It is
// removed from the projection when its cell is deleted.
type CellOutput struct {
	ID         string     `json:"id"`
	CellID     string     `json:"cell_id"`
	OutputType OutputType `json:"output_type"`
	Position   float64    `json:"position"`

	StreamName string         `json:"stream_name,omitempty"`
	Data       string         `json:"data,omitempty"`
	ArtifactID string         `json:"artifact_id,omitempty"`
	MimeType   string         `json:"mime_type,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`

	CreatedAt int64 `json:"created_at"`
}

// KernelSpec names the kernel a notebook executes against.
type KernelSpec struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Language    string `json:"language"`
}

// LanguageInfo describes the notebook's primary language.
type LanguageInfo struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	MimeType      string `json:"mimetype,omitempty"`
	FileExtension string `json:"file_extension,omitempty"`
}

// DocumentMetadata is the notebook-level metadata block. Metadata-set events
// overwrite it wholesale (last writer wins per field).
type DocumentMetadata struct {
	KernelSpec   *KernelSpec       `json:"kernel_spec,omitempty"`
	LanguageInfo *LanguageInfo     `json:"language_info,omitempty"`
	Authors      []string          `json:"authors,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Custom       map[string]string `json:"custom,omitempty"`
}

// Clone returns a deep copy of the metadata.
func (m DocumentMetadata) Clone() DocumentMetadata {
	c := m
	if m.KernelSpec != nil {
		ks := *m.KernelSpec
		c.KernelSpec = &ks
	}
	if m.LanguageInfo != nil {
		li := *m.LanguageInfo
		c.LanguageInfo = &li
	}
	if m.Authors != nil {
		c.Authors = append([]string(nil), m.Authors...)
	}
	if m.Tags != nil {
		c.Tags = append([]string(nil), m.Tags...)
	}
	if m.Custom != nil {
		c.Custom = make(map[string]string, len(m.Custom))
		for k, v := range m.Custom {
			c.Custom[k] = v
		}
	}
	return c
}

// Document is the materialized singleton for one aggregate.
type Document struct {
	ID        string           `json:"id"`
	Title     string           `json:"title"`
	Metadata  DocumentMetadata `json:"metadata"`
	CreatedAt int64            `json:"created_at"`
	UpdatedAt int64            `json:"updated_at"`
}
