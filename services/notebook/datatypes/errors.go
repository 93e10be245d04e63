// Copyright (C) 2025 Eventbook Authors (maintainers@eventbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"errors"
	"fmt"
)

// Error taxonomy for the event engine.
//
//   - ValidationError: malformed payload or envelope, rejected before append.
//   - VersionConflictError: an explicit expected-version precondition did not
//     match. Never raised when the caller lets the log assign versions.
//   - NotFoundError: unknown aggregate or unknown entity within a projection.
//   - DuplicateEventError: an event id was appended twice to the same log.
//
// Transport failures are not represented here; they surface through the sync
// channel's state machine and are recovered by reconnect/resync.

// ValidationError reports a malformed payload or envelope. Events that fail
// validation never enter the log.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Reason
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

// VersionConflictError reports an optimistic-concurrency mismatch.
type VersionConflictError struct {
	Expected int64
	Got      int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: expected %d, got %d", e.Expected, e.Got)
}

// NotFoundError reports a query against an unknown aggregate or entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// DuplicateEventError reports an append of an event id already in the log.
type DuplicateEventError struct {
	EventID string
}

func (e *DuplicateEventError) Error() string {
	return "duplicate event id: " + e.EventID
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConflict reports whether err is a VersionConflictError or a
// DuplicateEventError, both of which map to HTTP 409.
func IsConflict(err error) bool {
	var vc *VersionConflictError
	var de *DuplicateEventError
	return errors.As(err, &vc) || errors.As(err, &de)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
