// Copyright (C) 2025 Eventbook Authors (maintainers@eventbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation for identifiers that end up
// in database keys.
//
// Store ids and client-chosen event ids arrive over HTTP and are embedded
// verbatim in BadgerDB keys and URL paths. These validators reject anything
// that could collide with the key scheme's separators or smuggle path
// segments.
package validation

import (
	"fmt"
	"regexp"
)

// idPattern matches valid store and event ids.
// Allows: letters, digits, then dots, hyphens and underscores.
// Max length: 128 characters.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]{0,127}$`)

// ValidateStoreID validates a store id before it is used in a database key.
//
// Valid store ids:
//   - 1-128 characters
//   - Start with a letter or digit
//   - Contain only letters, digits, dots, hyphens and underscores
//
// Returns an error if the id is invalid.
//
// Example:
//
//	if err := validation.ValidateStoreID(storeID); err != nil {
//	    return nil, fmt.Errorf("invalid store id: %w", err)
//	}
//	// Safe to embed in a key
func ValidateStoreID(storeID string) error {
	if storeID == "" {
		return fmt.Errorf("store id cannot be empty")
	}

	if !idPattern.MatchString(storeID) {
		return fmt.Errorf("invalid store id: %q (must be 1-128 alphanumeric chars, dots, hyphens or underscores)", storeID)
	}

	return nil
}

// ValidateEventID validates a client-chosen event id. Empty is allowed; the
// server generates an id in that case.
func ValidateEventID(eventID string) error {
	if eventID == "" {
		return nil
	}

	if !idPattern.MatchString(eventID) {
		return fmt.Errorf("invalid event id: %q (must be 1-128 alphanumeric chars, dots, hyphens or underscores)", eventID)
	}

	return nil
}
