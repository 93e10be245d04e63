// Copyright (C) 2025 Eventbook Authors (maintainers@eventbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateStoreID(t *testing.T) {
	tests := []struct {
		name    string
		storeID string
		wantErr bool
	}{
		{"simple", "nb-1", false},
		{"uuid", "9b2d1f6e-0f3a-4a7e-9c41-2f8a1d5e6b70", false},
		{"dotted", "team.alpha_notes", false},
		{"single char", "x", false},
		{"max length", strings.Repeat("a", 128), false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 129), true},
		{"slash", "nb/1", true},
		{"leading dot", ".hidden", true},
		{"leading hyphen", "-nb", true},
		{"space", "nb 1", true},
		{"path traversal", "../etc", true},
		{"null byte", "nb\x001", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStoreID(tt.storeID)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateEventID(t *testing.T) {
	assert.NoError(t, ValidateEventID(""))
	assert.NoError(t, ValidateEventID("evt-42"))
	assert.Error(t, ValidateEventID("evt/42"))
	assert.Error(t, ValidateEventID(strings.Repeat("e", 129)))
}
