// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for store schema
// settings.
//
// Table names become key prefixes in the store, separated from the key by a
// NUL byte. A name containing NUL, or two tables sharing a name, would let
// one table's keys alias another's.
package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxTableNameLength bounds table names so prefix overhead stays small
// relative to the engine key ceiling.
const MaxTableNameLength = 64

// ValidateTableName validates a single table name.
//
// Valid names:
//   - 1-64 bytes
//   - valid UTF-8
//   - no NUL bytes and no surrounding whitespace
//
// Example:
//
//	if err := validation.ValidateTableName(name); err != nil {
//	    return fmt.Errorf("invalid table name: %w", err)
//	}
func ValidateTableName(name string) error {
	if name == "" {
		return fmt.Errorf("table name cannot be empty")
	}
	if len(name) > MaxTableNameLength {
		return fmt.Errorf("table name %q is %d bytes (max %d)", name, len(name), MaxTableNameLength)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("table name %q is not valid UTF-8", name)
	}
	if strings.IndexByte(name, 0) >= 0 {
		return fmt.Errorf("table name %q contains a NUL byte", name)
	}
	if strings.TrimSpace(name) != name {
		return fmt.Errorf("table name %q has surrounding whitespace", name)
	}
	return nil
}

// ValidateTableNames validates every name and rejects duplicates.
// Returns an error listing all invalid or repeated names.
func ValidateTableNames(names []string) error {
	var invalid []string
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if err := ValidateTableName(n); err != nil {
			invalid = append(invalid, fmt.Sprintf("%q", n))
			continue
		}
		if seen[n] {
			invalid = append(invalid, fmt.Sprintf("%q (duplicate)", n))
			continue
		}
		seen[n] = true
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid table names: %s", strings.Join(invalid, ", "))
	}
	return nil
}
