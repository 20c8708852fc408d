// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation for identifiers that cross
// trust boundaries.
//
// Target names, argument names, and session IDs arrive from API callers and
// from model output. They end up inside storage keys, prompt text, and log
// lines, so they are validated against strict character sets before use.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// targetPattern matches tool and prompt target names.
// Allows: lowercase snake_case identifiers like query_metrics or
// compose_report. Max length: 64 characters.
var targetPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// sessionPattern matches session and turn identifiers.
// Allows: alphanumerics plus dot, underscore, and hyphen (covers UUIDs).
// Max length: 128 characters. Path separators are excluded because these
// IDs become storage key segments.
var sessionPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]{0,127}$`)

// ValidateTargetName validates a tool or prompt target name.
//
// Valid names:
//   - 1-64 characters
//   - Lowercase letters a-z, digits, underscores
//   - Must start with a letter
//
// Returns an error if the name is invalid.
//
// Example:
//
//	if err := validation.ValidateTargetName(name); err != nil {
//	    return nil, fmt.Errorf("invalid target: %w", err)
//	}
//	// Safe to use in a storage key or a catalog lookup
func ValidateTargetName(name string) error {
	if name == "" {
		return fmt.Errorf("target name cannot be empty")
	}

	if !targetPattern.MatchString(name) {
		return fmt.Errorf("invalid target name: %q (must be 1-64 lowercase snake_case chars starting with a letter)", name)
	}

	return nil
}

// ValidateTargetNames validates multiple target names.
// Returns an error listing all invalid names if any fail validation.
func ValidateTargetNames(names []string) error {
	var invalid []string
	for _, n := range names {
		if err := ValidateTargetName(n); err != nil {
			invalid = append(invalid, n)
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid target names: %v", invalid)
	}
	return nil
}

// SanitizeTargetName normalizes and validates a target name.
// Returns the lowercase name if valid, or an error if invalid.
//
// Use this for model-produced names, which arrive with inconsistent
// casing and stray whitespace:
//
//	safeName, err := validation.SanitizeTargetName(modelOutput)
//	if err != nil {
//	    return err
//	}
//	// safeName is lowercase and validated
func SanitizeTargetName(name string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if err := ValidateTargetName(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}

// ValidateSessionID validates a session or turn identifier.
//
// Valid IDs:
//   - 1-128 characters
//   - Letters, digits, dots, underscores, hyphens
//   - Must start with a letter or digit
//
// UUIDs pass unchanged. Returns an error if the ID is invalid.
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}

	if !sessionPattern.MatchString(id) {
		return fmt.Errorf("invalid session id: %q (must be 1-128 alphanumeric, dot, underscore, or hyphen chars)", id)
	}

	return nil
}
