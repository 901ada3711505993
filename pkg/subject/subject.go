// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package subject names the principal variants an issuer can mint tokens
// for. Each variant pairs a type name (e.g. "user", "admin") with a
// validation schema; every issued token embeds exactly one variant.
package subject

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// ValidateFunc checks the properties of one subject variant.
type ValidateFunc func(properties json.RawMessage) error

// Schemas maps subject type names to their validation schemas.
type Schemas map[string]ValidateFunc

// Validate checks properties against the schema for typ.
func (s Schemas) Validate(typ string, properties json.RawMessage) error {
	validate, ok := s[typ]
	if !ok {
		return fmt.Errorf("unknown subject type %q", typ)
	}
	if validate == nil {
		return nil
	}
	if err := validate(properties); err != nil {
		return fmt.Errorf("subject %q: %w", typ, err)
	}
	return nil
}

// Resolve computes the default subject identifier:
// "<type>:<first 16 hex chars of SHA-256 over canonical JSON(properties)>".
// Canonicalization goes through a decode/encode cycle so key order in the
// caller's encoding doesn't change the identity.
func Resolve(typ string, properties any) (string, error) {
	canonical, err := canonicalJSON(properties)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize subject properties: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return typ + ":" + hex.EncodeToString(sum[:])[:16], nil
}

// Split separates a subject identifier into its type and hash parts.
func Split(subject string) (typ, id string, ok bool) {
	typ, id, ok = strings.Cut(subject, ":")
	return typ, id, ok
}

// RequireStringFields returns a schema that accepts a JSON object with
// non-empty string values for each named field.
func RequireStringFields(fields ...string) ValidateFunc {
	return func(properties json.RawMessage) error {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(properties, &obj); err != nil {
			return fmt.Errorf("properties must be an object: %w", err)
		}
		for _, field := range fields {
			raw, ok := obj[field]
			if !ok {
				return fmt.Errorf("missing field %q", field)
			}
			var s string
			if err := json.Unmarshal(raw, &s); err != nil || s == "" {
				return fmt.Errorf("field %q must be a non-empty string", field)
			}
		}
		return nil
	}
}

func canonicalJSON(v any) ([]byte, error) {
	// Round-trip through any so maps marshal with sorted keys regardless
	// of the input representation.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	return json.Marshal(decoded)
}
