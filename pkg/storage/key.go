// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"errors"
	"fmt"
	"strings"
)

// Separator joins encoded key segments. The ASCII Unit Separator never
// appears in well-formed identifiers, so collisions require a deliberately
// crafted segment, which escaping then defuses.
const Separator = "\x1f"

// ErrEmptySegment is returned when a key segment is empty or whitespace-only.
var ErrEmptySegment = errors.New("storage: key segment must not be empty")

// Key is an ordered list of path segments identifying a stored value.
// Segments are escaped individually before being joined, so segment
// boundaries survive arbitrary segment content.
type Key []string

// NewKey builds a Key from the given segments, rejecting empty or
// whitespace-only segments before they ever reach an adapter.
func NewKey(segments ...string) (Key, error) {
	k := Key(segments)
	if err := k.Validate(); err != nil {
		return nil, err
	}
	return k, nil
}

// MustKey is NewKey for segments known to be valid at compile time.
// It panics on invalid input.
func MustKey(segments ...string) Key {
	k, err := NewKey(segments...)
	if err != nil {
		panic(err)
	}
	return k
}

// Validate checks that the key has at least one segment and that no
// segment is empty or whitespace-only.
func (k Key) Validate() error {
	if len(k) == 0 {
		return fmt.Errorf("%w: key has no segments", ErrEmptySegment)
	}
	for i, seg := range k {
		if strings.TrimSpace(seg) == "" {
			return fmt.Errorf("%w: segment %d", ErrEmptySegment, i)
		}
	}
	return nil
}

// Encode escapes each segment (backslash doubled, then separator prefixed
// with a backslash) and joins them with the separator.
func (k Key) Encode() string {
	escaped := make([]string, len(k))
	for i, seg := range k {
		escaped[i] = escapeSegment(seg)
	}
	return strings.Join(escaped, Separator)
}

// Append returns a new Key with the given segments appended.
func (k Key) Append(segments ...string) Key {
	out := make(Key, 0, len(k)+len(segments))
	out = append(out, k...)
	out = append(out, segments...)
	return out
}

// DecodeKey is the exact inverse of Encode.
func DecodeKey(encoded string) Key {
	var (
		segments []string
		current  strings.Builder
	)
	for i := 0; i < len(encoded); i++ {
		switch encoded[i] {
		case '\\':
			if i+1 < len(encoded) {
				i++
				current.WriteByte(encoded[i])
			}
		case Separator[0]:
			segments = append(segments, current.String())
			current.Reset()
		default:
			current.WriteByte(encoded[i])
		}
	}
	segments = append(segments, current.String())
	return Key(segments)
}

func escapeSegment(seg string) string {
	seg = strings.ReplaceAll(seg, `\`, `\\`)
	return strings.ReplaceAll(seg, Separator, `\`+Separator)
}
