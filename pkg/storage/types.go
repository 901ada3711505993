// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage provides the typed, TTL-aware key/value abstraction used
// by every authkit component. Keys are arrays of segments joined with an
// escape-safe separator; adapters only ever see encoded keys.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"
)

// MaxTTL is the longest expiry an adapter will accept (10 years).
const MaxTTL = 10 * 365 * 24 * time.Hour

// DefaultScanLimit bounds the fanout of a single Scan call.
const DefaultScanLimit = 1000

// ErrInvalidTTL is returned for TTLs that are not a positive whole number
// of seconds, or that exceed MaxTTL.
var ErrInvalidTTL = errors.New("storage: invalid ttl")

// Entry is a single (key, value) pair yielded by Scan.
type Entry struct {
	Key   Key
	Value json.RawMessage
}

// Storage is the adapter contract. Implementations must preserve stored
// values byte-for-byte, treat concurrent Set on the same key as
// last-writer-wins, and never yield expired entries.
type Storage interface {
	// Get returns the value stored at key, or ok=false once the entry
	// has expired or was never written. Adapters may lazily delete
	// expired entries on read.
	Get(ctx context.Context, key Key) (value json.RawMessage, ok bool, err error)

	// Set stores value at key. A zero ttl means no expiry; otherwise the
	// ttl must satisfy ValidateTTL.
	Set(ctx context.Context, key Key, value json.RawMessage, ttl time.Duration) error

	// Take atomically reads and removes the value at key. At most one of
	// two concurrent Take calls for the same key observes the value.
	Take(ctx context.Context, key Key) (value json.RawMessage, ok bool, err error)

	// Remove deletes the entry at key. Removing an absent key is not an error.
	Remove(ctx context.Context, key Key) error

	// Scan yields every live entry whose key starts with the given prefix
	// segments, at most once per stored key, bounded by DefaultScanLimit.
	// Expired entries are skipped and may be opportunistically deleted.
	Scan(ctx context.Context, prefix Key) iter.Seq2[Entry, error]
}

// ValidateTTL enforces the adapter TTL contract: a positive whole number
// of seconds no greater than MaxTTL.
func ValidateTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("%w: must be positive, got %s", ErrInvalidTTL, ttl)
	}
	if ttl%time.Second != 0 {
		return fmt.Errorf("%w: must be a whole number of seconds, got %s", ErrInvalidTTL, ttl)
	}
	if ttl > MaxTTL {
		return fmt.Errorf("%w: exceeds %s", ErrInvalidTTL, MaxTTL)
	}
	return nil
}

// GetJSON reads the value at key and unmarshals it into T.
func GetJSON[T any](ctx context.Context, s Storage, key Key) (*T, bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	return unmarshalEntry[T](key, raw)
}

// TakeJSON atomically reads and removes the value at key, unmarshaling it into T.
func TakeJSON[T any](ctx context.Context, s Storage, key Key) (*T, bool, error) {
	raw, ok, err := s.Take(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	return unmarshalEntry[T](key, raw)
}

// SetJSON marshals value and stores it at key.
func SetJSON(ctx context.Context, s Storage, key Key, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for key %q: %w", key.Encode(), err)
	}
	return s.Set(ctx, key, raw, ttl)
}

func unmarshalEntry[T any](key Key, raw json.RawMessage) (*T, bool, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false, fmt.Errorf("corrupt value at key %q: %w", key.Encode(), err)
	}
	return &out, true, nil
}
