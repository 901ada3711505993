// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"
)

// timedEntry wraps a value with its expiry for TTL tracking.
// A zero expiresAt means the entry never expires.
type timedEntry struct {
	value     json.RawMessage
	expiresAt time.Time
}

func (e timedEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStorage implements Storage with an in-memory map.
// It is thread-safe and suitable for development, testing, and
// single-process deployments; state is lost on restart.
type MemoryStorage struct {
	mu      sync.RWMutex
	entries map[string]timedEntry

	// now is replaceable in tests to simulate clock advancement.
	now func() time.Time
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		entries: make(map[string]timedEntry),
		now:     time.Now,
	}
}

// SetNowFunc overrides the storage clock so tests can advance time without
// sleeping.
func (m *MemoryStorage) SetNowFunc(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Get implements Storage.
func (m *MemoryStorage) Get(_ context.Context, key Key) (json.RawMessage, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}
	encoded := key.Encode()

	m.mu.RLock()
	entry, ok := m.entries[encoded]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	if entry.expired(m.now()) {
		m.mu.Lock()
		// Re-check under the write lock; a concurrent Set may have
		// replaced the entry with a live one.
		if cur, ok := m.entries[encoded]; ok && cur.expired(m.now()) {
			delete(m.entries, encoded)
		}
		m.mu.Unlock()
		return nil, false, nil
	}

	return slices.Clone(entry.value), true, nil
}

// Set implements Storage.
func (m *MemoryStorage) Set(_ context.Context, key Key, value json.RawMessage, ttl time.Duration) error {
	if err := key.Validate(); err != nil {
		return err
	}
	var expiresAt time.Time
	if ttl != 0 {
		if err := ValidateTTL(ttl); err != nil {
			return err
		}
		expiresAt = m.now().Add(ttl)
	}

	m.mu.Lock()
	m.entries[key.Encode()] = timedEntry{value: slices.Clone(value), expiresAt: expiresAt}
	m.mu.Unlock()
	return nil
}

// Take implements Storage. The read and delete happen under a single
// write lock, so concurrent Take calls for the same key cannot both win.
func (m *MemoryStorage) Take(_ context.Context, key Key) (json.RawMessage, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}
	encoded := key.Encode()

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[encoded]
	if !ok {
		return nil, false, nil
	}
	delete(m.entries, encoded)
	if entry.expired(m.now()) {
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Remove implements Storage.
func (m *MemoryStorage) Remove(_ context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.entries, key.Encode())
	m.mu.Unlock()
	return nil
}

// Scan implements Storage. Matching entries are snapshotted under the read
// lock and yielded in key order, so the caller may mutate storage while
// iterating.
func (m *MemoryStorage) Scan(ctx context.Context, prefix Key) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		if err := prefix.Validate(); err != nil {
			yield(Entry{}, err)
			return
		}
		match := prefix.Encode() + Separator
		now := m.now()

		m.mu.RLock()
		var (
			keys    []string
			expired []string
		)
		for encoded, entry := range m.entries {
			if !strings.HasPrefix(encoded, match) {
				continue
			}
			if entry.expired(now) {
				expired = append(expired, encoded)
				continue
			}
			keys = append(keys, encoded)
		}
		m.mu.RUnlock()

		if len(expired) > 0 {
			m.mu.Lock()
			for _, encoded := range expired {
				if cur, ok := m.entries[encoded]; ok && cur.expired(now) {
					delete(m.entries, encoded)
				}
			}
			m.mu.Unlock()
		}

		slices.Sort(keys)
		if len(keys) > DefaultScanLimit {
			keys = keys[:DefaultScanLimit]
		}

		for _, encoded := range keys {
			if ctx.Err() != nil {
				yield(Entry{}, ctx.Err())
				return
			}
			m.mu.RLock()
			entry, ok := m.entries[encoded]
			m.mu.RUnlock()
			if !ok || entry.expired(m.now()) {
				continue
			}
			if !yield(Entry{Key: DecodeKey(encoded), Value: slices.Clone(entry.value)}, nil) {
				return
			}
		}
	}
}

// Compile-time interface check.
var _ Storage = (*MemoryStorage)(nil)
