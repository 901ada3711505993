// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package util holds small shared helpers with no authkit dependencies.
package util

import (
	"context"
	"sync"
)

// Lazy memoizes the first successful result of an initializer. Failures are
// not cached, so callers converge on a valid value once the underlying
// operation starts succeeding. Reset exists for tests.
type Lazy[T any] struct {
	init func(ctx context.Context) (T, error)

	mu   sync.Mutex
	done bool
	v    T
}

// NewLazy creates a Lazy around the given initializer.
func NewLazy[T any](init func(ctx context.Context) (T, error)) *Lazy[T] {
	return &Lazy[T]{init: init}
}

// Value returns the memoized value, running the initializer if needed.
// Concurrent callers serialize on the first initialization.
func (l *Lazy[T]) Value(ctx context.Context) (T, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.done {
		return l.v, nil
	}
	v, err := l.init(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	l.v = v
	l.done = true
	return v, nil
}

// Reset discards the memoized value so the next Value call re-initializes.
func (l *Lazy[T]) Reset() {
	l.mu.Lock()
	l.done = false
	var zero T
	l.v = zero
	l.mu.Unlock()
}
