// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package util

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLazyMemoizesSuccess(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	l := NewLazy(func(context.Context) (int, error) {
		calls.Add(1)
		return 42, nil
	})

	for i := 0; i < 3; i++ {
		v, err := l.Value(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestLazyRetriesAfterFailure(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	l := NewLazy(func(context.Context) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})

	_, err := l.Value(context.Background())
	require.Error(t, err)

	v, err := l.Value(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestLazyReset(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	l := NewLazy(func(context.Context) (int32, error) {
		return calls.Add(1), nil
	})

	v, _ := l.Value(context.Background())
	assert.Equal(t, int32(1), v)

	l.Reset()

	v, _ = l.Value(context.Background())
	assert.Equal(t, int32(2), v)
}

func TestLazyConcurrentCallersConverge(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	l := NewLazy(func(context.Context) (int32, error) {
		return calls.Add(1), nil
	})

	var wg sync.WaitGroup
	results := make([]int32, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := l.Value(context.Background())
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	for _, v := range results {
		assert.Equal(t, int32(1), v)
	}
}
