// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*RedisStorage, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStorageWithClient(client, "authkit:test:"), mr
}

func TestRedisSetGetRoundTrip(t *testing.T) {
	s, _ := newTestRedis(t)
	ctx := context.Background()

	key := MustKey("signing:key", "abc")
	value := json.RawMessage(`{"alg":"ES256","created":1700000000}`)

	require.NoError(t, s.Set(ctx, key, value, 0))

	got, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, string(value), string(got))
}

func TestRedisGetMissing(t *testing.T) {
	s, _ := newTestRedis(t)

	_, ok, err := s.Get(context.Background(), MustKey("missing"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisTTLExpiry(t *testing.T) {
	s, mr := newTestRedis(t)
	ctx := context.Background()

	key := MustKey("oauth:code", "abc")
	require.NoError(t, s.Set(ctx, key, json.RawMessage(`1`), time.Minute))

	_, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Minute)

	_, ok, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisSetRejectsBadTTL(t *testing.T) {
	s, _ := newTestRedis(t)
	ctx := context.Background()

	err := s.Set(ctx, MustKey("k"), json.RawMessage(`1`), 250*time.Millisecond)
	assert.ErrorIs(t, err, ErrInvalidTTL)
}

func TestRedisTake(t *testing.T) {
	s, _ := newTestRedis(t)
	ctx := context.Background()
	key := MustKey("oauth:code", "once")
	require.NoError(t, s.Set(ctx, key, json.RawMessage(`"v"`), 0))

	_, ok, err := s.Take(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = s.Take(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisScanPrefix(t *testing.T) {
	s, _ := newTestRedis(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Set(ctx, MustKey("oauth:refresh", "user:1", fmt.Sprintf("t%d", i)), json.RawMessage(`1`), 0))
	}
	require.NoError(t, s.Set(ctx, MustKey("oauth:refresh", "user:2", "x"), json.RawMessage(`1`), 0))
	require.NoError(t, s.Set(ctx, MustKey("revocation:token", "h"), json.RawMessage(`1`), 0))

	count := 0
	for entry, err := range s.Scan(ctx, MustKey("oauth:refresh", "user:1")) {
		require.NoError(t, err)
		assert.Equal(t, "oauth:refresh", entry.Key[0])
		assert.Equal(t, "user:1", entry.Key[1])
		count++
	}
	assert.Equal(t, 5, count)
}

func TestRedisScanYieldsEachKeyOnce(t *testing.T) {
	s, _ := newTestRedis(t)
	ctx := context.Background()

	// Enough keys to span several SCAN pages; every key must surface
	// exactly once even though SCAN itself only promises at-least-once.
	const total = 3 * redisScanPageSize
	for i := 0; i < total; i++ {
		require.NoError(t, s.Set(ctx, MustKey("oauth:refresh", "user:1", fmt.Sprintf("t%03d", i)), json.RawMessage(`1`), 0))
	}

	seen := make(map[string]int)
	for entry, err := range s.Scan(ctx, MustKey("oauth:refresh", "user:1")) {
		require.NoError(t, err)
		seen[entry.Key.Encode()]++
	}
	assert.Len(t, seen, total)
	for key, n := range seen {
		assert.Equal(t, 1, n, "key %s yielded more than once", key)
	}
}

func TestRedisScanEscapedSegments(t *testing.T) {
	s, _ := newTestRedis(t)
	ctx := context.Background()

	// Segments containing glob metacharacters and escape bytes must scan
	// and decode exactly.
	key := MustKey("prefix", `we?rd*[seg]\`+Separator)
	require.NoError(t, s.Set(ctx, key, json.RawMessage(`1`), 0))

	found := false
	for entry, err := range s.Scan(ctx, MustKey("prefix")) {
		require.NoError(t, err)
		assert.Equal(t, key, entry.Key)
		found = true
	}
	assert.True(t, found)
}

func TestRedisKeyPrefixIsolation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	a := NewRedisStorageWithClient(client, "tenant-a:")
	b := NewRedisStorageWithClient(client, "tenant-b:")
	ctx := context.Background()
	key := MustKey("oauth:code", "shared")

	require.NoError(t, a.Set(ctx, key, json.RawMessage(`"a"`), 0))

	_, ok, err := b.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	for range b.Scan(ctx, MustKey("oauth:code")) {
		t.Fatal("scan crossed key prefix boundary")
	}
}
