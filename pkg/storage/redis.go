// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// redisScanPageSize is the COUNT hint passed to SCAN.
const redisScanPageSize = 100

// RedisOptions holds Redis connection configuration for runtime use.
type RedisOptions struct {
	// Addr is the host:port of the Redis server.
	Addr string

	// Username and Password authenticate against a Redis ACL user.
	Username string
	Password string

	// DB selects the logical database.
	DB int

	// KeyPrefix namespaces every key, e.g. "authkit:{env}:".
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStorage implements Storage on a Redis backend, enabling shared state
// across issuer replicas. Expiry is delegated to Redis TTLs.
type RedisStorage struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStorage connects to Redis and verifies the connection.
func NewRedisStorage(ctx context.Context, opts RedisOptions) (*RedisStorage, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStorage{client: client, keyPrefix: opts.KeyPrefix}, nil
}

// NewRedisStorageWithClient creates a RedisStorage with a pre-configured
// client. This is useful for testing with miniredis.
func NewRedisStorageWithClient(client redis.UniversalClient, keyPrefix string) *RedisStorage {
	return &RedisStorage{client: client, keyPrefix: keyPrefix}
}

// Close releases the underlying client.
func (r *RedisStorage) Close() error {
	return r.client.Close()
}

func (r *RedisStorage) redisKey(key Key) string {
	return r.keyPrefix + key.Encode()
}

// Get implements Storage.
func (r *RedisStorage) Get(ctx context.Context, key Key) (json.RawMessage, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}
	raw, err := r.client.Get(ctx, r.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}
	return raw, true, nil
}

// Set implements Storage.
func (r *RedisStorage) Set(ctx context.Context, key Key, value json.RawMessage, ttl time.Duration) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if ttl != 0 {
		if err := ValidateTTL(ttl); err != nil {
			return err
		}
	}
	if err := r.client.Set(ctx, r.redisKey(key), []byte(value), ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Take implements Storage using GETDEL, which is atomic on the server.
func (r *RedisStorage) Take(ctx context.Context, key Key) (json.RawMessage, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}
	raw, err := r.client.GetDel(ctx, r.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis getdel failed: %w", err)
	}
	return raw, true, nil
}

// Remove implements Storage.
func (r *RedisStorage) Remove(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := r.client.Del(ctx, r.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Scan implements Storage with cursor-based SCAN pages. Redis drops expired
// keys itself, so entries that vanish between SCAN and GET are skipped.
func (r *RedisStorage) Scan(ctx context.Context, prefix Key) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		if err := prefix.Validate(); err != nil {
			yield(Entry{}, err)
			return
		}
		pattern := globEscape(r.keyPrefix+prefix.Encode()+Separator) + "*"

		var (
			cursor  uint64
			yielded int
		)
		// SCAN guarantees at-least-once, not exactly-once; a key moved by
		// a rehash can show up on two pages.
		seen := make(map[string]bool)
		for {
			keys, next, err := r.client.Scan(ctx, cursor, pattern, redisScanPageSize).Result()
			if err != nil {
				yield(Entry{}, fmt.Errorf("redis scan failed: %w", err))
				return
			}
			for _, full := range keys {
				if yielded >= DefaultScanLimit {
					return
				}
				if seen[full] {
					continue
				}
				seen[full] = true
				raw, err := r.client.Get(ctx, full).Bytes()
				if errors.Is(err, redis.Nil) {
					continue
				}
				if err != nil {
					yield(Entry{}, fmt.Errorf("redis get failed: %w", err))
					return
				}
				encoded := strings.TrimPrefix(full, r.keyPrefix)
				if !yield(Entry{Key: DecodeKey(encoded), Value: raw}, nil) {
					return
				}
				yielded++
			}
			cursor = next
			if cursor == 0 {
				return
			}
		}
	}
}

// globEscape escapes Redis glob metacharacters so encoded key bytes are
// matched literally.
func globEscape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// Compile-time interface check.
var _ Storage = (*RedisStorage)(nil)
