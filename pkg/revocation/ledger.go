// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package revocation keeps a hashed-token deny-list. Entries live only as
// long as the token they revoke could still be accepted, so the ledger
// cleans itself up through storage TTLs.
package revocation

import (
	"context"
	"fmt"
	"time"

	"github.com/stacklok/authkit/pkg/crypto"
	"github.com/stacklok/authkit/pkg/storage"
)

// Prefix is the storage namespace for revocation records.
const Prefix = "revocation:token"

// Record is the persisted form of a revocation.
type Record struct {
	RevokedAt int64 `json:"revokedAt"`
	ExpiresAt int64 `json:"expiresAt"`
}

// Ledger records revoked tokens by SHA-256 hash, never the token itself.
type Ledger struct {
	store storage.Storage

	// now is replaceable in tests.
	now func() time.Time
}

// NewLedger creates a Ledger over the given storage.
func NewLedger(store storage.Storage) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// Revoke marks token as revoked until expiresAt (ms since epoch, the
// token's own expiry). The record's TTL is the token's remaining lifetime,
// floored at one second so an about-to-expire token still gets an entry.
func (l *Ledger) Revoke(ctx context.Context, token string, expiresAt int64) error {
	now := l.now()
	ttl := time.Duration(expiresAt-now.UnixMilli()) * time.Millisecond
	ttl = ttl.Truncate(time.Second)
	if ttl < time.Second {
		ttl = time.Second
	}

	rec := Record{RevokedAt: now.UnixMilli(), ExpiresAt: expiresAt}
	if err := storage.SetJSON(ctx, l.store, storage.MustKey(Prefix, crypto.SHA256Hex(token)), rec, ttl); err != nil {
		return fmt.Errorf("failed to record revocation: %w", err)
	}
	return nil
}

// IsRevoked reports whether token has a live revocation record. Absence
// means "not revoked", which includes tokens that have naturally expired.
func (l *Ledger) IsRevoked(ctx context.Context, token string) (bool, error) {
	_, ok, err := l.store.Get(ctx, storage.MustKey(Prefix, crypto.SHA256Hex(token)))
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return ok, nil
}
