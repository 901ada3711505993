// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys manages the issuer's signing (ES256) and encryption
// (RSA-OAEP-256) key pools: generation on demand, persistence as PEM
// records, and the public JWKS view.
package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/stacklok/authkit/pkg/logger"
	"github.com/stacklok/authkit/pkg/storage"
	"github.com/stacklok/authkit/pkg/util"
)

// rsaKeyBits sizes generated encryption keys.
const rsaKeyBits = 2048

// ErrNoSigningKey is returned when no non-expired signing key exists and
// generation failed.
var ErrNoSigningKey = errors.New("keys: no usable signing key")

// ErrNoEncryptionKey is the encryption-pool analogue of ErrNoSigningKey.
var ErrNoEncryptionKey = errors.New("keys: no usable encryption key")

// Manager loads or generates key pairs backed by a storage adapter.
// Both pools are memoized per process; concurrent first callers may race to
// generate (last-writer-wins in storage) but converge on a valid key.
type Manager struct {
	store      storage.Storage
	signing    *util.Lazy[[]*SigningKey]
	encryption *util.Lazy[[]*EncryptionKey]
}

// NewManager creates a Manager over the given storage.
func NewManager(store storage.Storage) *Manager {
	m := &Manager{store: store}
	m.signing = util.NewLazy(m.loadSigningKeys)
	m.encryption = util.NewLazy(m.loadEncryptionKeys)
	return m
}

// Reset drops the memoized pools so the next call reloads from storage.
// Intended for tests.
func (m *Manager) Reset() {
	m.signing.Reset()
	m.encryption.Reset()
}

// SigningKeys returns every persisted signing key, newest first, generating
// a fresh pair when none is current.
func (m *Manager) SigningKeys(ctx context.Context) ([]*SigningKey, error) {
	return m.signing.Value(ctx)
}

// SigningKey returns the newest non-expired signing key.
func (m *Manager) SigningKey(ctx context.Context) (*SigningKey, error) {
	all, err := m.SigningKeys(ctx)
	if err != nil {
		return nil, err
	}
	for _, key := range all {
		if key.Expired == nil {
			return key, nil
		}
	}
	return nil, ErrNoSigningKey
}

// EncryptionKeys returns every persisted encryption key, newest first,
// generating a fresh pair when none is current.
func (m *Manager) EncryptionKeys(ctx context.Context) ([]*EncryptionKey, error) {
	return m.encryption.Value(ctx)
}

// EncryptionKey returns the newest non-expired encryption key.
func (m *Manager) EncryptionKey(ctx context.Context) (*EncryptionKey, error) {
	all, err := m.EncryptionKeys(ctx)
	if err != nil {
		return nil, err
	}
	for _, key := range all {
		if key.Expired == nil {
			return key, nil
		}
	}
	return nil, ErrNoEncryptionKey
}

// JWKS builds the published key set: one entry per signing key, each the
// public JWK augmented with alg and, when retired, exp.
func (m *Manager) JWKS(ctx context.Context) (*JWKSDocument, error) {
	all, err := m.SigningKeys(ctx)
	if err != nil {
		return nil, err
	}
	doc := &JWKSDocument{Keys: make([]map[string]any, 0, len(all))}
	for _, key := range all {
		raw, err := json.Marshal(key.JWK)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal JWK %s: %w", key.ID, err)
		}
		entry := make(map[string]any)
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("failed to decode JWK %s: %w", key.ID, err)
		}
		entry["alg"] = key.Algorithm
		if key.Expired != nil {
			entry["exp"] = key.Expired.Unix()
		}
		doc.Keys = append(doc.Keys, entry)
	}
	return doc, nil
}

func (m *Manager) loadSigningKeys(ctx context.Context) ([]*SigningKey, error) {
	records, err := m.loadRecords(ctx, SigningPrefix)
	if err != nil {
		return nil, err
	}

	keys := make([]*SigningKey, 0, len(records))
	for _, rec := range records {
		key, err := signingKeyFromRecord(rec)
		if err != nil {
			logger.Warnw("skipping unreadable signing key", "id", rec.ID, "error", err)
			continue
		}
		keys = append(keys, key)
	}
	sortNewestFirst(keys, func(k *SigningKey) time.Time { return k.Created })

	for _, key := range keys {
		if key.Expired == nil {
			return keys, nil
		}
	}

	generated, err := m.generateSigningKey(ctx)
	if err != nil {
		return nil, err
	}
	logger.Infow("generated signing key", "id", generated.ID, "alg", generated.Algorithm)
	return append([]*SigningKey{generated}, keys...), nil
}

func (m *Manager) loadEncryptionKeys(ctx context.Context) ([]*EncryptionKey, error) {
	records, err := m.loadRecords(ctx, EncryptionPrefix)
	if err != nil {
		return nil, err
	}

	keys := make([]*EncryptionKey, 0, len(records))
	for _, rec := range records {
		key, err := encryptionKeyFromRecord(rec)
		if err != nil {
			logger.Warnw("skipping unreadable encryption key", "id", rec.ID, "error", err)
			continue
		}
		keys = append(keys, key)
	}
	sortNewestFirst(keys, func(k *EncryptionKey) time.Time { return k.Created })

	for _, key := range keys {
		if key.Expired == nil {
			return keys, nil
		}
	}

	generated, err := m.generateEncryptionKey(ctx)
	if err != nil {
		return nil, err
	}
	logger.Infow("generated encryption key", "id", generated.ID, "alg", generated.Algorithm)
	return append([]*EncryptionKey{generated}, keys...), nil
}

func (m *Manager) loadRecords(ctx context.Context, prefix string) ([]record, error) {
	var records []record
	for entry, err := range m.store.Scan(ctx, storage.MustKey(prefix)) {
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", prefix, err)
		}
		var rec record
		if err := json.Unmarshal(entry.Value, &rec); err != nil {
			logger.Warnw("skipping corrupt key record", "key", entry.Key.Encode(), "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (m *Manager) generateSigningKey(ctx context.Context) (*SigningKey, error) {
	private, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	rec, err := newRecord(private, &private.PublicKey, SigningAlgorithm)
	if err != nil {
		return nil, err
	}
	if err := storage.SetJSON(ctx, m.store, storage.MustKey(SigningPrefix, rec.ID), rec, 0); err != nil {
		return nil, fmt.Errorf("failed to persist signing key: %w", err)
	}
	return signingKeyFromRecord(rec)
}

func (m *Manager) generateEncryptionKey(ctx context.Context) (*EncryptionKey, error) {
	private, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	rec, err := newRecord(private, &private.PublicKey, EncryptionAlgorithm)
	if err != nil {
		return nil, err
	}
	if err := storage.SetJSON(ctx, m.store, storage.MustKey(EncryptionPrefix, rec.ID), rec, 0); err != nil {
		return nil, fmt.Errorf("failed to persist encryption key: %w", err)
	}
	return encryptionKeyFromRecord(rec)
}

func newRecord(private, public any, alg string) (record, error) {
	privatePEM, err := encodePrivatePEM(private)
	if err != nil {
		return record{}, err
	}
	publicPEM, err := encodePublicPEM(public)
	if err != nil {
		return record{}, err
	}
	return record{
		ID:      uuid.NewString(),
		Alg:     alg,
		Public:  publicPEM,
		Private: privatePEM,
		Created: time.Now().UTC(),
	}, nil
}

func signingKeyFromRecord(rec record) (*SigningKey, error) {
	private, public, err := decodeRecord(rec)
	if err != nil {
		return nil, err
	}
	ecPrivate, ok := private.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key %s: unexpected private key type %T", rec.ID, private)
	}
	ecPublic, ok := public.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("signing key %s: unexpected public key type %T", rec.ID, public)
	}
	view, err := publicJWK(ecPublic, rec.ID, "sig")
	if err != nil {
		return nil, err
	}
	return &SigningKey{
		ID:        rec.ID,
		Algorithm: rec.Alg,
		Private:   ecPrivate,
		Public:    ecPublic,
		JWK:       view,
		Created:   rec.Created,
		Expired:   rec.Expired,
	}, nil
}

func encryptionKeyFromRecord(rec record) (*EncryptionKey, error) {
	private, public, err := decodeRecord(rec)
	if err != nil {
		return nil, err
	}
	rsaPrivate, ok := private.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("encryption key %s: unexpected private key type %T", rec.ID, private)
	}
	rsaPublic, ok := public.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("encryption key %s: unexpected public key type %T", rec.ID, public)
	}
	view, err := publicJWK(rsaPublic, rec.ID, "enc")
	if err != nil {
		return nil, err
	}
	return &EncryptionKey{
		ID:        rec.ID,
		Algorithm: rec.Alg,
		Private:   rsaPrivate,
		Public:    rsaPublic,
		JWK:       view,
		Created:   rec.Created,
		Expired:   rec.Expired,
	}, nil
}

func decodeRecord(rec record) (private, public any, err error) {
	private, err = decodePrivatePEM(rec.Private)
	if err != nil {
		return nil, nil, fmt.Errorf("key %s: %w", rec.ID, err)
	}
	public, err = decodePublicPEM(rec.Public)
	if err != nil {
		return nil, nil, fmt.Errorf("key %s: %w", rec.ID, err)
	}
	return private, public, nil
}

func publicJWK(public any, id, use string) (jwk.Key, error) {
	key, err := jwk.Import(public)
	if err != nil {
		return nil, fmt.Errorf("failed to build JWK for key %s: %w", id, err)
	}
	if err := key.Set(jwk.KeyIDKey, id); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.KeyUsageKey, use); err != nil {
		return nil, err
	}
	return key, nil
}

func sortNewestFirst[T any](keys []T, created func(T) time.Time) {
	sort.SliceStable(keys, func(i, j int) bool {
		return created(keys[i]).After(created(keys[j]))
	})
}
