// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
)

// Algorithms used by the two key pools. Signing is ES256 (ECDSA P-256);
// encryption wraps an A256GCM content key with RSA-OAEP-256.
const (
	SigningAlgorithm    = "ES256"
	EncryptionAlgorithm = "RSA-OAEP-256"
)

// Storage namespaces for the two pools, one KeyPair record per row.
const (
	SigningPrefix    = "signing:key"
	EncryptionPrefix = "encryption:key"
)

// record is the persisted form of a key pair.
type record struct {
	ID      string     `json:"id"`
	Alg     string     `json:"alg"`
	Public  string     `json:"public"`
	Private string     `json:"private"`
	Created time.Time  `json:"created"`
	Expired *time.Time `json:"expired,omitempty"`
}

// SigningKey is a loaded ES256 key pair with its public JWK view.
type SigningKey struct {
	ID        string
	Algorithm string
	Private   *ecdsa.PrivateKey
	Public    *ecdsa.PublicKey
	JWK       jwk.Key
	Created   time.Time
	Expired   *time.Time
}

// EncryptionKey is a loaded RSA key pair used for cookie JWE.
type EncryptionKey struct {
	ID        string
	Algorithm string
	Private   *rsa.PrivateKey
	Public    *rsa.PublicKey
	JWK       jwk.Key
	Created   time.Time
	Expired   *time.Time
}

// JWKSDocument is the JWKS wire shape: each entry is the signing key's JWK
// augmented with alg and, for retired keys, exp.
type JWKSDocument struct {
	Keys []map[string]any `json:"keys"`
}
