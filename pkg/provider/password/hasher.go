// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package password

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"

	"github.com/stacklok/authkit/pkg/crypto"
)

const saltBytes = 16

// HashRecord is the stored form of a hashed password. Parameters ride
// along with the hash so they can be tightened later without invalidating
// existing records.
type HashRecord struct {
	Algorithm  string `json:"algorithm"`
	Salt       string `json:"salt"`
	Hash       string `json:"hash"`
	N          int    `json:"n,omitempty"`
	R          int    `json:"r,omitempty"`
	P          int    `json:"p,omitempty"`
	Iterations int    `json:"iterations,omitempty"`
	KeyLen     int    `json:"key_len"`
}

// Hasher derives and verifies password hashes.
type Hasher interface {
	Hash(password string) (*HashRecord, error)
	Verify(password string, rec *HashRecord) (bool, error)
}

// ScryptHasher hashes with scrypt. The zero value is not usable; use
// NewScryptHasher for the recommended parameters.
type ScryptHasher struct {
	N      int
	R      int
	P      int
	KeyLen int
}

// NewScryptHasher returns a hasher with N=16384, r=8, p=1 and a 256-bit
// output.
func NewScryptHasher() *ScryptHasher {
	return &ScryptHasher{N: 16384, R: 8, P: 1, KeyLen: 32}
}

// Hash implements Hasher.
func (h *ScryptHasher) Hash(password string) (*HashRecord, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	dk, err := scrypt.Key([]byte(password), salt, h.N, h.R, h.P, h.KeyLen)
	if err != nil {
		return nil, fmt.Errorf("scrypt derivation failed: %w", err)
	}
	return &HashRecord{
		Algorithm: "scrypt",
		Salt:      base64.RawURLEncoding.EncodeToString(salt),
		Hash:      base64.RawURLEncoding.EncodeToString(dk),
		N:         h.N,
		R:         h.R,
		P:         h.P,
		KeyLen:    h.KeyLen,
	}, nil
}

// Verify implements Hasher. Parameters come from the record, not the
// hasher, so records hashed under older settings still verify.
func (h *ScryptHasher) Verify(password string, rec *HashRecord) (bool, error) {
	if rec.Algorithm != "scrypt" {
		return false, fmt.Errorf("unexpected hash algorithm %q", rec.Algorithm)
	}
	salt, err := base64.RawURLEncoding.DecodeString(rec.Salt)
	if err != nil {
		return false, fmt.Errorf("malformed salt: %w", err)
	}
	dk, err := scrypt.Key([]byte(password), salt, rec.N, rec.R, rec.P, rec.KeyLen)
	if err != nil {
		return false, fmt.Errorf("scrypt derivation failed: %w", err)
	}
	return crypto.TimingSafeEqual(base64.RawURLEncoding.EncodeToString(dk), rec.Hash), nil
}

// PBKDF2Hasher hashes with PBKDF2-SHA-256, for deployments that need a
// FIPS-approvable KDF.
type PBKDF2Hasher struct {
	Iterations int
	KeyLen     int
}

// NewPBKDF2Hasher returns a hasher with 600000 iterations and a 256-bit
// output.
func NewPBKDF2Hasher() *PBKDF2Hasher {
	return &PBKDF2Hasher{Iterations: 600000, KeyLen: 32}
}

// Hash implements Hasher.
func (h *PBKDF2Hasher) Hash(password string) (*HashRecord, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	dk := pbkdf2.Key([]byte(password), salt, h.Iterations, h.KeyLen, sha256.New)
	return &HashRecord{
		Algorithm:  "pbkdf2",
		Salt:       base64.RawURLEncoding.EncodeToString(salt),
		Hash:       base64.RawURLEncoding.EncodeToString(dk),
		Iterations: h.Iterations,
		KeyLen:     h.KeyLen,
	}, nil
}

// Verify implements Hasher.
func (h *PBKDF2Hasher) Verify(password string, rec *HashRecord) (bool, error) {
	if rec.Algorithm != "pbkdf2" {
		return false, fmt.Errorf("unexpected hash algorithm %q", rec.Algorithm)
	}
	salt, err := base64.RawURLEncoding.DecodeString(rec.Salt)
	if err != nil {
		return false, fmt.Errorf("malformed salt: %w", err)
	}
	dk := pbkdf2.Key([]byte(password), salt, rec.Iterations, rec.KeyLen, sha256.New)
	return crypto.TimingSafeEqual(base64.RawURLEncoding.EncodeToString(dk), rec.Hash), nil
}
