// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package crypto provides the random-token, digit, hashing, and PKCE
// primitives shared by the issuer, the providers, and the client verifier.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// DefaultTokenBytes is the entropy of a generated opaque token (256 bits).
const DefaultTokenBytes = 32

// ErrInvalidLength is returned when a caller requests a non-positive number
// of random bytes or digits.
var ErrInvalidLength = errors.New("crypto: length must be a positive integer")

// Token returns n bytes from the OS CSRNG encoded as unpadded base64url.
// A zero n selects DefaultTokenBytes.
func Token(n int) (string, error) {
	if n == 0 {
		n = DefaultTokenBytes
	}
	if n < 0 {
		return "", fmt.Errorf("%w: got %d", ErrInvalidLength, n)
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Digits returns n uniformly distributed decimal digits. Uniformity comes
// from rejection sampling: bytes >= 250 are discarded so the remaining range
// divides evenly by 10.
func Digits(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("%w: got %d", ErrInvalidLength, n)
	}
	out := make([]byte, 0, n)
	buf := make([]byte, n*2)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		for _, b := range buf {
			if b >= 250 {
				continue
			}
			out = append(out, '0'+b%10)
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

// TimingSafeEqual compares the UTF-8 encodings of a and b in constant time.
// Length mismatches return false without short-circuiting the comparison.
func TimingSafeEqual(a, b string) bool {
	ab := []byte(a)
	bb := []byte(b)
	if len(ab) != len(bb) {
		// Burn a comparison of equal lengths so the mismatch branch does
		// not return measurably faster.
		subtle.ConstantTimeCompare(ab, ab)
		return false
	}
	return subtle.ConstantTimeCompare(ab, bb) == 1
}

// SHA256Hex returns the lowercase hex SHA-256 digest of s.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
