// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// PKCEMethodS256 is the only supported PKCE challenge method (RFC 7636).
const PKCEMethodS256 = "S256"

// Verifier length bounds from RFC 7636 Section 4.1, and the byte range that
// produces them under unpadded base64url.
const (
	minVerifierLength = 43
	maxVerifierLength = 128
	minVerifierBytes  = 32
	maxVerifierBytes  = 96
)

// Timing normalization for the validation path: never return before
// minValidateDuration plus up to maxValidateJitter, regardless of outcome,
// so fast-fail branches cannot be distinguished on the wire.
const (
	minValidateDuration = 50 * time.Millisecond
	maxValidateJitter   = 20 * time.Millisecond
)

// PKCE is a generated verifier/challenge pair.
type PKCE struct {
	Verifier  string
	Challenge string
	Method    string
}

// GeneratePKCE generates a code_verifier from n random bytes (default 32,
// bounds 32-96) and its S256 code_challenge.
func GeneratePKCE(n int) (*PKCE, error) {
	if n == 0 {
		n = minVerifierBytes
	}
	if n < minVerifierBytes || n > maxVerifierBytes {
		return nil, fmt.Errorf("pkce verifier length must be between %d and %d bytes, got %d",
			minVerifierBytes, maxVerifierBytes, n)
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(buf)
	return &PKCE{
		Verifier:  verifier,
		Challenge: S256Challenge(verifier),
		Method:    PKCEMethodS256,
	}, nil
}

// S256Challenge computes BASE64URL(SHA256(verifier)) per RFC 7636 Section 4.2,
// delegating to oauth2.S256ChallengeFromVerifier.
func S256Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// ValidatePKCE checks a code_verifier against a stored challenge. Every
// branch, including malformed input, performs a hash and a constant-time
// compare and is padded to the normalization window.
func ValidatePKCE(verifier, challenge, method string) bool {
	start := time.Now()
	defer padToWindow(start)

	wellFormed := method == PKCEMethodS256 &&
		len(verifier) >= minVerifierLength &&
		len(verifier) <= maxVerifierLength &&
		validVerifierCharset(verifier)

	if !wellFormed {
		// Dummy hash+compare so malformed inputs cost the same as real ones.
		dummy := S256Challenge("authkit-pkce-dummy-verifier-authkit-pkce-dummy")
		TimingSafeEqual(dummy, challenge)
		return false
	}

	return TimingSafeEqual(S256Challenge(verifier), challenge)
}

// validVerifierCharset reports whether s uses only the unreserved characters
// allowed by RFC 7636 Section 4.1.
func validVerifierCharset(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_' || c == '~':
		default:
			return false
		}
	}
	return true
}

// padToWindow sleeps until the minimum validation duration plus a random
// jitter has elapsed since start.
func padToWindow(start time.Time) {
	target := minValidateDuration + randomJitter(maxValidateJitter)
	if elapsed := time.Since(start); elapsed < target {
		time.Sleep(target - elapsed)
	}
}

func randomJitter(max time.Duration) time.Duration {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// Degrade to the full jitter rather than none.
		return max
	}
	return time.Duration(binary.BigEndian.Uint64(buf[:]) % uint64(max))
}
