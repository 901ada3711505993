// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenDefaultLength(t *testing.T) {
	t.Parallel()

	tok, err := Token(0)
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(tok)
	require.NoError(t, err)
	assert.Len(t, raw, DefaultTokenBytes)
}

func TestTokenCustomLength(t *testing.T) {
	t.Parallel()

	tok, err := Token(16)
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(tok)
	require.NoError(t, err)
	assert.Len(t, raw, 16)
}

func TestTokenRejectsNegative(t *testing.T) {
	t.Parallel()

	_, err := Token(-1)
	assert.ErrorIs(t, err, ErrInvalidLength)
}

func TestTokenUniqueness(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok, err := Token(0)
		require.NoError(t, err)
		assert.False(t, seen[tok], "duplicate token")
		seen[tok] = true
	}
}

func TestDigitsLengthAndCharset(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, 6, 8, 64} {
		digits, err := Digits(n)
		require.NoError(t, err)
		require.Len(t, digits, n)
		for _, c := range digits {
			assert.True(t, c >= '0' && c <= '9')
		}
	}
}

func TestDigitsRejectsNonPositive(t *testing.T) {
	t.Parallel()

	_, err := Digits(0)
	assert.ErrorIs(t, err, ErrInvalidLength)
	_, err = Digits(-3)
	assert.ErrorIs(t, err, ErrInvalidLength)
}

func TestDigitsDistribution(t *testing.T) {
	t.Parallel()

	// With rejection sampling each digit is uniform; over 10k draws every
	// digit should land well within 5x of the expected 1k count.
	counts := make(map[rune]int)
	digits, err := Digits(10000)
	require.NoError(t, err)
	for _, c := range digits {
		counts[c]++
	}
	require.Len(t, counts, 10)
	for digit, count := range counts {
		assert.Greater(t, count, 700, "digit %c suspiciously rare", digit)
		assert.Less(t, count, 1300, "digit %c suspiciously common", digit)
	}
}

func TestTimingSafeEqual(t *testing.T) {
	t.Parallel()

	assert.True(t, TimingSafeEqual("secret", "secret"))
	assert.False(t, TimingSafeEqual("secret", "secreT"))
	assert.False(t, TimingSafeEqual("secret", "secret2"))
	assert.False(t, TimingSafeEqual("", "x"))
	assert.True(t, TimingSafeEqual("", ""))
}

func TestSHA256Hex(t *testing.T) {
	t.Parallel()

	// Known vector for the empty string.
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		SHA256Hex(""))
	assert.Len(t, SHA256Hex("token"), 64)
}
