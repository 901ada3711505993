// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session carries authorization state across a user agent's hops
// through multi-step provider flows. Values are JSON-encoded, sealed as a
// compact JWE (RSA-OAEP-256 key wrap over an A256GCM content key), and
// stored in HttpOnly cookies, so browsers without session affinity keep
// working against any issuer replica that shares the key pool.
package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/stacklok/authkit/pkg/keys"
	"github.com/stacklok/authkit/pkg/logger"
	"github.com/stacklok/authkit/pkg/networking"
)

// Manager encrypts and decrypts cookie-resident session values using the
// issuer's encryption key pool.
type Manager struct {
	keys     *keys.Manager
	basePath string
}

// NewManager creates a Manager. basePath scopes the cookies; empty means "/".
func NewManager(k *keys.Manager, basePath string) *Manager {
	if basePath == "" {
		basePath = "/"
	}
	return &Manager{keys: k, basePath: basePath}
}

// Set seals value into the named cookie with the given max age.
func (m *Manager) Set(w http.ResponseWriter, r *http.Request, name string, maxAge time.Duration, value any) error {
	plaintext, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal session value: %w", err)
	}

	key, err := m.keys.EncryptionKey(r.Context())
	if err != nil {
		return fmt.Errorf("failed to load encryption key: %w", err)
	}

	encrypter, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{Algorithm: jose.RSA_OAEP_256, Key: key.Public},
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to build encrypter: %w", err)
	}
	object, err := encrypter.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt session value: %w", err)
	}
	compact, err := object.CompactSerialize()
	if err != nil {
		return fmt.Errorf("failed to serialize session value: %w", err)
	}

	http.SetCookie(w, m.cookie(r, name, compact, int(maxAge.Seconds())))
	return nil
}

// Get opens the named cookie into out. A missing cookie returns ok=false.
// Any decryption failure deletes the cookie and returns ok=false, so a key
// rotation or tampering degrades to "start over" rather than an error page.
func (m *Manager) Get(w http.ResponseWriter, r *http.Request, name string, out any) (bool, error) {
	cookie, err := r.Cookie(name)
	if err != nil {
		return false, nil
	}

	key, err := m.keys.EncryptionKey(r.Context())
	if err != nil {
		return false, fmt.Errorf("failed to load encryption key: %w", err)
	}

	object, err := jose.ParseEncrypted(cookie.Value,
		[]jose.KeyAlgorithm{jose.RSA_OAEP_256},
		[]jose.ContentEncryption{jose.A256GCM},
	)
	if err != nil {
		logger.Debugw("dropping undecryptable session cookie", "cookie", name, "error", err)
		m.Unset(w, r, name)
		return false, nil
	}
	plaintext, err := object.Decrypt(key.Private)
	if err != nil {
		logger.Debugw("dropping undecryptable session cookie", "cookie", name, "error", err)
		m.Unset(w, r, name)
		return false, nil
	}

	if err := json.Unmarshal(plaintext, out); err != nil {
		m.Unset(w, r, name)
		return false, nil
	}
	return true, nil
}

// Unset deletes the named cookie.
func (m *Manager) Unset(w http.ResponseWriter, r *http.Request, name string) {
	http.SetCookie(w, m.cookie(r, name, "", -1))
}

func (m *Manager) cookie(r *http.Request, name, value string, maxAge int) *http.Cookie {
	secure := networking.IsSecure(r)
	sameSite := http.SameSiteLaxMode
	if secure {
		// Cross-site provider redirects (external OAuth callbacks) need
		// the cookie attached, which requires SameSite=None.
		sameSite = http.SameSiteNoneMode
	}
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     m.basePath,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: sameSite,
	}
}
