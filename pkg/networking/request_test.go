// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSecure(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("GET", "http://issuer.example/authorize", nil)
	assert.False(t, IsSecure(r))

	r.Header.Set("X-Forwarded-Proto", "https")
	assert.True(t, IsSecure(r))

	r = httptest.NewRequest("GET", "http://issuer.example/", nil)
	r.Header.Set("X-Forwarded-Ssl", "on")
	assert.True(t, IsSecure(r))

	r = httptest.NewRequest("GET", "https://issuer.example/", nil)
	assert.True(t, IsSecure(r))
}

func TestRequestHostPrefersForwardedHeader(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("GET", "http://internal:8080/", nil)
	assert.Equal(t, "internal:8080", RequestHost(r))

	r.Header.Set("X-Forwarded-Host", "auth.example.com")
	assert.Equal(t, "auth.example.com", RequestHost(r))

	r.Header.Set("X-Forwarded-Host", "auth.example.com, proxy.internal")
	assert.Equal(t, "auth.example.com", RequestHost(r))
}

func TestRequestHostnameStripsPort(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("GET", "http://localhost:3000/", nil)
	assert.Equal(t, "localhost", RequestHostname(r))

	r.Header.Set("X-Forwarded-Host", "app.example.co.uk:443")
	assert.Equal(t, "app.example.co.uk", RequestHostname(r))
}

func TestRequestURL(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("GET", "http://internal:8080/authorize?client_id=c&state=s", nil)
	r.Header.Set("X-Forwarded-Proto", "https")
	r.Header.Set("X-Forwarded-Host", "auth.example.com")

	u := RequestURL(r)
	assert.Equal(t, "https://auth.example.com/authorize?client_id=c&state=s", u.String())
	assert.Equal(t, "https://auth.example.com", Origin(r))
}
