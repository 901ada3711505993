// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package networking reconstructs request origins behind reverse proxies.
// The issuer and the providers build absolute URLs (redirects, magic links,
// callbacks) from these helpers instead of trusting r.URL directly.
package networking

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// IsSecure reports whether the request arrived over HTTPS, either directly
// or via a TLS-terminating proxy.
func IsSecure(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Ssl"), "on") {
		return true
	}
	return r.TLS != nil || r.URL.Scheme == "https"
}

// RequestScheme returns "https" or "http" for the effective request scheme.
func RequestScheme(r *http.Request) string {
	if IsSecure(r) {
		return "https"
	}
	return "http"
}

// RequestHost returns the effective host (and optional port) of the
// request, preferring X-Forwarded-Host.
func RequestHost(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-Host"); forwarded != "" {
		// Some proxies append the whole chain; the first entry is the
		// client-facing host.
		host, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(host)
	}
	return r.Host
}

// RequestHostname returns the effective host with any port stripped.
func RequestHostname(r *http.Request) string {
	host := RequestHost(r)
	if hostname, _, err := net.SplitHostPort(host); err == nil {
		return hostname
	}
	return host
}

// RequestURL rebuilds the absolute URL of the request from the effective
// scheme and host plus the original path and query.
func RequestURL(r *http.Request) *url.URL {
	return &url.URL{
		Scheme:   RequestScheme(r),
		Host:     RequestHost(r),
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}
}

// Origin returns "<scheme>://<host>" for the effective request origin.
func Origin(r *http.Request) string {
	return RequestScheme(r) + "://" + RequestHost(r)
}
