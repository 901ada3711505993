// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package issuer

import (
	"time"
)

// Default token lifetimes. All are overridable through TTLConfig.
const (
	DefaultAccessTTL  = 30 * 24 * time.Hour
	DefaultRefreshTTL = 365 * 24 * time.Hour
	DefaultReuseTTL   = 60 * time.Second
)

// codeTTL bounds how long an authorization code stays exchangeable.
const codeTTL = 60 * time.Second

// authorizationCookie names the encrypted cookie that carries the
// AuthorizationState across the provider flow.
const authorizationCookie = "authorization"

// authorizationTTL is the lifetime of the authorization cookie; flows
// abandoned longer than this restart from /authorize.
const authorizationTTL = 24 * time.Hour

// TTLConfig overrides the issuer's token lifetimes. Zero values select the
// defaults; Reuse and Retention distinguish "unset" (nil-like zero, default
// applies) from "disabled" via ReuseDisabled.
type TTLConfig struct {
	// Access is the access-token lifetime (default 30 days).
	Access time.Duration
	// Refresh is the refresh-token lifetime (default 365 days).
	Refresh time.Duration
	// Reuse is the rotation reuse window (default 60 s). Set ReuseDisabled
	// to make refresh tokens strictly single-use instead.
	Reuse time.Duration
	// ReuseDisabled turns off the reuse window entirely.
	ReuseDisabled bool
	// Retention bounds how long a used refresh stub lingers past the
	// reuse window. The stub is what lets a late reuse be recognized as
	// theft, so it defaults to the refresh lifetime rather than expiring
	// with the window.
	Retention time.Duration
}

func (c TTLConfig) access() time.Duration {
	if c.Access > 0 {
		return c.Access
	}
	return DefaultAccessTTL
}

func (c TTLConfig) refresh() time.Duration {
	if c.Refresh > 0 {
		return c.Refresh
	}
	return DefaultRefreshTTL
}

func (c TTLConfig) reuse() time.Duration {
	if c.ReuseDisabled {
		return 0
	}
	if c.Reuse > 0 {
		return c.Reuse
	}
	return DefaultReuseTTL
}

func (c TTLConfig) retention() time.Duration {
	if c.Retention > 0 {
		return c.Retention
	}
	return c.refresh()
}

// PKCEChallenge is the code_challenge captured at /authorize and checked at
// /token.
type PKCEChallenge struct {
	Challenge string `json:"challenge"`
	Method    string `json:"method"`
}

// AuthorizationState is the per-flow state sealed into the authorization
// cookie between /authorize and the provider's success callback.
type AuthorizationState struct {
	ResponseType string         `json:"response_type"`
	RedirectURI  string         `json:"redirect_uri"`
	ClientID     string         `json:"client_id"`
	State        string         `json:"state,omitempty"`
	Audience     string         `json:"audience,omitempty"`
	Scope        string         `json:"scope,omitempty"`
	PKCE         *PKCEChallenge `json:"pkce,omitempty"`
}

// TokenTTL carries per-subject lifetime overrides established at the code
// flow's initial emission. Refresh grants fall back to the issuer defaults.
type TokenTTL struct {
	Access  time.Duration `json:"access,omitempty"`
	Refresh time.Duration `json:"refresh,omitempty"`
}

// Subject is the principal a host's Success callback derives from a
// provider result. Type and Properties are validated against the configured
// subject schemas before any token is minted.
type Subject struct {
	// Type names the subject variant, e.g. "user".
	Type string
	// Properties are the schema-validated claims embedded in every token.
	Properties map[string]any
	// Subject overrides the derived identifier. Empty means
	// "<type>:<hash of canonical properties>".
	Subject string
	// TTL optionally overrides token lifetimes for this emission.
	TTL *TokenTTL
}

// CodePayload is what an authorization code redeems into. Stored at
// oauth:code/<code> for the code TTL and consumed atomically.
type CodePayload struct {
	Type        string         `json:"type"`
	Properties  map[string]any `json:"properties,omitempty"`
	Subject     string         `json:"subject"`
	RedirectURI string         `json:"redirect_uri"`
	ClientID    string         `json:"client_id"`
	Scopes      []string       `json:"scopes,omitempty"`
	PKCE        *PKCEChallenge `json:"pkce,omitempty"`
	TTL         *TokenTTL      `json:"ttl,omitempty"`
}

// RefreshPayload is the stored state behind one opaque refresh token, keyed
// at oauth:refresh/<subject>/<token>. NextToken is reserved at write time so
// concurrent rotations of the same token converge on one successor.
type RefreshPayload struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
	ClientID   string         `json:"client_id"`
	Subject    string         `json:"subject"`
	Scopes     []string       `json:"scopes,omitempty"`
	TTL        *TokenTTL      `json:"ttl,omitempty"`
	NextToken  string         `json:"next_token"`

	// TimeUsed is set (unix milliseconds) the first time the token
	// rotates, converting the row into a reuse-window stub.
	TimeUsed *int64 `json:"time_used,omitempty"`
	// AccessToken preserves the access token minted by the first rotation
	// so reuse-window retries return an identical tuple.
	AccessToken string `json:"access_token,omitempty"`
}

// RefreshUpdate is the host's answer to a refresh grant: refreshed subject
// claims to embed in the next token pair. A nil update from the callback
// invalidates the subject.
type RefreshUpdate struct {
	Type       string
	Properties map[string]any
	// Subject optionally migrates the identifier; future refresh tokens
	// are keyed under the new value.
	Subject string
	// Scopes optionally replaces the granted scopes.
	Scopes []string
}

// AllowRequest describes the client asking for authorization, for the
// host's allow policy.
type AllowRequest struct {
	ClientID    string
	RedirectURI string
	Audience    string
}
