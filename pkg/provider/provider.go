// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package provider defines the contract between the issuer and its
// authentication methods. A provider registers HTTP routes on a sub-router
// mounted under its name and talks back to the issuer through a Context:
// encrypted cookie scratch state, durable storage, and the success callback
// that completes an authorization flow.
package provider

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Provider is one authentication method (code, password, passkey, ...).
// Init registers the provider's routes on r, which the issuer mounts at
// "/<name>". Long-lived state goes through pctx.Storage; anything scoped to
// a single user-agent flow goes through the cookie helpers so deployments
// without session affinity keep working.
type Provider interface {
	Name() string
	Init(r chi.Router, pctx *Context) error
}

// Result carries the claims a provider established about the authenticated
// party, tagged with the provider that produced them. The issuer's success
// callback maps a Result onto a subject.
type Result struct {
	Provider string            `json:"provider"`
	Claims   map[string]string `json:"claims,omitempty"`

	// Set by the generic OAuth2 provider only.
	ClientID string    `json:"client_id,omitempty"`
	Tokenset *Tokenset `json:"tokenset,omitempty"`
}

// Tokenset holds the upstream tokens obtained by the generic OAuth2
// provider. Raw preserves the full token endpoint response body.
type Tokenset struct {
	Access  string         `json:"access"`
	Refresh string         `json:"refresh,omitempty"`
	Expiry  int64          `json:"expiry,omitempty"`
	Raw     map[string]any `json:"raw,omitempty"`
}

// Response is a rendered UI payload a provider can forward to the
// user-agent verbatim, preserving status, headers, and body.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// SuccessOptions tunes how the issuer completes a flow.
type SuccessOptions struct {
	// Invalidate, when set, receives the final subject identifier before
	// tokens are issued. Providers use it to record claim-to-subject
	// mappings (e.g. email -> subject) so later credential changes can
	// revoke every session for that subject.
	Invalidate func(ctx context.Context, subject string) error
}
