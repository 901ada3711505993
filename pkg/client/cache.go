// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/stacklok/authkit/pkg/oauth"
)

// registerTimeout bounds the initial JWKS fetch when a URL is first seen.
const registerTimeout = 5 * time.Second

// Process-wide caches. Discovery documents and JWKS sets are shared by
// every Client in the process and survive until ResetCaches (tests) or
// process exit; the JWKS cache refreshes itself in the background.
var processCaches = struct {
	mu         sync.Mutex
	metadata   map[string]*oauth.AuthorizationServerMetadata
	jwks       *jwk.Cache
	registered map[string]bool
}{
	metadata:   make(map[string]*oauth.AuthorizationServerMetadata),
	registered: make(map[string]bool),
}

// ResetCaches drops the process-wide discovery and JWKS caches. Intended
// for tests that stand up throwaway issuers.
func ResetCaches() {
	processCaches.mu.Lock()
	defer processCaches.mu.Unlock()
	processCaches.metadata = make(map[string]*oauth.AuthorizationServerMetadata)
	processCaches.jwks = nil
	processCaches.registered = make(map[string]bool)
}

// discover fetches (or returns the cached) authorization-server metadata
// for the issuer.
func (c *Client) discover(ctx context.Context) (*oauth.AuthorizationServerMetadata, error) {
	processCaches.mu.Lock()
	if meta, ok := processCaches.metadata[c.issuer]; ok {
		processCaches.mu.Unlock()
		return meta, nil
	}
	processCaches.mu.Unlock()

	url := c.issuer + "/.well-known/oauth-authorization-server"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch issuer metadata: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("issuer metadata request returned %d", resp.StatusCode)
	}

	var meta oauth.AuthorizationServerMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("failed to decode issuer metadata: %w", err)
	}
	if meta.TokenEndpoint == "" || meta.AuthorizationEndpoint == "" {
		return nil, fmt.Errorf("issuer metadata from %s is incomplete", url)
	}

	processCaches.mu.Lock()
	processCaches.metadata[c.issuer] = &meta
	processCaches.mu.Unlock()
	return &meta, nil
}

// jwksLookup returns the cached key set for the URL, registering it with
// the auto-refreshing cache on first use.
func (c *Client) jwksLookup(ctx context.Context, jwksURL string) (jwk.Set, error) {
	processCaches.mu.Lock()
	if processCaches.jwks == nil {
		// The cache's background refresher outlives any one request.
		httprcClient := httprc.NewClient(httprc.WithHTTPClient(c.http))
		cache, err := jwk.NewCache(context.Background(), httprcClient)
		if err != nil {
			processCaches.mu.Unlock()
			return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
		}
		processCaches.jwks = cache
	}
	cache := processCaches.jwks
	if !processCaches.registered[jwksURL] {
		registerCtx, cancel := context.WithTimeout(ctx, registerTimeout)
		err := cache.Register(registerCtx, jwksURL)
		cancel()
		if err != nil {
			processCaches.mu.Unlock()
			return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
		}
		processCaches.registered[jwksURL] = true
	}
	processCaches.mu.Unlock()

	set, err := cache.Lookup(ctx, jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to look up JWKS: %w", err)
	}
	return set, nil
}
