// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/stacklok/authkit/pkg/session"
	"github.com/stacklok/authkit/pkg/storage"
)

// Hooks are the issuer-side operations backing a Context. The issuer
// supplies them when it initializes a provider.
type Hooks struct {
	// Success completes the authorization flow for the given result.
	Success func(w http.ResponseWriter, r *http.Request, res Result, opts *SuccessOptions) error
	// Invalidate removes every refresh token issued to subject.
	Invalidate func(ctx context.Context, subject string) error
}

// Context is the capability object handed to a provider at Init time. All
// methods are safe for concurrent use by request handlers.
type Context struct {
	name     string
	store    storage.Storage
	sessions *session.Manager
	hooks    Hooks
}

// NewContext builds the capability object for the named provider.
func NewContext(name string, store storage.Storage, sessions *session.Manager, hooks Hooks) *Context {
	return &Context{
		name:     name,
		store:    store,
		sessions: sessions,
		hooks:    hooks,
	}
}

// Name returns the provider name the issuer mounted this provider under.
func (c *Context) Name() string {
	return c.name
}

// Storage returns the shared storage adapter for long-lived provider state.
func (c *Context) Storage() storage.Storage {
	return c.store
}

// Set writes value into an encrypted cookie named key with the given
// lifetime. Scratch state carried this way survives load-balancer hops
// that durable in-process state would not.
func (c *Context) Set(w http.ResponseWriter, r *http.Request, key string, ttl time.Duration, value any) error {
	return c.sessions.Set(w, r, key, ttl, value)
}

// Get reads the encrypted cookie named key into out. A missing or
// undecryptable cookie reports found=false; undecryptable cookies are
// deleted on the way out.
func (c *Context) Get(w http.ResponseWriter, r *http.Request, key string, out any) (bool, error) {
	return c.sessions.Get(w, r, key, out)
}

// Unset deletes the cookie named key.
func (c *Context) Unset(w http.ResponseWriter, r *http.Request, key string) {
	c.sessions.Unset(w, r, key)
}

// Success completes the authorization flow. The provider name is stamped
// onto the result before it reaches the issuer.
func (c *Context) Success(w http.ResponseWriter, r *http.Request, res Result, opts *SuccessOptions) error {
	if c.hooks.Success == nil {
		return fmt.Errorf("provider %s: no success hook configured", c.name)
	}
	res.Provider = c.name
	return c.hooks.Success(w, r, res, opts)
}

// Invalidate removes every refresh token issued to subject.
func (c *Context) Invalidate(ctx context.Context, subject string) error {
	if c.hooks.Invalidate == nil {
		return nil
	}
	return c.hooks.Invalidate(ctx, subject)
}

// Forward writes a pre-rendered UI response to the user-agent, preserving
// its status, headers, and body.
func (c *Context) Forward(w http.ResponseWriter, res *Response) {
	for name, values := range res.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(res.Body)
}
