// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package plugin lets in-process extensions register HTTP routes under
// "/plugin/<id>" and observe issuer lifecycle events without taking part
// in the authentication flow itself.
package plugin

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/authkit/pkg/logger"
	"github.com/stacklok/authkit/pkg/storage"
)

// mountPrefix namespaces plugin routes away from providers and the core
// endpoints.
const mountPrefix = "/plugin/"

// Route is one HTTP endpoint a plugin exposes. An empty Method matches
// every method.
type Route struct {
	Method  string
	Path    string
	Handler http.HandlerFunc
}

// HookContext carries the issuer state a hook may inspect. Request is nil
// for OnInit; Err is set only for OnError.
type HookContext struct {
	PluginID string
	Request  *http.Request
	Now      time.Time
	Storage  storage.Storage
	Err      error
}

// Plugin bundles optional routes with optional lifecycle hooks. A plugin
// with hooks and no routes is valid.
type Plugin struct {
	ID     string
	Routes []Route

	// OnInit runs once at issuer startup; an error fails startup.
	OnInit func(ctx context.Context, hctx *HookContext) error
	// OnAuthorize runs before each /authorize request; an error aborts it.
	OnAuthorize func(ctx context.Context, hctx *HookContext) error
	// OnSuccess runs after a completed authentication, best-effort.
	OnSuccess func(ctx context.Context, hctx *HookContext) error
	// OnError observes flow errors, best-effort.
	OnError func(ctx context.Context, hctx *HookContext) error
}

// Manager validates, mounts, and dispatches plugins. Register all plugins
// before calling Mount or any hook dispatch; the manager is then safe for
// concurrent use.
type Manager struct {
	store   storage.Storage
	plugins []*Plugin
	ids     map[string]bool
	paths   map[string]bool
}

// NewManager creates an empty plugin manager backed by the given storage.
func NewManager(store storage.Storage) *Manager {
	return &Manager{
		store: store,
		ids:   make(map[string]bool),
		paths: make(map[string]bool),
	}
}

// Register adds a plugin. Duplicate ids and duplicate mounted paths across
// plugins are rejected.
func (m *Manager) Register(p *Plugin) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("plugin id is required")
	}
	if m.ids[p.ID] {
		return fmt.Errorf("plugin %q is already registered", p.ID)
	}

	mounted := make(map[string]bool, len(p.Routes))
	for _, route := range p.Routes {
		if route.Handler == nil {
			return fmt.Errorf("plugin %q: route %q has no handler", p.ID, route.Path)
		}
		if !strings.HasPrefix(route.Path, "/") {
			return fmt.Errorf("plugin %q: route %q must start with /", p.ID, route.Path)
		}
		full := route.Method + " " + mountPrefix + p.ID + route.Path
		if m.paths[full] || mounted[full] {
			return fmt.Errorf("plugin %q: route %q is already mounted", p.ID, route.Path)
		}
		mounted[full] = true
	}

	m.ids[p.ID] = true
	for full := range mounted {
		m.paths[full] = true
	}
	m.plugins = append(m.plugins, p)
	return nil
}

// Mount attaches every registered route at "/plugin/<id><path>".
func (m *Manager) Mount(r chi.Router) {
	for _, p := range m.plugins {
		for _, route := range p.Routes {
			pattern := mountPrefix + p.ID + route.Path
			if route.Method == "" {
				r.HandleFunc(pattern, route.Handler)
				continue
			}
			r.MethodFunc(route.Method, pattern, route.Handler)
		}
	}
}

// OnInit runs every OnInit hook in registration order and stops at the
// first failure.
func (m *Manager) OnInit(ctx context.Context) error {
	for _, p := range m.plugins {
		if p.OnInit == nil {
			continue
		}
		if err := p.OnInit(ctx, m.hookContext(p, nil, nil)); err != nil {
			return fmt.Errorf("plugin %q: init failed: %w", p.ID, err)
		}
	}
	return nil
}

// OnAuthorize runs every OnAuthorize hook in registration order and stops
// at the first failure.
func (m *Manager) OnAuthorize(ctx context.Context, r *http.Request) error {
	for _, p := range m.plugins {
		if p.OnAuthorize == nil {
			continue
		}
		if err := p.OnAuthorize(ctx, m.hookContext(p, r, nil)); err != nil {
			return fmt.Errorf("plugin %q: authorize hook failed: %w", p.ID, err)
		}
	}
	return nil
}

// OnSuccess fans the success event out to every plugin in parallel.
// Failures are logged and never propagate.
func (m *Manager) OnSuccess(ctx context.Context, r *http.Request) {
	var wg sync.WaitGroup
	for _, p := range m.plugins {
		if p.OnSuccess == nil {
			continue
		}
		wg.Add(1)
		go func(p *Plugin) {
			defer wg.Done()
			if err := p.OnSuccess(ctx, m.hookContext(p, r, nil)); err != nil {
				logger.Warnw("plugin success hook failed", "plugin", p.ID, "error", err)
			}
		}(p)
	}
	wg.Wait()
}

// OnError notifies every plugin of a flow error, sequentially and
// best-effort.
func (m *Manager) OnError(ctx context.Context, r *http.Request, flowErr error) {
	for _, p := range m.plugins {
		if p.OnError == nil {
			continue
		}
		if err := p.OnError(ctx, m.hookContext(p, r, flowErr)); err != nil {
			logger.Warnw("plugin error hook failed", "plugin", p.ID, "error", err)
		}
	}
}

func (m *Manager) hookContext(p *Plugin, r *http.Request, flowErr error) *HookContext {
	return &HookContext{
		PluginID: p.ID,
		Request:  r,
		Now:      time.Now(),
		Storage:  m.store,
		Err:      flowErr,
	}
}
