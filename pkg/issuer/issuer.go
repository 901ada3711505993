// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package issuer implements the authorization server: the /authorize and
// /token endpoints, provider and plugin mounting, token minting, and
// refresh-token rotation. It is a library; hosts mount Router() wherever
// their HTTP stack wants it.
package issuer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/authkit/pkg/keys"
	"github.com/stacklok/authkit/pkg/logger"
	"github.com/stacklok/authkit/pkg/networking"
	"github.com/stacklok/authkit/pkg/oauth"
	"github.com/stacklok/authkit/pkg/plugin"
	"github.com/stacklok/authkit/pkg/provider"
	"github.com/stacklok/authkit/pkg/revocation"
	"github.com/stacklok/authkit/pkg/session"
	"github.com/stacklok/authkit/pkg/storage"
	"github.com/stacklok/authkit/pkg/subject"
)

// Config assembles an Issuer.
type Config struct {
	// Storage backs codes, refresh tokens, keys, and provider state.
	Storage storage.Storage

	// Subjects declares the subject variants this issuer can mint and the
	// schema each variant's properties must satisfy.
	Subjects subject.Schemas

	// Providers are the authentication methods, each mounted at /<name>.
	Providers []provider.Provider

	// Plugins extend the issuer with routes and lifecycle hooks.
	Plugins []*plugin.Plugin

	// Success maps a provider result onto a subject. Required.
	Success func(ctx context.Context, res provider.Result) (*Subject, error)

	// Refresh, when set, is consulted on every refresh grant. Returning
	// nil (with no error) invalidates the subject.
	Refresh func(ctx context.Context, payload RefreshPayload) (*RefreshUpdate, error)

	// Allow decides whether a client may start an authorization flow.
	// Defaults to the registrable-domain check in DefaultAllow.
	Allow func(req AllowRequest, r *http.Request) error

	// Select renders the provider chooser when more than one provider is
	// configured and the request names none.
	Select func(r *http.Request, providers []string) (*provider.Response, error)

	// Error renders flow-fatal errors that have no redirect to carry them,
	// such as an expired authorization cookie. Defaults to a plain 400.
	Error func(w http.ResponseWriter, r *http.Request, err error)

	// TTL overrides token lifetimes.
	TTL TTLConfig

	// BasePath prefixes every issuer route, e.g. "/oauth". The issuer URL
	// in minted tokens is the request origin plus this path.
	BasePath string
}

// Issuer is the authorization server core.
type Issuer struct {
	cfg       Config
	store     storage.Storage
	keys      *keys.Manager
	sessions  *session.Manager
	plugins   *plugin.Manager
	revoked   *revocation.Ledger
	router    chi.Router
	providers []string

	// now is the rotation clock, swappable in tests.
	now func() time.Time
}

// New validates the configuration, initializes providers and plugins, and
// builds the issuer's router.
func New(ctx context.Context, cfg Config) (*Issuer, error) {
	if cfg.Storage == nil {
		return nil, errors.New("issuer: Storage is required")
	}
	if len(cfg.Subjects) == 0 {
		return nil, errors.New("issuer: at least one subject schema is required")
	}
	if cfg.Success == nil {
		return nil, errors.New("issuer: Success callback is required")
	}
	if len(cfg.Providers) == 0 {
		return nil, errors.New("issuer: at least one provider is required")
	}

	cfg.BasePath = normalizeBasePath(cfg.BasePath)

	keyManager := keys.NewManager(cfg.Storage)
	i := &Issuer{
		cfg:      cfg,
		store:    cfg.Storage,
		keys:     keyManager,
		sessions: session.NewManager(keyManager, cookiePath(cfg.BasePath)),
		plugins:  plugin.NewManager(cfg.Storage),
		revoked:  revocation.NewLedger(cfg.Storage),
		now:      time.Now,
	}

	for _, p := range cfg.Plugins {
		if err := i.plugins.Register(p); err != nil {
			return nil, err
		}
	}

	router, err := i.buildRouter()
	if err != nil {
		return nil, err
	}
	i.router = router

	if err := i.plugins.OnInit(ctx); err != nil {
		return nil, err
	}
	return i, nil
}

// Router returns the issuer's HTTP handler. Mount it at the host's root;
// BasePath routing is internal.
func (i *Issuer) Router() http.Handler {
	return i.router
}

// Keys exposes the issuer's key manager, mainly so hosts and tests can
// inspect or reset the pools.
func (i *Issuer) Keys() *keys.Manager {
	return i.keys
}

// Revocations exposes the revocation ledger consulted on refresh grants.
func (i *Issuer) Revocations() *revocation.Ledger {
	return i.revoked
}

func (i *Issuer) buildRouter() (chi.Router, error) {
	root := chi.NewRouter()

	mount := func(r chi.Router) error {
		r.Get("/authorize", i.handleAuthorize)

		tokenCORS := cors(http.MethodPost)
		r.With(tokenCORS).Post("/token", i.handleToken)
		r.With(tokenCORS).Options("/token", preflight)

		wellKnownCORS := cors(http.MethodGet)
		r.With(wellKnownCORS).Get("/.well-known/oauth-authorization-server", i.handleMetadata)
		r.With(wellKnownCORS).Options("/.well-known/oauth-authorization-server", preflight)
		r.With(wellKnownCORS).Get("/.well-known/jwks.json", i.handleJWKS)
		r.With(wellKnownCORS).Options("/.well-known/jwks.json", preflight)

		seen := make(map[string]struct{}, len(i.cfg.Providers))
		for _, p := range i.cfg.Providers {
			name := p.Name()
			if name == "" {
				return errors.New("issuer: provider with empty name")
			}
			if _, dup := seen[name]; dup {
				return fmt.Errorf("issuer: duplicate provider %q", name)
			}
			seen[name] = struct{}{}
			i.providers = append(i.providers, name)

			pctx := provider.NewContext(name, i.store, i.sessions, provider.Hooks{
				Success:    i.completeFlow,
				Invalidate: i.invalidateSubject,
			})
			sub := chi.NewRouter()
			if err := p.Init(sub, pctx); err != nil {
				return fmt.Errorf("issuer: failed to initialize provider %q: %w", name, err)
			}
			r.Mount("/"+name, sub)
		}

		i.plugins.Mount(r)
		return nil
	}

	if i.cfg.BasePath == "" {
		if err := mount(root); err != nil {
			return nil, err
		}
		return root, nil
	}

	var mountErr error
	root.Route(i.cfg.BasePath, func(r chi.Router) {
		mountErr = mount(r)
	})
	if mountErr != nil {
		return nil, mountErr
	}
	return root, nil
}

// invalidateSubject deletes every refresh token issued to subject. Providers
// reach this through their context when credentials change; the issuer calls
// it on reuse-window violations.
func (i *Issuer) invalidateSubject(ctx context.Context, subjectID string) error {
	prefix := storage.MustKey("oauth:refresh", subjectID)
	var doomed []storage.Key
	for entry, err := range i.store.Scan(ctx, prefix) {
		if err != nil {
			return fmt.Errorf("failed to scan refresh tokens for %s: %w", subjectID, err)
		}
		doomed = append(doomed, entry.Key)
	}
	for _, key := range doomed {
		if err := i.store.Remove(ctx, key); err != nil {
			return fmt.Errorf("failed to remove refresh token: %w", err)
		}
	}
	if len(doomed) > 0 {
		logger.Infow("invalidated subject refresh tokens", "subject", subjectID, "count", len(doomed))
	}
	return nil
}

// resolveSubject validates the host-supplied subject against the schemas
// and computes its identifier.
func (i *Issuer) resolveSubject(sub *Subject) (string, error) {
	if sub == nil || sub.Type == "" {
		return "", oauth.NewError(oauth.ErrorCodeServerError, "success callback returned no subject")
	}
	raw, err := marshalProperties(sub.Properties)
	if err != nil {
		return "", err
	}
	if err := i.cfg.Subjects.Validate(sub.Type, raw); err != nil {
		return "", oauth.Errorf(oauth.ErrorCodeInvalidSubject, "%v", err)
	}
	if sub.Subject != "" {
		return sub.Subject, nil
	}
	return subject.Resolve(sub.Type, sub.Properties)
}

// renderFlowError shows an error that has no redirect URI to carry it,
// through the host's Error handler when one is configured.
func (i *Issuer) renderFlowError(w http.ResponseWriter, r *http.Request, err error) {
	i.plugins.OnError(r.Context(), r, err)
	if i.cfg.Error != nil {
		i.cfg.Error(w, r, err)
		return
	}
	var unknown *oauth.UnknownStateError
	if errors.As(err, &unknown) {
		http.Error(w, unknown.Error(), http.StatusBadRequest)
		return
	}
	http.Error(w, "authorization flow failed", http.StatusBadRequest)
}

func normalizeBasePath(base string) string {
	base = strings.Trim(base, "/")
	if base == "" {
		return ""
	}
	return "/" + base
}

// cookiePath scopes issuer cookies to the base path.
func cookiePath(base string) string {
	if base == "" {
		return "/"
	}
	return base
}

// issuerURL is the iss claim and discovery issuer for the given request.
func (i *Issuer) issuerURL(r *http.Request) string {
	return networking.Origin(r) + i.cfg.BasePath
}

func (i *Issuer) route(parts ...string) string {
	return path.Join(append([]string{"/", i.cfg.BasePath}, parts...)...)
}

func marshalProperties(props map[string]any) (json.RawMessage, error) {
	if props == nil {
		props = map[string]any{}
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal subject properties: %w", err)
	}
	return raw, nil
}
