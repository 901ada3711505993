// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package magiclink implements a click-to-authenticate provider: the user
// supplies claims, receives a single-use link through a caller-supplied
// sender, and authenticates by following it.
package magiclink

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/authkit/pkg/crypto"
	"github.com/stacklok/authkit/pkg/logger"
	"github.com/stacklok/authkit/pkg/networking"
	"github.com/stacklok/authkit/pkg/oauth"
	"github.com/stacklok/authkit/pkg/provider"
)

const (
	defaultName = "magiclink"
	stateTTL    = 10 * time.Minute
)

// Flow states rendered by the Request callback.
const (
	StateStart = "start"
	StateSent  = "sent"
)

// State is the cookie-resident flow state.
type State struct {
	Type   string            `json:"type"`
	Token  string            `json:"token,omitempty"`
	Claims map[string]string `json:"claims,omitempty"`
	Resend bool              `json:"resend,omitempty"`
}

// Config configures the magic-link provider. Request and SendLink are
// required.
type Config struct {
	// Name overrides the mount name, default "magiclink".
	Name string
	// Request renders the UI for the given flow state.
	Request func(r *http.Request, state State, err error) (*provider.Response, error)
	// SendLink delivers the link to whoever the claims identify.
	SendLink func(ctx context.Context, claims map[string]string, link string) error
}

// Provider implements provider.Provider.
type Provider struct {
	cfg Config
}

// New builds a magic-link provider, applying defaults.
func New(cfg Config) *Provider {
	if cfg.Name == "" {
		cfg.Name = defaultName
	}
	return &Provider{cfg: cfg}
}

// Name implements provider.Provider.
func (p *Provider) Name() string {
	return p.cfg.Name
}

// Init implements provider.Provider.
func (p *Provider) Init(r chi.Router, pctx *provider.Context) error {
	if p.cfg.Request == nil {
		return errors.New("magiclink provider: Request callback is required")
	}
	if p.cfg.SendLink == nil {
		return errors.New("magiclink provider: SendLink callback is required")
	}

	r.Get("/authorize", func(w http.ResponseWriter, req *http.Request) {
		p.render(w, req, pctx, State{Type: StateStart}, nil)
	})
	r.Post("/authorize", func(w http.ResponseWriter, req *http.Request) {
		p.handleAction(w, req, pctx)
	})
	r.Get("/verify", func(w http.ResponseWriter, req *http.Request) {
		p.verify(w, req, pctx)
	})
	return nil
}

func (p *Provider) handleAction(w http.ResponseWriter, r *http.Request, pctx *provider.Context) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form", http.StatusBadRequest)
		return
	}

	switch r.PostForm.Get("action") {
	case "request":
		p.sendLink(w, r, pctx, claimsFromForm(r.PostForm), false)
	case "resend":
		var state State
		found, err := pctx.Get(w, r, pctx.Name(), &state)
		if err != nil || !found || state.Type != StateSent {
			p.render(w, r, pctx, State{Type: StateStart}, &oauth.UnknownStateError{})
			return
		}
		p.sendLink(w, r, pctx, state.Claims, true)
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
	}
}

func (p *Provider) sendLink(w http.ResponseWriter, r *http.Request, pctx *provider.Context, claims map[string]string, resend bool) {
	token, err := crypto.Token(crypto.DefaultTokenBytes)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if err := p.cfg.SendLink(r.Context(), claims, p.verifyLink(r, token, claims)); err != nil {
		p.render(w, r, pctx, State{Type: StateStart, Claims: claims}, err)
		return
	}

	state := State{Type: StateSent, Token: token, Claims: claims, Resend: resend}
	if err := pctx.Set(w, r, pctx.Name(), stateTTL, state); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	p.render(w, r, pctx, state, nil)
}

// verifyLink builds the absolute verification URL from the current request,
// embedding the token and a copy of the claims so the verifier can check
// the link wasn't tampered with.
func (p *Provider) verifyLink(r *http.Request, token string, claims map[string]string) string {
	base := strings.TrimSuffix(r.URL.Path, "/authorize")
	q := url.Values{"token": {token}}
	for key, value := range claims {
		q.Set(key, value)
	}
	return networking.Origin(r) + base + "/verify?" + q.Encode()
}

func (p *Provider) verify(w http.ResponseWriter, r *http.Request, pctx *provider.Context) {
	var state State
	found, err := pctx.Get(w, r, pctx.Name(), &state)
	if err != nil || !found || state.Type != StateSent {
		p.render(w, r, pctx, State{Type: StateStart}, &oauth.UnknownStateError{})
		return
	}

	query := r.URL.Query()
	ok := crypto.TimingSafeEqual(query.Get("token"), state.Token)
	for key, value := range state.Claims {
		// The compare runs first so every claim is checked even after a
		// mismatch.
		ok = crypto.TimingSafeEqual(query.Get(key), value) && ok
	}
	if !ok {
		p.render(w, r, pctx, state, oauth.NewError(oauth.ErrorCodeInvalidCode, "invalid link"))
		return
	}

	pctx.Unset(w, r, pctx.Name())
	if err := pctx.Success(w, r, provider.Result{Claims: state.Claims}, nil); err != nil {
		logger.Errorf("magiclink provider: success callback failed: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (p *Provider) render(w http.ResponseWriter, r *http.Request, pctx *provider.Context, state State, stateErr error) {
	res, err := p.cfg.Request(r, state, stateErr)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	pctx.Forward(w, res)
}

func claimsFromForm(form url.Values) map[string]string {
	claims := make(map[string]string, len(form))
	for key := range form {
		if key == "action" {
			continue
		}
		claims[key] = form.Get(key)
	}
	return claims
}
