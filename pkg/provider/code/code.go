// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package code implements a one-time pin provider: the user supplies
// claims (typically an email address), receives an N-digit code through a
// caller-supplied sender, and submits it back to authenticate.
package code

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/authkit/pkg/crypto"
	"github.com/stacklok/authkit/pkg/logger"
	"github.com/stacklok/authkit/pkg/oauth"
	"github.com/stacklok/authkit/pkg/provider"
)

const (
	defaultName   = "code"
	defaultLength = 6
	stateTTL      = 10 * time.Minute
)

// Flow states rendered by the Request callback.
const (
	StateStart = "start"
	StateCode  = "code"
)

// State is the cookie-resident flow state.
type State struct {
	Type   string            `json:"type"`
	Code   string            `json:"code,omitempty"`
	Claims map[string]string `json:"claims,omitempty"`
	Resend bool              `json:"resend,omitempty"`
}

// Config configures the code provider. Request and SendCode are required.
type Config struct {
	// Name overrides the mount name, default "code".
	Name string
	// Length is the number of code digits, default 6.
	Length int
	// Request renders the UI for the given flow state. err, when non-nil,
	// describes why the previous action failed.
	Request func(r *http.Request, state State, err error) (*provider.Response, error)
	// SendCode delivers the code to whoever the claims identify.
	SendCode func(ctx context.Context, claims map[string]string, code string) error
}

// Provider implements provider.Provider.
type Provider struct {
	cfg Config
}

// New builds a code provider, applying defaults.
func New(cfg Config) *Provider {
	if cfg.Name == "" {
		cfg.Name = defaultName
	}
	if cfg.Length <= 0 {
		cfg.Length = defaultLength
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
		return errors.New("code provider: Request callback is required")
	}
	if p.cfg.SendCode == nil {
		return errors.New("code provider: SendCode callback is required")
	}

	r.Get("/authorize", func(w http.ResponseWriter, req *http.Request) {
		p.render(w, req, pctx, State{Type: StateStart}, nil)
	})
	r.Post("/authorize", func(w http.ResponseWriter, req *http.Request) {
		p.handleAction(w, req, pctx)
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
		p.sendCode(w, r, pctx, claimsFromForm(r.PostForm), false)
	case "resend":
		var state State
		found, err := pctx.Get(w, r, pctx.Name(), &state)
		if err != nil || !found || state.Type != StateCode {
			p.render(w, r, pctx, State{Type: StateStart}, &oauth.UnknownStateError{})
			return
		}
		p.sendCode(w, r, pctx, state.Claims, true)
	case "verify":
		p.verify(w, r, pctx)
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
	}
}

func (p *Provider) sendCode(w http.ResponseWriter, r *http.Request, pctx *provider.Context, claims map[string]string, resend bool) {
	code, err := crypto.Digits(p.cfg.Length)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := p.cfg.SendCode(r.Context(), claims, code); err != nil {
		// Delivery failed; the user never left the start state.
		p.render(w, r, pctx, State{Type: StateStart, Claims: claims}, err)
		return
	}

	state := State{Type: StateCode, Code: code, Claims: claims, Resend: resend}
	if err := pctx.Set(w, r, pctx.Name(), stateTTL, state); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	p.render(w, r, pctx, state, nil)
}

func (p *Provider) verify(w http.ResponseWriter, r *http.Request, pctx *provider.Context) {
	var state State
	found, err := pctx.Get(w, r, pctx.Name(), &state)
	if err != nil || !found || state.Type != StateCode {
		p.render(w, r, pctx, State{Type: StateStart}, &oauth.UnknownStateError{})
		return
	}

	if !crypto.TimingSafeEqual(r.PostForm.Get("code"), state.Code) {
		p.render(w, r, pctx, state, oauth.NewError(oauth.ErrorCodeInvalidCode, "incorrect code"))
		return
	}

	pctx.Unset(w, r, pctx.Name())
	if err := pctx.Success(w, r, provider.Result{Claims: state.Claims}, nil); err != nil {
		logger.Errorf("code provider: success callback failed: %v", err)
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

// claimsFromForm collects every form field except the flow-control ones.
func claimsFromForm(form url.Values) map[string]string {
	claims := make(map[string]string, len(form))
	for key := range form {
		if key == "action" || key == "code" {
			continue
		}
		claims[key] = form.Get(key)
	}
	return claims
}
