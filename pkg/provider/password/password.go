// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package password implements an email + password provider with code-backed
// registration and password change. Hashes are stored under
// "email/<email>/password"; a successful login records the email-to-subject
// mapping so a later password change can revoke every session for that
// subject.
package password

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/authkit/pkg/crypto"
	"github.com/stacklok/authkit/pkg/logger"
	"github.com/stacklok/authkit/pkg/oauth"
	"github.com/stacklok/authkit/pkg/provider"
	"github.com/stacklok/authkit/pkg/storage"
)

const (
	defaultName       = "password"
	defaultCodeLength = 6
	minPasswordLength = 8
	stateTTL          = 10 * time.Minute
)

// Flow states rendered by the Request callback.
const (
	StateLogin        = "login"
	StateRegister     = "register"
	StateRegisterCode = "register-code"
	StateChange       = "change"
	StateChangeCode   = "change-code"
	StateChangeUpdate = "change-update"
)

// Recoverable flow errors handed to the Request callback.
var (
	ErrInvalidCredentials = oauth.NewError(oauth.ErrorCodeInvalidGrant, "incorrect email or password")
	ErrInvalidCode        = oauth.NewError(oauth.ErrorCodeInvalidCode, "incorrect code")
	ErrEmailTaken         = oauth.NewError(oauth.ErrorCodeValidationError, "email is already registered")
)

// State is the cookie-resident flow state.
type State struct {
	Type  string      `json:"type"`
	Email string      `json:"email,omitempty"`
	Code  string      `json:"code,omitempty"`
	Hash  *HashRecord `json:"hash,omitempty"`
}

// Config configures the password provider. Request and SendCode are
// required.
type Config struct {
	// Name overrides the mount name, default "password".
	Name string
	// Hasher defaults to scrypt with the recommended parameters.
	Hasher Hasher
	// CodeLength is the number of verification code digits, default 6.
	CodeLength int
	// Request renders the UI for the given flow state.
	Request func(r *http.Request, state State, err error) (*provider.Response, error)
	// SendCode delivers a verification code during registration and
	// password change.
	SendCode func(ctx context.Context, email, code string) error
	// ValidatePassword gates registration and change. The default
	// requires at least eight characters. Return an error with a
	// user-facing message to reject.
	ValidatePassword func(password string) error
}

// Provider implements provider.Provider.
type Provider struct {
	cfg   Config
	dummy *HashRecord
}

// New builds a password provider, applying defaults.
func New(cfg Config) *Provider {
	if cfg.Name == "" {
		cfg.Name = defaultName
	}
	if cfg.Hasher == nil {
		cfg.Hasher = NewScryptHasher()
	}
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = defaultCodeLength
	}
	if cfg.ValidatePassword == nil {
		cfg.ValidatePassword = func(password string) error {
			if len(password) < minPasswordLength {
				return fmt.Errorf("password must be at least %d characters", minPasswordLength)
			}
			return nil
		}
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
		return errors.New("password provider: Request callback is required")
	}
	if p.cfg.SendCode == nil {
		return errors.New("password provider: SendCode callback is required")
	}

	// A throwaway record keeps login timing flat when the email is
	// unknown.
	dummy, err := p.cfg.Hasher.Hash("invalid-password-placeholder")
	if err != nil {
		return fmt.Errorf("password provider: hasher self-check failed: %w", err)
	}
	p.dummy = dummy

	r.Get("/authorize", p.renderHandler(pctx, StateLogin))
	r.Post("/authorize", func(w http.ResponseWriter, req *http.Request) {
		p.login(w, req, pctx)
	})
	r.Get("/register", p.renderHandler(pctx, StateRegister))
	r.Post("/register", func(w http.ResponseWriter, req *http.Request) {
		p.register(w, req, pctx)
	})
	r.Get("/change", p.renderHandler(pctx, StateChange))
	r.Post("/change", func(w http.ResponseWriter, req *http.Request) {
		p.change(w, req, pctx)
	})
	return nil
}

func (p *Provider) login(w http.ResponseWriter, r *http.Request, pctx *provider.Context) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form", http.StatusBadRequest)
		return
	}
	email := normalizeEmail(r.PostForm.Get("email"))
	password := r.PostForm.Get("password")
	if email == "" || password == "" {
		p.render(w, r, pctx, State{Type: StateLogin, Email: email}, ErrInvalidCredentials)
		return
	}

	rec, found, err := storage.GetJSON[HashRecord](r.Context(), pctx.Storage(), passwordKey(email))
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !found {
		// Burn a derivation so unknown emails cost the same as wrong
		// passwords.
		_, _ = p.cfg.Hasher.Verify(password, p.dummy)
		p.render(w, r, pctx, State{Type: StateLogin, Email: email}, ErrInvalidCredentials)
		return
	}

	ok, err := p.cfg.Hasher.Verify(password, rec)
	if err != nil || !ok {
		p.render(w, r, pctx, State{Type: StateLogin, Email: email}, ErrInvalidCredentials)
		return
	}

	p.succeed(w, r, pctx, email)
}

func (p *Provider) register(w http.ResponseWriter, r *http.Request, pctx *provider.Context) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form", http.StatusBadRequest)
		return
	}

	switch r.PostForm.Get("action") {
	case "register":
		email := normalizeEmail(r.PostForm.Get("email"))
		password := r.PostForm.Get("password")
		if email == "" {
			p.render(w, r, pctx, State{Type: StateRegister}, oauth.NewError(oauth.ErrorCodeValidationError, "email is required"))
			return
		}
		if err := p.cfg.ValidatePassword(password); err != nil {
			p.render(w, r, pctx, State{Type: StateRegister, Email: email}, oauth.NewError(oauth.ErrorCodeValidationError, err.Error()))
			return
		}

		_, taken, err := pctx.Storage().Get(r.Context(), passwordKey(email))
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if taken {
			p.render(w, r, pctx, State{Type: StateRegister, Email: email}, ErrEmailTaken)
			return
		}

		hash, err := p.cfg.Hasher.Hash(password)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		p.sendCode(w, r, pctx, State{Type: StateRegisterCode, Email: email, Hash: hash})

	case "verify":
		var state State
		found, err := pctx.Get(w, r, pctx.Name(), &state)
		if err != nil || !found || state.Type != StateRegisterCode {
			p.render(w, r, pctx, State{Type: StateRegister}, &oauth.UnknownStateError{})
			return
		}
		if !crypto.TimingSafeEqual(r.PostForm.Get("code"), state.Code) {
			p.render(w, r, pctx, state, ErrInvalidCode)
			return
		}
		if err := storage.SetJSON(r.Context(), pctx.Storage(), passwordKey(state.Email), state.Hash, 0); err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		pctx.Unset(w, r, pctx.Name())
		p.succeed(w, r, pctx, state.Email)

	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
	}
}

func (p *Provider) change(w http.ResponseWriter, r *http.Request, pctx *provider.Context) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form", http.StatusBadRequest)
		return
	}

	switch r.PostForm.Get("action") {
	case "request":
		email := normalizeEmail(r.PostForm.Get("email"))
		if email == "" {
			p.render(w, r, pctx, State{Type: StateChange}, oauth.NewError(oauth.ErrorCodeValidationError, "email is required"))
			return
		}
		p.sendCode(w, r, pctx, State{Type: StateChangeCode, Email: email})

	case "verify":
		var state State
		found, err := pctx.Get(w, r, pctx.Name(), &state)
		if err != nil || !found || state.Type != StateChangeCode {
			p.render(w, r, pctx, State{Type: StateChange}, &oauth.UnknownStateError{})
			return
		}
		if !crypto.TimingSafeEqual(r.PostForm.Get("code"), state.Code) {
			p.render(w, r, pctx, state, ErrInvalidCode)
			return
		}
		next := State{Type: StateChangeUpdate, Email: state.Email}
		if err := pctx.Set(w, r, pctx.Name(), stateTTL, next); err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		p.render(w, r, pctx, next, nil)

	case "update":
		var state State
		found, err := pctx.Get(w, r, pctx.Name(), &state)
		if err != nil || !found || state.Type != StateChangeUpdate {
			p.render(w, r, pctx, State{Type: StateChange}, &oauth.UnknownStateError{})
			return
		}
		password := r.PostForm.Get("password")
		if err := p.cfg.ValidatePassword(password); err != nil {
			p.render(w, r, pctx, state, oauth.NewError(oauth.ErrorCodeValidationError, err.Error()))
			return
		}
		hash, err := p.cfg.Hasher.Hash(password)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if err := storage.SetJSON(r.Context(), pctx.Storage(), passwordKey(state.Email), hash, 0); err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		// Every session minted for this email predates the new password.
		subject, found, err := storage.GetJSON[string](r.Context(), pctx.Storage(), subjectKey(state.Email))
		if err == nil && found {
			if err := pctx.Invalidate(r.Context(), *subject); err != nil {
				logger.Warnf("password provider: failed to invalidate subject %s: %v", *subject, err)
			}
		}

		pctx.Unset(w, r, pctx.Name())
		http.Redirect(w, r, strings.TrimSuffix(r.URL.Path, "/change")+"/authorize", http.StatusFound)

	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
	}
}

// sendCode generates and delivers a verification code, then parks the flow
// in the given state with the code attached.
func (p *Provider) sendCode(w http.ResponseWriter, r *http.Request, pctx *provider.Context, state State) {
	code, err := crypto.Digits(p.cfg.CodeLength)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := p.cfg.SendCode(r.Context(), state.Email, code); err != nil {
		start := StateRegister
		if state.Type == StateChangeCode {
			start = StateChange
		}
		p.render(w, r, pctx, State{Type: start, Email: state.Email}, err)
		return
	}

	state.Code = code
	if err := pctx.Set(w, r, pctx.Name(), stateTTL, state); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	p.render(w, r, pctx, state, nil)
}

// succeed completes the flow and records the email-to-subject mapping so a
// later password change can revoke the subject's sessions.
func (p *Provider) succeed(w http.ResponseWriter, r *http.Request, pctx *provider.Context, email string) {
	opts := &provider.SuccessOptions{
		Invalidate: func(ctx context.Context, subject string) error {
			return storage.SetJSON(ctx, pctx.Storage(), subjectKey(email), subject, 0)
		},
	}
	if err := pctx.Success(w, r, provider.Result{Claims: map[string]string{"email": email}}, opts); err != nil {
		logger.Errorf("password provider: success callback failed: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (p *Provider) renderHandler(pctx *provider.Context, stateType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p.render(w, r, pctx, State{Type: stateType}, nil)
	}
}

func (p *Provider) render(w http.ResponseWriter, r *http.Request, pctx *provider.Context, state State, stateErr error) {
	// The pending hash never reaches the UI layer.
	state.Code = ""
	state.Hash = nil
	res, err := p.cfg.Request(r, state, stateErr)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	pctx.Forward(w, res)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func passwordKey(email string) storage.Key {
	return storage.MustKey("email", email, "password")
}

func subjectKey(email string) storage.Key {
	return storage.MustKey("email", email, "subject")
}
