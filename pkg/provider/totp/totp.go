// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package totp implements a time-based one-time password provider with
// one-shot backup codes. Enrollment state lives under "totp/user/<email>".
package totp

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/stacklok/authkit/pkg/crypto"
	"github.com/stacklok/authkit/pkg/logger"
	"github.com/stacklok/authkit/pkg/oauth"
	"github.com/stacklok/authkit/pkg/provider"
	"github.com/stacklok/authkit/pkg/storage"
)

const (
	defaultName            = "totp"
	defaultIssuer          = "authkit"
	defaultWindow          = 1
	defaultBackupCodeCount = 8
	stateTTL               = 10 * time.Minute
)

// Flow states rendered by the Request callback.
const (
	StateRegister = "register"
	StateSetup    = "setup"
	StateLogin    = "login"
	StateRecovery = "recovery"
)

// Recoverable flow errors handed to the Request callback.
var (
	ErrInvalidToken    = oauth.NewError(oauth.ErrorCodeInvalidCode, "incorrect or expired token")
	ErrNotEnrolled     = oauth.NewError(oauth.ErrorCodeInvalidGrant, "no authenticator enrolled for this email")
	ErrAlreadyEnrolled = oauth.NewError(oauth.ErrorCodeValidationError, "an authenticator is already enrolled for this email")
)

// State is handed to the Request callback. Secret, URL and BackupCodes are
// populated only for the setup state, immediately after enrollment starts.
type State struct {
	Type        string   `json:"type"`
	Email       string   `json:"email,omitempty"`
	Secret      string   `json:"secret,omitempty"`
	URL         string   `json:"url,omitempty"`
	BackupCodes []string `json:"backupCodes,omitempty"`
}

// record is the stored row at "totp/user/<email>".
type record struct {
	Secret      string   `json:"secret"`
	Enabled     bool     `json:"enabled"`
	BackupCodes []string `json:"backupCodes"`
	Label       string   `json:"label"`
}

// cookieState tracks the email across the enroll-then-verify hop.
type cookieState struct {
	Email string `json:"email"`
}

// Config configures the TOTP provider. Request is required.
type Config struct {
	// Name overrides the mount name, default "totp".
	Name string
	// Issuer is the otpauth:// issuer label, default "authkit".
	Issuer string
	// Window is the accepted clock skew in 30-second periods, default 1.
	Window int
	// BackupCodeCount is the number of one-shot recovery codes, default 8.
	BackupCodeCount int
	// Request renders the UI for the given flow state.
	Request func(r *http.Request, state State, err error) (*provider.Response, error)
}

// Provider implements provider.Provider.
type Provider struct {
	cfg Config
}

// New builds a TOTP provider, applying defaults.
func New(cfg Config) *Provider {
	if cfg.Name == "" {
		cfg.Name = defaultName
	}
	if cfg.Issuer == "" {
		cfg.Issuer = defaultIssuer
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.BackupCodeCount <= 0 {
		cfg.BackupCodeCount = defaultBackupCodeCount
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
		return errors.New("totp provider: Request callback is required")
	}

	r.Get("/register", p.renderHandler(pctx, StateRegister))
	r.Post("/register", func(w http.ResponseWriter, req *http.Request) {
		p.register(w, req, pctx)
	})
	r.Get("/authorize", p.renderHandler(pctx, StateLogin))
	r.Post("/authorize", func(w http.ResponseWriter, req *http.Request) {
		p.authorize(w, req, pctx)
	})
	r.Get("/recovery", p.renderHandler(pctx, StateRecovery))
	r.Post("/recovery", func(w http.ResponseWriter, req *http.Request) {
		p.recovery(w, req, pctx)
	})
	return nil
}

func (p *Provider) register(w http.ResponseWriter, r *http.Request, pctx *provider.Context) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form", http.StatusBadRequest)
		return
	}

	switch r.PostForm.Get("action") {
	case "request":
		email := normalizeEmail(r.PostForm.Get("email"))
		if email == "" {
			p.render(w, r, pctx, State{Type: StateRegister}, oauth.NewError(oauth.ErrorCodeValidationError, "email is required"))
			return
		}

		existing, found, err := storage.GetJSON[record](r.Context(), pctx.Storage(), userKey(email))
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if found && existing.Enabled {
			p.render(w, r, pctx, State{Type: StateRegister, Email: email}, ErrAlreadyEnrolled)
			return
		}

		key, err := totp.Generate(totp.GenerateOpts{Issuer: p.cfg.Issuer, AccountName: email})
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		backupCodes, err := generateBackupCodes(p.cfg.BackupCodeCount)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		rec := record{
			Secret:      key.Secret(),
			Enabled:     false,
			BackupCodes: backupCodes,
			Label:       fmt.Sprintf("%s:%s", p.cfg.Issuer, email),
		}
		if err := storage.SetJSON(r.Context(), pctx.Storage(), userKey(email), rec, 0); err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if err := pctx.Set(w, r, pctx.Name(), stateTTL, cookieState{Email: email}); err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		p.render(w, r, pctx, State{
			Type:        StateSetup,
			Email:       email,
			Secret:      key.Secret(),
			URL:         key.URL(),
			BackupCodes: backupCodes,
		}, nil)

	case "verify":
		var cs cookieState
		found, err := pctx.Get(w, r, pctx.Name(), &cs)
		if err != nil || !found {
			p.render(w, r, pctx, State{Type: StateRegister}, &oauth.UnknownStateError{})
			return
		}

		rec, ok, err := storage.GetJSON[record](r.Context(), pctx.Storage(), userKey(cs.Email))
		if err != nil || !ok {
			p.render(w, r, pctx, State{Type: StateRegister}, &oauth.UnknownStateError{})
			return
		}
		if !p.validToken(r.PostForm.Get("code"), rec.Secret) {
			p.render(w, r, pctx, State{Type: StateSetup, Email: cs.Email}, ErrInvalidToken)
			return
		}

		rec.Enabled = true
		if err := storage.SetJSON(r.Context(), pctx.Storage(), userKey(cs.Email), rec, 0); err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		pctx.Unset(w, r, pctx.Name())
		p.succeed(w, r, pctx, cs.Email)

	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
	}
}

func (p *Provider) authorize(w http.ResponseWriter, r *http.Request, pctx *provider.Context) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form", http.StatusBadRequest)
		return
	}
	email := normalizeEmail(r.PostForm.Get("email"))

	rec, found, err := storage.GetJSON[record](r.Context(), pctx.Storage(), userKey(email))
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !found || !rec.Enabled {
		p.render(w, r, pctx, State{Type: StateLogin, Email: email}, ErrNotEnrolled)
		return
	}
	if !p.validToken(r.PostForm.Get("code"), rec.Secret) {
		p.render(w, r, pctx, State{Type: StateLogin, Email: email}, ErrInvalidToken)
		return
	}

	p.succeed(w, r, pctx, email)
}

func (p *Provider) recovery(w http.ResponseWriter, r *http.Request, pctx *provider.Context) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form", http.StatusBadRequest)
		return
	}
	email := normalizeEmail(r.PostForm.Get("email"))
	code := strings.ToUpper(strings.TrimSpace(r.PostForm.Get("code")))

	rec, found, err := storage.GetJSON[record](r.Context(), pctx.Storage(), userKey(email))
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !found || !rec.Enabled {
		p.render(w, r, pctx, State{Type: StateRecovery, Email: email}, ErrNotEnrolled)
		return
	}

	// Compare against every stored code so timing doesn't reveal the
	// match position.
	match := -1
	for i, backup := range rec.BackupCodes {
		if crypto.TimingSafeEqual(code, backup) {
			match = i
		}
	}
	if match < 0 {
		p.render(w, r, pctx, State{Type: StateRecovery, Email: email}, ErrInvalidToken)
		return
	}

	// Backup codes are one-shot.
	rec.BackupCodes = append(rec.BackupCodes[:match], rec.BackupCodes[match+1:]...)
	if err := storage.SetJSON(r.Context(), pctx.Storage(), userKey(email), rec, 0); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	p.succeed(w, r, pctx, email)
}

func (p *Provider) validToken(code, secret string) bool {
	ok, err := totp.ValidateCustom(code, secret, time.Now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      uint(p.cfg.Window),
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

func (p *Provider) succeed(w http.ResponseWriter, r *http.Request, pctx *provider.Context, email string) {
	if err := pctx.Success(w, r, provider.Result{Claims: map[string]string{"email": email}}, nil); err != nil {
		logger.Errorf("totp provider: success callback failed: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (p *Provider) renderHandler(pctx *provider.Context, stateType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p.render(w, r, pctx, State{Type: stateType}, nil)
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

// backupCodeCharset omits ambiguous characters. Its length divides 256, so
// a plain modulo over random bytes stays uniform.
const backupCodeCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// generateBackupCodes produces n one-shot codes in XXXX-XXXX form.
func generateBackupCodes(n int) ([]string, error) {
	codes := make([]string, n)
	for i := range codes {
		raw := make([]byte, 8)
		if _, err := rand.Read(raw); err != nil {
			return nil, err
		}
		out := make([]byte, 9)
		for j, b := range raw {
			pos := j
			if j >= 4 {
				pos++
			}
			out[pos] = backupCodeCharset[int(b)%len(backupCodeCharset)]
		}
		out[4] = '-'
		codes[i] = string(out)
	}
	return codes, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func userKey(email string) storage.Key {
	return storage.MustKey("totp", "user", email)
}
