// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package passkey implements a WebAuthn provider. Registration and
// authentication ceremonies run as JSON endpoints driven by a browser's
// navigator.credentials calls; credentials and in-flight challenges live in
// storage under "passkey/user/...".
package passkey

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/stacklok/authkit/pkg/crypto"
	"github.com/stacklok/authkit/pkg/logger"
	"github.com/stacklok/authkit/pkg/networking"
	"github.com/stacklok/authkit/pkg/provider"
	"github.com/stacklok/authkit/pkg/storage"
)

const (
	defaultName = "passkey"
	optionsTTL  = 5 * time.Minute
)

// Config configures the passkey provider. All relying-party fields are
// optional; when unset they are derived from the incoming request so the
// provider works behind any hostname it is served from.
type Config struct {
	// Name overrides the mount name, default "passkey".
	Name string
	// RPDisplayName is shown by authenticator UIs, default "authkit".
	RPDisplayName string
	// RPID pins the relying-party ID. Default: the request hostname.
	RPID string
	// RPOrigins pins the allowed origins. Default: the request origin.
	RPOrigins []string
}

// user is the stored account row at "passkey/user/<id>".
type user struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// credentialRecord is the stored form of one passkey, at
// "passkey/user/<id>/credential/<credId>/passkey".
type credentialRecord struct {
	ID             string   `json:"id"`
	PublicKey      string   `json:"publicKey"`
	Counter        uint32   `json:"counter"`
	Transports     []string `json:"transports,omitempty"`
	DeviceType     string   `json:"deviceType,omitempty"`
	BackedUp       bool     `json:"backedUp"`
	WebAuthnUserID string   `json:"webauthnUserID"`
}

// Provider implements provider.Provider.
type Provider struct {
	cfg Config
}

// New builds a passkey provider, applying defaults.
func New(cfg Config) *Provider {
	if cfg.Name == "" {
		cfg.Name = defaultName
	}
	if cfg.RPDisplayName == "" {
		cfg.RPDisplayName = "authkit"
	}
	return &Provider{cfg: cfg}
}

// Name implements provider.Provider.
func (p *Provider) Name() string {
	return p.cfg.Name
}

// Init implements provider.Provider.
func (p *Provider) Init(r chi.Router, pctx *provider.Context) error {
	r.Get("/register-request", func(w http.ResponseWriter, req *http.Request) {
		p.registerRequest(w, req, pctx)
	})
	r.Post("/register-verify", func(w http.ResponseWriter, req *http.Request) {
		p.registerVerify(w, req, pctx)
	})
	r.Get("/authenticate-options", func(w http.ResponseWriter, req *http.Request) {
		p.authenticateOptions(w, req, pctx)
	})
	r.Post("/authenticate-verify", func(w http.ResponseWriter, req *http.Request) {
		p.authenticateVerify(w, req, pctx)
	})
	return nil
}

// relyingParty builds the WebAuthn handle for this request, deriving the
// RP ID and origin from the request unless pinned in config.
func (p *Provider) relyingParty(r *http.Request) (*webauthn.WebAuthn, error) {
	rpID := p.cfg.RPID
	if rpID == "" {
		rpID = networking.RequestHostname(r)
	}
	origins := p.cfg.RPOrigins
	if len(origins) == 0 {
		origins = []string{networking.Origin(r)}
	}
	return webauthn.New(&webauthn.Config{
		RPDisplayName: p.cfg.RPDisplayName,
		RPID:          rpID,
		RPOrigins:     origins,
	})
}

func (p *Provider) registerRequest(w http.ResponseWriter, r *http.Request, pctx *provider.Context) {
	username := normalizeUsername(r.URL.Query().Get("username"))
	if username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}
	rp, err := p.relyingParty(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "relying party misconfigured")
		return
	}

	u, err := p.loadUser(r, pctx, username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	options, session, err := rp.BeginRegistration(u)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to begin registration")
		return
	}

	ctx := r.Context()
	store := pctx.Storage()
	if err := storage.SetJSON(ctx, store, userKey(u.id), user{ID: u.id, Username: u.username}, 0); err != nil {
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	if err := storage.SetJSON(ctx, store, optionsKey(u.id), session, optionsTTL); err != nil {
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	writeJSON(w, options)
}

func (p *Provider) registerVerify(w http.ResponseWriter, r *http.Request, pctx *provider.Context) {
	username := normalizeUsername(r.URL.Query().Get("username"))
	if username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}
	rp, err := p.relyingParty(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "relying party misconfigured")
		return
	}

	u, err := p.loadUser(r, pctx, username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	ctx := r.Context()
	store := pctx.Storage()
	session, found, err := storage.TakeJSON[webauthn.SessionData](ctx, store, optionsKey(u.id))
	if err != nil || !found {
		writeError(w, http.StatusBadRequest, "no registration in progress")
		return
	}

	credential, err := rp.FinishRegistration(u, *session, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "registration verification failed")
		return
	}

	rec := recordFromCredential(credential, u.id)
	if err := storage.SetJSON(ctx, store, credentialKey(u.id, rec.ID), rec, 0); err != nil {
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	ids := append(u.credentialIDs, rec.ID)
	if err := storage.SetJSON(ctx, store, passkeysKey(u.id), ids, 0); err != nil {
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	p.succeed(w, r, pctx, u)
}

func (p *Provider) authenticateOptions(w http.ResponseWriter, r *http.Request, pctx *provider.Context) {
	username := normalizeUsername(r.URL.Query().Get("username"))
	if username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}
	rp, err := p.relyingParty(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "relying party misconfigured")
		return
	}

	u, err := p.loadUser(r, pctx, username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	if len(u.credentials) == 0 {
		writeError(w, http.StatusNotFound, "no passkeys registered")
		return
	}

	options, session, err := rp.BeginLogin(u)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to begin authentication")
		return
	}
	if err := storage.SetJSON(r.Context(), pctx.Storage(), optionsKey(u.id), session, optionsTTL); err != nil {
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	writeJSON(w, options)
}

func (p *Provider) authenticateVerify(w http.ResponseWriter, r *http.Request, pctx *provider.Context) {
	username := normalizeUsername(r.URL.Query().Get("username"))
	if username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}
	rp, err := p.relyingParty(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "relying party misconfigured")
		return
	}

	u, err := p.loadUser(r, pctx, username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	ctx := r.Context()
	store := pctx.Storage()
	session, found, err := storage.TakeJSON[webauthn.SessionData](ctx, store, optionsKey(u.id))
	if err != nil || !found {
		writeError(w, http.StatusBadRequest, "no authentication in progress")
		return
	}

	credential, err := rp.FinishLogin(u, *session, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "authentication verification failed")
		return
	}

	// Persist the bumped signature counter for clone detection.
	rec := recordFromCredential(credential, u.id)
	if err := storage.SetJSON(ctx, store, credentialKey(u.id, rec.ID), rec, 0); err != nil {
		logger.Warnf("passkey provider: failed to update sign counter for %s: %v", rec.ID, err)
	}

	p.succeed(w, r, pctx, u)
}

func (p *Provider) succeed(w http.ResponseWriter, r *http.Request, pctx *provider.Context, u *waUser) {
	claims := map[string]string{"username": u.username, "userID": u.id}
	if err := pctx.Success(w, r, provider.Result{Claims: claims}, nil); err != nil {
		logger.Errorf("passkey provider: success callback failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// loadUser assembles the webauthn.User view for username, including every
// stored credential. Unknown usernames yield a user with no credentials.
func (p *Provider) loadUser(r *http.Request, pctx *provider.Context, username string) (*waUser, error) {
	id := deriveUserID(username)
	u := &waUser{id: id, username: username}

	ctx := r.Context()
	store := pctx.Storage()
	ids, found, err := storage.GetJSON[[]string](ctx, store, passkeysKey(id))
	if err != nil {
		return nil, err
	}
	if !found {
		return u, nil
	}

	for _, credID := range *ids {
		rec, ok, err := storage.GetJSON[credentialRecord](ctx, store, credentialKey(id, credID))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		cred, err := rec.credential()
		if err != nil {
			continue
		}
		u.credentialIDs = append(u.credentialIDs, credID)
		u.credentials = append(u.credentials, cred)
	}
	return u, nil
}

// waUser adapts stored rows to the webauthn.User interface.
type waUser struct {
	id            string
	username      string
	credentialIDs []string
	credentials   []webauthn.Credential
}

func (u *waUser) WebAuthnID() []byte                         { return []byte(u.id) }
func (u *waUser) WebAuthnName() string                       { return u.username }
func (u *waUser) WebAuthnDisplayName() string                { return u.username }
func (u *waUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

func recordFromCredential(cred *webauthn.Credential, userID string) credentialRecord {
	transports := make([]string, 0, len(cred.Transport))
	for _, t := range cred.Transport {
		transports = append(transports, string(t))
	}
	deviceType := "singleDevice"
	if cred.Flags.BackupEligible {
		deviceType = "multiDevice"
	}
	return credentialRecord{
		ID:             base64.RawURLEncoding.EncodeToString(cred.ID),
		PublicKey:      base64.RawURLEncoding.EncodeToString(cred.PublicKey),
		Counter:        cred.Authenticator.SignCount,
		Transports:     transports,
		DeviceType:     deviceType,
		BackedUp:       cred.Flags.BackupState,
		WebAuthnUserID: userID,
	}
}

func (rec credentialRecord) credential() (webauthn.Credential, error) {
	id, err := base64.RawURLEncoding.DecodeString(rec.ID)
	if err != nil {
		return webauthn.Credential{}, err
	}
	publicKey, err := base64.RawURLEncoding.DecodeString(rec.PublicKey)
	if err != nil {
		return webauthn.Credential{}, err
	}
	transports := make([]protocol.AuthenticatorTransport, 0, len(rec.Transports))
	for _, t := range rec.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(t))
	}
	return webauthn.Credential{
		ID:        id,
		PublicKey: publicKey,
		Transport: transports,
		Flags: webauthn.CredentialFlags{
			BackupEligible: rec.DeviceType == "multiDevice",
			BackupState:    rec.BackedUp,
		},
		Authenticator: webauthn.Authenticator{
			SignCount: rec.Counter,
		},
	}, nil
}

// deriveUserID maps a username onto a stable opaque identifier so no
// username-to-id index is needed.
func deriveUserID(username string) string {
	return crypto.SHA256Hex(username)[:16]
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func userKey(id string) storage.Key {
	return storage.MustKey("passkey", "user", id)
}

func credentialKey(id, credID string) storage.Key {
	return storage.MustKey("passkey", "user", id, "credential", credID, "passkey")
}

func passkeysKey(id string) storage.Key {
	return storage.MustKey("passkey", "user", id, "passkeys")
}

func optionsKey(id string) storage.Key {
	return storage.MustKey("passkey", "user", id, "options")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnf("passkey provider: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

var _ webauthn.User = (*waUser)(nil)
