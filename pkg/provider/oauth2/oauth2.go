// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oauth2 implements a generic upstream OAuth 2.0 provider: it sends
// the user-agent to a third-party authorization endpoint and completes the
// flow at its own callback, optionally verifying a returned id_token
// against the upstream JWKS.
package oauth2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/oauth2"

	"github.com/stacklok/authkit/pkg/crypto"
	"github.com/stacklok/authkit/pkg/logger"
	"github.com/stacklok/authkit/pkg/networking"
	"github.com/stacklok/authkit/pkg/oauth"
	"github.com/stacklok/authkit/pkg/provider"
)

const stateTTL = 10 * time.Minute

// cookieState is the scratch state parked in the provider cookie between
// the outbound redirect and the callback.
type cookieState struct {
	State        string `json:"state"`
	Redirect     string `json:"redirect"`
	CodeVerifier string `json:"codeVerifier,omitempty"`
}

// Config configures an upstream OAuth 2.0 provider. Name, ClientID, and
// both endpoints are required.
type Config struct {
	// Name is the mount name, e.g. "github".
	Name string
	// ClientID and ClientSecret identify us to the upstream provider.
	ClientID     string
	ClientSecret string
	// AuthorizationEndpoint and TokenEndpoint are the upstream URLs.
	AuthorizationEndpoint string
	TokenEndpoint         string
	// JWKSEndpoint, when set, enables id_token verification.
	JWKSEndpoint string
	// Scopes are requested space-joined on the outbound redirect.
	Scopes []string
	// PKCE attaches an S256 challenge to the outbound redirect.
	PKCE bool
	// Query adds extra query parameters to the outbound redirect.
	Query map[string]string
	// HTTPClient overrides the client used for the token exchange and
	// JWKS fetch.
	HTTPClient *http.Client
}

// Provider implements provider.Provider.
type Provider struct {
	cfg Config
}

// New builds an upstream OAuth 2.0 provider.
func New(cfg Config) *Provider {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Provider{cfg: cfg}
}

// Name implements provider.Provider.
func (p *Provider) Name() string {
	return p.cfg.Name
}

// Init implements provider.Provider.
func (p *Provider) Init(r chi.Router, pctx *provider.Context) error {
	switch {
	case p.cfg.Name == "":
		return errors.New("oauth2 provider: Name is required")
	case p.cfg.ClientID == "":
		return errors.New("oauth2 provider: ClientID is required")
	case p.cfg.AuthorizationEndpoint == "" || p.cfg.TokenEndpoint == "":
		return errors.New("oauth2 provider: authorization and token endpoints are required")
	}

	r.Get("/authorize", func(w http.ResponseWriter, req *http.Request) {
		p.authorize(w, req, pctx)
	})
	callback := func(w http.ResponseWriter, req *http.Request) {
		p.callback(w, req, pctx)
	}
	r.Get("/callback", callback)
	r.Post("/callback", callback)
	return nil
}

func (p *Provider) authorize(w http.ResponseWriter, r *http.Request, pctx *provider.Context) {
	state, err := crypto.Token(crypto.DefaultTokenBytes)
	if err != nil {
		writeError(w, oauth.NewError(oauth.ErrorCodeServerError, "failed to generate state"))
		return
	}

	redirect := networking.Origin(r) + strings.TrimSuffix(r.URL.Path, "/authorize") + "/callback"
	cs := cookieState{State: state, Redirect: redirect}

	q := url.Values{
		"client_id":     {p.cfg.ClientID},
		"redirect_uri":  {redirect},
		"response_type": {"code"},
		"state":         {state},
	}
	if len(p.cfg.Scopes) > 0 {
		q.Set("scope", strings.Join(p.cfg.Scopes, " "))
	}
	if p.cfg.PKCE {
		verifier := oauth2.GenerateVerifier()
		cs.CodeVerifier = verifier
		q.Set("code_challenge", oauth2.S256ChallengeFromVerifier(verifier))
		q.Set("code_challenge_method", crypto.PKCEMethodS256)
	}
	for key, value := range p.cfg.Query {
		q.Set(key, value)
	}

	if err := pctx.Set(w, r, pctx.Name(), stateTTL, cs); err != nil {
		writeError(w, oauth.NewError(oauth.ErrorCodeServerError, "failed to persist state"))
		return
	}
	http.Redirect(w, r, p.cfg.AuthorizationEndpoint+"?"+q.Encode(), http.StatusFound)
}

func (p *Provider) callback(w http.ResponseWriter, r *http.Request, pctx *provider.Context) {
	var cs cookieState
	found, err := pctx.Get(w, r, pctx.Name(), &cs)
	if err != nil || !found {
		writeError(w, oauth.NewError(oauth.ErrorCodeInvalidRequest, "authorization flow not in progress"))
		return
	}
	pctx.Unset(w, r, pctx.Name())

	query := r.URL.Query()
	if upstreamErr := query.Get("error"); upstreamErr != "" {
		writeError(w, oauth.NewError(upstreamErr, query.Get("error_description")))
		return
	}
	if !crypto.TimingSafeEqual(query.Get("state"), cs.State) {
		writeError(w, oauth.NewError(oauth.ErrorCodeInvalidRequest, "state mismatch"))
		return
	}

	tokens, raw, err := p.exchange(r.Context(), query.Get("code"), cs)
	if err != nil {
		logger.Errorw("upstream token exchange failed", "provider", p.cfg.Name, "error", err)
		writeError(w, oauth.AsError(err))
		return
	}

	if idToken, ok := raw["id_token"].(string); ok && p.cfg.JWKSEndpoint != "" {
		if err := p.verifyIDToken(r.Context(), idToken); err != nil {
			logger.Errorw("id_token verification failed", "provider", p.cfg.Name, "error", err)
			writeError(w, oauth.NewError(oauth.ErrorCodeServerError, "id_token verification failed"))
			return
		}
	}

	res := provider.Result{ClientID: p.cfg.ClientID, Tokenset: tokens}
	if err := pctx.Success(w, r, res, nil); err != nil {
		logger.Errorf("oauth2 provider: success callback failed: %v", err)
		writeError(w, oauth.AsError(err))
	}
}

// exchange posts the authorization code to the upstream token endpoint and
// returns both the parsed tokenset and the raw response body.
func (p *Provider) exchange(ctx context.Context, code string, cs cookieState) (*provider.Tokenset, map[string]any, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {cs.Redirect},
		"client_id":    {p.cfg.ClientID},
	}
	if p.cfg.ClientSecret != "" {
		form.Set("client_secret", p.cfg.ClientSecret)
	}
	if cs.CodeVerifier != "" {
		form.Set("code_verifier", cs.CodeVerifier)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("token endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, nil, oauth.Errorf(oauth.ErrorCodeServerError, "token endpoint returned malformed JSON")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, oauth.Errorf(oauth.ErrorCodeServerError, "token endpoint returned status %d", resp.StatusCode)
	}
	if upstreamErr, ok := raw["error"].(string); ok && upstreamErr != "" {
		return nil, nil, oauth.Errorf(oauth.ErrorCodeServerError, "token endpoint returned error %q", upstreamErr)
	}

	access, _ := raw["access_token"].(string)
	refresh, _ := raw["refresh_token"].(string)
	tokens := &provider.Tokenset{Access: access, Refresh: refresh, Raw: raw}
	if expiresIn, ok := raw["expires_in"].(float64); ok {
		tokens.Expiry = time.Now().Unix() + int64(expiresIn)
	}
	return tokens, raw, nil
}

// verifyIDToken checks the id_token signature against the upstream JWKS
// and its issuer against the authorization endpoint's origin.
func (p *Provider) verifyIDToken(ctx context.Context, idToken string) error {
	set, err := jwk.Fetch(ctx, p.cfg.JWKSEndpoint, jwk.WithHTTPClient(p.cfg.HTTPClient))
	if err != nil {
		return fmt.Errorf("failed to fetch upstream JWKS: %w", err)
	}

	_, err = jwt.Parse(idToken, func(tok *jwt.Token) (any, error) {
		kid, _ := tok.Header["kid"].(string)
		key, found := set.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("no JWK with kid %q", kid)
		}
		var raw any
		if err := jwk.Export(key, &raw); err != nil {
			return nil, err
		}
		return raw, nil
	},
		jwt.WithValidMethods([]string{"RS256", "ES256"}),
		jwt.WithIssuer(issuerOrigin(p.cfg.AuthorizationEndpoint)),
	)
	return err
}

// issuerOrigin keeps the first three slash-separated segments of the
// authorization endpoint, i.e. its scheme and host.
func issuerOrigin(endpoint string) string {
	parts := strings.SplitN(endpoint, "/", 4)
	if len(parts) < 3 {
		return endpoint
	}
	return strings.Join(parts[:3], "/")
}

func writeError(w http.ResponseWriter, oe *oauth.Error) {
	w.Header().Set("Content-Type", "application/json")
	status := http.StatusBadRequest
	if oe.Code == oauth.ErrorCodeServerError {
		status = http.StatusInternalServerError
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             oe.Code,
		"error_description": oe.Description,
	})
}
