// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package client verifies tokens minted by an authkit issuer and drives
// the client half of the authorization-code and refresh flows. Discovery
// metadata and JWKS sets are cached process-wide.
package client

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

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/oauth2"

	"github.com/stacklok/authkit/pkg/crypto"
	"github.com/stacklok/authkit/pkg/oauth"
	"github.com/stacklok/authkit/pkg/subject"
)

// maxResponseBytes bounds token endpoint response bodies.
const maxResponseBytes = 1 << 20

// Config assembles a Client.
type Config struct {
	// ClientID identifies this client to the issuer and is the audience
	// expected in verified tokens.
	ClientID string
	// Issuer is the issuer's base URL.
	Issuer string
	// HTTPClient overrides the transport for discovery, JWKS, and token
	// requests.
	HTTPClient *http.Client
}

// Client talks to one issuer on behalf of one client ID.
type Client struct {
	clientID string
	issuer   string
	http     *http.Client
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("client: ClientID is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("client: Issuer is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		clientID: cfg.ClientID,
		issuer:   strings.TrimSuffix(cfg.Issuer, "/"),
		http:     httpClient,
	}, nil
}

// AuthorizeOptions tunes Authorize.
type AuthorizeOptions struct {
	// PKCE attaches an S256 code challenge; the verifier comes back in
	// the Challenge.
	PKCE bool
	// Provider preselects the authentication method.
	Provider string
	// Scope is the space-separated scope request.
	Scope string
	// Audience requests a specific token audience.
	Audience string
}

// Challenge is the per-flow secret material Authorize generates. Callers
// persist it (server-side session, typically) until the callback returns.
type Challenge struct {
	State    string
	Verifier string
}

// Tokens is a token pair as returned by the issuer.
type Tokens struct {
	Access    string
	Refresh   string
	ExpiresIn int64
}

// Authorize builds the issuer URL that starts an authorization flow.
func (c *Client) Authorize(ctx context.Context, redirectURI, responseType string, opts *AuthorizeOptions) (string, *Challenge, error) {
	meta, err := c.discover(ctx)
	if err != nil {
		return "", nil, err
	}

	state, err := crypto.Token(0)
	if err != nil {
		return "", nil, err
	}
	challenge := &Challenge{State: state}

	values := url.Values{}
	values.Set("response_type", responseType)
	values.Set("client_id", c.clientID)
	values.Set("redirect_uri", redirectURI)
	values.Set("state", state)
	if opts != nil {
		if opts.Provider != "" {
			values.Set("provider", opts.Provider)
		}
		if opts.Scope != "" {
			values.Set("scope", opts.Scope)
		}
		if opts.Audience != "" {
			values.Set("audience", opts.Audience)
		}
		if opts.PKCE {
			challenge.Verifier = oauth2.GenerateVerifier()
			values.Set("code_challenge", oauth2.S256ChallengeFromVerifier(challenge.Verifier))
			values.Set("code_challenge_method", crypto.PKCEMethodS256)
		}
	}
	return meta.AuthorizationEndpoint + "?" + values.Encode(), challenge, nil
}

// Exchange redeems an authorization code for tokens. Any failure is an
// InvalidAuthorizationCodeError.
func (c *Client) Exchange(ctx context.Context, code, redirectURI, verifier string) (*Tokens, error) {
	form := url.Values{}
	form.Set("grant_type", oauth.GrantTypeAuthorizationCode)
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("client_id", c.clientID)
	if verifier != "" {
		form.Set("code_verifier", verifier)
	}

	tokens, err := c.postToken(ctx, form)
	if err != nil {
		return nil, &InvalidAuthorizationCodeError{Err: err}
	}
	return tokens, nil
}

// RefreshOptions tunes Refresh.
type RefreshOptions struct {
	// Access short-circuits the rotation: when it still verifies, the
	// pair is returned unchanged and the refresh token stays unused.
	Access string
}

// Refresh rotates a refresh token. Any failure is an
// InvalidRefreshTokenError.
func (c *Client) Refresh(ctx context.Context, refreshToken string, opts *RefreshOptions) (*Tokens, error) {
	if opts != nil && opts.Access != "" {
		if _, err := c.verifyJWT(ctx, opts.Access); err == nil {
			return &Tokens{Access: opts.Access, Refresh: refreshToken}, nil
		}
	}

	form := url.Values{}
	form.Set("grant_type", oauth.GrantTypeRefreshToken)
	form.Set("refresh_token", refreshToken)

	tokens, err := c.postToken(ctx, form)
	if err != nil {
		return nil, &InvalidRefreshTokenError{Err: err}
	}
	return tokens, nil
}

// VerifyOptions tunes Verify.
type VerifyOptions struct {
	// Refresh enables transparent rotation when the access token has
	// expired; the result then carries the replacement pair.
	Refresh string
}

// VerifiedSubject is the principal a verified token embeds.
type VerifiedSubject struct {
	Type       string
	Properties map[string]any
	Subject    string
}

// VerifyResult is the outcome of a successful Verify.
type VerifyResult struct {
	Subject VerifiedSubject
	// Tokens is non-nil when verification transparently refreshed;
	// callers should persist the new pair.
	Tokens *Tokens
}

// Verify checks an access token against the issuer's JWKS and the given
// subject schemas. An expired token with a refresh option rotates and
// retries once.
func (c *Client) Verify(ctx context.Context, subjects subject.Schemas, token string, opts *VerifyOptions) (*VerifyResult, error) {
	claims, err := c.verifyJWT(ctx, token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) && opts != nil && opts.Refresh != "" {
			tokens, refreshErr := c.Refresh(ctx, opts.Refresh, nil)
			if refreshErr != nil {
				return nil, refreshErr
			}
			claims, err = c.verifyJWT(ctx, tokens.Access)
			if err != nil {
				return nil, &InvalidAccessTokenError{Err: err}
			}
			sub, subErr := subjectFromClaims(subjects, claims)
			if subErr != nil {
				return nil, subErr
			}
			return &VerifyResult{Subject: *sub, Tokens: tokens}, nil
		}
		return nil, &InvalidAccessTokenError{Err: err}
	}

	sub, err := subjectFromClaims(subjects, claims)
	if err != nil {
		return nil, err
	}
	return &VerifyResult{Subject: *sub}, nil
}

// verifyJWT checks the signature, issuer, audience, and mode of an access
// token and returns its claims.
func (c *Client) verifyJWT(ctx context.Context, token string) (jwt.MapClaims, error) {
	meta, err := c.discover(ctx)
	if err != nil {
		return nil, err
	}
	if meta.JWKSURI == "" {
		return nil, errors.New("issuer metadata has no jwks_uri")
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok {
			return nil, errors.New("token header missing kid")
		}
		set, err := c.jwksLookup(ctx, meta.JWKSURI)
		if err != nil {
			return nil, err
		}
		key, found := set.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key %s not found in issuer JWKS", kid)
		}
		var raw any
		if err := jwk.Export(key, &raw); err != nil {
			return nil, fmt.Errorf("failed to export JWK: %w", err)
		}
		return raw, nil
	},
		jwt.WithValidMethods([]string{"ES256"}),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.clientID),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("unexpected claims type")
	}
	if mode, _ := claims["mode"].(string); mode != "access" {
		return nil, fmt.Errorf("token mode %q is not an access token", claims["mode"])
	}
	return claims, nil
}

func subjectFromClaims(subjects subject.Schemas, claims jwt.MapClaims) (*VerifiedSubject, error) {
	typ, _ := claims["type"].(string)
	props, _ := claims["properties"].(map[string]any)
	raw, err := json.Marshal(props)
	if err != nil {
		return nil, &InvalidSubjectError{Err: err}
	}
	if err := subjects.Validate(typ, raw); err != nil {
		return nil, &InvalidSubjectError{Err: err}
	}
	sub, _ := claims["sub"].(string)
	return &VerifiedSubject{Type: typ, Properties: props, Subject: sub}, nil
}

// postToken submits a form to the discovered token endpoint and decodes
// the response.
func (c *Client) postToken(ctx context.Context, form url.Values) (*Tokens, error) {
	meta, err := c.discover(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, meta.TokenEndpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var oe oauth.Error
		if jsonErr := json.Unmarshal(body, &oe); jsonErr == nil && oe.Code != "" {
			return nil, &oe
		}
		return nil, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var tr oauth.TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("malformed token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, errors.New("token response has no access_token")
	}
	return &Tokens{
		Access:    tr.AccessToken,
		Refresh:   tr.RefreshToken,
		ExpiresIn: tr.ExpiresIn,
	}, nil
}
