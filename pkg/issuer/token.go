// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package issuer

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stacklok/authkit/pkg/crypto"
	"github.com/stacklok/authkit/pkg/logger"
	"github.com/stacklok/authkit/pkg/oauth"
	"github.com/stacklok/authkit/pkg/storage"
)

// mintRequest gathers everything a token pair embeds.
type mintRequest struct {
	Type       string
	Properties map[string]any
	Subject    string
	ClientID   string
	Scopes     []string
	TTL        *TokenTTL
}

// mintResult is a freshly minted token pair.
type mintResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
}

// handleToken is the POST /token endpoint.
func (i *Issuer) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeTokenError(w, oauth.Errorf(oauth.ErrorCodeInvalidRequest, "malformed form body: %v", err))
		return
	}

	switch grant := r.PostFormValue("grant_type"); grant {
	case oauth.GrantTypeAuthorizationCode:
		i.handleCodeGrant(w, r)
	case oauth.GrantTypeRefreshToken:
		i.handleRefreshGrant(w, r)
	default:
		writeTokenError(w, oauth.Errorf(oauth.ErrorCodeUnsupportedGrant, "unsupported grant_type %q", grant))
	}
}

// handleCodeGrant exchanges an authorization code for a token pair. The
// code is consumed atomically, so a concurrent exchange of the same code
// sees invalid_grant.
func (i *Issuer) handleCodeGrant(w http.ResponseWriter, r *http.Request) {
	code := r.PostFormValue("code")
	if code == "" {
		writeTokenError(w, (&oauth.MissingParameterError{Parameter: "code"}).OAuth())
		return
	}

	payload, ok, err := storage.TakeJSON[CodePayload](r.Context(), i.store, storage.MustKey("oauth:code", code))
	if err != nil {
		writeTokenError(w, oauth.AsError(err))
		return
	}
	if !ok {
		writeTokenError(w, oauth.NewError(oauth.ErrorCodeInvalidGrant, "authorization code is invalid, expired, or already used"))
		return
	}

	if r.PostFormValue("redirect_uri") != payload.RedirectURI {
		writeTokenError(w, oauth.NewError(oauth.ErrorCodeInvalidRedirectURI, "redirect_uri does not match the authorization request"))
		return
	}
	if r.PostFormValue("client_id") != payload.ClientID {
		writeTokenError(w, oauth.NewError(oauth.ErrorCodeUnauthorizedClient, "client_id does not match the authorization request"))
		return
	}
	if payload.PKCE != nil {
		verifier := r.PostFormValue("code_verifier")
		if !crypto.ValidatePKCE(verifier, payload.PKCE.Challenge, payload.PKCE.Method) {
			writeTokenError(w, oauth.NewError(oauth.ErrorCodeInvalidGrant, "code_verifier does not match the code_challenge"))
			return
		}
	}

	minted, err := i.mint(r, mintRequest{
		Type:       payload.Type,
		Properties: payload.Properties,
		Subject:    payload.Subject,
		ClientID:   payload.ClientID,
		Scopes:     payload.Scopes,
		TTL:        payload.TTL,
	})
	if err != nil {
		writeTokenError(w, oauth.AsError(err))
		return
	}
	writeJSON(w, http.StatusOK, oauth.TokenResponse{
		AccessToken:  minted.AccessToken,
		RefreshToken: minted.RefreshToken,
		TokenType:    oauth.TokenType,
		ExpiresIn:    minted.ExpiresIn,
	})
}

// handleRefreshGrant rotates a refresh token. Rotation either mints a new
// pair (first use) or replays the pair the first rotation minted (retry
// inside the reuse window); use past the window is treated as token theft
// and tears down every refresh token of the subject.
func (i *Issuer) handleRefreshGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	wire := r.PostFormValue("refresh_token")
	if wire == "" {
		writeTokenError(w, (&oauth.MissingParameterError{Parameter: "refresh_token"}).OAuth())
		return
	}
	idx := strings.LastIndex(wire, ":")
	if idx <= 0 || idx == len(wire)-1 {
		writeTokenError(w, oauth.NewError(oauth.ErrorCodeInvalidGrant, "malformed refresh token"))
		return
	}
	subjectID, opaque := wire[:idx], wire[idx+1:]

	revoked, err := i.revoked.IsRevoked(ctx, wire)
	if err != nil {
		writeTokenError(w, oauth.AsError(err))
		return
	}
	if revoked {
		writeTokenError(w, oauth.NewError(oauth.ErrorCodeInvalidGrant, "refresh token has been revoked"))
		return
	}

	rowKey := storage.MustKey("oauth:refresh", subjectID, opaque)
	payload, ok, err := storage.GetJSON[RefreshPayload](ctx, i.store, rowKey)
	if err != nil {
		writeTokenError(w, oauth.AsError(err))
		return
	}
	if !ok {
		writeTokenError(w, oauth.NewError(oauth.ErrorCodeInvalidGrant, "refresh token is invalid or expired"))
		return
	}

	if i.cfg.Refresh != nil {
		update, err := i.cfg.Refresh(ctx, *payload)
		if err != nil {
			writeTokenError(w, &oauth.Error{Code: oauth.ErrorCodeServerError, Description: err.Error()})
			return
		}
		if update == nil {
			// The host no longer recognizes this subject.
			if err := i.invalidateSubject(ctx, subjectID); err != nil {
				logger.Errorf("failed to invalidate subject %s: %v", subjectID, err)
			}
			writeTokenError(w, oauth.NewError(oauth.ErrorCodeInvalidGrant, "subject is no longer valid"))
			return
		}
		applyRefreshUpdate(payload, update)
	}

	reuse := i.cfg.TTL.reuse()
	now := i.now()

	if payload.TimeUsed != nil {
		if now.UnixMilli() > *payload.TimeUsed+reuse.Milliseconds() {
			// Reuse past the window means a second party holds this
			// token. Burn everything the subject has.
			if err := i.invalidateSubject(ctx, subjectID); err != nil {
				logger.Errorf("failed to invalidate subject %s: %v", subjectID, err)
			}
			writeTokenError(w, oauth.NewError(oauth.ErrorCodeInvalidGrant, "refresh token reuse detected"))
			return
		}
		// Retry inside the window: replay the tuple the first rotation
		// produced.
		writeJSON(w, http.StatusOK, oauth.TokenResponse{
			AccessToken:  payload.AccessToken,
			RefreshToken: payload.Subject + ":" + payload.NextToken,
			TokenType:    oauth.TokenType,
			ExpiresIn:    int64(i.cfg.TTL.access().Seconds()),
		})
		return
	}

	// First rotation: mint the successor pair. The successor's opaque half
	// was reserved when this row was written, so concurrent rotations of
	// the same token converge on one answer.
	access, err := i.mintAccess(r, mintRequest{
		Type:       payload.Type,
		Properties: payload.Properties,
		Subject:    payload.Subject,
		ClientID:   payload.ClientID,
		Scopes:     payload.Scopes,
	})
	if err != nil {
		writeTokenError(w, oauth.AsError(err))
		return
	}
	next, err := i.issueRefresh(ctx, mintRequest{
		Type:       payload.Type,
		Properties: payload.Properties,
		Subject:    payload.Subject,
		ClientID:   payload.ClientID,
		Scopes:     payload.Scopes,
	}, payload.NextToken)
	if err != nil {
		writeTokenError(w, oauth.AsError(err))
		return
	}

	if reuse <= 0 {
		// Strict single use.
		if err := i.store.Remove(ctx, rowKey); err != nil {
			writeTokenError(w, oauth.AsError(err))
			return
		}
	} else {
		stub := *payload
		used := now.UnixMilli()
		stub.TimeUsed = &used
		stub.AccessToken = access
		// The stub must outlive the reuse window, or a late reuse would
		// read as an unknown token instead of theft.
		if err := storage.SetJSON(ctx, i.store, rowKey, stub, reuse+i.cfg.TTL.retention()); err != nil {
			writeTokenError(w, oauth.AsError(err))
			return
		}
	}

	writeJSON(w, http.StatusOK, oauth.TokenResponse{
		AccessToken:  access,
		RefreshToken: next,
		TokenType:    oauth.TokenType,
		ExpiresIn:    int64(i.cfg.TTL.access().Seconds()),
	})
}

func applyRefreshUpdate(payload *RefreshPayload, update *RefreshUpdate) {
	if update.Type != "" {
		payload.Type = update.Type
	}
	if update.Properties != nil {
		payload.Properties = update.Properties
	}
	if update.Subject != "" {
		payload.Subject = update.Subject
	}
	if update.Scopes != nil {
		payload.Scopes = update.Scopes
	}
}

// mint creates a full token pair: a signed access JWT plus an opaque
// refresh token with its payload row.
func (i *Issuer) mint(r *http.Request, req mintRequest) (*mintResult, error) {
	access, err := i.mintAccess(r, req)
	if err != nil {
		return nil, err
	}
	opaque, err := crypto.Token(0)
	if err != nil {
		return nil, err
	}
	refresh, err := i.issueRefresh(r.Context(), req, opaque)
	if err != nil {
		return nil, err
	}
	return &mintResult{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(i.accessTTL(req.TTL).Seconds()),
	}, nil
}

// mintAccess signs the access JWT with the current ES256 key.
func (i *Issuer) mintAccess(r *http.Request, req mintRequest) (string, error) {
	aud := strings.TrimSpace(req.ClientID)
	if aud == "" {
		return "", oauth.NewError(oauth.ErrorCodeServerError, "cannot mint a token without a client_id audience")
	}

	key, err := i.keys.SigningKey(r.Context())
	if err != nil {
		return "", err
	}

	iat := i.now().UTC()
	claims := jwt.MapClaims{
		"mode":       "access",
		"type":       req.Type,
		"properties": req.Properties,
		"sub":        req.Subject,
		"aud":        aud,
		"iss":        i.issuerURL(r),
		"iat":        iat.Unix(),
		"exp":        iat.Add(i.accessTTL(req.TTL)).Unix(),
	}
	if len(req.Scopes) > 0 {
		claims["scope"] = strings.Join(req.Scopes, " ")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = key.ID
	signed, err := token.SignedString(key.Private)
	if err != nil {
		return "", oauth.Errorf(oauth.ErrorCodeServerError, "failed to sign access token: %v", err)
	}
	return signed, nil
}

// issueRefresh persists a refresh payload under the given opaque token,
// reserving the next opaque token up front, and returns the wire form.
func (i *Issuer) issueRefresh(ctx context.Context, req mintRequest, opaque string) (string, error) {
	next, err := crypto.Token(0)
	if err != nil {
		return "", err
	}
	payload := RefreshPayload{
		Type:       req.Type,
		Properties: req.Properties,
		ClientID:   req.ClientID,
		Subject:    req.Subject,
		Scopes:     req.Scopes,
		TTL:        req.TTL,
		NextToken:  next,
	}
	key := storage.MustKey("oauth:refresh", req.Subject, opaque)
	if err := storage.SetJSON(ctx, i.store, key, payload, i.refreshTTL(req.TTL)); err != nil {
		return "", err
	}
	return req.Subject + ":" + opaque, nil
}

func (i *Issuer) accessTTL(override *TokenTTL) time.Duration {
	if override != nil && override.Access > 0 {
		return override.Access
	}
	return i.cfg.TTL.access()
}

func (i *Issuer) refreshTTL(override *TokenTTL) time.Duration {
	if override != nil && override.Refresh > 0 {
		return override.Refresh
	}
	return i.cfg.TTL.refresh()
}

// writeTokenError emits the standard JSON error pair; only server_error
// maps to a 500.
func writeTokenError(w http.ResponseWriter, oe *oauth.Error) {
	status := http.StatusBadRequest
	if oe.Code == oauth.ErrorCodeServerError {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, oe)
}
