// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package issuer

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/stacklok/authkit/pkg/crypto"
	"github.com/stacklok/authkit/pkg/oauth"
	"github.com/stacklok/authkit/pkg/provider"
	"github.com/stacklok/authkit/pkg/storage"
)

// completeFlow is the success hook handed to every provider. It turns an
// authenticated provider result into an authorization code or, for the
// token response type, tokens delivered in the redirect fragment. All
// failure modes are rendered here; the returned error is always nil so
// providers never double-write a response.
func (i *Issuer) completeFlow(w http.ResponseWriter, r *http.Request, res provider.Result, opts *provider.SuccessOptions) error {
	var state AuthorizationState
	found, err := i.sessions.Get(w, r, authorizationCookie, &state)
	if err != nil {
		i.redirectError(w, r, nil, err)
		return nil
	}
	if !found {
		i.renderFlowError(w, r, &oauth.UnknownStateError{})
		return nil
	}

	sub, err := i.cfg.Success(r.Context(), res)
	if err != nil {
		i.redirectError(w, r, &state, err)
		return nil
	}
	subjectID, err := i.resolveSubject(sub)
	if err != nil {
		i.redirectError(w, r, &state, err)
		return nil
	}

	if opts != nil && opts.Invalidate != nil {
		if err := opts.Invalidate(r.Context(), subjectID); err != nil {
			i.redirectError(w, r, &state, err)
			return nil
		}
	}

	i.sessions.Unset(w, r, authorizationCookie)
	i.plugins.OnSuccess(r.Context(), r)

	if state.ResponseType == oauth.ResponseTypeToken {
		i.completeTokenFlow(w, r, &state, sub, subjectID)
		return nil
	}
	i.completeCodeFlow(w, r, &state, sub, subjectID)
	return nil
}

// completeCodeFlow parks the subject behind a short-lived opaque code and
// sends the user-agent back to the client.
func (i *Issuer) completeCodeFlow(w http.ResponseWriter, r *http.Request, state *AuthorizationState, sub *Subject, subjectID string) {
	code, err := crypto.Token(0)
	if err != nil {
		i.redirectError(w, r, state, err)
		return
	}
	payload := CodePayload{
		Type:        sub.Type,
		Properties:  sub.Properties,
		Subject:     subjectID,
		RedirectURI: state.RedirectURI,
		ClientID:    state.ClientID,
		Scopes:      splitScope(state.Scope),
		PKCE:        state.PKCE,
		TTL:         sub.TTL,
	}
	key := storage.MustKey("oauth:code", code)
	if err := storage.SetJSON(r.Context(), i.store, key, payload, codeTTL); err != nil {
		i.redirectError(w, r, state, err)
		return
	}

	target, err := url.Parse(state.RedirectURI)
	if err != nil {
		i.redirectError(w, r, state, err)
		return
	}
	values := target.Query()
	values.Set("code", code)
	if state.State != "" {
		values.Set("state", state.State)
	}
	target.RawQuery = values.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// completeTokenFlow mints tokens immediately and returns the access token
// in the redirect fragment, keeping it out of server logs along the way.
func (i *Issuer) completeTokenFlow(w http.ResponseWriter, r *http.Request, state *AuthorizationState, sub *Subject, subjectID string) {
	minted, err := i.mint(r, mintRequest{
		Type:       sub.Type,
		Properties: sub.Properties,
		Subject:    subjectID,
		ClientID:   state.ClientID,
		Scopes:     splitScope(state.Scope),
		TTL:        sub.TTL,
	})
	if err != nil {
		i.redirectError(w, r, state, err)
		return
	}

	target, err := url.Parse(state.RedirectURI)
	if err != nil {
		i.redirectError(w, r, state, err)
		return
	}
	fragment := url.Values{}
	fragment.Set("access_token", minted.AccessToken)
	fragment.Set("token_type", oauth.TokenType)
	fragment.Set("expires_in", strconv.FormatInt(minted.ExpiresIn, 10))
	if state.State != "" {
		fragment.Set("state", state.State)
	}
	target.Fragment = ""
	target.RawFragment = ""
	redirect := target.String() + "#" + fragment.Encode()
	http.Redirect(w, r, redirect, http.StatusFound)
}

func splitScope(scope string) []string {
	if scope == "" {
		return nil
	}
	return strings.Fields(scope)
}
