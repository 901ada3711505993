// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package issuer

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"slices"

	"github.com/stacklok/authkit/pkg/crypto"
	"github.com/stacklok/authkit/pkg/oauth"
	"github.com/stacklok/authkit/pkg/provider"
)

// handleAuthorize starts an authorization flow: validate the request, run
// the allow policy, seal the flow state into the authorization cookie, and
// hand the user-agent to a provider.
func (i *Issuer) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	redirectURI := query.Get("redirect_uri")
	if redirectURI == "" {
		// With no redirect target there is nowhere to carry an OAuth
		// error, so this one stays a plain 400.
		err := &oauth.MissingParameterError{Parameter: "redirect_uri"}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	state := &AuthorizationState{
		ResponseType: query.Get("response_type"),
		RedirectURI:  redirectURI,
		ClientID:     query.Get("client_id"),
		State:        query.Get("state"),
		Audience:     query.Get("audience"),
		Scope:        query.Get("scope"),
	}

	// Missing core parameters are rejected flat; the redirect_uri has not
	// passed the allow policy yet, so no error rides back on it.
	if state.ResponseType == "" {
		err := &oauth.MissingParameterError{Parameter: "response_type"}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if state.ClientID == "" {
		err := &oauth.MissingParameterError{Parameter: "client_id"}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if state.ResponseType != oauth.ResponseTypeCode && state.ResponseType != oauth.ResponseTypeToken {
		i.redirectError(w, r, state,
			oauth.Errorf(oauth.ErrorCodeInvalidRequest, "unsupported response_type %q", state.ResponseType))
		return
	}

	if challenge := query.Get("code_challenge"); challenge != "" {
		method := query.Get("code_challenge_method")
		if method == "" {
			method = crypto.PKCEMethodS256
		}
		if method != crypto.PKCEMethodS256 {
			i.redirectError(w, r, state,
				oauth.Errorf(oauth.ErrorCodeInvalidRequest, "unsupported code_challenge_method %q", method))
			return
		}
		state.PKCE = &PKCEChallenge{Challenge: challenge, Method: method}
	}

	allow := i.cfg.Allow
	if allow == nil {
		allow = DefaultAllow
	}
	allowReq := AllowRequest{
		ClientID:    state.ClientID,
		RedirectURI: state.RedirectURI,
		Audience:    state.Audience,
	}
	if err := allow(allowReq, r); err != nil {
		i.redirectError(w, r, state, oauth.AsError(err))
		return
	}

	if err := i.plugins.OnAuthorize(r.Context(), r); err != nil {
		i.redirectError(w, r, state, oauth.AsError(err))
		return
	}

	if err := i.sessions.Set(w, r, authorizationCookie, authorizationTTL, state); err != nil {
		i.redirectError(w, r, state, oauth.AsError(err))
		return
	}

	if name := query.Get("provider"); name != "" {
		if !slices.Contains(i.providers, name) {
			i.redirectError(w, r, state,
				oauth.Errorf(oauth.ErrorCodeInvalidRequest, "unknown provider %q", name))
			return
		}
		http.Redirect(w, r, i.route(name, "authorize"), http.StatusFound)
		return
	}
	if len(i.providers) == 1 {
		http.Redirect(w, r, i.route(i.providers[0], "authorize"), http.StatusFound)
		return
	}

	if i.cfg.Select == nil {
		i.redirectError(w, r, state,
			oauth.NewError(oauth.ErrorCodeServerError, "multiple providers configured but no selection UI"))
		return
	}
	res, err := i.cfg.Select(r, slices.Clone(i.providers))
	if err != nil {
		i.redirectError(w, r, state, oauth.AsError(err))
		return
	}
	forward(w, res)
}

// redirectError is the issuer's error funnel for flows that still know their
// redirect URI: the standard error pair travels back in the query string,
// with the client state preserved. An unknown-state error or a missing
// redirect falls through to the host's error renderer or a JSON 500.
func (i *Issuer) redirectError(w http.ResponseWriter, r *http.Request, state *AuthorizationState, err error) {
	var unknown *oauth.UnknownStateError
	if errors.As(err, &unknown) {
		i.renderFlowError(w, r, err)
		return
	}

	oe := oauth.AsError(err)
	if state == nil || state.RedirectURI == "" {
		i.plugins.OnError(r.Context(), r, oe)
		writeJSON(w, http.StatusInternalServerError, oe)
		return
	}

	i.plugins.OnError(r.Context(), r, oe)
	target, parseErr := url.Parse(state.RedirectURI)
	if parseErr != nil {
		writeJSON(w, http.StatusInternalServerError, oe)
		return
	}
	values := target.Query()
	values.Set("error", oe.Code)
	if oe.Description != "" {
		values.Set("error_description", oe.Description)
	}
	if state.State != "" {
		values.Set("state", state.State)
	}
	target.RawQuery = values.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// forward relays a host-rendered UI response verbatim.
func forward(w http.ResponseWriter, res *provider.Response) {
	for name, values := range res.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(res.Body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
