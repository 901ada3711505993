// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package issuer

import (
	"net/http"

	"github.com/stacklok/authkit/pkg/crypto"
	"github.com/stacklok/authkit/pkg/oauth"
)

// wellKnownCacheControl lets verifiers cache discovery and JWKS documents
// briefly; key rotation tolerates this because retired keys stay published
// until their tokens expire.
const wellKnownCacheControl = "public, max-age=900"

// handleMetadata serves the RFC 8414 authorization-server metadata. The
// issuer identifier is derived from the request so one deployment answers
// correctly on every hostname it is reachable under.
func (i *Issuer) handleMetadata(w http.ResponseWriter, r *http.Request) {
	base := i.issuerURL(r)
	w.Header().Set("Cache-Control", wellKnownCacheControl)
	writeJSON(w, http.StatusOK, oauth.AuthorizationServerMetadata{
		Issuer:                        base,
		AuthorizationEndpoint:         base + "/authorize",
		TokenEndpoint:                 base + "/token",
		JWKSURI:                       base + "/.well-known/jwks.json",
		ResponseTypesSupported:        []string{oauth.ResponseTypeCode, oauth.ResponseTypeToken},
		GrantTypesSupported:           []string{oauth.GrantTypeAuthorizationCode, oauth.GrantTypeRefreshToken},
		CodeChallengeMethodsSupported: []string{crypto.PKCEMethodS256},
	})
}

// handleJWKS publishes the signing key set, including retired keys so
// tokens signed before a rotation keep verifying.
func (i *Issuer) handleJWKS(w http.ResponseWriter, r *http.Request) {
	doc, err := i.keys.JWKS(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, oauth.NewError(oauth.ErrorCodeServerError, "failed to load key set"))
		return
	}
	w.Header().Set("Cache-Control", wellKnownCacheControl)
	writeJSON(w, http.StatusOK, doc)
}

// cors marks a route as callable from any origin without credentials; the
// allowed methods are scoped per route.
func cors(methods ...string) func(http.Handler) http.Handler {
	allow := ""
	for _, m := range methods {
		if allow != "" {
			allow += ", "
		}
		allow += m
	}
	allow += ", " + http.MethodOptions
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", allow)
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			next.ServeHTTP(w, r)
		})
	}
}

// preflight answers CORS preflight requests on the cross-origin routes.
func preflight(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}
