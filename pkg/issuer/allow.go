// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package issuer

import (
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/stacklok/authkit/pkg/networking"
	"github.com/stacklok/authkit/pkg/oauth"
)

// DefaultAllow is the allow policy used when Config.Allow is nil: loopback
// redirect hosts are always permitted, anything else must share its
// registrable domain (effective TLD+1) with the host serving the request.
func DefaultAllow(req AllowRequest, r *http.Request) error {
	target, err := url.Parse(req.RedirectURI)
	if err != nil || target.Hostname() == "" {
		return oauth.Errorf(oauth.ErrorCodeInvalidRedirectURI, "redirect_uri %q is not a valid URL", req.RedirectURI)
	}
	if sameRegistrableDomain(networking.RequestHostname(r), target.Hostname()) {
		return nil
	}
	return oauth.Errorf(oauth.ErrorCodeUnauthorizedClient,
		"redirect_uri host %q is not allowed from this issuer", target.Hostname())
}

// sameRegistrableDomain reports whether redirectHost may receive redirects
// from an issuer served at requestHost.
func sameRegistrableDomain(requestHost, redirectHost string) bool {
	redirectHost = strings.ToLower(redirectHost)
	if redirectHost == "localhost" || redirectHost == "127.0.0.1" {
		return true
	}
	requestHost = strings.ToLower(requestHost)
	if requestHost == redirectHost {
		return true
	}
	requestDomain, err := publicsuffix.EffectiveTLDPlusOne(requestHost)
	if err != nil {
		return false
	}
	redirectDomain, err := publicsuffix.EffectiveTLDPlusOne(redirectHost)
	if err != nil {
		return false
	}
	return requestDomain == redirectDomain
}
