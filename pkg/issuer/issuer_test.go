// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package issuer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authkit/pkg/crypto"
	"github.com/stacklok/authkit/pkg/oauth"
	"github.com/stacklok/authkit/pkg/provider"
	"github.com/stacklok/authkit/pkg/storage"
	"github.com/stacklok/authkit/pkg/subject"
)

// stubProvider authenticates everyone with fixed claims as soon as its
// authorize route is hit.
type stubProvider struct {
	name   string
	claims map[string]string
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Init(r chi.Router, pctx *provider.Context) error {
	r.Get("/authorize", func(w http.ResponseWriter, req *http.Request) {
		_ = pctx.Success(w, req, provider.Result{Claims: p.claims}, nil)
	})
	return nil
}

type fixture struct {
	t      *testing.T
	issuer *Issuer
	server *httptest.Server
	client *http.Client
}

func newFixture(t *testing.T, tweak func(*Config)) *fixture {
	t.Helper()

	cfg := Config{
		Storage:  storage.NewMemoryStorage(),
		Subjects: subject.Schemas{"user": subject.RequireStringFields("email")},
		Providers: []provider.Provider{
			&stubProvider{name: "stub", claims: map[string]string{"email": "a@b"}},
		},
		Success: func(_ context.Context, res provider.Result) (*Subject, error) {
			email := res.Claims["email"]
			if email == "" {
				return nil, oauth.NewError(oauth.ErrorCodeAccessDenied, "no email claim")
			}
			return &Subject{Type: "user", Properties: map[string]any{"email": email}}, nil
		},
	}
	if tweak != nil {
		tweak(&cfg)
	}

	iss, err := New(context.Background(), cfg)
	require.NoError(t, err)

	server := httptest.NewServer(iss.Router())
	t.Cleanup(server.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &fixture{t: t, issuer: iss, server: server, client: client}
}

func (f *fixture) get(path string) *http.Response {
	f.t.Helper()
	resp, err := f.client.Get(f.server.URL + path)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (f *fixture) postToken(form url.Values) (int, map[string]any) {
	f.t.Helper()
	resp, err := f.client.PostForm(f.server.URL+"/token", form)
	require.NoError(f.t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(f.t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

// authorize runs the browser half of a code flow and returns the code.
func (f *fixture) authorize(query url.Values) string {
	f.t.Helper()

	resp := f.get("/authorize?" + query.Encode())
	require.Equal(f.t, http.StatusFound, resp.StatusCode)
	location := resp.Header.Get("Location")
	require.Equal(f.t, "/stub/authorize", location)

	resp = f.get(location)
	require.Equal(f.t, http.StatusFound, resp.StatusCode)
	callback, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(f.t, err)
	require.Equal(f.t, query.Get("state"), callback.Query().Get("state"))
	code := callback.Query().Get("code")
	require.NotEmpty(f.t, code)
	return code
}

func codeQuery(redirectURI string) url.Values {
	return url.Values{
		"response_type": {"code"},
		"client_id":     {"test-client"},
		"redirect_uri":  {redirectURI},
		"state":         {"s-123"},
	}
}

func TestAuthorizationCodeFlowWithPKCE(t *testing.T) {
	f := newFixture(t, nil)

	pkce, err := crypto.GeneratePKCE(0)
	require.NoError(t, err)

	query := codeQuery("http://localhost/cb")
	query.Set("code_challenge", pkce.Challenge)
	query.Set("code_challenge_method", pkce.Method)
	code := f.authorize(query)

	status, body := f.postToken(url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"http://localhost/cb"},
		"client_id":     {"test-client"},
		"code_verifier": {pkce.Verifier},
	})
	require.Equal(t, http.StatusOK, status, "body: %v", body)

	access, _ := body["access_token"].(string)
	refresh, _ := body["refresh_token"].(string)
	require.NotEmpty(t, access)
	require.True(t, strings.HasPrefix(refresh, "user:"), "refresh token %q should carry the subject", refresh)
	assert.Equal(t, float64((30 * 24 * time.Hour).Seconds()), body["expires_in"])
	assert.Equal(t, "Bearer", body["token_type"])

	// The access token verifies against the issuer's own signing key and
	// carries the subject claims.
	key, err := f.issuer.Keys().SigningKey(context.Background())
	require.NoError(t, err)
	parsed, err := jwt.Parse(access, func(*jwt.Token) (any, error) { return key.Public, nil },
		jwt.WithValidMethods([]string{"ES256"}))
	require.NoError(t, err)
	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, "access", claims["mode"])
	assert.Equal(t, "user", claims["type"])
	assert.Equal(t, "test-client", claims["aud"])
	assert.Equal(t, f.server.URL, claims["iss"])
	assert.Equal(t, key.ID, parsed.Header["kid"])
	sub, _ := claims["sub"].(string)
	assert.True(t, strings.HasPrefix(sub, "user:"))
	props, _ := claims["properties"].(map[string]any)
	assert.Equal(t, "a@b", props["email"])

	// Codes are single use.
	status, body = f.postToken(url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"http://localhost/cb"},
		"client_id":     {"test-client"},
		"code_verifier": {pkce.Verifier},
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_grant", body["error"])
}

func TestCodeGrantRejectsMismatches(t *testing.T) {
	f := newFixture(t, nil)

	exchange := func(mutate func(url.Values)) (int, map[string]any) {
		code := f.authorize(codeQuery("http://localhost/cb"))
		form := url.Values{
			"grant_type":   {"authorization_code"},
			"code":         {code},
			"redirect_uri": {"http://localhost/cb"},
			"client_id":    {"test-client"},
		}
		mutate(form)
		return f.postToken(form)
	}

	status, body := exchange(func(form url.Values) { form.Set("redirect_uri", "http://localhost/other") })
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_redirect_uri", body["error"])

	status, body = exchange(func(form url.Values) { form.Set("client_id", "impostor") })
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "unauthorized_client", body["error"])

	status, body = f.postToken(url.Values{"grant_type": {"authorization_code"}})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_request", body["error"])
}

func TestPKCEVerifierMismatchConsumesCode(t *testing.T) {
	f := newFixture(t, nil)

	pkce, err := crypto.GeneratePKCE(0)
	require.NoError(t, err)
	query := codeQuery("http://localhost/cb")
	query.Set("code_challenge", pkce.Challenge)
	query.Set("code_challenge_method", pkce.Method)
	code := f.authorize(query)

	wrong, err := crypto.GeneratePKCE(0)
	require.NoError(t, err)
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"http://localhost/cb"},
		"client_id":     {"test-client"},
		"code_verifier": {wrong.Verifier},
	}
	status, body := f.postToken(form)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_grant", body["error"])

	// The failed exchange still consumed the code.
	status, body = f.postToken(form)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_grant", body["error"])
}

func TestRefreshRotationReuseWindow(t *testing.T) {
	// Issuer and storage share one movable clock so stub expiry is
	// exercised for real, not masked by storage staying on time.Now.
	store := storage.NewMemoryStorage()
	f := newFixture(t, func(cfg *Config) {
		cfg.Storage = store
	})

	base := time.Now()
	clock := func() time.Time { return base }
	f.issuer.now = clock
	store.SetNowFunc(clock)

	code := f.authorize(codeQuery("http://localhost/cb"))
	status, body := f.postToken(url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {"http://localhost/cb"},
		"client_id":    {"test-client"},
	})
	require.Equal(t, http.StatusOK, status)
	first, _ := body["refresh_token"].(string)
	require.NotEmpty(t, first)

	rotate := func(token string) (int, map[string]any) {
		return f.postToken(url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {token},
		})
	}

	status, body = rotate(first)
	require.Equal(t, http.StatusOK, status, "body: %v", body)
	access2, _ := body["access_token"].(string)
	second, _ := body["refresh_token"].(string)
	require.NotEmpty(t, second)
	require.NotEqual(t, first, second)

	// A retry inside the reuse window replays the identical tuple.
	base = base.Add(30 * time.Second)
	status, body = rotate(first)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, access2, body["access_token"])
	assert.Equal(t, second, body["refresh_token"])

	// Reuse past the window is theft: the whole subject is torn down.
	// The used stub must still be readable here, or the reuse would be
	// indistinguishable from an unknown token.
	base = base.Add(DefaultReuseTTL)
	status, body = rotate(first)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_grant", body["error"])
	assert.Equal(t, "refresh token reuse detected", body["error_description"])

	status, body = rotate(second)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_grant", body["error"])
}

func TestRefreshSingleUseWhenReuseDisabled(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.TTL.ReuseDisabled = true
	})

	code := f.authorize(codeQuery("http://localhost/cb"))
	status, body := f.postToken(url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {"http://localhost/cb"},
		"client_id":    {"test-client"},
	})
	require.Equal(t, http.StatusOK, status)
	first, _ := body["refresh_token"].(string)

	status, body = f.postToken(url.Values{"grant_type": {"refresh_token"}, "refresh_token": {first}})
	require.Equal(t, http.StatusOK, status)
	second, _ := body["refresh_token"].(string)
	require.NotEmpty(t, second)

	status, body = f.postToken(url.Values{"grant_type": {"refresh_token"}, "refresh_token": {first}})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_grant", body["error"])

	// Single use is not theft detection: the successor still works.
	status, _ = f.postToken(url.Values{"grant_type": {"refresh_token"}, "refresh_token": {second}})
	assert.Equal(t, http.StatusOK, status)
}

func TestRefreshCallback(t *testing.T) {
	var sawPayload *RefreshPayload
	deny := false
	f := newFixture(t, func(cfg *Config) {
		cfg.Refresh = func(_ context.Context, payload RefreshPayload) (*RefreshUpdate, error) {
			sawPayload = &payload
			if deny {
				return nil, nil
			}
			return &RefreshUpdate{Properties: map[string]any{"email": "renamed@b"}}, nil
		}
	})

	code := f.authorize(codeQuery("http://localhost/cb"))
	status, body := f.postToken(url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {"http://localhost/cb"},
		"client_id":    {"test-client"},
	})
	require.Equal(t, http.StatusOK, status)
	first, _ := body["refresh_token"].(string)

	status, body = f.postToken(url.Values{"grant_type": {"refresh_token"}, "refresh_token": {first}})
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, sawPayload)
	assert.Equal(t, "user", sawPayload.Type)

	// The callback's updated properties land in the new access token.
	parsed, _, err := jwt.NewParser().ParseUnverified(body["access_token"].(string), jwt.MapClaims{})
	require.NoError(t, err)
	props, _ := parsed.Claims.(jwt.MapClaims)["properties"].(map[string]any)
	assert.Equal(t, "renamed@b", props["email"])

	// A nil update invalidates the subject.
	deny = true
	second, _ := body["refresh_token"].(string)
	status, body = f.postToken(url.Values{"grant_type": {"refresh_token"}, "refresh_token": {second}})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_grant", body["error"])
}

func TestRefreshRejectsRevokedToken(t *testing.T) {
	f := newFixture(t, nil)

	code := f.authorize(codeQuery("http://localhost/cb"))
	status, body := f.postToken(url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {"http://localhost/cb"},
		"client_id":    {"test-client"},
	})
	require.Equal(t, http.StatusOK, status)
	refresh, _ := body["refresh_token"].(string)

	err := f.issuer.Revocations().Revoke(context.Background(), refresh, time.Now().Add(time.Hour).UnixMilli())
	require.NoError(t, err)

	status, body = f.postToken(url.Values{"grant_type": {"refresh_token"}, "refresh_token": {refresh}})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_grant", body["error"])
}

func TestTokenResponseTypeDeliversFragment(t *testing.T) {
	f := newFixture(t, nil)

	query := codeQuery("http://localhost/cb")
	query.Set("response_type", "token")
	resp := f.get("/authorize?" + query.Encode())
	require.Equal(t, http.StatusFound, resp.StatusCode)

	resp = f.get(resp.Header.Get("Location"))
	require.Equal(t, http.StatusFound, resp.StatusCode)
	location := resp.Header.Get("Location")
	base, frag, found := strings.Cut(location, "#")
	require.True(t, found, "redirect %q should carry a fragment", location)
	assert.Equal(t, "http://localhost/cb", base)

	values, err := url.ParseQuery(frag)
	require.NoError(t, err)
	assert.NotEmpty(t, values.Get("access_token"))
	assert.Equal(t, "Bearer", values.Get("token_type"))
	assert.Equal(t, "s-123", values.Get("state"))
	assert.Equal(t, fmt.Sprint(int64((30*24*time.Hour).Seconds())), values.Get("expires_in"))

	// The flow cookie is gone.
	for _, c := range resp.Cookies() {
		if c.Name == authorizationCookie {
			assert.LessOrEqual(t, c.MaxAge, 0)
		}
	}
}

func TestAuthorizeParameterValidation(t *testing.T) {
	f := newFixture(t, nil)

	// No redirect target means a plain 400; there is nowhere to send the
	// error pair.
	resp := f.get("/authorize?response_type=code&client_id=c")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Missing response_type and client_id are also flat 400s; the
	// redirect_uri has not cleared the allow policy at that point.
	resp = f.get("/authorize?" + url.Values{
		"redirect_uri": {"http://localhost/cb"},
		"client_id":    {"c"},
		"state":        {"keep-me"},
	}.Encode())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.get("/authorize?" + url.Values{
		"redirect_uri":  {"http://localhost/cb"},
		"response_type": {"code"},
	}.Encode())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// A present but unsupported response_type rides back on the redirect.
	resp = f.get("/authorize?" + url.Values{
		"redirect_uri":  {"http://localhost/cb"},
		"client_id":     {"c"},
		"response_type": {"password"},
	}.Encode())
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "invalid_request", loc.Query().Get("error"))
}

func TestAuthorizeRejectsForeignRedirect(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.get("/authorize?" + codeQuery("https://evil.com/cb").Encode())
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "evil.com", loc.Hostname())
	assert.Equal(t, "unauthorized_client", loc.Query().Get("error"))
}

func TestSameRegistrableDomain(t *testing.T) {
	cases := []struct {
		request, redirect string
		want              bool
	}{
		{"issuer.example.com", "localhost", true},
		{"issuer.example.com", "127.0.0.1", true},
		{"app.example.co.uk", "api.example.co.uk", true},
		{"app.example.co.uk", "evil.com", false},
		{"example.com", "app.example.com", true},
		{"example.com", "example.org", false},
		{"127.0.0.1", "evil.com", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, sameRegistrableDomain(tc.request, tc.redirect),
			"request=%s redirect=%s", tc.request, tc.redirect)
	}
}

func TestProviderSelection(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Providers = []provider.Provider{
			&stubProvider{name: "alpha", claims: map[string]string{"email": "a@b"}},
			&stubProvider{name: "beta", claims: map[string]string{"email": "a@b"}},
		}
		cfg.Select = func(_ *http.Request, providers []string) (*provider.Response, error) {
			return &provider.Response{Body: []byte(strings.Join(providers, ","))}, nil
		}
	})

	query := codeQuery("http://localhost/cb")
	query.Set("provider", "beta")
	resp := f.get("/authorize?" + query.Encode())
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/beta/authorize", resp.Header.Get("Location"))

	// Without a provider parameter the selection UI renders.
	resp = f.get("/authorize?" + codeQuery("http://localhost/cb").Encode())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rendered, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "alpha,beta", string(rendered))

	// Unknown providers are refused.
	query.Set("provider", "gamma")
	resp = f.get("/authorize?" + query.Encode())
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "invalid_request", loc.Query().Get("error"))
}

func TestProviderSuccessWithoutStateRendersError(t *testing.T) {
	f := newFixture(t, nil)

	// Hitting the provider without first passing /authorize means no
	// authorization cookie exists.
	resp := f.get("/stub/authorize")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnsupportedGrantType(t *testing.T) {
	f := newFixture(t, nil)
	status, body := f.postToken(url.Values{"grant_type": {"client_credentials"}})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "unsupported_grant_type", body["error"])
}

func TestWellKnownEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.get("/.well-known/oauth-authorization-server")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, resp.Header.Get("Cache-Control"))

	var meta oauth.AuthorizationServerMetadata
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&meta))
	assert.Equal(t, f.server.URL, meta.Issuer)
	assert.Equal(t, f.server.URL+"/authorize", meta.AuthorizationEndpoint)
	assert.Equal(t, f.server.URL+"/token", meta.TokenEndpoint)
	assert.Equal(t, f.server.URL+"/.well-known/jwks.json", meta.JWKSURI)
	assert.ElementsMatch(t, []string{"code", "token"}, meta.ResponseTypesSupported)
	assert.Contains(t, meta.CodeChallengeMethodsSupported, "S256")

	resp = f.get("/.well-known/jwks.json")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	var jwks struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&jwks))
	require.NotEmpty(t, jwks.Keys)
	assert.Equal(t, "ES256", jwks.Keys[0]["alg"])
	assert.NotEmpty(t, jwks.Keys[0]["kid"])
}

func TestBasePathPrefixesRoutesAndIssuer(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.BasePath = "/oauth"
	})

	resp := f.get("/oauth/.well-known/oauth-authorization-server")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var meta oauth.AuthorizationServerMetadata
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&meta))
	assert.Equal(t, f.server.URL+"/oauth", meta.Issuer)

	resp = f.get("/oauth/authorize?" + codeQuery("http://localhost/cb").Encode())
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/oauth/stub/authorize", resp.Header.Get("Location"))
}

func TestConfigValidation(t *testing.T) {
	base := func() Config {
		return Config{
			Storage:   storage.NewMemoryStorage(),
			Subjects:  subject.Schemas{"user": nil},
			Providers: []provider.Provider{&stubProvider{name: "stub"}},
			Success: func(context.Context, provider.Result) (*Subject, error) {
				return &Subject{Type: "user"}, nil
			},
		}
	}

	cfg := base()
	cfg.Storage = nil
	_, err := New(context.Background(), cfg)
	require.Error(t, err)

	cfg = base()
	cfg.Success = nil
	_, err = New(context.Background(), cfg)
	require.Error(t, err)

	cfg = base()
	cfg.Providers = nil
	_, err = New(context.Background(), cfg)
	require.Error(t, err)

	cfg = base()
	cfg.Providers = []provider.Provider{
		&stubProvider{name: "dup"},
		&stubProvider{name: "dup"},
	}
	_, err = New(context.Background(), cfg)
	require.Error(t, err)
}
