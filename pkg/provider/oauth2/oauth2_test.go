// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth2

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authkit/pkg/keys"
	"github.com/stacklok/authkit/pkg/provider"
	"github.com/stacklok/authkit/pkg/session"
	"github.com/stacklok/authkit/pkg/storage"
)

type upstream struct {
	server    *httptest.Server
	mux       *http.ServeMux
	tokenBody map[string]any
	tokenCode int
	lastForm  url.Values
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{
		mux:       http.NewServeMux(),
		tokenBody: map[string]any{"access_token": "up-access", "refresh_token": "up-refresh", "expires_in": float64(3600)},
		tokenCode: http.StatusOK,
	}
	u.mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		u.lastForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(u.tokenCode)
		_ = json.NewEncoder(w).Encode(u.tokenBody)
	})
	u.server = httptest.NewServer(u.mux)
	t.Cleanup(u.server.Close)
	return u
}

type fixture struct {
	server   *httptest.Server
	client   *http.Client
	upstream *upstream
	success  *provider.Result
}

func newFixture(t *testing.T, tweak func(*fixture, *Config)) *fixture {
	t.Helper()
	f := &fixture{upstream: newUpstream(t)}

	cfg := Config{
		Name:                  "acme",
		ClientID:              "client-1",
		ClientSecret:          "secret-1",
		AuthorizationEndpoint: f.upstream.server.URL + "/authorize",
		TokenEndpoint:         f.upstream.server.URL + "/token",
		Scopes:                []string{"openid", "email"},
		PKCE:                  true,
	}
	if tweak != nil {
		tweak(f, &cfg)
	}
	p := New(cfg)

	store := storage.NewMemoryStorage()
	sessions := session.NewManager(keys.NewManager(store), "")
	pctx := provider.NewContext(p.Name(), store, sessions, provider.Hooks{
		Success: func(_ http.ResponseWriter, _ *http.Request, res provider.Result, _ *provider.SuccessOptions) error {
			f.success = &res
			return nil
		},
	})

	r := chi.NewRouter()
	require.NoError(t, p.Init(r, pctx))
	f.server = httptest.NewServer(r)
	t.Cleanup(f.server.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	f.client = &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return f
}

// startFlow hits /authorize and returns the upstream redirect location.
func (f *fixture) startFlow(t *testing.T) *url.URL {
	t.Helper()
	resp, err := f.client.Get(f.server.URL + "/authorize")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	return loc
}

func (f *fixture) finishFlow(t *testing.T, query url.Values) *http.Response {
	t.Helper()
	resp, err := f.client.Get(f.server.URL + "/callback?" + query.Encode())
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp
}

func TestAuthorizeRedirectCarriesOAuthParams(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	loc := f.startFlow(t)
	q := loc.Query()
	assert.Equal(t, "client-1", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "openid email", q.Get("scope"))
	assert.NotEmpty(t, q.Get("state"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Contains(t, q.Get("redirect_uri"), "/callback")
}

func TestCallbackExchangesCodeAndSucceeds(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	loc := f.startFlow(t)
	state := loc.Query().Get("state")
	challenge := loc.Query().Get("code_challenge")

	f.finishFlow(t, url.Values{"code": {"auth-code-1"}, "state": {state}})

	require.NotNil(t, f.success)
	assert.Equal(t, "acme", f.success.Provider)
	assert.Equal(t, "client-1", f.success.ClientID)
	require.NotNil(t, f.success.Tokenset)
	assert.Equal(t, "up-access", f.success.Tokenset.Access)
	assert.Equal(t, "up-refresh", f.success.Tokenset.Refresh)
	assert.InDelta(t, time.Now().Unix()+3600, f.success.Tokenset.Expiry, 5)
	assert.Equal(t, "up-access", f.success.Tokenset.Raw["access_token"])

	// The exchange carried the code, secret, and the PKCE verifier
	// matching the original challenge.
	form := f.upstream.lastForm
	assert.Equal(t, "auth-code-1", form.Get("code"))
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "secret-1", form.Get("client_secret"))
	sum := sha256.Sum256([]byte(form.Get("code_verifier")))
	assert.Equal(t, challenge, base64.RawURLEncoding.EncodeToString(sum[:]))
}

func TestCallbackRejectsStateMismatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	f.startFlow(t)
	resp := f.finishFlow(t, url.Values{"code": {"auth-code-1"}, "state": {"forged"}})

	assert.Nil(t, f.success)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCallbackWithoutFlow(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	resp := f.finishFlow(t, url.Values{"code": {"x"}, "state": {"y"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCallbackSurfacesUpstreamError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	f.startFlow(t)
	resp := f.finishFlow(t, url.Values{"error": {"access_denied"}, "error_description": {"user said no"}})

	assert.Nil(t, f.success)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCallbackTokenEndpointFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.upstream.tokenCode = http.StatusBadRequest
	f.upstream.tokenBody = map[string]any{"error": "invalid_grant"}

	loc := f.startFlow(t)
	resp := f.finishFlow(t, url.Values{"code": {"bad"}, "state": {loc.Query().Get("state")}})

	assert.Nil(t, f.success)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestCallbackVerifiesIDToken(t *testing.T) {
	t.Parallel()

	private, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	key, err := jwk.Import(private.Public())
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, "up-key-1"))
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(key))
	jwks, err := json.Marshal(set)
	require.NoError(t, err)

	f := newFixture(t, func(f *fixture, cfg *Config) {
		cfg.JWKSEndpoint = f.upstream.server.URL + "/jwks"
	})
	f.upstream.mux.HandleFunc("/jwks", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(jwks)
	})

	makeIDToken := func(iss string) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
			"iss": iss,
			"sub": "upstream-user",
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		tok.Header["kid"] = "up-key-1"
		signed, err := tok.SignedString(private)
		require.NoError(t, err)
		return signed
	}

	// Valid id_token from the expected issuer passes.
	f.upstream.tokenBody["id_token"] = makeIDToken(f.upstream.server.URL)
	loc := f.startFlow(t)
	f.finishFlow(t, url.Values{"code": {"c1"}, "state": {loc.Query().Get("state")}})
	require.NotNil(t, f.success)
	f.success = nil

	// Wrong issuer is rejected.
	f.upstream.tokenBody["id_token"] = makeIDToken("https://evil.example")
	loc = f.startFlow(t)
	resp := f.finishFlow(t, url.Values{"code": {"c2"}, "state": {loc.Query().Get("state")}})
	assert.Nil(t, f.success)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestIssuerOrigin(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "https://auth.example.com", issuerOrigin("https://auth.example.com/oauth/authorize"))
	assert.Equal(t, "http://localhost:9000", issuerOrigin("http://localhost:9000/authorize"))
	assert.Equal(t, "opaque", issuerOrigin("opaque"))
}

func TestInitValidatesConfig(t *testing.T) {
	t.Parallel()
	store := storage.NewMemoryStorage()
	sessions := session.NewManager(keys.NewManager(store), "")
	pctx := provider.NewContext("acme", store, sessions, provider.Hooks{})

	assert.Error(t, New(Config{}).Init(chi.NewRouter(), pctx))
	assert.Error(t, New(Config{Name: "acme"}).Init(chi.NewRouter(), pctx))
	assert.Error(t, New(Config{Name: "acme", ClientID: "c"}).Init(chi.NewRouter(), pctx))
}
