package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const (
	testClientID    = "native-client"
	testRedirectURI = "http://127.0.0.1:8765/oauth/callback"
)

// testProvider is a minimal authorization server. Handlers for the token,
// registration and device endpoints are swapped per test.
type testProvider struct {
	*httptest.Server

	mu            sync.Mutex
	tokenHandler  http.HandlerFunc
	deviceHandler http.HandlerFunc
	regHandler    http.HandlerFunc
	tokenForms    []url.Values
	tokenAuths    []string
}

func newTestProvider(t *testing.T) *testProvider {
	t.Helper()
	p := &testProvider{}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"issuer":                                p.URL,
			"authorization_endpoint":                p.URL + "/authorize",
			"token_endpoint":                        p.URL + "/token",
			"registration_endpoint":                 p.URL + "/register",
			"device_authorization_endpoint":         p.URL + "/device",
			"code_challenge_methods_supported":      []string{"S256"},
			"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		p.mu.Lock()
		p.tokenForms = append(p.tokenForms, r.PostForm)
		p.tokenAuths = append(p.tokenAuths, r.Header.Get("Authorization"))
		h := p.tokenHandler
		p.mu.Unlock()
		if h == nil {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	})
	mux.HandleFunc("/device", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		h := p.deviceHandler
		p.mu.Unlock()
		if h == nil {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	})
	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		h := p.regHandler
		p.mu.Unlock()
		if h == nil {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	})
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Close)
	return p
}

func (p *testProvider) setTokenHandler(h http.HandlerFunc) {
	p.mu.Lock()
	p.tokenHandler = h
	p.mu.Unlock()
}

func (p *testProvider) setDeviceHandler(h http.HandlerFunc) {
	p.mu.Lock()
	p.deviceHandler = h
	p.mu.Unlock()
}

func (p *testProvider) setRegistrationHandler(h http.HandlerFunc) {
	p.mu.Lock()
	p.regHandler = h
	p.mu.Unlock()
}

func (p *testProvider) forms() []url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]url.Values(nil), p.tokenForms...)
}

func (p *testProvider) authHeaders() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.tokenAuths...)
}

func (p *testProvider) service(opts ...ServiceOption) *Service {
	return NewService(append([]ServiceOption{WithHTTPClient(p.Client())}, opts...)...)
}

func (p *testProvider) configuration(t *testing.T) *ServiceConfiguration {
	t.Helper()
	cfg, err := NewDiscoverer(WithDiscoveryHTTPClient(p.Client())).DiscoverIssuer(t.Context(), p.URL)
	require.NoError(t, err)
	return cfg
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func tokenJSON(accessToken, refreshToken string, expiresIn int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]interface{}{
			"access_token": accessToken,
			"token_type":   "Bearer",
			"expires_in":   expiresIn,
		}
		if refreshToken != "" {
			body["refresh_token"] = refreshToken
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func oauthError(status int, code, description string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, status, map[string]string{"error": code, "error_description": description})
	}
}

// makeIDToken signs claims with a throwaway HMAC key. Only the claims are
// inspected unless signature verification is enabled.
func makeIDToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return raw
}

func validIDTokenClaims(issuer, nonce string, now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":            issuer,
		"sub":            "user-1234",
		"aud":            testClientID,
		"exp":            now.Add(time.Hour).Unix(),
		"iat":            now.Unix(),
		"nonce":          nonce,
		"email":          "user@example.com",
		"email_verified": true,
	}
}

func newTestAuthorizationRequest(t *testing.T, cfg *ServiceConfiguration) *AuthorizationRequest {
	t.Helper()
	req, err := NewAuthorizationRequest(cfg, AuthorizationRequestOptions{
		ClientID:    testClientID,
		Scopes:      []string{"openid", "email"},
		RedirectURI: testRedirectURI,
	})
	require.NoError(t, err)
	return req
}

func manualConfiguration(t *testing.T) *ServiceConfiguration {
	t.Helper()
	cfg, err := NewServiceConfiguration("https://idp.example.com/authorize", "https://idp.example.com/token")
	require.NoError(t, err)
	return cfg
}

func redirectWith(t *testing.T, raw string, params url.Values) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	u.RawQuery = params.Encode()
	return u
}
