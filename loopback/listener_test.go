package loopback

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/naotama2002/nativeauth-go/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type result struct {
	resp *auth.AuthorizationResponse
	err  error
}

// startFlow starts l and attaches a pending session whose request redirects
// to it.
func startFlow(t *testing.T, l *Listener) (*auth.AuthorizationRequest, chan result) {
	t.Helper()
	redirect, err := l.Start()
	require.NoError(t, err)
	t.Cleanup(l.Stop)

	cfg, err := auth.NewServiceConfiguration("https://idp.example.com/authorize", "https://idp.example.com/token")
	require.NoError(t, err)
	req, err := auth.NewAuthorizationRequest(cfg, auth.AuthorizationRequestOptions{
		ClientID:    "native-client",
		Scopes:      []string{"openid"},
		RedirectURI: redirect.String(),
	})
	require.NoError(t, err)

	results := make(chan result, 1)
	l.SetCurrentFlow(auth.NewFlowSession(req, func(resp *auth.AuthorizationResponse, err error) {
		results <- result{resp, err}
	}))
	return req, results
}

func noRedirectClient() *http.Client {
	return &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func callback(t *testing.T, l *Listener, params url.Values) *http.Response {
	t.Helper()
	u := *l.RedirectURI()
	u.RawQuery = params.Encode()
	resp, err := noRedirectClient().Get(u.String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func waitDone(t *testing.T, l *Listener) {
	t.Helper()
	select {
	case <-l.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestStartAssignsLoopbackRedirect(t *testing.T) {
	l := New(WithPath("/cb"))
	assert.Nil(t, l.RedirectURI())

	redirect, err := l.Start()
	require.NoError(t, err)
	defer l.Stop()

	assert.Equal(t, "http", redirect.Scheme)
	assert.Equal(t, "127.0.0.1", redirect.Hostname())
	assert.NotEqual(t, "0", redirect.Port())
	assert.Equal(t, "/cb", redirect.Path)

	_, err = l.Start()
	assert.Error(t, err)
}

func TestCallbackWithoutFlow(t *testing.T) {
	l := New()
	rec := httptest.NewRecorder()
	l.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/oauth/callback?code=x", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCallbackStateMismatch(t *testing.T) {
	l := New()
	_, results := startFlow(t, l)

	resp := callback(t, l, url.Values{"code": {"c"}, "state": {"forged"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	select {
	case <-results:
		t.Fatal("flow completed on a forged redirect")
	case <-l.Done():
		t.Fatal("listener stopped on a forged redirect")
	default:
	}
}

func TestCallbackSuccess(t *testing.T) {
	l := New()
	req, results := startFlow(t, l)

	resp := callback(t, l, url.Values{"code": {"auth-code"}, "state": {req.State}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	got := <-results
	require.NoError(t, got.err)
	assert.Equal(t, "auth-code", got.resp.AuthorizationCode)
	waitDone(t, l)
}

func TestCallbackErrorRedirect(t *testing.T) {
	l := New()
	req, results := startFlow(t, l)

	resp := callback(t, l, url.Values{"error": {"access_denied"}, "state": {req.State}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	got := <-results
	assert.Error(t, got.err)
	assert.Nil(t, got.resp)
	waitDone(t, l)
}

func TestCallbackSuccessURL(t *testing.T) {
	l := New(WithSuccessURL("https://app.example.com/done"))
	req, results := startFlow(t, l)

	resp := callback(t, l, url.Values{"code": {"c"}, "state": {req.State}})
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "https://app.example.com/done", resp.Header.Get("Location"))

	require.NoError(t, (<-results).err)
}

func TestCancelStopsFlowAndListener(t *testing.T) {
	l := New()
	_, results := startFlow(t, l)

	l.Cancel()
	got := <-results
	assert.Error(t, got.err)
	waitDone(t, l)
}

// redirectingPresenter completes the redirect before Present returns, as a
// provider with an existing login session does.
type redirectingPresenter struct {
	status int
}

func (p *redirectingPresenter) Present(authorizationURL *url.URL, session *auth.FlowSession) error {
	redirect := *session.Request().RedirectURI
	redirect.RawQuery = url.Values{
		"code":  {"fast-code"},
		"state": {authorizationURL.Query().Get("state")},
	}.Encode()
	resp, err := noRedirectClient().Get(redirect.String())
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	p.status = resp.StatusCode
	return nil
}

func TestPresenterRegistersFlowBeforePresenting(t *testing.T) {
	l := New()
	redirect, err := l.Start()
	require.NoError(t, err)
	defer l.Stop()

	cfg, err := auth.NewServiceConfiguration("https://idp.example.com/authorize", "https://idp.example.com/token")
	require.NoError(t, err)
	req, err := auth.NewAuthorizationRequest(cfg, auth.AuthorizationRequestOptions{
		ClientID:    "native-client",
		RedirectURI: redirect.String(),
	})
	require.NoError(t, err)

	results := make(chan result, 1)
	p := &redirectingPresenter{}
	session := auth.NewService().PresentAuthorizationRequest(req, l.Presenter(p), func(resp *auth.AuthorizationResponse, err error) {
		results <- result{resp, err}
	})

	assert.Equal(t, http.StatusOK, p.status)
	assert.Equal(t, auth.SessionResolved, session.State())
	got := <-results
	require.NoError(t, got.err)
	assert.Equal(t, "fast-code", got.resp.AuthorizationCode)
	waitDone(t, l)
}
