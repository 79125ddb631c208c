// Package loopback receives authorization redirects on a local HTTP server
// and forwards them to the current flow session.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/naotama2002/nativeauth-go/auth"
)

const (
	defaultHost     = "127.0.0.1"
	defaultPath     = "/oauth/callback"
	shutdownTimeout = 5 * time.Second
)

const successPage = `<!DOCTYPE html>
<html>
<head>
	<title>Authorization Successful</title>
	<style>
		body { font-family: Arial, sans-serif; text-align: center; padding: 50px; }
		.success { color: #4CAF50; }
		.container { max-width: 600px; margin: 0 auto; }
	</style>
</head>
<body>
	<div class="container">
		<h1 class="success">Authorization Successful!</h1>
		<p>You can now close this window and return to the application.</p>
	</div>
</body>
</html>
`

const failurePage = `<!DOCTYPE html>
<html>
<head>
	<title>Authorization Failed</title>
	<style>
		body { font-family: Arial, sans-serif; text-align: center; padding: 50px; }
		.failure { color: #F44336; }
		.container { max-width: 600px; margin: 0 auto; }
	</style>
</head>
<body>
	<div class="container">
		<h1 class="failure">Authorization Failed</h1>
		<p>Return to the application for details.</p>
	</div>
</body>
</html>
`

// Listener is a loopback HTTP server for authorization redirects. It serves
// one flow at a time and stops once a flow consumes a redirect.
type Listener struct {
	port       int
	path       string
	successURL string
	logger     zerolog.Logger

	engine *gin.Engine

	mu          sync.Mutex
	flow        *auth.FlowSession
	server      *http.Server
	redirectURI *url.URL
	done        chan struct{}
	stopOnce    sync.Once
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithPort binds a fixed port instead of an ephemeral one.
func WithPort(port int) ListenerOption {
	return func(l *Listener) {
		l.port = port
	}
}

// WithPath sets the callback path.
func WithPath(path string) ListenerOption {
	return func(l *Listener) {
		l.path = path
	}
}

// WithSuccessURL redirects the browser there instead of serving a page.
func WithSuccessURL(u string) ListenerOption {
	return func(l *Listener) {
		l.successURL = u
	}
}

// WithListenerLogger sets the logger.
func WithListenerLogger(logger zerolog.Logger) ListenerOption {
	return func(l *Listener) {
		l.logger = logger
	}
}

// New creates a Listener. Call Start to bind it.
func New(opts ...ListenerOption) *Listener {
	l := &Listener{
		path:   defaultPath,
		logger: zerolog.Nop(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET(l.path, l.handleCallback)
	l.engine = engine
	return l
}

// Handler returns the HTTP handler serving the callback path.
func (l *Listener) Handler() http.Handler {
	return l.engine
}

// Start binds the listener and returns the redirect URI to register in the
// authorization request.
func (l *Listener) Start() (*url.URL, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.server != nil {
		return nil, errors.New("loopback listener already started")
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(defaultHost, strconv.Itoa(l.port)))
	if err != nil {
		return nil, fmt.Errorf("failed to bind loopback listener: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	l.redirectURI = &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(defaultHost, strconv.Itoa(port)),
		Path:   l.path,
	}
	l.server = &http.Server{
		Handler:           l.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	server := l.server
	go func() {
		l.logger.Info().Int("port", port).Msg("loopback listener started")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error().Err(err).Msg("loopback listener error")
		}
	}()
	return l.redirectURI, nil
}

// RedirectURI returns the URI from Start, or nil before Start.
func (l *Listener) RedirectURI() *url.URL {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.redirectURI
}

// SetCurrentFlow sets the session inbound redirects are forwarded to.
func (l *Listener) SetCurrentFlow(session *auth.FlowSession) {
	l.mu.Lock()
	l.flow = session
	l.mu.Unlock()
}

// Presenter wraps next so that each presented session becomes the current
// flow before next opens the URL. A redirect that beats next's return is
// then still delivered.
func (l *Listener) Presenter(next auth.Presenter) auth.Presenter {
	return &flowPresenter{listener: l, next: next}
}

type flowPresenter struct {
	listener *Listener
	next     auth.Presenter
}

func (p *flowPresenter) Present(authorizationURL *url.URL, session *auth.FlowSession) error {
	p.listener.SetCurrentFlow(session)
	return p.next.Present(authorizationURL, session)
}

func (p *flowPresenter) Dismiss() {
	if d, ok := p.next.(auth.Dismisser); ok {
		d.Dismiss()
	}
}

// Done is closed when the listener stops.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// Cancel cancels the current flow and stops the listener.
func (l *Listener) Cancel() {
	l.mu.Lock()
	flow := l.flow
	l.flow = nil
	l.mu.Unlock()

	if flow != nil {
		flow.Cancel()
	}
	l.stop()
}

// Stop shuts the listener down without touching the current flow.
func (l *Listener) Stop() {
	l.stop()
}

func (l *Listener) stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		server := l.server
		l.mu.Unlock()

		if server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				l.logger.Warn().Err(err).Msg("loopback listener shutdown")
			}
		}
		l.logger.Info().Msg("loopback listener stopped")
		close(l.done)
	})
}

func (l *Listener) handleCallback(c *gin.Context) {
	l.mu.Lock()
	flow := l.flow
	base := l.redirectURI
	l.mu.Unlock()

	if flow == nil {
		c.String(http.StatusNotFound, "no authorization flow in progress")
		return
	}

	redirect := l.callbackURL(base, c.Request)
	if !flow.ResumeWithURL(redirect) {
		l.logger.Warn().Str("session", flow.ID().String()).Msg("redirect rejected by current flow")
		c.String(http.StatusBadRequest, "invalid authorization response")
		return
	}

	l.mu.Lock()
	if l.flow == flow {
		l.flow = nil
	}
	l.mu.Unlock()

	switch {
	case flow.State() != auth.SessionResolved:
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(failurePage))
	case l.successURL != "":
		c.Redirect(http.StatusFound, l.successURL)
	default:
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(successPage))
	}

	// Shutdown waits for this response to be written.
	go l.stop()
}

// callbackURL rebuilds the redirect as the flow registered it, so the Host
// header chosen by the browser does not matter.
func (l *Listener) callbackURL(base *url.URL, r *http.Request) *url.URL {
	u := &url.URL{Scheme: "http", Host: r.Host}
	if base != nil {
		u.Host = base.Host
	}
	u.Path = r.URL.Path
	u.RawQuery = r.URL.RawQuery
	return u
}
