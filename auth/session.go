package auth

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apperrors "github.com/naotama2002/nativeauth-go/internal/errors"
)

// SessionState is the lifecycle state of a FlowSession.
type SessionState int

const (
	SessionPending SessionState = iota
	SessionResolved
	SessionCancelled
	SessionFailed
)

func (s SessionState) String() string {
	switch s {
	case SessionPending:
		return "pending"
	case SessionResolved:
		return "resolved"
	case SessionCancelled:
		return "cancelled"
	case SessionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// AuthorizationCallback receives the outcome of an authorization flow.
// Exactly one of the arguments is non-nil.
type AuthorizationCallback func(*AuthorizationResponse, error)

// Presenter opens an authorization URL in an external user agent. The
// redirect is later delivered to session.ResumeWithURL by whatever receives
// it, or the flow is ended with Cancel or FailWithError.
type Presenter interface {
	Present(authorizationURL *url.URL, session *FlowSession) error
}

// Dismisser is implemented by presenters that hold UI to tear down once the
// flow ends.
type Dismisser interface {
	Dismiss()
}

// FlowSession is a single-use authorization flow. It starts pending and
// accepts exactly one of ResumeWithURL, Cancel or FailWithError; the
// callback fires once, for whichever arrives first.
type FlowSession struct {
	id      uuid.UUID
	request *AuthorizationRequest
	logger  zerolog.Logger
	clock   func() time.Time

	mu        sync.Mutex
	state     SessionState
	callback  AuthorizationCallback
	presenter Presenter
	response  *AuthorizationResponse
	err       error
	done      chan struct{}
}

// SessionOption configures a FlowSession.
type SessionOption func(*FlowSession)

// WithSessionLogger sets the logger for session transitions.
func WithSessionLogger(logger zerolog.Logger) SessionOption {
	return func(s *FlowSession) {
		s.logger = logger
	}
}

// WithSessionClock overrides the clock used to anchor expires_in.
func WithSessionClock(clock func() time.Time) SessionOption {
	return func(s *FlowSession) {
		s.clock = clock
	}
}

// NewFlowSession creates a pending session for request. callback may be nil
// when the caller uses Wait instead.
func NewFlowSession(request *AuthorizationRequest, callback AuthorizationCallback, opts ...SessionOption) *FlowSession {
	s := &FlowSession{
		id:       uuid.New(),
		request:  request,
		logger:   zerolog.Nop(),
		clock:    time.Now,
		state:    SessionPending,
		callback: callback,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("session", s.id.String()).Logger()
	return s
}

// ID identifies the session in logs.
func (s *FlowSession) ID() uuid.UUID {
	return s.id
}

// Request returns the request the session was created for.
func (s *FlowSession) Request() *AuthorizationRequest {
	return s.request
}

// State returns the current lifecycle state.
func (s *FlowSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the session reaches a terminal state.
func (s *FlowSession) Done() <-chan struct{} {
	return s.done
}

// Result returns the terminal outcome. It is only meaningful after Done.
func (s *FlowSession) Result() (*AuthorizationResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.response, s.err
}

// Wait blocks until the session ends. If ctx ends first the session is
// cancelled.
func (s *FlowSession) Wait(ctx context.Context) (*AuthorizationResponse, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		s.Cancel()
		<-s.done
	}
	return s.Result()
}

func (s *FlowSession) setPresenter(p Presenter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionPending {
		s.presenter = p
	}
}

// ResumeWithURL offers a redirect to the session. It returns false, leaving
// the session untouched, when the session is no longer pending, the URL is
// not the request's redirect URI, or the state does not match. Otherwise the
// session resolves (or fails on an error redirect) and true is returned.
func (s *FlowSession) ResumeWithURL(u *url.URL) bool {
	if u == nil {
		return false
	}

	s.mu.Lock()
	if s.state != SessionPending {
		s.mu.Unlock()
		return false
	}
	if !matchesRedirectURI(u, s.request.RedirectURI) {
		s.mu.Unlock()
		s.logger.Debug().Str("path", u.Path).Msg("redirect does not match the expected redirect URI")
		return false
	}

	params := redirectParams(u)
	if err := checkState(s.request, params.Get("state")); err != nil {
		s.mu.Unlock()
		s.logger.Warn().Msg("redirect state does not match the request")
		return false
	}

	var (
		resp  *AuthorizationResponse
		err   error
		state = SessionResolved
	)
	if params.Get("error") != "" {
		err = authorizationError(params)
		state = SessionFailed
	} else if resp, err = NewAuthorizationResponse(s.request, params, s.clock()); err != nil {
		state = SessionFailed
	}
	deliver := s.finishLocked(state, resp, err)
	s.mu.Unlock()

	deliver()
	return true
}

// Cancel ends a pending session with a cancellation error.
func (s *FlowSession) Cancel() {
	s.terminate(SessionCancelled, apperrors.New(apperrors.KindCancelled, "authorization flow was cancelled"))
}

// FailWithError ends a pending session with err.
func (s *FlowSession) FailWithError(err error) {
	if err == nil {
		err = apperrors.New(apperrors.KindUserAgent, "authorization flow failed")
	}
	s.terminate(SessionFailed, err)
}

func (s *FlowSession) terminate(state SessionState, err error) {
	s.mu.Lock()
	if s.state != SessionPending {
		s.mu.Unlock()
		return
	}
	deliver := s.finishLocked(state, nil, err)
	s.mu.Unlock()
	deliver()
}

// finishLocked records the terminal outcome and returns the notification to
// run once the lock is released.
func (s *FlowSession) finishLocked(state SessionState, resp *AuthorizationResponse, err error) func() {
	s.state = state
	s.response = resp
	s.err = err
	callback := s.callback
	presenter := s.presenter
	s.callback = nil
	s.presenter = nil
	close(s.done)

	return func() {
		ev := s.logger.Debug()
		if err != nil {
			ev = s.logger.Info().Err(err)
		}
		ev.Str("state", state.String()).Msg("authorization flow session finished")

		if d, ok := presenter.(Dismisser); ok {
			d.Dismiss()
		}
		if callback != nil {
			callback(resp, err)
		}
	}
}

// matchesRedirectURI compares scheme, host, port and path. The query is ignored.
func matchesRedirectURI(u, expected *url.URL) bool {
	if !strings.EqualFold(u.Scheme, expected.Scheme) {
		return false
	}
	if u.Opaque != "" || expected.Opaque != "" {
		return u.Opaque == expected.Opaque
	}
	return strings.EqualFold(u.Hostname(), expected.Hostname()) &&
		portOf(u) == portOf(expected) &&
		normalizedPath(u) == normalizedPath(expected)
}

func portOf(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		return "80"
	case "https":
		return "443"
	}
	return ""
}

func normalizedPath(u *url.URL) string {
	if u.Path == "" {
		return "/"
	}
	return u.Path
}

// redirectParams merges query and fragment parameters; the query wins.
func redirectParams(u *url.URL) url.Values {
	params := u.Query()
	if u.Fragment == "" {
		return params
	}
	fragment, err := url.ParseQuery(u.Fragment)
	if err != nil {
		return params
	}
	for k, v := range fragment {
		if _, ok := params[k]; !ok {
			params[k] = v
		}
	}
	return params
}
