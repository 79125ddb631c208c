package auth

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/naotama2002/nativeauth-go/internal/errors"
	"github.com/naotama2002/nativeauth-go/internal/httpclient"
)

// ClientAuthMethod is a token endpoint client authentication method.
type ClientAuthMethod string

const (
	ClientSecretBasic ClientAuthMethod = "client_secret_basic"
	ClientSecretPost  ClientAuthMethod = "client_secret_post"
	ClientAuthNone    ClientAuthMethod = "none"
)

const (
	defaultDevicePollInterval = 5 * time.Second
	defaultSlowDownIncrement  = 5 * time.Second
)

// Service talks to a provider's endpoints: it presents authorization
// requests and performs token, registration and device requests.
type Service struct {
	http    *httpclient.Client
	rawHTTP *http.Client
	logger  zerolog.Logger
	clock   func() time.Time

	clientAuth         ClientAuthMethod
	verifySignatures   bool
	devicePollInterval time.Duration
	slowDownIncrement  time.Duration

	keySets sync.Map
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithHTTPClient sets the HTTP client. Its Transport and Timeout are used.
func WithHTTPClient(c *http.Client) ServiceOption {
	return func(s *Service) {
		s.rawHTTP = c
	}
}

// WithClock overrides the clock, mostly for tests.
func WithClock(clock func() time.Time) ServiceOption {
	return func(s *Service) {
		s.clock = clock
	}
}

// WithClientAuthMethod forces a client authentication method instead of
// picking one from the discovery document.
func WithClientAuthMethod(m ClientAuthMethod) ServiceOption {
	return func(s *Service) {
		s.clientAuth = m
	}
}

// WithIDTokenSignatureVerification enables ID token signature checks
// against the provider's jwks_uri.
func WithIDTokenSignatureVerification(enabled bool) ServiceOption {
	return func(s *Service) {
		s.verifySignatures = enabled
	}
}

// WithDevicePollInterval sets the poll interval used when the provider does
// not send one.
func WithDevicePollInterval(d time.Duration) ServiceOption {
	return func(s *Service) {
		s.devicePollInterval = d
	}
}

// NewService creates a Service.
func NewService(opts ...ServiceOption) *Service {
	s := &Service{
		rawHTTP:            &http.Client{Timeout: 30 * time.Second},
		logger:             zerolog.Nop(),
		clock:              time.Now,
		devicePollInterval: defaultDevicePollInterval,
		slowDownIncrement:  defaultSlowDownIncrement,
	}
	for _, opt := range opts {
		opt(s)
	}

	cfg := httpclient.DefaultConfig()
	cfg.Timeout = s.rawHTTP.Timeout
	cfg.Transport = s.rawHTTP.Transport
	s.http = httpclient.New(cfg)
	return s
}

// PresentAuthorizationRequest starts a flow session for req and hands its
// URL to presenter. A presenter failure fails the session.
func (s *Service) PresentAuthorizationRequest(req *AuthorizationRequest, presenter Presenter, callback AuthorizationCallback) *FlowSession {
	session := NewFlowSession(req, callback, WithSessionLogger(s.logger), WithSessionClock(s.clock))
	session.setPresenter(presenter)

	authURL := req.AuthorizationURL()
	s.logger.Debug().
		Str("session", session.ID().String()).
		Str("endpoint", req.Configuration.AuthorizationEndpoint.String()).
		Msg("presenting authorization request")

	if err := presenter.Present(authURL, session); err != nil {
		session.FailWithError(apperrors.Wrap(err, apperrors.KindUserAgent, "failed to present authorization request"))
	}
	return session
}

// AuthStateCallback receives the outcome of PresentAuthStateRequest.
type AuthStateCallback func(*AuthState, error)

// PresentAuthStateRequest presents req and, for code responses, exchanges the
// code. The callback receives an AuthState built from the responses. ctx
// bounds the code exchange only.
func (s *Service) PresentAuthStateRequest(ctx context.Context, req *AuthorizationRequest, presenter Presenter, callback AuthStateCallback, stateOpts ...StateOption) *FlowSession {
	return s.PresentAuthorizationRequest(req, presenter, func(resp *AuthorizationResponse, err error) {
		if err != nil {
			callback(nil, err)
			return
		}
		opts := append([]StateOption{WithTokenService(s), WithStateLogger(s.logger), WithStateClock(s.clock)}, stateOpts...)
		if resp.AuthorizationCode == "" {
			callback(NewAuthState(resp, nil, opts...), nil)
			return
		}
		go func() {
			tokenResp, err := s.ExchangeAuthorizationCode(ctx, resp, nil)
			if err != nil {
				callback(nil, err)
				return
			}
			callback(NewAuthState(resp, tokenResp, opts...), nil)
		}()
	})
}
