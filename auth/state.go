package auth

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	apperrors "github.com/naotama2002/nativeauth-go/internal/errors"
)

// DefaultExpiryLeeway is how long before expiry an access token stops being
// handed out without a refresh.
const DefaultExpiryLeeway = 60 * time.Second

// TokenPerformer performs token requests. *Service implements it.
type TokenPerformer interface {
	PerformTokenRequest(ctx context.Context, req *TokenRequest) (*TokenResponse, error)
}

// FreshTokensAction receives the tokens to use, or the error that prevented
// obtaining fresh ones.
type FreshTokensAction func(accessToken, idToken string, err error)

// AuthState is the long-lived authorization state of a user. It refreshes the
// access token when an action needs one and coalesces concurrent refreshes so
// at most one is in flight.
type AuthState struct {
	mu sync.Mutex

	lastAuthorizationResponse *AuthorizationResponse
	lastTokenResponse         *TokenResponse
	lastRegistrationResponse  *RegistrationResponse
	refreshToken              string
	scope                     string
	authorizationError        error
	needsTokenRefresh         bool

	// generation is bumped by every explicit update; a refresh started under
	// an older generation has its result discarded.
	generation uint64
	refreshing bool
	pending    []FreshTokensAction

	observers []observerEntry

	tokens        TokenPerformer
	logger        zerolog.Logger
	clock         func() time.Time
	leeway        time.Duration
	retryAttempts uint
	retryInterval time.Duration
}

// StateOption configures an AuthState.
type StateOption func(*AuthState)

// WithTokenService sets what performs refresh requests.
func WithTokenService(tokens TokenPerformer) StateOption {
	return func(s *AuthState) {
		s.tokens = tokens
	}
}

// WithStateLogger sets the logger.
func WithStateLogger(logger zerolog.Logger) StateOption {
	return func(s *AuthState) {
		s.logger = logger
	}
}

// WithStateClock overrides the clock, mostly for tests.
func WithStateClock(clock func() time.Time) StateOption {
	return func(s *AuthState) {
		s.clock = clock
	}
}

// WithExpiryLeeway overrides DefaultExpiryLeeway.
func WithExpiryLeeway(leeway time.Duration) StateOption {
	return func(s *AuthState) {
		s.leeway = leeway
	}
}

// WithRefreshRetry retries transient refresh failures up to maxAttempts
// times with exponential backoff starting at initialInterval. OAuth errors
// are never retried.
func WithRefreshRetry(maxAttempts uint, initialInterval time.Duration) StateOption {
	return func(s *AuthState) {
		s.retryAttempts = maxAttempts
		s.retryInterval = initialInterval
	}
}

func newAuthState(opts ...StateOption) *AuthState {
	s := &AuthState{
		logger:        zerolog.Nop(),
		clock:         time.Now,
		leeway:        DefaultExpiryLeeway,
		retryAttempts: 1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewAuthState creates a state from an authorization response and, for code
// flows, the token response of the code exchange. Either may be nil.
func NewAuthState(authResp *AuthorizationResponse, tokenResp *TokenResponse, opts ...StateOption) *AuthState {
	s := newAuthState(opts...)
	if authResp != nil {
		s.applyAuthorizationResponseLocked(authResp)
	}
	if tokenResp != nil {
		s.applyTokenResponseLocked(tokenResp)
	}
	return s
}

// NewAuthStateWithRegistration creates a state holding only a registration.
func NewAuthStateWithRegistration(regResp *RegistrationResponse, opts ...StateOption) *AuthState {
	s := newAuthState(opts...)
	s.lastRegistrationResponse = regResp
	return s
}

// SetTokenService replaces the refresh performer, typically after
// RestoreAuthState.
func (s *AuthState) SetTokenService(tokens TokenPerformer) {
	s.mu.Lock()
	s.tokens = tokens
	s.mu.Unlock()
}

// IsAuthorized reports whether the state holds a usable grant.
func (s *AuthState) IsAuthorized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authorizationError != nil {
		return false
	}
	if s.accessTokenLocked() != "" || s.idTokenLocked() != "" {
		return true
	}
	return s.lastAuthorizationResponse != nil && s.lastAuthorizationResponse.AuthorizationCode != ""
}

// AccessToken returns the most recent access token, fresh or not.
func (s *AuthState) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessTokenLocked()
}

// AccessTokenExpiration returns the expiry of AccessToken; zero when unknown.
func (s *AuthState) AccessTokenExpiration() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessTokenExpirationLocked()
}

// IDToken returns the most recent ID token.
func (s *AuthState) IDToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idTokenLocked()
}

// RefreshToken returns the current refresh token.
func (s *AuthState) RefreshToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshToken
}

// Scope returns the granted scope.
func (s *AuthState) Scope() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope
}

// AuthorizationError returns the error that made the state unauthorized.
func (s *AuthState) AuthorizationError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authorizationError
}

// NeedsTokenRefresh reports whether the next action will refresh first.
func (s *AuthState) NeedsTokenRefresh() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.needsTokenRefresh
}

func (s *AuthState) LastAuthorizationResponse() *AuthorizationResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAuthorizationResponse
}

func (s *AuthState) LastTokenResponse() *TokenResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTokenResponse
}

func (s *AuthState) LastRegistrationResponse() *RegistrationResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRegistrationResponse
}

// UpdateWithAuthorizationResponse records a new authorization. Earlier
// tokens are dropped and any in-flight refresh is superseded.
func (s *AuthState) UpdateWithAuthorizationResponse(resp *AuthorizationResponse) {
	s.mu.Lock()
	s.generation++
	s.applyAuthorizationResponseLocked(resp)
	observers := s.snapshotObserversLocked()
	s.mu.Unlock()

	s.notifyChange(observers)
}

// UpdateWithTokenResponse records a token response. The refresh token is
// kept when resp carries none.
func (s *AuthState) UpdateWithTokenResponse(resp *TokenResponse) {
	s.mu.Lock()
	s.generation++
	s.applyTokenResponseLocked(resp)
	observers := s.snapshotObserversLocked()
	s.mu.Unlock()

	s.notifyChange(observers)
}

// UpdateWithRegistrationResponse records a client registration and resets
// the authorization.
func (s *AuthState) UpdateWithRegistrationResponse(resp *RegistrationResponse) {
	s.mu.Lock()
	s.generation++
	s.lastRegistrationResponse = resp
	s.lastAuthorizationResponse = nil
	s.lastTokenResponse = nil
	s.refreshToken = ""
	s.scope = ""
	s.authorizationError = nil
	s.needsTokenRefresh = false
	observers := s.snapshotObserversLocked()
	s.mu.Unlock()

	s.notifyChange(observers)
}

// UpdateWithAuthorizationError marks the state unauthorized.
func (s *AuthState) UpdateWithAuthorizationError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.generation++
	s.authorizationError = err
	observers := s.snapshotObserversLocked()
	s.mu.Unlock()

	s.notifyChange(observers)
	s.notifyError(observers, err)
}

// SetNeedsTokenRefresh forces a refresh before the next action.
func (s *AuthState) SetNeedsTokenRefresh() {
	s.mu.Lock()
	s.needsTokenRefresh = true
	observers := s.snapshotObserversLocked()
	s.mu.Unlock()

	s.notifyChange(observers)
}

// TokenRefreshRequest builds a refresh_token grant request for the current
// refresh token.
func (s *AuthState) TokenRefreshRequest(additional map[string]string) (*TokenRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenRefreshRequestLocked(additional)
}

// PerformActionWithFreshTokens calls action with fresh tokens, refreshing
// first when needed.
func (s *AuthState) PerformActionWithFreshTokens(ctx context.Context, action FreshTokensAction) {
	s.PerformActionWithFreshTokensParams(ctx, action, nil)
}

// PerformActionWithFreshTokensParams is PerformActionWithFreshTokens with
// extra refresh request parameters. A fresh token calls action on the
// caller's goroutine; otherwise action is queued and called from the refresh
// goroutine in FIFO order. Cancelling ctx does not cancel a refresh that
// other callers may be waiting on.
func (s *AuthState) PerformActionWithFreshTokensParams(ctx context.Context, action FreshTokensAction, additional map[string]string) {
	s.mu.Lock()
	if !s.needsTokenRefresh && s.isTokenFreshLocked() {
		accessToken, idToken := s.accessTokenLocked(), s.idTokenLocked()
		s.mu.Unlock()
		action(accessToken, idToken, nil)
		return
	}
	if s.refreshToken == "" {
		s.mu.Unlock()
		action("", "", apperrors.New(apperrors.KindTokenRefresh, "unable to refresh expired token without a refresh token"))
		return
	}
	if s.tokens == nil {
		s.mu.Unlock()
		action("", "", apperrors.New(apperrors.KindTokenRefresh, "no token service configured for refresh"))
		return
	}

	s.pending = append(s.pending, action)
	if s.refreshing {
		s.logger.Debug().Int("queued", len(s.pending)).Msg("joining in-flight token refresh")
		s.mu.Unlock()
		return
	}

	req, err := s.tokenRefreshRequestLocked(additional)
	if err != nil {
		pending := s.pending
		s.pending = nil
		s.mu.Unlock()
		for _, a := range pending {
			a("", "", err)
		}
		return
	}
	s.refreshing = true
	gen := s.generation
	tokens := s.tokens
	s.mu.Unlock()

	s.logger.Debug().Uint64("generation", gen).Msg("starting token refresh")
	go func() {
		resp, err := s.performRefresh(context.WithoutCancel(ctx), tokens, req)
		s.finishRefresh(gen, resp, err)
	}()
}

// FreshTokens blocks until fresh tokens are available or ctx is done.
func (s *AuthState) FreshTokens(ctx context.Context) (accessToken, idToken string, err error) {
	return s.FreshTokensParams(ctx, nil)
}

// FreshTokensParams is FreshTokens with extra refresh request parameters.
func (s *AuthState) FreshTokensParams(ctx context.Context, additional map[string]string) (accessToken, idToken string, err error) {
	type result struct {
		accessToken, idToken string
		err                  error
	}
	ch := make(chan result, 1)
	s.PerformActionWithFreshTokensParams(ctx, func(accessToken, idToken string, err error) {
		ch <- result{accessToken, idToken, err}
	}, additional)
	select {
	case r := <-ch:
		return r.accessToken, r.idToken, r.err
	case <-ctx.Done():
		return "", "", apperrors.Wrap(ctx.Err(), apperrors.KindCancelled, "waiting for fresh tokens")
	}
}

func (s *AuthState) performRefresh(ctx context.Context, tokens TokenPerformer, req *TokenRequest) (*TokenResponse, error) {
	if s.retryAttempts <= 1 {
		return tokens.PerformTokenRequest(ctx, req)
	}

	b := backoff.NewExponentialBackOff()
	if s.retryInterval > 0 {
		b.InitialInterval = s.retryInterval
	}
	attempt := 0
	return backoff.Retry(ctx, func() (*TokenResponse, error) {
		attempt++
		resp, err := tokens.PerformTokenRequest(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !apperrors.IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		s.logger.Debug().Err(err).Int("attempt", attempt).Msg("token refresh failed, retrying")
		return nil, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.retryAttempts))
}

func (s *AuthState) finishRefresh(gen uint64, resp *TokenResponse, err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.refreshing = false
	observers := s.snapshotObserversLocked()

	if gen != s.generation {
		// a newer authorization replaced the state this refresh started from
		var accessToken, idToken string
		var supersededErr error
		if !s.needsTokenRefresh && s.isTokenFreshLocked() {
			accessToken, idToken = s.accessTokenLocked(), s.idTokenLocked()
		} else {
			supersededErr = apperrors.New(apperrors.KindCancelled, "token refresh superseded by a newer authorization")
		}
		s.mu.Unlock()

		s.logger.Debug().Int("queued", len(pending)).Msg("discarding superseded token refresh")
		deliver(pending, accessToken, idToken, supersededErr)
		return
	}

	if err == nil {
		s.applyTokenResponseLocked(resp)
		accessToken, idToken := s.accessTokenLocked(), s.idTokenLocked()
		s.mu.Unlock()

		s.logger.Debug().Int("queued", len(pending)).Msg("token refresh succeeded")
		s.notifyChange(observers)
		deliver(pending, accessToken, idToken, nil)
		return
	}

	recorded := false
	switch {
	case apperrors.IsInvalidGrant(err):
		s.refreshToken = ""
		s.authorizationError = err
		recorded = true
	case apperrors.IsKind(err, apperrors.KindOAuthToken):
		s.authorizationError = err
		recorded = true
	}
	s.mu.Unlock()

	s.logger.Warn().Err(err).Int("queued", len(pending)).Msg("token refresh failed")
	if recorded {
		s.notifyChange(observers)
		s.notifyError(observers, err)
	}
	deliver(pending, "", "", err)
}

func deliver(actions []FreshTokensAction, accessToken, idToken string, err error) {
	for _, a := range actions {
		a(accessToken, idToken, err)
	}
}

func (s *AuthState) applyAuthorizationResponseLocked(resp *AuthorizationResponse) {
	s.lastAuthorizationResponse = resp
	s.lastTokenResponse = nil
	s.refreshToken = ""
	s.authorizationError = nil
	s.needsTokenRefresh = false
	s.scope = resp.Scope
	if s.scope == "" && resp.Request != nil {
		s.scope = resp.Request.Scope
	}
}

func (s *AuthState) applyTokenResponseLocked(resp *TokenResponse) {
	s.lastTokenResponse = resp
	if resp.RefreshToken != "" {
		s.refreshToken = resp.RefreshToken
	}
	if resp.Scope != "" {
		s.scope = resp.Scope
	} else if s.scope == "" && resp.Request != nil {
		s.scope = resp.Request.Scope
	}
	s.authorizationError = nil
	s.needsTokenRefresh = false
}

func (s *AuthState) accessTokenLocked() string {
	if s.lastTokenResponse != nil {
		return s.lastTokenResponse.AccessToken
	}
	if s.lastAuthorizationResponse != nil {
		return s.lastAuthorizationResponse.AccessToken
	}
	return ""
}

func (s *AuthState) accessTokenExpirationLocked() time.Time {
	if s.lastTokenResponse != nil {
		return s.lastTokenResponse.AccessTokenExpiration
	}
	if s.lastAuthorizationResponse != nil {
		return s.lastAuthorizationResponse.AccessTokenExpiration
	}
	return time.Time{}
}

func (s *AuthState) idTokenLocked() string {
	if s.lastTokenResponse != nil && s.lastTokenResponse.IDToken != "" {
		return s.lastTokenResponse.IDToken
	}
	if s.lastAuthorizationResponse != nil {
		return s.lastAuthorizationResponse.IDToken
	}
	return ""
}

// isTokenFreshLocked treats an unknown expiry as fresh.
func (s *AuthState) isTokenFreshLocked() bool {
	if s.accessTokenLocked() == "" {
		return false
	}
	exp := s.accessTokenExpirationLocked()
	if exp.IsZero() {
		return true
	}
	return exp.Sub(s.clock()) > s.leeway
}

func (s *AuthState) tokenRefreshRequestLocked(additional map[string]string) (*TokenRequest, error) {
	if s.refreshToken == "" {
		return nil, apperrors.New(apperrors.KindTokenRefresh, "no refresh token available")
	}

	var (
		cfg                    *ServiceConfiguration
		clientID, clientSecret string
	)
	switch {
	case s.lastAuthorizationResponse != nil && s.lastAuthorizationResponse.Request != nil:
		req := s.lastAuthorizationResponse.Request
		cfg, clientID, clientSecret = req.Configuration, req.ClientID, req.ClientSecret
	case s.lastTokenResponse != nil && s.lastTokenResponse.Request != nil:
		req := s.lastTokenResponse.Request
		cfg, clientID, clientSecret = req.Configuration, req.ClientID, req.ClientSecret
	default:
		return nil, apperrors.New(apperrors.KindNotConfigured, "state has no request to derive a refresh from")
	}

	return NewTokenRequest(cfg, TokenRequestOptions{
		GrantType:            GrantTypeRefreshToken,
		ClientID:             clientID,
		ClientSecret:         clientSecret,
		RefreshToken:         s.refreshToken,
		AdditionalParameters: additional,
	})
}
