package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	apperrors "github.com/naotama2002/nativeauth-go/internal/errors"
)

// AuthorizerDelegate customizes an Authorizer.
type AuthorizerDelegate interface {
	// AdditionalRefreshParameters returns extra parameters for token refreshes.
	AdditionalRefreshParameters() map[string]string
	// AuthorizeRequestDidFail is told about every failed authorization and
	// returns the error Authorize reports. Returning nil keeps err.
	AuthorizeRequestDidFail(req *http.Request, err error) error
}

// Authorizer signs HTTP requests with an AuthState's access token,
// refreshing it as needed.
type Authorizer struct {
	state         *AuthState
	delegate      AuthorizerDelegate
	allowInsecure bool
	identity      UserIdentity
	logger        zerolog.Logger
}

// UserIdentity describes the signed-in user when the state carries no ID
// token, as with states restored from a legacy persistence string.
type UserIdentity struct {
	ServiceProvider   string
	UserID            string
	UserEmail         string
	UserEmailVerified *bool
}

// AuthorizerOption configures an Authorizer.
type AuthorizerOption func(*Authorizer)

// WithDelegate sets the delegate.
func WithDelegate(d AuthorizerDelegate) AuthorizerOption {
	return func(a *Authorizer) {
		a.delegate = d
	}
}

// WithAllowInsecure allows authorizing plain http requests.
func WithAllowInsecure(allow bool) AuthorizerOption {
	return func(a *Authorizer) {
		a.allowInsecure = allow
	}
}

// WithUserIdentity sets the identity reported when the ID token does not
// provide one.
func WithUserIdentity(id UserIdentity) AuthorizerOption {
	return func(a *Authorizer) {
		a.identity = id
	}
}

// WithAuthorizerLogger sets the logger.
func WithAuthorizerLogger(logger zerolog.Logger) AuthorizerOption {
	return func(a *Authorizer) {
		a.logger = logger
	}
}

// NewAuthorizer wraps state.
func NewAuthorizer(state *AuthState, opts ...AuthorizerOption) *Authorizer {
	a := &Authorizer{
		state:  state,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// State returns the wrapped AuthState.
func (a *Authorizer) State() *AuthState {
	return a.state
}

// CanAuthorize reports whether the state holds a usable grant.
func (a *Authorizer) CanAuthorize() bool {
	return a.state.IsAuthorized()
}

// PrimeForRefresh marks the state for refresh when it has no refresh token
// and reports whether it did so.
func (a *Authorizer) PrimeForRefresh() bool {
	if a.state.RefreshToken() != "" {
		return false
	}
	a.state.SetNeedsTokenRefresh()
	return true
}

// Authorize sets the Authorization header on req after obtaining fresh
// tokens.
func (a *Authorizer) Authorize(ctx context.Context, req *http.Request) error {
	err := a.authorize(ctx, req)
	if err != nil {
		a.logger.Debug().Err(err).Str("host", req.URL.Host).Msg("request authorization failed")
		if a.delegate != nil {
			if updated := a.delegate.AuthorizeRequestDidFail(req, err); updated != nil {
				err = updated
			}
		}
	}
	return err
}

func (a *Authorizer) authorize(ctx context.Context, req *http.Request) error {
	if !a.allowInsecure && !strings.EqualFold(req.URL.Scheme, "https") {
		return apperrors.New(apperrors.KindInvalidRequest, "cannot authorize request with scheme "+req.URL.Scheme)
	}

	accessToken, err := a.freshAccessToken(ctx)
	if err != nil {
		return err
	}
	if accessToken == "" {
		return apperrors.New(apperrors.KindTokenRefresh, "access token empty")
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	return nil
}

func (a *Authorizer) freshAccessToken(ctx context.Context) (string, error) {
	var additional map[string]string
	if a.delegate != nil {
		additional = a.delegate.AdditionalRefreshParameters()
	}

	accessToken, _, err := a.state.FreshTokensParams(ctx, additional)
	return accessToken, err
}

// Token implements oauth2.TokenSource.
func (a *Authorizer) Token() (*oauth2.Token, error) {
	accessToken, err := a.freshAccessToken(context.Background())
	if err != nil {
		return nil, err
	}
	if accessToken == "" {
		return nil, apperrors.New(apperrors.KindTokenRefresh, "access token empty")
	}
	tok := &oauth2.Token{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		RefreshToken: a.state.RefreshToken(),
		Expiry:       a.state.AccessTokenExpiration(),
	}
	return tok, nil
}

// RoundTripper returns a transport that authorizes each request before
// passing it to base. A nil base means http.DefaultTransport.
func (a *Authorizer) RoundTripper(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &authorizingTransport{authorizer: a, base: base}
}

// Client returns an HTTP client whose requests are authorized.
func (a *Authorizer) Client(base http.RoundTripper) *http.Client {
	return &http.Client{Transport: a.RoundTripper(base)}
}

type authorizingTransport struct {
	authorizer *Authorizer
	base       http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t *authorizingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// RoundTrippers must not modify the caller's request
	r := req.Clone(req.Context())
	if err := t.authorizer.Authorize(req.Context(), r); err != nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, err
	}
	return t.base.RoundTrip(r)
}

// UserID returns the sub claim of the current ID token.
func (a *Authorizer) UserID() string {
	if claims := a.claims(); claims != nil && claims.Subject != "" {
		return claims.Subject
	}
	return a.identity.UserID
}

// UserEmail returns the email claim of the current ID token.
func (a *Authorizer) UserEmail() string {
	if claims := a.claims(); claims != nil && claims.Email != "" {
		return claims.Email
	}
	return a.identity.UserEmail
}

// UserEmailVerified reports the email_verified claim; false when absent.
func (a *Authorizer) UserEmailVerified() bool {
	if v := a.emailVerified(); v != nil {
		return *v
	}
	return false
}

func (a *Authorizer) emailVerified() *bool {
	if claims := a.claims(); claims != nil && claims.EmailVerified != nil {
		return claims.EmailVerified
	}
	return a.identity.UserEmailVerified
}

// ServiceProvider returns the provider name set with WithUserIdentity.
func (a *Authorizer) ServiceProvider() string {
	return a.identity.ServiceProvider
}

// Identity returns the user identity, preferring ID token claims.
func (a *Authorizer) Identity() UserIdentity {
	return UserIdentity{
		ServiceProvider:   a.identity.ServiceProvider,
		UserID:            a.UserID(),
		UserEmail:         a.UserEmail(),
		UserEmailVerified: a.emailVerified(),
	}
}

func (a *Authorizer) claims() *IDTokenClaims {
	raw := a.state.IDToken()
	if raw == "" {
		return nil
	}
	claims, err := ParseIDToken(raw)
	if err != nil {
		return nil
	}
	return claims
}
