package auth

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	apperrors "github.com/naotama2002/nativeauth-go/internal/errors"
)

// Keys of the GTMOAuth2 keychain persistence string.
const (
	legacyAccessToken       = "access_token"
	legacyRefreshToken      = "refresh_token"
	legacyScope             = "scope"
	legacyServiceProvider   = "serviceProvider"
	legacyUserID            = "userID"
	legacyUserEmail         = "userEmail"
	legacyUserEmailVerified = "userEmailIsVerified"
)

// LegacyCredentials is the content of a GTMOAuth2 persistence string: a
// form-encoded dictionary of tokens and user identity.
type LegacyCredentials struct {
	AccessToken  string
	RefreshToken string
	Scope        string
	Identity     UserIdentity
}

// LegacyClient is the client a legacy persistence string is restored for.
// The string itself records no endpoints or client registration.
type LegacyClient struct {
	TokenEndpoint string
	RedirectURI   string
	ClientID      string
	ClientSecret  string
}

// LegacyCredentialsOf snapshots the tokens and identity held by a.
func LegacyCredentialsOf(a *Authorizer) LegacyCredentials {
	state := a.State()
	return LegacyCredentials{
		AccessToken:  state.AccessToken(),
		RefreshToken: state.RefreshToken(),
		Scope:        state.Scope(),
		Identity:     a.Identity(),
	}
}

// Encode renders c as a persistence string. Keys are sorted and empty values
// are omitted.
func (c LegacyCredentials) Encode() string {
	values := map[string]string{
		legacyAccessToken:     c.AccessToken,
		legacyRefreshToken:    c.RefreshToken,
		legacyScope:           c.Scope,
		legacyServiceProvider: c.Identity.ServiceProvider,
		legacyUserID:          c.Identity.UserID,
		legacyUserEmail:       c.Identity.UserEmail,
	}
	if v := c.Identity.UserEmailVerified; v != nil {
		values[legacyUserEmailVerified] = strconv.FormatBool(*v)
	}

	keys := make([]string, 0, len(values))
	for k, v := range values {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, legacyEscape(k)+"="+legacyEscape(values[k]))
	}
	return strings.Join(pairs, "&")
}

// legacyEscape percent-encodes everything but unreserved characters.
func legacyEscape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// ParseLegacyCredentials decodes a persistence string. Pairs that fail to
// unescape are skipped, as are unknown keys.
func ParseLegacyCredentials(s string) LegacyCredentials {
	var c LegacyCredentials
	for _, pair := range strings.Split(s, "&") {
		rawKey, rawValue, _ := strings.Cut(pair, "=")
		key, err := url.PathUnescape(rawKey)
		if err != nil {
			continue
		}
		value, err := url.PathUnescape(rawValue)
		if err != nil {
			continue
		}
		switch key {
		case legacyAccessToken:
			c.AccessToken = value
		case legacyRefreshToken:
			c.RefreshToken = value
		case legacyScope:
			c.Scope = value
		case legacyServiceProvider:
			c.Identity.ServiceProvider = value
		case legacyUserID:
			c.Identity.UserID = value
		case legacyUserEmail:
			c.Identity.UserEmail = value
		case legacyUserEmailVerified:
			if verified, err := strconv.ParseBool(value); err == nil {
				c.Identity.UserEmailVerified = &verified
			}
		}
	}
	return c
}

// NewAuthStateFromLegacy builds a state from legacy credentials. The token
// endpoint doubles as the authorization endpoint since only refreshes are
// possible. The state is marked for refresh so the first use renews the
// access token, whose expiry the string does not record.
func NewAuthStateFromLegacy(c LegacyCredentials, client LegacyClient, opts ...StateOption) (*AuthState, error) {
	cfg, err := NewServiceConfiguration(client.TokenEndpoint, client.TokenEndpoint)
	if err != nil {
		return nil, err
	}
	if client.RedirectURI != "" {
		if _, err := url.Parse(client.RedirectURI); err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindInvalidRequest, fmt.Sprintf("invalid redirect URI %q", client.RedirectURI))
		}
	}
	if client.ClientID == "" {
		return nil, apperrors.New(apperrors.KindInvalidRequest, "client_id is required")
	}

	req := &TokenRequest{
		Configuration: cfg,
		GrantType:     GrantTypeRefreshToken,
		RedirectURI:   client.RedirectURI,
		ClientID:      client.ClientID,
		ClientSecret:  client.ClientSecret,
		Scope:         c.Scope,
		RefreshToken:  c.RefreshToken,
	}
	state := NewAuthState(nil, &TokenResponse{
		Request:      req,
		AccessToken:  c.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: c.RefreshToken,
		Scope:        c.Scope,
	}, opts...)
	state.SetNeedsTokenRefresh()
	return state, nil
}

// NewAuthorizerFromLegacy restores an authorizer from a persistence string,
// carrying its user identity.
func NewAuthorizerFromLegacy(persistence string, client LegacyClient, stateOpts []StateOption, opts ...AuthorizerOption) (*Authorizer, error) {
	creds := ParseLegacyCredentials(persistence)
	state, err := NewAuthStateFromLegacy(creds, client, stateOpts...)
	if err != nil {
		return nil, err
	}
	opts = append([]AuthorizerOption{WithUserIdentity(creds.Identity)}, opts...)
	return NewAuthorizer(state, opts...), nil
}
