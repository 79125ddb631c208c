package auth

import (
	"crypto/subtle"
	"net/url"
	"strconv"
	"time"

	apperrors "github.com/naotama2002/nativeauth-go/internal/errors"
)

// AuthorizationResponse is the result of a successful authorization redirect.
type AuthorizationResponse struct {
	// Request is the request this response answers.
	Request               *AuthorizationRequest `json:"request"`
	AuthorizationCode     string                `json:"code,omitempty"`
	State                 string                `json:"state,omitempty"`
	AccessToken           string                `json:"access_token,omitempty"`
	TokenType             string                `json:"token_type,omitempty"`
	IDToken               string                `json:"id_token,omitempty"`
	AccessTokenExpiration time.Time             `json:"expires_at"`
	Scope                 string                `json:"scope,omitempty"`
	AdditionalParameters  map[string]string     `json:"additional_parameters,omitempty"`
}

var authorizationResponseFields = map[string]bool{
	"code": true, "state": true, "access_token": true, "token_type": true,
	"id_token": true, "expires_in": true, "scope": true,
}

// NewAuthorizationResponse builds a response from redirect parameters. A
// state that differs from the request's is a state mismatch error.
func NewAuthorizationResponse(req *AuthorizationRequest, params url.Values, now time.Time) (*AuthorizationResponse, error) {
	if err := checkState(req, params.Get("state")); err != nil {
		return nil, err
	}

	resp := &AuthorizationResponse{
		Request:           req,
		AuthorizationCode: params.Get("code"),
		State:             params.Get("state"),
		AccessToken:       params.Get("access_token"),
		TokenType:         params.Get("token_type"),
		IDToken:           params.Get("id_token"),
		Scope:             params.Get("scope"),
	}
	if v := params.Get("expires_in"); v != "" {
		seconds, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindMalformedResponse, "authorization response has an invalid expires_in")
		}
		resp.AccessTokenExpiration = now.Add(time.Duration(seconds) * time.Second)
	}
	for k := range params {
		if authorizationResponseFields[k] {
			continue
		}
		if resp.AdditionalParameters == nil {
			resp.AdditionalParameters = make(map[string]string)
		}
		resp.AdditionalParameters[k] = params.Get(k)
	}
	return resp, nil
}

func checkState(req *AuthorizationRequest, state string) error {
	if subtle.ConstantTimeCompare([]byte(req.State), []byte(state)) != 1 {
		return apperrors.New(apperrors.KindStateMismatch, "state in redirect does not match the request")
	}
	return nil
}

// authorizationError maps an error redirect to an OAuth authorization error.
func authorizationError(params url.Values) error {
	return apperrors.OAuth(apperrors.KindOAuthAuthorization,
		params.Get("error"), params.Get("error_description"), params.Get("error_uri"))
}

// TokenExchangeRequest builds the code exchange request matching this response.
func (r *AuthorizationResponse) TokenExchangeRequest(additional map[string]string) (*TokenRequest, error) {
	if r.AuthorizationCode == "" {
		return nil, apperrors.New(apperrors.KindNotConfigured, "authorization response has no authorization code")
	}
	req := r.Request
	return NewTokenRequest(req.Configuration, TokenRequestOptions{
		GrantType:            GrantTypeAuthorizationCode,
		AuthorizationCode:    r.AuthorizationCode,
		RedirectURI:          req.RedirectURI.String(),
		ClientID:             req.ClientID,
		ClientSecret:         req.ClientSecret,
		CodeVerifier:         req.CodeVerifier,
		AdditionalParameters: additional,
	})
}
