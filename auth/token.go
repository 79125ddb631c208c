package auth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	apperrors "github.com/naotama2002/nativeauth-go/internal/errors"
)

// Grant types
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypePassword          = "password"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
)

var tokenReservedParams = []string{
	"grant_type", "code", "redirect_uri", "client_id", "client_secret",
	"refresh_token", "code_verifier", "scope", "device_code",
}

// TokenRequest is a request to the token endpoint.
type TokenRequest struct {
	Configuration        *ServiceConfiguration `json:"configuration"`
	GrantType            string                `json:"grant_type"`
	AuthorizationCode    string                `json:"code,omitempty"`
	RedirectURI          string                `json:"redirect_uri,omitempty"`
	ClientID             string                `json:"client_id"`
	ClientSecret         string                `json:"client_secret,omitempty"`
	Scope                string                `json:"scope,omitempty"`
	RefreshToken         string                `json:"refresh_token,omitempty"`
	CodeVerifier         string                `json:"code_verifier,omitempty"`
	DeviceCode           string                `json:"device_code,omitempty"`
	AdditionalParameters map[string]string     `json:"additional_parameters,omitempty"`
}

// TokenRequestOptions configures NewTokenRequest.
type TokenRequestOptions struct {
	GrantType            string
	AuthorizationCode    string
	RedirectURI          string
	ClientID             string
	ClientSecret         string
	Scopes               []string
	RefreshToken         string
	CodeVerifier         string
	DeviceCode           string
	AdditionalParameters map[string]string
}

// NewTokenRequest validates opts for the grant type and builds a request.
func NewTokenRequest(cfg *ServiceConfiguration, opts TokenRequestOptions) (*TokenRequest, error) {
	if cfg == nil || cfg.TokenEndpoint == nil {
		return nil, apperrors.New(apperrors.KindNotConfigured, "configuration has no token endpoint")
	}
	if opts.GrantType == "" {
		return nil, apperrors.New(apperrors.KindInvalidRequest, "grant_type is required")
	}
	if opts.ClientID == "" {
		return nil, apperrors.New(apperrors.KindInvalidRequest, "client_id is required")
	}
	switch opts.GrantType {
	case GrantTypeAuthorizationCode:
		if opts.AuthorizationCode == "" || opts.RedirectURI == "" {
			return nil, apperrors.New(apperrors.KindInvalidRequest, "authorization_code grant requires code and redirect_uri")
		}
	case GrantTypeRefreshToken:
		if opts.RefreshToken == "" {
			return nil, apperrors.New(apperrors.KindInvalidRequest, "refresh_token grant requires a refresh token")
		}
	case GrantTypeDeviceCode:
		if opts.DeviceCode == "" {
			return nil, apperrors.New(apperrors.KindInvalidRequest, "device_code grant requires a device code")
		}
	}
	if err := checkReserved("token request", opts.AdditionalParameters, tokenReservedParams); err != nil {
		return nil, err
	}

	return &TokenRequest{
		Configuration:        cfg,
		GrantType:            opts.GrantType,
		AuthorizationCode:    opts.AuthorizationCode,
		RedirectURI:          opts.RedirectURI,
		ClientID:             opts.ClientID,
		ClientSecret:         opts.ClientSecret,
		Scope:                JoinScopes(opts.Scopes),
		RefreshToken:         opts.RefreshToken,
		CodeVerifier:         opts.CodeVerifier,
		DeviceCode:           opts.DeviceCode,
		AdditionalParameters: copyParams(opts.AdditionalParameters),
	}, nil
}

// FormValues returns the grant-specific body fields. Client credentials are
// added by the exchange according to the client authentication method.
func (r *TokenRequest) FormValues() url.Values {
	form := url.Values{}
	for k, v := range r.AdditionalParameters {
		form.Set(k, v)
	}
	form.Set("grant_type", r.GrantType)
	setIfNotEmpty(form, "code", r.AuthorizationCode)
	setIfNotEmpty(form, "redirect_uri", r.RedirectURI)
	setIfNotEmpty(form, "refresh_token", r.RefreshToken)
	setIfNotEmpty(form, "code_verifier", r.CodeVerifier)
	setIfNotEmpty(form, "device_code", r.DeviceCode)
	setIfNotEmpty(form, "scope", r.Scope)
	return form
}

func setIfNotEmpty(form url.Values, key, value string) {
	if value != "" {
		form.Set(key, value)
	}
}

// TokenResponse is a successful token endpoint response.
type TokenResponse struct {
	Request               *TokenRequest          `json:"request,omitempty"`
	AccessToken           string                 `json:"access_token"`
	TokenType             string                 `json:"token_type"`
	AccessTokenExpiration time.Time              `json:"expires_at"`
	IDToken               string                 `json:"id_token,omitempty"`
	RefreshToken          string                 `json:"refresh_token,omitempty"`
	Scope                 string                 `json:"scope,omitempty"`
	AdditionalParameters  map[string]interface{} `json:"additional_parameters,omitempty"`
}

// OAuth2Token converts the response for use with golang.org/x/oauth2 clients.
func (r *TokenResponse) OAuth2Token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  r.AccessToken,
		TokenType:    r.TokenType,
		RefreshToken: r.RefreshToken,
		Expiry:       r.AccessTokenExpiration,
	}
	if r.IDToken != "" {
		return tok.WithExtra(map[string]interface{}{"id_token": r.IDToken})
	}
	return tok
}

var tokenResponseFields = map[string]bool{
	"access_token": true, "token_type": true, "expires_in": true,
	"id_token": true, "refresh_token": true, "scope": true,
}

// parseTokenResponse decodes a token endpoint body. now anchors expires_in.
func parseTokenResponse(req *TokenRequest, body []byte, now time.Time) (*TokenResponse, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindMalformedResponse, "token response is not a JSON object")
	}

	resp := &TokenResponse{Request: req}
	for name, dst := range map[string]*string{
		"access_token":  &resp.AccessToken,
		"token_type":    &resp.TokenType,
		"id_token":      &resp.IDToken,
		"refresh_token": &resp.RefreshToken,
		"scope":         &resp.Scope,
	} {
		if v, ok := raw[name]; ok && !isJSONNull(v) {
			if err := json.Unmarshal(v, dst); err != nil {
				return nil, apperrors.Wrap(err, apperrors.KindMalformedResponse, fmt.Sprintf("token response field %s is not a string", name))
			}
		}
	}

	if resp.AccessToken == "" {
		return nil, apperrors.New(apperrors.KindMalformedResponse, "token response is missing access_token")
	}
	if resp.TokenType == "" {
		return nil, apperrors.New(apperrors.KindMalformedResponse, "token response is missing token_type")
	}

	if v, ok := raw["expires_in"]; ok && !isJSONNull(v) {
		seconds, err := parseExpiresIn(v)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindMalformedResponse, "token response has an invalid expires_in")
		}
		resp.AccessTokenExpiration = now.Add(time.Duration(seconds) * time.Second)
	}

	resp.AdditionalParameters = additionalFields(raw, tokenResponseFields)
	return resp, nil
}

// parseExpiresIn accepts a JSON number or a numeric string.
func parseExpiresIn(v json.RawMessage) (int64, error) {
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(v))
	dec.UseNumber()
	var decoded interface{}
	if err := dec.Decode(&decoded); err != nil {
		return 0, err
	}
	switch t := decoded.(type) {
	case json.Number:
		n = t
	case string:
		n = json.Number(strings.TrimSpace(t))
	default:
		return 0, fmt.Errorf("unexpected type %T", decoded)
	}
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := strconv.ParseFloat(n.String(), 64)
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}

func additionalFields(raw map[string]json.RawMessage, known map[string]bool) map[string]interface{} {
	var out map[string]interface{}
	for k, v := range raw {
		if known[k] {
			continue
		}
		var val interface{}
		if err := json.Unmarshal(v, &val); err != nil {
			continue
		}
		if out == nil {
			out = make(map[string]interface{})
		}
		out[k] = val
	}
	return out
}

func isJSONNull(v json.RawMessage) bool {
	return string(bytes.TrimSpace(v)) == "null"
}
