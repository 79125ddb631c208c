package auth

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	apperrors "github.com/naotama2002/nativeauth-go/internal/errors"
)

// Response types
const (
	ResponseTypeCode    = "code"
	ResponseTypeToken   = "token"
	ResponseTypeIDToken = "id_token"
)

// Well-known scopes
const (
	ScopeOpenID        = "openid"
	ScopeProfile       = "profile"
	ScopeEmail         = "email"
	ScopeAddress       = "address"
	ScopePhone         = "phone"
	ScopeOfflineAccess = "offline_access"
)

var authorizationReservedParams = []string{
	"response_type", "client_id", "redirect_uri", "scope", "state", "nonce",
	"code_challenge", "code_challenge_method",
}

// AuthorizationRequest is an immutable authorization request. Build it with
// NewAuthorizationRequest; the fields must not be modified afterwards.
type AuthorizationRequest struct {
	Configuration        *ServiceConfiguration
	ClientID             string
	ClientSecret         string
	Scope                string
	RedirectURI          *url.URL
	ResponseType         string
	State                string
	Nonce                string
	CodeVerifier         string
	CodeChallenge        string
	CodeChallengeMethod  string
	AdditionalParameters map[string]string
}

// AuthorizationRequestOptions configures NewAuthorizationRequest. Empty
// State, Nonce and CodeVerifier are generated.
type AuthorizationRequestOptions struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
	RedirectURI  string
	// ResponseType defaults to "code".
	ResponseType string
	State        string
	Nonce        string
	CodeVerifier string
	// CodeVerifierLength defaults to DefaultCodeVerifierLength.
	CodeVerifierLength int
	// CodeChallengeMethod defaults to S256.
	CodeChallengeMethod  string
	DisablePKCE          bool
	AdditionalParameters map[string]string
}

// NewAuthorizationRequest validates opts and builds a request against cfg.
func NewAuthorizationRequest(cfg *ServiceConfiguration, opts AuthorizationRequestOptions) (*AuthorizationRequest, error) {
	if cfg == nil || cfg.AuthorizationEndpoint == nil {
		return nil, apperrors.New(apperrors.KindNotConfigured, "configuration has no authorization endpoint")
	}
	if opts.ClientID == "" {
		return nil, apperrors.New(apperrors.KindInvalidRequest, "client_id is required")
	}
	redirect, err := parseRedirectURI(opts.RedirectURI)
	if err != nil {
		return nil, err
	}
	if err := checkReserved("authorization request", opts.AdditionalParameters, authorizationReservedParams); err != nil {
		return nil, err
	}

	req := &AuthorizationRequest{
		Configuration:        cfg,
		ClientID:             opts.ClientID,
		ClientSecret:         opts.ClientSecret,
		Scope:                JoinScopes(opts.Scopes),
		RedirectURI:          redirect,
		ResponseType:         opts.ResponseType,
		State:                opts.State,
		Nonce:                opts.Nonce,
		AdditionalParameters: copyParams(opts.AdditionalParameters),
	}
	if req.ResponseType == "" {
		req.ResponseType = ResponseTypeCode
	}
	if req.State == "" {
		if req.State, err = GenerateState(); err != nil {
			return nil, err
		}
	}
	if req.Nonce == "" {
		if req.Nonce, err = GenerateState(); err != nil {
			return nil, err
		}
	}

	if opts.DisablePKCE || !req.hasResponseType(ResponseTypeCode) {
		if opts.CodeVerifier != "" {
			return nil, apperrors.New(apperrors.KindInvalidRequest, "code verifier requires the code response type with PKCE enabled")
		}
		return req, nil
	}

	req.CodeVerifier = opts.CodeVerifier
	if req.CodeVerifier == "" {
		length := opts.CodeVerifierLength
		if length == 0 {
			length = DefaultCodeVerifierLength
		}
		if req.CodeVerifier, err = GenerateCodeVerifier(length); err != nil {
			return nil, err
		}
	} else if l := len(req.CodeVerifier); l < MinCodeVerifierLength || l > MaxCodeVerifierLength || !isUnreservedString(req.CodeVerifier) {
		return nil, apperrors.New(apperrors.KindInvalidRequest, "code verifier is not a valid RFC 7636 verifier")
	}

	req.CodeChallengeMethod = opts.CodeChallengeMethod
	if req.CodeChallengeMethod == "" {
		req.CodeChallengeMethod = CodeChallengeMethodS256
	}
	if cfg.Discovery != nil && !cfg.Discovery.SupportsCodeChallengeMethod(req.CodeChallengeMethod) {
		return nil, apperrors.New(apperrors.KindNotConfigured,
			fmt.Sprintf("provider does not support code challenge method %s", req.CodeChallengeMethod))
	}
	if req.CodeChallenge, err = ComputeCodeChallenge(req.CodeVerifier, req.CodeChallengeMethod); err != nil {
		return nil, err
	}
	return req, nil
}

func (r *AuthorizationRequest) hasResponseType(rt string) bool {
	for _, t := range strings.Fields(r.ResponseType) {
		if t == rt {
			return true
		}
	}
	return false
}

// AuthorizationURL renders the URL to open in the external user agent.
func (r *AuthorizationRequest) AuthorizationURL() *url.URL {
	u := *r.Configuration.AuthorizationEndpoint
	q := u.Query()
	for k, v := range r.AdditionalParameters {
		q.Set(k, v)
	}
	q.Set("response_type", r.ResponseType)
	q.Set("client_id", r.ClientID)
	q.Set("redirect_uri", r.RedirectURI.String())
	q.Set("state", r.State)
	if r.Scope != "" {
		q.Set("scope", r.Scope)
	}
	if r.Nonce != "" {
		q.Set("nonce", r.Nonce)
	}
	if r.CodeChallenge != "" {
		q.Set("code_challenge", r.CodeChallenge)
		q.Set("code_challenge_method", r.CodeChallengeMethod)
	}
	u.RawQuery = q.Encode()
	return &u
}

// JoinScopes joins scopes with single spaces, skipping empty entries.
func JoinScopes(scopes []string) string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, " ")
}

// SplitScopes is the inverse of JoinScopes.
func SplitScopes(scope string) []string {
	return strings.Fields(scope)
}

func parseRedirectURI(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, apperrors.New(apperrors.KindInvalidRequest, "redirect_uri is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindInvalidRequest, "invalid redirect_uri")
	}
	if !u.IsAbs() {
		return nil, apperrors.New(apperrors.KindInvalidRequest, fmt.Sprintf("redirect_uri must be absolute: %q", raw))
	}
	if u.Fragment != "" {
		return nil, apperrors.New(apperrors.KindInvalidRequest, "redirect_uri must not contain a fragment")
	}
	return u, nil
}

func checkReserved(what string, params map[string]string, reserved []string) error {
	var clashes []string
	for _, name := range reserved {
		if _, ok := params[name]; ok {
			clashes = append(clashes, name)
		}
	}
	if len(clashes) == 0 {
		return nil
	}
	sort.Strings(clashes)
	return apperrors.New(apperrors.KindInvalidRequest,
		fmt.Sprintf("%s additional parameters use reserved names: %s", what, strings.Join(clashes, ", ")))
}

func copyParams(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

type authorizationRequestJSON struct {
	Configuration        *ServiceConfiguration `json:"configuration"`
	ClientID             string                `json:"client_id"`
	ClientSecret         string                `json:"client_secret,omitempty"`
	Scope                string                `json:"scope,omitempty"`
	RedirectURI          string                `json:"redirect_uri"`
	ResponseType         string                `json:"response_type"`
	State                string                `json:"state"`
	Nonce                string                `json:"nonce,omitempty"`
	CodeVerifier         string                `json:"code_verifier,omitempty"`
	CodeChallenge        string                `json:"code_challenge,omitempty"`
	CodeChallengeMethod  string                `json:"code_challenge_method,omitempty"`
	AdditionalParameters map[string]string     `json:"additional_parameters,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (r *AuthorizationRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(authorizationRequestJSON{
		Configuration:        r.Configuration,
		ClientID:             r.ClientID,
		ClientSecret:         r.ClientSecret,
		Scope:                r.Scope,
		RedirectURI:          urlString(r.RedirectURI),
		ResponseType:         r.ResponseType,
		State:                r.State,
		Nonce:                r.Nonce,
		CodeVerifier:         r.CodeVerifier,
		CodeChallenge:        r.CodeChallenge,
		CodeChallengeMethod:  r.CodeChallengeMethod,
		AdditionalParameters: r.AdditionalParameters,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *AuthorizationRequest) UnmarshalJSON(data []byte) error {
	var v authorizationRequestJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	redirect, err := parseRedirectURI(v.RedirectURI)
	if err != nil {
		return err
	}
	*r = AuthorizationRequest{
		Configuration:        v.Configuration,
		ClientID:             v.ClientID,
		ClientSecret:         v.ClientSecret,
		Scope:                v.Scope,
		RedirectURI:          redirect,
		ResponseType:         v.ResponseType,
		State:                v.State,
		Nonce:                v.Nonce,
		CodeVerifier:         v.CodeVerifier,
		CodeChallenge:        v.CodeChallenge,
		CodeChallengeMethod:  v.CodeChallengeMethod,
		AdditionalParameters: v.AdditionalParameters,
	}
	return nil
}
