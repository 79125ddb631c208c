package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	apperrors "github.com/naotama2002/nativeauth-go/internal/errors"
	"github.com/naotama2002/nativeauth-go/internal/httpclient"
)

// PerformTokenRequest sends req to the token endpoint. It never retries.
//
// A non-2xx response with an "error" member is an oauth_token_error carrying
// the server's code and description; other non-2xx responses are
// http_status_error; a failure to reach the server is transport_error; a
// success body without access_token or token_type is malformed_response.
func (s *Service) PerformTokenRequest(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	return s.performTokenRequest(ctx, req, "")
}

// ExchangeAuthorizationCode exchanges the code in resp and validates any ID
// token against the original request.
func (s *Service) ExchangeAuthorizationCode(ctx context.Context, resp *AuthorizationResponse, additional map[string]string) (*TokenResponse, error) {
	req, err := resp.TokenExchangeRequest(additional)
	if err != nil {
		return nil, err
	}
	return s.performTokenRequest(ctx, req, resp.Request.Nonce)
}

func (s *Service) performTokenRequest(ctx context.Context, req *TokenRequest, nonce string) (*TokenResponse, error) {
	if req == nil || req.Configuration == nil || req.Configuration.TokenEndpoint == nil {
		return nil, apperrors.New(apperrors.KindNotConfigured, "token request has no token endpoint")
	}
	endpoint := req.Configuration.TokenEndpoint.String()

	form := req.FormValues()
	basic := s.applyClientAuth(req.Configuration, form, req.ClientID, req.ClientSecret)

	s.logger.Debug().Str("endpoint", endpoint).Str("grant_type", req.GrantType).Msg("performing token request")

	resp, err := s.http.PostForm(ctx, endpoint, form, nil, basic)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindTransport, "token request failed")
	}
	defer func() { _ = resp.SafeClose() }()

	if err := errorResponse(resp, apperrors.KindOAuthToken); err != nil {
		return nil, err
	}
	tokenResp, err := parseTokenResponse(req, resp.BodyBytes, s.clock())
	if err != nil {
		if !resp.IsJSON() {
			s.logger.Debug().Str("content_type", resp.Header.Get("Content-Type")).Msg("unparseable token response")
		}
		return nil, err
	}

	if tokenResp.IDToken != "" && req.GrantType == GrantTypeAuthorizationCode {
		if err := s.validateIDToken(ctx, tokenResp.IDToken, req.Configuration, req.ClientID, nonce); err != nil {
			return nil, err
		}
	}
	return tokenResp, nil
}

// oauthErrorBody is the RFC 6749 Section 5.2 error response.
type oauthErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorURI         string `json:"error_uri"`
	AccessToken      string `json:"access_token"`
}

// errorResponse classifies a failed response, returning nil on success. A 2xx
// body with "error" and no access token is also treated as an OAuth error.
func errorResponse(resp *httpclient.Response, kind apperrors.Kind) error {
	var body oauthErrorBody
	decoded := json.Unmarshal(resp.BodyBytes, &body) == nil

	if resp.IsSuccess() {
		if decoded && body.Error != "" && body.AccessToken == "" {
			return apperrors.OAuth(kind, body.Error, body.ErrorDescription, body.ErrorURI).WithStatusCode(resp.StatusCode)
		}
		return nil
	}

	if decoded && body.Error != "" {
		return apperrors.OAuth(kind, body.Error, body.ErrorDescription, body.ErrorURI).WithStatusCode(resp.StatusCode)
	}
	return apperrors.FromHTTPStatus(resp.StatusCode, fmt.Sprintf("unexpected HTTP status %d", resp.StatusCode))
}

// clientAuthMethod picks how to authenticate the client at the token endpoint.
func (s *Service) clientAuthMethod(cfg *ServiceConfiguration, secret string) ClientAuthMethod {
	if secret == "" {
		return ClientAuthNone
	}
	if s.clientAuth != "" {
		return s.clientAuth
	}
	if cfg.Discovery != nil && len(cfg.Discovery.TokenEndpointAuthMethodsSupported) > 0 {
		supported := cfg.Discovery.TokenEndpointAuthMethodsSupported
		if containsString(supported, string(ClientSecretBasic)) {
			return ClientSecretBasic
		}
		if containsString(supported, string(ClientSecretPost)) {
			return ClientSecretPost
		}
	}
	return ClientSecretBasic
}

// applyClientAuth adds client credentials to form, or returns basic
// credentials (form-encoded per RFC 6749 Section 2.3.1) for the header.
func (s *Service) applyClientAuth(cfg *ServiceConfiguration, form url.Values, clientID, secret string) *httpclient.BasicAuth {
	switch s.clientAuthMethod(cfg, secret) {
	case ClientSecretBasic:
		return &httpclient.BasicAuth{
			Username: url.QueryEscape(clientID),
			Password: url.QueryEscape(secret),
		}
	case ClientSecretPost:
		form.Set("client_id", clientID)
		form.Set("client_secret", secret)
	default:
		form.Set("client_id", clientID)
	}
	return nil
}
