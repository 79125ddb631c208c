package auth

import (
	"context"
	"encoding/json"
	"time"

	apperrors "github.com/naotama2002/nativeauth-go/internal/errors"
)

var registrationReservedParams = []string{
	"redirect_uris", "response_types", "grant_types", "subject_type", "token_endpoint_auth_method",
}

// RegistrationRequest is an RFC 7591 dynamic client registration request.
type RegistrationRequest struct {
	Configuration           *ServiceConfiguration `json:"configuration"`
	RedirectURIs            []string              `json:"redirect_uris"`
	ResponseTypes           []string              `json:"response_types,omitempty"`
	GrantTypes              []string              `json:"grant_types,omitempty"`
	SubjectType             string                `json:"subject_type,omitempty"`
	TokenEndpointAuthMethod string                `json:"token_endpoint_auth_method,omitempty"`
	// InitialAccessToken is sent as a bearer token when set.
	InitialAccessToken   string            `json:"-"`
	AdditionalParameters map[string]string `json:"additional_parameters,omitempty"`
}

// RegistrationRequestOptions configures NewRegistrationRequest.
type RegistrationRequestOptions struct {
	RedirectURIs            []string
	ResponseTypes           []string
	GrantTypes              []string
	SubjectType             string
	TokenEndpointAuthMethod string
	InitialAccessToken      string
	AdditionalParameters    map[string]string
}

// NewRegistrationRequest validates opts and builds a registration request.
func NewRegistrationRequest(cfg *ServiceConfiguration, opts RegistrationRequestOptions) (*RegistrationRequest, error) {
	if cfg == nil || cfg.RegistrationEndpoint == nil {
		return nil, apperrors.New(apperrors.KindNotConfigured, "configuration has no registration endpoint")
	}
	if len(opts.RedirectURIs) == 0 {
		return nil, apperrors.New(apperrors.KindInvalidRequest, "at least one redirect URI is required")
	}
	for _, u := range opts.RedirectURIs {
		if _, err := parseRedirectURI(u); err != nil {
			return nil, err
		}
	}
	if err := checkReserved("registration request", opts.AdditionalParameters, registrationReservedParams); err != nil {
		return nil, err
	}

	return &RegistrationRequest{
		Configuration:           cfg,
		RedirectURIs:            append([]string(nil), opts.RedirectURIs...),
		ResponseTypes:           append([]string(nil), opts.ResponseTypes...),
		GrantTypes:              append([]string(nil), opts.GrantTypes...),
		SubjectType:             opts.SubjectType,
		TokenEndpointAuthMethod: opts.TokenEndpointAuthMethod,
		InitialAccessToken:      opts.InitialAccessToken,
		AdditionalParameters:    copyParams(opts.AdditionalParameters),
	}, nil
}

// body returns the client metadata document to POST.
func (r *RegistrationRequest) body() map[string]interface{} {
	body := make(map[string]interface{}, len(r.AdditionalParameters)+5)
	for k, v := range r.AdditionalParameters {
		body[k] = v
	}
	body["redirect_uris"] = r.RedirectURIs
	if len(r.ResponseTypes) > 0 {
		body["response_types"] = r.ResponseTypes
	}
	if len(r.GrantTypes) > 0 {
		body["grant_types"] = r.GrantTypes
	}
	if r.SubjectType != "" {
		body["subject_type"] = r.SubjectType
	}
	if r.TokenEndpointAuthMethod != "" {
		body["token_endpoint_auth_method"] = r.TokenEndpointAuthMethod
	}
	return body
}

// RegistrationResponse is a successful registration.
type RegistrationResponse struct {
	Request                 *RegistrationRequest   `json:"request,omitempty"`
	ClientID                string                 `json:"client_id"`
	ClientIDIssuedAt        time.Time              `json:"client_id_issued_at"`
	ClientSecret            string                 `json:"client_secret,omitempty"`
	ClientSecretExpiresAt   time.Time              `json:"client_secret_expires_at"`
	RegistrationAccessToken string                 `json:"registration_access_token,omitempty"`
	RegistrationClientURI   string                 `json:"registration_client_uri,omitempty"`
	TokenEndpointAuthMethod string                 `json:"token_endpoint_auth_method,omitempty"`
	AdditionalParameters    map[string]interface{} `json:"additional_parameters,omitempty"`
}

var registrationResponseFields = map[string]bool{
	"client_id": true, "client_id_issued_at": true, "client_secret": true,
	"client_secret_expires_at": true, "registration_access_token": true,
	"registration_client_uri": true, "token_endpoint_auth_method": true,
}

// PerformRegistrationRequest registers a client with the provider.
func (s *Service) PerformRegistrationRequest(ctx context.Context, req *RegistrationRequest) (*RegistrationResponse, error) {
	if req == nil || req.Configuration == nil || req.Configuration.RegistrationEndpoint == nil {
		return nil, apperrors.New(apperrors.KindNotConfigured, "registration request has no registration endpoint")
	}
	endpoint := req.Configuration.RegistrationEndpoint.String()

	var headers map[string]string
	if req.InitialAccessToken != "" {
		headers = map[string]string{"Authorization": "Bearer " + req.InitialAccessToken}
	}

	s.logger.Debug().Str("endpoint", endpoint).Msg("performing registration request")
	resp, err := s.http.PostJSON(ctx, endpoint, req.body(), headers)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindTransport, "registration request failed")
	}
	defer func() { _ = resp.SafeClose() }()

	if err := errorResponse(resp, apperrors.KindOAuthRegistration); err != nil {
		return nil, err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(resp.BodyBytes, &raw); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindMalformedResponse, "registration response is not a JSON object")
	}
	var fields struct {
		ClientID                string `json:"client_id"`
		ClientIDIssuedAt        int64  `json:"client_id_issued_at"`
		ClientSecret            string `json:"client_secret"`
		ClientSecretExpiresAt   int64  `json:"client_secret_expires_at"`
		RegistrationAccessToken string `json:"registration_access_token"`
		RegistrationClientURI   string `json:"registration_client_uri"`
		TokenEndpointAuthMethod string `json:"token_endpoint_auth_method"`
	}
	if err := json.Unmarshal(resp.BodyBytes, &fields); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindMalformedResponse, "registration response has invalid fields")
	}
	if fields.ClientID == "" {
		return nil, apperrors.New(apperrors.KindMalformedResponse, "registration response is missing client_id")
	}

	out := &RegistrationResponse{
		Request:                 req,
		ClientID:                fields.ClientID,
		ClientSecret:            fields.ClientSecret,
		RegistrationAccessToken: fields.RegistrationAccessToken,
		RegistrationClientURI:   fields.RegistrationClientURI,
		TokenEndpointAuthMethod: fields.TokenEndpointAuthMethod,
		AdditionalParameters:    additionalFields(raw, registrationResponseFields),
	}
	if fields.ClientIDIssuedAt > 0 {
		out.ClientIDIssuedAt = time.Unix(fields.ClientIDIssuedAt, 0)
	}
	// 0 means the secret never expires
	if fields.ClientSecretExpiresAt > 0 {
		out.ClientSecretExpiresAt = time.Unix(fields.ClientSecretExpiresAt, 0)
	}
	return out, nil
}
