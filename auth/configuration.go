package auth

import (
	"encoding/json"
	"fmt"
	"net/url"

	apperrors "github.com/naotama2002/nativeauth-go/internal/errors"
)

// DiscoveryDocument is a provider metadata document (OpenID Connect Discovery
// or RFC 8414). Fields not modelled here are kept and survive re-encoding.
type DiscoveryDocument struct {
	Issuer                            string   `json:"issuer,omitempty"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint,omitempty"`
	TokenEndpoint                     string   `json:"token_endpoint,omitempty"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint,omitempty"`
	JWKSURI                           string   `json:"jwks_uri,omitempty"`
	EndSessionEndpoint                string   `json:"end_session_endpoint,omitempty"`
	DeviceAuthorizationEndpoint       string   `json:"device_authorization_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`

	raw map[string]json.RawMessage
}

type discoveryFields DiscoveryDocument

// UnmarshalJSON decodes the known fields and keeps the whole object.
func (d *DiscoveryDocument) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var fields discoveryFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*d = DiscoveryDocument(fields)
	d.raw = raw
	return nil
}

// MarshalJSON emits the original object with the known fields overlaid.
func (d DiscoveryDocument) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(discoveryFields(d))
	if err != nil {
		return nil, err
	}
	if len(d.raw) == 0 {
		return known, nil
	}
	var overlay map[string]json.RawMessage
	if err := json.Unmarshal(known, &overlay); err != nil {
		return nil, err
	}
	merged := make(map[string]json.RawMessage, len(d.raw)+len(overlay))
	for k, v := range d.raw {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Field returns the raw JSON of any top-level field, including ones this
// type does not model.
func (d *DiscoveryDocument) Field(name string) (json.RawMessage, bool) {
	v, ok := d.raw[name]
	return v, ok
}

// SupportsCodeChallengeMethod reports whether the provider advertises method.
// An empty list is treated as "unknown" and returns true.
func (d *DiscoveryDocument) SupportsCodeChallengeMethod(method string) bool {
	if len(d.CodeChallengeMethodsSupported) == 0 {
		return true
	}
	for _, m := range d.CodeChallengeMethodsSupported {
		if m == method {
			return true
		}
	}
	return false
}

// ServiceConfiguration is the set of provider endpoints a request needs.
type ServiceConfiguration struct {
	AuthorizationEndpoint       *url.URL
	TokenEndpoint               *url.URL
	RegistrationEndpoint        *url.URL
	EndSessionEndpoint          *url.URL
	DeviceAuthorizationEndpoint *url.URL
	Issuer                      string
	Discovery                   *DiscoveryDocument
}

// EndpointsOption sets optional endpoints on a manual configuration.
type EndpointsOption func(*ServiceConfiguration) error

// WithRegistrationEndpoint sets the dynamic client registration endpoint.
func WithRegistrationEndpoint(endpoint string) EndpointsOption {
	return func(c *ServiceConfiguration) (err error) {
		c.RegistrationEndpoint, err = parseEndpoint("registration_endpoint", endpoint)
		return err
	}
}

// WithDeviceAuthorizationEndpoint sets the device authorization endpoint.
func WithDeviceAuthorizationEndpoint(endpoint string) EndpointsOption {
	return func(c *ServiceConfiguration) (err error) {
		c.DeviceAuthorizationEndpoint, err = parseEndpoint("device_authorization_endpoint", endpoint)
		return err
	}
}

// WithEndSessionEndpoint sets the RP-initiated logout endpoint.
func WithEndSessionEndpoint(endpoint string) EndpointsOption {
	return func(c *ServiceConfiguration) (err error) {
		c.EndSessionEndpoint, err = parseEndpoint("end_session_endpoint", endpoint)
		return err
	}
}

// WithIssuer records the expected issuer for ID token validation.
func WithIssuer(issuer string) EndpointsOption {
	return func(c *ServiceConfiguration) error {
		c.Issuer = issuer
		return nil
	}
}

// NewServiceConfiguration builds a configuration from manually supplied endpoints.
func NewServiceConfiguration(authorizationEndpoint, tokenEndpoint string, opts ...EndpointsOption) (*ServiceConfiguration, error) {
	authz, err := parseEndpoint("authorization_endpoint", authorizationEndpoint)
	if err != nil {
		return nil, err
	}
	token, err := parseEndpoint("token_endpoint", tokenEndpoint)
	if err != nil {
		return nil, err
	}
	if authz == nil || token == nil {
		return nil, apperrors.New(apperrors.KindInvalidRequest, "authorization and token endpoints are required")
	}

	cfg := &ServiceConfiguration{
		AuthorizationEndpoint: authz,
		TokenEndpoint:         token,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// NewServiceConfigurationFromDocument builds a configuration from a discovery
// document. A document without authorization and token endpoints is invalid.
func NewServiceConfigurationFromDocument(doc *DiscoveryDocument) (*ServiceConfiguration, error) {
	if doc == nil || doc.AuthorizationEndpoint == "" || doc.TokenEndpoint == "" {
		return nil, apperrors.New(apperrors.KindInvalidDiscoveryDocument,
			"discovery document is missing authorization_endpoint or token_endpoint")
	}

	cfg := &ServiceConfiguration{Issuer: doc.Issuer, Discovery: doc}
	var err error
	if cfg.AuthorizationEndpoint, err = parseEndpoint("authorization_endpoint", doc.AuthorizationEndpoint); err != nil {
		return nil, invalidDocument(err)
	}
	if cfg.TokenEndpoint, err = parseEndpoint("token_endpoint", doc.TokenEndpoint); err != nil {
		return nil, invalidDocument(err)
	}
	if cfg.RegistrationEndpoint, err = parseEndpoint("registration_endpoint", doc.RegistrationEndpoint); err != nil {
		return nil, invalidDocument(err)
	}
	if cfg.EndSessionEndpoint, err = parseEndpoint("end_session_endpoint", doc.EndSessionEndpoint); err != nil {
		return nil, invalidDocument(err)
	}
	if cfg.DeviceAuthorizationEndpoint, err = parseEndpoint("device_authorization_endpoint", doc.DeviceAuthorizationEndpoint); err != nil {
		return nil, invalidDocument(err)
	}
	return cfg, nil
}

func invalidDocument(err error) error {
	return apperrors.Wrap(err, apperrors.KindInvalidDiscoveryDocument, "discovery document has an invalid endpoint")
}

// parseEndpoint returns nil for an empty value.
func parseEndpoint(name, raw string) (*url.URL, error) {
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindInvalidRequest, fmt.Sprintf("invalid %s", name))
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, apperrors.New(apperrors.KindInvalidRequest, fmt.Sprintf("%s must be an absolute URL: %q", name, raw))
	}
	return u, nil
}

type configurationJSON struct {
	AuthorizationEndpoint       string             `json:"authorization_endpoint"`
	TokenEndpoint               string             `json:"token_endpoint"`
	RegistrationEndpoint        string             `json:"registration_endpoint,omitempty"`
	EndSessionEndpoint          string             `json:"end_session_endpoint,omitempty"`
	DeviceAuthorizationEndpoint string             `json:"device_authorization_endpoint,omitempty"`
	Issuer                      string             `json:"issuer,omitempty"`
	Discovery                   *DiscoveryDocument `json:"discovery_document,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (c *ServiceConfiguration) MarshalJSON() ([]byte, error) {
	return json.Marshal(configurationJSON{
		AuthorizationEndpoint:       urlString(c.AuthorizationEndpoint),
		TokenEndpoint:               urlString(c.TokenEndpoint),
		RegistrationEndpoint:        urlString(c.RegistrationEndpoint),
		EndSessionEndpoint:          urlString(c.EndSessionEndpoint),
		DeviceAuthorizationEndpoint: urlString(c.DeviceAuthorizationEndpoint),
		Issuer:                      c.Issuer,
		Discovery:                   c.Discovery,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *ServiceConfiguration) UnmarshalJSON(data []byte) error {
	var v configurationJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v.Discovery != nil {
		cfg, err := NewServiceConfigurationFromDocument(v.Discovery)
		if err != nil {
			return err
		}
		*c = *cfg
		return nil
	}
	cfg, err := NewServiceConfiguration(v.AuthorizationEndpoint, v.TokenEndpoint,
		WithRegistrationEndpoint(v.RegistrationEndpoint),
		WithEndSessionEndpoint(v.EndSessionEndpoint),
		WithDeviceAuthorizationEndpoint(v.DeviceAuthorizationEndpoint),
		WithIssuer(v.Issuer))
	if err != nil {
		return err
	}
	*c = *cfg
	return nil
}

func urlString(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.String()
}
