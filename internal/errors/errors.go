package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind represents a category of failure surfaced by the library
type Kind string

const (
	// KindTransport represents DNS, connect, TLS and timeout failures
	KindTransport Kind = "transport_error"
	// KindHTTPStatus represents a non-2xx response without an OAuth error body
	KindHTTPStatus Kind = "http_status_error"
	// KindOAuthAuthorization represents an error returned on the authorization redirect
	KindOAuthAuthorization Kind = "oauth_authorization_error"
	// KindOAuthToken represents an error returned by the token endpoint
	KindOAuthToken Kind = "oauth_token_error"
	// KindOAuthRegistration represents an error returned by the registration endpoint
	KindOAuthRegistration Kind = "oauth_registration_error"
	// KindMalformedResponse represents a response missing required fields or not decodable
	KindMalformedResponse Kind = "malformed_response"
	// KindInvalidDiscoveryDocument represents a discovery document without required endpoints
	KindInvalidDiscoveryDocument Kind = "invalid_discovery_document"
	// KindStateMismatch represents a redirect whose state does not match the request
	KindStateMismatch Kind = "state_mismatch"
	// KindCancelled represents an explicit cancellation
	KindCancelled Kind = "cancelled"
	// KindNotConfigured represents a request incompatible with its configuration
	KindNotConfigured Kind = "not_configured"
	// KindInvalidRequest represents a request rejected at construction time
	KindInvalidRequest Kind = "invalid_request"
	// KindIDTokenInvalid represents an ID token that failed validation
	KindIDTokenInvalid Kind = "id_token_invalid"
	// KindUserAgent represents a failure to present the external user agent
	KindUserAgent Kind = "user_agent_error"
	// KindTokenRefresh represents a refresh that could not be attempted
	KindTokenRefresh Kind = "token_refresh_error"
)

// OAuth error codes from RFC 6749 and RFC 8628.
const (
	CodeInvalidRequest          = "invalid_request"
	CodeInvalidClient           = "invalid_client"
	CodeInvalidGrant            = "invalid_grant"
	CodeUnauthorizedClient      = "unauthorized_client"
	CodeUnsupportedGrantType    = "unsupported_grant_type"
	CodeInvalidScope            = "invalid_scope"
	CodeAccessDenied            = "access_denied"
	CodeServerError             = "server_error"
	CodeTemporarilyUnavailable  = "temporarily_unavailable"
	CodeAuthorizationPending    = "authorization_pending"
	CodeSlowDown                = "slow_down"
	CodeExpiredToken            = "expired_token"
	CodeInvalidRedirectURI      = "invalid_redirect_uri"
	CodeInvalidClientMetadata   = "invalid_client_metadata"
	CodeUnsupportedResponseType = "unsupported_response_type"
)

// Error represents a structured library error
type Error struct {
	Kind        Kind   `json:"kind"`
	Code        string `json:"error,omitempty"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
	Message     string `json:"message,omitempty"`
	StatusCode  int    `json:"status_code,omitempty"`
	Cause       error  `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Code != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Code)
	}
	if e.Description != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Description)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new Error
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
	}
}

// Wrap wraps an existing error with a kind and message
func Wrap(err error, kind Kind, message string) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Cause:   err,
	}
}

// OAuth creates an error carrying a server-declared OAuth error code
func OAuth(kind Kind, code, description, uri string) *Error {
	return &Error{
		Kind:        kind,
		Code:        code,
		Description: description,
		URI:         uri,
		Message:     "server returned " + code,
	}
}

// WithDescription sets the human-readable description
func (e *Error) WithDescription(description string) *Error {
	e.Description = description
	return e
}

// WithStatusCode adds an HTTP status code
func (e *Error) WithStatusCode(code int) *Error {
	e.StatusCode = code
	return e
}

// WithCode sets the machine-readable code
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// As finds the first *Error in err's chain
func As(err error) (*Error, bool) {
	var target *Error
	if stderrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// IsKind checks if an error is of a specific kind
func IsKind(err error, kind Kind) bool {
	if e, ok := As(err); ok {
		return e.Kind == kind
	}
	return false
}

// CodeOf returns the OAuth error code carried by err, if any.
func CodeOf(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}

// IsOAuth reports whether err was declared by the server.
func IsOAuth(err error) bool {
	e, ok := As(err)
	if !ok {
		return false
	}
	switch e.Kind {
	case KindOAuthAuthorization, KindOAuthToken, KindOAuthRegistration:
		return true
	}
	return false
}

// IsInvalidGrant reports whether err means the grant is no longer usable and a
// full authorization is required.
func IsInvalidGrant(err error) bool {
	return IsKind(err, KindOAuthToken) && CodeOf(err) == CodeInvalidGrant
}

// IsClientMisconfiguration reports whether err points at the client's own
// registration rather than at the grant.
func IsClientMisconfiguration(err error) bool {
	if !IsOAuth(err) {
		return false
	}
	switch CodeOf(err) {
	case CodeInvalidClient, CodeUnauthorizedClient, CodeUnsupportedGrantType, CodeInvalidScope:
		return true
	}
	return false
}

// IsNetwork reports whether err is a transport or HTTP status failure.
func IsNetwork(err error) bool {
	return IsKind(err, KindTransport) || IsKind(err, KindHTTPStatus)
}

// IsTransient reports whether retrying the same request may succeed.
func IsTransient(err error) bool {
	e, ok := As(err)
	if !ok {
		return false
	}
	switch e.Kind {
	case KindTransport:
		return true
	case KindHTTPStatus, KindMalformedResponse:
		return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// FromHTTPStatus creates an HTTP status error
func FromHTTPStatus(statusCode int, message string) *Error {
	return New(KindHTTPStatus, message).WithStatusCode(statusCode)
}
