package auth

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/naotama2002/nativeauth-go/internal/errors"
)

const authStateFormatVersion = 1

type authStateJSON struct {
	Version                   int                    `json:"version"`
	LastAuthorizationResponse *AuthorizationResponse `json:"last_authorization_response,omitempty"`
	LastTokenResponse         *TokenResponse         `json:"last_token_response,omitempty"`
	LastRegistrationResponse  *RegistrationResponse  `json:"last_registration_response,omitempty"`
	RefreshToken              string                 `json:"refresh_token,omitempty"`
	Scope                     string                 `json:"scope,omitempty"`
	AuthorizationError        *apperrors.Error       `json:"authorization_error,omitempty"`
	NeedsTokenRefresh         bool                   `json:"needs_token_refresh,omitempty"`
}

// MarshalJSON encodes the persistent part of the state. Pending actions and
// observers are not encoded.
func (s *AuthState) MarshalJSON() ([]byte, error) {
	s.mu.Lock()
	out := authStateJSON{
		Version:                   authStateFormatVersion,
		LastAuthorizationResponse: s.lastAuthorizationResponse,
		LastTokenResponse:         s.lastTokenResponse,
		LastRegistrationResponse:  s.lastRegistrationResponse,
		RefreshToken:              s.refreshToken,
		Scope:                     s.scope,
		NeedsTokenRefresh:         s.needsTokenRefresh,
	}
	if s.authorizationError != nil {
		if e, ok := apperrors.As(s.authorizationError); ok {
			out.AuthorizationError = e
		} else {
			out.AuthorizationError = apperrors.New(apperrors.KindOAuthAuthorization, s.authorizationError.Error())
		}
	}
	s.mu.Unlock()

	return json.Marshal(out)
}

// RestoreAuthState decodes a state produced by json.Marshal. opts configure
// the restored state as they would for NewAuthState.
func RestoreAuthState(data []byte, opts ...StateOption) (*AuthState, error) {
	var in authStateJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindMalformedResponse, "failed to decode auth state")
	}
	if in.Version > authStateFormatVersion {
		return nil, apperrors.New(apperrors.KindMalformedResponse,
			fmt.Sprintf("auth state format version %d is newer than supported version %d", in.Version, authStateFormatVersion))
	}

	s := newAuthState(opts...)
	s.lastAuthorizationResponse = in.LastAuthorizationResponse
	s.lastTokenResponse = in.LastTokenResponse
	s.lastRegistrationResponse = in.LastRegistrationResponse
	s.refreshToken = in.RefreshToken
	s.scope = in.Scope
	s.needsTokenRefresh = in.NeedsTokenRefresh
	if in.AuthorizationError != nil {
		s.authorizationError = in.AuthorizationError
	}
	return s, nil
}
