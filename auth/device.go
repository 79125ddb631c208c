package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	apperrors "github.com/naotama2002/nativeauth-go/internal/errors"
)

// DeviceAuthorizationRequest starts an RFC 8628 device authorization.
type DeviceAuthorizationRequest struct {
	Configuration        *ServiceConfiguration
	ClientID             string
	ClientSecret         string
	Scope                string
	AdditionalParameters map[string]string
}

// DeviceAuthorizationRequestOptions configures NewDeviceAuthorizationRequest.
type DeviceAuthorizationRequestOptions struct {
	ClientID             string
	ClientSecret         string
	Scopes               []string
	AdditionalParameters map[string]string
}

var deviceReservedParams = []string{"client_id", "client_secret", "scope"}

// NewDeviceAuthorizationRequest validates opts and builds a request.
func NewDeviceAuthorizationRequest(cfg *ServiceConfiguration, opts DeviceAuthorizationRequestOptions) (*DeviceAuthorizationRequest, error) {
	if cfg == nil || cfg.DeviceAuthorizationEndpoint == nil {
		return nil, apperrors.New(apperrors.KindNotConfigured, "configuration has no device authorization endpoint")
	}
	if opts.ClientID == "" {
		return nil, apperrors.New(apperrors.KindInvalidRequest, "client_id is required")
	}
	if err := checkReserved("device authorization request", opts.AdditionalParameters, deviceReservedParams); err != nil {
		return nil, err
	}
	return &DeviceAuthorizationRequest{
		Configuration:        cfg,
		ClientID:             opts.ClientID,
		ClientSecret:         opts.ClientSecret,
		Scope:                JoinScopes(opts.Scopes),
		AdditionalParameters: copyParams(opts.AdditionalParameters),
	}, nil
}

// DeviceAuthorizationResponse tells the user where to enter UserCode.
type DeviceAuthorizationResponse struct {
	Request                 *DeviceAuthorizationRequest
	DeviceCode              string
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	ExpiresAt               time.Time
	// Interval is zero when the server did not send one.
	Interval time.Duration
}

type deviceAuthorizationBody struct {
	DeviceCode              string          `json:"device_code"`
	UserCode                string          `json:"user_code"`
	VerificationURI         string          `json:"verification_uri"`
	VerificationURL         string          `json:"verification_url"`
	VerificationURIComplete string          `json:"verification_uri_complete"`
	ExpiresIn               json.RawMessage `json:"expires_in"`
	Interval                json.RawMessage `json:"interval"`
}

// RequestDeviceAuthorization asks the provider for a device and user code.
func (s *Service) RequestDeviceAuthorization(ctx context.Context, req *DeviceAuthorizationRequest) (*DeviceAuthorizationResponse, error) {
	if req == nil || req.Configuration == nil || req.Configuration.DeviceAuthorizationEndpoint == nil {
		return nil, apperrors.New(apperrors.KindNotConfigured, "device authorization request has no endpoint")
	}
	endpoint := req.Configuration.DeviceAuthorizationEndpoint.String()

	form := url.Values{}
	for k, v := range req.AdditionalParameters {
		form.Set(k, v)
	}
	setIfNotEmpty(form, "scope", req.Scope)
	basic := s.applyClientAuth(req.Configuration, form, req.ClientID, req.ClientSecret)

	s.logger.Debug().Str("endpoint", endpoint).Msg("requesting device authorization")
	resp, err := s.http.PostForm(ctx, endpoint, form, nil, basic)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindTransport, "device authorization request failed")
	}
	defer func() { _ = resp.SafeClose() }()

	if err := errorResponse(resp, apperrors.KindOAuthToken); err != nil {
		return nil, err
	}

	var body deviceAuthorizationBody
	if err := json.Unmarshal(resp.BodyBytes, &body); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindMalformedResponse, "device authorization response is not a JSON object")
	}
	if body.VerificationURI == "" {
		body.VerificationURI = body.VerificationURL
	}
	if body.DeviceCode == "" || body.UserCode == "" || body.VerificationURI == "" {
		return nil, apperrors.New(apperrors.KindMalformedResponse, "device authorization response is missing device_code, user_code or verification_uri")
	}

	now := s.clock()
	out := &DeviceAuthorizationResponse{
		Request:                 req,
		DeviceCode:              body.DeviceCode,
		UserCode:                body.UserCode,
		VerificationURI:         body.VerificationURI,
		VerificationURIComplete: body.VerificationURIComplete,
	}
	if len(body.ExpiresIn) > 0 && !isJSONNull(body.ExpiresIn) {
		seconds, err := parseExpiresIn(body.ExpiresIn)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindMalformedResponse, "device authorization response has an invalid expires_in")
		}
		out.ExpiresAt = now.Add(time.Duration(seconds) * time.Second)
	}
	if len(body.Interval) > 0 && !isJSONNull(body.Interval) {
		seconds, err := parseExpiresIn(body.Interval)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindMalformedResponse, "device authorization response has an invalid interval")
		}
		out.Interval = time.Duration(seconds) * time.Second
	}
	return out, nil
}

// PollDeviceToken polls the token endpoint until the user approves or denies
// the device, the device code expires, or ctx is done.
func (s *Service) PollDeviceToken(ctx context.Context, device *DeviceAuthorizationResponse) (*TokenResponse, error) {
	req := device.Request
	tokenReq, err := NewTokenRequest(req.Configuration, TokenRequestOptions{
		GrantType:    GrantTypeDeviceCode,
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		DeviceCode:   device.DeviceCode,
	})
	if err != nil {
		return nil, err
	}

	interval := device.Interval
	if interval <= 0 {
		interval = s.devicePollInterval
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, apperrors.Wrap(ctx.Err(), apperrors.KindCancelled, "device authorization polling cancelled")
		case <-timer.C:
		}

		if !device.ExpiresAt.IsZero() && !s.clock().Before(device.ExpiresAt) {
			return nil, apperrors.OAuth(apperrors.KindOAuthToken, apperrors.CodeExpiredToken, "device code expired before authorization completed", "")
		}

		resp, err := s.performTokenRequest(ctx, tokenReq, "")
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, apperrors.Wrap(ctx.Err(), apperrors.KindCancelled, "device authorization polling cancelled")
		}
		switch apperrors.CodeOf(err) {
		case apperrors.CodeAuthorizationPending:
		case apperrors.CodeSlowDown:
			interval += s.slowDownIncrement
			s.logger.Debug().Dur("interval", interval).Msg("device token polling slowed down")
		default:
			return nil, err
		}
		timer.Reset(interval)
	}
}

// DeviceCodeCallback shows the user code to the user.
type DeviceCodeCallback func(*DeviceAuthorizationResponse)

// AuthorizeDevice runs the whole device flow and returns the resulting state.
func (s *Service) AuthorizeDevice(ctx context.Context, req *DeviceAuthorizationRequest, onCode DeviceCodeCallback, stateOpts ...StateOption) (*AuthState, error) {
	device, err := s.RequestDeviceAuthorization(ctx, req)
	if err != nil {
		return nil, err
	}
	if onCode != nil {
		onCode(device)
	}

	tokenResp, err := s.PollDeviceToken(ctx, device)
	if err != nil {
		return nil, fmt.Errorf("device authorization: %w", err)
	}
	opts := append([]StateOption{WithTokenService(s), WithStateLogger(s.logger), WithStateClock(s.clock)}, stateOpts...)
	return NewAuthState(nil, tokenResp, opts...), nil
}
