package auth

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/naotama2002/nativeauth-go/internal/errors"
)

func deviceService(p *testProvider) *Service {
	svc := p.service(WithDevicePollInterval(5 * time.Millisecond))
	svc.slowDownIncrement = 5 * time.Millisecond
	return svc
}

func newDeviceRequest(t *testing.T, p *testProvider) *DeviceAuthorizationRequest {
	t.Helper()
	req, err := NewDeviceAuthorizationRequest(p.configuration(t), DeviceAuthorizationRequestOptions{
		ClientID: testClientID,
		Scopes:   []string{"openid", "offline_access"},
	})
	require.NoError(t, err)
	return req
}

func TestRequestDeviceAuthorization(t *testing.T) {
	p := newTestProvider(t)
	var form map[string][]string
	p.setDeviceHandler(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		form = r.PostForm
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"device_code":      "dev-code",
			"user_code":        "WDJB-MJHT",
			"verification_url": "https://idp.example.com/device",
			"expires_in":       "600",
			"interval":         2,
		})
	})

	svc := p.service()
	resp, err := svc.RequestDeviceAuthorization(context.Background(), newDeviceRequest(t, p))
	require.NoError(t, err)

	assert.Equal(t, "dev-code", resp.DeviceCode)
	assert.Equal(t, "WDJB-MJHT", resp.UserCode)
	assert.Equal(t, "https://idp.example.com/device", resp.VerificationURI)
	assert.Equal(t, 2*time.Second, resp.Interval)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), resp.ExpiresAt, 5*time.Second)
	assert.Equal(t, []string{testClientID}, form["client_id"])
	assert.Equal(t, []string{"openid offline_access"}, form["scope"])
}

func TestRequestDeviceAuthorizationErrors(t *testing.T) {
	p := newTestProvider(t)
	svc := p.service()
	req := newDeviceRequest(t, p)

	p.setDeviceHandler(oauthError(http.StatusBadRequest, "unauthorized_client", ""))
	_, err := svc.RequestDeviceAuthorization(context.Background(), req)
	assert.True(t, apperrors.IsKind(err, apperrors.KindOAuthToken))
	assert.True(t, apperrors.IsClientMisconfiguration(err))

	p.setDeviceHandler(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"device_code": "d"})
	})
	_, err = svc.RequestDeviceAuthorization(context.Background(), req)
	assert.True(t, apperrors.IsKind(err, apperrors.KindMalformedResponse))

	_, err = NewDeviceAuthorizationRequest(manualConfiguration(t), DeviceAuthorizationRequestOptions{ClientID: testClientID})
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotConfigured))
}

func TestPollDeviceTokenHandlesPendingAndSlowDown(t *testing.T) {
	p := newTestProvider(t)
	var polls int32
	p.setTokenHandler(func(w http.ResponseWriter, r *http.Request) {
		switch atomic.AddInt32(&polls, 1) {
		case 1:
			oauthError(http.StatusBadRequest, "authorization_pending", "")(w, r)
		case 2:
			oauthError(http.StatusBadRequest, "slow_down", "")(w, r)
		default:
			tokenJSON("device-at", "device-rt", 3600)(w, r)
		}
	})

	svc := deviceService(p)
	device := &DeviceAuthorizationResponse{Request: newDeviceRequest(t, p), DeviceCode: "dev-code"}
	resp, err := svc.PollDeviceToken(context.Background(), device)
	require.NoError(t, err)
	assert.Equal(t, "device-at", resp.AccessToken)
	assert.Equal(t, int32(3), atomic.LoadInt32(&polls))

	forms := p.forms()
	assert.Equal(t, GrantTypeDeviceCode, forms[0].Get("grant_type"))
	assert.Equal(t, "dev-code", forms[0].Get("device_code"))
}

func TestPollDeviceTokenTerminalErrors(t *testing.T) {
	p := newTestProvider(t)
	svc := deviceService(p)
	req := newDeviceRequest(t, p)

	p.setTokenHandler(oauthError(http.StatusBadRequest, "access_denied", "user declined"))
	_, err := svc.PollDeviceToken(context.Background(), &DeviceAuthorizationResponse{Request: req, DeviceCode: "d"})
	assert.Equal(t, apperrors.CodeAccessDenied, apperrors.CodeOf(err))

	p.setTokenHandler(oauthError(http.StatusBadRequest, "authorization_pending", ""))
	_, err = svc.PollDeviceToken(context.Background(), &DeviceAuthorizationResponse{
		Request:    req,
		DeviceCode: "d",
		ExpiresAt:  time.Now().Add(30 * time.Millisecond),
	})
	assert.Equal(t, apperrors.CodeExpiredToken, apperrors.CodeOf(err))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = svc.PollDeviceToken(ctx, &DeviceAuthorizationResponse{Request: req, DeviceCode: "d"})
	assert.True(t, apperrors.IsKind(err, apperrors.KindCancelled), "got %v", err)
}

func TestAuthorizeDevice(t *testing.T) {
	p := newTestProvider(t)
	p.setDeviceHandler(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"device_code":               "dev-code",
			"user_code":                 "ABCD",
			"verification_uri":          "https://idp.example.com/device",
			"verification_uri_complete": "https://idp.example.com/device?user_code=ABCD",
			"expires_in":                600,
		})
	})
	p.setTokenHandler(tokenJSON("device-at", "device-rt", 3600))

	var shown *DeviceAuthorizationResponse
	state, err := deviceService(p).AuthorizeDevice(context.Background(), newDeviceRequest(t, p), func(d *DeviceAuthorizationResponse) {
		shown = d
	})
	require.NoError(t, err)
	require.NotNil(t, shown)
	assert.Equal(t, "ABCD", shown.UserCode)

	assert.True(t, state.IsAuthorized())
	assert.Equal(t, "device-at", state.AccessToken())
	assert.Equal(t, "device-rt", state.RefreshToken())

	// refreshes go back to the same token endpoint
	req, err := state.TokenRefreshRequest(nil)
	require.NoError(t, err)
	assert.Equal(t, p.URL+"/token", req.Configuration.TokenEndpoint.String())
}
