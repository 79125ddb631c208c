package auth

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/naotama2002/nativeauth-go/internal/errors"
)

// fakeTokens answers refresh requests from respond. When gate is set every
// call blocks on it first.
type fakeTokens struct {
	calls   int32
	gate    chan struct{}
	respond func(n int, req *TokenRequest) (*TokenResponse, error)

	mu       sync.Mutex
	requests []*TokenRequest
}

func (f *fakeTokens) PerformTokenRequest(_ context.Context, req *TokenRequest) (*TokenResponse, error) {
	n := int(atomic.AddInt32(&f.calls, 1))
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.gate != nil {
		<-f.gate
	}
	return f.respond(n, req)
}

func (f *fakeTokens) callCount() int {
	return int(atomic.LoadInt32(&f.calls))
}

func (f *fakeTokens) lastRequest() *TokenRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func refreshedTo(accessToken, refreshToken string) func(int, *TokenRequest) (*TokenResponse, error) {
	return func(_ int, req *TokenRequest) (*TokenResponse, error) {
		return &TokenResponse{
			Request:               req,
			AccessToken:           accessToken,
			TokenType:             "Bearer",
			RefreshToken:          refreshToken,
			AccessTokenExpiration: time.Now().Add(time.Hour),
		}, nil
	}
}

// newCodeFlowState builds a state as if a code exchange had returned
// accessToken expiring at expiry with refresh token "rt-1".
func newCodeFlowState(t *testing.T, expiry time.Time, opts ...StateOption) *AuthState {
	t.Helper()
	req := newTestAuthorizationRequest(t, manualConfiguration(t))
	authResp := resolvedResponse(t, req, "code")
	exchange, err := authResp.TokenExchangeRequest(nil)
	require.NoError(t, err)

	tokenResp := &TokenResponse{
		Request:               exchange,
		AccessToken:           "at-1",
		TokenType:             "Bearer",
		IDToken:               "id-1",
		RefreshToken:          "rt-1",
		AccessTokenExpiration: expiry,
	}
	return NewAuthState(authResp, tokenResp, opts...)
}

func TestFreshTokensWithoutRefresh(t *testing.T) {
	tokens := &fakeTokens{respond: refreshedTo("unused", "")}

	for name, expiry := range map[string]time.Time{
		"valid for an hour": time.Now().Add(time.Hour),
		"unknown expiry":    {},
	} {
		t.Run(name, func(t *testing.T) {
			state := newCodeFlowState(t, expiry, WithTokenService(tokens))
			accessToken, idToken, err := state.FreshTokens(context.Background())
			require.NoError(t, err)
			assert.Equal(t, "at-1", accessToken)
			assert.Equal(t, "id-1", idToken)
		})
	}
	assert.Equal(t, 0, tokens.callCount())
}

func TestFreshTokensRefreshesExpiredToken(t *testing.T) {
	tokens := &fakeTokens{respond: refreshedTo("at-2", "")}
	state := newCodeFlowState(t, time.Now().Add(-time.Minute), WithTokenService(tokens))

	var changes int32
	state.AddChangeObserver(func(*AuthState) { atomic.AddInt32(&changes, 1) })

	accessToken, idToken, err := state.FreshTokens(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-2", accessToken)
	// the refresh response carried no ID token
	assert.Empty(t, idToken)
	assert.Equal(t, 1, tokens.callCount())
	assert.Equal(t, int32(1), atomic.LoadInt32(&changes))

	req := tokens.lastRequest()
	assert.Equal(t, GrantTypeRefreshToken, req.GrantType)
	assert.Equal(t, "rt-1", req.RefreshToken)
	assert.Equal(t, testClientID, req.ClientID)
	assert.Equal(t, "https://idp.example.com/token", req.Configuration.TokenEndpoint.String())
}

func TestFreshTokensHonoursLeeway(t *testing.T) {
	tokens := &fakeTokens{respond: refreshedTo("at-2", "")}

	state := newCodeFlowState(t, time.Now().Add(30*time.Second), WithTokenService(tokens))
	accessToken, _, err := state.FreshTokens(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-2", accessToken)

	state = newCodeFlowState(t, time.Now().Add(30*time.Second), WithTokenService(tokens), WithExpiryLeeway(10*time.Second))
	accessToken, _, err = state.FreshTokens(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-1", accessToken)
	assert.Equal(t, 1, tokens.callCount())
}

func TestSetNeedsTokenRefresh(t *testing.T) {
	tokens := &fakeTokens{respond: refreshedTo("at-2", "")}
	state := newCodeFlowState(t, time.Now().Add(time.Hour), WithTokenService(tokens))

	state.SetNeedsTokenRefresh()
	assert.True(t, state.NeedsTokenRefresh())

	accessToken, _, err := state.FreshTokens(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-2", accessToken)
	assert.False(t, state.NeedsTokenRefresh())
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	tokens := &fakeTokens{gate: make(chan struct{}), respond: refreshedTo("at-2", "")}
	state := newCodeFlowState(t, time.Now().Add(-time.Minute), WithTokenService(tokens))

	const callers = 10
	var wg sync.WaitGroup
	results := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			accessToken, _, err := state.FreshTokens(context.Background())
			assert.NoError(t, err)
			results <- accessToken
		}()
	}

	require.Eventually(t, func() bool { return tokens.callCount() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(tokens.gate)
	wg.Wait()
	close(results)

	for accessToken := range results {
		assert.Equal(t, "at-2", accessToken)
	}
	assert.Equal(t, 1, tokens.callCount())
}

func TestQueuedActionsRunInOrder(t *testing.T) {
	tokens := &fakeTokens{gate: make(chan struct{}), respond: refreshedTo("at-2", "")}
	state := newCodeFlowState(t, time.Now().Add(-time.Minute), WithTokenService(tokens))

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		i := i
		state.PerformActionWithFreshTokens(context.Background(), func(_, _ string, err error) {
			defer wg.Done()
			assert.NoError(t, err)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	close(tokens.gate)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestRefreshTokenIsSticky(t *testing.T) {
	tokens := &fakeTokens{respond: refreshedTo("at-2", "")}
	state := newCodeFlowState(t, time.Now().Add(-time.Minute), WithTokenService(tokens))

	_, _, err := state.FreshTokens(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rt-1", state.RefreshToken())

	tokens.respond = refreshedTo("at-3", "rt-2")
	state.SetNeedsTokenRefresh()
	_, _, err = state.FreshTokens(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rt-2", state.RefreshToken())
	assert.Equal(t, "rt-2", tokens.lastRequest().RefreshToken)
}

func TestRefreshInvalidGrant(t *testing.T) {
	invalid := apperrors.OAuth(apperrors.KindOAuthToken, apperrors.CodeInvalidGrant, "revoked", "")
	tokens := &fakeTokens{respond: func(int, *TokenRequest) (*TokenResponse, error) { return nil, invalid }}
	state := newCodeFlowState(t, time.Now().Add(-time.Minute), WithTokenService(tokens))

	var observed error
	state.AddErrorObserver(func(_ *AuthState, err error) { observed = err })

	_, _, err := state.FreshTokens(context.Background())
	assert.True(t, apperrors.IsInvalidGrant(err))
	assert.True(t, apperrors.IsInvalidGrant(observed))
	assert.Empty(t, state.RefreshToken())
	assert.False(t, state.IsAuthorized())
	assert.True(t, apperrors.IsInvalidGrant(state.AuthorizationError()))

	_, _, err = state.FreshTokens(context.Background())
	assert.True(t, apperrors.IsKind(err, apperrors.KindTokenRefresh), "got %v", err)
	assert.Equal(t, 1, tokens.callCount())
}

func TestRefreshOtherOAuthErrorKeepsRefreshToken(t *testing.T) {
	tokens := &fakeTokens{respond: func(int, *TokenRequest) (*TokenResponse, error) {
		return nil, apperrors.OAuth(apperrors.KindOAuthToken, apperrors.CodeInvalidClient, "", "")
	}}
	state := newCodeFlowState(t, time.Now().Add(-time.Minute), WithTokenService(tokens))

	_, _, err := state.FreshTokens(context.Background())
	assert.True(t, apperrors.IsClientMisconfiguration(err))
	assert.Equal(t, "rt-1", state.RefreshToken())
	assert.False(t, state.IsAuthorized())
}

func TestRefreshNetworkErrorLeavesStateAuthorized(t *testing.T) {
	tokens := &fakeTokens{respond: func(int, *TokenRequest) (*TokenResponse, error) {
		return nil, apperrors.Wrap(errors.New("connection refused"), apperrors.KindTransport, "token request failed")
	}}
	state := newCodeFlowState(t, time.Now().Add(-time.Minute), WithTokenService(tokens))

	var errorsSeen int32
	state.AddErrorObserver(func(*AuthState, error) { atomic.AddInt32(&errorsSeen, 1) })

	_, _, err := state.FreshTokens(context.Background())
	assert.True(t, apperrors.IsNetwork(err))
	assert.True(t, state.IsAuthorized())
	assert.Equal(t, "rt-1", state.RefreshToken())
	assert.Zero(t, atomic.LoadInt32(&errorsSeen))
}

func TestRefreshRetriesTransientErrors(t *testing.T) {
	tokens := &fakeTokens{respond: func(n int, req *TokenRequest) (*TokenResponse, error) {
		if n < 3 {
			return nil, apperrors.FromHTTPStatus(503, "unavailable")
		}
		return refreshedTo("at-2", "")(n, req)
	}}
	state := newCodeFlowState(t, time.Now().Add(-time.Minute),
		WithTokenService(tokens), WithRefreshRetry(3, time.Millisecond))

	accessToken, _, err := state.FreshTokens(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-2", accessToken)
	assert.Equal(t, 3, tokens.callCount())
}

func TestRefreshDoesNotRetryOAuthErrors(t *testing.T) {
	tokens := &fakeTokens{respond: func(int, *TokenRequest) (*TokenResponse, error) {
		return nil, apperrors.OAuth(apperrors.KindOAuthToken, apperrors.CodeInvalidGrant, "", "")
	}}
	state := newCodeFlowState(t, time.Now().Add(-time.Minute),
		WithTokenService(tokens), WithRefreshRetry(5, time.Millisecond))

	_, _, err := state.FreshTokens(context.Background())
	assert.True(t, apperrors.IsInvalidGrant(err), "got %v", err)
	assert.Equal(t, 1, tokens.callCount())
}

func TestFreshTokensWithoutRefreshToken(t *testing.T) {
	state := NewAuthState(nil, &TokenResponse{
		AccessToken:           "at",
		TokenType:             "Bearer",
		AccessTokenExpiration: time.Now().Add(-time.Minute),
	}, WithTokenService(&fakeTokens{}))

	_, _, err := state.FreshTokens(context.Background())
	assert.True(t, apperrors.IsKind(err, apperrors.KindTokenRefresh))
}

func TestFreshTokensWithoutTokenService(t *testing.T) {
	state := newCodeFlowState(t, time.Now().Add(-time.Minute))

	_, _, err := state.FreshTokens(context.Background())
	assert.True(t, apperrors.IsKind(err, apperrors.KindTokenRefresh))
}

func TestFreshTokensContextCancelled(t *testing.T) {
	tokens := &fakeTokens{gate: make(chan struct{}), respond: refreshedTo("at-2", "")}
	state := newCodeFlowState(t, time.Now().Add(-time.Minute), WithTokenService(tokens))

	updated := make(chan struct{})
	state.AddChangeObserver(func(*AuthState) { close(updated) })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := state.FreshTokens(ctx)
	assert.True(t, apperrors.IsKind(err, apperrors.KindCancelled))

	// the refresh carries on for the state's sake
	close(tokens.gate)
	select {
	case <-updated:
	case <-time.After(time.Second):
		t.Fatal("refresh did not complete after caller gave up")
	}
	assert.Equal(t, "at-2", state.AccessToken())
}

func TestSupersededRefreshDeliversNewerTokens(t *testing.T) {
	tokens := &fakeTokens{gate: make(chan struct{}), respond: refreshedTo("stale", "")}
	state := newCodeFlowState(t, time.Now().Add(-time.Minute), WithTokenService(tokens))

	result := make(chan string, 1)
	go func() {
		accessToken, _, err := state.FreshTokens(context.Background())
		assert.NoError(t, err)
		result <- accessToken
	}()
	require.Eventually(t, func() bool { return tokens.callCount() == 1 }, time.Second, time.Millisecond)

	state.UpdateWithTokenResponse(&TokenResponse{
		AccessToken:           "newer",
		TokenType:             "Bearer",
		AccessTokenExpiration: time.Now().Add(time.Hour),
	})
	close(tokens.gate)

	assert.Equal(t, "newer", <-result)
	assert.Equal(t, "newer", state.AccessToken())
}

func TestSupersededRefreshWithoutFreshTokensIsCancelled(t *testing.T) {
	tokens := &fakeTokens{gate: make(chan struct{}), respond: refreshedTo("stale", "")}
	state := newCodeFlowState(t, time.Now().Add(-time.Minute), WithTokenService(tokens))
	authResp := state.LastAuthorizationResponse()

	result := make(chan error, 1)
	state.PerformActionWithFreshTokens(context.Background(), func(_, _ string, err error) {
		result <- err
	})
	require.Eventually(t, func() bool { return tokens.callCount() == 1 }, time.Second, time.Millisecond)

	// a new authorization arrives before its code has been exchanged
	state.UpdateWithAuthorizationResponse(authResp)
	close(tokens.gate)

	assert.True(t, apperrors.IsKind(<-result, apperrors.KindCancelled))
	assert.Empty(t, state.AccessToken())
	assert.Empty(t, state.RefreshToken())
}

func TestObservers(t *testing.T) {
	state := newCodeFlowState(t, time.Now().Add(time.Hour))

	var changes, errs int32
	changeID := state.AddChangeObserver(func(*AuthState) { atomic.AddInt32(&changes, 1) })
	state.AddErrorObserver(func(*AuthState, error) { atomic.AddInt32(&errs, 1) })

	state.UpdateWithTokenResponse(&TokenResponse{AccessToken: "at-2", TokenType: "Bearer"})
	state.UpdateWithAuthorizationError(apperrors.New(apperrors.KindOAuthAuthorization, "denied"))
	state.UpdateWithAuthorizationError(nil)
	assert.Equal(t, int32(2), atomic.LoadInt32(&changes))
	assert.Equal(t, int32(1), atomic.LoadInt32(&errs))

	state.RemoveObserver(changeID)
	state.RemoveObserver(ObserverID{})
	state.SetNeedsTokenRefresh()
	assert.Equal(t, int32(2), atomic.LoadInt32(&changes))
}

func TestUpdateWithTokenResponseClearsError(t *testing.T) {
	state := newCodeFlowState(t, time.Now().Add(time.Hour))
	state.UpdateWithAuthorizationError(errors.New("boom"))
	assert.False(t, state.IsAuthorized())

	state.UpdateWithTokenResponse(&TokenResponse{AccessToken: "at-2", TokenType: "Bearer", Scope: "openid"})
	assert.True(t, state.IsAuthorized())
	assert.Nil(t, state.AuthorizationError())
	assert.Equal(t, "openid", state.Scope())
	assert.Equal(t, "rt-1", state.RefreshToken())
}

func TestUpdateWithRegistrationResetsAuthorization(t *testing.T) {
	state := newCodeFlowState(t, time.Now().Add(time.Hour))
	state.UpdateWithRegistrationResponse(&RegistrationResponse{ClientID: "registered"})

	assert.False(t, state.IsAuthorized())
	assert.Empty(t, state.RefreshToken())
	assert.Nil(t, state.LastTokenResponse())
	assert.Equal(t, "registered", state.LastRegistrationResponse().ClientID)
}

func TestAuthStateJSONRoundTrip(t *testing.T) {
	state := newCodeFlowState(t, time.Now().Add(-time.Minute))
	state.UpdateWithAuthorizationError(errors.New("plain error"))

	data, err := json.Marshal(state)
	require.NoError(t, err)

	tokens := &fakeTokens{respond: refreshedTo("at-2", "")}
	restored, err := RestoreAuthState(data, WithTokenService(tokens))
	require.NoError(t, err)

	assert.Equal(t, state.AccessToken(), restored.AccessToken())
	assert.Equal(t, state.IDToken(), restored.IDToken())
	assert.Equal(t, "rt-1", restored.RefreshToken())
	assert.Equal(t, state.Scope(), restored.Scope())
	assert.True(t, state.AccessTokenExpiration().Equal(restored.AccessTokenExpiration()))
	assert.True(t, apperrors.IsKind(restored.AuthorizationError(), apperrors.KindOAuthAuthorization))
	assert.Contains(t, restored.AuthorizationError().Error(), "plain error")
	assert.Equal(t, state.LastAuthorizationResponse().Request.CodeVerifier,
		restored.LastAuthorizationResponse().Request.CodeVerifier)

	// the restored state can still refresh
	restored.UpdateWithTokenResponse(restored.LastTokenResponse())
	accessToken, _, err := restored.FreshTokens(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-2", accessToken)
	assert.Equal(t, "https://idp.example.com/token", tokens.lastRequest().Configuration.TokenEndpoint.String())
}

func TestRestoreAuthStateRejectsNewerFormat(t *testing.T) {
	_, err := RestoreAuthState([]byte(`{"version":99}`))
	assert.True(t, apperrors.IsKind(err, apperrors.KindMalformedResponse))

	_, err = RestoreAuthState([]byte(`not json`))
	assert.True(t, apperrors.IsKind(err, apperrors.KindMalformedResponse))
}
