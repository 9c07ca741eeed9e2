package services

import (
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamsbridge/internal/adapters/graph"
)

func TestTokenValidTokenMakesNoNetworkCall(t *testing.T) {
	f := newFixture(t)
	f.authorize(t, "access-1", time.Hour)

	tok, err := f.tokens.Token(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.tokenAPI.calls))
}

func TestTokenWithoutExpiryIsUsedAsIs(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SaveTokens(f.ctx, "access-1", "refresh-1", nil))

	tok, err := f.tokens.Token(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.tokenAPI.calls))
}

func TestTokenNotAuthenticated(t *testing.T) {
	f := newFixture(t)

	_, err := f.tokens.Token(f.ctx)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.ErrorIs(t, err, graph.ErrAuthRequired)
}

func TestTokenExpiringIsRefreshedOnce(t *testing.T) {
	f := newFixture(t)
	f.authorize(t, "access-1", 2*time.Minute)

	var form url.Values
	f.tokenAPI.handler = func(w http.ResponseWriter, r *http.Request) {
		form = r.PostForm
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "access-2", "token_type": "Bearer", "expires_in": 3600})
	}

	tok, err := f.tokens.Token(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, "access-2", tok)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.tokenAPI.calls))
	assert.Equal(t, "refresh_token", form.Get("grant_type"))
	assert.Equal(t, "refresh-1", form.Get("refresh_token"))
	assert.Equal(t, "client-id", form.Get("client_id"))

	cred, err := f.store.Credential(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, "access-2", cred.AccessToken)
	assert.Equal(t, "refresh-1", cred.RefreshToken, "refresh token is kept when none is issued")
	require.NotNil(t, cred.TokenExpiry)
	assert.WithinDuration(t, f.now.Add(time.Hour-ExpiryMargin), *cred.TokenExpiry, time.Second)

	// Fresh now, no further call.
	_, err = f.tokens.Token(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.tokenAPI.calls))
}

func TestTokenRefreshStoresRotatedRefreshToken(t *testing.T) {
	f := newFixture(t)
	f.authorize(t, "access-1", -time.Minute)
	f.tokenAPI.handler = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "access-2", "refresh_token": "refresh-2", "expires_in": "1800"})
	}

	_, err := f.tokens.Token(f.ctx)
	require.NoError(t, err)
	cred, err := f.store.Credential(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, "refresh-2", cred.RefreshToken)
	assert.WithinDuration(t, f.now.Add(30*time.Minute-ExpiryMargin), *cred.TokenExpiry, time.Second)
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	f := newFixture(t)
	f.authorize(t, "access-1", time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := f.tokens.Token(f.ctx)
			assert.NoError(t, err)
			assert.Equal(t, "access-2", tok)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.tokenAPI.calls))
}

func TestRefreshInvalidGrantClearsTokens(t *testing.T) {
	f := newFixture(t)
	f.authorize(t, "access-1", time.Minute)
	f.tokenAPI.handler = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "AADSTS70008: expired"})
	}

	_, err := f.tokens.Token(f.ctx)
	assert.ErrorIs(t, err, ErrReauthRequired)
	assert.ErrorIs(t, err, graph.ErrAuthRequired)

	cred, err := f.store.Credential(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, cred.AccessToken)
	assert.Empty(t, cred.RefreshToken)
	assert.Nil(t, cred.TokenExpiry)

	_, err = f.tokens.Token(f.ctx)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestRefreshTransientFailureKeepsTokens(t *testing.T) {
	f := newFixture(t)
	f.authorize(t, "access-1", time.Minute)
	f.tokenAPI.handler = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	_, err := f.tokens.Token(f.ctx)
	assert.ErrorIs(t, err, ErrTokenUnavailable)
	assert.False(t, errors.Is(err, graph.ErrAuthRequired))

	cred, err := f.store.Credential(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, "access-1", cred.AccessToken)
	assert.Equal(t, "refresh-1", cred.RefreshToken)
}

func TestRefreshClientRejectionKeepsTokens(t *testing.T) {
	f := newFixture(t)
	f.authorize(t, "access-1", time.Minute)
	f.tokenAPI.handler = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client", "error_description": "AADSTS7000215: invalid secret"})
	}

	_, err := f.tokens.Token(f.ctx)
	assert.ErrorIs(t, err, ErrClientRejected)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.False(t, errors.Is(err, graph.ErrAuthRequired))

	cred, err := f.store.Credential(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, "access-1", cred.AccessToken)
	assert.Equal(t, "refresh-1", cred.RefreshToken)
	assert.NotNil(t, cred.TokenExpiry)
}

func TestRefreshUnauthorizedWithoutGrantErrorKeepsTokens(t *testing.T) {
	f := newFixture(t)
	f.authorize(t, "access-1", time.Minute)
	f.tokenAPI.handler = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}

	_, err := f.tokens.Token(f.ctx)
	assert.ErrorIs(t, err, ErrTokenUnavailable)

	cred, err := f.store.Credential(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", cred.RefreshToken)
}

func TestExchangeRejectsResponseWithoutRefreshToken(t *testing.T) {
	f := newFixture(t)
	f.tokenAPI.handler = func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "a", "token_type": "Bearer", "expires_in": 3600})
	}

	err := f.tokens.Exchange(f.ctx, "code-1")
	assert.True(t, IsValidation(err))

	cred, err := f.store.Credential(f.ctx)
	require.NoError(t, err)
	assert.False(t, cred.HasTokens())
	assert.Empty(t, cred.AccessToken)
}

func TestExchangeStoresTokenPair(t *testing.T) {
	f := newFixture(t)
	f.tokenAPI.handler = func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "code-1", r.PostForm.Get("code"))
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "a", "refresh_token": "r", "token_type": "Bearer", "expires_in": 3600})
	}

	require.NoError(t, f.tokens.Exchange(f.ctx, "code-1"))
	cred, err := f.store.Credential(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", cred.AccessToken)
	assert.Equal(t, "r", cred.RefreshToken)
	assert.NotNil(t, cred.TokenExpiry)
}

func TestLoginURLCarriesScopesAndState(t *testing.T) {
	f := newFixture(t)

	raw, err := f.tokens.LoginURL(f.ctx, "state-123")
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/"+testTenant+"/oauth2/v2.0/authorize", u.Path)
	q := u.Query()
	assert.Equal(t, "state-123", q.Get("state"))
	assert.Equal(t, "query", q.Get("response_mode"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Contains(t, q.Get("scope"), "offline_access")
	assert.Contains(t, q.Get("scope"), "Chat.Create")
}

func TestLoginURLRequiresConfiguration(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.DB().Exec("UPDATE credentials SET client_secret = ''").Error)

	_, err := f.tokens.LoginURL(f.ctx, "s")
	assert.ErrorIs(t, err, ErrNotConfigured)
}
