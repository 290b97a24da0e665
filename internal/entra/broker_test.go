package entra_test

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obobridge/obo-bridge/internal/entra"
	"github.com/obobridge/obo-bridge/internal/entra/entratest"
)

func newBroker(t *testing.T) (*entra.Broker, *entratest.Provider) {
	t.Helper()

	provider := entratest.NewProvider(t)
	broker, err := entra.New(context.Background(), provider.Config())
	require.NoError(t, err)

	return broker, provider
}

func TestAuthCodeURL(t *testing.T) {
	broker, provider := newBroker(t)

	u := broker.AuthCodeURL("state-nonce-1")

	assert.Contains(t, u, provider.Issuer()+"/authorize")
	assert.Contains(t, u, "state=state-nonce-1")
	assert.Contains(t, u, "prompt=select_account")
	assert.Contains(t, u, "client_id=test-client")
}

func TestRedeemAuthorizationCode(t *testing.T) {
	broker, provider := newBroker(t)

	provider.SetTokenHandler(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "code-1", r.PostForm.Get("code"))
		assert.Equal(t, "test-client", r.PostForm.Get("client_id"))
		assert.Equal(t, "test-secret", r.PostForm.Get("client_secret"))

		entratest.WriteTokenResponse(w, map[string]any{
			"access_token":  "primary-access",
			"refresh_token": "primary-refresh",
			"id_token":      "primary-id",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"scope":         "openid email api://bridge/access",
		})
	})

	ts, err := broker.RedeemAuthorizationCode(context.Background(), "code-1")
	require.NoError(t, err)

	assert.Equal(t, "primary-access", ts.AccessToken)
	assert.Equal(t, "primary-refresh", ts.RefreshToken)
	assert.Equal(t, "primary-id", ts.IDToken)
	assert.Equal(t, []string{"openid", "email", "api://bridge/access"}, ts.Scopes)
	assert.WithinDuration(t, time.Now().Add(time.Hour), ts.ExpiresAt, 30*time.Second)
}

func TestRedeemAuthorizationCode_ReplayNotRetried(t *testing.T) {
	broker, provider := newBroker(t)

	var calls atomic.Int32
	provider.SetTokenHandler(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		entratest.WriteTokenError(w, http.StatusBadRequest, "invalid_grant", "AADSTS54005: code already redeemed", "")
	})

	_, err := broker.RedeemAuthorizationCode(context.Background(), "code-used")
	assert.ErrorIs(t, err, entra.ErrInvalidGrant)
	assert.EqualValues(t, 1, calls.Load(), "definitive rejection must not be retried")
}

func TestRedeemAuthorizationCode_TransientRetried(t *testing.T) {
	broker, provider := newBroker(t)

	var calls atomic.Int32
	provider.SetTokenHandler(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		entratest.WriteTokenResponse(w, map[string]any{
			"access_token": "primary-access",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})

	ts, err := broker.RedeemAuthorizationCode(context.Background(), "code-1")
	require.NoError(t, err)
	assert.Equal(t, "primary-access", ts.AccessToken)
	assert.EqualValues(t, 2, calls.Load())
}

func TestRedeemAuthorizationCode_TransientExhausted(t *testing.T) {
	broker, provider := newBroker(t)

	var calls atomic.Int32
	provider.SetTokenHandler(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	})

	_, err := broker.RedeemAuthorizationCode(context.Background(), "code-1")
	assert.ErrorIs(t, err, entra.ErrProviderUnavailable)
	assert.EqualValues(t, 3, calls.Load(), "bounded retry: three attempts")
}

func TestRefresh(t *testing.T) {
	broker, provider := newBroker(t)

	provider.SetTokenHandler(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "old-refresh", r.PostForm.Get("refresh_token"))

		entratest.WriteTokenResponse(w, map[string]any{
			"access_token":  "renewed-access",
			"refresh_token": "rotated-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})

	ts, err := broker.Refresh(context.Background(), "old-refresh")
	require.NoError(t, err)
	assert.Equal(t, "renewed-access", ts.AccessToken)
	assert.Equal(t, "rotated-refresh", ts.RefreshToken)
}

func TestRefresh_DeadTokenIsInvalidGrant(t *testing.T) {
	broker, provider := newBroker(t)

	provider.SetTokenHandler(func(w http.ResponseWriter, r *http.Request) {
		entratest.WriteTokenError(w, http.StatusBadRequest, "invalid_grant", "AADSTS70008: refresh token expired", "")
	})

	_, err := broker.Refresh(context.Background(), "dead-refresh")
	assert.ErrorIs(t, err, entra.ErrInvalidGrant)
}

func TestExchangeOnBehalfOf(t *testing.T) {
	broker, provider := newBroker(t)

	provider.SetTokenHandler(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "urn:ietf:params:oauth:grant-type:jwt-bearer", r.PostForm.Get("grant_type"))
		assert.Equal(t, "on_behalf_of", r.PostForm.Get("requested_token_use"))
		assert.Equal(t, "primary-access", r.PostForm.Get("assertion"))
		assert.Equal(t, "https://graph.microsoft.com/User.Read", r.PostForm.Get("scope"))

		entratest.WriteTokenResponse(w, map[string]any{
			"access_token": "graph-access",
			"token_type":   "Bearer",
			"expires_in":   1800,
			"scope":        "https://graph.microsoft.com/User.Read",
		})
	})

	ts, err := broker.ExchangeOnBehalfOf(context.Background(), "primary-access",
		[]string{"https://graph.microsoft.com/User.Read"})
	require.NoError(t, err)

	assert.Equal(t, "graph-access", ts.AccessToken)
	assert.Empty(t, ts.RefreshToken, "on-behalf-of tokens carry no refresh material")
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), ts.ExpiresAt, 30*time.Second)
}

func TestExchangeOnBehalfOf_ConsentRequired(t *testing.T) {
	tests := map[string]func(w http.ResponseWriter){
		"suberror": func(w http.ResponseWriter) {
			entratest.WriteTokenError(w, http.StatusBadRequest, "invalid_grant", "user consent missing", "consent_required")
		},
		"error code": func(w http.ResponseWriter) {
			entratest.WriteTokenError(w, http.StatusBadRequest, "interaction_required", "", "")
		},
		"diagnostic code": func(w http.ResponseWriter) {
			entratest.WriteTokenError(w, http.StatusBadRequest, "invalid_grant",
				"AADSTS65001: The user or administrator has not consented", "")
		},
	}

	for name, writeError := range tests {
		t.Run(name, func(t *testing.T) {
			broker, provider := newBroker(t)
			provider.SetTokenHandler(func(w http.ResponseWriter, r *http.Request) {
				writeError(w)
			})

			_, err := broker.ExchangeOnBehalfOf(context.Background(), "primary-access", []string{"scope"})
			assert.ErrorIs(t, err, entra.ErrConsentRequired)
		})
	}
}

func TestVerifyIDToken(t *testing.T) {
	broker, provider := newBroker(t)

	raw := provider.SignIDToken(t, map[string]any{
		"oid":   "object-1",
		"tid":   "tenant-1",
		"email": "pat@example.com",
		"name":  "Pat Example",
	})

	identity, err := broker.VerifyIDToken(context.Background(), raw)
	require.NoError(t, err)

	assert.Equal(t, "object-1.tenant-1", identity.UserKey)
	assert.Equal(t, "pat@example.com", identity.Email)
	assert.Equal(t, "Pat Example", identity.Name)
}

func TestVerifyIDToken_MissingClaims(t *testing.T) {
	broker, provider := newBroker(t)

	raw := provider.SignIDToken(t, map[string]any{"email": "pat@example.com"})

	_, err := broker.VerifyIDToken(context.Background(), raw)
	assert.ErrorContains(t, err, "oid or tid")
}

func TestVerifyIDToken_WrongAudience(t *testing.T) {
	broker, provider := newBroker(t)

	raw := provider.SignIDToken(t, map[string]any{
		"aud": "someone-else",
		"oid": "object-1",
		"tid": "tenant-1",
	})

	_, err := broker.VerifyIDToken(context.Background(), raw)
	assert.Error(t, err)
}

func TestResourceScopes(t *testing.T) {
	scopes := entra.ResourceScopes([]string{"openid", "profile", "email", "offline_access", "api://bridge/access"})
	assert.Equal(t, []string{"api://bridge/access"}, scopes)
}
