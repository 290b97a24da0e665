// Package entratest provides a local stand-in for the Entra ID provider:
// an httptest server implementing OIDC discovery, a JWKS endpoint, and a
// swappable token endpoint, plus id_token signing for callback tests.
package entratest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"

	"github.com/obobridge/obo-bridge/internal/config"
)

const keyID = "test-key"

// Provider is a fake identity provider. The token endpoint handler can be
// swapped per test via SetTokenHandler; all other endpoints are fixed.
type Provider struct {
	Server *httptest.Server

	key *rsa.PrivateKey

	mu           sync.Mutex
	tokenHandler http.HandlerFunc
}

// NewProvider starts the fake provider. It is shut down with the test.
func NewProvider(t *testing.T) *Provider {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "failed to generate provider signing key")

	p := &Provider{key: key}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", p.handleDiscovery)
	mux.HandleFunc("GET /keys", p.handleJWKS)
	mux.HandleFunc("POST /token", p.handleToken)

	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)

	return p
}

// Issuer returns the provider's issuer URL, for use as the broker's
// authority override.
func (p *Provider) Issuer() string {
	return p.Server.URL
}

// Config returns a broker configuration pointing at the fake provider.
func (p *Provider) Config() config.EntraConfig {
	return config.EntraConfig{
		TenantID:       "test-tenant",
		ClientID:       "test-client",
		ClientSecret:   "test-secret",
		ApplicationURI: "api://bridge",
		RedirectURI:    "http://localhost:8080/auth/callback",
		AuthorityURL:   p.Issuer(),
		GraphScopes:    []string{"https://graph.microsoft.com/User.Read"},
		ARMScopes:      []string{"https://management.azure.com/user_impersonation"},
		TimeoutSeconds: 5,
	}
}

// SetTokenHandler replaces the token endpoint behaviour for the test.
func (p *Provider) SetTokenHandler(h http.HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenHandler = h
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	h := p.tokenHandler
	p.mu.Unlock()

	if h == nil {
		http.Error(w, `{"error":"server_error"}`, http.StatusInternalServerError)
		return
	}
	h(w, r)
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"issuer":                 p.Issuer(),
		"authorization_endpoint": p.Issuer() + "/authorize",
		"token_endpoint":         p.Issuer() + "/token",
		"jwks_uri":               p.Issuer() + "/keys",
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (p *Provider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	set := jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{{
			Key:       p.key.Public(),
			KeyID:     keyID,
			Algorithm: string(jose.RS256),
			Use:       "sig",
		}},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(set)
}

// SignIDToken signs an id_token for the given subject claims. Issuer,
// audience, expiry and issued-at are filled in unless the caller overrides
// them via extraClaims.
func (p *Provider) SignIDToken(t *testing.T, extraClaims map[string]any) string {
	t.Helper()

	now := time.Now()
	claims := map[string]any{
		"iss": p.Issuer(),
		"aud": "test-client",
		"sub": "test-subject",
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
	}
	for k, v := range extraClaims {
		claims[k] = v
	}

	payload, err := json.Marshal(claims)
	require.NoError(t, err)

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: p.key},
		(&jose.SignerOptions{}).WithHeader("kid", keyID),
	)
	require.NoError(t, err)

	jws, err := signer.Sign(payload)
	require.NoError(t, err)

	raw, err := jws.CompactSerialize()
	require.NoError(t, err)

	return raw
}

// WriteTokenResponse writes a successful token endpoint response.
func WriteTokenResponse(w http.ResponseWriter, fields map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(fields)
}

// WriteTokenError writes an OAuth2 error response with the given status.
func WriteTokenError(w http.ResponseWriter, status int, code, description, suberror string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	payload := map[string]string{"error": code}
	if description != "" {
		payload["error_description"] = description
	}
	if suberror != "" {
		payload["suberror"] = suberror
	}
	_ = json.NewEncoder(w).Encode(payload)
}
