// Package entra wraps the Microsoft Entra ID token endpoint for the three
// grants the bridge uses: authorization-code redemption, refresh-token
// renewal, and on-behalf-of exchange for downstream resources.
//
// Every call is a network round trip to the provider; the broker holds no
// token state of its own. Transient provider failures (5xx, rate limiting,
// network errors) are retried with bounded exponential backoff; definitive
// rejections are classified into the ErrInvalidGrant / ErrConsentRequired
// sentinels and never retried.
package entra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/obobridge/obo-bridge/internal/config"
)

var (
	// ErrInvalidGrant indicates a definitively dead credential: a reused or
	// rejected authorization code, or a revoked/expired/superseded refresh
	// token. The user must redo the login flow; retrying cannot help.
	ErrInvalidGrant = errors.New("entra: invalid grant")

	// ErrConsentRequired indicates the user has not granted the delegated
	// permission for the requested resource. Only an interactive consent
	// redirect can resolve it.
	ErrConsentRequired = errors.New("entra: consent required")

	// ErrProviderUnavailable indicates a transient provider failure after
	// retries were exhausted. The caller may retry the whole operation.
	ErrProviderUnavailable = errors.New("entra: provider unavailable")
)

const (
	oboGrantType     = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	retryMaxAttempts = 3
	retryBaseDelay   = 250 * time.Millisecond
)

// TokenSet is the provider's response to a successful grant. RefreshToken
// and IDToken are absent for on-behalf-of responses unless the target
// scopes include offline/openid access.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresAt    time.Time
	Scopes       []string
}

// Broker is a stateless confidential client for one Entra application.
type Broker struct {
	oauth    oauth2.Config
	verifier *oidc.IDTokenVerifier
	tokenURL string
	timeout  time.Duration
}

// New discovers the provider's endpoints for the configured authority and
// prepares the broker. Discovery is a network call; the context bounds it.
func New(ctx context.Context, cfg config.EntraConfig) (*Broker, error) {
	provider, err := oidc.NewProvider(ctx, cfg.Authority())
	if err != nil {
		return nil, fmt.Errorf("provider discovery failed for %s: %w", cfg.Authority(), err)
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	// Entra expects the client secret in the form body. Setting the style
	// explicitly also stops the oauth2 package probing both styles, which
	// would re-send a definitively rejected grant.
	endpoint := provider.Endpoint()
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	return &Broker{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.PrimaryScopes(),
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		tokenURL: provider.Endpoint().TokenURL,
		timeout:  timeout,
	}, nil
}

// AuthCodeURL builds the provider authorization URL for login-start. The
// state nonce is round-tripped through the provider and checked at the
// callback. Account selection is always prompted so a shared browser
// doesn't silently reuse the previous account.
func (b *Broker) AuthCodeURL(state string) string {
	return b.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("prompt", "select_account"))
}

// RedeemAuthorizationCode exchanges a callback code for the primary token
// set. Codes are single use: a definitive provider rejection is never
// retried, only transport-level failures are.
func (b *Broker) RedeemAuthorizationCode(ctx context.Context, code string) (TokenSet, error) {
	return b.retry(ctx, func(ctx context.Context) (TokenSet, error) {
		tok, err := b.oauth.Exchange(ctx, code)
		if err != nil {
			return TokenSet{}, b.classify(err)
		}
		return fromOAuth2Token(tok), nil
	})
}

// Refresh renews the primary token set. ErrInvalidGrant means the refresh
// token itself is dead and must propagate as a re-authenticate signal.
func (b *Broker) Refresh(ctx context.Context, refreshToken string) (TokenSet, error) {
	return b.retry(ctx, func(ctx context.Context) (TokenSet, error) {
		// A token source seeded with only a refresh token always performs
		// the refresh_token grant on the first Token call.
		tok, err := b.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		if err != nil {
			return TokenSet{}, b.classify(err)
		}
		return fromOAuth2Token(tok), nil
	})
}

// ExchangeOnBehalfOf converts a primary delegated token into a token for a
// downstream resource using the jwt-bearer on-behalf-of grant.
// ErrConsentRequired surfaces distinctly: the user has not granted the
// target resource's delegated permission and no retry will help.
func (b *Broker) ExchangeOnBehalfOf(ctx context.Context, primaryAccessToken string, scopes []string) (TokenSet, error) {
	form := url.Values{
		"grant_type":          {oboGrantType},
		"client_id":           {b.oauth.ClientID},
		"client_secret":       {b.oauth.ClientSecret},
		"assertion":           {primaryAccessToken},
		"scope":               {strings.Join(scopes, " ")},
		"requested_token_use": {"on_behalf_of"},
	}

	return b.retry(ctx, func(ctx context.Context) (TokenSet, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.tokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return TokenSet{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return TokenSet{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		defer resp.Body.Close()

		return parseTokenResponse(resp)
	})
}

// retry runs op with bounded exponential backoff, applying the per-attempt
// provider timeout. The op is responsible for marking definitive failures
// permanent (via classify or backoff.Permanent).
func (b *Broker) retry(ctx context.Context, op func(context.Context) (TokenSet, error)) (TokenSet, error) {
	attempt := func() (TokenSet, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, b.timeout)
		defer cancel()
		return op(attemptCtx)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBaseDelay

	ts, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(retryMaxAttempts),
	)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
		return TokenSet{}, err
	}
	return ts, nil
}

// classify maps an oauth2 transport error onto the broker's taxonomy.
// Transient failures are returned retryable; definitive rejections are
// wrapped permanent so the backoff loop stops immediately.
func (b *Broker) classify(err error) error {
	var retrieve *oauth2.RetrieveError
	if !errors.As(err, &retrieve) {
		// transport-level failure (DNS, connect, timeout): retryable
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	status := 0
	if retrieve.Response != nil {
		status = retrieve.Response.StatusCode
	}
	if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
		return fmt.Errorf("%w: token endpoint returned %d", ErrProviderUnavailable, status)
	}

	code := retrieve.ErrorCode
	desc := retrieve.ErrorDescription
	suberror := ""
	if code == "" {
		code, desc, suberror = parseErrorBody(retrieve.Body)
	}

	return backoff.Permanent(grantError(code, desc, suberror))
}

// grantError maps a provider error payload to a sentinel. Provider error
// descriptions are deliberately not included in the returned error: they
// must never leak to HTTP clients.
func grantError(code, desc, suberror string) error {
	if isConsentError(code, desc, suberror) {
		return fmt.Errorf("%w (%s)", ErrConsentRequired, code)
	}

	switch code {
	case "invalid_grant", "expired_token":
		return fmt.Errorf("%w (%s)", ErrInvalidGrant, code)
	}

	return fmt.Errorf("entra: token endpoint rejected request (%s)", code)
}

// isConsentError detects Entra's incremental-consent signals: the
// dedicated error codes, the consent suberror on invalid_grant, and the
// AADSTS65001 "user has not consented" diagnostic code.
func isConsentError(code, desc, suberror string) bool {
	switch code {
	case "consent_required", "interaction_required":
		return true
	}
	if suberror == "consent_required" {
		return true
	}
	return strings.Contains(desc, "AADSTS65001")
}

type tokenEndpointResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

type tokenEndpointError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Suberror         string `json:"suberror"`
}

func parseTokenResponse(resp *http.Response) (TokenSet, error) {
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return TokenSet{}, fmt.Errorf("%w: token endpoint returned %d", ErrProviderUnavailable, resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		var payload tokenEndpointError
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return TokenSet{}, backoff.Permanent(fmt.Errorf("entra: token endpoint returned %d with unreadable body", resp.StatusCode))
		}
		return TokenSet{}, backoff.Permanent(grantError(payload.Error, payload.ErrorDescription, payload.Suberror))
	}

	var payload tokenEndpointResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return TokenSet{}, backoff.Permanent(fmt.Errorf("entra: decoding token response: %w", err))
	}
	if payload.AccessToken == "" {
		return TokenSet{}, backoff.Permanent(errors.New("entra: token response missing access_token"))
	}

	return TokenSet{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		IDToken:      payload.IDToken,
		ExpiresAt:    time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second),
		Scopes:       splitScopes(payload.Scope),
	}, nil
}

func parseErrorBody(body []byte) (code, desc, suberror string) {
	var payload tokenEndpointError
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", "", ""
	}
	return payload.Error, payload.ErrorDescription, payload.Suberror
}

func fromOAuth2Token(tok *oauth2.Token) TokenSet {
	ts := TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		ts.IDToken = idToken
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		ts.Scopes = splitScopes(scope)
	}
	return ts
}

func splitScopes(scope string) []string {
	if scope == "" {
		return nil
	}
	return strings.Fields(scope)
}

// ResourceScopes filters OpenID Connect scopes out of a granted scope
// list. The openid scopes are carried by the id_token's claims rather
// than the access token, so they do not identify a resource.
func ResourceScopes(scopes []string) []string {
	var out []string
	for _, s := range scopes {
		switch s {
		case "openid", "profile", "email", "offline_access":
			continue
		}
		out = append(out, s)
	}
	return out
}
