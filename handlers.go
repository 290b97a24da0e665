package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/obobridge/obo-bridge/internal/agent"
	"github.com/obobridge/obo-bridge/internal/audit"
	"github.com/obobridge/obo-bridge/internal/authz"
	"github.com/obobridge/obo-bridge/internal/config"
	"github.com/obobridge/obo-bridge/internal/entra"
	"github.com/obobridge/obo-bridge/internal/session"
	"github.com/obobridge/obo-bridge/internal/tokencache"
	"github.com/obobridge/obo-bridge/internal/vendor"
)

// stateCookie holds the login state nonce between /auth/login and
// /auth/callback.
const stateCookie = "obo_auth_state"

// handleAuthLogin returns the provider authorization URL and plants the
// state nonce that the callback must echo.
func handleAuthLogin(broker *entra.Broker, cfg config.SessionConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		buf := make([]byte, 16)
		if _, err := rand.Read(buf); err != nil {
			requestError(w, http.StatusInternalServerError)
			return
		}
		state := base64.RawURLEncoding.EncodeToString(buf)

		http.SetCookie(w, &http.Cookie{
			Name:     stateCookie,
			Value:    state,
			Path:     "/auth",
			MaxAge:   600,
			HttpOnly: true,
			Secure:   cfg.CookieSecure,
			SameSite: http.SameSiteLaxMode,
		})

		writeJSON(w, http.StatusOK, map[string]string{
			"auth_url": broker.AuthCodeURL(state),
		})
	})
}

// handleAuthCallback completes the login: code redemption, id_token
// verification, initial token cache write, session issuance. Any failure
// leaves the browser without a session and previously persisted tokens
// untouched.
func handleAuthCallback(broker *entra.Broker, store tokencache.Store, sessions *session.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		query := r.URL.Query()

		if providerErr := query.Get("error"); providerErr != "" {
			// the provider's description stays in the log, not the response
			log.Info().Str("error", providerErr).
				Str("description", query.Get("error_description")).
				Msg("authorization denied by provider")
			writeJSONError(w, http.StatusBadRequest, "authorization failed")
			return
		}

		expected, err := r.Cookie(stateCookie)
		if err != nil || expected.Value == "" || query.Get("state") != expected.Value {
			writeJSONError(w, http.StatusBadRequest, "state mismatch")
			return
		}

		code := query.Get("code")
		if code == "" {
			writeJSONError(w, http.StatusBadRequest, "no authorization code provided")
			return
		}

		ts, err := broker.RedeemAuthorizationCode(r.Context(), code)
		if err != nil {
			log.Info().Err(err).Msg("authorization code redemption failed")
			status := http.StatusUnauthorized
			if errors.Is(err, entra.ErrProviderUnavailable) {
				status = http.StatusBadGateway
			}
			writeJSONError(w, status, "token exchange failed")
			return
		}

		identity, err := broker.VerifyIDToken(r.Context(), ts.IDToken)
		if err != nil {
			log.Info().Err(err).Msg("id token verification failed")
			writeJSONError(w, http.StatusBadRequest, "identity verification failed")
			return
		}

		audit.Log(r.Context()).UserKey = identity.UserKey

		if err := persistLogin(r, store, identity.UserKey, ts); err != nil {
			log.Warn().Err(err).Msg("persisting login tokens failed")
			writeJSONError(w, http.StatusBadGateway, "token persistence failed")
			return
		}

		cookie, err := sessions.Issue(r.Context(), identity.UserKey)
		if err != nil {
			log.Warn().Err(err).Msg("session issuance failed")
			writeJSONError(w, http.StatusInternalServerError, "session issuance failed")
			return
		}

		http.SetCookie(w, cookie)
		clearStateCookie(w)

		http.Redirect(w, r, "/", http.StatusFound)
	})
}

// persistLogin writes the redeemed primary grant into the user's token
// cache record, retrying once if a concurrent login for the same user
// wins the first write.
func persistLogin(r *http.Request, store tokencache.Store, userKey string, ts entra.TokenSet) error {
	tok := tokencache.CachedToken{
		AccessToken:  ts.AccessToken,
		RefreshToken: ts.RefreshToken,
		IDToken:      ts.IDToken,
		ExpiresAt:    ts.ExpiresAt,
		Scopes:       ts.Scopes,
	}

	for attempt := 0; ; attempt++ {
		rec, _, err := store.Load(r.Context(), userKey)
		if err != nil {
			return err
		}

		err = store.Save(r.Context(), userKey, rec.WithToken(tokencache.ResourcePrimary, tok))
		if errors.Is(err, tokencache.ErrVersionConflict) && attempt < 1 {
			continue
		}
		return err
	}
}

func clearStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    "",
		Path:     "/auth",
		MaxAge:   -1,
		HttpOnly: true,
	})
}

// handleAuthStatus reports whether the browser holds a live session. It
// never fails: an absent or lapsed session is simply "not authenticated".
func handleAuthStatus(sessions *session.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		cookie, err := r.Cookie(sessions.CookieName())
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}

		rec, err := sessions.Resolve(r.Context(), cookie.Value)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"expires_at":    rec.ExpiresAt.UTC().Format(time.RFC3339),
		})
	})
}

// handleAuthLogout destroys the session, if any, and clears the cookie.
// Logout always succeeds from the browser's point of view.
func handleAuthLogout(sessions *session.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		var id string
		if cookie, err := r.Cookie(sessions.CookieName()); err == nil {
			id = cookie.Value
		}

		cleared, err := sessions.Destroy(r.Context(), id)
		if err != nil {
			log.Warn().Err(err).Msg("session destroy failed")
			// the cookie is cleared regardless; the stored session lapses
			// on its own
			cleared, _ = sessions.Destroy(r.Context(), "")
		}

		http.SetCookie(w, cleared)
		writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
	})
}

// handleAuthTokens returns the user's primary access and id tokens for
// direct use by the browser client. Downstream on-behalf-of tokens are
// never exposed here.
func handleAuthTokens(tokenVendor *vendor.Vendor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		userKey := session.UserKeyFromContext(r.Context())
		entry := audit.Log(r.Context())
		entry.UserKey = userKey
		entry.Resource = string(tokencache.ResourcePrimary)

		tok, err := tokenVendor.GetToken(r.Context(), userKey, tokencache.ResourcePrimary)
		if err != nil {
			entry.Error = err.Error()
			writeVendorError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{
			"access_token": tok.AccessToken,
			"id_token":     tok.IDToken,
		})
	})
}

// handleThreadCreate claims a new thread for the user and, when the agent
// runtime is configured, registers it there with the user's credentials.
func handleThreadCreate(gate *authz.Gate, tokenVendor *vendor.Vendor, agentClient *agent.Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		userKey := session.UserKeyFromContext(r.Context())
		entry := audit.Log(r.Context())
		entry.UserKey = userKey

		threadID, err := threadIDFromRequest(r)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		entry.ThreadID = threadID

		if err := gate.AuthorizeCreate(r.Context(), userKey, threadID); err != nil {
			entry.Error = err.Error()
			if errors.Is(err, authz.ErrDenied) {
				notFound(w)
				return
			}
			requestError(w, http.StatusInternalServerError)
			return
		}

		if agentClient.Enabled() {
			tok, err := tokenVendor.GetToken(r.Context(), userKey, tokencache.ResourcePrimary)
			if err != nil {
				entry.Error = err.Error()
				writeVendorError(w, err)
				return
			}

			err = agentClient.CreateThread(r.Context(), threadID, agent.Tokens{
				AccessToken: tok.AccessToken,
				IDToken:     tok.IDToken,
			})
			if err != nil {
				entry.Error = err.Error()
				writeJSONError(w, http.StatusBadGateway, "agent runtime unavailable")
				return
			}
		}

		writeJSON(w, http.StatusCreated, map[string]string{"thread_id": threadID})
	})
}

// handleThreadRun authorizes a run against the thread's owner and
// delegates it to the agent runtime. The X-Delegate-Resources header
// names downstream resources ("graph", "arm") the run needs; matching
// on-behalf-of tokens are vended and forwarded.
func handleThreadRun(gate *authz.Gate, tokenVendor *vendor.Vendor, agentClient *agent.Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		userKey := session.UserKeyFromContext(r.Context())
		threadID := r.PathValue("id")

		entry := audit.Log(r.Context())
		entry.UserKey = userKey
		entry.ThreadID = threadID

		if err := gate.AuthorizeAccess(r.Context(), userKey, threadID); err != nil {
			entry.Error = err.Error()
			if errors.Is(err, authz.ErrDenied) {
				notFound(w)
				return
			}
			requestError(w, http.StatusInternalServerError)
			return
		}

		input, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		var resources []tokencache.Resource
		for _, name := range delegateResources(r) {
			resource, err := tokencache.ParseResource(name)
			if err != nil || resource == tokencache.ResourcePrimary {
				writeJSONError(w, http.StatusBadRequest, "unknown delegate resource")
				return
			}
			resources = append(resources, resource)
		}

		if !agentClient.Enabled() {
			writeJSON(w, http.StatusOK, map[string]string{
				"thread_id": threadID,
				"status":    "accepted",
			})
			return
		}

		vendTokens := func() (agent.Tokens, error) {
			tok, err := tokenVendor.GetToken(r.Context(), userKey, tokencache.ResourcePrimary)
			if err != nil {
				return agent.Tokens{}, err
			}

			tokens := agent.Tokens{
				AccessToken: tok.AccessToken,
				IDToken:     tok.IDToken,
			}
			for _, resource := range resources {
				entry.Resource = string(resource)

				delegated, err := tokenVendor.GetToken(r.Context(), userKey, resource)
				if err != nil {
					return agent.Tokens{}, err
				}

				if tokens.Delegated == nil {
					tokens.Delegated = make(map[string]string)
				}
				tokens.Delegated[string(resource)] = delegated.AccessToken
			}
			return tokens, nil
		}

		tokens, err := vendTokens()
		if err != nil {
			entry.Error = err.Error()
			writeVendorError(w, err)
			return
		}

		result, err := agentClient.RunThread(r.Context(), threadID, input, tokens)
		if tokenRejected(err) {
			// the runtime rejected credentials the cache still considered
			// valid, which points at revocation outside this service.
			// Invalidate the entries involved and retry once with freshly
			// vended tokens.
			log.Info().Str("thread_id", threadID).
				Msg("agent runtime rejected credentials, refreshing token cache")

			for _, resource := range append(resources, tokencache.ResourcePrimary) {
				if err := tokenVendor.Invalidate(r.Context(), userKey, resource); err != nil {
					log.Warn().Err(err).Str("resource", string(resource)).
						Msg("token invalidation failed")
				}
			}

			tokens, err = vendTokens()
			if err != nil {
				entry.Error = err.Error()
				writeVendorError(w, err)
				return
			}
			result, err = agentClient.RunThread(r.Context(), threadID, input, tokens)
		}
		if err != nil {
			entry.Error = err.Error()
			writeJSONError(w, http.StatusBadGateway, "agent runtime unavailable")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write(result); err != nil {
			log.Info().Msgf("failed to write response: %v\n", err)
		}
	})
}

func handleHealthCheck() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

// threadIDFromRequest reads the optional {"thread_id": ...} body; absent
// or empty means the bridge assigns one.
func threadIDFromRequest(r *http.Request) (string, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return "", err
	}
	if len(body) == 0 {
		return uuid.NewString(), nil
	}

	var req struct {
		ThreadID string `json:"thread_id"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return "", err
	}
	if req.ThreadID == "" {
		return uuid.NewString(), nil
	}
	return req.ThreadID, nil
}

func delegateResources(r *http.Request) []string {
	header := r.Header.Get("X-Delegate-Resources")
	if header == "" {
		return nil
	}

	var resources []string
	for _, name := range strings.Split(header, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			resources = append(resources, name)
		}
	}
	return resources
}

// tokenRejected reports whether the agent runtime refused the forwarded
// credentials outright.
func tokenRejected(err error) bool {
	var statusErr *agent.StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnauthorized
}

// writeVendorError maps a vending failure to its HTTP representation.
// The messages are fixed: provider diagnostics never reach the client. A
// consent failure points the client back at the login flow, where the
// provider collects the missing consent.
func writeVendorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, vendor.ErrReauthRequired):
		writeJSONError(w, http.StatusUnauthorized, "reauthentication required")
	case errors.Is(err, vendor.ErrConsentRequired):
		writeJSON(w, http.StatusForbidden, map[string]string{
			"error":       "consent required",
			"consent_url": "/auth/login",
		})
	default:
		writeJSONError(w, http.StatusBadGateway, "token service unavailable")
	}
}

func maxRequestSize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.MaxBytesHandler(next, limit)
	}
}

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeJSONError writes a JSON error response with the given status code and message.
func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		// At this point the status code has been written, so we can only log
		log.Info().Msgf("failed to write JSON response: %v", err)
	}
}

// notFound is the uniform denial response: the same 404 whether the
// thread does not exist or belongs to someone else.
func notFound(w http.ResponseWriter) {
	writeJSONError(w, http.StatusNotFound, "not found")
}

func requestError(w http.ResponseWriter, statusCode int) {
	http.Error(w, http.StatusText(statusCode), statusCode)
}

// drainRequestBody drains the request body by reading and discarding the contents.
// This is useful to ensure the request body is fully consumed, which is important
// for connection reuse in HTTP/1 clients.
func drainRequestBody(r *http.Request) {
	if r.Body != nil {
		// 5kb max: after this we'll assume the client is broken or malicious
		// and close the connection
		io.CopyN(io.Discard, r.Body, 5*1024*1024)
	}
}
