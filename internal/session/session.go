// Package session issues and resolves opaque browser sessions. A session
// carries only the user key; tokens never appear in the session record or
// the cookie.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/obobridge/obo-bridge/internal/config"
)

// ErrNotFound is returned by Resolve when the session ID is unknown,
// lapsed, or otherwise unusable. Callers treat all three identically.
var ErrNotFound = errors.New("session: not found")

// idBytes is the entropy of a session identifier before encoding.
const idBytes = 32

// Record is the server-side state for one session.
type Record struct {
	UserKey   string    `json:"user_key"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Manager issues, resolves and destroys sessions against a Store.
type Manager struct {
	store      Store
	cookieName string
	secure     bool
	lifetime   time.Duration
}

func NewManager(cfg config.SessionConfig, store Store) *Manager {
	return &Manager{
		store:      store,
		cookieName: cfg.CookieName,
		secure:     cfg.CookieSecure,
		lifetime:   time.Duration(cfg.LifetimeSeconds) * time.Second,
	}
}

// Issue creates a session for the user and returns the cookie to set on
// the response. The session expires a fixed duration from now; it is not
// extended by activity.
func (m *Manager) Issue(ctx context.Context, userKey string) (*http.Cookie, error) {
	buf := make([]byte, idBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generating session id: %w", err)
	}
	id := base64.RawURLEncoding.EncodeToString(buf)

	now := time.Now()
	rec := Record{
		UserKey:   userKey,
		CreatedAt: now,
		ExpiresAt: now.Add(m.lifetime),
	}

	if err := m.store.Set(ctx, id, rec); err != nil {
		return nil, fmt.Errorf("storing session: %w", err)
	}

	return m.cookie(id, int(m.lifetime.Seconds())), nil
}

// Resolve maps a session ID to its record. The stores expire entries
// themselves; the explicit ExpiresAt check covers the window between
// logical expiry and backend eviction.
func (m *Manager) Resolve(ctx context.Context, id string) (Record, error) {
	if id == "" {
		return Record{}, ErrNotFound
	}

	rec, found, err := m.store.Get(ctx, id)
	if err != nil {
		return Record{}, fmt.Errorf("resolving session: %w", err)
	}
	if !found || time.Now().After(rec.ExpiresAt) {
		return Record{}, ErrNotFound
	}

	return rec, nil
}

// Destroy removes the session and returns an expired cookie that clears
// the browser's copy. Destroying an unknown session succeeds.
func (m *Manager) Destroy(ctx context.Context, id string) (*http.Cookie, error) {
	if id != "" {
		if err := m.store.Delete(ctx, id); err != nil {
			return nil, fmt.Errorf("destroying session: %w", err)
		}
	}

	return m.cookie("", -1), nil
}

// CookieName returns the configured session cookie name.
func (m *Manager) CookieName() string {
	return m.cookieName
}

// cookie builds the session cookie. HttpOnly keeps the ID away from page
// scripts; SameSite=Lax allows the top-level redirect back from the
// provider to carry the cookie.
func (m *Manager) cookie(id string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     m.cookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

type userKeyContextKey struct{}

// ContextWithUserKey returns a context carrying the resolved user key.
// This is primarily for test usage; production requests go through
// Middleware.
func ContextWithUserKey(ctx context.Context, userKey string) context.Context {
	return context.WithValue(ctx, userKeyContextKey{}, userKey)
}

// UserKeyFromContext returns the user key set by the session middleware,
// or "" when the request carried no valid session.
func UserKeyFromContext(ctx context.Context) string {
	userKey, _ := ctx.Value(userKeyContextKey{}).(string)
	return userKey
}

// Middleware resolves the session cookie and rejects requests without a
// valid session. The resolved user key is set on the request context and
// can be retrieved with session.UserKeyFromContext(ctx).
func (m *Manager) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(m.cookieName)
			if err != nil {
				unauthorized(w)
				return
			}

			rec, err := m.Resolve(r.Context(), cookie.Value)
			if errors.Is(err, ErrNotFound) {
				unauthorized(w)
				return
			}
			if err != nil {
				http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
				return
			}

			ctx := ContextWithUserKey(r.Context(), rec.UserKey)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"authentication required"}`))
}
