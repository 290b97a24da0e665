package tokencache

import (
	"fmt"
	"time"
)

// Resource names a downstream protected resource that tokens are held for.
type Resource string

const (
	// ResourcePrimary is the bridge's own API: the token set obtained at
	// login, the only entry that carries refresh material.
	ResourcePrimary Resource = "primary"

	// ResourceGraph is Microsoft Graph, reached via on-behalf-of exchange.
	ResourceGraph Resource = "graph"

	// ResourceARM is Azure Resource Manager, reached via on-behalf-of
	// exchange.
	ResourceARM Resource = "arm"
)

// ParseResource validates a resource name received from a client.
func ParseResource(s string) (Resource, error) {
	switch r := Resource(s); r {
	case ResourcePrimary, ResourceGraph, ResourceARM:
		return r, nil
	}
	return "", fmt.Errorf("unknown resource %q", s)
}

// CachedToken is one delegated token set held for a (user, resource) pair.
// RefreshToken is empty for on-behalf-of derived entries: those cannot
// self-renew and are re-derived from a fresh primary token instead.
type CachedToken struct {
	AccessToken  string    `json:"access_token" bson:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty" bson:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty" bson:"id_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at" bson:"expires_at"`
	Scopes       []string  `json:"scopes,omitempty" bson:"scopes,omitempty"`
}

// UsableAt reports whether the token may still be served at the given
// instant. The margin guards against clock skew and in-flight latency: a
// token inside its final margin is treated as expired.
func (t CachedToken) UsableAt(now time.Time, margin time.Duration) bool {
	if t.AccessToken == "" {
		return false
	}
	return now.Before(t.ExpiresAt.Add(-margin))
}

// Record is the full token cache for one user key: every known token
// across resources, plus the opaque version tag used for compare-and-set
// writes. The store persists records without interpreting their contents.
type Record struct {
	Tokens map[Resource]CachedToken

	// Version is assigned by the store on load and checked on save. Empty
	// means the record has never been persisted.
	Version string
}

// NewRecord returns an empty, unversioned record.
func NewRecord() Record {
	return Record{Tokens: make(map[Resource]CachedToken)}
}

// Token returns the entry for a resource, if present.
func (r Record) Token(res Resource) (CachedToken, bool) {
	t, ok := r.Tokens[res]
	return t, ok
}

// WithToken returns a copy of the record with the entry for res replaced.
// The receiver is not modified: records loaded from the store are treated
// as immutable snapshots so a failed compare-and-set can safely reload.
func (r Record) WithToken(res Resource, t CachedToken) Record {
	next := Record{
		Tokens:  make(map[Resource]CachedToken, len(r.Tokens)+1),
		Version: r.Version,
	}
	for k, v := range r.Tokens {
		next.Tokens[k] = v
	}
	next.Tokens[res] = t
	return next
}

// WithoutToken returns a copy of the record with the entry for res removed.
func (r Record) WithoutToken(res Resource) Record {
	next := Record{
		Tokens:  make(map[Resource]CachedToken, len(r.Tokens)),
		Version: r.Version,
	}
	for k, v := range r.Tokens {
		if k != res {
			next.Tokens[k] = v
		}
	}
	return next
}
