// Package authz decides whether a user may act on a thread. Ownership is
// recorded once, at creation, and every later access is checked against
// that record.
package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// ErrDenied is the single rejection for every failure mode: thread does
// not exist, thread is owned by someone else, or the claim lost a creation
// race. Callers surface it identically so a denied response never reveals
// whether the thread exists.
var ErrDenied = errors.New("authz: denied")

// OwnershipStore records the owner of each thread.
type OwnershipStore interface {
	// PutIfAbsent claims the thread for owner unless it is already owned.
	// It returns the winning owner either way.
	PutIfAbsent(ctx context.Context, threadID, owner string) (string, error)

	// Owner looks up the recorded owner of a thread.
	Owner(ctx context.Context, threadID string) (string, bool, error)

	// Close releases resources held by the store.
	Close(ctx context.Context) error
}

// Gate evaluates thread operations against the ownership store.
type Gate struct {
	store OwnershipStore
}

func NewGate(store OwnershipStore) *Gate {
	return &Gate{store: store}
}

// AuthorizeCreate claims the thread for the user. Exactly one claimant
// wins a concurrent race; the rest are denied. Re-claiming a thread the
// user already owns succeeds, so a retried create is idempotent.
func (g *Gate) AuthorizeCreate(ctx context.Context, userKey, threadID string) error {
	winner, err := g.store.PutIfAbsent(ctx, threadID, userKey)
	if err != nil {
		return fmt.Errorf("claiming thread ownership: %w", err)
	}

	if winner != userKey {
		log.Debug().Str("thread_id", threadID).Msg("thread creation denied: already owned")
		return ErrDenied
	}

	return nil
}

// AuthorizeAccess permits the operation only when the user owns the
// thread. An unknown thread is denied the same way as someone else's.
func (g *Gate) AuthorizeAccess(ctx context.Context, userKey, threadID string) error {
	owner, found, err := g.store.Owner(ctx, threadID)
	if err != nil {
		return fmt.Errorf("looking up thread ownership: %w", err)
	}

	if !found || owner != userKey {
		return ErrDenied
	}

	return nil
}
