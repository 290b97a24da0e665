package entra

import (
	"context"
	"fmt"
)

// Identity is the verified principal extracted from an id_token. UserKey
// is the stable primary key for the token cache: the provider's object ID
// joined with the tenant ID, immutable for the life of the account.
type Identity struct {
	UserKey  string
	ObjectID string
	TenantID string
	Email    string
	Name     string
}

// VerifyIDToken validates the raw id_token's signature, issuer, audience
// and expiry against the provider's published keys, and derives the user
// key from the oid/tid claims.
func (b *Broker) VerifyIDToken(ctx context.Context, rawIDToken string) (Identity, error) {
	idToken, err := b.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return Identity{}, fmt.Errorf("id_token verification failed: %w", err)
	}

	var claims struct {
		OID   string `json:"oid"`
		TID   string `json:"tid"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return Identity{}, fmt.Errorf("extracting id_token claims: %w", err)
	}

	if claims.OID == "" || claims.TID == "" {
		return Identity{}, fmt.Errorf("id_token missing oid or tid claim")
	}

	return Identity{
		UserKey:  claims.OID + "." + claims.TID,
		ObjectID: claims.OID,
		TenantID: claims.TID,
		Email:    claims.Email,
		Name:     claims.Name,
	}, nil
}
