// This command is only used for local testing: it prints the token cache
// record for a user key against the configured store, with token values
// truncated.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/obobridge/obo-bridge/internal/config"
	"github.com/obobridge/obo-bridge/internal/tokencache"
)

type Config struct {
	Store config.StoreConfig
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <user-key>\n", os.Args[0])
		os.Exit(1)
	}
	userKey := os.Args[1]

	ctx := context.Background()

	cfg := Config{}
	err := envconfig.Process(ctx, &cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading config: %v\n", err)
		os.Exit(1)
	}

	store, err := tokencache.NewStore(ctx, cfg.Store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close(ctx)

	rec, found, err := store.Load(ctx, userKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading record: %v\n", err)
		os.Exit(1)
	}
	if !found {
		fmt.Printf("no record for %s\n", userKey)
		return
	}

	fmt.Printf("user key: %s (version %s)\n", userKey, rec.Version)
	for resource, tok := range rec.Tokens {
		fmt.Printf("  %s:\n", resource)
		fmt.Printf("    access token:  %s\n", truncate(tok.AccessToken))
		fmt.Printf("    refresh token: %s\n", truncate(tok.RefreshToken))
		fmt.Printf("    expires at:    %s (usable: %t)\n",
			tok.ExpiresAt.Format(time.RFC3339),
			tok.UsableAt(time.Now(), time.Minute))
		fmt.Printf("    scopes:        %v\n", tok.Scopes)
	}
}

func truncate(token string) string {
	if token == "" {
		return "(none)"
	}
	if len(token) <= 12 {
		return "..."
	}
	return token[:12] + "..."
}
