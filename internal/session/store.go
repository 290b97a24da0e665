package session

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/rs/zerolog/log"
	"github.com/valkey-io/valkey-go"

	"github.com/obobridge/obo-bridge/internal/config"
)

// Store persists session records keyed by opaque session ID. Entries are
// dropped by the backend once the session lifetime elapses; Get reports a
// lapsed or unknown ID as not found.
type Store interface {
	Set(ctx context.Context, id string, rec Record) error
	Get(ctx context.Context, id string) (Record, bool, error)
	Delete(ctx context.Context, id string) error
	Close()
}

const memoryMaxSessions = 10_000

// NewStore creates a session store based on the provided configuration.
//
// The store type must be either "memory" or "valkey". Any other value
// returns an error. For "valkey", cfg.Valkey.Address must be provided.
func NewStore(ctx context.Context, cfg config.SessionConfig) (Store, error) {
	ttl := time.Duration(cfg.LifetimeSeconds) * time.Second

	switch cfg.Type {
	case "valkey":
		log.Info().
			Str("session_store", "valkey").
			Str("address", cfg.Valkey.Address).
			Bool("tls", cfg.Valkey.TLS).
			Msg("initializing distributed session store")

		valkeyOpts := valkey.ClientOption{
			InitAddress: []string{cfg.Valkey.Address},
			AuthCredentialsFn: func(valkey.AuthCredentialsContext) (valkey.AuthCredentials, error) {
				return valkey.AuthCredentials{
					Username: cfg.Valkey.Username,
					Password: cfg.Valkey.Password,
				}, nil
			},
		}

		if cfg.Valkey.TLS {
			valkeyOpts.TLSConfig = &tls.Config{
				MinVersion: tls.VersionTLS12,
			}
		}

		client, err := valkey.NewClient(valkeyOpts)
		if err != nil {
			return nil, fmt.Errorf("failed to create valkey client: %w", err)
		}

		return &Distributed{client: client, ttl: ttl}, nil

	case "memory":
		log.Info().
			Str("session_store", "memory").
			Msg("initializing in-memory session store")

		return NewMemory(ttl), nil

	default:
		return nil, fmt.Errorf("invalid session store type %q: must be either \"memory\" or \"valkey\"", cfg.Type)
	}
}

// Memory is an in-memory session store using otter. Sessions expire a
// fixed duration after creation regardless of access.
type Memory struct {
	cache *otter.Cache[string, Record]
}

func NewMemory(ttl time.Duration) *Memory {
	cache := otter.Must(&otter.Options[string, Record]{
		MaximumSize:      memoryMaxSessions,
		ExpiryCalculator: otter.ExpiryCreating[string, Record](ttl),
	})

	return &Memory{cache: cache}
}

func (m *Memory) Set(ctx context.Context, id string, rec Record) error {
	m.cache.Set(id, rec)
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (Record, bool, error) {
	entry, ok := m.cache.GetEntry(id)
	if !ok {
		return Record{}, false, nil
	}
	return entry.Value, true, nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	m.cache.Invalidate(id)
	return nil
}

func (m *Memory) Close() {}

// Distributed is a Valkey-backed session store, for deployments running
// more than one bridge instance behind a load balancer.
type Distributed struct {
	client valkey.Client
	ttl    time.Duration
}

func storageKey(id string) string {
	return "session:" + id
}

// Set stores the JSON-serialized record with the session lifetime as its
// server-side TTL.
func (d *Distributed) Set(ctx context.Context, id string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}

	cmd := d.client.B().Set().Key(storageKey(id)).Value(string(data)).ExSeconds(int64(d.ttl.Seconds())).Build()
	if err := d.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// Get retrieves a session using server-assisted client-side caching, so
// repeated resolutions of the same session avoid a network round trip.
func (d *Distributed) Get(ctx context.Context, id string) (Record, bool, error) {
	cmd := d.client.B().Get().Key(storageKey(id)).Cache()
	result := d.client.DoCache(ctx, cmd, d.ttl)

	if err := result.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("failed to get session: %w", err)
	}

	val, err := result.ToString()
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to read session value: %w", err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		// Best-effort removal of the corrupted entry.
		_ = d.client.Do(ctx, d.client.B().Del().Key(storageKey(id)).Build()).Error()

		return Record{}, false, fmt.Errorf("failed to unmarshal session record: %w", err)
	}

	return rec, true, nil
}

func (d *Distributed) Delete(ctx context.Context, id string) error {
	cmd := d.client.B().Del().Key(storageKey(id)).Build()
	if err := d.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (d *Distributed) Close() {
	d.client.Close()
}
