package tokencache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/obobridge/obo-bridge/internal/config"
)

// ErrVersionConflict is returned by Save when the record's version tag no
// longer matches the stored version: another writer has persisted a newer
// record since this one was loaded. The caller reloads and re-decides.
var ErrVersionConflict = errors.New("token cache: version conflict")

// Store persists one Record per user key. Writes are compare-and-set on
// the record's version tag; there is no blind overwrite. Reads never
// mutate stored state.
type Store interface {
	// Load retrieves the record for a user key. The returned record carries
	// the version tag required for a subsequent Save.
	Load(ctx context.Context, userKey string) (Record, bool, error)

	// Save persists the record, failing with ErrVersionConflict if the
	// stored version no longer matches rec.Version. A record with an empty
	// version is treated as a first write and conflicts with any existing
	// record.
	Save(ctx context.Context, userKey string, rec Record) error

	// Close releases resources held by the store.
	Close(ctx context.Context) error
}

// NewStore creates a token cache store from configuration: "memory" for a
// process-local store, "mongodb" for the durable multi-instance store.
func NewStore(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Type {
	case "memory":
		return NewMemory(), nil
	case "mongodb":
		return NewMongo(ctx, cfg)
	default:
		return nil, fmt.Errorf("invalid store type %q", cfg.Type)
	}
}

// Memory is a mutex-guarded in-process store. It provides the same
// compare-and-set semantics as the durable store and backs development
// and tests.
type Memory struct {
	mu      sync.Mutex
	records map[string]memoryEntry
}

type memoryEntry struct {
	tokens  map[Resource]CachedToken
	version uint64
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]memoryEntry)}
}

func (m *Memory) Load(ctx context.Context, userKey string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.records[userKey]
	if !ok {
		return NewRecord(), false, nil
	}

	rec := Record{
		Tokens:  make(map[Resource]CachedToken, len(entry.tokens)),
		Version: fmt.Sprintf("%d", entry.version),
	}
	for k, v := range entry.tokens {
		rec.Tokens[k] = v
	}
	return rec, true, nil
}

func (m *Memory) Save(ctx context.Context, userKey string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.records[userKey]

	switch {
	case rec.Version == "" && exists:
		return ErrVersionConflict
	case rec.Version != "" && (!exists || fmt.Sprintf("%d", current.version) != rec.Version):
		return ErrVersionConflict
	}

	tokens := make(map[Resource]CachedToken, len(rec.Tokens))
	for k, v := range rec.Tokens {
		tokens[k] = v
	}

	m.records[userKey] = memoryEntry{tokens: tokens, version: current.version + 1}
	return nil
}

func (m *Memory) Close(ctx context.Context) error {
	return nil
}
