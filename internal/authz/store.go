package authz

import (
	"context"
	"fmt"
	"sync"

	"github.com/obobridge/obo-bridge/internal/config"
)

// NewStore creates an ownership store from configuration: "memory" for a
// process-local store, "mongodb" for the durable multi-instance store.
func NewStore(ctx context.Context, cfg config.StoreConfig) (OwnershipStore, error) {
	switch cfg.Type {
	case "memory":
		return NewMemory(), nil
	case "mongodb":
		return NewMongo(ctx, cfg)
	default:
		return nil, fmt.Errorf("invalid store type %q", cfg.Type)
	}
}

// Memory is a mutex-guarded in-process ownership store backing development
// and tests.
type Memory struct {
	mu     sync.Mutex
	owners map[string]string
}

func NewMemory() *Memory {
	return &Memory{owners: make(map[string]string)}
}

func (m *Memory) PutIfAbsent(ctx context.Context, threadID, owner string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.owners[threadID]; ok {
		return existing, nil
	}

	m.owners[threadID] = owner
	return owner, nil
}

func (m *Memory) Owner(ctx context.Context, threadID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	owner, ok := m.owners[threadID]
	return owner, ok, nil
}

func (m *Memory) Close(ctx context.Context) error {
	return nil
}
