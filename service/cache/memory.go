package cache

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxEntries bounds the in-process store.
const DefaultMaxEntries = 512

// MemoryStore is a bounded in-process LRU. The least recently used wallet is
// evicted first once the bound is reached.
type MemoryStore struct {
	store *lru.Cache[string, []byte]
}

// NewMemoryStore creates a MemoryStore holding at most maxEntries payloads.
func NewMemoryStore(maxEntries int) (*MemoryStore, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	store, err := lru.New[string, []byte](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &MemoryStore{store: store}, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	value, ok := m.store.Get(key)
	if !ok {
		return nil, false, nil
	}
	return clone(value), true, nil
}

// Set stores a copy of value. Expiry is enforced by Cache on read.
func (m *MemoryStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.store.Add(key, clone(value))
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.store.Remove(key)
	return nil
}

// Len reports the number of stored payloads.
func (m *MemoryStore) Len() int {
	return m.store.Len()
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
