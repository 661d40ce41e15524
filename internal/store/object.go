// Package store provides the two append-mostly persistence surfaces
// of the platform: an object store for opaque evidence blobs under
// deterministic keys, and a relational store for typed records with
// idempotent upserts on natural keys.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ObjectStore puts and gets opaque blobs under deterministic keys.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// ErrObjectNotFound is returned by Get for absent keys.
type ErrObjectNotFound struct{ Key string }

func (e *ErrObjectNotFound) Error() string {
	return fmt.Sprintf("object not found: %s", e.Key)
}

// MemoryObjectStore is the in-process ObjectStore used for tests and
// single-node deployments.
type MemoryObjectStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryObjectStore creates an empty in-memory object store.
func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{blobs: make(map[string][]byte)}
}

func (m *MemoryObjectStore) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.blobs[key] = cp
	return nil
}

func (m *MemoryObjectStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, &ErrObjectNotFound{Key: key}
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (m *MemoryObjectStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.blobs {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

var _ ObjectStore = (*MemoryObjectStore)(nil)
