package storage

import (
	"context"
	"sync"

	"github.com/ruteri/agent-identity-provisioner/interfaces"
)

// MemoryStore is an in-process content store used for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	blobs  map[string][]byte
	writes int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (m *MemoryStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c, err := ComputeCID(data)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if _, ok := m.blobs[c]; !ok {
		m.blobs[c] = append([]byte(nil), data...)
	}
	return c, nil
}

func (m *MemoryStore) Fetch(ctx context.Context, c string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[c]
	if !ok {
		return nil, interfaces.ErrContentNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) Available(ctx context.Context) bool {
	return true
}

func (m *MemoryStore) Name() string {
	return "memory"
}

func (m *MemoryStore) LocationURI() string {
	return "memory://"
}

// Writes returns the number of Put calls that reached the store.
func (m *MemoryStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}
