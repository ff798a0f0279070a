// Package blob stores request inputs and classification outputs by bucket
// and key.
package blob

import (
	"context"
	"errors"
	"sync"
)

var ErrNotFound = errors.New("object not found")

type Store interface {
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
	// Get returns ErrNotFound when the bucket or key does not exist.
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]map[string][]byte)}
}

func (m *MemoryStore) Put(_ context.Context, bucket, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[bucket]
	if !ok {
		b = make(map[string][]byte)
		m.objects[bucket] = b
	}
	b[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[bucket][key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}
