// Package storage keeps content files addressed by their hash.
package storage

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned when no content is stored under a hash.
var ErrNotFound = errors.New("content not found")

// Storage is a content-addressed blob store. Writing the same hash twice is
// harmless since both writes carry the same bytes.
type Storage interface {
	Store(ctx context.Context, hash string, content []byte) error
	Retrieve(ctx context.Context, hash string) ([]byte, error)
	Delete(ctx context.Context, hashes []string) error
	Exist(ctx context.Context, hashes []string) (map[string]bool, error)
}

// MemoryStorage keeps content in memory.
type MemoryStorage struct {
	mu      sync.RWMutex
	content map[string][]byte
}

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{content: make(map[string][]byte)}
}

func (m *MemoryStorage) Store(_ context.Context, hash string, content []byte) error {
	cp := make([]byte, len(content))
	copy(cp, content)
	m.mu.Lock()
	m.content[hash] = cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) Retrieve(_ context.Context, hash string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.content[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStorage) Delete(_ context.Context, hashes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range hashes {
		delete(m.content, h)
	}
	return nil
}

func (m *MemoryStorage) Exist(_ context.Context, hashes []string) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		_, out[h] = m.content[h]
	}
	return out, nil
}
