// Package persistence provides key-value gateways that store the
// experimentation engine's serialized state.
package persistence

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by Load when no blob is stored under the key.
var ErrNotFound = errors.New("not found")

// Gateway stores opaque state blobs by key.
type Gateway interface {
	Save(ctx context.Context, key string, blob []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
}

// Memory is an in-process Gateway. It is the default when no backing
// store is configured and is used heavily in tests.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemory creates an empty in-memory gateway.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) Save(ctx context.Context, key string, blob []byte) error {
	if key == "" {
		return errors.New("key is required")
	}
	cp := make([]byte, len(blob))
	copy(cp, blob)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = cp
	return nil
}

func (m *Memory) Load(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blob, ok := m.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(blob))
	copy(cp, blob)
	return cp, nil
}

func (m *Memory) size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
