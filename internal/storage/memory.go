// internal/storage/memory.go
// Package storage provides the durable key/value substrate the report store
// serializes through, with in-memory and PostgreSQL backends.
package storage

import (
	"bytes"
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("not found")

// KV is a durable key/value store with whole-value get/set semantics.
// Values are opaque bytes; callers own serialization.
type KV interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set creates or replaces the value stored under key.
	Set(ctx context.Context, key string, value []byte) error
	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error
	Close()
}

// memory implements KV using an in-process map.
// It survives across reads within one process, not across restarts.
type memory struct {
	mu     sync.RWMutex      // Protects concurrent access to values
	values map[string][]byte // Map of key to value
}

// NewMemory creates a new in-memory KV.
func NewMemory() KV {
	return &memory{values: make(map[string][]byte)}
}

func (m *memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	// Return a copy so callers cannot modify stored bytes
	return bytes.Clone(v), nil
}

func (m *memory) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = bytes.Clone(value)
	return nil
}

func (m *memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *memory) Close() {}
