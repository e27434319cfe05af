// Package persist provides the key-value persistence collaborator used for
// per-partner scheme preferences and the cold-start message snapshot. Two
// implementations are provided: an in-memory store for tests and single
// process use, and a Redis-backed store for clients that share state across
// restarts.
package persist

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("persist: key not found")

// Store is a minimal key-value interface. Keys are namespaced by the caller
// (per-user prefixes), values are opaque strings.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore is a Store backed by a map. Safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

// Get retrieves the value for a key.
func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

// Set stores a value under a key, replacing any previous value.
func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = value
	return nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.values, key)
	return nil
}
