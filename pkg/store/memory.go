package store

import (
	"context"
	"sync"
)

// MemoryStore keeps artifacts in process memory. It is safe for concurrent use.
type MemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{artifacts: make(map[string][]byte)}
}

// Put stores a copy of data under name.
func (s *MemoryStore) Put(ctx context.Context, name string, data []byte) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[name] = append([]byte(nil), data...)
	return nil
}

// Get returns a copy of the artifact stored under name.
func (s *MemoryStore) Get(ctx context.Context, name string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.artifacts[name]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), data...), true, nil
}

// Len returns the number of stored artifacts.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.artifacts)
}
