// Package cache stores transform results keyed by a digest of the module
// source and the loaders applied to it, so unchanged modules skip their
// loaders on the next build.
package cache

import (
	"context"
	"sync"
)

// Entry is one cached transform.
type Entry struct {
	Type string
	Code []byte
	Map  []byte
}

// Store is implemented by the cache backends. Get returns nil, nil on a miss.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, key string, e *Entry) error
	Close() error
}

type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]*Entry{}}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[key], nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, e *Entry) error {
	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Len reports the number of cached entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
