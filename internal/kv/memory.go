package kv

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore implements Store with an in-memory map. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	clock   uint64
	hub     *hub
	closed  bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]Entry),
		hub:     newHub(),
	}
}

func (s *MemoryStore) Get(_ context.Context, path string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Entry{}, ErrClosed
	}
	e, ok := s.entries[path]
	if !ok {
		return Entry{Path: path}, nil
	}
	// Return a copy to avoid external mutation.
	return Entry{Path: path, Value: clone(e.Value), Version: e.Version}, nil
}

func (s *MemoryStore) List(_ context.Context, prefix string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	var out []Entry
	for path, e := range s.entries {
		if matchPath(prefix, path) {
			out = append(out, Entry{Path: path, Value: clone(e.Value), Version: e.Version})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *MemoryStore) Set(_ context.Context, path string, value []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	return s.write(path, value), nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, path string, version uint64, value []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	if s.entries[path].Version != version {
		return 0, ErrVersionMismatch
	}
	return s.write(path, value), nil
}

// write stores value under a fresh version and publishes it. Callers hold
// s.mu, which also keeps notifications for one path in commit order.
func (s *MemoryStore) write(path string, value []byte) uint64 {
	s.clock++
	e := Entry{Path: path, Value: clone(value), Version: s.clock}
	s.entries[path] = e
	s.hub.publish(e)
	return e.Version
}

func (s *MemoryStore) Subscribe(ctx context.Context, prefix string, fn func(Entry)) (Subscription, error) {
	return s.hub.subscribe(ctx, prefix, fn)
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.hub.close()
	return nil
}
