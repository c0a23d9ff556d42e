package repository

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps collections in process memory. It is safe for concurrent
// use and meant for development and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string][]byte
}

var _ KVStore = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]map[string][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, collection, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.collections[collection][key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), value...), nil
}

func (s *MemoryStore) Set(_ context.Context, collection, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.collections[collection]
	if !ok {
		bucket = make(map[string][]byte)
		s.collections[collection] = bucket
	}
	bucket[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, collection, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections[collection], key)
	return nil
}

// GetAll returns records ordered by key.
func (s *MemoryStore) GetAll(_ context.Context, collection string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket := s.collections[collection]
	records := make([]Record, 0, len(bucket))
	for k, v := range bucket {
		records = append(records, Record{Key: k, Value: append([]byte(nil), v...)})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	return records, nil
}
