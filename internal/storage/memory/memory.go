// Package memory is an in-process storage.Store used by tests and dry runs.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/whatsapp-automation/broadcaster/internal/storage"
)

// Store keeps everything in maps.
type Store struct {
	buckets map[string]map[string][]byte
	mu      sync.RWMutex

	// FailWrites makes Set and Delete return this error when non-nil.
	FailWrites error
}

// New creates an empty store.
func New() *Store {
	return &Store{buckets: make(map[string]map[string][]byte)}
}

func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.buckets[bucket][key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *Store) Set(ctx context.Context, bucket, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWrites != nil {
		return s.FailWrites
	}
	b, ok := s.buckets[bucket]
	if !ok {
		b = make(map[string][]byte)
		s.buckets[bucket] = b
	}
	b[key] = append([]byte(nil), value...)
	return nil
}

func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWrites != nil {
		return s.FailWrites
	}
	delete(s.buckets[bucket], key)
	return nil
}

func (s *Store) List(ctx context.Context, bucket string) ([]storage.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]storage.Item, 0, len(s.buckets[bucket]))
	for k, v := range s.buckets[bucket] {
		items = append(items, storage.Item{Key: k, Value: append([]byte(nil), v...)})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items, nil
}

func (s *Store) Close() error { return nil }
