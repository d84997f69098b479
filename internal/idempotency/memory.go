package idempotency

import (
	"context"
	"sync"
	"time"

	"relaygate/internal/domain"
)

// MemoryStore is the local in-memory fallback backend. It is permitted only
// for single-instance, non-production runs; the factory refuses to construct
// it in a production configuration.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]domain.IdempotencyRecord
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]domain.IdempotencyRecord),
		now:     time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*domain.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	if s.now().After(rec.ExpiresAt) {
		delete(s.records, key)
		return nil, nil
	}
	out := rec
	return &out, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, rec domain.IdempotencyRecord, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.Key = key
	rec.ExpiresAt = s.now().Add(ttl)
	s.records[key] = rec
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Len reports the number of live entries. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
