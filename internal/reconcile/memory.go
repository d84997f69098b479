package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"relaygate/internal/domain"
)

// MemoryMappingStore is the in-process MappingStore used in tests and when
// the poller runs without a database path.
type MemoryMappingStore struct {
	mu       sync.Mutex
	mappings map[string]domain.ChatForwardMapping
}

func NewMemoryMappingStore() *MemoryMappingStore {
	return &MemoryMappingStore{mappings: make(map[string]domain.ChatForwardMapping)}
}

func (s *MemoryMappingStore) Get(_ context.Context, crmChatID string) (*domain.ChatForwardMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[crmChatID]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *MemoryMappingStore) Upsert(_ context.Context, m domain.ChatForwardMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := s.mappings[m.CRMChatID]; ok {
		m.CreatedAt = existing.CreatedAt
		m.LastForwardedID = existing.LastForwardedID
	} else if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	s.mappings[m.CRMChatID] = m
	return nil
}

func (s *MemoryMappingStore) List(_ context.Context) ([]domain.ChatForwardMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ChatForwardMapping, 0, len(s.mappings))
	for _, m := range s.mappings {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CRMChatID < out[j].CRMChatID })
	return out, nil
}

func (s *MemoryMappingStore) AdvanceCursor(_ context.Context, crmChatID string, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[crmChatID]
	if !ok {
		return fmt.Errorf("advance cursor: mapping %q not found", crmChatID)
	}
	if messageID > m.LastForwardedID {
		m.LastForwardedID = messageID
		m.UpdatedAt = time.Now().UTC()
		s.mappings[crmChatID] = m
	}
	return nil
}

func (s *MemoryMappingStore) Close() error { return nil }
