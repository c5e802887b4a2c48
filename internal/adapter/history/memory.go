package history

import (
	"context"
	"slices"
	"sync"

	"agentrun/internal/domain"
)

// MemoryStore keeps conversation history in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[domain.HistoryKey][]domain.Message
}

// NewMemoryStore creates an empty in-memory history store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[domain.HistoryKey][]domain.Message)}
}

func (s *MemoryStore) Load(_ context.Context, key domain.HistoryKey) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMessages(s.entries[key]), nil
}

func (s *MemoryStore) Save(_ context.Context, key domain.HistoryKey, msgs []domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = cloneMessages(msgs)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key domain.HistoryKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// cloneMessages copies msgs deeply enough that callers cannot alias stored tool calls.
func cloneMessages(msgs []domain.Message) []domain.Message {
	out := make([]domain.Message, len(msgs))
	for i, m := range msgs {
		m.ToolCalls = slices.Clone(m.ToolCalls)
		out[i] = m
	}
	return out
}

var _ domain.HistoryStore = (*MemoryStore)(nil)
