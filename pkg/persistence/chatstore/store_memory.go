package chatstore

import (
	"context"
	"sort"
	"sync"

	"github.com/agentboard/agentboard/pkg/conversation"
)

// MemoryStore is an in-memory Store used by tests and the replay tools.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string]conversation.Message
}

var _ Store = &MemoryStore{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string]map[string]conversation.Message{}}
}

func (s *MemoryStore) Upsert(_ context.Context, projectID string, msg conversation.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[projectID] == nil {
		s.data[projectID] = map[string]conversation.Message{}
	}
	s.data[projectID][msg.ID] = msg
	return nil
}

func (s *MemoryStore) List(_ context.Context, projectID string) ([]conversation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]conversation.Message, 0, len(s.data[projectID]))
	for _, m := range s.data[projectID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
