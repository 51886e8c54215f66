// Package memory provides conversation stores, the chat log, and shared
// conversation snapshots. SQLite is the default backend; Redis and
// PostgreSQL serve multi-instance deployments.
package memory

import (
	"context"
	"sync"

	"rulebot/internal/domain"
)

// DefaultMaxTurns is the default per-conversation retention cap.
const DefaultMaxTurns = 50

// MemoryStore is a process-wide in-memory ConversationStore.
type MemoryStore struct {
	mu       sync.RWMutex
	turns    map[string][]domain.ConversationTurn
	maxTurns int
}

// NewMemoryStore creates a store keeping at most maxTurns per key; 0 keeps
// everything.
func NewMemoryStore(maxTurns int) *MemoryStore {
	return &MemoryStore{
		turns:    make(map[string][]domain.ConversationTurn),
		maxTurns: maxTurns,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]domain.ConversationTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := s.turns[key]
	out := make([]domain.ConversationTurn, len(turns))
	copy(out, turns)
	return out, nil
}

func (s *MemoryStore) Append(_ context.Context, key string, turn domain.ConversationTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := append(s.turns[key], turn)
	if s.maxTurns > 0 && len(turns) > s.maxTurns {
		turns = append([]domain.ConversationTurn(nil), turns[len(turns)-s.maxTurns:]...)
	}
	s.turns[key] = turns
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.turns, key)
	return nil
}

// MemoryShareStore keeps shared snapshots in memory.
type MemoryShareStore struct {
	mu     sync.RWMutex
	shared map[string]domain.SharedConversation
}

func NewMemoryShareStore() *MemoryShareStore {
	return &MemoryShareStore{shared: make(map[string]domain.SharedConversation)}
}

func (s *MemoryShareStore) SaveShared(_ context.Context, sc domain.SharedConversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shared[sc.Token] = sc
	return nil
}

func (s *MemoryShareStore) GetShared(_ context.Context, token string) (*domain.SharedConversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.shared[token]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &sc, nil
}
