package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/freshvill/grocerbot/internal/llm"
)

// DefaultMaxSessions caps the number of concurrently held in-memory
// sessions.
const DefaultMaxSessions = 1000

// MemoryStore keeps sessions in an LRU-bounded map. Eviction is pure
// capacity management: an evicted user simply starts over with an empty
// history on their next message.
type MemoryStore struct {
	systemPrompt string
	cap          int
	logger       *slog.Logger

	mu       sync.Mutex
	sessions map[string][]llm.Message
	order    []string // LRU order, least recent first
}

// NewMemoryStore creates an in-memory store. maxSessions <= 0 selects
// DefaultMaxSessions.
func NewMemoryStore(systemPrompt string, maxSessions int, logger *slog.Logger) *MemoryStore {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		systemPrompt: systemPrompt,
		cap:          maxSessions,
		logger:       logger.With("component", "session"),
		sessions:     make(map[string][]llm.Message),
	}
}

// GetOrCreate returns a copy of the user's history, marking it most
// recently used, or seeds a new one.
func (s *MemoryStore) GetOrCreate(_ context.Context, userID string) ([]llm.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if history, ok := s.sessions[userID]; ok {
		s.touch(userID)
		return append([]llm.Message(nil), history...), nil
	}

	if len(s.sessions) >= s.cap {
		evicted := s.order[0]
		s.order = s.order[1:]
		delete(s.sessions, evicted)
		s.logger.Info("evicted least recently used session", "user_id", evicted)
	}

	history := []llm.Message{llm.SystemMessage(s.systemPrompt)}
	s.sessions[userID] = history
	s.order = append(s.order, userID)
	return append([]llm.Message(nil), history...), nil
}

// Save stores the history, marking the session most recently used.
func (s *MemoryStore) Save(_ context.Context, userID string, history []llm.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[userID]; ok {
		s.touch(userID)
	} else {
		s.order = append(s.order, userID)
	}
	s.sessions[userID] = append([]llm.Message(nil), history...)
	return nil
}

// Reset deletes the user's session.
func (s *MemoryStore) Reset(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[userID]; !ok {
		return nil
	}
	delete(s.sessions, userID)
	for i, id := range s.order {
		if id == userID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Len returns the number of held sessions.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// touch moves userID to the most-recent end. Caller holds the lock.
func (s *MemoryStore) touch(userID string) {
	for i, id := range s.order {
		if id == userID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			s.order = append(s.order, userID)
			return
		}
	}
	s.order = append(s.order, userID)
}
