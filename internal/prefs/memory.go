package prefs

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is the in-process fallback used when no durable storage
// is available. Same contract as SQLiteStore, nothing survives a
// restart.
type MemoryStore struct {
	mu    sync.Mutex
	users map[string]map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]map[string]string)}
}

// All returns the user's preferences ordered by category.
func (s *MemoryStore) All(_ context.Context, userID string) ([]Preference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byCategory := s.users[userID]
	if len(byCategory) == 0 {
		return nil, nil
	}
	prefs := make([]Preference, 0, len(byCategory))
	for category, value := range byCategory {
		prefs = append(prefs, Preference{Category: category, Value: value})
	}
	sort.Slice(prefs, func(i, j int) bool { return prefs[i].Category < prefs[j].Category })
	return prefs, nil
}

// Get returns the value for an exact category match.
func (s *MemoryStore) Get(_ context.Context, userID, category string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.users[userID][NormalizeCategory(category)]
	return value, ok, nil
}

// Set upserts one preference, enforcing the per-user count cap for new
// categories.
func (s *MemoryStore) Set(_ context.Context, userID, category, value string) error {
	category = NormalizeCategory(category)
	value = normalizeValue(value)
	if category == "" || value == "" {
		return ErrEmpty
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byCategory := s.users[userID]
	if byCategory == nil {
		byCategory = make(map[string]string)
		s.users[userID] = byCategory
	}
	if _, exists := byCategory[category]; !exists && len(byCategory) >= MaxPerUser {
		return ErrLimit
	}
	byCategory[category] = value
	return nil
}

// Delete removes one preference, reporting whether it existed.
func (s *MemoryStore) Delete(_ context.Context, userID, category string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	category = NormalizeCategory(category)
	if _, ok := s.users[userID][category]; !ok {
		return false, nil
	}
	delete(s.users[userID], category)
	return true, nil
}
