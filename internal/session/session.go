// Package session owns per-user conversation history: an in-memory LRU
// store for single-process runs, a SQLite store that survives restarts,
// the shared trimming rules, and the per-user lock arena that serializes
// turns.
package session

import (
	"context"

	"github.com/freshvill/grocerbot/internal/llm"
)

// DefaultMaxHistory bounds the number of messages kept per session,
// including the system prompt.
const DefaultMaxHistory = 50

// Store is the conversation history backend. Both variants seed new
// sessions with the system prompt and preserve identical trimming
// semantics; the durable one additionally refreshes a sliding TTL on
// every read.
type Store interface {
	// GetOrCreate returns the user's history, creating a fresh one
	// seeded with the system message if none exists.
	GetOrCreate(ctx context.Context, userID string) ([]llm.Message, error)

	// Save persists the (possibly trimmed) history.
	Save(ctx context.Context, userID string, history []llm.Message) error

	// Reset deletes the user's history.
	Reset(ctx context.Context, userID string) error
}
