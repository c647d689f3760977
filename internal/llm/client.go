package llm

import "context"

// Client is the interface the orchestration loop talks to. Implementations
// wrap one model backend.
type Client interface {
	// Chat sends the conversation plus available function definitions and
	// returns the model's next message. mode selects whether function
	// calls are permitted.
	Chat(ctx context.Context, messages []Message, functions []map[string]any, mode CallMode) (*ChatResponse, error)

	// Ping checks if the backend is reachable.
	Ping(ctx context.Context) error
}
