package mcp

import "context"

// Transport is the interface for tool service communication.
// Implementations handle the details of sending JSON-RPC requests and
// receiving responses.
type Transport interface {
	// Send sends a JSON-RPC request and returns the response.
	// The transport handles framing, encoding, and correlation.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, notif *Notification) error

	// Close shuts down the transport and releases resources.
	Close() error
}

// sessionResetter is implemented by transports that hold server session
// affinity. Resetting forces the next request to start a fresh session.
type sessionResetter interface {
	ResetSession()
}
