// Package mcp implements the MCP (Model Context Protocol) client used to
// reach the remote grocery tool service: product search, cart link
// creation, and whatever else the service advertises.
//
// The service speaks JSON-RPC 2.0 over HTTP POST. The client performs the
// initialize handshake, discovers tools via tools/list (cached after the
// first success), and invokes them via tools/call. Transient call
// failures are retried with a fresh session, since the service binds
// state to the Mcp-Session header.
//
// This implementation covers the client side only.
package mcp
