package mcp

import (
	"context"
	"encoding/json"
)

// Transport carries JSON-RPC messages to one MCP server.
type Transport interface {
	// Call sends a request and waits for its response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification (no response expected).
	Notify(ctx context.Context, method string, params any) error

	// Close ends the server session.
	Close() error
}
