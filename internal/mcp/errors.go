package mcp

import (
	"errors"
	"fmt"
	"net/http"
)

// Reason codes carried by remote tool failures.
const (
	ReasonNetwork   = "network"
	ReasonStatus    = "http_status"
	ReasonMalformed = "malformed_response"
	ReasonToolError = "tool_error"
)

// ErrUnknownServer means a tool name refers to no declared server.
var ErrUnknownServer = errors.New("unknown mcp server")

// CallError is a failed exchange with an MCP server. The invocation loop
// turns it into an error tool result tagged with Reason.
type CallError struct {
	Server string
	Method string
	Reason string

	// Status is the HTTP status for ReasonStatus.
	Status int

	// RPC is the JSON-RPC error object, when the server sent one.
	RPC *JSONRPCError

	Err error
}

func (e *CallError) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("mcp %s %s: HTTP %d", e.Server, e.Method, e.Status)
	case e.RPC != nil:
		return fmt.Sprintf("mcp %s %s: error %d: %s", e.Server, e.Method, e.RPC.Code, e.RPC.Message)
	case e.Err != nil:
		return fmt.Sprintf("mcp %s %s: %s: %v", e.Server, e.Method, e.Reason, e.Err)
	default:
		return fmt.Sprintf("mcp %s %s: %s", e.Server, e.Method, e.Reason)
	}
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// ReasonCode classifies the error for tool results.
func (e *CallError) ReasonCode() string {
	return e.Reason
}

// Unauthorized reports an HTTP 401 or 403, after which the OAuth session
// must not be reused.
func (e *CallError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// GetCallError extracts a CallError from an error chain.
func GetCallError(err error) (*CallError, bool) {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
