package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/iwamot/collmbo/pkg/models"
)

// LLMProvider is the completion gateway contract. Implementations translate
// a CompletionRequest into a provider call and stream the reply back as
// CompletionChunks on the returned channel, closing it when the round ends.
type LLMProvider interface {
	// Complete starts one streaming completion round.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider identifier used in metrics and logs.
	Name() string

	// SupportsTools reports whether the provider accepts tool definitions.
	SupportsTools() bool
}

// CompletionRequest is one gateway round.
type CompletionRequest struct {
	// Model is the full model name including its provider prefix,
	// e.g. "anthropic/claude-sonnet-4-20250514".
	Model string `json:"model"`

	// System is the system prompt, lifted out of Messages.
	System string `json:"system,omitempty"`

	// Messages is the conversation turn without the system message.
	Messages []models.Message `json:"messages"`

	// Tools are the definitions offered in this round.
	Tools []ToolSchema `json:"tools,omitempty"`

	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature"`

	// Timeout bounds the round. Zero leaves it to the caller's context.
	Timeout time.Duration `json:"-"`

	// User identifies the end user to the gateway.
	User string `json:"user,omitempty"`
}

// CompletionChunk is one streamed fragment of a gateway reply.
type CompletionChunk struct {
	Text     string           `json:"text,omitempty"`
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`
	Done     bool             `json:"done,omitempty"`
	Error    error            `json:"-"`

	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// ToolSchema is a tool definition as presented to the model.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Tool is an executable capability the model may call.
type Tool interface {
	Name() string
	Description() string

	// Schema returns the JSON Schema of the tool's parameters.
	Schema() json.RawMessage

	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult is what a tool hands back. IsError marks a logical failure
// reported by the tool itself; Reason carries a reason code when set.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// StreamSink receives the visible output of a loop run.
type StreamSink interface {
	OnDelta(ctx context.Context, text string) error
	Finalize(ctx context.Context) error
}

// RoundSink is a StreamSink that wants to know when text streamed in a
// round is followed by tool calls instead of the final answer.
type RoundSink interface {
	StreamSink
	EndRound(ctx context.Context) error
}

// RequestObserver is called before every dispatch.
type RequestObserver func(ctx context.Context, round int, req *CompletionRequest)
