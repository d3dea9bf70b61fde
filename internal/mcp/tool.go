package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/iwamot/collmbo/internal/agent"
)

// caller executes a remote tool by its offered name on behalf of a user.
type caller interface {
	Call(ctx context.Context, user, toolName string, arguments json.RawMessage) (*ToolCallResult, error)
}

// RemoteTool is an MCP server tool as seen by the invocation loop. It is
// bound to the user of the turn it was listed for.
type RemoteTool struct {
	caller      caller
	name        string
	description string
	schema      json.RawMessage
	user        string
}

func newRemoteTool(c caller, spec *MCPTool, authType string, serverIndex int, user, model string) *RemoteTool {
	return &RemoteTool{
		caller:      c,
		name:        ToolName(spec.Name, authType, serverIndex, model),
		description: spec.Description,
		schema:      AdaptSchema(spec.InputSchema, model),
		user:        user,
	}
}

func (t *RemoteTool) Name() string { return t.name }

func (t *RemoteTool) Description() string { return t.description }

func (t *RemoteTool) Schema() json.RawMessage { return t.schema }

// Execute forwards the call to the server.
func (t *RemoteTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	result, err := t.caller.Call(ctx, t.user, t.name, params)
	if err != nil {
		return nil, err
	}
	content, isError := formatToolCallResult(result)
	res := &agent.ToolResult{Content: content, IsError: isError}
	if isError {
		res.Reason = ReasonToolError
	}
	return res, nil
}

// formatToolCallResult flattens result content into the text handed to
// the model. Non-text parts are summarized.
func formatToolCallResult(result *ToolCallResult) (string, bool) {
	if result == nil {
		return "", false
	}
	parts := make([]string, 0, len(result.Content))
	for _, item := range result.Content {
		switch item.Type {
		case "text":
			parts = append(parts, item.Text)
		case "image", "audio":
			parts = append(parts, fmt.Sprintf("[%s content: %s]", item.Type, item.MimeType))
		default:
			if item.Text != "" {
				parts = append(parts, item.Text)
			}
		}
	}
	return strings.Join(parts, "\n"), result.IsError
}
