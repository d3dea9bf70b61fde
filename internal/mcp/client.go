package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// ClientVersion is reported to servers in clientInfo.
var ClientVersion = "dev"

const maxToolPages = 50

// Client is an MCP client session with a single server.
type Client struct {
	server    string
	transport Transport
	logger    *slog.Logger

	serverInfo ServerInfo
}

// NewClient creates a client over transport.
func NewClient(server string, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		server:    server,
		transport: transport,
		logger:    logger.With("mcp_server", server),
	}
}

// Initialize performs the protocol handshake.
func (c *Client) Initialize(ctx context.Context) error {
	result, err := c.transport.Call(ctx, "initialize", InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      ClientInfo{Name: "collmbo", Version: ClientVersion},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		return &CallError{Server: c.server, Method: "initialize", Reason: ReasonMalformed, Err: err}
	}
	c.serverInfo = initResult.ServerInfo
	c.logger.Debug("connected to MCP server",
		"name", c.serverInfo.Name,
		"version", c.serverInfo.Version,
		"protocol", initResult.ProtocolVersion)

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}
	return nil
}

// ServerInfo returns information about the connected server.
func (c *Client) ServerInfo() ServerInfo {
	return c.serverInfo
}

// ListTools returns every tool of the server, following pagination.
func (c *Client) ListTools(ctx context.Context) ([]*MCPTool, error) {
	var tools []*MCPTool
	cursor := ""
	for page := 0; page < maxToolPages; page++ {
		var params any
		if cursor != "" {
			params = ListToolsParams{Cursor: cursor}
		}
		result, err := c.transport.Call(ctx, "tools/list", params)
		if err != nil {
			return nil, err
		}
		var resp ListToolsResult
		if err := json.Unmarshal(result, &resp); err != nil {
			return nil, &CallError{Server: c.server, Method: "tools/list", Reason: ReasonMalformed, Err: err}
		}
		for _, tool := range resp.Tools {
			if tool != nil && tool.Name != "" {
				tools = append(tools, tool)
			}
		}
		if resp.NextCursor == "" {
			return tools, nil
		}
		cursor = resp.NextCursor
	}
	c.logger.Warn("tools/list pagination truncated", "pages", maxToolPages)
	return tools, nil
}

// CallTool executes a tool on the server.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*ToolCallResult, error) {
	if len(arguments) == 0 {
		arguments = json.RawMessage(`{}`)
	}
	result, err := c.transport.Call(ctx, "tools/call", CallToolParams{
		Name:      name,
		Arguments: arguments,
	})
	if err != nil {
		return nil, err
	}

	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, &CallError{Server: c.server, Method: "tools/call", Reason: ReasonMalformed, Err: err}
	}
	return &callResult, nil
}

// Close ends the session.
func (c *Client) Close() error {
	return c.transport.Close()
}
