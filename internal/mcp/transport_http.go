package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionHeader carries the server-assigned session of the streamable
// HTTP transport.
const SessionHeader = "Mcp-Session-Id"

const maxSSELine = 4 << 20

// HTTPTransport implements the MCP streamable HTTP transport. Every message
// is a POST; the server answers with JSON or with an event stream that
// carries the response.
type HTTPTransport struct {
	server  string
	url     string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger

	mu        sync.Mutex
	sessionID string
}

// NewHTTPTransport creates a transport for server. client carries auth and
// timeouts; nil uses a client with a 30 second timeout.
func NewHTTPTransport(server ServerConfig, client *http.Client, logger *slog.Logger) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		server:  server.Name,
		url:     server.URL,
		headers: server.AdditionalHeaders,
		client:  client,
		logger:  logger.With("mcp_server", server.Name, "transport", "http"),
	}
}

// SessionID returns the session assigned by the server, if any.
func (t *HTTPTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Call sends a request and waits for a response.
func (t *HTTPTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := uuid.New().String()
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	resp, err := t.post(ctx, method, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var rpcResp *JSONRPCResponse
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		rpcResp, err = readEventStream(resp.Body, id)
	} else {
		rpcResp = &JSONRPCResponse{}
		err = json.NewDecoder(resp.Body).Decode(rpcResp)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("mcp %s %s: %w", t.server, method, ctxErr)
		}
		return nil, &CallError{Server: t.server, Method: method, Reason: ReasonMalformed, Err: err}
	}
	if rpcResp.Error != nil {
		return nil, &CallError{Server: t.server, Method: method, Reason: ReasonToolError, RPC: rpcResp.Error}
	}
	if rpcResp.Result == nil {
		return nil, &CallError{Server: t.server, Method: method, Reason: ReasonMalformed, Err: errors.New("response has neither result nor error")}
	}
	return rpcResp.Result, nil
}

// Notify sends a notification (no response expected).
func (t *HTTPTransport) Notify(ctx context.Context, method string, params any) error {
	notif := JSONRPCNotification{
		JSONRPC: "2.0",
		Method:  method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}

	resp, err := t.post(ctx, method, notif)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// Close terminates the server session, if one was assigned.
func (t *HTTPTransport) Close() error {
	sessionID := t.SessionID()
	if sessionID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.url, nil)
	if err != nil {
		return err
	}
	t.applyHeaders(req)
	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Debug("session close failed", "error", err)
		return nil
	}
	resp.Body.Close()

	t.mu.Lock()
	t.sessionID = ""
	t.mu.Unlock()
	return nil
}

func (t *HTTPTransport) post(ctx context.Context, method string, message any) (*http.Response, error) {
	body, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	t.applyHeaders(httpReq)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("mcp %s %s: %w", t.server, method, ctxErr)
		}
		return nil, &CallError{Server: t.server, Method: method, Reason: ReasonNetwork, Err: err}
	}

	if sessionID := resp.Header.Get(SessionHeader); sessionID != "" {
		t.mu.Lock()
		t.sessionID = sessionID
		t.mu.Unlock()
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		t.logger.Debug("mcp request rejected", "method", method, "status", resp.StatusCode, "body", string(snippet))
		return nil, &CallError{Server: t.server, Method: method, Reason: ReasonStatus, Status: resp.StatusCode}
	}
	return resp, nil
}

func (t *HTTPTransport) applyHeaders(req *http.Request) {
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	if sessionID := t.SessionID(); sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}
}

// readEventStream scans server-sent events until the response to id
// arrives. Server requests and notifications on the stream are skipped.
func readEventStream(body io.Reader, id string) (*JSONRPCResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64<<10), maxSSELine)

	var data strings.Builder
	dispatch := func() (*JSONRPCResponse, bool) {
		defer data.Reset()
		if data.Len() == 0 {
			return nil, false
		}
		var resp JSONRPCResponse
		if err := json.Unmarshal([]byte(data.String()), &resp); err != nil {
			return nil, false
		}
		if resp.ID == nil || fmt.Sprint(resp.ID) != id {
			return nil, false
		}
		return &resp, true
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if resp, ok := dispatch(); ok {
				return resp, nil
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if resp, ok := dispatch(); ok {
		return resp, nil
	}
	return nil, errors.New("event stream ended without a response")
}
