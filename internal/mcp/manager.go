package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/iwamot/collmbo/internal/agent"
	"github.com/iwamot/collmbo/internal/auth"
	"github.com/iwamot/collmbo/internal/observability"
)

// RefreshSchedule is how often the tool lists of servers without
// authentication are refreshed.
const RefreshSchedule = "@every 1h"

// promptInterval spaces authorization prompts for the same user and server.
const promptInterval = 10 * time.Minute

// AuthPrompter shows an authorization link to a chat user.
type AuthPrompter interface {
	PromptAuthorization(ctx context.Context, user, server, authorizationURL string)
}

// Manager offers the tools of the declared MCP servers. Tool lists of
// servers without authentication are shared and refreshed on a schedule;
// OAuth server lists are cached per user for as long as the session token
// they were listed with stays current.
type Manager struct {
	cfgMu  sync.RWMutex
	config *Config

	sessions   *auth.SessionStore
	httpClient *http.Client
	prompter   AuthPrompter
	logger     *slog.Logger
	metrics    *observability.Metrics
	now        func() time.Time

	mu        sync.Mutex
	noAuth    map[string][]*MCPTool
	userTools map[auth.Key]userToolList
	prompted  map[auth.Key]time.Time

	cron *cron.Cron
}

type userToolList struct {
	token string
	tools []*MCPTool
}

// Option configures a Manager.
type Option func(*Manager)

// WithSessions enables OAuth servers.
func WithSessions(store *auth.SessionStore) Option {
	return func(m *Manager) { m.sessions = store }
}

// WithHTTPClient sets the base client for server requests.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) { m.httpClient = client }
}

// WithPrompter sets where authorization links are sent.
func WithPrompter(p AuthPrompter) Option {
	return func(m *Manager) { m.prompter = p }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager for cfg. A nil cfg declares no servers.
func NewManager(cfg *Config, opts ...Option) *Manager {
	if cfg == nil {
		cfg = &Config{}
		cfg.normalize()
	}
	m := &Manager{
		config:     cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
		now:        time.Now,
		noAuth:     make(map[string][]*MCPTool),
		userTools:  make(map[auth.Key]userToolList),
		prompted:   make(map[auth.Key]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "mcp")
	return m
}

// Config returns the active declarations.
func (m *Manager) Config() *Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.config
}

// Start loads the shared tool lists and schedules their refresh.
func (m *Manager) Start(ctx context.Context) error {
	m.Refresh(ctx)

	c := cron.New()
	if _, err := c.AddFunc(RefreshSchedule, func() {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
		defer cancel()
		n := m.Refresh(refreshCtx)
		m.logger.Info("no-auth MCP tools refreshed", "tools", n)
	}); err != nil {
		return fmt.Errorf("schedule mcp refresh: %w", err)
	}
	c.Start()

	m.mu.Lock()
	m.cron = c
	m.mu.Unlock()
	return nil
}

// Stop cancels the refresh schedule and waits for a running refresh.
func (m *Manager) Stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Refresh lists the tools of every server without authentication and
// returns how many were found. A failing server contributes no tools.
func (m *Manager) Refresh(ctx context.Context) int {
	lists := make(map[string][]*MCPTool)
	total := 0
	for _, server := range m.Config().NoAuthServers() {
		tools, err := m.listTools(ctx, server, nil)
		if err != nil {
			m.logger.WarnContext(ctx, "failed to load MCP tools", "server", server.Name, "url", server.URL, "error", err)
			m.metrics.RecordError("mcp", reasonOf(err))
			continue
		}
		lists[server.Name] = tools
		total += len(tools)
	}

	m.mu.Lock()
	m.noAuth = lists
	m.mu.Unlock()
	return total
}

// Reload swaps the declarations and drops every cached tool list.
func (m *Manager) Reload(ctx context.Context, cfg *Config) {
	m.cfgMu.Lock()
	m.config = cfg
	m.cfgMu.Unlock()

	m.mu.Lock()
	m.userTools = make(map[auth.Key]userToolList)
	m.mu.Unlock()

	n := m.Refresh(ctx)
	m.logger.InfoContext(ctx, "MCP config reloaded", "servers", len(cfg.Servers), "no_auth_tools", n)
}

// Tools implements agent.ToolSource. OAuth servers the user has not
// authorized are left out; the user is sent the authorization link.
func (m *Manager) Tools(ctx context.Context, user, model string) ([]agent.Tool, error) {
	cfg := m.Config()
	var tools []agent.Tool

	m.mu.Lock()
	noAuth := m.noAuth
	m.mu.Unlock()
	for idx, server := range cfg.NoAuthServers() {
		for _, spec := range noAuth[server.Name] {
			tools = append(tools, newRemoteTool(m, spec, AuthNone, idx, user, model))
		}
	}

	if user == "" || m.sessions == nil {
		return tools, nil
	}

	var errs []error
	for idx, server := range cfg.OAuthServers() {
		specs, err := m.userToolList(ctx, user, server)
		if err != nil {
			if oe, ok := auth.GetOAuthError(err); ok && oe.NeedsAuthorization() {
				continue
			}
			errs = append(errs, err)
			continue
		}
		for _, spec := range specs {
			tools = append(tools, newRemoteTool(m, spec, server.AuthType, idx, user, model))
		}
	}
	return tools, errors.Join(errs...)
}

// Call executes the tool offered under toolName for user.
func (m *Manager) Call(ctx context.Context, user, toolName string, arguments json.RawMessage) (*ToolCallResult, error) {
	specName, authType, index, ok := ParseToolName(toolName)
	if !ok {
		return nil, fmt.Errorf("%w: malformed tool name %q", ErrUnknownServer, toolName)
	}
	server, ok := m.Config().Server(authType, index)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, toolName)
	}

	var sess *auth.Session
	if server.RequiresAuth() {
		var err error
		if sess, err = m.session(ctx, user, server); err != nil {
			return nil, err
		}
	}

	client, err := m.connect(ctx, server, sess)
	if err != nil {
		m.handleFailure(user, server, err)
		return nil, err
	}
	defer client.Close()

	result, err := client.CallTool(ctx, specName, arguments)
	if err != nil {
		m.handleFailure(user, server, err)
		return nil, err
	}
	return result, nil
}

func (m *Manager) session(ctx context.Context, user string, server ServerConfig) (*auth.Session, error) {
	if m.sessions == nil || user == "" {
		return nil, &auth.OAuthError{Server: server.Name, Cause: auth.ErrAuthorizationRequired}
	}
	key := auth.Key{User: user, Server: server.Name}
	sess, err := m.sessions.Acquire(ctx, key, auth.ExchangeRequest{
		UserID:   user,
		Provider: server.AgentCoreProvider,
		Scopes:   server.Scopes,
	})
	if err != nil {
		if oe, ok := auth.GetOAuthError(err); ok && oe.NeedsAuthorization() {
			m.prompt(ctx, key, oe.AuthorizationURL)
		}
		return nil, err
	}
	return sess, nil
}

func (m *Manager) userToolList(ctx context.Context, user string, server ServerConfig) ([]*MCPTool, error) {
	sess, err := m.session(ctx, user, server)
	if err != nil {
		return nil, err
	}
	key := auth.Key{User: user, Server: server.Name}

	m.mu.Lock()
	cached, ok := m.userTools[key]
	m.mu.Unlock()
	if ok && cached.token == sess.AccessToken {
		return cached.tools, nil
	}

	tools, err := m.listTools(ctx, server, sess)
	if err != nil {
		m.handleFailure(user, server, err)
		return nil, err
	}
	m.mu.Lock()
	m.userTools[key] = userToolList{token: sess.AccessToken, tools: tools}
	m.mu.Unlock()
	return tools, nil
}

func (m *Manager) listTools(ctx context.Context, server ServerConfig, sess *auth.Session) ([]*MCPTool, error) {
	client, err := m.connect(ctx, server, sess)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	return client.ListTools(ctx)
}

func (m *Manager) connect(ctx context.Context, server ServerConfig, sess *auth.Session) (*Client, error) {
	httpClient := m.httpClient
	if sess != nil {
		httpClient = auth.HTTPClient(ctx, m.httpClient, sess)
	}
	client := NewClient(server.Name, NewHTTPTransport(server, httpClient, m.logger), m.logger)
	if err := client.Initialize(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// handleFailure drops the OAuth session and cached list after the server
// rejected the token.
func (m *Manager) handleFailure(user string, server ServerConfig, err error) {
	m.metrics.RecordError("mcp", reasonOf(err))
	ce, ok := GetCallError(err)
	if !ok || !ce.Unauthorized() || !server.RequiresAuth() || m.sessions == nil {
		return
	}
	key := auth.Key{User: user, Server: server.Name}
	m.sessions.Clear(key)
	m.mu.Lock()
	delete(m.userTools, key)
	m.mu.Unlock()
}

func (m *Manager) prompt(ctx context.Context, key auth.Key, url string) {
	if m.prompter == nil || url == "" {
		return
	}
	now := m.now()
	m.mu.Lock()
	last, seen := m.prompted[key]
	if seen && now.Sub(last) < promptInterval {
		m.mu.Unlock()
		return
	}
	m.prompted[key] = now
	m.mu.Unlock()

	m.prompter.PromptAuthorization(ctx, key.User, key.Server, url)
}

func reasonOf(err error) string {
	if ce, ok := GetCallError(err); ok {
		return ce.Reason
	}
	if _, ok := auth.GetOAuthError(err); ok {
		return "oauth"
	}
	return "unknown"
}
