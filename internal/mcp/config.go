package mcp

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/iwamot/collmbo/internal/config"
)

// Authentication types of a server declaration.
const (
	AuthNone           = "none"
	AuthUserFederation = "user_federation"
)

// Defaults applied when the declarations file omits them.
const (
	DefaultSessionDurationMinutes = 30
	DefaultWorkloadName           = "Collmbo"
	DefaultAgentCoreRegion        = "us-west-2"
)

// Config is the MCP server declarations file (config/mcp.yml).
type Config struct {
	Servers []ServerConfig `yaml:"servers"`

	// AuthSessionDurationMinutes caps how long an OAuth session is reused.
	AuthSessionDurationMinutes int `yaml:"auth_session_duration_minutes"`

	// WorkloadName is the AgentCore workload identity of this bot.
	WorkloadName string `yaml:"workload_name"`

	AgentCoreRegion string `yaml:"agentcore_region"`
}

// ServerConfig declares one remote tool server.
type ServerConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`

	// AuthType is "none" or an OAuth flow such as "user_federation".
	AuthType string `yaml:"auth_type"`

	Scopes            []string          `yaml:"scopes"`
	AgentCoreProvider string            `yaml:"agentcore_provider"`
	AdditionalHeaders map[string]string `yaml:"additional_headers"`
}

// RequiresAuth reports whether calls need a per-user OAuth session.
func (s ServerConfig) RequiresAuth() bool {
	return s.AuthType != "" && s.AuthType != AuthNone
}

// Validate checks one declaration.
func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("server name is required")
	}
	if s.URL == "" {
		return fmt.Errorf("server %s: url is required", s.Name)
	}
	u, err := url.Parse(s.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server %s: url must be an absolute http(s) URL", s.Name)
	}
	if s.AuthType == "" {
		return fmt.Errorf("server %s: auth_type is required", s.Name)
	}
	if s.RequiresAuth() && s.AgentCoreProvider == "" {
		return fmt.Errorf("server %s: agentcore_provider is required for auth_type %s", s.Name, s.AuthType)
	}
	return nil
}

// LoadConfig reads the declarations file. A missing file yields an empty
// configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(path) != "" {
		if err := config.LoadFile(path, cfg); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("load mcp config: %w", err)
			}
		}
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	if c.AuthSessionDurationMinutes <= 0 {
		c.AuthSessionDurationMinutes = DefaultSessionDurationMinutes
	}
	if strings.TrimSpace(c.WorkloadName) == "" {
		c.WorkloadName = DefaultWorkloadName
	}
	if strings.TrimSpace(c.AgentCoreRegion) == "" {
		c.AgentCoreRegion = DefaultAgentCoreRegion
	}
}

// Validate checks all declarations and rejects duplicate names.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Servers))
	var errs []error
	for _, server := range c.Servers {
		if err := server.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[server.Name] {
			errs = append(errs, fmt.Errorf("server %s: duplicate name", server.Name))
		}
		seen[server.Name] = true
	}
	return errors.Join(errs...)
}

// SessionDuration is the OAuth session lifetime.
func (c *Config) SessionDuration() time.Duration {
	return time.Duration(c.AuthSessionDurationMinutes) * time.Minute
}

// NoAuthServers returns the servers without authentication in declaration
// order. A server's position in this list is its tool name index.
func (c *Config) NoAuthServers() []ServerConfig {
	var out []ServerConfig
	for _, server := range c.Servers {
		if !server.RequiresAuth() {
			out = append(out, server)
		}
	}
	return out
}

// OAuthServers returns the servers requiring OAuth in declaration order.
func (c *Config) OAuthServers() []ServerConfig {
	var out []ServerConfig
	for _, server := range c.Servers {
		if server.RequiresAuth() {
			out = append(out, server)
		}
	}
	return out
}

// Server resolves the server an MCP tool name refers to.
func (c *Config) Server(authType string, index int) (ServerConfig, bool) {
	var servers []ServerConfig
	if authType == AuthNone {
		servers = c.NoAuthServers()
	} else {
		servers = c.OAuthServers()
	}
	if index < 0 || index >= len(servers) {
		return ServerConfig{}, false
	}
	if authType != AuthNone && servers[index].AuthType != authType {
		return ServerConfig{}, false
	}
	return servers[index], true
}
