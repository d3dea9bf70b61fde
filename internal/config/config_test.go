package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func envMap(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load("", envMap(nil))
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	if cfg.LLM.Model != "gpt-4o" || cfg.LLM.ModelType != "gpt-4o" {
		t.Fatalf("model = %q/%q", cfg.LLM.Model, cfg.LLM.ModelType)
	}
	if cfg.LLM.Timeout != 30*time.Second {
		t.Fatalf("timeout = %v", cfg.LLM.Timeout)
	}
	if cfg.LLM.MaxTokens != 1024 || cfg.LLM.Temperature != 1 {
		t.Fatalf("max_tokens/temperature = %d/%v", cfg.LLM.MaxTokens, cfg.LLM.Temperature)
	}
	if cfg.Stream.BufferSize != 20 || cfg.Stream.LoadingCharacter != " ... :writing_hand:" {
		t.Fatalf("stream = %+v", cfg.Stream)
	}
	if !cfg.Slack.UseLanguage || cfg.Features.PromptCaching || cfg.Redaction.Enabled {
		t.Fatalf("unexpected feature defaults: %+v %+v", cfg.Slack, cfg.Features)
	}
	if !strings.Contains(cfg.LLM.SystemText, "<@{bot_user_id}>") {
		t.Fatalf("system text lacks placeholder")
	}
	if cfg.Tools.MCPConfigPath != "config/mcp.yml" {
		t.Fatalf("mcp path = %q", cfg.Tools.MCPConfigPath)
	}
}

func TestLoadFromEnv(t *testing.T) {
	cfg, err := load("", envMap(map[string]string{
		"LITELLM_MODEL":                 "anthropic/claude-sonnet-4-20250514",
		"LITELLM_TIMEOUT_SECONDS":       "12.5",
		"LITELLM_TEMPERATURE":           "0.2",
		"LITELLM_MAX_TOKENS":            "2048",
		"USE_SLACK_LANGUAGE":            "false",
		"TRANSLATE_MARKDOWN":            "true",
		"PROMPT_CACHING_ENABLED":        "TRUE",
		"REDACTION_ENABLED":             "true",
		"REDACT_USER_DEFINED_PATTERN":   `ACME-\d+`,
		"LITELLM_TOOLS":                 "get_current_time, ,other",
		"SLACK_UPDATE_TEXT_BUFFER_SIZE": "40",
		"STREAM_MIN_FLUSH_INTERVAL":     "250ms",
	}))
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	if cfg.LLM.ModelType != cfg.LLM.Model {
		t.Fatalf("model type should follow model, got %q", cfg.LLM.ModelType)
	}
	if cfg.LLM.Timeout != 12500*time.Millisecond {
		t.Fatalf("timeout = %v", cfg.LLM.Timeout)
	}
	if cfg.LLM.Temperature != 0.2 || cfg.LLM.MaxTokens != 2048 {
		t.Fatalf("llm = %+v", cfg.LLM)
	}
	if cfg.Slack.UseLanguage || !cfg.Features.TranslateMarkdown {
		t.Fatalf("bool flags not applied: %+v %+v", cfg.Slack, cfg.Features)
	}
	// Only the exact lowercase "true" enables a flag.
	if cfg.Features.PromptCaching {
		t.Fatalf("PROMPT_CACHING_ENABLED=TRUE should stay disabled")
	}
	if !cfg.Redaction.Enabled || cfg.Redaction.UserDefinedPattern != `ACME-\d+` {
		t.Fatalf("redaction = %+v", cfg.Redaction)
	}
	if got := strings.Join(cfg.Tools.Local, "|"); got != "get_current_time|other" {
		t.Fatalf("tools = %q", got)
	}
	if cfg.Stream.BufferSize != 40 || cfg.Stream.MinFlushInterval != 250*time.Millisecond {
		t.Fatalf("stream = %+v", cfg.Stream)
	}
}

func TestLoadRejectsMalformedEnv(t *testing.T) {
	_, err := load("", envMap(map[string]string{
		"LITELLM_MAX_TOKENS":  "lots",
		"LITELLM_TEMPERATURE": "warm",
	}))
	if err == nil {
		t.Fatalf("expected parse error")
	}
	for _, key := range []string{"LITELLM_MAX_TOKENS", "LITELLM_TEMPERATURE"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("expected %s in %v", key, err)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "empty model", mutate: func(c *Config) { c.LLM.Model = " " }, want: "llm.model"},
		{name: "zero max tokens", mutate: func(c *Config) { c.LLM.MaxTokens = 0 }, want: "llm.max_tokens"},
		{name: "hot temperature", mutate: func(c *Config) { c.LLM.Temperature = 3 }, want: "llm.temperature"},
		{name: "short task timeout", mutate: func(c *Config) { c.LLM.TaskTimeout = time.Second }, want: "llm.task_timeout"},
		{name: "no parallelism", mutate: func(c *Config) { c.Tools.MaxParallelism = 0 }, want: "tools.max_parallelism"},
		{name: "bad log format", mutate: func(c *Config) { c.Observability.LogFormat = "xml" }, want: "log_format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected %q in %v", tt.want, err)
			}
		})
	}
}

func TestRequireSlack(t *testing.T) {
	cfg := Default()
	if err := cfg.RequireSlack(); err == nil {
		t.Fatalf("expected missing token error")
	}
	cfg.Slack.BotToken = "xoxb-1"
	cfg.Slack.AppToken = "xapp-1"
	if err := cfg.RequireSlack(); err != nil {
		t.Fatalf("RequireSlack() error = %v", err)
	}
}

func TestLoadFileOverlayAndEnvPrecedence(t *testing.T) {
	path := writeConfig(t, "collmbo.yaml", `
version: 1
llm:
  model: bedrock/anthropic.claude-3-5-sonnet
  max_tokens: 4096
  task_timeout: 2m
stream:
  min_flush_interval: 500ms
`)
	cfg, err := load(path, envMap(map[string]string{"LITELLM_MAX_TOKENS": "512"}))
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	if cfg.LLM.Model != "bedrock/anthropic.claude-3-5-sonnet" {
		t.Fatalf("model = %q", cfg.LLM.Model)
	}
	if cfg.LLM.MaxTokens != 512 {
		t.Fatalf("env should win over file, got %d", cfg.LLM.MaxTokens)
	}
	if cfg.LLM.TaskTimeout != 2*time.Minute || cfg.Stream.MinFlushInterval != 500*time.Millisecond {
		t.Fatalf("durations = %v %v", cfg.LLM.TaskTimeout, cfg.Stream.MinFlushInterval)
	}
	if cfg.LLM.Temperature != 1 {
		t.Fatalf("unset file keys keep defaults, got %v", cfg.LLM.Temperature)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "collmbo.yaml", `
version: 1
llm:
  model: gpt-4o
  extra: true
`)
	if _, err := load(path, envMap(nil)); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadRequiresVersion(t *testing.T) {
	path := writeConfig(t, "collmbo.yaml", "llm:\n  model: gpt-4o\n")
	_, err := load(path, envMap(nil))
	var ve *VersionError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *VersionError, got %v", err)
	}
}

func TestLoadRawIncludesAndEnv(t *testing.T) {
	t.Setenv("COLLMBO_TEST_URL", "https://mcp.example.com")
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "base.json5"), []byte(`{
  // comments are allowed
  "servers": [{"name": "base", "url": "${COLLMBO_TEST_URL}/mcp"}],
  "workload_name": "Base"
}`), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	mainPath := filepath.Join(dir, "mcp.yml")
	if err := os.WriteFile(mainPath, []byte("$include: base.json5\nworkload_name: Collmbo\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	raw, err := LoadRaw(mainPath)
	if err != nil {
		t.Fatalf("LoadRaw() error = %v", err)
	}
	if raw["workload_name"] != "Collmbo" {
		t.Fatalf("including file should override, got %v", raw["workload_name"])
	}
	servers, ok := raw["servers"].([]any)
	if !ok || len(servers) != 1 {
		t.Fatalf("servers = %#v", raw["servers"])
	}
	server := servers[0].(map[string]any)
	if server["url"] != "https://mcp.example.com/mcp" {
		t.Fatalf("url = %v", server["url"])
	}
}

func TestLoadRawDetectsCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yml")
	b := filepath.Join(dir, "b.yml")
	if err := os.WriteFile(a, []byte("$include: b.yml\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("$include: [a.yml]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRaw(a); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestJSONSchemaUsesYAMLNames(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	for _, name := range []string{"max_tool_rounds", "loading_character", "mcp_config_path"} {
		if !strings.Contains(string(data), name) {
			t.Fatalf("schema lacks %q", name)
		}
	}

	props := doc["properties"].(map[string]any)
	llm := props["llm"].(map[string]any)["properties"].(map[string]any)
	timeout := llm["timeout"].(map[string]any)
	if timeout["type"] != "string" || timeout["pattern"] == nil {
		t.Fatalf("llm.timeout schema = %v, want a duration string", timeout)
	}
}

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadExpandsFileReferencesFromLookup(t *testing.T) {
	path := writeConfig(t, "collmbo.yaml", `
version: 1
slack:
  bot_token: ${BOT_TOKEN}
llm:
  system_text: "hello ${MISSING}world"
`)
	cfg, err := load(path, envMap(map[string]string{"BOT_TOKEN": "xoxb-from-env"}))
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	if cfg.Slack.BotToken != "xoxb-from-env" {
		t.Fatalf("bot token = %q", cfg.Slack.BotToken)
	}
	if cfg.LLM.SystemText != "hello world" {
		t.Fatalf("system text = %q", cfg.LLM.SystemText)
	}
}
