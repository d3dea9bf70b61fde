package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultSystemText is the system prompt template. {bot_user_id} is
// replaced with the bot's Slack user ID when a turn is built.
const DefaultSystemText = "You are a bot in a slack chat room. You might receive messages from multiple people.\n" +
	"Format bold text *like this*, italic text _like this_ and strikethrough text ~like this~.\n" +
	"Slack user IDs match the regex `<@U.*?>`.\n" +
	"Your Slack user ID is <@{bot_user_id}>.\n" +
	"Each message has the author's Slack user ID prepended, like the regex `^<@U.*?>: ` followed by the message text.\n" +
	"Only mention users (e.g., `<@U12345>`) when you are explicitly instructed to do so. Otherwise, do not mention users."

// Config is the main configuration structure for Collmbo. Values come from
// the defaults, then an optional config file, then environment variables.
type Config struct {
	// Version is only read from config files.
	Version int `yaml:"version,omitempty"`

	Slack         SlackConfig         `yaml:"slack"`
	LLM           LLMConfig           `yaml:"llm"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Features      FeaturesConfig      `yaml:"features"`
	Redaction     RedactionConfig     `yaml:"redaction"`
	Tools         ToolsConfig         `yaml:"tools"`
	Stream        StreamConfig        `yaml:"stream"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
	AppToken string `yaml:"app_token"`

	// LogLevel is SLACK_APP_LOG_LEVEL and also drives the application log.
	LogLevel string `yaml:"log_level"`

	// UseLanguage translates notices into the user's Slack locale.
	UseLanguage bool `yaml:"use_language"`
}

type LLMConfig struct {
	Model string `yaml:"model"`

	// ModelType names the model used for token accounting; defaults to Model.
	ModelType   string        `yaml:"model_type"`
	SystemText  string        `yaml:"system_text"`
	Timeout     time.Duration `yaml:"timeout"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`

	MaxToolRounds int `yaml:"max_tool_rounds"`
	MaxRetries    int `yaml:"max_retries"`

	// TaskTimeout bounds one orchestration task across all rounds.
	TaskTimeout time.Duration `yaml:"task_timeout"`

	// LogRequests logs every gateway request with image data omitted.
	LogRequests bool `yaml:"log_requests"`
}

// ProvidersConfig holds gateway credentials. The OpenAI-compatible gateway
// is always configured and serves any model without a native provider.
type ProvidersConfig struct {
	OpenAI    ProviderCredentials `yaml:"openai"`
	Anthropic ProviderCredentials `yaml:"anthropic"`
	Gemini    ProviderCredentials `yaml:"gemini"`
	Bedrock   BedrockCredentials  `yaml:"bedrock"`
}

type ProviderCredentials struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

type BedrockCredentials struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
}

type FeaturesConfig struct {
	TranslateMarkdown bool `yaml:"translate_markdown"`
	ImageFileAccess   bool `yaml:"image_file_access"`
	PDFFileAccess     bool `yaml:"pdf_file_access"`
	PromptCaching     bool `yaml:"prompt_caching"`

	// PromptCacheThreshold is the minimum estimated turn size for hints.
	PromptCacheThreshold int `yaml:"prompt_cache_threshold"`
}

type RedactionConfig struct {
	Enabled            bool   `yaml:"enabled"`
	EmailPattern       string `yaml:"email_pattern"`
	PhonePattern       string `yaml:"phone_pattern"`
	CreditCardPattern  string `yaml:"credit_card_pattern"`
	SSNPattern         string `yaml:"ssn_pattern"`
	UserDefinedPattern string `yaml:"user_defined_pattern"`
}

type ToolsConfig struct {
	// Local lists the built-in tools to enable by name.
	Local []string `yaml:"local"`

	// MCPConfigPath is the MCP server declarations file. A missing file
	// means no remote tools.
	MCPConfigPath string `yaml:"mcp_config_path"`

	MaxParallelism int           `yaml:"max_parallelism"`
	Timeout        time.Duration `yaml:"timeout"`
}

type StreamConfig struct {
	// BufferSize is the number of pending runes that triggers an update.
	BufferSize int `yaml:"buffer_size"`

	// MinFlushInterval spaces message edits.
	MinFlushInterval time.Duration `yaml:"min_flush_interval"`

	LoadingCharacter string `yaml:"loading_character"`
}

type ObservabilityConfig struct {
	LogFormat       string  `yaml:"log_format"`
	MetricsAddr     string  `yaml:"metrics_addr"`
	OTLPEndpoint    string  `yaml:"otlp_endpoint"`
	OTLPInsecure    bool    `yaml:"otlp_insecure"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Slack: SlackConfig{
			LogLevel:    "DEBUG",
			UseLanguage: true,
		},
		LLM: LLMConfig{
			Model:         "gpt-4o",
			SystemText:    DefaultSystemText,
			Timeout:       30 * time.Second,
			Temperature:   1,
			MaxTokens:     1024,
			MaxToolRounds: 10,
			MaxRetries:    2,
			TaskTimeout:   5 * time.Minute,
		},
		Providers: ProvidersConfig{
			Bedrock: BedrockCredentials{Region: "us-west-2"},
		},
		Features: FeaturesConfig{
			PromptCacheThreshold: 1024,
		},
		Tools: ToolsConfig{
			MCPConfigPath:  "config/mcp.yml",
			MaxParallelism: 5,
			Timeout:        30 * time.Second,
		},
		Stream: StreamConfig{
			BufferSize:       20,
			MinFlushInterval: time.Second,
			LoadingCharacter: " ... :writing_hand:",
		},
		Observability: ObservabilityConfig{
			LogFormat: "json",
		},
	}
}

// Load builds the configuration from the defaults, the optional file at
// path and the process environment, and validates the result.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := loadFile(path, cfg, lookup); err != nil {
			return nil, err
		}
		if err := ValidateVersion(cfg.Version); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	if cfg.LLM.ModelType == "" {
		cfg.LLM.ModelType = cfg.LLM.Model
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envReader collects parse failures so that applyEnv stays flat.
type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *envReader) str(key string, dst *string) {
	if v, ok := r.lookup(key); ok {
		*dst = v
	}
}

func (r *envReader) boolean(key string, dst *bool) {
	if v, ok := r.lookup(key); ok {
		*dst = strings.TrimSpace(v) == "true"
	}
}

func (r *envReader) integer(key string, dst *int) {
	v, ok := r.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func (r *envReader) float(key string, dst *float64) {
	v, ok := r.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = f
}

// seconds reads a float number of seconds, as LITELLM_TIMEOUT_SECONDS is.
func (r *envReader) seconds(key string, dst *time.Duration) {
	f := -1.0
	r.float(key, &f)
	if f > 0 {
		*dst = time.Duration(f * float64(time.Second))
	}
}

func (r *envReader) duration(key string, dst *time.Duration) {
	v, ok := r.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}

func (r *envReader) list(key string, dst *[]string) {
	v, ok := r.lookup(key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	r := &envReader{lookup: lookup}

	r.str("SLACK_BOT_TOKEN", &cfg.Slack.BotToken)
	r.str("SLACK_APP_TOKEN", &cfg.Slack.AppToken)
	r.str("SLACK_APP_LOG_LEVEL", &cfg.Slack.LogLevel)
	r.boolean("USE_SLACK_LANGUAGE", &cfg.Slack.UseLanguage)

	r.str("LITELLM_MODEL", &cfg.LLM.Model)
	r.str("LITELLM_MODEL_TYPE", &cfg.LLM.ModelType)
	r.str("LITELLM_SYSTEM_TEXT", &cfg.LLM.SystemText)
	r.seconds("LITELLM_TIMEOUT_SECONDS", &cfg.LLM.Timeout)
	r.float("LITELLM_TEMPERATURE", &cfg.LLM.Temperature)
	r.integer("LITELLM_MAX_TOKENS", &cfg.LLM.MaxTokens)
	r.integer("MAX_TOOL_ROUNDS", &cfg.LLM.MaxToolRounds)
	r.integer("GATEWAY_MAX_RETRIES", &cfg.LLM.MaxRetries)
	r.duration("TASK_TIMEOUT", &cfg.LLM.TaskTimeout)
	r.boolean("LITELLM_LOG_REQUESTS", &cfg.LLM.LogRequests)

	r.str("OPENAI_API_KEY", &cfg.Providers.OpenAI.APIKey)
	r.str("OPENAI_BASE_URL", &cfg.Providers.OpenAI.BaseURL)
	r.str("LITELLM_PROXY_URL", &cfg.Providers.OpenAI.BaseURL)
	r.str("ANTHROPIC_API_KEY", &cfg.Providers.Anthropic.APIKey)
	r.str("ANTHROPIC_BASE_URL", &cfg.Providers.Anthropic.BaseURL)
	r.str("GEMINI_API_KEY", &cfg.Providers.Gemini.APIKey)
	r.str("AWS_REGION_NAME", &cfg.Providers.Bedrock.Region)
	r.str("AWS_ACCESS_KEY_ID", &cfg.Providers.Bedrock.AccessKeyID)
	r.str("AWS_SECRET_ACCESS_KEY", &cfg.Providers.Bedrock.SecretAccessKey)
	r.str("AWS_SESSION_TOKEN", &cfg.Providers.Bedrock.SessionToken)

	r.boolean("TRANSLATE_MARKDOWN", &cfg.Features.TranslateMarkdown)
	r.boolean("IMAGE_FILE_ACCESS_ENABLED", &cfg.Features.ImageFileAccess)
	r.boolean("PDF_FILE_ACCESS_ENABLED", &cfg.Features.PDFFileAccess)
	r.boolean("PROMPT_CACHING_ENABLED", &cfg.Features.PromptCaching)
	r.integer("PROMPT_CACHING_THRESHOLD", &cfg.Features.PromptCacheThreshold)

	r.boolean("REDACTION_ENABLED", &cfg.Redaction.Enabled)
	r.str("REDACT_EMAIL_PATTERN", &cfg.Redaction.EmailPattern)
	r.str("REDACT_PHONE_PATTERN", &cfg.Redaction.PhonePattern)
	r.str("REDACT_CREDIT_CARD_PATTERN", &cfg.Redaction.CreditCardPattern)
	r.str("REDACT_SSN_PATTERN", &cfg.Redaction.SSNPattern)
	r.str("REDACT_USER_DEFINED_PATTERN", &cfg.Redaction.UserDefinedPattern)

	r.list("LITELLM_TOOLS", &cfg.Tools.Local)
	r.str("MCP_CONFIG_PATH", &cfg.Tools.MCPConfigPath)
	r.integer("TOOL_MAX_PARALLELISM", &cfg.Tools.MaxParallelism)
	r.duration("TOOL_TIMEOUT", &cfg.Tools.Timeout)

	r.integer("SLACK_UPDATE_TEXT_BUFFER_SIZE", &cfg.Stream.BufferSize)
	r.duration("STREAM_MIN_FLUSH_INTERVAL", &cfg.Stream.MinFlushInterval)
	r.str("SLACK_LOADING_CHARACTER", &cfg.Stream.LoadingCharacter)

	r.str("LOG_FORMAT", &cfg.Observability.LogFormat)
	r.str("METRICS_ADDR", &cfg.Observability.MetricsAddr)
	r.str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Observability.OTLPEndpoint)
	r.boolean("OTEL_EXPORTER_OTLP_INSECURE", &cfg.Observability.OTLPInsecure)
	r.float("OTEL_TRACES_SAMPLER_ARG", &cfg.Observability.TraceSampleRate)

	return errors.Join(r.errs...)
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var issues []string
	if strings.TrimSpace(c.LLM.Model) == "" {
		issues = append(issues, "llm.model is required")
	}
	if c.LLM.Timeout <= 0 {
		issues = append(issues, "llm.timeout must be positive")
	}
	if c.LLM.MaxTokens <= 0 {
		issues = append(issues, "llm.max_tokens must be positive")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		issues = append(issues, "llm.temperature must be between 0 and 2")
	}
	if c.LLM.MaxToolRounds <= 0 {
		issues = append(issues, "llm.max_tool_rounds must be positive")
	}
	if c.LLM.MaxRetries < 0 {
		issues = append(issues, "llm.max_retries must not be negative")
	}
	if c.LLM.TaskTimeout < c.LLM.Timeout {
		issues = append(issues, "llm.task_timeout must not be shorter than llm.timeout")
	}
	if c.Tools.MaxParallelism <= 0 {
		issues = append(issues, "tools.max_parallelism must be positive")
	}
	if c.Stream.BufferSize <= 0 {
		issues = append(issues, "stream.buffer_size must be positive")
	}
	if c.Stream.MinFlushInterval < 0 {
		issues = append(issues, "stream.min_flush_interval must not be negative")
	}
	switch strings.ToLower(c.Observability.LogFormat) {
	case "", "json", "text":
	default:
		issues = append(issues, fmt.Sprintf("observability.log_format %q must be json or text", c.Observability.LogFormat))
	}
	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// RequireSlack reports whether the Slack tokens needed to serve are set.
func (c *Config) RequireSlack() error {
	var issues []string
	if c.Slack.BotToken == "" {
		issues = append(issues, "SLACK_BOT_TOKEN is required")
	}
	if !strings.HasPrefix(c.Slack.AppToken, "xapp-") {
		issues = append(issues, "SLACK_APP_TOKEN must be an app-level token (xapp-)")
	}
	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// ValidationError lists configuration problems.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}
