package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iwamot/collmbo/internal/agent"
	"github.com/iwamot/collmbo/internal/agent/providers"
	"github.com/iwamot/collmbo/internal/auth"
	slackchan "github.com/iwamot/collmbo/internal/channels/slack"
	"github.com/iwamot/collmbo/internal/config"
	"github.com/iwamot/collmbo/internal/i18n"
	"github.com/iwamot/collmbo/internal/mcp"
	"github.com/iwamot/collmbo/internal/observability"
	"github.com/iwamot/collmbo/internal/orchestrator"
	"github.com/iwamot/collmbo/internal/redact"
	"github.com/iwamot/collmbo/internal/stream"
	"github.com/iwamot/collmbo/internal/tokens"
	"github.com/iwamot/collmbo/internal/tools"
	"github.com/iwamot/collmbo/internal/turn"
)

const (
	shutdownTimeout = 30 * time.Second
	maxPDFs         = 5
)

// runServe wires every component, connects to Slack and blocks until a
// shutdown signal.
func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.RequireSlack(); err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:          cfg.Slack.LogLevel,
		Format:         cfg.Observability.LogFormat,
		Output:         os.Stderr,
		RedactPatterns: secretPatterns(cfg),
	})
	slog.SetDefault(logger)
	logger.Info("starting collmbo",
		"version", version,
		"commit", commit,
		"config", configPath,
		"model", cfg.LLM.Model,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceVersion: version,
		Endpoint:       cfg.Observability.OTLPEndpoint,
		SamplingRate:   cfg.Observability.TraceSampleRate,
		EnableInsecure: cfg.Observability.OTLPInsecure,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	router, err := buildRouter(ctx, cfg)
	if err != nil {
		return err
	}

	redactor, err := redact.New(redact.Config{
		Enabled:     cfg.Redaction.Enabled,
		Email:       cfg.Redaction.EmailPattern,
		CreditCard:  cfg.Redaction.CreditCardPattern,
		Phone:       cfg.Redaction.PhonePattern,
		SSN:         cfg.Redaction.SSNPattern,
		UserDefined: cfg.Redaction.UserDefinedPattern,
	})
	if err != nil {
		return err
	}

	adapter, err := slackchan.NewAdapter(slackchan.Config{
		BotToken:    cfg.Slack.BotToken,
		AppToken:    cfg.Slack.AppToken,
		UseLanguage: cfg.Slack.UseLanguage,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create slack adapter: %w", err)
	}
	if err := adapter.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to slack: %w", err)
	}

	toolRegistry := agent.NewToolRegistry(logger)
	if err := tools.RegisterNamed(toolRegistry, cfg.Tools.Local); err != nil {
		logger.Warn("some configured tools are unknown", "error", err, "available", tools.Names())
	}

	manager, err := startMCP(ctx, cfg, adapter, metrics, logger)
	if err != nil {
		return err
	}
	defer manager.Stop()
	toolRegistry.AddSource(manager)

	estimator := tokens.NewHeuristic()
	builder := turn.NewBuilder(turn.Config{
		TranslateMarkdown: cfg.Features.TranslateMarkdown,
		ImageAccess:       cfg.Features.ImageFileAccess,
		PDFAccess:         cfg.Features.PDFFileAccess,
		MaxPDFs:           maxPDFs,
		MaxTokens:         cfg.LLM.MaxTokens,
		LoadingSuffix:     cfg.Stream.LoadingCharacter,
	}, redactor, adapter, estimator, logger)

	hinter := &turn.CacheHinter{
		Enabled:   cfg.Features.PromptCaching,
		Threshold: cfg.Features.PromptCacheThreshold,
		Estimator: estimator,
		Honors:    router.HonorsCacheHints,
	}

	executor := agent.NewExecutor(&agent.ExecutorConfig{
		MaxConcurrency: cfg.Tools.MaxParallelism,
		DefaultTimeout: cfg.Tools.Timeout,
	}, logger, metrics, tracer)

	loopOpts := []agent.LoopOption{
		agent.WithHinter(hinter),
		agent.WithTelemetry(metrics, tracer),
		agent.WithLogger(logger),
	}
	if cfg.LLM.LogRequests {
		loopOpts = append(loopOpts, agent.WithObserver(requestLogger(logger)))
	}
	loop := agent.NewLoop(router, toolRegistry, executor, &agent.LoopConfig{
		MaxToolRounds: cfg.LLM.MaxToolRounds,
		MaxRetries:    cfg.LLM.MaxRetries,
		MaxTokens:     cfg.LLM.MaxTokens,
		Temperature:   cfg.LLM.Temperature,
		RoundTimeout:  cfg.LLM.Timeout,
	}, loopOpts...)

	translator := i18n.NewTranslator(router, cfg.LLM.Model, cfg.Slack.UseLanguage, logger,
		i18n.WithTimeout(cfg.LLM.Timeout))

	orch := orchestrator.New(adapter, builder, loop, orchestrator.Config{
		Model:        cfg.LLM.Model,
		SystemText:   cfg.LLM.SystemText,
		TaskTimeout:  cfg.LLM.TaskTimeout,
		RoundTimeout: cfg.LLM.Timeout,
		Stream: stream.Config{
			BufferSize:        cfg.Stream.BufferSize,
			MinFlushInterval:  cfg.Stream.MinFlushInterval,
			LoadingSuffix:     cfg.Stream.LoadingCharacter,
			TranslateMarkdown: cfg.Features.TranslateMarkdown,
		},
	},
		orchestrator.WithTranslator(translator),
		orchestrator.WithLogger(logger),
		orchestrator.WithTelemetry(metrics, tracer),
	)

	metricsServer, err := startMetricsServer(cfg.Observability.MetricsAddr, registry, logger)
	if err != nil {
		return err
	}

	if err := adapter.Start(ctx, orch); err != nil {
		return fmt.Errorf("failed to start slack adapter: %w", err)
	}
	logger.Info("collmbo started", "bot_user_id", adapter.BotUserID(), "tools", toolRegistry.Names())

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	var errs []error
	if err := adapter.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop slack adapter: %w", err))
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("wait for replies: %w", err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("stop metrics server: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info("collmbo stopped gracefully")
	return nil
}

// buildRouter creates the gateway router. The OpenAI-compatible provider
// serves every model without a native one; native providers are added when
// their credentials are configured.
func buildRouter(ctx context.Context, cfg *config.Config) (*providers.Router, error) {
	p := cfg.Providers
	router := providers.NewRouter(providers.NewOpenAIProvider(providers.OpenAIConfig{
		APIKey:  p.OpenAI.APIKey,
		BaseURL: p.OpenAI.BaseURL,
	}))

	if p.Anthropic.APIKey != "" {
		anthropic, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:  p.Anthropic.APIKey,
			BaseURL: p.Anthropic.BaseURL,
		})
		if err != nil {
			return nil, err
		}
		router.Route("anthropic", anthropic)
	}

	if p.Gemini.APIKey != "" {
		gemini, err := providers.NewGoogleProvider(ctx, providers.GoogleConfig{APIKey: p.Gemini.APIKey})
		if err != nil {
			return nil, err
		}
		router.Route("gemini", gemini)
	}

	if p.Bedrock.AccessKeyID != "" || strings.HasPrefix(cfg.LLM.Model, "bedrock/") {
		bedrock, err := providers.NewBedrockProvider(ctx, providers.BedrockConfig{
			Region:          p.Bedrock.Region,
			AccessKeyID:     p.Bedrock.AccessKeyID,
			SecretAccessKey: p.Bedrock.SecretAccessKey,
			SessionToken:    p.Bedrock.SessionToken,
		})
		if err != nil {
			return nil, err
		}
		router.Route("bedrock", bedrock)
	}
	return router, nil
}

// startMCP loads the MCP declarations, starts the shared tool refresh and
// watches the declarations file for changes.
func startMCP(ctx context.Context, cfg *config.Config, prompter mcp.AuthPrompter, metrics *observability.Metrics, logger *slog.Logger) (*mcp.Manager, error) {
	mcpCfg, err := mcp.LoadConfig(cfg.Tools.MCPConfigPath)
	if err != nil {
		return nil, err
	}

	opts := []mcp.Option{
		mcp.WithPrompter(prompter),
		mcp.WithLogger(logger),
		mcp.WithMetrics(metrics),
	}
	broker, err := auth.NewAgentCoreBroker(ctx, auth.BrokerConfig{
		Region:       mcpCfg.AgentCoreRegion,
		WorkloadName: mcpCfg.WorkloadName,
		Logger:       logger,
	})
	switch {
	case err == nil:
		sessions := auth.NewSessionStore(broker, mcpCfg.SessionDuration(),
			auth.WithMetrics(metrics),
			auth.WithLogger(logger),
		)
		opts = append(opts, mcp.WithSessions(sessions))
	case requiresAuth(mcpCfg):
		return nil, fmt.Errorf("failed to create agentcore broker: %w", err)
	default:
		logger.Warn("OAuth MCP servers are unavailable", "error", err)
	}

	manager := mcp.NewManager(mcpCfg, opts...)
	if err := manager.Start(ctx); err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(cfg.Tools.MCPConfigPath); statErr == nil {
		if err := manager.Watch(ctx, cfg.Tools.MCPConfigPath); err != nil {
			logger.Warn("MCP config will not be reloaded", "path", cfg.Tools.MCPConfigPath, "error", err)
		}
	}
	logger.Info("MCP servers configured", "servers", len(mcpCfg.Servers))
	return manager, nil
}

func requiresAuth(cfg *mcp.Config) bool {
	for _, server := range cfg.Servers {
		if server.RequiresAuth() {
			return true
		}
	}
	return false
}

// startMetricsServer serves /metrics and /healthz on addr. An empty addr
// disables it.
func startMetricsServer(addr string, registry *prometheus.Registry, logger *slog.Logger) (*http.Server, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen: %w", err)
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	logger.Info("metrics server started", "addr", listener.Addr().String())
	return server, nil
}

// secretPatterns keeps the configured credentials out of the logs.
func secretPatterns(cfg *config.Config) []string {
	secrets := []string{
		cfg.Slack.BotToken,
		cfg.Slack.AppToken,
		cfg.Providers.OpenAI.APIKey,
		cfg.Providers.Anthropic.APIKey,
		cfg.Providers.Gemini.APIKey,
		cfg.Providers.Bedrock.SecretAccessKey,
		cfg.Providers.Bedrock.SessionToken,
	}
	var patterns []string
	for _, s := range secrets {
		if len(s) >= 8 {
			patterns = append(patterns, regexp.QuoteMeta(s))
		}
	}
	return patterns
}
