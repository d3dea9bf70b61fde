package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/iwamot/collmbo/internal/backoff"
	"github.com/iwamot/collmbo/internal/observability"
	"github.com/iwamot/collmbo/internal/tokens"
	"github.com/iwamot/collmbo/pkg/models"
)

// LoopConfig configures the invocation loop.
type LoopConfig struct {
	// MaxToolRounds caps tool-call iterations per run.
	// Default: 10
	MaxToolRounds int

	// MaxRetries is the number of retries of a transient gateway failure
	// within one round.
	// Default: 2
	MaxRetries int

	// RetryPolicy spaces the retries.
	RetryPolicy backoff.Policy

	// MaxTokens and Temperature are sent with every request.
	MaxTokens   int
	Temperature float64

	// RoundTimeout bounds a single gateway round including its stream.
	// Default: 30s
	RoundTimeout time.Duration
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		MaxToolRounds: 10,
		MaxRetries:    2,
		RetryPolicy:   backoff.GatewayPolicy(),
		MaxTokens:     1024,
		Temperature:   1,
		RoundTimeout:  30 * time.Second,
	}
}

func sanitizeLoopConfig(config *LoopConfig) *LoopConfig {
	if config == nil {
		return DefaultLoopConfig()
	}
	cfg := *config
	defaults := DefaultLoopConfig()
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = defaults.MaxToolRounds
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryPolicy.Initial <= 0 {
		cfg.RetryPolicy = defaults.RetryPolicy
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = defaults.RoundTimeout
	}
	return &cfg
}

// Hinter marks prompt-cache breakpoints on a built turn.
type Hinter interface {
	Insert(messages []models.Message, model string) []models.Message
}

// Request is one loop run.
type Request struct {
	Model string
	User  string

	// Build produces the initial turn. toolTokens is the estimated size of
	// the tool definitions, to be left out of the context budget.
	Build func(ctx context.Context, toolTokens int) ([]models.Message, error)

	// Sink receives text deltas and the final flush.
	Sink StreamSink
}

// Result describes a completed run.
type Result struct {
	Text         string
	Rounds       int
	ToolRounds   int
	Messages     []models.Message
	InputTokens  int
	OutputTokens int
}

// Loop drives one conversation turn through the gateway:
//
//	BUILD -> DISPATCH -> STREAMING -> DONE
//	                        |
//	                        v
//	                  TOOL_EXECUTING -> DISPATCH (until MaxToolRounds)
//
// Any terminal failure is returned as a *LoopError.
type Loop struct {
	provider  LLMProvider
	registry  *ToolRegistry
	executor  *Executor
	hinter    Hinter
	config    *LoopConfig
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	observers []RequestObserver
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithHinter sets the cache hint inserter run after BUILD.
func WithHinter(h Hinter) LoopOption {
	return func(l *Loop) { l.hinter = h }
}

// WithObserver adds a request observer.
func WithObserver(o RequestObserver) LoopOption {
	return func(l *Loop) { l.observers = append(l.observers, o) }
}

// WithTelemetry sets metrics and tracer.
func WithTelemetry(metrics *observability.Metrics, tracer *observability.Tracer) LoopOption {
	return func(l *Loop) {
		l.metrics = metrics
		l.tracer = tracer
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLoop creates a loop.
func NewLoop(provider LLMProvider, registry *ToolRegistry, executor *Executor, config *LoopConfig, opts ...LoopOption) *Loop {
	l := &Loop{
		provider: provider,
		registry: registry,
		executor: executor,
		config:   sanitizeLoopConfig(config),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.executor == nil {
		l.executor = NewExecutor(nil, l.logger, l.metrics, l.tracer)
	}
	if l.registry == nil {
		l.registry = NewToolRegistry(l.logger)
	}
	l.logger = l.logger.With("component", "loop")
	return l
}

// Run executes the loop until the model answers without tool calls.
func (l *Loop) Run(ctx context.Context, req Request) (*Result, error) {
	if l.provider == nil {
		return nil, &LoopError{Phase: PhaseBuild, Cause: ErrNoProvider}
	}
	if req.Build == nil {
		return nil, &LoopError{Phase: PhaseBuild, Message: "no turn builder"}
	}

	var tools *ToolSet
	if l.provider.SupportsTools() {
		tools = l.registry.Snapshot(ctx, req.User, req.Model)
	}
	schemas := tools.Schemas()

	messages, err := req.Build(ctx, schemaTokens(schemas))
	if err != nil {
		return nil, &LoopError{Phase: PhaseBuild, Cause: err}
	}
	if l.hinter != nil {
		messages = l.hinter.Insert(messages, req.Model)
	}

	result := &Result{}
	for round := 1; ; round++ {
		if err := ctx.Err(); err != nil {
			return result, &LoopError{Phase: PhaseDispatch, Iteration: round, Cause: fmt.Errorf("%w: %w", ErrCancelled, err)}
		}
		result.Rounds = round

		creq := l.newRequest(req, messages, schemas)
		reply, err := l.dispatch(ctx, round, creq, req.Sink)
		result.InputTokens += reply.inputTokens
		result.OutputTokens += reply.outputTokens
		if err != nil {
			phase := PhaseDispatch
			if reply.streamed {
				phase = PhaseStreaming
			}
			if ctx.Err() != nil {
				err = fmt.Errorf("%w: %w", ErrCancelled, err)
			}
			return result, &LoopError{Phase: phase, Iteration: round, Cause: err}
		}
		result.Text += reply.text

		if len(reply.calls) == 0 {
			messages = append(messages, models.Message{
				Role:    models.RoleAssistant,
				Content: []models.ContentBlock{models.TextBlock(reply.text)},
			})
			result.Messages = messages
			if req.Sink != nil {
				if err := req.Sink.Finalize(ctx); err != nil {
					return result, &LoopError{Phase: PhaseDone, Iteration: round, Cause: err}
				}
			}
			return result, nil
		}

		if result.ToolRounds >= l.config.MaxToolRounds {
			result.Messages = messages
			return result, &LoopError{
				Phase:     PhaseToolExecuting,
				Iteration: round,
				Cause:     &ToolLoopExceededError{Rounds: result.ToolRounds},
			}
		}
		result.ToolRounds++

		assistant := models.Message{Role: models.RoleAssistant, ToolCalls: reply.calls}
		if reply.text != "" {
			assistant.Content = []models.ContentBlock{models.TextBlock(reply.text)}
			if rs, ok := req.Sink.(RoundSink); ok {
				if err := rs.EndRound(ctx); err != nil {
					l.logger.WarnContext(ctx, "stream sink failed to end round", "error", err)
				}
			}
		}
		messages = append(messages, assistant)

		l.logger.DebugContext(ctx, "executing tool calls", "round", round, "count", len(reply.calls))
		for _, tr := range l.executor.ExecuteAll(ctx, tools, reply.calls) {
			messages = append(messages, models.Message{
				Role:       models.RoleTool,
				Content:    tr.Content,
				ToolCallID: tr.ToolCallID,
				IsError:    tr.IsError,
			})
		}
	}
}

func (l *Loop) newRequest(req Request, messages []models.Message, schemas []ToolSchema) *CompletionRequest {
	creq := &CompletionRequest{
		Model:       req.Model,
		Tools:       schemas,
		MaxTokens:   l.config.MaxTokens,
		Temperature: l.config.Temperature,
		Timeout:     l.config.RoundTimeout,
		User:        req.User,
	}
	if len(messages) > 0 && messages[0].Role == models.RoleSystem {
		creq.System = messages[0].Text()
		messages = messages[1:]
	}
	creq.Messages = append([]models.Message(nil), messages...)
	return creq
}

type roundReply struct {
	text         string
	calls        []models.ToolCall
	streamed     bool
	inputTokens  int
	outputTokens int
}

// dispatch sends one round, retrying transient failures as long as nothing
// has been forwarded to the sink.
func (l *Loop) dispatch(ctx context.Context, round int, creq *CompletionRequest, sink StreamSink) (roundReply, error) {
	for _, observe := range l.observers {
		observe(ctx, round, creq)
	}

	provider := providerLabel(creq.Model)
	var streamed bool
	retryable := func(err error) bool {
		return !streamed && isTransient(ctx, err)
	}

	reply, attempts, err := backoff.Retry(ctx, l.config.RetryPolicy, l.config.MaxRetries+1, retryable,
		func(attempt int) (roundReply, error) {
			if attempt > 1 {
				l.metrics.RecordLLMRequest(provider, creq.Model, "retry", 0, 0, 0)
				l.logger.InfoContext(ctx, "retrying gateway request", "round", round, "attempt", attempt)
			}
			reply, err := l.stream(ctx, round, creq, sink, &streamed)
			reply.streamed = streamed
			return reply, err
		})
	if err != nil {
		l.logger.WarnContext(ctx, "gateway round failed",
			"round", round,
			"attempts", attempts,
			"error", err,
		)
	}
	reply.streamed = streamed
	return reply, err
}

func (l *Loop) stream(ctx context.Context, round int, creq *CompletionRequest, sink StreamSink, streamed *bool) (reply roundReply, err error) {
	provider := providerLabel(creq.Model)
	start := time.Now()
	ctx, span := l.tracer.TraceLLMRequest(ctx, provider, creq.Model, round)
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			observability.RecordError(span, err)
		}
		span.SetAttributes(
			attribute.Int("llm.tool_calls", len(reply.calls)),
			attribute.Int("llm.input_tokens", reply.inputTokens),
			attribute.Int("llm.output_tokens", reply.outputTokens),
		)
		span.End()
		l.metrics.RecordLLMRequest(provider, creq.Model, status, time.Since(start), reply.inputTokens, reply.outputTokens)
	}()

	roundCtx, cancel := context.WithTimeout(ctx, creq.Timeout)
	defer cancel()

	chunks, err := l.provider.Complete(roundCtx, creq)
	if err != nil {
		return reply, err
	}

	var text strings.Builder
	for {
		select {
		case <-roundCtx.Done():
			return reply, roundCtx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				reply.text = text.String()
				return reply, nil
			}
			if chunk == nil {
				continue
			}
			if chunk.Error != nil {
				reply.text = text.String()
				return reply, chunk.Error
			}
			if chunk.InputTokens > 0 {
				reply.inputTokens = chunk.InputTokens
			}
			if chunk.OutputTokens > 0 {
				reply.outputTokens = chunk.OutputTokens
			}
			if chunk.ToolCall != nil {
				call := *chunk.ToolCall
				if call.ID == "" {
					call.ID = "call_" + uuid.NewString()
				}
				if len(call.Input) == 0 {
					call.Input = json.RawMessage(`{}`)
				}
				reply.calls = append(reply.calls, call)
			}
			if chunk.Text != "" {
				text.WriteString(chunk.Text)
				if sink != nil {
					*streamed = true
					if err := sink.OnDelta(ctx, chunk.Text); err != nil {
						l.logger.WarnContext(ctx, "stream sink rejected delta", "error", err)
					}
				}
			}
			if chunk.Done {
				reply.text = text.String()
				return reply, nil
			}
		}
	}
}

// isTransient reports whether err is worth another attempt. Provider
// errors say so themselves; a round deadline is transient unless the parent
// context is also done.
func isTransient(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func providerLabel(model string) string {
	if prefix, _, ok := strings.Cut(model, "/"); ok && prefix != "" {
		return prefix
	}
	return "openai"
}

func schemaTokens(schemas []ToolSchema) int {
	if len(schemas) == 0 {
		return 0
	}
	data, err := json.Marshal(schemas)
	if err != nil {
		return 0
	}
	return tokens.EstimateTokens(string(data))
}
