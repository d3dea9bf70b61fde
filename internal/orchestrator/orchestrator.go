// Package orchestrator runs one reply task per accepted chat event: it posts
// a loading message, reads the thread, builds the turn, drives the
// invocation loop with a streaming dispatcher as its sink and finishes the
// reply, with a notice in place of the reply when anything fails.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iwamot/collmbo/internal/agent"
	"github.com/iwamot/collmbo/internal/observability"
	"github.com/iwamot/collmbo/internal/stream"
	"github.com/iwamot/collmbo/internal/turn"
	"github.com/iwamot/collmbo/pkg/models"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultTaskTimeout     = 5 * time.Minute
	DefaultRoundTimeout    = 30 * time.Second
	DefaultFinalizeTimeout = 10 * time.Second
)

// ErrShuttingDown is logged for events that arrive after Shutdown.
var ErrShuttingDown = errors.New("orchestrator: shutting down")

// Platform is the chat platform as seen by a task.
type Platform interface {
	stream.Poster
	ThreadHistory(ctx context.Context, conversationID, threadID string) ([]models.HistoryMessage, error)
	BotUserID() string
}

// Builder assembles the turn. *turn.Builder implements it.
type Builder interface {
	Build(ctx context.Context, in turn.Input) (*turn.Result, error)
}

// Runner drives the model. *agent.Loop implements it.
type Runner interface {
	Run(ctx context.Context, req agent.Request) (*agent.Result, error)
}

// Translator localizes user-facing text. *i18n.Translator implements it.
type Translator interface {
	Translate(ctx context.Context, locale, text string) string
}

// Config holds the per-task policies.
type Config struct {
	Model      string
	SystemText string

	// TaskTimeout bounds one task across all rounds.
	TaskTimeout time.Duration

	// RoundTimeout is the gateway timeout quoted in the timeout notice.
	RoundTimeout time.Duration

	// FinalizeTimeout bounds the best-effort error notice sent after the
	// task's own context ended.
	FinalizeTimeout time.Duration

	Stream stream.Config
}

func (c Config) withDefaults() Config {
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	if c.RoundTimeout <= 0 {
		c.RoundTimeout = DefaultRoundTimeout
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = DefaultFinalizeTimeout
	}
	return c
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTranslator localizes the loading text and the timeout notice.
func WithTranslator(t Translator) Option {
	return func(o *Orchestrator) { o.translator = t }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTelemetry sets metrics and tracer.
func WithTelemetry(metrics *observability.Metrics, tracer *observability.Tracer) Option {
	return func(o *Orchestrator) {
		o.metrics = metrics
		o.tracer = tracer
	}
}

// Orchestrator owns the reply tasks.
type Orchestrator struct {
	platform   Platform
	builder    Builder
	runner     Runner
	translator Translator
	cfg        Config
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer

	// base is cancelled when Shutdown gives up waiting.
	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates an orchestrator.
func New(platform Platform, builder Builder, runner Runner, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		platform: platform,
		builder:  builder,
		runner:   runner,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "orchestrator")
	o.base, o.cancel = context.WithCancel(context.Background())
	return o
}

// Handle starts a reply task for event and returns at once. Tasks outlive
// ctx's cancellation; only Shutdown stops them.
func (o *Orchestrator) Handle(ctx context.Context, event models.InboundEvent) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.logger.WarnContext(ctx, "event dropped", "error", ErrShuttingDown, "conversation_id", event.ConversationID)
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		o.run(event)
	}()
}

// Shutdown stops accepting events and waits for running tasks. When ctx
// ends first the tasks are cancelled; their error notices are still sent.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		<-done
		return ctx.Err()
	}
}

func (o *Orchestrator) run(event models.InboundEvent) {
	ctx := observability.AddRequestID(o.base, uuid.NewString())
	ctx = observability.WithValue(ctx, observability.ConversationKey, event.ConversationID)
	ctx = observability.WithValue(ctx, observability.ThreadKey, event.ThreadID)
	ctx = observability.WithValue(ctx, observability.UserIDKey, event.Author)
	ctx, cancel := context.WithTimeout(ctx, o.cfg.TaskTimeout)
	defer cancel()

	ctx, span := o.tracer.TraceEvent(ctx, event.ConversationID, event.ThreadID)
	defer span.End()

	o.metrics.TaskStarted()
	outcome := "failed"
	defer func() { o.metrics.TaskFinished(outcome) }()

	t := &task{o: o, event: event}
	defer func() {
		if r := recover(); r != nil {
			o.logger.ErrorContext(ctx, "reply task panicked", "panic", fmt.Sprint(r))
			o.metrics.RecordError("orchestrator", "panic")
			outcome = "failed"
			t.fail(ctx, fmt.Errorf("panic: %v", r))
		}
	}()

	start := time.Now()
	err := t.reply(ctx)
	switch {
	case err == nil:
		outcome = "done"
		o.logger.InfoContext(ctx, "reply finished", "duration", time.Since(start))
		return
	case ctx.Err() != nil:
		outcome = "cancelled"
	}
	o.logger.WarnContext(ctx, "reply failed", "error", err, "duration", time.Since(start))
	o.metrics.RecordError("orchestrator", errorType(err))
	observability.RecordError(span, err)
	t.fail(ctx, err)
}

// task is one reply in progress.
type task struct {
	o          *Orchestrator
	event      models.InboundEvent
	dispatcher *stream.Dispatcher
}

func (t *task) reply(ctx context.Context) error {
	o := t.o
	target := stream.Target{
		ConversationID: t.event.ConversationID,
		ThreadID:       t.event.ThreadID,
		UserID:         t.event.Author,
	}

	loading := o.translate(ctx, t.event.Locale, LoadingText)
	placeholder, err := o.platform.PostMessage(ctx, target.ConversationID, target.ThreadID, loading)
	if err != nil {
		return fmt.Errorf("post loading message: %w", err)
	}
	t.dispatcher = stream.New(o.platform, target, o.cfg.Stream,
		stream.WithPlaceholder(placeholder),
		stream.WithLogger(o.logger),
		stream.WithMetrics(o.metrics),
	)

	history, err := o.platform.ThreadHistory(ctx, target.ConversationID, t.event.ThreadID)
	if err != nil {
		return fmt.Errorf("read thread history: %w", err)
	}
	botUserID := o.platform.BotUserID()
	history = trimTrailingReplies(history, botUserID, placeholder)

	var built *turn.Result
	result, err := o.runner.Run(ctx, agent.Request{
		Model: o.cfg.Model,
		User:  t.event.Author,
		Build: func(ctx context.Context, toolTokens int) ([]models.Message, error) {
			r, err := o.builder.Build(ctx, turn.Input{
				BotUserID:  botUserID,
				SystemText: o.cfg.SystemText,
				Model:      o.cfg.Model,
				History:    history,
				Event:      t.event,
				ToolTokens: toolTokens,
			})
			if err != nil {
				return nil, err
			}
			built = r
			return r.Messages, nil
		},
		Sink: t.dispatcher,
	})
	if err != nil {
		return err
	}
	if result.Text == "" {
		return ErrEmptyReply
	}
	if built != nil {
		o.logger.DebugContext(ctx, "reply sent",
			"rounds", result.Rounds,
			"tool_rounds", result.ToolRounds,
			"input_tokens", result.InputTokens,
			"output_tokens", result.OutputTokens,
			"history_removed", built.Removed,
			"attachment_warnings", len(built.Warnings))
	}
	return nil
}

// fail replaces the reply with a notice. It runs on a context detached from
// the task's so that a timeout or shutdown still reaches the user.
func (t *task) fail(ctx context.Context, err error) {
	o := t.o
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.FinalizeTimeout)
	defer cancel()

	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	notice := o.notice(fctx, t.event.Locale, err, timedOut)
	if t.dispatcher == nil {
		ev := t.event
		if perr := o.platform.PostError(fctx, ev.ConversationID, ev.ThreadID, ev.Author, notice); perr != nil {
			o.logger.ErrorContext(fctx, "failed to send error notice", "error", perr)
		}
		return
	}
	if ferr := t.dispatcher.OnError(fctx, notice); ferr != nil {
		o.logger.ErrorContext(fctx, "failed to send error notice", "error", ferr)
	}
}

func (o *Orchestrator) translate(ctx context.Context, locale, text string) string {
	if o.translator == nil {
		return text
	}
	return o.translator.Translate(ctx, locale, text)
}

// trimTrailingReplies drops the bot's messages at the end of the history:
// the loading message just posted and replies to the same event still in
// progress.
func trimTrailingReplies(history []models.HistoryMessage, botUserID, placeholder string) []models.HistoryMessage {
	for len(history) > 0 {
		last := history[len(history)-1]
		if last.ID != placeholder && (botUserID == "" || last.Author != botUserID) {
			break
		}
		history = history[:len(history)-1]
	}
	return history
}
