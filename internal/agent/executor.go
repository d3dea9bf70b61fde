package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/iwamot/collmbo/internal/observability"
	"github.com/iwamot/collmbo/pkg/models"
)

// ExecutorConfig bounds tool execution.
type ExecutorConfig struct {
	// MaxConcurrency limits concurrently running calls of one round.
	MaxConcurrency int

	// DefaultTimeout is the wall-clock limit of a single call.
	DefaultTimeout time.Duration
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		MaxConcurrency: 5,
		DefaultTimeout: 30 * time.Second,
	}
}

// Executor runs the tool calls of one round. Every call yields exactly one
// models.ToolResult; failures never escape as errors.
type Executor struct {
	config  *ExecutorConfig
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	now     func() time.Time
}

// NewExecutor creates an executor. Metrics and tracer may be nil.
func NewExecutor(config *ExecutorConfig, logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *Executor {
	if config == nil {
		config = DefaultExecutorConfig()
	}
	cfg := *config
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultExecutorConfig().MaxConcurrency
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultExecutorConfig().DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		config:  &cfg,
		logger:  logger.With("component", "executor"),
		metrics: metrics,
		tracer:  tracer,
		now:     time.Now,
	}
}

// ExecuteAll runs calls against set with bounded concurrency. The results
// are in request order regardless of completion order.
func (e *Executor) ExecuteAll(ctx context.Context, set *ToolSet, calls []models.ToolCall) []models.ToolResult {
	if len(calls) == 0 {
		return nil
	}

	results := make([]models.ToolResult, len(calls))
	sem := make(chan struct{}, e.config.MaxConcurrency)
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc models.ToolCall) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = toResult(tc, nil, NewToolError(tc.Name, ctx.Err()).
					WithType(ToolErrorTimeout).
					WithMessage("cancelled before execution"))
				return
			}
			results[idx] = e.Execute(ctx, set, tc)
		}(i, call)
	}

	wg.Wait()
	return results
}

// Execute runs one call.
func (e *Executor) Execute(ctx context.Context, set *ToolSet, call models.ToolCall) models.ToolResult {
	start := e.now()
	ctx, span := e.tracer.TraceToolExecution(ctx, call.Name)
	defer span.End()

	res, err := e.run(ctx, set, call)
	result := toResult(call, res, err)
	if err != nil {
		observability.RecordError(span, err)
		e.logger.WarnContext(ctx, "tool call failed",
			"tool", call.Name,
			"tool_call_id", call.ID,
			"reason", result.Reason,
			"error", err,
		)
	}
	e.metrics.RecordToolExecution(call.Name, result.Reason, e.now().Sub(start))
	return result
}

func (e *Executor) run(ctx context.Context, set *ToolSet, call models.ToolCall) (*ToolResult, error) {
	tool, err := set.Resolve(call.Name)
	if err != nil {
		return nil, NewToolError(call.Name, err).WithToolCallID(call.ID)
	}
	if err := ValidateInput(tool, call.Input); err != nil {
		return nil, NewToolError(call.Name, err).WithToolCallID(call.ID)
	}

	timeout := e.config.DefaultTimeout
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type execResult struct {
		result *ToolResult
		err    error
	}
	resultCh := make(chan execResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("tool panicked",
					"tool", call.Name,
					"panic", r,
					"stack", string(debug.Stack()),
				)
				resultCh <- execResult{err: NewToolError(call.Name, fmt.Errorf("%w: %v", ErrToolPanic, r)).
					WithType(ToolErrorPanic).
					WithToolCallID(call.ID).
					WithMessage("tool failed unexpectedly")}
			}
		}()
		result, err := tool.Execute(execCtx, call.Input)
		if err != nil {
			resultCh <- execResult{err: NewToolError(call.Name, err).WithToolCallID(call.ID)}
			return
		}
		resultCh <- execResult{result: result}
	}()

	select {
	case res := <-resultCh:
		return res.result, res.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, NewToolError(call.Name, ctx.Err()).
				WithType(ToolErrorTimeout).
				WithToolCallID(call.ID).
				WithMessage("context cancelled")
		}
		return nil, NewToolError(call.Name, ErrToolTimeout).
			WithType(ToolErrorTimeout).
			WithToolCallID(call.ID).
			WithMessage(fmt.Sprintf("execution timed out after %s", timeout))
	}
}

func toResult(call models.ToolCall, res *ToolResult, err error) models.ToolResult {
	if err != nil {
		toolErr, ok := GetToolError(err)
		if !ok {
			toolErr = NewToolError(call.Name, err)
		}
		return models.ToolResult{
			ToolCallID: call.ID,
			Content:    []models.ContentBlock{models.TextBlock(sanitizeToolError(toolErr))},
			IsError:    true,
			Reason:     string(toolErr.Type),
		}
	}
	if res == nil {
		res = &ToolResult{}
	}
	reason := res.Reason
	if res.IsError && reason == "" {
		reason = string(ToolErrorExecution)
	}
	return models.ToolResult{
		ToolCallID: call.ID,
		Content:    []models.ContentBlock{models.TextBlock(res.Content)},
		IsError:    res.IsError,
		Reason:     reason,
	}
}

// sanitizeToolError keeps stack traces and raw causes out of the turn.
func sanitizeToolError(err *ToolError) string {
	msg := err.Message
	if msg == "" {
		var unknown *UnknownToolError
		switch {
		case errors.As(err, &unknown):
			msg = unknown.Error()
		case err.Cause != nil:
			msg = err.Cause.Error()
		default:
			msg = "tool failed"
		}
	}
	return fmt.Sprintf("Error (%s): %s", err.Type, msg)
}
