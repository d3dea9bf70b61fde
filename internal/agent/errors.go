package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownTool is matched by UnknownToolError.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrToolLoopExceeded is matched by ToolLoopExceededError.
	ErrToolLoopExceeded = errors.New("tool loop exceeded")

	// ErrCancelled indicates the run was cancelled or hit its deadline.
	ErrCancelled = errors.New("cancelled")

	// ErrNoProvider indicates no gateway is configured for the model.
	ErrNoProvider = errors.New("no provider configured")

	// ErrToolTimeout indicates a tool execution timed out.
	ErrToolTimeout = errors.New("tool execution timed out")

	// ErrToolPanic indicates a tool panicked during execution.
	ErrToolPanic = errors.New("tool panicked")

	// ErrInvalidToolInput indicates arguments failed schema validation.
	ErrInvalidToolInput = errors.New("invalid tool input")
)

// ToolErrorType categorizes tool failures. The string value is the reason
// code carried on the resulting models.ToolResult.
type ToolErrorType string

const (
	ToolErrorNotFound     ToolErrorType = "not_found"
	ToolErrorInvalidInput ToolErrorType = "invalid_input"
	ToolErrorTimeout      ToolErrorType = "timeout"
	ToolErrorNetwork      ToolErrorType = "network"
	ToolErrorHTTPStatus   ToolErrorType = "http_status"
	ToolErrorMalformed    ToolErrorType = "malformed_response"
	ToolErrorOAuth        ToolErrorType = "oauth"
	ToolErrorPanic        ToolErrorType = "panic"
	ToolErrorExecution    ToolErrorType = "tool_error"
)

// ToolError is a tool failure converted into a tool result by the executor.
type ToolError struct {
	Type       ToolErrorType
	ToolName   string
	ToolCallID string

	// Message is safe to show to the model.
	Message string

	Cause error
}

func (e *ToolError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[tool:%s]", e.Type))
	if e.ToolName != "" {
		parts = append(parts, e.ToolName)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ToolError) Unwrap() error {
	return e.Cause
}

// NewToolError creates a ToolError, classifying the cause.
func NewToolError(toolName string, cause error) *ToolError {
	err := &ToolError{
		ToolName: toolName,
		Cause:    cause,
		Type:     ToolErrorExecution,
	}
	if cause != nil {
		err.Type = classifyToolError(cause)
	}
	return err
}

// WithType overrides the classification.
func (e *ToolError) WithType(t ToolErrorType) *ToolError {
	e.Type = t
	return e
}

// WithToolCallID correlates the error with a call.
func (e *ToolError) WithToolCallID(id string) *ToolError {
	e.ToolCallID = id
	return e
}

// WithMessage sets the model-facing message.
func (e *ToolError) WithMessage(msg string) *ToolError {
	e.Message = msg
	return e
}

// reasoned is implemented by errors that already know their reason code,
// such as MCP transport and OAuth errors.
type reasoned interface {
	ReasonCode() string
}

func classifyToolError(err error) ToolErrorType {
	var r reasoned
	if errors.As(err, &r) && r.ReasonCode() != "" {
		return ToolErrorType(r.ReasonCode())
	}
	switch {
	case errors.Is(err, ErrUnknownTool):
		return ToolErrorNotFound
	case errors.Is(err, ErrInvalidToolInput):
		return ToolErrorInvalidInput
	case errors.Is(err, ErrToolTimeout), errors.Is(err, context.DeadlineExceeded):
		return ToolErrorTimeout
	case errors.Is(err, ErrToolPanic):
		return ToolErrorPanic
	}

	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "network is unreachable") {
		return ToolErrorNetwork
	}
	return ToolErrorExecution
}

// GetToolError extracts a ToolError from an error chain.
func GetToolError(err error) (*ToolError, bool) {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr, true
	}
	return nil, false
}

// UnknownToolError is returned when the model names a tool that is not
// registered for the turn.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.Name)
}

func (e *UnknownToolError) Is(target error) bool {
	return target == ErrUnknownTool
}

// ToolLoopExceededError is returned when the model keeps requesting tools
// after the round cap.
type ToolLoopExceededError struct {
	Rounds int
}

func (e *ToolLoopExceededError) Error() string {
	return fmt.Sprintf("tool loop exceeded after %d rounds", e.Rounds)
}

func (e *ToolLoopExceededError) Is(target error) bool {
	return target == ErrToolLoopExceeded
}

// LoopError is a terminal loop failure with the phase and round it
// happened in.
type LoopError struct {
	Phase     LoopPhase
	Iteration int
	Message   string
	Cause     error
}

func (e *LoopError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("loop error at %s (iteration %d): %s", e.Phase, e.Iteration, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("loop error at %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
	}
	return fmt.Sprintf("loop error at %s (iteration %d)", e.Phase, e.Iteration)
}

func (e *LoopError) Unwrap() error {
	return e.Cause
}

// LoopPhase is a state of the invocation loop.
type LoopPhase string

const (
	PhaseBuild         LoopPhase = "BUILD"
	PhaseDispatch      LoopPhase = "DISPATCH"
	PhaseStreaming     LoopPhase = "STREAMING"
	PhaseToolExecuting LoopPhase = "TOOL_EXECUTING"
	PhaseDone          LoopPhase = "DONE"
	PhaseFailed        LoopPhase = "FAILED"
)
