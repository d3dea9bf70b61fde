package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/iwamot/collmbo/internal/agent"
	"github.com/iwamot/collmbo/internal/agent/providers"
	"github.com/iwamot/collmbo/internal/turn"
)

// LoadingText is posted while the reply is being prepared.
const LoadingText = ":hourglass_flowing_sand: Wait a second, please ..."

const timeoutNotice = ":warning: Apologies! It seems that the AI didn't respond within the %d-second timeframe. " +
	"Please try your request again later. " +
	"If you wish to extend the timeout limit, you may consider deploying this app with customized settings on your infrastructure. :bow:"

const failurePrefix = ":warning: Failed to reply: "

// ErrEmptyReply is returned when the model finished without any text.
var ErrEmptyReply = errors.New("the AI returned an empty reply")

// notice returns the text that replaces a failed reply. Only the timeout
// notice is translated; failure details are fixed strings and never carry
// gateway payloads.
func (o *Orchestrator) notice(ctx context.Context, locale string, err error, timedOut bool) string {
	if timedOut || isTimeout(err) {
		seconds := int(math.Round(o.cfg.RoundTimeout.Seconds()))
		return o.translate(ctx, locale, fmt.Sprintf(timeoutNotice, seconds))
	}
	return failurePrefix + describe(err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if perr, ok := providers.GetProviderError(err); ok {
		return perr.Reason == providers.FailoverTimeout
	}
	return false
}

// describe turns err into a short user-safe explanation.
func describe(err error) string {
	var overflow *turn.ContextOverflowError
	var loopExceeded *agent.ToolLoopExceededError
	switch {
	case errors.As(err, &overflow):
		return overflow.Error()
	case errors.As(err, &loopExceeded):
		return fmt.Sprintf("the AI kept calling tools after %d rounds.", loopExceeded.Rounds)
	case errors.Is(err, ErrEmptyReply):
		return ErrEmptyReply.Error() + "."
	case errors.Is(err, agent.ErrNoProvider):
		return "no AI gateway is configured for this model."
	case errors.Is(err, agent.ErrCancelled), errors.Is(err, context.Canceled):
		return "the request was cancelled."
	}
	if perr, ok := providers.GetProviderError(err); ok {
		return fmt.Sprintf("the AI gateway returned an error (%s).", perr.Category())
	}
	return "an unexpected error occurred."
}

// errorType labels err for the error counter.
func errorType(err error) string {
	var overflow *turn.ContextOverflowError
	switch {
	case isTimeout(err):
		return "timeout"
	case errors.As(err, &overflow):
		return "context_overflow"
	case errors.Is(err, agent.ErrToolLoopExceeded):
		return "tool_loop_exceeded"
	case errors.Is(err, ErrEmptyReply):
		return "empty_reply"
	case errors.Is(err, agent.ErrCancelled), errors.Is(err, context.Canceled):
		return "cancelled"
	}
	if perr, ok := providers.GetProviderError(err); ok {
		return "gateway_" + perr.Category()
	}
	return "internal"
}
