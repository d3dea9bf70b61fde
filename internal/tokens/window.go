package tokens

import (
	"fmt"
	"strings"
)

// DefaultContextWindow is used for models missing from ModelContextWindows.
const DefaultContextWindow = 128000

// ModelContextWindows maps model ID prefixes to their input token limits.
// Lookups strip any "provider/" routing prefix and use the longest
// matching prefix.
var ModelContextWindows = map[string]int{
	// Anthropic
	"claude-3":          200000,
	"claude-3-5-sonnet": 200000,
	"claude-3-7-sonnet": 200000,
	"claude-sonnet-4":   200000,
	"claude-opus-4":     200000,
	"claude-haiku-4":    200000,

	// Bedrock model IDs
	"anthropic.claude":    200000,
	"us.anthropic.claude": 200000,
	"amazon.nova":         300000,
	"us.amazon.nova":      300000,

	// OpenAI
	"gpt-4":         8192,
	"gpt-4-turbo":   128000,
	"gpt-4o":        128000,
	"gpt-4.1":       1047576,
	"gpt-5":         272000,
	"gpt-3.5-turbo": 16385,
	"o1":            200000,
	"o3":            200000,
	"o4-mini":       200000,

	// Google
	"gemini-1.5-pro":   2097152,
	"gemini-1.5-flash": 1048576,
	"gemini-2.0-flash": 1048576,
	"gemini-2.5":       1048576,
}

// ContextWindow returns the input token limit for a model.
func ContextWindow(model string) int {
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	if tokens, ok := ModelContextWindows[model]; ok {
		return tokens
	}
	best, bestTokens := "", 0
	for prefix, tokens := range ModelContextWindows {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best, bestTokens = prefix, tokens
		}
	}
	if best == "" {
		return DefaultContextWindow
	}
	return bestTokens
}

// Window tracks token usage against a budget.
type Window struct {
	total int
	used  int
}

// NewWindow creates a window with the given budget.
func NewWindow(total int) *Window {
	if total <= 0 {
		total = DefaultContextWindow
	}
	return &Window{total: total}
}

// Add records used tokens.
func (w *Window) Add(tokens int) {
	w.used += tokens
}

// Used returns the tokens recorded so far.
func (w *Window) Used() int {
	return w.used
}

// Total returns the budget.
func (w *Window) Total() int {
	return w.total
}

// Remaining returns the tokens still available, never negative.
func (w *Window) Remaining() int {
	if w.used >= w.total {
		return 0
	}
	return w.total - w.used
}

// CanFit reports whether tokens more would stay within the budget.
func (w *Window) CanFit(tokens int) bool {
	return w.Remaining() >= tokens
}

func (w *Window) String() string {
	return fmt.Sprintf("%d/%d tokens", w.used, w.total)
}
