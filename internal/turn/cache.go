package turn

import (
	"github.com/iwamot/collmbo/internal/tokens"
	"github.com/iwamot/collmbo/pkg/models"
)

// DefaultCacheThreshold is the minimum estimated turn size for cache hints.
const DefaultCacheThreshold = 1024

// maxBreakpoints is how many of the most recent user messages are marked.
const maxBreakpoints = 2

// CacheHinter marks prompt cache boundaries on a built turn.
type CacheHinter struct {
	// Enabled turns hinting on.
	Enabled bool

	// Threshold is the minimum estimated token count.
	Threshold int

	// Estimator sizes the turn; nil uses tokens.NewHeuristic.
	Estimator tokens.Estimator

	// Honors reports whether the provider serving model understands
	// cache hints. Nil means no provider does.
	Honors func(model string) bool
}

// Active reports whether Insert would mark messages for this turn.
func (h *CacheHinter) Active(messages []models.Message, model string) bool {
	if h == nil || !h.Enabled || h.Honors == nil || !h.Honors(model) {
		return false
	}
	threshold := h.Threshold
	if threshold <= 0 {
		threshold = DefaultCacheThreshold
	}
	est := h.Estimator
	if est == nil {
		est = tokens.NewHeuristic()
	}
	return est.EstimateMessages(stripBreakpoints(messages)) >= threshold
}

// Insert returns a copy of messages with one cache breakpoint on each of the
// two most recent user messages. Stale breakpoints elsewhere are removed.
// When hinting is inactive the result carries no breakpoints at all.
func (h *CacheHinter) Insert(messages []models.Message, model string) []models.Message {
	out := stripBreakpoints(messages)
	if !h.Active(out, model) {
		return out
	}

	marked := 0
	for i := len(out) - 1; i >= 0 && marked < maxBreakpoints; i-- {
		if out[i].Role != models.RoleUser {
			continue
		}
		content := make([]models.ContentBlock, 0, len(out[i].Content)+1)
		content = append(content, out[i].Content...)
		out[i].Content = append(content, models.CacheBreakpoint())
		marked++
	}
	return out
}

// stripBreakpoints copies messages without cache markers. Content slices
// are copied so callers never see their input mutated.
func stripBreakpoints(messages []models.Message) []models.Message {
	out := make([]models.Message, len(messages))
	for i, msg := range messages {
		content := make([]models.ContentBlock, 0, len(msg.Content))
		for _, block := range msg.Content {
			if block.Type != models.BlockCacheBreakpoint {
				content = append(content, block)
			}
		}
		msg.Content = content
		out[i] = msg
	}
	return out
}
