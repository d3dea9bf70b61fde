package tokens

import (
	"github.com/iwamot/collmbo/pkg/models"
)

// TrimResult describes what TrimOldest kept.
type TrimResult struct {
	Messages []models.Message
	Removed  int
	Tokens   int
}

// TrimOldest drops the oldest non-system messages until the turn fits the
// budget. The leading system message and the final message are always kept,
// and the first kept conversation message is a user message, so role
// alternation survives trimming. Tool messages are dropped together with the
// assistant message that requested them.
//
// The returned Tokens may still exceed budget when the pinned messages alone
// do not fit; callers decide whether that is fatal.
func TrimOldest(messages []models.Message, budget int, est Estimator) TrimResult {
	if len(messages) == 0 {
		return TrimResult{}
	}

	var system []models.Message
	rest := messages
	if rest[0].Role == models.RoleSystem {
		system = rest[:1]
		rest = rest[1:]
	}

	removed := 0
	total := est.EstimateMessages(system) + est.EstimateMessages(rest)
	for total > budget && len(rest) > 1 {
		rest = rest[1:]
		removed++
		// Never start on an assistant or tool message.
		for len(rest) > 1 && rest[0].Role != models.RoleUser {
			rest = rest[1:]
			removed++
		}
		total = est.EstimateMessages(system) + est.EstimateMessages(rest)
	}

	kept := make([]models.Message, 0, len(system)+len(rest))
	kept = append(kept, system...)
	kept = append(kept, rest...)
	return TrimResult{Messages: kept, Removed: removed, Tokens: total}
}
