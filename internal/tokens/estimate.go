// Package tokens estimates prompt sizes and fits conversation turns into a
// model's context window.
//
// Estimates are heuristics, not tokenizer output: text costs roughly one
// token per four characters, and images and documents cost a fixed amount.
// Every limit that depends on them should keep some headroom.
package tokens

import (
	"unicode/utf8"

	"github.com/iwamot/collmbo/pkg/models"
)

const (
	// TokensPerChar is the text heuristic used by EstimateTokens.
	TokensPerChar = 0.25

	// MessageOverhead accounts for role markers and separators.
	MessageOverhead = 4

	// DefaultImageTokens is charged per inline image.
	DefaultImageTokens = 1600

	// DefaultDocumentTokens is charged per inline document.
	DefaultDocumentTokens = 3000
)

// Estimator returns a token estimate for a list of messages.
type Estimator interface {
	EstimateMessages(messages []models.Message) int
}

// EstimateTokens returns a rough token count for text. Non-empty text is
// never estimated below one token.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	tokens := int(float64(utf8.RuneCountInString(text)) * TokensPerChar)
	if tokens < 1 {
		return 1
	}
	return tokens
}

// Heuristic is the default Estimator.
type Heuristic struct {
	ImageTokens    int
	DocumentTokens int
}

// NewHeuristic returns a Heuristic with the default media costs.
func NewHeuristic() Heuristic {
	return Heuristic{ImageTokens: DefaultImageTokens, DocumentTokens: DefaultDocumentTokens}
}

// EstimateMessage estimates one message including tool call arguments.
func (h Heuristic) EstimateMessage(msg models.Message) int {
	total := MessageOverhead
	for _, block := range msg.Content {
		switch block.Type {
		case models.BlockText:
			total += EstimateTokens(block.Text)
		case models.BlockImage:
			total += h.ImageTokens
		case models.BlockDocument:
			total += h.DocumentTokens
		}
	}
	for _, call := range msg.ToolCalls {
		total += EstimateTokens(call.Name) + EstimateTokens(string(call.Input))
	}
	return total
}

// EstimateMessages implements Estimator.
func (h Heuristic) EstimateMessages(messages []models.Message) int {
	total := 0
	for _, msg := range messages {
		total += h.EstimateMessage(msg)
	}
	return total
}
