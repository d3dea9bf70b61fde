// Package i18n translates the bot's own notices into the language of the
// user's Slack locale through the completion gateway.
package i18n

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/iwamot/collmbo/internal/agent"
	"github.com/iwamot/collmbo/pkg/models"
)

// https://slack.com/help/articles/215058658-Manage-your-language-preferences
var localeLanguages = map[string]string{
	"en-US": "English",
	"en-GB": "English",
	"de-DE": "German",
	"es-ES": "Spanish",
	"es-LA": "Spanish",
	"fr-FR": "French",
	"it-IT": "Italian",
	"pt-BR": "Portuguese",
	"ja-JP": "Japanese",
	"zh-CN": "Simplified Chinese",
	"zh-TW": "Traditional Chinese",
	"ko-KR": "Korean",
}

const systemPrompt = "You're the AI model that primarily focuses on the quality of language translation. " +
	"You always respond with the only the translated text in a format suitable for Slack user interface. " +
	"Slack's emoji (e.g., :hourglass_flowing_sand:) and mention parts must be kept as-is. " +
	"You don't change the meaning of sentences when translating them into a different language. " +
	"When the given text is a single verb/noun, its translated text must be a norm/verb form too. " +
	"When the given text is in markdown format, the format must be kept as much as possible."

const userPrompt = "Can you translate the following text into %s in a professional tone? " +
	"Your response must omit any English version / pronunciation guide for the result. " +
	"Again, no need to append any English notes and guides about the result. " +
	"Just return the translation result. " +
	"Here is the original sentence you need to translate:\n%s"

const (
	// DefaultTimeout bounds one translation request.
	DefaultTimeout = 30 * time.Second

	maxTranslationTokens = 1024
)

// Language returns the language name of a Slack locale, or "" when the
// locale is unknown.
func Language(locale string) string {
	return localeLanguages[locale]
}

// Translator translates notices and remembers the results for the life of
// the process.
type Translator struct {
	provider agent.LLMProvider
	model    string
	enabled  bool
	timeout  time.Duration
	logger   *slog.Logger

	mu    sync.RWMutex
	cache map[string]string
}

// Option configures a Translator.
type Option func(*Translator)

// WithTimeout bounds each translation request. Non-positive values keep
// DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Translator) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// NewTranslator creates a translator. A disabled translator, or one without
// a provider, returns every text unchanged.
func NewTranslator(provider agent.LLMProvider, model string, enabled bool, logger *slog.Logger, opts ...Option) *Translator {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Translator{
		provider: provider,
		model:    model,
		enabled:  enabled,
		timeout:  DefaultTimeout,
		logger:   logger.With("component", "i18n"),
		cache:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Translate returns text in the language of locale. English, unknown
// locales, and gateway failures return text as is.
func (t *Translator) Translate(ctx context.Context, locale, text string) string {
	if t == nil || !t.enabled || t.provider == nil {
		return text
	}
	lang := Language(locale)
	if lang == "" || lang == "English" {
		return text
	}

	key := lang + ":" + text
	t.mu.RLock()
	cached, ok := t.cache[key]
	t.mu.RUnlock()
	if ok {
		return cached
	}

	translated, err := t.complete(ctx, lang, text)
	if err != nil {
		t.logger.WarnContext(ctx, "translation failed", "lang", lang, "error", err)
		return text
	}
	t.mu.Lock()
	t.cache[key] = translated
	t.mu.Unlock()
	return translated
}

func (t *Translator) complete(ctx context.Context, lang, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	chunks, err := t.provider.Complete(ctx, &agent.CompletionRequest{
		Model:  t.model,
		System: systemPrompt,
		Messages: []models.Message{{
			Role:    models.RoleUser,
			Content: []models.ContentBlock{models.TextBlock(fmt.Sprintf(userPrompt, lang, text))},
		}},
		MaxTokens:   maxTranslationTokens,
		Temperature: 1,
		Timeout:     t.timeout,
		User:        "system",
	})
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			cancel()
			for range chunks {
			}
			return "", chunk.Error
		}
		sb.WriteString(chunk.Text)
	}
	out := strings.TrimSpace(sb.String())
	if out == "" {
		return "", fmt.Errorf("empty translation")
	}
	return out, nil
}
