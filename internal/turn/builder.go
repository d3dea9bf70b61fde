// Package turn assembles the message list sent to the completion gateway
// for one conversation turn and marks prompt cache boundaries on it.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/iwamot/collmbo/internal/markdown"
	"github.com/iwamot/collmbo/internal/redact"
	"github.com/iwamot/collmbo/internal/tokens"
	"github.com/iwamot/collmbo/pkg/models"
)

// Config holds the policies applied while building a turn.
type Config struct {
	// TranslateMarkdown converts Slack mrkdwn in user text to Markdown.
	TranslateMarkdown bool

	// ImageAccess and PDFAccess gate attachment inlining.
	ImageAccess bool
	PDFAccess   bool

	// MaxAttachmentBytes caps each inlined file.
	MaxAttachmentBytes int64

	// MaxPDFs is how many of the newest PDFs are inlined.
	MaxPDFs int

	// MaxTokens is reserved for the model's reply.
	MaxTokens int

	// ContextWindow overrides the model's input limit when positive.
	ContextWindow int

	// LoadingSuffix is removed from earlier bot replies that were cut off
	// while streaming.
	LoadingSuffix string
}

// Input is everything a build needs for one inbound event.
type Input struct {
	BotUserID  string
	SystemText string
	Model      string

	// History holds earlier thread messages in platform order. An entry
	// with the event's message ID is skipped.
	History []models.HistoryMessage

	Event models.InboundEvent

	// ToolTokens is the estimated size of the declared tool schemas.
	ToolTokens int
}

// Result is a built turn.
type Result struct {
	Messages []models.Message

	// Tokens is the estimated size of Messages.
	Tokens int

	// Removed counts history messages dropped to fit the context window.
	Removed int

	// Warnings lists attachments replaced by warning blocks.
	Warnings []*BuildError
}

// Builder is the context builder.
type Builder struct {
	cfg        Config
	redactor   *redact.Redactor
	downloader Downloader
	estimator  tokens.Estimator
	logger     *slog.Logger
}

// NewBuilder creates a Builder. A nil redactor disables redaction and a nil
// estimator uses tokens.NewHeuristic.
func NewBuilder(cfg Config, redactor *redact.Redactor, downloader Downloader, estimator tokens.Estimator, logger *slog.Logger) *Builder {
	if cfg.MaxAttachmentBytes <= 0 {
		cfg.MaxAttachmentBytes = DefaultMaxAttachmentBytes
	}
	if cfg.MaxPDFs <= 0 {
		cfg.MaxPDFs = DefaultMaxPDFs
	}
	if estimator == nil {
		estimator = tokens.NewHeuristic()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		cfg:        cfg,
		redactor:   redactor,
		downloader: downloader,
		estimator:  estimator,
		logger:     logger.With("component", "turn"),
	}
}

// Build assembles the turn: system text first, then the thread history in
// platform order, then the new input. Attachment failures are recovered
// with warning blocks; only a context overflow fails the build.
func (b *Builder) Build(ctx context.Context, in Input) (*Result, error) {
	mention := regexp.MustCompile(`<@` + regexp.QuoteMeta(in.BotUserID) + `>\s*`)
	inl := &inliner{cfg: b.cfg, downloader: b.downloader}
	result := &Result{}

	entries := make([]models.HistoryMessage, 0, len(in.History)+1)
	for _, h := range in.History {
		if in.Event.MessageID != "" && h.ID == in.Event.MessageID {
			continue
		}
		entries = append(entries, h)
	}
	entries = append(entries, models.HistoryMessage{
		ID:          in.Event.MessageID,
		Author:      in.Event.Author,
		Text:        in.Event.Text,
		Attachments: in.Event.Attachments,
		Timestamp:   in.Event.Timestamp,
	})

	// Walk newest first so the PDF limit keeps the most recent files.
	converted := make([]models.Message, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		converted[i] = b.convert(ctx, entries[i], in.BotUserID, mention, inl, result)
	}

	messages := make([]models.Message, 0, len(converted)+1)
	if system := b.systemMessage(in); system != nil {
		messages = append(messages, *system)
	}
	start := len(messages)
	for _, msg := range converted {
		// Gateways expect the conversation to open with a user message.
		if len(messages) == start && msg.Role == models.RoleAssistant {
			continue
		}
		messages = appendMerged(messages, msg)
	}

	window := b.cfg.ContextWindow
	if window <= 0 {
		window = tokens.ContextWindow(in.Model)
	}
	budget := window - b.cfg.MaxTokens - in.ToolTokens - 1
	trimmed := tokens.TrimOldest(messages, budget, b.estimator)
	if trimmed.Tokens > budget {
		return nil, &ContextOverflowError{EstimatedTokens: trimmed.Tokens, MaxContextTokens: budget}
	}
	if trimmed.Removed > 0 {
		b.logger.InfoContext(ctx, "trimmed thread history to fit context window",
			"removed", trimmed.Removed, "tokens", trimmed.Tokens, "budget", budget)
	}

	result.Messages = trimmed.Messages
	result.Tokens = trimmed.Tokens
	result.Removed = trimmed.Removed
	return result, nil
}

func (b *Builder) systemMessage(in Input) *models.Message {
	if in.SystemText == "" {
		return nil
	}
	text := strings.ReplaceAll(in.SystemText, "{bot_user_id}", in.BotUserID)
	if b.cfg.TranslateMarkdown {
		text = markdown.SlackToMarkdown(text)
	}
	return &models.Message{Role: models.RoleSystem, Content: []models.ContentBlock{models.TextBlock(text)}}
}

func (b *Builder) convert(ctx context.Context, h models.HistoryMessage, botUserID string, mention *regexp.Regexp, inl *inliner, result *Result) models.Message {
	text := mention.ReplaceAllString(h.Text, "")
	text = markdown.UnescapeSlack(text)
	fromBot := botUserID != "" && h.Author == botUserID
	if fromBot && b.cfg.LoadingSuffix != "" {
		text = strings.TrimSuffix(text, b.cfg.LoadingSuffix)
	}
	if b.cfg.TranslateMarkdown {
		text = markdown.SlackToMarkdown(text)
	}
	text = b.redactor.Redact(text)

	author := h.Author
	if author == "" {
		author = h.BotID
	}
	content := []models.ContentBlock{models.TextBlock(fmt.Sprintf("<@%s>: %s", author, text))}

	if fromBot {
		return models.Message{Role: models.RoleAssistant, Content: content}
	}

	// Files shared by other bots are never downloaded.
	if h.BotID == "" {
		for _, att := range h.Attachments {
			block, err := inl.inline(ctx, att)
			if err != nil {
				var buildErr *BuildError
				if !errors.As(err, &buildErr) {
					buildErr = &BuildError{Kind: AttachmentDownloadFailed, Attachment: att.Name, Cause: err}
				}
				b.logger.WarnContext(ctx, "attachment replaced by warning", "kind", buildErr.Kind, "error", buildErr)
				result.Warnings = append(result.Warnings, buildErr)
				content = append(content, models.TextBlock(buildErr.notice()))
				continue
			}
			content = append(content, block)
		}
	}
	return models.Message{Role: models.RoleUser, Content: content}
}

// appendMerged appends msg, folding it into the previous message when both
// have the same conversational role.
func appendMerged(messages []models.Message, msg models.Message) []models.Message {
	if n := len(messages); n > 0 {
		last := &messages[n-1]
		if last.Role == msg.Role && msg.Role != models.RoleSystem && len(last.ToolCalls) == 0 && len(msg.ToolCalls) == 0 {
			last.Content = append(last.Content, msg.Content...)
			return messages
		}
	}
	return append(messages, msg)
}
