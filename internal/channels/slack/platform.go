package slack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/iwamot/collmbo/internal/backoff"
	"github.com/iwamot/collmbo/internal/observability"
	"github.com/iwamot/collmbo/pkg/models"
)

const (
	defaultMaxDownloadBytes = 20 * 1024 * 1024
	defaultRateLimitRetries = 2

	// DMs have no thread root, so their history is the recent past.
	threadReplyLimit = 1000
	dmHistoryLimit   = 100
	dmHistoryWindow  = 24 * time.Hour
)

// PostMessage posts text to a conversation, inside threadID when set, and
// returns the new message's timestamp.
func (a *Adapter) PostMessage(ctx context.Context, conversationID, threadID, text string) (string, error) {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadID != "" {
		opts = append(opts, slack.MsgOptionTS(threadID))
	}
	var ts string
	err := a.withRateLimitRetry(ctx, func() error {
		var err error
		_, ts, err = a.api.PostMessageContext(ctx, conversationID, opts...)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("post message: %w", err)
	}
	return ts, nil
}

// EditMessage replaces the text of a message the bot posted.
func (a *Adapter) EditMessage(ctx context.Context, conversationID, messageID, text string) error {
	err := a.withRateLimitRetry(ctx, func() error {
		_, _, _, err := a.api.UpdateMessageContext(ctx, conversationID, messageID, slack.MsgOptionText(text, false))
		return err
	})
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

// PostError shows text to userID only.
func (a *Adapter) PostError(ctx context.Context, conversationID, threadID, userID, text string) error {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadID != "" {
		opts = append(opts, slack.MsgOptionTS(threadID))
	}
	err := a.withRateLimitRetry(ctx, func() error {
		_, err := a.api.PostEphemeralContext(ctx, conversationID, userID, opts...)
		return err
	})
	if err != nil {
		return fmt.Errorf("post ephemeral: %w", err)
	}
	return nil
}

// ThreadHistory returns the earlier messages of a conversation in platform
// order. With a thread the thread's replies are returned; without one (a
// DM outside any thread) the DM messages of the last day are.
func (a *Adapter) ThreadHistory(ctx context.Context, conversationID, threadID string) ([]models.HistoryMessage, error) {
	var msgs []slack.Message
	if threadID != "" {
		err := a.withRateLimitRetry(ctx, func() error {
			var err error
			msgs, _, _, err = a.api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
				ChannelID: conversationID,
				Timestamp: threadID,
				Limit:     threadReplyLimit,
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("conversation replies: %w", err)
		}
	} else {
		oldest := a.now().Add(-dmHistoryWindow)
		var resp *slack.GetConversationHistoryResponse
		err := a.withRateLimitRetry(ctx, func() error {
			var err error
			resp, err = a.api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
				ChannelID: conversationID,
				Oldest:    formatSlackTimestamp(oldest),
				Limit:     dmHistoryLimit,
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("conversation history: %w", err)
		}
		// History is returned newest first.
		msgs = slices.Clone(resp.Messages)
		slices.Reverse(msgs)
	}

	history := make([]models.HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, convertHistoryMessage(m, a.now))
	}
	return history, nil
}

func convertHistoryMessage(m slack.Message, now func() time.Time) models.HistoryMessage {
	createdAt, err := parseSlackTimestamp(m.Timestamp)
	if err != nil {
		createdAt = now()
	}
	h := models.HistoryMessage{
		ID:        m.Timestamp,
		Author:    m.User,
		BotID:     m.BotID,
		Text:      m.Text,
		Timestamp: createdAt,
	}
	for _, f := range m.Files {
		h.Attachments = append(h.Attachments, models.Attachment{
			ID:       f.ID,
			Name:     f.Name,
			MimeType: f.Mimetype,
			URL:      f.URLPrivateDownload,
			Size:     int64(f.Size),
		})
	}
	return h
}

// DownloadFile fetches a private file with the bot token. It returns the
// body and the response content type. Slack answers requests lacking the
// files:read scope with an HTML page, which callers detect by type.
func (a *Adapter) DownloadFile(ctx context.Context, rawURL string) ([]byte, string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("parse file url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, "", fmt.Errorf("unsupported file url scheme: %q", parsed.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build file request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.BotToken)

	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, "", fmt.Errorf("download file: unexpected status %d", resp.StatusCode)
	}
	maxBytes := a.cfg.MaxDownloadBytes
	if resp.ContentLength > maxBytes {
		return nil, "", fmt.Errorf("file too large: %d > %d bytes", resp.ContentLength, maxBytes)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read file: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, "", fmt.Errorf("file too large: more than %d bytes", maxBytes)
	}

	contentType := strings.TrimSpace(strings.Split(resp.Header.Get("Content-Type"), ";")[0])
	return data, contentType, nil
}

// PromptAuthorization shows userID an ephemeral link to authorize an MCP
// server. The conversation comes from the task context.
func (a *Adapter) PromptAuthorization(ctx context.Context, userID, server, authorizationURL string) {
	conversationID, _ := ctx.Value(observability.ConversationKey).(string)
	threadID, _ := ctx.Value(observability.ThreadKey).(string)
	if conversationID == "" {
		a.logger.WarnContext(ctx, "no conversation for authorization prompt", "server", server)
		return
	}
	text := fmt.Sprintf(":key: The tools of *%s* need your authorization. Open <%s|this link> to sign in, then ask again.", server, authorizationURL)
	if err := a.PostError(ctx, conversationID, threadID, userID, text); err != nil {
		a.logger.WarnContext(ctx, "failed to send authorization prompt", "server", server, "error", err)
		a.metrics.RecordError("slack", "auth_prompt")
	}
}

// withRateLimitRetry repeats fn after the wait Slack asks for when a call
// is rate limited.
func (a *Adapter) withRateLimitRetry(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		var rle *slack.RateLimitedError
		if err == nil || !errors.As(err, &rle) || attempt >= a.cfg.RateLimitRetries {
			return err
		}
		a.logger.DebugContext(ctx, "slack rate limited", "retry_after", rle.RetryAfter, "attempt", attempt+1)
		if err := backoff.Sleep(ctx, rle.RetryAfter); err != nil {
			return err
		}
	}
}

func formatSlackTimestamp(t time.Time) string {
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/int(time.Microsecond))
}
