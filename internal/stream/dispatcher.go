// Package stream relays the text of a model reply to the chat platform
// while it is being generated.
//
// A Dispatcher owns the outbound message of one task. Deltas are buffered
// and flushed as edits no more often than the configured interval, so the
// platform's rate limits hold however fast the model streams. Whatever is
// buffered reaches the platform on Finalize.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/iwamot/collmbo/internal/markdown"
	"github.com/iwamot/collmbo/internal/observability"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultBufferSize       = 20
	DefaultMinFlushInterval = time.Second
	DefaultLoadingSuffix    = " ... :writing_hand:"

	// DefaultMessageLimit is the byte size at which a streamed reply
	// continues in a new message.
	DefaultMessageLimit = 3500
)

// ErrTerminal is returned for output after Finalize or OnError.
var ErrTerminal = errors.New("stream: dispatcher is finalized")

// Poster is the part of the chat platform a Dispatcher writes to.
type Poster interface {
	PostMessage(ctx context.Context, conversationID, threadID, text string) (string, error)
	EditMessage(ctx context.Context, conversationID, messageID, text string) error
	PostError(ctx context.Context, conversationID, threadID, userID, text string) error
}

// Target is where a reply goes.
type Target struct {
	ConversationID string
	ThreadID       string

	// UserID receives ephemeral error notices.
	UserID string
}

// Config tunes flushing.
type Config struct {
	// BufferSize is the number of runes that must be pending before an
	// intermediate edit is sent.
	BufferSize int

	// MinFlushInterval is the least time between two intermediate edits.
	// Zero means DefaultMinFlushInterval; a negative value disables it.
	MinFlushInterval time.Duration

	// LoadingSuffix is appended to in-progress text.
	LoadingSuffix string

	MessageLimit int

	// TranslateMarkdown converts the reply to Slack mrkdwn.
	TranslateMarkdown bool
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	switch {
	case c.MinFlushInterval == 0:
		c.MinFlushInterval = DefaultMinFlushInterval
	case c.MinFlushInterval < 0:
		c.MinFlushInterval = 0
	}
	if c.LoadingSuffix == "" {
		c.LoadingSuffix = DefaultLoadingSuffix
	}
	if c.MessageLimit <= 0 {
		c.MessageLimit = DefaultMessageLimit
	}
	return c
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics counts posts and edits.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithPlaceholder makes the already posted message messageID the first
// message of the reply. Its text is replaced by the first flush.
func WithPlaceholder(messageID string) Option {
	return func(d *Dispatcher) { d.messageID = messageID }
}

// Dispatcher streams one reply. It is safe for concurrent use; OnError may
// race with a running loop.
type Dispatcher struct {
	platform Poster
	target   Target
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
	metrics  *observability.Metrics

	mu        sync.Mutex
	messageID string
	text      strings.Builder
	pending   int
	lastFlush time.Time
	sent      string
	terminal  bool
}

// New creates a dispatcher writing to target.
func New(platform Poster, target Target, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		platform: platform,
		target:   target,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "stream", "conversation_id", target.ConversationID)
	return d
}

// OnDelta buffers text. The first delta of a message is sent at once;
// later ones are sent when enough text is pending and the flush interval
// has passed.
func (d *Dispatcher) OnDelta(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.terminal {
		return ErrTerminal
	}

	d.text.WriteString(text)
	d.pending += utf8.RuneCountInString(text)

	first := d.lastFlush.IsZero()
	due := d.pending >= d.cfg.BufferSize && d.now().Sub(d.lastFlush) >= d.cfg.MinFlushInterval
	if !first && !due {
		return nil
	}
	return d.flush(ctx)
}

// EndRound closes the message holding the text streamed so far. Text of
// the next round starts a new message.
func (d *Dispatcher) EndRound(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.terminal || d.text.Len() == 0 {
		return nil
	}
	err := d.complete(ctx)
	d.messageID = ""
	d.text.Reset()
	d.pending = 0
	d.lastFlush = time.Time{}
	d.sent = ""
	return err
}

// Finalize sends the complete text without the loading suffix and stops
// the dispatcher. Calling it again does nothing.
func (d *Dispatcher) Finalize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.terminal {
		return nil
	}
	d.terminal = true
	if d.text.Len() == 0 {
		return nil
	}
	return d.complete(ctx)
}

// OnError ends the reply with notice. The in-progress message keeps its
// text and gets the notice appended; without a message the notice is sent
// to the user alone.
func (d *Dispatcher) OnError(ctx context.Context, notice string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.terminal = true

	if d.messageID == "" {
		d.metrics.RecordStreamOp("post_error")
		return d.platform.PostError(ctx, d.target.ConversationID, d.target.ThreadID, d.target.UserID, notice)
	}

	text := notice
	if body := d.format(d.text.String()); body != "" {
		if len(body) > d.cfg.MessageLimit {
			body = d.format(splitMarkdown(d.text.String(), d.cfg.MessageLimit)[0])
		}
		text = body + "\n\n" + notice
	}
	return d.edit(ctx, text)
}

// Text returns everything received since the current message started.
func (d *Dispatcher) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text.String()
}

// MessageID returns the current outbound message, if one exists.
func (d *Dispatcher) MessageID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.messageID
}

// flush sends the in-progress text. Text past the message limit is moved
// to new messages, leaving the last one in progress.
func (d *Dispatcher) flush(ctx context.Context) error {
	pieces := splitMarkdown(d.text.String(), d.cfg.MessageLimit)
	for len(pieces) > 1 {
		if err := d.write(ctx, d.format(pieces[0])); err != nil {
			return err
		}
		d.messageID = ""
		pieces = pieces[1:]
	}
	d.text.Reset()
	d.text.WriteString(pieces[0])

	if err := d.write(ctx, d.format(pieces[0])+d.cfg.LoadingSuffix); err != nil {
		return err
	}
	d.pending = 0
	d.lastFlush = d.now()
	return nil
}

// complete sends the current text as finished messages.
func (d *Dispatcher) complete(ctx context.Context) error {
	var errs []error
	for i, piece := range splitMarkdown(d.text.String(), d.cfg.MessageLimit) {
		if i > 0 {
			d.messageID = ""
		}
		if err := d.write(ctx, d.format(piece)); err != nil {
			errs = append(errs, err)
		}
	}
	d.pending = 0
	return errors.Join(errs...)
}

// write posts text as a new message or edits the current one.
func (d *Dispatcher) write(ctx context.Context, text string) error {
	if d.messageID == "" {
		id, err := d.platform.PostMessage(ctx, d.target.ConversationID, d.target.ThreadID, text)
		if err != nil {
			d.logger.WarnContext(ctx, "failed to post reply", "error", err)
			d.metrics.RecordError("stream", "post")
			return err
		}
		d.metrics.RecordStreamOp("post")
		d.messageID = id
		d.sent = text
		return nil
	}
	return d.edit(ctx, text)
}

func (d *Dispatcher) edit(ctx context.Context, text string) error {
	if text == d.sent {
		return nil
	}
	if err := d.platform.EditMessage(ctx, d.target.ConversationID, d.messageID, text); err != nil {
		d.logger.WarnContext(ctx, "failed to update reply", "message_id", d.messageID, "error", err)
		d.metrics.RecordError("stream", "edit")
		return err
	}
	d.metrics.RecordStreamOp("edit")
	d.sent = text
	return nil
}

func (d *Dispatcher) format(text string) string {
	text = markdown.FormatReply(text)
	if d.cfg.TranslateMarkdown {
		text = markdown.MarkdownToSlack(text)
	}
	return text
}
