// Package slack connects the bot to Slack over Socket Mode. It turns
// message events into models.InboundEvent values for the orchestrator and
// carries replies, edits, ephemeral notices and thread history back and
// forth through the Web API.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/iwamot/collmbo/internal/cache"
	"github.com/iwamot/collmbo/internal/observability"
	"github.com/iwamot/collmbo/pkg/models"
)

// Config holds the configuration for the Slack adapter.
type Config struct {
	BotToken string // xoxb- token for API calls
	AppToken string // xapp- token for Socket Mode

	// UseLanguage looks up the author's locale for every accepted event.
	UseLanguage bool

	// MaxDownloadBytes caps private file downloads.
	MaxDownloadBytes int64

	// RateLimitRetries is how often a rate limited call is repeated.
	// Zero means 2; negative disables retries.
	RateLimitRetries int

	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *observability.Metrics
}

// Validate checks that both tokens are present.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BotToken) == "" {
		return errors.New("slack: bot token is required")
	}
	if strings.TrimSpace(c.AppToken) == "" {
		return errors.New("slack: app token is required")
	}
	return nil
}

// Handler receives the events the adapter accepted. Handle must not block
// for the duration of the reply.
type Handler interface {
	Handle(ctx context.Context, event models.InboundEvent)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event models.InboundEvent)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, event models.InboundEvent) {
	f(ctx, event)
}

// Adapter is the Slack side of the bot.
type Adapter struct {
	cfg     Config
	api     SlackAPIClient
	socket  SocketModeClient
	events  <-chan socketmode.Event
	dedupe  *cache.DedupeCache
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	botUserID   string
	botUserIDMu sync.RWMutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAdapter creates a new Slack adapter.
func NewAdapter(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := []slack.Option{slack.OptionAppLevelToken(cfg.AppToken)}
	if cfg.HTTPClient != nil {
		opts = append(opts, slack.OptionHTTPClient(cfg.HTTPClient))
	}
	client := slack.New(cfg.BotToken, opts...)
	socketClient := socketmode.New(client, socketmode.OptionDebug(false))
	return newAdapter(cfg, client, socketClient, socketClient.Events), nil
}

func newAdapter(cfg Config, api SlackAPIClient, socket SocketModeClient, events <-chan socketmode.Event) *Adapter {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.MaxDownloadBytes <= 0 {
		cfg.MaxDownloadBytes = defaultMaxDownloadBytes
	}
	switch {
	case cfg.RateLimitRetries == 0:
		cfg.RateLimitRetries = defaultRateLimitRetries
	case cfg.RateLimitRetries < 0:
		cfg.RateLimitRetries = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:     cfg,
		api:     api,
		socket:  socket,
		events:  events,
		dedupe:  cache.NewDedupeCache(cache.DedupeCacheOptions{}),
		logger:  logger.With("adapter", "slack"),
		metrics: cfg.Metrics,
		now:     time.Now,
	}
}

// Connect resolves the bot's own user ID. Start calls it when needed.
func (a *Adapter) Connect(ctx context.Context) error {
	authResp, err := a.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to authenticate with Slack: %w", err)
	}
	a.botUserIDMu.Lock()
	a.botUserID = authResp.UserID
	a.botUserIDMu.Unlock()
	return nil
}

// BotUserID returns the bot's user ID, empty before Connect.
func (a *Adapter) BotUserID() string {
	a.botUserIDMu.RLock()
	defer a.botUserIDMu.RUnlock()
	return a.botUserID
}

// Start begins listening for events via Socket Mode. Accepted events are
// passed to handler until ctx ends or Stop is called.
func (a *Adapter) Start(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("slack: handler is required")
	}
	if a.BotUserID() == "" {
		if err := a.Connect(ctx); err != nil {
			return err
		}
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.logger.Info("slack adapter started", "bot_user_id", a.BotUserID())

	a.wg.Add(1)
	go a.handleEvents(ctx, handler)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.socket.RunContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("socket mode stopped", "error", err)
			a.metrics.RecordError("slack", "socket_mode")
		}
	}()
	return nil
}

// Stop ends the event loop and waits for it, or for ctx.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleEvents processes incoming Socket Mode events.
func (a *Adapter) handleEvents(ctx context.Context, handler Handler) {
	defer a.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-a.events:
			if !ok {
				return
			}

			switch event.Type {
			case socketmode.EventTypeConnecting:
				a.logger.Debug("connecting to socket mode")

			case socketmode.EventTypeConnectionError:
				a.logger.Warn("socket mode connection error", "data", fmt.Sprint(event.Data))
				a.metrics.RecordError("slack", "connection")

			case socketmode.EventTypeConnected:
				a.logger.Info("connected to socket mode")

			case socketmode.EventTypeEventsAPI:
				a.handleEventsAPI(ctx, event, handler)

			case socketmode.EventTypeSlashCommand, socketmode.EventTypeInteractive:
				a.ack(event)
			}
		}
	}
}

func (a *Adapter) ack(event socketmode.Event) {
	if event.Request != nil {
		a.socket.Ack(*event.Request)
	}
}

// handleEventsAPI acknowledges an Events API callback and routes message
// events. Mentions also arrive as message events, so app_mention is only
// acknowledged.
func (a *Adapter) handleEventsAPI(ctx context.Context, event socketmode.Event, handler Handler) {
	a.ack(event)

	eventsAPIEvent, ok := event.Data.(slackevents.EventsAPIEvent)
	if !ok {
		a.logger.Warn("unexpected events api payload", "type", fmt.Sprintf("%T", event.Data))
		return
	}
	if eventsAPIEvent.Type != slackevents.CallbackEvent {
		return
	}
	if ev, ok := eventsAPIEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok {
		a.handleMessage(ctx, ev, handler)
	}
}

// handleMessage drops events the bot must not answer and hands the rest to
// handler on their own goroutine, since deciding may need API calls.
func (a *Adapter) handleMessage(ctx context.Context, ev *slackevents.MessageEvent, handler Handler) {
	if skipMessage(ev) {
		return
	}
	if a.dedupe.Check(cache.MessageDedupeKey(ev.Channel, ev.TimeStamp)) {
		a.logger.Debug("duplicate event delivery", "channel", ev.Channel, "ts", ev.TimeStamp)
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		inbound, ok := a.accept(ctx, ev)
		if !ok {
			return
		}
		a.metrics.EventReceived(eventKind(ev))
		handler.Handle(ctx, inbound)
	}()
}

// skipMessage reports events that are never answered: posts by bots and
// edits or deletions, which the bot's own streaming triggers constantly.
func skipMessage(ev *slackevents.MessageEvent) bool {
	if ev.BotID != "" {
		return true
	}
	switch ev.SubType {
	case "message_changed", "message_deleted", "bot_message":
		return true
	}
	return ev.User == ""
}

// accept applies the reply rules: DMs always, channel posts when they
// mention the bot or sit in a thread whose parent mentions it.
func (a *Adapter) accept(ctx context.Context, ev *slackevents.MessageEvent) (models.InboundEvent, bool) {
	botUserID := a.BotUserID()
	isDM := ev.ChannelType == "im"

	if !isDM && !mentions(ev.Text, botUserID) {
		if ev.ThreadTimeStamp == "" {
			return models.InboundEvent{}, false
		}
		mentioned, err := a.parentMentions(ctx, ev.Channel, ev.ThreadTimeStamp, botUserID)
		if err != nil {
			a.logger.WarnContext(ctx, "failed to read thread parent", "channel", ev.Channel, "error", err)
			a.metrics.RecordError("slack", "parent_lookup")
			return models.InboundEvent{}, false
		}
		if !mentioned {
			return models.InboundEvent{}, false
		}
	}

	inbound := convertMessageEvent(ev, a.now)
	if a.cfg.UseLanguage {
		inbound.Locale = a.userLocale(ctx, ev.User)
	}
	return inbound, true
}

func mentions(text, botUserID string) bool {
	return botUserID != "" && strings.Contains(text, "<@"+botUserID+">")
}

// parentMentions fetches the first message of a thread and checks it for a
// mention of the bot.
func (a *Adapter) parentMentions(ctx context.Context, channelID, threadTS, botUserID string) (bool, error) {
	resp, err := a.api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: channelID,
		Latest:    threadTS,
		Limit:     1,
		Inclusive: true,
	})
	if err != nil {
		return false, err
	}
	if len(resp.Messages) == 0 {
		return false, nil
	}
	return mentions(resp.Messages[0].Text, botUserID), nil
}

func (a *Adapter) userLocale(ctx context.Context, userID string) string {
	user, err := a.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		a.logger.WarnContext(ctx, "failed to look up user locale", "user_id", userID, "error", err)
		return ""
	}
	return user.Locale
}

func eventKind(ev *slackevents.MessageEvent) string {
	switch {
	case ev.ChannelType == "im":
		return "im"
	case ev.ThreadTimeStamp != "":
		return "thread"
	default:
		return "channel"
	}
}

// convertMessageEvent converts a Slack message event to an InboundEvent.
// Channel posts are answered in a thread under the post; DMs outside a
// thread are answered inline.
func convertMessageEvent(ev *slackevents.MessageEvent, now func() time.Time) models.InboundEvent {
	isDM := ev.ChannelType == "im"
	threadTS := ev.ThreadTimeStamp
	if threadTS == "" && !isDM {
		threadTS = ev.TimeStamp
	}

	createdAt, err := parseSlackTimestamp(ev.TimeStamp)
	if err != nil {
		createdAt = now()
	}

	inbound := models.InboundEvent{
		ConversationID: ev.Channel,
		ThreadID:       threadTS,
		MessageID:      ev.TimeStamp,
		Author:         ev.User,
		Text:           ev.Text,
		Timestamp:      createdAt,
		IsDirect:       isDM,
	}
	for _, f := range ev.Files {
		inbound.Attachments = append(inbound.Attachments, models.Attachment{
			ID:       f.ID,
			Name:     f.Name,
			MimeType: f.Mimetype,
			URL:      f.URLPrivateDownload,
			Size:     int64(f.Size),
		})
	}
	return inbound
}

// parseSlackTimestamp converts a Slack timestamp string to time.Time.
func parseSlackTimestamp(ts string) (time.Time, error) {
	// Slack timestamps are in the format "1234567890.123456"
	sec, frac, ok := strings.Cut(ts, ".")
	if !ok || sec == "" || len(frac) != 6 {
		return time.Time{}, fmt.Errorf("invalid timestamp format: %q", ts)
	}
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp format: %q", ts)
	}
	us, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp format: %q", ts)
	}
	return time.Unix(s, us*int64(time.Microsecond)), nil
}
