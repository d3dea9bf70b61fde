package slack

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/iwamot/collmbo/internal/observability"
	"github.com/iwamot/collmbo/pkg/models"
)

func testAdapter(t *testing.T, api *MockSlackClient) *Adapter {
	t.Helper()
	a := newAdapter(Config{BotToken: "xoxb-test", AppToken: "xapp-test"}, api, &MockSocketModeClient{}, nil)
	a.now = func() time.Time { return time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC) }
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return a
}

func TestSkipMessage(t *testing.T) {
	tests := []struct {
		name string
		ev   slackevents.MessageEvent
		want bool
	}{
		{name: "plain", ev: slackevents.MessageEvent{User: "U1", Text: "hi"}, want: false},
		{name: "file share", ev: slackevents.MessageEvent{User: "U1", SubType: "file_share"}, want: false},
		{name: "bot", ev: slackevents.MessageEvent{User: "U1", BotID: "B1"}, want: true},
		{name: "changed", ev: slackevents.MessageEvent{SubType: "message_changed"}, want: true},
		{name: "deleted", ev: slackevents.MessageEvent{SubType: "message_deleted"}, want: true},
		{name: "no author", ev: slackevents.MessageEvent{Text: "hi"}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := skipMessage(&tt.ev); got != tt.want {
				t.Fatalf("skipMessage() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAcceptRules(t *testing.T) {
	parentText := "<@UBOT> let's talk"
	var parentErr error
	api := &MockSlackClient{
		GetConversationHistoryContextFunc: func(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error) {
			if parentErr != nil {
				return nil, parentErr
			}
			if params.Latest != "100.000001" || params.Limit != 1 || !params.Inclusive {
				t.Errorf("unexpected parent lookup %+v", params)
			}
			return &slack.GetConversationHistoryResponse{
				Messages: []slack.Message{{Msg: slack.Msg{Text: parentText}}},
			}, nil
		},
	}
	a := testAdapter(t, api)

	tests := []struct {
		name       string
		ev         slackevents.MessageEvent
		parentText string
		parentErr  error
		want       bool
	}{
		{name: "dm", ev: slackevents.MessageEvent{ChannelType: "im", Channel: "D1", User: "U1", Text: "hello", TimeStamp: "200.000001"}, want: true},
		{name: "mention", ev: slackevents.MessageEvent{ChannelType: "channel", Channel: "C1", User: "U1", Text: "<@UBOT> hi", TimeStamp: "200.000001"}, want: true},
		{name: "other mention", ev: slackevents.MessageEvent{ChannelType: "channel", Channel: "C1", User: "U1", Text: "<@UOTHER> hi", TimeStamp: "200.000001"}, want: false},
		{name: "thread under mention", ev: slackevents.MessageEvent{ChannelType: "channel", Channel: "C1", User: "U1", Text: "more", TimeStamp: "200.000001", ThreadTimeStamp: "100.000001"}, parentText: "<@UBOT> let's talk", want: true},
		{name: "thread without mention", ev: slackevents.MessageEvent{ChannelType: "channel", Channel: "C1", User: "U1", Text: "more", TimeStamp: "200.000001", ThreadTimeStamp: "100.000001"}, parentText: "just people", want: false},
		{name: "parent lookup fails", ev: slackevents.MessageEvent{ChannelType: "channel", Channel: "C1", User: "U1", Text: "more", TimeStamp: "200.000001", ThreadTimeStamp: "100.000001"}, parentErr: errors.New("channel_not_found"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parentText = tt.parentText
			parentErr = tt.parentErr
			_, got := a.accept(context.Background(), &tt.ev)
			if got != tt.want {
				t.Fatalf("accept() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAcceptLooksUpLocale(t *testing.T) {
	api := &MockSlackClient{
		GetUserInfoContextFunc: func(ctx context.Context, userID string) (*slack.User, error) {
			return &slack.User{ID: userID, Locale: "ja-JP"}, nil
		},
	}
	a := testAdapter(t, api)
	ev := &slackevents.MessageEvent{ChannelType: "im", Channel: "D1", User: "U1", Text: "hi", TimeStamp: "1.000001"}

	got, _ := a.accept(context.Background(), ev)
	if got.Locale != "" {
		t.Fatalf("locale looked up while disabled: %q", got.Locale)
	}

	a.cfg.UseLanguage = true
	got, _ = a.accept(context.Background(), ev)
	if got.Locale != "ja-JP" {
		t.Fatalf("Locale = %q, want ja-JP", got.Locale)
	}
}

func TestConvertMessageEvent(t *testing.T) {
	now := func() time.Time { return time.Unix(0, 0) }
	tests := []struct {
		name       string
		ev         slackevents.MessageEvent
		wantThread string
		wantDirect bool
	}{
		{name: "channel post", ev: slackevents.MessageEvent{ChannelType: "channel", Channel: "C1", TimeStamp: "1700000000.000100"}, wantThread: "1700000000.000100"},
		{name: "channel thread", ev: slackevents.MessageEvent{ChannelType: "channel", Channel: "C1", TimeStamp: "1700000000.000100", ThreadTimeStamp: "1699999999.000001"}, wantThread: "1699999999.000001"},
		{name: "dm", ev: slackevents.MessageEvent{ChannelType: "im", Channel: "D1", TimeStamp: "1700000000.000100"}, wantDirect: true},
		{name: "dm thread", ev: slackevents.MessageEvent{ChannelType: "im", Channel: "D1", TimeStamp: "1700000000.000100", ThreadTimeStamp: "1699999999.000001"}, wantThread: "1699999999.000001", wantDirect: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := convertMessageEvent(&tt.ev, now)
			if got.ThreadID != tt.wantThread || got.IsDirect != tt.wantDirect {
				t.Fatalf("thread/direct = %q/%v, want %q/%v", got.ThreadID, got.IsDirect, tt.wantThread, tt.wantDirect)
			}
			if got.MessageID != tt.ev.TimeStamp || got.ConversationID != tt.ev.Channel {
				t.Fatalf("ids = %q/%q", got.ConversationID, got.MessageID)
			}
			if want := time.Unix(1700000000, 100000); !got.Timestamp.Equal(want) {
				t.Fatalf("Timestamp = %v, want %v", got.Timestamp, want)
			}
		})
	}
}

func TestConvertMessageEventFiles(t *testing.T) {
	ev := &slackevents.MessageEvent{
		ChannelType: "im",
		Channel:     "D1",
		User:        "U1",
		SubType:     "file_share",
		TimeStamp:   "bogus",
		Files: []slackevents.File{{
			ID:                 "F1",
			Name:               "diagram.png",
			Mimetype:           "image/png",
			URLPrivateDownload: "https://files.slack.com/F1/download/diagram.png",
			Size:               2048,
		}},
	}
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	got := convertMessageEvent(ev, func() time.Time { return fixed })

	want := models.Attachment{ID: "F1", Name: "diagram.png", MimeType: "image/png", URL: "https://files.slack.com/F1/download/diagram.png", Size: 2048}
	if len(got.Attachments) != 1 || got.Attachments[0] != want {
		t.Fatalf("Attachments = %+v", got.Attachments)
	}
	if !got.Timestamp.Equal(fixed) {
		t.Fatalf("unparseable timestamps fall back to now, got %v", got.Timestamp)
	}
}

func TestParseSlackTimestamp(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{in: "1700000000.123456", want: time.Unix(1700000000, 123456000)},
		{in: "1700000000", wantErr: true},
		{in: "abc.123456", wantErr: true},
		{in: "1700000000.12", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseSlackTimestamp(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !got.Equal(tt.want) {
				t.Fatalf("parseSlackTimestamp() = %v, want %v", got, tt.want)
			}
		})
	}
}

func messageEvent(ev *slackevents.MessageEvent, envelope string) socketmode.Event {
	return socketmode.Event{
		Type: socketmode.EventTypeEventsAPI,
		Data: slackevents.EventsAPIEvent{
			Type:       slackevents.CallbackEvent,
			InnerEvent: slackevents.EventsAPIInnerEvent{Type: "message", Data: ev},
		},
		Request: &socketmode.Request{EnvelopeID: envelope},
	}
}

func TestAdapterEventLoop(t *testing.T) {
	events := make(chan socketmode.Event, 8)
	var (
		mu    sync.Mutex
		acked []string
	)
	socket := &MockSocketModeClient{
		AckFunc: func(req socketmode.Request, payload ...interface{}) {
			mu.Lock()
			acked = append(acked, req.EnvelopeID)
			mu.Unlock()
		},
	}
	a := newAdapter(Config{BotToken: "xoxb-test", AppToken: "xapp-test"}, &MockSlackClient{}, socket, events)

	received := make(chan models.InboundEvent, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx, HandlerFunc(func(ctx context.Context, ev models.InboundEvent) {
		received <- ev
	})); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	dm := &slackevents.MessageEvent{ChannelType: "im", Channel: "D1", User: "U1", Text: "hello", TimeStamp: "1.000001"}
	events <- messageEvent(dm, "env-1")
	// Redelivery of the same message.
	events <- messageEvent(dm, "env-2")
	events <- messageEvent(&slackevents.MessageEvent{ChannelType: "im", Channel: "D1", User: "U1", BotID: "B1", TimeStamp: "2.000001"}, "env-3")
	events <- socketmode.Event{Type: socketmode.EventTypeInteractive, Request: &socketmode.Request{EnvelopeID: "env-4"}}

	select {
	case ev := <-received:
		if ev.Text != "hello" || ev.Author != "U1" || !ev.IsDirect {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event was not handled")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	// Drain what is queued before stopping.
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(acked)
		mu.Unlock()
		if n == 4 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := a.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	select {
	case ev := <-received:
		t.Fatalf("unexpected second event %+v", ev)
	default:
	}
	mu.Lock()
	defer mu.Unlock()
	if strings.Join(acked, ",") != "env-1,env-2,env-3,env-4" {
		t.Fatalf("acked = %v", acked)
	}
}

func TestStartRequiresAuth(t *testing.T) {
	api := &MockSlackClient{
		AuthTestContextFunc: func(ctx context.Context) (*slack.AuthTestResponse, error) {
			return nil, errors.New("invalid_auth")
		},
	}
	a := newAdapter(Config{BotToken: "xoxb-test", AppToken: "xapp-test"}, api, &MockSocketModeClient{}, nil)
	err := a.Start(context.Background(), HandlerFunc(func(context.Context, models.InboundEvent) {}))
	if err == nil || !strings.Contains(err.Error(), "invalid_auth") {
		t.Fatalf("Start() error = %v", err)
	}
}

func TestNewAdapterValidates(t *testing.T) {
	if _, err := NewAdapter(Config{BotToken: "xoxb-1"}); err == nil {
		t.Fatal("expected missing app token error")
	}
	if _, err := NewAdapter(Config{AppToken: "xapp-1"}); err == nil {
		t.Fatal("expected missing bot token error")
	}
}

func applied(t *testing.T, options []slack.MsgOption) (text, threadTS string) {
	t.Helper()
	_, values, err := slack.UnsafeApplyMsgOptions("xoxb-test", "C1", "https://slack.com/api/", options...)
	if err != nil {
		t.Fatalf("UnsafeApplyMsgOptions() error = %v", err)
	}
	return values.Get("text"), values.Get("thread_ts")
}

func TestPostAndEdit(t *testing.T) {
	var calls []string
	api := &MockSlackClient{
		PostMessageContextFunc: func(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
			text, thread := applied(t, options)
			calls = append(calls, "post:"+channelID+":"+thread+":"+text)
			return channelID, "300.000001", nil
		},
		UpdateMessageContextFunc: func(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error) {
			text, _ := applied(t, options)
			calls = append(calls, "edit:"+channelID+":"+timestamp+":"+text)
			return channelID, timestamp, text, nil
		},
		PostEphemeralContextFunc: func(ctx context.Context, channelID, userID string, options ...slack.MsgOption) (string, error) {
			text, thread := applied(t, options)
			calls = append(calls, "ephemeral:"+channelID+":"+userID+":"+thread+":"+text)
			return "", nil
		},
	}
	a := testAdapter(t, api)
	ctx := context.Background()

	id, err := a.PostMessage(ctx, "C1", "100.000001", "Wait a second")
	if err != nil || id != "300.000001" {
		t.Fatalf("PostMessage() = %q, %v", id, err)
	}
	if err := a.EditMessage(ctx, "C1", id, "Done"); err != nil {
		t.Fatalf("EditMessage() error = %v", err)
	}
	if err := a.PostError(ctx, "C1", "100.000001", "U1", "oops"); err != nil {
		t.Fatalf("PostError() error = %v", err)
	}

	want := []string{
		"post:C1:100.000001:Wait a second",
		"edit:C1:300.000001:Done",
		"ephemeral:C1:U1:100.000001:oops",
	}
	if strings.Join(calls, "|") != strings.Join(want, "|") {
		t.Fatalf("calls = %q", calls)
	}
}

func TestRateLimitRetry(t *testing.T) {
	attempts := 0
	api := &MockSlackClient{
		UpdateMessageContextFunc: func(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error) {
			attempts++
			return "", "", "", &slack.RateLimitedError{RetryAfter: time.Millisecond}
		},
	}
	a := testAdapter(t, api)

	err := a.EditMessage(context.Background(), "C1", "1.000001", "x")
	var rle *slack.RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if attempts != 1+defaultRateLimitRetries {
		t.Fatalf("attempts = %d, want %d", attempts, 1+defaultRateLimitRetries)
	}
}

func TestThreadHistory(t *testing.T) {
	api := &MockSlackClient{
		GetConversationRepliesContextFunc: func(ctx context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error) {
			if params.ChannelID != "C1" || params.Timestamp != "100.000001" || params.Limit != threadReplyLimit {
				t.Errorf("unexpected replies params %+v", params)
			}
			return []slack.Message{
				{Msg: slack.Msg{Timestamp: "100.000001", User: "U1", Text: "<@UBOT> hi"}},
				{Msg: slack.Msg{Timestamp: "100.000002", User: "UBOT", BotID: "B1", Text: "hello"}},
			}, false, "", nil
		},
		GetConversationHistoryContextFunc: func(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error) {
			// 2025-03-14T12:00:00Z minus one day.
			if params.Oldest != "1741867200.000000" || params.Limit != dmHistoryLimit {
				t.Errorf("unexpected history params %+v", params)
			}
			return &slack.GetConversationHistoryResponse{Messages: []slack.Message{
				{Msg: slack.Msg{Timestamp: "3.000001", User: "U1", Text: "third"}},
				{Msg: slack.Msg{Timestamp: "2.000001", User: "UBOT", Text: "second"}},
				{Msg: slack.Msg{Timestamp: "1.000001", User: "U1", Text: "first"}},
			}}, nil
		},
	}
	a := testAdapter(t, api)
	ctx := context.Background()

	thread, err := a.ThreadHistory(ctx, "C1", "100.000001")
	if err != nil {
		t.Fatalf("ThreadHistory(thread) error = %v", err)
	}
	if len(thread) != 2 || thread[1].BotID != "B1" || thread[0].ID != "100.000001" {
		t.Fatalf("thread = %+v", thread)
	}

	dm, err := a.ThreadHistory(ctx, "D1", "")
	if err != nil {
		t.Fatalf("ThreadHistory(dm) error = %v", err)
	}
	var texts []string
	for _, m := range dm {
		texts = append(texts, m.Text)
	}
	if strings.Join(texts, ",") != "first,second,third" {
		t.Fatalf("dm history order = %v", texts)
	}
}

func TestDownloadFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer xoxb-test" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		switch r.URL.Path {
		case "/big":
			w.Header().Set("Content-Type", "application/pdf")
			_, _ = w.Write(make([]byte, 64))
		default:
			w.Header().Set("Content-Type", "image/png; charset=binary")
			_, _ = w.Write([]byte("png-bytes"))
		}
	}))
	defer srv.Close()

	a := testAdapter(t, &MockSlackClient{})
	a.cfg.MaxDownloadBytes = 32
	ctx := context.Background()

	data, contentType, err := a.DownloadFile(ctx, srv.URL+"/file.png")
	if err != nil {
		t.Fatalf("DownloadFile() error = %v", err)
	}
	if string(data) != "png-bytes" || contentType != "image/png" {
		t.Fatalf("DownloadFile() = %q, %q", data, contentType)
	}

	if _, _, err := a.DownloadFile(ctx, srv.URL+"/big"); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("expected size error, got %v", err)
	}
	if _, _, err := a.DownloadFile(ctx, "file:///etc/passwd"); err == nil {
		t.Fatal("expected scheme error")
	}

	a.cfg.BotToken = "xoxb-other"
	if _, _, err := a.DownloadFile(ctx, srv.URL+"/file.png"); err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestPromptAuthorization(t *testing.T) {
	var got []string
	api := &MockSlackClient{
		PostEphemeralContextFunc: func(ctx context.Context, channelID, userID string, options ...slack.MsgOption) (string, error) {
			text, thread := applied(t, options)
			got = append(got, channelID+"|"+userID+"|"+thread+"|"+text)
			return "", nil
		},
	}
	a := testAdapter(t, api)

	a.PromptAuthorization(context.Background(), "U1", "github", "https://auth.example.com/x")
	if len(got) != 0 {
		t.Fatalf("prompt sent without a conversation: %v", got)
	}

	ctx := observability.WithValue(context.Background(), observability.ConversationKey, "C1")
	ctx = observability.WithValue(ctx, observability.ThreadKey, "100.000001")
	a.PromptAuthorization(ctx, "U1", "github", "https://auth.example.com/x")
	if len(got) != 1 {
		t.Fatalf("prompts = %v", got)
	}
	if !strings.HasPrefix(got[0], "C1|U1|100.000001|") || !strings.Contains(got[0], "<https://auth.example.com/x|") || !strings.Contains(got[0], "*github*") {
		t.Fatalf("prompt = %q", got[0])
	}
}
