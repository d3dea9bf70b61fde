package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/iwamot/collmbo/internal/observability"
)

type op struct {
	kind string // post | edit | error
	id   string
	text string
}

type fakePlatform struct {
	mu      sync.Mutex
	ops     []op
	next    int
	postErr error
}

func (p *fakePlatform) PostMessage(_ context.Context, _, _, text string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.postErr != nil {
		return "", p.postErr
	}
	p.next++
	id := fmt.Sprintf("m%d", p.next)
	p.ops = append(p.ops, op{kind: "post", id: id, text: text})
	return id, nil
}

func (p *fakePlatform) EditMessage(_ context.Context, _, messageID, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = append(p.ops, op{kind: "edit", id: messageID, text: text})
	return nil
}

func (p *fakePlatform) PostError(_ context.Context, _, _, userID, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = append(p.ops, op{kind: "error", id: userID, text: text})
	return nil
}

func (p *fakePlatform) count(kind string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, o := range p.ops {
		if o.kind == kind {
			n++
		}
	}
	return n
}

func (p *fakePlatform) last() op {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ops[len(p.ops)-1]
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestDispatcher(p *fakePlatform, cfg Config, opts ...Option) (*Dispatcher, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.now)}, opts...)
	return New(p, Target{ConversationID: "C1", ThreadID: "T1", UserID: "U1"}, cfg, opts...), clock
}

func TestDispatcherSingleMessage(t *testing.T) {
	p := &fakePlatform{}
	d, _ := newTestDispatcher(p, Config{MinFlushInterval: time.Hour})
	ctx := context.Background()

	for _, delta := range []string{"Hel", "lo", " world"} {
		if err := d.OnDelta(ctx, delta); err != nil {
			t.Fatalf("OnDelta(%q) error = %v", delta, err)
		}
	}
	if err := d.Finalize(ctx); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	if got := p.count("post"); got != 1 {
		t.Fatalf("posts = %d, want 1", got)
	}
	if got := p.count("edit"); got != 1 {
		t.Fatalf("edits = %d, want 1", got)
	}
	if p.ops[0].text != "Hel"+DefaultLoadingSuffix {
		t.Fatalf("first post = %q", p.ops[0].text)
	}
	if last := p.last(); last.kind != "edit" || last.id != "m1" || last.text != "Hello world" {
		t.Fatalf("final edit = %+v", last)
	}
}

func TestDispatcherFlushPolicy(t *testing.T) {
	p := &fakePlatform{}
	d, clock := newTestDispatcher(p, Config{BufferSize: 5, MinFlushInterval: time.Second})
	ctx := context.Background()

	steps := []struct {
		delta   string
		advance time.Duration
		edits   int
	}{
		{delta: "a", edits: 0},                                   // first delta posts
		{delta: "bcdefgh", edits: 0},                             // enough text, too soon
		{delta: "i", advance: 1500 * time.Millisecond, edits: 1}, // interval passed
		{delta: "j", advance: 2 * time.Second, edits: 1},         // too little text
		{delta: "klmn", edits: 2},                                // buffer reached, interval long past
	}
	for i, step := range steps {
		clock.advance(step.advance)
		if err := d.OnDelta(ctx, step.delta); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got := p.count("edit"); got != step.edits {
			t.Fatalf("step %d: edits = %d, want %d", i, got, step.edits)
		}
	}
	if last := p.last(); last.text != "abcdefghijklmn"+DefaultLoadingSuffix {
		t.Fatalf("last flush = %q", last.text)
	}
	if err := d.Finalize(ctx); err != nil {
		t.Fatal(err)
	}
	if last := p.last(); last.text != "abcdefghijklmn" {
		t.Fatalf("final = %q", last.text)
	}
	if err := d.OnDelta(ctx, "late"); !errors.Is(err, ErrTerminal) {
		t.Fatalf("OnDelta after Finalize err = %v", err)
	}
	if err := d.Finalize(ctx); err != nil || p.count("edit") != 3 {
		t.Fatalf("second Finalize should do nothing")
	}
}

func TestDispatcherPlaceholder(t *testing.T) {
	p := &fakePlatform{}
	d, _ := newTestDispatcher(p, Config{MinFlushInterval: time.Hour}, WithPlaceholder("loading-1"))
	ctx := context.Background()

	_ = d.OnDelta(ctx, "Hi")
	_ = d.Finalize(ctx)

	if p.count("post") != 0 {
		t.Fatalf("placeholder should be edited, not reposted: %+v", p.ops)
	}
	if len(p.ops) != 2 || p.ops[0].id != "loading-1" || p.ops[1].text != "Hi" {
		t.Fatalf("ops = %+v", p.ops)
	}
}

func TestDispatcherFormatsReply(t *testing.T) {
	p := &fakePlatform{}
	d, _ := newTestDispatcher(p, Config{TranslateMarkdown: true})
	ctx := context.Background()

	_ = d.OnDelta(ctx, "\n\n<@U123>: **Done**\n```go\nfmt.Println()\n```")
	_ = d.Finalize(ctx)

	want := "*Done*\n```\nfmt.Println()\n```"
	if last := p.last(); last.text != want {
		t.Fatalf("final = %q, want %q", last.text, want)
	}
}

func TestDispatcherContinuesLongReplies(t *testing.T) {
	p := &fakePlatform{}
	d, clock := newTestDispatcher(p, Config{MessageLimit: 40, MinFlushInterval: time.Second})
	ctx := context.Background()

	line := strings.Repeat("x", 15) + "\n"
	_ = d.OnDelta(ctx, line)
	for i := 0; i < 6; i++ {
		clock.advance(2 * time.Second)
		_ = d.OnDelta(ctx, line)
	}
	if err := d.Finalize(ctx); err != nil {
		t.Fatal(err)
	}

	if got := p.count("post"); got < 2 {
		t.Fatalf("posts = %d, want a continuation message", got)
	}
	final := make(map[string]string)
	for _, o := range p.ops {
		final[o.id] = o.text
		if len(o.text) > 40+len(DefaultLoadingSuffix) {
			t.Fatalf("message too long: %d bytes", len(o.text))
		}
	}
	var total int
	for _, text := range final {
		if strings.HasSuffix(text, DefaultLoadingSuffix) {
			t.Fatalf("message left in progress: %q", text)
		}
		total += strings.Count(text, strings.Repeat("x", 15))
	}
	if total != 7 {
		t.Fatalf("lines delivered = %d, want 7", total)
	}
}

func TestDispatcherEndRound(t *testing.T) {
	p := &fakePlatform{}
	d, _ := newTestDispatcher(p, Config{MinFlushInterval: time.Hour})
	ctx := context.Background()

	_ = d.OnDelta(ctx, "Let me check.")
	if err := d.EndRound(ctx); err != nil {
		t.Fatal(err)
	}
	_ = d.OnDelta(ctx, "It is sunny.")
	_ = d.Finalize(ctx)

	want := []op{
		{kind: "post", id: "m1", text: "Let me check." + DefaultLoadingSuffix},
		{kind: "edit", id: "m1", text: "Let me check."},
		{kind: "post", id: "m2", text: "It is sunny." + DefaultLoadingSuffix},
		{kind: "edit", id: "m2", text: "It is sunny."},
	}
	if len(p.ops) != len(want) {
		t.Fatalf("ops = %+v", p.ops)
	}
	for i := range want {
		if p.ops[i] != want[i] {
			t.Fatalf("op %d = %+v, want %+v", i, p.ops[i], want[i])
		}
	}
}

func TestDispatcherOnError(t *testing.T) {
	ctx := context.Background()

	t.Run("in progress", func(t *testing.T) {
		p := &fakePlatform{}
		d, _ := newTestDispatcher(p, Config{MinFlushInterval: time.Hour})
		_ = d.OnDelta(ctx, "partial")
		if err := d.OnError(ctx, ":warning: failed"); err != nil {
			t.Fatal(err)
		}
		if last := p.last(); last.kind != "edit" || last.text != "partial\n\n:warning: failed" {
			t.Fatalf("last = %+v", last)
		}
		if err := d.OnDelta(ctx, "more"); !errors.Is(err, ErrTerminal) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("placeholder only", func(t *testing.T) {
		p := &fakePlatform{}
		d, _ := newTestDispatcher(p, Config{}, WithPlaceholder("loading-1"))
		_ = d.OnError(ctx, "timed out")
		if last := p.last(); last.kind != "edit" || last.id != "loading-1" || last.text != "timed out" {
			t.Fatalf("last = %+v", last)
		}
	})

	t.Run("no message", func(t *testing.T) {
		p := &fakePlatform{}
		d, _ := newTestDispatcher(p, Config{})
		_ = d.OnError(ctx, "failed")
		if last := p.last(); last.kind != "error" || last.id != "U1" {
			t.Fatalf("last = %+v", last)
		}
	})
}

func TestDispatcherRetriesFailedFirstPost(t *testing.T) {
	p := &fakePlatform{postErr: errors.New("rate limited")}
	d, _ := newTestDispatcher(p, Config{MinFlushInterval: time.Hour})
	ctx := context.Background()

	if err := d.OnDelta(ctx, "a"); err == nil {
		t.Fatalf("expected post error")
	}
	p.postErr = nil
	if err := d.OnDelta(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if last := p.last(); last.kind != "post" || last.text != "ab"+DefaultLoadingSuffix {
		t.Fatalf("last = %+v", last)
	}
}

func TestDispatcherMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	p := &fakePlatform{}
	d, _ := newTestDispatcher(p, Config{}, WithMetrics(metrics))
	ctx := context.Background()

	_ = d.OnDelta(ctx, "hi")
	_ = d.Finalize(ctx)

	if got := testutil.ToFloat64(metrics.StreamFlushCounter.WithLabelValues("post")); got != 1 {
		t.Fatalf("post ops = %v", got)
	}
	if got := testutil.ToFloat64(metrics.StreamFlushCounter.WithLabelValues("edit")); got != 1 {
		t.Fatalf("edit ops = %v", got)
	}
}

func TestSplitMarkdown(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{name: "fits", text: "short", limit: 10, want: []string{"short"}},
		{name: "newline", text: "aaaa\nbbbb\ncccc", limit: 10, want: []string{"aaaa\nbbbb", "cccc"}},
		{name: "space", text: "aaaa bbbb cccc", limit: 10, want: []string{"aaaa bbbb", "cccc"}},
		{name: "multibyte hard cut", text: "あいうえお", limit: 7, want: []string{"あい", "うえ", "お"}},
		{name: "fence reopened", text: "```go\nline1\nline2\n```", limit: 16, want: []string{"```go\nline1\n```", "```go\nline2\n```"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitMarkdown(tt.text, tt.limit)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Fatalf("splitMarkdown() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	tests := []struct {
		name string
		in   time.Duration
		want time.Duration
	}{
		{name: "zero uses default", in: 0, want: DefaultMinFlushInterval},
		{name: "negative disables", in: -time.Second, want: 0},
		{name: "explicit kept", in: 250 * time.Millisecond, want: 250 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Config{MinFlushInterval: tt.in}.withDefaults()
			if got.MinFlushInterval != tt.want {
				t.Fatalf("MinFlushInterval = %v, want %v", got.MinFlushInterval, tt.want)
			}
			if got.BufferSize != DefaultBufferSize {
				t.Fatalf("BufferSize = %d", got.BufferSize)
			}
		})
	}
}
