package turn

import (
	"strings"
	"testing"

	"github.com/iwamot/collmbo/pkg/models"
)

func honorsAnthropic(model string) bool {
	return strings.HasPrefix(model, "anthropic/")
}

func conversation(userText string, users int) []models.Message {
	msgs := []models.Message{{Role: models.RoleSystem, Content: []models.ContentBlock{models.TextBlock("sys")}}}
	for i := 0; i < users; i++ {
		msgs = append(msgs, models.Message{Role: models.RoleUser, Content: []models.ContentBlock{models.TextBlock(userText)}})
		if i < users-1 {
			msgs = append(msgs, models.Message{Role: models.RoleAssistant, Content: []models.ContentBlock{models.TextBlock("ok")}})
		}
	}
	return msgs
}

func breakpointIndexes(msgs []models.Message) []int {
	var idx []int
	for i, msg := range msgs {
		count := 0
		for _, block := range msg.Content {
			if block.Type == models.BlockCacheBreakpoint {
				count++
			}
		}
		if count > 1 {
			idx = append(idx, -1)
		}
		if count == 1 {
			idx = append(idx, i)
		}
	}
	return idx
}

func TestCacheHinterMarksTwoMostRecentUsers(t *testing.T) {
	h := &CacheHinter{Enabled: true, Honors: honorsAnthropic}
	msgs := conversation(strings.Repeat("x", 2000), 3)

	out := h.Insert(msgs, "anthropic/claude-sonnet-4")

	got := breakpointIndexes(out)
	if len(got) != 2 || got[0] != 3 || got[1] != 5 {
		t.Errorf("breakpoints at %v, want [3 5]", got)
	}
	for _, i := range got {
		if out[i].Role != models.RoleUser {
			t.Errorf("breakpoint on %s message", out[i].Role)
		}
	}
	if len(breakpointIndexes(msgs)) != 0 {
		t.Error("input messages were mutated")
	}
}

func TestCacheHinterSingleUser(t *testing.T) {
	h := &CacheHinter{Enabled: true, Honors: honorsAnthropic}
	out := h.Insert(conversation(strings.Repeat("x", 5000), 1), "anthropic/claude")

	if got := breakpointIndexes(out); len(got) != 1 || got[0] != 1 {
		t.Errorf("breakpoints at %v, want [1]", got)
	}
}

func TestCacheHinterInactive(t *testing.T) {
	big := conversation(strings.Repeat("x", 5000), 3)
	small := conversation("hi", 3)

	tests := []struct {
		name   string
		hinter *CacheHinter
		msgs   []models.Message
		model  string
	}{
		{"disabled", &CacheHinter{Enabled: false, Honors: honorsAnthropic}, big, "anthropic/claude"},
		{"provider ignores hints", &CacheHinter{Enabled: true, Honors: honorsAnthropic}, big, "gpt-4o"},
		{"no honors func", &CacheHinter{Enabled: true}, big, "anthropic/claude"},
		{"below threshold", &CacheHinter{Enabled: true, Honors: honorsAnthropic}, small, "anthropic/claude"},
		{"nil hinter", nil, big, "anthropic/claude"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := tt.hinter.Insert(tt.msgs, tt.model)
			if got := breakpointIndexes(out); len(got) != 0 {
				t.Errorf("breakpoints at %v, want none", got)
			}
		})
	}
}

func TestCacheHinterThresholdBoundary(t *testing.T) {
	h := &CacheHinter{Enabled: true, Threshold: 50, Honors: honorsAnthropic}
	msgs := []models.Message{{Role: models.RoleUser, Content: []models.ContentBlock{models.TextBlock(strings.Repeat("x", 184))}}}
	// 184 runes -> 46 tokens plus 4 overhead = 50.
	if !h.Active(msgs, "anthropic/claude") {
		t.Error("Active() = false at threshold, want true")
	}
	msgs[0].Content[0].Text = strings.Repeat("x", 180)
	if h.Active(msgs, "anthropic/claude") {
		t.Error("Active() = true below threshold, want false")
	}
}

func TestCacheHinterRemovesStaleBreakpoints(t *testing.T) {
	h := &CacheHinter{Enabled: true, Honors: honorsAnthropic}
	msgs := conversation(strings.Repeat("x", 2000), 4)
	msgs[1].Content = append(msgs[1].Content, models.CacheBreakpoint())

	out := h.Insert(msgs, "anthropic/claude")
	got := breakpointIndexes(out)
	if len(got) != 2 || got[0] != 5 || got[1] != 7 {
		t.Errorf("breakpoints at %v, want [5 7]", got)
	}

	again := h.Insert(out, "anthropic/claude")
	if got := breakpointIndexes(again); len(got) != 2 {
		t.Errorf("re-insert breakpoints at %v, want two", got)
	}
}
