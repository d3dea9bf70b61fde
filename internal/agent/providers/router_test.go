package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/iwamot/collmbo/internal/agent"
)

type stubProvider struct {
	name  string
	cache bool
	seen  string
}

func (s *stubProvider) Name() string           { return s.name }
func (s *stubProvider) SupportsTools() bool    { return true }
func (s *stubProvider) HonorsCacheHints() bool { return s.cache }

func (s *stubProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	s.seen = req.Model
	ch := make(chan *agent.CompletionChunk)
	close(ch)
	return ch, nil
}

func TestRouterResolve(t *testing.T) {
	gateway := &stubProvider{name: "openai"}
	claude := &stubProvider{name: "anthropic", cache: true}
	router := NewRouter(gateway).Route("anthropic/", claude).Route("bedrock", nil)

	tests := []struct {
		model     string
		want      *stubProvider
		wantCache bool
	}{
		{"anthropic/claude-3-5-sonnet", claude, true},
		{"bedrock/anthropic.claude-3", gateway, false},
		{"gpt-4o", gateway, false},
		{"gemini/gemini-2.0-flash", gateway, false},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := router.Resolve(tt.model); got != agent.LLMProvider(tt.want) {
				t.Errorf("Resolve(%q) = %v, want %s", tt.model, got.Name(), tt.want.name)
			}
			if got := router.HonorsCacheHints(tt.model); got != tt.wantCache {
				t.Errorf("HonorsCacheHints(%q) = %v, want %v", tt.model, got, tt.wantCache)
			}
		})
	}

	if _, err := router.Complete(context.Background(), &agent.CompletionRequest{Model: "anthropic/x"}); err != nil {
		t.Fatal(err)
	}
	if claude.seen != "anthropic/x" {
		t.Errorf("anthropic provider saw %q", claude.seen)
	}
}

func TestRouterNoProvider(t *testing.T) {
	router := NewRouter(nil)
	if _, err := router.Complete(context.Background(), &agent.CompletionRequest{Model: "gpt-4o"}); !errors.Is(err, agent.ErrNoProvider) {
		t.Errorf("err = %v, want ErrNoProvider", err)
	}
	if router.SupportsTools() {
		t.Error("router without fallback should not report tool support")
	}
}
