package providers

import (
	"context"
	"strings"

	"github.com/iwamot/collmbo/internal/agent"
)

// cacheAware is implemented by providers that can honor cache breakpoints.
type cacheAware interface {
	HonorsCacheHints() bool
}

// Router picks a provider by model prefix ("anthropic/", "bedrock/",
// "gemini/"). Models without a native provider go to the fallback, which is
// the OpenAI-compatible gateway.
type Router struct {
	native   map[string]agent.LLMProvider
	fallback agent.LLMProvider
}

// NewRouter creates a router over fallback.
func NewRouter(fallback agent.LLMProvider) *Router {
	return &Router{native: map[string]agent.LLMProvider{}, fallback: fallback}
}

// Route registers provider for models named "prefix/...". A nil provider
// is ignored.
func (r *Router) Route(prefix string, provider agent.LLMProvider) *Router {
	if provider != nil {
		r.native[strings.TrimSuffix(prefix, "/")] = provider
	}
	return r
}

// Resolve returns the provider serving model.
func (r *Router) Resolve(model string) agent.LLMProvider {
	if prefix, _, ok := strings.Cut(model, "/"); ok {
		if p, ok := r.native[prefix]; ok {
			return p
		}
	}
	return r.fallback
}

// Name returns "router".
func (r *Router) Name() string {
	return "router"
}

// SupportsTools reports whether the fallback supports tools. Native
// providers all do.
func (r *Router) SupportsTools() bool {
	return r.fallback != nil && r.fallback.SupportsTools()
}

// HonorsCacheHints reports whether the provider serving model sends cache
// breakpoints to the model API.
func (r *Router) HonorsCacheHints(model string) bool {
	ca, ok := r.Resolve(model).(cacheAware)
	return ok && ca.HonorsCacheHints()
}

// Complete delegates to the provider serving req.Model.
func (r *Router) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	p := r.Resolve(req.Model)
	if p == nil {
		return nil, agent.ErrNoProvider
	}
	return p.Complete(ctx, req)
}
