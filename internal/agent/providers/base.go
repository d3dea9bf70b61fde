package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/iwamot/collmbo/internal/agent"
	"github.com/iwamot/collmbo/pkg/models"
)

// modelID strips the routing prefix ("anthropic/", "bedrock/", ...) from a
// model name.
func modelID(model string) string {
	if _, rest, ok := strings.Cut(model, "/"); ok {
		return rest
	}
	return model
}

// send delivers a chunk unless the consumer went away.
func send(ctx context.Context, chunks chan<- *agent.CompletionChunk, chunk *agent.CompletionChunk) bool {
	select {
	case chunks <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// toolInput decodes tool call arguments for SDKs that want a map.
func toolInput(raw json.RawMessage) map[string]any {
	input := map[string]any{}
	if len(raw) == 0 {
		return input
	}
	if err := json.Unmarshal(raw, &input); err != nil {
		return map[string]any{}
	}
	return input
}

// toolNames maps tool call ids of a turn to their tool names. Gemini
// function responses are keyed by name rather than id.
func toolNames(messages []models.Message) map[string]string {
	names := map[string]string{}
	for _, msg := range messages {
		for _, call := range msg.ToolCalls {
			names[call.ID] = call.Name
		}
	}
	return names
}

func b64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// dataURL renders inline bytes for gateways that only accept URLs.
func dataURL(block models.ContentBlock) string {
	if block.URL != "" {
		return block.URL
	}
	return "data:" + block.MimeType + ";base64," + b64(block.Data)
}

// maxEmptyStreamEvents is the maximum number of consecutive empty events before
// treating the stream as malformed.
const maxEmptyStreamEvents = 300
