package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/iwamot/collmbo/internal/agent"
	"github.com/iwamot/collmbo/internal/agent/toolconv"
	"github.com/iwamot/collmbo/pkg/models"
)

// AnthropicProvider talks to the Anthropic Messages API for "anthropic/"
// models. Cache breakpoints in the turn become ephemeral cache_control
// markers on the preceding content block.
type AnthropicProvider struct {
	client anthropic.Client
}

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	// APIKey is the Anthropic API authentication key (required).
	APIKey string

	// BaseURL overrides the default Anthropic API base URL.
	BaseURL string
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}

	options := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		// Retries are owned by the invocation loop.
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{client: anthropic.NewClient(options...)}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// SupportsTools reports true.
func (p *AnthropicProvider) SupportsTools() bool {
	return true
}

// HonorsCacheHints reports true: breakpoints become cache_control markers.
func (p *AnthropicProvider) HonorsCacheHints() bool {
	return true
}

// Complete streams one round from the Messages API.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := modelID(req.Model)
	params, err := p.buildParams(req)
	if err != nil {
		return nil, NewProviderError("anthropic", model, err).WithStatus(400)
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)
		defer stream.Close()
		p.processStream(ctx, stream, chunks, model)
	}()
	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(modelID(req.Model)),
		Messages:    messages,
		MaxTokens:   int64(req.MaxTokens),
		Temperature: anthropic.Float(req.Temperature),
	}
	if params.MaxTokens <= 0 {
		params.MaxTokens = 1024
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.User != "" {
		params.Metadata = anthropic.MetadataParam{UserID: anthropic.String(req.User)}
	}
	if len(req.Tools) > 0 {
		tools, err := toolconv.ToAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// processStream converts SSE events into chunks. Tool input arrives as
// partial JSON across content_block_delta events and is emitted once the
// block stops.
func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk, model string) {
	var currentToolCall *models.ToolCall
	var currentToolInput strings.Builder
	var inputTokens, outputTokens int
	emptyEventCount := 0

	for stream.Next() {
		event := stream.Current()
		eventProcessed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			inputTokens = int(start.Message.Usage.InputTokens)
			eventProcessed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentToolCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentToolInput.Reset()
			}
			eventProcessed = true

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if !send(ctx, chunks, &agent.CompletionChunk{Text: delta.Text}) {
						return
					}
					eventProcessed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
					eventProcessed = true
				}
			}

		case "content_block_stop":
			if currentToolCall != nil {
				input := currentToolInput.String()
				if input == "" {
					input = "{}"
				}
				currentToolCall.Input = json.RawMessage(input)
				if !send(ctx, chunks, &agent.CompletionChunk{ToolCall: currentToolCall}) {
					return
				}
				currentToolCall = nil
			}
			eventProcessed = true

		case "message_delta":
			if out := event.AsMessageDelta().Usage.OutputTokens; out > 0 {
				outputTokens = int(out)
			}
			eventProcessed = true

		case "message_stop":
			send(ctx, chunks, &agent.CompletionChunk{
				Done:         true,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			})
			return
		}

		if eventProcessed {
			emptyEventCount = 0
		} else {
			emptyEventCount++
			if emptyEventCount >= maxEmptyStreamEvents {
				send(ctx, chunks, &agent.CompletionChunk{
					Error: wrapError("anthropic", model, fmt.Errorf("stream appears malformed: received %d consecutive empty events", emptyEventCount)),
				})
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		send(ctx, chunks, &agent.CompletionChunk{Error: wrapError("anthropic", model, err)})
		return
	}
	send(ctx, chunks, &agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
}

// convertAnthropicMessages maps the turn onto user/assistant messages. Tool
// results become tool_result blocks of a user message, merged with any
// adjacent user content.
func convertAnthropicMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	type entry struct {
		assistant bool
		blocks    []anthropic.ContentBlockParamUnion
	}
	var entries []entry

	for _, msg := range messages {
		var blocks []anthropic.ContentBlockParamUnion
		switch msg.Role {
		case models.RoleSystem:
			continue
		case models.RoleTool:
			blocks = append(blocks, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Text(), msg.IsError))
			for _, block := range msg.Content {
				if block.Type == models.BlockCacheBreakpoint {
					markAnthropicCache(&blocks[len(blocks)-1])
				}
			}
		default:
			for _, block := range msg.Content {
				switch block.Type {
				case models.BlockText:
					if block.Text != "" {
						blocks = append(blocks, anthropic.NewTextBlock(block.Text))
					}
				case models.BlockImage:
					if block.URL != "" {
						blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: block.URL}))
					} else {
						blocks = append(blocks, anthropic.NewImageBlockBase64(block.MimeType, b64(block.Data)))
					}
				case models.BlockDocument:
					blocks = append(blocks, anthropic.NewDocumentBlock(anthropic.Base64PDFSourceParam{Data: b64(block.Data)}))
				case models.BlockCacheBreakpoint:
					if len(blocks) > 0 {
						markAnthropicCache(&blocks[len(blocks)-1])
					}
				}
			}
			for _, call := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, toolInput(call.Input), call.Name))
			}
		}
		if len(blocks) == 0 {
			continue
		}

		assistant := msg.Role == models.RoleAssistant
		if n := len(entries); n > 0 && entries[n-1].assistant == assistant {
			entries[n-1].blocks = append(entries[n-1].blocks, blocks...)
			continue
		}
		entries = append(entries, entry{assistant: assistant, blocks: blocks})
	}

	if len(entries) == 0 {
		return nil, errors.New("anthropic: empty conversation")
	}

	result := make([]anthropic.MessageParam, 0, len(entries))
	for _, e := range entries {
		if e.assistant {
			result = append(result, anthropic.NewAssistantMessage(e.blocks...))
		} else {
			result = append(result, anthropic.NewUserMessage(e.blocks...))
		}
	}
	return result, nil
}

func markAnthropicCache(block *anthropic.ContentBlockParamUnion) {
	cc := anthropic.NewCacheControlEphemeralParam()
	switch {
	case block.OfText != nil:
		block.OfText.CacheControl = cc
	case block.OfImage != nil:
		block.OfImage.CacheControl = cc
	case block.OfDocument != nil:
		block.OfDocument.CacheControl = cc
	case block.OfToolResult != nil:
		block.OfToolResult.CacheControl = cc
	case block.OfToolUse != nil:
		block.OfToolUse.CacheControl = cc
	}
}
