package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/iwamot/collmbo/internal/agent"
	"github.com/iwamot/collmbo/internal/agent/toolconv"
	"github.com/iwamot/collmbo/pkg/models"
)

// OpenAIProvider speaks the OpenAI chat completions protocol. It is the
// default gateway: pointed at a LiteLLM proxy through BaseURL it serves any
// model name the proxy knows, prefix included.
type OpenAIProvider struct {
	client *openai.Client

	// proxied keeps the full model name for a LiteLLM-style proxy.
	proxied bool
}

// OpenAIConfig configures the OpenAI-compatible provider.
type OpenAIConfig struct {
	APIKey string

	// BaseURL points at an OpenAI-compatible endpoint such as a LiteLLM
	// proxy. Empty uses api.openai.com.
	BaseURL string
}

// NewOpenAIProvider creates a new OpenAI-compatible provider.
func NewOpenAIProvider(config OpenAIConfig) *OpenAIProvider {
	cfg := openai.DefaultConfig(config.APIKey)
	proxied := strings.TrimSpace(config.BaseURL) != ""
	if proxied {
		cfg.BaseURL = strings.TrimRight(config.BaseURL, "/")
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg), proxied: proxied}
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// SupportsTools reports true.
func (p *OpenAIProvider) SupportsTools() bool {
	return true
}

// HonorsCacheHints reports false: cache markers are dropped on this path.
func (p *OpenAIProvider) HonorsCacheHints() bool {
	return false
}

func (p *OpenAIProvider) model(model string) string {
	if p.proxied {
		return model
	}
	return strings.TrimPrefix(model, "openai/")
}

// Complete streams one round. Tool call fragments are accumulated by index
// and emitted when the choice finishes.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := p.model(req.Model)
	chatReq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      convertOpenAIMessages(req.Messages, req.System),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
		Temperature:   float32(req.Temperature),
		User:          req.User,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toolconv.ToOpenAITools(req.Tools)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, wrapError("openai", model, err)
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, chunks, model)
	return chunks, nil
}

func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk, model string) {
	defer close(chunks)
	defer stream.Close()

	toolCalls := make(map[int]*models.ToolCall)
	var inputTokens, outputTokens int

	flush := func() bool {
		indexes := make([]int, 0, len(toolCalls))
		for idx := range toolCalls {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		for _, idx := range indexes {
			tc := toolCalls[idx]
			if tc.Name == "" {
				continue
			}
			if len(tc.Input) == 0 {
				tc.Input = json.RawMessage(`{}`)
			}
			if !send(ctx, chunks, &agent.CompletionChunk{ToolCall: tc}) {
				return false
			}
		}
		toolCalls = make(map[int]*models.ToolCall)
		return true
	}

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if flush() {
					send(ctx, chunks, &agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
				}
				return
			}
			send(ctx, chunks, &agent.CompletionChunk{Error: wrapError("openai", model, err)})
			return
		}

		if response.Usage != nil {
			inputTokens = response.Usage.PromptTokens
			outputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}

		choice := response.Choices[0]
		if choice.Delta.Content != "" {
			if !send(ctx, chunks, &agent.CompletionChunk{Text: choice.Delta.Content}) {
				return
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &models.ToolCall{}
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[index].Input = append(toolCalls[index].Input, tc.Function.Arguments...)
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			if !flush() {
				return
			}
		}
	}
}

func convertOpenAIMessages(messages []models.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			continue

		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Text(),
				ToolCallID: msg.ToolCallID,
			})

		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Text(),
			}
			for _, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			result = append(result, oaiMsg)

		default:
			result = append(result, convertOpenAIUserMessage(msg))
		}
	}
	return result
}

func convertOpenAIUserMessage(msg models.Message) openai.ChatCompletionMessage {
	multimodal := false
	for _, block := range msg.Content {
		if block.Type == models.BlockImage || block.Type == models.BlockDocument {
			multimodal = true
			break
		}
	}
	if !multimodal {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Text()}
	}

	parts := make([]openai.ChatMessagePart, 0, len(msg.Content))
	for _, block := range msg.Content {
		switch block.Type {
		case models.BlockText:
			parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: block.Text})
		case models.BlockImage:
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    dataURL(block),
					Detail: openai.ImageURLDetailAuto,
				},
			})
		case models.BlockDocument:
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: fmt.Sprintf("(Attachment %q was not included: documents are not supported by this gateway.)", block.Name),
			})
		}
	}
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts}
}
