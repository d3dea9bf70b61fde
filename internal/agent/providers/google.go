package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/iwamot/collmbo/internal/agent"
	"github.com/iwamot/collmbo/internal/agent/toolconv"
	"github.com/iwamot/collmbo/pkg/models"
)

// GoogleProvider serves "gemini/" models through the Gen AI SDK.
//
// Gemini does not return tool call ids, so ids are generated here and
// function responses are matched back to calls by name.
type GoogleProvider struct {
	client *genai.Client
}

// GoogleConfig configures the Gemini provider.
type GoogleConfig struct {
	// APIKey is the Google AI API authentication key (required).
	APIKey string
}

// NewGoogleProvider creates a Gemini provider.
func NewGoogleProvider(ctx context.Context, config GoogleConfig) (*GoogleProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}
	return &GoogleProvider{client: client}, nil
}

// Name returns "google".
func (p *GoogleProvider) Name() string {
	return "google"
}

// SupportsTools reports true.
func (p *GoogleProvider) SupportsTools() bool {
	return true
}

// Complete streams one round from GenerateContentStream.
func (p *GoogleProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := modelID(req.Model)
	contents, err := convertGeminiMessages(req.Messages)
	if err != nil {
		return nil, NewProviderError("google", model, err).WithStatus(400)
	}

	config := buildGeminiConfig(req)
	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)
		streamIter := p.client.Models.GenerateContentStream(ctx, model, contents, config)
		processGeminiStream(ctx, streamIter, chunks, model)
	}()
	return chunks, nil
}

func processGeminiStream(ctx context.Context, streamIter iter.Seq2[*genai.GenerateContentResponse, error], chunks chan<- *agent.CompletionChunk, model string) {
	var inputTokens, outputTokens int

	for resp, err := range streamIter {
		if err != nil {
			send(ctx, chunks, &agent.CompletionChunk{Error: wrapError("google", model, err)})
			return
		}
		if resp == nil {
			continue
		}
		if usage := resp.UsageMetadata; usage != nil {
			inputTokens = int(usage.PromptTokenCount)
			outputTokens = int(usage.CandidatesTokenCount)
		}

		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" && !part.Thought {
					if !send(ctx, chunks, &agent.CompletionChunk{Text: part.Text}) {
						return
					}
				}
				if part.FunctionCall != nil {
					args, jsonErr := json.Marshal(part.FunctionCall.Args)
					if jsonErr != nil || part.FunctionCall.Args == nil {
						args = []byte("{}")
					}
					id := part.FunctionCall.ID
					if id == "" {
						id = "call_" + uuid.NewString()
					}
					call := &models.ToolCall{ID: id, Name: part.FunctionCall.Name, Input: args}
					if !send(ctx, chunks, &agent.CompletionChunk{ToolCall: call}) {
						return
					}
				}
			}
		}
	}

	send(ctx, chunks, &agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
}

// convertGeminiMessages maps the turn onto Gemini contents. Function
// responses are user-side parts keyed by the name of the call they answer.
func convertGeminiMessages(messages []models.Message) ([]*genai.Content, error) {
	names := toolNames(messages)
	var result []*genai.Content

	for _, msg := range messages {
		var parts []*genai.Part
		role := genai.RoleUser

		switch msg.Role {
		case models.RoleSystem:
			continue
		case models.RoleTool:
			parts = append(parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       msg.ToolCallID,
					Name:     names[msg.ToolCallID],
					Response: googleToolResponse(msg),
				},
			})
		default:
			if msg.Role == models.RoleAssistant {
				role = genai.RoleModel
			}
			for _, block := range msg.Content {
				switch block.Type {
				case models.BlockText:
					if block.Text != "" {
						parts = append(parts, &genai.Part{Text: block.Text})
					}
				case models.BlockImage, models.BlockDocument:
					if len(block.Data) > 0 {
						parts = append(parts, &genai.Part{InlineData: &genai.Blob{Data: block.Data, MIMEType: block.MimeType}})
					} else if block.URL != "" {
						parts = append(parts, &genai.Part{FileData: &genai.FileData{FileURI: block.URL, MIMEType: block.MimeType}})
					}
				}
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   tc.ID,
						Name: tc.Name,
						Args: toolInput(tc.Input),
					},
				})
			}
		}
		if len(parts) == 0 {
			continue
		}

		if n := len(result); n > 0 && result[n-1].Role == role {
			result[n-1].Parts = append(result[n-1].Parts, parts...)
			continue
		}
		result = append(result, &genai.Content{Role: role, Parts: parts})
	}

	if len(result) == 0 {
		return nil, errors.New("google: empty conversation")
	}
	return result, nil
}

func buildGeminiConfig(req *agent.CompletionRequest) *genai.GenerateContentConfig {
	temperature := float32(req.Temperature)
	config := &genai.GenerateContentConfig{Temperature: &temperature}

	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.MaxTokens > 0 {
		maxTokens := min(req.MaxTokens, math.MaxInt32)
		// #nosec G115 -- bounded by min above
		config.MaxOutputTokens = int32(maxTokens)
	}
	if len(req.Tools) > 0 {
		config.Tools = toolconv.ToGeminiTools(req.Tools)
	}
	return config
}

func googleToolResponse(msg models.Message) map[string]any {
	response := map[string]any{"result": msg.Text()}
	if msg.IsError {
		response["error"] = true
	}
	return response
}
