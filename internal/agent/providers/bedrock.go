package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/iwamot/collmbo/internal/agent"
	"github.com/iwamot/collmbo/internal/agent/toolconv"
	"github.com/iwamot/collmbo/pkg/models"
)

// ConverseStreamAPI is the slice of the Bedrock runtime client used here.
type ConverseStreamAPI interface {
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// BedrockProvider serves "bedrock/" models through the Converse streaming
// API. Cache breakpoints become cachePoint blocks.
//
// BedrockProvider is safe for concurrent use.
type BedrockProvider struct {
	client ConverseStreamAPI
}

// BedrockConfig holds configuration for the Bedrock provider.
type BedrockConfig struct {
	// Region is the AWS region (default: us-east-1)
	Region string

	// AccessKeyID for explicit credentials (optional, uses default chain if empty)
	AccessKeyID string

	// SecretAccessKey for explicit credentials (optional)
	SecretAccessKey string

	// SessionToken for temporary credentials (optional)
	SessionToken string
}

// NewBedrockProvider creates a Bedrock provider from the AWS default config
// chain, or from static credentials when both keys are set.
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			cfg.SessionToken,
		)))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	// Retries are owned by the invocation loop.
	client := bedrockruntime.NewFromConfig(awsCfg, func(o *bedrockruntime.Options) {
		o.RetryMaxAttempts = 1
	})
	return NewBedrockProviderWithClient(client), nil
}

// NewBedrockProviderWithClient wraps an existing Converse client.
func NewBedrockProviderWithClient(client ConverseStreamAPI) *BedrockProvider {
	return &BedrockProvider{client: client}
}

// Name returns "bedrock".
func (p *BedrockProvider) Name() string {
	return "bedrock"
}

// SupportsTools reports true.
func (p *BedrockProvider) SupportsTools() bool {
	return true
}

// HonorsCacheHints reports true: cache points are sent natively.
func (p *BedrockProvider) HonorsCacheHints() bool {
	return true
}

// Complete streams one round from ConverseStream.
func (p *BedrockProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := modelID(req.Model)
	if p.client == nil {
		return nil, NewProviderError("bedrock", model, errors.New("bedrock client not initialized"))
	}

	input, err := buildConverseInput(model, req)
	if err != nil {
		return nil, NewProviderError("bedrock", model, err).WithStatus(400)
	}

	stream, err := p.client.ConverseStream(ctx, input)
	if err != nil {
		return nil, wrapError("bedrock", model, err)
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, chunks, model)
	return chunks, nil
}

func buildConverseInput(model string, req *agent.CompletionRequest) (*bedrockruntime.ConverseStreamInput, error) {
	messages, err := convertBedrockMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: messages,
		InferenceConfig: &types.InferenceConfiguration{
			Temperature: aws.Float32(float32(req.Temperature)),
		},
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.System},
		}
	}
	if req.MaxTokens > 0 {
		maxTokens := min(req.MaxTokens, math.MaxInt32)
		// #nosec G115 -- bounded by min above
		input.InferenceConfig.MaxTokens = aws.Int32(int32(maxTokens))
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = toolconv.ToBedrockTools(req.Tools)
	}
	return input, nil
}

func (p *BedrockProvider) processStream(ctx context.Context, stream *bedrockruntime.ConverseStreamOutput, chunks chan<- *agent.CompletionChunk, model string) {
	defer close(chunks)

	eventStream := stream.GetStream()
	defer eventStream.Close()

	var currentToolCall *models.ToolCall
	var toolInput strings.Builder
	var inputTokens, outputTokens int
	stopped := false

	emitTool := func() bool {
		if currentToolCall == nil {
			return true
		}
		input := toolInput.String()
		if input == "" {
			input = "{}"
		}
		currentToolCall.Input = json.RawMessage(input)
		call := currentToolCall
		currentToolCall = nil
		toolInput.Reset()
		return send(ctx, chunks, &agent.CompletionChunk{ToolCall: call})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-eventStream.Events():
			if !ok {
				if !emitTool() {
					return
				}
				if err := eventStream.Err(); err != nil {
					send(ctx, chunks, &agent.CompletionChunk{Error: wrapError("bedrock", model, err)})
					return
				}
				if !stopped {
					send(ctx, chunks, &agent.CompletionChunk{Error: wrapError("bedrock", model, errors.New("stream ended before message stop"))})
					return
				}
				send(ctx, chunks, &agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
				return
			}

			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					currentToolCall = &models.ToolCall{
						ID:   aws.ToString(toolUse.Value.ToolUseId),
						Name: aws.ToString(toolUse.Value.Name),
					}
					toolInput.Reset()
				}

			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" {
						if !send(ctx, chunks, &agent.CompletionChunk{Text: delta.Value}) {
							return
						}
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil {
						toolInput.WriteString(*delta.Value.Input)
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockStop:
				if !emitTool() {
					return
				}

			case *types.ConverseStreamOutputMemberMessageStop:
				// Usage arrives in the trailing metadata event.
				stopped = true

			case *types.ConverseStreamOutputMemberMetadata:
				if usage := ev.Value.Usage; usage != nil {
					inputTokens = int(aws.ToInt32(usage.InputTokens))
					outputTokens = int(aws.ToInt32(usage.OutputTokens))
				}
			}
		}
	}
}

// convertBedrockMessages maps the turn onto Converse messages. Tool results
// are user content, so consecutive tool messages and a following user
// message share one Converse message.
func convertBedrockMessages(messages []models.Message) ([]types.Message, error) {
	var result []types.Message

	for _, msg := range messages {
		var content []types.ContentBlock
		switch msg.Role {
		case models.RoleSystem:
			continue
		case models.RoleTool:
			toolResult := types.ToolResultBlock{
				ToolUseId: aws.String(msg.ToolCallID),
				Content: []types.ToolResultContentBlock{
					&types.ToolResultContentBlockMemberText{Value: msg.Text()},
				},
			}
			if msg.IsError {
				toolResult.Status = types.ToolResultStatusError
			}
			content = append(content, &types.ContentBlockMemberToolResult{Value: toolResult})
			if msg.HasCacheBreakpoint() {
				content = append(content, bedrockCachePoint())
			}
		default:
			for _, block := range msg.Content {
				switch block.Type {
				case models.BlockText:
					if block.Text != "" {
						content = append(content, &types.ContentBlockMemberText{Value: block.Text})
					}
				case models.BlockImage:
					content = append(content, bedrockImage(block))
				case models.BlockDocument:
					content = append(content, &types.ContentBlockMemberDocument{
						Value: types.DocumentBlock{
							Format: types.DocumentFormatPdf,
							Name:   aws.String(bedrockDocumentName(block.Name)),
							Source: &types.DocumentSourceMemberBytes{Value: block.Data},
						},
					})
				case models.BlockCacheBreakpoint:
					if len(content) > 0 {
						content = append(content, bedrockCachePoint())
					}
				}
			}
			for _, tc := range msg.ToolCalls {
				var inputDoc any = toolInput(tc.Input)
				content = append(content, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{
						ToolUseId: aws.String(tc.ID),
						Name:      aws.String(tc.Name),
						Input:     document.NewLazyDocument(inputDoc),
					},
				})
			}
		}
		if len(content) == 0 {
			continue
		}

		role := types.ConversationRoleUser
		if msg.Role == models.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		if n := len(result); n > 0 && result[n-1].Role == role {
			result[n-1].Content = append(result[n-1].Content, content...)
			continue
		}
		result = append(result, types.Message{Role: role, Content: content})
	}

	if len(result) == 0 {
		return nil, errors.New("bedrock: empty conversation")
	}
	return result, nil
}

func bedrockCachePoint() types.ContentBlock {
	return &types.ContentBlockMemberCachePoint{
		Value: types.CachePointBlock{Type: types.CachePointTypeDefault},
	}
}

// bedrockImage returns an image block, or a text notice when the image is
// only referenced by URL or its format is not accepted.
func bedrockImage(block models.ContentBlock) types.ContentBlock {
	format, ok := bedrockImageFormat(block.MimeType)
	if !ok || len(block.Data) == 0 {
		return &types.ContentBlockMemberText{Value: "(An image was attached but could not be included.)"}
	}
	return &types.ContentBlockMemberImage{
		Value: types.ImageBlock{
			Format: format,
			Source: &types.ImageSourceMemberBytes{Value: block.Data},
		},
	}
}

func bedrockImageFormat(mimeType string) (types.ImageFormat, bool) {
	mimeType, _, _ = strings.Cut(mimeType, ";")
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case "image/png":
		return types.ImageFormatPng, true
	case "image/jpeg", "image/jpg":
		return types.ImageFormatJpeg, true
	case "image/gif":
		return types.ImageFormatGif, true
	case "image/webp":
		return types.ImageFormatWebp, true
	}
	return "", false
}

// bedrockDocumentName reduces a file name to the characters Converse
// accepts in document names.
func bedrockDocumentName(name string) string {
	name = strings.TrimSuffix(name, filepath.Ext(name))
	var sb strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == ' ', r == '-', r == '(', r == ')', r == '[', r == ']':
			sb.WriteRune(r)
		default:
			sb.WriteRune('-')
		}
	}
	if out := strings.TrimSpace(sb.String()); out != "" {
		return out
	}
	return "document"
}
