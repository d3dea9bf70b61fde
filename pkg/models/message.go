package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// BlockType tags the variant held by a ContentBlock.
type BlockType string

const (
	BlockText            BlockType = "text"
	BlockImage           BlockType = "image"
	BlockDocument        BlockType = "document"
	BlockCacheBreakpoint BlockType = "cache_breakpoint"
)

// ContentBlock is one part of a message body. Only the fields relevant to
// Type are populated.
type ContentBlock struct {
	Type     BlockType `json:"type"`
	Text     string    `json:"text,omitempty"`
	Data     []byte    `json:"data,omitempty"`
	URL      string    `json:"url,omitempty"`
	MimeType string    `json:"mime_type,omitempty"`
	Name     string    `json:"name,omitempty"`
}

// TextBlock returns a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ImageBlock returns an inline image block.
func ImageBlock(data []byte, mimeType string) ContentBlock {
	return ContentBlock{Type: BlockImage, Data: data, MimeType: mimeType}
}

// ImageURLBlock returns an image block referenced by URL.
func ImageURLBlock(url, mimeType string) ContentBlock {
	return ContentBlock{Type: BlockImage, URL: url, MimeType: mimeType}
}

// DocumentBlock returns an inline document block such as a PDF.
func DocumentBlock(data []byte, mimeType, name string) ContentBlock {
	return ContentBlock{Type: BlockDocument, Data: data, MimeType: mimeType, Name: name}
}

// CacheBreakpoint returns a prompt cache boundary marker.
func CacheBreakpoint() ContentBlock {
	return ContentBlock{Type: BlockCacheBreakpoint}
}

// Message is one entry of a conversation turn.
type Message struct {
	Role       Role           `json:"role"`
	Content    []ContentBlock `json:"content,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`

	// IsError marks a tool message whose result reports a failure.
	IsError bool `json:"is_error,omitempty"`
}

// Text concatenates the text blocks of the message.
func (m Message) Text() string {
	var sb strings.Builder
	for _, block := range m.Content {
		if block.Type != BlockText {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(block.Text)
	}
	return sb.String()
}

// HasCacheBreakpoint reports whether the message carries a cache marker.
func (m Message) HasCacheBreakpoint() bool {
	for _, block := range m.Content {
		if block.Type == BlockCacheBreakpoint {
			return true
		}
	}
	return false
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string         `json:"tool_call_id"`
	Content    []ContentBlock `json:"content"`
	IsError    bool           `json:"is_error,omitempty"`
	// Reason classifies failures; empty on success.
	Reason string `json:"reason,omitempty"`
}

// Text concatenates the text blocks of the result.
func (r ToolResult) Text() string {
	return Message{Content: r.Content}.Text()
}

// Attachment represents a file shared alongside a chat message.
type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url"`
	Size     int64  `json:"size,omitempty"`
}

// InboundEvent is a chat event delivered by the platform.
type InboundEvent struct {
	ConversationID string       `json:"conversation_id"`
	ThreadID       string       `json:"thread_id,omitempty"`
	MessageID      string       `json:"message_id"`
	Author         string       `json:"author"`
	Text           string       `json:"text"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
	IsDirect       bool         `json:"is_direct,omitempty"`
	Locale         string       `json:"locale,omitempty"`
}

// HistoryMessage is one earlier message of a conversation thread.
type HistoryMessage struct {
	ID          string       `json:"id"`
	Author      string       `json:"author,omitempty"`
	BotID       string       `json:"bot_id,omitempty"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// ErrInvalidTurn is returned by ValidateTurn.
var ErrInvalidTurn = errors.New("invalid conversation turn")

// ValidateTurn checks role ordering: an optional leading system message,
// then alternating user and assistant messages, with tool messages only
// directly after an assistant message that requested them.
func ValidateTurn(messages []Message) error {
	var prev Role
	pending := map[string]bool{}
	for i, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			if i != 0 {
				return fmt.Errorf("%w: system message at index %d", ErrInvalidTurn, i)
			}
		case RoleUser:
			if prev == RoleUser {
				return fmt.Errorf("%w: consecutive user messages at index %d", ErrInvalidTurn, i)
			}
			if len(pending) > 0 {
				return fmt.Errorf("%w: unanswered tool calls before index %d", ErrInvalidTurn, i)
			}
		case RoleAssistant:
			if prev == RoleAssistant && len(messages[i-1].ToolCalls) == 0 {
				return fmt.Errorf("%w: consecutive assistant messages at index %d", ErrInvalidTurn, i)
			}
			if len(pending) > 0 {
				return fmt.Errorf("%w: unanswered tool calls before index %d", ErrInvalidTurn, i)
			}
			for _, call := range msg.ToolCalls {
				pending[call.ID] = true
			}
		case RoleTool:
			if !pending[msg.ToolCallID] {
				return fmt.Errorf("%w: tool message %q does not answer a pending call", ErrInvalidTurn, msg.ToolCallID)
			}
			delete(pending, msg.ToolCallID)
		default:
			return fmt.Errorf("%w: unknown role %q", ErrInvalidTurn, msg.Role)
		}
		prev = msg.Role
	}
	return nil
}
