package slack

import (
	"context"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
)

// SlackAPIClient defines the Slack Web API calls used by the adapter.
// This interface allows for mock injection during testing.
type SlackAPIClient interface {
	// Authentication
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)

	// Messaging
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
	PostEphemeralContext(ctx context.Context, channelID, userID string, options ...slack.MsgOption) (string, error)

	// Conversations
	GetConversationRepliesContext(ctx context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error)
	GetConversationHistoryContext(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error)

	// User info
	GetUserInfoContext(ctx context.Context, userID string) (*slack.User, error)
}

// SocketModeClient defines the Socket Mode operations used by the adapter.
type SocketModeClient interface {
	RunContext(ctx context.Context) error
	Ack(req socketmode.Request, payload ...interface{})
}

// Ensure slack.Client implements SlackAPIClient
var _ SlackAPIClient = (*slack.Client)(nil)

// MockSlackClient is a test double for SlackAPIClient.
type MockSlackClient struct {
	AuthTestContextFunc               func(ctx context.Context) (*slack.AuthTestResponse, error)
	PostMessageContextFunc            func(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContextFunc          func(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
	PostEphemeralContextFunc          func(ctx context.Context, channelID, userID string, options ...slack.MsgOption) (string, error)
	GetConversationRepliesContextFunc func(ctx context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error)
	GetConversationHistoryContextFunc func(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error)
	GetUserInfoContextFunc            func(ctx context.Context, userID string) (*slack.User, error)
}

func (m *MockSlackClient) AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error) {
	if m.AuthTestContextFunc != nil {
		return m.AuthTestContextFunc(ctx)
	}
	return &slack.AuthTestResponse{UserID: "UBOT", Team: "TestTeam"}, nil
}

func (m *MockSlackClient) PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	if m.PostMessageContextFunc != nil {
		return m.PostMessageContextFunc(ctx, channelID, options...)
	}
	return channelID, "1234567890.123456", nil
}

func (m *MockSlackClient) UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error) {
	if m.UpdateMessageContextFunc != nil {
		return m.UpdateMessageContextFunc(ctx, channelID, timestamp, options...)
	}
	return channelID, timestamp, "", nil
}

func (m *MockSlackClient) PostEphemeralContext(ctx context.Context, channelID, userID string, options ...slack.MsgOption) (string, error) {
	if m.PostEphemeralContextFunc != nil {
		return m.PostEphemeralContextFunc(ctx, channelID, userID, options...)
	}
	return "1234567890.654321", nil
}

func (m *MockSlackClient) GetConversationRepliesContext(ctx context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error) {
	if m.GetConversationRepliesContextFunc != nil {
		return m.GetConversationRepliesContextFunc(ctx, params)
	}
	return nil, false, "", nil
}

func (m *MockSlackClient) GetConversationHistoryContext(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error) {
	if m.GetConversationHistoryContextFunc != nil {
		return m.GetConversationHistoryContextFunc(ctx, params)
	}
	return &slack.GetConversationHistoryResponse{}, nil
}

func (m *MockSlackClient) GetUserInfoContext(ctx context.Context, userID string) (*slack.User, error) {
	if m.GetUserInfoContextFunc != nil {
		return m.GetUserInfoContextFunc(ctx, userID)
	}
	return &slack.User{ID: userID, Name: "testuser", Locale: "en-US"}, nil
}

// MockSocketModeClient is a test double for SocketModeClient.
type MockSocketModeClient struct {
	RunFunc func(ctx context.Context) error
	AckFunc func(req socketmode.Request, payload ...interface{})
}

func (m *MockSocketModeClient) RunContext(ctx context.Context) error {
	if m.RunFunc != nil {
		return m.RunFunc(ctx)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (m *MockSocketModeClient) Ack(req socketmode.Request, payload ...interface{}) {
	if m.AckFunc != nil {
		m.AckFunc(req, payload...)
	}
}
