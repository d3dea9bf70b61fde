package providers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/aws/smithy-go"
	"github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

func TestFailoverReasonIsRetryable(t *testing.T) {
	tests := []struct {
		reason   FailoverReason
		expected bool
	}{
		{FailoverRateLimit, true},
		{FailoverTimeout, true},
		{FailoverServerError, true},
		{FailoverBilling, false},
		{FailoverAuth, false},
		{FailoverInvalidRequest, false},
		{FailoverModelUnavailable, false},
		{FailoverContentFilter, false},
		{FailoverUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			if got := tt.reason.IsRetryable(); got != tt.expected {
				t.Errorf("FailoverReason(%q).IsRetryable() = %v, want %v", tt.reason, got, tt.expected)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected FailoverReason
	}{
		{"nil error", nil, FailoverUnknown},
		{"timeout", errors.New("request timeout"), FailoverTimeout},
		{"deadline sentinel", fmt.Errorf("call: %w", context.DeadlineExceeded), FailoverTimeout},
		{"rate limit", errors.New("rate limit exceeded"), FailoverRateLimit},
		{"too many requests", errors.New("too many requests"), FailoverRateLimit},
		{"throttled", errors.New("request was throttled"), FailoverRateLimit},
		{"unauthorized", errors.New("unauthorized"), FailoverAuth},
		{"invalid api key", errors.New("invalid api key"), FailoverAuth},
		{"billing", errors.New("billing issue"), FailoverBilling},
		{"content filter", errors.New("content_filter triggered"), FailoverContentFilter},
		{"model not found", errors.New("model not found"), FailoverModelUnavailable},
		{"server error", errors.New("internal server error"), FailoverServerError},
		{"overloaded", errors.New("upstream overloaded"), FailoverServerError},
		{"unknown", errors.New("something went wrong"), FailoverUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.expected {
				t.Errorf("ClassifyError(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestProviderError(t *testing.T) {
	cause := errors.New("underlying error")
	err := NewProviderError("anthropic", "claude-3-opus", cause).
		WithStatus(429).
		WithCode("rate_limit_error").
		WithRequestID("req-123")

	if err.Error() == "" {
		t.Error("Error() returned empty string")
	}
	if err.Reason != FailoverRateLimit {
		t.Errorf("Expected reason %v, got %v", FailoverRateLimit, err.Reason)
	}
	if err.Provider != "anthropic" || err.Model != "claude-3-opus" {
		t.Errorf("unexpected provider/model %s/%s", err.Provider, err.Model)
	}
	if err.Status != 429 || err.Code != "rate_limit_error" || err.RequestID != "req-123" {
		t.Errorf("fields not set: %+v", err)
	}
	if err.Unwrap() != cause {
		t.Error("Unwrap() did not return cause")
	}
	if !err.IsRetryable() {
		t.Error("Rate limit should be retryable")
	}
	if err.Category() != "rate_limit" {
		t.Errorf("Category() = %q", err.Category())
	}
}

func TestWithStatusKeepsReasonForUnknownStatus(t *testing.T) {
	err := NewProviderError("openai", "gpt-4o", errors.New("request timeout")).WithStatus(299)
	if err.Reason != FailoverTimeout {
		t.Errorf("Reason = %v, want %v", err.Reason, FailoverTimeout)
	}
}

func TestGetProviderError(t *testing.T) {
	providerErr := NewProviderError("openai", "gpt-4", errors.New("test"))

	got, ok := GetProviderError(fmt.Errorf("outer: %w", providerErr))
	if !ok || got != providerErr {
		t.Error("GetProviderError should extract wrapped ProviderError")
	}

	if _, ok := GetProviderError(errors.New("regular")); ok {
		t.Error("GetProviderError should return false for regular error")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(NewProviderError("anthropic", "claude", nil).WithStatus(429)) {
		t.Error("Rate limit error should be retryable")
	}
	if IsRetryable(NewProviderError("openai", "gpt-4", nil).WithStatus(401)) {
		t.Error("Auth error should not be retryable")
	}
	if !IsRetryable(errors.New("timeout exceeded")) {
		t.Error("Timeout error should be retryable")
	}
}

func TestClassifyStatusCode(t *testing.T) {
	tests := []struct {
		status   int
		expected FailoverReason
	}{
		{401, FailoverAuth},
		{403, FailoverAuth},
		{402, FailoverBilling},
		{408, FailoverTimeout},
		{429, FailoverRateLimit},
		{400, FailoverInvalidRequest},
		{422, FailoverInvalidRequest},
		{404, FailoverModelUnavailable},
		{500, FailoverServerError},
		{503, FailoverServerError},
		{200, FailoverUnknown},
	}

	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			if got := classifyStatusCode(tt.status); got != tt.expected {
				t.Errorf("classifyStatusCode(%d) = %v, want %v", tt.status, got, tt.expected)
			}
		})
	}
}

func TestWrapError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantReason FailoverReason
		wantStatus int
		wantCode   string
		wantReqID  string
	}{
		{
			name:       "anthropic rate limit",
			err:        &anthropic.Error{StatusCode: 429, RequestID: "req_123"},
			wantReason: FailoverRateLimit,
			wantStatus: 429,
			wantReqID:  "req_123",
		},
		{
			name:       "openai api error",
			err:        &openai.APIError{HTTPStatusCode: 400, Message: "bad", Code: "invalid_request_error"},
			wantReason: FailoverInvalidRequest,
			wantStatus: 400,
			wantCode:   "invalid_request_error",
		},
		{
			name:       "openai request error",
			err:        &openai.RequestError{HTTPStatusCode: 503, Err: errors.New("upstream unavailable")},
			wantReason: FailoverServerError,
			wantStatus: 503,
		},
		{
			name:       "gemini api error",
			err:        genai.APIError{Code: 500, Message: "internal"},
			wantReason: FailoverServerError,
			wantStatus: 500,
		},
		{
			name:       "bedrock throttling code",
			err:        &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"},
			wantReason: FailoverRateLimit,
			wantCode:   "ThrottlingException",
		},
		{
			name:       "deadline",
			err:        fmt.Errorf("stream: %w", context.DeadlineExceeded),
			wantReason: FailoverTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := wrapError("test", "model", tt.err)
			perr, ok := GetProviderError(wrapped)
			if !ok {
				t.Fatalf("expected ProviderError, got %T", wrapped)
			}
			if perr.Reason != tt.wantReason {
				t.Errorf("Reason = %v, want %v", perr.Reason, tt.wantReason)
			}
			if perr.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", perr.Status, tt.wantStatus)
			}
			if perr.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", perr.Code, tt.wantCode)
			}
			if perr.RequestID != tt.wantReqID {
				t.Errorf("RequestID = %q, want %q", perr.RequestID, tt.wantReqID)
			}
			if perr.Unwrap() == nil {
				t.Errorf("wrapped error lost its cause")
			}
		})
	}
}

func TestWrapErrorPassThrough(t *testing.T) {
	if wrapError("openai", "gpt-4o", nil) != nil {
		t.Error("nil should stay nil")
	}
	original := NewProviderError("openai", "gpt-4o", errors.New("x")).WithStatus(401)
	if got := wrapError("anthropic", "other", original); got != error(original) {
		t.Error("already wrapped errors should be returned as is")
	}
}
