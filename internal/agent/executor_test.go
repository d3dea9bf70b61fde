package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/iwamot/collmbo/internal/observability"
	"github.com/iwamot/collmbo/pkg/models"
)

// mockTool implements Tool for testing
type mockTool struct {
	name        string
	description string
	schema      json.RawMessage
	execFunc    func(ctx context.Context, params json.RawMessage) (*ToolResult, error)
	execCount   atomic.Int32
}

func (m *mockTool) Name() string            { return m.name }
func (m *mockTool) Description() string     { return m.description }
func (m *mockTool) Schema() json.RawMessage { return m.schema }
func (m *mockTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	m.execCount.Add(1)
	if m.execFunc != nil {
		return m.execFunc(ctx, params)
	}
	return &ToolResult{Content: "success"}, nil
}

func call(id, name string) models.ToolCall {
	return models.ToolCall{ID: id, Name: name, Input: json.RawMessage(`{}`)}
}

func TestExecutor_Execute_Success(t *testing.T) {
	set := NewToolSet(&mockTool{
		name: "test_tool",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "result"}, nil
		},
	})

	result := NewExecutor(nil, nil, nil, nil).Execute(context.Background(), set, call("call-1", "test_tool"))

	if result.IsError {
		t.Fatalf("unexpected error result: %+v", result)
	}
	if result.ToolCallID != "call-1" {
		t.Errorf("ToolCallID = %q, want call-1", result.ToolCallID)
	}
	if result.Text() != "result" {
		t.Errorf("content = %q, want %q", result.Text(), "result")
	}
}

func TestExecutor_Execute_Failures(t *testing.T) {
	tests := []struct {
		name       string
		tool       *mockTool
		call       models.ToolCall
		wantReason ToolErrorType
		wantText   string
	}{
		{
			name:       "unknown tool",
			tool:       &mockTool{name: "other"},
			call:       call("c1", "missing"),
			wantReason: ToolErrorNotFound,
			wantText:   "unknown tool: missing",
		},
		{
			name: "panic",
			tool: &mockTool{name: "boom", execFunc: func(context.Context, json.RawMessage) (*ToolResult, error) {
				panic("kaboom")
			}},
			call:       call("c2", "boom"),
			wantReason: ToolErrorPanic,
			wantText:   "tool failed unexpectedly",
		},
		{
			name: "returned error",
			tool: &mockTool{name: "err", execFunc: func(context.Context, json.RawMessage) (*ToolResult, error) {
				return nil, errors.New("disk full")
			}},
			call:       call("c3", "err"),
			wantReason: ToolErrorExecution,
			wantText:   "disk full",
		},
		{
			name:       "schema violation",
			tool:       &mockTool{name: "strict", schema: json.RawMessage(`{"type":"object","required":["city"]}`)},
			call:       call("c4", "strict"),
			wantReason: ToolErrorInvalidInput,
			wantText:   "invalid tool input",
		},
		{
			name: "tool reported error",
			tool: &mockTool{name: "logical", execFunc: func(context.Context, json.RawMessage) (*ToolResult, error) {
				return &ToolResult{Content: "no such city", IsError: true}, nil
			}},
			call:       call("c5", "logical"),
			wantReason: ToolErrorExecution,
			wantText:   "no such city",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NewExecutor(nil, nil, nil, nil).Execute(context.Background(), NewToolSet(tt.tool), tt.call)
			if !result.IsError {
				t.Fatal("expected error result")
			}
			if result.Reason != string(tt.wantReason) {
				t.Errorf("Reason = %q, want %q", result.Reason, tt.wantReason)
			}
			if !strings.Contains(result.Text(), tt.wantText) {
				t.Errorf("content = %q, want it to contain %q", result.Text(), tt.wantText)
			}
			if strings.Contains(result.Text(), "goroutine") {
				t.Errorf("stack trace leaked into result: %q", result.Text())
			}
		})
	}
}

func TestExecutor_Execute_Timeout(t *testing.T) {
	set := NewToolSet(&mockTool{
		name: "slow",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	executor := NewExecutor(&ExecutorConfig{MaxConcurrency: 1, DefaultTimeout: 20 * time.Millisecond}, nil, nil, nil)
	result := executor.Execute(context.Background(), set, call("c1", "slow"))

	if !result.IsError || result.Reason != string(ToolErrorTimeout) {
		t.Fatalf("result = %+v, want timeout error", result)
	}
}

func TestExecutor_ExecuteAll_PreservesRequestOrder(t *testing.T) {
	release := map[string]chan struct{}{
		"A": make(chan struct{}),
		"B": make(chan struct{}),
		"C": make(chan struct{}),
	}
	var tools []Tool
	for _, name := range []string{"A", "B", "C"} {
		ch := release[name]
		n := name
		tools = append(tools, &mockTool{
			name: n,
			execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
				<-ch
				return &ToolResult{Content: "result " + n}, nil
			},
		})
	}
	set := NewToolSet(tools...)

	// Completion order C, A, B.
	go func() {
		close(release["C"])
		time.Sleep(10 * time.Millisecond)
		close(release["A"])
		time.Sleep(10 * time.Millisecond)
		close(release["B"])
	}()

	results := NewExecutor(nil, nil, nil, nil).ExecuteAll(context.Background(), set, []models.ToolCall{
		call("1", "A"), call("2", "B"), call("3", "C"),
	})

	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	for i, want := range []string{"A", "B", "C"} {
		if results[i].ToolCallID != []string{"1", "2", "3"}[i] {
			t.Errorf("results[%d].ToolCallID = %q", i, results[i].ToolCallID)
		}
		if results[i].Text() != "result "+want {
			t.Errorf("results[%d] = %q, want %q", i, results[i].Text(), "result "+want)
		}
	}
}

func TestExecutor_ExecuteAll_BoundsConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	tool := &mockTool{
		name: "busy",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return &ToolResult{Content: "ok"}, nil
		},
	}

	calls := make([]models.ToolCall, 8)
	for i := range calls {
		calls[i] = call(string(rune('a'+i)), "busy")
	}

	executor := NewExecutor(&ExecutorConfig{MaxConcurrency: 2, DefaultTimeout: time.Second}, nil, nil, nil)
	executor.ExecuteAll(context.Background(), NewToolSet(tool), calls)

	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
	if got := tool.execCount.Load(); got != 8 {
		t.Errorf("executions = %d, want 8", got)
	}
}

func TestExecutor_RecordsMetrics(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	executor := NewExecutor(nil, nil, metrics, nil)

	executor.Execute(context.Background(), NewToolSet(&mockTool{name: "ok"}), call("1", "ok"))
	executor.Execute(context.Background(), NewToolSet(), call("2", "ghost"))

	if got := testutil.ToFloat64(metrics.ToolExecutionCounter.WithLabelValues("ok", "success", "")); got != 1 {
		t.Errorf("success count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.ToolExecutionCounter.WithLabelValues("ghost", "error", "not_found")); got != 1 {
		t.Errorf("not_found count = %v, want 1", got)
	}
}
