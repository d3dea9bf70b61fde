package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/iwamot/collmbo/internal/agent"
)

func TestCurrentTimeTool(t *testing.T) {
	fixed := time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)
	tool := NewCurrentTimeTool(func() time.Time { return fixed })

	tests := []struct {
		name    string
		params  string
		want    map[string]string
		wantErr bool
	}{
		{name: "default utc", params: `{}`, want: map[string]string{"time": "2025-03-14T15:09:26Z", "timezone": "UTC", "weekday": "Friday"}},
		{name: "no params", params: ``, want: map[string]string{"time": "2025-03-14T15:09:26Z", "timezone": "UTC", "weekday": "Friday"}},
		{name: "tokyo", params: `{"timezone":"Asia/Tokyo"}`, want: map[string]string{"time": "2025-03-15T00:09:26+09:00", "timezone": "Asia/Tokyo", "weekday": "Saturday"}},
		{name: "unknown zone", params: `{"timezone":"Mars/Olympus"}`, wantErr: true},
		{name: "bad json", params: `{"timezone":`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tool.Execute(context.Background(), json.RawMessage(tt.params))
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if res.IsError != tt.wantErr {
				t.Fatalf("IsError = %v, content %q", res.IsError, res.Content)
			}
			if tt.wantErr {
				return
			}
			var got map[string]string
			if err := json.Unmarshal([]byte(res.Content), &got); err != nil {
				t.Fatalf("content is not JSON: %q", res.Content)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("%s = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestCurrentTimeSchemaValidates(t *testing.T) {
	tool := NewCurrentTimeTool(nil)
	schema := string(tool.Schema())
	if strings.Contains(schema, "$schema") || !strings.Contains(schema, `"timezone"`) {
		t.Fatalf("schema = %s", schema)
	}
	if err := agent.ValidateInput(tool, json.RawMessage(`{"timezone":"UTC"}`)); err != nil {
		t.Fatalf("valid input rejected: %v", err)
	}
	if err := agent.ValidateInput(tool, json.RawMessage(`{"timezone":7}`)); err == nil {
		t.Fatalf("wrong type accepted")
	}
}

func TestRegisterNamed(t *testing.T) {
	registry := agent.NewToolRegistry(nil)
	err := RegisterNamed(registry, []string{CurrentTimeName, "launch_rockets"})
	if err == nil || !strings.Contains(err.Error(), "launch_rockets") {
		t.Fatalf("expected unknown tool error, got %v", err)
	}
	if _, err := registry.Resolve(CurrentTimeName); err != nil {
		t.Fatalf("known tool not registered: %v", err)
	}
	if got := strings.Join(Names(), ","); got != CurrentTimeName {
		t.Fatalf("Names() = %s", got)
	}
}
