package toolconv

import (
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"google.golang.org/genai"

	"github.com/iwamot/collmbo/internal/agent"
)

func schemas() []agent.ToolSchema {
	return []agent.ToolSchema{
		{
			Name:        "search",
			Description: "Search tool",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"},"since":{"type":"string","format":"date-time"},"site":{"type":"string","format":"uri"}},"required":["q"]}`),
		},
		{
			Name:        "broken",
			Description: "Bad schema",
			Parameters:  json.RawMessage(`{not-json}`),
		},
	}
}

func TestToBedrockTools(t *testing.T) {
	cfg := ToBedrockTools(schemas())
	if cfg == nil || len(cfg.Tools) != 2 {
		t.Fatalf("expected 2 bedrock tools, got %#v", cfg)
	}

	spec, ok := cfg.Tools[0].(*types.ToolMemberToolSpec)
	if !ok {
		t.Fatalf("expected ToolMemberToolSpec, got %T", cfg.Tools[0])
	}
	if spec.Value.Name == nil || *spec.Value.Name != "search" {
		t.Fatalf("unexpected tool name: %#v", spec.Value.Name)
	}
	if spec.Value.InputSchema == nil {
		t.Fatalf("expected input schema to be set")
	}
}

func TestToGeminiTools(t *testing.T) {
	tools := ToGeminiTools(schemas())
	if len(tools) != 1 || len(tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("expected one declaration, got %#v", tools)
	}
	decl := tools[0].FunctionDeclarations[0]
	if decl.Name != "search" {
		t.Errorf("Name = %q", decl.Name)
	}
	params := decl.Parameters
	if params.Type != genai.TypeObject {
		t.Errorf("Type = %q, want OBJECT", params.Type)
	}
	if params.Properties["since"].Format != "date-time" {
		t.Errorf("date-time format dropped")
	}
	if params.Properties["site"].Format != "" {
		t.Errorf("unsupported format kept: %q", params.Properties["site"].Format)
	}
	if len(params.Required) != 1 || params.Required[0] != "q" {
		t.Errorf("Required = %v", params.Required)
	}
}

func TestToOpenAITools(t *testing.T) {
	tools := ToOpenAITools(schemas())
	if len(tools) != 2 {
		t.Fatalf("len = %d, want 2", len(tools))
	}
	if tools[1].Function.Name != "broken" {
		t.Errorf("Name = %q", tools[1].Function.Name)
	}
	params, ok := tools[1].Function.Parameters.(map[string]any)
	if !ok || params["type"] != "object" {
		t.Errorf("fallback parameters = %#v", tools[1].Function.Parameters)
	}
}

func TestToAnthropicTools(t *testing.T) {
	if _, err := ToAnthropicTools(schemas()); err == nil {
		t.Error("expected error for invalid schema")
	}
	tools, err := ToAnthropicTools(schemas()[:1])
	if err != nil {
		t.Fatalf("ToAnthropicTools() error = %v", err)
	}
	if len(tools) != 1 || tools[0].OfTool == nil || tools[0].OfTool.Name != "search" {
		t.Errorf("tools = %#v", tools)
	}
}
