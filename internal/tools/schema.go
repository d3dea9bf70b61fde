// Package tools holds the built-in local tools and the table that maps
// configured tool names to them.
package tools

import (
	"encoding/json"

	"github.com/invopop/jsonschema"

	"github.com/iwamot/collmbo/internal/agent"
)

var reflector = &jsonschema.Reflector{
	Anonymous:      true,
	DoNotReference: true,
	ExpandedStruct: true,
}

// ReflectSchema returns the JSON Schema of the parameter struct v.
func ReflectSchema(v any) json.RawMessage {
	schema := reflector.Reflect(v)
	// Models reject the meta-schema keyword in function parameters.
	schema.Version = ""
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return payload
}

func toolError(msg string) *agent.ToolResult {
	return &agent.ToolResult{Content: msg, IsError: true, Reason: "invalid_input"}
}
