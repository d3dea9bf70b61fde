package mcp

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/iwamot/collmbo/internal/agent/toolconv"
)

// Tool name separators. Gemini rejects "-" in function names.
const (
	nameSeparator       = "-"
	geminiNameSeparator = "."
)

var authAbbreviations = map[string]string{
	AuthNone:           "n",
	AuthUserFederation: "u",
}

func isGemini(model string) bool {
	return strings.HasPrefix(model, "gemini/")
}

// ToolName builds the name a remote tool is offered under:
// "{n|u}-{server index}-{tool}", with "." separators for Gemini models.
func ToolName(specName, authType string, serverIndex int, model string) string {
	abbrev, ok := authAbbreviations[authType]
	if !ok {
		abbrev = authType
	}
	sep := nameSeparator
	if isGemini(model) {
		sep = geminiNameSeparator
	}
	return strings.Join([]string{abbrev, strconv.Itoa(serverIndex), specName}, sep)
}

// ParseToolName splits a name built by ToolName. The dot form is tried
// first; the tool name is everything after the server index.
func ParseToolName(name string) (specName, authType string, serverIndex int, ok bool) {
	for _, sep := range []string{geminiNameSeparator, nameSeparator} {
		parts := strings.SplitN(name, sep, 3)
		if len(parts) < 3 || parts[2] == "" {
			continue
		}
		authType = ""
		for full, abbrev := range authAbbreviations {
			if abbrev == parts[0] {
				authType = full
			}
		}
		if authType == "" {
			continue
		}
		index, err := strconv.Atoi(parts[1])
		if err != nil || index < 0 {
			continue
		}
		return parts[2], authType, index, true
	}
	return "", "", -1, false
}

// AdaptSchema returns the input schema as offered to model. For Gemini,
// property formats it does not understand are removed.
func AdaptSchema(schema json.RawMessage, model string) json.RawMessage {
	if len(schema) == 0 {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	if !isGemini(model) {
		return schema
	}
	var doc map[string]any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return schema
	}
	props, _ := doc["properties"].(map[string]any)
	changed := false
	for _, raw := range props {
		prop, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if format, ok := prop["format"].(string); ok && !toolconv.GeminiFormats[format] {
			delete(prop, "format")
			changed = true
		}
	}
	if !changed {
		return schema
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return schema
	}
	return out
}
