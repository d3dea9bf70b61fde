package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/iwamot/collmbo/internal/agent"
)

// CurrentTimeName is the configured name of CurrentTimeTool.
const CurrentTimeName = "get_current_time"

type currentTimeParams struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA time zone name such as Asia/Tokyo. Defaults to UTC."`
}

// CurrentTimeTool reports the current date and time.
type CurrentTimeTool struct {
	now    func() time.Time
	schema json.RawMessage
}

// NewCurrentTimeTool creates the tool. A nil now uses time.Now.
func NewCurrentTimeTool(now func() time.Time) *CurrentTimeTool {
	if now == nil {
		now = time.Now
	}
	return &CurrentTimeTool{now: now, schema: ReflectSchema(&currentTimeParams{})}
}

func (t *CurrentTimeTool) Name() string { return CurrentTimeName }

func (t *CurrentTimeTool) Description() string {
	return "Get the current date and time, optionally in a given time zone."
}

func (t *CurrentTimeTool) Schema() json.RawMessage { return t.schema }

func (t *CurrentTimeTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input currentTimeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &input); err != nil {
			return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
		}
	}

	name := strings.TrimSpace(input.Timezone)
	if name == "" {
		name = "UTC"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return toolError(fmt.Sprintf("unknown time zone %q", name)), nil
	}

	now := t.now().In(loc)
	payload, err := json.Marshal(map[string]string{
		"time":     now.Format(time.RFC3339),
		"timezone": loc.String(),
		"weekday":  now.Weekday().String(),
	})
	if err != nil {
		return nil, err
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}
