package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool parameter limits to prevent resource exhaustion.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// ToolSource contributes tools that are only known at turn time, such as
// the tools of remote MCP servers. Names may depend on the model and the
// set may depend on the user.
type ToolSource interface {
	Tools(ctx context.Context, user, model string) ([]Tool, error)
}

// ToolRegistry holds the statically registered local tools and the dynamic
// tool sources. Each turn works on a ToolSet snapshot so that names stay
// stable across the rounds of one loop run.
type ToolRegistry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	order   []string
	sources []ToolSource
	logger  *slog.Logger
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry(logger *slog.Logger) *ToolRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolRegistry{
		tools:  make(map[string]Tool),
		logger: logger.With("component", "tools"),
	}
}

// Register adds a local tool. A tool with the same name is replaced.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name()]; !exists {
		r.order = append(r.order, tool.Name())
	}
	r.tools[tool.Name()] = tool
}

// AddSource adds a dynamic tool source.
func (r *ToolRegistry) AddSource(source ToolSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, source)
}

// Resolve returns a local tool by name.
func (r *ToolRegistry) Resolve(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, &UnknownToolError{Name: name}
	}
	return tool, nil
}

// Names returns the local tool names in registration order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Snapshot assembles the tools available to user for one turn with model.
// A failing source is logged and skipped; the turn proceeds without it.
func (r *ToolRegistry) Snapshot(ctx context.Context, user, model string) *ToolSet {
	r.mu.RLock()
	local := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		local = append(local, r.tools[name])
	}
	sources := append([]ToolSource(nil), r.sources...)
	r.mu.RUnlock()

	set := newToolSet()
	for _, tool := range local {
		set.add(tool)
	}
	for _, source := range sources {
		tools, err := source.Tools(ctx, user, model)
		if err != nil {
			r.logger.WarnContext(ctx, "tool source unavailable", "error", err)
		}
		for _, tool := range tools {
			set.add(tool)
		}
	}
	return set
}

// Schemas returns the definitions offered to model when no user-scoped
// tools apply.
func (r *ToolRegistry) Schemas(ctx context.Context, model string) []ToolSchema {
	return r.Snapshot(ctx, "", model).Schemas()
}

// ToolSet is an immutable view of the tools of one turn.
type ToolSet struct {
	tools  []Tool
	byName map[string]Tool
}

func newToolSet() *ToolSet {
	return &ToolSet{byName: make(map[string]Tool)}
}

// NewToolSet builds a set from tools; later duplicates are ignored.
func NewToolSet(tools ...Tool) *ToolSet {
	set := newToolSet()
	for _, tool := range tools {
		set.add(tool)
	}
	return set
}

func (s *ToolSet) add(tool Tool) {
	if tool == nil || len(tool.Name()) > MaxToolNameLength {
		return
	}
	if _, exists := s.byName[tool.Name()]; exists {
		return
	}
	s.byName[tool.Name()] = tool
	s.tools = append(s.tools, tool)
}

// Len returns the number of tools.
func (s *ToolSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.tools)
}

// Resolve returns the tool called name.
func (s *ToolSet) Resolve(name string) (Tool, error) {
	if s != nil {
		if tool, ok := s.byName[name]; ok {
			return tool, nil
		}
	}
	return nil, &UnknownToolError{Name: name}
}

// Schemas returns the definitions in a stable order.
func (s *ToolSet) Schemas() []ToolSchema {
	if s == nil {
		return nil
	}
	schemas := make([]ToolSchema, 0, len(s.tools))
	for _, tool := range s.tools {
		params := tool.Schema()
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		schemas = append(schemas, ToolSchema{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  params,
		})
	}
	return schemas
}

// ValidateInput checks params against the tool's schema.
func ValidateInput(tool Tool, params json.RawMessage) error {
	if len(params) > MaxToolParamsSize {
		return fmt.Errorf("%w: parameters exceed %d bytes", ErrInvalidToolInput, MaxToolParamsSize)
	}
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToolInput, err)
	}

	raw := tool.Schema()
	if len(raw) == 0 {
		return nil
	}
	schema, err := compileSchema(raw)
	if err != nil {
		// An uncompilable schema is the tool's problem, not the caller's.
		return nil
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToolInput, err)
	}
	return nil
}

var schemaCache sync.Map

func compileSchema(schema []byte) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
