package tools

import (
	"fmt"
	"sort"
	"strings"

	"github.com/iwamot/collmbo/internal/agent"
)

// builtins maps configured names to tool constructors.
var builtins = map[string]func() agent.Tool{
	CurrentTimeName: func() agent.Tool { return NewCurrentTimeTool(nil) },
}

// Names returns the names of the built-in tools, sorted.
func Names() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New returns the built-in tool called name.
func New(name string) (agent.Tool, bool) {
	build, ok := builtins[name]
	if !ok {
		return nil, false
	}
	return build(), true
}

// RegisterNamed registers the built-in tools listed in names. Unknown names
// are reported together; the known ones are still registered.
func RegisterNamed(registry *agent.ToolRegistry, names []string) error {
	var unknown []string
	for _, name := range names {
		tool, ok := New(name)
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		registry.Register(tool)
	}
	if len(unknown) > 0 {
		return fmt.Errorf("unknown local tools: %s (available: %s)",
			strings.Join(unknown, ", "), strings.Join(Names(), ", "))
	}
	return nil
}
