package tool

import (
	"sort"
	"sync"

	"github.com/cloudwego/eino/schema"

	"github.com/agentd-ai/agentd/internal/logging"
)

// BuiltinNames is the set of tool names shipped with agentd.
var BuiltinNames = map[string]bool{
	"read":     true,
	"write":    true,
	"edit":     true,
	"bash":     true,
	"grep":     true,
	"find":     true,
	"ls":       true,
	"webfetch": true,
}

// Registry manages tool registration and lookup.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	order   []string
	workDir string

	// OnOverride is invoked when a registration replaces a built-in name.
	// The host wires it to the UI warning channel.
	OnOverride func(name string)
}

// NewRegistry creates a new tool registry.
func NewRegistry(workDir string) *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		workDir: workDir,
	}
}

// WorkDir returns the registry's working directory.
func (r *Registry) WorkDir() string { return r.workDir }

// Register adds a tool. Overriding a built-in name emits a warning.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := t.ID()
	if existing, ok := r.tools[id]; ok && BuiltinNames[id] && existing != t {
		logging.Warn().Str("tool", id).Msg("extension overrides built-in tool")
		if r.OnOverride != nil {
			r.OnOverride(id)
		}
	}
	if _, ok := r.tools[id]; !ok {
		r.order = append(r.order, id)
	}
	r.tools[id] = t
}

// Get retrieves a tool by ID.
func (r *Registry) Get(id string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[id]
	return t, ok
}

// List returns all registered tools in registration order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tools[id])
	}
	return out
}

// IDs returns all tool IDs, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.tools))
	for id := range r.tools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ToolInfos returns the Eino tool infos for all tools. The scheduler calls
// this once per turn so the schema snapshot is stable while streaming.
func (r *Registry) ToolInfos() []*schema.ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]*schema.ToolInfo, 0, len(r.order))
	for _, id := range r.order {
		infos = append(infos, Info(r.tools[id]))
	}
	return infos
}

// DefaultRegistry creates a registry with all built-in tools.
func DefaultRegistry(workDir string) *Registry {
	r := NewRegistry(workDir)
	r.Register(NewReadTool(workDir))
	r.Register(NewWriteTool(workDir))
	r.Register(NewEditTool(workDir))
	r.Register(NewBashTool(workDir))
	r.Register(NewGrepTool(workDir))
	r.Register(NewFindTool(workDir))
	r.Register(NewLsTool(workDir))
	r.Register(NewWebFetchTool())
	return r
}
