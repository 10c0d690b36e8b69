package tools

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/stepwise/pkg/inference/engine"
)

var ErrToolNotFound = errors.New("tool not found")

// ToolRegistry manages available tools with thread-safe operations
type ToolRegistry interface {
	RegisterTool(name string, def ToolDefinition) error
	GetTool(name string) (*ToolDefinition, error)
	// ListTools returns the registered tools sorted by name.
	ListTools() []ToolDefinition
	HasTool(name string) bool

	Clone() ToolRegistry
	// Merge returns a new registry with the tools of both; tools of other win.
	Merge(other ToolRegistry) ToolRegistry
}

// InMemoryToolRegistry is a thread-safe in-memory implementation of ToolRegistry
type InMemoryToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]ToolDefinition
}

func NewInMemoryToolRegistry() *InMemoryToolRegistry {
	return &InMemoryToolRegistry{
		tools: make(map[string]ToolDefinition),
	}
}

// NewRegistryFromTools registers each definition under its own name.
func NewRegistryFromTools(defs ...*ToolDefinition) (*InMemoryToolRegistry, error) {
	r := NewInMemoryToolRegistry()
	for _, def := range defs {
		if def == nil {
			continue
		}
		if err := r.RegisterTool(def.Name, *def); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// RegisterTool registers a tool, replacing any previous tool of the same name.
func (r *InMemoryToolRegistry) RegisterTool(name string, def ToolDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		return errors.New("tool name cannot be empty")
	}

	if def.Name != "" && def.Name != name {
		return errors.Errorf("tool definition name (%s) does not match registry name (%s)", def.Name, name)
	}

	def.Name = name
	r.tools[name] = def
	return nil
}

func (r *InMemoryToolRegistry) GetTool(name string) (*ToolDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, exists := r.tools[name]
	if !exists {
		return nil, errors.Wrap(ErrToolNotFound, name)
	}

	toolCopy := tool
	return &toolCopy, nil
}

func (r *InMemoryToolRegistry) ListTools() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	return tools
}

func (r *InMemoryToolRegistry) Clone() ToolRegistry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cloned := NewInMemoryToolRegistry()
	for name, tool := range r.tools {
		cloned.tools[name] = tool
	}

	return cloned
}

// Merge creates a new registry that contains tools from both registries.
// Tools from other take precedence.
func (r *InMemoryToolRegistry) Merge(other ToolRegistry) ToolRegistry {
	merged := r.Clone().(*InMemoryToolRegistry)
	if other == nil {
		return merged
	}
	for _, tool := range other.ListTools() {
		merged.tools[tool.Name] = tool
	}
	return merged
}

func (r *InMemoryToolRegistry) HasTool(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.tools[name]
	return exists
}

// Specs returns the backend-facing tool specs of reg, sorted by name.
func Specs(reg ToolRegistry) []engine.ToolSpec {
	if reg == nil {
		return nil
	}
	defs := reg.ListTools()
	ret := make([]engine.ToolSpec, 0, len(defs))
	for i := range defs {
		ret = append(ret, defs[i].Spec())
	}
	return ret
}

// Names returns the names of the registered tools, sorted.
func Names(reg ToolRegistry) []string {
	if reg == nil {
		return nil
	}
	defs := reg.ListTools()
	ret := make([]string, 0, len(defs))
	for _, d := range defs {
		ret = append(ret, d.Name)
	}
	return ret
}
