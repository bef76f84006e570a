package tools

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/tanglechat/tangle/pkg/engine"
)

var ErrToolNotFound = errors.New("tool not found")

// Registry manages the tools available to a session.
type Registry interface {
	Register(tool *Tool) error
	Get(name string) (*Tool, error)
	List() []*Tool
	Unregister(name string) error

	// Definitions returns the provider-facing declarations, sorted by
	// name so prompt construction is deterministic.
	Definitions() []engine.ToolDefinition
}

// InMemoryRegistry is a thread-safe map-backed Registry.
type InMemoryRegistry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{tools: make(map[string]*Tool)}
}

func (r *InMemoryRegistry) Register(tool *Tool) error {
	if tool == nil || tool.Name == "" {
		return errors.New("tool name cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = tool
	return nil
}

func (r *InMemoryRegistry) Get(name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, errors.Wrap(ErrToolNotFound, name)
	}
	return tool, nil
}

func (r *InMemoryRegistry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *InMemoryRegistry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return errors.Wrap(ErrToolNotFound, name)
	}
	delete(r.tools, name)
	return nil
}

func (r *InMemoryRegistry) Definitions() []engine.ToolDefinition {
	defs := []engine.ToolDefinition{}
	for _, tool := range r.List() {
		defs = append(defs, tool.Definition())
	}
	return defs
}

// Merge returns a new registry containing tools from both; tools in other
// win on name conflicts.
func (r *InMemoryRegistry) Merge(other Registry) *InMemoryRegistry {
	merged := NewInMemoryRegistry()
	for _, tool := range r.List() {
		merged.tools[tool.Name] = tool
	}
	if other != nil {
		for _, tool := range other.List() {
			merged.tools[tool.Name] = tool
		}
	}
	return merged
}

// Count returns the number of registered tools.
func (r *InMemoryRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
