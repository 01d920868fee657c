package tools

import (
	"context"
	"sort"
	"sync"

	"github.com/tenexlabs/tenex/internal/llm"
)

// Tool is one callable capability exposed to an agent's LLM.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// TerminalTool marks tools that conclude the agent's turn. Their result must
// not be followed by further LLM turns in the same invocation.
type TerminalTool interface {
	Tool
	Terminal() bool
}

// CommutativeTool marks tools whose calls in one LLM turn may run in
// parallel (pure reads). Everything else runs sequentially.
type CommutativeTool interface {
	Tool
	Commutative() bool
}

// Registry maps tool names to implementations. Built explicitly at project
// runtime start; no package-init self registration.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// IsTerminal reports whether the named tool concludes an agent turn.
func (r *Registry) IsTerminal(name string) bool {
	t, ok := r.Get(name)
	if !ok {
		return false
	}
	tt, ok := t.(TerminalTool)
	return ok && tt.Terminal()
}

// IsCommutative reports whether calls to the named tool may run in parallel.
func (r *Registry) IsCommutative(name string) bool {
	t, ok := r.Get(name)
	if !ok {
		return false
	}
	ct, ok := t.(CommutativeTool)
	return ok && ct.Commutative()
}

// Subset returns a registry view containing only the named tools that exist.
func (r *Registry) Subset(names []string) *Registry {
	sub := NewRegistry()
	for _, name := range names {
		if t, ok := r.Get(name); ok {
			sub.Register(t)
		}
	}
	return sub
}

// ProviderDefs renders the tool set in the LLM wire shape, sorted by name.
func (r *Registry) ProviderDefs() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		defs = append(defs, llm.ToolDefinition{
			Type: "function",
			Function: llm.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Execute runs the named tool, mapping an unknown name to an error result
// the LLM can see and correct.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) *Result {
	t, ok := r.Get(name)
	if !ok {
		return ErrorResult("unknown tool %q", name)
	}
	return t.Execute(ctx, args)
}
