package prompt

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Context carries everything a fragment may render from. Fragments are pure
// over this value.
type Context struct {
	AgentSlug    string
	AgentName    string
	Role         string
	Instructions string
	ProjectTitle string
	Phase        string
	ToolNames    []string
	Lessons      []string
	Extra        map[string]string
}

// FragmentFunc renders one system-prompt fragment. An empty return omits the
// fragment entirely.
type FragmentFunc func(Context) string

type fragment struct {
	id       string
	priority int
	seq      int // insertion order, breaks priority ties
	fn       FragmentFunc
}

// Registry composes a system prompt from named fragments. Order is by
// ascending integer priority; equal priorities keep insertion order. The
// registry is built explicitly at project-runtime start, never via package
// init side effects.
type Registry struct {
	mu    sync.Mutex
	frags []fragment
	ids   map[string]struct{}
	seq   int
}

func NewRegistry() *Registry {
	return &Registry{ids: make(map[string]struct{})}
}

// Register adds a fragment. Registering an id twice is an error.
func (r *Registry) Register(id string, priority int, fn FragmentFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.ids[id]; dup {
		return fmt.Errorf("prompt fragment %q already registered", id)
	}
	r.ids[id] = struct{}{}
	r.frags = append(r.frags, fragment{id: id, priority: priority, seq: r.seq, fn: fn})
	r.seq++
	return nil
}

// Compose renders all fragments in priority order and joins the non-empty
// results with blank lines.
func (r *Registry) Compose(ctx Context) string {
	r.mu.Lock()
	ordered := make([]fragment, len(r.frags))
	copy(ordered, r.frags)
	r.mu.Unlock()

	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].priority != ordered[j].priority {
			return ordered[i].priority < ordered[j].priority
		}
		return ordered[i].seq < ordered[j].seq
	})

	var parts []string
	for _, f := range ordered {
		if out := strings.TrimSpace(f.fn(ctx)); out != "" {
			parts = append(parts, out)
		}
	}
	return strings.Join(parts, "\n\n")
}
