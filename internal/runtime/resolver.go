package runtime

import (
	"github.com/tenexlabs/tenex/internal/agent"
	"github.com/tenexlabs/tenex/internal/project"
	"github.com/tenexlabs/tenex/pkg/nostr"
)

// Resolver decides which agents an inbound conversation event activates.
type Resolver struct {
	Project *project.Project
	Agents  *agent.Store
}

// Resolve returns the target agents for an event: the p-tag mentions that
// belong to the project, or the PM when nothing relevant is mentioned.
//
// An agent never processes its own event unless it holds the delegate tool;
// delegators must see their own completions to follow up.
func (r *Resolver) Resolve(ev *nostr.Event) []*agent.Agent {
	var targets []*agent.Agent
	seen := make(map[string]struct{})

	for _, pk := range ev.TagValues("p") {
		if !r.Project.HasAgent(pk) {
			continue
		}
		if _, dup := seen[pk]; dup {
			continue
		}
		if a, ok := r.Agents.Get(pk); ok {
			targets = append(targets, a)
			seen[pk] = struct{}{}
		}
	}

	if len(targets) == 0 && r.Project.PMPubkey != "" {
		if pm, ok := r.Agents.Get(r.Project.PMPubkey); ok {
			targets = append(targets, pm)
		}
	}

	out := targets[:0]
	for _, a := range targets {
		if a.PubKey == ev.PubKey && !a.CanDelegate() {
			continue
		}
		out = append(out, a)
	}
	return out
}
