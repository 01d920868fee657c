package daemon

import (
	"sort"
	"strconv"

	"github.com/tenexlabs/tenex/pkg/nostr"
)

// computeFilters builds the daemon-wide subscription set: one coordinated
// group of filters covering every loaded project, re-issued whenever the
// project or agent set changes.
func (d *Daemon) computeFilters() []nostr.Filter {
	d.mu.RLock()
	var addresses []string
	agentSet := make(map[string]struct{})
	for addr, rt := range d.runtimes {
		addresses = append(addresses, addr)
		for _, pk := range rt.AgentPubkeys() {
			agentSet[pk] = struct{}{}
		}
	}
	d.mu.RUnlock()

	sort.Strings(addresses)
	agents := make([]string, 0, len(agentSet))
	for pk := range agentSet {
		agents = append(agents, pk)
	}
	sort.Strings(agents)

	var whitelist []string
	for pk := range d.whitelist {
		whitelist = append(whitelist, pk)
	}
	sort.Strings(whitelist)

	var filters []nostr.Filter

	// Whitelisted authors: project definitions and direct activity.
	if len(whitelist) > 0 {
		filters = append(filters, nostr.Filter{Authors: whitelist})
	}

	// Anything tagging a loaded project's addressable id.
	if len(addresses) > 0 {
		filters = append(filters, nostr.Filter{Tags: map[string][]string{"a": addresses}})
	}

	if len(agents) > 0 {
		// Events addressed to any loaded agent.
		filters = append(filters, nostr.Filter{Tags: map[string][]string{"p": agents}})
		// Lessons the agents publish for themselves.
		filters = append(filters, nostr.Filter{
			Kinds:   []int{nostr.KindAgentLesson},
			Authors: agents,
		})
	}

	// Replies to spec articles, matched by the kind of the referenced event.
	if len(addresses) > 0 {
		filters = append(filters, nostr.Filter{
			Kinds: []int{nostr.KindSpecReply, nostr.KindGenericReply},
			Tags:  map[string][]string{"K": {strconv.Itoa(nostr.KindSpecArticle)}},
		})
	}

	return filters
}
