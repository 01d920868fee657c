package project

import (
	"fmt"
	"sort"

	"github.com/tenexlabs/tenex/pkg/nostr"
)

// MCPServer describes one MCP server a project exposes to its agents.
type MCPServer struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// Project is the addressable unit owning agents, a conversation set, and a
// subscription scope. Loaded from a project-definition event on the relay.
type Project struct {
	Address     string      `json:"address"` // "31933:<owner>:<dTag>"
	DTag        string      `json:"dTag"`
	OwnerPubkey string      `json:"ownerPubkey"`
	Title       string      `json:"title,omitempty"`
	Agents      []string    `json:"agents"` // agent pubkeys, PM included
	PMPubkey    string      `json:"pmPubkey,omitempty"`
	MCPServers  []MCPServer `json:"mcpServers,omitempty"`
	DefEventID  string      `json:"defEventId"`
}

// ID returns the identifier used for on-disk project state. The d-tag is the
// stable human-chosen name; the owner scopes it.
func (p *Project) ID() string {
	owner := p.OwnerPubkey
	if len(owner) > 8 {
		owner = owner[:8]
	}
	return owner + "-" + p.DTag
}

// HasAgent reports whether pubkey is in the project's agent set.
func (p *Project) HasAgent(pubkey string) bool {
	for _, a := range p.Agents {
		if a == pubkey {
			return true
		}
	}
	return false
}

// Parse reads a project-definition event into a Project. At most one agent
// may carry the "pm" marker.
func Parse(ev *nostr.Event) (*Project, error) {
	if ev.Kind != nostr.KindProjectDef {
		return nil, fmt.Errorf("event %s: kind %d is not a project definition", ev.ID, ev.Kind)
	}
	dTag := ev.TagValue("d")
	if dTag == "" {
		return nil, fmt.Errorf("project definition %s missing d tag", ev.ID)
	}

	p := &Project{
		Address:     ev.Address(),
		DTag:        dTag,
		OwnerPubkey: ev.PubKey,
		Title:       ev.TagValue("title"),
		DefEventID:  ev.ID,
	}

	for _, tag := range ev.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case "agent":
			pubkey := tag[1]
			p.Agents = append(p.Agents, pubkey)
			if hasMarker(tag, "pm") {
				if p.PMPubkey != "" {
					return nil, fmt.Errorf("project %s declares more than one PM", dTag)
				}
				p.PMPubkey = pubkey
			}
		case "mcp":
			srv := MCPServer{Name: tag[1]}
			if len(tag) > 2 {
				srv.Command = tag[2]
			}
			if len(tag) > 3 {
				srv.Args = append(srv.Args, tag[3:]...)
			}
			p.MCPServers = append(p.MCPServers, srv)
		}
	}

	if len(p.Agents) == 0 {
		return nil, fmt.Errorf("project %s declares no agents", dTag)
	}
	return p, nil
}

func hasMarker(tag nostr.Tag, marker string) bool {
	for _, v := range tag[2:] {
		if v == marker {
			return true
		}
	}
	return false
}

// Diff describes what changed between two definitions of the same project.
type Diff struct {
	AddedAgents   []string
	RemovedAgents []string
	PMChanged     bool
	MCPChanged    bool
}

// Empty reports whether nothing relevant changed.
func (d Diff) Empty() bool {
	return len(d.AddedAgents) == 0 && len(d.RemovedAgents) == 0 && !d.PMChanged && !d.MCPChanged
}

// Compare computes the diff from old to new. Used by the project-update
// handler to decide whether subscriptions and MCP bridges need rebuilding.
func Compare(old, updated *Project) Diff {
	var d Diff

	oldSet := make(map[string]struct{}, len(old.Agents))
	for _, a := range old.Agents {
		oldSet[a] = struct{}{}
	}
	newSet := make(map[string]struct{}, len(updated.Agents))
	for _, a := range updated.Agents {
		newSet[a] = struct{}{}
		if _, ok := oldSet[a]; !ok {
			d.AddedAgents = append(d.AddedAgents, a)
		}
	}
	for _, a := range old.Agents {
		if _, ok := newSet[a]; !ok {
			d.RemovedAgents = append(d.RemovedAgents, a)
		}
	}
	sort.Strings(d.AddedAgents)
	sort.Strings(d.RemovedAgents)

	d.PMChanged = old.PMPubkey != updated.PMPubkey
	d.MCPChanged = !mcpEqual(old.MCPServers, updated.MCPServers)
	return d
}

func mcpEqual(a, b []MCPServer) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Command != b[i].Command {
			return false
		}
		if len(a[i].Args) != len(b[i].Args) {
			return false
		}
		for j := range a[i].Args {
			if a[i].Args[j] != b[i].Args[j] {
				return false
			}
		}
	}
	return true
}
