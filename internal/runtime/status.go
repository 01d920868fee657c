package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/tenexlabs/tenex/internal/agent"
	"github.com/tenexlabs/tenex/internal/executor"
	"github.com/tenexlabs/tenex/internal/project"
	"github.com/tenexlabs/tenex/internal/publish"
	"github.com/tenexlabs/tenex/internal/tools"
	"github.com/tenexlabs/tenex/pkg/nostr"
)

const defaultStatusInterval = 30 * time.Second

// StatusPublisher emits the project heartbeat: an ephemeral status event
// enumerating agents, models, and tools, signed by the PM. It also publishes
// operations-status events whenever the in-flight operation set changes.
type StatusPublisher struct {
	Project  *ProjectRef
	Agents   *agent.Store
	Pub      *publish.Publisher // carries the PM key
	Interval time.Duration

	// LLMSlug resolves an agent's llmConfig reference to the effective
	// config slug (applying the default fallback).
	LLMSlug func(configRef string) string
}

// Run publishes one status immediately and then on every tick until the
// context ends.
func (s *StatusPublisher) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = defaultStatusInterval
	}

	s.publish(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publish(ctx)
		}
	}
}

func (s *StatusPublisher) publish(ctx context.Context) {
	proj := s.Project.Load()
	ev := s.buildStatus(proj)
	if err := s.Pub.Raw(ctx, ev); err != nil {
		slog.Debug("status publish failed", "project", proj.ID(), "error", err)
	}
}

func (s *StatusPublisher) buildStatus(proj *project.Project) *nostr.Event {
	tags := nostr.Tags{
		{"a", proj.Address},
		{"p", proj.OwnerPubkey},
	}

	agents := s.projectAgents(proj)
	modelAgents := make(map[string][]string)
	toolAgents := make(map[string][]string)

	for _, a := range agents {
		tag := nostr.Tag{"agent", a.PubKey, a.Slug}
		if a.PubKey == proj.PMPubkey {
			tag = append(tag, "pm")
		}
		tags = append(tags, tag)

		slug := a.LLMConfig
		if s.LLMSlug != nil {
			slug = s.LLMSlug(a.LLMConfig)
		}
		modelAgents[slug] = append(modelAgents[slug], a.Slug)

		for _, name := range a.Tools {
			if tools.SystemToolNames[name] {
				continue
			}
			toolAgents[name] = append(toolAgents[name], a.Slug)
		}
	}

	for _, slug := range sortedKeys(modelAgents) {
		tags = append(tags, append(nostr.Tag{"model", slug}, modelAgents[slug]...))
	}
	for _, name := range sortedKeys(toolAgents) {
		tags = append(tags, append(nostr.Tag{"tool", name}, toolAgents[name]...))
	}

	return &nostr.Event{Kind: nostr.KindStatus, Tags: tags}
}

// PublishOperations emits an operations-status event carrying the current
// in-flight snapshot. Wired to Operations.SetOnChange.
func (s *StatusPublisher) PublishOperations(ctx context.Context, ops []executor.OperationInfo) {
	content, err := json.Marshal(ops)
	if err != nil {
		return
	}

	proj := s.Project.Load()
	tags := nostr.Tags{{"a", proj.Address}}
	for _, op := range ops {
		tags = append(tags, nostr.Tag{"op", op.ID, op.AgentSlug, op.ConversationID})
	}

	ev := &nostr.Event{Kind: nostr.KindOperationsStatus, Tags: tags, Content: string(content)}
	if err := s.Pub.Raw(ctx, ev); err != nil {
		slog.Debug("operations status publish failed", "project", proj.ID(), "error", err)
	}
}

// projectAgents returns the stored agents belonging to the project, sorted
// by slug.
func (s *StatusPublisher) projectAgents(proj *project.Project) []*agent.Agent {
	var out []*agent.Agent
	for _, a := range s.Agents.All() {
		if proj.HasAgent(a.PubKey) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
