package executor

import (
	"fmt"
	"strings"

	"github.com/tenexlabs/tenex/internal/agent"
	"github.com/tenexlabs/tenex/internal/conversation"
	"github.com/tenexlabs/tenex/internal/llm"
	"github.com/tenexlabs/tenex/pkg/nostr"
)

// SlugResolver maps a pubkey to an agent slug. ok is false for humans.
type SlugResolver func(pubkey string) (slug string, ok bool)

// MessageBuilder converts a conversation's event history into the ordered,
// role-attributed message list for one target agent. Output preserves
// history order; nothing is reordered by role.
type MessageBuilder struct {
	Target     *agent.Agent
	SlugOf     SlugResolver
	Compressor *Compressor // nil disables history compression
}

// Build produces the LLM messages for the target agent: the compiled system
// prompt first, then the attributed history.
func (b *MessageBuilder) Build(systemPrompt string, conv *conversation.Conversation, triggering *nostr.Event) []llm.Message {
	msgs := []llm.Message{{Role: "system", Content: systemPrompt}}

	history := conv.HistorySnapshot()
	state := conv.AgentStateSnapshot(b.Target.Slug)
	awayStart, awayEnd := b.awayRange(history, state.LastSeenEventID, triggering)

	// Delegation responses addressed to the target are absorbed into one
	// synthesized block at the position of the last response.
	absorbed, lastAbsorbedIdx := b.absorbedResponses(history)

	var away []*nostr.Event
	for i, ev := range history {
		if nostr.IsIgnoredKind(ev.Kind) || ev.Kind == nostr.KindStreamingResponse {
			continue
		}

		if i == lastAbsorbedIdx {
			msgs = append(msgs, llm.Message{Role: "user", Content: b.synthesizeResponses(absorbed)})
			continue
		}
		if _, isAbsorbed := absorbed[ev.ID]; isAbsorbed {
			continue
		}

		if awayStart <= i && i < awayEnd {
			away = append(away, ev)
			if i == awayEnd-1 {
				msgs = append(msgs, llm.Message{Role: "user", Content: b.synthesizeAway(away)})
			}
			continue
		}

		if msg, ok := b.render(ev); ok {
			msgs = append(msgs, msg)
		}
	}

	if b.Compressor != nil {
		msgs = b.Compressor.Compress(msgs)
	}
	return msgs
}

// render maps one event to a message for the target agent.
func (b *MessageBuilder) render(ev *nostr.Event) (llm.Message, bool) {
	switch {
	case ev.PubKey == b.Target.PubKey:
		if strings.TrimSpace(ev.Content) == "" {
			return llm.Message{}, false
		}
		return llm.Message{Role: "assistant", Content: ev.Content}, true

	case ev.Kind == nostr.KindDelegationTask:
		// Tasks addressed to others are context like any other agent event;
		// tasks addressed to the target are the assignment itself.
		if ev.TagValue("p") == b.Target.PubKey {
			delegator := b.attribution(ev.PubKey)
			return llm.Message{
				Role:    "user",
				Content: fmt.Sprintf("task from %s: %s", delegator, ev.Content),
			}, true
		}
		fallthrough

	default:
		if strings.TrimSpace(ev.Content) == "" {
			return llm.Message{}, false
		}
		if slug, ok := b.SlugOf(ev.PubKey); ok {
			return llm.Message{Role: "user", Content: fmt.Sprintf("[%s]: %s", slug, ev.Content)}, true
		}
		return llm.Message{Role: "user", Content: ev.Content}, true
	}
}

// absorbedResponses finds delegation responses whose delegator is the target
// and the history index where their synthesized block belongs.
func (b *MessageBuilder) absorbedResponses(history []*nostr.Event) (map[string]*nostr.Event, int) {
	absorbed := make(map[string]*nostr.Event)
	last := -1
	for i, ev := range history {
		if ev.Kind != nostr.KindDelegationResponse {
			continue
		}
		if ev.TagValue("p") != b.Target.PubKey {
			continue
		}
		absorbed[ev.ID] = ev
		last = i
	}
	if len(absorbed) == 0 {
		return nil, -1
	}
	return absorbed, last
}

func (b *MessageBuilder) synthesizeResponses(absorbed map[string]*nostr.Event) string {
	// Order by (created_at, id) like the history they came from.
	ordered := make([]*nostr.Event, 0, len(absorbed))
	for _, ev := range absorbed {
		ordered = append(ordered, ev)
	}
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].Less(ordered[j-1]); j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}

	var sb strings.Builder
	sb.WriteString("Your delegated tasks have completed. Responses:")
	for _, ev := range ordered {
		fmt.Fprintf(&sb, "\n\n%s:\n%s", b.attribution(ev.PubKey), ev.Content)
	}
	return sb.String()
}

// awayRange finds the half-open history index range between the target's
// last seen event and the triggering event. Returns (0, 0) when there is no
// gap to summarize.
func (b *MessageBuilder) awayRange(history []*nostr.Event, lastSeenID string, triggering *nostr.Event) (int, int) {
	if lastSeenID == "" || triggering == nil {
		return 0, 0
	}
	lastSeen, trigger := -1, -1
	for i, ev := range history {
		if ev.ID == lastSeenID {
			lastSeen = i
		}
		if ev.ID == triggering.ID {
			trigger = i
		}
	}
	if lastSeen < 0 || trigger <= lastSeen+1 {
		return 0, 0
	}
	return lastSeen + 1, trigger
}

func (b *MessageBuilder) synthesizeAway(events []*nostr.Event) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "While you were away, %d message(s) arrived:", len(events))
	for _, ev := range events {
		content := ev.Content
		if len(content) > 400 {
			content = content[:400] + "…"
		}
		fmt.Fprintf(&sb, "\n- %s: %s", b.attribution(ev.PubKey), content)
	}
	return sb.String()
}

func (b *MessageBuilder) attribution(pubkey string) string {
	if slug, ok := b.SlugOf(pubkey); ok {
		return slug
	}
	if len(pubkey) > 8 {
		return pubkey[:8]
	}
	return pubkey
}
