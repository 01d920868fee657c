package executor

import (
	"strings"
	"testing"

	"github.com/tenexlabs/tenex/internal/agent"
	"github.com/tenexlabs/tenex/internal/conversation"
	"github.com/tenexlabs/tenex/pkg/nostr"
)

func builderFixture(t *testing.T) (*MessageBuilder, *conversation.Store, *conversation.Conversation) {
	t.Helper()

	target := &agent.Agent{Slug: "dev", PubKey: "dev-pk"}
	b := &MessageBuilder{
		Target: target,
		SlugOf: func(pubkey string) (string, bool) {
			switch pubkey {
			case "dev-pk":
				return "dev", true
			case "pm-pk":
				return "pm", true
			}
			return "", false
		},
	}

	store := conversation.NewStore(t.TempDir())
	conv := store.Create(&nostr.Event{
		ID: "root", PubKey: "human-pk", Kind: nostr.KindThreadRoot,
		CreatedAt: 100, Content: "Hello team",
	})
	return b, store, conv
}

func appendEv(t *testing.T, store *conversation.Store, convID string, ev *nostr.Event) {
	t.Helper()
	if err := store.AppendEvent(convID, ev); err != nil {
		t.Fatalf("AppendEvent %s: %v", ev.ID, err)
	}
}

func TestBuildRolesAndAttribution(t *testing.T) {
	b, store, conv := builderFixture(t)

	appendEv(t, store, conv.ID, &nostr.Event{
		ID: "e1", PubKey: "pm-pk", Kind: nostr.KindGenericReply,
		CreatedAt: 110, Content: "I will plan this",
	})
	appendEv(t, store, conv.ID, &nostr.Event{
		ID: "e2", PubKey: "dev-pk", Kind: nostr.KindGenericReply,
		CreatedAt: 120, Content: "On it",
	})

	msgs := b.Build("SYSTEM", conv, nil)

	if msgs[0].Role != "system" || msgs[0].Content != "SYSTEM" {
		t.Fatalf("msgs[0] = %+v, want system prompt", msgs[0])
	}
	if msgs[1].Role != "user" || msgs[1].Content != "Hello team" {
		t.Fatalf("human message = %+v", msgs[1])
	}
	if msgs[2].Role != "user" || msgs[2].Content != "[pm]: I will plan this" {
		t.Fatalf("other-agent message = %+v", msgs[2])
	}
	if msgs[3].Role != "assistant" || msgs[3].Content != "On it" {
		t.Fatalf("own message = %+v", msgs[3])
	}
}

func TestBuildTaskAddressing(t *testing.T) {
	b, store, conv := builderFixture(t)

	appendEv(t, store, conv.ID, &nostr.Event{
		ID: "task-dev", PubKey: "pm-pk", Kind: nostr.KindDelegationTask,
		CreatedAt: 110, Content: "write the parser",
		Tags: nostr.Tags{{"e", "root", "", "root"}, {"p", "dev-pk"}},
	})
	appendEv(t, store, conv.ID, &nostr.Event{
		ID: "task-other", PubKey: "pm-pk", Kind: nostr.KindDelegationTask,
		CreatedAt: 120, Content: "write the docs",
		Tags: nostr.Tags{{"e", "root", "", "root"}, {"p", "writer-pk"}},
	})

	msgs := b.Build("SYSTEM", conv, nil)

	if msgs[2].Content != "task from pm: write the parser" {
		t.Fatalf("addressed task = %q", msgs[2].Content)
	}
	// A task for someone else is ordinary agent context.
	if msgs[3].Content != "[pm]: write the docs" {
		t.Fatalf("foreign task = %q", msgs[3].Content)
	}
}

func TestBuildAbsorbsDelegationResponses(t *testing.T) {
	b, store, conv := builderFixture(t)

	for _, ev := range []*nostr.Event{
		{ID: "resp-1", PubKey: "pm-pk", Kind: nostr.KindDelegationResponse,
			CreatedAt: 110, Content: "plan done",
			Tags: nostr.Tags{{"e", "task-1"}, {"p", "dev-pk"}}},
		{ID: "e-mid", PubKey: "human-pk", Kind: nostr.KindGenericReply,
			CreatedAt: 115, Content: "how is it going?"},
		{ID: "resp-2", PubKey: "writer-pk", Kind: nostr.KindDelegationResponse,
			CreatedAt: 120, Content: "docs done",
			Tags: nostr.Tags{{"e", "task-2"}, {"p", "dev-pk"}}},
	} {
		appendEv(t, store, conv.ID, ev)
	}

	msgs := b.Build("SYSTEM", conv, nil)

	// root, mid-message, then exactly one synthesized block.
	if len(msgs) != 4 {
		t.Fatalf("len(msgs) = %d, want 4: %+v", len(msgs), msgs)
	}
	block := msgs[3].Content
	if !strings.Contains(block, "pm:\nplan done") || !strings.Contains(block, "docs done") {
		t.Fatalf("synthesized block = %q", block)
	}
	if strings.Count(block, "done") != 2 {
		t.Fatalf("block should carry both responses once: %q", block)
	}
	// The first responder appears before the second.
	if strings.Index(block, "plan done") > strings.Index(block, "docs done") {
		t.Fatalf("responses out of order: %q", block)
	}
}

func TestBuildAwayBlock(t *testing.T) {
	b, store, conv := builderFixture(t)

	for _, ev := range []*nostr.Event{
		{ID: "seen", PubKey: "human-pk", Kind: nostr.KindGenericReply,
			CreatedAt: 110, Content: "first ask"},
		{ID: "missed-1", PubKey: "pm-pk", Kind: nostr.KindGenericReply,
			CreatedAt: 120, Content: "context one"},
		{ID: "missed-2", PubKey: "human-pk", Kind: nostr.KindGenericReply,
			CreatedAt: 130, Content: "context two"},
		{ID: "trigger", PubKey: "human-pk", Kind: nostr.KindGenericReply,
			CreatedAt: 140, Content: "now answer"},
	} {
		appendEv(t, store, conv.ID, ev)
	}
	store.SetAgentState(conv.ID, "dev", conversation.AgentState{LastSeenEventID: "seen"})

	triggering := &nostr.Event{ID: "trigger"}
	msgs := b.Build("SYSTEM", conv, triggering)

	var away string
	for _, m := range msgs {
		if strings.Contains(m.Content, "While you were away") {
			away = m.Content
		}
	}
	if away == "" {
		t.Fatalf("no away block in %+v", msgs)
	}
	if !strings.Contains(away, "context one") || !strings.Contains(away, "context two") {
		t.Fatalf("away block missing gap events: %q", away)
	}
	// The triggering event itself is rendered normally, not folded.
	last := msgs[len(msgs)-1]
	if last.Content != "now answer" {
		t.Fatalf("triggering message = %q", last.Content)
	}
}

func TestBuildOmitsEphemeralKinds(t *testing.T) {
	b, store, conv := builderFixture(t)

	appendEv(t, store, conv.ID, &nostr.Event{
		ID: "typing", PubKey: "pm-pk", Kind: nostr.KindTypingIndicator, CreatedAt: 110})
	appendEv(t, store, conv.ID, &nostr.Event{
		ID: "frame", PubKey: "pm-pk", Kind: nostr.KindStreamingResponse,
		CreatedAt: 120, Content: "partial tok"})
	appendEv(t, store, conv.ID, &nostr.Event{
		ID: "real", PubKey: "pm-pk", Kind: nostr.KindGenericReply,
		CreatedAt: 130, Content: "final"})

	msgs := b.Build("SYSTEM", conv, nil)
	if len(msgs) != 3 {
		t.Fatalf("len(msgs) = %d, want system+root+reply: %+v", len(msgs), msgs)
	}
	if msgs[2].Content != "[pm]: final" {
		t.Fatalf("msgs[2] = %+v", msgs[2])
	}
}
