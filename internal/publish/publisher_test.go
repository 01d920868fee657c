package publish

import (
	"context"
	"testing"

	"github.com/tenexlabs/tenex/internal/agent"
	"github.com/tenexlabs/tenex/pkg/nostr"
)

type captureRelay struct {
	events []*nostr.Event
}

func (c *captureRelay) Publish(ctx context.Context, ev *nostr.Event) error {
	c.events = append(c.events, ev)
	return nil
}

func newPublisher(t *testing.T) (*Publisher, *captureRelay) {
	t.Helper()
	a, err := agent.New("pm")
	if err != nil {
		t.Fatal(err)
	}
	relay := &captureRelay{}
	p, err := New(relay, a)
	if err != nil {
		t.Fatal(err)
	}
	return p, relay
}

func TestReplyTagsAndSignature(t *testing.T) {
	p, relay := newPublisher(t)

	ev, err := p.Reply(context.Background(), "root1", "parent1", "hello", []string{"pk-dev"})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if len(relay.events) != 1 || relay.events[0] != ev {
		t.Fatal("event not published")
	}
	if ev.Kind != nostr.KindGenericReply {
		t.Errorf("kind = %d", ev.Kind)
	}
	if ev.RootEventID() != "root1" || ev.ReplyEventID() != "parent1" {
		t.Errorf("tags = %+v", ev.Tags)
	}
	if ev.TagValue("p") != "pk-dev" {
		t.Errorf("mention tag missing: %+v", ev.Tags)
	}
	if ok, err := ev.Verify(); err != nil || !ok {
		t.Errorf("signature invalid: %v", err)
	}
	if ev.PubKey != p.Agent().PubKey {
		t.Error("signed by wrong key")
	}
}

func TestReplyToRootHasNoParentTag(t *testing.T) {
	p, _ := newPublisher(t)

	ev, err := p.Reply(context.Background(), "root1", "root1", "hi", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := len(ev.TagValues("e")); got != 1 {
		t.Errorf("e tags = %d, want 1", got)
	}
}

func TestDelegationTasksFanOut(t *testing.T) {
	p, relay := newPublisher(t)

	taskIDs, err := p.DelegationTasks(context.Background(), "root1", "summarize", "PLAN", []string{"pk-a", "pk-b"})
	if err != nil {
		t.Fatalf("DelegationTasks: %v", err)
	}
	if len(taskIDs) != 2 || len(relay.events) != 2 {
		t.Fatalf("taskIDs = %v, published = %d", taskIDs, len(relay.events))
	}

	for _, ev := range relay.events {
		if ev.Kind != nostr.KindDelegationTask {
			t.Errorf("kind = %d", ev.Kind)
		}
		recipient := ev.TagValue("p")
		if taskIDs[recipient] != ev.ID {
			t.Errorf("task id mismatch for %s", recipient)
		}
		if ev.RootEventID() != "root1" || ev.TagValue("t") != "PLAN" {
			t.Errorf("tags = %+v", ev.Tags)
		}
	}
}

func TestDelegationResponse(t *testing.T) {
	p, _ := newPublisher(t)

	ev, err := p.DelegationResponse(context.Background(), "task1", "pk-delegator", "done")
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind != nostr.KindDelegationResponse {
		t.Errorf("kind = %d", ev.Kind)
	}
	if ev.TagValue("e") != "task1" || ev.TagValue("p") != "pk-delegator" {
		t.Errorf("tags = %+v", ev.Tags)
	}
}

func TestEphemeralFrames(t *testing.T) {
	p, relay := newPublisher(t)
	ctx := context.Background()

	if err := p.StreamingFrame(ctx, "root1", "partial tex"); err != nil {
		t.Fatal(err)
	}
	if err := p.Typing(ctx, "root1", true); err != nil {
		t.Fatal(err)
	}
	if err := p.Typing(ctx, "root1", false); err != nil {
		t.Fatal(err)
	}

	kinds := []int{nostr.KindStreamingResponse, nostr.KindTypingIndicator, nostr.KindTypingStop}
	for i, ev := range relay.events {
		if ev.Kind != kinds[i] {
			t.Errorf("event %d kind = %d, want %d", i, ev.Kind, kinds[i])
		}
		if !nostr.IsEphemeralKind(ev.Kind) {
			t.Errorf("kind %d not ephemeral", ev.Kind)
		}
	}
}
