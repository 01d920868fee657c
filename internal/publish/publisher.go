package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/tenexlabs/tenex/internal/agent"
	"github.com/tenexlabs/tenex/internal/telemetry"
	"github.com/tenexlabs/tenex/pkg/nostr"
)

// Relay is the publishing half of the relay pool.
type Relay interface {
	Publish(ctx context.Context, ev *nostr.Event) error
}

// Publisher constructs, signs, and publishes every outbound event for one
// agent. It is the single owner of the agent's signing key; no other
// component ever sees it.
type Publisher struct {
	relay   Relay
	agent   *agent.Agent
	privKey string
	now     func() int64 // test hook
}

// New decodes the agent's signing key and wraps it in a publisher.
func New(relay Relay, a *agent.Agent) (*Publisher, error) {
	priv, err := a.PrivateKeyHex()
	if err != nil {
		return nil, err
	}
	return &Publisher{
		relay:   relay,
		agent:   a,
		privKey: priv,
		now:     func() int64 { return time.Now().Unix() },
	}, nil
}

// Agent returns the identity this publisher signs as.
func (p *Publisher) Agent() *agent.Agent { return p.agent }

// Reply publishes a generic reply on a conversation. parentID may be empty
// when replying directly to the root; mentions become p-tags.
func (p *Publisher) Reply(ctx context.Context, rootID, parentID, content string, mentions []string) (*nostr.Event, error) {
	tags := nostr.Tags{{"e", rootID, "", "root"}}
	if parentID != "" && parentID != rootID {
		tags = append(tags, nostr.Tag{"e", parentID, "", "reply"})
	}
	for _, pk := range mentions {
		tags = append(tags, nostr.Tag{"p", pk})
	}

	ev := &nostr.Event{Kind: nostr.KindGenericReply, Content: content, Tags: tags}
	return ev, p.send(ctx, ev)
}

// DelegationTasks publishes one delegation-task event per recipient and
// returns recipient → task event id for batch registration.
func (p *Publisher) DelegationTasks(ctx context.Context, rootID, content, phase string, recipients []string) (map[string]string, error) {
	taskIDs := make(map[string]string, len(recipients))
	for _, recipient := range recipients {
		tags := nostr.Tags{
			{"e", rootID, "", "root"},
			{"p", recipient},
		}
		if phase != "" {
			tags = append(tags, nostr.Tag{"t", phase})
		}
		ev := &nostr.Event{Kind: nostr.KindDelegationTask, Content: content, Tags: tags}
		if err := p.send(ctx, ev); err != nil {
			return taskIDs, fmt.Errorf("delegation task for %s: %w", recipient, err)
		}
		taskIDs[recipient] = ev.ID
	}
	return taskIDs, nil
}

// DelegationResponse publishes the completion of a delegation task back to
// its delegator.
func (p *Publisher) DelegationResponse(ctx context.Context, taskID, delegator, content string) (*nostr.Event, error) {
	ev := &nostr.Event{
		Kind:    nostr.KindDelegationResponse,
		Content: content,
		Tags: nostr.Tags{
			{"e", taskID},
			{"p", delegator},
		},
	}
	return ev, p.send(ctx, ev)
}

// StreamingFrame publishes one ephemeral chunk of an in-progress reply.
// Frames are UI-only and never enter conversation history.
func (p *Publisher) StreamingFrame(ctx context.Context, rootID, content string) error {
	ev := &nostr.Event{
		Kind:    nostr.KindStreamingResponse,
		Content: content,
		Tags:    nostr.Tags{{"e", rootID, "", "root"}},
	}
	return p.send(ctx, ev)
}

// Typing publishes a typing-indicator (or typing-stop) frame for a
// conversation.
func (p *Publisher) Typing(ctx context.Context, rootID string, active bool) error {
	kind := nostr.KindTypingIndicator
	if !active {
		kind = nostr.KindTypingStop
	}
	ev := &nostr.Event{
		Kind: kind,
		Tags: nostr.Tags{{"e", rootID, "", "root"}},
	}
	return p.send(ctx, ev)
}

// Raw signs and publishes a caller-built event. Used for status snapshots
// whose tag layout the status publisher owns.
func (p *Publisher) Raw(ctx context.Context, ev *nostr.Event) error {
	return p.send(ctx, ev)
}

func (p *Publisher) send(ctx context.Context, ev *nostr.Event) error {
	ev.PubKey = p.agent.PubKey
	if ev.CreatedAt == 0 {
		ev.CreatedAt = p.now()
	}
	if tp := telemetry.Traceparent(ctx); tp != "" {
		ev.Tags = append(ev.Tags, nostr.Tag{"trace_context", tp})
	}

	if err := ev.Sign(p.privKey); err != nil {
		return fmt.Errorf("sign as %s: %w", p.agent.Slug, err)
	}
	if err := p.relay.Publish(ctx, ev); err != nil {
		return fmt.Errorf("publish %s (kind %d): %w", ev.ID, ev.Kind, err)
	}
	return nil
}
