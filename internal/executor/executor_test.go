package executor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tenexlabs/tenex/internal/agent"
	"github.com/tenexlabs/tenex/internal/config"
	"github.com/tenexlabs/tenex/internal/conversation"
	"github.com/tenexlabs/tenex/internal/delegation"
	"github.com/tenexlabs/tenex/internal/llm"
	"github.com/tenexlabs/tenex/internal/prompt"
	"github.com/tenexlabs/tenex/internal/publish"
	"github.com/tenexlabs/tenex/internal/tools"
	"github.com/tenexlabs/tenex/pkg/nostr"
)

// scriptedProvider returns canned responses in order. A nil response entry
// blocks until the context is cancelled.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*llm.Response
	chunks    [][]string
	calls     int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(ctx context.Context, req llm.Request, onChunk func(llm.StreamChunk)) (*llm.Response, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.mu.Unlock()

	if idx >= len(p.responses) {
		return &llm.Response{Content: "fallback", FinishReason: "stop"}, nil
	}
	resp := p.responses[idx]
	if resp == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if idx < len(p.chunks) {
		for _, c := range p.chunks[idx] {
			onChunk(llm.StreamChunk{Content: c})
		}
	}
	return resp, nil
}

type captureRelay struct {
	mu     sync.Mutex
	events []*nostr.Event
}

func (r *captureRelay) Publish(_ context.Context, ev *nostr.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *captureRelay) byKind(kind int) []*nostr.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*nostr.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type echoTool struct{}

func (t *echoTool) Name() string        { return "echo" }
func (t *echoTool) Description() string { return "echoes its input" }
func (t *echoTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (t *echoTool) Execute(_ context.Context, args map[string]interface{}) *tools.Result {
	text, _ := args["text"].(string)
	return tools.NewResult("echo: " + text)
}

type fixture struct {
	exec     *Executor
	provider *scriptedProvider
	relay    *captureRelay
	convs    *conversation.Store
	delegs   *delegation.Registry
	worker   *agent.Agent
	root     *nostr.Event
	convID   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ag, err := agent.New("planner")
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	worker, err := agent.New("builder")
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}

	relay := &captureRelay{}
	pub, err := publish.New(relay, ag)
	if err != nil {
		t.Fatalf("publish.New: %v", err)
	}

	convs := conversation.NewStore(t.TempDir())
	root := &nostr.Event{ID: "root-1", PubKey: "deadbeef00", Kind: nostr.KindThreadRoot,
		CreatedAt: 1000, Content: "please plan the release"}
	conv := convs.Create(root)

	reg := tools.NewRegistry()
	reg.Register(tools.NewDelegateTool(func(pubkey string) bool { return pubkey == worker.PubKey }))
	reg.Register(tools.NewCompleteTool())
	reg.Register(tools.NewSwitchPhaseTool(func(p string) bool {
		return conversation.ValidPhase(conversation.Phase(p))
	}))
	reg.Register(&echoTool{})

	provider := &scriptedProvider{}
	delegs := delegation.NewRegistry()
	exec := &Executor{
		Agent:         ag,
		Provider:      provider,
		Model:         config.LLMModelConfig{Model: "test-model", MaxTokens: 512},
		Publisher:     pub,
		Conversations: convs,
		Delegations:   delegs,
		Tools:         reg,
		Prompts:       prompt.DefaultRegistry(),
		Operations:    NewOperations(),
		SlugOf: func(pubkey string) (string, bool) {
			switch pubkey {
			case ag.PubKey:
				return ag.Slug, true
			case worker.PubKey:
				return worker.Slug, true
			}
			return "", false
		},
		ProjectTitle: "release-train",
	}
	return &fixture{exec: exec, provider: provider, relay: relay, convs: convs,
		delegs: delegs, worker: worker, root: root, convID: conv.ID}
}

func (fx *fixture) run(t *testing.T) {
	t.Helper()
	err := fx.exec.Execute(context.Background(), Invocation{ConversationID: fx.convID, Triggering: fx.root})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
}

func TestSimpleReply(t *testing.T) {
	fx := newFixture(t)
	fx.provider.responses = []*llm.Response{{Content: "Here is the plan.", FinishReason: "stop"}}
	fx.provider.chunks = [][]string{{"Here is ", "the plan."}}

	fx.run(t)

	replies := fx.relay.byKind(nostr.KindGenericReply)
	if len(replies) != 1 {
		t.Fatalf("replies = %d, want 1", len(replies))
	}
	if replies[0].Content != "Here is the plan." {
		t.Fatalf("reply content = %q", replies[0].Content)
	}
	if replies[0].TagValue("e") != fx.root.ID {
		t.Fatalf("reply e-tag = %q, want root", replies[0].TagValue("e"))
	}

	// At least one streaming frame made it out before the final reply.
	if frames := fx.relay.byKind(nostr.KindStreamingResponse); len(frames) == 0 {
		t.Fatal("no streaming frames published")
	}

	// Typing on, then off.
	if on := fx.relay.byKind(nostr.KindTypingIndicator); len(on) != 1 {
		t.Fatalf("typing indicators = %d, want 1", len(on))
	}
	if off := fx.relay.byKind(nostr.KindTypingStop); len(off) != 1 {
		t.Fatalf("typing stops = %d, want 1", len(off))
	}

	st, _ := fx.convs.GetAgentState(fx.convID, "planner")
	if st.LastSeenEventID != fx.root.ID {
		t.Fatalf("lastSeenEventId = %q, want %q", st.LastSeenEventID, fx.root.ID)
	}
}

func TestDelegationFanOut(t *testing.T) {
	fx := newFixture(t)
	fx.provider.responses = []*llm.Response{{
		FinishReason: "tool_calls",
		ToolCalls: []llm.ToolCall{{
			ID:   "call-1",
			Name: tools.NameDelegate,
			Arguments: map[string]interface{}{
				"content":    "build the artifact",
				"recipients": []interface{}{fx.worker.PubKey},
			},
		}},
	}}

	fx.run(t)

	tasks := fx.relay.byKind(nostr.KindDelegationTask)
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks))
	}
	if tasks[0].TagValue("p") != fx.worker.PubKey {
		t.Fatalf("task p-tag = %q, want worker", tasks[0].TagValue("p"))
	}

	// No reply: the delegator goes dormant.
	if replies := fx.relay.byKind(nostr.KindGenericReply); len(replies) != 0 {
		t.Fatalf("replies = %d, want 0 after delegation", len(replies))
	}

	st, _ := fx.convs.GetAgentState(fx.convID, "planner")
	if st.PendingDelegation == "" {
		t.Fatal("pendingDelegation not set")
	}
	batch, ok := fx.delegs.Get(st.PendingDelegation)
	if !ok {
		t.Fatal("batch not registered")
	}
	if batch.TaskIDs[fx.worker.PubKey] != tasks[0].ID {
		t.Fatal("batch task id does not match published task")
	}
}

func TestCompletionAnswersDelegationTask(t *testing.T) {
	fx := newFixture(t)
	fx.provider.responses = []*llm.Response{{
		FinishReason: "tool_calls",
		ToolCalls: []llm.ToolCall{{
			ID:        "call-1",
			Name:      tools.NameComplete,
			Arguments: map[string]interface{}{"content": "artifact built"},
		}},
	}}

	task := &nostr.Event{ID: "task-1", PubKey: "delegator-pubkey", Kind: nostr.KindDelegationTask,
		CreatedAt: 1001, Content: "build it",
		Tags: nostr.Tags{{"e", fx.root.ID, "", "root"}, {"p", fx.exec.Agent.PubKey}}}
	if err := fx.convs.AppendEvent(fx.convID, task); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	err := fx.exec.Execute(context.Background(), Invocation{ConversationID: fx.convID, Triggering: task})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	resps := fx.relay.byKind(nostr.KindDelegationResponse)
	if len(resps) != 1 {
		t.Fatalf("delegation responses = %d, want 1", len(resps))
	}
	if resps[0].TagValue("e") != task.ID {
		t.Fatalf("response e-tag = %q, want task id", resps[0].TagValue("e"))
	}
	if resps[0].TagValue("p") != "delegator-pubkey" {
		t.Fatalf("response p-tag = %q, want delegator", resps[0].TagValue("p"))
	}
	if replies := fx.relay.byKind(nostr.KindGenericReply); len(replies) != 0 {
		t.Fatalf("replies = %d, want 0 for delegated completion", len(replies))
	}
}

func TestCompletionClearsToolSession(t *testing.T) {
	fx := newFixture(t)
	fx.provider.responses = []*llm.Response{{
		FinishReason: "tool_calls",
		ToolCalls: []llm.ToolCall{{
			ID:        "call-1",
			Name:      tools.NameComplete,
			Arguments: map[string]interface{}{"content": "done"},
		}},
	}}
	fx.convs.SetAgentState(fx.convID, "planner", conversation.AgentState{ToolSessionID: "sess-9"})

	fx.run(t)

	st, _ := fx.convs.GetAgentState(fx.convID, "planner")
	if st.ToolSessionID != "" {
		t.Fatalf("toolSessionId = %q, want cleared", st.ToolSessionID)
	}
}

func TestToolRoundThenReply(t *testing.T) {
	fx := newFixture(t)
	fx.provider.responses = []*llm.Response{
		{
			FinishReason: "tool_calls",
			ToolCalls: []llm.ToolCall{{
				ID:        "call-1",
				Name:      "echo",
				Arguments: map[string]interface{}{"text": "ping"},
			}},
		},
		{Content: "The echo said ping.", FinishReason: "stop"},
	}

	fx.run(t)

	if fx.provider.calls != 2 {
		t.Fatalf("provider calls = %d, want 2", fx.provider.calls)
	}
	replies := fx.relay.byKind(nostr.KindGenericReply)
	if len(replies) != 1 || replies[0].Content != "The echo said ping." {
		t.Fatalf("replies = %v", replies)
	}
}

func TestCancellationPublishesNotice(t *testing.T) {
	fx := newFixture(t)
	fx.provider.responses = []*llm.Response{nil} // blocks until cancelled

	done := make(chan error, 1)
	go func() {
		done <- fx.exec.Execute(context.Background(), Invocation{ConversationID: fx.convID, Triggering: fx.root})
	}()

	// Wait for the operation to register, then cancel it.
	deadline := time.Now().Add(2 * time.Second)
	for len(fx.exec.Operations.Snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("operation never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := fx.exec.Operations.Cancel(fx.convID, ""); n != 1 {
		t.Fatalf("cancelled %d operations, want 1", n)
	}

	if err := <-done; err != nil {
		t.Fatalf("Execute: %v", err)
	}
	replies := fx.relay.byKind(nostr.KindGenericReply)
	if len(replies) != 1 || !strings.Contains(replies[0].Content, "cancelled") {
		t.Fatalf("cancellation notice missing: %v", replies)
	}
	if len(fx.exec.Operations.Snapshot()) != 0 {
		t.Fatal("operation not deregistered")
	}
}

func TestSupervisorRetriesEmptyResponse(t *testing.T) {
	fx := newFixture(t)
	fx.provider.responses = []*llm.Response{
		{Content: "", FinishReason: "stop"},
		{Content: "second attempt worked", FinishReason: "stop"},
	}

	fx.run(t)

	if fx.provider.calls != 2 {
		t.Fatalf("provider calls = %d, want 2", fx.provider.calls)
	}
	replies := fx.relay.byKind(nostr.KindGenericReply)
	if len(replies) != 1 || replies[0].Content != "second attempt worked" {
		t.Fatalf("replies = %v", replies)
	}
}

func TestSupervisorGivesUpWithStub(t *testing.T) {
	fx := newFixture(t)
	fx.provider.responses = []*llm.Response{
		{Content: "", FinishReason: "stop"},
		{Content: "", FinishReason: "stop"},
		{Content: "", FinishReason: "stop"},
	}

	fx.run(t)

	if fx.provider.calls != supervisorAttempts {
		t.Fatalf("provider calls = %d, want %d", fx.provider.calls, supervisorAttempts)
	}
	replies := fx.relay.byKind(nostr.KindGenericReply)
	if len(replies) != 1 || replies[0].Content != noResponseText {
		t.Fatalf("replies = %v", replies)
	}
}

func TestIterationBoundSynthesizesReply(t *testing.T) {
	fx := newFixture(t)
	fx.exec.MaxIterations = 3
	// Every response keeps calling the echo tool; the loop bound must cut it
	// off and publish the accumulated text.
	for i := 0; i < 20; i++ {
		fx.provider.responses = append(fx.provider.responses, &llm.Response{
			Content:      "still working",
			FinishReason: "tool_calls",
			ToolCalls: []llm.ToolCall{{
				ID:        "call",
				Name:      "echo",
				Arguments: map[string]interface{}{"text": "again"},
			}},
		})
	}

	fx.run(t)

	if fx.provider.calls != 3 {
		t.Fatalf("provider calls = %d, want 3", fx.provider.calls)
	}
	replies := fx.relay.byKind(nostr.KindGenericReply)
	if len(replies) != 1 || replies[0].Content != "still working" {
		t.Fatalf("replies = %v", replies)
	}
}

func TestPhaseSwitch(t *testing.T) {
	fx := newFixture(t)
	fx.provider.responses = []*llm.Response{{
		FinishReason: "tool_calls",
		ToolCalls: []llm.ToolCall{{
			ID:        "call-1",
			Name:      tools.NameSwitchPhase,
			Arguments: map[string]interface{}{"to": "plan", "reason": "requirements gathered"},
		}},
	}}

	fx.run(t)

	conv, _ := fx.convs.Get(fx.convID)
	if got := conv.CurrentPhase(); got != conversation.PhasePlan {
		t.Fatalf("phase = %s, want PLAN", got)
	}
	replies := fx.relay.byKind(nostr.KindGenericReply)
	if len(replies) != 1 || !strings.Contains(replies[0].Content, "PLAN") {
		t.Fatalf("phase notice missing: %v", replies)
	}
}

func TestTerminalToolErrorFeedsBack(t *testing.T) {
	fx := newFixture(t)
	fx.provider.responses = []*llm.Response{
		{
			FinishReason: "tool_calls",
			ToolCalls: []llm.ToolCall{{
				ID:   "call-1",
				Name: tools.NameDelegate,
				// Missing recipients: the tool errors and the loop continues.
				Arguments: map[string]interface{}{"content": "do it"},
			}},
		},
		{Content: "Never mind, here is my answer.", FinishReason: "stop"},
	}

	fx.run(t)

	if tasks := fx.relay.byKind(nostr.KindDelegationTask); len(tasks) != 0 {
		t.Fatalf("tasks = %d, want 0", len(tasks))
	}
	replies := fx.relay.byKind(nostr.KindGenericReply)
	if len(replies) != 1 || replies[0].Content != "Never mind, here is my answer." {
		t.Fatalf("replies = %v", replies)
	}
}
