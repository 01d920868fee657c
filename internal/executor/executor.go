package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/tenexlabs/tenex/internal/agent"
	"github.com/tenexlabs/tenex/internal/config"
	"github.com/tenexlabs/tenex/internal/conversation"
	"github.com/tenexlabs/tenex/internal/delegation"
	"github.com/tenexlabs/tenex/internal/llm"
	"github.com/tenexlabs/tenex/internal/prompt"
	"github.com/tenexlabs/tenex/internal/publish"
	"github.com/tenexlabs/tenex/internal/telemetry"
	"github.com/tenexlabs/tenex/internal/tools"
	"github.com/tenexlabs/tenex/pkg/nostr"
)

const (
	defaultMaxIterations = 10
	supervisorAttempts   = 3
	noResponseText       = "I was unable to produce a response."
	cancelledText        = "Operation cancelled."
	supervisorHint       = "You produced no response; produce a complete reply now."
	// Streaming frames are UI sugar; cap their rate so relays are not
	// flooded by fast providers.
	framesPerSecond = 5
)

// Executor drives one agent's reason-act loop: build messages, stream a
// completion, run tool calls, publish the result. One Executor per
// (agent, project); Execute may run concurrently for different
// conversations.
type Executor struct {
	Agent         *agent.Agent
	Provider      llm.Provider
	Model         config.LLMModelConfig
	Publisher     *publish.Publisher
	Conversations *conversation.Store
	Delegations   *delegation.Registry
	Tools         *tools.Registry
	Prompts       *prompt.Registry
	Operations    *Operations
	SlugOf        SlugResolver
	Compressor    *Compressor
	ProjectTitle  string
	MaxIterations int
}

// Invocation is one trigger for one agent in one conversation.
type Invocation struct {
	ConversationID string
	Triggering     *nostr.Event
}

// Execute runs the full reason-act loop for one invocation. It always
// leaves the user with signal: a reply, a delegation fan-out, or a
// cancellation notice.
func (e *Executor) Execute(ctx context.Context, inv Invocation) error {
	conv, ok := e.Conversations.Get(inv.ConversationID)
	if !ok {
		return fmt.Errorf("execute %s: unknown conversation %s", e.Agent.Slug, inv.ConversationID)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opID := e.Operations.Register(e.Agent.Slug, inv.ConversationID, cancel)
	defer e.Operations.Deregister(opID)

	ctx, span := telemetry.Tracer("executor").Start(ctx, "agent.run",
		trace.WithAttributes(
			attribute.String("agent.slug", e.Agent.Slug),
			attribute.String("conversation.id", inv.ConversationID),
			attribute.String("trigger.id", inv.Triggering.ID),
		))
	defer span.End()

	rootID := conv.RootEventID
	if err := e.Publisher.Typing(ctx, rootID, true); err != nil {
		slog.Debug("typing indicator failed", "agent", e.Agent.Slug, "error", err)
	}
	defer e.Publisher.Typing(context.WithoutCancel(ctx), rootID, false)

	defer e.recordLastSeen(inv)

	var lastText string
	for attempt := 0; attempt < supervisorAttempts; attempt++ {
		msgs := e.buildMessages(conv, inv, attempt)

		done, text, err := e.runLoop(ctx, conv, inv, msgs)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		lastText = text

		slog.Warn("agent produced no response, retrying",
			"agent", e.Agent.Slug, "conversation", inv.ConversationID, "attempt", attempt+1)
	}

	// Supervisor gave up; emit the stub so the user is not left hanging.
	if strings.TrimSpace(lastText) == "" {
		lastText = noResponseText
	}
	_, err := e.Publisher.Reply(ctx, rootID, inv.Triggering.ID, lastText, nil)
	return err
}

func (e *Executor) buildMessages(conv *conversation.Conversation, inv Invocation, attempt int) []llm.Message {
	pctx := prompt.Context{
		AgentSlug:    e.Agent.Slug,
		AgentName:    e.Agent.Name,
		Role:         e.Agent.Role,
		Instructions: e.Agent.Instructions,
		ProjectTitle: e.ProjectTitle,
		Phase:        string(conv.CurrentPhase()),
		ToolNames:    e.Tools.Names(),
		Lessons:      e.Agent.Lessons,
	}
	system := e.Prompts.Compose(pctx)
	if attempt > 0 {
		system += "\n\n" + supervisorHint
	}

	builder := &MessageBuilder{Target: e.Agent, SlugOf: e.SlugOf, Compressor: e.Compressor}
	return builder.Build(system, conv, inv.Triggering)
}

// runLoop is one pass of the bounded reason-act loop. done means the turn
// concluded (reply published, delegation opened, or phase switched); a false
// return with nil error asks the supervisor for another attempt.
func (e *Executor) runLoop(ctx context.Context, conv *conversation.Conversation, inv Invocation, msgs []llm.Message) (done bool, lastText string, err error) {
	maxIter := e.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	rootID := conv.RootEventID

	toolCtx := tools.WithCaller(ctx, e.Agent.PubKey)
	toolCtx = tools.WithConversation(toolCtx, inv.ConversationID)

	limiter := rate.NewLimiter(rate.Limit(framesPerSecond), 1)

	for iter := 0; iter < maxIter; iter++ {
		req := llm.Request{
			Messages:    msgs,
			Tools:       e.Tools.ProviderDefs(),
			Model:       e.Model.Model,
			MaxTokens:   e.Model.MaxTokens,
			Temperature: e.Model.Temperature,
		}

		resp, err := e.Provider.Stream(ctx, req, func(chunk llm.StreamChunk) {
			if chunk.Content == "" || !limiter.Allow() {
				return
			}
			if err := e.Publisher.StreamingFrame(ctx, rootID, chunk.Content); err != nil {
				slog.Debug("streaming frame failed", "agent", e.Agent.Slug, "error", err)
			}
		})
		if err != nil {
			return e.handleStreamFailure(ctx, rootID, inv, resp, err)
		}
		lastText = resp.Content

		// No tool calls and real text: that is the reply.
		if len(resp.ToolCalls) == 0 {
			if strings.TrimSpace(resp.Content) == "" {
				return false, "", nil // supervisor retries
			}
			_, err := e.Publisher.Reply(ctx, rootID, inv.Triggering.ID, resp.Content, nil)
			return true, resp.Content, err
		}

		// A terminal call concludes the turn; it runs exactly once and
		// nothing after it in the same response is executed.
		if tc, ok := e.firstTerminal(resp.ToolCalls); ok {
			result := e.Tools.Execute(toolCtx, tc.Name, tc.Arguments)
			if result.IsError {
				// Give the error back to the LLM and keep looping.
				msgs = appendToolRound(msgs, resp, []toolRound{{call: tc, result: result}})
				continue
			}
			return e.applyTerminal(ctx, conv, inv, tc, result)
		}

		rounds := e.runNonTerminal(toolCtx, resp.ToolCalls)
		msgs = appendToolRound(msgs, resp, rounds)
	}

	// Iteration bound hit without a terminal call.
	if strings.TrimSpace(lastText) == "" {
		return false, "", nil // supervisor retries
	}
	_, err = e.Publisher.Reply(ctx, rootID, inv.Triggering.ID, lastText, nil)
	return true, lastText, err
}

// handleStreamFailure maps provider errors to user-visible signal:
// cancellation publishes a cancelled notice, a mid-stream failure publishes
// whatever partial text exists.
func (e *Executor) handleStreamFailure(ctx context.Context, rootID string, inv Invocation, resp *llm.Response, cause error) (bool, string, error) {
	pubCtx := context.WithoutCancel(ctx)

	if errors.Is(cause, context.Canceled) || ctx.Err() != nil {
		slog.Info("agent run cancelled", "agent", e.Agent.Slug, "conversation", inv.ConversationID)
		_, err := e.Publisher.Reply(pubCtx, rootID, inv.Triggering.ID, cancelledText, nil)
		return true, cancelledText, err
	}

	slog.Error("llm stream failed", "agent", e.Agent.Slug, "error", cause)
	partial := ""
	if resp != nil {
		partial = strings.TrimSpace(resp.Content)
	}
	if partial == "" {
		partial = noResponseText
	}
	_, err := e.Publisher.Reply(pubCtx, rootID, inv.Triggering.ID, partial, nil)
	return true, partial, err
}

func (e *Executor) firstTerminal(calls []llm.ToolCall) (llm.ToolCall, bool) {
	for _, tc := range calls {
		if e.Tools.IsTerminal(tc.Name) {
			return tc, true
		}
	}
	return llm.ToolCall{}, false
}

// applyTerminal turns a terminal tool result into published events and
// state changes.
func (e *Executor) applyTerminal(ctx context.Context, conv *conversation.Conversation, inv Invocation, tc llm.ToolCall, result *tools.Result) (bool, string, error) {
	rootID := conv.RootEventID

	switch {
	case result.Delegation != nil:
		return e.applyDelegation(ctx, conv, inv, result.Delegation)

	case result.Completion != nil:
		content := result.Completion.Content
		if e.isDelegationTrigger(inv) {
			if _, err := e.Publisher.DelegationResponse(ctx, inv.Triggering.ID, inv.Triggering.PubKey, content); err != nil {
				return true, content, err
			}
		} else {
			if _, err := e.Publisher.Reply(ctx, rootID, inv.Triggering.ID, content, nil); err != nil {
				return true, content, err
			}
		}
		// Each delegation task gets a clean external tool session.
		st := conv.AgentStateSnapshot(e.Agent.Slug)
		if st.ToolSessionID != "" {
			st.ToolSessionID = ""
			e.Conversations.SetAgentState(inv.ConversationID, e.Agent.Slug, st)
		}
		return true, content, nil

	case result.PhaseSwitch != nil:
		from := conv.CurrentPhase()
		to := conversation.Phase(result.PhaseSwitch.To)
		err := e.Conversations.UpdatePhase(inv.ConversationID, from, to,
			result.PhaseSwitch.Reason, e.Agent.Slug, inv.Triggering.ID)
		if err != nil {
			return true, "", err
		}
		note := fmt.Sprintf("Phase changed to %s.", to)
		if result.PhaseSwitch.Reason != "" {
			note = fmt.Sprintf("Phase changed to %s: %s", to, result.PhaseSwitch.Reason)
		}
		_, err = e.Publisher.Reply(ctx, rootID, inv.Triggering.ID, note, nil)
		return true, note, err

	default:
		return true, "", fmt.Errorf("terminal tool %s produced no intent", tc.Name)
	}
}

// applyDelegation publishes one task per recipient, registers the batch, and
// puts the delegator to sleep. No reply is published; the delegator stays
// dormant until the batch completes.
func (e *Executor) applyDelegation(ctx context.Context, conv *conversation.Conversation, inv Invocation, intent *tools.DelegationIntent) (bool, string, error) {
	taskIDs, err := e.Publisher.DelegationTasks(ctx, conv.RootEventID, intent.Content,
		string(conv.CurrentPhase()), intent.Recipients)
	if err != nil {
		return true, "", fmt.Errorf("delegate from %s: %w", e.Agent.Slug, err)
	}

	batch := e.Delegations.Register(e.Agent.PubKey, e.Agent.Slug, inv.ConversationID, taskIDs)

	st := conv.AgentStateSnapshot(e.Agent.Slug)
	st.PendingDelegation = batch.ID
	e.Conversations.SetAgentState(inv.ConversationID, e.Agent.Slug, st)

	slog.Info("delegation opened",
		"agent", e.Agent.Slug, "batch", batch.ID, "recipients", len(taskIDs))
	return true, "", nil
}

// isDelegationTrigger reports whether this run answers a delegation task
// addressed to the executing agent.
func (e *Executor) isDelegationTrigger(inv Invocation) bool {
	return inv.Triggering.Kind == nostr.KindDelegationTask &&
		inv.Triggering.TagValue("p") == e.Agent.PubKey
}

type toolRound struct {
	call   llm.ToolCall
	result *tools.Result
}

// runNonTerminal executes plain tool calls, in parallel when every call in
// the round is commutative, sequentially otherwise.
func (e *Executor) runNonTerminal(ctx context.Context, calls []llm.ToolCall) []toolRound {
	rounds := make([]toolRound, len(calls))

	parallel := len(calls) > 1
	for _, tc := range calls {
		if !e.Tools.IsCommutative(tc.Name) {
			parallel = false
			break
		}
	}

	if parallel {
		var wg sync.WaitGroup
		for i, tc := range calls {
			wg.Add(1)
			go func(i int, tc llm.ToolCall) {
				defer wg.Done()
				rounds[i] = toolRound{call: tc, result: e.Tools.Execute(ctx, tc.Name, tc.Arguments)}
			}(i, tc)
		}
		wg.Wait()
		return rounds
	}

	for i, tc := range calls {
		rounds[i] = toolRound{call: tc, result: e.Tools.Execute(ctx, tc.Name, tc.Arguments)}
	}
	return rounds
}

// appendToolRound extends the message list with the assistant's tool calls
// and their tool-role results.
func appendToolRound(msgs []llm.Message, resp *llm.Response, rounds []toolRound) []llm.Message {
	calls := make([]llm.ToolCall, len(rounds))
	for i, r := range rounds {
		calls[i] = r.call
	}
	msgs = append(msgs, llm.Message{Role: "assistant", Content: resp.Content, ToolCalls: calls})
	for _, r := range rounds {
		msgs = append(msgs, llm.Message{Role: "tool", Content: r.result.ForLLM, ToolCallID: r.call.ID})
	}
	return msgs
}

func (e *Executor) recordLastSeen(inv Invocation) {
	st := e.Conversations
	if st == nil {
		return
	}
	state, _ := st.GetAgentState(inv.ConversationID, e.Agent.Slug)
	state.LastSeenEventID = inv.Triggering.ID
	st.SetAgentState(inv.ConversationID, e.Agent.Slug, state)
}
