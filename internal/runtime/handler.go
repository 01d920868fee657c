package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/tenexlabs/tenex/internal/agent"
	"github.com/tenexlabs/tenex/internal/conversation"
	"github.com/tenexlabs/tenex/internal/delegation"
	"github.com/tenexlabs/tenex/internal/events"
	"github.com/tenexlabs/tenex/internal/executor"
	"github.com/tenexlabs/tenex/internal/project"
	"github.com/tenexlabs/tenex/pkg/nostr"
)

const (
	orphanFetchTimeout = 10 * time.Second
	orphanFetchDepth   = 100
)

// Fetcher pulls stored events from the relays, used to recover the ancestry
// of orphaned replies. The relay pool implements it.
type Fetcher interface {
	Fetch(ctx context.Context, filter nostr.Filter, timeout time.Duration) []*nostr.Event
}

// DispatchFunc hands a triggering event to one agent's executor. The handler
// never blocks on it; implementations run the executor on their own
// goroutine.
type DispatchFunc func(ctx context.Context, target *agent.Agent, conversationID string, triggering *nostr.Event)

// Handler is the per-project per-event pipeline: ignore, dedup, delegation
// fan-in, conversation resolution, append, kind dispatch.
type Handler struct {
	Project   *ProjectRef
	Agents    *agent.Store
	Convs     *conversation.Store
	Delegs    *delegation.Registry
	Processed *events.ProcessedCache
	Fetch     Fetcher // nil disables orphan-thread recovery
	Guard     *ReplyGuard
	Ops       *executor.Operations
	Dispatch  DispatchFunc

	// OnProjectUpdate fires when a changed project definition arrives.
	OnProjectUpdate func(updated *project.Project, diff project.Diff)
}

// Handle processes one inbound event. All paths are idempotent on event id.
func (h *Handler) Handle(ctx context.Context, ev *nostr.Event) {
	if nostr.IsIgnoredKind(ev.Kind) {
		return
	}

	proj := h.Project.Load()
	projectID := proj.ID()
	if h.Processed.Seen(projectID, ev.ID) {
		return
	}
	h.Processed.MarkProcessed(projectID, ev.ID)

	// Events that mutate project or agent state never enter a conversation.
	switch ev.Kind {
	case nostr.KindProjectDef:
		h.handleProjectUpdate(ev)
		return
	case nostr.KindAgentConfigUpdate:
		if err := h.Agents.ApplyConfigUpdate(ev); err != nil {
			slog.Warn("agent config update rejected", "event", ev.ID, "error", err)
		}
		return
	case nostr.KindAgentLesson:
		if err := h.Agents.AddLesson(ev.PubKey, ev.Content); err != nil {
			slog.Debug("lesson ignored", "event", ev.ID, "error", err)
		}
		return
	}

	if h.Delegs.IsTaskResponse(ev) {
		h.handleDelegationResponse(ctx, ev)
		return
	}

	conv := h.resolveConversation(ctx, ev)
	if conv == nil {
		return
	}
	if err := h.Convs.AppendEvent(conv.ID, ev); err != nil {
		slog.Warn("history append failed", "conversation", conv.ID, "event", ev.ID, "error", err)
		return
	}

	switch ev.Kind {
	case nostr.KindMetadataReply:
		title := ev.TagValue("title")
		if title == "" {
			title = ev.Content
		}
		if title != "" {
			h.Convs.SetMetadata(conv.ID, "title", title)
		}

	case nostr.KindStopRequest:
		h.handleStopRequest(conv.ID, ev)

	case nostr.KindDelegationTask:
		// A task activates exactly its p-tagged recipient.
		recipient, ok := h.Agents.Get(ev.TagValue("p"))
		if !ok || !proj.HasAgent(recipient.PubKey) {
			return
		}
		h.dispatchTo(ctx, recipient, conv.ID, ev)

	default:
		resolver := &Resolver{Project: proj, Agents: h.Agents}
		for _, target := range resolver.Resolve(ev) {
			h.dispatchTo(ctx, target, conv.ID, ev)
		}
	}
}

// handleStopRequest cancels in-flight LLM calls and every open delegation
// batch in the conversation. An op-tag narrows cancellation to one operation;
// otherwise the p-tagged agent (or the whole conversation) is targeted.
// Cancelled batches ignore late responses and never re-activate their
// delegator, whose pending marker is cleared so the user can re-engage it.
func (h *Handler) handleStopRequest(conversationID string, ev *nostr.Event) {
	slug := ""
	if a, ok := h.Agents.Get(ev.TagValue("p")); ok {
		slug = a.Slug
	}

	n := 0
	if opID := ev.TagValue("op"); opID != "" {
		if h.Ops.CancelID(opID) {
			n = 1
		}
	} else {
		n = h.Ops.Cancel(conversationID, slug)
	}

	for _, b := range h.Delegs.CancelConversation(conversationID) {
		st, _ := h.Convs.GetAgentState(conversationID, b.DelegatorSlug)
		if st.PendingDelegation == b.ID {
			st.PendingDelegation = ""
			h.Convs.SetAgentState(conversationID, b.DelegatorSlug, st)
		}
	}

	slog.Info("stop request handled",
		"conversation", conversationID, "agent", slug, "cancelled", n)
}

// handleProjectUpdate parses a replacement project definition and, when it
// differs from the loaded one, hands it upstream.
func (h *Handler) handleProjectUpdate(ev *nostr.Event) {
	current := h.Project.Load()
	updated, err := project.Parse(ev)
	if err != nil {
		slog.Warn("project definition rejected", "event", ev.ID, "error", err)
		return
	}
	if updated.Address != current.Address {
		return
	}

	diff := project.Compare(current, updated)
	if diff.Empty() && updated.Title == current.Title {
		return
	}
	if h.OnProjectUpdate != nil {
		h.OnProjectUpdate(updated, diff)
	}
}

// handleDelegationResponse feeds a response into the registry and, when the
// batch completes, wakes the delegator exactly once.
func (h *Handler) handleDelegationResponse(ctx context.Context, ev *nostr.Event) {
	batch, completed, err := h.Delegs.HandleResponse(ev)
	if err != nil {
		slog.Warn("delegation response rejected", "event", ev.ID, "error", err)
		return
	}
	if batch == nil {
		return
	}

	if err := h.Convs.AppendEvent(batch.ConversationID, ev); err != nil {
		slog.Warn("history append failed",
			"conversation", batch.ConversationID, "event", ev.ID, "error", err)
	}
	if !completed {
		return
	}

	st, _ := h.Convs.GetAgentState(batch.ConversationID, batch.DelegatorSlug)
	st.PendingDelegation = ""
	h.Convs.SetAgentState(batch.ConversationID, batch.DelegatorSlug, st)

	delegator, ok := h.Agents.Get(batch.Delegator)
	if !ok {
		slog.Warn("batch completed for unknown delegator",
			"batch", batch.ID, "pubkey", batch.Delegator)
		return
	}
	slog.Info("delegation batch complete",
		"batch", batch.ID, "delegator", delegator.Slug, "responses", len(batch.Responses))
	h.dispatchTo(ctx, delegator, batch.ConversationID, ev)
}

// resolveConversation maps an event to its conversation, creating one when
// needed.
func (h *Handler) resolveConversation(ctx context.Context, ev *nostr.Event) *conversation.Conversation {
	if ev.Kind == nostr.KindThreadRoot {
		return h.Convs.Create(ev)
	}

	if rootID := ev.RootEventID(); rootID != "" {
		if c, ok := h.Convs.GetByAnyEventID(rootID); ok {
			return c
		}
		return h.recoverThread(ctx, ev, rootID)
	}

	if addr := specArticleAddr(ev); addr != "" {
		if c, ok := h.Convs.Get(addr); ok {
			return c
		}
		return h.Convs.CreateDerived(addr, ev)
	}

	slog.Info("orphaned event, creating import conversation", "event", ev.ID)
	return h.Convs.CreateOrphan(ev)
}

// recoverThread fetches the missing ancestor thread from the relays, bounded
// in time and depth. Recovery failure degrades to an orphan conversation.
func (h *Handler) recoverThread(ctx context.Context, ev *nostr.Event, rootID string) *conversation.Conversation {
	if h.Fetch == nil {
		return h.Convs.CreateOrphan(ev)
	}

	roots := h.Fetch.Fetch(ctx, nostr.Filter{IDs: []string{rootID}, Limit: 1}, orphanFetchTimeout)
	if len(roots) == 0 {
		slog.Info("thread root not recoverable", "root", rootID, "event", ev.ID)
		return h.Convs.CreateOrphan(ev)
	}

	c := h.Convs.Create(roots[0])
	descendants := h.Fetch.Fetch(ctx, nostr.Filter{
		Tags:  map[string][]string{"e": {rootID}},
		Limit: orphanFetchDepth,
	}, orphanFetchTimeout)
	for _, d := range descendants {
		if nostr.IsIgnoredKind(d.Kind) {
			continue
		}
		if err := h.Convs.AppendEvent(c.ID, d); err != nil {
			slog.Warn("recovered event append failed", "conversation", c.ID, "error", err)
		}
	}
	slog.Info("thread recovered from relay",
		"conversation", c.ID, "events", len(descendants)+1)
	return c
}

func (h *Handler) dispatchTo(ctx context.Context, target *agent.Agent, conversationID string, ev *nostr.Event) {
	if h.Guard != nil && !h.Guard.Begin(ev.ID, target.Slug) {
		slog.Debug("recent reply guard: skipping duplicate activation",
			"event", ev.ID, "agent", target.Slug)
		return
	}
	if h.alreadyAnswered(conversationID, target.PubKey, ev.ID) {
		slog.Debug("agent already answered this event, skipping",
			"event", ev.ID, "agent", target.Slug)
		return
	}
	if st, ok := h.Convs.GetAgentState(conversationID, target.Slug); ok && st.PendingDelegation != "" {
		slog.Debug("agent awaiting delegation batch, staying dormant",
			"agent", target.Slug, "batch", st.PendingDelegation)
		return
	}
	h.Dispatch(ctx, target, conversationID, ev)
}

// alreadyAnswered reports whether the agent has an event in history that
// references the triggering event. The in-memory guard does not survive a
// restart; persisted history does, so re-delivered events cannot produce a
// second reply.
func (h *Handler) alreadyAnswered(conversationID, agentPubkey, triggeringID string) bool {
	c, ok := h.Convs.Get(conversationID)
	if !ok {
		return false
	}
	for _, past := range c.HistorySnapshot() {
		if past.PubKey != agentPubkey {
			continue
		}
		for _, ref := range past.TagValues("e") {
			if ref == triggeringID {
				return true
			}
		}
	}
	return false
}

// specArticleAddr returns the a-tag value when it references a spec article.
func specArticleAddr(ev *nostr.Event) string {
	for _, addr := range ev.TagValues("a") {
		var kind int
		for i := 0; i < len(addr) && addr[i] >= '0' && addr[i] <= '9'; i++ {
			kind = kind*10 + int(addr[i]-'0')
		}
		if kind == nostr.KindSpecArticle {
			return addr
		}
	}
	return ""
}
