package conversation

import (
	"fmt"
	"sync"

	"github.com/tenexlabs/tenex/pkg/nostr"
)

// Phase tags where a conversation sits in its workflow. A conversation
// occupies exactly one phase at a time.
type Phase string

const (
	PhaseChat         Phase = "CHAT"
	PhaseBrainstorm   Phase = "BRAINSTORM"
	PhasePlan         Phase = "PLAN"
	PhaseExecute      Phase = "EXECUTE"
	PhaseVerification Phase = "VERIFICATION"
	PhaseChores       Phase = "CHORES"
	PhaseReflection   Phase = "REFLECTION"
)

// ValidPhase reports whether p is one of the known phases.
func ValidPhase(p Phase) bool {
	switch p {
	case PhaseChat, PhaseBrainstorm, PhasePlan, PhaseExecute,
		PhaseVerification, PhaseChores, PhaseReflection:
		return true
	}
	return false
}

// PhaseTransition records one phase change and the event that caused it.
type PhaseTransition struct {
	From      Phase  `json:"from"`
	To        Phase  `json:"to"`
	Reason    string `json:"reason,omitempty"`
	By        string `json:"by"`        // agent slug or pubkey that requested it
	ByEventID string `json:"byEventId"` // event in history that caused it
	At        int64  `json:"at"`        // unix seconds
}

// AgentState is the per-(agent, conversation) scratchpad.
type AgentState struct {
	PendingDelegation string `json:"pendingDelegation,omitempty"` // open batch id
	ToolSessionID     string `json:"toolSessionId,omitempty"`     // external tool session, scoped to one delegation task
	LastSeenEventID   string `json:"lastSeenEventId,omitempty"`   // for "while you were away" blocks
}

// Conversation is the unit of coherent multi-turn state: an ordered,
// deduplicated event history sharing a root, plus per-agent scratchpads.
//
// History is kept sorted by (created_at, id); relays give no real-time
// ordering guarantee, so position is recomputed on every append.
type Conversation struct {
	ID               string                `json:"id"`
	RootEventID      string                `json:"rootEventId"`
	Phase            Phase                 `json:"phase"`
	History          []*nostr.Event        `json:"history"`
	AgentStates      map[string]AgentState `json:"agentStates"`
	Metadata         map[string]string     `json:"metadata"`
	PhaseTransitions []PhaseTransition     `json:"phaseTransitions"`

	mu       sync.Mutex          // serializes writes to this conversation
	eventIDs map[string]struct{} // ids present in History
}

func newConversation(root *nostr.Event) *Conversation {
	c := &Conversation{
		ID:          root.ID,
		RootEventID: root.ID,
		Phase:       PhaseChat,
		AgentStates: make(map[string]AgentState),
		Metadata:    make(map[string]string),
		eventIDs:    make(map[string]struct{}),
	}
	c.insertLocked(root)
	return c
}

func newDerivedConversation(id string, first *nostr.Event) *Conversation {
	c := newConversation(first)
	c.ID = id
	return c
}

// appendEvent inserts ev preserving the ordering invariant. It reports
// whether the event was new (duplicates by id are no-ops).
func (c *Conversation) appendEvent(ev *nostr.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.eventIDs[ev.ID]; dup {
		return false
	}
	c.insertLocked(ev)
	return true
}

func (c *Conversation) insertLocked(ev *nostr.Event) {
	pos := len(c.History)
	for pos > 0 && ev.Less(c.History[pos-1]) {
		pos--
	}
	c.History = append(c.History, nil)
	copy(c.History[pos+1:], c.History[pos:])
	c.History[pos] = ev
	c.eventIDs[ev.ID] = struct{}{}
}

// updatePhase records a transition. It is a compare-and-set: the caller
// states the phase it believes is current, and a mismatch rejects the
// transition leaving state unchanged.
func (c *Conversation) updatePhase(t PhaseTransition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !ValidPhase(t.To) {
		return fmt.Errorf("conversation %s: unknown phase %q", c.ID, t.To)
	}
	if t.From != c.Phase {
		return fmt.Errorf("conversation %s: phase is %s, not %s", c.ID, c.Phase, t.From)
	}
	if _, ok := c.eventIDs[t.ByEventID]; !ok {
		return fmt.Errorf("conversation %s: transition event %s not in history", c.ID, t.ByEventID)
	}
	c.Phase = t.To
	c.PhaseTransitions = append(c.PhaseTransitions, t)
	return nil
}

func (c *Conversation) setAgentState(slug string, st AgentState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AgentStates[slug] = st
}

func (c *Conversation) agentState(slug string) (AgentState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.AgentStates[slug]
	return st, ok
}

func (c *Conversation) setMetadata(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Metadata[key] = value
}

func (c *Conversation) metadataValue(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Metadata[key]
}

// HistorySnapshot returns a copy of the ordered history. Events themselves
// are immutable and shared.
func (c *Conversation) HistorySnapshot() []*nostr.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*nostr.Event, len(c.History))
	copy(out, c.History)
	return out
}

// AgentStateSnapshot returns the per-agent scratchpad, zero-valued when
// unset.
func (c *Conversation) AgentStateSnapshot(slug string) AgentState {
	st, _ := c.agentState(slug)
	return st
}

// CurrentPhase returns the phase at this instant.
func (c *Conversation) CurrentPhase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Phase
}
