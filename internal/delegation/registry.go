package delegation

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tenexlabs/tenex/pkg/nostr"
)

// State of a delegation batch.
type State string

const (
	StateOpen      State = "OPEN"
	StateComplete  State = "COMPLETE"
	StateCancelled State = "CANCELLED"
)

// Batch tracks one delegate() call: the fan-out of task events to recipients
// and the responses expected back. A batch is COMPLETE when every recipient
// has replied, at which point the delegator is re-activated exactly once.
type Batch struct {
	ID             string                  `json:"id"`
	Delegator      string                  `json:"delegator"` // agent pubkey
	DelegatorSlug  string                  `json:"delegatorSlug"`
	ConversationID string                  `json:"conversationId"`
	TaskIDs        map[string]string       `json:"taskIds"`   // recipient pubkey → task event id
	Responses      map[string]*nostr.Event `json:"responses"` // recipient pubkey → first response
	State          State                   `json:"state"`
	CreatedAt      time.Time               `json:"createdAt"`
}

// Response pairs a recipient with the reply it gave.
type Response struct {
	Recipient string
	Event     *nostr.Event
}

// ResponsesInTaskOrder returns the collected responses ordered by recipient
// pubkey, so synthesized summaries are stable across runs.
func (b *Batch) ResponsesInTaskOrder() []Response {
	recipients := make([]string, 0, len(b.Responses))
	for r := range b.Responses {
		recipients = append(recipients, r)
	}
	sort.Strings(recipients)

	out := make([]Response, 0, len(recipients))
	for _, r := range recipients {
		out = append(out, Response{Recipient: r, Event: b.Responses[r]})
	}
	return out
}

// Registry indexes open delegation batches for one project and matches
// inbound responses to them. The structure is small; everything runs under
// one mutex.
type Registry struct {
	mu      sync.Mutex
	batches map[string]*Batch
	byTask  map[string]string // task event id → batch id
}

func NewRegistry() *Registry {
	return &Registry{
		batches: make(map[string]*Batch),
		byTask:  make(map[string]string),
	}
}

// Register records a new batch after the task events have been published.
// taskIDs maps each recipient pubkey to the task event addressed to it.
func (r *Registry) Register(delegator, delegatorSlug, conversationID string, taskIDs map[string]string) *Batch {
	b := &Batch{
		ID:             uuid.NewString(),
		Delegator:      delegator,
		DelegatorSlug:  delegatorSlug,
		ConversationID: conversationID,
		TaskIDs:        make(map[string]string, len(taskIDs)),
		Responses:      make(map[string]*nostr.Event),
		State:          StateOpen,
		CreatedAt:      time.Now(),
	}
	for recipient, taskID := range taskIDs {
		b.TaskIDs[recipient] = taskID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches[b.ID] = b
	for _, taskID := range b.TaskIDs {
		r.byTask[taskID] = b.ID
	}
	return b
}

// Get returns a batch by id.
func (r *Registry) Get(batchID string) (*Batch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[batchID]
	return b, ok
}

// IsTaskResponse reports whether the event answers a known delegation task:
// one of its e-tags points at a registered task id and the signer is the
// recipient that task was addressed to.
func (r *Registry) IsTaskResponse(ev *nostr.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _, ok := r.matchLocked(ev)
	return ok
}

func (r *Registry) matchLocked(ev *nostr.Event) (*Batch, string, bool) {
	for _, taskID := range ev.TagValues("e") {
		batchID, ok := r.byTask[taskID]
		if !ok {
			continue
		}
		b := r.batches[batchID]
		if b.TaskIDs[ev.PubKey] == taskID {
			return b, taskID, true
		}
	}
	return nil, "", false
}

// HandleResponse records a response event against its batch. It returns the
// batch, and completed=true exactly once per batch, at the moment the last
// outstanding recipient replies.
//
// Duplicate responses from the same recipient keep the first and never
// re-signal. Responses arriving after cancellation are recorded nowhere and
// never re-activate the delegator.
func (r *Registry) HandleResponse(ev *nostr.Event) (b *Batch, completed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, _, ok := r.matchLocked(ev)
	if !ok {
		return nil, false, fmt.Errorf("event %s does not answer a known delegation task", ev.ID)
	}
	if b.State == StateCancelled {
		return b, false, nil
	}
	if _, dup := b.Responses[ev.PubKey]; dup {
		return b, false, nil
	}

	b.Responses[ev.PubKey] = ev
	if b.State == StateOpen && len(b.Responses) == len(b.TaskIDs) {
		b.State = StateComplete
		return b, true, nil
	}
	return b, false, nil
}

// Cancel marks a batch CANCELLED. Late responses will be ignored.
func (r *Registry) Cancel(batchID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.batches[batchID]; ok && b.State == StateOpen {
		b.State = StateCancelled
	}
}

// CancelConversation cancels every open batch in a conversation and returns
// the batches it cancelled, so callers can wake their dormant delegators.
// Used when a stop request targets the whole thread.
func (r *Registry) CancelConversation(conversationID string) []*Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	var cancelled []*Batch
	for _, b := range r.batches {
		if b.ConversationID == conversationID && b.State == StateOpen {
			b.State = StateCancelled
			cancelled = append(cancelled, b)
		}
	}
	return cancelled
}

// Open returns every batch still waiting on responses.
func (r *Registry) Open() []*Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Batch
	for _, b := range r.batches {
		if b.State == StateOpen {
			out = append(out, b)
		}
	}
	return out
}
