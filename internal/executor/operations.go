package executor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OperationInfo is the observable snapshot of one in-flight LLM call.
type OperationInfo struct {
	ID             string    `json:"id"`
	AgentSlug      string    `json:"agentSlug"`
	ConversationID string    `json:"conversationId"`
	StartedAt      time.Time `json:"startedAt"`
}

type operation struct {
	OperationInfo
	cancel context.CancelFunc
}

// Operations tracks in-flight executor runs for cancellation and
// observability. Stop-request events cancel by (conversation, agent) or by
// operation id.
type Operations struct {
	mu       sync.Mutex
	ops      map[string]*operation
	onChange func([]OperationInfo)
}

func NewOperations() *Operations {
	return &Operations{ops: make(map[string]*operation)}
}

// SetOnChange installs a callback fired after every registry change with the
// current snapshot. Used to publish operations-status events.
func (o *Operations) SetOnChange(fn func([]OperationInfo)) {
	o.mu.Lock()
	o.onChange = fn
	o.mu.Unlock()
}

// Register records an in-flight run and returns its operation id.
func (o *Operations) Register(agentSlug, conversationID string, cancel context.CancelFunc) string {
	op := &operation{
		OperationInfo: OperationInfo{
			ID:             uuid.NewString(),
			AgentSlug:      agentSlug,
			ConversationID: conversationID,
			StartedAt:      time.Now(),
		},
		cancel: cancel,
	}

	o.mu.Lock()
	o.ops[op.ID] = op
	fn, snap := o.onChange, o.snapshotLocked()
	o.mu.Unlock()

	if fn != nil {
		fn(snap)
	}
	return op.ID
}

// Deregister removes a finished operation.
func (o *Operations) Deregister(id string) {
	o.mu.Lock()
	_, ok := o.ops[id]
	delete(o.ops, id)
	fn, snap := o.onChange, o.snapshotLocked()
	o.mu.Unlock()

	if ok && fn != nil {
		fn(snap)
	}
}

// Cancel fires the cancellation token of every operation matching the
// conversation and, when non-empty, the agent slug. Returns the number of
// operations cancelled.
func (o *Operations) Cancel(conversationID, agentSlug string) int {
	o.mu.Lock()
	var matched []*operation
	for _, op := range o.ops {
		if op.ConversationID != conversationID {
			continue
		}
		if agentSlug != "" && op.AgentSlug != agentSlug {
			continue
		}
		matched = append(matched, op)
	}
	o.mu.Unlock()

	for _, op := range matched {
		op.cancel()
	}
	return len(matched)
}

// CancelID fires one operation's cancellation token.
func (o *Operations) CancelID(id string) bool {
	o.mu.Lock()
	op, ok := o.ops[id]
	o.mu.Unlock()
	if ok {
		op.cancel()
	}
	return ok
}

// Snapshot returns the in-flight operations ordered by start time.
func (o *Operations) Snapshot() []OperationInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Operations) snapshotLocked() []OperationInfo {
	out := make([]OperationInfo, 0, len(o.ops))
	for _, op := range o.ops {
		out = append(out, op.OperationInfo)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
