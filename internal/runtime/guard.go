package runtime

import (
	"sync"
	"time"
)

const defaultGuardTTL = 10 * time.Minute

type guardKey struct {
	eventID   string
	agentSlug string
}

// ReplyGuard is the short-term index preventing duplicate agent activations
// for the same triggering event. Relays re-deliver after reconnects and the
// processed-event cache is debounced, so a crash can replay events whose
// replies already went out; the guard keeps the observable effect at one
// reply per (event, agent).
type ReplyGuard struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[guardKey]time.Time
	now     func() time.Time
}

func NewReplyGuard(ttl time.Duration) *ReplyGuard {
	if ttl <= 0 {
		ttl = defaultGuardTTL
	}
	return &ReplyGuard{
		ttl:     ttl,
		entries: make(map[guardKey]time.Time),
		now:     time.Now,
	}
}

// Begin records the activation and reports whether it is the first for this
// (event, agent) pair within the TTL. A false return means skip.
func (g *ReplyGuard) Begin(eventID, agentSlug string) bool {
	key := guardKey{eventID: eventID, agentSlug: agentSlug}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	for k, at := range g.entries {
		if now.Sub(at) > g.ttl {
			delete(g.entries, k)
		}
	}

	if at, ok := g.entries[key]; ok && now.Sub(at) <= g.ttl {
		return false
	}
	g.entries[key] = now
	return true
}
