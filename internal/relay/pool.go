package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tenexlabs/tenex/pkg/nostr"
)

const mainSubID = "tenex-main"

// Pool fans one consolidated subscription out to every configured relay and
// merges the resulting event streams, deduplicating across relays by event id.
// Publishes go to all relays; one acceptance counts as success (at-least-once
// delivery, no cross-relay consistency).
type Pool struct {
	clients []*Client
	events  chan *nostr.Event

	mu       sync.Mutex
	seen     map[string]struct{}
	seenList []string // insertion order for trimming
}

const poolSeenCap = 50_000

// NewPool creates a pool over the given relay URLs. Events arriving on the
// main subscription surface on Events().
func NewPool(urls []string) *Pool {
	p := &Pool{
		events: make(chan *nostr.Event, 4096),
		seen:   make(map[string]struct{}),
	}
	for _, u := range urls {
		p.clients = append(p.clients, NewClient(u, p.dispatch, nil))
	}
	return p
}

// Run starts all relay connections and blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, c := range p.clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			c.Run(ctx)
		}(c)
	}
	wg.Wait()
	close(p.events)
}

// Events returns the merged, relay-deduplicated event stream of the main
// subscription.
func (p *Pool) Events() <-chan *nostr.Event { return p.events }

// UpdateSubscription replaces the daemon's consolidated filter set on every
// relay.
func (p *Pool) UpdateSubscription(ctx context.Context, filters []nostr.Filter) {
	for _, c := range p.clients {
		if err := c.Subscribe(ctx, mainSubID, filters); err != nil {
			slog.Warn("subscription update failed", "relay", c.url, "error", err)
		}
	}
}

// Publish sends the event to every relay; it succeeds when at least one relay
// accepts it.
func (p *Pool) Publish(ctx context.Context, ev *nostr.Event) error {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		okCount int
		lastErr error
	)
	for _, c := range p.clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			if err := c.Publish(ctx, ev); err != nil {
				mu.Lock()
				lastErr = err
				mu.Unlock()
				return
			}
			mu.Lock()
			okCount++
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	if okCount == 0 {
		if lastErr != nil {
			return lastErr
		}
		return fmt.Errorf("publish %s: no relays configured", ev.ID)
	}
	return nil
}

// Fetch runs a one-shot query: subscribe, collect until every relay reports
// EOSE or the timeout elapses, unsubscribe. Used for orphan-thread recovery
// and project-definition loads.
func (p *Pool) Fetch(ctx context.Context, filter nostr.Filter, timeout time.Duration) []*nostr.Event {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	subID := fmt.Sprintf("fetch-%d", time.Now().UnixNano())

	var (
		mu      sync.Mutex
		results = make(map[string]*nostr.Event)
		eose    = make(chan struct{}, len(p.clients))
	)

	// Piggyback on the live connections rather than dialing fresh sockets.
	handler := func(gotSubID string, ev *nostr.Event) {
		if gotSubID != subID {
			return
		}
		mu.Lock()
		results[ev.ID] = ev
		mu.Unlock()
	}

	for _, c := range p.clients {
		c.mu.Lock()
		prevEvent, prevEOSE := c.onEvent, c.onEOSE
		c.onEvent = func(id string, ev *nostr.Event) {
			handler(id, ev)
			if prevEvent != nil {
				prevEvent(id, ev)
			}
		}
		c.onEOSE = func(id string) {
			if id == subID {
				select {
				case eose <- struct{}{}:
				default:
				}
			}
			if prevEOSE != nil {
				prevEOSE(id)
			}
		}
		c.mu.Unlock()
		defer func(c *Client, ev EventHandler, eo EOSEHandler) {
			c.mu.Lock()
			c.onEvent, c.onEOSE = ev, eo
			c.mu.Unlock()
		}(c, prevEvent, prevEOSE)

		if err := c.Subscribe(ctx, subID, []nostr.Filter{filter}); err != nil {
			slog.Debug("fetch subscribe failed", "relay", c.url, "error", err)
		}
		defer c.Unsubscribe(context.Background(), subID)
	}

	remaining := len(p.clients)
	for remaining > 0 {
		select {
		case <-ctx.Done():
			remaining = 0
		case <-eose:
			remaining--
		}
	}

	mu.Lock()
	defer mu.Unlock()
	out := make([]*nostr.Event, 0, len(results))
	for _, ev := range results {
		out = append(out, ev)
	}
	return out
}

// dispatch feeds main-subscription events into the merged stream, dropping
// cross-relay duplicates. The channel is buffered; if consumers stall we drop
// and log rather than block the socket reader.
func (p *Pool) dispatch(subID string, ev *nostr.Event) {
	if subID != mainSubID {
		return
	}

	p.mu.Lock()
	if _, dup := p.seen[ev.ID]; dup {
		p.mu.Unlock()
		return
	}
	p.seen[ev.ID] = struct{}{}
	p.seenList = append(p.seenList, ev.ID)
	if len(p.seenList) > poolSeenCap {
		evict := p.seenList[:len(p.seenList)-poolSeenCap]
		p.seenList = p.seenList[len(evict):]
		for _, id := range evict {
			delete(p.seen, id)
		}
	}
	p.mu.Unlock()

	select {
	case p.events <- ev:
	default:
		slog.Warn("relay event stream full, dropping event", "id", ev.ID, "kind", ev.Kind)
	}
}
