package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/tenexlabs/tenex/pkg/nostr"
)

const (
	writeTimeout      = 10 * time.Second
	publishAckTimeout = 10 * time.Second
)

// EventHandler receives verified events for a subscription id.
type EventHandler func(subID string, ev *nostr.Event)

// EOSEHandler fires when a relay signals end-of-stored-events.
type EOSEHandler func(subID string)

// Client is one relay connection. It owns a reader goroutine, re-issues
// subscriptions after reconnect, and verifies signatures before handing
// events up.
type Client struct {
	url     string
	onEvent EventHandler
	onEOSE  EOSEHandler

	mu      sync.Mutex
	conn    *websocket.Conn
	subs    map[string][]nostr.Filter
	pending map[string]chan pubAck

	limiter *rate.Limiter
	cancel  context.CancelFunc
	done    chan struct{}
}

type pubAck struct {
	ok     bool
	reason string
}

// NewClient creates a client for one relay URL. Connect is lazy; Run drives
// the connection.
func NewClient(url string, onEvent EventHandler, onEOSE EOSEHandler) *Client {
	return &Client{
		url:     url,
		onEvent: onEvent,
		onEOSE:  onEOSE,
		subs:    make(map[string][]nostr.Filter),
		pending: make(map[string]chan pubAck),
		// Relays commonly throttle chatty clients; cap our write rate.
		limiter: rate.NewLimiter(rate.Limit(25), 50),
	}
}

// Run connects and keeps the connection alive until ctx is cancelled,
// reconnecting with exponential backoff (100 ms → 30 s).
func (c *Client) Run(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	defer close(c.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry forever

	for {
		if ctx.Err() != nil {
			return
		}

		err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}
		wait := bo.NextBackOff()
		slog.Warn("relay connection lost", "relay", c.url, "error", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Close tears the connection down and stops Run.
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	if c.done != nil {
		<-c.done
	}
}

func (c *Client) connectAndRead(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	resub := make(map[string][]nostr.Filter, len(c.subs))
	for id, fs := range c.subs {
		resub[id] = fs
	}
	c.mu.Unlock()

	slog.Info("relay connected", "relay", c.url)

	for id, fs := range resub {
		if err := c.sendReq(ctx, id, fs); err != nil {
			conn.Close()
			return err
		}
	}

	// Close the socket when ctx dies so ReadMessage unblocks.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	// Fetch swaps the handlers on live connections; snapshot them so the
	// reader goroutine never races the swap.
	c.mu.Lock()
	onEvent, onEOSE := c.onEvent, c.onEOSE
	c.mu.Unlock()

	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 2 {
		return
	}

	var label string
	if json.Unmarshal(frame[0], &label) != nil {
		return
	}

	switch label {
	case "EVENT":
		if len(frame) < 3 {
			return
		}
		var subID string
		if json.Unmarshal(frame[1], &subID) != nil {
			return
		}
		var ev nostr.Event
		if err := json.Unmarshal(frame[2], &ev); err != nil {
			slog.Debug("malformed event frame", "relay", c.url, "error", err)
			return
		}
		if ok, err := ev.Verify(); err != nil || !ok {
			// Invalid signature: drop without dedup so a valid copy from
			// another relay still gets through.
			slog.Warn("dropping unverifiable event", "relay", c.url, "id", ev.ID, "error", err)
			return
		}
		if onEvent != nil {
			onEvent(subID, &ev)
		}

	case "EOSE":
		var subID string
		if json.Unmarshal(frame[1], &subID) != nil {
			return
		}
		if onEOSE != nil {
			onEOSE(subID)
		}

	case "OK":
		if len(frame) < 3 {
			return
		}
		var eventID string
		var ok bool
		reason := ""
		json.Unmarshal(frame[1], &eventID)
		json.Unmarshal(frame[2], &ok)
		if len(frame) >= 4 {
			json.Unmarshal(frame[3], &reason)
		}
		c.mu.Lock()
		ch := c.pending[eventID]
		delete(c.pending, eventID)
		c.mu.Unlock()
		if ch != nil {
			ch <- pubAck{ok: ok, reason: reason}
		}

	case "NOTICE":
		var msg string
		json.Unmarshal(frame[1], &msg)
		slog.Debug("relay notice", "relay", c.url, "notice", msg)
	}
}

// Subscribe issues (or replaces) a subscription with the given id.
func (c *Client) Subscribe(ctx context.Context, subID string, filters []nostr.Filter) error {
	c.mu.Lock()
	c.subs[subID] = filters
	connected := c.conn != nil
	c.mu.Unlock()

	if !connected {
		return nil // sent on connect
	}
	return c.sendReq(ctx, subID, filters)
}

// Unsubscribe closes a subscription.
func (c *Client) Unsubscribe(ctx context.Context, subID string) error {
	c.mu.Lock()
	delete(c.subs, subID)
	connected := c.conn != nil
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.write(ctx, []interface{}{"CLOSE", subID})
}

// Publish sends an event and waits for the relay's OK.
func (c *Client) Publish(ctx context.Context, ev *nostr.Event) error {
	ack := make(chan pubAck, 1)
	c.mu.Lock()
	c.pending[ev.ID] = ack
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, ev.ID)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, []interface{}{"EVENT", ev}); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(publishAckTimeout):
		return fmt.Errorf("publish to %s: no ack for %s", c.url, ev.ID)
	case a := <-ack:
		if !a.ok {
			return fmt.Errorf("publish to %s rejected: %s", c.url, a.reason)
		}
		return nil
	}
}

func (c *Client) sendReq(ctx context.Context, subID string, filters []nostr.Filter) error {
	frame := make([]interface{}, 0, len(filters)+2)
	frame = append(frame, "REQ", subID)
	for _, f := range filters {
		frame = append(frame, f)
	}
	return c.write(ctx, frame)
}

func (c *Client) write(ctx context.Context, frame interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("relay %s: not connected", c.url)
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(frame)
}
