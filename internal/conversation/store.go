package conversation

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tenexlabs/tenex/pkg/nostr"
)

// MetadataOrphaned marks a conversation created from a reply whose ancestry
// could not be recovered from the relays.
const MetadataOrphaned = "orphaned"

// Store owns the canonical conversation set for one project: an in-memory
// index plus one JSON file per conversation under conversations/.
//
// Reads are concurrent. Writes to a given conversation are serialized by that
// conversation's own lock; writes to distinct conversations run in parallel.
// Persistence failures are logged and non-fatal; memory stays authoritative.
type Store struct {
	dir string // <data_root>/projects/<projectId>/conversations

	mu      sync.RWMutex
	convs   map[string]*Conversation
	byEvent map[string]string // event id → conversation id
}

// NewStore creates a store rooted at dir. Call LoadAll to restore state.
func NewStore(dir string) *Store {
	return &Store{
		dir:     dir,
		convs:   make(map[string]*Conversation),
		byEvent: make(map[string]string),
	}
}

// Create initializes a conversation rooted at the given event, phase CHAT.
// If a conversation with this root already exists it is returned unchanged.
func (s *Store) Create(root *nostr.Event) *Conversation {
	s.mu.Lock()
	if c, ok := s.convs[root.ID]; ok {
		s.mu.Unlock()
		return c
	}
	c := newConversation(root)
	s.convs[c.ID] = c
	s.byEvent[root.ID] = c.ID
	s.mu.Unlock()

	s.persist(c)
	return c
}

// CreateDerived initializes a conversation keyed by an addressable id (a
// spec-article address) rather than by its first event's id. Replies carrying
// the same a-tag land in one conversation regardless of arrival order.
func (s *Store) CreateDerived(id string, first *nostr.Event) *Conversation {
	s.mu.Lock()
	if c, ok := s.convs[id]; ok {
		s.mu.Unlock()
		return c
	}
	c := newDerivedConversation(id, first)
	s.convs[c.ID] = c
	s.byEvent[first.ID] = c.ID
	s.mu.Unlock()

	s.persist(c)
	return c
}

// CreateOrphan creates a conversation from a reply whose ancestry could not
// be fetched, annotating it so downstream consumers can tell.
func (s *Store) CreateOrphan(root *nostr.Event) *Conversation {
	c := s.Create(root)
	c.setMetadata(MetadataOrphaned, "true")
	s.persist(c)
	return c
}

// Get returns the conversation with this id, if any.
func (s *Store) Get(id string) (*Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	return c, ok
}

// GetByAnyEventID returns the conversation whose root or any historical
// event has this id.
func (s *Store) GetByAnyEventID(eventID string) (*Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	convID, ok := s.byEvent[eventID]
	if !ok {
		return nil, false
	}
	c, ok := s.convs[convID]
	return c, ok
}

// AppendEvent inserts the event into the conversation's history preserving
// (created_at, id) order. Appending an id already present is a no-op.
func (s *Store) AppendEvent(conversationID string, ev *nostr.Event) error {
	s.mu.RLock()
	c, ok := s.convs[conversationID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("append to unknown conversation %s", conversationID)
	}

	if !c.appendEvent(ev) {
		return nil
	}

	s.mu.Lock()
	s.byEvent[ev.ID] = c.ID
	s.mu.Unlock()

	s.persist(c)
	return nil
}

// UpdatePhase transitions the conversation from the stated current phase to
// a new one, recording who asked and which event caused it. A stale `from`
// rejects the transition and leaves state unchanged.
func (s *Store) UpdatePhase(conversationID string, from, to Phase, reason, by, byEventID string) error {
	s.mu.RLock()
	c, ok := s.convs[conversationID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("phase update on unknown conversation %s", conversationID)
	}

	err := c.updatePhase(PhaseTransition{
		From:      from,
		To:        to,
		Reason:    reason,
		By:        by,
		ByEventID: byEventID,
		At:        time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	s.persist(c)
	return nil
}

// SetAgentState replaces the per-agent scratchpad for a conversation.
func (s *Store) SetAgentState(conversationID, slug string, st AgentState) {
	s.mu.RLock()
	c, ok := s.convs[conversationID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	c.setAgentState(slug, st)
	s.persist(c)
}

// GetAgentState returns the per-agent scratchpad, zero-valued when unset.
func (s *Store) GetAgentState(conversationID, slug string) (AgentState, bool) {
	s.mu.RLock()
	c, ok := s.convs[conversationID]
	s.mu.RUnlock()
	if !ok {
		return AgentState{}, false
	}
	return c.agentState(slug)
}

// SetMetadata sets one metadata key (title, referenced article, ...).
func (s *Store) SetMetadata(conversationID, key, value string) {
	s.mu.RLock()
	c, ok := s.convs[conversationID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	c.setMetadata(key, value)
	s.persist(c)
}

// Metadata returns one metadata value, empty when unset or unknown.
func (s *Store) Metadata(conversationID, key string) string {
	s.mu.RLock()
	c, ok := s.convs[conversationID]
	s.mu.RUnlock()
	if !ok {
		return ""
	}
	return c.metadataValue(key)
}

// All returns a snapshot of every conversation.
func (s *Store) All() []*Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c)
	}
	return out
}

// LoadAll restores every conversation file under the store directory.
// Unreadable files are skipped with a log line.
func (s *Store) LoadAll() error {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}

	for _, f := range entries {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, f.Name()))
		if err != nil {
			slog.Warn("skipping unreadable conversation file", "file", f.Name(), "error", err)
			continue
		}

		var c Conversation
		if err := json.Unmarshal(data, &c); err != nil {
			slog.Warn("skipping malformed conversation file", "file", f.Name(), "error", err)
			continue
		}
		if c.AgentStates == nil {
			c.AgentStates = make(map[string]AgentState)
		}
		if c.Metadata == nil {
			c.Metadata = make(map[string]string)
		}
		c.eventIDs = make(map[string]struct{}, len(c.History))
		for _, ev := range c.History {
			c.eventIDs[ev.ID] = struct{}{}
		}

		s.mu.Lock()
		s.convs[c.ID] = &c
		for _, ev := range c.History {
			s.byEvent[ev.ID] = c.ID
		}
		s.mu.Unlock()
	}
	return nil
}

// Persist writes one conversation to disk immediately.
func (s *Store) Persist(conversationID string) error {
	s.mu.RLock()
	c, ok := s.convs[conversationID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("persist of unknown conversation %s", conversationID)
	}
	return s.write(c)
}

func (s *Store) persist(c *Conversation) {
	if err := s.write(c); err != nil {
		slog.Warn("conversation persist failed", "conversation", c.ID, "error", err)
	}
}

func (s *Store) write(c *Conversation) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}

	c.mu.Lock()
	data, err := json.MarshalIndent(c, "", "  ")
	c.mu.Unlock()
	if err != nil {
		return err
	}

	name := sanitizeFilename(c.ID)
	if name == "" || !filepath.IsLocal(name) {
		return os.ErrInvalid
	}

	tmp, err := os.CreateTemp(s.dir, "conv-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, filepath.Join(s.dir, name+".json")); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// sanitizeFilename keeps addressable-style conversation ids (31933:pk:dtag)
// representable as file names.
func sanitizeFilename(id string) string {
	id = strings.ReplaceAll(id, ":", "_")
	return strings.ReplaceAll(id, string(filepath.Separator), "_")
}
