package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/tenexlabs/tenex/pkg/nostr"
)

// Store is the global agent store: one agents/<pubkey>.json file per agent,
// the source of truth for signing keys. Watch keeps the in-memory view in
// sync when files are edited externally.
type Store struct {
	dir string

	mu     sync.RWMutex
	agents map[string]*Agent // pubkey → agent
}

// NewStore creates a store rooted at dir (the agents/ directory) and loads
// every agent file found there.
func NewStore(dir string) (*Store, error) {
	s := &Store{dir: dir, agents: make(map[string]*Agent)}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create agent store: %w", err)
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the agent with this pubkey.
func (s *Store) Get(pubkey string) (*Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[pubkey]
	return a, ok
}

// GetBySlug returns the agent with this slug, if any.
func (s *Store) GetBySlug(slug string) (*Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.agents {
		if a.Slug == slug {
			return a, true
		}
	}
	return nil, false
}

// All returns every agent, ordered by slug.
func (s *Store) All() []*Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// Pubkeys returns the pubkey set of every stored agent.
func (s *Store) Pubkeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.agents))
	for pk := range s.agents {
		out = append(out, pk)
	}
	sort.Strings(out)
	return out
}

// Save validates, stores, and persists an agent definition.
func (s *Store) Save(a *Agent) error {
	if err := a.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.agents[a.PubKey] = a.clone()
	snapshot := s.agents[a.PubKey].clone()
	s.mu.Unlock()

	return s.write(snapshot)
}

// Remove deletes an agent from memory and disk.
func (s *Store) Remove(pubkey string) error {
	s.mu.Lock()
	delete(s.agents, pubkey)
	s.mu.Unlock()

	if err := os.Remove(s.path(pubkey)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove agent %s: %w", pubkey, err)
	}
	return nil
}

// AddLesson appends a learning authored by the agent and persists it.
// Lessons arrive as agent-lesson events and surface as a prompt fragment.
func (s *Store) AddLesson(pubkey, lesson string) error {
	s.mu.Lock()
	a, ok := s.agents[pubkey]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("lesson for unknown agent %s", pubkey)
	}
	for _, l := range a.Lessons {
		if l == lesson {
			s.mu.Unlock()
			return nil
		}
	}
	a.Lessons = append(a.Lessons, lesson)
	snapshot := a.clone()
	s.mu.Unlock()

	return s.write(snapshot)
}

// ApplyConfigUpdate merges an agent-config-update event into the stored
// definition and persists it.
func (s *Store) ApplyConfigUpdate(ev *nostr.Event) error {
	s.mu.Lock()
	a, ok := s.agents[ev.PubKey]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("config update for unknown agent %s", ev.PubKey)
	}
	if err := a.ApplyConfigUpdate(ev); err != nil {
		s.mu.Unlock()
		return err
	}
	snapshot := a.clone()
	s.mu.Unlock()

	return s.write(snapshot)
}

// Watch reloads agent files as they change on disk, until ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("agent store watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}
	slog.Info("watching agent definitions", "dir", s.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			if info, err := os.Stat(event.Name); err != nil || info.IsDir() {
				continue
			}
			if err := s.loadFile(event.Name); err != nil {
				slog.Warn("agent reload failed", "file", event.Name, "error", err)
			} else {
				slog.Info("agent definition reloaded", "file", filepath.Base(event.Name))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("agent store watcher error", "error", err)
		}
	}
}

func (s *Store) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read agent store: %w", err)
	}
	for _, f := range entries {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		if err := s.loadFile(filepath.Join(s.dir, f.Name())); err != nil {
			slog.Warn("skipping unreadable agent file", "file", f.Name(), "error", err)
		}
	}
	return nil
}

func (s *Store) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var a Agent
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	if err := a.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.agents[a.PubKey] = &a
	s.mu.Unlock()
	return nil
}

func (s *Store) write(a *Agent) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, "agent-*.tmp")
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

	if err := os.Rename(tmpPath, s.path(a.PubKey)); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (s *Store) path(pubkey string) string {
	return filepath.Join(s.dir, pubkey+".json")
}
