package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// maxIDsPerProject bounds the per-project dedup set. On overflow the oldest
// insertions are discarded; re-processing an evicted event is acceptable
// because every downstream handler is idempotent on event id.
const maxIDsPerProject = 10_000

// ProcessedCache answers "have I processed event e for project p?" and records
// the answer idempotently. Writes to disk are debounced; persistence is
// best-effort and the in-memory set stays authoritative for the session.
type ProcessedCache struct {
	dir      string // <data_root>/projects
	debounce time.Duration

	mu       sync.Mutex
	projects map[string]*projectIDs
}

type projectIDs struct {
	ids   map[string]struct{}
	order []string // insertion order, for eviction
	timer *time.Timer
}

type processedFile struct {
	IDs       []string `json:"ids"`
	UpdatedAt int64    `json:"updated_at"`
}

// NewProcessedCache creates a cache rooted at dir (the projects/ directory).
// debounce is the maximum delay between a markProcessed call and its flush.
func NewProcessedCache(dir string, debounce time.Duration) *ProcessedCache {
	if debounce <= 0 {
		debounce = 5 * time.Second
	}
	return &ProcessedCache{
		dir:      dir,
		debounce: debounce,
		projects: make(map[string]*projectIDs),
	}
}

// Load reads the persisted id set for a project. A missing file is an empty
// cache, not an error.
func (c *ProcessedCache) Load(projectID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.project(projectID)

	data, err := os.ReadFile(c.path(projectID))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load processed events for %s: %w", projectID, err)
	}

	var file processedFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("load processed events for %s: %w", projectID, err)
	}

	for _, id := range file.IDs {
		if _, ok := p.ids[id]; ok {
			continue
		}
		p.ids[id] = struct{}{}
		p.order = append(p.order, id)
	}
	p.evictLocked()
	return nil
}

// Seen reports whether the event was already processed for the project.
func (c *ProcessedCache) Seen(projectID, eventID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.projects[projectID]
	if !ok {
		return false
	}
	_, seen := p.ids[eventID]
	return seen
}

// MarkProcessed records the event id and schedules a debounced flush.
// Marking an already-present id is a no-op.
func (c *ProcessedCache) MarkProcessed(projectID, eventID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.project(projectID)
	if _, ok := p.ids[eventID]; ok {
		return
	}
	p.ids[eventID] = struct{}{}
	p.order = append(p.order, eventID)
	p.evictLocked()

	if p.timer == nil {
		p.timer = time.AfterFunc(c.debounce, func() { c.flush(projectID) })
	}
}

// Flush writes every dirty project immediately. Called on shutdown.
func (c *ProcessedCache) Flush() {
	c.mu.Lock()
	var pending []string
	for id, p := range c.projects {
		if p.timer != nil {
			p.timer.Stop()
			pending = append(pending, id)
		}
	}
	c.mu.Unlock()

	for _, id := range pending {
		c.flush(id)
	}
}

func (c *ProcessedCache) flush(projectID string) {
	c.mu.Lock()
	p, ok := c.projects[projectID]
	if !ok {
		c.mu.Unlock()
		return
	}
	p.timer = nil
	file := processedFile{
		IDs:       append([]string(nil), p.order...),
		UpdatedAt: time.Now().Unix(),
	}
	c.mu.Unlock()

	if err := c.write(projectID, file); err != nil {
		slog.Warn("processed-event cache flush failed", "project", projectID, "error", err)
	}
}

func (c *ProcessedCache) write(projectID string, file processedFile) error {
	dir := filepath.Join(c.dir, projectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "processed-*.tmp")
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

	if err := os.Rename(tmpPath, c.path(projectID)); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (c *ProcessedCache) path(projectID string) string {
	return filepath.Join(c.dir, projectID, "processed-events.json")
}

func (c *ProcessedCache) project(projectID string) *projectIDs {
	p, ok := c.projects[projectID]
	if !ok {
		p = &projectIDs{ids: make(map[string]struct{})}
		c.projects[projectID] = p
	}
	return p
}

func (p *projectIDs) evictLocked() {
	if len(p.order) <= maxIDsPerProject {
		return
	}
	evict := p.order[:len(p.order)-maxIDsPerProject]
	for _, id := range evict {
		delete(p.ids, id)
	}
	p.order = p.order[len(evict):]
}
