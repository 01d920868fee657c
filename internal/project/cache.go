package project

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SaveCache writes the parsed definition under the project's data directory
// so the daemon can start offline with the last known definition.
func SaveCache(projectsDir string, p *Project) error {
	dir := filepath.Join(projectsDir, p.ID())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cache project %s: %w", p.ID(), err)
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "project-*.tmp")
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

	if err := os.Rename(tmpPath, filepath.Join(dir, "project.json")); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// LoadCache reads a previously cached definition. A missing cache returns
// os.ErrNotExist.
func LoadCache(projectsDir, projectID string) (*Project, error) {
	data, err := os.ReadFile(filepath.Join(projectsDir, projectID, "project.json"))
	if err != nil {
		return nil, err
	}
	var p Project
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse cached project %s: %w", projectID, err)
	}
	return &p, nil
}
