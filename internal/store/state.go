package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ThymoBruce/workplans/internal/schedule"
)

// StateFile persists the schedule snapshot as JSON. Saves write a
// temporary file and rename it over the old one, so readers in other
// processes never see a partial write.
type StateFile struct {
	path string
	mu   sync.Mutex
}

// NewStateFile returns a state file at path. Nothing is touched on disk
// until Save.
func NewStateFile(path string) *StateFile {
	return &StateFile{path: path}
}

// Path returns the file path.
func (f *StateFile) Path() string {
	return f.path
}

// Save replaces the stored snapshot.
func (f *StateFile) Save(snap schedule.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// Load returns the stored snapshot. ok is false when nothing was saved.
func (f *StateFile) Load() (snap schedule.Snapshot, ok bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return schedule.Snapshot{}, false, nil
	}
	if err != nil {
		return schedule.Snapshot{}, false, fmt.Errorf("failed to read state file %s: %w", f.path, err)
	}

	if err := json.Unmarshal(data, &snap); err != nil {
		return schedule.Snapshot{}, false, fmt.Errorf("failed to parse state file %s: %w", f.path, err)
	}
	if err := snap.Validate(); err != nil {
		return schedule.Snapshot{}, false, fmt.Errorf("invalid state file %s: %w", f.path, err)
	}
	return snap, true, nil
}

// Clear removes the stored snapshot. Clearing an empty store is not an
// error.
func (f *StateFile) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove state file: %w", err)
	}
	return nil
}
