// Package checkpoint implements the durable skip-on-rerun markers: one
// presence file per completed module under the state directory. Existence of
// a marker is the fact "this module's mutating work is complete for the
// current configuration".
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const markerDirPerm = 0o700

// Store manages checkpoint markers under a single directory.
// Marker creation is only ever invoked by the orchestrator, one module at a
// time, so the store needs no locking of its own; atomicity against a
// concurrent Exists is provided by writing through a temp file and renaming.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir. The directory is created on first
// write, not here, so a dry run never touches the filesystem.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the checkpoint directory.
func (s *Store) Dir() string {
	return s.dir
}

// Exists reports whether a checkpoint marker exists for the module.
func (s *Store) Exists(moduleID string) bool {
	_, err := os.Stat(s.markerPath(moduleID))
	return err == nil
}

// Create writes the checkpoint marker for the module. Creating an existing
// checkpoint is a no-op success. The marker carries its completion timestamp
// as content and becomes visible atomically via rename, so no observer ever
// sees a half-written marker.
func (s *Store) Create(moduleID string) error {
	if moduleID == "" {
		return fmt.Errorf("checkpoint: empty module id")
	}
	if s.Exists(moduleID) {
		return nil
	}
	if err := os.MkdirAll(s.dir, markerDirPerm); err != nil {
		return fmt.Errorf("checkpoint: create directory %s: %w", s.dir, err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+markerName(moduleID)+".tmp-")
	if err != nil {
		return fmt.Errorf("checkpoint: create marker for %s: %w", moduleID, err)
	}
	tmpPath := tmp.Name()

	_, werr := fmt.Fprintln(tmp, time.Now().UTC().Format(time.RFC3339))
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(tmpPath)
		if werr == nil {
			werr = cerr
		}
		return fmt.Errorf("checkpoint: write marker for %s: %w", moduleID, werr)
	}

	if err := os.Rename(tmpPath, s.markerPath(moduleID)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("checkpoint: commit marker for %s: %w", moduleID, err)
	}
	return nil
}

// Remove deletes the checkpoint marker for the module. Removing a marker that
// does not exist is a no-op success.
func (s *Store) Remove(moduleID string) error {
	err := os.Remove(s.markerPath(moduleID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("checkpoint: remove marker for %s: %w", moduleID, err)
	}
	return nil
}

// CompletedAt returns the completion timestamp recorded in the marker.
func (s *Store) CompletedAt(moduleID string) (time.Time, error) {
	data, err := os.ReadFile(s.markerPath(moduleID))
	if err != nil {
		return time.Time{}, fmt.Errorf("checkpoint: read marker for %s: %w", moduleID, err)
	}
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(string(data)))
	if err != nil {
		return time.Time{}, fmt.Errorf("checkpoint: marker for %s holds no timestamp: %w", moduleID, err)
	}
	return ts, nil
}

// List returns the module identifiers that currently hold a checkpoint.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list markers: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, markerSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, markerSuffix))
	}
	return ids, nil
}

const markerSuffix = ".done"

func (s *Store) markerPath(moduleID string) string {
	return filepath.Join(s.dir, markerName(moduleID)+markerSuffix)
}

// markerName maps a module id to a filename. Identifiers are stable strings
// chosen at registration time; path separators are flattened so a malformed
// id cannot escape the checkpoint directory.
func markerName(moduleID string) string {
	return strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(moduleID)
}
