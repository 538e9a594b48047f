package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/tmorrow/bookweaver/pkg/models"
)

const SnapshotFilename = "session.json"

// Store persists session snapshots under a root directory, one subdirectory
// per session. Writes are synchronous and atomic (temp file then rename) so
// a snapshot on disk is always either the previous or the new state, and
// write order matches call order.
type Store struct {
	root   string
	logger *slog.Logger
}

// NewStore creates a store rooted at dir, creating it if needed
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}
	return &Store{root: dir, logger: logger}, nil
}

// Dir returns the directory holding the given session's files
func (s *Store) Dir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

// Save writes a snapshot of the session
func (s *Store) Save(session *models.GenerationSession) error {
	session.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	dir := s.Dir(session.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	snapshotPath := filepath.Join(dir, SnapshotFilename)
	tempPath := snapshotPath + ".tmp"

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tempPath, snapshotPath); err != nil {
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}

	s.logger.Debug("Session snapshot saved",
		"session_id", session.ID,
		"phase", session.CurrentPhase)
	return nil
}

// Load reads a session snapshot. An absent or unparsable snapshot is not an
// error; it reports no resumable session.
func (s *Store) Load(sessionID string) (*models.GenerationSession, error) {
	snapshotPath := filepath.Join(s.Dir(sessionID), SnapshotFilename)

	data, err := os.ReadFile(snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var session models.GenerationSession
	if err := json.Unmarshal(data, &session); err != nil {
		s.logger.Warn("Ignoring unparsable session snapshot",
			"session_id", sessionID,
			"error", err)
		return nil, nil
	}

	s.logger.Info("Session snapshot loaded",
		"session_id", session.ID,
		"phase", session.CurrentPhase,
		"units", len(session.Units))

	return &session, nil
}

// LoadLatest returns the most recently updated resumable session, or nil
// when none exists.
func (s *Store) LoadLatest() (*models.GenerationSession, error) {
	ids, err := s.List()
	if err != nil {
		return nil, err
	}

	var latest *models.GenerationSession
	for _, id := range ids {
		session, err := s.Load(id)
		if err != nil || session == nil {
			continue
		}
		if latest == nil || session.UpdatedAt.After(latest.UpdatedAt) {
			latest = session
		}
	}
	return latest, nil
}

// List returns all session IDs under the root, newest first by modification
// time of their snapshot.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	type candidate struct {
		id      string
		modTime time.Time
	}
	var found []candidate
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := os.Stat(filepath.Join(s.root, entry.Name(), SnapshotFilename))
		if err != nil {
			continue
		}
		found = append(found, candidate{id: entry.Name(), modTime: info.ModTime()})
	}

	sort.Slice(found, func(i, j int) bool {
		return found[i].modTime.After(found[j].modTime)
	})

	ids := make([]string, len(found))
	for i, c := range found {
		ids[i] = c.id
	}
	return ids, nil
}

// Delete removes a session and all of its files
func (s *Store) Delete(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id is empty")
	}
	if err := os.RemoveAll(s.Dir(sessionID)); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	s.logger.Info("Session deleted", "session_id", sessionID)
	return nil
}
