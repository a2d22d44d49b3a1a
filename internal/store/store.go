package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Store persists whole-document JSON tables under a single data directory.
// Every table follows the same contract: Load reads the whole file, Save
// rewrites it atomically. A missing or corrupt file loads as the zero value
// so a damaged table never takes the service down.
type Store struct {
	dir string

	logMu sync.Mutex

	selfMu     sync.Mutex
	selfWrites map[string]time.Time
}

func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("data dir must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Store{dir: dir, selfWrites: map[string]time.Time{}}, nil
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) path(table string) string {
	return filepath.Join(s.dir, table+".json")
}

// Load reads a table into out. Absent and unreadable tables leave out
// untouched and return nil.
func (s *Store) Load(table string, out any) error {
	raw, err := os.ReadFile(s.path(table))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", table, err)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		// Corrupt table: start empty rather than fail every operation.
		return nil
	}
	return nil
}

// Save rewrites a table atomically (temp file then rename).
func (s *Store) Save(table string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", table, err)
	}
	tmp, err := os.CreateTemp(s.dir, table+"-*.tmp")
	if err != nil {
		return fmt.Errorf("temp file for %s: %w", table, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", table, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", table, err)
	}
	if err := os.Rename(tmpName, s.path(table)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", table, err)
	}
	s.selfMu.Lock()
	s.selfWrites[table] = time.Now()
	s.selfMu.Unlock()
	return nil
}

// recentSelfWrite reports whether this process saved the table within the
// window. The watcher uses it to tell its own renames apart from external
// edits.
func (s *Store) recentSelfWrite(table string, window time.Duration) bool {
	s.selfMu.Lock()
	defer s.selfMu.Unlock()
	return time.Since(s.selfWrites[table]) < window
}

// AppendEvent adds one JSON line to the append-only event log.
func (s *Store) AppendEvent(payload any) error {
	entry := map[string]any{
		"at":    time.Now().Format(time.RFC3339),
		"event": payload,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	s.logMu.Lock()
	defer s.logMu.Unlock()
	f, err := os.OpenFile(filepath.Join(s.dir, "events.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}
