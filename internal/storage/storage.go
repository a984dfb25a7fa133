// Package storage persists the records of released inline chat sessions.
//
// Records are JSON files grouped by project:
//
//	<base>/inline-session/<projectID>/<sessionID>.json
//
// Writes take a file lock and go through a temporary file, so a history
// listing running next to an editing session never reads half a record.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned when a key has no record.
var ErrNotFound = errors.New("not found")

const sessionsDir = "inline-session"

// ProjectKey is the key under which every session record of a project lives.
func ProjectKey(projectID string) []string {
	return []string{sessionsDir, projectID}
}

// SessionKey is the key of one session record.
func SessionKey(projectID, sessionID string) []string {
	return []string{sessionsDir, projectID, sessionID}
}

// Storage reads and writes records below a base directory.
type Storage struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*FileLock
}

// New creates a storage rooted at basePath. The directory is created on the
// first write.
func New(basePath string) *Storage {
	return &Storage{
		basePath: basePath,
		locks:    make(map[string]*FileLock),
	}
}

func (s *Storage) file(key []string) string {
	return filepath.Join(append([]string{s.basePath}, key...)...) + ".json"
}

func (s *Storage) dir(key []string) string {
	return filepath.Join(append([]string{s.basePath}, key...)...)
}

// Get decodes the record at key into v.
func (s *Storage) Get(ctx context.Context, key []string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := os.ReadFile(s.file(key))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read record: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode record %s: %w", strings.Join(key, "/"), err)
	}
	return nil
}

// Put writes v as the record at key, replacing any previous one.
func (s *Storage) Put(ctx context.Context, key []string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	target := s.file(key)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create record directory: %w", err)
	}

	lock := s.lockFor(target)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock record: %w", err)
	}
	defer lock.Unlock()

	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace record: %w", err)
	}
	return nil
}

// Delete removes the record at key. A missing record is not an error.
func (s *Storage) Delete(ctx context.Context, key []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target := s.file(key)

	lock := s.lockFor(target)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock record: %w", err)
	}
	defer lock.Unlock()

	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// Scan calls fn with every record directly below key. Unreadable files are
// skipped; an error from fn stops the scan.
func (s *Storage) Scan(ctx context.Context, key []string, fn func(name string, data json.RawMessage) error) error {
	dir := s.dir(key)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to list records: %w", err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		name, ok := strings.CutSuffix(entry.Name(), ".json")
		if entry.IsDir() || !ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		if err := fn(name, json.RawMessage(data)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) lockFor(target string) *FileLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[target]
	if !ok {
		lock = NewFileLock(target)
		s.locks[target] = lock
	}
	return lock
}
