// Package cursor persists the migration cursor that lets an interrupted
// archival cycle be finished by the next one.
package cursor

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"

	"github.com/devrev/pairdb/tierstore/internal/model"
)

// FileStore keeps the cursor as a YAML document. Saves write a temp file,
// fsync it and rename it over the previous cursor. An advisory lock on
// <path>.lock serializes cycles of processes sharing the cursor; the kernel
// drops it if the holder dies.
type FileStore struct {
	path string
	mu   sync.Mutex
	lock *flock.Flock
}

// NewFileStore creates a cursor store at path
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create cursor dir: %w", err)
	}
	return &FileStore{path: path, lock: flock.New(path + ".lock")}, nil
}

func (s *FileStore) TryLock(ctx context.Context) (bool, error) {
	ok, err := s.lock.TryLock()
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", s.lock.Path(), err)
	}
	return ok, nil
}

func (s *FileStore) Unlock() error {
	if err := s.lock.Unlock(); err != nil {
		return fmt.Errorf("unlock %s: %w", s.lock.Path(), err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context) (*model.MigrationCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if stderrors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cursor: %w", err)
	}

	var c model.MigrationCursor
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse cursor %s: %w", s.path, err)
	}
	return &c, nil
}

func (s *FileStore) Save(ctx context.Context, c *model.MigrationCursor) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal cursor: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create cursor temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write cursor: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync cursor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close cursor: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish cursor: %w", err)
	}
	return nil
}

func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove cursor: %w", err)
	}
	return nil
}

// MemoryStore keeps the cursor in process, for tests and deployments that
// accept re-archiving after a crash
type MemoryStore struct {
	mu     sync.Mutex
	cursor *model.MigrationCursor
	saves  int
	locked bool
}

// NewMemoryStore creates an empty in-memory cursor store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(ctx context.Context) (*model.MigrationCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor == nil {
		return nil, nil
	}
	return s.cursor.Snapshot(), nil
}

func (s *MemoryStore) Save(ctx context.Context, c *model.MigrationCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = c.Snapshot()
	s.saves++
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = nil
	return nil
}

func (s *MemoryStore) TryLock(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return false, nil
	}
	s.locked = true
	return true, nil
}

func (s *MemoryStore) Unlock() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked = false
	return nil
}

// Saves returns how many times a cursor was persisted
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
