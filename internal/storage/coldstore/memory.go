// Package coldstore holds the cold tier adapters: local filesystem, Google
// Cloud Storage and an in-process store.
package coldstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/devrev/pairdb/tierstore/internal/errors"
)

// MemoryStore is an in-process write-once object store
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte

	gets  atomic.Int64
	puts  atomic.Int64
	lists atomic.Int64
}

// NewMemoryStore creates an empty in-memory cold store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (s *MemoryStore) PutOnce(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.puts.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[name]; ok {
		return errors.ObjectExists(name)
	}
	s.objects[name] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.gets.Add(1)

	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[name]
	if !ok {
		return nil, errors.ObjectNotFound(name)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.lists.Add(1)

	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.objects))
	for name := range s.objects {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Remove deletes an object out of band. Archival never removes objects; this
// exists for retention tooling and for exercising missing-batch handling.
func (s *MemoryStore) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, name)
}

// Overwrite replaces an object's bytes out of band, bypassing write-once
func (s *MemoryStore) Overwrite(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[name] = append([]byte(nil), data...)
}

// Len returns the number of stored objects
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// Gets returns the number of Get calls served
func (s *MemoryStore) Gets() int64 { return s.gets.Load() }

// Puts returns the number of PutOnce calls served
func (s *MemoryStore) Puts() int64 { return s.puts.Load() }

// Lists returns the number of List calls served
func (s *MemoryStore) Lists() int64 { return s.lists.Load() }

// ResetCounters zeroes the call counters
func (s *MemoryStore) ResetCounters() {
	s.gets.Store(0)
	s.puts.Store(0)
	s.lists.Store(0)
}
