package hotstore

import (
	"context"
	"sync"

	"github.com/devrev/pairdb/tierstore/internal/errors"
	"github.com/devrev/pairdb/tierstore/internal/model"
)

// MemoryStore is an in-process hot store ordered by a skip list
type MemoryStore struct {
	mu     sync.RWMutex
	list   *skipList
	byKey  map[string]string // composite key -> order key
	closed bool
}

// NewMemoryStore creates an empty in-memory hot store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		list:  newSkipList(),
		byKey: make(map[string]string),
	}
}

// Put inserts or replaces a record
func (s *MemoryStore) Put(ctx context.Context, r *model.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkTimestamp(r); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Unavailable("memory hot store is closed", nil)
	}

	composite := r.Key().Composite()
	if old, ok := s.byKey[composite]; ok {
		s.list.delete(old)
	}
	key := orderKey(r.Timestamp, r.PartitionKey, r.ID)
	s.list.insert(key, r.Clone())
	s.byKey[composite] = key
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, q model.RangeQuery) ([]*model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.Unavailable("memory hot store is closed", nil)
	}

	before := timeKey(q.Before)
	var records []*model.Record
	for node := s.list.seekAfter(positionKey(q.After)); node != nil; node = node.forward[0] {
		if node.key >= before {
			break
		}
		if q.Limit > 0 && len(records) >= q.Limit {
			break
		}
		records = append(records, node.record.Clone())
	}
	return records, nil
}

func (s *MemoryStore) Get(ctx context.Context, partitionKey, id string) (*model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.Unavailable("memory hot store is closed", nil)
	}

	key, ok := s.byKey[model.RecordKey{PartitionKey: partitionKey, ID: id}.Composite()]
	if !ok {
		return nil, errors.RecordNotFound(partitionKey, id)
	}
	record, ok := s.list.search(key)
	if !ok {
		return nil, errors.RecordNotFound(partitionKey, id)
	}
	return record.Clone(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, partitionKey, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Unavailable("memory hot store is closed", nil)
	}

	composite := model.RecordKey{PartitionKey: partitionKey, ID: id}.Composite()
	if key, ok := s.byKey[composite]; ok {
		s.list.delete(key)
		delete(s.byKey, composite)
	}
	return nil
}

// Len returns the number of stored records
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.list.len()
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.Unavailable("memory hot store is closed", nil)
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
