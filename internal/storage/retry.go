package storage

import (
	"context"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/tierstore/internal/errors"
	"github.com/devrev/pairdb/tierstore/internal/model"
	"github.com/devrev/pairdb/tierstore/internal/util/retry"
)

// RetryingHotStore retries transient Query and Get failures. Delete is passed
// through: the archival coordinator owns delete retries and their budget.
type RetryingHotStore struct {
	next   HotStore
	policy retry.Policy
	logger *zap.Logger
}

// WithHotRetry wraps a hot store with bounded exponential backoff
func WithHotRetry(next HotStore, policy retry.Policy, logger *zap.Logger) *RetryingHotStore {
	return &RetryingHotStore{next: next, policy: policy, logger: logger}
}

func (s *RetryingHotStore) Query(ctx context.Context, q model.RangeQuery) ([]*model.Record, error) {
	var records []*model.Record
	err := retry.Do(ctx, s.policy, s.logger, "hot.query", errors.IsRetryable, func(ctx context.Context) error {
		var err error
		records, err = s.next.Query(ctx, q)
		return err
	})
	return records, err
}

func (s *RetryingHotStore) Get(ctx context.Context, partitionKey, id string) (*model.Record, error) {
	var record *model.Record
	err := retry.Do(ctx, s.policy, s.logger, "hot.get", errors.IsRetryable, func(ctx context.Context) error {
		var err error
		record, err = s.next.Get(ctx, partitionKey, id)
		return err
	})
	return record, err
}

func (s *RetryingHotStore) Delete(ctx context.Context, partitionKey, id string) error {
	return s.next.Delete(ctx, partitionKey, id)
}

// Ping forwards to the wrapped store when it supports it
func (s *RetryingHotStore) Ping(ctx context.Context) error {
	if p, ok := s.next.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// RetryingColdStore retries transient Get and List failures. PutOnce is
// passed through so the coordinator can resolve ambiguous writes itself.
type RetryingColdStore struct {
	next   ColdStore
	policy retry.Policy
	logger *zap.Logger
}

// WithColdRetry wraps a cold store with bounded exponential backoff
func WithColdRetry(next ColdStore, policy retry.Policy, logger *zap.Logger) *RetryingColdStore {
	return &RetryingColdStore{next: next, policy: policy, logger: logger}
}

func (s *RetryingColdStore) PutOnce(ctx context.Context, name string, data []byte) error {
	return s.next.PutOnce(ctx, name, data)
}

func (s *RetryingColdStore) Get(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := retry.Do(ctx, s.policy, s.logger, "cold.get", errors.IsRetryable, func(ctx context.Context) error {
		var err error
		data, err = s.next.Get(ctx, name)
		return err
	})
	return data, err
}

func (s *RetryingColdStore) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	err := retry.Do(ctx, s.policy, s.logger, "cold.list", errors.IsRetryable, func(ctx context.Context) error {
		var err error
		names, err = s.next.List(ctx, prefix)
		return err
	})
	return names, err
}

// Ping forwards to the wrapped store when it supports it
func (s *RetryingColdStore) Ping(ctx context.Context) error {
	if p, ok := s.next.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
