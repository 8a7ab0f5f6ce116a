package service

import (
	"context"
	stderrors "errors"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/tierstore/internal/errors"
	"github.com/devrev/pairdb/tierstore/internal/metrics"
	"github.com/devrev/pairdb/tierstore/internal/model"
	"github.com/devrev/pairdb/tierstore/internal/storage"
	"github.com/devrev/pairdb/tierstore/internal/storage/batch"
	"github.com/devrev/pairdb/tierstore/internal/validation"
)

// Read resolution paths, used as metric labels
const (
	pathHot   = "hot"
	pathIndex = "index"
	pathScan  = "scan"
)

// ReadConfig holds read router configuration
type ReadConfig struct {
	FallbackTimeout     time.Duration
	DegradedScanEnabled bool
	BatchCacheSize      int
}

// ReadService resolves a record from whichever tier holds it: the hot tier
// first, then the archive through the locator index, and a newest-first
// archive scan as a degraded mode
type ReadService struct {
	hot       storage.HotStore
	cold      storage.ColdStore
	locator   *LocatorService
	codec     *batch.Codec
	validator *validation.Validator
	cache     *lru.Cache
	cfg       ReadConfig
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewReadService creates a read router. locator is nil when the index is
// disabled, in which case every cold read scans.
func NewReadService(
	hot storage.HotStore,
	cold storage.ColdStore,
	locator *LocatorService,
	codec *batch.Codec,
	cfg ReadConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*ReadService, error) {
	s := &ReadService{
		hot:       hot,
		cold:      cold,
		locator:   locator,
		codec:     codec,
		validator: validation.NewValidator(),
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
	}
	if cfg.BatchCacheSize > 0 {
		cache, err := lru.New(cfg.BatchCacheSize)
		if err != nil {
			return nil, err
		}
		s.cache = cache
	}
	return s, nil
}

// Read returns a copy of the record addressed by (partitionKey, id)
func (s *ReadService) Read(ctx context.Context, partitionKey, id string) (*model.Record, error) {
	if err := s.validator.ValidateKey(partitionKey, id); err != nil {
		return nil, err
	}
	start := time.Now()

	r, err := s.hot.Get(ctx, partitionKey, id)
	if err == nil {
		s.metrics.RecordRead(pathHot, "ok", time.Since(start).Seconds())
		return r.Clone(), nil
	}
	if !errors.IsNotFound(err) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		s.metrics.RecordRead(pathHot, errors.ErrCodeStoreUnavailable.String(), time.Since(start).Seconds())
		return nil, errors.Unavailable("hot tier lookup failed", err).
			WithDetail("partition_key", partitionKey).
			WithDetail("id", id)
	}

	coldCtx, cancel := context.WithTimeout(ctx, s.cfg.FallbackTimeout)
	defer cancel()

	key := model.RecordKey{PartitionKey: partitionKey, ID: id}
	r, path, err := s.readCold(coldCtx, key)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if stderrors.Is(coldCtx.Err(), context.DeadlineExceeded) {
			err = errors.ReadTimeout(partitionKey, id, err)
		}
		s.metrics.RecordRead(path, errors.GetCode(err).String(), time.Since(start).Seconds())
		return nil, err
	}

	s.metrics.RecordRead(path, "ok", time.Since(start).Seconds())
	return r, nil
}

func (s *ReadService) readCold(ctx context.Context, key model.RecordKey) (*model.Record, string, error) {
	if s.locator == nil {
		r, err := s.scan(ctx, key)
		return r, pathScan, err
	}

	batchName, found, err := s.locator.Lookup(key.PartitionKey, key.ID)
	switch {
	case err != nil:
		// Stale reference: heal in the background, answer this read by scanning
		s.locator.RequestRebuild()
		r, err := s.scan(ctx, key)
		return r, pathScan, err

	case found:
		r, err := s.readIndexed(ctx, batchName, key)
		if errors.HasCode(err, errors.ErrCodeStaleReference) {
			r, err = s.scan(ctx, key)
			return r, pathScan, err
		}
		return r, pathIndex, err

	case !s.locator.Ready():
		if !s.cfg.DegradedScanEnabled {
			return nil, pathIndex, errors.IndexUnavailable("locator index is not ready and degraded scan is disabled")
		}
		r, err := s.scan(ctx, key)
		return r, pathScan, err

	default:
		// The archive may hold batches from cycles run by other processes
		added, err := s.locator.Refresh(ctx)
		if err != nil {
			return nil, pathIndex, err
		}
		if added > 0 {
			if batchName, found, err := s.locator.Lookup(key.PartitionKey, key.ID); found && err == nil {
				r, err := s.readIndexed(ctx, batchName, key)
				return r, pathIndex, err
			}
		}
		return nil, pathIndex, errors.RecordNotFound(key.PartitionKey, key.ID)
	}
}

// readIndexed fetches the single batch the index points at
func (s *ReadService) readIndexed(ctx context.Context, batchName string, key model.RecordKey) (*model.Record, error) {
	if s.locator.IsQuarantined(batchName) {
		return nil, errors.CorruptArchive(batchName, "batch is quarantined", nil)
	}

	records, err := s.fetch(ctx, batchName)
	if err != nil {
		switch {
		case errors.IsNotFound(err):
			s.locator.Invalidate(batchName)
			return nil, errors.StaleReference(batchName)
		case errors.HasCode(err, errors.ErrCodeCorruptArchive):
			s.locator.Quarantine(ctx, batchName, err.Error())
		}
		return nil, err
	}

	if r := find(records, key); r != nil {
		return r, nil
	}
	s.logger.Warn("Indexed batch does not contain record",
		zap.String("batch", batchName),
		zap.String("key", key.String()))
	return nil, errors.RecordNotFound(key.PartitionKey, key.ID)
}

// scan walks the archive newest-first and stops at the first batch holding
// the record. Quarantined and unreadable batches are skipped; if any were
// skipped and nothing matched the result is CorruptArchive, not NotFound.
func (s *ReadService) scan(ctx context.Context, key model.RecordKey) (*model.Record, error) {
	s.metrics.RecordDegradedScan()

	names, err := s.cold.List(ctx, batch.NamePrefix)
	if err != nil {
		return nil, err
	}
	infos, _ := batch.SortNewestFirst(names)

	var skipped []string
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.locator != nil && s.locator.IsQuarantined(info.Name) {
			skipped = append(skipped, info.Name)
			continue
		}

		records, err := s.fetch(ctx, info.Name)
		switch {
		case errors.IsNotFound(err):
			continue
		case errors.HasCode(err, errors.ErrCodeCorruptArchive):
			if s.locator != nil {
				s.locator.Quarantine(ctx, info.Name, err.Error())
			} else {
				s.logger.Error("Skipping corrupt batch during scan",
					zap.String("batch", info.Name), zap.Error(err))
			}
			skipped = append(skipped, info.Name)
			continue
		case err != nil:
			return nil, err
		}

		if r := find(records, key); r != nil {
			return r, nil
		}
	}

	if len(skipped) > 0 {
		return nil, errors.NewStorageError(errors.ErrCodeCorruptArchive,
			"record not found in readable batches; corrupt batches were skipped", nil).
			WithDetail("skipped_batches", skipped)
	}
	return nil, errors.RecordNotFound(key.PartitionKey, key.ID)
}

// fetch returns the decoded records of a batch, from the cache when
// possible. Cached slices are shared and must not be modified.
func (s *ReadService) fetch(ctx context.Context, batchName string) ([]*model.Record, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(batchName); ok {
			s.metrics.RecordBatchCache(true)
			return v.([]*model.Record), nil
		}
		s.metrics.RecordBatchCache(false)
	}

	data, err := s.cold.Get(ctx, batchName)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordColdFetch()

	records, err := s.codec.DecodeNamed(batchName, data)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Add(batchName, records)
	}
	return records, nil
}

// InvalidateCache drops a batch from the decoded batch cache
func (s *ReadService) InvalidateCache(batchName string) {
	if s.cache != nil {
		s.cache.Remove(batchName)
	}
}

func find(records []*model.Record, key model.RecordKey) *model.Record {
	for _, r := range records {
		if r.ID == key.ID && r.PartitionKey == key.PartitionKey {
			return r.Clone()
		}
	}
	return nil
}
