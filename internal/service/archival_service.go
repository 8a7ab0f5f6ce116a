package service

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/devrev/pairdb/tierstore/internal/errors"
	"github.com/devrev/pairdb/tierstore/internal/metrics"
	"github.com/devrev/pairdb/tierstore/internal/model"
	"github.com/devrev/pairdb/tierstore/internal/storage"
	"github.com/devrev/pairdb/tierstore/internal/storage/batch"
	"github.com/devrev/pairdb/tierstore/internal/util/retry"
	"github.com/devrev/pairdb/tierstore/internal/util/workerpool"
)

// Overlap policies
const (
	OverlapSkip  = "skip"
	OverlapQueue = "queue"
)

// How often a queued cycle retries a cursor lock held by another process
const cursorLockPoll = 200 * time.Millisecond

// ArchivalConfig holds archival coordinator configuration
type ArchivalConfig struct {
	BatchSize          int
	Concurrency        int
	DeleteRetryLimit   int           // Retries after the first delete attempt
	DeleteRetryBackoff time.Duration // Initial backoff, doubled per retry
	DeleteRateLimit    float64       // Deletes per second, 0 = unlimited
	DeleteBurst        int
	OverlapPolicy      string
	CycleTimeout       time.Duration
	WriteRetry         retry.Policy // Cold write attempts for one batch
}

// ArchivalService moves records older than a cutoff from the hot tier to
// immutable cold batches. A record is deleted from the hot tier only after
// the batch holding it is confirmed in cold storage and registered in the
// locator index.
type ArchivalService struct {
	hot     storage.HotStore
	cold    storage.ColdStore
	codec   *batch.Codec
	namer   *batch.Namer
	locator *LocatorService
	cursors storage.CursorStore
	pool    *workerpool.WorkerPool
	limiter *rate.Limiter
	cfg     ArchivalConfig
	metrics *metrics.Metrics
	logger  *zap.Logger

	// Holds one token while a cycle runs
	sem chan struct{}
}

// NewArchivalService creates an archival coordinator. locator may be nil
// when the index is disabled; deletes then rely on degraded scans.
func NewArchivalService(
	hot storage.HotStore,
	cold storage.ColdStore,
	codec *batch.Codec,
	namer *batch.Namer,
	locator *LocatorService,
	cursors storage.CursorStore,
	pool *workerpool.WorkerPool,
	cfg ArchivalConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *ArchivalService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.OverlapPolicy == "" {
		cfg.OverlapPolicy = OverlapSkip
	}
	if cfg.WriteRetry.MaxAttempts <= 0 {
		cfg.WriteRetry = retry.Policy{MaxAttempts: 3, InitialBackoff: 100 * time.Millisecond, MaxBackoff: 2 * time.Second}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.DeleteRateLimit > 0 {
		burst := cfg.DeleteBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.DeleteRateLimit), burst)
	}

	return &ArchivalService{
		hot:     hot,
		cold:    cold,
		codec:   codec,
		namer:   namer,
		locator: locator,
		cursors: cursors,
		pool:    pool,
		limiter: limiter,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		sem:     make(chan struct{}, 1),
	}
}

// RunCycle archives every hot record with Timestamp < cutoff. Batch write
// and delete failures are reported in the result; the returned error is set
// when the cycle could not run or was cut short.
func (s *ArchivalService) RunCycle(ctx context.Context, cutoff time.Time) (*model.CycleResult, error) {
	if err := s.acquire(ctx); err != nil {
		if errors.HasCode(err, errors.ErrCodeCycleInProgress) {
			s.metrics.RecordCycle("skipped", 0)
		}
		return nil, err
	}
	defer s.release()

	if s.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CycleTimeout)
		defer cancel()
	}

	result := &model.CycleResult{
		CycleID:   uuid.NewString(),
		Cutoff:    cutoff.UTC(),
		StartedAt: time.Now(),
	}
	logger := s.logger.With(zap.String("cycle_id", result.CycleID))
	logger.Info("Archival cycle started", zap.Time("cutoff", result.Cutoff))

	err := s.runCycle(ctx, result, logger)
	result.FinishedAt = time.Now()

	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	s.metrics.RecordCycle(outcome, result.Duration().Seconds())

	fields := []zap.Field{
		zap.Int("selected", result.RecordsSelected),
		zap.Int("archived", result.RecordsArchived),
		zap.Int("deleted", result.RecordsDeleted),
		zap.Int("recovered_deletes", result.RecoveredDeletes),
		zap.Int("batches", len(result.BatchesWritten)),
		zap.Int("failed_batches", result.FailedBatches),
		zap.Int("delete_failures", len(result.DeleteFailures)),
		zap.Duration("duration", result.Duration()),
	}
	if err != nil {
		logger.Error("Archival cycle failed", append(fields, zap.Error(err))...)
		return result, err
	}
	logger.Info("Archival cycle completed", fields...)
	return result, nil
}

func (s *ArchivalService) runCycle(ctx context.Context, result *model.CycleResult, logger *zap.Logger) error {
	if err := s.recover(ctx, result, logger); err != nil {
		return fmt.Errorf("recover interrupted cycle: %w", err)
	}

	tracker := &cursorTracker{
		store: s.cursors,
		cursor: &model.MigrationCursor{
			CycleID:   result.CycleID,
			Cutoff:    result.Cutoff,
			StartedAt: result.StartedAt,
		},
		logger: logger,
	}
	if err := tracker.save(ctx); err != nil {
		return fmt.Errorf("create migration cursor: %w", err)
	}

	if err := s.archive(ctx, result, tracker, logger); err != nil {
		// In-flight batches stay in the cursor for the next cycle
		return err
	}

	if err := s.cursors.Clear(ctx); err != nil {
		logger.Warn("Failed to clear migration cursor", zap.Error(err))
	}
	return nil
}

// archive pages through eligible records and hands each page to a bounded
// set of concurrent page workers. Pagination stays sequential; a page's
// deletes never affect positions after its last record.
func (s *ArchivalService) archive(ctx context.Context, result *model.CycleResult, tracker *cursorTracker, logger *zap.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	var (
		after    *model.Position
		queryErr error
	)
	for gctx.Err() == nil {
		page, err := s.hot.Query(gctx, model.RangeQuery{
			Before: result.Cutoff,
			After:  after,
			Limit:  s.cfg.BatchSize,
		})
		if err != nil {
			queryErr = fmt.Errorf("select eligible records: %w", err)
			break
		}
		if len(page) == 0 {
			break
		}

		result.AddSelected(len(page))
		s.metrics.RecordSelected(len(page))
		after = model.PositionOf(page[len(page)-1])

		g.Go(func() error {
			return s.archivePage(gctx, result, tracker, page, logger)
		})

		if len(page) < s.cfg.BatchSize {
			break
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if queryErr != nil {
		return queryErr
	}
	return ctx.Err()
}

// archivePage runs the write-before-delete protocol for one page. It only
// returns an error when the cycle must stop.
func (s *ArchivalService) archivePage(ctx context.Context, result *model.CycleResult, tracker *cursorTracker, page []*model.Record, logger *zap.Logger) error {
	data, err := s.codec.Encode(page)
	if err != nil {
		result.AddFailedBatch()
		s.metrics.RecordBatchWriteFailure()
		logger.Error("Failed to encode batch", zap.Int("records", len(page)), zap.Error(err))
		return nil
	}
	name := s.namer.Name(result.Cutoff, data)

	start := time.Now()
	if err := s.writeBatch(ctx, name, data); err != nil {
		result.AddFailedBatch()
		s.metrics.RecordBatchWriteFailure()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Error("Batch write not confirmed, keeping records in hot tier",
			zap.String("batch", name),
			zap.Int("records", len(page)),
			zap.Error(err))
		return nil
	}
	result.AddBatch(name, len(page))
	s.metrics.RecordBatchWrite(len(page), len(data), time.Since(start).Seconds())

	keys := make([]model.RecordKey, len(page))
	for i, r := range page {
		keys[i] = r.Key()
	}

	if s.locator != nil {
		if err := s.locator.Record(ctx, name, keys); err != nil {
			logger.Error("Failed to index batch, keeping records in hot tier",
				zap.String("batch", name), zap.Error(err))
			return nil
		}
	}

	if err := tracker.add(ctx, name, keys); err != nil {
		logger.Warn("Failed to persist migration cursor; an interruption now re-archives this batch",
			zap.String("batch", name), zap.Error(err))
	}

	deleted, failed := s.deleteRecords(ctx, keys, logger)
	result.AddDeletes(deleted, failed)
	s.metrics.RecordDeletes(deleted, len(failed))

	if ctx.Err() != nil {
		// Leave the batch in the cursor so the next cycle finishes it
		return ctx.Err()
	}
	if err := tracker.complete(ctx, name); err != nil {
		logger.Warn("Failed to update migration cursor", zap.String("batch", name), zap.Error(err))
	}

	logger.Debug("Batch archived",
		zap.String("batch", name),
		zap.Int("records", len(page)),
		zap.Int("deleted", deleted),
		zap.Int("delete_failures", len(failed)))
	return nil
}

// writeBatch writes data under name, retrying transient failures with the
// same name. An ObjectExists answer is a success when the stored bytes
// match, which is how a retry detects that an earlier ambiguous attempt
// went through.
func (s *ArchivalService) writeBatch(ctx context.Context, name string, data []byte) error {
	return retry.Do(ctx, s.cfg.WriteRetry, s.logger, "cold.put", errors.IsRetryable, func(ctx context.Context) error {
		err := s.cold.PutOnce(ctx, name, data)
		if !errors.HasCode(err, errors.ErrCodeObjectExists) {
			return err
		}

		stored, getErr := s.cold.Get(ctx, name)
		if getErr != nil {
			return getErr
		}
		if !bytes.Equal(stored, data) {
			return err
		}
		s.logger.Info("Batch already present with identical content", zap.String("batch", name))
		return nil
	})
}

// deleteRecords deletes keys from the hot tier on the worker pool,
// throttled by the delete rate limiter. Each delete is retried with bounded
// exponential backoff; keys still failing are returned.
func (s *ArchivalService) deleteRecords(ctx context.Context, keys []model.RecordKey, logger *zap.Logger) (int, []model.RecordKey) {
	policy := retry.Policy{
		MaxAttempts:    s.cfg.DeleteRetryLimit + 1,
		InitialBackoff: s.cfg.DeleteRetryBackoff,
		MaxBackoff:     s.cfg.DeleteRetryBackoff * 32,
	}
	retryable := func(err error) bool {
		return !errors.HasCode(err, errors.ErrCodeInvalidArgument)
	}

	b := s.pool.NewBatch()
	for _, k := range keys {
		k := k
		b.Go(ctx, k.Composite(), func(ctx context.Context) error {
			return retry.Do(ctx, policy, s.logger, "hot.delete", retryable, func(ctx context.Context) error {
				if err := s.limiter.Wait(ctx); err != nil {
					return err
				}
				return s.hot.Delete(ctx, k.PartitionKey, k.ID)
			})
		})
	}
	errs := b.Wait()

	var failed []model.RecordKey
	for _, k := range keys {
		if err, ok := errs[k.Composite()]; ok {
			failed = append(failed, k)
			logger.Warn("Hot delete failed, record stays in hot tier until the next cycle",
				zap.String("key", k.String()), zap.Error(err))
		}
	}
	return len(keys) - len(failed), failed
}

// recover finishes the deletes of a cycle that was interrupted after some
// of its batches were confirmed
func (s *ArchivalService) recover(ctx context.Context, result *model.CycleResult, logger *zap.Logger) error {
	prev, err := s.cursors.Load(ctx)
	if err != nil {
		return err
	}
	if prev == nil {
		return nil
	}

	logger.Warn("Found migration cursor of an interrupted cycle",
		zap.String("previous_cycle_id", prev.CycleID),
		zap.Time("previous_cutoff", prev.Cutoff),
		zap.Int("in_flight_batches", len(prev.InFlight)))

	for _, inflight := range prev.InFlight {
		data, err := s.cold.Get(ctx, inflight.Batch)
		if errors.IsNotFound(err) {
			logger.Warn("In-flight batch is missing, its records will be re-archived",
				zap.String("batch", inflight.Batch))
			continue
		}
		if err != nil {
			return err
		}

		records, err := s.codec.DecodeNamed(inflight.Batch, data)
		if err != nil {
			if s.locator != nil {
				s.locator.Quarantine(ctx, inflight.Batch, err.Error())
			}
			logger.Error("In-flight batch is unreadable, keeping its records in hot tier",
				zap.String("batch", inflight.Batch), zap.Error(err))
			continue
		}

		inBatch := make(map[string]struct{}, len(records))
		batchKeys := make([]model.RecordKey, len(records))
		for i, r := range records {
			batchKeys[i] = r.Key()
			inBatch[batchKeys[i].Composite()] = struct{}{}
		}
		if s.locator != nil {
			if err := s.locator.Record(ctx, inflight.Batch, batchKeys); err != nil {
				return err
			}
		}

		// Only delete what the batch provably holds
		keys := make([]model.RecordKey, 0, len(inflight.Keys))
		for _, k := range inflight.Keys {
			if _, ok := inBatch[k.Composite()]; ok {
				keys = append(keys, k)
			}
		}

		deleted, failed := s.deleteRecords(ctx, keys, logger)
		result.AddRecovered(deleted)
		result.AddDeletes(0, failed)
		s.metrics.RecordRecovered(deleted)
		s.metrics.RecordDeletes(0, len(failed))
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	return s.cursors.Clear(ctx)
}

// acquire claims the in-process slot, then the cursor lock shared with
// other processes running cycles against the same cursor
func (s *ArchivalService) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
	default:
		if s.cfg.OverlapPolicy != OverlapQueue {
			return errors.CycleInProgress()
		}
		s.logger.Info("Archival cycle in progress, waiting")
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := s.lockCursor(ctx); err != nil {
		<-s.sem
		return err
	}
	return nil
}

func (s *ArchivalService) lockCursor(ctx context.Context) error {
	waiting := false
	for {
		ok, err := s.cursors.TryLock(ctx)
		if err != nil {
			return errors.Unavailable("acquire migration cursor lock", err)
		}
		if ok {
			return nil
		}
		if s.cfg.OverlapPolicy != OverlapQueue {
			return errors.CycleInProgress().WithDetail("holder", "another process")
		}
		if !waiting {
			s.logger.Info("Migration cursor held by another process, waiting")
			waiting = true
		}

		t := time.NewTimer(cursorLockPoll)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

func (s *ArchivalService) release() {
	if err := s.cursors.Unlock(); err != nil {
		s.logger.Warn("Failed to release migration cursor lock", zap.Error(err))
	}
	<-s.sem
}

// cursorTracker serializes updates of the running cycle's cursor
type cursorTracker struct {
	mu     sync.Mutex
	store  storage.CursorStore
	cursor *model.MigrationCursor
	logger *zap.Logger
}

func (t *cursorTracker) save(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.store.Save(ctx, t.cursor.Snapshot())
}

func (t *cursorTracker) add(ctx context.Context, batchName string, keys []model.RecordKey) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cursor.Add(batchName, keys)
	return t.store.Save(ctx, t.cursor.Snapshot())
}

func (t *cursorTracker) complete(ctx context.Context, batchName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cursor.Complete(batchName)
	return t.store.Save(ctx, t.cursor.Snapshot())
}
