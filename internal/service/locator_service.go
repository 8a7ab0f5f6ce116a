package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/devrev/pairdb/tierstore/internal/errors"
	"github.com/devrev/pairdb/tierstore/internal/metrics"
	"github.com/devrev/pairdb/tierstore/internal/model"
	"github.com/devrev/pairdb/tierstore/internal/storage"
	"github.com/devrev/pairdb/tierstore/internal/storage/batch"
)

const asyncRebuildTimeout = 30 * time.Minute

// LocatorConfig holds locator index configuration
type LocatorConfig struct {
	RebuildConcurrency int
}

type locatorEntry struct {
	batch string
	seq   int64
}

// QuarantinedBatch is a batch excluded from automated reads
type QuarantinedBatch struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// LocatorService maps archived record keys to the batch holding them. When a
// key appears in several batches the most recently created one wins.
type LocatorService struct {
	cold    storage.ColdStore
	codec   *batch.Codec
	journal storage.IndexJournal
	cfg     LocatorConfig
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu      sync.RWMutex
	entries map[string]locatorEntry
	batches map[string]storage.JournalBatch

	// Batches found absent from cold storage since the last rebuild
	missing     map[string]struct{}
	quarantined map[string]string

	// Registrations that raced an in-progress rebuild
	pending map[string]storage.JournalBatch

	ready        atomic.Bool
	rebuildMu    sync.Mutex
	asyncPending atomic.Bool
	refreshes    singleflight.Group

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewLocatorService creates an empty, not yet ready, locator index. journal
// may be nil.
func NewLocatorService(
	cold storage.ColdStore,
	codec *batch.Codec,
	journal storage.IndexJournal,
	cfg LocatorConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *LocatorService {
	if cfg.RebuildConcurrency <= 0 {
		cfg.RebuildConcurrency = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocatorService{
		cold:        cold,
		codec:       codec,
		journal:     journal,
		cfg:         cfg,
		metrics:     m,
		logger:      logger,
		entries:     make(map[string]locatorEntry),
		batches:     make(map[string]storage.JournalBatch),
		missing:     make(map[string]struct{}),
		quarantined: make(map[string]string),
		baseCtx:     ctx,
		cancel:      cancel,
	}
}

// Record registers every key of a confirmed batch. Readers observe either
// none or all of the batch's keys.
func (s *LocatorService) Record(ctx context.Context, batchName string, keys []model.RecordKey) error {
	info, err := batch.ParseName(batchName)
	if err != nil {
		return err
	}
	jb := storage.JournalBatch{Name: batchName, Sequence: info.Sequence, Keys: keys}

	s.mu.Lock()
	s.apply(jb)
	delete(s.missing, batchName)
	if s.pending != nil {
		s.pending[batchName] = jb
	}
	s.mu.Unlock()
	s.publishStats()

	if s.journal != nil {
		if err := s.journal.RecordBatch(ctx, jb); err != nil {
			// The in-memory index is authoritative; startup reconciliation
			// decodes batches the journal does not know
			s.logger.Warn("Failed to journal batch registration",
				zap.String("batch", batchName),
				zap.Error(err))
		}
	}
	return nil
}

// apply must be called with mu held
func (s *LocatorService) apply(jb storage.JournalBatch) {
	applyTo(s.entries, jb)
	s.batches[jb.Name] = jb
}

func applyTo(entries map[string]locatorEntry, jb storage.JournalBatch) {
	for _, k := range jb.Keys {
		c := k.Composite()
		if cur, ok := entries[c]; ok && cur.seq > jb.Sequence {
			continue
		}
		entries[c] = locatorEntry{batch: jb.Name, seq: jb.Sequence}
	}
}

// Lookup returns the batch holding the record. found is false when the index
// has no entry. A StaleReference error means the entry points at a batch that
// was found missing.
func (s *LocatorService) Lookup(partitionKey, id string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[model.RecordKey{PartitionKey: partitionKey, ID: id}.Composite()]
	if !ok {
		return "", false, nil
	}
	if _, gone := s.missing[e.batch]; gone {
		return e.batch, true, errors.StaleReference(e.batch)
	}
	return e.batch, true, nil
}

// Ready reports whether the index reflects the whole archive
func (s *LocatorService) Ready() bool {
	return s.ready.Load()
}

// Stats returns the number of indexed keys and batches
func (s *LocatorService) Stats() (entries, batches int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), len(s.batches)
}

// Invalidate marks a batch as missing and schedules a rebuild
func (s *LocatorService) Invalidate(batchName string) {
	s.mu.Lock()
	s.missing[batchName] = struct{}{}
	s.mu.Unlock()

	s.metrics.RecordStaleReference()
	s.logger.Warn("Locator index references a missing batch",
		zap.String("batch", batchName))
	s.RequestRebuild()
}

// RequestRebuild starts an asynchronous rebuild unless one is already queued
func (s *LocatorService) RequestRebuild() {
	if !s.asyncPending.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.asyncPending.Store(false)

		ctx, cancel := context.WithTimeout(s.baseCtx, asyncRebuildTimeout)
		defer cancel()
		if err := s.Rebuild(ctx); err != nil && s.baseCtx.Err() == nil {
			s.logger.Error("Background index rebuild failed", zap.Error(err))
		}
	}()
}

// Rebuild reconstructs the index by listing and decoding every batch.
// Registrations made while it runs are merged into the result.
func (s *LocatorService) Rebuild(ctx context.Context) error {
	s.rebuildMu.Lock()
	defer s.rebuildMu.Unlock()

	start := time.Now()
	s.logger.Info("Rebuilding locator index")

	s.beginRebuild()
	res, err := s.scanArchive(ctx, nil)
	if err != nil {
		s.abortRebuild()
		s.metrics.RecordRebuild("failed", time.Since(start).Seconds())
		return fmt.Errorf("rebuild locator index: %w", err)
	}
	s.commitRebuild(res)

	if s.journal != nil {
		if err := s.journal.Replace(ctx, res.batches); err != nil {
			s.logger.Warn("Failed to replace index journal", zap.Error(err))
		}
		s.journalQuarantine(ctx, res.corrupt)
	}

	entries, batches := s.Stats()
	s.metrics.RecordRebuild("ok", time.Since(start).Seconds())
	s.logger.Info("Locator index rebuilt",
		zap.Int("entries", entries),
		zap.Int("batches", batches),
		zap.Int("quarantined", len(res.corrupt)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// Load warms the index at startup. With a journal, journaled batches are
// trusted and only batches the journal does not know are decoded; journal
// entries for batches no longer listed are dropped. Without a journal it is
// a full Rebuild.
func (s *LocatorService) Load(ctx context.Context) error {
	if s.journal == nil {
		return s.Rebuild(ctx)
	}

	state, err := s.journal.Load(ctx)
	if err != nil {
		s.logger.Warn("Failed to load index journal, rebuilding from archive", zap.Error(err))
		return s.Rebuild(ctx)
	}

	s.rebuildMu.Lock()
	defer s.rebuildMu.Unlock()

	start := time.Now()
	known := make(map[string]storage.JournalBatch, len(state.Batches))
	for _, b := range state.Batches {
		known[b.Name] = b
	}

	s.beginRebuild()
	res, err := s.scanArchive(ctx, known)
	if err != nil {
		s.abortRebuild()
		s.metrics.RecordRebuild("failed", time.Since(start).Seconds())
		return fmt.Errorf("load locator index: %w", err)
	}

	listed := make(map[string]struct{}, len(res.batches))
	for _, b := range res.batches {
		listed[b.Name] = struct{}{}
	}
	for name, reason := range state.Quarantined {
		if _, ok := res.corrupt[name]; ok {
			continue
		}
		if _, ok := listed[name]; ok {
			res.corrupt[name] = reason
			continue
		}
		if err := s.journal.ClearQuarantined(ctx, name); err != nil {
			s.logger.Warn("Failed to clear quarantine of vanished batch",
				zap.String("batch", name), zap.Error(err))
		}
	}
	s.commitRebuild(res)

	var stale []string
	for name := range known {
		if _, ok := listed[name]; !ok {
			stale = append(stale, name)
		}
	}
	if err := s.journal.DropBatches(ctx, stale); err != nil {
		s.logger.Warn("Failed to drop stale journal batches", zap.Error(err))
	}
	for _, b := range res.batches {
		if _, ok := known[b.Name]; ok {
			continue
		}
		if err := s.journal.RecordBatch(ctx, b); err != nil {
			s.logger.Warn("Failed to journal reconciled batch",
				zap.String("batch", b.Name), zap.Error(err))
		}
	}
	s.journalQuarantine(ctx, res.corrupt)

	entries, batches := s.Stats()
	s.metrics.RecordRebuild("ok", time.Since(start).Seconds())
	s.logger.Info("Locator index loaded",
		zap.Int("entries", entries),
		zap.Int("batches", batches),
		zap.Int("journaled", len(known)-len(stale)),
		zap.Int("dropped", len(stale)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// Refresh registers batches that are listed in cold storage but unknown to
// the index, such as those written by a cycle in another process. It returns
// how many batches were added. Concurrent callers share one listing.
func (s *LocatorService) Refresh(ctx context.Context) (int, error) {
	v, err, _ := s.refreshes.Do("refresh", func() (interface{}, error) {
		return s.refresh(ctx)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (s *LocatorService) refresh(ctx context.Context) (int, error) {
	names, err := s.cold.List(ctx, batch.NamePrefix)
	if err != nil {
		return 0, err
	}
	infos, _ := batch.SortNewestFirst(names)

	s.mu.RLock()
	var unseen []batch.NameInfo
	for _, info := range infos {
		_, known := s.batches[info.Name]
		_, quarantined := s.quarantined[info.Name]
		if !known && !quarantined {
			unseen = append(unseen, info)
		}
	}
	s.mu.RUnlock()
	if len(unseen) == 0 {
		return 0, nil
	}

	var added atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.RebuildConcurrency)
	for _, info := range unseen {
		info := info
		g.Go(func() error {
			data, err := s.cold.Get(gctx, info.Name)
			if errors.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			records, err := s.codec.DecodeNamed(info.Name, data)
			if err != nil {
				s.Quarantine(gctx, info.Name, err.Error())
				return nil
			}
			keys := make([]model.RecordKey, len(records))
			for i, r := range records {
				keys[i] = r.Key()
			}
			if err := s.Record(gctx, info.Name, keys); err != nil {
				return err
			}
			added.Add(1)
			return nil
		})
	}
	err = g.Wait()
	if n := added.Load(); n > 0 {
		s.logger.Info("Registered batches written elsewhere", zap.Int64("batches", n))
	}
	return int(added.Load()), err
}

type scanResult struct {
	batches []storage.JournalBatch
	corrupt map[string]string
}

// scanArchive lists cold storage and resolves the key set of every batch,
// taking it from known when present and decoding the batch otherwise
func (s *LocatorService) scanArchive(ctx context.Context, known map[string]storage.JournalBatch) (*scanResult, error) {
	names, err := s.cold.List(ctx, batch.NamePrefix)
	if err != nil {
		return nil, err
	}
	infos, invalid := batch.SortNewestFirst(names)
	for _, name := range invalid {
		s.logger.Warn("Ignoring object with unrecognized name", zap.String("object", name))
	}

	resolved := make([]*storage.JournalBatch, len(infos))
	reasons := make([]string, len(infos))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.RebuildConcurrency)
	for i, info := range infos {
		if b, ok := known[info.Name]; ok {
			resolved[i] = &b
			continue
		}
		i, info := i, info
		g.Go(func() error {
			data, err := s.cold.Get(gctx, info.Name)
			if errors.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			records, err := s.codec.DecodeNamed(info.Name, data)
			if err != nil {
				reasons[i] = err.Error()
				return nil
			}
			keys := make([]model.RecordKey, len(records))
			for j, r := range records {
				keys[j] = r.Key()
			}
			resolved[i] = &storage.JournalBatch{Name: info.Name, Sequence: info.Sequence, Keys: keys}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &scanResult{corrupt: make(map[string]string)}
	for i, info := range infos {
		switch {
		case resolved[i] != nil:
			res.batches = append(res.batches, *resolved[i])
		case reasons[i] != "":
			res.corrupt[info.Name] = reasons[i]
			s.logger.Error("Quarantining corrupt batch",
				zap.String("batch", info.Name),
				zap.String("reason", reasons[i]))
		}
	}
	return res, nil
}

func (s *LocatorService) beginRebuild() {
	s.mu.Lock()
	s.pending = make(map[string]storage.JournalBatch)
	s.mu.Unlock()
}

func (s *LocatorService) abortRebuild() {
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
}

// commitRebuild swaps in the scanned index, keeping registrations that
// raced the scan and quarantines set by hand on batches that still exist
func (s *LocatorService) commitRebuild(res *scanResult) {
	entries := make(map[string]locatorEntry)
	batches := make(map[string]storage.JournalBatch, len(res.batches))
	for _, b := range res.batches {
		applyTo(entries, b)
		batches[b.Name] = b
	}

	s.mu.Lock()
	for _, b := range s.pending {
		applyTo(entries, b)
		batches[b.Name] = b
	}
	quarantined := make(map[string]string, len(res.corrupt))
	for name, reason := range res.corrupt {
		quarantined[name] = reason
	}
	for name, reason := range s.quarantined {
		if _, ok := batches[name]; ok {
			quarantined[name] = reason
		}
	}
	s.entries = entries
	s.batches = batches
	s.quarantined = quarantined
	s.missing = make(map[string]struct{})
	s.pending = nil
	s.mu.Unlock()

	s.ready.Store(true)
	s.publishStats()
}

func (s *LocatorService) journalQuarantine(ctx context.Context, corrupt map[string]string) {
	for name, reason := range corrupt {
		if err := s.journal.SetQuarantined(ctx, name, reason); err != nil {
			s.logger.Warn("Failed to journal quarantine",
				zap.String("batch", name), zap.Error(err))
		}
	}
}

// Quarantine excludes a batch from automated reads
func (s *LocatorService) Quarantine(ctx context.Context, batchName, reason string) {
	s.mu.Lock()
	_, already := s.quarantined[batchName]
	s.quarantined[batchName] = reason
	s.mu.Unlock()

	if already {
		return
	}
	s.logger.Error("Quarantining corrupt batch",
		zap.String("batch", batchName),
		zap.String("reason", reason))
	s.publishStats()

	if s.journal != nil {
		if err := s.journal.SetQuarantined(ctx, batchName, reason); err != nil {
			s.logger.Warn("Failed to journal quarantine",
				zap.String("batch", batchName), zap.Error(err))
		}
	}
}

// IsQuarantined reports whether reads skip the batch
func (s *LocatorService) IsQuarantined(batchName string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.quarantined[batchName]
	return ok
}

// Release returns a quarantined batch to automated reads, typically after
// an operator restored it. A batch that is still corrupt is quarantined
// again on its next read.
func (s *LocatorService) Release(ctx context.Context, batchName string) error {
	s.mu.Lock()
	_, ok := s.quarantined[batchName]
	delete(s.quarantined, batchName)
	s.mu.Unlock()

	if !ok {
		return errors.NewStorageError(errors.ErrCodeNotFound,
			fmt.Sprintf("batch %s is not quarantined", batchName), nil).
			WithDetail("batch", batchName)
	}
	s.publishStats()
	s.logger.Info("Released quarantined batch", zap.String("batch", batchName))

	if s.journal != nil {
		if err := s.journal.ClearQuarantined(ctx, batchName); err != nil {
			return fmt.Errorf("release %s: %w", batchName, err)
		}
	}
	return nil
}

// Quarantined lists quarantined batches by name
func (s *LocatorService) Quarantined() []QuarantinedBatch {
	s.mu.RLock()
	out := make([]QuarantinedBatch, 0, len(s.quarantined))
	for name, reason := range s.quarantined {
		out = append(out, QuarantinedBatch{Name: name, Reason: reason})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close stops background rebuilds
func (s *LocatorService) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *LocatorService) publishStats() {
	if s.metrics == nil {
		return
	}
	s.mu.RLock()
	entries, batches, quarantined := len(s.entries), len(s.batches), len(s.quarantined)
	s.mu.RUnlock()
	s.metrics.UpdateIndexStats(entries, batches, quarantined, s.ready.Load())
}
