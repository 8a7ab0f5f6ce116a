package service_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/tierstore/internal/errors"
	"github.com/devrev/pairdb/tierstore/internal/model"
	"github.com/devrev/pairdb/tierstore/internal/service"
	"github.com/devrev/pairdb/tierstore/internal/storage"
	"github.com/devrev/pairdb/tierstore/internal/storage/batch"
	"github.com/devrev/pairdb/tierstore/internal/storage/coldstore"
	"github.com/devrev/pairdb/tierstore/internal/storage/cursor"
	"github.com/devrev/pairdb/tierstore/internal/storage/hotstore"
	"github.com/devrev/pairdb/tierstore/internal/util/retry"
	"github.com/devrev/pairdb/tierstore/internal/util/workerpool"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// faultyHot wraps a hot store with injectable failures
type faultyHot struct {
	storage.HotStore

	mu         sync.Mutex
	failDelete map[string]int // composite key -> remaining failures, -1 = always
	getErr     error

	queryGate    chan struct{}
	queryStarted chan struct{}
	queryOnce    sync.Once

	blockDeletes  atomic.Bool
	deleteStarted chan struct{}
	deleteOnce    sync.Once
}

func newFaultyHot(inner storage.HotStore) *faultyHot {
	return &faultyHot{
		HotStore:      inner,
		failDelete:    make(map[string]int),
		deleteStarted: make(chan struct{}),
	}
}

func (f *faultyHot) failDeletes(key model.RecordKey, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failDelete[key.Composite()] = times
}

// holdQueries blocks every Query until release is called
func (f *faultyHot) holdQueries() (started <-chan struct{}, release func()) {
	f.queryGate = make(chan struct{})
	f.queryStarted = make(chan struct{})
	var once sync.Once
	return f.queryStarted, func() { once.Do(func() { close(f.queryGate) }) }
}

func (f *faultyHot) Query(ctx context.Context, q model.RangeQuery) ([]*model.Record, error) {
	if f.queryGate != nil {
		f.queryOnce.Do(func() { close(f.queryStarted) })
		select {
		case <-f.queryGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.HotStore.Query(ctx, q)
}

func (f *faultyHot) Get(ctx context.Context, partitionKey, id string) (*model.Record, error) {
	f.mu.Lock()
	err := f.getErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.HotStore.Get(ctx, partitionKey, id)
}

func (f *faultyHot) Delete(ctx context.Context, partitionKey, id string) error {
	if f.blockDeletes.Load() {
		f.deleteOnce.Do(func() { close(f.deleteStarted) })
		<-ctx.Done()
		return ctx.Err()
	}

	composite := model.RecordKey{PartitionKey: partitionKey, ID: id}.Composite()
	f.mu.Lock()
	remaining, ok := f.failDelete[composite]
	if ok && remaining != 0 {
		if remaining > 0 {
			f.failDelete[composite] = remaining - 1
		}
		f.mu.Unlock()
		return errors.Unavailable("injected delete failure", nil)
	}
	f.mu.Unlock()
	return f.HotStore.Delete(ctx, partitionKey, id)
}

// faultyCold wraps a cold store with injectable failures
type faultyCold struct {
	storage.ColdStore

	putErr       atomic.Value // error returned without storing
	ambiguousPut atomic.Int32 // puts that store the object and still fail
	conflictPut  atomic.Bool  // another writer already stored different bytes
	getDelay     atomic.Int64 // nanoseconds
}

func (f *faultyCold) PutOnce(ctx context.Context, name string, data []byte) error {
	if err, ok := f.putErr.Load().(error); ok && err != nil {
		return err
	}
	if f.conflictPut.Load() {
		_ = f.ColdStore.PutOnce(ctx, name, []byte("someone else's bytes"))
	}
	if f.ambiguousPut.Add(-1) >= 0 {
		if err := f.ColdStore.PutOnce(ctx, name, data); err != nil {
			return err
		}
		return errors.Unavailable("injected timeout after write", nil)
	}
	return f.ColdStore.PutOnce(ctx, name, data)
}

func (f *faultyCold) Get(ctx context.Context, name string) ([]byte, error) {
	if d := time.Duration(f.getDelay.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.ColdStore.Get(ctx, name)
}

type harnessConfig struct {
	archival      service.ArchivalConfig
	read          service.ReadConfig
	indexDisabled bool
	skipIndexLoad bool
	journal       storage.IndexJournal
}

type harness struct {
	t *testing.T

	hot       *hotstore.MemoryStore
	cold      *coldstore.MemoryStore
	faultHot  *faultyHot
	faultCold *faultyCold
	cursors   *cursor.MemoryStore
	codec     *batch.Codec
	namer     *batch.Namer
	pool      *workerpool.WorkerPool
	logger    *zap.Logger

	locator  *service.LocatorService
	archival *service.ArchivalService
	reader   *service.ReadService
	cfg      harnessConfig
}

func withArchival(fn func(*service.ArchivalConfig)) func(*harnessConfig) {
	return func(c *harnessConfig) { fn(&c.archival) }
}

func withRead(fn func(*service.ReadConfig)) func(*harnessConfig) {
	return func(c *harnessConfig) { fn(&c.read) }
}

func withoutIndex() func(*harnessConfig) {
	return func(c *harnessConfig) { c.indexDisabled = true }
}

func withColdIndex() func(*harnessConfig) {
	return func(c *harnessConfig) { c.skipIndexLoad = true }
}

func newHarness(t *testing.T, opts ...func(*harnessConfig)) *harness {
	t.Helper()

	cfg := harnessConfig{
		archival: service.ArchivalConfig{
			BatchSize:          10,
			Concurrency:        2,
			DeleteRetryLimit:   2,
			DeleteRetryBackoff: time.Millisecond,
			OverlapPolicy:      service.OverlapSkip,
			WriteRetry:         retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
		},
		read: service.ReadConfig{
			FallbackTimeout:     2 * time.Second,
			DegradedScanEnabled: true,
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := zap.NewNop()
	h := &harness{
		t:       t,
		hot:     hotstore.NewMemoryStore(),
		cold:    coldstore.NewMemoryStore(),
		cursors: cursor.NewMemoryStore(),
		codec:   batch.NewCodec(),
		namer:   batch.NewNamer(),
		logger:  logger,
		cfg:     cfg,
	}
	h.faultHot = newFaultyHot(h.hot)
	h.faultCold = &faultyCold{ColdStore: h.cold}

	h.pool = workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "test-deletes",
		MaxWorkers: 4,
		Logger:     logger,
	})
	t.Cleanup(func() { _ = h.pool.Stop(time.Second) })

	if !cfg.indexDisabled {
		h.locator = service.NewLocatorService(h.faultCold, h.codec, cfg.journal,
			service.LocatorConfig{RebuildConcurrency: 4}, nil, logger)
		t.Cleanup(h.locator.Close)
		if !cfg.skipIndexLoad {
			require.NoError(t, h.locator.Rebuild(context.Background()))
		}
	}

	h.archival = h.newArchival()

	reader, err := service.NewReadService(h.faultHot, h.faultCold, h.locator, h.codec, cfg.read, nil, logger)
	require.NoError(t, err)
	h.reader = reader
	return h
}

// newArchival creates another coordinator over the same stores, like a
// restarted process would
func (h *harness) newArchival() *service.ArchivalService {
	return service.NewArchivalService(h.faultHot, h.faultCold, h.codec, h.namer, h.locator,
		h.cursors, h.pool, h.cfg.archival, nil, h.logger)
}

func (h *harness) put(partitionKey, id string, ts time.Time) *model.Record {
	h.t.Helper()
	r := &model.Record{
		PartitionKey: partitionKey,
		ID:           id,
		Timestamp:    ts,
		Payload:      []byte(fmt.Sprintf(`{"pk":%q,"id":%q}`, partitionKey, id)),
	}
	require.NoError(h.t, h.hot.Put(context.Background(), r))
	return r
}

// seed stores n records in one partition, one minute apart, starting at start
func (h *harness) seed(partitionKey string, n int, start time.Time) []*model.Record {
	h.t.Helper()
	out := make([]*model.Record, n)
	for i := range out {
		out[i] = h.put(partitionKey, fmt.Sprintf("rec-%04d", i), start.Add(time.Duration(i)*time.Minute))
	}
	return out
}

func (h *harness) run(cutoff time.Time) *model.CycleResult {
	h.t.Helper()
	res, err := h.archival.RunCycle(context.Background(), cutoff)
	require.NoError(h.t, err)
	return res
}

// writeBatch stores records as a batch directly in cold storage, bypassing
// archival and the index
func (h *harness) writeBatch(records ...*model.Record) string {
	h.t.Helper()
	data, err := h.codec.Encode(records)
	require.NoError(h.t, err)
	name := h.namer.Name(t0, data)
	require.NoError(h.t, h.cold.PutOnce(context.Background(), name, data))
	return name
}

// writeGarbage stores an undecodable object under a valid batch name
func (h *harness) writeGarbage() string {
	h.t.Helper()
	data := []byte("definitely not a batch")
	name := h.namer.Name(t0, data)
	require.NoError(h.t, h.cold.PutOnce(context.Background(), name, data))
	return name
}

func (h *harness) read(partitionKey, id string) (*model.Record, error) {
	return h.reader.Read(context.Background(), partitionKey, id)
}
