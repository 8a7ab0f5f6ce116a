package service_test

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb/tierstore/internal/errors"
	"github.com/devrev/pairdb/tierstore/internal/model"
	"github.com/devrev/pairdb/tierstore/internal/service"
)

func TestArchivalService_Cutoff(t *testing.T) {
	h := newHarness(t)

	old := h.put("acct-1", "a", t0.Add(-24*time.Hour))
	recent := h.put("acct-1", "b", t0.Add(24*time.Hour))
	h.put("acct-1", "c", t0) // exactly at the cutoff stays hot

	res := h.run(t0)
	assert.NotEmpty(t, res.CycleID)
	assert.Equal(t, 1, res.RecordsSelected)
	assert.Equal(t, 1, res.RecordsArchived)
	assert.Equal(t, 1, res.RecordsDeleted)
	assert.Len(t, res.BatchesWritten, 1)
	assert.Empty(t, res.DeleteFailures)
	assert.Equal(t, 2, h.hot.Len())
	assert.Equal(t, 1, h.cold.Len())

	got, err := h.read("acct-1", "a")
	require.NoError(t, err)
	assert.Equal(t, old, got)

	got, err = h.read("acct-1", "b")
	require.NoError(t, err)
	assert.Equal(t, recent, got)

	_, err = h.read("acct-1", "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestArchivalService_PagesIntoBatches(t *testing.T) {
	h := newHarness(t, withArchival(func(c *service.ArchivalConfig) {
		c.BatchSize = 10
		c.Concurrency = 3
	}))
	records := h.seed("acct-1", 35, t0.Add(-48*time.Hour))

	res := h.run(t0)
	assert.Equal(t, 35, res.RecordsSelected)
	assert.Equal(t, 35, res.RecordsArchived)
	assert.Equal(t, 35, res.RecordsDeleted)
	assert.Len(t, res.BatchesWritten, 4)
	assert.Equal(t, 0, h.hot.Len())

	seen := make(map[string]struct{})
	for _, name := range res.BatchesWritten {
		data, err := h.cold.Get(context.Background(), name)
		require.NoError(t, err)
		decoded, err := h.codec.DecodeNamed(name, data)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(decoded), 10)
		for _, r := range decoded {
			seen[r.Key().Composite()] = struct{}{}
		}
	}
	assert.Len(t, seen, 35)

	for _, r := range records {
		got, err := h.read(r.PartitionKey, r.ID)
		require.NoError(t, err)
		assert.Equal(t, r.Payload, got.Payload)
	}
}

func TestArchivalService_RerunIsNoop(t *testing.T) {
	h := newHarness(t)
	h.seed("acct-1", 12, t0.Add(-time.Hour*72))

	h.run(t0)
	objects := h.cold.Len()

	res := h.run(t0)
	assert.Equal(t, 0, res.RecordsSelected)
	assert.Empty(t, res.BatchesWritten)
	assert.Equal(t, objects, h.cold.Len())
}

func TestArchivalService_DeleteRetries(t *testing.T) {
	tests := []struct {
		name       string
		retryLimit int
		failures   int
		wantHot    bool
	}{
		{name: "transient failure recovers", retryLimit: 2, failures: 2, wantHot: false},
		{name: "retries exhausted", retryLimit: 1, failures: 2, wantHot: true},
		{name: "permanent failure", retryLimit: 3, failures: -1, wantHot: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, withArchival(func(c *service.ArchivalConfig) {
				c.DeleteRetryLimit = tt.retryLimit
			}))
			records := h.seed("acct-1", 5, t0.Add(-48*time.Hour))
			victim := records[2]
			h.faultHot.failDeletes(victim.Key(), tt.failures)

			res := h.run(t0)
			assert.Equal(t, 5, res.RecordsArchived)

			_, err := h.hot.Get(context.Background(), victim.PartitionKey, victim.ID)
			if tt.wantHot {
				require.NoError(t, err)
				assert.Equal(t, []model.RecordKey{victim.Key()}, res.DeleteFailures)
				assert.Equal(t, 4, res.RecordsDeleted)
			} else {
				assert.True(t, errors.IsNotFound(err))
				assert.Empty(t, res.DeleteFailures)
				assert.Equal(t, 5, res.RecordsDeleted)
			}

			// Readable either way, from whichever tier holds it
			got, err := h.read(victim.PartitionKey, victim.ID)
			require.NoError(t, err)
			assert.Equal(t, victim.Payload, got.Payload)
		})
	}
}

func TestArchivalService_FailedDeleteRearchivedNextCycle(t *testing.T) {
	h := newHarness(t)
	records := h.seed("acct-1", 3, t0.Add(-48*time.Hour))
	h.faultHot.failDeletes(records[0].Key(), -1)

	first := h.run(t0)
	require.Len(t, first.DeleteFailures, 1)
	assert.Equal(t, 1, h.hot.Len())

	h.faultHot.failDeletes(records[0].Key(), 0)
	second := h.run(t0)
	assert.Equal(t, 1, second.RecordsArchived)
	assert.Equal(t, 1, second.RecordsDeleted)
	assert.Equal(t, 0, h.hot.Len())

	// Newest batch wins in the index
	batchName, found, err := h.locator.Lookup(records[0].PartitionKey, records[0].ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, second.BatchesWritten[0], batchName)
}

func TestArchivalService_ColdWriteFailureKeepsRecordsHot(t *testing.T) {
	h := newHarness(t)
	h.seed("acct-1", 4, t0.Add(-48*time.Hour))
	h.faultCold.putErr.Store(errors.Unavailable("bucket unreachable", nil))

	res, err := h.archival.RunCycle(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FailedBatches)
	assert.Equal(t, 0, res.RecordsArchived)
	assert.Equal(t, 0, res.RecordsDeleted)
	assert.Equal(t, 4, h.hot.Len())
	assert.Equal(t, 0, h.cold.Len())
}

func TestArchivalService_AmbiguousWriteConfirmedByContent(t *testing.T) {
	h := newHarness(t)
	h.seed("acct-1", 4, t0.Add(-48*time.Hour))
	h.faultCold.ambiguousPut.Store(1)

	res := h.run(t0)
	assert.Equal(t, 0, res.FailedBatches)
	require.Len(t, res.BatchesWritten, 1)
	assert.Equal(t, 4, res.RecordsDeleted)
	assert.Equal(t, 1, h.cold.Len())
	assert.Equal(t, int64(2), h.cold.Puts())
}

func TestArchivalService_ConflictingObjectNotConfirmed(t *testing.T) {
	h := newHarness(t)
	h.seed("acct-1", 2, t0.Add(-48*time.Hour))
	h.faultCold.conflictPut.Store(true)

	res, err := h.archival.RunCycle(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FailedBatches)
	assert.Empty(t, res.BatchesWritten)
	assert.Equal(t, 2, h.hot.Len())
}

func TestArchivalService_InterruptedCycleResumes(t *testing.T) {
	h := newHarness(t)
	records := h.seed("acct-1", 5, t0.Add(-48*time.Hour))
	h.faultHot.blockDeletes.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-h.faultHot.deleteStarted
		cancel()
	}()

	res, err := h.archival.RunCycle(ctx, t0)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	require.Len(t, res.BatchesWritten, 1)
	assert.Equal(t, 5, h.hot.Len())

	left, err := h.cursors.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, left)
	require.Len(t, left.InFlight, 1)
	assert.Equal(t, res.BatchesWritten[0], left.InFlight[0].Batch)
	assert.Len(t, left.InFlight[0].Keys, 5)

	// Archived records stay readable while their hot copies linger
	for _, r := range records {
		_, err := h.read(r.PartitionKey, r.ID)
		require.NoError(t, err)
	}

	h.faultHot.blockDeletes.Store(false)
	restarted := h.newArchival()
	next, err := restarted.RunCycle(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, 5, next.RecoveredDeletes)
	assert.Equal(t, 0, next.RecordsSelected)
	assert.Empty(t, next.BatchesWritten)
	assert.Equal(t, 0, h.hot.Len())

	left, err = h.cursors.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, left)
}

func TestArchivalService_RecoveryDeletesOnlyWhatBatchHolds(t *testing.T) {
	h := newHarness(t)
	records := h.seed("acct-1", 3, t0.Add(-48*time.Hour))
	stray := h.put("acct-2", "stray", t0.Add(-48*time.Hour))

	archived := h.writeBatch(records...)
	require.NoError(t, h.cursors.Save(context.Background(), &model.MigrationCursor{
		CycleID: "crashed",
		Cutoff:  t0,
		InFlight: []model.InFlightBatch{
			{Batch: archived, Keys: append(keysOf(records), stray.Key())},
			{Batch: "archive-20250301T120000Z-00000000000000000001-0000000000000000.bin", Keys: []model.RecordKey{stray.Key()}},
		},
	}))

	// Cutoff before every record: only recovery touches the hot tier
	res := h.run(t0.Add(-72 * time.Hour))
	assert.Equal(t, 3, res.RecoveredDeletes)

	_, err := h.hot.Get(context.Background(), stray.PartitionKey, stray.ID)
	require.NoError(t, err)
	for _, r := range records {
		_, err := h.hot.Get(context.Background(), r.PartitionKey, r.ID)
		assert.True(t, errors.IsNotFound(err))

		batchName, found, err := h.locator.Lookup(r.PartitionKey, r.ID)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, archived, batchName)
	}
}

func TestArchivalService_RecoveryQuarantinesCorruptBatch(t *testing.T) {
	h := newHarness(t)
	records := h.seed("acct-1", 2, t0.Add(-48*time.Hour))
	bad := h.writeGarbage()
	require.NoError(t, h.cursors.Save(context.Background(), &model.MigrationCursor{
		CycleID:  "crashed",
		Cutoff:   t0,
		InFlight: []model.InFlightBatch{{Batch: bad, Keys: keysOf(records)}},
	}))

	res := h.run(t0.Add(-72 * time.Hour))
	assert.Equal(t, 0, res.RecoveredDeletes)
	assert.Equal(t, 2, h.hot.Len())
	assert.True(t, h.locator.IsQuarantined(bad))
}

func TestArchivalService_OverlapSkip(t *testing.T) {
	h := newHarness(t)
	h.seed("acct-1", 3, t0.Add(-48*time.Hour))
	started, release := h.faultHot.holdQueries()
	defer release()

	done := make(chan error, 1)
	go func() {
		_, err := h.archival.RunCycle(context.Background(), t0)
		done <- err
	}()
	<-started

	_, err := h.archival.RunCycle(context.Background(), t0)
	assert.True(t, errors.HasCode(err, errors.ErrCodeCycleInProgress))

	release()
	require.NoError(t, <-done)
	assert.Equal(t, 0, h.hot.Len())
}

func TestArchivalService_SharedCursorExcludesOtherCoordinator(t *testing.T) {
	h := newHarness(t)
	h.seed("acct-1", 3, t0.Add(-48*time.Hour))
	started, release := h.faultHot.holdQueries()
	defer release()

	done := make(chan error, 1)
	go func() {
		_, err := h.archival.RunCycle(context.Background(), t0)
		done <- err
	}()
	<-started

	// Same cursor, separate coordinator: a second process
	_, err := h.newArchival().RunCycle(context.Background(), t0)
	assert.True(t, errors.HasCode(err, errors.ErrCodeCycleInProgress))

	live, err := h.cursors.Load(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, live, "running cycle's cursor must survive")

	release()
	require.NoError(t, <-done)
	assert.Equal(t, 0, h.hot.Len())

	// Lock is released with the cycle
	_, err = h.newArchival().RunCycle(context.Background(), t0)
	assert.NoError(t, err)
}

func TestArchivalService_QueuedCoordinatorWaitsForSharedCursor(t *testing.T) {
	h := newHarness(t, withArchival(func(c *service.ArchivalConfig) {
		c.OverlapPolicy = service.OverlapQueue
	}))
	h.seed("acct-1", 3, t0.Add(-48*time.Hour))
	started, release := h.faultHot.holdQueries()
	defer release()

	first := make(chan error, 1)
	go func() {
		_, err := h.archival.RunCycle(context.Background(), t0)
		first <- err
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.newArchival().RunCycle(ctx, t0)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	require.NoError(t, <-first)
}

func TestArchivalService_OverlapQueue(t *testing.T) {
	h := newHarness(t, withArchival(func(c *service.ArchivalConfig) {
		c.OverlapPolicy = service.OverlapQueue
	}))
	h.seed("acct-1", 3, t0.Add(-48*time.Hour))
	started, release := h.faultHot.holdQueries()
	defer release()

	first := make(chan error, 1)
	go func() {
		_, err := h.archival.RunCycle(context.Background(), t0)
		first <- err
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.archival.RunCycle(ctx, t0)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	second := make(chan *model.CycleResult, 1)
	go func() {
		res, err := h.archival.RunCycle(context.Background(), t0)
		assert.NoError(t, err)
		second <- res
	}()

	select {
	case <-second:
		t.Fatal("queued cycle ran while another was in progress")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	require.NoError(t, <-first)
	res := <-second
	require.NotNil(t, res)
	assert.Equal(t, 0, res.RecordsSelected)
}

func TestArchivalService_ReadsDuringCycleNeverMiss(t *testing.T) {
	h := newHarness(t,
		withArchival(func(c *service.ArchivalConfig) {
			c.BatchSize = 10
			c.Concurrency = 4
		}),
		withRead(func(c *service.ReadConfig) { c.BatchCacheSize = 32 }),
	)

	var records []*model.Record
	for p := 0; p < 4; p++ {
		records = append(records, h.seed(fmt.Sprintf("acct-%d", p), 50, t0.Add(-96*time.Hour))...)
	}

	var (
		stop     = make(chan struct{})
		wg       sync.WaitGroup
		reads    atomic.Int64
		failures atomic.Int64
		firstErr atomic.Value
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for {
				select {
				case <-stop:
					return
				default:
				}
				r := records[rng.Intn(len(records))]
				got, err := h.read(r.PartitionKey, r.ID)
				reads.Add(1)
				if err != nil || string(got.Payload) != string(r.Payload) {
					failures.Add(1)
					firstErr.CompareAndSwap(nil, fmt.Sprintf("%s: %v", r.Key(), err))
				}
			}
		}(int64(w))
	}

	res := h.run(t0)
	close(stop)
	wg.Wait()

	assert.Equal(t, 200, res.RecordsDeleted)
	assert.Positive(t, reads.Load())
	assert.Zero(t, failures.Load(), "first failure: %v", firstErr.Load())
}

func TestArchivalService_IndexDisabled(t *testing.T) {
	h := newHarness(t, withoutIndex())
	records := h.seed("acct-1", 15, t0.Add(-48*time.Hour))

	res := h.run(t0)
	assert.Equal(t, 15, res.RecordsDeleted)

	got, err := h.read(records[3].PartitionKey, records[3].ID)
	require.NoError(t, err)
	assert.Equal(t, records[3].Payload, got.Payload)
}

func TestArchivalService_CursorTracksBatches(t *testing.T) {
	h := newHarness(t)
	h.seed("acct-1", 25, t0.Add(-48*time.Hour))

	res := h.run(t0)
	require.Len(t, res.BatchesWritten, 3)

	// Initial save, then add and complete per batch
	assert.Equal(t, 1+2*3, h.cursors.Saves())
	left, err := h.cursors.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, left)
}

func keysOf(records []*model.Record) []model.RecordKey {
	keys := make([]model.RecordKey, len(records))
	for i, r := range records {
		keys[i] = r.Key()
	}
	return keys
}
