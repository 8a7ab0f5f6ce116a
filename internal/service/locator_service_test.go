package service_test

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/tierstore/internal/errors"
	"github.com/devrev/pairdb/tierstore/internal/model"
	"github.com/devrev/pairdb/tierstore/internal/service"
	"github.com/devrev/pairdb/tierstore/internal/storage"
	"github.com/devrev/pairdb/tierstore/internal/storage/batch"
	"github.com/devrev/pairdb/tierstore/internal/storage/coldstore"
	"github.com/devrev/pairdb/tierstore/internal/storage/journal"
	"github.com/devrev/pairdb/tierstore/internal/storage/sqlitedb"
)

type archiveFixture struct {
	t     *testing.T
	cold  *coldstore.MemoryStore
	codec *batch.Codec
	namer *batch.Namer
}

func newArchiveFixture(t *testing.T) *archiveFixture {
	return &archiveFixture{
		t:     t,
		cold:  coldstore.NewMemoryStore(),
		codec: batch.NewCodec(),
		namer: batch.NewNamer(),
	}
}

// store writes a batch holding the given ids in partition "p"
func (f *archiveFixture) store(ids ...string) (string, []model.RecordKey) {
	f.t.Helper()
	records := make([]*model.Record, len(ids))
	keys := make([]model.RecordKey, len(ids))
	for i, id := range ids {
		records[i] = &model.Record{PartitionKey: "p", ID: id, Timestamp: t0, Payload: []byte(id)}
		keys[i] = records[i].Key()
	}
	data, err := f.codec.Encode(records)
	require.NoError(f.t, err)
	name := f.namer.Name(t0, data)
	require.NoError(f.t, f.cold.PutOnce(context.Background(), name, data))
	return name, keys
}

func (f *archiveFixture) locator(j storage.IndexJournal) *service.LocatorService {
	l := service.NewLocatorService(f.cold, f.codec, j, service.LocatorConfig{RebuildConcurrency: 2}, nil, zap.NewNop())
	f.t.Cleanup(l.Close)
	return l
}

func newJournal(t *testing.T) *journal.SQLiteJournal {
	db, err := sqlitedb.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return journal.New(db)
}

func lookup(t *testing.T, l *service.LocatorService, id string) string {
	t.Helper()
	name, found, err := l.Lookup("p", id)
	require.NoError(t, err)
	if !found {
		return ""
	}
	return name
}

func TestLocatorService_NewestBatchWins(t *testing.T) {
	f := newArchiveFixture(t)
	older, olderKeys := f.store("a", "b")
	newer, newerKeys := f.store("b", "c")
	l := f.locator(nil)

	// Registration order does not matter
	require.NoError(t, l.Record(context.Background(), newer, newerKeys))
	require.NoError(t, l.Record(context.Background(), older, olderKeys))

	assert.Equal(t, older, lookup(t, l, "a"))
	assert.Equal(t, newer, lookup(t, l, "b"))
	assert.Equal(t, newer, lookup(t, l, "c"))
	assert.Equal(t, "", lookup(t, l, "d"))

	entries, batches := l.Stats()
	assert.Equal(t, 3, entries)
	assert.Equal(t, 2, batches)
}

func TestLocatorService_RecordRejectsUnparseableName(t *testing.T) {
	l := newArchiveFixture(t).locator(nil)
	err := l.Record(context.Background(), "not-a-batch.bin", []model.RecordKey{{PartitionKey: "p", ID: "a"}})
	assert.Error(t, err)
}

func TestLocatorService_Rebuild(t *testing.T) {
	f := newArchiveFixture(t)
	older, _ := f.store("a", "b")
	newer, _ := f.store("b", "c")

	garbage := []byte("garbage")
	corrupt := f.namer.Name(t0, garbage)
	require.NoError(t, f.cold.PutOnce(context.Background(), corrupt, garbage))
	require.NoError(t, f.cold.PutOnce(context.Background(), "archive-unrecognized.bin", garbage))

	l := f.locator(nil)
	assert.False(t, l.Ready())
	require.NoError(t, l.Rebuild(context.Background()))
	assert.True(t, l.Ready())

	assert.Equal(t, older, lookup(t, l, "a"))
	assert.Equal(t, newer, lookup(t, l, "b"))
	assert.Equal(t, newer, lookup(t, l, "c"))

	entries, batches := l.Stats()
	assert.Equal(t, 3, entries)
	assert.Equal(t, 2, batches)
	assert.True(t, l.IsQuarantined(corrupt))
	quarantined := l.Quarantined()
	require.Len(t, quarantined, 1)
	assert.Equal(t, corrupt, quarantined[0].Name)
	assert.NotEmpty(t, quarantined[0].Reason)
}

func TestLocatorService_RebuildKeepsManualQuarantine(t *testing.T) {
	f := newArchiveFixture(t)
	name, keys := f.store("a")
	l := f.locator(nil)
	require.NoError(t, l.Record(context.Background(), name, keys))

	l.Quarantine(context.Background(), name, "operator hold")
	require.NoError(t, l.Rebuild(context.Background()))
	assert.True(t, l.IsQuarantined(name))

	// Quarantines of vanished batches are dropped
	f.cold.Remove(name)
	require.NoError(t, l.Rebuild(context.Background()))
	assert.False(t, l.IsQuarantined(name))
}

func TestLocatorService_InvalidateHealsByRebuild(t *testing.T) {
	f := newArchiveFixture(t)
	name, _ := f.store("a")
	l := f.locator(nil)
	require.NoError(t, l.Rebuild(context.Background()))
	require.Equal(t, name, lookup(t, l, "a"))

	f.cold.Remove(name)
	l.Invalidate(name)

	assert.Eventually(t, func() bool {
		_, found, err := l.Lookup("p", "a")
		return err == nil && !found
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, l.Ready())
}

func TestLocatorService_InvalidateReportsStaleReference(t *testing.T) {
	f := newArchiveFixture(t)
	name, keys := f.store("a")
	// Rebuilds fail, so the missing mark survives
	l := service.NewLocatorService(&listFailingCold{ColdStore: f.cold}, f.codec, nil,
		service.LocatorConfig{}, nil, zap.NewNop())
	t.Cleanup(l.Close)
	require.NoError(t, l.Record(context.Background(), name, keys))

	l.Invalidate(name)
	batchName, found, err := l.Lookup("p", "a")
	assert.True(t, errors.HasCode(err, errors.ErrCodeStaleReference))
	assert.True(t, found)
	assert.Equal(t, name, batchName)

	// Registering the batch again clears the mark
	require.NoError(t, l.Record(context.Background(), name, keys))
	assert.Equal(t, name, lookup(t, l, "a"))
}

func TestLocatorService_LoadReconcilesJournal(t *testing.T) {
	ctx := context.Background()
	f := newArchiveFixture(t)
	j := newJournal(t)

	gone, goneKeys := f.store("a")
	kept, keptKeys := f.store("b")
	first := f.locator(j)
	require.NoError(t, first.Record(ctx, gone, goneKeys))
	require.NoError(t, first.Record(ctx, kept, keptKeys))
	first.Quarantine(ctx, kept, "operator hold")

	// Written by a process that crashed before journaling it
	unjournaled, _ := f.store("c")
	f.cold.Remove(gone)

	f.cold.ResetCounters()
	second := f.locator(j)
	require.NoError(t, second.Load(ctx))
	assert.True(t, second.Ready())
	assert.Equal(t, int64(1), f.cold.Gets(), "only the unjournaled batch is decoded")

	assert.Equal(t, "", lookup(t, second, "a"))
	assert.Equal(t, kept, lookup(t, second, "b"))
	assert.Equal(t, unjournaled, lookup(t, second, "c"))
	assert.True(t, second.IsQuarantined(kept))

	state, err := j.Load(ctx)
	require.NoError(t, err)
	var names []string
	for _, b := range state.Batches {
		names = append(names, b.Name)
	}
	sort.Strings(names)
	want := []string{kept, unjournaled}
	sort.Strings(want)
	assert.Equal(t, want, names)

	require.NoError(t, second.Release(ctx, kept))
	state, err = j.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, state.Quarantined)
}

func TestLocatorService_RefreshRegistersUnseenBatches(t *testing.T) {
	ctx := context.Background()
	f := newArchiveFixture(t)
	j := newJournal(t)

	known, _ := f.store("a")
	l := f.locator(j)
	require.NoError(t, l.Load(ctx))

	// Written by another process after this index was loaded
	fresh, _ := f.store("b", "c")
	garbage := f.namer.Name(t0, []byte("garbage"))
	require.NoError(t, f.cold.PutOnce(ctx, garbage, []byte("garbage")))

	f.cold.ResetCounters()
	added, err := l.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, int64(2), f.cold.Gets(), "known batches are not fetched")
	assert.Equal(t, known, lookup(t, l, "a"))
	assert.Equal(t, fresh, lookup(t, l, "c"))
	assert.True(t, l.IsQuarantined(garbage))

	state, err := j.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, state.Batches, 2)

	// Nothing new: listing only
	f.cold.ResetCounters()
	added, err = l.Refresh(ctx)
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.Zero(t, f.cold.Gets())
}

func TestLocatorService_LoadWithoutJournalRebuilds(t *testing.T) {
	f := newArchiveFixture(t)
	name, _ := f.store("a")
	l := f.locator(nil)

	require.NoError(t, l.Load(context.Background()))
	assert.True(t, l.Ready())
	assert.Equal(t, name, lookup(t, l, "a"))
}

func TestLocatorService_RebuildFailureKeepsIndex(t *testing.T) {
	f := newArchiveFixture(t)
	name, keys := f.store("a")
	l := service.NewLocatorService(&listFailingCold{ColdStore: f.cold}, f.codec, nil,
		service.LocatorConfig{}, nil, zap.NewNop())
	t.Cleanup(l.Close)
	require.NoError(t, l.Record(context.Background(), name, keys))

	assert.Error(t, l.Rebuild(context.Background()))
	assert.False(t, l.Ready())
	assert.Equal(t, name, lookup(t, l, "a"))
}

type listFailingCold struct {
	storage.ColdStore
}

func (c *listFailingCold) List(ctx context.Context, prefix string) ([]string, error) {
	return nil, errors.Unavailable("list failed", nil)
}
