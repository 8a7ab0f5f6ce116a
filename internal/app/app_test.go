package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/tierstore/internal/config"
	"github.com/devrev/pairdb/tierstore/internal/errors"
	"github.com/devrev/pairdb/tierstore/internal/model"
	"github.com/devrev/pairdb/tierstore/internal/storage/cursor"
)

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.HotStore.Driver = "sqlite"
	cfg.HotStore.SQLite.Path = filepath.Join(dir, "hot.db")
	cfg.ColdStore.Driver = "fs"
	cfg.ColdStore.FS.Root = filepath.Join(dir, "archive")
	cfg.Index.JournalPath = filepath.Join(dir, "locator.db")
	cfg.Archival.CursorPath = filepath.Join(dir, "cursor.yaml")
	cfg.Archival.BatchSize = 4
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestApp_ArchiveAndRead(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cutoff := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	a, err := New(ctx, cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	require.NoError(t, a.Warm(ctx))

	for i, id := range []string{"a", "b", "c", "d", "e", "f"} {
		require.NoError(t, a.Writer.Put(ctx, &model.Record{
			PartitionKey: "acct-1",
			ID:           id,
			Timestamp:    cutoff.Add(time.Duration(i-6) * time.Hour),
			Payload:      []byte(id),
		}))
	}

	res, err := a.Archival.RunCycle(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 6, res.RecordsDeleted)
	assert.Len(t, res.BatchesWritten, 2)
	require.NoError(t, a.Close())

	// A restarted node loads the index from its journal
	restarted, err := New(ctx, cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	defer restarted.Close()
	require.NoError(t, restarted.Warm(ctx))
	assert.True(t, restarted.Locator.Ready())

	got, err := restarted.Reader.Read(ctx, "acct-1", "c")
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), got.Payload)

	_, err = restarted.Reader.Read(ctx, "acct-1", "zzz")
	assert.True(t, errors.IsNotFound(err))

	restarted.Health.RunChecks(ctx)
	assert.True(t, restarted.Health.IsReady())
}

func TestApp_CycleInSeparateProcess(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cutoff := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	// A long-running node and a one-shot cycle runner sharing every path
	node, err := New(ctx, cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	defer node.Close()
	require.NoError(t, node.Warm(ctx))

	runner, err := New(ctx, cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	defer runner.Close()
	require.NoError(t, runner.Warm(ctx))

	for i, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, node.Writer.Put(ctx, &model.Record{
			PartitionKey: "acct-1",
			ID:           id,
			Timestamp:    cutoff.Add(-time.Duration(i+1) * time.Hour),
			Payload:      []byte(id),
		}))
	}

	res, err := runner.Archival.RunCycle(ctx, cutoff)
	require.NoError(t, err)
	require.Equal(t, 5, res.RecordsDeleted)

	got, err := node.Reader.Read(ctx, "acct-1", "d")
	require.NoError(t, err)
	assert.Equal(t, []byte("d"), got.Payload)
}

func TestApp_CycleLockSharedAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	first, err := New(ctx, cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	defer first.Close()
	second, err := New(ctx, cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	defer second.Close()

	// Another process mid-cycle holds the cursor lock
	holder, err := cursor.NewFileStore(cfg.Archival.CursorPath)
	require.NoError(t, err)
	ok, err := holder.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	for _, a := range []*App{first, second} {
		_, err := a.Archival.RunCycle(ctx, time.Now())
		assert.True(t, errors.HasCode(err, errors.ErrCodeCycleInProgress))
	}

	require.NoError(t, holder.Unlock())
	_, err = first.Archival.RunCycle(ctx, time.Now())
	assert.NoError(t, err)
}

func TestApp_IndexDisabled(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.HotStore.Driver = "memory"
	cfg.ColdStore.Driver = "memory"
	cfg.Index.Enabled = false
	cfg.Read.DegradedScanEnabled = true

	a, err := New(ctx, cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Warm(ctx))
	assert.Nil(t, a.Locator)

	require.NoError(t, a.Writer.Put(ctx, &model.Record{PartitionKey: "p", ID: "a", Timestamp: time.Unix(100, 0).UTC(), Payload: []byte("x")}))
	_, err = a.Archival.RunCycle(ctx, time.Unix(200, 0))
	require.NoError(t, err)

	got, err := a.Reader.Read(ctx, "p", "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got.Payload)
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		logger, err := NewLogger(config.LoggingConfig{Level: "debug", Format: format})
		require.NoError(t, err)
		assert.True(t, logger.Core().Enabled(zap.DebugLevel))
	}
}

func TestNew_UnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.HotStore.Driver = "cassandra"
	_, err := New(context.Background(), cfg, zap.NewNop(), nil)
	assert.Error(t, err)
}
