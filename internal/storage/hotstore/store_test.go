package hotstore

import (
	"context"
	"fmt"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/tierstore/internal/errors"
	"github.com/devrev/pairdb/tierstore/internal/model"
	"github.com/devrev/pairdb/tierstore/internal/storage"
	"github.com/devrev/pairdb/tierstore/internal/storage/sqlitedb"
)

type writableStore interface {
	storage.HotStore
	Put(ctx context.Context, r *model.Record) error
}

func storeFactories(t *testing.T) map[string]func(t *testing.T) writableStore {
	factories := map[string]func(t *testing.T) writableStore{
		"memory": func(t *testing.T) writableStore {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) writableStore {
			db, err := sqlitedb.OpenMemory()
			require.NoError(t, err)
			t.Cleanup(func() { db.Close() })
			return NewSQLiteStore(db)
		},
		"redis": func(t *testing.T) writableStore {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return NewRedisStoreFromClient(client, "tierstore:test:", zap.NewNop())
		},
	}
	if dsn := os.Getenv(postgresDSNEnv); dsn != "" {
		factories["postgres"] = func(t *testing.T) writableStore {
			return openTestPostgres(t, dsn)
		}
	}
	return factories
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func rec(pk, id string, offset time.Duration) *model.Record {
	return &model.Record{
		ID:           id,
		PartitionKey: pk,
		Timestamp:    epoch.Add(offset),
		Payload:      []byte(pk + "/" + id),
	}
}

func sortedByPosition(records []*model.Record) []*model.Record {
	out := append([]*model.Record(nil), records...)
	sort.Slice(out, func(i, j int) bool {
		return model.PositionOf(out[i]).Less(*model.PositionOf(out[j]))
	})
	return out
}

func drain(t *testing.T, s storage.HotStore, before time.Time, limit int) []*model.Record {
	ctx := context.Background()
	var (
		all   []*model.Record
		after *model.Position
	)
	for i := 0; i < 1000; i++ {
		page, err := s.Query(ctx, model.RangeQuery{Before: before, After: after, Limit: limit})
		require.NoError(t, err)
		require.LessOrEqual(t, len(page), limit)
		if len(page) == 0 {
			return all
		}
		all = append(all, page...)
		after = model.PositionOf(page[len(page)-1])
	}
	t.Fatal("pagination did not terminate")
	return nil
}

func TestHotStores_GetAndDelete(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			_, err := s.Get(ctx, "p1", "missing")
			assert.True(t, errors.IsNotFound(err))

			r := rec("p1", "a", time.Hour)
			require.NoError(t, s.Put(ctx, r))

			got, err := s.Get(ctx, "p1", "a")
			require.NoError(t, err)
			assert.Equal(t, r, got)

			// Same id in another partition is a different record
			_, err = s.Get(ctx, "p2", "a")
			assert.True(t, errors.IsNotFound(err))

			require.NoError(t, s.Delete(ctx, "p1", "a"))
			_, err = s.Get(ctx, "p1", "a")
			assert.True(t, errors.IsNotFound(err))

			// Idempotent
			assert.NoError(t, s.Delete(ctx, "p1", "a"))
		})
	}
}

func TestHotStores_QueryOrderAndCutoff(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			var eligible []*model.Record
			for i := 0; i < 25; i++ {
				// Several records share a timestamp to exercise the tie-breakers
				r := rec(fmt.Sprintf("tenant-%d", i%4), fmt.Sprintf("id-%02d", i), time.Duration(i/3)*time.Minute)
				require.NoError(t, s.Put(ctx, r))
				eligible = append(eligible, r)
			}
			cutoff := epoch.Add(time.Hour)
			require.NoError(t, s.Put(ctx, rec("tenant-0", "at-cutoff", time.Hour)))
			require.NoError(t, s.Put(ctx, rec("tenant-0", "after-cutoff", 2*time.Hour)))

			for _, limit := range []int{1, 4, 7, 100} {
				got := drain(t, s, cutoff, limit)
				assert.Equal(t, sortedByPosition(eligible), got, "limit %d", limit)
			}
		})
	}
}

func TestHotStores_PartitionPrefixOrdering(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			records := []*model.Record{
				rec("ab", "1", 0),
				rec("a", "2", 0),
				rec("a", "10", 0),
				rec("b", "0", 0),
			}
			for _, r := range records {
				require.NoError(t, s.Put(ctx, r))
			}

			got := drain(t, s, epoch.Add(time.Second), 2)
			require.Len(t, got, 4)
			assert.Equal(t, []string{"a/10", "a/2", "ab/1", "b/0"}, []string{
				got[0].Key().String(), got[1].Key().String(), got[2].Key().String(), got[3].Key().String(),
			})
		})
	}
}

func TestHotStores_PutReplacesTimestamp(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			require.NoError(t, s.Put(ctx, rec("p", "x", time.Minute)))
			require.NoError(t, s.Put(ctx, rec("p", "x", 3*time.Hour)))

			got, err := s.Query(ctx, model.RangeQuery{Before: epoch.Add(time.Hour), Limit: 10})
			require.NoError(t, err)
			assert.Empty(t, got)

			got, err = s.Query(ctx, model.RangeQuery{Before: epoch.Add(4 * time.Hour), Limit: 10})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, epoch.Add(3*time.Hour), got[0].Timestamp)
		})
	}
}

func TestHotStores_PreEpochTimestamps(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			old := &model.Record{ID: "old", PartitionKey: "p", Timestamp: time.Date(1960, 1, 1, 0, 0, 0, 0, time.UTC)}
			recent := &model.Record{ID: "recent", PartitionKey: "p", Timestamp: time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)}
			require.NoError(t, s.Put(ctx, recent))
			require.NoError(t, s.Put(ctx, old))

			got := drain(t, s, epoch, 10)
			require.Len(t, got, 2)
			assert.Equal(t, "old", got[0].ID)
			assert.Equal(t, "recent", got[1].ID)
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Put(ctx, rec("p", "x", 0)))

	got, err := s.Get(ctx, "p", "x")
	require.NoError(t, err)
	got.Payload[0] = 'Z'

	again, err := s.Get(ctx, "p", "x")
	require.NoError(t, err)
	assert.Equal(t, []byte("p/x"), again.Payload)
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_Closed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Close())

	_, err := s.Get(ctx, "p", "x")
	assert.True(t, errors.HasCode(err, errors.ErrCodeStoreUnavailable))
	assert.Error(t, s.Ping(ctx))
}

func TestHotStores_TimestampRange(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)

			for _, ts := range []time.Time{
				time.Date(1600, 1, 1, 0, 0, 0, 0, time.UTC),
				time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC),
			} {
				err := s.Put(ctx, &model.Record{PartitionKey: "p", ID: "far", Timestamp: ts})
				assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err), ts.String())
			}

			require.NoError(t, s.Put(ctx, rec("p", "a", 0)))
			require.NoError(t, s.Put(ctx, &model.Record{PartitionKey: "p", ID: "min", Timestamp: model.MinTimestamp}))

			// Bounds beyond the representable range clamp instead of wrapping
			got := drain(t, s, time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC), 10)
			require.Len(t, got, 2)
			assert.Equal(t, "min", got[0].ID)
			assert.True(t, model.MinTimestamp.Equal(got[0].Timestamp))
			assert.Empty(t, drain(t, s, time.Date(1600, 1, 1, 0, 0, 0, 0, time.UTC), 10))
		})
	}
}

func TestRedisStore_QueryToppedUpAfterConcurrentDelete(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	s := NewRedisStoreFromClient(client, "t:", zap.NewNop())

	for i := 0; i < 6; i++ {
		require.NoError(t, s.Put(ctx, rec("p", fmt.Sprintf("r%d", i), time.Duration(i)*time.Minute)))
	}
	// The record body is gone but its index member remains, as when a delete
	// lands between the range read and the fetch
	require.NoError(t, client.Del(ctx, s.recordKey("p", "r1")).Err())

	page, err := s.Query(ctx, model.RangeQuery{Before: epoch.Add(time.Hour), Limit: 3})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, []string{"r0", "r2", "r3"}, []string{page[0].ID, page[1].ID, page[2].ID})

	rest, err := s.Query(ctx, model.RangeQuery{Before: epoch.Add(time.Hour), After: model.PositionOf(page[2]), Limit: 3})
	require.NoError(t, err)
	assert.Len(t, rest, 2)
}
