package hotstore

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/tierstore/internal/errors"
	"github.com/devrev/pairdb/tierstore/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS hot_records (
    partition_key  TEXT COLLATE "C" NOT NULL,
    id             TEXT COLLATE "C" NOT NULL,
    ts_unix_nano   BIGINT NOT NULL,
    payload        BYTEA,
    PRIMARY KEY (partition_key, id)
);

CREATE INDEX IF NOT EXISTS idx_hot_records_order ON hot_records (ts_unix_nano, partition_key, id);
`

// PostgresStore is the production hot store. Keys use the "C" collation so
// the database orders them bytewise like every other adapter.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore connects a pool and verifies it with a ping
func NewPostgresStore(ctx context.Context, dsn string, maxConns, minConns int, logger *zap.Logger) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = int32(maxConns)
	}
	if minConns > 0 {
		config.MinConns = int32(minConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewPostgresStoreFromPool(pool, logger), nil
}

// NewPostgresStoreFromPool wraps an existing pool
func NewPostgresStoreFromPool(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// EnsureSchema creates the hot_records table and its ordering index
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create hot_records schema: %w", err)
	}
	return nil
}

// Put inserts or replaces a record
func (s *PostgresStore) Put(ctx context.Context, r *model.Record) error {
	if err := checkTimestamp(r); err != nil {
		return err
	}
	query := `
		INSERT INTO hot_records (partition_key, id, ts_unix_nano, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (partition_key, id) DO UPDATE SET
			ts_unix_nano = EXCLUDED.ts_unix_nano,
			payload = EXCLUDED.payload
	`
	if _, err := s.pool.Exec(ctx, query, r.PartitionKey, r.ID, r.Timestamp.UnixNano(), r.Payload); err != nil {
		return errors.Unavailable("postgres put failed", err)
	}
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, q model.RangeQuery) ([]*model.Record, error) {
	var (
		rows pgx.Rows
		err  error
	)

	// LIMIT NULL means no limit
	var limit any
	if q.Limit > 0 {
		limit = q.Limit
	}

	if q.After == nil {
		query := `
			SELECT partition_key, id, ts_unix_nano, payload
			FROM hot_records
			WHERE ts_unix_nano < $1
			ORDER BY ts_unix_nano, partition_key, id
			LIMIT $2
		`
		rows, err = s.pool.Query(ctx, query, unixNano(q.Before), limit)
	} else {
		query := `
			SELECT partition_key, id, ts_unix_nano, payload
			FROM hot_records
			WHERE ts_unix_nano < $1
			  AND (ts_unix_nano, partition_key, id) > ($2, $3, $4)
			ORDER BY ts_unix_nano, partition_key, id
			LIMIT $5
		`
		rows, err = s.pool.Query(ctx, query,
			unixNano(q.Before), unixNano(q.After.Timestamp), q.After.PartitionKey, q.After.ID, limit)
	}
	if err != nil {
		return nil, errors.Unavailable("postgres range query failed", err)
	}
	defer rows.Close()

	records := make([]*model.Record, 0)
	for rows.Next() {
		var (
			r  model.Record
			ts int64
		)
		if err := rows.Scan(&r.PartitionKey, &r.ID, &ts, &r.Payload); err != nil {
			return nil, errors.Unavailable("failed to scan hot record", err)
		}
		r.Timestamp = time.Unix(0, ts).UTC()
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Unavailable("postgres range query failed", err)
	}
	return records, nil
}

func (s *PostgresStore) Get(ctx context.Context, partitionKey, id string) (*model.Record, error) {
	query := `
		SELECT partition_key, id, ts_unix_nano, payload
		FROM hot_records
		WHERE partition_key = $1 AND id = $2
	`

	var (
		r  model.Record
		ts int64
	)
	err := s.pool.QueryRow(ctx, query, partitionKey, id).Scan(&r.PartitionKey, &r.ID, &ts, &r.Payload)
	if err != nil {
		return nil, getError(partitionKey, id, err)
	}
	r.Timestamp = time.Unix(0, ts).UTC()
	return &r, nil
}

// getError maps a single-row lookup failure to RecordNotFound or Unavailable
func getError(partitionKey, id string, err error) error {
	if stderrors.Is(err, pgx.ErrNoRows) {
		return errors.RecordNotFound(partitionKey, id)
	}
	return errors.Unavailable("postgres get failed", err)
}

func (s *PostgresStore) Delete(ctx context.Context, partitionKey, id string) error {
	result, err := s.pool.Exec(ctx, `DELETE FROM hot_records WHERE partition_key = $1 AND id = $2`, partitionKey, id)
	if err != nil {
		return errors.Unavailable("postgres delete failed", err)
	}
	if result.RowsAffected() == 0 {
		s.logger.Debug("Hot record already absent",
			zap.String("partition_key", partitionKey),
			zap.String("id", id))
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return errors.Unavailable("postgres ping failed", err)
	}
	return nil
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
