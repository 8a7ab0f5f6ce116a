package hotstore

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/devrev/pairdb/tierstore/internal/errors"
	"github.com/devrev/pairdb/tierstore/internal/model"
	"github.com/devrev/pairdb/tierstore/internal/storage/sqlitedb"
)

// SQLiteStore is an embedded hot store backed by the hot_records table
type SQLiteStore struct {
	db *sqlitedb.DB
}

// NewSQLiteStore creates a hot store on an opened database. The caller owns
// the database handle.
func NewSQLiteStore(db *sqlitedb.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Put inserts or replaces a record
func (s *SQLiteStore) Put(ctx context.Context, r *model.Record) error {
	if err := checkTimestamp(r); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hot_records (partition_key, id, ts_unix_nano, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (partition_key, id) DO UPDATE SET
			ts_unix_nano = excluded.ts_unix_nano,
			payload = excluded.payload`,
		r.PartitionKey, r.ID, r.Timestamp.UnixNano(), r.Payload)
	if err != nil {
		return errors.Unavailable("sqlite put failed", err)
	}
	return nil
}

func (s *SQLiteStore) Query(ctx context.Context, q model.RangeQuery) ([]*model.Record, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}

	var (
		rows *sql.Rows
		err  error
	)
	if q.After == nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT partition_key, id, ts_unix_nano, payload FROM hot_records
			WHERE ts_unix_nano < ?
			ORDER BY ts_unix_nano, partition_key, id
			LIMIT ?`,
			unixNano(q.Before), limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT partition_key, id, ts_unix_nano, payload FROM hot_records
			WHERE ts_unix_nano < ?
			  AND (ts_unix_nano, partition_key, id) > (?, ?, ?)
			ORDER BY ts_unix_nano, partition_key, id
			LIMIT ?`,
			unixNano(q.Before), unixNano(q.After.Timestamp), q.After.PartitionKey, q.After.ID, limit)
	}
	if err != nil {
		return nil, errors.Unavailable("sqlite range query failed", err)
	}
	defer rows.Close()

	var records []*model.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Unavailable("sqlite scan failed", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Unavailable("sqlite range query failed", err)
	}
	return records, nil
}

func (s *SQLiteStore) Get(ctx context.Context, partitionKey, id string) (*model.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT partition_key, id, ts_unix_nano, payload FROM hot_records
		WHERE partition_key = ? AND id = ?`,
		partitionKey, id)

	r, err := scanRecord(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.RecordNotFound(partitionKey, id)
	}
	if err != nil {
		return nil, errors.Unavailable("sqlite get failed", err)
	}
	return r, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, partitionKey, id string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM hot_records WHERE partition_key = ? AND id = ?", partitionKey, id); err != nil {
		return errors.Unavailable("sqlite delete failed", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.Unavailable("sqlite ping failed", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*model.Record, error) {
	var (
		r  model.Record
		ts int64
	)
	if err := sc.Scan(&r.PartitionKey, &r.ID, &ts, &r.Payload); err != nil {
		return nil, err
	}
	r.Timestamp = time.Unix(0, ts).UTC()
	return &r, nil
}
