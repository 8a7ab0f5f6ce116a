// Package journal persists locator index registrations in SQLite so the
// index can be reloaded without decoding every archived batch.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/devrev/pairdb/tierstore/internal/model"
	"github.com/devrev/pairdb/tierstore/internal/storage"
	"github.com/devrev/pairdb/tierstore/internal/storage/sqlitedb"
)

// SQLiteJournal implements storage.IndexJournal
type SQLiteJournal struct {
	db      *sqlitedb.DB
	ownsDB  bool
	nowFunc func() time.Time
}

// Open opens a journal database at path
func Open(path string) (*SQLiteJournal, error) {
	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open index journal: %w", err)
	}
	return &SQLiteJournal{db: db, ownsDB: true, nowFunc: time.Now}, nil
}

// New creates a journal on a database owned by the caller
func New(db *sqlitedb.DB) *SQLiteJournal {
	return &SQLiteJournal{db: db, nowFunc: time.Now}
}

func (j *SQLiteJournal) Load(ctx context.Context) (*storage.JournalState, error) {
	state := &storage.JournalState{Quarantined: make(map[string]string)}

	rows, err := j.db.QueryContext(ctx, "SELECT name, seq FROM locator_batches ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("load journal batches: %w", err)
	}
	index := make(map[string]int)
	for rows.Next() {
		var b storage.JournalBatch
		if err := rows.Scan(&b.Name, &b.Sequence); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan journal batch: %w", err)
		}
		index[b.Name] = len(state.Batches)
		state.Batches = append(state.Batches, b)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("load journal batches: %w", err)
	}
	rows.Close()

	rows, err = j.db.QueryContext(ctx, "SELECT batch, partition_key, id FROM locator_entries")
	if err != nil {
		return nil, fmt.Errorf("load journal entries: %w", err)
	}
	for rows.Next() {
		var (
			batch string
			key   model.RecordKey
		)
		if err := rows.Scan(&batch, &key.PartitionKey, &key.ID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		if i, ok := index[batch]; ok {
			state.Batches[i].Keys = append(state.Batches[i].Keys, key)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("load journal entries: %w", err)
	}
	rows.Close()

	rows, err = j.db.QueryContext(ctx, "SELECT batch, reason FROM locator_quarantine")
	if err != nil {
		return nil, fmt.Errorf("load quarantine: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var batch, reason string
		if err := rows.Scan(&batch, &reason); err != nil {
			return nil, fmt.Errorf("scan quarantine: %w", err)
		}
		state.Quarantined[batch] = reason
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load quarantine: %w", err)
	}

	return state, nil
}

func (j *SQLiteJournal) RecordBatch(ctx context.Context, batch storage.JournalBatch) error {
	return j.inTx(ctx, func(tx *sql.Tx) error {
		return insertBatch(ctx, tx, batch, j.nowFunc())
	})
}

func (j *SQLiteJournal) DropBatches(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	return j.inTx(ctx, func(tx *sql.Tx) error {
		for _, name := range names {
			if _, err := tx.ExecContext(ctx, "DELETE FROM locator_entries WHERE batch = ?", name); err != nil {
				return fmt.Errorf("drop entries of %s: %w", name, err)
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM locator_batches WHERE name = ?", name); err != nil {
				return fmt.Errorf("drop batch %s: %w", name, err)
			}
		}
		return nil
	})
}

func (j *SQLiteJournal) Replace(ctx context.Context, batches []storage.JournalBatch) error {
	now := j.nowFunc()
	return j.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM locator_entries"); err != nil {
			return fmt.Errorf("clear entries: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM locator_batches"); err != nil {
			return fmt.Errorf("clear batches: %w", err)
		}
		for _, b := range batches {
			if err := insertBatch(ctx, tx, b, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func (j *SQLiteJournal) SetQuarantined(ctx context.Context, batch, reason string) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO locator_quarantine (batch, reason, quarantined_at) VALUES (?, ?, ?)
		ON CONFLICT (batch) DO UPDATE SET reason = excluded.reason`,
		batch, reason, j.nowFunc().UnixMilli())
	if err != nil {
		return fmt.Errorf("quarantine %s: %w", batch, err)
	}
	return nil
}

func (j *SQLiteJournal) ClearQuarantined(ctx context.Context, batch string) error {
	if _, err := j.db.ExecContext(ctx, "DELETE FROM locator_quarantine WHERE batch = ?", batch); err != nil {
		return fmt.Errorf("release %s: %w", batch, err)
	}
	return nil
}

// Close closes the database when the journal opened it
func (j *SQLiteJournal) Close() error {
	if j.ownsDB {
		return j.db.Close()
	}
	return nil
}

func (j *SQLiteJournal) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin journal tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit journal tx: %w", err)
	}
	return nil
}

func insertBatch(ctx context.Context, tx *sql.Tx, b storage.JournalBatch, now time.Time) error {
	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO locator_batches (name, seq, recorded_at) VALUES (?, ?, ?)",
		b.Name, b.Sequence, now.UnixMilli()); err != nil {
		return fmt.Errorf("record batch %s: %w", b.Name, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR IGNORE INTO locator_entries (batch, partition_key, id) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare entries: %w", err)
	}
	defer stmt.Close()

	for _, k := range b.Keys {
		if _, err := stmt.ExecContext(ctx, b.Name, k.PartitionKey, k.ID); err != nil {
			return fmt.Errorf("record entry %s in %s: %w", k, b.Name, err)
		}
	}
	return nil
}
