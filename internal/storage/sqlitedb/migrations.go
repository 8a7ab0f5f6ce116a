package sqlitedb

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "hot_records: embedded hot tier",
		SQL: `
CREATE TABLE hot_records (
    partition_key  TEXT    NOT NULL,
    id             TEXT    NOT NULL,
    ts_unix_nano   INTEGER NOT NULL,
    payload        BLOB,
    PRIMARY KEY (partition_key, id)
);

CREATE INDEX idx_hot_records_order ON hot_records(ts_unix_nano, partition_key, id);
`,
	},
	{
		Version:     2,
		Description: "locator journal: batch registrations and quarantine",
		SQL: `
CREATE TABLE locator_batches (
    name           TEXT    PRIMARY KEY,
    seq            INTEGER NOT NULL,
    recorded_at    INTEGER NOT NULL
);

CREATE TABLE locator_entries (
    batch          TEXT NOT NULL,
    partition_key  TEXT NOT NULL,
    id             TEXT NOT NULL,
    PRIMARY KEY (batch, partition_key, id),
    FOREIGN KEY (batch) REFERENCES locator_batches(name) ON DELETE CASCADE
);

CREATE TABLE locator_quarantine (
    batch          TEXT    PRIMARY KEY,
    reason         TEXT    NOT NULL,
    quarantined_at INTEGER NOT NULL
);
`,
	},
}

func (db *DB) migrate() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count); err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
