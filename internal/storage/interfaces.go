// Package storage defines the tier adapters the archival and read paths
// depend on. Implementations live in the hotstore, coldstore, journal and
// cursor subpackages and are injected at construction.
package storage

import (
	"context"

	"github.com/devrev/pairdb/tierstore/internal/model"
)

// HotStore is the low-latency tier keyed by (partition key, id)
type HotStore interface {
	// Query returns records with Timestamp < q.Before, ordered by
	// (Timestamp, PartitionKey, ID), strictly after q.After, at most q.Limit.
	// A page shorter than q.Limit means the range is exhausted.
	Query(ctx context.Context, q model.RangeQuery) ([]*model.Record, error)

	// Get returns ErrCodeNotFound when the record is absent
	Get(ctx context.Context, partitionKey, id string) (*model.Record, error)

	// Delete is idempotent: deleting an absent record succeeds
	Delete(ctx context.Context, partitionKey, id string) error
}

// HotWriter inserts or replaces hot records. The owning service writes the
// hot tier; tierstore only uses this for operator tooling.
type HotWriter interface {
	Put(ctx context.Context, r *model.Record) error
}

// ColdStore is the append-only archive of immutable batch objects
type ColdStore interface {
	// PutOnce writes name atomically, or returns ErrCodeObjectExists
	PutOnce(ctx context.Context, name string, data []byte) error

	// Get returns ErrCodeNotFound when the object is absent
	Get(ctx context.Context, name string) ([]byte, error)

	List(ctx context.Context, prefix string) ([]string, error)
}

// Pinger is implemented by adapters that can report reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// JournalBatch is one batch registration as persisted by an IndexJournal
type JournalBatch struct {
	Name     string
	Sequence int64
	Keys     []model.RecordKey
}

// JournalState is everything an IndexJournal holds
type JournalState struct {
	Batches     []JournalBatch
	Quarantined map[string]string // batch -> reason
}

// IndexJournal persists locator registrations so a restart does not have to
// decode the whole archive
type IndexJournal interface {
	Load(ctx context.Context) (*JournalState, error)
	RecordBatch(ctx context.Context, batch JournalBatch) error
	DropBatches(ctx context.Context, names []string) error
	// Replace swaps the journal contents for a freshly rebuilt index
	Replace(ctx context.Context, batches []JournalBatch) error
	SetQuarantined(ctx context.Context, batch, reason string) error
	ClearQuarantined(ctx context.Context, batch string) error
	Close() error
}

// CursorStore persists the migration cursor of the running cycle
type CursorStore interface {
	// Load returns nil without error when no cursor exists
	Load(ctx context.Context) (*model.MigrationCursor, error)
	Save(ctx context.Context, cursor *model.MigrationCursor) error
	Clear(ctx context.Context) error

	// TryLock claims the cursor for one cycle, excluding cycles of other
	// processes that share it. It returns false when the cursor is held.
	TryLock(ctx context.Context) (bool, error)
	Unlock() error
}
