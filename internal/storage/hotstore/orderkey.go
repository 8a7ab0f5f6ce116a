// Package hotstore holds the hot tier adapters: in-process, embedded SQLite,
// PostgreSQL and Redis.
package hotstore

import (
	"fmt"
	"time"

	"github.com/devrev/pairdb/tierstore/internal/errors"
	"github.com/devrev/pairdb/tierstore/internal/model"
)

const signBit = uint64(1) << 63

// unixNano is t.UnixNano clamped to the representable range, so query
// bounds far in the past or future keep their ordering
func unixNano(t time.Time) int64 {
	switch {
	case t.Before(model.MinTimestamp):
		return model.MinTimestamp.UnixNano()
	case t.After(model.MaxTimestamp):
		return model.MaxTimestamp.UnixNano()
	}
	return t.UnixNano()
}

// checkTimestamp rejects records whose timestamp the hot index cannot hold
func checkTimestamp(r *model.Record) error {
	if model.TimestampInRange(r.Timestamp) {
		return nil
	}
	return errors.InvalidArgument(
		fmt.Sprintf("timestamp %s of %s is outside the hot tier range", r.Timestamp.Format(time.RFC3339Nano), r.Key()), nil).
		WithDetail("min", model.MinTimestamp).
		WithDetail("max", model.MaxTimestamp)
}

// timeKey encodes t so that byte order matches chronological order,
// including instants before 1970
func timeKey(t time.Time) string {
	return fmt.Sprintf("%016x", uint64(unixNano(t))^signBit)
}

// orderKey is the byte-sortable form of a record's (Timestamp, PartitionKey,
// ID) position. Components cannot contain the separator, and it sorts below
// every other byte, so a shorter partition key sorts before its extensions.
func orderKey(ts time.Time, partitionKey, id string) string {
	return timeKey(ts) + model.KeySeparator + partitionKey + model.KeySeparator + id
}

func positionKey(p *model.Position) string {
	if p == nil {
		return ""
	}
	return orderKey(p.Timestamp, p.PartitionKey, p.ID)
}
