package model

import (
	"fmt"
	"math"
	"time"
)

// Hot adapters index timestamps as int64 nanoseconds since the epoch, which
// bounds the instants a hot record can carry (years 1677 to 2262). Archive
// batches have no such bound.
var (
	MinTimestamp = time.Unix(0, math.MinInt64).UTC()
	MaxTimestamp = time.Unix(0, math.MaxInt64).UTC()
)

// TimestampInRange reports whether t lies within [MinTimestamp, MaxTimestamp]
func TimestampInRange(t time.Time) bool {
	return !t.Before(MinTimestamp) && !t.After(MaxTimestamp)
}

// KeySeparator joins partition key and id in composite keys. Validation
// rejects it inside either component.
const KeySeparator = "\x00"

// Record is an immutable business entity held by exactly one tier at rest
type Record struct {
	ID           string
	PartitionKey string
	Timestamp    time.Time
	Payload      []byte // Serialized structured fields, opaque to tiering
}

// Key returns the record's address
func (r *Record) Key() RecordKey {
	return RecordKey{PartitionKey: r.PartitionKey, ID: r.ID}
}

// Clone returns a deep copy so callers cannot mutate cached or stored state
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Payload != nil {
		c.Payload = append([]byte(nil), r.Payload...)
	}
	return &c
}

// RecordKey addresses a record: ids are unique within a partition only
type RecordKey struct {
	PartitionKey string `yaml:"partition_key" json:"partition_key"`
	ID           string `yaml:"id" json:"id"`
}

// Composite returns "{partition_key}\x00{id}"
func (k RecordKey) Composite() string {
	return k.PartitionKey + KeySeparator + k.ID
}

func (k RecordKey) String() string {
	return fmt.Sprintf("%s/%s", k.PartitionKey, k.ID)
}

// RangeQuery selects hot records with Timestamp < Before in
// (Timestamp, PartitionKey, ID) order, strictly after the After position
type RangeQuery struct {
	Before time.Time
	After  *Position
	Limit  int
}

// Position is a keyset pagination cursor over (Timestamp, PartitionKey, ID)
type Position struct {
	Timestamp    time.Time
	PartitionKey string
	ID           string
}

// PositionOf returns the pagination position of r
func PositionOf(r *Record) *Position {
	return &Position{Timestamp: r.Timestamp, PartitionKey: r.PartitionKey, ID: r.ID}
}

// Less orders positions the same way hot stores order query results
func (p Position) Less(o Position) bool {
	if !p.Timestamp.Equal(o.Timestamp) {
		return p.Timestamp.Before(o.Timestamp)
	}
	if p.PartitionKey != o.PartitionKey {
		return p.PartitionKey < o.PartitionKey
	}
	return p.ID < o.ID
}
