package model

import "time"

// Batch is an immutable group of records written to cold storage in one
// object write
type Batch struct {
	Name      string
	Records   []*Record
	CreatedAt time.Time
}

// Keys returns the record keys in batch order
func (b *Batch) Keys() []RecordKey {
	keys := make([]RecordKey, len(b.Records))
	for i, r := range b.Records {
		keys[i] = r.Key()
	}
	return keys
}

// Tier identifies which storage tier served a record
type Tier int

const (
	TierHot Tier = iota
	TierCold
)

func (t Tier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierCold:
		return "cold"
	default:
		return "unknown"
	}
}
