package batch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/devrev/pairdb/tierstore/internal/errors"
)

const (
	// NamePrefix is shared by every batch object, and is the prefix used to
	// list them
	NamePrefix = "archive-"
	nameSuffix = ".bin"

	cutoffLayout = "20060102T150405Z"
	hashLen      = 16
)

// Namer derives batch names. Sequences are strictly increasing within a
// process and follow the wall clock across processes, so a name is never
// reused and newer batches sort after older ones.
type Namer struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewNamer creates a namer using the wall clock
func NewNamer() *Namer {
	return &Namer{now: time.Now}
}

// NewNamerWithClock creates a namer with an injected clock
func NewNamerWithClock(now func() time.Time) *Namer {
	return &Namer{now: now}
}

// Name returns a fresh name for a batch holding data, archived with cutoff
func (n *Namer) Name(cutoff time.Time, data []byte) string {
	seq := n.next()
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%s%s-%020d-%s%s",
		NamePrefix,
		cutoff.UTC().Format(cutoffLayout),
		seq,
		hex.EncodeToString(sum[:])[:hashLen],
		nameSuffix)
}

// Observe advances the sequence past seq, used after listing existing
// batches so new names always sort after them
func (n *Namer) Observe(seq int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if seq > n.last {
		n.last = seq
	}
}

func (n *Namer) next() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	seq := n.now().UnixNano()
	if seq <= n.last {
		seq = n.last + 1
	}
	n.last = seq
	return seq
}

// NameInfo is the parsed form of a batch name
type NameInfo struct {
	Name      string
	Cutoff    time.Time
	Sequence  int64
	Hash      string
	CreatedAt time.Time
}

// ParseName parses a name produced by Namer.Name
func ParseName(name string) (NameInfo, error) {
	if !strings.HasPrefix(name, NamePrefix) || !strings.HasSuffix(name, nameSuffix) {
		return NameInfo{}, errors.InvalidArgument(fmt.Sprintf("not a batch name: %q", name), nil)
	}
	parts := strings.Split(strings.TrimSuffix(strings.TrimPrefix(name, NamePrefix), nameSuffix), "-")
	if len(parts) != 3 {
		return NameInfo{}, errors.InvalidArgument(fmt.Sprintf("malformed batch name: %q", name), nil)
	}

	cutoff, err := time.Parse(cutoffLayout, parts[0])
	if err != nil {
		return NameInfo{}, errors.InvalidArgument(fmt.Sprintf("malformed cutoff in batch name: %q", name), err)
	}
	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || seq < 0 {
		return NameInfo{}, errors.InvalidArgument(fmt.Sprintf("malformed sequence in batch name: %q", name), err)
	}
	if len(parts[2]) != hashLen {
		return NameInfo{}, errors.InvalidArgument(fmt.Sprintf("malformed hash in batch name: %q", name), nil)
	}
	if _, err := hex.DecodeString(parts[2]); err != nil {
		return NameInfo{}, errors.InvalidArgument(fmt.Sprintf("malformed hash in batch name: %q", name), err)
	}

	return NameInfo{
		Name:      name,
		Cutoff:    cutoff,
		Sequence:  seq,
		Hash:      parts[2],
		CreatedAt: time.Unix(0, seq).UTC(),
	}, nil
}

// SortNewestFirst parses names and orders them by descending sequence.
// Names that do not parse are returned separately.
func SortNewestFirst(names []string) ([]NameInfo, []string) {
	infos := make([]NameInfo, 0, len(names))
	var invalid []string
	for _, name := range names {
		info, err := ParseName(name)
		if err != nil {
			invalid = append(invalid, name)
			continue
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Sequence != infos[j].Sequence {
			return infos[i].Sequence > infos[j].Sequence
		}
		return infos[i].Name > infos[j].Name
	})
	return infos, invalid
}
