package model

import (
	"sync"
	"time"
)

// CycleResult summarizes one archival cycle
type CycleResult struct {
	CycleID          string
	Cutoff           time.Time
	StartedAt        time.Time
	FinishedAt       time.Time
	RecordsSelected  int
	RecordsArchived  int
	RecordsDeleted   int
	RecoveredDeletes int
	BatchesWritten   []string
	FailedBatches    int
	DeleteFailures   []RecordKey

	mu sync.Mutex
}

// AddBatch records a confirmed batch write
func (r *CycleResult) AddBatch(name string, records int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.BatchesWritten = append(r.BatchesWritten, name)
	r.RecordsArchived += records
}

// AddSelected counts records returned by the range query
func (r *CycleResult) AddSelected(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.RecordsSelected += n
}

// AddFailedBatch counts a batch whose cold write was not confirmed
func (r *CycleResult) AddFailedBatch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.FailedBatches++
}

// AddDeletes merges the outcome of one batch's hot deletes
func (r *CycleResult) AddDeletes(deleted int, failed []RecordKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.RecordsDeleted += deleted
	r.DeleteFailures = append(r.DeleteFailures, failed...)
}

// AddRecovered counts deletes completed for a previous, interrupted cycle
func (r *CycleResult) AddRecovered(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.RecoveredDeletes += n
}

// Duration returns the wall time of the cycle
func (r *CycleResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// MigrationCursor tracks batches whose cold write is confirmed but whose hot
// deletes have not all completed. A cursor that survives a restart marks a
// crashed cycle.
type MigrationCursor struct {
	CycleID   string          `yaml:"cycle_id"`
	Cutoff    time.Time       `yaml:"cutoff"`
	StartedAt time.Time       `yaml:"started_at"`
	InFlight  []InFlightBatch `yaml:"in_flight"`
}

// InFlightBatch lists the hot records still pending deletion for one batch
type InFlightBatch struct {
	Batch string      `yaml:"batch"`
	Keys  []RecordKey `yaml:"keys"`
}

// Add registers a confirmed batch
func (c *MigrationCursor) Add(batch string, keys []RecordKey) {
	c.InFlight = append(c.InFlight, InFlightBatch{Batch: batch, Keys: keys})
}

// Complete drops a batch whose deletes have been attempted
func (c *MigrationCursor) Complete(batch string) {
	for i, b := range c.InFlight {
		if b.Batch == batch {
			c.InFlight = append(c.InFlight[:i], c.InFlight[i+1:]...)
			return
		}
	}
}

// Snapshot returns a copy safe to persist while the cursor keeps changing
func (c *MigrationCursor) Snapshot() *MigrationCursor {
	cp := *c
	cp.InFlight = make([]InFlightBatch, len(c.InFlight))
	copy(cp.InFlight, c.InFlight)
	return &cp
}
