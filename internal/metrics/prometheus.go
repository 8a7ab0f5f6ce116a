package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "tierstore"
)

// Metrics holds all Prometheus metrics for a tierstore node. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	// Archival metrics
	CyclesTotal             *prometheus.CounterVec
	CycleDuration           prometheus.Histogram
	RecordsSelectedTotal    prometheus.Counter
	RecordsArchivedTotal    prometheus.Counter
	RecordsDeletedTotal     prometheus.Counter
	DeleteFailuresTotal     prometheus.Counter
	RecoveredDeletesTotal   prometheus.Counter
	BatchesWrittenTotal     prometheus.Counter
	BatchWriteFailuresTotal prometheus.Counter
	BatchSizeBytes          prometheus.Histogram
	BatchWriteDuration      prometheus.Histogram

	// Read metrics
	ReadsTotal          *prometheus.CounterVec
	ReadDuration        *prometheus.HistogramVec
	ColdFetchesTotal    prometheus.Counter
	DegradedScansTotal  prometheus.Counter
	BatchCacheHitsTotal prometheus.Counter
	BatchCacheMissTotal prometheus.Counter

	// Locator index metrics
	IndexEntries       prometheus.Gauge
	IndexBatches       prometheus.Gauge
	IndexReady         prometheus.Gauge
	IndexRebuildsTotal *prometheus.CounterVec
	IndexRebuildTime   prometheus.Histogram
	QuarantinedBatches prometheus.Gauge
	StaleRefsTotal     prometheus.Counter
}

// NewMetrics creates and registers all metrics with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		CyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "archival",
			Name:        "cycles_total",
			Help:        "Archival cycles by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "archival",
			Name:        "cycle_duration_seconds",
			Help:        "Wall time of archival cycles",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		RecordsSelectedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "archival",
			Name:        "records_selected_total",
			Help:        "Hot records selected for archival",
			ConstLabels: labels,
		}),
		RecordsArchivedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "archival",
			Name:        "records_archived_total",
			Help:        "Records written to confirmed cold batches",
			ConstLabels: labels,
		}),
		RecordsDeletedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "archival",
			Name:        "records_deleted_total",
			Help:        "Archived records deleted from the hot tier",
			ConstLabels: labels,
		}),
		DeleteFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "archival",
			Name:        "delete_failures_total",
			Help:        "Hot deletes that failed after all retries",
			ConstLabels: labels,
		}),
		RecoveredDeletesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "archival",
			Name:        "recovered_deletes_total",
			Help:        "Hot deletes completed on behalf of an interrupted cycle",
			ConstLabels: labels,
		}),
		BatchesWrittenTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "archival",
			Name:        "batches_written_total",
			Help:        "Confirmed cold batch writes",
			ConstLabels: labels,
		}),
		BatchWriteFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "archival",
			Name:        "batch_write_failures_total",
			Help:        "Cold batch writes that were not confirmed",
			ConstLabels: labels,
		}),
		BatchSizeBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "archival",
			Name:        "batch_size_bytes",
			Help:        "Encoded size of written batches",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1024, 4, 10),
		}),
		BatchWriteDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "archival",
			Name:        "batch_write_duration_seconds",
			Help:        "Latency of cold batch writes",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),

		ReadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "read",
			Name:        "requests_total",
			Help:        "Reads by resolution path and outcome",
			ConstLabels: labels,
		}, []string{"path", "outcome"}),
		ReadDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "read",
			Name:        "duration_seconds",
			Help:        "Read latency by resolution path",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"path"}),
		ColdFetchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "read",
			Name:        "cold_fetches_total",
			Help:        "Batch objects fetched from the cold tier by reads",
			ConstLabels: labels,
		}),
		DegradedScansTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "read",
			Name:        "degraded_scans_total",
			Help:        "Reads resolved by scanning the archive instead of the index",
			ConstLabels: labels,
		}),
		BatchCacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "read",
			Name:        "batch_cache_hits_total",
			Help:        "Decoded batch cache hits",
			ConstLabels: labels,
		}),
		BatchCacheMissTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "read",
			Name:        "batch_cache_misses_total",
			Help:        "Decoded batch cache misses",
			ConstLabels: labels,
		}),

		IndexEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "index",
			Name:        "entries",
			Help:        "Record keys held by the locator index",
			ConstLabels: labels,
		}),
		IndexBatches: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "index",
			Name:        "batches",
			Help:        "Batches registered in the locator index",
			ConstLabels: labels,
		}),
		IndexReady: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "index",
			Name:        "ready",
			Help:        "1 when the locator index reflects the whole archive",
			ConstLabels: labels,
		}),
		IndexRebuildsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "index",
			Name:        "rebuilds_total",
			Help:        "Locator index rebuilds by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		IndexRebuildTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "index",
			Name:        "rebuild_duration_seconds",
			Help:        "Duration of locator index rebuilds",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		QuarantinedBatches: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "index",
			Name:        "quarantined_batches",
			Help:        "Batches excluded from automated reads",
			ConstLabels: labels,
		}),
		StaleRefsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "index",
			Name:        "stale_references_total",
			Help:        "Index entries found pointing at missing batches",
			ConstLabels: labels,
		}),
	}
}

// RecordCycle records the outcome of one archival cycle
func (m *Metrics) RecordCycle(outcome string, duration float64) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(outcome).Inc()
	if outcome != "skipped" {
		m.CycleDuration.Observe(duration)
	}
}

// RecordSelected counts records returned by range queries
func (m *Metrics) RecordSelected(n int) {
	if m == nil {
		return
	}
	m.RecordsSelectedTotal.Add(float64(n))
}

// RecordBatchWrite records a confirmed cold write
func (m *Metrics) RecordBatchWrite(records, bytes int, duration float64) {
	if m == nil {
		return
	}
	m.BatchesWrittenTotal.Inc()
	m.RecordsArchivedTotal.Add(float64(records))
	m.BatchSizeBytes.Observe(float64(bytes))
	m.BatchWriteDuration.Observe(duration)
}

// RecordBatchWriteFailure counts an unconfirmed cold write
func (m *Metrics) RecordBatchWriteFailure() {
	if m == nil {
		return
	}
	m.BatchWriteFailuresTotal.Inc()
}

// RecordDeletes records the outcome of a batch's hot deletes
func (m *Metrics) RecordDeletes(deleted, failed int) {
	if m == nil {
		return
	}
	m.RecordsDeletedTotal.Add(float64(deleted))
	m.DeleteFailuresTotal.Add(float64(failed))
}

// RecordRecovered counts deletes finished for an interrupted cycle
func (m *Metrics) RecordRecovered(n int) {
	if m == nil {
		return
	}
	m.RecoveredDeletesTotal.Add(float64(n))
}

// RecordRead records one read by the path that resolved it
func (m *Metrics) RecordRead(path, outcome string, duration float64) {
	if m == nil {
		return
	}
	m.ReadsTotal.WithLabelValues(path, outcome).Inc()
	m.ReadDuration.WithLabelValues(path).Observe(duration)
}

// RecordColdFetch counts a batch fetched from the cold tier
func (m *Metrics) RecordColdFetch() {
	if m == nil {
		return
	}
	m.ColdFetchesTotal.Inc()
}

// RecordDegradedScan counts a read that fell back to scanning
func (m *Metrics) RecordDegradedScan() {
	if m == nil {
		return
	}
	m.DegradedScansTotal.Inc()
}

// RecordBatchCache records a decoded batch cache lookup
func (m *Metrics) RecordBatchCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.BatchCacheHitsTotal.Inc()
	} else {
		m.BatchCacheMissTotal.Inc()
	}
}

// UpdateIndexStats publishes the locator index size
func (m *Metrics) UpdateIndexStats(entries, batches, quarantined int, ready bool) {
	if m == nil {
		return
	}
	m.IndexEntries.Set(float64(entries))
	m.IndexBatches.Set(float64(batches))
	m.QuarantinedBatches.Set(float64(quarantined))
	if ready {
		m.IndexReady.Set(1)
	} else {
		m.IndexReady.Set(0)
	}
}

// RecordRebuild records a locator index rebuild
func (m *Metrics) RecordRebuild(outcome string, duration float64) {
	if m == nil {
		return
	}
	m.IndexRebuildsTotal.WithLabelValues(outcome).Inc()
	m.IndexRebuildTime.Observe(duration)
}

// RecordStaleReference counts an index entry that pointed at a missing batch
func (m *Metrics) RecordStaleReference() {
	if m == nil {
		return
	}
	m.StaleRefsTotal.Inc()
}
