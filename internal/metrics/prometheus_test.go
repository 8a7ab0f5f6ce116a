package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Recorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("node-1", reg)

	m.RecordCycle("ok", 1.5)
	m.RecordCycle("skipped", 0)
	m.RecordBatchWrite(100, 4096, 0.2)
	m.RecordDeletes(98, 2)
	m.RecordRead("index", "ok", 0.01)
	m.RecordRead("index", "ok", 0.02)
	m.RecordBatchCache(true)
	m.UpdateIndexStats(100, 1, 0, true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CyclesTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CyclesTotal.WithLabelValues("skipped")))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.RecordsArchivedTotal))
	assert.Equal(t, 98.0, testutil.ToFloat64(m.RecordsDeletedTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DeleteFailuresTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReadsTotal.WithLabelValues("index", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchCacheHitsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IndexReady))
	assert.Equal(t, 1, testutil.CollectAndCount(m.CycleDuration))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordCycle("ok", 1)
		m.RecordSelected(1)
		m.RecordBatchWrite(1, 1, 1)
		m.RecordBatchWriteFailure()
		m.RecordDeletes(1, 1)
		m.RecordRecovered(1)
		m.RecordRead("hot", "ok", 1)
		m.RecordColdFetch()
		m.RecordDegradedScan()
		m.RecordBatchCache(false)
		m.UpdateIndexStats(1, 1, 1, false)
		m.RecordRebuild("ok", 1)
		m.RecordStaleReference()
	})
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics("a", prometheus.NewRegistry())
		NewMetrics("a", prometheus.NewRegistry())
	})
}
