// Package metrics exposes engine counters through Prometheus. A nil
// *Metrics is valid and records nothing, so call sites never need to
// guard instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics aggregates the engine's instruments. One instance covers
// the whole keyspace; partition names become label values.
type Metrics struct {
	WritesTotal      *prometheus.CounterVec
	ReadsTotal       *prometheus.CounterVec
	FlushesTotal     *prometheus.CounterVec
	FlushBytes       *prometheus.CounterVec
	FlushDuration    *prometheus.HistogramVec
	CompactionsTotal *prometheus.CounterVec
	CompactionBytes  *prometheus.CounterVec
	WriteStallsTotal *prometheus.CounterVec
	SegmentCount     *prometheus.GaugeVec
	MemtableBytes    *prometheus.GaugeVec
	JournalBytes     prometheus.Gauge
	SnapshotsOpen    prometheus.Gauge
}

// New registers all instruments with the given registerer. Pass
// prometheus.DefaultRegisterer for the usual global registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tarn", Name: "writes_total",
			Help: "Committed write operations, including deletes.",
		}, []string{"partition"}),
		ReadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tarn", Name: "reads_total",
			Help: "Point reads served.",
		}, []string{"partition"}),
		FlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tarn", Name: "flushes_total",
			Help: "Memtable flushes completed.",
		}, []string{"partition"}),
		FlushBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tarn", Name: "flush_bytes_total",
			Help: "Bytes written to segments by flushes.",
		}, []string{"partition"}),
		FlushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tarn", Name: "flush_duration_seconds",
			Help:    "Wall time of a single memtable flush.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"partition"}),
		CompactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tarn", Name: "compactions_total",
			Help: "Compaction tasks completed.",
		}, []string{"partition"}),
		CompactionBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tarn", Name: "compaction_bytes_total",
			Help: "Bytes written to segments by compactions.",
		}, []string{"partition"}),
		WriteStallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tarn", Name: "write_stalls_total",
			Help: "Writes delayed because flush fell behind.",
		}, []string{"partition"}),
		SegmentCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tarn", Name: "segments",
			Help: "Live segments per partition.",
		}, []string{"partition"}),
		MemtableBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tarn", Name: "memtable_bytes",
			Help: "Approximate bytes held in active memtables.",
		}, []string{"partition"}),
		JournalBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tarn", Name: "journal_bytes",
			Help: "Disk space used by the write-ahead journal.",
		}),
		SnapshotsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tarn", Name: "snapshots_open",
			Help: "Snapshots currently held open.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.WritesTotal, m.ReadsTotal,
			m.FlushesTotal, m.FlushBytes, m.FlushDuration,
			m.CompactionsTotal, m.CompactionBytes,
			m.WriteStallsTotal,
			m.SegmentCount, m.MemtableBytes,
			m.JournalBytes, m.SnapshotsOpen,
		)
	}
	return m
}

func (m *Metrics) IncWrites(partition string, n int) {
	if m == nil {
		return
	}
	m.WritesTotal.WithLabelValues(partition).Add(float64(n))
}

func (m *Metrics) IncReads(partition string) {
	if m == nil {
		return
	}
	m.ReadsTotal.WithLabelValues(partition).Inc()
}

func (m *Metrics) ObserveFlush(partition string, bytes uint64, seconds float64) {
	if m == nil {
		return
	}
	m.FlushesTotal.WithLabelValues(partition).Inc()
	m.FlushBytes.WithLabelValues(partition).Add(float64(bytes))
	m.FlushDuration.WithLabelValues(partition).Observe(seconds)
}

func (m *Metrics) ObserveCompaction(partition string, bytes uint64) {
	if m == nil {
		return
	}
	m.CompactionsTotal.WithLabelValues(partition).Inc()
	m.CompactionBytes.WithLabelValues(partition).Add(float64(bytes))
}

func (m *Metrics) IncWriteStalls(partition string) {
	if m == nil {
		return
	}
	m.WriteStallsTotal.WithLabelValues(partition).Inc()
}

func (m *Metrics) SetSegmentCount(partition string, n int) {
	if m == nil {
		return
	}
	m.SegmentCount.WithLabelValues(partition).Set(float64(n))
}

func (m *Metrics) SetMemtableBytes(partition string, n uint64) {
	if m == nil {
		return
	}
	m.MemtableBytes.WithLabelValues(partition).Set(float64(n))
}

func (m *Metrics) SetJournalBytes(n uint64) {
	if m == nil {
		return
	}
	m.JournalBytes.Set(float64(n))
}

func (m *Metrics) SnapshotOpened() {
	if m == nil {
		return
	}
	m.SnapshotsOpen.Inc()
}

func (m *Metrics) SnapshotClosed() {
	if m == nil {
		return
	}
	m.SnapshotsOpen.Dec()
}

func (m *Metrics) DropPartition(partition string) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"partition": partition}
	m.WritesTotal.Delete(labels)
	m.ReadsTotal.Delete(labels)
	m.FlushesTotal.Delete(labels)
	m.FlushBytes.Delete(labels)
	m.FlushDuration.Delete(labels)
	m.CompactionsTotal.Delete(labels)
	m.CompactionBytes.Delete(labels)
	m.WriteStallsTotal.Delete(labels)
	m.SegmentCount.Delete(labels)
	m.MemtableBytes.Delete(labels)
}
