// Package metrics holds the Prometheus collectors for ingestion and query.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const Namespace = "scoutrag"

// Metrics is safe to use as a nil pointer; every recorder is then a no-op.
type Metrics struct {
	ResourcesFetched *prometheus.CounterVec
	ChunksIndexed    prometheus.Counter
	ChunksFailed     prometheus.Counter

	JobsTotal          *prometheus.CounterVec
	JobDurationSeconds prometheus.Histogram
	JobsRunning        prometheus.Gauge

	QueriesTotal         *prometheus.CounterVec
	QueryDurationSeconds prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{}
	m.initIngestMetrics(factory)
	m.initJobMetrics(factory)
	m.initQueryMetrics(factory)
	return m
}

func (m *Metrics) initIngestMetrics(factory promauto.Factory) {
	m.ResourcesFetched = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "ingest",
			Name:      "resources_fetched_total",
			Help:      "Resources produced by the crawler",
		},
		[]string{"content_type", "outcome"},
	)
	m.ChunksIndexed = factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "ingest",
		Name:      "chunks_indexed_total",
		Help:      "Chunks embedded and written to the vector store",
	})
	m.ChunksFailed = factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "ingest",
		Name:      "chunks_failed_total",
		Help:      "Chunks skipped because embedding failed",
	})
}

func (m *Metrics) initJobMetrics(factory promauto.Factory) {
	m.JobsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Scrape jobs by trigger and terminal status",
		},
		[]string{"trigger", "status"},
	)
	m.JobDurationSeconds = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "jobs",
		Name:      "duration_seconds",
		Help:      "Wall time of scrape jobs",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 16), // 1s to ~9h
	})
	m.JobsRunning = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "jobs",
		Name:      "running",
		Help:      "Scrape jobs currently running (0 or 1)",
	})
}

func (m *Metrics) initQueryMetrics(factory promauto.Factory) {
	m.QueriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "query",
			Name:      "total",
			Help:      "Questions answered by outcome",
		},
		[]string{"outcome"},
	)
	m.QueryDurationSeconds = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "query",
		Name:      "duration_seconds",
		Help:      "End to end query latency",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})
}

func (m *Metrics) ResourceFetched(contentType string, failed bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	m.ResourcesFetched.WithLabelValues(contentType, outcome).Inc()
}

func (m *Metrics) Chunks(indexed, failed int) {
	if m == nil {
		return
	}
	m.ChunksIndexed.Add(float64(indexed))
	m.ChunksFailed.Add(float64(failed))
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.JobsRunning.Set(1)
}

func (m *Metrics) JobFinished(trigger, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobsRunning.Set(0)
	m.JobsTotal.WithLabelValues(trigger, status).Inc()
	m.JobDurationSeconds.Observe(d.Seconds())
}

func (m *Metrics) Query(ok bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.QueriesTotal.WithLabelValues(outcome).Inc()
	m.QueryDurationSeconds.Observe(d.Seconds())
}
