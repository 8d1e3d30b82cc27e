// Package metrics holds the Prometheus collectors of a container. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "strata"
	subsystem = "swmr"
)

type Metrics struct {
	Flushes       prometheus.Counter
	FlushFailures prometheus.Counter
	FlushSeconds  prometheus.Histogram
	PublishedSeq  prometheus.Gauge
	StagedHeaders prometheus.Gauge
	Refreshes     prometheus.Counter
	StaleReads    prometheus.Counter
	Fallbacks     prometheus.Counter
	CacheLookups  *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg uses a private registry,
// which keeps tests and multiple containers in one process independent.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Flushes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "flushes_total",
			Help:      "Checkpoints published by the writer.",
		}),
		FlushFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "flush_failures_total",
			Help:      "Flushes aborted before the checkpoint became authoritative.",
		}),
		FlushSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "flush_seconds",
			Help:      "Distribution of time spent publishing a checkpoint.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		PublishedSeq: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "published_sequence",
			Help:      "Sequence of the newest published checkpoint.",
		}),
		StagedHeaders: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "staged_headers",
			Help:      "Object headers waiting in the staging log.",
		}),
		Refreshes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reader_refreshes_total",
			Help:      "Reader refreshes that adopted a newer checkpoint.",
		}),
		StaleReads: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stale_reads_total",
			Help:      "Reader operations refused because the reader lagged too far.",
		}),
		Fallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "slot_fallbacks_total",
			Help:      "Opens that fell back to the previous checkpoint slot.",
		}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups by cache name and result.",
		}, []string{"cache", "result"}),
	}
}

func (m *Metrics) FlushDone(seq uint64, took time.Duration) {
	if m == nil {
		return
	}
	m.Flushes.Inc()
	m.FlushSeconds.Observe(took.Seconds())
	m.PublishedSeq.Set(float64(seq))
	m.StagedHeaders.Set(0)
}

func (m *Metrics) FlushFailed() {
	if m == nil {
		return
	}
	m.FlushFailures.Inc()
}

func (m *Metrics) Staged(n int) {
	if m == nil {
		return
	}
	m.StagedHeaders.Set(float64(n))
}

func (m *Metrics) Published(seq uint64) {
	if m == nil {
		return
	}
	m.PublishedSeq.Set(float64(seq))
}

func (m *Metrics) Refreshed() {
	if m == nil {
		return
	}
	m.Refreshes.Inc()
}

func (m *Metrics) Stale() {
	if m == nil {
		return
	}
	m.StaleReads.Inc()
}

func (m *Metrics) Fallback() {
	if m == nil {
		return
	}
	m.Fallbacks.Inc()
}

// CacheHit records one lookup in the named cache.
func (m *Metrics) CacheHit(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(cache, result).Inc()
}
