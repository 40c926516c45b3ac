// Package metrics exposes engine counters in Prometheus format. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "teamcal"

type Metrics struct {
	registry *prometheus.Registry

	mutations     *prometheus.CounterVec
	applySeconds  prometheus.Histogram
	queueDepth    prometheus.Gauge
	derivedJobs   *prometheus.CounterVec
	notifications *prometheus.CounterVec
	scans         *prometheus.CounterVec
	expansions    *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Submitted mutations by kind and outcome.",
		}, []string{"kind", "outcome"}),
		applySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "apply_duration_seconds",
			Help:      "Time spent committing a mutation, including retries.",
			Buckets:   prometheus.DefBuckets,
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "derived_queue_depth",
			Help:      "Derived jobs waiting for a worker.",
		}),
		derivedJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "derived_jobs_total",
			Help:      "Derived jobs by type and outcome.",
		}, []string{"job", "outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_deliveries_total",
			Help:      "Delivery attempts by channel and outcome.",
		}, []string{"channel", "outcome"}),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scanner_mutations_total",
			Help:      "Mutations synthesized by the time-driven scanner.",
		}, []string{"kind"}),
		expansions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "occurrence_requests_total",
			Help:      "Occurrence window requests by cache result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.mutations,
		m.applySeconds,
		m.queueDepth,
		m.derivedJobs,
		m.notifications,
		m.scans,
		m.expansions,
	)
	return m
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Mutation(kind, outcome string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) ApplyDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.applySeconds.Observe(d.Seconds())
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) DerivedJob(job, outcome string) {
	if m == nil {
		return
	}
	m.derivedJobs.WithLabelValues(job, outcome).Inc()
}

func (m *Metrics) Delivery(channel, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) Scanned(kind string) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(kind).Inc()
}

func (m *Metrics) Occurrences(result string) {
	if m == nil {
		return
	}
	m.expansions.WithLabelValues(result).Inc()
}
