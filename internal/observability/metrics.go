package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/3leaps/graspatracker/pkg/jobstate"
)

// Metrics exposes tracker activity to Prometheus. It implements
// jobstate.Observer.
type Metrics struct {
	registry *prometheus.Registry

	transitions    *prometheus.CounterVec
	submissions    *prometheus.CounterVec
	subJobs        *prometheus.GaugeVec
	ticks          prometheus.Counter
	tickDuration   prometheus.Histogram
	skippedTicks   prometheus.Counter
	lastTickUnixTS prometheus.Gauge
}

var _ jobstate.Observer = (*Metrics)(nil)

// NewMetrics registers the tracker metrics and the Go runtime collectors on
// a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graspa_subjob_transitions_total",
			Help: "Sub-job status transitions by target status and source.",
		}, []string{"to", "source"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graspa_submissions_total",
			Help: "Sub-job submissions by resulting status.",
		}, []string{"status"}),
		subJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "graspa_subjobs",
			Help: "Latest sub-job rows by status.",
		}, []string{"status"}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graspa_ticks_total",
			Help: "Completed driver ticks.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "graspa_tick_duration_seconds",
			Help:    "Duration of driver ticks.",
			Buckets: prometheus.DefBuckets,
		}),
		skippedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graspa_ticks_skipped_total",
			Help: "Ticks skipped because the scheduler queue could not be listed.",
		}),
		lastTickUnixTS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "graspa_last_tick_timestamp_seconds",
			Help: "Unix time of the last completed tick.",
		}),
	}

	registry.MustRegister(m.transitions)
	registry.MustRegister(m.submissions)
	registry.MustRegister(m.subJobs)
	registry.MustRegister(m.ticks)
	registry.MustRegister(m.tickDuration)
	registry.MustRegister(m.skippedTicks)
	registry.MustRegister(m.lastTickUnixTS)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveTransition implements jobstate.Observer.
func (m *Metrics) ObserveTransition(t jobstate.Transition) {
	m.transitions.WithLabelValues(string(t.To), t.Source).Inc()
	if t.Source == "submit" && (t.To == jobstate.StatusPending || t.To == jobstate.StatusDryRun) {
		m.submissions.WithLabelValues(string(t.To)).Inc()
	}
}

// ObserveTick records a finished tick.
func (m *Metrics) ObserveTick(d time.Duration, skipped bool) {
	m.ticks.Inc()
	m.tickDuration.Observe(d.Seconds())
	if skipped {
		m.skippedTicks.Inc()
	}
	m.lastTickUnixTS.SetToCurrentTime()
}

// SetCounts publishes the latest-row status counts of t.
func (m *Metrics) SetCounts(t *jobstate.Table) {
	counts := LatestCounts(t)
	for _, st := range jobstate.AllStatuses {
		m.subJobs.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

// LatestCounts counts the latest row of every sub-job by status.
func LatestCounts(t *jobstate.Table) map[jobstate.Status]int {
	counts := make(map[jobstate.Status]int)
	for _, r := range t.LatestRecords() {
		if r.Status.IsSet() {
			counts[r.Status]++
		}
	}
	return counts
}
