package migration

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the migration manager's prometheus collectors. A nil
// *Metrics records nothing.
type Metrics struct {
	PluginRuns     *prometheus.CounterVec
	PluginDuration *prometheus.HistogramVec
	Records        *prometheus.CounterVec
	Conflicts      prometheus.Counter
	ActiveRuns     prometheus.Gauge
}

func NewMetrics() *Metrics {
	const (
		namespace = "migline"
		subsystem = "migration"
	)

	return &Metrics{
		PluginRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "plugin_runs_total",
			Help:      "Count of plugin applications by outcome",
		}, []string{"plugin", "outcome"}),

		PluginDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "plugin_duration_seconds",
			Help:      "Histogram of time spent applying one plugin to one scope",
			Buckets:   prometheus.ExponentialBuckets(1e-3, 5, 9),
		}, []string{"plugin"}),

		Records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "records_total",
			Help:      "Count of records visited by plugins, by result",
		}, []string{"plugin", "result"}),

		Conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "status_conflicts_total",
			Help:      "Count of status compare-and-set writes lost to another writer",
		}),

		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_runs",
			Help:      "Number of migration runs executing in this process",
		}),
	}
}

func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	if m == nil {
		return nil
	}
	return []prometheus.Collector{
		m.PluginRuns,
		m.PluginDuration,
		m.Records,
		m.Conflicts,
		m.ActiveRuns,
	}
}

func (m *Metrics) observePlugin(plugin string, outcome OutcomeKind, d time.Duration, delta ProgressSnapshot) {
	if m == nil {
		return
	}
	m.PluginRuns.WithLabelValues(plugin, outcome.String()).Inc()
	m.PluginDuration.WithLabelValues(plugin).Observe(d.Seconds())
	m.Records.WithLabelValues(plugin, "migrated").Add(float64(delta.Migrated))
	m.Records.WithLabelValues(plugin, "skipped").Add(float64(delta.Skipped))
}

func (m *Metrics) conflict() {
	if m == nil {
		return
	}
	m.Conflicts.Inc()
}

func (m *Metrics) runStarted() {
	if m == nil {
		return
	}
	m.ActiveRuns.Inc()
}

func (m *Metrics) runFinished() {
	if m == nil {
		return
	}
	m.ActiveRuns.Dec()
}
