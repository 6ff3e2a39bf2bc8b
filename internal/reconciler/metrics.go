package reconciler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"galaxyctl/pkg/logging"
)

const metricsNamespace = "galaxyctl"

// Metrics tracks reconciliation passes and the artifacts they touch.
//
// Each controller invocation is short lived, so the registry is not served
// over HTTP; WriteTextfile dumps it for the node-exporter textfile collector.
type Metrics struct {
	registry *prometheus.Registry

	passes           *prometheus.CounterVec
	passDuration     prometheus.Histogram
	lastPass         prometheus.Gauge
	degraded         prometheus.Gauge
	artifactsWritten *prometheus.CounterVec
	artifactsRemoved *prometheus.CounterVec
	refreshes        *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance with its own registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconcile_passes_total",
			Help:      "Reconciliation passes by result.",
		}, []string{"result"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of reconciliation passes.",
			Buckets:   prometheus.DefBuckets,
		}),
		lastPass: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "reconcile_last_pass_timestamp_seconds",
			Help:      "Unix time of the last reconciliation pass.",
		}),
		degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "degraded_declarations",
			Help:      "Registered declarations that failed to reload.",
		}),
		artifactsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "artifacts_written_total",
			Help:      "Backend artifacts written because their content changed.",
		}, []string{"backend"}),
		artifactsRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "artifacts_removed_total",
			Help:      "Backend artifacts removed.",
		}, []string{"backend"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "backend_refreshes_total",
			Help:      "Global backend refreshes (supervisorctl update, systemctl daemon-reload).",
		}, []string{"backend"}),
	}
	m.registry.MustRegister(
		m.passes,
		m.passDuration,
		m.lastPass,
		m.degraded,
		m.artifactsWritten,
		m.artifactsRemoved,
		m.refreshes,
	)
	return m
}

// Registry returns the registry holding the metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordPass records the outcome of a reconciliation pass.
func (m *Metrics) RecordPass(err error, duration time.Duration) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.passes.WithLabelValues(result).Inc()
	m.passDuration.Observe(duration.Seconds())
	m.lastPass.SetToCurrentTime()
}

// RecordBackend records what one backend Update did.
func (m *Metrics) RecordBackend(backend string, written, removed int, refreshed bool) {
	m.artifactsWritten.WithLabelValues(backend).Add(float64(written))
	m.artifactsRemoved.WithLabelValues(backend).Add(float64(removed))
	if refreshed {
		m.refreshes.WithLabelValues(backend).Inc()
	}
}

// SetDegraded sets the number of degraded declarations.
func (m *Metrics) SetDegraded(n int) {
	m.degraded.Set(float64(n))
}

// WriteTextfile writes the metrics in the text exposition format to path.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return err
	}
	logging.Debug("Reconciler", "Wrote metrics to %s", path)
	return nil
}
