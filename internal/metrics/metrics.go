// Package metrics holds the engine's prometheus collectors. Collectors
// live on an explicit registry; a nil *Metrics records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "snapguard"

// Metrics bundles every collector the engine updates.
type Metrics struct {
	registry *prometheus.Registry

	snapshotsCreated  prometheus.Counter
	snapshotFailures  prometheus.Counter
	snapshotBytes     prometheus.Counter
	snapshotsEvicted  prometheus.Counter
	decisions         *prometheus.CounterVec
	auditWriteErrors  prometheus.Counter
	sessionsFinalized *prometheus.CounterVec
	finalizeErrors    prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		snapshotsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "snapshots_created_total",
			Help: "Snapshots written, including partial ones",
		}),
		snapshotFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "snapshot_file_failures_total",
			Help: "Files that could not be captured in a snapshot",
		}),
		snapshotBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "snapshot_bytes_written_total",
			Help: "Blob bytes written after compression",
		}),
		snapshotsEvicted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "snapshots_evicted_total",
			Help: "Snapshots removed by retention",
		}),
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "save_decisions_total",
			Help: "Save decisions by protection level and verdict",
		}, []string{"level", "verdict"}),
		auditWriteErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "audit_write_errors_total",
			Help: "Audit entries that could not be persisted",
		}),
		sessionsFinalized: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_finalized_total",
			Help: "Sessions sealed by trigger",
		}, []string{"reason"}),
		finalizeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "session_persist_errors_total",
			Help: "Session manifests that failed to persist",
		}),
	}
}

// Registry returns the underlying registry (tests, custom exporters).
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SnapshotCreated(bytesWritten int64, failedFiles int) {
	if m == nil {
		return
	}
	m.snapshotsCreated.Inc()
	m.snapshotBytes.Add(float64(bytesWritten))
	m.snapshotFailures.Add(float64(failedFiles))
}

func (m *Metrics) SnapshotFailed(failedFiles int) {
	if m == nil {
		return
	}
	m.snapshotFailures.Add(float64(failedFiles))
}

func (m *Metrics) SnapshotsEvicted(n int) {
	if m == nil {
		return
	}
	m.snapshotsEvicted.Add(float64(n))
}

func (m *Metrics) Decision(level, verdict string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(level, verdict).Inc()
}

func (m *Metrics) AuditWriteError() {
	if m == nil {
		return
	}
	m.auditWriteErrors.Inc()
}

func (m *Metrics) SessionFinalized(reason string) {
	if m == nil {
		return
	}
	m.sessionsFinalized.WithLabelValues(reason).Inc()
}

func (m *Metrics) FinalizeError() {
	if m == nil {
		return
	}
	m.finalizeErrors.Inc()
}
