// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg prometheus.Gatherer

	AuditRecorded      *prometheus.CounterVec
	AuditDropped       *prometheus.CounterVec
	AuditQueueDepth    prometheus.Gauge
	DecryptionFailures *prometheus.CounterVec
	ExportedRows       prometheus.Counter
	CleanedRows        prometheus.Counter
	RPCRequests        *prometheus.CounterVec
	RPCDuration        *prometheus.HistogramVec
}

// New creates the collectors and registers them in reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		reg: reg,
		AuditRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careshield_audit_actions_recorded_total",
			Help: "User-action audit records written.",
		}, []string{"mode"}),
		AuditDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careshield_audit_actions_dropped_total",
			Help: "Best-effort user-action audit records that were not written.",
		}, []string{"reason"}),
		AuditQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "careshield_audit_queue_depth",
			Help: "Best-effort audit records waiting for the writer.",
		}),
		DecryptionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careshield_decryption_failures_total",
			Help: "Sensitive fields that failed to decrypt.",
		}, []string{"entity"}),
		ExportedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "careshield_audit_exported_rows_total",
			Help: "Row-audit records returned by compliance exports.",
		}),
		CleanedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "careshield_audit_cleaned_rows_total",
			Help: "Row-audit records removed by retention cleanup.",
		}),
		RPCRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careshield_grpc_requests_total",
			Help: "Handled gRPC requests.",
		}, []string{"method", "code"}),
		RPCDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "careshield_grpc_request_duration_seconds",
			Help:    "gRPC request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
	reg.MustRegister(
		m.AuditRecorded, m.AuditDropped, m.AuditQueueDepth, m.DecryptionFailures,
		m.ExportedRows, m.CleanedRows, m.RPCRequests, m.RPCDuration,
	)
	return m
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Recorded(mode string) {
	if m != nil {
		m.AuditRecorded.WithLabelValues(mode).Inc()
	}
}

func (m *Metrics) Dropped(reason string) {
	if m != nil {
		m.AuditDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) QueueDepth(n int) {
	if m != nil {
		m.AuditQueueDepth.Set(float64(n))
	}
}

func (m *Metrics) DecryptFailed(entity string, n int) {
	if m != nil && n > 0 {
		m.DecryptionFailures.WithLabelValues(entity).Add(float64(n))
	}
}

func (m *Metrics) Exported(n int) {
	if m != nil {
		m.ExportedRows.Add(float64(n))
	}
}

func (m *Metrics) Cleaned(n int64) {
	if m != nil {
		m.CleanedRows.Add(float64(n))
	}
}

func (m *Metrics) RPC(method, code string, seconds float64) {
	if m != nil {
		m.RPCRequests.WithLabelValues(method, code).Inc()
		m.RPCDuration.WithLabelValues(method).Observe(seconds)
	}
}
