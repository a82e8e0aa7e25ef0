// Package telemetry exposes Prometheus metrics for trust checks, decisions,
// authorizations and sandbox runs.
package telemetry

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/org/templatetrust/internal/decision"
	"github.com/org/templatetrust/internal/policy"
	"github.com/org/templatetrust/internal/sandbox"
	"github.com/org/templatetrust/internal/trust"
	"github.com/org/templatetrust/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "templatetrust"

// Metrics holds every collector. It implements core.Observer.
type Metrics struct {
	registry *prometheus.Registry

	trustChecks     *prometheus.CounterVec
	decisions       *prometheus.CounterVec
	authorizations  *prometheus.CounterVec
	sandboxRuns     *prometheus.CounterVec
	sandboxDuration prometheus.Histogram
	trustEntries    *prometheus.GaugeVec
	auditEntries    prometheus.Gauge
	trustEvents     *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates Metrics registered on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		trustChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trust_checks_total",
			Help:      "Trust checks by resulting security level.",
		}, []string{"security_level"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Trust decisions by resolution and whether execution was allowed.",
		}, []string{"resolution", "allowed"}),
		authorizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorizations_total",
			Help:      "Operation authorizations by verdict and permission.",
		}, []string{"verdict", "permission"}),
		sandboxRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_operations_total",
			Help:      "Sandboxed operations by outcome.",
		}, []string{"outcome"}),
		sandboxDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sandbox_operation_duration_seconds",
			Help:      "Duration of sandboxed operations.",
			Buckets:   prometheus.DefBuckets,
		}),
		trustEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "trust_entries",
			Help:      "Live trust entries by level.",
		}, []string{"level"}),
		auditEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_entries",
			Help:      "Entries in the live audit log.",
		}),
		trustEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trust_changes_total",
			Help:      "Trust entry changes by action.",
		}, []string{"action"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	m.registry.MustRegister(
		m.trustChecks, m.decisions, m.authorizations, m.sandboxRuns, m.sandboxDuration,
		m.trustEntries, m.auditEntries, m.trustEvents, m.HTTPRequests, m.HTTPDuration,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TrustChecked(level models.SecurityLevel) {
	m.trustChecks.WithLabelValues(string(level)).Inc()
}

func (m *Metrics) Decided(out decision.Outcome) {
	m.decisions.WithLabelValues(string(out.Resolution), strconv.FormatBool(out.Allowed)).Inc()
}

func (m *Metrics) Authorized(a policy.Authorization) {
	m.authorizations.WithLabelValues(string(a.Verdict), string(a.Permission)).Inc()
}

func (m *Metrics) SandboxFinished(res sandbox.Result) {
	m.sandboxRuns.WithLabelValues(string(res.Outcome)).Inc()
	m.sandboxDuration.Observe(res.Duration.Seconds())
}

// TrustChanged counts a trust manager event; subscribe it with Manager.Subscribe.
func (m *Metrics) TrustChanged(ev trust.Event) {
	m.trustEvents.WithLabelValues(string(ev.Action)).Inc()
}

// ObserveStats sets the store gauges from a statistics snapshot.
func (m *Metrics) ObserveStats(st trust.Stats) {
	for _, l := range []models.TrustLevel{models.TrustTrusted, models.TrustUntrusted, models.TrustBlocked} {
		m.trustEntries.WithLabelValues(string(l)).Set(float64(st.ByLevel[l]))
	}
	m.auditEntries.Set(float64(st.Audit.Total))
}

// WriteTextfile writes the current metrics for the node exporter textfile
// collector. The write is atomic.
func (m *Metrics) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}
