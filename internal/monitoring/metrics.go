// Package monitoring exposes pipeline counters to Prometheus and keeps run
// status gauges fresh from the store.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sells-group/charlie-tr1/internal/model"
)

const namespace = "charlie"

// Metrics holds every collector the pipeline reports through.
type Metrics struct {
	StageDuration *prometheus.HistogramVec
	Artifacts     *prometheus.CounterVec
	UnitFailures  *prometheus.CounterVec
	RunsFinished  *prometheus.CounterVec
	ActiveBranch  prometheus.Gauge
	RunsByStatus  *prometheus.GaugeVec
	LastRunUnits  *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// NewMetrics registers the pipeline collectors on reg. A nil reg gets a
// fresh private registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of one branch stage for one unit.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"stage", "result"},
		),
		Artifacts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifacts_total",
				Help:      "Rows written per artifact kind.",
			},
			[]string{"artifact"},
		),
		UnitFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unit_failures_total",
				Help:      "Terminally failed units by error kind.",
			},
			[]string{"error_kind"},
		),
		RunsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_finished_total",
				Help:      "Runs finalized by terminal status.",
			},
			[]string{"status"},
		),
		ActiveBranch: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_branches",
				Help:      "Branches currently executing in this process.",
			},
		),
		RunsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs",
				Help:      "Recent runs by status, refreshed from the store.",
			},
			[]string{"status"},
		),
		LastRunUnits: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_unit_failures",
				Help:      "Unit failures of the most recent run by error kind.",
			},
			[]string{"error_kind"},
		),
		gatherer: reg,
	}
	reg.MustRegister(m.StageDuration, m.Artifacts, m.UnitFailures, m.RunsFinished,
		m.ActiveBranch, m.RunsByStatus, m.LastRunUnits)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveStage records one stage execution. Nil receivers are no-ops so
// callers can run without metrics.
func (m *Metrics) ObserveStage(stage string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = model.ErrorKind(err)
	}
	m.StageDuration.WithLabelValues(stage, result).Observe(time.Since(start).Seconds())
}

// AddArtifacts adds a branch's artifact counts.
func (m *Metrics) AddArtifacts(counts map[string]int) {
	if m == nil {
		return
	}
	for k, v := range counts {
		m.Artifacts.WithLabelValues(k).Add(float64(v))
	}
}

// UnitFailed counts one failed unit.
func (m *Metrics) UnitFailed(kind string) {
	if m == nil {
		return
	}
	m.UnitFailures.WithLabelValues(kind).Inc()
}

// RunFinished counts one finalized run.
func (m *Metrics) RunFinished(status model.RunStatus) {
	if m == nil {
		return
	}
	m.RunsFinished.WithLabelValues(string(status)).Inc()
}

// BranchStarted increments the active branch gauge and returns its release.
func (m *Metrics) BranchStarted() func() {
	if m == nil {
		return func() {}
	}
	m.ActiveBranch.Inc()
	return m.ActiveBranch.Dec
}

// Apply publishes a snapshot onto the status gauges.
func (m *Metrics) Apply(s *Snapshot) {
	if m == nil || s == nil {
		return
	}
	m.RunsByStatus.Reset()
	for status, n := range s.RunsByStatus {
		m.RunsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
	m.LastRunUnits.Reset()
	for kind, n := range s.LastRunFailures {
		m.LastRunUnits.WithLabelValues(kind).Set(float64(n))
	}
}
