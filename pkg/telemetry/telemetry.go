// Package telemetry provides Prometheus metrics for fitting, sampling and
// evaluation runs.
//
// Metrics exposed:
//   - gotrafficml_stage_seconds: Histogram of pipeline stage duration by stage
//   - gotrafficml_sampled_states_total: Counter of sampled states by model
//   - gotrafficml_undefined_metrics_total: Counter of NaN comparison results by metric
//   - gotrafficml_fidelity: Gauge of the latest comparison value by key, feature and metric
//   - gotrafficml_errors_total: Counter of errors by component and reason
//
// Metrics live on their own registry so batch runs can write them to a
// node-exporter textfile without touching the global default registry.
package telemetry

import (
	"math"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hed1ad/gotrafficml/pkg/frame"
)

// Metrics holds all Prometheus metrics for a run.
type Metrics struct {
	registry *prometheus.Registry

	StageSeconds     *prometheus.HistogramVec
	SampledStates    *prometheus.CounterVec
	UndefinedMetrics *prometheus.CounterVec
	Fidelity         *prometheus.GaugeVec
	ErrorsTotal      *prometheus.CounterVec
}

// New creates all metrics on a fresh registry. runID is attached to every
// metric as a constant label when non-empty.
func New(runID string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	var constLabels prometheus.Labels
	if runID != "" {
		constLabels = prometheus.Labels{"run_id": runID}
	}

	return &Metrics{
		registry: reg,

		StageSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "gotrafficml_stage_seconds",
			Help:        "Time spent in each pipeline stage",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"stage"}),

		SampledStates: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "gotrafficml_sampled_states_total",
			Help:        "Total number of states drawn from sequence generators",
			ConstLabels: constLabels,
		}, []string{"model"}),

		UndefinedMetrics: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "gotrafficml_undefined_metrics_total",
			Help:        "Total number of comparisons that were undefined for their inputs",
			ConstLabels: constLabels,
		}, []string{"metric"}),

		Fidelity: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "gotrafficml_fidelity",
			Help:        "Latest fidelity comparison value between real and generated traffic",
			ConstLabels: constLabels,
		}, []string{"group", "direction", "feature", "metric"}),

		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "gotrafficml_errors_total",
			Help:        "Total number of errors by component and reason",
			ConstLabels: constLabels,
		}, []string{"component", "reason"}),
	}
}

// Registry returns the registry holding the metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// StartStage starts timing stage; call the returned func when it ends.
func (m *Metrics) StartStage(stage string) func() {
	timer := prometheus.NewTimer(m.StageSeconds.WithLabelValues(stage))
	return func() {
		timer.ObserveDuration()
	}
}

// RecordSampled adds n sampled states for model.
func (m *Metrics) RecordSampled(model string, n int) {
	m.SampledStates.WithLabelValues(model).Add(float64(n))
}

// RecordUndefined increments the undefined-comparison counter. Its signature
// matches the stats NaN hook.
func (m *Metrics) RecordUndefined(metric string) {
	m.UndefinedMetrics.WithLabelValues(metric).Inc()
}

// SetFidelity records a comparison value. NaN values are skipped.
func (m *Metrics) SetFidelity(key frame.MetricKey, metric string, value float64) {
	if math.IsNaN(value) {
		return
	}
	m.Fidelity.WithLabelValues(key.Group, key.Direction, key.Feature, metric).Set(value)
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, reason string) {
	m.ErrorsTotal.WithLabelValues(component, reason).Inc()
}

// WriteTextfile writes the current metric values in the Prometheus text
// format, atomically replacing path.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
