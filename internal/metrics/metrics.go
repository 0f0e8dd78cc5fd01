// Package metrics defines the Prometheus metrics of the product pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "raintier"

// Metrics holds the Prometheus counters and histograms of the pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Composites         prometheus.Counter
	AggregatesBuilt    *prometheus.CounterVec // labels: timeframe
	AggregatesReused   *prometheus.CounterVec // labels: timeframe
	AggregatesInvalid  *prometheus.CounterVec // labels: timeframe, reason
	Calibrations       *prometheus.CounterVec // labels: method
	CalibrationErrors  *prometheus.CounterVec // labels: method
	ConsistentProducts *prometheus.CounterVec // labels: timeframe
	ChunksMoved        *prometheus.CounterVec // labels: timeframe
	Rotations          *prometheus.CounterVec // labels: pair
	LockWait           *prometheus.HistogramVec
	StageErrors        *prometheus.CounterVec // labels: stage
	Published          *prometheus.CounterVec // labels: kind
	StageDuration      *prometheus.HistogramVec
}

// New creates the metrics and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Composites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "composites_total",
			Help:      "Composites built from station scans.",
		}),
		AggregatesBuilt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregates_built_total",
			Help:      "Aggregates computed and persisted.",
		}, []string{"timeframe"}),
		AggregatesReused: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregates_reused_total",
			Help:      "Persisted aggregates accepted by the reuse check.",
		}, []string{"timeframe"}),
		AggregatesInvalid: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregates_invalidated_total",
			Help:      "Persisted aggregates rejected by the reuse check.",
		}, []string{"timeframe", "reason"}),
		Calibrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calibrations_total",
			Help:      "Calibrated products by applied method.",
		}, []string{"method"}),
		CalibrationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calibration_failures_total",
			Help:      "Calibrations that failed and fell back to none, by attempted method.",
		}, []string{"method"}),
		ConsistentProducts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consistent_products_total",
			Help:      "Consistent products written.",
		}, []string{"timeframe"}),
		ChunksMoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_moved_total",
			Help:      "Chunks transferred between store tiers.",
		}, []string{"timeframe"}),
		Rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotations_total",
			Help:      "Active/standby rotations performed.",
		}, []string{"pair"}),
		LockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent acquiring store locks.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30},
		}, []string{"resource"}),
		StageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_errors_total",
			Help:      "Pipeline stage failures.",
		}, []string{"stage"}),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Product-ready events published.",
		}, []string{"kind"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Composites,
			m.AggregatesBuilt,
			m.AggregatesReused,
			m.AggregatesInvalid,
			m.Calibrations,
			m.CalibrationErrors,
			m.ConsistentProducts,
			m.ChunksMoved,
			m.Rotations,
			m.LockWait,
			m.StageErrors,
			m.Published,
			m.StageDuration,
		)
	}

	return m
}

func (m *Metrics) CompositeBuilt() {
	if m != nil {
		m.Composites.Inc()
	}
}

func (m *Metrics) AggregateBuilt(timeframe string) {
	if m != nil {
		m.AggregatesBuilt.WithLabelValues(timeframe).Inc()
	}
}

func (m *Metrics) AggregateReused(timeframe string) {
	if m != nil {
		m.AggregatesReused.WithLabelValues(timeframe).Inc()
	}
}

func (m *Metrics) AggregateInvalidated(timeframe, reason string) {
	if m != nil {
		m.AggregatesInvalid.WithLabelValues(timeframe, reason).Inc()
	}
}

func (m *Metrics) Calibrated(method string) {
	if m != nil {
		m.Calibrations.WithLabelValues(method).Inc()
	}
}

func (m *Metrics) CalibrationFailed(method string) {
	if m != nil {
		m.CalibrationErrors.WithLabelValues(method).Inc()
	}
}

func (m *Metrics) ConsistentWritten(timeframe string) {
	if m != nil {
		m.ConsistentProducts.WithLabelValues(timeframe).Inc()
	}
}

func (m *Metrics) ChunkMoved(timeframe string) {
	if m != nil {
		m.ChunksMoved.WithLabelValues(timeframe).Inc()
	}
}

func (m *Metrics) Rotated(pair string) {
	if m != nil {
		m.Rotations.WithLabelValues(pair).Inc()
	}
}

func (m *Metrics) LockWaited(resource string, seconds float64) {
	if m != nil {
		m.LockWait.WithLabelValues(resource).Observe(seconds)
	}
}

func (m *Metrics) StageFailed(stage string) {
	if m != nil {
		m.StageErrors.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) EventPublished(kind string) {
	if m != nil {
		m.Published.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) StageTook(stage string, seconds float64) {
	if m != nil {
		m.StageDuration.WithLabelValues(stage).Observe(seconds)
	}
}
