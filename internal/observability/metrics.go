package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects experimentation engine metrics.
//
// The metrics track:
//   - Variant assignments per experiment
//   - Exposure and conversion events per variant
//   - Lifecycle transitions and automatic completions
//   - Persistence gateway latency and failures
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.AssignmentRecorded("exp-1", "control")
//
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	// AssignmentCounter counts new (non-sticky) assignments.
	// Labels: experiment, variant
	AssignmentCounter *prometheus.CounterVec

	// EventCounter counts recorded statistics events.
	// Labels: experiment, variant, kind (exposure|conversion)
	EventCounter *prometheus.CounterVec

	// TransitionCounter counts lifecycle transitions by target status.
	// Labels: to (running|paused|completed)
	TransitionCounter *prometheus.CounterVec

	// AutoCompletions counts experiments completed by the winner policy.
	AutoCompletions prometheus.Counter

	// PersistenceErrors counts failed gateway operations.
	// Labels: op (save|load)
	PersistenceErrors *prometheus.CounterVec

	// PersistenceDuration measures gateway latency in seconds.
	// Labels: op (save|load)
	// Buckets: 1ms, 5ms, 10ms, 50ms, 100ms, 500ms, 1s
	PersistenceDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all engine metrics with reg.
// Passing nil registers with prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		AssignmentCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "abkit_assignments_total",
				Help: "Total number of new variant assignments by experiment and variant",
			},
			[]string{"experiment", "variant"},
		),

		EventCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "abkit_events_total",
				Help: "Total number of recorded exposure and conversion events",
			},
			[]string{"experiment", "variant", "kind"},
		),

		TransitionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "abkit_transitions_total",
				Help: "Total number of experiment lifecycle transitions by target status",
			},
			[]string{"to"},
		),

		AutoCompletions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "abkit_auto_completions_total",
				Help: "Total number of experiments completed automatically by the winner policy",
			},
		),

		PersistenceErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "abkit_persistence_errors_total",
				Help: "Total number of failed persistence gateway operations",
			},
			[]string{"op"},
		),

		PersistenceDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "abkit_persistence_duration_seconds",
				Help:    "Duration of persistence gateway operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"op"},
		),
	}
}

// AssignmentRecorded increments the assignment counter.
func (m *Metrics) AssignmentRecorded(experiment, variant string) {
	if m == nil {
		return
	}
	m.AssignmentCounter.WithLabelValues(experiment, variant).Inc()
}

// EventRecorded increments the event counter for kind.
func (m *Metrics) EventRecorded(experiment, variant, kind string) {
	if m == nil {
		return
	}
	m.EventCounter.WithLabelValues(experiment, variant, kind).Inc()
}

// Transition records a lifecycle transition.
func (m *Metrics) Transition(to string) {
	if m == nil {
		return
	}
	m.TransitionCounter.WithLabelValues(to).Inc()
}

// AutoCompleted records an automatic completion.
func (m *Metrics) AutoCompleted() {
	if m == nil {
		return
	}
	m.AutoCompletions.Inc()
}

// RecordPersistence records the outcome of a gateway operation.
func (m *Metrics) RecordPersistence(op string, durationSeconds float64, err error) {
	if m == nil {
		return
	}
	m.PersistenceDuration.WithLabelValues(op).Observe(durationSeconds)
	if err != nil {
		m.PersistenceErrors.WithLabelValues(op).Inc()
	}
}
