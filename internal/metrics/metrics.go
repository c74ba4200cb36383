package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for intake and reconciliation.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	IntakeItems         prometheus.Counter
	UnroutedItems       prometheus.Counter
	TranslationFailures prometheus.Counter
	SweepItems          *prometheus.CounterVec
	AuthFailures        *prometheus.CounterVec
	RailCallDuration    *prometheus.HistogramVec
}

// New creates a Metrics instance registered on the default Prometheus registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers the collectors on reg. Tests pass a fresh registry.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		IntakeItems: factory.NewCounter(prometheus.CounterOpts{
			Name: "disbursement_intake_items_total",
			Help: "Total number of disbursement items persisted by intake",
		}),
		UnroutedItems: factory.NewCounter(prometheus.CounterOpts{
			Name: "disbursement_unrouted_items_total",
			Help: "Total number of items persisted without a backend",
		}),
		TranslationFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "disbursement_translation_failures_total",
			Help: "Total number of batches whose ID translation failed",
		}),
		SweepItems: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "disbursement_sweep_items_total",
			Help: "Items processed by reconciliation sweeps, by backend and resulting status",
		}, []string{"backend", "status"}),
		AuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "disbursement_rail_auth_failures_total",
			Help: "Rail authentication failures, by backend",
		}, []string{"backend"}),
		RailCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "disbursement_rail_call_duration_seconds",
			Help:    "Duration of rail transfer calls",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"backend"}),
	}
}

// RecordIntake records one persisted batch.
func (m *Metrics) RecordIntake(inserted, unrouted int, translationFailed bool) {
	if m == nil {
		return
	}
	m.IntakeItems.Add(float64(inserted))
	m.UnroutedItems.Add(float64(unrouted))
	if translationFailed {
		m.TranslationFailures.Inc()
	}
}

// IncrementSweepItem records the outcome of one item in a sweep.
func (m *Metrics) IncrementSweepItem(backend, status string) {
	if m == nil {
		return
	}
	m.SweepItems.WithLabelValues(backend, status).Inc()
}

func (m *Metrics) IncrementAuthFailure(backend string) {
	if m == nil {
		return
	}
	m.AuthFailures.WithLabelValues(backend).Inc()
}

// ObserveRailCall records the duration of a transfer call.
// Call with time.Now() at the start of the call.
func (m *Metrics) ObserveRailCall(backend string, start time.Time) {
	if m == nil {
		return
	}
	m.RailCallDuration.WithLabelValues(backend).Observe(time.Since(start).Seconds())
}
