package lifecycle

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Operation outcomes reported on the operations counter.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Metrics holds the orchestrator's Prometheus collectors.
type Metrics struct {
	Operations         *prometheus.CounterVec
	ValidationDuration *prometheus.HistogramVec
	ValidationResults  *prometheus.CounterVec
}

// NewMetrics creates the orchestrator collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiln",
			Subsystem: "lifecycle",
			Name:      "operations_total",
			Help:      "Lifecycle operations by operation, kind and outcome.",
		}, []string{"op", "kind", "outcome"}),
		ValidationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kiln",
			Subsystem: "lifecycle",
			Name:      "validation_duration_seconds",
			Help:      "Wall time of smoke tests.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"kind"}),
		ValidationResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiln",
			Subsystem: "lifecycle",
			Name:      "validations_total",
			Help:      "Smoke test results by kind.",
		}, []string{"kind", "ok"}),
	}
	if reg != nil {
		reg.MustRegister(m.Operations, m.ValidationDuration, m.ValidationResults)
	}
	return m
}
