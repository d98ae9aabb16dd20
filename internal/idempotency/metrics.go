package idempotency

import "github.com/prometheus/client_golang/prometheus"

// Outcome labels recorded for every request seen by the middleware.
const (
	OutcomeBypass      = "bypass"
	OutcomeMissingKey  = "missing_key"
	OutcomeInvalidKey  = "invalid_key"
	OutcomeExecuted    = "executed"
	OutcomeReplayed    = "replayed"
	OutcomeMismatch    = "mismatch"
	OutcomeInFlight    = "in_flight"
	OutcomeStoreError  = "store_error"
	OutcomeFinalizeErr = "finalize_error"
)

// Metrics counts idempotency outcomes. A nil *Metrics discards observations.
type Metrics struct {
	outcomes *prometheus.CounterVec
}

// NewMetrics registers the idempotency collectors with reg. A nil registerer
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exportcore",
			Subsystem: "idempotency",
			Name:      "requests_total",
			Help:      "Mutating requests by idempotency outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		if err := reg.Register(m.outcomes); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observe(outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
}
