package billing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts ledger transitions. A nil *Metrics records nothing.
type Metrics struct {
	bills         *prometheus.CounterVec
	payments      *prometheus.CounterVec
	cancellations prometheus.Counter
	retries       *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		bills: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "billing",
			Name:      "bills_total",
			Help:      "Bill create requests by outcome (created or appended)",
		}, []string{"outcome"}),
		payments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "billing",
			Name:      "payments_total",
			Help:      "Payments recorded by method",
		}, []string{"method"}),
		cancellations: f.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "billing",
			Name:      "cancellations_total",
			Help:      "Bills cancelled",
		}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "billing",
			Name:      "write_retries_total",
			Help:      "Bill writes retried after losing a concurrent update",
		}, []string{"operation", "reason"}),
	}
}

func (m *Metrics) billWritten(appended bool) {
	if m == nil {
		return
	}
	outcome := "created"
	if appended {
		outcome = "appended"
	}
	m.bills.WithLabelValues(outcome).Inc()
}

func (m *Metrics) paymentRecorded(method PaymentMethod) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(string(method)).Inc()
}

func (m *Metrics) billCancelled() {
	if m == nil {
		return
	}
	m.cancellations.Inc()
}

func (m *Metrics) retried(operation string, err error) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(operation, retryReason(err)).Inc()
}
