package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "livingledger"

// Metrics groups the engine's collectors. Construct one per registry.
type Metrics struct {
	EscrowOps        *prometheus.CounterVec
	LedgerEntries    *prometheus.CounterVec
	AutoReleaseRuns  prometheus.Counter
	AutoReleaseItems *prometheus.CounterVec
	Purchases        *prometheus.CounterVec
	Notifications    *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EscrowOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "escrow_operations_total",
				Help:      "Escrow lifecycle operations by outcome.",
			},
			[]string{"op", "result"},
		),
		LedgerEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_entries_total",
				Help:      "Committed ledger entries by transaction type.",
			},
			[]string{"type"},
		),
		AutoReleaseRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auto_release_runs_total",
			Help:      "Completed auto-release sweeps.",
		}),
		AutoReleaseItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auto_release_escrows_total",
				Help:      "Escrows processed by the auto-release sweep.",
			},
			[]string{"result"}, // released, skipped, failed
		),
		Purchases: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credit_purchases_total",
				Help:      "Credit purchase settlements by path and outcome.",
			},
			[]string{"path", "result"}, // path: webhook, verify; result: applied, duplicate, rejected, error
		),
		Notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Outbound notifications by outcome.",
			},
			[]string{"result"},
		),
	}
	reg.MustRegister(m.EscrowOps, m.LedgerEntries, m.AutoReleaseRuns, m.AutoReleaseItems, m.Purchases, m.Notifications)
	return m
}

// Discard returns collectors registered on a throwaway registry.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}
