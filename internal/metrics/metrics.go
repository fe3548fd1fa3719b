package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors are registered once on the default registry at package init.
var (
	LedgerOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vtu",
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger mutations partitioned by operation and result.",
		},
		[]string{"op", "result"},
	)
	LedgerRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vtu",
			Subsystem: "ledger",
			Name:      "store_conflict_retries_total",
			Help:      "Store conflicts retried by the ledger, by operation.",
		},
		[]string{"op"},
	)
	RiskDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vtu",
			Subsystem: "risk",
			Name:      "decisions_total",
			Help:      "Risk gate outcomes.",
		},
		[]string{"decision"},
	)
	Settlements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vtu",
			Subsystem: "settlement",
			Name:      "attempts_total",
			Help:      "Settlement attempts partitioned by entry path and result.",
		},
		[]string{"path", "result"},
	)
	LateSettlements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vtu",
			Subsystem: "settlement",
			Name:      "late_success_total",
			Help:      "Payments confirmed by the gateway after they were marked failed.",
		},
		[]string{"path"},
	)
	Webhooks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vtu",
			Subsystem: "settlement",
			Name:      "webhooks_total",
			Help:      "Inbound gateway webhooks by result.",
		},
		[]string{"result"},
	)
	EventPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vtu",
			Subsystem: "events",
			Name:      "publishes_total",
			Help:      "Event publish attempts by sink and result.",
		},
		[]string{"sink", "result"},
	)
	VTUPurchases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vtu",
			Subsystem: "purchase",
			Name:      "total",
			Help:      "VTU purchases by kind and result.",
		},
		[]string{"kind", "result"},
	)
)

// Result maps an error to a low-cardinality label.
func Result(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
