package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SettlementsTotal counts leg 2 outcomes by kind and terminal state
	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anchordex_settlements_total",
			Help: "The total number of settlements reaching a terminal or pending state",
		},
		[]string{"kind", "state"},
	)

	// SettlementDuration tracks leg 2 execution time
	SettlementDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anchordex_settlement_duration_seconds",
			Help:    "Time taken to execute leg 2",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Leg2Retries counts transient ledger retries
	Leg2Retries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anchordex_leg2_retries_total",
		Help: "The total number of leg 2 ledger retries",
	})

	// PreflightRejections counts preflight checks that returned canProceed=false
	PreflightRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anchordex_preflight_rejections_total",
			Help: "The total number of rejected preflight checks",
		},
		[]string{"reason"},
	)

	// ProviderQuotes counts aggregator provider outcomes
	ProviderQuotes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anchordex_provider_quotes_total",
			Help: "Quote provider results",
		},
		[]string{"provider", "status"}, // ok, error, timeout, rejected
	)

	// FeesSwept counts sweep groups by outcome
	FeesSwept = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anchordex_fee_sweep_groups_total",
			Help: "Fee sweep groups processed",
		},
		[]string{"status"},
	)

	// ReserveDrift is ledger balance minus expected balance per pool side
	ReserveDrift = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "anchordex_reserve_drift",
			Help: "Ledger balance minus bookkept reserve plus unswept fees (base units)",
		},
		[]string{"pool", "token"},
	)
)

// RecordProviderQuote records one provider result in an aggregation
func RecordProviderQuote(provider, status string) {
	ProviderQuotes.WithLabelValues(provider, status).Inc()
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
