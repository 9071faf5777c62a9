package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the dispatcher's Prometheus instruments.
type Metrics struct {
	ClaimedTotal   *prometheus.CounterVec
	CompletedTotal *prometheus.CounterVec
	FailedTotal    *prometheus.CounterVec
	ReclaimedTotal prometheus.Counter
	ClaimBatchSize prometheus.Histogram
	SkippedClaims  *prometheus.CounterVec
}

// InitMetrics creates and registers the dispatcher metrics on reg.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ClaimedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "senderyard_actions_claimed_total",
			Help: "Total number of actions claimed by workers.",
		}, []string{"action_type"}),
		CompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "senderyard_actions_completed_total",
			Help: "Total number of actions reported complete.",
		}, []string{"action_type"}),
		FailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "senderyard_actions_failed_total",
			Help: "Total number of actions reported failed.",
		}, []string{"action_type"}),
		ReclaimedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "senderyard_actions_reclaimed_total",
			Help: "Total number of stale running actions returned to pending.",
		}),
		ClaimBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "senderyard_claim_batch_size",
			Help:    "Number of actions returned per claim.",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50},
		}),
		SkippedClaims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "senderyard_claims_skipped_total",
			Help: "Claims answered empty because of sender health.",
		}, []string{"health_status"}),
	}

	reg.MustRegister(
		m.ClaimedTotal,
		m.CompletedTotal,
		m.FailedTotal,
		m.ReclaimedTotal,
		m.ClaimBatchSize,
		m.SkippedClaims,
	)
	return m
}
