// Package metrics exposes Prometheus collectors for generation, billing and payments.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GenerationOutcomes counts finished generation calls by outcome.
	GenerationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wellybot_generation_outcomes_total",
		Help: "Total number of generation calls, by outcome.",
	}, []string{"outcome"})

	// GenerationsInFlight tracks users holding an in-flight lock on this replica.
	GenerationsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wellybot_generations_in_flight",
		Help: "Current number of generations running on this replica.",
	})

	GenerationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wellybot_generation_duration_seconds",
		Help:    "Wall time of generation calls that passed admission.",
		Buckets: []float64{5, 15, 30, 60, 120, 180, 300, 600},
	})

	// KIERequests counts remote job API calls by operation and result.
	KIERequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wellybot_kie_requests_total",
		Help: "Total number of KIE API requests, by operation and result.",
	}, []string{"op", "result"})

	// CreditsDebited counts successful one-credit debits.
	CreditsDebited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wellybot_credits_debited_total",
		Help: "Total number of credits consumed by delivered generations.",
	})

	// CreditsGranted counts credits added, by source (payment, referral, welcome, admin).
	CreditsGranted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wellybot_credits_granted_total",
		Help: "Total number of credits granted, by source.",
	}, []string{"source"})

	// Payments counts payment state transitions observed by the bot.
	Payments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wellybot_payments_total",
		Help: "Total number of payment transitions, by status.",
	}, []string{"status"})

	// DeliveryFallbacks counts deliveries that switched to the document path.
	DeliveryFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wellybot_delivery_fallbacks_total",
		Help: "Total number of deliveries sent as a file, by reason.",
	}, []string{"reason"})
)

func RecordOutcome(outcome string, started time.Time, admitted bool) {
	GenerationOutcomes.WithLabelValues(outcome).Inc()
	if admitted {
		GenerationDuration.Observe(time.Since(started).Seconds())
	}
}

func RecordKIE(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	KIERequests.WithLabelValues(op, result).Inc()
}

func RecordCreditsGranted(source string, amount int) {
	if amount <= 0 {
		return
	}
	CreditsGranted.WithLabelValues(source).Add(float64(amount))
}
