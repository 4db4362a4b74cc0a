// Package metrics exposes prometheus instruments for the daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Candidate outcomes.
const (
	OutcomeResponded = "responded"
	OutcomeDuplicate = "duplicate"
	OutcomeSelf      = "self"
	OutcomeFailed    = "failed"
	OutcomeDeferred  = "deferred"
)

var (
	Cycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moltclaw_cycles_total",
			Help: "Total number of polling cycles by outcome",
		},
		[]string{"outcome"},
	)

	Candidates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moltclaw_candidates_total",
			Help: "Candidate events by class and outcome",
		},
		[]string{"class", "outcome"},
	)

	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "moltclaw_cycle_duration_seconds",
			Help:    "Polling cycle duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)

	GenerationLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "moltclaw_generation_latency_seconds",
			Help:    "Generator latency in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 9),
		},
	)

	LedgerEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "moltclaw_ledger_entries",
			Help: "Identifiers held in each dedup ledger namespace",
		},
		[]string{"namespace"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
