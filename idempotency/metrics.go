package idempotency

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeCreated   = "created"
	outcomeReplayed  = "replayed"
	outcomeConflict  = "conflict"
	outcomeMismatch  = "mismatch"
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeReleased  = "released"
)

var (
	outcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idempotency_outcomes_total",
			Help: "Idempotency guard decisions",
		},
		[]string{"outcome"},
	)

	reapedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idempotency_reaped_total",
			Help: "Idempotency records removed by the reaper",
		},
		[]string{"kind"},
	)
)

func observe(outcome string) {
	outcomesTotal.WithLabelValues(outcome).Inc()
}
