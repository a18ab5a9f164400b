package credit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	postingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_ledger_postings_total",
			Help: "Committed ledger rows by transaction type",
		},
		[]string{"type"},
	)

	postedAmount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_ledger_posted_amount_total",
			Help: "Absolute credit amount moved by transaction type",
		},
		[]string{"type"},
	)
)

func observePosting(tx Transaction) {
	labels := prometheus.Labels{"type": string(tx.Type)}
	postingsTotal.With(labels).Inc()
	f, _ := tx.Amount.Abs().Float64()
	postedAmount.With(labels).Add(f)
}
