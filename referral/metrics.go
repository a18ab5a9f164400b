package referral

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	payoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referral_payouts_total",
			Help: "Referral payouts committed, by generation",
		},
		[]string{"generation"},
	)

	payoutAmountTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "referral_payout_amount_total",
		Help: "Sum of referral income paid, in credits",
	})

	duplicateRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "referral_duplicate_restage_total",
		Help: "Commits that hit an existing payout and were restaged",
	})

	unknownPackages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "referral_unknown_package_total",
		Help: "Referred packages outside the tier table paid as Basic",
	})
)

func observePayout(p Payout) {
	payoutsTotal.WithLabelValues(strconv.Itoa(p.Generation)).Inc()
	amount, _ := p.Amount.Float64()
	payoutAmountTotal.Add(amount)
}
