package invitation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	codesSold = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invitation_codes_sold_total",
			Help: "Invitation codes created by purchases",
		},
		[]string{"package", "payment_method"},
	)

	codesRedeemed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invitation_codes_redeemed_total",
			Help: "Invitation codes redeemed at registration",
		},
		[]string{"package"},
	)
)
