package www

import (
	"github.com/prometheus/client_golang/prometheus"

	"tripvox/relay"
)

var signedURLs = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tripvox",
		Name:      "signed_urls_total",
		Help:      "Signed upstream URLs issued to clients",
	},
	[]string{"scheme"},
)

func registerMetrics(reg prometheus.Registerer) error {
	if err := reg.Register(signedURLs); err != nil {
		return err
	}
	return relay.RegisterMetrics(reg)
}
