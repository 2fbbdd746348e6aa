package relay

import "github.com/prometheus/client_golang/prometheus"

const namespace = "tripvox"

var (
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "sessions_active",
			Help:      "Number of relay sessions currently open",
		},
	)

	// sessionsTotal counts finished sessions by terminal state.
	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "sessions_total",
			Help:      "Total relay sessions by terminal state",
		},
		[]string{"state"},
	)

	ingressDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "ingress_dropped_total",
			Help:      "Audio chunks evicted from full ingress queues",
		},
	)

	upstreamErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "upstream_errors_total",
			Help:      "Error frames received from the upstream ASR service",
		},
	)
)

// RegisterMetrics adds the relay collectors to reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{sessionsActive, sessionsTotal, ingressDropped, upstreamErrors} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
