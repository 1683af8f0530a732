package rate

import "github.com/prometheus/client_golang/prometheus"

var (
	remainingGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pecronhub_rate_limit_remaining",
			Help: "Requests left in the account's rate-limit window",
		},
		[]string{"account", "window"},
	)
	cooldownGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pecronhub_rate_limit_cooldown_seconds",
			Help: "Retry-After cooldown last requested by the cloud",
		},
		[]string{"account"},
	)
	blockedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pecronhub_rate_limit_blocked_total",
			Help: "Requests refused locally by the rate guard",
		},
		[]string{"account", "reason"},
	)
	lastStatusGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pecronhub_rate_limit_last_status_code",
			Help: "Last HTTP status code observed by the rate guard",
		},
		[]string{"account"},
	)
)

// MetricsCollectors exposes the shared rate guard collectors.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		remainingGauge,
		cooldownGauge,
		blockedCounter,
		lastStatusGauge,
	}
}
