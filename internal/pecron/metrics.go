package pecron

import "github.com/prometheus/client_golang/prometheus"

var (
	loginSuccess = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pecronhub_login_success_total",
			Help: "Successful cloud logins",
		},
		[]string{"account", "region"},
	)
	loginFailure = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pecronhub_login_failure_total",
			Help: "Failed cloud logins",
		},
		[]string{"account", "region"},
	)
	sessionValid = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pecronhub_session_valid",
			Help: "Cloud session token validity (1=valid, 0=invalid)",
		},
		[]string{"account", "region"},
	)
)

// MetricsCollectors returns the login collectors shared by every client.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		loginSuccess,
		loginFailure,
		sessionValid,
	}
}

func (c *Client) recordLogin(err error) {
	labels := prometheus.Labels{"account": c.cfg.Account, "region": string(c.creds.Region)}
	if err != nil {
		loginFailure.With(labels).Inc()
		sessionValid.With(labels).Set(0)
		return
	}
	loginSuccess.With(labels).Inc()
	sessionValid.With(labels).Set(1)
}
