package core

import "github.com/prometheus/client_golang/prometheus"

// MetricsRegistry builds a registry from account collectors plus any shared
// collectors such as the rate guard's.
func MetricsRegistry(accounts []Account, extra ...prometheus.Collector) *prometheus.Registry {
	registry := prometheus.NewRegistry()

	for _, account := range accounts {
		for _, collector := range account.Collectors() {
			registry.MustRegister(collector)
		}
	}
	for _, collector := range extra {
		registry.MustRegister(collector)
	}

	return registry
}
