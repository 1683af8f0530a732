package core

import "github.com/prometheus/client_golang/prometheus"

// HealthStatus represents account health states for registry reporting.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "HEALTHY"
	HealthDegraded HealthStatus = "DEGRADED"
	HealthError    HealthStatus = "ERROR"
)

// Account is the contract every synced Pecron account satisfies.
type Account interface {
	ID() string
	Collectors() []prometheus.Collector
	Health() HealthStatus
	HealthMessage() string
}
