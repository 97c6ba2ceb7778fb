package domain

import "time"

// HealthStatus is the routing-relevant state of one configured provider.
type HealthStatus string

const (
	StatusHealthy     HealthStatus = "healthy"
	StatusDegraded    HealthStatus = "degraded"
	StatusUnhealthy   HealthStatus = "unhealthy"
	StatusCircuitOpen HealthStatus = "circuit_open"
	StatusRateLimited HealthStatus = "rate_limited"
)

// Routable reports whether the provider manager may send live traffic to a
// provider in this state. Unroutable providers still get probed.
func (s HealthStatus) Routable() bool {
	return s != StatusUnhealthy && s != StatusCircuitOpen
}

// ProviderHealth is the recomputed health record for one configuration id.
// It is an approximate signal: success rate is an exponentially nudged value
// and latency a two-point moving average, both bounded.
type ProviderHealth struct {
	ProviderID        string       `json:"provider_id"`
	Status            HealthStatus `json:"status"`
	LastCheck         time.Time    `json:"last_check"`
	SuccessRate       float64      `json:"success_rate"` // clamped to [0,1]
	AvgLatencyMS      float64      `json:"avg_latency_ms"`
	ConsecutiveErrors int          `json:"consecutive_errors"`
}

// ProbeResult is one health-check outcome kept in the rolling history.
type ProbeResult struct {
	Healthy   bool         `json:"healthy"`
	Status    HealthStatus `json:"status"`
	LatencyMS float64      `json:"latency_ms"`
	Error     string       `json:"error,omitempty"`
	CheckedAt time.Time    `json:"checked_at"`
}
