package database

import (
	"context"
	"time"
)

// HealthStatus summarizes connectivity for the health endpoint.
type HealthStatus struct {
	Reachable bool   `json:"reachable"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Health pings the database and reports round-trip latency.
func Health(ctx context.Context, c *Client) *HealthStatus {
	start := time.Now()
	err := c.PingContext(ctx)
	status := &HealthStatus{
		Reachable: err == nil,
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}
