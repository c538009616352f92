package handler

import (
	"context"
	"net/http"

	"github.com/agile-defense/fieldnode/pkg/agent"
)

// HealthChecker reports process health
type HealthChecker interface {
	Health(ctx context.Context) agent.HealthStatus
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	agent.HealthStatus
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Health serves the checker's status. Unhealthy maps to 503, degraded is still 200.
func Health(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := agent.HealthStatus{Healthy: true, Status: agent.StatusRunning}
		if checker != nil {
			health = checker.Health(r.Context())
		}
		status := http.StatusOK
		if !health.Healthy {
			status = http.StatusServiceUnavailable
		}
		WriteJSON(w, status, HealthResponse{HealthStatus: health, CorrelationID: GetCorrelationID(r.Context())})
	}
}
