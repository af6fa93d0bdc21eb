package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/rvastories/storyloom/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /health.
// Only storyloom's own backends are checked: the session store gates
// healthy/unhealthy, the vector store can only degrade. The LLM
// provider is deliberately excluded so an upstream outage does not get
// this process restarted by its orchestrator.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if p, ok := s.store.(Pinger); ok {
		if err := p.Ping(reqCtx); err != nil {
			status = healthStatusUnhealthy
			checks["store"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["store"] = HealthCheck{Status: healthStatusHealthy}
		}
	} else {
		// Memory store: no connection to lose.
		checks["store"] = HealthCheck{Status: healthStatusHealthy}
	}

	if s.vectorPinger != nil {
		if err := s.vectorPinger.Ping(reqCtx); err != nil {
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			checks["vector"] = HealthCheck{Status: healthStatusDegraded, Message: err.Error()}
		} else {
			checks["vector"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:    status,
		Version:   version.GitCommit,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Checks:    checks,
	})
}
