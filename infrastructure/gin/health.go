package gin

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthStatus represents the status of a health check.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthResponse is the body of /health and /health/ready.
type HealthResponse struct {
	Status  HealthStatus           `json:"status"`
	Service string                 `json:"service"`
	Version string                 `json:"version"`
	Uptime  string                 `json:"uptime,omitempty"`
	Checks  map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult represents the result of an individual health check.
type CheckResult struct {
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
	Latency string       `json:"latency,omitempty"`
}

// HealthChecker performs a dependency check.
type HealthChecker func(ctx context.Context) CheckResult

// PingChecker turns a ping function into a HealthChecker. A failed ping reports
// failStatus so optional dependencies can degrade instead of fail.
func PingChecker(name string, ping func(ctx context.Context) error, failStatus HealthStatus) HealthChecker {
	return func(ctx context.Context) CheckResult {
		start := time.Now()
		err := ping(ctx)
		latency := time.Since(start).String()

		if err != nil {
			return CheckResult{Status: failStatus, Message: name + " unreachable: " + err.Error(), Latency: latency}
		}
		return CheckResult{Status: HealthStatusHealthy, Message: name + " OK", Latency: latency}
	}
}

// registerHealthRoutes adds liveness (/health) and readiness (/health/ready).
// Liveness never touches dependencies.
func registerHealthRoutes(router *gin.Engine, cfg *Config, started time.Time, checks map[string]HealthChecker) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthResponse{
			Status:  HealthStatusHealthy,
			Service: cfg.ServiceName,
			Version: cfg.ServiceVersion,
			Uptime:  time.Since(started).Truncate(time.Second).String(),
		})
	})
	router.HEAD("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	router.GET("/health/ready", func(c *gin.Context) {
		response := HealthResponse{
			Status:  HealthStatusHealthy,
			Service: cfg.ServiceName,
			Version: cfg.ServiceVersion,
			Checks:  make(map[string]CheckResult, len(checks)),
		}

		for name, check := range checks {
			ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.CheckTimeout)
			result := check(ctx)
			cancel()

			response.Checks[name] = result
			switch {
			case result.Status == HealthStatusUnhealthy:
				response.Status = HealthStatusUnhealthy
			case result.Status == HealthStatusDegraded && response.Status == HealthStatusHealthy:
				response.Status = HealthStatusDegraded
			}
		}

		statusCode := http.StatusOK
		if response.Status == HealthStatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, response)
	})
}
