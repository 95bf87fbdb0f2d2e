package bootstrap

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	infragin "github.com/jonesrussell/north-cloud/incidents/infrastructure/gin"
	infralogger "github.com/jonesrussell/north-cloud/incidents/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/incidents/internal/config"
)

// Pinger is a dependency the readiness check can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SetupOpsServer builds the health and metrics server.
func SetupOpsServer(
	cfg *config.Config,
	version string,
	db, redis Pinger,
	gatherer prometheus.Gatherer,
	log infralogger.Logger,
) *infragin.Server {
	return infragin.NewServerBuilder(cfg.Service.Name, cfg.Service.Port).
		WithLogger(log).
		WithVersion(version).
		WithDebug(cfg.Service.Debug).
		WithShutdownTimeout(cfg.Service.ShutdownTimeout).
		WithHealthCheck("database", infragin.PingChecker("database", db.Ping, infragin.HealthStatusUnhealthy)).
		WithHealthCheck("redis", infragin.PingChecker("redis", redis.Ping, infragin.HealthStatusUnhealthy)).
		WithMetrics(gatherer).
		WithPprof(cfg.Telemetry.Profiling.Pprof).
		Build()
}
