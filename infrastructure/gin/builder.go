package gin

import (
	"net/http/pprof"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jonesrussell/north-cloud/incidents/infrastructure/logger"
)

// ServerBuilder provides a fluent API for building the ops server.
type ServerBuilder struct {
	config       *Config
	logger       logger.Logger
	healthChecks map[string]HealthChecker
	gatherer     prometheus.Gatherer
	pprof        bool
	setupRoutes  func(*gin.Engine)
}

// NewServerBuilder creates a new server builder.
func NewServerBuilder(serviceName string, port int) *ServerBuilder {
	return &ServerBuilder{
		config:       NewConfig(serviceName, port),
		healthChecks: make(map[string]HealthChecker),
	}
}

// WithLogger sets the logger.
func (b *ServerBuilder) WithLogger(log logger.Logger) *ServerBuilder {
	b.logger = log
	return b
}

// WithVersion sets the service version.
func (b *ServerBuilder) WithVersion(version string) *ServerBuilder {
	b.config.ServiceVersion = version
	return b
}

// WithDebug enables or disables Gin debug mode.
func (b *ServerBuilder) WithDebug(debug bool) *ServerBuilder {
	b.config.Debug = debug
	return b
}

// WithShutdownTimeout overrides the graceful shutdown timeout.
func (b *ServerBuilder) WithShutdownTimeout(d time.Duration) *ServerBuilder {
	b.config.ShutdownTimeout = d
	return b
}

// WithHealthCheck adds a named readiness check.
func (b *ServerBuilder) WithHealthCheck(name string, checker HealthChecker) *ServerBuilder {
	b.healthChecks[name] = checker
	return b
}

// WithMetrics exposes gatherer on /metrics.
func (b *ServerBuilder) WithMetrics(gatherer prometheus.Gatherer) *ServerBuilder {
	b.gatherer = gatherer
	return b
}

// WithPprof mounts net/http/pprof under /debug/pprof.
func (b *ServerBuilder) WithPprof(enabled bool) *ServerBuilder {
	b.pprof = enabled
	return b
}

// WithRoutes sets an extra route setup function.
func (b *ServerBuilder) WithRoutes(setupRoutes func(*gin.Engine)) *ServerBuilder {
	b.setupRoutes = setupRoutes
	return b
}

// Build creates the server.
func (b *ServerBuilder) Build() *Server {
	if b.logger == nil {
		b.logger = logger.NewNop()
	}
	started := time.Now()
	b.config.SetDefaults()

	return NewServer(b.config, b.logger, func(router *gin.Engine) {
		registerHealthRoutes(router, b.config, started, b.healthChecks)

		if b.gatherer != nil {
			router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(b.gatherer, promhttp.HandlerOpts{})))
		}

		if b.pprof {
			debug := router.Group("/debug/pprof")
			debug.GET("/", gin.WrapF(pprof.Index))
			debug.GET("/cmdline", gin.WrapF(pprof.Cmdline))
			debug.GET("/profile", gin.WrapF(pprof.Profile))
			debug.GET("/symbol", gin.WrapF(pprof.Symbol))
			debug.GET("/trace", gin.WrapF(pprof.Trace))
			for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
				debug.GET("/"+name, gin.WrapH(pprof.Handler(name)))
			}
		}

		if b.setupRoutes != nil {
			b.setupRoutes(router)
		}
	})
}
