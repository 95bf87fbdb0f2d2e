package gin_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	ginpkg "github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	infragin "github.com/jonesrussell/north-cloud/incidents/infrastructure/gin"
	"github.com/jonesrussell/north-cloud/incidents/infrastructure/logger"
)

func serve(t *testing.T, s *infragin.Server, method, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, http.NoBody)
	for k, v := range header {
		req.Header[k] = v
	}
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealth_LivenessIgnoresChecks(t *testing.T) {
	s := infragin.NewServerBuilder("incidents-worker", 0).
		WithLogger(logger.NewNop()).
		WithHealthCheck("database", func(context.Context) infragin.CheckResult {
			return infragin.CheckResult{Status: infragin.HealthStatusUnhealthy}
		}).
		Build()

	w := serve(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body infragin.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, infragin.HealthStatusHealthy, body.Status)
	assert.Equal(t, "incidents-worker", body.Service)
}

func TestHealth_ReadinessAggregatesChecks(t *testing.T) {
	s := infragin.NewServerBuilder("incidents-worker", 0).
		WithLogger(logger.NewNop()).
		WithHealthCheck("database", infragin.PingChecker("database", func(context.Context) error {
			return errors.New("connection refused")
		}, infragin.HealthStatusUnhealthy)).
		WithHealthCheck("redis", infragin.PingChecker("redis", func(context.Context) error {
			return nil
		}, infragin.HealthStatusUnhealthy)).
		Build()

	w := serve(t, s, http.MethodGet, "/health/ready", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body infragin.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, infragin.HealthStatusUnhealthy, body.Status)
	assert.Equal(t, infragin.HealthStatusHealthy, body.Checks["redis"].Status)
	assert.Contains(t, body.Checks["database"].Message, "connection refused")
}

func TestHealth_DegradedStillReady(t *testing.T) {
	s := infragin.NewServerBuilder("incidents-worker", 0).
		WithHealthCheck("llm", infragin.PingChecker("llm", func(context.Context) error {
			return errors.New("circuit open")
		}, infragin.HealthStatusDegraded)).
		Build()

	w := serve(t, s, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"degraded"`)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "incidents_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	s := infragin.NewServerBuilder("incidents-worker", 0).WithMetrics(reg).Build()

	w := serve(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "incidents_test_total 1")
}

func TestRequestID_GeneratedAndPreserved(t *testing.T) {
	s := infragin.NewServerBuilder("incidents-worker", 0).Build()

	generated := serve(t, s, http.MethodGet, "/health", nil)
	assert.Len(t, generated.Header().Get("X-Request-ID"), 36)

	preserved := serve(t, s, http.MethodGet, "/health", http.Header{"X-Request-Id": []string{"upstream-abc"}})
	assert.Equal(t, "upstream-abc", preserved.Header().Get("X-Request-ID"))
}

func TestRecoveryMiddleware(t *testing.T) {
	log, logs := logger.NewObserved(zapcore.InfoLevel)
	s := infragin.NewServerBuilder("incidents-worker", 0).
		WithLogger(log).
		WithRoutes(func(r *ginpkg.Engine) {
			r.GET("/boom", func(*ginpkg.Context) { panic("boom") })
		}).
		Build()

	w := serve(t, s, http.MethodGet, "/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 1, logs.FilterMessage("Panic recovered").Len())
}
