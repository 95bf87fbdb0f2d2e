package telemetry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/incidents/internal/telemetry"
)

func TestNewProvider_IsolatedRegistries(t *testing.T) {
	// separate registries must not collide on registration
	first := telemetry.NewProvider(prometheus.NewRegistry())
	second := telemetry.NewProvider(prometheus.NewRegistry())

	require.NotNil(t, first.Tracer)
	require.NotNil(t, second.Metrics)
}

func TestRecordJob(t *testing.T) {
	p := telemetry.NewProvider(prometheus.NewRegistry())

	p.RecordJob("extraction", "extract_event", "success", 250*time.Millisecond)
	p.RecordJob("extraction", "extract_event", "success", time.Second)
	p.RecordJob("extraction", "extract_event", "retry", time.Second)

	assert.InDelta(t, 2, testutil.ToFloat64(p.Metrics.JobsProcessed.WithLabelValues("extraction", "extract_event", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(p.Metrics.JobsProcessed.WithLabelValues("extraction", "extract_event", "retry")), 0)
}

func TestRecordPoisonAndInFlight(t *testing.T) {
	p := telemetry.NewProvider(prometheus.NewRegistry())

	p.RecordPoison("clustering", "malformed")
	p.AddInFlight(3)
	p.AddInFlight(-1)

	assert.InDelta(t, 1, testutil.ToFloat64(p.Metrics.PoisonMessages.WithLabelValues("clustering", "malformed")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(p.Metrics.InFlight), 0)
}

func TestRecordCapabilityCall(t *testing.T) {
	p := telemetry.NewProvider(prometheus.NewRegistry())

	p.RecordCapabilityCall("anthropic", nil, time.Second)
	p.RecordCapabilityCall("anthropic", errors.New("529 overloaded"), time.Second)

	assert.InDelta(t, 1, testutil.ToFloat64(p.Metrics.CapabilityCalls.WithLabelValues("anthropic", "ok")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(p.Metrics.CapabilityCalls.WithLabelValues("anthropic", "error")), 0)
}

func TestRecordClustering(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := telemetry.NewProvider(reg)

	p.RecordClustering("merged", 0.82, true)
	p.RecordClustering("new", 0, false)

	assert.InDelta(t, 1, testutil.ToFloat64(p.Metrics.ClusteringDecisions.WithLabelValues("merged")), 0)
	count, err := testutil.GatherAndCount(reg, "incidents_clustering_best_similarity")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStartSpan(t *testing.T) {
	p := telemetry.NewProvider(prometheus.NewRegistry())

	ctx, span := p.StartSpan(context.Background(), "job.extract_event")
	defer span.End()

	assert.NotNil(t, ctx)
	assert.NotNil(t, span)
}
