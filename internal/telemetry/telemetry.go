// Package telemetry provides Prometheus metrics and OpenTelemetry tracing for
// the incident workers.
package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	serviceName = "incidents"
	namespace   = "incidents"
)

// Metrics holds all incident pipeline Prometheus metrics
type Metrics struct {
	// Consumer metrics
	JobsProcessed    *prometheus.CounterVec
	JobDuration      *prometheus.HistogramVec
	PoisonMessages   *prometheus.CounterVec
	RetriesScheduled *prometheus.CounterVec
	ReceiveErrors    *prometheus.CounterVec
	InFlight         prometheus.Gauge

	// Extraction metrics
	ExtractionOutcomes *prometheus.CounterVec
	CapabilityCalls    *prometheus.CounterVec
	CapabilityDuration *prometheus.HistogramVec
	GeoIssues          *prometheus.CounterVec

	// Clustering metrics
	ClusteringDecisions *prometheus.CounterVec
	SimilarityScore     prometheus.Histogram
}

// Provider wraps telemetry providers
type Provider struct {
	Tracer  trace.Tracer
	Metrics *Metrics
}

// NewProvider registers metrics on reg and returns a provider using the
// global otel tracer provider.
func NewProvider(reg prometheus.Registerer) *Provider {
	return &Provider{
		Tracer:  otel.Tracer(serviceName),
		Metrics: initMetrics(promauto.With(reg)),
	}
}

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func initMetrics(f promauto.Factory) *Metrics {
	m := &Metrics{}
	initConsumerMetrics(f, m)
	initExtractionMetrics(f, m)
	initClusteringMetrics(f, m)
	return m
}

func initConsumerMetrics(f promauto.Factory, m *Metrics) {
	m.JobsProcessed = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_processed_total",
		Help:      "Jobs handled by outcome (success, failed, retry, exhausted)",
	}, []string{"queue", "job_type", "outcome"})

	m.JobDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Handler time per job",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"queue", "job_type"})

	m.PoisonMessages = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poison_messages_total",
		Help:      "Messages deleted without dispatch (malformed, invalid, unknown_type)",
	}, []string{"queue", "reason"})

	m.RetriesScheduled = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retries_scheduled_total",
		Help:      "Messages made visible again after a backoff",
	}, []string{"queue", "job_type"})

	m.ReceiveErrors = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "receive_errors_total",
		Help:      "Failed receive calls",
	}, []string{"queue"})

	m.InFlight = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "jobs_in_flight",
		Help:      "Handlers currently running",
	})
}

func initExtractionMetrics(f promauto.Factory, m *Metrics) {
	m.ExtractionOutcomes = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "extraction_outcomes_total",
		Help:      "Extraction job results by outcome",
	}, []string{"outcome"})

	m.CapabilityCalls = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "capability_calls_total",
		Help:      "Extraction capability calls by provider and result",
	}, []string{"provider", "result"})

	m.CapabilityDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "capability_duration_seconds",
		Help:      "Extraction capability call latency",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 90},
	}, []string{"provider"})

	m.GeoIssues = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "geo_issues_total",
		Help:      "Geolocation validation issues found",
	}, []string{"issue"})
}

func initClusteringMetrics(f promauto.Factory, m *Metrics) {
	m.ClusteringDecisions = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "clustering_decisions_total",
		Help:      "Clustering outcomes (new, merged, noop)",
	}, []string{"outcome"})

	m.SimilarityScore = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "clustering_best_similarity",
		Help:      "Best candidate similarity per clustering run",
		Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
	})
}

// RecordJob records a handled job
func (p *Provider) RecordJob(queue, jobType, outcome string, duration time.Duration) {
	p.Metrics.JobsProcessed.WithLabelValues(queue, jobType, outcome).Inc()
	p.Metrics.JobDuration.WithLabelValues(queue, jobType).Observe(duration.Seconds())
}

// RecordPoison records a message deleted without dispatch
func (p *Provider) RecordPoison(queue, reason string) {
	p.Metrics.PoisonMessages.WithLabelValues(queue, reason).Inc()
}

// RecordRetry records a scheduled retry
func (p *Provider) RecordRetry(queue, jobType string) {
	p.Metrics.RetriesScheduled.WithLabelValues(queue, jobType).Inc()
}

// RecordReceiveError records a failed receive
func (p *Provider) RecordReceiveError(queue string) {
	p.Metrics.ReceiveErrors.WithLabelValues(queue).Inc()
}

// AddInFlight adjusts the in-flight handler gauge
func (p *Provider) AddInFlight(delta int) {
	p.Metrics.InFlight.Add(float64(delta))
}

// RecordExtraction records an extraction job outcome
func (p *Provider) RecordExtraction(outcome string) {
	p.Metrics.ExtractionOutcomes.WithLabelValues(outcome).Inc()
}

// RecordCapabilityCall records one call to an extraction provider
func (p *Provider) RecordCapabilityCall(provider string, err error, duration time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.Metrics.CapabilityCalls.WithLabelValues(provider, result).Inc()
	p.Metrics.CapabilityDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordGeoIssue records one geolocation issue
func (p *Provider) RecordGeoIssue(issue string) {
	p.Metrics.GeoIssues.WithLabelValues(issue).Inc()
}

// RecordClustering records a clustering decision and, when candidates were
// scored, the best score
func (p *Provider) RecordClustering(outcome string, bestScore float64, scored bool) {
	p.Metrics.ClusteringDecisions.WithLabelValues(outcome).Inc()
	if scored {
		p.Metrics.SimilarityScore.Observe(bestScore)
	}
}

// StartSpan starts a new trace span.
// The caller is responsible for ending the span with span.End().
//
//nolint:spancheck // Caller is responsible for ending the span
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.Tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
