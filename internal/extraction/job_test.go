package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/incidents/internal/domain"
	"github.com/jonesrussell/north-cloud/incidents/internal/geo"
	"github.com/jonesrussell/north-cloud/incidents/internal/job"
	"github.com/jonesrussell/north-cloud/incidents/internal/llm"
	"github.com/jonesrussell/north-cloud/incidents/internal/queue"
	"github.com/jonesrussell/north-cloud/incidents/internal/telemetry"
)

type memStore struct {
	mu          sync.Mutex
	sources     map[string]*domain.Source
	extractions map[string]*domain.Extraction
	events      map[string]*domain.Event
	writes      []*domain.ExtractionWrite
	saveErr     error
}

func newMemStore(sources ...*domain.Source) *memStore {
	s := &memStore{
		sources:     map[string]*domain.Source{},
		extractions: map[string]*domain.Extraction{},
		events:      map[string]*domain.Event{},
	}
	for _, src := range sources {
		s.sources[src.ID] = src
	}
	return s
}

func (s *memStore) GetSource(_ context.Context, id string) (*domain.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *src
	return &cp, nil
}

func (s *memStore) GetExtraction(_ context.Context, sourceID string) (*domain.Extraction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.extractions[sourceID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *memStore) UpdateSourceStatus(_ context.Context, id string, status domain.SourceStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[id].Status = status
	s.sources[id].StatusReason = &reason
	return nil
}

func (s *memStore) SaveExtraction(_ context.Context, w *domain.ExtractionWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	if _, exists := s.extractions[w.Extraction.SourceID]; exists && !w.Replace {
		return domain.ErrAlreadyExists
	}
	s.writes = append(s.writes, w)
	s.events[w.Event.ID] = w.Event
	s.extractions[w.Extraction.SourceID] = w.Extraction
	src := s.sources[w.Extraction.SourceID]
	src.Status = domain.SourceStatusExtracted
	src.EventID = &w.Event.ID
	return nil
}

func (s *memStore) MarkClusterEnqueued(_ context.Context, sourceID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extractions[sourceID].ClusterEnqueuedAt = &at
	return nil
}

func (s *memStore) source(id string) domain.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.sources[id]
}

type recordingEnqueuer struct {
	mu   sync.Mutex
	envs []*job.Envelope
	err  error
}

func (e *recordingEnqueuer) Enqueue(_ context.Context, q queue.Name, env *job.Envelope) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return "", e.err
	}
	if q != queue.Clustering {
		return "", errors.New("unexpected queue " + string(q))
	}
	e.envs = append(e.envs, env)
	return "1-0", nil
}

// scriptedCapability answers with the scripted texts in order, repeating the
// last one.
type scriptedCapability struct {
	mu       sync.Mutex
	provider string
	answers  []string
	err      error
	requests []llm.Request
}

func (c *scriptedCapability) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.err != nil {
		return nil, c.err
	}
	i := min(len(c.requests)-1, len(c.answers)-1)
	return &llm.Response{Text: c.answers[i], Provider: c.Provider(), Model: "test-model"}, nil
}

func (c *scriptedCapability) Provider() string {
	if c.provider == "" {
		return "scripted"
	}
	return c.provider
}

func (c *scriptedCapability) Model() string { return "test-model" }

func (c *scriptedCapability) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

type fixture struct {
	store    *memStore
	enqueuer *recordingEnqueuer
	cap      *scriptedCapability
	tp       *telemetry.Provider
	job      *Job
}

func newFixture(t *testing.T, answers ...string) *fixture {
	t.Helper()
	f := &fixture{
		store:    newMemStore(&domain.Source{ID: "src-1", Title: "Wildfire near Kelowna", Body: strings.Repeat("Fire crews battle a blaze. ", 20), Status: domain.SourceStatusPending}),
		enqueuer: &recordingEnqueuer{},
		cap:      &scriptedCapability{answers: answers},
		tp:       telemetry.NewProvider(prometheus.NewRegistry()),
	}
	f.job = NewJob(Config{}, f.store, f.enqueuer, f.cap, geo.NewValidator(geo.Config{}), f.tp)
	return f
}

func extractEnv(sourceID string) (*job.Envelope, job.ExtractPayload) {
	p := job.ExtractPayload{SourceID: sourceID}
	return job.New(p, "corr-42"), p
}

func TestHandle_ExtractsAndEnqueuesCluster(t *testing.T) {
	f := newFixture(t, validPayload)
	env, p := extractEnv("src-1")

	require.NoError(t, f.job.Handle(context.Background(), env, p))

	require.Len(t, f.store.writes, 1)
	w := f.store.writes[0]
	assert.Equal(t, domain.EventStatusActive, w.Event.Status)
	assert.Equal(t, 1, w.Event.SourceCount)
	assert.Equal(t, "wildfire", w.Event.PrimaryType)
	assert.Equal(t, []string{"evacuation"}, []string(w.Event.SecondaryTypes))
	assert.Equal(t, "CA", w.Event.Country)
	assert.Equal(t, 4, w.Event.Severity)
	require.NotNil(t, w.Event.Latitude)
	assert.InDelta(t, 0.7, w.Event.GeoConfidence, 1e-9)
	assert.False(t, w.Replace)
	assert.Equal(t, "scripted", w.Extraction.Provider)
	assert.JSONEq(t, validPayload, string(w.Extraction.Payload))

	var v Validation
	require.NoError(t, json.Unmarshal(w.Extraction.Validation, &v))
	assert.False(t, v.StrictRetry)
	assert.False(t, v.Truncated)
	assert.True(t, v.Geo.Valid)

	require.Len(t, f.enqueuer.envs, 1)
	child := f.enqueuer.envs[0]
	assert.Equal(t, job.TypeClusterEvent, child.Type)
	assert.Equal(t, "corr-42", child.CorrelationID)
	assert.Equal(t, env.ID, child.Meta["parent_job_id"])
	assert.Equal(t, job.ClusterPayload{EventID: w.Event.ID}, child.Payload)

	ext, err := f.store.GetExtraction(context.Background(), "src-1")
	require.NoError(t, err)
	assert.NotNil(t, ext.ClusterEnqueuedAt)
	assert.Equal(t, domain.SourceStatusExtracted, f.store.source("src-1").Status)
	assert.InDelta(t, 1, testutil.ToFloat64(f.tp.Metrics.ExtractionOutcomes.WithLabelValues(OutcomeExtracted)), 0)
}

func TestHandle_SecondRunIsNoOp(t *testing.T) {
	f := newFixture(t, validPayload)

	for range 2 {
		env, p := extractEnv("src-1")
		require.NoError(t, f.job.Handle(context.Background(), env, p))
	}

	assert.Len(t, f.store.events, 1)
	assert.Len(t, f.store.extractions, 1)
	assert.Len(t, f.enqueuer.envs, 1)
	assert.Equal(t, 1, f.cap.calls())
	assert.InDelta(t, 1, testutil.ToFloat64(f.tp.Metrics.ExtractionOutcomes.WithLabelValues(OutcomeIdempotent)), 0)
}

func TestHandle_RepairsMissingClusterJob(t *testing.T) {
	f := newFixture(t, validPayload)
	f.store.extractions["src-1"] = &domain.Extraction{SourceID: "src-1", EventID: "evt-old"}
	env, p := extractEnv("src-1")

	require.NoError(t, f.job.Handle(context.Background(), env, p))

	assert.Zero(t, f.cap.calls())
	assert.Empty(t, f.store.writes)
	require.Len(t, f.enqueuer.envs, 1)
	assert.Equal(t, job.ClusterPayload{EventID: "evt-old"}, f.enqueuer.envs[0].Payload)
	assert.NotNil(t, f.store.extractions["src-1"].ClusterEnqueuedAt)
}

func TestHandle_ForceReplaces(t *testing.T) {
	f := newFixture(t, validPayload)
	now := time.Now()
	f.store.extractions["src-1"] = &domain.Extraction{SourceID: "src-1", EventID: "evt-old", ClusterEnqueuedAt: &now}

	env := job.New(job.ExtractPayload{SourceID: "src-1", Force: true}, "")
	require.NoError(t, f.job.Handle(context.Background(), env, job.ExtractPayload{SourceID: "src-1", Force: true}))

	require.Len(t, f.store.writes, 1)
	assert.True(t, f.store.writes[0].Replace)
	assert.NotEqual(t, "evt-old", f.store.extractions["src-1"].EventID)
	assert.Len(t, f.enqueuer.envs, 1)
}

func TestHandle_TooShort(t *testing.T) {
	f := newFixture(t, validPayload)
	f.store.sources["src-1"].Body = "Too brief."
	env, p := extractEnv("src-1")

	require.NoError(t, f.job.Handle(context.Background(), env, p))

	assert.Equal(t, domain.SourceStatusTooShort, f.store.source("src-1").Status)
	assert.Zero(t, f.cap.calls())
	assert.Empty(t, f.enqueuer.envs)
}

func TestHandle_StrictRetryRecovers(t *testing.T) {
	f := newFixture(t, "```json\n{\"schema_version\":\"event_v1\",\"title\":\"x\"}\n```", validPayload)
	env, p := extractEnv("src-1")

	require.NoError(t, f.job.Handle(context.Background(), env, p))

	require.Equal(t, 2, f.cap.calls())
	assert.NotContains(t, f.cap.requests[0].System, "previous answer")
	assert.Contains(t, f.cap.requests[1].System, "previous answer did not match the schema")

	var v Validation
	require.Len(t, f.store.writes, 1)
	require.NoError(t, json.Unmarshal(f.store.writes[0].Extraction.Validation, &v))
	assert.True(t, v.StrictRetry)
}

func TestHandle_SecondSchemaFailureIsTerminal(t *testing.T) {
	f := newFixture(t, "no json here", `{"schema_version":"event_v1","severity":7}`)
	env, p := extractEnv("src-1")

	err := f.job.Handle(context.Background(), env, p)

	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	assert.False(t, domain.IsRetryable(err))
	assert.Equal(t, 2, f.cap.calls())
	src := f.store.source("src-1")
	assert.Equal(t, domain.SourceStatusExtractionFailed, src.Status)
	require.NotNil(t, src.StatusReason)
	assert.Contains(t, *src.StatusReason, "severity")
	assert.Empty(t, f.store.writes)
	assert.Empty(t, f.enqueuer.envs)
}

func TestHandle_Irrelevant(t *testing.T) {
	f := newFixture(t, `{"schema_version":"event_v1","relevant":false}`)
	env, p := extractEnv("src-1")

	require.NoError(t, f.job.Handle(context.Background(), env, p))

	assert.Equal(t, domain.SourceStatusIrrelevant, f.store.source("src-1").Status)
	assert.Empty(t, f.store.writes)
	assert.Equal(t, 1, f.cap.calls())
}

func TestHandle_TransientCapabilityErrorRetries(t *testing.T) {
	f := newFixture(t, validPayload)
	f.cap.err = domain.Transient("anthropic messages", errors.New("status 529: overloaded"))
	env, p := extractEnv("src-1")

	err := f.job.Handle(context.Background(), env, p)

	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
	assert.Equal(t, 1, f.cap.calls())
	assert.Equal(t, domain.SourceStatusPending, f.store.source("src-1").Status)
}

func TestHandle_RejectedRequestMarksSourceFailed(t *testing.T) {
	f := newFixture(t, validPayload)
	f.cap.err = domain.Validation("openai chat completion", errors.New("status 400: context too long"))
	env, p := extractEnv("src-1")

	err := f.job.Handle(context.Background(), env, p)

	require.Error(t, err)
	assert.False(t, domain.IsRetryable(err))
	assert.Equal(t, domain.SourceStatusExtractionFailed, f.store.source("src-1").Status)
}

func TestHandle_SourceNotFound(t *testing.T) {
	f := newFixture(t, validPayload)
	env, p := extractEnv("missing")

	err := f.job.Handle(context.Background(), env, p)

	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHandle_NullifiesRejectedCoordinates(t *testing.T) {
	payload := strings.Replace(validPayload, `"latitude": 49.88, "longitude": -119.49`, `"latitude": 95, "longitude": 40`, 1)
	f := newFixture(t, payload)
	env, p := extractEnv("src-1")

	require.NoError(t, f.job.Handle(context.Background(), env, p))

	require.Len(t, f.store.writes, 1)
	ev := f.store.writes[0].Event
	assert.Nil(t, ev.Latitude)
	assert.Nil(t, ev.Longitude)
	assert.Zero(t, ev.GeoConfidence)
	assert.InDelta(t, 1, testutil.ToFloat64(f.tp.Metrics.GeoIssues.WithLabelValues(string(geo.IssueOutOfRange))), 0)
}

func TestHandle_ConcurrentDuplicateIsNoOp(t *testing.T) {
	f := newFixture(t, validPayload)
	now := time.Now()
	f.job.store = &racingStore{
		memStore:   f.store,
		competitor: &domain.Extraction{SourceID: "src-1", EventID: "evt-other", ClusterEnqueuedAt: &now},
	}
	env, p := extractEnv("src-1")

	require.NoError(t, f.job.Handle(context.Background(), env, p))

	assert.Empty(t, f.enqueuer.envs)
	assert.Empty(t, f.store.writes)
	assert.Empty(t, f.store.events)
}

// racingStore inserts a competitor's extraction when SaveExtraction runs.
type racingStore struct {
	*memStore
	competitor *domain.Extraction
}

func (s *racingStore) SaveExtraction(ctx context.Context, w *domain.ExtractionWrite) error {
	s.mu.Lock()
	s.extractions[s.competitor.SourceID] = s.competitor
	s.mu.Unlock()
	return s.memStore.SaveExtraction(ctx, w)
}

func TestHandle_TruncatesLongBodies(t *testing.T) {
	f := newFixture(t, validPayload)
	f.job.cfg.MaxInputChars = 250
	env, p := extractEnv("src-1")
	f.store.sources["src-1"].Body = strings.Repeat("a", 1000)

	require.NoError(t, f.job.Handle(context.Background(), env, p))

	require.Equal(t, 1, f.cap.calls())
	assert.Contains(t, f.cap.requests[0].Prompt, TruncationMarker)
	var v Validation
	require.NoError(t, json.Unmarshal(f.store.writes[0].Extraction.Validation, &v))
	assert.True(t, v.Truncated)
	assert.Equal(t, 1000, v.InputChars)
}

func TestHandle_CapabilityHintSelectsAlternative(t *testing.T) {
	f := newFixture(t, validPayload)
	alt := &scriptedCapability{provider: "openai", answers: []string{validPayload}}
	f.job = NewJob(Config{}, f.store, f.enqueuer, f.cap, geo.NewValidator(geo.Config{}), f.tp, alt)

	p := job.ExtractPayload{SourceID: "src-1", CapabilityHint: "OpenAI"}
	require.NoError(t, f.job.Handle(context.Background(), job.New(p, ""), p))

	assert.Zero(t, f.cap.calls())
	assert.Equal(t, 1, alt.calls())
	assert.Equal(t, "openai", f.store.writes[0].Extraction.Provider)
}

func TestHandle_StoreFailureRetries(t *testing.T) {
	f := newFixture(t, validPayload)
	f.store.saveErr = errors.New("write tcp: connection reset by peer")
	env, p := extractEnv("src-1")

	err := f.job.Handle(context.Background(), env, p)

	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
	assert.Empty(t, f.enqueuer.envs)
}
