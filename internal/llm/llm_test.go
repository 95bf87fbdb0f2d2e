package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/incidents/infrastructure/circuitbreaker"
	infralogger "github.com/jonesrussell/north-cloud/incidents/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/incidents/internal/domain"
	"github.com/jonesrussell/north-cloud/incidents/internal/telemetry"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		kind   domain.Kind
	}{
		{http.StatusBadRequest, domain.KindValidation},
		{http.StatusUnprocessableEntity, domain.KindValidation},
		{http.StatusRequestTimeout, domain.KindTransient},
		{http.StatusConflict, domain.KindTransient},
		{http.StatusTooManyRequests, domain.KindTransient},
		{http.StatusInternalServerError, domain.KindTransient},
		{http.StatusServiceUnavailable, domain.KindTransient},
		{529, domain.KindTransient},
		{http.StatusUnauthorized, domain.KindTransient},
		{http.StatusForbidden, domain.KindTransient},
		{http.StatusNotFound, domain.KindTransient},
		{http.StatusTeapot, domain.KindUnknown},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := classifyStatus("call", tt.status, errors.New("boom"))
			assert.Equal(t, tt.kind, domain.KindOf(err))
		})
	}
}

func TestAnthropicClient_Complete(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-test",
			"content": [{"type": "text", "text": "{\"title\":"}, {"type": "text", "text": "\"x\"}"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 12, "output_tokens": 7}
		}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient(Config{APIKey: "test-key", Model: "claude-test", BaseURL: srv.URL + "/", MaxTokens: 100}, srv.Client())
	resp, err := c.Complete(context.Background(), Request{System: "be precise", Prompt: "extract this"})

	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"x"}`, resp.Text)
	assert.Equal(t, "anthropic", resp.Provider)
	assert.Equal(t, "claude-test", resp.Model)
	assert.Equal(t, int64(12), resp.InputTokens)
	assert.Equal(t, int64(7), resp.OutputTokens)
	assert.Equal(t, "claude-test", got["model"])
	assert.NotNil(t, got["system"])
}

func TestAnthropicClient_StatusKinds(t *testing.T) {
	tests := []struct {
		status int
		kind   domain.Kind
	}{
		{http.StatusTooManyRequests, domain.KindTransient},
		{529, domain.KindTransient},
		{http.StatusBadRequest, domain.KindValidation},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"nope"}}`))
			}))
			defer srv.Close()

			c := NewAnthropicClient(Config{APIKey: "k", Model: "m", BaseURL: srv.URL + "/", MaxTokens: 10}, srv.Client())
			_, err := c.Complete(context.Background(), Request{Prompt: "p"})

			require.Error(t, err)
			assert.Equal(t, tt.kind, domain.KindOf(err))
		})
	}
}

func TestOpenAIClient_Complete(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "c1", "object": "chat.completion", "model": "gpt-test",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "{\"ok\":true}"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 3, "completion_tokens": 4, "total_tokens": 7}
		}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(Config{APIKey: "test-key", Model: "gpt-test", BaseURL: srv.URL + "/v1", MaxTokens: 50}, srv.Client())
	resp, err := c.Complete(context.Background(), Request{System: "sys", Prompt: "user"})

	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, resp.Text)
	assert.Equal(t, "openai", resp.Provider)
	assert.Equal(t, int64(3), resp.InputTokens)

	messages, ok := got["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, messages, 2)
	format, ok := got["response_format"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "json_object", format["type"])
}

func TestOpenAIClient_StatusKinds(t *testing.T) {
	tests := []struct {
		status int
		body   string
		kind   domain.Kind
	}{
		{http.StatusUnprocessableEntity, `{"error":{"message":"bad schema","type":"invalid_request_error"}}`, domain.KindValidation},
		{http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"rate_limit"}}`, domain.KindTransient},
		{http.StatusBadGateway, `upstream gone`, domain.KindTransient},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewOpenAIClient(Config{APIKey: "k", Model: "m", BaseURL: srv.URL + "/v1"}, srv.Client())
			_, err := c.Complete(context.Background(), Request{Prompt: "p"})

			require.Error(t, err)
			assert.Equal(t, tt.kind, domain.KindOf(err))
		})
	}
}

type stubCapability struct {
	calls atomic.Int32
	err   error
}

func (s *stubCapability) Complete(context.Context, Request) (*Response, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return &Response{Text: "{}", Provider: "stub", Model: "m"}, nil
}

func (s *stubCapability) Provider() string { return "stub" }
func (s *stubCapability) Model() string    { return "m" }

func TestGuarded_OpenCircuitIsTransient(t *testing.T) {
	stub := &stubCapability{err: domain.Transient("call", errors.New("503"))}
	tp := telemetry.NewProvider(prometheus.NewRegistry())
	g := NewGuarded(stub, 0, 1, circuitbreaker.Config{FailureThreshold: 2, Timeout: time.Hour}, infralogger.NewNop(), tp)

	for range 2 {
		_, err := g.Complete(context.Background(), Request{})
		require.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateOpen, g.State())

	_, err := g.Complete(context.Background(), Request{})
	require.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, domain.KindTransient, domain.KindOf(err))
	assert.Equal(t, int32(2), stub.calls.Load())
	assert.InDelta(t, 3, testutil.ToFloat64(tp.Metrics.CapabilityCalls.WithLabelValues("stub", "error")), 0)
}

func TestGuarded_ValidationDoesNotTrip(t *testing.T) {
	stub := &stubCapability{err: domain.Validation("call", errors.New("400"))}
	g := NewGuarded(stub, 0, 1, circuitbreaker.Config{FailureThreshold: 1}, infralogger.NewNop(), telemetry.NewProvider(prometheus.NewRegistry()))

	for range 3 {
		_, err := g.Complete(context.Background(), Request{})
		assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	}
	assert.Equal(t, circuitbreaker.StateClosed, g.State())
	assert.Equal(t, int32(3), stub.calls.Load())
}

func TestGuarded_RateLimitWaitHonoursContext(t *testing.T) {
	stub := &stubCapability{}
	g := NewGuarded(stub, 0.001, 1, circuitbreaker.Config{}, infralogger.NewNop(), telemetry.NewProvider(prometheus.NewRegistry()))

	_, err := g.Complete(context.Background(), Request{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Complete(ctx, Request{})
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
	assert.Equal(t, int32(1), stub.calls.Load())
}

func TestNew_SelectsProvider(t *testing.T) {
	tp := telemetry.NewProvider(prometheus.NewRegistry())

	g, err := New(Config{Provider: "OpenAI", Model: "gpt"}, infralogger.NewNop(), tp)
	require.NoError(t, err)
	assert.Equal(t, "openai", g.Provider())

	g, err = New(Config{}, infralogger.NewNop(), tp)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", g.Provider())
	assert.Equal(t, DefaultModel, g.Model())

	_, err = New(Config{Provider: "carrier-pigeon"}, infralogger.NewNop(), tp)
	require.Error(t, err)
}

func TestConfig_DefaultModelFollowsProvider(t *testing.T) {
	for provider, want := range map[string]string{
		"":          DefaultModel,
		"anthropic": DefaultModel,
		"openai":    DefaultOpenAIModel,
		"ollama":    DefaultOllamaModel,
	} {
		cfg := Config{Provider: provider}
		cfg.SetDefaults()
		assert.Equal(t, want, cfg.Model, provider)
	}
}
