package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	infraconfig "github.com/jonesrussell/north-cloud/incidents/infrastructure/config"
	"github.com/jonesrussell/north-cloud/incidents/internal/config"
	"github.com/jonesrussell/north-cloud/incidents/internal/queue"
)

func load(t *testing.T, body string) *config.Config {
	t.Helper()
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))

	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := load(t, "extraction:\n  capability:\n    api_key: test-key\n")

	assert.Equal(t, "incidents", cfg.Service.Name)
	assert.Equal(t, 8097, cfg.Service.Port)
	assert.Equal(t, "incidents", cfg.Database.Database)
	assert.Equal(t, "localhost:6379", cfg.Redis.Address)
	assert.Equal(t, []string{"extraction", "clustering"}, cfg.Worker.Queues)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, 200, cfg.Extraction.MinChars)
	assert.Equal(t, 12000, cfg.Extraction.MaxInputChars)
	assert.Equal(t, "anthropic", cfg.Extraction.Capability.Provider)
	assert.InDelta(t, 0.70, cfg.Clustering.Threshold, 1e-9)
	assert.Equal(t, 72*time.Hour, cfg.Clustering.Window)
	assert.InDelta(t, 0.5, cfg.Geo.NoCoordinateConfidence, 1e-9)
	assert.Equal(t, "info", cfg.Logging.Level)

	require.NoError(t, cfg.Validate())
}

func TestLoad_YAMLAndEnvOverrides(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "12")
	t.Setenv("EXTRACTION_PROVIDER", "openai")
	t.Setenv("CLUSTERING_THRESHOLD", "0.8")

	cfg := load(t, `
worker:
  queues: [clustering]
  concurrency: 2
  grace_period: 45s
extraction:
  min_chars: 100
  capability:
    api_key: sk-test
    model: gpt-4o-mini
clustering:
  window: 24h
`)

	assert.Equal(t, []queue.Name{queue.Clustering}, cfg.WorkerQueues())
	assert.Equal(t, 12, cfg.Worker.Concurrency)
	assert.Equal(t, 45*time.Second, cfg.Worker.GracePeriod)
	assert.Equal(t, 100, cfg.Extraction.MinChars)
	assert.Equal(t, "openai", cfg.Extraction.Capability.Provider)
	assert.Equal(t, "gpt-4o-mini", cfg.Extraction.Capability.Model)
	assert.InDelta(t, 0.8, cfg.Clustering.Threshold, 1e-9)
	assert.Equal(t, 24*time.Hour, cfg.Clustering.Window)
	require.NoError(t, cfg.Validate())
}

func TestConfig_QueueConfigAndBackoff(t *testing.T) {
	cfg := load(t, "queues:\n  extraction_stream: x:extract\n  consumer: worker-1\n")

	qc := cfg.QueueConfig()
	stream, err := qc.Stream(queue.Extraction)
	require.NoError(t, err)
	assert.Equal(t, "x:extract", stream)
	assert.Equal(t, "worker-1", qc.Consumer)
	assert.Equal(t, queue.DefaultMaxReceiveCount, qc.MaxReceiveCount)

	b := cfg.Backoff()
	assert.Equal(t, 30*time.Second, b.Base)
	assert.Equal(t, 15*time.Minute, b.Cap)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name  string
		mut   func(*config.Config)
		field string
	}{
		{"unknown worker queue", func(c *config.Config) { c.Worker.Queues = []string{"billing"} }, "worker.queues"},
		{"zero concurrency", func(c *config.Config) { c.Worker.Concurrency = -1 }, "worker.concurrency"},
		{"visibility too long", func(c *config.Config) { c.Worker.Visibility = 13 * time.Hour }, "worker.visibility"},
		{"unknown provider", func(c *config.Config) { c.Extraction.Capability.Provider = "bard" }, "extraction.capability.provider"},
		{"missing api key", func(c *config.Config) { c.Extraction.Capability.APIKey = "" }, "extraction.capability.api_key"},
		{"threshold above one", func(c *config.Config) { c.Clustering.Threshold = 1.2 }, "clustering.threshold"},
		{"same streams", func(c *config.Config) { c.Queues.ClusteringStream = c.Queues.ExtractionStream }, "queues.clustering_stream"},
		{"bad log level", func(c *config.Config) { c.Logging.Level = "loud" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := load(t, "extraction:\n  capability:\n    api_key: k\n")
			tt.mut(cfg)

			var vErr *infraconfig.ValidationError
			require.ErrorAs(t, cfg.Validate(), &vErr)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}

func TestConfig_OllamaNeedsNoAPIKey(t *testing.T) {
	cfg := load(t, "extraction:\n  capability:\n    provider: ollama\n    base_url: http://ollama:11434\n")
	require.NoError(t, cfg.Validate())
}

func TestConfig_ValidatesAlternatives(t *testing.T) {
	cfg := load(t, `
extraction:
  capability:
    api_key: k
  alternatives:
    - provider: openai
`)
	assert.Equal(t, "gpt-4o-mini", cfg.Extraction.Alternatives[0].Model)

	var vErr *infraconfig.ValidationError
	require.ErrorAs(t, cfg.Validate(), &vErr)
	assert.Equal(t, "extraction.alternatives[0].api_key", vErr.Field)
}
