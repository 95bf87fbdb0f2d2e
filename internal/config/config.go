// Package config loads the incidents worker configuration.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	infraconfig "github.com/jonesrussell/north-cloud/incidents/infrastructure/config"
	"github.com/jonesrussell/north-cloud/incidents/infrastructure/profiling"
	"github.com/jonesrussell/north-cloud/incidents/infrastructure/retry"
	"github.com/jonesrussell/north-cloud/incidents/internal/clustering"
	"github.com/jonesrussell/north-cloud/incidents/internal/extraction"
	"github.com/jonesrussell/north-cloud/incidents/internal/geo"
	"github.com/jonesrussell/north-cloud/incidents/internal/llm"
	"github.com/jonesrussell/north-cloud/incidents/internal/queue"
)

// Default configuration values.
const (
	defaultServiceName     = "incidents"
	defaultServiceVersion  = "0.1.0"
	defaultServicePort     = 8097
	defaultShutdownTimeout = 30 * time.Second
	defaultDBName          = "incidents"

	defaultExtractionStream = "incidents:extraction"
	defaultClusteringStream = "incidents:clustering"

	defaultConcurrency  = 4
	defaultBatchSize    = 10
	defaultWaitTime     = 2 * time.Second
	defaultVisibility   = 5 * time.Minute
	defaultGracePeriod  = 30 * time.Second
	defaultErrorBackoff = time.Second
)

// Config holds the application configuration.
type Config struct {
	Service    ServiceConfig              `yaml:"service"`
	Database   infraconfig.DatabaseConfig `yaml:"database"`
	Redis      infraconfig.RedisConfig    `yaml:"redis"`
	Queues     QueuesConfig               `yaml:"queues"`
	Worker     WorkerConfig               `yaml:"worker"`
	Extraction ExtractionConfig           `yaml:"extraction"`
	Clustering clustering.Config          `yaml:"clustering"`
	Geo        geo.Config                 `yaml:"geo"`
	Logging    infraconfig.LoggingConfig  `yaml:"logging"`
	Telemetry  TelemetryConfig            `yaml:"telemetry"`
}

// ServiceConfig holds service identity and the ops server settings.
type ServiceConfig struct {
	Name            string        `yaml:"name"`
	Version         string        `yaml:"version"`
	Port            int           `env:"INCIDENTS_PORT" yaml:"port"`
	Debug           bool          `env:"APP_DEBUG"      yaml:"debug"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// QueuesConfig maps logical queues to Redis streams.
type QueuesConfig struct {
	ExtractionStream string        `env:"QUEUE_EXTRACTION_STREAM" yaml:"extraction_stream"`
	ClusteringStream string        `env:"QUEUE_CLUSTERING_STREAM" yaml:"clustering_stream"`
	Group            string        `env:"QUEUE_GROUP"             yaml:"group"`
	Consumer         string        `env:"QUEUE_CONSUMER"          yaml:"consumer"`
	DeadLetterSuffix string        `yaml:"dead_letter_suffix"`
	MaxReceiveCount  int           `env:"QUEUE_MAX_RECEIVE_COUNT" yaml:"max_receive_count"`
	BatchLimit       int           `yaml:"batch_limit"`
	ReclaimIdle      time.Duration `yaml:"reclaim_idle"`
}

// WorkerConfig tunes the consumer loop.
type WorkerConfig struct {
	Queues       []string      `env:"WORKER_QUEUES"      yaml:"queues"`
	Concurrency  int           `env:"WORKER_CONCURRENCY" yaml:"concurrency"`
	BatchSize    int           `yaml:"batch_size"`
	WaitTime     time.Duration `yaml:"wait_time"`
	Visibility   time.Duration `yaml:"visibility"`
	Heartbeat    time.Duration `yaml:"heartbeat"`
	GracePeriod  time.Duration `env:"WORKER_GRACE_PERIOD" yaml:"grace_period"`
	ErrorBackoff time.Duration `yaml:"error_backoff"`
	RetryBase    time.Duration `yaml:"retry_base"`
	RetryCap     time.Duration `yaml:"retry_cap"`
	RetryJitter  float64       `yaml:"retry_jitter"`
}

// ExtractionConfig holds the extraction job and capability settings.
type ExtractionConfig struct {
	extraction.Config `yaml:",inline"`
	Capability        llm.Config `yaml:"capability"`
	// Alternatives are selectable per job by provider name through the
	// payload's capability hint.
	Alternatives []llm.Config `yaml:"alternatives"`
}

// TelemetryConfig holds profiling settings.
type TelemetryConfig struct {
	Profiling profiling.Config `yaml:"profiling"`
}

// Load loads configuration from the specified path.
func Load(path string) (*Config, error) {
	return infraconfig.LoadWithDefaults[Config](path, setDefaults)
}

// setDefaults applies default values to the config.
func setDefaults(cfg *Config) {
	setServiceDefaults(&cfg.Service)
	setDatabaseDefaults(&cfg.Database)
	cfg.Redis.SetDefaults()
	setQueuesDefaults(&cfg.Queues)
	setWorkerDefaults(&cfg.Worker)
	cfg.Extraction.SetDefaults()
	cfg.Extraction.Capability.SetDefaults()
	for i := range cfg.Extraction.Alternatives {
		cfg.Extraction.Alternatives[i].SetDefaults()
	}
	cfg.Clustering.SetDefaults()
	cfg.Geo.SetDefaults()
	cfg.Logging.SetDefaults()
	cfg.Telemetry.Profiling.SetDefaults()
}

// setServiceDefaults applies default values to ServiceConfig.
func setServiceDefaults(svc *ServiceConfig) {
	if svc.Name == "" {
		svc.Name = defaultServiceName
	}
	if svc.Version == "" {
		svc.Version = defaultServiceVersion
	}
	if svc.Port == 0 {
		svc.Port = defaultServicePort
	}
	if svc.ShutdownTimeout == 0 {
		svc.ShutdownTimeout = defaultShutdownTimeout
	}
}

// setDatabaseDefaults applies default values to DatabaseConfig.
func setDatabaseDefaults(db *infraconfig.DatabaseConfig) {
	if db.Database == "" {
		db.Database = defaultDBName
	}
	db.SetDefaults()
}

// setQueuesDefaults applies default values to QueuesConfig.
func setQueuesDefaults(q *QueuesConfig) {
	if q.ExtractionStream == "" {
		q.ExtractionStream = defaultExtractionStream
	}
	if q.ClusteringStream == "" {
		q.ClusteringStream = defaultClusteringStream
	}
	if q.Group == "" {
		q.Group = queue.DefaultGroup
	}
	if q.DeadLetterSuffix == "" {
		q.DeadLetterSuffix = queue.DefaultDeadLetterSuffix
	}
	if q.MaxReceiveCount == 0 {
		q.MaxReceiveCount = queue.DefaultMaxReceiveCount
	}
	if q.BatchLimit == 0 {
		q.BatchLimit = queue.DefaultBatchLimit
	}
	if q.ReclaimIdle == 0 {
		q.ReclaimIdle = defaultVisibility
	}
}

// setWorkerDefaults applies default values to WorkerConfig.
func setWorkerDefaults(w *WorkerConfig) {
	if len(w.Queues) == 0 {
		w.Queues = []string{string(queue.Extraction), string(queue.Clustering)}
	}
	if w.Concurrency == 0 {
		w.Concurrency = defaultConcurrency
	}
	if w.BatchSize == 0 {
		w.BatchSize = defaultBatchSize
	}
	if w.WaitTime == 0 {
		w.WaitTime = defaultWaitTime
	}
	if w.Visibility == 0 {
		w.Visibility = defaultVisibility
	}
	if w.GracePeriod == 0 {
		w.GracePeriod = defaultGracePeriod
	}
	if w.ErrorBackoff == 0 {
		w.ErrorBackoff = defaultErrorBackoff
	}
	if w.RetryBase == 0 {
		w.RetryBase = retry.DefaultBase
	}
	if w.RetryCap == 0 {
		w.RetryCap = retry.DefaultCap
	}
	if w.RetryJitter == 0 {
		w.RetryJitter = retry.DefaultJitter
	}
}

// QueueConfig builds the queue client configuration.
func (c *Config) QueueConfig() *queue.Config {
	qc := &queue.Config{
		Queues: map[queue.Name]string{
			queue.Extraction: c.Queues.ExtractionStream,
			queue.Clustering: c.Queues.ClusteringStream,
		},
		Group:            c.Queues.Group,
		Consumer:         c.Queues.Consumer,
		DeadLetterSuffix: c.Queues.DeadLetterSuffix,
		MaxReceiveCount:  c.Queues.MaxReceiveCount,
		BatchLimit:       c.Queues.BatchLimit,
		ReclaimIdle:      c.Queues.ReclaimIdle,
	}
	qc.SetDefaults()
	return qc
}

// WorkerQueues returns the queues this worker polls.
func (c *Config) WorkerQueues() []queue.Name {
	names := make([]queue.Name, 0, len(c.Worker.Queues))
	for _, q := range c.Worker.Queues {
		names = append(names, queue.Name(q))
	}
	return names
}

// Backoff returns the redelivery backoff.
func (c *Config) Backoff() retry.Backoff {
	return retry.Backoff{Base: c.Worker.RetryBase, Cap: c.Worker.RetryCap, Jitter: c.Worker.RetryJitter}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := infraconfig.ValidatePort("service.port", c.Service.Port); err != nil {
		return err
	}
	if err := c.Database.Validate(); err != nil {
		return err
	}
	if err := infraconfig.ValidateRequired("redis.address", c.Redis.Address); err != nil {
		return err
	}
	if err := c.validateQueues(); err != nil {
		return err
	}
	if err := c.validateWorker(); err != nil {
		return err
	}
	if err := c.validateExtraction(); err != nil {
		return err
	}
	if err := c.validateClustering(); err != nil {
		return err
	}
	return c.Logging.Validate()
}

func (c *Config) validateQueues() error {
	if c.Queues.ExtractionStream == c.Queues.ClusteringStream {
		return &infraconfig.ValidationError{Field: "queues.clustering_stream", Message: "must differ from extraction_stream"}
	}
	return infraconfig.ValidatePositive("queues.max_receive_count", c.Queues.MaxReceiveCount)
}

func (c *Config) validateWorker() error {
	known := []string{string(queue.Extraction), string(queue.Clustering)}
	for _, q := range c.Worker.Queues {
		if !slices.Contains(known, q) {
			return &infraconfig.ValidationError{
				Field:   "worker.queues",
				Message: fmt.Sprintf("unknown queue %q, must be one of: extraction, clustering", q),
			}
		}
	}
	if err := infraconfig.ValidatePositive("worker.concurrency", c.Worker.Concurrency); err != nil {
		return err
	}
	if err := infraconfig.ValidatePositive("worker.batch_size", c.Worker.BatchSize); err != nil {
		return err
	}
	if c.Worker.Visibility > queue.MaxVisibility {
		return &infraconfig.ValidationError{Field: "worker.visibility", Message: "must not exceed 12h"}
	}
	return infraconfig.ValidateUnitInterval("worker.retry_jitter", c.Worker.RetryJitter)
}

func (c *Config) validateExtraction() error {
	if err := validateCapability("extraction.capability", &c.Extraction.Capability); err != nil {
		return err
	}
	for i := range c.Extraction.Alternatives {
		if err := validateCapability(fmt.Sprintf("extraction.alternatives[%d]", i), &c.Extraction.Alternatives[i]); err != nil {
			return err
		}
	}
	if c.Extraction.MaxInputChars < c.Extraction.MinChars {
		return &infraconfig.ValidationError{Field: "extraction.max_input_chars", Message: "must not be below min_chars"}
	}
	return nil
}

func validateCapability(field string, cfg *llm.Config) error {
	provider := strings.ToLower(cfg.Provider)
	switch provider {
	case "anthropic", "claude", "openai", "ollama":
	default:
		return &infraconfig.ValidationError{Field: field + ".provider", Message: "must be one of: anthropic, openai, ollama"}
	}
	if provider != "ollama" {
		return infraconfig.ValidateRequired(field+".api_key", cfg.APIKey)
	}
	return nil
}

func (c *Config) validateClustering() error {
	if err := infraconfig.ValidateUnitInterval("clustering.threshold", c.Clustering.Threshold); err != nil {
		return err
	}
	if err := infraconfig.ValidateUnitInterval("clustering.confidence_cap", c.Clustering.ConfidenceCap); err != nil {
		return err
	}
	return infraconfig.ValidatePositive("clustering.max_candidates", c.Clustering.MaxCandidates)
}
