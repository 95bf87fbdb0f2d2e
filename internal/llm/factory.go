package llm

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jonesrussell/north-cloud/incidents/infrastructure/circuitbreaker"
	infralogger "github.com/jonesrussell/north-cloud/incidents/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/incidents/internal/telemetry"
)

const providerOllama = "ollama"

// Default capability settings.
const (
	DefaultProvider    = providerAnthropic
	DefaultModel       = "claude-sonnet-4-5"
	DefaultOpenAIModel = "gpt-4o-mini"
	DefaultOllamaModel = "llama3.1"
	DefaultMaxTokens   = 2048
	DefaultTimeout     = 90 * time.Second
	DefaultRPS         = 2.0
	DefaultBurst       = 2
)

// Config selects and tunes the capability provider.
type Config struct {
	Provider          string                `env:"EXTRACTION_PROVIDER" yaml:"provider"`
	APIKey            string                `env:"EXTRACTION_API_KEY"  yaml:"api_key"` //nolint:gosec // provider credential
	Model             string                `env:"EXTRACTION_MODEL"    yaml:"model"`
	BaseURL           string                `env:"EXTRACTION_BASE_URL" yaml:"base_url"`
	MaxTokens         int                   `yaml:"max_tokens"`
	Timeout           time.Duration         `yaml:"timeout"`
	RequestsPerSecond float64               `env:"EXTRACTION_RPS"      yaml:"requests_per_second"`
	Burst             int                   `yaml:"burst"`
	Breaker           circuitbreaker.Config `yaml:"circuit_breaker"`
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.Provider == "" {
		c.Provider = DefaultProvider
	}
	if c.Model == "" {
		switch strings.ToLower(c.Provider) {
		case providerOpenAI:
			c.Model = DefaultOpenAIModel
		case providerOllama:
			c.Model = DefaultOllamaModel
		default:
			c.Model = DefaultModel
		}
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = DefaultRPS
	}
	if c.Burst <= 0 {
		c.Burst = DefaultBurst
	}
}

// New builds the configured provider client wrapped in rate limiting and a
// circuit breaker.
func New(cfg Config, log infralogger.Logger, tp *telemetry.Provider) (*Guarded, error) {
	cfg.SetDefaults()
	httpClient := &http.Client{Timeout: cfg.Timeout}

	var inner Capability
	switch strings.ToLower(cfg.Provider) {
	case providerAnthropic, "claude":
		inner = NewAnthropicClient(cfg, httpClient)
	case providerOpenAI:
		inner = NewOpenAIClient(cfg, httpClient)
	case providerOllama:
		if cfg.APIKey == "" {
			cfg.APIKey = "ollama"
		}
		if cfg.BaseURL != "" && !strings.HasSuffix(cfg.BaseURL, "/v1") {
			cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/") + "/v1"
		}
		inner = NewOpenAIClient(cfg, httpClient)
	default:
		return nil, fmt.Errorf("unsupported extraction provider: %s", cfg.Provider)
	}

	log.Info("extraction capability configured",
		infralogger.String("provider", inner.Provider()),
		infralogger.String("model", inner.Model()),
		infralogger.Float64("requests_per_second", cfg.RequestsPerSecond),
	)

	return NewGuarded(inner, cfg.RequestsPerSecond, cfg.Burst, cfg.Breaker, log, tp), nil
}
