// Package bootstrap wires configuration, infrastructure and services for the
// incidents commands.
package bootstrap

import (
	"fmt"

	infralogger "github.com/jonesrussell/north-cloud/incidents/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/incidents/internal/config"
)

// LoadConfig loads and validates configuration from path.
func LoadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if validationErr := cfg.Validate(); validationErr != nil {
		return nil, fmt.Errorf("validate config: %w", validationErr)
	}
	return cfg, nil
}

// CreateLogger creates a logger instance from configuration.
func CreateLogger(cfg *config.Config, version string) (infralogger.Logger, error) {
	level := cfg.Logging.Level
	if cfg.Service.Debug {
		level = "debug"
	}

	log, err := infralogger.New(infralogger.Config{
		Level:       level,
		Format:      cfg.Logging.Format,
		Development: cfg.Service.Debug,
	})
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	log = log.With(
		infralogger.String("service", cfg.Service.Name),
		infralogger.String("version", version),
	)
	infralogger.SetFallback(log)
	return log, nil
}
