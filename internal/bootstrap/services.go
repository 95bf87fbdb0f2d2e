package bootstrap

import (
	"fmt"

	infralogger "github.com/jonesrussell/north-cloud/incidents/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/incidents/internal/clustering"
	"github.com/jonesrussell/north-cloud/incidents/internal/config"
	"github.com/jonesrussell/north-cloud/incidents/internal/consumer"
	"github.com/jonesrussell/north-cloud/incidents/internal/database"
	"github.com/jonesrussell/north-cloud/incidents/internal/extraction"
	"github.com/jonesrussell/north-cloud/incidents/internal/geo"
	"github.com/jonesrussell/north-cloud/incidents/internal/llm"
	"github.com/jonesrussell/north-cloud/incidents/internal/queue"
	"github.com/jonesrussell/north-cloud/incidents/internal/telemetry"
)

// Services holds the job handlers and the consumer that drives them.
type Services struct {
	Extraction *extraction.Job
	Clustering *clustering.Engine
	Consumer   *consumer.Consumer
}

// SetupServices builds the extraction job, clustering engine and consumer.
func SetupServices(
	cfg *config.Config,
	repo *database.Repository,
	q *queue.Client,
	log infralogger.Logger,
	tp *telemetry.Provider,
) (*Services, error) {
	capability, err := llm.New(cfg.Extraction.Capability, log, tp)
	if err != nil {
		return nil, fmt.Errorf("extraction capability: %w", err)
	}

	alternatives := make([]llm.Capability, 0, len(cfg.Extraction.Alternatives))
	for i, altCfg := range cfg.Extraction.Alternatives {
		alt, altErr := llm.New(altCfg, log, tp)
		if altErr != nil {
			return nil, fmt.Errorf("extraction alternative %d: %w", i, altErr)
		}
		alternatives = append(alternatives, alt)
	}

	job := extraction.NewJob(
		cfg.Extraction.Config,
		repo,
		q,
		capability,
		geo.NewValidator(cfg.Geo),
		tp,
		alternatives...,
	)
	engine := clustering.NewEngine(cfg.Clustering, repo, tp)

	c, err := consumer.New(q, consumer.Handlers{
		Extract: job.Handle,
		Cluster: engine.Handle,
	}, consumer.Config{
		Queues:       cfg.WorkerQueues(),
		BatchSize:    cfg.Worker.BatchSize,
		WaitTime:     cfg.Worker.WaitTime,
		Visibility:   cfg.Worker.Visibility,
		Heartbeat:    cfg.Worker.Heartbeat,
		MaxInFlight:  cfg.Worker.Concurrency,
		MaxAttempts:  cfg.Queues.MaxReceiveCount,
		GracePeriod:  cfg.Worker.GracePeriod,
		ErrorBackoff: cfg.Worker.ErrorBackoff,
		Backoff:      cfg.Backoff(),
	}, log, tp)
	if err != nil {
		return nil, fmt.Errorf("consumer: %w", err)
	}

	return &Services{Extraction: job, Clustering: engine, Consumer: c}, nil
}
