package bootstrap

import (
	"context"
	"errors"
	"fmt"

	infralogger "github.com/jonesrussell/north-cloud/incidents/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/incidents/infrastructure/profiling"
	"github.com/jonesrussell/north-cloud/incidents/internal/config"
	"github.com/jonesrussell/north-cloud/incidents/internal/database"
	"github.com/jonesrussell/north-cloud/incidents/internal/telemetry"
)

// RunWorker runs the consumer and the ops server until ctx is cancelled.
func RunWorker(ctx context.Context, cfg *config.Config, version string) error {
	// Phase 1: Create logger
	log, err := CreateLogger(cfg, version)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	profiler, err := profiling.StartPyroscope(cfg.Telemetry.Profiling, cfg.Service.Name, version, log)
	if err != nil {
		log.Warn("Continuous profiling disabled", infralogger.Error(err))
	}
	defer func() { _ = profiler.Stop() }()

	// Phase 2: Setup database and queue
	db, err := SetupDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			log.Error("Failed to close database", infralogger.Error(closeErr))
		}
	}()

	rdb, q, err := SetupQueue(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := rdb.Close(); closeErr != nil {
			log.Error("Failed to close redis", infralogger.Error(closeErr))
		}
	}()

	// Phase 3: Setup services
	registry := telemetry.NewRegistry()
	tp := telemetry.NewProvider(registry)
	repo := database.NewRepository(db)

	services, err := SetupServices(cfg, repo, q, log, tp)
	if err != nil {
		return err
	}

	// Phase 4: Run consumer and ops server
	server := SetupOpsServer(cfg, version, repo, q, registry, log)

	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Run(serverCtx)
	}()

	log.Info("Starting worker",
		infralogger.Strings("queues", cfg.Worker.Queues),
		infralogger.Int("concurrency", cfg.Worker.Concurrency),
		infralogger.Int("ops_port", cfg.Service.Port),
	)

	consumerCtx, stopConsumer := context.WithCancel(ctx)
	defer stopConsumer()
	consumerErr := make(chan error, 1)
	go func() {
		consumerErr <- services.Consumer.Run(consumerCtx)
	}()

	select {
	case err = <-consumerErr:
		stopServer()
		if srvErr := <-serverErr; srvErr != nil {
			log.Error("Ops server error", infralogger.Error(srvErr))
		}
	case srvErr := <-serverErr:
		// The worker is not observable without the ops server.
		stopConsumer()
		err = <-consumerErr
		if srvErr != nil {
			return errors.Join(fmt.Errorf("ops server: %w", srvErr), err)
		}
	}

	if err != nil {
		return fmt.Errorf("consumer: %w", err)
	}
	log.Info("Worker exited")
	return nil
}
