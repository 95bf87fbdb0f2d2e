package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	infralogger "github.com/jonesrussell/north-cloud/incidents/infrastructure/logger"
	infraredis "github.com/jonesrussell/north-cloud/incidents/infrastructure/redis"
	"github.com/jonesrussell/north-cloud/incidents/infrastructure/retry"
	"github.com/jonesrussell/north-cloud/incidents/internal/config"
	"github.com/jonesrussell/north-cloud/incidents/internal/queue"
)

// readTimeoutMargin keeps blocking stream reads from tripping the client timeout.
const readTimeoutMargin = 5 * time.Second

// SetupQueue connects to Redis and ensures every stream has its consumer group.
func SetupQueue(ctx context.Context, cfg *config.Config, log infralogger.Logger) (*redis.Client, *queue.Client, error) {
	var rdb *redis.Client
	err := retry.Retry(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
		client, connErr := infraredis.NewClient(ctx, infraredis.Config{
			Address:     cfg.Redis.Address,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			ReadTimeout: cfg.Worker.WaitTime + readTimeoutMargin,
		})
		if connErr != nil {
			log.Warn("Redis not ready, retrying", infralogger.Error(connErr))
			return connErr
		}
		rdb = client
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("redis connection: %w", err)
	}

	q := queue.New(rdb, cfg.QueueConfig())
	if initErr := q.Initialize(ctx); initErr != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("initialize queues: %w", initErr)
	}

	log.Info("Queue client initialized",
		infralogger.String("redis_address", cfg.Redis.Address),
		infralogger.String("group", q.Config().Group),
		infralogger.String("consumer", q.Config().Consumer),
	)
	return rdb, q, nil
}
