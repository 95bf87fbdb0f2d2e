package bootstrap

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	infralogger "github.com/jonesrussell/north-cloud/incidents/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/incidents/infrastructure/retry"
	"github.com/jonesrussell/north-cloud/incidents/internal/config"
	"github.com/jonesrussell/north-cloud/incidents/internal/database"
)

// SetupDatabase connects to PostgreSQL, retrying while it starts up.
func SetupDatabase(ctx context.Context, cfg *config.Config, log infralogger.Logger) (*sqlx.DB, error) {
	var db *sqlx.DB
	err := retry.Retry(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
		conn, connErr := database.Connect(ctx, cfg.Database)
		if connErr != nil {
			log.Warn("Database not ready, retrying", infralogger.Error(connErr))
			return connErr
		}
		db = conn
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("database connection: %w", err)
	}

	log.Info("Connected to database",
		infralogger.String("host", cfg.Database.Host),
		infralogger.Int("port", cfg.Database.Port),
		infralogger.String("database", cfg.Database.Database),
	)
	return db, nil
}
