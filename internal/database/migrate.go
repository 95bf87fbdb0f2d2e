package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	infralogger "github.com/jonesrussell/north-cloud/incidents/infrastructure/logger"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrator applies the embedded schema migrations.
type Migrator struct {
	m      *migrate.Migrate
	logger infralogger.Logger
}

// NewMigrator builds a migrator on an open connection.
func NewMigrator(db *sqlx.DB, log infralogger.Logger) (*Migrator, error) {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}

	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("create postgres driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}

	return &Migrator{m: m, logger: log}, nil
}

// Up applies every pending migration.
func (r *Migrator) Up() error {
	if err := r.m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			r.logger.Info("No pending migrations")
			return nil
		}
		return fmt.Errorf("run migrations: %w", err)
	}

	r.logVersion("Migrations applied successfully")
	return nil
}

// Down rolls back steps migrations (at least one).
func (r *Migrator) Down(steps int) error {
	if steps <= 0 {
		steps = 1
	}

	if err := r.m.Steps(-steps); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			r.logger.Info("No migrations to roll back")
			return nil
		}
		return fmt.Errorf("rollback migrations: %w", err)
	}

	r.logVersion("Migrations rolled back", infralogger.Int("steps", steps))
	return nil
}

// Version returns the current schema version and whether it is dirty.
func (r *Migrator) Version() (uint, bool, error) {
	version, dirty, err := r.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read migration version: %w", err)
	}
	return version, dirty, nil
}

func (r *Migrator) logVersion(msg string, fields ...infralogger.Field) {
	version, dirty, err := r.Version()
	if err != nil {
		r.logger.Warn(msg, append(fields, infralogger.Error(err))...)
		return
	}
	r.logger.Info(msg, append(fields,
		infralogger.Int64("version", int64(version)),
		infralogger.Bool("dirty", dirty),
	)...)
}
