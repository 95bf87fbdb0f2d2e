package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jonesrussell/north-cloud/incidents/internal/clustering"
	"github.com/jonesrussell/north-cloud/incidents/internal/domain"
	"github.com/jonesrussell/north-cloud/incidents/internal/extraction"
)

// uniqueViolation is the PostgreSQL error code for a unique constraint breach.
const uniqueViolation = "23505"

// execer is satisfied by both *sqlx.DB and *sqlx.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Repository implements the extraction and clustering stores on PostgreSQL.
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates a new repository
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Ping checks the connection. Used by the health endpoint.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// execExpectOneRow runs an exec and returns domain.ErrNotFound when no row was affected
func execExpectOneRow(ctx context.Context, db execer, query string, args ...any) error {
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("get affected rows: %w", rowsErr)
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// rollback is deferred by every transaction; after a commit it is a no-op.
func rollback(tx *sqlx.Tx) {
	_ = tx.Rollback()
}

var (
	_ extraction.Store = (*Repository)(nil)
	_ clustering.Store = (*Repository)(nil)
)
