package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jonesrussell/north-cloud/incidents/internal/domain"
)

const sourceSelectList = `id, title, body, publisher_name, url, published_at, language,
			status, status_reason, event_id, created_at, updated_at`

// GetSource loads a source by id.
func (r *Repository) GetSource(ctx context.Context, id string) (*domain.Source, error) {
	query := `SELECT ` + sourceSelectList + ` FROM sources WHERE id = $1`

	var s domain.Source
	err := r.db.GetContext(ctx, &s, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get source: %w", err)
	}
	return &s, nil
}

// UpdateSourceStatus records a status transition. An empty reason clears it.
func (r *Repository) UpdateSourceStatus(ctx context.Context, id string, status domain.SourceStatus, reason string) error {
	query := `
		UPDATE sources
		SET status = $2,
		    status_reason = NULLIF($3, ''),
		    updated_at = NOW()
		WHERE id = $1`
	if err := execExpectOneRow(ctx, r.db, query, id, status, reason); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("update source status: %w", err)
	}
	return nil
}
