package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/north-cloud/incidents/internal/domain"
)

const extractionSelectList = `source_id, event_id, payload, validation, provider, model,
			cluster_enqueued_at, created_at`

// GetExtraction loads the extraction record of a source.
func (r *Repository) GetExtraction(ctx context.Context, sourceID string) (*domain.Extraction, error) {
	query := `SELECT ` + extractionSelectList + ` FROM event_extractions WHERE source_id = $1`

	var e domain.Extraction
	err := r.db.GetContext(ctx, &e, query, sourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get extraction: %w", err)
	}
	return &e, nil
}

// MarkClusterEnqueued records that the source's cluster job was published.
func (r *Repository) MarkClusterEnqueued(ctx context.Context, sourceID string, at time.Time) error {
	query := `UPDATE event_extractions SET cluster_enqueued_at = $2 WHERE source_id = $1`
	if err := execExpectOneRow(ctx, r.db, query, sourceID, at); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("mark cluster enqueued: %w", err)
	}
	return nil
}

// SaveExtraction writes the event, the source link, the source status and the
// extraction record in one transaction. A concurrent extraction of the same
// source surfaces as domain.ErrAlreadyExists.
func (r *Repository) SaveExtraction(ctx context.Context, w *domain.ExtractionWrite) error {
	if w == nil || w.Event == nil || w.Extraction == nil {
		return errors.New("save extraction: event and extraction are required")
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer rollback(tx)

	if w.Replace {
		if err := detachSource(ctx, tx, w.Extraction.SourceID); err != nil {
			return err
		}
	}

	if err := insertEvent(ctx, tx, w.Event); err != nil {
		return err
	}
	if err := insertExtraction(ctx, tx, w.Extraction); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO event_sources (event_id, source_id) VALUES ($1, $2)`,
		w.Event.ID, w.Extraction.SourceID,
	); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("link source: %w", err)
	}

	query := `
		UPDATE sources
		SET status = $2,
		    status_reason = NULL,
		    event_id = $3,
		    updated_at = NOW()
		WHERE id = $1`
	if err := execExpectOneRow(ctx, tx, query, w.Extraction.SourceID, domain.SourceStatusExtracted, w.Event.ID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("mark source extracted: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit extraction: %w", err)
	}
	return nil
}

// detachSource removes a source's previous extraction before a forced
// re-extraction. An event left without sources is archived.
func detachSource(ctx context.Context, tx *sqlx.Tx, sourceID string) error {
	var eventID sql.NullString
	err := tx.GetContext(ctx, &eventID, `SELECT event_id FROM sources WHERE id = $1 FOR UPDATE`, sourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock source: %w", err)
	}

	if eventID.Valid {
		if _, err := tx.ExecContext(ctx, `
			UPDATE events
			SET source_count = GREATEST(source_count - 1, 0),
			    status = CASE WHEN source_count <= 1 AND status = 'active' THEN 'archived' ELSE status END,
			    updated_at = NOW()
			WHERE id = $1`, eventID.String); err != nil {
			return fmt.Errorf("detach previous event: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM event_sources WHERE source_id = $1`, sourceID); err != nil {
		return fmt.Errorf("unlink source: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM event_extractions WHERE source_id = $1`, sourceID); err != nil {
		return fmt.Errorf("delete previous extraction: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sqlx.Tx, e *domain.Event) error {
	query := `
		INSERT INTO events (
			id, title, primary_type, secondary_types, severity,
			extraction_confidence, geo_confidence, summary_short, summary_long,
			start_time, end_time, ongoing, country, admin1, admin2, locality,
			latitude, longitude, status, source_count
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20
		)
		RETURNING created_at, updated_at`

	err := tx.QueryRowxContext(ctx, query,
		e.ID, e.Title, e.PrimaryType, e.SecondaryTypes, e.Severity,
		e.ExtractionConfidence, e.GeoConfidence, e.SummaryShort, e.SummaryLong,
		e.StartTime, e.EndTime, e.Ongoing, e.Country, e.Admin1, e.Admin2, e.Locality,
		e.Latitude, e.Longitude, e.Status, e.SourceCount,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func insertExtraction(ctx context.Context, tx *sqlx.Tx, x *domain.Extraction) error {
	query := `
		INSERT INTO event_extractions (source_id, event_id, payload, validation, provider, model)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`

	err := tx.QueryRowxContext(ctx, query,
		x.SourceID, x.EventID, jsonText(x.Payload), jsonText(x.Validation), x.Provider, x.Model,
	).Scan(&x.CreatedAt)
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert extraction: %w", err)
	}
	return nil
}

// jsonText passes JSON as text; lib/pq would send a raw []byte as bytea.
func jsonText(b []byte) string {
	if len(b) == 0 {
		return "{}"
	}
	return string(b)
}
