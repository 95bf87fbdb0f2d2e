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
)

// eventSelectList is the column list for SELECT on events (single source for schema changes)
const eventSelectList = `id, title, primary_type, secondary_types, severity,
			extraction_confidence, geo_confidence, summary_short, summary_long,
			start_time, end_time, ongoing, country, admin1, admin2, locality,
			latitude, longitude, status, source_count, merged_into,
			created_at, updated_at`

// GetEvent loads an event by id.
func (r *Repository) GetEvent(ctx context.Context, id string) (*domain.Event, error) {
	query := `SELECT ` + eventSelectList + ` FROM events WHERE id = $1`

	var e domain.Event
	err := r.db.GetContext(ctx, &e, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return &e, nil
}

// FindCandidates returns active events sharing the query's type and country
// created inside its window, newest first.
func (r *Repository) FindCandidates(ctx context.Context, q domain.CandidateQuery) ([]*domain.Event, error) {
	query := `SELECT ` + eventSelectList + `
		FROM events
		WHERE status = 'active'
		  AND primary_type = $1
		  AND country = $2
		  AND created_at BETWEEN $3 AND $4
		  AND id <> $5
		ORDER BY created_at DESC
		LIMIT $6`

	events := make([]*domain.Event, 0, q.Limit)
	if err := r.db.SelectContext(ctx, &events, query,
		q.PrimaryType, q.Country, q.From, q.To, q.ExcludeID, q.Limit,
	); err != nil {
		return nil, fmt.Errorf("find candidates: %w", err)
	}
	return events, nil
}

// InMergeTx runs fn in one transaction and commits when it returns nil.
func (r *Repository) InMergeTx(ctx context.Context, fn func(tx clustering.MergeTx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer rollback(tx)

	if err := fn(&mergeTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit merge: %w", err)
	}
	return nil
}

// mergeTx is the clustering write set bound to one transaction.
type mergeTx struct {
	tx *sqlx.Tx
}

// LockEvents row-locks the events in id order so concurrent merges of
// overlapping pairs cannot deadlock.
func (m *mergeTx) LockEvents(ctx context.Context, ids ...string) (map[string]*domain.Event, error) {
	query := `SELECT ` + eventSelectList + `
		FROM events
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE`

	var events []*domain.Event
	if err := m.tx.SelectContext(ctx, &events, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("lock events: %w", err)
	}

	byID := make(map[string]*domain.Event, len(events))
	for _, e := range events {
		byID[e.ID] = e
	}
	return byID, nil
}

// UpdateAggregates writes the fields a merge changes on the primary event.
func (m *mergeTx) UpdateAggregates(ctx context.Context, e *domain.Event) error {
	query := `
		UPDATE events
		SET extraction_confidence = $2,
		    severity = $3,
		    source_count = $4,
		    updated_at = NOW()
		WHERE id = $1`
	if err := execExpectOneRow(ctx, m.tx, query, e.ID, e.ExtractionConfidence, e.Severity, e.SourceCount); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("update aggregates: %w", err)
	}
	return nil
}

// MoveSources re-points every source link, source row and extraction record
// of fromEventID at toEventID.
func (m *mergeTx) MoveSources(ctx context.Context, fromEventID, toEventID string) error {
	statements := []struct {
		op    string
		query string
		args  []any
	}{
		{"copy source links", `
			INSERT INTO event_sources (event_id, source_id)
			SELECT $2, source_id FROM event_sources WHERE event_id = $1
			ON CONFLICT DO NOTHING`, []any{fromEventID, toEventID}},
		{"delete source links", `DELETE FROM event_sources WHERE event_id = $1`, []any{fromEventID}},
		{"repoint sources", `UPDATE sources SET event_id = $2, updated_at = NOW() WHERE event_id = $1`, []any{fromEventID, toEventID}},
		{"repoint extractions", `UPDATE event_extractions SET event_id = $2 WHERE event_id = $1`, []any{fromEventID, toEventID}},
	}

	for _, s := range statements {
		if _, err := m.tx.ExecContext(ctx, s.query, s.args...); err != nil {
			return fmt.Errorf("%s: %w", s.op, err)
		}
	}
	return nil
}

// MarkMerged flags absorbedID as merged into primaryID.
func (m *mergeTx) MarkMerged(ctx context.Context, absorbedID, primaryID string) error {
	query := `
		UPDATE events
		SET status = 'merged',
		    merged_into = $2,
		    updated_at = NOW()
		WHERE id = $1`
	if err := execExpectOneRow(ctx, m.tx, query, absorbedID, primaryID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("mark merged: %w", err)
	}
	return nil
}

// RepointMerged keeps merge targets flat: events merged into fromID now point
// at toID.
func (m *mergeTx) RepointMerged(ctx context.Context, fromID, toID string) (int64, error) {
	result, err := m.tx.ExecContext(ctx, `
		UPDATE events
		SET merged_into = $2,
		    updated_at = NOW()
		WHERE merged_into = $1
		  AND status = 'merged'`, fromID, toID)
	if err != nil {
		return 0, fmt.Errorf("repoint merged events: %w", err)
	}
	return result.RowsAffected()
}

// InsertMerge appends the merge audit row.
func (m *mergeTx) InsertMerge(ctx context.Context, em *domain.EventMerge) error {
	err := m.tx.QueryRowxContext(ctx, `
		INSERT INTO event_merges (primary_event_id, merged_event_id, similarity_score)
		VALUES ($1, $2, $3)
		RETURNING created_at`,
		em.PrimaryEventID, em.MergedEventID, em.SimilarityScore,
	).Scan(&em.CreatedAt)
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert merge: %w", err)
	}
	return nil
}
