// Package domain contains the incident pipeline's records and error taxonomy.
package domain

import "time"

// SourceStatus is the processing state of a source document.
type SourceStatus string

const (
	SourceStatusPending          SourceStatus = "pending"
	SourceStatusExtracted        SourceStatus = "extracted"
	SourceStatusFailed           SourceStatus = "failed"
	SourceStatusExtractionFailed SourceStatus = "extraction_failed"
	SourceStatusTooShort         SourceStatus = "too_short"
	SourceStatusIrrelevant       SourceStatus = "irrelevant"
)

// Source is a raw input document. Its body is never modified by the pipeline.
type Source struct {
	ID            string       `db:"id"             json:"id"`
	Title         string       `db:"title"          json:"title"`
	Body          string       `db:"body"           json:"body"`
	PublisherName string       `db:"publisher_name" json:"publisher_name"`
	URL           string       `db:"url"            json:"url"`
	PublishedAt   *time.Time   `db:"published_at"   json:"published_at,omitempty"`
	Language      string       `db:"language"       json:"language"`
	Status        SourceStatus `db:"status"         json:"status"`
	StatusReason  *string      `db:"status_reason"  json:"status_reason,omitempty"`
	EventID       *string      `db:"event_id"       json:"event_id,omitempty"`
	CreatedAt     time.Time    `db:"created_at"     json:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"     json:"updated_at"`
}

// Extraction is the stored outcome of extracting one source. Its presence is
// what makes a later extraction of the same source a no-op.
type Extraction struct {
	SourceID          string     `db:"source_id"           json:"source_id"`
	EventID           string     `db:"event_id"            json:"event_id"`
	Payload           []byte     `db:"payload"             json:"payload"`
	Validation        []byte     `db:"validation"          json:"validation"`
	Provider          string     `db:"provider"            json:"provider"`
	Model             string     `db:"model"               json:"model"`
	ClusterEnqueuedAt *time.Time `db:"cluster_enqueued_at" json:"cluster_enqueued_at,omitempty"`
	CreatedAt         time.Time  `db:"created_at"          json:"created_at"`
}

// ExtractionWrite is everything one successful extraction persists in a
// single transaction.
type ExtractionWrite struct {
	Event      *Event
	Extraction *Extraction
	// Replace supersedes an existing extraction of the same source.
	Replace bool
}
