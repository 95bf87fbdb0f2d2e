package domain

import (
	"time"

	"github.com/lib/pq"
)

// EventStatus is the lifecycle state of an event.
type EventStatus string

const (
	EventStatusActive   EventStatus = "active"
	EventStatusMerged   EventStatus = "merged"
	EventStatusArchived EventStatus = "archived"
	EventStatusDisputed EventStatus = "disputed"
)

// Severity bounds.
const (
	MinSeverity = 1
	MaxSeverity = 5
)

// Event is the canonical incident record. A merged event always points at an
// active event through MergedInto.
type Event struct {
	ID                   string         `db:"id"                    json:"id"`
	Title                string         `db:"title"                 json:"title"`
	PrimaryType          string         `db:"primary_type"          json:"primary_type"`
	SecondaryTypes       pq.StringArray `db:"secondary_types"       json:"secondary_types"`
	Severity             int            `db:"severity"              json:"severity"`
	ExtractionConfidence float64        `db:"extraction_confidence" json:"extraction_confidence"`
	GeoConfidence        float64        `db:"geo_confidence"        json:"geo_confidence"`
	SummaryShort         string         `db:"summary_short"         json:"summary_short"`
	SummaryLong          string         `db:"summary_long"          json:"summary_long"`
	StartTime            *time.Time     `db:"start_time"            json:"start_time,omitempty"`
	EndTime              *time.Time     `db:"end_time"              json:"end_time,omitempty"`
	Ongoing              bool           `db:"ongoing"               json:"ongoing"`
	Country              string         `db:"country"               json:"country"`
	Admin1               string         `db:"admin1"                json:"admin1"`
	Admin2               string         `db:"admin2"                json:"admin2"`
	Locality             string         `db:"locality"              json:"locality"`
	Latitude             *float64       `db:"latitude"              json:"latitude,omitempty"`
	Longitude            *float64       `db:"longitude"             json:"longitude,omitempty"`
	Status               EventStatus    `db:"status"                json:"status"`
	SourceCount          int            `db:"source_count"          json:"source_count"`
	MergedInto           *string        `db:"merged_into"           json:"merged_into,omitempty"`
	CreatedAt            time.Time      `db:"created_at"            json:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at"            json:"updated_at"`
}

// HasCoordinates reports whether both coordinates are set.
func (e *Event) HasCoordinates() bool {
	return e.Latitude != nil && e.Longitude != nil
}

// IsActive reports whether the event can take part in clustering.
func (e *Event) IsActive() bool {
	return e.Status == EventStatusActive
}

// EventMerge is one append-only merge audit row.
type EventMerge struct {
	PrimaryEventID  string    `db:"primary_event_id" json:"primary_event_id"`
	MergedEventID   string    `db:"merged_event_id"  json:"merged_event_id"`
	SimilarityScore float64   `db:"similarity_score" json:"similarity_score"`
	CreatedAt       time.Time `db:"created_at"       json:"created_at"`
}

// CandidateQuery selects active events that may describe the same incident.
type CandidateQuery struct {
	PrimaryType string
	Country     string
	From        time.Time
	To          time.Time
	ExcludeID   string
	Limit       int
}
