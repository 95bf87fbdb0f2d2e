package extraction

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonesrussell/north-cloud/incidents/internal/domain"
)

// SchemaVersion is the only accepted structured event schema.
const SchemaVersion = "event_v1"

// ErrNoJSONObject is returned when a response contains no JSON object.
var ErrNoJSONObject = errors.New("response contains no JSON object")

// Payload is the structured event document returned by the capability.
type Payload struct {
	SchemaVersion   string           `json:"schema_version"`
	Relevant        *bool            `json:"relevant,omitempty"`
	Title           string           `json:"title"`
	EventType       EventType        `json:"event_type"`
	Severity        *int             `json:"severity"`
	Confidence      Confidence       `json:"confidence"`
	Location        Location         `json:"location"`
	Temporal        *Temporal        `json:"temporal"`
	Summary         Summary          `json:"summary"`
	SourceReference *SourceReference `json:"source_reference"`
}

// EventType classifies the event.
type EventType struct {
	Primary   string   `json:"primary"`
	Secondary []string `json:"secondary,omitempty"`
}

// Confidence holds the extractor's self-assessed scores.
type Confidence struct {
	Extraction  *float64 `json:"extraction"`
	Geolocation *float64 `json:"geolocation"`
}

// Location is the administrative placement and optional point.
type Location struct {
	Country     string   `json:"country"`
	Admin1      string   `json:"admin1,omitempty"`
	Admin2      string   `json:"admin2,omitempty"`
	Locality    string   `json:"locality,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Temporal is the event's time window. Start and End are RFC3339 timestamps
// or plain dates.
type Temporal struct {
	Start   string `json:"start,omitempty"`
	End     string `json:"end,omitempty"`
	Ongoing bool   `json:"ongoing,omitempty"`
}

// Summary holds the short and long descriptions.
type Summary struct {
	Short string `json:"short"`
	Long  string `json:"long,omitempty"`
}

// SourceReference points back at the source document.
type SourceReference struct {
	URL         string `json:"url,omitempty"`
	Publisher   string `json:"publisher,omitempty"`
	PublishedAt string `json:"published_at,omitempty"`
}

// IsIrrelevant reports whether the extractor judged the document not to
// describe an incident.
func (p *Payload) IsIrrelevant() bool {
	return p.Relevant != nil && !*p.Relevant
}

// SchemaError lists every problem found in a payload.
type SchemaError struct {
	Problems []string
}

func (e *SchemaError) Error() string {
	return "schema validation failed: " + strings.Join(e.Problems, "; ")
}

// ParseJSON extracts the first JSON object from text, tolerating code fences
// and surrounding prose, and decodes it. The returned bytes are the object
// as sent.
func ParseJSON(text string) (*Payload, []byte, error) {
	raw, err := extractObject(text)
	if err != nil {
		return nil, nil, err
	}

	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, nil, fmt.Errorf("decode payload: %w", err)
	}
	return &p, raw, nil
}

func extractObject(text string) ([]byte, error) {
	start := strings.Index(text, "{")
	if start < 0 {
		return nil, ErrNoJSONObject
	}

	dec := json.NewDecoder(strings.NewReader(text[start:]))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoJSONObject, err)
	}
	return raw, nil
}

// Validate checks p against the event_v1 schema.
func (p *Payload) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if p.SchemaVersion != SchemaVersion {
		add("schema_version must be %q, got %q", SchemaVersion, p.SchemaVersion)
	}
	if strings.TrimSpace(p.Title) == "" {
		add("title is required")
	}
	if strings.TrimSpace(p.EventType.Primary) == "" {
		add("event_type.primary is required")
	}
	switch {
	case p.Severity == nil:
		add("severity is required")
	case *p.Severity < domain.MinSeverity || *p.Severity > domain.MaxSeverity:
		add("severity must be in [%d,%d], got %d", domain.MinSeverity, domain.MaxSeverity, *p.Severity)
	}
	checkUnit(add, "confidence.extraction", p.Confidence.Extraction)
	checkUnit(add, "confidence.geolocation", p.Confidence.Geolocation)
	if strings.TrimSpace(p.Location.Country) == "" {
		add("location.country is required")
	}
	if p.Temporal == nil {
		add("temporal block is required")
	} else {
		p.Temporal.validate(add)
	}
	if strings.TrimSpace(p.Summary.Short) == "" {
		add("summary.short is required")
	}
	if p.SourceReference == nil {
		add("source_reference block is required")
	}

	if len(problems) > 0 {
		return &SchemaError{Problems: problems}
	}
	return nil
}

func checkUnit(add func(string, ...any), field string, v *float64) {
	switch {
	case v == nil:
		add("%s is required", field)
	case *v < 0 || *v > 1:
		add("%s must be in [0,1], got %g", field, *v)
	}
}

func (t *Temporal) validate(add func(string, ...any)) {
	start, startErr := parseTime(t.Start)
	if startErr != nil {
		add("temporal.start: %v", startErr)
	}
	end, endErr := parseTime(t.End)
	if endErr != nil {
		add("temporal.end: %v", endErr)
	}
	if start != nil && end != nil && end.Before(*start) {
		add("temporal.end is before temporal.start")
	}
}

// StartTime returns the parsed start, nil when absent or invalid.
func (t *Temporal) StartTime() *time.Time {
	ts, _ := parseTime(t.Start)
	return ts
}

// EndTime returns the parsed end, nil when absent or invalid.
func (t *Temporal) EndTime() *time.Time {
	ts, _ := parseTime(t.End)
	return ts
}

func parseTime(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if ts, err := time.Parse(layout, s); err == nil {
			ts = ts.UTC()
			return &ts, nil
		}
	}
	return nil, fmt.Errorf("unrecognised time %q", s)
}
