// Package extraction turns a source document into an event through the
// extraction capability, then hands the event to clustering.
package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	infralogger "github.com/jonesrussell/north-cloud/incidents/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/incidents/internal/domain"
	"github.com/jonesrussell/north-cloud/incidents/internal/geo"
	"github.com/jonesrussell/north-cloud/incidents/internal/job"
	"github.com/jonesrussell/north-cloud/incidents/internal/llm"
	"github.com/jonesrussell/north-cloud/incidents/internal/queue"
	"github.com/jonesrussell/north-cloud/incidents/internal/telemetry"
)

// Default limits.
const (
	DefaultMinChars      = 200
	DefaultMaxInputChars = 12000
)

// Outcome labels recorded per handled job.
const (
	OutcomeExtracted  = "extracted"
	OutcomeIdempotent = "idempotent"
	OutcomeRepaired   = "repaired"
	OutcomeTooShort   = "too_short"
	OutcomeIrrelevant = "irrelevant"
	OutcomeFailed     = "extraction_failed"
)

// Config bounds the text sent to the capability.
type Config struct {
	MinChars      int `env:"EXTRACTION_MIN_CHARS"       yaml:"min_chars"`
	MaxInputChars int `env:"EXTRACTION_MAX_INPUT_CHARS" yaml:"max_input_chars"`
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.MinChars <= 0 {
		c.MinChars = DefaultMinChars
	}
	if c.MaxInputChars <= 0 {
		c.MaxInputChars = DefaultMaxInputChars
	}
}

// Store is the persistence the job needs.
type Store interface {
	GetSource(ctx context.Context, id string) (*domain.Source, error)
	GetExtraction(ctx context.Context, sourceID string) (*domain.Extraction, error)
	UpdateSourceStatus(ctx context.Context, id string, status domain.SourceStatus, reason string) error
	// SaveExtraction writes the event, source link and extraction record in
	// one transaction. It returns domain.ErrAlreadyExists when another
	// worker extracted the source first.
	SaveExtraction(ctx context.Context, w *domain.ExtractionWrite) error
	MarkClusterEnqueued(ctx context.Context, sourceID string, at time.Time) error
}

// Enqueuer publishes follow-up jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, q queue.Name, env *job.Envelope) (string, error)
}

// Validation is the metadata stored next to the raw payload.
type Validation struct {
	Geo         geo.Result `json:"geo"`
	StrictRetry bool       `json:"strict_retry"`
	Truncated   bool       `json:"truncated"`
	InputChars  int        `json:"input_chars"`
}

// Job handles extract_event messages.
type Job struct {
	cfg          Config
	store        Store
	enqueuer     Enqueuer
	capability   llm.Capability
	alternatives map[string]llm.Capability
	geo          *geo.Validator
	telemetry    *telemetry.Provider
	now          func() time.Time
}

// NewJob creates the extraction job. alternatives are selectable per job
// through the payload's capability hint, keyed by provider name.
func NewJob(
	cfg Config,
	store Store,
	enqueuer Enqueuer,
	capability llm.Capability,
	validator *geo.Validator,
	tp *telemetry.Provider,
	alternatives ...llm.Capability,
) *Job {
	cfg.SetDefaults()
	alts := make(map[string]llm.Capability, len(alternatives))
	for _, c := range alternatives {
		alts[c.Provider()] = c
	}
	return &Job{
		cfg:          cfg,
		store:        store,
		enqueuer:     enqueuer,
		capability:   capability,
		alternatives: alts,
		geo:          validator,
		telemetry:    tp,
		now:          time.Now,
	}
}

// Handle runs one extraction. A nil return means the message is done,
// including the no-op and terminal-status cases.
func (j *Job) Handle(ctx context.Context, env *job.Envelope, p job.ExtractPayload) error {
	log := infralogger.FromContext(ctx).With(infralogger.String("source_id", p.SourceID))

	src, err := j.store.GetSource(ctx, p.SourceID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.NotFound("load source", "source "+p.SourceID)
	}
	if err != nil {
		return fmt.Errorf("load source: %w", err)
	}

	if !p.Force {
		done, repairErr := j.skipIfExtracted(ctx, env, src.ID, log)
		if done || repairErr != nil {
			return repairErr
		}
	}

	if n := utf8.RuneCountInString(strings.TrimSpace(src.Body)); n < j.cfg.MinChars {
		reason := fmt.Sprintf("body has %d characters, minimum is %d", n, j.cfg.MinChars)
		if err := j.store.UpdateSourceStatus(ctx, src.ID, domain.SourceStatusTooShort, reason); err != nil {
			return fmt.Errorf("mark source too short: %w", err)
		}
		j.record(log, OutcomeTooShort)
		return nil
	}

	capability := j.selectCapability(p.CapabilityHint, log)
	result, err := j.extract(ctx, src, capability, log)
	if err != nil {
		if !isSchemaFailure(err) && domain.KindOf(err) != domain.KindValidation {
			return err
		}
		if statusErr := j.store.UpdateSourceStatus(ctx, src.ID, domain.SourceStatusExtractionFailed, err.Error()); statusErr != nil {
			return fmt.Errorf("mark source extraction failed: %w", statusErr)
		}
		j.record(log, OutcomeFailed)
		return domain.Validation("extract event", err)
	}

	if result.payload.IsIrrelevant() {
		if err := j.store.UpdateSourceStatus(ctx, src.ID, domain.SourceStatusIrrelevant, "extractor judged the document irrelevant"); err != nil {
			return fmt.Errorf("mark source irrelevant: %w", err)
		}
		j.record(log, OutcomeIrrelevant)
		return nil
	}

	w, err := j.buildWrite(src, result, capability, p.Force, log)
	if err != nil {
		return err
	}

	if err := j.store.SaveExtraction(ctx, w); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			log.Info("source extracted concurrently, treating as done")
			_, repairErr := j.skipIfExtracted(ctx, env, src.ID, log)
			return repairErr
		}
		return fmt.Errorf("save extraction: %w", err)
	}

	log.Info("event extracted",
		infralogger.String("event_id", w.Event.ID),
		infralogger.String("primary_type", w.Event.PrimaryType),
		infralogger.Int("severity", w.Event.Severity),
		infralogger.Bool("strict_retry", result.strict),
	)
	j.record(log, OutcomeExtracted)

	return j.enqueueCluster(ctx, env, src.ID, w.Event.ID)
}

// skipIfExtracted reports whether an extraction already exists. If its
// cluster job was never published, it is published now.
func (j *Job) skipIfExtracted(ctx context.Context, env *job.Envelope, sourceID string, log infralogger.Logger) (bool, error) {
	existing, err := j.store.GetExtraction(ctx, sourceID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load extraction: %w", err)
	}

	if existing.ClusterEnqueuedAt != nil {
		log.Debug("source already extracted", infralogger.String("event_id", existing.EventID))
		j.record(log, OutcomeIdempotent)
		return true, nil
	}

	log.Warn("source extracted but cluster job missing, re-enqueueing",
		infralogger.String("event_id", existing.EventID))
	j.record(log, OutcomeRepaired)
	return true, j.enqueueCluster(ctx, env, sourceID, existing.EventID)
}

func (j *Job) enqueueCluster(ctx context.Context, env *job.Envelope, sourceID, eventID string) error {
	child := job.FollowUp(env, job.ClusterPayload{EventID: eventID})
	if _, err := j.enqueuer.Enqueue(ctx, queue.Clustering, child); err != nil {
		return domain.Transient("enqueue cluster job", err)
	}
	if err := j.store.MarkClusterEnqueued(ctx, sourceID, j.now().UTC()); err != nil {
		// Already published; clustering treats a duplicate as a no-op.
		return fmt.Errorf("mark cluster enqueued: %w", err)
	}
	return nil
}

func (j *Job) selectCapability(hint string, log infralogger.Logger) llm.Capability {
	if hint == "" {
		return j.capability
	}
	if c, ok := j.alternatives[strings.ToLower(hint)]; ok {
		return c
	}
	if strings.EqualFold(hint, j.capability.Provider()) {
		return j.capability
	}
	log.Warn("unknown capability hint, using default", infralogger.String("hint", hint))
	return j.capability
}

type extractResult struct {
	payload   *Payload
	raw       []byte
	strict    bool
	truncated bool
	response  *llm.Response
}

// extract calls the capability and validates the answer, retrying once with
// the strict prompt when the first answer fails the schema.
func (j *Job) extract(ctx context.Context, src *domain.Source, capability llm.Capability, log infralogger.Logger) (*extractResult, error) {
	res, err := j.attempt(ctx, src, capability, false)
	if err == nil || !isSchemaFailure(err) {
		return res, err
	}

	log.Warn("extraction failed schema validation, retrying strict", infralogger.Error(err))
	res, err = j.attempt(ctx, src, capability, true)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (j *Job) attempt(ctx context.Context, src *domain.Source, capability llm.Capability, strict bool) (*extractResult, error) {
	req, truncated := buildRequest(src, j.cfg.MaxInputChars, strict)

	resp, err := capability.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("call capability: %w", err)
	}

	payload, raw, err := ParseJSON(resp.Text)
	if err != nil {
		return nil, err
	}
	if !payload.IsIrrelevant() {
		if err := payload.Validate(); err != nil {
			return nil, err
		}
	}

	return &extractResult{payload: payload, raw: raw, strict: strict, truncated: truncated, response: resp}, nil
}

func isSchemaFailure(err error) bool {
	var schemaErr *SchemaError
	return errors.As(err, &schemaErr) || errors.Is(err, ErrNoJSONObject) || isDecodeError(err)
}

func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

func (j *Job) buildWrite(src *domain.Source, res *extractResult, capability llm.Capability, replace bool, log infralogger.Logger) (*domain.ExtractionWrite, error) {
	p := res.payload
	loc := p.Location

	geoResult := j.geo.Validate(geo.Input{
		Latitude:       loc.Latitude,
		Longitude:      loc.Longitude,
		Country:        loc.Country,
		Admin1:         loc.Admin1,
		Admin2:         loc.Admin2,
		Locality:       loc.Locality,
		LocationText:   loc.Description,
		Classification: append([]string{p.EventType.Primary}, p.EventType.Secondary...),
		Confidence:     *p.Confidence.Geolocation,
	})
	for _, issue := range geoResult.Issues {
		j.telemetry.RecordGeoIssue(string(issue))
	}
	if !geoResult.Valid {
		log.Info("geolocation downgraded",
			infralogger.Any("issues", geoResult.Issues),
			infralogger.Float64("geo_confidence", geoResult.Confidence),
			infralogger.Bool("nullified", geoResult.Nullify),
		)
	}

	lat, lng := loc.Latitude, loc.Longitude
	if geoResult.Nullify {
		lat, lng = nil, nil
	}

	validation, err := json.Marshal(Validation{
		Geo:         geoResult,
		StrictRetry: res.strict,
		Truncated:   res.truncated,
		InputChars:  utf8.RuneCountInString(src.Body),
	})
	if err != nil {
		return nil, fmt.Errorf("encode validation: %w", err)
	}

	event := &domain.Event{
		ID:                   uuid.NewString(),
		Title:                strings.TrimSpace(p.Title),
		PrimaryType:          strings.ToLower(strings.TrimSpace(p.EventType.Primary)),
		SecondaryTypes:       normalizeTypes(p.EventType.Secondary),
		Severity:             *p.Severity,
		ExtractionConfidence: *p.Confidence.Extraction,
		GeoConfidence:        geoResult.Confidence,
		SummaryShort:         p.Summary.Short,
		SummaryLong:          p.Summary.Long,
		StartTime:            p.Temporal.StartTime(),
		EndTime:              p.Temporal.EndTime(),
		Ongoing:              p.Temporal.Ongoing,
		Country:              canonicalCountry(loc.Country),
		Admin1:               loc.Admin1,
		Admin2:               loc.Admin2,
		Locality:             loc.Locality,
		Latitude:             lat,
		Longitude:            lng,
		Status:               domain.EventStatusActive,
		SourceCount:          1,
	}

	model := capability.Model()
	if res.response.Model != "" {
		model = res.response.Model
	}

	return &domain.ExtractionWrite{
		Event: event,
		Extraction: &domain.Extraction{
			SourceID:   src.ID,
			EventID:    event.ID,
			Payload:    res.raw,
			Validation: validation,
			Provider:   capability.Provider(),
			Model:      model,
		},
		Replace: replace,
	}, nil
}

func (j *Job) record(log infralogger.Logger, outcome string) {
	j.telemetry.RecordExtraction(outcome)
	if outcome != OutcomeExtracted {
		log.Info("extraction finished", infralogger.String("outcome", outcome))
	}
}

func normalizeTypes(types []string) []string {
	out := make([]string, 0, len(types))
	for _, t := range types {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// canonicalCountry stores known countries by ISO code so that clustering
// compares "USA" and "United States" as equal.
func canonicalCountry(country string) string {
	if c, ok := geo.LookupCountry(country); ok {
		return c.Code
	}
	return strings.TrimSpace(country)
}
