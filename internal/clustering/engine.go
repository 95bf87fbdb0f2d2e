// Package clustering decides whether a new event describes an incident that
// is already known and, if so, merges it into the earlier event.
package clustering

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	infralogger "github.com/jonesrussell/north-cloud/incidents/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/incidents/internal/domain"
	"github.com/jonesrussell/north-cloud/incidents/internal/job"
	"github.com/jonesrussell/north-cloud/incidents/internal/telemetry"
)

// Defaults.
const (
	DefaultWindow          = 72 * time.Hour
	DefaultMaxCandidates   = 50
	DefaultMaxDistanceKm   = 50.0
	DefaultThreshold       = 0.70
	DefaultConfidenceBoost = 0.05
	DefaultConfidenceCap   = 0.98
)

// Outcome of clustering one event.
type Outcome string

const (
	OutcomeNew    Outcome = "new"
	OutcomeMerged Outcome = "merged"
)

// Config tunes candidate search, scoring and merging.
type Config struct {
	Window          time.Duration `env:"CLUSTERING_WINDOW"          yaml:"window"`
	MaxCandidates   int           `yaml:"max_candidates"`
	MaxDistanceKm   float64       `env:"CLUSTERING_MAX_DISTANCE_KM" yaml:"max_distance_km"`
	Threshold       float64       `env:"CLUSTERING_THRESHOLD"       yaml:"threshold"`
	ConfidenceBoost float64       `yaml:"confidence_boost"`
	ConfidenceCap   float64       `yaml:"confidence_cap"`
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.MaxCandidates <= 0 {
		c.MaxCandidates = DefaultMaxCandidates
	}
	if c.MaxDistanceKm <= 0 {
		c.MaxDistanceKm = DefaultMaxDistanceKm
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.ConfidenceBoost <= 0 {
		c.ConfidenceBoost = DefaultConfidenceBoost
	}
	if c.ConfidenceCap <= 0 {
		c.ConfidenceCap = DefaultConfidenceCap
	}
}

// ShouldMerge reports whether score clears the merge threshold.
func (c Config) ShouldMerge(score float64) bool {
	return score >= c.Threshold
}

// Result is the clustering decision for one event.
type Result struct {
	Outcome   Outcome
	PrimaryID string
	Absorbed  []string
	Score     float64
}

// Store is the persistence the engine needs.
type Store interface {
	GetEvent(ctx context.Context, id string) (*domain.Event, error)
	FindCandidates(ctx context.Context, q domain.CandidateQuery) ([]*domain.Event, error)
	// InMergeTx runs fn in one transaction, committing when it returns nil.
	InMergeTx(ctx context.Context, fn func(tx MergeTx) error) error
}

// MergeTx is the set of writes a merge makes, all inside one transaction.
type MergeTx interface {
	// LockEvents loads and row-locks the events, keyed by id.
	LockEvents(ctx context.Context, ids ...string) (map[string]*domain.Event, error)
	UpdateAggregates(ctx context.Context, e *domain.Event) error
	MoveSources(ctx context.Context, fromEventID, toEventID string) error
	MarkMerged(ctx context.Context, absorbedID, primaryID string) error
	// RepointMerged moves events merged into fromID over to toID.
	RepointMerged(ctx context.Context, fromID, toID string) (int64, error)
	InsertMerge(ctx context.Context, m *domain.EventMerge) error
}

// Engine clusters events.
type Engine struct {
	cfg       Config
	store     Store
	telemetry *telemetry.Provider
}

// NewEngine creates an engine.
func NewEngine(cfg Config, store Store, tp *telemetry.Provider) *Engine {
	cfg.SetDefaults()
	return &Engine{cfg: cfg, store: store, telemetry: tp}
}

// Handle is the consumer entry point for cluster_event jobs.
func (e *Engine) Handle(ctx context.Context, _ *job.Envelope, p job.ClusterPayload) error {
	_, err := e.Cluster(ctx, p.EventID)
	return err
}

// Cluster decides new-vs-duplicate for eventID and merges when the best
// candidate clears the threshold. Redelivery for an event that was already
// merged is a no-op.
func (e *Engine) Cluster(ctx context.Context, eventID string) (*Result, error) {
	log := infralogger.FromContext(ctx).With(infralogger.String("event_id", eventID))

	ev, err := e.store.GetEvent(ctx, eventID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NotFound("load event", "event "+eventID)
	}
	if err != nil {
		return nil, fmt.Errorf("load event: %w", err)
	}

	switch ev.Status {
	case domain.EventStatusMerged:
		log.Info("event already merged, skipping")
		e.telemetry.RecordClustering("already_merged", 0, false)
		return &Result{Outcome: OutcomeMerged, PrimaryID: deref(ev.MergedInto)}, nil
	case domain.EventStatusActive:
	default:
		log.Info("event not active, skipping", infralogger.String("status", string(ev.Status)))
		e.telemetry.RecordClustering("inactive", 0, false)
		return &Result{Outcome: OutcomeNew, PrimaryID: ev.ID}, nil
	}

	candidates, err := e.store.FindCandidates(ctx, domain.CandidateQuery{
		PrimaryType: ev.PrimaryType,
		Country:     ev.Country,
		From:        ev.CreatedAt.Add(-e.cfg.Window),
		To:          ev.CreatedAt,
		ExcludeID:   ev.ID,
		Limit:       e.cfg.MaxCandidates,
	})
	if err != nil {
		return nil, fmt.Errorf("find candidates: %w", err)
	}
	candidates = e.narrow(ev, candidates)

	best, sim, found := e.best(ev, candidates)
	if !found || !e.cfg.ShouldMerge(sim.Score) {
		log.Info("event kept distinct",
			infralogger.Int("candidates", len(candidates)),
			infralogger.Float64("best_score", sim.Score),
		)
		e.telemetry.RecordClustering(string(OutcomeNew), sim.Score, found)
		return &Result{Outcome: OutcomeNew, PrimaryID: ev.ID, Score: sim.Score}, nil
	}

	res, err := e.merge(ctx, ev, best, sim.Score)
	if err != nil {
		return nil, err
	}

	fields := []infralogger.Field{
		infralogger.String("primary_id", res.PrimaryID),
		infralogger.Float64("score", sim.Score),
		infralogger.Any("similarity", sim),
	}
	if len(res.Absorbed) > 0 {
		log.Info("events merged", append(fields, infralogger.Strings("absorbed", res.Absorbed))...)
	} else {
		log.Info("merge skipped, pair changed concurrently", fields...)
	}
	e.telemetry.RecordClustering(string(res.Outcome), sim.Score, true)
	return res, nil
}

// narrow drops candidates that are too far away. Candidates lacking the
// compared field are kept.
func (e *Engine) narrow(ev *domain.Event, candidates []*domain.Event) []*domain.Event {
	kept := candidates[:0:0]
	for _, c := range candidates {
		if c.ID == ev.ID {
			continue
		}
		if ev.HasCoordinates() {
			if !c.HasCoordinates() || distanceKm(ev, c) <= e.cfg.MaxDistanceKm {
				kept = append(kept, c)
			}
			continue
		}
		if ev.Admin1 == "" || c.Admin1 == "" || sameAdmin(ev.Admin1, c.Admin1) {
			kept = append(kept, c)
		}
	}
	return kept
}

// best returns the highest scoring candidate. Ties keep the earlier entry,
// which is the more recent event.
func (e *Engine) best(ev *domain.Event, candidates []*domain.Event) (*domain.Event, Similarity, bool) {
	var best *domain.Event
	var bestSim Similarity
	for _, c := range candidates {
		sim := Compare(ev, c, e.cfg.MaxDistanceKm)
		if best == nil || sim.Score > bestSim.Score {
			best, bestSim = c, sim
		}
	}
	return best, bestSim, best != nil
}

// maxLockRounds bounds how often a merge restarts to follow a primary that
// was merged away concurrently.
const maxLockRounds = 3

// errRelock rolls back a merge transaction whose lock set missed the current
// merge target.
var errRelock = errors.New("merge target not locked")

// merge folds the later event into the earlier one in a single transaction.
// Every row the merge touches is locked by one id-ordered statement, so a
// concurrent merge of either event is seen here rather than applied twice.
// When the primary turns out to be merged already, the transaction is rolled
// back and retried with the target added to the lock set.
func (e *Engine) merge(ctx context.Context, a, b *domain.Event, score float64) (*Result, error) {
	primaryID, absorbedID := orderByAge(a, b)
	lockIDs := []string{primaryID, absorbedID}

	for range maxLockRounds {
		res, retarget, err := e.mergeOnce(ctx, lockIDs, primaryID, absorbedID, score)
		if !errors.Is(err, errRelock) {
			return res, err
		}
		lockIDs = append(lockIDs, retarget)
	}
	return nil, domain.Transient("merge", fmt.Errorf("%w: primary %s kept moving", errRelock, primaryID))
}

func (e *Engine) mergeOnce(
	ctx context.Context,
	lockIDs []string,
	primaryID, absorbedID string,
	score float64,
) (res *Result, retarget string, err error) {
	err = e.store.InMergeTx(ctx, func(tx MergeTx) error {
		locked, lockErr := tx.LockEvents(ctx, lockIDs...)
		if lockErr != nil {
			return fmt.Errorf("lock events: %w", lockErr)
		}
		absorbed, primary := locked[absorbedID], locked[primaryID]
		if absorbed == nil || primary == nil {
			return domain.NotFound("lock events", "merge pair "+primaryID+"/"+absorbedID)
		}

		if !absorbed.IsActive() {
			res = noOpResult(absorbed)
			return nil
		}

		for hops := 0; primary != nil && primary.Status == domain.EventStatusMerged &&
			primary.MergedInto != nil && hops <= len(locked); hops++ {
			target := *primary.MergedInto
			next, ok := locked[target]
			if !ok {
				retarget = target
				return errRelock
			}
			primary = next
		}
		if primary == nil || !primary.IsActive() || primary.ID == absorbed.ID {
			res = &Result{Outcome: OutcomeNew, PrimaryID: absorbed.ID, Score: score}
			return nil
		}

		e.absorb(primary, absorbed)
		if err := tx.UpdateAggregates(ctx, primary); err != nil {
			return fmt.Errorf("update primary: %w", err)
		}
		if err := tx.MoveSources(ctx, absorbed.ID, primary.ID); err != nil {
			return fmt.Errorf("move sources: %w", err)
		}
		if err := tx.MarkMerged(ctx, absorbed.ID, primary.ID); err != nil {
			return fmt.Errorf("mark merged: %w", err)
		}
		if _, err := tx.RepointMerged(ctx, absorbed.ID, primary.ID); err != nil {
			return fmt.Errorf("repoint merged events: %w", err)
		}
		if err := tx.InsertMerge(ctx, &domain.EventMerge{
			PrimaryEventID:  primary.ID,
			MergedEventID:   absorbed.ID,
			SimilarityScore: score,
		}); err != nil {
			return fmt.Errorf("insert merge audit: %w", err)
		}

		res = &Result{Outcome: OutcomeMerged, PrimaryID: primary.ID, Absorbed: []string{absorbed.ID}, Score: score}
		return nil
	})
	if err != nil {
		return nil, retarget, err
	}
	return res, "", nil
}

// absorb applies the merge to primary's aggregates.
func (e *Engine) absorb(primary, absorbed *domain.Event) {
	boosted := math.Min(e.cfg.ConfidenceCap,
		primary.ExtractionConfidence+float64(absorbed.SourceCount)*e.cfg.ConfidenceBoost)
	primary.ExtractionConfidence = math.Max(primary.ExtractionConfidence, boosted)
	primary.SourceCount += absorbed.SourceCount
	primary.Severity = max(primary.Severity, absorbed.Severity)
}

// orderByAge returns (earlier, later) ids, breaking ties by id.
func orderByAge(a, b *domain.Event) (string, string) {
	if b.CreatedAt.Before(a.CreatedAt) || (b.CreatedAt.Equal(a.CreatedAt) && b.ID < a.ID) {
		return b.ID, a.ID
	}
	return a.ID, b.ID
}

func noOpResult(absorbed *domain.Event) *Result {
	if absorbed.Status == domain.EventStatusMerged {
		return &Result{Outcome: OutcomeMerged, PrimaryID: deref(absorbed.MergedInto)}
	}
	return &Result{Outcome: OutcomeNew, PrimaryID: absorbed.ID}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
