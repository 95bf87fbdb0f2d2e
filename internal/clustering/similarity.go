package clustering

import (
	"math"

	"github.com/jonesrussell/north-cloud/incidents/internal/domain"
	"github.com/jonesrussell/north-cloud/incidents/internal/geo"
	"github.com/jonesrussell/north-cloud/incidents/internal/textnorm"
)

// Component weights. A component whose inputs are missing drops out of both
// the numerator and the denominator.
const (
	weightClassification = 0.2
	weightGeoDistance    = 0.3
	weightGeoAdmin       = 0.2
	weightTitle          = 0.25
	weightSummary        = 0.15
	weightTemporal       = 0.1

	temporalHorizonDays = 7.0
	minTokenLen         = 3
)

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "from": {}, "that": {}, "this": {},
	"was": {}, "were": {}, "are": {}, "has": {}, "have": {}, "had": {}, "been": {},
	"after": {}, "before": {}, "into": {}, "over": {}, "near": {}, "says": {},
	"said": {}, "will": {}, "its": {}, "their": {}, "they": {}, "but": {}, "not": {},
	"about": {}, "amid": {}, "than": {}, "more": {}, "new": {}, "report": {},
	"reports": {}, "reported": {}, "update": {}, "live": {},
}

// Tokens returns the distinct comparable words of s: folded, punctuation
// stripped, short words and stop words removed.
func Tokens(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range textnorm.Words(s) {
		if len([]rune(w)) < minTokenLen {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

// Jaccard is |a∩b| / |a∪b|, zero when both are empty.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	shared := 0
	for t := range a {
		if _, ok := b[t]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(a)+len(b)-shared)
}

// Similarity is a scored comparison of two events.
type Similarity struct {
	Score          float64  `json:"score"`
	Classification float64  `json:"classification"`
	Geo            *float64 `json:"geo,omitempty"`
	DistanceKm     *float64 `json:"distance_km,omitempty"`
	Title          float64  `json:"title"`
	Summary        float64  `json:"summary"`
	Temporal       *float64 `json:"temporal,omitempty"`
}

// Compare scores how likely a and b describe the same incident.
func Compare(a, b *domain.Event, maxDistanceKm float64) Similarity {
	var sim Similarity
	var sum, weights float64
	add := func(weight, value float64) {
		sum += weight * value
		weights += weight
	}

	if a.PrimaryType == b.PrimaryType {
		sim.Classification = 1
	}
	add(weightClassification, sim.Classification)

	switch {
	case a.HasCoordinates() && b.HasCoordinates():
		d := distanceKm(a, b)
		v := math.Max(0, 1-d/maxDistanceKm)
		sim.DistanceKm, sim.Geo = &d, &v
		add(weightGeoDistance, v)
	case a.Admin1 != "" && b.Admin1 != "":
		v := 0.0
		if sameAdmin(a.Admin1, b.Admin1) {
			v = 1
		}
		sim.Geo = &v
		add(weightGeoAdmin, v)
	}

	sim.Title = Jaccard(Tokens(a.Title), Tokens(b.Title))
	add(weightTitle, sim.Title)
	sim.Summary = Jaccard(Tokens(a.SummaryShort), Tokens(b.SummaryShort))
	add(weightSummary, sim.Summary)

	if a.StartTime != nil && b.StartTime != nil {
		days := math.Abs(a.StartTime.Sub(*b.StartTime).Hours()) / 24
		v := math.Max(0, 1-days/temporalHorizonDays)
		sim.Temporal = &v
		add(weightTemporal, v)
	}

	sim.Score = sum / weights
	return sim
}

func distanceKm(a, b *domain.Event) float64 {
	return geo.HaversineKm(
		geo.Point{Lat: *a.Latitude, Lng: *a.Longitude},
		geo.Point{Lat: *b.Latitude, Lng: *b.Longitude},
	)
}

func sameAdmin(a, b string) bool {
	return textnorm.Key(a) == textnorm.Key(b)
}
