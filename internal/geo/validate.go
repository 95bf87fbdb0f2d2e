// Package geo checks extracted coordinates against the claimed
// administrative location and scores how far they can be trusted.
package geo

import (
	"math"
)

// Issue identifies one geolocation problem.
type Issue string

// Issues reported by Validate.
const (
	IssueOutOfRange      Issue = "out_of_range"
	IssueAxisSwap        Issue = "axis_swap"
	IssueUnknownCountry  Issue = "unknown_country"
	IssueOutsideCountry  Issue = "outside_country"
	IssueSevereMismatch  Issue = "severe_mismatch"
	IssueOpenOcean       Issue = "open_ocean"
	IssueMissingLocation Issue = "no_coordinates"
)

// Default validation constants.
const (
	DefaultNoCoordinateConfidence = 0.5
	DefaultBufferDegrees          = 0.5
	DefaultSevereOffsetDegrees    = 30.0
	DefaultOutsidePenalty         = 0.5
	DefaultSeverePenalty          = 0.2
	DefaultOpenOceanPenalty       = 0.7
	DefaultMinConfidence          = 0.05
)

// Config holds validation thresholds and penalty multipliers.
type Config struct {
	NoCoordinateConfidence float64  `yaml:"no_coordinate_confidence"`
	BufferDegrees          float64  `yaml:"buffer_degrees"`
	SevereOffsetDegrees    float64  `yaml:"severe_offset_degrees"`
	OutsidePenalty         float64  `yaml:"outside_penalty"`
	SeverePenalty          float64  `yaml:"severe_penalty"`
	OpenOceanPenalty       float64  `yaml:"open_ocean_penalty"`
	MinConfidence          float64  `yaml:"min_confidence"`
	MarineKeywords         []string `yaml:"marine_keywords"`
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.NoCoordinateConfidence <= 0 {
		c.NoCoordinateConfidence = DefaultNoCoordinateConfidence
	}
	if c.BufferDegrees <= 0 {
		c.BufferDegrees = DefaultBufferDegrees
	}
	if c.SevereOffsetDegrees <= 0 {
		c.SevereOffsetDegrees = DefaultSevereOffsetDegrees
	}
	if c.OutsidePenalty <= 0 {
		c.OutsidePenalty = DefaultOutsidePenalty
	}
	if c.SeverePenalty <= 0 {
		c.SeverePenalty = DefaultSeverePenalty
	}
	if c.OpenOceanPenalty <= 0 {
		c.OpenOceanPenalty = DefaultOpenOceanPenalty
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = DefaultMinConfidence
	}
	if len(c.MarineKeywords) == 0 {
		c.MarineKeywords = DefaultMarineKeywords
	}
}

// Input is the location part of an extracted event.
type Input struct {
	Latitude  *float64
	Longitude *float64
	Country   string
	Admin1    string
	Admin2    string
	Locality  string
	// LocationText is the free-text location description.
	LocationText string
	// Classification holds the primary and secondary event types.
	Classification []string
	// Confidence is the extractor's own geolocation confidence.
	Confidence float64
}

// Result is the outcome of validating an Input.
type Result struct {
	Valid      bool    `json:"valid"`
	Confidence float64 `json:"confidence"`
	Issues     []Issue `json:"issues,omitempty"`
	// Nullify asks the caller to clear the coordinates.
	Nullify bool `json:"nullify"`
	// SuggestedSwap holds the coordinates with axes exchanged.
	SuggestedSwap *Point `json:"suggested_swap,omitempty"`
	// SuggestedCentroid is the claimed country's box center.
	SuggestedCentroid *Point `json:"suggested_centroid,omitempty"`
}

// Has reports whether issue was found.
func (r Result) Has(issue Issue) bool {
	for _, i := range r.Issues {
		if i == issue {
			return true
		}
	}
	return false
}

// Validator scores coordinates against country boxes and marine context.
type Validator struct {
	cfg    Config
	marine *MarineMatcher
}

// NewValidator creates a validator with cfg, defaults applied.
func NewValidator(cfg Config) *Validator {
	cfg.SetDefaults()
	return &Validator{cfg: cfg, marine: NewMarineMatcher(cfg.MarineKeywords)}
}

// Validate checks in and returns the adjusted confidence. Confidence never
// exceeds in.Confidence and only a rejected point scores zero.
func (v *Validator) Validate(in Input) Result {
	base := clampUnit(in.Confidence)

	if in.Latitude == nil || in.Longitude == nil {
		return Result{
			Valid:      true,
			Confidence: math.Min(base, v.cfg.NoCoordinateConfidence),
			Issues:     []Issue{IssueMissingLocation},
		}
	}

	lat, lng := *in.Latitude, *in.Longitude
	if !inRange(lat, lng) {
		res := Result{Confidence: 0, Nullify: true, Issues: []Issue{IssueOutOfRange}}
		if math.Abs(lat) > 90 && math.Abs(lng) <= 90 {
			res.Issues = append(res.Issues, IssueAxisSwap)
			res.SuggestedSwap = &Point{Lat: lng, Lng: lat}
		}
		return res
	}

	res := Result{Valid: true}
	confidence := base

	if country, ok := LookupCountry(in.Country); ok {
		if !country.Box.Contains(lat, lng, v.cfg.BufferDegrees) {
			res.Valid = false
			center := country.Box.Center()
			res.SuggestedCentroid = &center
			if country.Box.Offset(lat, lng) > v.cfg.SevereOffsetDegrees {
				res.Issues = append(res.Issues, IssueOutsideCountry, IssueSevereMismatch)
				confidence *= v.cfg.SeverePenalty
			} else {
				res.Issues = append(res.Issues, IssueOutsideCountry)
				confidence *= v.cfg.OutsidePenalty
			}
		}
	} else if in.Country != "" {
		res.Issues = append(res.Issues, IssueUnknownCountry)
	}

	if !OnLand(lat, lng, v.cfg.BufferDegrees) && !v.marineContext(in) {
		res.Valid = false
		res.Issues = append(res.Issues, IssueOpenOcean)
		confidence *= v.cfg.OpenOceanPenalty
	}

	res.Confidence = math.Max(confidence, math.Min(base, v.cfg.MinConfidence))
	return res
}

func (v *Validator) marineContext(in Input) bool {
	texts := make([]string, 0, len(in.Classification)+4)
	texts = append(texts, in.Classification...)
	texts = append(texts, in.LocationText, in.Locality, in.Admin2, in.Admin1)
	return v.marine.Matches(texts...)
}

func inRange(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

func clampUnit(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}
