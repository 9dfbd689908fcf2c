package match

import (
	"github.com/propmerge/internal/listing"
)

// Method names the tier that produced a match
type Method string

const (
	MethodCoordinatesExact       Method = "coordinates_exact"
	MethodHybrid                 Method = "hybrid"
	MethodAddressExact           Method = "address_exact"
	MethodAddressExactSuspicious Method = "address_exact_suspicious"
	MethodAddressFuzzy           Method = "address_fuzzy"
	MethodCoordinates            Method = "coordinates"
	MethodNone                   Method = "none"

	// MethodSingleSource tags a merged entity built from one record with no
	// cross-source match.
	MethodSingleSource Method = "single_source"
)

// Candidate is a scored pairing between a target and one record from a
// different source. Ephemeral: produced and consumed within one pass.
type Candidate struct {
	Record               listing.SourceRecord
	NormalizedAddress    string
	AddressExact         bool
	AddressSimilarity    float64
	DistanceMeters       float64
	CoordinateSimilarity float64
	JaroWinkler          float64
	Score                float64
	Method               Method
	Confidence           float64
}

// Matched reports whether the candidate passed a tier
func (c Candidate) Matched() bool {
	return c.Method != "" && c.Method != MethodNone
}

// Config holds the overridable matching thresholds
type Config struct {
	CoordinateTolerance    float64 `mapstructure:"coordinate_tolerance"`     // meters, tiers 2 and 5
	MaxCoordinateDistance  float64 `mapstructure:"max_coordinate_distance"`  // meters, coordinate-similarity scale
	FuzzyEnabled           bool    `mapstructure:"fuzzy_enabled"`
	FuzzyThreshold         float64 `mapstructure:"fuzzy_threshold"`
	MinConfidence          float64 `mapstructure:"min_confidence"`
	ExactCoordinateRadius  float64 `mapstructure:"exact_coordinate_radius"`  // meters, tier 1
	ExactCoordinateScore   float64 `mapstructure:"exact_coordinate_score"`
	AddressMismatchRadius  float64 `mapstructure:"address_mismatch_radius"`  // meters, tiers 3 and 4
	SuspiciousConfidence   float64 `mapstructure:"suspicious_confidence"`
	CoordinateOnlyMinScore float64 `mapstructure:"coordinate_only_min_score"` // tier 5
}

// DefaultConfig returns the recommended thresholds
func DefaultConfig() Config {
	return Config{
		CoordinateTolerance:    50,
		MaxCoordinateDistance:  100,
		FuzzyEnabled:           true,
		FuzzyThreshold:         0.8,
		MinConfidence:          0.7,
		ExactCoordinateRadius:  10,
		ExactCoordinateScore:   0.95,
		AddressMismatchRadius:  200,
		SuspiciousConfidence:   0.7,
		CoordinateOnlyMinScore: 0.8,
	}
}

// AcceptRadius is the widest distance at which a record with coordinates
// can still match a target with coordinates without sharing its exact
// normalized address. Candidate indexes must cover at least this radius.
func (c Config) AcceptRadius() float64 {
	return max(c.CoordinateTolerance, c.AddressMismatchRadius, c.ExactCoordinateRadius)
}
