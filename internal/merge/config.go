package merge

// QualityWeights weigh the three quality-score components. They must sum to 1.0.
type QualityWeights struct {
	Sources    float64 `mapstructure:"sources"`
	Confidence float64 `mapstructure:"confidence"`
	Conflicts  float64 `mapstructure:"conflicts"`
}

// Sum returns the total weight
func (w QualityWeights) Sum() float64 {
	return w.Sources + w.Confidence + w.Conflicts
}

// Config holds the merge thresholds
type Config struct {
	// PriceConflictThreshold is the relative spread above which price-like
	// fields (and any field without its own threshold) record a conflict.
	PriceConflictThreshold float64            `mapstructure:"price_conflict_threshold"`
	FieldThresholds        map[string]float64 `mapstructure:"field_thresholds"`
	QualityWeights         QualityWeights     `mapstructure:"quality_weights"`
	DefaultMatchConfidence float64            `mapstructure:"default_match_confidence"`
}

// DefaultConfig returns the standard merge thresholds
func DefaultConfig() Config {
	return Config{
		PriceConflictThreshold: 0.05,
		FieldThresholds:        DefaultFieldThresholds(),
		QualityWeights: QualityWeights{
			Sources:    0.4,
			Confidence: 0.4,
			Conflicts:  0.2,
		},
		DefaultMatchConfidence: 0.8,
	}
}

// DefaultFieldThresholds are the field-specific conflict thresholds:
// 10% for room counts and living area, 2% for year built.
func DefaultFieldThresholds() map[string]float64 {
	return map[string]float64{
		FieldBeds:      0.10,
		FieldBaths:     0.10,
		FieldArea:      0.10,
		FieldYearBuilt: 0.02,
	}
}

// Threshold returns the conflict threshold for field
func (c Config) Threshold(field string) float64 {
	if t, ok := c.FieldThresholds[field]; ok && t > 0 {
		return t
	}
	return c.PriceConflictThreshold
}
