package merge

import "math"

// QualityScore combines source coverage, match confidence and conflict
// load into [0,1]. A nil confidence uses the configured default.
func QualityScore(cfg Config, sourceCount int, confidence *float64, conflictCount int) float64 {
	coverage := math.Min(float64(sourceCount)/3.0, 1.0)

	conf := cfg.DefaultMatchConfidence
	if confidence != nil {
		conf = *confidence
	}

	consistency := math.Max(0, 1.0-float64(conflictCount)/5.0)

	w := cfg.QualityWeights
	score := w.Sources*coverage + w.Confidence*conf + w.Conflicts*consistency
	return math.Max(0, math.Min(1, score))
}
