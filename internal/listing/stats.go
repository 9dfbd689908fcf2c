package listing

import "time"

// RunStats aggregates the counters of one merge pass. One row is kept per
// run date; a second run on the same day replaces it.
type RunStats struct {
	RunDate         time.Time      `json:"run_date"`
	Region          string         `json:"region"`
	Processed       int            `json:"processed"`
	Merged          int            `json:"merged"`
	Inserted        int            `json:"inserted"`
	Updated         int            `json:"updated"`
	Unchanged       int            `json:"unchanged"`
	Skipped         int            `json:"skipped"`
	Conflicts       int            `json:"conflicts"`
	Errors          int            `json:"errors"`
	MatchesByMethod map[string]int `json:"matches_by_method"`
	Elapsed         time.Duration  `json:"elapsed_ns"`
	AvgQuality      float64        `json:"avg_quality"`
	AvgConfidence   float64        `json:"avg_confidence"`
}

// RunDateOf truncates t to its UTC calendar day
func RunDateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
