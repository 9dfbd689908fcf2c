package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/propmerge/internal/listing"
)

func TestRenderRunStats(t *testing.T) {
	out := renderRunStats([]listing.RunStats{{
		RunDate:       time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		Processed:     12,
		Merged:        10,
		Conflicts:     3,
		AvgQuality:    0.9125,
		AvgConfidence: 0.85,
		Elapsed:       1500 * time.Millisecond,
	}})
	assert.Contains(t, out, "2026-06-01")
	assert.Contains(t, out, "all")
	assert.Contains(t, out, "0.913")
	assert.Contains(t, out, "1.5s")
}

func TestRenderTablePadsShortRows(t *testing.T) {
	out := renderTable([]string{"A", "B"}, [][]string{{"x"}}, nil)
	assert.Contains(t, out, "x")
	assert.Empty(t, renderTable(nil, nil, nil))
}

func TestFormatFloat(t *testing.T) {
	v := 2.5
	assert.Equal(t, "2.5", formatFloat(&v))
	assert.Equal(t, "-", formatFloat(nil))
}
