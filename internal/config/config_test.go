package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.Empty(t, cfg.Validate())
	assert.InDelta(t, 1.0, cfg.Merge.QualityWeights.Sum(), 1e-9)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "propmerge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: postgres
  dsn: "host=db dbname=listings"
match:
  coordinate_tolerance: 75
  fuzzy_enabled: false
merge:
  field_thresholds:
    beds: 0.2
run:
  workers: 3
  region: nj
`), 0o644))

	t.Setenv("PROPMERGE_RUN_WORKERS", "6")
	t.Setenv("PROPMERGE_MERGE_PRICE_CONFLICT_THRESHOLD", "0.07")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "host=db dbname=listings", cfg.Database.DSN)
	assert.Equal(t, 75.0, cfg.Match.CoordinateTolerance)
	assert.False(t, cfg.Match.FuzzyEnabled)
	assert.Equal(t, 0.8, cfg.Match.FuzzyThreshold)
	assert.Equal(t, 0.2, cfg.Merge.FieldThresholds["beds"])
	assert.Equal(t, 0.02, cfg.Merge.FieldThresholds["year_built"])
	assert.Equal(t, 0.07, cfg.Merge.PriceConflictThreshold)
	assert.Equal(t, 6, cfg.Run.Workers)
	assert.Equal(t, "nj", cfg.Run.Region)
	assert.Equal(t, 0.85, cfg.Run.StatsDefaultConfidence)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateFallsBackToDefaults(t *testing.T) {
	cfg := Default()
	cfg.Match.FuzzyThreshold = 1.5
	cfg.Match.CoordinateTolerance = -1
	cfg.Merge.QualityWeights.Sources = 0.9
	cfg.Merge.FieldThresholds["baths"] = 0
	cfg.Run.Workers = 0
	cfg.Log.Format = "xml"

	warnings := cfg.Validate()
	assert.Len(t, warnings, 6)

	d := Default()
	assert.Equal(t, d.Match.FuzzyThreshold, cfg.Match.FuzzyThreshold)
	assert.Equal(t, d.Match.CoordinateTolerance, cfg.Match.CoordinateTolerance)
	assert.Equal(t, d.Merge.QualityWeights, cfg.Merge.QualityWeights)
	assert.Equal(t, 0.10, cfg.Merge.FieldThresholds["baths"])
	assert.Equal(t, d.Run.Workers, cfg.Run.Workers)
	assert.Equal(t, "console", cfg.Log.Format)

	assert.Empty(t, cfg.Validate())
}
