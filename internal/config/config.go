// Package config loads the merge engine's settings from defaults, an
// optional YAML file, a .env file and PROPMERGE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/propmerge/internal/match"
	"github.com/propmerge/internal/merge"
)

// EnvPrefix prefixes every environment override, e.g. PROPMERGE_RUN_WORKERS
const EnvPrefix = "PROPMERGE"

// Config is the complete runtime configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Match    match.Config   `mapstructure:"match"`
	Merge    merge.Config   `mapstructure:"merge"`
	Run      RunConfig      `mapstructure:"run"`
	Log      LogConfig      `mapstructure:"log"`
}

// DatabaseConfig selects the store backend
type DatabaseConfig struct {
	Driver         string `mapstructure:"driver"` // "postgres" or "sqlite"
	DSN            string `mapstructure:"dsn"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// ServerConfig holds HTTP API settings
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// APIKey guards /api when set
	APIKey string `mapstructure:"api_key"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RunConfig controls a merge pass
type RunConfig struct {
	Workers int    `mapstructure:"workers"`
	Region  string `mapstructure:"region"`
	// Reported as run averages when a pass merged nothing
	StatsDefaultQuality    float64 `mapstructure:"stats_default_quality"`
	StatsDefaultConfidence float64 `mapstructure:"stats_default_confidence"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			Driver:         "sqlite",
			DSN:            "propmerge.db",
			MaxConnections: 20,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Match: match.DefaultConfig(),
		Merge: merge.DefaultConfig(),
		Run: RunConfig{
			Workers:                runtime.NumCPU(),
			StatsDefaultQuality:    0.8,
			StatsDefaultConfidence: 0.85,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads .env (if present) and then configPath, or config.yaml in the
// working directory when configPath is empty. A missing default file is not
// an error. Environment variables override both.
func Load(configPath string) (*Config, error) {
	for _, envFile := range []string{".env", ".env.local"} {
		_ = godotenv.Load(envFile)
	}

	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, Default())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.max_connections", d.Database.MaxConnections)

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.api_key", d.Server.APIKey)

	v.SetDefault("match.coordinate_tolerance", d.Match.CoordinateTolerance)
	v.SetDefault("match.max_coordinate_distance", d.Match.MaxCoordinateDistance)
	v.SetDefault("match.fuzzy_enabled", d.Match.FuzzyEnabled)
	v.SetDefault("match.fuzzy_threshold", d.Match.FuzzyThreshold)
	v.SetDefault("match.min_confidence", d.Match.MinConfidence)
	v.SetDefault("match.exact_coordinate_radius", d.Match.ExactCoordinateRadius)
	v.SetDefault("match.exact_coordinate_score", d.Match.ExactCoordinateScore)
	v.SetDefault("match.address_mismatch_radius", d.Match.AddressMismatchRadius)
	v.SetDefault("match.suspicious_confidence", d.Match.SuspiciousConfidence)
	v.SetDefault("match.coordinate_only_min_score", d.Match.CoordinateOnlyMinScore)

	v.SetDefault("merge.price_conflict_threshold", d.Merge.PriceConflictThreshold)
	for field, t := range d.Merge.FieldThresholds {
		v.SetDefault("merge.field_thresholds."+field, t)
	}
	v.SetDefault("merge.quality_weights.sources", d.Merge.QualityWeights.Sources)
	v.SetDefault("merge.quality_weights.confidence", d.Merge.QualityWeights.Confidence)
	v.SetDefault("merge.quality_weights.conflicts", d.Merge.QualityWeights.Conflicts)
	v.SetDefault("merge.default_match_confidence", d.Merge.DefaultMatchConfidence)

	v.SetDefault("run.workers", d.Run.Workers)
	v.SetDefault("run.region", d.Run.Region)
	v.SetDefault("run.stats_default_quality", d.Run.StatsDefaultQuality)
	v.SetDefault("run.stats_default_confidence", d.Run.StatsDefaultConfidence)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Validate checks ranges and resets every invalid value to its default.
// It never fails; each correction is returned as a warning.
func (c *Config) Validate() []string {
	d := Default()
	var warnings []string
	warn := func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	}

	unit := func(name string, p *float64, def float64) {
		if math.IsNaN(*p) || *p < 0 || *p > 1 {
			warn("%s=%v outside [0,1], using %v", name, *p, def)
			*p = def
		}
	}
	positive := func(name string, p *float64, def float64) {
		if math.IsNaN(*p) || *p <= 0 {
			warn("%s=%v must be positive, using %v", name, *p, def)
			*p = def
		}
	}

	positive("match.coordinate_tolerance", &c.Match.CoordinateTolerance, d.Match.CoordinateTolerance)
	positive("match.max_coordinate_distance", &c.Match.MaxCoordinateDistance, d.Match.MaxCoordinateDistance)
	positive("match.exact_coordinate_radius", &c.Match.ExactCoordinateRadius, d.Match.ExactCoordinateRadius)
	positive("match.address_mismatch_radius", &c.Match.AddressMismatchRadius, d.Match.AddressMismatchRadius)
	unit("match.fuzzy_threshold", &c.Match.FuzzyThreshold, d.Match.FuzzyThreshold)
	unit("match.min_confidence", &c.Match.MinConfidence, d.Match.MinConfidence)
	unit("match.exact_coordinate_score", &c.Match.ExactCoordinateScore, d.Match.ExactCoordinateScore)
	unit("match.suspicious_confidence", &c.Match.SuspiciousConfidence, d.Match.SuspiciousConfidence)
	unit("match.coordinate_only_min_score", &c.Match.CoordinateOnlyMinScore, d.Match.CoordinateOnlyMinScore)

	positive("merge.price_conflict_threshold", &c.Merge.PriceConflictThreshold, d.Merge.PriceConflictThreshold)
	for field, t := range c.Merge.FieldThresholds {
		if math.IsNaN(t) || t <= 0 {
			def, ok := d.Merge.FieldThresholds[field]
			if !ok {
				def = c.Merge.PriceConflictThreshold
			}
			warn("merge.field_thresholds.%s=%v must be positive, using %v", field, t, def)
			c.Merge.FieldThresholds[field] = def
		}
	}
	unit("merge.default_match_confidence", &c.Merge.DefaultMatchConfidence, d.Merge.DefaultMatchConfidence)

	w := c.Merge.QualityWeights
	if w.Sources < 0 || w.Confidence < 0 || w.Conflicts < 0 || math.Abs(w.Sum()-1.0) > 1e-6 {
		warn("merge.quality_weights sum to %v, must be non-negative and sum to 1.0; using defaults", w.Sum())
		c.Merge.QualityWeights = d.Merge.QualityWeights
	}

	if c.Run.Workers < 1 {
		warn("run.workers=%d must be at least 1, using %d", c.Run.Workers, d.Run.Workers)
		c.Run.Workers = d.Run.Workers
	}
	unit("run.stats_default_quality", &c.Run.StatsDefaultQuality, d.Run.StatsDefaultQuality)
	unit("run.stats_default_confidence", &c.Run.StatsDefaultConfidence, d.Run.StatsDefaultConfidence)

	switch strings.ToLower(c.Log.Format) {
	case "console", "text", "json":
	default:
		warn("log.format=%q unknown, using %q", c.Log.Format, d.Log.Format)
		c.Log.Format = d.Log.Format
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		warn("server.port=%d invalid, using %d", c.Server.Port, d.Server.Port)
		c.Server.Port = d.Server.Port
	}
	return warnings
}
