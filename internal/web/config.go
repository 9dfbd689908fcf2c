package web

import (
	"time"

	"github.com/propmerge/internal/config"
)

// Config represents the web server configuration
type Config struct {
	Addr   string
	APIKey string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:8080",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    5 * time.Minute, // POST /api/runs blocks for a whole pass
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// ConfigFrom takes the listen address and API key from the application config
func ConfigFrom(c config.ServerConfig) Config {
	cfg := DefaultConfig()
	cfg.Addr = c.Addr()
	cfg.APIKey = c.APIKey
	return cfg
}
