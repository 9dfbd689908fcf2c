package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
)

// Options describe how to reach the database
type Options struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// Open opens and pings a database handle with pool settings applied.
// SQLite handles get WAL and a busy timeout.
func Open(ctx context.Context, opts Options) (*sql.DB, error) {
	d, err := dialectFor(opts.Driver)
	if err != nil {
		return nil, err
	}

	dsn := opts.DSN
	if dsn == "" && d.name == DriverPostgres {
		dsn = PostgresDSNFromEnv()
	}
	if dsn == "" {
		return nil, fmt.Errorf("no dsn configured for %s", d.name)
	}

	db, err := sql.Open(d.name, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if d.name == DriverSQLite {
		// one writer, and pragmas are per connection
		db.SetMaxOpenConns(1)
		pragmas := []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout = 5000",
		}
		for _, pragma := range pragmas {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
			}
		}
	} else {
		maxOpen := opts.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = 20
		}
		maxIdle := opts.MaxIdleConns
		if maxIdle <= 0 {
			maxIdle = maxOpen / 2
		}
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxIdle)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// PostgresDSNFromEnv builds a DSN from the standard PG* variables
func PostgresDSNFromEnv() string {
	host := getEnvOrDefault("PGHOST", "localhost")
	port := getEnvOrDefault("PGPORT", "5432")
	user := getEnvOrDefault("PGUSER", "postgres")
	password := getEnvOrDefault("PGPASSWORD", "")
	dbname := getEnvOrDefault("PGDATABASE", "propmerge")
	sslmode := getEnvOrDefault("PGSSLMODE", "disable")

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s", host, port, user, dbname, sslmode)
	if password != "" {
		dsn += " password=" + password
	}
	return dsn
}

// getEnvOrDefault returns environment variable or default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
