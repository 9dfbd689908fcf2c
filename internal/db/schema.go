package db

import (
	"context"
	"fmt"
)

// migrations are applied in order; every statement is idempotent
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS source_listings (
		source      TEXT NOT NULL,
		source_id   TEXT NOT NULL,
		address     TEXT NOT NULL DEFAULT '',
		street      TEXT NOT NULL DEFAULT '',
		region      TEXT NOT NULL DEFAULT '',
		latitude    {float},
		longitude   {float},
		attributes  {json},
		updated_at  {time},
		PRIMARY KEY (source, source_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_source_listings_region ON source_listings (region)`,

	`CREATE TABLE IF NOT EXISTS merged_properties (
		id                  TEXT PRIMARY KEY,
		normalized_address  TEXT NOT NULL UNIQUE,
		region              TEXT NOT NULL DEFAULT '',
		zillow_id           TEXT,
		redfin_id           TEXT,
		realtor_id          TEXT,
		source_count        INTEGER NOT NULL DEFAULT 0,
		latitude            {float},
		longitude           {float},
		price               {float},
		last_sold_price     {float},
		beds                {float},
		baths               {float},
		area                {float},
		lot_size            {float},
		year_built          INTEGER,
		zestimate           {float},
		rent_zestimate      {float},
		redfin_estimate     {float},
		property_type       TEXT NOT NULL DEFAULT '',
		status              TEXT NOT NULL DEFAULT '',
		zillow_overview     TEXT NOT NULL DEFAULT '',
		redfin_overview     TEXT NOT NULL DEFAULT '',
		realtor_overview    TEXT NOT NULL DEFAULT '',
		data_conflicts      {json},
		conflict_count      INTEGER NOT NULL DEFAULT 0,
		has_price_conflicts BOOLEAN NOT NULL DEFAULT FALSE,
		has_size_conflicts  BOOLEAN NOT NULL DEFAULT FALSE,
		quality_score       {float} NOT NULL DEFAULT 0,
		match_method        TEXT NOT NULL DEFAULT '',
		match_confidence    {float},
		field_sources       {json},
		changed_fields      {json},
		last_change_reason  TEXT NOT NULL DEFAULT '',
		created_at          {time},
		updated_at          {time},
		last_merged_at      {time}
	)`,
	`CREATE INDEX IF NOT EXISTS idx_merged_properties_region ON merged_properties (region)`,
	`CREATE INDEX IF NOT EXISTS idx_merged_properties_conflicts ON merged_properties (conflict_count)`,

	`CREATE TABLE IF NOT EXISTS merged_property_changes (
		change_id   {serial},
		property_id TEXT NOT NULL REFERENCES merged_properties (id) ON DELETE CASCADE,
		field       TEXT NOT NULL,
		old_value   {json},
		new_value   {json},
		source      TEXT NOT NULL DEFAULT '',
		reason      TEXT NOT NULL DEFAULT '',
		changed_at  {time}
	)`,
	`CREATE INDEX IF NOT EXISTS idx_merged_property_changes_property ON merged_property_changes (property_id)`,

	`CREATE TABLE IF NOT EXISTS merge_run_stats (
		run_date          TEXT PRIMARY KEY,
		region            TEXT NOT NULL DEFAULT '',
		processed         INTEGER NOT NULL DEFAULT 0,
		merged            INTEGER NOT NULL DEFAULT 0,
		inserted          INTEGER NOT NULL DEFAULT 0,
		updated           INTEGER NOT NULL DEFAULT 0,
		unchanged         INTEGER NOT NULL DEFAULT 0,
		skipped           INTEGER NOT NULL DEFAULT 0,
		conflicts         INTEGER NOT NULL DEFAULT 0,
		errors            INTEGER NOT NULL DEFAULT 0,
		matches_by_method {json},
		elapsed_ms        BIGINT NOT NULL DEFAULT 0,
		avg_quality       {float} NOT NULL DEFAULT 0,
		avg_confidence    {float} NOT NULL DEFAULT 0
	)`,
}

// Migrate creates the tables the store needs
func (s *Store) Migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range migrations {
		if _, err := tx.ExecContext(ctx, s.d.expand(stmt)); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}
