// Package db is the SQL implementation of the store port. It speaks
// PostgreSQL through lib/pq and SQLite through modernc.org/sqlite.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/propmerge/internal/listing"
	"github.com/propmerge/internal/store"
)

// Store persists listings, merged properties and run statistics
type Store struct {
	db *sql.DB
	d  dialect
}

var _ store.Store = (*Store)(nil)

// New wraps an open handle. driver selects the SQL dialect.
func New(db *sql.DB, driver string) (*Store, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, d: d}, nil
}

// OpenStore opens the database described by opts
func OpenStore(ctx context.Context, opts Options) (*Store, error) {
	db, err := Open(ctx, opts)
	if err != nil {
		return nil, err
	}
	s, err := New(db, opts.Driver)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.d.rebind(q), args...)
}

func (s *Store) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.d.rebind(q), args...)
}

func (s *Store) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.d.rebind(q), args...)
}

// Source listings

func (s *Store) LoadSources(ctx context.Context, region string) (listing.Pools, error) {
	q := `SELECT source, source_id, address, street, region, latitude, longitude, attributes, updated_at
		FROM source_listings`
	var args []any
	if region != "" {
		q += ` WHERE region = $1`
		args = append(args, region)
	}
	q += ` ORDER BY source, source_id`

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query source listings: %w", err)
	}
	defer rows.Close()

	pools := make(listing.Pools)
	for rows.Next() {
		var (
			rec      listing.SourceRecord
			src      string
			lat, lon sql.Null[float64]
			attrs    []byte
		)
		if err := rows.Scan(&src, &rec.ID, &rec.Address, &rec.Street, &rec.Region,
			&lat, &lon, jsonText{&attrs}, timestamp{&rec.UpdatedAt}); err != nil {
			return nil, fmt.Errorf("failed to scan source listing: %w", err)
		}
		rec.Source = listing.Source(src)
		rec.Latitude = nullFloat(lat)
		rec.Longitude = nullFloat(lon)
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &rec.Attributes); err != nil {
				return nil, fmt.Errorf("decode attributes of %s/%s: %w", src, rec.ID, err)
			}
		}
		pools[rec.Source] = append(pools[rec.Source], rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read source listings: %w", err)
	}
	return pools, nil
}

func (s *Store) SaveSources(ctx context.Context, recs []listing.SourceRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.d.rebind(`
		INSERT INTO source_listings (
			source, source_id, address, street, region, latitude, longitude, attributes, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (source, source_id) DO UPDATE SET
			address = EXCLUDED.address,
			street = EXCLUDED.street,
			region = EXCLUDED.region,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			attributes = EXCLUDED.attributes,
			updated_at = EXCLUDED.updated_at
	`))
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, rec := range recs {
		if !rec.Source.Valid() {
			return fmt.Errorf("save source %q/%s: unknown source", rec.Source, rec.ID)
		}
		attrs, err := marshalJSON(rec.Attributes)
		if err != nil {
			return fmt.Errorf("encode attributes of %s/%s: %w", rec.Source, rec.ID, err)
		}
		updated := rec.UpdatedAt
		if updated.IsZero() {
			updated = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, string(rec.Source), rec.ID, rec.Address, rec.Street, rec.Region,
			orNull(rec.Latitude), orNull(rec.Longitude), attrs, s.d.timeArg(updated)); err != nil {
			return fmt.Errorf("failed to insert %s/%s: %w", rec.Source, rec.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Merged properties

var mergedColumns = []string{
	"id", "normalized_address", "region",
	"zillow_id", "redfin_id", "realtor_id", "source_count",
	"latitude", "longitude",
	"price", "last_sold_price", "beds", "baths", "area", "lot_size", "year_built",
	"zestimate", "rent_zestimate", "redfin_estimate",
	"property_type", "status",
	"zillow_overview", "redfin_overview", "realtor_overview",
	"data_conflicts", "conflict_count", "has_price_conflicts", "has_size_conflicts",
	"quality_score", "match_method", "match_confidence",
	"field_sources", "changed_fields", "last_change_reason",
	"created_at", "updated_at", "last_merged_at",
}

var selectMerged = `SELECT ` + strings.Join(mergedColumns, ", ") + ` FROM merged_properties`

func (s *Store) mergedArgs(e *listing.MergedEntity) ([]any, error) {
	conflicts, err := marshalJSON(e.DataConflicts)
	if err != nil {
		return nil, fmt.Errorf("encode data_conflicts: %w", err)
	}
	fieldSources, err := marshalJSON(e.FieldSources)
	if err != nil {
		return nil, fmt.Errorf("encode field_sources: %w", err)
	}
	changed, err := marshalJSON(e.ChangedFields)
	if err != nil {
		return nil, fmt.Errorf("encode changed_fields: %w", err)
	}
	return []any{
		e.ID, e.NormalizedAddress, e.Region,
		orNull(e.ZillowID), orNull(e.RedfinID), orNull(e.RealtorID), e.SourceCount,
		orNull(e.Latitude), orNull(e.Longitude),
		orNull(e.Price), orNull(e.LastSoldPrice), orNull(e.Beds), orNull(e.Baths),
		orNull(e.Area), orNull(e.LotSize), orNull(e.YearBuilt),
		orNull(e.Zestimate), orNull(e.RentZestimate), orNull(e.RedfinEstimate),
		e.PropertyType, e.Status,
		e.ZillowOverview, e.RedfinOverview, e.RealtorOverview,
		conflicts, e.ConflictCount, e.HasPriceConflicts, e.HasSizeConflicts,
		e.QualityScore, e.MatchMethod, orNull(e.MatchConfidence),
		fieldSources, changed, e.LastChangeReason,
		s.d.timeArg(e.CreatedAt), s.d.timeArg(e.UpdatedAt), s.d.timeArg(e.LastMergedAt),
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMerged(row rowScanner) (*listing.MergedEntity, error) {
	var (
		e                                        listing.MergedEntity
		zillowID, redfinID, realtorID            sql.NullString
		lat, lon, price, lastSold, beds, baths   sql.Null[float64]
		area, lot, zest, rentZest, redfinEst, mc sql.Null[float64]
		yearBuilt                                sql.Null[int64]
		conflicts, fieldSources, changed         []byte
	)
	err := row.Scan(
		&e.ID, &e.NormalizedAddress, &e.Region,
		&zillowID, &redfinID, &realtorID, &e.SourceCount,
		&lat, &lon,
		&price, &lastSold, &beds, &baths, &area, &lot, &yearBuilt,
		&zest, &rentZest, &redfinEst,
		&e.PropertyType, &e.Status,
		&e.ZillowOverview, &e.RedfinOverview, &e.RealtorOverview,
		jsonText{&conflicts}, &e.ConflictCount, &e.HasPriceConflicts, &e.HasSizeConflicts,
		&e.QualityScore, &e.MatchMethod, &mc,
		jsonText{&fieldSources}, jsonText{&changed}, &e.LastChangeReason,
		timestamp{&e.CreatedAt}, timestamp{&e.UpdatedAt}, timestamp{&e.LastMergedAt},
	)
	if err != nil {
		return nil, err
	}

	e.ZillowID = nullString(zillowID)
	e.RedfinID = nullString(redfinID)
	e.RealtorID = nullString(realtorID)
	e.Latitude, e.Longitude = nullFloat(lat), nullFloat(lon)
	e.Price, e.LastSoldPrice = nullFloat(price), nullFloat(lastSold)
	e.Beds, e.Baths, e.Area, e.LotSize = nullFloat(beds), nullFloat(baths), nullFloat(area), nullFloat(lot)
	e.Zestimate, e.RentZestimate, e.RedfinEstimate = nullFloat(zest), nullFloat(rentZest), nullFloat(redfinEst)
	e.MatchConfidence = nullFloat(mc)
	if yearBuilt.Valid {
		y := int(yearBuilt.V)
		e.YearBuilt = &y
	}

	if err := unmarshalJSON(conflicts, &e.DataConflicts); err != nil {
		return nil, fmt.Errorf("decode data_conflicts: %w", err)
	}
	if err := unmarshalJSON(fieldSources, &e.FieldSources); err != nil {
		return nil, fmt.Errorf("decode field_sources: %w", err)
	}
	if err := unmarshalJSON(changed, &e.ChangedFields); err != nil {
		return nil, fmt.Errorf("decode changed_fields: %w", err)
	}
	return &e, nil
}

func (s *Store) FindByAddress(ctx context.Context, normalizedAddress string) (*listing.MergedEntity, error) {
	e, err := scanMerged(s.queryRow(ctx, selectMerged+` WHERE normalized_address = $1`, normalizedAddress))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find %q: %w", normalizedAddress, err)
	}
	return e, nil
}

func (s *Store) GetMerged(ctx context.Context, id string) (*listing.MergedEntity, error) {
	e, err := scanMerged(s.queryRow(ctx, selectMerged+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", id, err)
	}
	return e, nil
}

func (s *Store) ListMerged(ctx context.Context, filter store.ListFilter) ([]*listing.MergedEntity, error) {
	var (
		where []string
		args  []any
	)
	if filter.Region != "" {
		args = append(args, filter.Region)
		where = append(where, fmt.Sprintf("region = $%d", len(args)))
	}
	if filter.ConflictsOnly {
		where = append(where, "conflict_count > 0")
	}
	if filter.MinSources > 0 {
		args = append(args, filter.MinSources)
		where = append(where, fmt.Sprintf("source_count >= $%d", len(args)))
	}

	q := selectMerged
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY normalized_address`
	if filter.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	} else if filter.Offset > 0 {
		q += ` LIMIT ` + s.d.noLimit
	}
	if filter.Offset > 0 {
		q += fmt.Sprintf(` OFFSET %d`, filter.Offset)
	}

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list merged properties: %w", err)
	}
	defer rows.Close()

	var out []*listing.MergedEntity
	for rows.Next() {
		e, err := scanMerged(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan merged property: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read merged properties: %w", err)
	}
	return out, nil
}

func (s *Store) InsertMerged(ctx context.Context, e *listing.MergedEntity) error {
	args, err := s.mergedArgs(e)
	if err != nil {
		return err
	}
	q := `INSERT INTO merged_properties (` + strings.Join(mergedColumns, ", ") + `) VALUES (` +
		placeholders(1, len(mergedColumns)) + `)`
	if _, err := s.exec(ctx, q, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert %q: %w", e.NormalizedAddress, store.ErrDuplicate)
		}
		return fmt.Errorf("failed to insert merged property: %w", err)
	}
	return nil
}

func (s *Store) UpdateMerged(ctx context.Context, e *listing.MergedEntity) error {
	args, err := s.mergedArgs(e)
	if err != nil {
		return err
	}
	sets := make([]string, 0, len(mergedColumns)-1)
	for i, col := range mergedColumns[1:] {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, i+2))
	}
	q := `UPDATE merged_properties SET ` + strings.Join(sets, ", ") + ` WHERE id = $1`

	res, err := s.exec(ctx, q, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("update %s: %w", e.ID, store.ErrDuplicate)
		}
		return fmt.Errorf("failed to update merged property: %w", err)
	}
	return expectOne(res)
}

func (s *Store) TouchMerged(ctx context.Context, id string, at time.Time) error {
	res, err := s.exec(ctx, `UPDATE merged_properties SET last_merged_at = $1 WHERE id = $2`, s.d.timeArg(at), id)
	if err != nil {
		return fmt.Errorf("failed to touch merged property: %w", err)
	}
	return expectOne(res)
}

// Change history

func (s *Store) RecordChanges(ctx context.Context, changes []store.Change) error {
	if len(changes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, c := range changes {
		oldVal, err := json.Marshal(c.Old)
		if err != nil {
			return fmt.Errorf("encode old %s: %w", c.Field, err)
		}
		newVal, err := json.Marshal(c.New)
		if err != nil {
			return fmt.Errorf("encode new %s: %w", c.Field, err)
		}
		_, err = tx.ExecContext(ctx, s.d.rebind(`
			INSERT INTO merged_property_changes (property_id, field, old_value, new_value, source, reason, changed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`), c.PropertyID, c.Field, s.d.jsonArg(oldVal), s.d.jsonArg(newVal), c.Source, c.Reason, s.d.timeArg(c.ChangedAt))
		if err != nil {
			return fmt.Errorf("failed to record change of %s: %w", c.Field, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) ListChanges(ctx context.Context, propertyID string) ([]store.Change, error) {
	rows, err := s.query(ctx, `
		SELECT property_id, field, old_value, new_value, source, reason, changed_at
		FROM merged_property_changes
		WHERE property_id = $1
		ORDER BY change_id
	`, propertyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	var out []store.Change
	for rows.Next() {
		var (
			c              store.Change
			oldVal, newVal []byte
		)
		if err := rows.Scan(&c.PropertyID, &c.Field, jsonText{&oldVal}, jsonText{&newVal},
			&c.Source, &c.Reason, timestamp{&c.ChangedAt}); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		if err := unmarshalJSON(oldVal, &c.Old); err != nil {
			return nil, fmt.Errorf("decode old %s: %w", c.Field, err)
		}
		if err := unmarshalJSON(newVal, &c.New); err != nil {
			return nil, fmt.Errorf("decode new %s: %w", c.Field, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Run statistics

const selectRunStats = `SELECT run_date, region, processed, merged, inserted, updated, unchanged,
	skipped, conflicts, errors, matches_by_method, elapsed_ms, avg_quality, avg_confidence
	FROM merge_run_stats`

func (s *Store) SaveRunStats(ctx context.Context, st listing.RunStats) error {
	methods, err := marshalJSON(st.MatchesByMethod)
	if err != nil {
		return fmt.Errorf("encode matches_by_method: %w", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO merge_run_stats (
			run_date, region, processed, merged, inserted, updated, unchanged,
			skipped, conflicts, errors, matches_by_method, elapsed_ms, avg_quality, avg_confidence
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (run_date) DO UPDATE SET
			region = EXCLUDED.region,
			processed = EXCLUDED.processed,
			merged = EXCLUDED.merged,
			inserted = EXCLUDED.inserted,
			updated = EXCLUDED.updated,
			unchanged = EXCLUDED.unchanged,
			skipped = EXCLUDED.skipped,
			conflicts = EXCLUDED.conflicts,
			errors = EXCLUDED.errors,
			matches_by_method = EXCLUDED.matches_by_method,
			elapsed_ms = EXCLUDED.elapsed_ms,
			avg_quality = EXCLUDED.avg_quality,
			avg_confidence = EXCLUDED.avg_confidence
	`, runDateKey(st.RunDate), st.Region, st.Processed, st.Merged, st.Inserted, st.Updated, st.Unchanged,
		st.Skipped, st.Conflicts, st.Errors, methods, st.Elapsed.Milliseconds(), st.AvgQuality, st.AvgConfidence)
	if err != nil {
		return fmt.Errorf("failed to save run stats: %w", err)
	}
	return nil
}

func (s *Store) GetRunStats(ctx context.Context, date time.Time) (*listing.RunStats, error) {
	st, err := scanRunStats(s.queryRow(ctx, selectRunStats+` WHERE run_date = $1`, runDateKey(date)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run stats: %w", err)
	}
	return st, nil
}

func (s *Store) ListRunStats(ctx context.Context, limit int) ([]listing.RunStats, error) {
	q := selectRunStats + ` ORDER BY run_date DESC`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list run stats: %w", err)
	}
	defer rows.Close()

	var out []listing.RunStats
	for rows.Next() {
		st, err := scanRunStats(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run stats: %w", err)
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func scanRunStats(row rowScanner) (*listing.RunStats, error) {
	var (
		st        listing.RunStats
		date      string
		methods   []byte
		elapsedMS int64
	)
	if err := row.Scan(&date, &st.Region, &st.Processed, &st.Merged, &st.Inserted, &st.Updated,
		&st.Unchanged, &st.Skipped, &st.Conflicts, &st.Errors, jsonText{&methods}, &elapsedMS,
		&st.AvgQuality, &st.AvgConfidence); err != nil {
		return nil, err
	}
	d, err := time.Parse(time.DateOnly, date)
	if err != nil {
		return nil, fmt.Errorf("parse run date %q: %w", date, err)
	}
	st.RunDate = d
	st.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	if err := unmarshalJSON(methods, &st.MatchesByMethod); err != nil {
		return nil, fmt.Errorf("decode matches_by_method: %w", err)
	}
	return &st, nil
}

func runDateKey(t time.Time) string {
	return listing.RunDateOf(t).Format(time.DateOnly)
}

// helpers

func placeholders(from, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(ph, ", ")
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// marshalJSON encodes v, storing nil maps as NULL
func marshalJSON[T any](v map[string]T) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalJSON(b []byte, v any) error {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return json.Unmarshal(b, v)
}

// orNull dereferences p for the driver, passing nil through as NULL
func orNull[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullFloat(n sql.Null[float64]) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.V
	return &v
}

func nullString(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}
