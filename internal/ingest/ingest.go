// Package ingest loads provider listing exports into the source tables.
// CSV files map header names onto record fields; every other column becomes
// an attribute under its header name. JSON Lines files carry one object per
// line with the same keys.
package ingest

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/propmerge/internal/events"
	"github.com/propmerge/internal/listing"
	"github.com/propmerge/internal/normalize"
	"github.com/propmerge/internal/store"
)

// DefaultBatchSize is the number of records written per SaveSources call
const DefaultBatchSize = 1000

// Column aliases, matched case-insensitively against CSV headers and JSON keys
var (
	idKeys        = []string{"id", "zpid", "property_id", "listing_id", "source_id"}
	addressKeys   = []string{"address", "full_address", "formatted_address"}
	streetKeys    = []string{"street", "street_address", "line"}
	regionKeys    = []string{"region", "state"}
	latitudeKeys  = []string{"latitude", "lat"}
	longitudeKeys = []string{"longitude", "lng", "lon"}
	updatedKeys   = []string{"updated_at", "last_updated"}
)

// Result summarizes one import
type Result struct {
	Imported int
	Errors   int
}

// Importer writes parsed listings through a store
type Importer struct {
	store     store.Store
	events    events.Sink
	batchSize int
}

// NewImporter creates an importer over st
func NewImporter(st store.Store, sink events.Sink) *Importer {
	return &Importer{store: st, events: events.OrDiscard(sink), batchSize: DefaultBatchSize}
}

// WithBatchSize overrides the write batch size
func (im *Importer) WithBatchSize(n int) *Importer {
	if n > 0 {
		im.batchSize = n
	}
	return im
}

// ImportFile picks the format from the file extension (.csv or .jsonl/.ndjson)
func (im *Importer) ImportFile(ctx context.Context, path string, src listing.Source, region string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open file %s: %w", path, err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return im.ImportCSV(ctx, f, src, region)
	case ".jsonl", ".ndjson", ".json":
		return im.ImportJSONL(ctx, f, src, region)
	default:
		return Result{}, fmt.Errorf("unsupported file type %q", filepath.Ext(path))
	}
}

// ImportCSV reads a headed CSV export of src
func (im *Importer) ImportCSV(ctx context.Context, r io.Reader, src listing.Source, region string) (Result, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return Result{}, fmt.Errorf("failed to read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	b := im.newBatch(src)
	line := 1
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			b.fail(line, err)
			continue
		}

		fields := make(map[string]any, len(header))
		for i, col := range header {
			if i >= len(row) {
				break
			}
			if v := strings.TrimSpace(row[i]); v != "" {
				fields[col] = v
			}
		}
		if err := b.add(ctx, line, fields, region); err != nil {
			return b.res, err
		}
	}
	return b.flush(ctx)
}

// ImportJSONL reads one JSON object per line
func (im *Importer) ImportJSONL(ctx context.Context, r io.Reader, src listing.Source, region string) (Result, error) {
	dec := json.NewDecoder(r)
	b := im.newBatch(src)
	line := 0
	for {
		line++
		var fields map[string]any
		err := dec.Decode(&fields)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// the decoder cannot resync after a syntax error
			b.fail(line, err)
			break
		}
		if err := b.add(ctx, line, fields, region); err != nil {
			return b.res, err
		}
	}
	return b.flush(ctx)
}

type batch struct {
	im   *Importer
	src  listing.Source
	recs []listing.SourceRecord
	res  Result
}

func (im *Importer) newBatch(src listing.Source) *batch {
	return &batch{im: im, src: src, recs: make([]listing.SourceRecord, 0, im.batchSize)}
}

func (b *batch) fail(line int, err error) {
	b.res.Errors++
	b.im.events.Emit(events.Event{
		Kind:   events.KindImportError,
		Source: string(b.src),
		Attrs:  map[string]any{"line": line},
		Err:    err,
	})
}

func (b *batch) add(ctx context.Context, line int, fields map[string]any, region string) error {
	rec, err := toRecord(b.src, fields, region)
	if err != nil {
		b.fail(line, err)
		return nil
	}
	b.recs = append(b.recs, rec)
	if len(b.recs) >= b.im.batchSize {
		return b.write(ctx)
	}
	return nil
}

func (b *batch) write(ctx context.Context) error {
	if len(b.recs) == 0 {
		return nil
	}
	if err := b.im.store.SaveSources(ctx, b.recs); err != nil {
		return fmt.Errorf("save %s listings: %w", b.src, err)
	}
	b.res.Imported += len(b.recs)
	b.recs = b.recs[:0]
	return nil
}

func (b *batch) flush(ctx context.Context) (Result, error) {
	if err := b.write(ctx); err != nil {
		return b.res, err
	}
	b.im.events.Emit(events.Event{
		Kind:   events.KindImported,
		Source: string(b.src),
		Attrs:  map[string]any{"imported": b.res.Imported, "errors": b.res.Errors},
	})
	return b.res, nil
}

// toRecord lifts the known columns out of fields and keeps the rest as
// attributes. A record needs an id and either an address or a street.
func toRecord(src listing.Source, fields map[string]any, region string) (listing.SourceRecord, error) {
	rec := listing.SourceRecord{Source: src, Region: region, Attributes: make(map[string]any)}
	used := make(map[string]bool)

	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	// take consumes every column matching one of keys. The earliest alias
	// in keys wins; columns differing only in case are tried in sorted order.
	take := func(keys []string) (any, bool) {
		var (
			val   any
			found bool
		)
		for _, want := range keys {
			for _, k := range names {
				if !strings.EqualFold(k, want) {
					continue
				}
				used[k] = true
				if !found {
					val, found = fields[k], true
				}
			}
		}
		return val, found
	}

	if v, ok := take(idKeys); ok {
		rec.ID = stringOf(v)
	}
	if rec.ID == "" {
		return rec, errors.New("missing id")
	}
	if v, ok := take(addressKeys); ok && normalize.AddressAny(v) != "" {
		rec.Address = stringOf(v)
	}
	if v, ok := take(streetKeys); ok && normalize.AddressAny(v) != "" {
		rec.Street = stringOf(v)
	}
	if rec.Address == "" && rec.Street == "" {
		return rec, fmt.Errorf("listing %s: missing address", rec.ID)
	}
	if rec.Address == "" {
		rec.Address = rec.Street
	}
	if v, ok := take(regionKeys); ok && rec.Region == "" {
		rec.Region = stringOf(v)
	}
	if v, ok := take(latitudeKeys); ok {
		rec.Latitude = floatOf(v)
	}
	if v, ok := take(longitudeKeys); ok {
		rec.Longitude = floatOf(v)
	}
	if v, ok := take(updatedKeys); ok {
		if t, err := time.Parse(time.RFC3339, stringOf(v)); err == nil {
			rec.UpdatedAt = t
		}
	}

	for k, v := range fields {
		if used[k] || v == nil {
			continue
		}
		if str, ok := v.(string); ok {
			v = cellValue(str)
		}
		rec.Attributes[k] = v
	}
	return rec, nil
}

// cellValue keeps numeric cells as numbers so they compare numerically
// later. Zero-padded codes such as zips stay strings.
func cellValue(s string) any {
	if len(s) > 1 && s[0] == '0' && s[1] != '.' {
		return s
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func stringOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func floatOf(v any) *float64 {
	switch t := v.(type) {
	case float64:
		return &t
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return &f
		}
	}
	return nil
}
