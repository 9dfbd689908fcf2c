package merge

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/propmerge/internal/events"
	"github.com/propmerge/internal/listing"
	"github.com/propmerge/internal/match"
	"github.com/propmerge/internal/normalize"
)

// ErrNoAddress is returned when no record in a cluster carries a usable address
var ErrNoAddress = errors.New("cluster has no usable address")

// Cluster is at most one record per source judged to be the same property,
// plus the metadata of the match that formed it.
type Cluster struct {
	Records    map[listing.Source]listing.SourceRecord
	Method     match.Method
	Confidence *float64
}

// NewCluster starts a cluster from a single target record
func NewCluster(target listing.SourceRecord) Cluster {
	return Cluster{
		Records: map[listing.Source]listing.SourceRecord{target.Source: target},
		Method:  match.MethodSingleSource,
	}
}

// Add puts the best candidate of another source into the cluster. The
// cluster keeps the weakest link as its method and confidence.
func (c *Cluster) Add(cand match.Candidate) {
	if c.Records == nil {
		c.Records = make(map[listing.Source]listing.SourceRecord)
	}
	c.Records[cand.Record.Source] = cand.Record
	if c.Confidence == nil || cand.Confidence < *c.Confidence {
		conf := cand.Confidence
		c.Confidence = &conf
		c.Method = cand.Method
	}
}

// Size returns the number of records in the cluster
func (c Cluster) Size() int {
	return len(c.Records)
}

// Merger fuses a cluster into a merged entity draft
type Merger struct {
	cfg    Config
	events events.Sink
}

// NewMerger creates a merger. A nil sink discards events.
func NewMerger(cfg Config, sink events.Sink) *Merger {
	return &Merger{
		cfg:    cfg,
		events: events.OrDiscard(sink),
	}
}

// Merge builds the merged entity for c. The result is not persisted and has
// no ID or timestamps yet.
func (m *Merger) Merge(c Cluster) (*listing.MergedEntity, error) {
	addr := clusterAddress(c)
	if addr == "" {
		return nil, ErrNoAddress
	}

	e := &listing.MergedEntity{
		NormalizedAddress: addr,
		DataConflicts:     make(map[string]listing.Conflict),
		FieldSources:      make(map[string][]listing.Source),
		MatchMethod:       string(c.Method),
	}
	if c.Confidence != nil {
		conf := *c.Confidence
		e.MatchConfidence = &conf
	}

	for _, src := range listing.Sources() {
		rec, ok := c.Records[src]
		if !ok {
			continue
		}
		e.SetSourceID(src, rec.ID)
		if e.Region == "" {
			e.Region = rec.Region
		}
	}

	m.mergeCoordinates(c, e)

	for _, spec := range NumericFields {
		res := mergeValues(spec, m.cfg.Threshold(spec.Name), m.collect(c, addr, spec))
		if res.Value == nil {
			continue
		}
		assignNumeric(e, spec.Name, *res.Value)
		e.FieldSources[spec.Name] = res.Sources
		if res.Conflict != nil {
			e.DataConflicts[spec.Name] = *res.Conflict
			m.events.Emit(events.Event{
				Kind:    events.KindConflict,
				Address: addr,
				Field:   spec.Name,
				Attrs: map[string]any{
					"spread":   res.Conflict.Spread,
					"resolved": res.Conflict.Resolved,
					"sources":  len(res.Conflict.Values),
				},
			})
		}
	}

	for _, spec := range ExclusiveFields {
		vals := m.collect(c, addr, spec)
		if len(vals) == 0 {
			continue
		}
		assignNumeric(e, spec.Name, vals[0].Value)
		e.FieldSources[spec.Name] = []listing.Source{vals[0].Source}
	}

	for _, spec := range CategoricalFields {
		for _, src := range spec.Priority {
			rec, ok := c.Records[src]
			if !ok {
				continue
			}
			raw, _ := rec.Attr(spec.Names[src])
			s, _ := raw.(string)
			if strings.TrimSpace(s) == "" {
				continue
			}
			assignCategorical(e, spec.Name, categorical(s))
			e.FieldSources[spec.Name] = []listing.Source{src}
			break
		}
	}

	for src, attr := range OverviewFields {
		rec, ok := c.Records[src]
		if !ok {
			continue
		}
		raw, _ := rec.Attr(attr)
		s, _ := raw.(string)
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		field := overviewField(src)
		switch src {
		case listing.SourceZillow:
			e.ZillowOverview = s
		case listing.SourceRedfin:
			e.RedfinOverview = s
		case listing.SourceRealtor:
			e.RealtorOverview = s
		}
		e.FieldSources[field] = []listing.Source{src}
	}

	e.RecountConflicts()
	_, e.HasPriceConflicts = firstConflict(e, FieldPrice, FieldLastSoldPrice)
	_, e.HasSizeConflicts = firstConflict(e, FieldArea, FieldLotSize)
	e.QualityScore = QualityScore(m.cfg, e.SourceCount, c.Confidence, e.ConflictCount)

	m.events.Emit(events.Event{
		Kind:    events.KindMerge,
		Address: addr,
		Method:  e.MatchMethod,
		Attrs: map[string]any{
			"source_count":   e.SourceCount,
			"conflict_count": e.ConflictCount,
			"quality_score":  e.QualityScore,
		},
	})
	return e, nil
}

// collect gathers the valid (positive, parseable) values of a field from
// every record in the cluster. Unparseable values are reported and dropped.
func (m *Merger) collect(c Cluster, addr string, spec FieldSpec) []sourceValue {
	var out []sourceValue
	for _, src := range listing.Sources() {
		rec, ok := c.Records[src]
		if !ok {
			continue
		}
		name := spec.NameFor(src)
		raw, ok := rec.Attr(name)
		if !ok {
			continue
		}
		v, err := ParseNumber(raw)
		if err != nil {
			if !errors.Is(err, errMissing) {
				m.events.Emit(events.Event{
					Kind:    events.KindRecordError,
					Address: addr,
					Source:  string(src),
					Field:   spec.Name,
					Err:     fmt.Errorf("%s.%s: %w", src, name, err),
				})
			}
			continue
		}
		if v <= 0 {
			continue
		}
		out = append(out, sourceValue{Source: src, Value: v})
	}
	return out
}

func (m *Merger) mergeCoordinates(c Cluster, e *listing.MergedEntity) {
	var sumLat, sumLon float64
	var n int
	var contributors []listing.Source
	for _, src := range listing.Sources() {
		rec, ok := c.Records[src]
		if !ok {
			continue
		}
		coords := match.NewCoordinates(rec.Latitude, rec.Longitude)
		if !coords.Valid() {
			continue
		}
		sumLat += coords.Lat
		sumLon += coords.Lon
		n++
		contributors = append(contributors, src)
	}
	if n == 0 {
		return
	}
	lat, lon := sumLat/float64(n), sumLon/float64(n)
	e.Latitude, e.Longitude = &lat, &lon
	e.FieldSources[FieldLatitude] = contributors
	e.FieldSources[FieldLongitude] = contributors
}

// categorical turns "SINGLE_FAMILY" and "single-family" into "Single Family".
// Casers are stateful, so each call gets its own.
func categorical(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("_", " ", "-", " ").Replace(s)
	return cases.Title(language.English).String(strings.Join(strings.Fields(s), " "))
}

// clusterAddress is the match address of the highest priority record that
// has one: A's address, then B's, then C's street line.
func clusterAddress(c Cluster) string {
	for _, src := range listing.Sources() {
		if r, ok := c.Records[src]; ok {
			if a := normalize.Address(r.MatchAddress()); a != "" {
				return a
			}
		}
	}
	return ""
}

func firstConflict(e *listing.MergedEntity, fields ...string) (string, bool) {
	for _, f := range fields {
		if _, ok := e.DataConflicts[f]; ok {
			return f, true
		}
	}
	return "", false
}

func assignNumeric(e *listing.MergedEntity, field string, v float64) {
	switch field {
	case FieldPrice:
		e.Price = &v
	case FieldLastSoldPrice:
		e.LastSoldPrice = &v
	case FieldBeds:
		e.Beds = &v
	case FieldBaths:
		e.Baths = &v
	case FieldArea:
		e.Area = &v
	case FieldLotSize:
		e.LotSize = &v
	case FieldYearBuilt:
		y := int(math.Round(v))
		e.YearBuilt = &y
	case FieldZestimate:
		e.Zestimate = &v
	case FieldRentZestimate:
		e.RentZestimate = &v
	case FieldRedfinEstimate:
		e.RedfinEstimate = &v
	}
}

func assignCategorical(e *listing.MergedEntity, field, v string) {
	switch field {
	case FieldPropertyType:
		e.PropertyType = v
	case FieldStatus:
		e.Status = v
	}
}
