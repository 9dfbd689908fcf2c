package upsert

import (
	"math"
	"strings"

	"github.com/propmerge/internal/listing"
	"github.com/propmerge/internal/merge"
)

// SourceMultiple attributes a change to a field averaged over several sources
const SourceMultiple = "multiple"

type compareKind int

const (
	compareNumber compareKind = iota
	compareBath
	compareCoordinate
	compareInt
	compareString
)

const (
	numberEpsilon     = 1.0
	bathEpsilon       = 0.1
	coordinateEpsilon = 1e-6
)

type monitoredField struct {
	name  string
	kind  compareKind
	value func(*listing.MergedEntity) any
}

// monitored is the fixed list of fields whose change triggers an update
var monitored = []monitoredField{
	{merge.FieldPrice, compareNumber, func(e *listing.MergedEntity) any { return floatOrNil(e.Price) }},
	{merge.FieldLastSoldPrice, compareNumber, func(e *listing.MergedEntity) any { return floatOrNil(e.LastSoldPrice) }},
	{merge.FieldBeds, compareNumber, func(e *listing.MergedEntity) any { return floatOrNil(e.Beds) }},
	{merge.FieldBaths, compareBath, func(e *listing.MergedEntity) any { return floatOrNil(e.Baths) }},
	{merge.FieldArea, compareNumber, func(e *listing.MergedEntity) any { return floatOrNil(e.Area) }},
	{merge.FieldLotSize, compareNumber, func(e *listing.MergedEntity) any { return floatOrNil(e.LotSize) }},
	{merge.FieldYearBuilt, compareInt, func(e *listing.MergedEntity) any { return intOrNil(e.YearBuilt) }},
	{merge.FieldZestimate, compareNumber, func(e *listing.MergedEntity) any { return floatOrNil(e.Zestimate) }},
	{merge.FieldRentZestimate, compareNumber, func(e *listing.MergedEntity) any { return floatOrNil(e.RentZestimate) }},
	{merge.FieldRedfinEstimate, compareNumber, func(e *listing.MergedEntity) any { return floatOrNil(e.RedfinEstimate) }},
	{merge.FieldLatitude, compareCoordinate, func(e *listing.MergedEntity) any { return floatOrNil(e.Latitude) }},
	{merge.FieldLongitude, compareCoordinate, func(e *listing.MergedEntity) any { return floatOrNil(e.Longitude) }},
	{merge.FieldPropertyType, compareString, func(e *listing.MergedEntity) any { return e.PropertyType }},
	{merge.FieldStatus, compareString, func(e *listing.MergedEntity) any { return e.Status }},
	{merge.FieldZillowOverview, compareString, func(e *listing.MergedEntity) any { return e.ZillowOverview }},
	{merge.FieldRedfinOverview, compareString, func(e *listing.MergedEntity) any { return e.RedfinOverview }},
	{merge.FieldRealtorOverview, compareString, func(e *listing.MergedEntity) any { return e.RealtorOverview }},
	{"conflict_count", compareInt, func(e *listing.MergedEntity) any { return e.ConflictCount }},
	{"match_method", compareString, func(e *listing.MergedEntity) any { return e.MatchMethod }},
}

// MonitoredFields returns the names of the fields Diff compares
func MonitoredFields() []string {
	names := make([]string, len(monitored))
	for i, f := range monitored {
		names[i] = f.name
	}
	return names
}

// Diff compares a stored entity with a freshly merged draft. It returns the
// changed monitored fields and whether the set of contributing sources
// changed. Unchanged data yields an empty map and false.
func Diff(old, draft *listing.MergedEntity) (map[string]listing.FieldChange, bool) {
	changes := make(map[string]listing.FieldChange)
	for _, f := range monitored {
		ov, nv := f.value(old), f.value(draft)
		if equal(f.kind, ov, nv) {
			continue
		}
		changes[f.name] = listing.FieldChange{
			Old:    ov,
			New:    nv,
			Source: attribute(f.name, old, draft),
		}
	}

	sourcesChanged := !sameIDs(old.SourceIDs(), draft.SourceIDs())
	if sourcesChanged {
		changes["sources"] = listing.FieldChange{
			Old:    sourceNames(old.ContributingSources()),
			New:    sourceNames(draft.ContributingSources()),
			Source: SourceMultiple,
		}
	}
	return changes, sourcesChanged
}

func equal(kind compareKind, a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch kind {
	case compareNumber:
		return math.Abs(a.(float64)-b.(float64)) < numberEpsilon
	case compareBath:
		return math.Abs(a.(float64)-b.(float64)) < bathEpsilon
	case compareCoordinate:
		return math.Abs(a.(float64)-b.(float64)) < coordinateEpsilon
	case compareInt:
		return a.(int) == b.(int)
	default:
		return strings.TrimSpace(a.(string)) == strings.TrimSpace(b.(string))
	}
}

// attribute names the source a changed field comes from: the owning source
// for exclusive fields, else the lone contributor, else "multiple".
func attribute(field string, old, draft *listing.MergedEntity) string {
	if src, ok := merge.ExclusiveSource(field); ok {
		return string(src)
	}
	srcs := draft.FieldSources[field]
	if len(srcs) == 0 {
		srcs = old.FieldSources[field]
	}
	if len(srcs) == 1 {
		return string(srcs[0])
	}
	return SourceMultiple
}

func sameIDs(a, b map[listing.Source]string) bool {
	if len(a) != len(b) {
		return false
	}
	for src, id := range a {
		if b[src] != id {
			return false
		}
	}
	return true
}

func sourceNames(srcs []listing.Source) []string {
	out := make([]string, len(srcs))
	for i, s := range srcs {
		out[i] = string(s)
	}
	return out
}

func floatOrNil(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func intOrNil(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
