package merge

import (
	"github.com/propmerge/internal/listing"
)

// Kind selects the rounding and conflict threshold of a numeric field
type Kind int

const (
	KindPrice Kind = iota // price threshold, integer rounding
	KindCount             // 10%, integer rounding
	KindBath              // 10%, nearest 0.5
	KindArea              // 10%, integer rounding
	KindYear              // 2%, integer rounding
	KindLot               // price threshold, integer rounding
)

// Logical field names shared by the merger, the change detector and storage
const (
	FieldPrice           = "price"
	FieldLastSoldPrice   = "last_sold_price"
	FieldBeds            = "beds"
	FieldBaths           = "baths"
	FieldArea            = "area"
	FieldLotSize         = "lot_size"
	FieldYearBuilt       = "year_built"
	FieldZestimate       = "zestimate"
	FieldRentZestimate   = "rent_zestimate"
	FieldRedfinEstimate  = "redfin_estimate"
	FieldPropertyType    = "property_type"
	FieldStatus          = "status"
	FieldLatitude        = "latitude"
	FieldLongitude       = "longitude"
	FieldZillowOverview  = "zillow_overview"
	FieldRedfinOverview  = "redfin_overview"
	FieldRealtorOverview = "realtor_overview"
)

// FieldSpec maps one logical field onto each source's attribute name.
// A source missing from Names does not carry the field.
type FieldSpec struct {
	Name  string
	Kind  Kind
	Names map[listing.Source]string
}

// NameFor returns the attribute name src uses for the field
func (f FieldSpec) NameFor(src listing.Source) string {
	return f.Names[src]
}

// NumericFields are averaged across sources
var NumericFields = []FieldSpec{
	{Name: FieldPrice, Kind: KindPrice, Names: map[listing.Source]string{
		listing.SourceZillow: "price", listing.SourceRedfin: "price", listing.SourceRealtor: "list_price",
	}},
	{Name: FieldLastSoldPrice, Kind: KindPrice, Names: map[listing.Source]string{
		listing.SourceZillow: "lastSoldPrice", listing.SourceRedfin: "last_sold_price", listing.SourceRealtor: "sold_price",
	}},
	{Name: FieldBeds, Kind: KindCount, Names: map[listing.Source]string{
		listing.SourceZillow: "bedrooms", listing.SourceRedfin: "beds", listing.SourceRealtor: "beds",
	}},
	{Name: FieldBaths, Kind: KindBath, Names: map[listing.Source]string{
		listing.SourceZillow: "bathrooms", listing.SourceRedfin: "baths", listing.SourceRealtor: "baths",
	}},
	{Name: FieldArea, Kind: KindArea, Names: map[listing.Source]string{
		listing.SourceZillow: "livingArea", listing.SourceRedfin: "sqft", listing.SourceRealtor: "sqft",
	}},
	{Name: FieldLotSize, Kind: KindLot, Names: map[listing.Source]string{
		listing.SourceZillow: "lotAreaValue", listing.SourceRedfin: "lot_size", listing.SourceRealtor: "lot_sqft",
	}},
	{Name: FieldYearBuilt, Kind: KindYear, Names: map[listing.Source]string{
		listing.SourceZillow: "yearBuilt", listing.SourceRedfin: "year_built", listing.SourceRealtor: "year_built",
	}},
}

// ExclusiveFields exist in exactly one source and are copied from it
var ExclusiveFields = []FieldSpec{
	{Name: FieldZestimate, Kind: KindPrice, Names: map[listing.Source]string{listing.SourceZillow: "zestimate"}},
	{Name: FieldRentZestimate, Kind: KindPrice, Names: map[listing.Source]string{listing.SourceZillow: "rentZestimate"}},
	{Name: FieldRedfinEstimate, Kind: KindPrice, Names: map[listing.Source]string{listing.SourceRedfin: "redfin_estimate"}},
}

// CategoricalSpec resolves a field by taking the first source in Priority
// that has a non-empty value.
type CategoricalSpec struct {
	Name     string
	Priority []listing.Source
	Names    map[listing.Source]string
}

// CategoricalFields are never merged, only prioritized
var CategoricalFields = []CategoricalSpec{
	{
		Name:     FieldPropertyType,
		Priority: []listing.Source{listing.SourceZillow, listing.SourceRealtor, listing.SourceRedfin},
		Names: map[listing.Source]string{
			listing.SourceZillow: "homeType", listing.SourceRedfin: "property_type", listing.SourceRealtor: "type",
		},
	},
	{
		Name:     FieldStatus,
		Priority: []listing.Source{listing.SourceZillow, listing.SourceRedfin, listing.SourceRealtor},
		Names: map[listing.Source]string{
			listing.SourceZillow: "homeStatus", listing.SourceRedfin: "status", listing.SourceRealtor: "status",
		},
	},
}

// OverviewFields are free text kept per source
var OverviewFields = map[listing.Source]string{
	listing.SourceZillow:  "description",
	listing.SourceRedfin:  "remarks",
	listing.SourceRealtor: "text",
}

// ExclusiveSource returns the only source carrying field, if field is
// source-exclusive (estimates and overviews).
func ExclusiveSource(field string) (listing.Source, bool) {
	for _, spec := range ExclusiveFields {
		if spec.Name == field {
			for src := range spec.Names {
				return src, true
			}
		}
	}
	switch field {
	case FieldZillowOverview:
		return listing.SourceZillow, true
	case FieldRedfinOverview:
		return listing.SourceRedfin, true
	case FieldRealtorOverview:
		return listing.SourceRealtor, true
	}
	return "", false
}

func overviewField(src listing.Source) string {
	switch src {
	case listing.SourceZillow:
		return FieldZillowOverview
	case listing.SourceRedfin:
		return FieldRedfinOverview
	default:
		return FieldRealtorOverview
	}
}
