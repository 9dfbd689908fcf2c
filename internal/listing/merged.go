package listing

import (
	"sort"
	"time"
)

// Conflict records a field where two or more sources disagree beyond the
// field's tolerance. The resolved value is always the mean.
type Conflict struct {
	Values     map[Source]float64 `json:"values"`
	Reason     string             `json:"reason"`
	Spread     float64            `json:"spread"`
	Threshold  float64            `json:"threshold"`
	Resolution string             `json:"resolution"`
	Resolved   float64            `json:"resolved"`
}

// FieldChange is one old/new pair written on update, with the source the
// change is attributed to ("multiple" for averaged fields).
type FieldChange struct {
	Old    any    `json:"old"`
	New    any    `json:"new"`
	Source string `json:"source"`
}

// MergedEntity is the canonical record for one physical property
type MergedEntity struct {
	ID                string `json:"id"`
	NormalizedAddress string `json:"normalized_address"`
	Region            string `json:"region"`

	ZillowID  *string `json:"zillow_id,omitempty"`
	RedfinID  *string `json:"redfin_id,omitempty"`
	RealtorID *string `json:"realtor_id,omitempty"`

	SourceCount int `json:"source_count"`

	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`

	Price         *float64 `json:"price"`
	LastSoldPrice *float64 `json:"last_sold_price"`
	Beds          *float64 `json:"beds"`
	Baths         *float64 `json:"baths"`
	Area          *float64 `json:"area"`
	LotSize       *float64 `json:"lot_size"`
	YearBuilt     *int     `json:"year_built"`

	Zestimate      *float64 `json:"zestimate,omitempty"`
	RentZestimate  *float64 `json:"rent_zestimate,omitempty"`
	RedfinEstimate *float64 `json:"redfin_estimate,omitempty"`

	PropertyType string `json:"property_type"`
	Status       string `json:"status"`

	ZillowOverview  string `json:"zillow_overview,omitempty"`
	RedfinOverview  string `json:"redfin_overview,omitempty"`
	RealtorOverview string `json:"realtor_overview,omitempty"`

	DataConflicts     map[string]Conflict `json:"data_conflicts"`
	ConflictCount     int                 `json:"conflict_count"`
	HasPriceConflicts bool                `json:"has_price_conflicts"`
	HasSizeConflicts  bool                `json:"has_size_conflicts"`

	QualityScore    float64  `json:"quality_score"`
	MatchMethod     string   `json:"match_method"`
	MatchConfidence *float64 `json:"match_confidence"`

	// FieldSources lists which sources contributed a value to each field
	FieldSources map[string][]Source `json:"field_sources"`

	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
	LastMergedAt     time.Time              `json:"last_merged_at"`
	ChangedFields    map[string]FieldChange `json:"changed_fields,omitempty"`
	LastChangeReason string                 `json:"last_change_reason"`
}

// SourceID returns the foreign identifier carried for src
func (m *MergedEntity) SourceID(src Source) *string {
	switch src {
	case SourceZillow:
		return m.ZillowID
	case SourceRedfin:
		return m.RedfinID
	case SourceRealtor:
		return m.RealtorID
	}
	return nil
}

// SetSourceID assigns the foreign identifier for src and recounts sources
func (m *MergedEntity) SetSourceID(src Source, id string) {
	v := id
	switch src {
	case SourceZillow:
		m.ZillowID = &v
	case SourceRedfin:
		m.RedfinID = &v
	case SourceRealtor:
		m.RealtorID = &v
	}
	m.RecountSources()
}

// SourceIDs returns the non-nil per-source identifiers
func (m *MergedEntity) SourceIDs() map[Source]string {
	ids := make(map[Source]string, 3)
	for _, src := range Sources() {
		if id := m.SourceID(src); id != nil {
			ids[src] = *id
		}
	}
	return ids
}

// ContributingSources returns the sources with an identifier, in priority order
func (m *MergedEntity) ContributingSources() []Source {
	var out []Source
	for _, src := range Sources() {
		if m.SourceID(src) != nil {
			out = append(out, src)
		}
	}
	return out
}

// RecountSources keeps SourceCount equal to the number of non-nil ids
func (m *MergedEntity) RecountSources() {
	m.SourceCount = len(m.SourceIDs())
}

// RecountConflicts keeps ConflictCount equal to |DataConflicts|
func (m *MergedEntity) RecountConflicts() {
	m.ConflictCount = len(m.DataConflicts)
}

// ConflictFields returns the conflicting field names sorted
func (m *MergedEntity) ConflictFields() []string {
	fields := make([]string, 0, len(m.DataConflicts))
	for f := range m.DataConflicts {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// Clone returns a deep copy of m
func (m *MergedEntity) Clone() *MergedEntity {
	if m == nil {
		return nil
	}
	c := *m
	c.ZillowID = cloneString(m.ZillowID)
	c.RedfinID = cloneString(m.RedfinID)
	c.RealtorID = cloneString(m.RealtorID)
	for _, p := range []**float64{
		&c.Latitude, &c.Longitude, &c.Price, &c.LastSoldPrice, &c.Beds, &c.Baths,
		&c.Area, &c.LotSize, &c.Zestimate, &c.RentZestimate, &c.RedfinEstimate, &c.MatchConfidence,
	} {
		if *p != nil {
			v := **p
			*p = &v
		}
	}
	if m.YearBuilt != nil {
		y := *m.YearBuilt
		c.YearBuilt = &y
	}
	if m.DataConflicts != nil {
		c.DataConflicts = make(map[string]Conflict, len(m.DataConflicts))
		for k, v := range m.DataConflicts {
			vals := make(map[Source]float64, len(v.Values))
			for s, f := range v.Values {
				vals[s] = f
			}
			v.Values = vals
			c.DataConflicts[k] = v
		}
	}
	if m.FieldSources != nil {
		c.FieldSources = make(map[string][]Source, len(m.FieldSources))
		for k, v := range m.FieldSources {
			c.FieldSources[k] = append([]Source(nil), v...)
		}
	}
	if m.ChangedFields != nil {
		c.ChangedFields = make(map[string]FieldChange, len(m.ChangedFields))
		for k, v := range m.ChangedFields {
			c.ChangedFields[k] = v
		}
	}
	return &c
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
