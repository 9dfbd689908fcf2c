package listing

import (
	"fmt"
	"strings"
	"time"
)

// Source identifies one independent listings provider
type Source string

const (
	SourceZillow  Source = "zillow"
	SourceRedfin  Source = "redfin"
	SourceRealtor Source = "realtor"
)

// Sources returns every merge participant in priority order (A, B, C)
func Sources() []Source {
	return []Source{SourceZillow, SourceRedfin, SourceRealtor}
}

// Priority returns the position of the source in the A > B > C order.
// Unknown sources sort last.
func (s Source) Priority() int {
	switch s {
	case SourceZillow:
		return 0
	case SourceRedfin:
		return 1
	case SourceRealtor:
		return 2
	}
	return 3
}

// Valid reports whether s is one of the known merge participants
func (s Source) Valid() bool {
	return s.Priority() < 3
}

// ParseSource converts a free-form name into a Source
func ParseSource(name string) (Source, error) {
	s := Source(strings.ToLower(strings.TrimSpace(name)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown source %q", name)
	}
	return s, nil
}

// SourceRecord is one listing as seen by exactly one source. Attributes keep
// the provider's own field names; the merge field table maps them.
type SourceRecord struct {
	Source     Source
	ID         string
	Address    string
	Street     string // realtor carries the street line separately
	Region     string
	Latitude   *float64
	Longitude  *float64
	Attributes map[string]any
	UpdatedAt  time.Time
}

// MatchAddress is the address line the record is matched and keyed by:
// realtor's street line when it has one, the full address otherwise.
func (r SourceRecord) MatchAddress() string {
	if r.Source == SourceRealtor && strings.TrimSpace(r.Street) != "" {
		return r.Street
	}
	return r.Address
}

// HasCoordinates reports whether both latitude and longitude are present
func (r SourceRecord) HasCoordinates() bool {
	return r.Latitude != nil && r.Longitude != nil
}

// Attr returns a raw attribute value by provider field name
func (r SourceRecord) Attr(name string) (any, bool) {
	if r.Attributes == nil || name == "" {
		return nil, false
	}
	v, ok := r.Attributes[name]
	return v, ok
}

// Pools holds the loaded records grouped by source
type Pools map[Source][]SourceRecord

// Total returns the number of records across all pools
func (p Pools) Total() int {
	n := 0
	for _, recs := range p {
		n += len(recs)
	}
	return n
}
