// Package index narrows a source pool down to the records the match
// evaluator could possibly accept for a target. It never changes match
// results, only how many records get scored.
package index

import (
	"math"
	"sort"

	"github.com/propmerge/internal/listing"
	"github.com/propmerge/internal/match"
	"github.com/propmerge/internal/normalize"
)

const metersPerDegreeLat = 111320.0

type cell struct {
	lat, lon int64
}

// Pool is one source's records bucketed by grid cell and by exact
// normalized address.
type Pool struct {
	records   []listing.SourceRecord
	radius    float64 // meters
	cellDeg   float64
	byCell    map[cell][]int
	byAddress map[string][]int
	noCoords  []int
}

// NewPool indexes records for candidate lookups within radius meters.
// radius should be match.Config.AcceptRadius().
func NewPool(records []listing.SourceRecord, radius float64) *Pool {
	if radius <= 0 {
		radius = match.DefaultConfig().AcceptRadius()
	}
	p := &Pool{
		records:   records,
		radius:    radius,
		cellDeg:   radius / metersPerDegreeLat,
		byCell:    make(map[cell][]int),
		byAddress: make(map[string][]int),
	}

	for i, r := range records {
		if addr := normalize.Address(r.MatchAddress()); addr != "" {
			p.byAddress[addr] = append(p.byAddress[addr], i)
		}
		c := match.NewCoordinates(r.Latitude, r.Longitude)
		if !c.Valid() {
			p.noCoords = append(p.noCoords, i)
			continue
		}
		k := p.cellOf(c.Lat, c.Lon)
		p.byCell[k] = append(p.byCell[k], i)
	}
	return p
}

// Len returns the number of indexed records
func (p *Pool) Len() int {
	return len(p.records)
}

// Records returns the indexed records in original order
func (p *Pool) Records() []listing.SourceRecord {
	return p.records
}

func (p *Pool) cellOf(lat, lon float64) cell {
	return cell{
		lat: int64(math.Floor(lat / p.cellDeg)),
		lon: int64(math.Floor(lon / p.cellDeg)),
	}
}

// Candidates returns the records that may match target, in pool order.
// A target without valid coordinates can match any record by address, so
// it gets the whole pool.
func (p *Pool) Candidates(target listing.SourceRecord) []listing.SourceRecord {
	tc := match.NewCoordinates(target.Latitude, target.Longitude)
	if !tc.Valid() {
		return p.records
	}

	// one degree of longitude shrinks with cos(lat); near the poles scan everything
	cosLat := math.Cos(tc.Lat * math.Pi / 180)
	if cosLat < 0.01 {
		return p.records
	}

	margin := p.radius * 1.01
	dLat := margin / metersPerDegreeLat
	dLon := margin / (metersPerDegreeLat * cosLat)
	if math.Abs(tc.Lon)+dLon > 180 {
		return p.records
	}

	lo := p.cellOf(tc.Lat-dLat, tc.Lon-dLon)
	hi := p.cellOf(tc.Lat+dLat, tc.Lon+dLon)

	seen := make(map[int]bool)
	var idx []int
	add := func(ids []int) {
		for _, i := range ids {
			if !seen[i] {
				seen[i] = true
				idx = append(idx, i)
			}
		}
	}

	for la := lo.lat; la <= hi.lat; la++ {
		for lo2 := lo.lon; lo2 <= hi.lon; lo2++ {
			add(p.byCell[cell{lat: la, lon: lo2}])
		}
	}
	add(p.noCoords)
	if addr := normalize.Address(target.MatchAddress()); addr != "" {
		add(p.byAddress[addr])
	}

	sort.Ints(idx)
	out := make([]listing.SourceRecord, len(idx))
	for i, j := range idx {
		out[i] = p.records[j]
	}
	return out
}
