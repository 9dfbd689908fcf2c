package match

import (
	"math"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/xrash/smetrics"
)

// EarthRadiusMeters is the mean Earth radius used by HaversineMeters
const EarthRadiusMeters = 6371000.0

// Similarity converts the Levenshtein distance between two normalized
// addresses into [0,1]: 1 - distance/max(len). Two empty strings are
// identical; one empty string against a non-empty one scores 0.
func Similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	maxLen := max(la, lb)
	if maxLen == 0 {
		return 1.0
	}
	d := levenshtein.ComputeDistance(a, b)
	sim := 1.0 - float64(d)/float64(maxLen)
	if sim < 0 {
		return 0
	}
	return sim
}

// JaroWinkler is an explanatory similarity recorded next to the Levenshtein
// score; it never participates in the match decision.
func JaroWinkler(a, b string) float64 {
	if a == "" && b == "" {
		return 1.0
	}
	if a == "" || b == "" {
		return 0
	}
	return smetrics.JaroWinkler(a, b, 0.7, 4)
}

// Coordinates is a latitude/longitude pair in degrees
type Coordinates struct {
	Lat float64
	Lon float64
}

// NewCoordinates builds a pair from nullable parts, nil when either is missing
func NewCoordinates(lat, lon *float64) *Coordinates {
	if lat == nil || lon == nil {
		return nil
	}
	return &Coordinates{Lat: *lat, Lon: *lon}
}

// Valid checks latitude in [-90,90] and longitude in [-180,180]
func (c *Coordinates) Valid() bool {
	if c == nil {
		return false
	}
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// HaversineMeters returns the great-circle distance between two points
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	h = math.Min(1, h)
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// Distance returns the haversine distance in meters, or +Inf when either
// side is missing or invalid.
func Distance(a, b *Coordinates) float64 {
	if !a.Valid() || !b.Valid() {
		return math.Inf(1)
	}
	return HaversineMeters(a.Lat, a.Lon, b.Lat, b.Lon)
}

// CoordinateSimilarity maps a distance onto [0,1] relative to maxDistance
func CoordinateSimilarity(distance, maxDistance float64) float64 {
	if math.IsInf(distance, 1) || math.IsNaN(distance) || maxDistance <= 0 {
		return 0
	}
	sim := 1.0 - distance/maxDistance
	if sim < 0 {
		return 0
	}
	return sim
}
