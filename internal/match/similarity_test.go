package match

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSimilarity(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"123 main st", "123 main st", 1.0},
		{"", "", 1.0},
		{"", "123 main st", 0.0},
		{"abcd", "abce", 0.75},
		{"kitten", "sitting", 1 - 3.0/7.0},
	}

	for _, tt := range tests {
		t.Run(tt.a+"|"+tt.b, func(t *testing.T) {
			assert.InDelta(t, tt.want, Similarity(tt.a, tt.b), 1e-9)
		})
	}
}

func TestSimilaritySymmetric(t *testing.T) {
	pairs := [][2]string{
		{"123 main st", "123 mian st"},
		{"45 n oak ave", "45 oak ave"},
		{"unit 4 500 pine rd", "500 pine rd unit 4"},
		{"", "x"},
	}
	for _, p := range pairs {
		assert.Equal(t, Similarity(p[0], p[1]), Similarity(p[1], p[0]))
		assert.Equal(t, 1.0, Similarity(p[0], p[0]))
	}
}

func TestHaversine(t *testing.T) {
	assert.Equal(t, 0.0, HaversineMeters(40, -74, 40, -74))

	d1 := HaversineMeters(40.0, -74.0, 40.00005, -74.00005)
	d2 := HaversineMeters(40.00005, -74.00005, 40.0, -74.0)
	assert.InDelta(t, d1, d2, 1e-9)
	assert.InDelta(t, 7.0, d1, 0.5)

	// one degree of latitude is roughly 111.2 km
	assert.InDelta(t, 111195, HaversineMeters(0, 0, 1, 0), 10)
}

func TestDistanceInvalid(t *testing.T) {
	good := &Coordinates{Lat: 40, Lon: -74}

	assert.True(t, math.IsInf(Distance(nil, good), 1))
	assert.True(t, math.IsInf(Distance(good, nil), 1))
	assert.True(t, math.IsInf(Distance(good, &Coordinates{Lat: 91, Lon: 0}), 1))
	assert.True(t, math.IsInf(Distance(good, &Coordinates{Lat: 0, Lon: -181}), 1))
	assert.True(t, math.IsInf(Distance(good, &Coordinates{Lat: math.NaN(), Lon: 0}), 1))
	assert.Equal(t, 0.0, Distance(good, &Coordinates{Lat: 40, Lon: -74}))
}

func TestCoordinateSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, CoordinateSimilarity(0, 100))
	assert.InDelta(t, 0.75, CoordinateSimilarity(25, 100), 1e-9)
	assert.Equal(t, 0.0, CoordinateSimilarity(150, 100))
	assert.Equal(t, 0.0, CoordinateSimilarity(math.Inf(1), 100))
}

func TestJaroWinklerBounds(t *testing.T) {
	assert.Equal(t, 1.0, JaroWinkler("", ""))
	assert.Equal(t, 0.0, JaroWinkler("", "a"))
	jw := JaroWinkler("123 main st", "123 mian st")
	assert.Greater(t, jw, 0.8)
	assert.LessOrEqual(t, jw, 1.0)
}
