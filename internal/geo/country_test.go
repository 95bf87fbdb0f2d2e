package geo_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/incidents/internal/geo"
)

func TestLookupCountry(t *testing.T) {
	tests := []struct {
		in   string
		code string
	}{
		{"United States", "US"},
		{"us", "US"},
		{"U.S.A.", "US"},
		{"Türkiye", "TR"},
		{"  the Netherlands ", "NL"},
		{"DRC", "CD"},
		{"gb", "GB"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			c, ok := geo.LookupCountry(tt.in)
			require.True(t, ok)
			assert.Equal(t, tt.code, c.Code)
		})
	}

	_, ok := geo.LookupCountry("")
	assert.False(t, ok)
}

func TestBoxOffset(t *testing.T) {
	b := geo.Box{MinLat: 0, MaxLat: 10, MinLng: 0, MaxLng: 10}

	assert.Zero(t, b.Offset(5, 5))
	assert.InDelta(t, 3.0, b.Offset(13, 5), 1e-9)
	assert.InDelta(t, 20.0, b.Offset(-2, 30), 1e-9)
	assert.True(t, b.Contains(10.4, 5, 0.5))
	assert.False(t, b.Contains(10.6, 5, 0.5))
}

func TestHaversineKm(t *testing.T) {
	montreal := geo.Point{Lat: 45.5017, Lng: -73.5673}
	toronto := geo.Point{Lat: 43.6532, Lng: -79.3832}

	assert.InDelta(t, 504, geo.HaversineKm(montreal, toronto), 5)
	assert.Zero(t, geo.HaversineKm(montreal, montreal))
	assert.InDelta(t, geo.HaversineKm(toronto, montreal), geo.HaversineKm(montreal, toronto), 1e-9)

	// One degree of latitude is about 111 km.
	assert.InDelta(t, 111.2, geo.HaversineKm(geo.Point{Lat: 0, Lng: 0}, geo.Point{Lat: 1, Lng: 0}), 0.5)
}

func TestMarineMatcher(t *testing.T) {
	m := geo.NewMarineMatcher([]string{"oil spill", "Océan"})

	assert.True(t, m.Matches("Major OIL-SPILL reported"))
	assert.True(t, m.Matches("incident", "ocean crossing"))
	assert.False(t, m.Matches("oilspill"))
	assert.False(t, geo.NewMarineMatcher(nil).Matches("ocean"))
}
