package geo

import (
	"math"

	"github.com/jonesrussell/north-cloud/incidents/internal/textnorm"
)

// Box is an axis-aligned bounding box in degrees. Boxes do not wrap the
// antimeridian.
type Box struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
}

// Contains reports whether the point lies within the box grown by buffer
// degrees on every side.
func (b Box) Contains(lat, lng, buffer float64) bool {
	return lat >= b.MinLat-buffer && lat <= b.MaxLat+buffer &&
		lng >= b.MinLng-buffer && lng <= b.MaxLng+buffer
}

// Offset is how far the point lies outside the box, in degrees along the
// worse axis. Zero when inside.
func (b Box) Offset(lat, lng float64) float64 {
	return math.Max(outside(lat, b.MinLat, b.MaxLat), outside(lng, b.MinLng, b.MaxLng))
}

// Center returns the midpoint of the box.
func (b Box) Center() Point {
	return Point{Lat: (b.MinLat + b.MaxLat) / 2, Lng: (b.MinLng + b.MaxLng) / 2}
}

func outside(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo - v
	case v > hi:
		return v - hi
	default:
		return 0
	}
}

// Country is a reference country with its ISO 3166-1 alpha-2 code.
type Country struct {
	Code    string
	Name    string
	Box     Box
	aliases []string
}

// countries holds approximate mainland bounding boxes. Overseas territories
// are left out so that a claimed country stays a tight check.
var countries = []Country{
	{Code: "AF", Name: "Afghanistan", Box: Box{29.4, 38.5, 60.5, 75.2}},
	{Code: "AR", Name: "Argentina", Box: Box{-55.1, -21.8, -73.6, -53.6}},
	{Code: "AT", Name: "Austria", Box: Box{46.4, 49.0, 9.5, 17.2}},
	{Code: "AU", Name: "Australia", Box: Box{-43.7, -10.7, 113.3, 153.6}},
	{Code: "BD", Name: "Bangladesh", Box: Box{20.7, 26.6, 88.0, 92.7}},
	{Code: "BE", Name: "Belgium", Box: Box{49.5, 51.5, 2.5, 6.4}},
	{Code: "BR", Name: "Brazil", Box: Box{-33.8, 5.3, -74.0, -34.8}},
	{Code: "CA", Name: "Canada", Box: Box{41.7, 83.1, -141.0, -52.6}},
	{Code: "CD", Name: "Democratic Republic of the Congo", Box: Box{-13.5, 5.4, 12.2, 31.3},
		aliases: []string{"drc", "dr congo", "congo kinshasa"}},
	{Code: "CH", Name: "Switzerland", Box: Box{45.8, 47.8, 5.9, 10.5}},
	{Code: "CL", Name: "Chile", Box: Box{-56.0, -17.5, -75.7, -66.4}},
	{Code: "CN", Name: "China", Box: Box{18.2, 53.6, 73.5, 134.8},
		aliases: []string{"people's republic of china", "prc"}},
	{Code: "CO", Name: "Colombia", Box: Box{-4.2, 12.5, -79.0, -66.9}},
	{Code: "CU", Name: "Cuba", Box: Box{19.8, 23.3, -85.0, -74.1}},
	{Code: "DE", Name: "Germany", Box: Box{47.3, 55.1, 5.9, 15.0}},
	{Code: "DZ", Name: "Algeria", Box: Box{19.0, 37.1, -8.7, 12.0}},
	{Code: "EG", Name: "Egypt", Box: Box{22.0, 31.7, 24.7, 36.9}},
	{Code: "ES", Name: "Spain", Box: Box{36.0, 43.8, -9.3, 3.3}},
	{Code: "ET", Name: "Ethiopia", Box: Box{3.4, 14.9, 33.0, 48.0}},
	{Code: "FI", Name: "Finland", Box: Box{59.8, 70.1, 20.6, 31.6}},
	{Code: "FR", Name: "France", Box: Box{41.3, 51.1, -5.1, 9.6}},
	{Code: "GB", Name: "United Kingdom", Box: Box{49.9, 60.9, -8.6, 1.8},
		aliases: []string{"uk", "great britain", "britain", "england", "scotland", "wales", "northern ireland"}},
	{Code: "GR", Name: "Greece", Box: Box{34.8, 41.7, 19.4, 29.6}},
	{Code: "HT", Name: "Haiti", Box: Box{18.0, 20.1, -74.5, -71.6}},
	{Code: "ID", Name: "Indonesia", Box: Box{-11.0, 6.1, 95.0, 141.0}},
	{Code: "IE", Name: "Ireland", Box: Box{51.4, 55.4, -10.5, -6.0}},
	{Code: "IL", Name: "Israel", Box: Box{29.5, 33.3, 34.3, 35.9}},
	{Code: "IN", Name: "India", Box: Box{6.7, 35.5, 68.1, 97.4}},
	{Code: "IQ", Name: "Iraq", Box: Box{29.1, 37.4, 38.8, 48.6}},
	{Code: "IR", Name: "Iran", Box: Box{25.1, 39.8, 44.0, 63.3},
		aliases: []string{"islamic republic of iran"}},
	{Code: "IS", Name: "Iceland", Box: Box{63.3, 66.6, -24.5, -13.5}},
	{Code: "IT", Name: "Italy", Box: Box{36.6, 47.1, 6.6, 18.5}},
	{Code: "JP", Name: "Japan", Box: Box{24.0, 45.6, 122.9, 145.8}},
	{Code: "KE", Name: "Kenya", Box: Box{-4.7, 5.0, 33.9, 41.9}},
	{Code: "KR", Name: "South Korea", Box: Box{33.1, 38.6, 124.6, 131.9},
		aliases: []string{"korea", "republic of korea"}},
	{Code: "MA", Name: "Morocco", Box: Box{27.7, 35.9, -13.2, -1.0}},
	{Code: "MX", Name: "Mexico", Box: Box{14.5, 32.7, -118.4, -86.7}},
	{Code: "MY", Name: "Malaysia", Box: Box{0.9, 7.4, 99.6, 119.3}},
	{Code: "NG", Name: "Nigeria", Box: Box{4.3, 13.9, 2.7, 14.7}},
	{Code: "NL", Name: "Netherlands", Box: Box{50.8, 53.6, 3.3, 7.2},
		aliases: []string{"the netherlands", "holland"}},
	{Code: "NO", Name: "Norway", Box: Box{58.0, 71.2, 4.6, 31.1}},
	{Code: "NP", Name: "Nepal", Box: Box{26.3, 30.5, 80.0, 88.2}},
	{Code: "NZ", Name: "New Zealand", Box: Box{-47.3, -34.4, 166.4, 178.6}},
	{Code: "PE", Name: "Peru", Box: Box{-18.4, 0.0, -81.4, -68.7}},
	{Code: "PH", Name: "Philippines", Box: Box{4.6, 21.1, 116.9, 126.6},
		aliases: []string{"the philippines"}},
	{Code: "PK", Name: "Pakistan", Box: Box{23.7, 37.1, 60.9, 77.8}},
	{Code: "PL", Name: "Poland", Box: Box{49.0, 54.8, 14.1, 24.2}},
	{Code: "PT", Name: "Portugal", Box: Box{36.9, 42.2, -9.5, -6.2}},
	{Code: "RU", Name: "Russia", Box: Box{41.2, 81.9, 19.6, 180.0},
		aliases: []string{"russian federation"}},
	{Code: "SA", Name: "Saudi Arabia", Box: Box{16.4, 32.2, 34.5, 55.7}},
	{Code: "SE", Name: "Sweden", Box: Box{55.3, 69.1, 11.0, 24.2}},
	{Code: "TH", Name: "Thailand", Box: Box{5.6, 20.5, 97.3, 105.6}},
	{Code: "TR", Name: "Turkey", Box: Box{35.8, 42.1, 25.7, 44.8},
		aliases: []string{"turkiye"}},
	{Code: "UA", Name: "Ukraine", Box: Box{44.4, 52.4, 22.1, 40.2}},
	{Code: "US", Name: "United States", Box: Box{18.9, 71.4, -179.2, -66.9},
		aliases: []string{"usa", "u s", "u s a", "united states of america", "america"}},
	{Code: "VE", Name: "Venezuela", Box: Box{0.6, 12.2, -73.4, -59.8}},
	{Code: "VN", Name: "Vietnam", Box: Box{8.4, 23.4, 102.1, 109.5},
		aliases: []string{"viet nam"}},
	{Code: "ZA", Name: "South Africa", Box: Box{-34.8, -22.1, 16.5, 32.9}},
}

var countryIndex = buildCountryIndex()

func buildCountryIndex() map[string]*Country {
	idx := make(map[string]*Country, len(countries)*3)
	for i := range countries {
		c := &countries[i]
		idx[textnorm.Key(c.Code)] = c
		idx[textnorm.Key(c.Name)] = c
		for _, a := range c.aliases {
			idx[textnorm.Key(a)] = c
		}
	}
	return idx
}

// LookupCountry resolves a country name, common alias or ISO alpha-2 code.
// Matching ignores case, accents and punctuation.
func LookupCountry(nameOrCode string) (Country, bool) {
	c, ok := countryIndex[textnorm.Key(nameOrCode)]
	if !ok {
		return Country{}, false
	}
	return *c, true
}
