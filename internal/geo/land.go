package geo

// landmasses are coarse boxes over the continents and large islands. They
// overreach into coastal water and inland seas; only points outside all of
// them and every country box count as open ocean.
var landmasses = []Box{
	{15.0, 37.5, -17.5, 35.0},     // North Africa, Sahel
	{4.0, 15.0, -17.5, 24.0},      // West Africa
	{-5.0, 15.0, 8.0, 44.0},       // Central and East Africa
	{-2.0, 15.0, 33.0, 51.5},      // Horn of Africa
	{-35.0, -5.0, 11.5, 41.0},     // Southern Africa
	{-25.7, -11.9, 43.1, 50.6},    // Madagascar
	{12.5, 37.5, 34.0, 60.0},      // Arabia, Levant
	{35.0, 55.5, 46.0, 87.5},      // Central Asia, Caspian
	{41.5, 52.2, 87.7, 119.9},     // Mongolia
	{-11.0, 28.5, 92.0, 141.5},    // Southeast Asia, New Guinea
	{36.0, 71.5, -10.5, 40.0},     // Continental Europe
	{49.8, 60.9, -10.7, 1.8},      // British Isles
	{63.3, 66.6, -24.6, -13.5},    // Iceland
	{51.0, 71.5, -170.0, -129.9},  // Alaska
	{59.7, 83.7, -73.3, -11.3},    // Greenland
	{7.0, 18.5, -92.5, -77.0},     // Central America
	{10.0, 27.0, -85.0, -59.5},    // Caribbean
	{-56.0, 12.5, -81.5, -34.7},   // South America
	{-47.3, -34.4, 166.4, 178.6},  // New Zealand
	{-90.0, -60.0, -180.0, 180.0}, // Antarctica
}

// OnLand reports whether the point lies within buffer degrees of a country
// box or a landmass.
func OnLand(lat, lng, buffer float64) bool {
	for i := range countries {
		if countries[i].Box.Contains(lat, lng, buffer) {
			return true
		}
	}
	for _, b := range landmasses {
		if b.Contains(lat, lng, buffer) {
			return true
		}
	}
	return false
}
