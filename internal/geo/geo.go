// Package geo provides great-circle distance helpers for event and
// location coordinates.
package geo

import "math"

// EarthRadiusKm is the mean Earth radius used by Haversine.
const EarthRadiusKm = 6371.0

// Point is a latitude/longitude pair in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}

// HaversineKm returns the great-circle distance between two coordinate
// pairs in kilometers.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Pow(math.Sin(dLat/2), 2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Pow(math.Sin(dLng/2), 2)
	// Rounding can push a past 1 for near-antipodal pairs.
	a = math.Min(a, 1)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// DistanceKm returns the great-circle distance from p to q.
func (p Point) DistanceKm(q Point) float64 {
	return HaversineKm(p.Lat, p.Lng, q.Lat, q.Lng)
}

// Within reports whether q lies within radiusKm of p. The boundary is
// inclusive.
func (p Point) Within(q Point, radiusKm float64) bool {
	return p.DistanceKm(q) <= radiusKm
}
