package geo

import "math"

// EarthRadiusKm — средний радиус Земли, которым считает haversine.
const EarthRadiusKm = 6371.0

type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid — координаты конечны и в допустимых диапазонах.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lon, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// Distance returns the great-circle distance between a and b in meters.
func Distance(a, b Point) float64 {
	dLat := deg2rad(b.Lat - a.Lat)
	dLon := deg2rad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(deg2rad(a.Lat))*math.Cos(deg2rad(b.Lat))*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKm * c * 1000
}

// Offset moves p north by meters (positive) along its meridian.
// Used to build positions at a known distance from an anchor.
func Offset(p Point, northMeters float64) Point {
	dLat := northMeters / (EarthRadiusKm * 1000) * 180 / math.Pi
	return Point{Lat: p.Lat + dLat, Lon: p.Lon}
}

func deg2rad(deg float64) float64 {
	return deg * (math.Pi / 180)
}
