// Package geo holds the small amount of spherical geometry shared by the
// reference store and the vehicle trackers.
package geo

import (
	"math"
	"time"
)

// EarthRadiusM is the mean Earth radius used for great-circle distances.
const EarthRadiusM = 6371000.0

// HaversineM returns the great-circle distance in meters between two
// WGS84 points on a spherical Earth.
func HaversineM(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusM * c
}

// SpeedKmh converts a distance in meters covered over elapsed into km/h.
// Returns 0 for non-positive elapsed; callers must treat that case as
// "speed undefined" and check elapsed themselves.
func SpeedKmh(distM float64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return (distM / 1000.0) / elapsed.Hours()
}

// BoundingBox returns a lat/lon window that fully contains the circle of
// radiusM around (lat, lon). Used as an index-friendly prefilter before an
// exact haversine check.
func BoundingBox(lat, lon, radiusM float64) (minLat, maxLat, minLon, maxLon float64) {
	dLat := radiusM / EarthRadiusM * 180 / math.Pi
	cos := math.Cos(lat * math.Pi / 180)
	if cos < 0.01 {
		cos = 0.01
	}
	dLon := dLat / cos
	return lat - dLat, lat + dLat, lon - dLon, lon + dLon
}

// RoundCoord rounds a coordinate to the given number of decimal places.
// Aggregation buckets use 4 places (~11 m).
func RoundCoord(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
