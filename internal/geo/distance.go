// Package geo matches consumer areas of interest against provider coverage areas.
package geo

import (
	"math"

	"github.com/DroneBid/dronebid-market-go/internal/model"
)

// EarthRadiusMeters is the mean Earth radius used by the haversine formula.
const EarthRadiusMeters = 6371000.0

const degToRad = math.Pi / 180

// DistanceMeters calculates the great-circle distance between two points in
// meters using the haversine formula.
func DistanceMeters(a, b model.Coordinate) float64 {
	dLat := (b.Lat - a.Lat) * degToRad
	dLng := (b.Lng - a.Lng) * degToRad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*degToRad)*math.Cos(b.Lat*degToRad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	// rounding can push h a hair past 1 for antipodal points
	h = math.Min(1, math.Max(0, h))
	return EarthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// CirclesOverlap reports whether two circles share interior area. Tangent
// circles do not overlap.
func CirclesOverlap(c1, c2 model.Circle) bool {
	return DistanceMeters(c1.Center, c2.Center) < c1.Radius+c2.Radius
}

// Area is anything with a service circle owned by a provider.
type Area interface {
	Circle() model.Circle
	Provider() string
}

// FilterAreas keeps the areas that overlap aoi. A nil aoi keeps everything.
func FilterAreas[T Area](aoi *model.Circle, areas []T) []T {
	if aoi == nil {
		return areas
	}
	out := make([]T, 0, len(areas))
	for _, a := range areas {
		if CirclesOverlap(*aoi, a.Circle()) {
			out = append(out, a)
		}
	}
	return out
}

// MatchProviders returns each provider with at least one area overlapping
// aoi, in first-seen order. A nil aoi matches every provider.
func MatchProviders[T Area](aoi *model.Circle, areas []T) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, a := range FilterAreas(aoi, areas) {
		if p := a.Provider(); !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
