// Package geo holds the pure geofencing math: distances, circular zone
// membership and nearest-zone lookups. Nothing here keeps state.
package geo

import (
	"math"

	"github.com/lalithlochan/sentinel/internal/db"
)

// EarthRadiusMeters is the mean Earth radius used by DistanceMeters.
const EarthRadiusMeters = 6371000.0

// Point is a WGS84 coordinate in degrees.
type Point struct {
	Lat float64
	Lon float64
}

// FromLocation converts a reported location into a Point.
func FromLocation(l db.Location) Point {
	return Point{Lat: l.Lat, Lon: l.Lon}
}

// Center returns the center of a zone.
func Center(z *db.Zone) Point {
	return Point{Lat: z.Lat, Lon: z.Lon}
}

// DistanceMeters returns the haversine great-circle distance between a and b.
func DistanceMeters(a, b Point) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dLat := toRadians(b.Lat - a.Lat)
	dLon := toRadians(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	// Rounding can push h a hair past 1 for antipodal points.
	h = math.Min(1, h)

	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// Contains reports whether p lies inside z. The boundary counts as inside.
func Contains(z *db.Zone, p Point) bool {
	return DistanceMeters(p, Center(z)) <= z.RadiusMeters
}

// ZonesContaining returns every zone containing p, in input order.
func ZonesContaining(p Point, zones []*db.Zone) []*db.Zone {
	var matches []*db.Zone
	for _, z := range zones {
		if Contains(z, p) {
			matches = append(matches, z)
		}
	}
	return matches
}

// NearestZone returns the zone whose center is closest to p. Ties go to the
// zone that appears first. Returns nil for an empty slice.
func NearestZone(p Point, zones []*db.Zone) *db.Zone {
	var (
		nearest *db.Zone
		best    = math.Inf(1)
	)
	for _, z := range zones {
		if d := DistanceMeters(p, Center(z)); d < best {
			best = d
			nearest = z
		}
	}
	return nearest
}

// OfKind filters zones by kind, keeping order.
func OfKind(zones []*db.Zone, kind db.ZoneKind) []*db.Zone {
	var out []*db.Zone
	for _, z := range zones {
		if z.Kind == kind {
			out = append(out, z)
		}
	}
	return out
}

// DangerFirst picks the zone that decides a point's classification: the
// nearest DANGER match if any, else the nearest SAFE match.
func DangerFirst(p Point, matches []*db.Zone) *db.Zone {
	if danger := OfKind(matches, db.ZoneDanger); len(danger) > 0 {
		return NearestZone(p, danger)
	}
	return NearestZone(p, matches)
}

// Assessment summarises a point against a zone set.
type Assessment struct {
	Containing   []*db.Zone `json:"containing"`
	Danger       *db.Zone   `json:"danger,omitempty"`
	NearestSafe  *db.Zone   `json:"nearest_safe,omitempty"`
	SafeDistance float64    `json:"safe_distance_meters,omitempty"`
}

// Assess classifies p. Danger is the nearest containing DANGER zone;
// NearestSafe is the closest SAFE zone whether or not p is inside it.
func Assess(p Point, zones []*db.Zone) Assessment {
	a := Assessment{Containing: ZonesContaining(p, zones)}
	a.Danger = NearestZone(p, OfKind(a.Containing, db.ZoneDanger))
	if safe := NearestZone(p, OfKind(zones, db.ZoneSafe)); safe != nil {
		a.NearestSafe = safe
		a.SafeDistance = DistanceMeters(p, Center(safe))
	}
	return a
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
