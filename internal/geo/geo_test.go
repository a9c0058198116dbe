package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lalithlochan/sentinel/internal/db"
)

// northOf returns the point d meters due north of p.
func northOf(p Point, d float64) Point {
	return Point{Lat: p.Lat + (d/EarthRadiusMeters)*180/math.Pi, Lon: p.Lon}
}

func zone(id string, c Point, radius float64, kind db.ZoneKind) *db.Zone {
	return &db.Zone{ID: id, Name: id, Lat: c.Lat, Lon: c.Lon, RadiusMeters: radius, Kind: kind}
}

func TestDistanceMeters(t *testing.T) {
	tests := []struct {
		name string
		a, b Point
		want float64
		tol  float64
	}{
		{"same point", Point{28.6129, 77.2295}, Point{28.6129, 77.2295}, 0, 1e-9},
		{"one degree of latitude", Point{0, 0}, Point{1, 0}, 111194.93, 0.5},
		{"delhi to agra", Point{28.6139, 77.2090}, Point{27.1767, 78.0081}, 177800, 1500},
		{"antipodal", Point{0, 0}, Point{0, 180}, math.Pi * EarthRadiusMeters, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, DistanceMeters(tt.a, tt.b), tt.tol)
			assert.InDelta(t, DistanceMeters(tt.a, tt.b), DistanceMeters(tt.b, tt.a), 1e-6)
		})
	}
}

func TestZonesContaining_Radius(t *testing.T) {
	center := Point{28.6129, 77.2295}
	z := zone("india-gate", center, 1000, db.ZoneDanger)

	assert.Len(t, ZonesContaining(northOf(center, 999), []*db.Zone{z}), 1)
	assert.Empty(t, ZonesContaining(northOf(center, 1001), []*db.Zone{z}))
}

func TestZonesContaining_BoundaryInclusive(t *testing.T) {
	center := Point{28.6129, 77.2295}
	p := northOf(center, 500)
	z := zone("edge", center, DistanceMeters(p, center), db.ZoneSafe)

	require.True(t, Contains(z, p))
	assert.Equal(t, []*db.Zone{z}, ZonesContaining(p, []*db.Zone{z}))
}

func TestZonesContaining_MultipleMatchesKeepOrder(t *testing.T) {
	center := Point{10, 10}
	a := zone("a", center, 2000, db.ZoneSafe)
	b := zone("b", northOf(center, 5000), 100, db.ZoneDanger)
	c := zone("c", northOf(center, 100), 500, db.ZoneDanger)

	got := ZonesContaining(center, []*db.Zone{a, b, c})
	assert.Equal(t, []*db.Zone{a, c}, got)
}

func TestNearestZone(t *testing.T) {
	p := Point{0, 0}
	far := zone("far", northOf(p, 900), 1000, db.ZoneSafe)
	near := zone("near", northOf(p, 100), 1000, db.ZoneSafe)

	assert.Equal(t, near, NearestZone(p, []*db.Zone{far, near}))
	assert.Nil(t, NearestZone(p, nil))
}

func TestNearestZone_TieKeepsInputOrder(t *testing.T) {
	p := Point{0, 0}
	first := zone("first", northOf(p, 300), 10, db.ZoneSafe)
	second := zone("second", northOf(p, 300), 10, db.ZoneDanger)

	assert.Equal(t, "first", NearestZone(p, []*db.Zone{first, second}).ID)
	assert.Equal(t, "second", NearestZone(p, []*db.Zone{second, first}).ID)
}

func TestDangerFirst(t *testing.T) {
	p := Point{0, 0}
	safe := zone("safe", p, 1000, db.ZoneSafe)
	danger := zone("danger", northOf(p, 400), 1000, db.ZoneDanger)

	assert.Equal(t, danger, DangerFirst(p, []*db.Zone{safe, danger}))
	assert.Equal(t, safe, DangerFirst(p, []*db.Zone{safe}))
	assert.Nil(t, DangerFirst(p, nil))
}

func TestAssess(t *testing.T) {
	p := Point{0, 0}
	danger := zone("market", northOf(p, 50), 200, db.ZoneDanger)
	hotel := zone("hotel", northOf(p, 3000), 100, db.ZoneSafe)

	a := Assess(p, []*db.Zone{danger, hotel})

	assert.Equal(t, []*db.Zone{danger}, a.Containing)
	assert.Equal(t, danger, a.Danger)
	assert.Equal(t, hotel, a.NearestSafe)
	assert.InDelta(t, 3000, a.SafeDistance, 1)
}
