package scanner

import (
	"time"

	"github.com/lalithlochan/sentinel/internal/db"
	"github.com/lalithlochan/sentinel/internal/geo"
)

// State is a user's safety state. It is recomputed on every evaluation
// and never stored.
type State string

const (
	StateUnknown      State = "UNKNOWN" // no location yet, not evaluated
	StateActive       State = "ACTIVE"
	StateStale        State = "STALE"
	StateInDangerZone State = "IN_DANGER_ZONE"
)

// Evaluate applies the inactivity and zone rules to one user. Inactivity is
// strict: a fix exactly threshold old is still fresh. Zone entry reports the
// nearest DANGER zone containing the user. Both rules may fire at once, in
// which case the state is IN_DANGER_ZONE.
func Evaluate(u *db.User, zones []*db.Zone, now time.Time, threshold time.Duration) (State, []db.SafetyEvent) {
	if u.Location == nil || u.Location.Timestamp.IsZero() {
		return StateUnknown, nil
	}
	loc := *u.Location

	var (
		state  = StateActive
		events []db.SafetyEvent
	)

	if now.Sub(loc.Timestamp) > threshold {
		state = StateStale
		events = append(events, db.SafetyEvent{
			UserID:     u.ID,
			Kind:       db.EventInactivity,
			DetectedAt: now,
			Location:   loc,
		})
	}

	p := geo.FromLocation(loc)
	matches := geo.ZonesContaining(p, geo.OfKind(zones, db.ZoneDanger))
	if zone := geo.NearestZone(p, matches); zone != nil {
		state = StateInDangerZone
		zoneID := zone.ID
		events = append(events, db.SafetyEvent{
			UserID:     u.ID,
			Kind:       db.EventZoneEntry,
			DetectedAt: now,
			Location:   loc,
			ZoneID:     &zoneID,
			Zone:       zone,
		})
	}

	return state, events
}
