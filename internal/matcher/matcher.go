// Package matcher ranks dispatch candidates for a pickup point.
package matcher

import (
	"sort"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Candidate is a driver that passed the eligibility filters.
type Candidate struct {
	Driver     models.Driver
	DistanceKm float64
	// KnownLocation is false when the driver has never reported a position.
	KnownLocation bool
}

// Criteria narrows the candidate pool for one trip.
type Criteria struct {
	Pickup   models.Coord
	JobKind  models.JobKind
	RadiusKm float64
	TopN     int
	// Exclude skips drivers that already hold an offer for the trip.
	Exclude map[string]bool
}

// Rank filters drivers by job kind and radius, then orders them nearest
// first. Drivers without a known location pass the radius filter and sort
// after every located driver; ties break on driver id.
func Rank(drivers []models.Driver, c Criteria) []Candidate {
	out := make([]Candidate, 0, len(drivers))
	for _, d := range drivers {
		if c.Exclude[d.ID] || !d.Accepts(c.JobKind) {
			continue
		}
		cand := Candidate{Driver: d}
		if d.LastLocation != nil {
			cand.KnownLocation = true
			cand.DistanceKm = geo.DistanceKm(*d.LastLocation, c.Pickup)
			if cand.DistanceKm > c.RadiusKm {
				continue
			}
		}
		out = append(out, cand)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.KnownLocation != b.KnownLocation {
			return a.KnownLocation
		}
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		return a.Driver.ID < b.Driver.ID
	})
	if c.TopN > 0 && len(out) > c.TopN {
		out = out[:c.TopN]
	}
	return out
}
