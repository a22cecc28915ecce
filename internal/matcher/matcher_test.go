package matcher

import (
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func at(lat, lon float64) *models.Coord { return &models.Coord{Lat: lat, Lon: lon} }

func TestRankNearestFirstUnknownLast(t *testing.T) {
	drivers := []models.Driver{
		{ID: "unknown", AcceptsRides: true},
		{ID: "far", AcceptsRides: true, LastLocation: at(0.05, 0)},
		{ID: "near", AcceptsRides: true, LastLocation: at(0.01, 0)},
		{ID: "outside", AcceptsRides: true, LastLocation: at(1, 0)},
		{ID: "courier", AcceptsDeliveries: true, LastLocation: at(0, 0)},
	}
	got := Rank(drivers, Criteria{Pickup: models.Coord{}, JobKind: models.JobRide, RadiusKm: 10, TopN: 5})
	want := []string{"near", "far", "unknown"}
	if len(got) != len(want) {
		t.Fatalf("expected %d candidates, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].Driver.ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, got[i].Driver.ID)
		}
	}
}

func TestRankTiesByIDAndTopN(t *testing.T) {
	drivers := []models.Driver{
		{ID: "c", AcceptsDeliveries: true, LastLocation: at(0, 0)},
		{ID: "a", AcceptsDeliveries: true, LastLocation: at(0, 0)},
		{ID: "b", AcceptsDeliveries: true, LastLocation: at(0, 0)},
	}
	got := Rank(drivers, Criteria{JobKind: models.JobDelivery, RadiusKm: 1, TopN: 2})
	if len(got) != 2 || got[0].Driver.ID != "a" || got[1].Driver.ID != "b" {
		t.Fatalf("unexpected order %+v", got)
	}
}

func TestRankExcludes(t *testing.T) {
	drivers := []models.Driver{
		{ID: "a", AcceptsRides: true},
		{ID: "b", AcceptsRides: true},
	}
	got := Rank(drivers, Criteria{JobKind: models.JobRide, RadiusKm: 1, Exclude: map[string]bool{"a": true}})
	if len(got) != 1 || got[0].Driver.ID != "b" {
		t.Fatalf("unexpected result %+v", got)
	}
}
