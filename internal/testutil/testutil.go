// Package testutil holds fixtures shared by service tests.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/storage"
)

var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock { return &Clock{now: Epoch} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Sink records notifications and optionally fails them.
type Sink struct {
	mu   sync.Mutex
	Sent []notify.Notification
	Err  error
}

func (s *Sink) Notify(_ context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Sent = append(s.Sent, n)
	return s.Err
}

func (s *Sink) To(userID string) []notify.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notify.Notification
	for _, n := range s.Sent {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

const MarketID = "mkt-1"

func SeedMarket(t *testing.T, s storage.MarketStore) {
	t.Helper()
	err := s.SaveMarket(context.Background(), &models.Market{
		ID: MarketID, Name: "Downtown", Status: models.MarketActive,
		Center: models.Coord{Lat: 40.0, Lon: -74.0}, RadiusKm: 50,
	})
	if err != nil {
		t.Fatalf("seed market: %v", err)
	}
}

// SeedDriver stores an approved online driver with a fresh heartbeat. loc may
// be nil for a driver that never reported a position.
func SeedDriver(t *testing.T, s storage.DriverStore, id string, loc *models.Coord, now time.Time, mutate ...func(*models.Driver)) *models.Driver {
	t.Helper()
	hb := now
	d := &models.Driver{
		ID:                id,
		UserID:            "user-" + id,
		MarketID:          MarketID,
		ApprovalStatus:    models.ApprovalApproved,
		AcceptsRides:      true,
		AcceptsDeliveries: true,
		Online:            true,
		LastLocation:      loc,
		LastHeartbeat:     &hb,
		StripeAccountID:   "acct_" + id,
	}
	for _, m := range mutate {
		m(d)
	}
	if err := s.SaveDriver(context.Background(), d); err != nil {
		t.Fatalf("seed driver: %v", err)
	}
	return d
}

// SeedTrip stores a requested trip with the given estimate.
func SeedTrip(t *testing.T, s storage.TripStore, id string, kind models.JobKind, estimate int64, now time.Time) *models.Trip {
	t.Helper()
	tr := &models.Trip{
		ID:                 id,
		JobKind:            kind,
		RequesterID:        "rider-1",
		MarketID:           MarketID,
		Status:             models.TripRequested,
		PickupAddress:      "1 Main St",
		Pickup:             models.Coord{Lat: 40.0, Lon: -74.0},
		DropoffAddress:     "9 Elm St",
		Dropoff:            models.Coord{Lat: 40.05, Lon: -74.0},
		DistanceKm:         5.56,
		EstimatedFareCents: estimate,
		RequestedAt:        now,
	}
	if err := s.CreateTrip(context.Background(), tr); err != nil {
		t.Fatalf("seed trip: %v", err)
	}
	return tr
}

func Near(lat, lon float64) *models.Coord { return &models.Coord{Lat: lat, Lon: lon} }
