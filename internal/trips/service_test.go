package trips

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/market"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/testutil"
)

var allStatuses = []models.TripStatus{
	models.TripRequested, models.TripMatching, models.TripMatched, models.TripDriverArriving,
	models.TripDriverArrived, models.TripInProgress, models.TripArrivingAtPickup, models.TripPickedUp,
	models.TripArrivingAtDropoff, models.TripDelivered, models.TripCompleted, models.TripCancelledByRider,
	models.TripCancelledByDriver, models.TripCancelledBySystem,
}

func TestCanTransitionMatchesAllowList(t *testing.T) {
	type pair = [2]models.TripStatus
	allowed := map[pair]bool{}
	for _, p := range []pair{
		{models.TripMatched, models.TripDriverArriving},
		{models.TripMatched, models.TripCancelledByDriver},
		{models.TripDriverArriving, models.TripDriverArrived},
		{models.TripDriverArriving, models.TripCancelledByDriver},
		{models.TripDriverArrived, models.TripInProgress},
		{models.TripDriverArrived, models.TripArrivingAtPickup},
		{models.TripDriverArrived, models.TripCancelledByDriver},
		{models.TripArrivingAtPickup, models.TripPickedUp},
		{models.TripArrivingAtPickup, models.TripCancelledByDriver},
		{models.TripPickedUp, models.TripArrivingAtDropoff},
		{models.TripPickedUp, models.TripCancelledByDriver},
		{models.TripInProgress, models.TripCompleted},
		{models.TripInProgress, models.TripArrivingAtDropoff},
		{models.TripInProgress, models.TripCancelledByDriver},
		{models.TripArrivingAtDropoff, models.TripDelivered},
		{models.TripArrivingAtDropoff, models.TripCancelledByDriver},
		{models.TripDelivered, models.TripCompleted},
	} {
		allowed[p] = true
	}
	require.Len(t, allowed, 17)
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			assert.Equal(t, allowed[pair{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

type fixture struct {
	store *storage.MemoryStore
	clock *testutil.Clock
	sink  *testutil.Sink
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storage.NewMemoryStore()
	testutil.SeedMarket(t, st)
	clock := testutil.NewClock()
	sink := &testutil.Sink{}
	svc := NewService(st, market.NewResolver(st), config.Static(config.Defaults()), sink, events.NewRecorder(st, nil, nil), nil, WithClock(clock.Now))
	return &fixture{store: st, clock: clock, sink: sink, svc: svc}
}

// matchTrip forces a trip into matched with the given driver and a pending earning.
func (f *fixture) matchTrip(t *testing.T, id string, kind models.JobKind, driverID string) {
	t.Helper()
	ctx := context.Background()
	testutil.SeedTrip(t, f.store, id, kind, 1000, f.clock.Now())
	testutil.SeedDriver(t, f.store, driverID, nil, f.clock.Now())
	require.NoError(t, f.store.CreateOffers(ctx, []models.Offer{{ID: "o-" + id, TripID: id, DriverID: driverID,
		BaselineFareCents: 1000, Status: models.OfferPending, ExpiresAt: f.clock.Now().Add(300e9), CreatedAt: f.clock.Now()}}))
	_, err := f.store.CommitMatch(ctx, storage.MatchCommit{TripID: id, OfferID: "o-" + id, DriverID: driverID,
		PricingMode: models.PricingBaseline, FinalFareCents: 1000, PlatformFeeCents: 200, DriverEarningsCents: 800,
		MatchedAt: f.clock.Now(), Earning: models.LedgerEntry{ID: "e-" + id, DriverID: driverID, TripID: id,
			Type: models.EarningEntryType(kind), AmountCents: 800, Status: models.LedgerPending, CreatedAt: f.clock.Now()}})
	require.NoError(t, err)
}

func TestCreatePricesAndResolvesMarket(t *testing.T) {
	f := newFixture(t)
	trip, err := f.svc.Create(context.Background(), CreateRequest{
		RequesterID: "rider-1", JobKind: models.JobRide,
		PickupAddress: "A", Pickup: models.Coord{Lat: 40, Lon: -74},
		DropoffAddress: "B", Dropoff: models.Coord{Lat: 40.045, Lon: -74},
	})
	require.NoError(t, err)
	assert.Equal(t, models.TripRequested, trip.Status)
	assert.Equal(t, testutil.MarketID, trip.MarketID)
	assert.InDelta(t, 5.0, trip.DistanceKm, 0.01)
	assert.Equal(t, int64(1001), trip.EstimatedFareCents)

	evs, err := f.store.ListEvents(context.Background(), trip.ID)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, models.EventRideRequested, evs[0].Type)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), CreateRequest{RequesterID: "r", JobKind: "boat"})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = f.svc.Create(context.Background(), CreateRequest{
		RequesterID: "r", JobKind: models.JobRide, PickupAddress: "A", DropoffAddress: "B",
		Pickup: models.Coord{Lat: 10, Lon: 10}, Dropoff: models.Coord{Lat: 10, Lon: 10},
	})
	assert.ErrorIs(t, err, apperr.ErrNoMarket)
}

func TestAdvanceStatusRideFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.matchTrip(t, "t1", models.JobRide, "d1")

	_, err := f.svc.AdvanceStatus(ctx, "t1", "d2", models.TripDriverArriving, "")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = f.svc.AdvanceStatus(ctx, "t1", "d1", models.TripCompleted, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	for _, st := range []models.TripStatus{models.TripDriverArriving, models.TripDriverArrived, models.TripInProgress} {
		_, err = f.svc.AdvanceStatus(ctx, "t1", "d1", st, "")
		require.NoError(t, err)
	}
	f.clock.Advance(600e9)
	trip, err := f.svc.AdvanceStatus(ctx, "t1", "d1", models.TripCompleted, "ignored-for-rides")
	require.NoError(t, err)
	assert.Equal(t, models.TripCompleted, trip.Status)
	require.NotNil(t, trip.StartedAt)
	require.NotNil(t, trip.CompletedAt)
	assert.True(t, trip.CompletedAt.After(*trip.StartedAt))
	assert.Empty(t, trip.DeliveryProof)
	assert.Len(t, f.sink.To("rider-1"), 4)
	assert.Equal(t, "Your ride is complete", f.sink.To("rider-1")[3].Body)
}

func TestAdvanceStatusDeliveryProof(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.matchTrip(t, "t1", models.JobDelivery, "d1")
	for _, st := range []models.TripStatus{models.TripDriverArriving, models.TripDriverArrived, models.TripArrivingAtPickup,
		models.TripPickedUp, models.TripArrivingAtDropoff} {
		_, err := f.svc.AdvanceStatus(ctx, "t1", "d1", st, "")
		require.NoError(t, err)
	}
	trip, err := f.svc.AdvanceStatus(ctx, "t1", "d1", models.TripDelivered, "s3://proof/1.jpg")
	require.NoError(t, err)
	assert.Equal(t, "s3://proof/1.jpg", trip.DeliveryProof)
	assert.Nil(t, trip.StartedAt)
}

func TestDriverCancelReversesPendingEarning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.matchTrip(t, "t1", models.JobRide, "d1")

	trip, err := f.svc.AdvanceStatus(ctx, "t1", "d1", models.TripCancelledByDriver, "")
	require.NoError(t, err)
	require.NotNil(t, trip.CancelledAt)

	pending, err := f.store.ListLedgerEntries(ctx, "d1", models.LedgerPending)
	require.NoError(t, err)
	assert.Empty(t, pending)
	reversed, err := f.store.ListLedgerEntries(ctx, "d1", models.LedgerReversed)
	require.NoError(t, err)
	assert.Len(t, reversed, 1)
}

func TestRiderCancelExpiresOffers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.SeedTrip(t, f.store, "t1", models.JobRide, 1000, f.clock.Now())
	require.NoError(t, f.store.CreateOffers(ctx, []models.Offer{{ID: "o1", TripID: "t1", DriverID: "d1",
		BaselineFareCents: 1000, Status: models.OfferPending, ExpiresAt: f.clock.Now().Add(300e9), CreatedAt: f.clock.Now()}}))

	_, err := f.svc.Cancel(ctx, "t1", "intruder", "changed my mind")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	trip, err := f.svc.Cancel(ctx, "t1", "rider-1", "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, models.TripCancelledByRider, trip.Status)
	assert.Equal(t, "changed my mind", trip.CancellationReason)

	o, err := f.store.GetOffer(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.OfferExpired, o.Status)

	_, err = f.svc.Cancel(ctx, "t1", "rider-1", "again")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestCancelBySystem(t *testing.T) {
	f := newFixture(t)
	testutil.SeedTrip(t, f.store, "t1", models.JobDelivery, 1000, f.clock.Now())
	trip, err := f.svc.CancelBySystem(context.Background(), "t1", "no drivers")
	require.NoError(t, err)
	assert.Equal(t, models.TripCancelledBySystem, trip.Status)
	assert.Len(t, f.sink.To("rider-1"), 1)
}
