package offers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/testutil"
)

type fixture struct {
	store   *storage.MemoryStore
	clock   *testutil.Clock
	sink    *testutil.Sink
	manager *Manager
	offers  []models.Offer
}

// newFixture dispatches one trip to the given drivers and returns the
// resulting offers in driver order.
func newFixture(t *testing.T, tun config.Tunables, estimate int64, drivers ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	st := storage.NewMemoryStore()
	clock := testutil.NewClock()
	sink := &testutil.Sink{}
	rec := events.NewRecorder(st, nil, nil)
	testutil.SeedMarket(t, st)
	for _, id := range drivers {
		testutil.SeedDriver(t, st, id, testutil.Near(40, -74), clock.Now())
	}
	testutil.SeedTrip(t, st, "t1", models.JobRide, estimate, clock.Now())

	eng := dispatch.NewEngine(st, config.Static(tun), sink, rec, nil, dispatch.WithClock(clock.Now))
	_, err := eng.Dispatch(ctx, "t1")
	require.NoError(t, err)
	offers, err := st.ListOffers(ctx, "t1")
	require.NoError(t, err)

	return &fixture{
		store:   st,
		clock:   clock,
		sink:    sink,
		manager: NewManager(st, config.Static(tun), sink, rec, nil, WithClock(clock.Now)),
		offers:  offers,
	}
}

func quote(v int64) *int64 { return &v }

func TestAcceptBaselineSplit(t *testing.T) {
	f := newFixture(t, config.Defaults(), 1000, "d1", "d2")
	ctx := context.Background()

	res, err := f.manager.Respond(ctx, f.offers[0].ID, "d1", ActionAccept, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMatched, res.Action)

	trip := res.Trip
	assert.Equal(t, models.TripMatched, trip.Status)
	assert.Equal(t, "d1", trip.DriverID)
	assert.Equal(t, models.PricingBaseline, trip.PricingMode)
	assert.Equal(t, int64(1000), trip.FinalFareCents)
	assert.Equal(t, int64(200), trip.PlatformFeeCents)
	assert.Equal(t, int64(800), trip.DriverEarningsCents)

	pending, err := f.store.ListLedgerEntries(ctx, "d1", models.LedgerPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.EntryRideEarning, pending[0].Type)
	assert.Equal(t, int64(800), pending[0].AmountCents)

	sib, err := f.store.GetOffer(ctx, f.offers[1].ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferSuperseded, sib.Status)

	assert.Len(t, f.sink.To("rider-1"), 1)

	_, err = f.manager.Respond(ctx, f.offers[1].ID, "d2", ActionAccept, nil)
	assert.ErrorIs(t, err, apperr.ErrOfferClosed)
}

func TestConcurrentAcceptsSingleWinner(t *testing.T) {
	drivers := []string{"d1", "d2", "d3", "d4", "d5"}
	f := newFixture(t, config.Defaults(), 1000, drivers...)
	ctx := context.Background()

	// The last driver quotes, and the rider selects that quote while the
	// others accept the baseline.
	quoted := f.offers[len(f.offers)-1]
	_, err := f.manager.Respond(ctx, quoted.ID, quoted.DriverID, ActionQuote, quote(1500))
	require.NoError(t, err)

	start := make(chan struct{})
	errs := make([]error, len(f.offers))
	var wg sync.WaitGroup
	for i, o := range f.offers {
		wg.Add(1)
		go func(i int, o models.Offer) {
			defer wg.Done()
			<-start
			if o.ID == quoted.ID {
				_, errs[i] = f.manager.SelectQuote(ctx, o.ID, "rider-1")
				return
			}
			_, errs[i] = f.manager.Respond(ctx, o.ID, o.DriverID, ActionAccept, nil)
		}(i, o)
	}
	close(start)
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, errors.Is(err, apperr.ErrAlreadyMatched) || errors.Is(err, apperr.ErrOfferClosed) ||
			errors.Is(err, apperr.ErrTripUnavailable), "unexpected error %v", err)
	}
	assert.Equal(t, 1, wins)

	offers, err := f.store.ListOffers(ctx, "t1")
	require.NoError(t, err)
	accepted := 0
	for _, o := range offers {
		if o.Status == models.OfferAccepted {
			accepted++
		} else {
			assert.Equal(t, models.OfferSuperseded, o.Status)
		}
	}
	assert.Equal(t, 1, accepted)

	trip, err := f.store.GetTrip(ctx, "t1")
	require.NoError(t, err)
	if trip.DriverID == quoted.DriverID {
		assert.Equal(t, models.PricingDriverQuote, trip.PricingMode)
		assert.Equal(t, int64(1500), trip.FinalFareCents)
	} else {
		assert.Equal(t, models.PricingBaseline, trip.PricingMode)
		assert.Equal(t, int64(1000), trip.FinalFareCents)
	}
	total := 0
	for _, d := range drivers {
		entries, err := f.store.ListLedgerEntries(ctx, d, models.LedgerPending)
		require.NoError(t, err)
		total += len(entries)
		if len(entries) == 1 {
			assert.Equal(t, trip.DriverID, d)
			assert.Equal(t, trip.DriverEarningsCents, entries[0].AmountCents)
		}
	}
	assert.Equal(t, 1, total)
}

func TestQuoteAndSelect(t *testing.T) {
	f := newFixture(t, config.Defaults(), 1000, "d1", "d2")
	ctx := context.Background()

	res, err := f.manager.Respond(ctx, f.offers[1].ID, "d2", ActionQuote, quote(1500))
	require.NoError(t, err)
	assert.Equal(t, OutcomeQuoteSubmitted, res.Action)
	assert.Equal(t, models.OfferPending, res.Offer.Status)
	assert.Len(t, f.sink.To("rider-1"), 1)

	_, err = f.manager.SelectQuote(ctx, f.offers[1].ID, "someone-else")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	_, err = f.manager.SelectQuote(ctx, f.offers[0].ID, "rider-1")
	assert.ErrorIs(t, err, apperr.ErrNoQuote)

	res, err = f.manager.SelectQuote(ctx, f.offers[1].ID, "rider-1")
	require.NoError(t, err)
	trip := res.Trip
	assert.Equal(t, models.PricingDriverQuote, trip.PricingMode)
	assert.Equal(t, int64(1500), trip.FinalFareCents)
	assert.Equal(t, int64(300), trip.PlatformFeeCents)
	assert.Equal(t, int64(1200), trip.DriverEarningsCents)
	assert.Len(t, f.sink.To("user-d2"), 2) // offer + quote accepted

	first, err := f.store.GetOffer(ctx, f.offers[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferSuperseded, first.Status)
}

func TestSelectQuoteCommissionOnBaseline(t *testing.T) {
	tun := config.Defaults()
	tun.CommissionAppliesToQuotes = false
	f := newFixture(t, tun, 1000, "d1")
	ctx := context.Background()

	_, err := f.manager.Respond(ctx, f.offers[0].ID, "d1", ActionQuote, quote(1500))
	require.NoError(t, err)
	res, err := f.manager.SelectQuote(ctx, f.offers[0].ID, "rider-1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), res.Trip.PlatformFeeCents)
	assert.Equal(t, int64(1300), res.Trip.DriverEarningsCents)
}

func TestQuoteBoundsAreExact(t *testing.T) {
	cases := []struct {
		name  string
		quote int64
		ok    bool
	}{
		{"at percent minimum", 800, true},
		{"one below minimum", 799, false},
		{"at percent maximum", 2000, true},
		{"one above maximum", 2001, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, config.Defaults(), 1000, "d1")
			_, err := f.manager.Respond(context.Background(), f.offers[0].ID, "d1", ActionQuote, quote(tc.quote))
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, apperr.ErrQuoteOutOfRange)
			var qe *apperr.QuoteRangeError
			require.ErrorAs(t, err, &qe)
			assert.Equal(t, int64(800), qe.MinCents)
			assert.Equal(t, int64(2000), qe.MaxCents)
		})
	}
}

func TestQuoteBoundsFractionalPercent(t *testing.T) {
	tun := config.Defaults()
	// 80% of 1001 is 800.8: 800 is below, 801 is inside
	assert.False(t, InRange(800, 1001, tun))
	assert.True(t, InRange(801, 1001, tun))
	lo, hi := Bounds(1001, tun)
	assert.Equal(t, int64(801), lo)
	assert.Equal(t, int64(2002), hi)

	// flat floor dominates small baselines
	lo, _ = Bounds(100, tun)
	assert.Equal(t, int64(300), lo)
	assert.False(t, InRange(299, 100, tun))
}

func TestQuotingDisabled(t *testing.T) {
	tun := config.Defaults()
	tun.QuoteEnabled = false
	f := newFixture(t, tun, 1000, "d1")
	_, err := f.manager.Respond(context.Background(), f.offers[0].ID, "d1", ActionQuote, quote(1000))
	assert.ErrorIs(t, err, apperr.ErrQuotingDisabled)
}

func TestQuoteRequired(t *testing.T) {
	f := newFixture(t, config.Defaults(), 1000, "d1")
	_, err := f.manager.Respond(context.Background(), f.offers[0].ID, "d1", ActionQuote, nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestRespondPreconditions(t *testing.T) {
	f := newFixture(t, config.Defaults(), 1000, "d1", "d2")
	ctx := context.Background()

	_, err := f.manager.Respond(ctx, "missing", "d1", ActionAccept, nil)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.manager.Respond(ctx, f.offers[0].ID, "d2", ActionAccept, nil)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = f.manager.Respond(ctx, f.offers[0].ID, "d1", Action("maybe"), nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	res, err := f.manager.Respond(ctx, f.offers[0].ID, "d1", ActionReject, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Action)
	assert.Equal(t, models.OfferRejected, res.Offer.Status)

	_, err = f.manager.Respond(ctx, f.offers[0].ID, "d1", ActionAccept, nil)
	assert.ErrorIs(t, err, apperr.ErrOfferClosed)

	f.clock.Advance(301 * time.Second)
	_, err = f.manager.Respond(ctx, f.offers[1].ID, "d2", ActionAccept, nil)
	assert.ErrorIs(t, err, apperr.ErrOfferExpired)
	o, err := f.store.GetOffer(ctx, f.offers[1].ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferExpired, o.Status)
}

func TestRespondOnCancelledTrip(t *testing.T) {
	f := newFixture(t, config.Defaults(), 1000, "d1")
	ctx := context.Background()
	trip, err := f.store.GetTrip(ctx, "t1")
	require.NoError(t, err)
	_, err = f.store.UpdateTrip(ctx, "t1", trip.Status, trip.Version, storage.TripUpdate{Status: models.TripCancelledByRider})
	require.NoError(t, err)

	_, err = f.manager.Respond(ctx, f.offers[0].ID, "d1", ActionAccept, nil)
	assert.ErrorIs(t, err, apperr.ErrTripUnavailable)
}

func TestFareIdentityAcrossCommission(t *testing.T) {
	for pct := 0; pct <= 100; pct += 5 {
		for _, applies := range []bool{true, false} {
			tun := config.Defaults()
			tun.CommissionPercent = float64(pct)
			tun.CommissionAppliesToQuotes = applies

			f := newFixture(t, tun, 1234, "d1", "d2")
			ctx := context.Background()
			var trip *models.Trip
			if applies {
				_, err := f.manager.Respond(ctx, f.offers[1].ID, "d2", ActionQuote, quote(1777))
				require.NoError(t, err)
				res, err := f.manager.SelectQuote(ctx, f.offers[1].ID, "rider-1")
				require.NoError(t, err)
				trip = res.Trip
			} else {
				res, err := f.manager.Respond(ctx, f.offers[0].ID, "d1", ActionAccept, nil)
				require.NoError(t, err)
				trip = res.Trip
			}
			assert.Equal(t, trip.FinalFareCents, trip.PlatformFeeCents+trip.DriverEarningsCents, "commission %d", pct)
			assert.GreaterOrEqual(t, trip.DriverEarningsCents, int64(0))
		}
	}
}
