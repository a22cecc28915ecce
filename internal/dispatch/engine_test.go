package dispatch

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
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/testutil"
)

type fixture struct {
	store  *storage.MemoryStore
	clock  *testutil.Clock
	sink   *testutil.Sink
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storage.NewMemoryStore()
	clock := testutil.NewClock()
	sink := &testutil.Sink{}
	testutil.SeedMarket(t, st)
	rec := events.NewRecorder(st, nil, nil)
	eng := NewEngine(st, config.Static(config.Defaults()), sink, rec, nil, WithClock(clock.Now))
	return &fixture{store: st, clock: clock, sink: sink, engine: eng}
}

func eventTypes(t *testing.T, st *storage.MemoryStore, tripID string) []string {
	t.Helper()
	evs, err := st.ListEvents(context.Background(), tripID)
	require.NoError(t, err)
	out := make([]string, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Type)
	}
	return out
}

func TestDispatchOffersNearestFive(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()
	for i, id := range []string{"d1", "d2", "d3", "d4", "d5", "d6"} {
		testutil.SeedDriver(t, f.store, id, testutil.Near(40.0+float64(i)*0.001, -74.0), now)
	}
	testutil.SeedDriver(t, f.store, "nowhere", nil, now)
	testutil.SeedTrip(t, f.store, "t1", models.JobRide, 1000, now)

	res, err := f.engine.Dispatch(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, 5, res.OffersSent)
	require.NotNil(t, res.ExpiresAt)
	assert.Equal(t, now.Add(300*time.Second), *res.ExpiresAt)

	offers, err := f.store.ListOffers(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, offers, 5)
	for i, o := range offers {
		assert.Equal(t, []string{"d1", "d2", "d3", "d4", "d5"}[i], o.DriverID)
		assert.Equal(t, models.OfferPending, o.Status)
		assert.Equal(t, int64(1000), o.BaselineFareCents)
	}

	trip, err := f.store.GetTrip(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TripMatching, trip.Status)
	assert.Len(t, f.sink.Sent, 5)
	assert.Equal(t, []string{models.EventOffersSent}, eventTypes(t, f.store, "t1"))
}

func TestDispatchRequiresRequested(t *testing.T) {
	f := newFixture(t)
	testutil.SeedTrip(t, f.store, "t1", models.JobRide, 1000, f.clock.Now())
	_, err := f.store.UpdateTrip(context.Background(), "t1", models.TripRequested, 0, storage.TripUpdate{Status: models.TripMatching})
	require.NoError(t, err)

	_, err = f.engine.Dispatch(context.Background(), "t1")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	_, err = f.engine.Dispatch(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDispatchNoDrivers(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()
	// stale heartbeat
	testutil.SeedDriver(t, f.store, "stale", testutil.Near(40, -74), now.Add(-6*time.Minute))
	testutil.SeedDriver(t, f.store, "offline", testutil.Near(40, -74), now, func(d *models.Driver) { d.Online = false })
	testutil.SeedTrip(t, f.store, "t1", models.JobRide, 1000, now)

	res, err := f.engine.Dispatch(context.Background(), "t1")
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.Equal(t, ReasonNoDrivers, res.Reason)
	assert.Equal(t, []string{models.EventNoDriversAvailable}, eventTypes(t, f.store, "t1"))
}

func TestDispatchNoEligibleDrivers(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()
	testutil.SeedDriver(t, f.store, "far", testutil.Near(41, -74), now)
	testutil.SeedDriver(t, f.store, "rides-only", testutil.Near(40, -74), now, func(d *models.Driver) { d.AcceptsDeliveries = false })
	testutil.SeedTrip(t, f.store, "t1", models.JobDelivery, 1000, now)

	res, err := f.engine.Dispatch(context.Background(), "t1")
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.Equal(t, ReasonNoEligible, res.Reason)

	trip, err := f.store.GetTrip(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TripMatching, trip.Status)
}

func TestDispatchNotificationFailuresDoNotAbort(t *testing.T) {
	f := newFixture(t)
	f.sink.Err = errors.New("push down")
	now := f.clock.Now()
	testutil.SeedDriver(t, f.store, "d1", testutil.Near(40, -74), now)
	testutil.SeedTrip(t, f.store, "t1", models.JobRide, 1000, now)

	res, err := f.engine.Dispatch(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.OffersSent)
}

func TestDispatchConcurrentCallsClaimOnce(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()
	testutil.SeedDriver(t, f.store, "d1", testutil.Near(40, -74), now)
	testutil.SeedTrip(t, f.store, "t1", models.JobRide, 1000, now)

	const n = 8
	start := make(chan struct{})
	results := make(chan Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := f.engine.Dispatch(context.Background(), "t1")
			if err == nil {
				results <- res
			}
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	sent := 0
	for r := range results {
		if r.Matched {
			sent++
		}
	}
	assert.Equal(t, 1, sent)
	offers, err := f.store.ListOffers(context.Background(), "t1")
	require.NoError(t, err)
	assert.Len(t, offers, 1)
}

func TestRedispatchAfterOffersExpire(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()
	testutil.SeedDriver(t, f.store, "d1", testutil.Near(40, -74), now)
	testutil.SeedTrip(t, f.store, "t1", models.JobRide, 1000, now)

	_, err := f.engine.Dispatch(context.Background(), "t1")
	require.NoError(t, err)

	res, err := f.engine.Redispatch(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, ReasonOffersOutstanding, res.Reason)

	f.clock.Advance(301 * time.Second)
	testutil.SeedDriver(t, f.store, "d2", testutil.Near(40, -74), f.clock.Now())
	res, err = f.engine.Redispatch(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, 1, res.OffersSent)

	offers, err := f.store.ListOffers(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, offers, 2)
	assert.Equal(t, models.OfferExpired, offers[0].Status)
	assert.Equal(t, "d2", offers[1].DriverID)
}
