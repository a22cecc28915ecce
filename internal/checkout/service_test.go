package checkout

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/testutil"
)

type intentCall struct {
	Amount      int64
	Description string
	Metadata    map[string]string
}

type fakeCollector struct {
	calls []intentCall
	err   error
}

func (c *fakeCollector) CreateIntent(_ context.Context, amount int64, description string, metadata map[string]string) (payments.Intent, error) {
	c.calls = append(c.calls, intentCall{amount, description, metadata})
	if c.err != nil {
		return payments.Intent{}, c.err
	}
	n := len(c.calls)
	return payments.Intent{ID: fmt.Sprintf("pi_%d", n), ClientSecret: fmt.Sprintf("pi_%d_secret", n)}, nil
}

type fixture struct {
	store     *storage.MemoryStore
	clock     *testutil.Clock
	sink      *testutil.Sink
	collector *fakeCollector
	ledger    *ledger.Engine
	svc       *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     storage.NewMemoryStore(),
		clock:     testutil.NewClock(),
		sink:      &testutil.Sink{},
		collector: &fakeCollector{},
	}
	f.ledger = ledger.NewEngine(f.store, nil, config.Static(config.Defaults()), f.sink, nil, ledger.WithClock(f.clock.Now))
	f.svc = NewService(f.store, f.collector, f.ledger, f.sink, events.NewRecorder(f.store, nil, nil), nil, WithClock(f.clock.Now))
	testutil.SeedMarket(t, f.store)
	testutil.SeedDriver(t, f.store, "d1", nil, f.clock.Now())
	return f
}

// finishedTrip stores a completed trip driven by d1 with its pending earning.
func (f *fixture) finishedTrip(t *testing.T, id string, status models.TripStatus) {
	t.Helper()
	ctx := context.Background()
	done := f.clock.Now()
	require.NoError(t, f.store.CreateTrip(ctx, &models.Trip{
		ID: id, JobKind: models.JobRide, RequesterID: "rider-1", DriverID: "d1", MarketID: testutil.MarketID,
		Status: status, PickupAddress: "1 Main St", DropoffAddress: "9 Elm St",
		EstimatedFareCents: 1000, FinalFareCents: 1000, PlatformFeeCents: 200, DriverEarningsCents: 800,
		RequestedAt: done, CompletedAt: &done,
	}))
	require.NoError(t, f.store.CreateLedgerEntry(ctx, &models.LedgerEntry{
		ID: "earn-" + id, DriverID: "d1", TripID: id, Type: models.EntryRideEarning,
		AmountCents: 800, Status: models.LedgerPending, CreatedAt: done,
	}))
}

func TestCreatePaymentIntentWithTip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.finishedTrip(t, "t1", models.TripCompleted)

	res, err := f.svc.CreatePaymentIntent(ctx, "t1", "rider-1", 200)
	require.NoError(t, err)
	assert.Equal(t, int64(1200), res.AmountCents)
	assert.Equal(t, "pi_1_secret", res.ClientSecret)
	assert.Equal(t, models.PaymentPending, res.Payment.Status)

	require.Len(t, f.collector.calls, 1)
	call := f.collector.calls[0]
	assert.Equal(t, "t1", call.Metadata["trip_id"])
	assert.Equal(t, "200", call.Metadata["tip_cents"])
	assert.Equal(t, "ride from 1 Main St to 9 Elm St", call.Description)

	trip, err := f.store.GetTrip(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), trip.TipCents)

	pending, err := f.store.ListLedgerEntries(ctx, "d1", models.LedgerPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, models.EntryTip, pending[1].Type)

	// a retried intent does not tip twice
	_, err = f.svc.CreatePaymentIntent(ctx, "t1", "rider-1", 200)
	require.NoError(t, err)
	pending, err = f.store.ListLedgerEntries(ctx, "d1", models.LedgerPending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestRetriedIntentChargesRecordedTip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.finishedTrip(t, "t1", models.TripCompleted)

	_, err := f.svc.CreatePaymentIntent(ctx, "t1", "rider-1", 500)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	res, err := f.svc.CreatePaymentIntent(ctx, "t1", "rider-1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), res.AmountCents)
	assert.Equal(t, int64(500), res.Payment.TipCents)
	require.Len(t, f.collector.calls, 2)
	assert.Equal(t, int64(1500), f.collector.calls[1].Amount)
	assert.Equal(t, "500", f.collector.calls[1].Metadata["tip_cents"])

	require.NoError(t, f.svc.HandleWebhook(ctx, payments.WebhookEvent{
		ID: "evt_2", Type: payments.EventIntentSucceeded, IntentID: "pi_2", AmountCents: res.AmountCents,
	}))
	balance, err := f.ledger.Balance(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, int64(1300), balance)
	assert.Equal(t, res.AmountCents-1000, balance-800)

	// a larger tip on a later attempt is not charged either
	f.finishedTrip(t, "t2", models.TripCompleted)
	_, err = f.svc.CreatePaymentIntent(ctx, "t2", "rider-1", 100)
	require.NoError(t, err)
	res, err = f.svc.CreatePaymentIntent(ctx, "t2", "rider-1", 900)
	require.NoError(t, err)
	assert.Equal(t, int64(1100), res.AmountCents)
}

func TestCreatePaymentIntentPreconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.finishedTrip(t, "t1", models.TripDelivered)
	f.finishedTrip(t, "t2", models.TripInProgress)

	_, err := f.svc.CreatePaymentIntent(ctx, "t1", "rider-1", -1)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
	_, err = f.svc.CreatePaymentIntent(ctx, "t1", "someone-else", 0)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	_, err = f.svc.CreatePaymentIntent(ctx, "t2", "rider-1", 0)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	_, err = f.svc.CreatePaymentIntent(ctx, "missing", "rider-1", 0)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	f.collector.err = errors.New("stripe down")
	_, err = f.svc.CreatePaymentIntent(ctx, "t1", "rider-1", 0)
	assert.ErrorIs(t, err, apperr.ErrExternalService)
	_, err = f.store.GetPaymentByTrip(ctx, "t1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestWebhookSucceededReleasesEarnings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.finishedTrip(t, "t1", models.TripCompleted)
	_, err := f.svc.CreatePaymentIntent(ctx, "t1", "rider-1", 200)
	require.NoError(t, err)

	ev := payments.WebhookEvent{ID: "evt_1", Type: payments.EventIntentSucceeded, IntentID: "pi_1", AmountCents: 1200}
	require.NoError(t, f.svc.HandleWebhook(ctx, ev))

	p, err := f.store.GetPaymentByIntent(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentSucceeded, p.Status)

	balance, err := f.ledger.Balance(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)
	assert.Len(t, f.sink.To("rider-1"), 1)
	assert.Len(t, f.sink.To("user-d1"), 1)

	// redelivery changes nothing
	require.NoError(t, f.svc.HandleWebhook(ctx, ev))
	assert.Len(t, f.sink.To("rider-1"), 1)
	evs, err := f.store.ListEvents(ctx, "t1")
	require.NoError(t, err)
	var succeeded int
	for _, e := range evs {
		if e.Type == models.EventPaymentSucceeded {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)

	_, err = f.svc.CreatePaymentIntent(ctx, "t1", "rider-1", 0)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestWebhookFailedAllowsRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.finishedTrip(t, "t1", models.TripCompleted)
	_, err := f.svc.CreatePaymentIntent(ctx, "t1", "rider-1", 0)
	require.NoError(t, err)

	require.NoError(t, f.svc.HandleWebhook(ctx, payments.WebhookEvent{
		Type: payments.EventIntentFailed, IntentID: "pi_1", Failure: "Your card was declined.",
	}))
	p, err := f.store.GetPaymentByIntent(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentFailed, p.Status)
	assert.Equal(t, "Your card was declined.", p.FailureReason)

	balance, err := f.ledger.Balance(ctx, "d1")
	require.NoError(t, err)
	assert.Zero(t, balance)
	notes := f.sink.To("rider-1")
	require.Len(t, notes, 1)
	assert.Equal(t, "Payment failed", notes[0].Title)

	f.clock.Advance(1e9)
	res, err := f.svc.CreatePaymentIntent(ctx, "t1", "rider-1", 0)
	require.NoError(t, err)
	assert.Equal(t, "pi_2", res.Payment.IntentID)
}

func TestWebhookIgnoresUnknownIntentAndType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	assert.NoError(t, f.svc.HandleWebhook(ctx, payments.WebhookEvent{Type: payments.EventIntentSucceeded, IntentID: "pi_nope"}))
	assert.NoError(t, f.svc.HandleWebhook(ctx, payments.WebhookEvent{Type: "charge.refunded"}))
	assert.Empty(t, f.sink.Sent)
}
