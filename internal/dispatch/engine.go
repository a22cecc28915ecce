// Package dispatch offers newly requested trips to nearby eligible drivers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Reasons reported when a dispatch creates no offers.
const (
	ReasonAlreadyDispatched = "already_dispatched"
	ReasonNoDrivers         = "no_drivers_available"
	ReasonNoEligible        = "no_eligible_drivers"
	ReasonOffersOutstanding = "offers_outstanding"
)

type Store interface {
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	UpdateTrip(ctx context.Context, id string, from models.TripStatus, version int, upd storage.TripUpdate) (*models.Trip, error)
	ListDispatchCandidates(ctx context.Context, marketID string, heartbeatSince time.Time) ([]models.Driver, error)
	CreateOffers(ctx context.Context, offers []models.Offer) error
	ListOffers(ctx context.Context, tripID string) ([]models.Offer, error)
	ExpireOffers(ctx context.Context, tripID string, asOf time.Time) (int, error)
}

type EventRecorder interface {
	Record(ctx context.Context, tripID, eventType, actorID string, meta map[string]any)
}

type Result struct {
	TripID     string     `json:"trip_id"`
	Matched    bool       `json:"matched"`
	Reason     string     `json:"reason,omitempty"`
	OffersSent int        `json:"offers_sent"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

type Engine struct {
	store    Store
	settings config.Snapshotter
	notifier notify.Sink
	events   EventRecorder
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(store Store, settings config.Snapshotter, notifier notify.Sink, events EventRecorder, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{store: store, settings: settings, notifier: notifier, events: events, logger: logger, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Dispatch claims a requested trip and offers it to the nearest eligible
// drivers. Losing the claim to a concurrent call is not an error.
func (e *Engine) Dispatch(ctx context.Context, tripID string) (Result, error) {
	start := time.Now()
	defer func() { observability.DispatchLatency.Observe(time.Since(start).Seconds()) }()

	trip, err := e.store.GetTrip(ctx, tripID)
	if err != nil {
		return Result{}, fmt.Errorf("load trip %s: %w", tripID, err)
	}
	if trip.Status != models.TripRequested {
		return Result{}, fmt.Errorf("trip %s is %s: %w", tripID, trip.Status, apperr.ErrInvalidState)
	}
	trip, err = e.store.UpdateTrip(ctx, tripID, models.TripRequested, trip.Version, storage.TripUpdate{Status: models.TripMatching})
	if errors.Is(err, apperr.ErrConflict) {
		observability.DispatchTotal.WithLabelValues(ReasonAlreadyDispatched).Inc()
		return Result{TripID: tripID, Reason: ReasonAlreadyDispatched}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("claim trip %s: %w", tripID, err)
	}
	return e.sendOffers(ctx, trip, nil)
}

// Redispatch offers a trip that is still matching to drivers who have not
// seen it yet, once every earlier offer has closed or expired.
func (e *Engine) Redispatch(ctx context.Context, tripID string) (Result, error) {
	trip, err := e.store.GetTrip(ctx, tripID)
	if err != nil {
		return Result{}, fmt.Errorf("load trip %s: %w", tripID, err)
	}
	if trip.Status != models.TripMatching || trip.DriverID != "" {
		return Result{}, fmt.Errorf("trip %s is %s: %w", tripID, trip.Status, apperr.ErrInvalidState)
	}
	offers, err := e.store.ListOffers(ctx, tripID)
	if err != nil {
		return Result{}, fmt.Errorf("list offers %s: %w", tripID, err)
	}
	now := e.now()
	seen := make(map[string]bool, len(offers))
	for _, o := range offers {
		if o.Live(now) {
			return Result{TripID: tripID, Reason: ReasonOffersOutstanding}, nil
		}
		seen[o.DriverID] = true
	}
	if _, err := e.store.ExpireOffers(ctx, tripID, now); err != nil {
		return Result{}, fmt.Errorf("expire offers %s: %w", tripID, err)
	}
	trip, err = e.store.UpdateTrip(ctx, tripID, models.TripMatching, trip.Version, storage.TripUpdate{})
	if errors.Is(err, apperr.ErrConflict) {
		return Result{TripID: tripID, Reason: ReasonAlreadyDispatched}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("claim trip %s: %w", tripID, err)
	}
	return e.sendOffers(ctx, trip, seen)
}

func (e *Engine) sendOffers(ctx context.Context, trip *models.Trip, exclude map[string]bool) (Result, error) {
	t := e.settings.Snapshot()
	now := e.now()
	res := Result{TripID: trip.ID}

	drivers, err := e.store.ListDispatchCandidates(ctx, trip.MarketID, now.Add(-t.HeartbeatFreshness))
	if err != nil {
		return Result{}, fmt.Errorf("list candidates %s: %w", trip.ID, err)
	}
	if len(drivers) == 0 {
		e.events.Record(ctx, trip.ID, models.EventNoDriversAvailable, "", map[string]any{})
		observability.DispatchTotal.WithLabelValues(ReasonNoDrivers).Inc()
		res.Reason = ReasonNoDrivers
		return res, nil
	}

	cands := matcher.Rank(drivers, matcher.Criteria{
		Pickup:   trip.Pickup,
		JobKind:  trip.JobKind,
		RadiusKm: t.MatchingRadiusKm,
		TopN:     t.MaxOffersPerTrip,
		Exclude:  exclude,
	})
	if len(cands) == 0 {
		e.events.Record(ctx, trip.ID, models.EventNoEligibleDrivers, "", map[string]any{})
		observability.DispatchTotal.WithLabelValues(ReasonNoEligible).Inc()
		res.Reason = ReasonNoEligible
		return res, nil
	}

	expires := now.Add(t.QuoteResponseWindow)
	offers := make([]models.Offer, 0, len(cands))
	for _, c := range cands {
		offers = append(offers, models.Offer{
			ID:                uuid.NewString(),
			TripID:            trip.ID,
			DriverID:          c.Driver.ID,
			BaselineFareCents: trip.EstimatedFareCents,
			Status:            models.OfferPending,
			ExpiresAt:         expires,
			CreatedAt:         now,
		})
	}
	if err := e.store.CreateOffers(ctx, offers); err != nil {
		return Result{}, fmt.Errorf("create offers %s: %w", trip.ID, err)
	}
	observability.OffersCreated.Add(float64(len(offers)))

	for i, c := range cands {
		n := notify.Notification{
			UserID: c.Driver.UserID,
			Type:   notify.TypeOffer,
			Title:  fmt.Sprintf("New %s request", trip.JobKind),
			Body:   fmt.Sprintf("%s → %s", trip.PickupAddress, trip.DropoffAddress),
			Data: map[string]any{
				"trip_id":       trip.ID,
				"offer_id":      offers[i].ID,
				"job_type":      trip.JobKind,
				"baseline_fare": trip.EstimatedFareCents,
				"expires_at":    expires,
			},
		}
		if err := e.notifier.Notify(ctx, n); err != nil {
			observability.NotificationFailures.Inc()
			e.logger.Warn("offer notification failed", "trip_id", trip.ID, "driver_id", c.Driver.ID, "err", err)
		}
	}

	e.events.Record(ctx, trip.ID, models.EventOffersSent, "", map[string]any{"driver_count": len(offers)})
	observability.DispatchTotal.WithLabelValues("offers_sent").Inc()
	e.logger.Info("offers sent", "trip_id", trip.ID, "count", len(offers))

	res.Matched = true
	res.OffersSent = len(offers)
	res.ExpiresAt = &expires
	return res, nil
}
