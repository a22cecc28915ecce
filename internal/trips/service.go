// Package trips creates trips and moves them through their operational
// states after a match.
package trips

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// endOfTime closes every pending offer regardless of its expiry.
var endOfTime = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

type Store interface {
	CreateTrip(ctx context.Context, t *models.Trip) error
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	UpdateTrip(ctx context.Context, id string, from models.TripStatus, version int, upd storage.TripUpdate) (*models.Trip, error)
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	ExpireOffers(ctx context.Context, tripID string, asOf time.Time) (int, error)
	TransitionTripEntries(ctx context.Context, tripID string, from, to models.LedgerStatus) (int, error)
}

type MarketResolver interface {
	Resolve(ctx context.Context, p models.Coord) (models.Market, error)
}

type EventRecorder interface {
	Record(ctx context.Context, tripID, eventType, actorID string, meta map[string]any)
}

type Service struct {
	store    Store
	markets  MarketResolver
	settings config.Snapshotter
	notifier notify.Sink
	events   EventRecorder
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, markets MarketResolver, settings config.Snapshotter, notifier notify.Sink, events EventRecorder, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{store: store, markets: markets, settings: settings, notifier: notifier, events: events, logger: logger, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

type CreateRequest struct {
	RequesterID    string         `json:"-"`
	JobKind        models.JobKind `json:"job_type"`
	PickupAddress  string         `json:"pickup_address"`
	Pickup         models.Coord   `json:"pickup"`
	DropoffAddress string         `json:"dropoff_address"`
	Dropoff        models.Coord   `json:"dropoff"`
	ShopID         string         `json:"shop_id,omitempty"`
}

func (r CreateRequest) validate() error {
	var errs []error
	if r.RequesterID == "" {
		errs = append(errs, apperr.Invalid("requester is required"))
	}
	if !r.JobKind.Valid() {
		errs = append(errs, apperr.Invalid("job_type must be ride or delivery"))
	}
	if strings.TrimSpace(r.PickupAddress) == "" || strings.TrimSpace(r.DropoffAddress) == "" {
		errs = append(errs, apperr.Invalid("pickup_address and dropoff_address are required"))
	}
	for _, c := range []models.Coord{r.Pickup, r.Dropoff} {
		if c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
			errs = append(errs, apperr.Invalid("coordinates out of range"))
			break
		}
	}
	return errors.Join(errs...)
}

// Create prices a new trip and stores it as requested.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Trip, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	m, err := s.markets.Resolve(ctx, req.Pickup)
	if err != nil {
		return nil, err
	}
	t := s.settings.Snapshot()
	dist := geo.DistanceKm(req.Pickup, req.Dropoff)
	trip := &models.Trip{
		ID:                 uuid.NewString(),
		JobKind:            req.JobKind,
		RequesterID:        req.RequesterID,
		MarketID:           m.ID,
		ShopID:             req.ShopID,
		Status:             models.TripRequested,
		PickupAddress:      req.PickupAddress,
		Pickup:             req.Pickup,
		DropoffAddress:     req.DropoffAddress,
		Dropoff:            req.Dropoff,
		DistanceKm:         dist,
		EstimatedFareCents: fare.Estimate(req.JobKind, dist, t),
		RequestedAt:        s.now().UTC(),
	}
	if err := s.store.CreateTrip(ctx, trip); err != nil {
		return nil, fmt.Errorf("create trip: %w", err)
	}
	s.events.Record(ctx, trip.ID, models.EventRideRequested, req.RequesterID, map[string]any{
		"job_type": trip.JobKind, "market_id": m.ID,
	})
	s.logger.Info("trip requested", "trip_id", trip.ID, "market_id", m.ID, "estimated_fare_cents", trip.EstimatedFareCents)
	return trip, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Trip, error) {
	return s.store.GetTrip(ctx, id)
}

// AdvanceStatus moves a matched trip along the driver flow.
func (s *Service) AdvanceStatus(ctx context.Context, tripID, driverID string, to models.TripStatus, proof string) (*models.Trip, error) {
	trip, err := s.store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, fmt.Errorf("load trip %s: %w", tripID, err)
	}
	if trip.DriverID == "" || trip.DriverID != driverID {
		return nil, apperr.ErrUnauthorized
	}
	if !CanTransition(trip.Status, to) {
		return nil, fmt.Errorf("%s to %s: %w", trip.Status, to, apperr.ErrInvalidTransition)
	}

	now := s.now().UTC()
	upd := storage.TripUpdate{Status: to}
	switch {
	case to == models.TripInProgress && trip.StartedAt == nil:
		upd.StartedAt = &now
	case to == models.TripCompleted && trip.CompletedAt == nil:
		upd.CompletedAt = &now
	case to == models.TripCancelledByDriver:
		upd.CancelledAt = &now
	}
	if proof != "" && trip.JobKind == models.JobDelivery {
		upd.DeliveryProof = &proof
	}
	updated, err := s.store.UpdateTrip(ctx, tripID, trip.Status, trip.Version, upd)
	if err != nil {
		return nil, fmt.Errorf("update trip %s: %w", tripID, err)
	}
	if to == models.TripCancelledByDriver {
		s.reverseEarnings(ctx, tripID)
	}

	s.events.Record(ctx, tripID, models.EventStatusChangedPrefix+string(to), driverID, map[string]any{
		"old_status": trip.Status, "new_status": to,
	})
	s.notify(ctx, notify.Notification{
		UserID: trip.RequesterID,
		Type:   notify.TypeStatus,
		Title:  fmt.Sprintf("Your %s is %s", trip.JobKind, strings.ReplaceAll(string(to), "_", " ")),
		Body:   statusMessage(to, trip.JobKind),
		Data:   map[string]any{"trip_id": tripID, "status": to},
	})
	return updated, nil
}

// Cancel is the requester's cancellation of an unfinished trip.
func (s *Service) Cancel(ctx context.Context, tripID, requesterID, reason string) (*models.Trip, error) {
	trip, err := s.store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, fmt.Errorf("load trip %s: %w", tripID, err)
	}
	if trip.RequesterID != requesterID {
		return nil, apperr.ErrUnauthorized
	}
	return s.cancel(ctx, trip, models.TripCancelledByRider, requesterID, reason)
}

// CancelBySystem cancels a trip the platform gave up on, typically one that
// never found a driver.
func (s *Service) CancelBySystem(ctx context.Context, tripID, reason string) (*models.Trip, error) {
	trip, err := s.store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, fmt.Errorf("load trip %s: %w", tripID, err)
	}
	return s.cancel(ctx, trip, models.TripCancelledBySystem, "", reason)
}

func (s *Service) cancel(ctx context.Context, trip *models.Trip, to models.TripStatus, actorID, reason string) (*models.Trip, error) {
	if trip.Status.Terminal() {
		return nil, fmt.Errorf("trip %s is %s: %w", trip.ID, trip.Status, apperr.ErrInvalidTransition)
	}
	now := s.now().UTC()
	updated, err := s.store.UpdateTrip(ctx, trip.ID, trip.Status, trip.Version, storage.TripUpdate{
		Status:             to,
		CancelledAt:        &now,
		CancellationReason: &reason,
	})
	if err != nil {
		return nil, fmt.Errorf("cancel trip %s: %w", trip.ID, err)
	}
	if n, err := s.store.ExpireOffers(ctx, trip.ID, endOfTime); err != nil {
		s.logger.Error("expire offers on cancel", "trip_id", trip.ID, "err", err)
	} else if n > 0 {
		s.logger.Info("offers expired on cancel", "trip_id", trip.ID, "count", n)
	}
	s.reverseEarnings(ctx, trip.ID)

	s.events.Record(ctx, trip.ID, models.EventTripCancelled, actorID, map[string]any{
		"old_status": trip.Status, "new_status": to, "reason": reason,
	})
	if to == models.TripCancelledBySystem {
		s.notify(ctx, notify.Notification{
			UserID: trip.RequesterID,
			Type:   notify.TypeStatus,
			Title:  fmt.Sprintf("Your %s was cancelled", trip.JobKind),
			Body:   "We could not find a driver for your request",
			Data:   map[string]any{"trip_id": trip.ID, "status": to},
		})
	}
	if trip.DriverID != "" {
		if d, err := s.store.GetDriver(ctx, trip.DriverID); err == nil {
			s.notify(ctx, notify.Notification{
				UserID: d.UserID,
				Type:   notify.TypeStatus,
				Title:  fmt.Sprintf("The %s was cancelled", trip.JobKind),
				Body:   reason,
				Data:   map[string]any{"trip_id": trip.ID, "status": to},
			})
		}
	}
	return updated, nil
}

// reverseEarnings voids the driver's still-pending earning for a trip that
// will never be paid.
func (s *Service) reverseEarnings(ctx context.Context, tripID string) {
	if _, err := s.store.TransitionTripEntries(ctx, tripID, models.LedgerPending, models.LedgerReversed); err != nil {
		s.logger.Error("reverse pending earnings", "trip_id", tripID, "err", err)
	}
}

func (s *Service) notify(ctx context.Context, n notify.Notification) {
	if err := s.notifier.Notify(ctx, n); err != nil {
		observability.NotificationFailures.Inc()
		s.logger.Warn("notification failed", "user_id", n.UserID, "type", n.Type, "err", err)
	}
}
