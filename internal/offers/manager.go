// Package offers handles driver responses to trip offers and the rider's
// choice among driver quotes.
package offers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

type Action string

const (
	ActionAccept Action = "accept"
	ActionReject Action = "reject"
	ActionQuote  Action = "quote"
)

// Outcomes reported in Response.Action.
const (
	OutcomeQuoteSubmitted = "quote_submitted"
	OutcomeRejected       = "rejected"
	OutcomeMatched        = "matched"
)

type Store interface {
	GetOffer(ctx context.Context, id string) (*models.Offer, error)
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	CloseOffer(ctx context.Context, id string, to models.OfferStatus, respondedAt *time.Time) (bool, error)
	RecordQuote(ctx context.Context, id string, quoteCents int64, at time.Time) (bool, error)
	CommitMatch(ctx context.Context, c storage.MatchCommit) (*models.Trip, error)
}

type EventRecorder interface {
	Record(ctx context.Context, tripID, eventType, actorID string, meta map[string]any)
}

type Response struct {
	Action string        `json:"action"`
	Offer  *models.Offer `json:"offer,omitempty"`
	Trip   *models.Trip  `json:"trip,omitempty"`
}

type Manager struct {
	store    Store
	settings config.Snapshotter
	notifier notify.Sink
	events   EventRecorder
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(store Store, settings config.Snapshotter, notifier notify.Sink, events EventRecorder, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{store: store, settings: settings, notifier: notifier, events: events, logger: logger, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Respond applies a driver's accept, reject or quote to a pending offer.
func (m *Manager) Respond(ctx context.Context, offerID, driverID string, action Action, quoteCents *int64) (Response, error) {
	switch action {
	case ActionAccept, ActionReject, ActionQuote:
	default:
		return Response{}, apperr.Invalid("action must be accept, reject or quote")
	}

	offer, err := m.store.GetOffer(ctx, offerID)
	if err != nil {
		return Response{}, fmt.Errorf("load offer %s: %w", offerID, err)
	}
	if offer.DriverID != driverID {
		return Response{}, apperr.ErrUnauthorized
	}
	if offer.Status != models.OfferPending {
		return Response{}, apperr.ErrOfferClosed
	}
	now := m.now()
	if offer.Expired(now) {
		if _, err := m.store.CloseOffer(ctx, offerID, models.OfferExpired, nil); err != nil {
			return Response{}, fmt.Errorf("expire offer %s: %w", offerID, err)
		}
		return Response{}, apperr.ErrOfferExpired
	}
	trip, err := m.store.GetTrip(ctx, offer.TripID)
	if err != nil {
		return Response{}, fmt.Errorf("load trip %s: %w", offer.TripID, err)
	}
	if trip.DriverID != "" {
		return Response{}, apperr.ErrAlreadyMatched
	}
	if !trip.Status.Open() {
		return Response{}, apperr.ErrTripUnavailable
	}

	switch action {
	case ActionQuote:
		return m.quote(ctx, trip, offer, quoteCents, now)
	case ActionReject:
		return m.reject(ctx, trip, offer, now)
	default:
		t := m.settings.Snapshot()
		split := fare.SplitFare(offer.BaselineFareCents, offer.BaselineFareCents, t.CommissionPercent)
		matched, err := m.commit(ctx, trip, offer, models.PricingBaseline, split, now)
		if err != nil {
			return Response{}, err
		}
		m.notify(ctx, notify.Notification{
			UserID: trip.RequesterID,
			Type:   notify.TypeMatch,
			Title:  "Driver matched!",
			Body:   fmt.Sprintf("Your %s has been matched with a driver", trip.JobKind),
			Data:   map[string]any{"trip_id": trip.ID, "driver_id": offer.DriverID},
		})
		m.events.Record(ctx, trip.ID, models.EventRideMatched, driverID, map[string]any{
			"offer_id": offer.ID, "driver_id": offer.DriverID,
		})
		return Response{Action: OutcomeMatched, Trip: matched}, nil
	}
}

func (m *Manager) quote(ctx context.Context, trip *models.Trip, offer *models.Offer, quoteCents *int64, now time.Time) (Response, error) {
	t := m.settings.Snapshot()
	if !t.QuoteEnabled {
		return Response{}, apperr.ErrQuotingDisabled
	}
	if quoteCents == nil || *quoteCents <= 0 {
		return Response{}, apperr.Invalid("quote_fare_cents is required for quote action")
	}
	q := *quoteCents
	if !InRange(q, offer.BaselineFareCents, t) {
		lo, hi := Bounds(offer.BaselineFareCents, t)
		return Response{}, &apperr.QuoteRangeError{QuoteCents: q, MinCents: lo, MaxCents: hi}
	}
	ok, err := m.store.RecordQuote(ctx, offer.ID, q, now)
	if err != nil {
		return Response{}, fmt.Errorf("record quote %s: %w", offer.ID, err)
	}
	if !ok {
		return Response{}, apperr.ErrOfferClosed
	}
	offer.QuoteFareCents = &q
	offer.RespondedAt = &now

	m.notify(ctx, notify.Notification{
		UserID: trip.RequesterID,
		Type:   notify.TypeQuote,
		Title:  "New quote received",
		Body:   fmt.Sprintf("Driver quoted $%.2f for your %s", float64(q)/100, trip.JobKind),
		Data:   map[string]any{"trip_id": trip.ID, "offer_id": offer.ID, "quote_fare_cents": q},
	})
	m.events.Record(ctx, trip.ID, models.EventDriverQuoteSubmitted, offer.DriverID, map[string]any{
		"offer_id": offer.ID, "quote_fare_cents": q,
	})
	return Response{Action: OutcomeQuoteSubmitted, Offer: offer}, nil
}

func (m *Manager) reject(ctx context.Context, trip *models.Trip, offer *models.Offer, now time.Time) (Response, error) {
	ok, err := m.store.CloseOffer(ctx, offer.ID, models.OfferRejected, &now)
	if err != nil {
		return Response{}, fmt.Errorf("reject offer %s: %w", offer.ID, err)
	}
	if !ok {
		return Response{}, apperr.ErrOfferClosed
	}
	offer.Status = models.OfferRejected
	offer.RespondedAt = &now
	m.events.Record(ctx, trip.ID, models.EventDriverRejectedOffer, offer.DriverID, map[string]any{"offer_id": offer.ID})
	return Response{Action: OutcomeRejected, Offer: offer}, nil
}

// SelectQuote lets the requester take a driver's quote, matching the trip at
// the quoted price.
func (m *Manager) SelectQuote(ctx context.Context, offerID, requesterID string) (Response, error) {
	offer, err := m.store.GetOffer(ctx, offerID)
	if err != nil {
		return Response{}, fmt.Errorf("load offer %s: %w", offerID, err)
	}
	trip, err := m.store.GetTrip(ctx, offer.TripID)
	if err != nil {
		return Response{}, fmt.Errorf("load trip %s: %w", offer.TripID, err)
	}
	if trip.RequesterID != requesterID {
		return Response{}, apperr.ErrUnauthorized
	}
	if offer.QuoteFareCents == nil {
		return Response{}, apperr.ErrNoQuote
	}
	if offer.Status != models.OfferPending {
		return Response{}, apperr.ErrOfferClosed
	}
	if !trip.Status.Open() {
		return Response{}, apperr.ErrTripUnavailable
	}
	if trip.DriverID != "" {
		return Response{}, apperr.ErrAlreadyMatched
	}

	t := m.settings.Snapshot()
	q := *offer.QuoteFareCents
	base := offer.BaselineFareCents
	if t.CommissionAppliesToQuotes {
		base = q
	}
	split := fare.SplitFare(q, base, t.CommissionPercent)
	now := m.now()
	matched, err := m.commit(ctx, trip, offer, models.PricingDriverQuote, split, now)
	if err != nil {
		return Response{}, err
	}
	offer.Status = models.OfferAccepted
	offer.RespondedAt = &now

	if d, err := m.store.GetDriver(ctx, offer.DriverID); err != nil {
		m.logger.Warn("load driver for notification", "driver_id", offer.DriverID, "err", err)
	} else {
		m.notify(ctx, notify.Notification{
			UserID: d.UserID,
			Type:   notify.TypeMatch,
			Title:  "Your quote was accepted!",
			Body:   fmt.Sprintf("Rider accepted your quote of $%.2f", float64(q)/100),
			Data:   map[string]any{"trip_id": trip.ID, "offer_id": offer.ID},
		})
	}
	m.events.Record(ctx, trip.ID, models.EventQuoteSelected, requesterID, map[string]any{
		"offer_id": offer.ID, "driver_id": offer.DriverID, "quote_fare_cents": q,
	})
	return Response{Action: OutcomeMatched, Offer: offer, Trip: matched}, nil
}

func (m *Manager) commit(ctx context.Context, trip *models.Trip, offer *models.Offer, mode models.PricingMode, split fare.Split, now time.Time) (*models.Trip, error) {
	matched, err := m.store.CommitMatch(ctx, storage.MatchCommit{
		TripID:              trip.ID,
		OfferID:             offer.ID,
		DriverID:            offer.DriverID,
		PricingMode:         mode,
		FinalFareCents:      split.FareCents,
		PlatformFeeCents:    split.PlatformCents,
		DriverEarningsCents: split.DriverCents,
		MatchedAt:           now,
		Earning: models.LedgerEntry{
			ID:          uuid.NewString(),
			DriverID:    offer.DriverID,
			TripID:      trip.ID,
			Type:        models.EarningEntryType(trip.JobKind),
			AmountCents: split.DriverCents,
			Status:      models.LedgerPending,
			Description: fmt.Sprintf("%s from %s to %s", trip.JobKind, trip.PickupAddress, trip.DropoffAddress),
			CreatedAt:   now,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("commit match %s: %w", trip.ID, err)
	}
	observability.MatchesTotal.WithLabelValues(string(mode)).Inc()
	m.logger.Info("trip matched", "trip_id", trip.ID, "offer_id", offer.ID, "driver_id", offer.DriverID,
		"pricing_mode", mode, "final_fare_cents", split.FareCents)
	return matched, nil
}

func (m *Manager) notify(ctx context.Context, n notify.Notification) {
	if err := m.notifier.Notify(ctx, n); err != nil {
		observability.NotificationFailures.Inc()
		m.logger.Warn("notification failed", "user_id", n.UserID, "type", n.Type, "err", err)
	}
}
