// Package checkout collects the requester's payment for a finished trip and
// applies the payment provider's webhook outcomes.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
)

type Store interface {
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	UpdateTrip(ctx context.Context, id string, from models.TripStatus, version int, upd storage.TripUpdate) (*models.Trip, error)
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	CreateLedgerEntry(ctx context.Context, e *models.LedgerEntry) error
	CreatePayment(ctx context.Context, p *models.Payment) error
	GetPaymentByTrip(ctx context.Context, tripID string) (*models.Payment, error)
	GetPaymentByIntent(ctx context.Context, intentID string) (*models.Payment, error)
	SetPaymentStatus(ctx context.Context, id string, to models.PaymentStatus, reason string, at time.Time) (bool, error)
}

// Collector creates a payment intent at the provider.
type Collector interface {
	CreateIntent(ctx context.Context, amount int64, description string, metadata map[string]string) (payments.Intent, error)
}

// Confirmer releases a trip's pending earnings once it is paid.
type Confirmer interface {
	ConfirmPayment(ctx context.Context, tripID string) (int, error)
}

type EventRecorder interface {
	Record(ctx context.Context, tripID, eventType, actorID string, meta map[string]any)
}

type Service struct {
	store     Store
	collector Collector
	ledger    Confirmer
	notifier  notify.Sink
	events    EventRecorder
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, collector Collector, ledger Confirmer, notifier notify.Sink, events EventRecorder, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{store: store, collector: collector, ledger: ledger, notifier: notifier, events: events, logger: logger, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

type IntentResult struct {
	Payment      *models.Payment `json:"payment"`
	ClientSecret string          `json:"client_secret"`
	AmountCents  int64           `json:"amount_cents"`
}

// CreatePaymentIntent charges the final fare plus tip for a finished trip.
// A trip already paid cannot be charged again; an earlier unpaid attempt is
// superseded by the new intent. The first tip offered is the one recorded,
// and every later attempt charges that tip whatever it asks for, so the
// amount over the fare always matches what the driver is credited.
func (s *Service) CreatePaymentIntent(ctx context.Context, tripID, requesterID string, tipCents int64) (*IntentResult, error) {
	if tipCents < 0 {
		return nil, apperr.Invalid("tip_cents must not be negative")
	}
	trip, err := s.store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, fmt.Errorf("load trip %s: %w", tripID, err)
	}
	if trip.RequesterID != requesterID {
		return nil, apperr.ErrUnauthorized
	}
	if trip.Status != models.TripCompleted && trip.Status != models.TripDelivered {
		return nil, fmt.Errorf("trip %s is %s: %w", tripID, trip.Status, apperr.ErrInvalidState)
	}
	existing, err := s.store.GetPaymentByTrip(ctx, tripID)
	switch {
	case err == nil && existing.Status == models.PaymentSucceeded:
		return nil, fmt.Errorf("trip %s already paid: %w", tripID, apperr.ErrInvalidState)
	case err != nil && !errors.Is(err, apperr.ErrNotFound):
		return nil, fmt.Errorf("load payment: %w", err)
	}

	now := s.now().UTC()
	tipCents, err = s.recordTip(ctx, trip, tipCents, now)
	if err != nil {
		return nil, err
	}
	amount := trip.FinalFareCents + tipCents
	intent, err := s.collector.CreateIntent(ctx, amount,
		fmt.Sprintf("%s from %s to %s", trip.JobKind, trip.PickupAddress, trip.DropoffAddress),
		map[string]string{
			"trip_id":      trip.ID,
			"requester_id": trip.RequesterID,
			"driver_id":    trip.DriverID,
			"job_type":     string(trip.JobKind),
			"tip_cents":    strconv.FormatInt(tipCents, 10),
		})
	if err != nil {
		return nil, &apperr.ExternalError{Op: "create payment intent", Err: err}
	}

	p := &models.Payment{
		ID:          uuid.NewString(),
		TripID:      trip.ID,
		RequesterID: trip.RequesterID,
		AmountCents: amount,
		TipCents:    tipCents,
		IntentID:    intent.ID,
		Status:      models.PaymentPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreatePayment(ctx, p); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}
	s.events.Record(ctx, trip.ID, models.EventPaymentIntentCreated, requesterID, map[string]any{
		"payment_intent_id": intent.ID, "amount_cents": amount, "tip_cents": tipCents,
	})
	return &IntentResult{Payment: p, ClientSecret: intent.ClientSecret, AmountCents: amount}, nil
}

// recordTip credits the driver once per trip and returns the tip to charge.
// A trip that already carries a tip keeps it.
func (s *Service) recordTip(ctx context.Context, trip *models.Trip, tipCents int64, at time.Time) (int64, error) {
	if trip.DriverID == "" {
		return 0, nil
	}
	if trip.TipCents > 0 {
		if tipCents != trip.TipCents {
			s.logger.Info("keeping recorded tip", "trip_id", trip.ID, "tip_cents", trip.TipCents, "requested_cents", tipCents)
		}
		tipCents = trip.TipCents
	} else if tipCents > 0 {
		if _, err := s.store.UpdateTrip(ctx, trip.ID, trip.Status, trip.Version, storage.TripUpdate{TipCents: &tipCents}); err != nil {
			return 0, fmt.Errorf("record trip tip: %w", err)
		}
	}
	if tipCents == 0 {
		return 0, nil
	}
	err := s.store.CreateLedgerEntry(ctx, &models.LedgerEntry{
		ID:          "tip-" + trip.ID,
		DriverID:    trip.DriverID,
		TripID:      trip.ID,
		Type:        models.EntryTip,
		AmountCents: tipCents,
		Status:      models.LedgerPending,
		Description: "Customer tip",
		CreatedAt:   at,
	})
	if err != nil && !errors.Is(err, apperr.ErrConflict) {
		return 0, fmt.Errorf("record tip entry: %w", err)
	}
	return tipCents, nil
}

// HandleWebhook applies a verified provider event. Unknown event types and
// intents are acknowledged and ignored.
func (s *Service) HandleWebhook(ctx context.Context, ev payments.WebhookEvent) error {
	switch ev.Type {
	case payments.EventIntentSucceeded:
		return s.succeeded(ctx, ev)
	case payments.EventIntentFailed:
		return s.failed(ctx, ev, "Payment failed")
	case payments.EventIntentCanceled:
		return s.failed(ctx, ev, "Payment canceled")
	}
	s.logger.Debug("unhandled webhook event", "type", ev.Type, "event_id", ev.ID)
	return nil
}

func (s *Service) succeeded(ctx context.Context, ev payments.WebhookEvent) error {
	p, err := s.lookup(ctx, ev)
	if err != nil || p == nil {
		return err
	}
	changed, err := s.store.SetPaymentStatus(ctx, p.ID, models.PaymentSucceeded, "", s.now().UTC())
	if err != nil {
		return fmt.Errorf("mark payment succeeded: %w", err)
	}
	released, err := s.ledger.ConfirmPayment(ctx, p.TripID)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	s.events.Record(ctx, p.TripID, models.EventPaymentSucceeded, "", map[string]any{
		"payment_id": p.ID, "amount_cents": p.AmountCents, "entries_released": released,
	})
	s.notify(ctx, notify.Notification{
		UserID: p.RequesterID,
		Type:   notify.TypePayment,
		Title:  "Payment successful",
		Body:   fmt.Sprintf("Your payment of $%d.%02d was processed successfully", p.AmountCents/100, p.AmountCents%100),
		Data:   map[string]any{"trip_id": p.TripID, "payment_id": p.ID},
	})
	if trip, err := s.store.GetTrip(ctx, p.TripID); err == nil && trip.DriverID != "" {
		if d, err := s.store.GetDriver(ctx, trip.DriverID); err == nil {
			s.notify(ctx, notify.Notification{
				UserID: d.UserID,
				Type:   notify.TypePayment,
				Title:  "Earnings confirmed",
				Body:   fmt.Sprintf("Payment received for your %s", trip.JobKind),
				Data:   map[string]any{"trip_id": p.TripID, "payment_id": p.ID},
			})
		}
	}
	return nil
}

func (s *Service) failed(ctx context.Context, ev payments.WebhookEvent, fallback string) error {
	p, err := s.lookup(ctx, ev)
	if err != nil || p == nil {
		return err
	}
	reason := ev.Failure
	if reason == "" {
		reason = fallback
	}
	changed, err := s.store.SetPaymentStatus(ctx, p.ID, models.PaymentFailed, reason, s.now().UTC())
	if err != nil {
		return fmt.Errorf("mark payment failed: %w", err)
	}
	if !changed {
		return nil
	}
	s.events.Record(ctx, p.TripID, models.EventPaymentFailed, "", map[string]any{
		"payment_intent_id": ev.IntentID, "error": reason,
	})
	s.notify(ctx, notify.Notification{
		UserID: p.RequesterID,
		Type:   notify.TypePayment,
		Title:  "Payment failed",
		Body:   "Your payment could not be processed. Please try again.",
		Data:   map[string]any{"trip_id": p.TripID},
	})
	return nil
}

func (s *Service) lookup(ctx context.Context, ev payments.WebhookEvent) (*models.Payment, error) {
	p, err := s.store.GetPaymentByIntent(ctx, ev.IntentID)
	if errors.Is(err, apperr.ErrNotFound) {
		s.logger.Warn("payment not found for intent", "intent_id", ev.IntentID, "event_id", ev.ID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load payment for %s: %w", ev.IntentID, err)
	}
	return p, nil
}

func (s *Service) notify(ctx context.Context, n notify.Notification) {
	if err := s.notifier.Notify(ctx, n); err != nil {
		observability.NotificationFailures.Inc()
		s.logger.Warn("notification failed", "user_id", n.UserID, "type", n.Type, "err", err)
	}
}
