// Package storage persists trips, offers, drivers and the earnings ledger.
//
// Every write that guards a business invariant is conditional on the
// record's expected prior state; a failed condition is reported as a false
// result or apperr.ErrConflict, never as a silent overwrite.
package storage

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// TripUpdate lists the trip fields a conditional transition may set. Nil
// pointers leave the column untouched.
type TripUpdate struct {
	Status             models.TripStatus
	StartedAt          *time.Time
	CompletedAt        *time.Time
	CancelledAt        *time.Time
	DeliveryProof      *string
	CancellationReason *string
	TipCents           *int64
}

// MatchCommit is the single unit that turns a winning offer into a matched
// trip: siblings superseded, offer accepted, trip priced and the driver's
// pending earning recorded.
type MatchCommit struct {
	TripID              string
	OfferID             string
	DriverID            string
	PricingMode         models.PricingMode
	FinalFareCents      int64
	PlatformFeeCents    int64
	DriverEarningsCents int64
	MatchedAt           time.Time
	Earning             models.LedgerEntry
}

type PayoutUpdate struct {
	Status        models.PayoutStatus
	TransferID    string
	FailureReason string
	CompletedAt   *time.Time
}

type TripStore interface {
	CreateTrip(ctx context.Context, t *models.Trip) error
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	// UpdateTrip applies upd only while the trip is in status from at the
	// given version, bumping the version. Returns apperr.ErrConflict otherwise.
	UpdateTrip(ctx context.Context, id string, from models.TripStatus, version int, upd TripUpdate) (*models.Trip, error)
	ListTripsByStatus(ctx context.Context, status models.TripStatus, requestedBefore time.Time) ([]models.Trip, error)
	// CommitMatch returns apperr.ErrAlreadyMatched when the trip already has a
	// driver, apperr.ErrTripUnavailable when it left requested/matching and
	// apperr.ErrOfferClosed when the offer is no longer pending.
	CommitMatch(ctx context.Context, c MatchCommit) (*models.Trip, error)
}

type OfferStore interface {
	CreateOffers(ctx context.Context, offers []models.Offer) error
	GetOffer(ctx context.Context, id string) (*models.Offer, error)
	ListOffers(ctx context.Context, tripID string) ([]models.Offer, error)
	// CloseOffer moves a pending offer to status to.
	CloseOffer(ctx context.Context, id string, to models.OfferStatus, respondedAt *time.Time) (bool, error)
	RecordQuote(ctx context.Context, id string, quoteCents int64, at time.Time) (bool, error)
	// ExpireOffers flips the trip's pending offers that expired before asOf.
	ExpireOffers(ctx context.Context, tripID string, asOf time.Time) (int, error)
}

type DriverStore interface {
	SaveDriver(ctx context.Context, d *models.Driver) error
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	// ListDispatchCandidates returns approved, online drivers of the market
	// whose heartbeat is not older than heartbeatSince, ordered by id.
	ListDispatchCandidates(ctx context.Context, marketID string, heartbeatSince time.Time) ([]models.Driver, error)
	ListApprovedDrivers(ctx context.Context) ([]models.Driver, error)
	TouchDriver(ctx context.Context, id string, loc models.Coord, at time.Time) error
	// SetDriverOnline flips only the online flag; going online also stamps
	// the heartbeat.
	SetDriverOnline(ctx context.Context, id string, online bool, at time.Time) error
}

type MarketStore interface {
	SaveMarket(ctx context.Context, m *models.Market) error
	ListActiveMarkets(ctx context.Context) ([]models.Market, error)
}

type LedgerStore interface {
	CreateLedgerEntry(ctx context.Context, e *models.LedgerEntry) error
	// ListLedgerEntries returns a driver's entries in the given status in
	// creation order.
	ListLedgerEntries(ctx context.Context, driverID string, status models.LedgerStatus) ([]models.LedgerEntry, error)
	ListPayoutEntries(ctx context.Context, payoutID string) ([]models.LedgerEntry, error)
	// TransitionEntries moves the listed entries still in from to to,
	// stamping payoutID when it is non-empty. Returns how many moved.
	TransitionEntries(ctx context.Context, ids []string, from, to models.LedgerStatus, payoutID string) (int, error)
	TransitionTripEntries(ctx context.Context, tripID string, from, to models.LedgerStatus) (int, error)
	// ReleasePayoutEntries returns the earnings a payout claimed to
	// available and unlinks them. Fee entries stay with the payout.
	ReleasePayoutEntries(ctx context.Context, payoutID string) (int, error)
}

type PayoutStore interface {
	CreatePayout(ctx context.Context, p *models.Payout) error
	GetPayout(ctx context.Context, id string) (*models.Payout, error)
	FinishPayout(ctx context.Context, id string, from models.PayoutStatus, upd PayoutUpdate) (bool, error)
}

type EventStore interface {
	AppendEvent(ctx context.Context, e *models.TripEvent) error
	ListEvents(ctx context.Context, tripID string) ([]models.TripEvent, error)
}

type PaymentStore interface {
	CreatePayment(ctx context.Context, p *models.Payment) error
	GetPaymentByTrip(ctx context.Context, tripID string) (*models.Payment, error)
	GetPaymentByIntent(ctx context.Context, intentID string) (*models.Payment, error)
	// SetPaymentStatus is a no-op returning false once the payment succeeded
	// or already carries the target status.
	SetPaymentStatus(ctx context.Context, id string, to models.PaymentStatus, reason string, at time.Time) (bool, error)
}

type ConfigStore interface {
	LoadConfig(ctx context.Context) (map[string]string, error)
	SetConfig(ctx context.Context, key, value string) error
}

// Store is the full persistence contract.
type Store interface {
	TripStore
	OfferStore
	DriverStore
	MarketStore
	LedgerStore
	PayoutStore
	EventStore
	PaymentStore
	ConfigStore
}
