package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type JobKind string

const (
	JobRide     JobKind = "ride"
	JobDelivery JobKind = "delivery"
)

func (k JobKind) Valid() bool {
	return k == JobRide || k == JobDelivery
}

type TripStatus string

const (
	TripRequested         TripStatus = "requested"
	TripMatching          TripStatus = "matching"
	TripMatched           TripStatus = "matched"
	TripDriverArriving    TripStatus = "driver_arriving"
	TripDriverArrived     TripStatus = "driver_arrived"
	TripInProgress        TripStatus = "in_progress"
	TripArrivingAtPickup  TripStatus = "arriving_at_pickup"
	TripPickedUp          TripStatus = "picked_up"
	TripArrivingAtDropoff TripStatus = "arriving_at_dropoff"
	TripDelivered         TripStatus = "delivered"
	TripCompleted         TripStatus = "completed"
	TripCancelledByRider  TripStatus = "cancelled_by_rider"
	TripCancelledByDriver TripStatus = "cancelled_by_driver"
	TripCancelledBySystem TripStatus = "cancelled_by_system"
)

// Cancelled reports whether s is one of the cancellation states.
func (s TripStatus) Cancelled() bool {
	switch s {
	case TripCancelledByRider, TripCancelledByDriver, TripCancelledBySystem:
		return true
	}
	return false
}

func (s TripStatus) Terminal() bool {
	return s == TripCompleted || s.Cancelled()
}

// Open reports whether the trip can still receive or settle offers.
func (s TripStatus) Open() bool {
	return s == TripRequested || s == TripMatching
}

type PricingMode string

const (
	PricingBaseline    PricingMode = "baseline"
	PricingDriverQuote PricingMode = "driver_quote"
)

// Trip is a single ride or delivery job. Optional references are empty
// strings and optional timestamps are nil until set.
type Trip struct {
	ID                  string      `json:"id"`
	JobKind             JobKind     `json:"job_type"`
	RequesterID         string      `json:"requester_id"`
	DriverID            string      `json:"driver_id,omitempty"`
	MarketID            string      `json:"market_id"`
	ShopID              string      `json:"shop_id,omitempty"`
	Status              TripStatus  `json:"status"`
	PricingMode         PricingMode `json:"pricing_mode,omitempty"`
	SelectedOfferID     string      `json:"selected_offer_id,omitempty"`
	PickupAddress       string      `json:"pickup_address"`
	Pickup              Coord       `json:"pickup"`
	DropoffAddress      string      `json:"dropoff_address"`
	Dropoff             Coord       `json:"dropoff"`
	DistanceKm          float64     `json:"distance_km"`
	EstimatedFareCents  int64       `json:"estimated_fare_cents"`
	FinalFareCents      int64       `json:"final_fare_cents"`
	PlatformFeeCents    int64       `json:"platform_fee_cents"`
	DriverEarningsCents int64       `json:"driver_earnings_cents"`
	TipCents            int64       `json:"tip_cents"`
	DeliveryProof       string      `json:"delivery_proof,omitempty"`
	CancellationReason  string      `json:"cancellation_reason,omitempty"`
	RequestedAt         time.Time   `json:"requested_at"`
	MatchedAt           *time.Time  `json:"matched_at,omitempty"`
	StartedAt           *time.Time  `json:"started_at,omitempty"`
	CompletedAt         *time.Time  `json:"completed_at,omitempty"`
	CancelledAt         *time.Time  `json:"cancelled_at,omitempty"`
	Version             int         `json:"version"`
}

type OfferStatus string

const (
	OfferPending    OfferStatus = "pending"
	OfferAccepted   OfferStatus = "accepted"
	OfferRejected   OfferStatus = "rejected"
	OfferExpired    OfferStatus = "expired"
	OfferSuperseded OfferStatus = "superseded"
)

type Offer struct {
	ID                string      `json:"id"`
	TripID            string      `json:"trip_id"`
	DriverID          string      `json:"driver_id"`
	BaselineFareCents int64       `json:"baseline_fare_cents"`
	QuoteFareCents    *int64      `json:"quote_fare_cents,omitempty"`
	Status            OfferStatus `json:"status"`
	ExpiresAt         time.Time   `json:"expires_at"`
	RespondedAt       *time.Time  `json:"responded_at,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
}

// Expired reports whether the response window has passed at now.
func (o Offer) Expired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

// Live reports whether the offer is pending and unexpired at now.
func (o Offer) Live(now time.Time) bool {
	return o.Status == OfferPending && !o.Expired(now)
}

type TripEvent struct {
	ID        string         `json:"id"`
	TripID    string         `json:"trip_id"`
	Type      string         `json:"event_type"`
	ActorID   string         `json:"actor_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Trip event types.
const (
	EventRideRequested        = "ride_requested"
	EventNoDriversAvailable   = "no_drivers_available"
	EventNoEligibleDrivers    = "no_eligible_drivers"
	EventOffersSent           = "offers_sent"
	EventDriverQuoteSubmitted = "driver_quote_submitted"
	EventDriverRejectedOffer  = "driver_rejected_offer"
	EventRideMatched          = "ride_matched"
	EventQuoteSelected        = "quote_selected"
	EventStatusChangedPrefix  = "status_changed_"
	EventTripCancelled        = "trip_cancelled"
	EventPaymentIntentCreated = "payment_intent_created"
	EventPaymentSucceeded     = "payment_succeeded"
	EventPaymentFailed        = "payment_failed"
)

// LocationPing is the record streamed for every driver heartbeat.
type LocationPing struct {
	DriverID string    `json:"driver_id"`
	Loc      Coord     `json:"loc"`
	At       time.Time `json:"at"`
}
