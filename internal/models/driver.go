package models

import "time"

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

type Driver struct {
	ID                    string         `json:"id"`
	UserID                string         `json:"user_id"`
	MarketID              string         `json:"market_id"`
	ApprovalStatus        ApprovalStatus `json:"approval_status"`
	AcceptsRides          bool           `json:"accepts_rides"`
	AcceptsDeliveries     bool           `json:"accepts_deliveries"`
	Online                bool           `json:"online"`
	LastLocation          *Coord         `json:"last_location,omitempty"`
	LastHeartbeat         *time.Time     `json:"last_heartbeat,omitempty"`
	StripeAccountID       string         `json:"stripe_account_id,omitempty"`
	PayPalEmail           string         `json:"paypal_email,omitempty"`
	PreferredPayoutMethod PayoutMethod   `json:"preferred_payout_method,omitempty"`
}

func (d Driver) Accepts(kind JobKind) bool {
	if kind == JobDelivery {
		return d.AcceptsDeliveries
	}
	return d.AcceptsRides
}

// PayoutMethod returns the preferred method, defaulting to stripe_connect.
func (d Driver) PayoutMethod() PayoutMethod {
	if d.PreferredPayoutMethod == "" {
		return PayoutStripeConnect
	}
	return d.PreferredPayoutMethod
}

// PayoutDestination returns the account for the preferred method, or "" when
// the driver has not configured one.
func (d Driver) PayoutDestination() string {
	switch d.PayoutMethod() {
	case PayoutPayPal:
		return d.PayPalEmail
	default:
		return d.StripeAccountID
	}
}

type MarketStatus string

const (
	MarketComingSoon MarketStatus = "coming_soon"
	MarketActive     MarketStatus = "active"
	MarketPaused     MarketStatus = "paused"
)

type Market struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Status   MarketStatus `json:"status"`
	Center   Coord        `json:"center"`
	RadiusKm float64      `json:"radius_km"`
}
