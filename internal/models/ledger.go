package models

import "time"

type LedgerEntryType string

const (
	EntryRideEarning     LedgerEntryType = "ride_earning"
	EntryDeliveryEarning LedgerEntryType = "delivery_earning"
	EntryPlatformFee     LedgerEntryType = "platform_fee"
	EntryTip             LedgerEntryType = "tip"
	EntryPayout          LedgerEntryType = "payout"
	EntryPayoutFee       LedgerEntryType = "payout_fee"
	EntryRefund          LedgerEntryType = "refund"
	EntryAdjustment      LedgerEntryType = "adjustment"
	EntryBonus           LedgerEntryType = "bonus"
	EntryCancellationFee LedgerEntryType = "cancellation_fee"
)

// EarningEntryType is the ledger type credited to the driver for a job kind.
func EarningEntryType(kind JobKind) LedgerEntryType {
	if kind == JobDelivery {
		return EntryDeliveryEarning
	}
	return EntryRideEarning
}

type LedgerStatus string

const (
	LedgerPending   LedgerStatus = "pending"
	LedgerAvailable LedgerStatus = "available"
	LedgerPaidOut   LedgerStatus = "paid_out"
	LedgerReversed  LedgerStatus = "reversed"
)

// LedgerEntry is append-only; only Status and PayoutID change after insert.
type LedgerEntry struct {
	ID          string          `json:"id"`
	DriverID    string          `json:"driver_id"`
	TripID      string          `json:"trip_id,omitempty"`
	PayoutID    string          `json:"payout_id,omitempty"`
	Type        LedgerEntryType `json:"entry_type"`
	AmountCents int64           `json:"amount_cents"`
	Status      LedgerStatus    `json:"status"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type PayoutMethod string

const (
	PayoutStripeConnect PayoutMethod = "stripe_connect"
	PayoutPayPal        PayoutMethod = "paypal"
)

type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutFailed     PayoutStatus = "failed"
)

type Payout struct {
	ID            string       `json:"id"`
	DriverID      string       `json:"driver_id"`
	GrossCents    int64        `json:"gross_cents"`
	FeeCents      int64        `json:"fee_cents"`
	NetCents      int64        `json:"net_cents"`
	Method        PayoutMethod `json:"method"`
	Status        PayoutStatus `json:"status"`
	Expedited     bool         `json:"expedited"`
	TransferID    string       `json:"transfer_id,omitempty"`
	FailureReason string       `json:"failure_reason,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
)

// Payment is the requester-side charge for a finished trip.
type Payment struct {
	ID            string        `json:"id"`
	TripID        string        `json:"trip_id"`
	RequesterID   string        `json:"requester_id"`
	AmountCents   int64         `json:"amount_cents"`
	TipCents      int64         `json:"tip_cents"`
	IntentID      string        `json:"intent_id"`
	Status        PaymentStatus `json:"status"`
	FailureReason string        `json:"failure_reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}
