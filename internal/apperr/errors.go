// Package apperr defines the error kinds returned by the dispatch, offer,
// trip and ledger services. Callers match them with errors.Is / errors.As.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound                  = errors.New("not found")
	ErrUnauthorized              = errors.New("unauthorized")
	ErrInvalidState              = errors.New("invalid state")
	ErrInvalidTransition         = errors.New("invalid status transition")
	ErrAlreadyMatched            = errors.New("trip already matched")
	ErrOfferExpired              = errors.New("offer expired")
	ErrOfferClosed               = errors.New("offer no longer pending")
	ErrTripUnavailable           = errors.New("trip no longer available")
	ErrQuoteOutOfRange           = errors.New("quote out of range")
	ErrQuotingDisabled           = errors.New("driver quotes are disabled")
	ErrNoQuote                   = errors.New("offer has no quote")
	ErrInsufficientBalance       = errors.New("insufficient balance")
	ErrBalanceZero               = errors.New("no available balance")
	ErrPayoutTooSmall            = errors.New("payout amount too small to cover fees")
	ErrPayoutMethodNotConfigured = errors.New("payout method not configured")
	ErrExternalService           = errors.New("external service failure")
	ErrInvalidInput              = errors.New("invalid input")
	ErrNoMarket                  = errors.New("no active market for location")
	ErrConflict                  = errors.New("concurrent update")
)

// QuoteRangeError reports the allowed band for a rejected quote.
type QuoteRangeError struct {
	QuoteCents int64
	MinCents   int64
	MaxCents   int64
}

func (e *QuoteRangeError) Error() string {
	return fmt.Sprintf("quote %d outside allowed range [%d, %d]", e.QuoteCents, e.MinCents, e.MaxCents)
}

func (e *QuoteRangeError) Is(target error) bool { return target == ErrQuoteOutOfRange }

// ExternalError wraps a failure from a payment or transfer provider.
type ExternalError struct {
	Op  string
	Err error
}

func (e *ExternalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ExternalError) Unwrap() error { return e.Err }

func (e *ExternalError) Is(target error) bool { return target == ErrExternalService }

// Invalid wraps ErrInvalidInput with a field-specific message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
