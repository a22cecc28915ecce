package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/ride-dispatch/internal/apperr"
)

type errorKind struct {
	err    error
	status int
	code   string
}

// errorTable is checked in order; the first kind the error matches wins.
var errorTable = []errorKind{
	{apperr.ErrNotFound, http.StatusNotFound, "not_found"},
	{apperr.ErrUnauthorized, http.StatusForbidden, "unauthorized"},
	{apperr.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{apperr.ErrQuoteOutOfRange, http.StatusUnprocessableEntity, "quote_out_of_range"},
	{apperr.ErrQuotingDisabled, http.StatusUnprocessableEntity, "quoting_disabled"},
	{apperr.ErrNoQuote, http.StatusConflict, "no_quote"},
	{apperr.ErrOfferExpired, http.StatusGone, "offer_expired"},
	{apperr.ErrOfferClosed, http.StatusConflict, "offer_closed"},
	{apperr.ErrAlreadyMatched, http.StatusConflict, "already_matched"},
	{apperr.ErrTripUnavailable, http.StatusConflict, "trip_unavailable"},
	{apperr.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{apperr.ErrInvalidState, http.StatusConflict, "invalid_state"},
	{apperr.ErrConflict, http.StatusConflict, "conflict"},
	{apperr.ErrBalanceZero, http.StatusUnprocessableEntity, "balance_zero"},
	{apperr.ErrInsufficientBalance, http.StatusUnprocessableEntity, "insufficient_balance"},
	{apperr.ErrPayoutTooSmall, http.StatusUnprocessableEntity, "payout_too_small"},
	{apperr.ErrPayoutMethodNotConfigured, http.StatusUnprocessableEntity, "payout_method_not_configured"},
	{apperr.ErrNoMarket, http.StatusUnprocessableEntity, "no_market"},
	{apperr.ErrExternalService, http.StatusBadGateway, "external_service_failure"},
}

type errorBody struct {
	Error    string `json:"error"`
	Code     string `json:"code"`
	MinCents *int64 `json:"min_cents,omitempty"`
	MaxCents *int64 `json:"max_cents,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal"
	for _, k := range errorTable {
		if errors.Is(err, k.err) {
			status, code = k.status, k.code
			break
		}
	}
	body := errorBody{Error: err.Error(), Code: code}
	var qr *apperr.QuoteRangeError
	if errors.As(err, &qr) {
		body.MinCents, body.MaxCents = &qr.MinCents, &qr.MaxCents
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "err", err)
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
