package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FareRates parameterises the fare estimate for one job kind.
type FareRates struct {
	BaseCents    int64
	PerKmCents   int64
	MinimumCents int64
}

// Tunables is an immutable snapshot of the business configuration.
type Tunables struct {
	CommissionPercent         float64
	CommissionAppliesToQuotes bool

	MatchingRadiusKm    float64
	MaxOffersPerTrip    int
	HeartbeatFreshness  time.Duration
	QuoteEnabled        bool
	QuoteResponseWindow time.Duration
	QuoteMinPercent     float64
	QuoteMaxPercent     float64
	QuoteFlatMinCents   int64
	QuoteFlatMaxCents   int64

	ExpeditedFeePercent   float64
	ExpeditedFlatFeeCents int64

	Ride     FareRates
	Delivery FareRates
}

func Defaults() Tunables {
	return Tunables{
		CommissionPercent:         20,
		CommissionAppliesToQuotes: true,
		MatchingRadiusKm:          10,
		MaxOffersPerTrip:          5,
		HeartbeatFreshness:        5 * time.Minute,
		QuoteEnabled:              true,
		QuoteResponseWindow:       300 * time.Second,
		QuoteMinPercent:           80,
		QuoteMaxPercent:           200,
		QuoteFlatMinCents:         300,
		QuoteFlatMaxCents:         100000,
		ExpeditedFeePercent:       2,
		ExpeditedFlatFeeCents:     100,
		Ride:                      FareRates{BaseCents: 250, PerKmCents: 150, MinimumCents: 500},
		Delivery:                  FareRates{BaseCents: 300, PerKmCents: 100, MinimumCents: 500},
	}
}

// Keys of the persisted key/value configuration table.
const (
	KeyCommissionPercent         = "platform_commission_percent"
	KeyCommissionAppliesToQuotes = "platform_commission_applies_to_quotes"
	KeyMatchingRadiusKm          = "matching_radius_km"
	KeyQuoteEnabled              = "driver_quote_enabled"
	KeyQuoteResponseWindow       = "driver_quote_response_window_seconds"
	KeyQuoteMinPercent           = "driver_quote_min_percent_of_estimate"
	KeyQuoteMaxPercent           = "driver_quote_max_percent_of_estimate"
	KeyQuoteFlatMinCents         = "driver_quote_flat_min_cents"
	KeyQuoteFlatMaxCents         = "driver_quote_flat_max_cents"
	KeyExpeditedFeePercent       = "payout_expedited_fee_percent"
	KeyExpeditedFlatFee          = "payout_expedited_flat_fee"
	KeyRideBaseFee               = "ride_base_fee_cents"
	KeyRidePerKm                 = "ride_per_km_cents"
	KeyRideMinimumFee            = "ride_minimum_fee_cents"
	KeyDeliveryBaseFee           = "delivery_base_fee_cents"
	KeyDeliveryPerKm             = "delivery_per_km_cents"
	KeyDeliveryMinimumFee        = "delivery_minimum_fee_cents"
)

// FromValues overlays the raw key/value rows onto Defaults. Unparseable or
// out-of-range values keep their default and are reported in the joined error;
// the returned snapshot is always usable.
func FromValues(values map[string]string) (Tunables, error) {
	t := Defaults()
	var errs []error

	setPercent(&t.CommissionPercent, values, KeyCommissionPercent, &errs)
	setBool(&t.CommissionAppliesToQuotes, values, KeyCommissionAppliesToQuotes, &errs)
	setPositiveFloat(&t.MatchingRadiusKm, values, KeyMatchingRadiusKm, &errs)
	setBool(&t.QuoteEnabled, values, KeyQuoteEnabled, &errs)
	var windowSecs int64
	if setNonNegativeInt(&windowSecs, values, KeyQuoteResponseWindow, &errs) && windowSecs > 0 {
		t.QuoteResponseWindow = time.Duration(windowSecs) * time.Second
	}
	setPositiveFloat(&t.QuoteMinPercent, values, KeyQuoteMinPercent, &errs)
	setPositiveFloat(&t.QuoteMaxPercent, values, KeyQuoteMaxPercent, &errs)
	setNonNegativeInt(&t.QuoteFlatMinCents, values, KeyQuoteFlatMinCents, &errs)
	setNonNegativeInt(&t.QuoteFlatMaxCents, values, KeyQuoteFlatMaxCents, &errs)
	setPercent(&t.ExpeditedFeePercent, values, KeyExpeditedFeePercent, &errs)
	setNonNegativeInt(&t.ExpeditedFlatFeeCents, values, KeyExpeditedFlatFee, &errs)

	setNonNegativeInt(&t.Ride.BaseCents, values, KeyRideBaseFee, &errs)
	setNonNegativeInt(&t.Ride.PerKmCents, values, KeyRidePerKm, &errs)
	setNonNegativeInt(&t.Ride.MinimumCents, values, KeyRideMinimumFee, &errs)
	setNonNegativeInt(&t.Delivery.BaseCents, values, KeyDeliveryBaseFee, &errs)
	setNonNegativeInt(&t.Delivery.PerKmCents, values, KeyDeliveryPerKm, &errs)
	setNonNegativeInt(&t.Delivery.MinimumCents, values, KeyDeliveryMinimumFee, &errs)

	if t.QuoteMinPercent > t.QuoteMaxPercent {
		errs = append(errs, fmt.Errorf("%s greater than %s", KeyQuoteMinPercent, KeyQuoteMaxPercent))
		d := Defaults()
		t.QuoteMinPercent, t.QuoteMaxPercent = d.QuoteMinPercent, d.QuoteMaxPercent
	}
	if t.QuoteFlatMinCents > t.QuoteFlatMaxCents {
		errs = append(errs, fmt.Errorf("%s greater than %s", KeyQuoteFlatMinCents, KeyQuoteFlatMaxCents))
		d := Defaults()
		t.QuoteFlatMinCents, t.QuoteFlatMaxCents = d.QuoteFlatMinCents, d.QuoteFlatMaxCents
	}

	return t, errors.Join(errs...)
}

// Stored values are JSON scalars, so strings may arrive quoted.
func rawValue(values map[string]string, key string) (string, bool) {
	v, ok := values[key]
	if !ok {
		return "", false
	}
	v = strings.Trim(strings.TrimSpace(v), `"`)
	return v, v != ""
}

func setPercent(target *float64, values map[string]string, key string, errs *[]error) {
	v, ok := rawValue(values, key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || f > 100 {
		*errs = append(*errs, fmt.Errorf("invalid %s: %q", key, v))
		return
	}
	*target = f
}

func setPositiveFloat(target *float64, values map[string]string, key string, errs *[]error) {
	v, ok := rawValue(values, key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		*errs = append(*errs, fmt.Errorf("invalid %s: %q", key, v))
		return
	}
	*target = f
}

func setNonNegativeInt(target *int64, values map[string]string, key string, errs *[]error) bool {
	v, ok := rawValue(values, key)
	if !ok {
		return false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		*errs = append(*errs, fmt.Errorf("invalid %s: %q", key, v))
		return false
	}
	*target = int64(f)
	return true
}

func setBool(target *bool, values map[string]string, key string, errs *[]error) {
	v, ok := rawValue(values, key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %q", key, v))
		return
	}
	*target = b
}
