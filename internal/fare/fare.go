// Package fare prices trips and splits fares between driver and platform.
package fare

import (
	"math"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/models"
)

// Estimate returns max(base + distance*perKm, minimum) rounded to the cent.
func Estimate(kind models.JobKind, distanceKm float64, t config.Tunables) int64 {
	r := t.Ride
	if kind == models.JobDelivery {
		r = t.Delivery
	}
	if distanceKm < 0 {
		distanceKm = 0
	}
	v := float64(r.BaseCents) + distanceKm*float64(r.PerKmCents)
	if v < float64(r.MinimumCents) {
		v = float64(r.MinimumCents)
	}
	return int64(math.Round(v))
}

// Split is a fare divided between the platform and the driver.
type Split struct {
	FareCents     int64
	PlatformCents int64
	DriverCents   int64
}

// SplitFare charges commissionPercent on commissionBase and leaves the
// remainder of fareCents to the driver. commissionBase is the fare itself
// unless quotes are exempt from commission.
func SplitFare(fareCents, commissionBase int64, commissionPercent float64) Split {
	fee := int64(math.Round(float64(commissionBase) * commissionPercent / 100))
	if fee > fareCents {
		fee = fareCents
	}
	if fee < 0 {
		fee = 0
	}
	return Split{FareCents: fareCents, PlatformCents: fee, DriverCents: fareCents - fee}
}

// PayoutFee is round(amount*percent/100) + flat.
func PayoutFee(amountCents int64, percent float64, flatCents int64) int64 {
	return int64(math.Round(float64(amountCents)*percent/100)) + flatCents
}
