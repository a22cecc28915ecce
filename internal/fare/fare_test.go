package fare

import (
	"testing"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestEstimate(t *testing.T) {
	d := config.Defaults()
	cases := []struct {
		name string
		kind models.JobKind
		km   float64
		want int64
	}{
		{"ride minimum", models.JobRide, 0.5, 500},
		{"ride per km", models.JobRide, 5, 1000},
		{"ride rounds", models.JobRide, 3.333, 750},
		{"delivery per km", models.JobDelivery, 10, 1300},
		{"delivery minimum", models.JobDelivery, 0, 500},
		{"negative distance", models.JobRide, -3, 500},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Estimate(tc.kind, tc.km, d))
		})
	}
}

func TestSplitFareIdentityAcrossCommission(t *testing.T) {
	fares := []int64{0, 1, 499, 1000, 1500, 12345, 100000}
	for pct := 0; pct <= 100; pct++ {
		for _, f := range fares {
			s := SplitFare(f, f, float64(pct))
			assert.Equal(t, f, s.PlatformCents+s.DriverCents, "fare %d commission %d", f, pct)
			assert.GreaterOrEqual(t, s.DriverCents, int64(0))
		}
	}
}

func TestSplitFareQuoteOnBaseline(t *testing.T) {
	// quote 1500, commission charged on the 1000 baseline
	s := SplitFare(1500, 1000, 20)
	assert.Equal(t, int64(200), s.PlatformCents)
	assert.Equal(t, int64(1300), s.DriverCents)

	// fee capped at the fare when the baseline exceeds the quote
	s = SplitFare(100, 1000, 100)
	assert.Equal(t, int64(100), s.PlatformCents)
	assert.Equal(t, int64(0), s.DriverCents)
}

func TestPayoutFee(t *testing.T) {
	assert.Equal(t, int64(200), PayoutFee(5000, 2, 100))
	assert.Equal(t, int64(100), PayoutFee(0, 2, 100))
	assert.Equal(t, int64(101), PayoutFee(25, 2, 100))
}
