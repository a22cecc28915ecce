package offers

import "github.com/example/ride-dispatch/internal/config"

// InRange reports whether quote lies inside the allowed band around the
// baseline. Percent bounds compare exactly: quote*100 against pct*baseline.
func InRange(quote, baseline int64, t config.Tunables) bool {
	q := float64(quote) * 100
	b := float64(baseline)
	if quote < t.QuoteFlatMinCents || q < t.QuoteMinPercent*b {
		return false
	}
	if quote > t.QuoteFlatMaxCents || q > t.QuoteMaxPercent*b {
		return false
	}
	return true
}

// Bounds returns the smallest and largest whole-cent quotes InRange accepts.
func Bounds(baseline int64, t config.Tunables) (lo, hi int64) {
	lo = ceilDiv100(t.QuoteMinPercent * float64(baseline))
	if lo < t.QuoteFlatMinCents {
		lo = t.QuoteFlatMinCents
	}
	hi = floorDiv100(t.QuoteMaxPercent * float64(baseline))
	if hi > t.QuoteFlatMaxCents {
		hi = t.QuoteFlatMaxCents
	}
	return lo, hi
}

func ceilDiv100(v float64) int64 {
	n := int64(v) / 100
	if float64(n*100) < v {
		n++
	}
	return n
}

func floorDiv100(v float64) int64 {
	n := int64(v) / 100
	if float64(n*100) > v {
		n--
	}
	return n
}
