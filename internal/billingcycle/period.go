// Package billingcycle computes anchored billing periods.
package billingcycle

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterly/internal/granularity"
)

// Period is a half-open billing window [Start, End).
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (p Period) Duration() time.Duration { return p.End.Sub(p.Start) }

func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Fraction returns |[start, end) ∩ p| / |p|.
func (p Period) Fraction(start, end time.Time) decimal.Decimal {
	total := p.Duration()
	if total <= 0 {
		return decimal.Zero
	}
	overlap := granularity.Bucket{Start: p.Start, End: p.End}.Overlap(start, end)
	return decimal.NewFromInt(int64(overlap)).Div(decimal.NewFromInt(int64(total)))
}

// ValidCadence reports whether cadence can anchor a billing period.
func ValidCadence(cadence granularity.Granularity) bool {
	switch cadence {
	case granularity.Daily, granularity.Weekly, granularity.Monthly, granularity.Quarterly, granularity.Yearly:
		return true
	default:
		return false
	}
}

// Shift returns the start of the n-th period after anchor. Month based
// cadences keep the anchor's day, clamped to the month's last day, so a
// period anchored on the 31st ends on the 30th in a 30-day month.
func Shift(anchor time.Time, cadence granularity.Granularity, n int) time.Time {
	anchor = anchor.UTC()
	months := 0
	switch cadence {
	case granularity.Daily:
		return anchor.AddDate(0, 0, n)
	case granularity.Weekly:
		return anchor.AddDate(0, 0, 7*n)
	case granularity.Quarterly:
		months = 3 * n
	case granularity.Yearly:
		months = 12 * n
	default:
		months = n
	}

	total := int(anchor.Month()) - 1 + months
	year := anchor.Year() + floorDiv(total, 12)
	month := time.Month(total - floorDiv(total, 12)*12 + 1)
	day := anchor.Day()
	if last := daysIn(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, anchor.Hour(), anchor.Minute(), anchor.Second(), anchor.Nanosecond(), time.UTC)
}

// PeriodAt returns the period of the anchored cadence containing t.
// Unknown cadences are treated as monthly.
func PeriodAt(anchor time.Time, cadence granularity.Granularity, t time.Time) Period {
	if !ValidCadence(cadence) {
		cadence = granularity.Monthly
	}
	n := int(t.Sub(anchor) / cadence.Approx())
	for Shift(anchor, cadence, n).After(t) {
		n--
	}
	for !Shift(anchor, cadence, n+1).After(t) {
		n++
	}
	return Period{Start: Shift(anchor, cadence, n), End: Shift(anchor, cadence, n+1)}
}

// Next returns the period following p on the same anchor.
func Next(anchor time.Time, cadence granularity.Granularity, p Period) Period {
	return PeriodAt(anchor, cadence, p.End)
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
