package billingcycle

import (
	"testing"
	"time"

	"github.com/smallbiznis/meterly/internal/granularity"
	"github.com/stretchr/testify/assert"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestPeriodAt(t *testing.T) {
	cases := []struct {
		name    string
		anchor  time.Time
		cadence granularity.Granularity
		at      time.Time
		start   time.Time
		end     time.Time
	}{
		{"monthly first period", date(2026, 6, 1), granularity.Monthly, date(2026, 6, 15), date(2026, 6, 1), date(2026, 7, 1)},
		{"monthly on boundary", date(2026, 6, 1), granularity.Monthly, date(2026, 7, 1), date(2026, 7, 1), date(2026, 8, 1)},
		{"monthly mid anchor", date(2026, 1, 15), granularity.Monthly, date(2026, 3, 2), date(2026, 2, 15), date(2026, 3, 15)},
		{"month end clamps", date(2026, 1, 31), granularity.Monthly, date(2026, 2, 10), date(2026, 1, 31), date(2026, 2, 28)},
		{"month end recovers", date(2026, 1, 31), granularity.Monthly, date(2026, 3, 5), date(2026, 2, 28), date(2026, 3, 31)},
		{"weekly", date(2026, 6, 3), granularity.Weekly, date(2026, 6, 20), date(2026, 6, 17), date(2026, 6, 24)},
		{"daily", date(2026, 6, 1), granularity.Daily, date(2026, 6, 3).Add(5 * time.Hour), date(2026, 6, 3), date(2026, 6, 4)},
		{"quarterly", date(2026, 2, 1), granularity.Quarterly, date(2026, 9, 1), date(2026, 8, 1), date(2026, 11, 1)},
		{"yearly leap anchor", date(2024, 2, 29), granularity.Yearly, date(2025, 6, 1), date(2025, 2, 28), date(2026, 2, 28)},
		{"before anchor", date(2026, 6, 1), granularity.Monthly, date(2026, 4, 20), date(2026, 4, 1), date(2026, 5, 1)},
		{"unknown cadence is monthly", date(2026, 6, 1), granularity.Total, date(2026, 6, 2), date(2026, 6, 1), date(2026, 7, 1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := PeriodAt(tc.anchor, tc.cadence, tc.at)
			assert.True(t, tc.start.Equal(p.Start), "start %s", p.Start)
			assert.True(t, tc.end.Equal(p.End), "end %s", p.End)
			assert.True(t, p.Contains(tc.at))
		})
	}
}

func TestPeriodFraction(t *testing.T) {
	p := Period{Start: date(2026, 6, 1), End: date(2026, 7, 1)}
	assert.Equal(t, "0.5", p.Fraction(date(2026, 6, 1), date(2026, 6, 16)).String())
	assert.True(t, p.Fraction(date(2026, 7, 1), date(2026, 8, 1)).IsZero())
	assert.Equal(t, "1", p.Fraction(date(2026, 5, 1), date(2026, 9, 1)).String())
}

func TestNext(t *testing.T) {
	anchor := date(2026, 1, 31)
	p := PeriodAt(anchor, granularity.Monthly, date(2026, 2, 1))
	n := Next(anchor, granularity.Monthly, p)
	assert.True(t, date(2026, 2, 28).Equal(n.Start))
	assert.True(t, date(2026, 3, 31).Equal(n.End))
}
