package domain

import (
	"sort"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// Point is one bucket of a usage series.
type Point struct {
	PeriodStart time.Time       `json:"period_start"`
	Quantity    decimal.Decimal `json:"quantity"`
}

// Series is ordered by PeriodStart.
type Series []Point

// Table maps a group key to its series. The empty key is the ungrouped total.
type Table map[string]Series

func (s Series) Sort() {
	sort.SliceStable(s, func(i, j int) bool { return s[i].PeriodStart.Before(s[j].PeriodStart) })
}

func (s Series) Sum() decimal.Decimal {
	total := decimal.Zero
	for _, p := range s {
		total = total.Add(p.Quantity)
	}
	return total
}

func (s Series) Max() decimal.Decimal {
	if len(s) == 0 {
		return decimal.Zero
	}
	out := s[0].Quantity
	for _, p := range s[1:] {
		if p.Quantity.GreaterThan(out) {
			out = p.Quantity
		}
	}
	return out
}

// Last returns the most recent point's quantity.
func (s Series) Last() decimal.Decimal {
	if len(s) == 0 {
		return decimal.Zero
	}
	return s[len(s)-1].Quantity
}

// Keys returns the group keys in sorted order.
func (t Table) Keys() []string {
	keys := lo.Keys(t)
	sort.Strings(keys)
	return keys
}
