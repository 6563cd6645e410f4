// Package pricetier prices a quantity against a contiguous list of tiers.
package pricetier

import (
	"sort"

	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindFree    Kind = "free"
	KindFlat    Kind = "flat"
	KindPerUnit Kind = "per_unit"
)

type Rounding string

const (
	RoundUp      Rounding = "round_up"
	RoundDown    Rounding = "round_down"
	RoundNearest Rounding = "round_nearest"
	NoRounding   Rounding = "no_rounding"
)

// Tier covers [RangeStart, RangeEnd). A nil RangeEnd is unbounded.
type Tier struct {
	RangeStart    decimal.Decimal  `json:"range_start"`
	RangeEnd      *decimal.Decimal `json:"range_end,omitempty"`
	Kind          Kind             `json:"kind"`
	CostPerBatch  decimal.Decimal  `json:"cost_per_batch"`
	UnitsPerBatch *decimal.Decimal `json:"units_per_batch,omitempty"`
	BatchRounding Rounding         `json:"batch_rounding,omitempty"`
}

// Bounded reports whether the tier has a finite end.
func (t Tier) Bounded() bool { return t.RangeEnd != nil }

// Width returns the tier width, or false when unbounded.
func (t Tier) Width() (decimal.Decimal, bool) {
	if t.RangeEnd == nil {
		return decimal.Zero, false
	}
	return t.RangeEnd.Sub(t.RangeStart), true
}

// unitsIn returns how much of quantity falls inside the tier.
func (t Tier) unitsIn(quantity decimal.Decimal) decimal.Decimal {
	if !quantity.GreaterThan(t.RangeStart) {
		return decimal.Zero
	}
	units := quantity.Sub(t.RangeStart)
	if w, ok := t.Width(); ok && units.GreaterThan(w) {
		return w
	}
	return units
}

// Informational tiers describe a range but never charge.
func (t Tier) Informational() bool {
	switch t.Kind {
	case KindFree:
		return false
	case KindPerUnit:
		if t.UnitsPerBatch == nil || !t.UnitsPerBatch.IsPositive() {
			return true
		}
	}
	return t.CostPerBatch.IsZero()
}

func sorted(tiers []Tier) []Tier {
	out := make([]Tier, len(tiers))
	copy(out, tiers)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RangeStart.LessThan(out[j].RangeStart)
	})
	return out
}

// FreeWidth is the total width of bounded free tiers.
func FreeWidth(tiers []Tier) decimal.Decimal {
	total := decimal.Zero
	for _, t := range tiers {
		if t.Kind != KindFree {
			continue
		}
		if w, ok := t.Width(); ok {
			total = total.Add(w)
		}
	}
	return total
}

// Limit returns the quantity above which nothing more is sold: the end of a
// bounded last tier, or the start of a trailing run of informational tiers.
// A nil result means unlimited.
func Limit(tiers []Tier) *decimal.Decimal {
	if len(tiers) == 0 {
		return nil
	}
	ts := sorted(tiers)
	last := ts[len(ts)-1]
	if last.Bounded() {
		end := *last.RangeEnd
		return &end
	}
	i := len(ts)
	for i > 0 && ts[i-1].Kind != KindFree && ts[i-1].Informational() {
		i--
	}
	if i == len(ts) || i == 0 {
		return nil
	}
	start := ts[i].RangeStart
	return &start
}
