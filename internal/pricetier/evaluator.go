package pricetier

import "github.com/shopspring/decimal"

// Evaluation is the priced result of one quantity.
type Evaluation struct {
	Amount decimal.Decimal
	// FreeUnitsRemaining is the unused part of bounded free tiers plus any
	// unused carried-in allowance.
	FreeUnitsRemaining decimal.Decimal
	// RemainderUnits were dropped by ROUND_DOWN or ROUND_NEAREST.
	RemainderUnits decimal.Decimal
}

// Evaluate prices quantity against tiers. freeCarriedIn extends the free
// grant and absorbs the lowest billable units first. Tiers are assumed to
// have passed Validate.
func Evaluate(tiers []Tier, quantity, freeCarriedIn decimal.Decimal) Evaluation {
	var (
		amount    = decimal.Zero
		freeLeft  = decimal.Zero
		remainder = decimal.Zero
		carry     = decimal.Max(freeCarriedIn, decimal.Zero)
	)
	if quantity.IsNegative() {
		quantity = decimal.Zero
	}

	for _, t := range sorted(tiers) {
		units := t.unitsIn(quantity)

		if t.Kind == KindFree {
			if w, ok := t.Width(); ok {
				freeLeft = freeLeft.Add(w.Sub(units))
			}
			continue
		}

		if carry.IsPositive() && units.IsPositive() {
			absorbed := decimal.Min(carry, units)
			carry = carry.Sub(absorbed)
			units = units.Sub(absorbed)
		}
		if !units.IsPositive() || t.Informational() {
			continue
		}

		switch t.Kind {
		case KindFlat:
			amount = amount.Add(t.CostPerBatch)
		case KindPerUnit:
			charged, dropped := chargePerUnit(t, units)
			amount = amount.Add(charged)
			remainder = remainder.Add(dropped)
		}
	}

	return Evaluation{
		Amount:             decimal.Max(amount, decimal.Zero),
		FreeUnitsRemaining: freeLeft.Add(carry),
		RemainderUnits:     remainder,
	}
}

func chargePerUnit(t Tier, units decimal.Decimal) (amount, dropped decimal.Decimal) {
	size := *t.UnitsPerBatch
	if t.BatchRounding == NoRounding {
		return units.Mul(t.CostPerBatch).Div(size), decimal.Zero
	}

	batches, rest := units.QuoRem(size, 0)
	switch t.BatchRounding {
	case RoundDown:
		dropped = rest
	case RoundNearest:
		if rest.Mul(decimal.NewFromInt(2)).GreaterThanOrEqual(size) {
			batches = batches.Add(decimal.NewFromInt(1))
		} else {
			dropped = rest
		}
	default:
		if rest.IsPositive() {
			batches = batches.Add(decimal.NewFromInt(1))
		}
	}
	return batches.Mul(t.CostPerBatch), dropped
}
