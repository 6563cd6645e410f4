package service

import (
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterly/internal/billingcycle"
	plandomain "github.com/smallbiznis/meterly/internal/plan/domain"
	"github.com/smallbiznis/meterly/internal/rating/domain"
	subscriptiondomain "github.com/smallbiznis/meterly/internal/subscription/domain"
)

// feeWindow is the part of one billing period a single invoice covers for a
// record's flat fees.
type feeWindow struct {
	record subscriptiondomain.Record
	period billingcycle.Period
	start  time.Time
	end    time.Time
	// cancel is set only in the period that contains the record's end.
	cancel subscriptiondomain.FlatFeeBehavior
}

func newFeeWindow(rec subscriptiondomain.Record, period billingcycle.Period, coverageEnd time.Time) feeWindow {
	start := lo.Latest(period.Start, rec.Start)
	if rec.BilledThrough != nil {
		start = lo.Latest(start, *rec.BilledThrough)
	}
	end := coverageEnd
	if end.Before(start) {
		end = start
	}
	w := feeWindow{record: rec, period: period, start: start, end: end}
	if rec.End != nil && rec.CancelFlatFeeBehavior != "" &&
		rec.End.After(period.Start) && !rec.End.After(period.End) {
		w.cancel = rec.CancelFlatFeeBehavior
	}
	return w
}

func (w feeWindow) covered() bool { return w.end.After(w.start) }

// closes reports whether the window reaches the end of the record's part of
// the period.
func (w feeWindow) closes() bool {
	last := w.period.End
	if w.record.End != nil && w.record.End.Before(last) {
		last = *w.record.End
	}
	return w.covered() && !w.end.Before(last)
}

// billedFrom is where earlier invoices in the period stopped, ignoring a
// start inside the period.
func (w feeWindow) billedFrom() time.Time {
	if bt := w.record.BilledThrough; bt != nil && bt.After(w.period.Start) {
		return *bt
	}
	return w.period.Start
}

// activeStart is where the record's fees begin inside the period.
func (w feeWindow) activeStart() time.Time {
	return lo.Latest(w.period.Start, w.record.Start)
}

// activeEnd is where the record's fees stop inside the period.
func (w feeWindow) activeEnd() time.Time {
	if w.record.End != nil && w.record.End.Before(w.period.End) {
		return *w.record.End
	}
	return w.period.End
}

// prepaid reports whether an advance invoice already charged this period.
func (w feeWindow) prepaid() bool {
	adv := w.record.AdvanceBilledThrough
	return adv != nil && !adv.Before(w.period.End)
}

func (w feeWindow) charge(ch plandomain.RecurringCharge, amount decimal.Decimal) domain.ChargeRevenue {
	return domain.ChargeRevenue{
		Name:        ch.Name,
		Kind:        domain.ChargeRecurring,
		Amount:      amount,
		PeriodStart: w.period.Start,
		PeriodEnd:   w.period.End,
	}
}

// arrearsAmount prices an arrears fee for the window. A full-behavior fee is
// deferred to the invoice that closes the period.
func arrearsAmount(ch plandomain.RecurringCharge, w feeWindow) decimal.Decimal {
	if !w.covered() {
		return decimal.Zero
	}
	full := ch.Behavior == plandomain.BehaviorFull
	prorated := ch.Amount.Mul(w.period.Fraction(w.start, w.end))

	switch w.cancel {
	case subscriptiondomain.FlatFeeRefund:
		return decimal.Zero
	case subscriptiondomain.FlatFeeChargeFull:
		if !w.closes() {
			if full {
				return decimal.Zero
			}
			return prorated
		}
		if full {
			return ch.Amount
		}
		return ch.Amount.Mul(w.period.Fraction(w.billedFrom(), w.period.End))
	case subscriptiondomain.FlatFeeProrate:
		if full {
			if !w.closes() {
				return decimal.Zero
			}
			return ch.Amount.Mul(w.period.Fraction(w.activeStart(), w.end))
		}
		return prorated
	}

	if full {
		if w.closes() {
			return ch.Amount
		}
		return decimal.Zero
	}
	return prorated
}

// advanceAmount prices an advance fee for a period not yet prepaid.
func advanceAmount(ch plandomain.RecurringCharge, w feeWindow) decimal.Decimal {
	switch w.cancel {
	case subscriptiondomain.FlatFeeRefund:
		return decimal.Zero
	case subscriptiondomain.FlatFeeChargeFull:
		return ch.Amount
	case subscriptiondomain.FlatFeeProrate:
		return ch.Amount.Mul(w.period.Fraction(w.activeStart(), w.activeEnd()))
	}
	if ch.Behavior == plandomain.BehaviorProrate {
		return ch.Amount.Mul(w.period.Fraction(w.activeStart(), w.activeEnd()))
	}
	return ch.Amount
}

// advanceCredit returns the credit owed for a prepaid period the record left
// early. It is issued once, on the invoice that reaches the record's end.
func advanceCredit(ch plandomain.RecurringCharge, w feeWindow) (decimal.Decimal, bool) {
	if w.cancel == "" || !w.prepaid() || !w.closes() {
		return decimal.Zero, false
	}
	end := *w.record.End
	switch w.cancel {
	case subscriptiondomain.FlatFeeProrate:
		return ch.Amount.Mul(w.period.Fraction(end, w.period.End)).Neg(), true
	case subscriptiondomain.FlatFeeRefund:
		paid := ch.Amount
		if ch.Behavior == plandomain.BehaviorProrate {
			paid = ch.Amount.Mul(w.period.Fraction(w.activeStart(), w.period.End))
		}
		return paid.Neg(), true
	}
	return decimal.Zero, false
}

// fees prices the record's recurring charges for the window and returns the
// advance watermark after billing them.
func fees(plan *plandomain.Plan, w feeWindow) (charges, credits []domain.ChargeRevenue, advance *time.Time) {
	advance = w.record.AdvanceBilledThrough

	if plan.IsAddon && plan.AddonFrequency == plandomain.AddonOneTime {
		if advance != nil {
			return nil, nil, advance
		}
		for _, ch := range plan.Charges {
			charges = append(charges, w.charge(ch, ch.Amount))
		}
		return charges, nil, lo.ToPtr(w.period.End)
	}

	active := w.activeEnd().After(w.activeStart())
	for _, ch := range plan.Charges {
		switch ch.Timing {
		case plandomain.TimingArrears:
			if amount := arrearsAmount(ch, w); !amount.IsZero() {
				charges = append(charges, w.charge(ch, amount))
			}
		case plandomain.TimingAdvance:
			if credit, ok := advanceCredit(ch, w); ok {
				c := w.charge(ch, credit)
				c.Kind = domain.ChargeCredit
				credits = append(credits, c)
				continue
			}
			if active && !w.prepaid() {
				if amount := advanceAmount(ch, w); !amount.IsZero() {
					charges = append(charges, w.charge(ch, amount))
				}
				advance = lo.ToPtr(w.period.End)
			}
		}
	}
	return charges, credits, advance
}

// nextAdvance prices the advance fees of the period after w for a record
// that continues into it.
func nextAdvance(plan *plandomain.Plan, rec subscriptiondomain.Record, next billingcycle.Period) ([]domain.ChargeRevenue, bool) {
	if rec.End != nil && !rec.End.After(next.Start) {
		return nil, false
	}
	if rec.AdvanceBilledThrough != nil && !rec.AdvanceBilledThrough.Before(next.End) {
		return nil, false
	}
	w := feeWindow{record: rec, period: next, start: next.Start, end: next.Start}
	var out []domain.ChargeRevenue
	for _, ch := range plan.Charges {
		if ch.Timing == plandomain.TimingAdvance {
			out = append(out, w.charge(ch, advanceAmount(ch, w)))
		}
	}
	return out, len(out) > 0
}
