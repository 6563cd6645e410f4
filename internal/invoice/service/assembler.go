package service

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterly/internal/invoice/domain"
	plandomain "github.com/smallbiznis/meterly/internal/plan/domain"
	ratingdomain "github.com/smallbiznis/meterly/internal/rating/domain"
	taxdomain "github.com/smallbiznis/meterly/internal/tax/domain"
)

var hundred = decimal.NewFromInt(100)

// money rounds half-up to cents.
func money(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

// builder turns rated revenue into rounded line items and tracks how much
// each record is billed.
type builder struct {
	adjustments map[snowflake.ID]*plandomain.PriceAdjustment
	lines       []domain.LineItem
	billed      map[snowflake.ID]decimal.Decimal
}

func newBuilder(adjustments map[snowflake.ID]*plandomain.PriceAdjustment) *builder {
	return &builder{adjustments: adjustments, billed: map[snowflake.ID]decimal.Decimal{}}
}

func (b *builder) line(recordID snowflake.ID, item domain.LineItem) {
	item.SubscriptionRecordID = recordID
	item.Position = len(b.lines)
	b.lines = append(b.lines, item)
	b.billed[recordID] = b.billed[recordID].Add(item.Amount)
}

// add appends the lines of rev. Addon revenue is written with the addon
// kind for both its usage and its fees.
func (b *builder) add(rev ratingdomain.SubscriptionRevenue, addon bool) {
	usageKind, feeKind := domain.LineUsage, domain.LineRecurring
	if addon {
		usageKind, feeKind = domain.LineAddon, domain.LineAddon
	}

	base := decimal.Zero
	priced := false
	for _, c := range rev.Components {
		amount := money(c.Amount)
		if amount.IsZero() && c.Quantity.IsZero() {
			continue
		}
		b.line(rev.RecordID, domain.LineItem{
			PlanComponentID: lo.ToPtr(c.ComponentID),
			Kind:            usageKind,
			Description:     c.Name,
			GroupKey:        c.GroupKey,
			Quantity:        c.Quantity,
			Amount:          amount,
			PeriodStart:     rev.CoverageStart,
			PeriodEnd:       rev.CoverageEnd,
		})
		base = base.Add(amount)
		priced = true
	}
	for _, c := range rev.Charges {
		amount := money(c.Amount)
		b.line(rev.RecordID, feeLine(feeKind, c, amount))
		base = base.Add(amount)
		priced = true
	}

	if priced {
		if adj := adjustmentAmount(b.adjustments[rev.PlanVersionID], base); !adj.IsZero() {
			b.line(rev.RecordID, domain.LineItem{
				Kind:        domain.LineAdjustment,
				Description: fmt.Sprintf("Adjustment (%s)", b.adjustments[rev.PlanVersionID].Kind),
				Amount:      adj,
				PeriodStart: rev.Period.Start,
				PeriodEnd:   rev.Period.End,
			})
		}
	}

	for _, c := range rev.Credits {
		b.line(rev.RecordID, feeLine(domain.LineCredit, c, money(c.Amount)))
	}
	if rev.Successor != nil {
		for _, c := range rev.Successor.Charges {
			b.line(rev.Successor.RecordID, feeLine(feeKind, c, money(c.Amount)))
		}
	}
	for _, a := range rev.Addons {
		b.add(a, true)
	}
}

func feeLine(kind domain.LineKind, c ratingdomain.ChargeRevenue, amount decimal.Decimal) domain.LineItem {
	return domain.LineItem{
		Kind:        kind,
		Description: c.Name,
		Quantity:    decimal.NewFromInt(1),
		Amount:      amount,
		PeriodStart: c.PeriodStart,
		PeriodEnd:   c.PeriodEnd,
	}
}

// adjustmentAmount is the signed change a plan adjustment makes to base,
// never taking base below zero.
func adjustmentAmount(adj *plandomain.PriceAdjustment, base decimal.Decimal) decimal.Decimal {
	if adj == nil {
		return decimal.Zero
	}
	var out decimal.Decimal
	switch adj.Kind {
	case plandomain.AdjustmentPercentage:
		out = base.Mul(adj.Amount).Div(hundred).Neg()
	case plandomain.AdjustmentFixed:
		out = adj.Amount.Neg()
	case plandomain.AdjustmentOverride:
		out = adj.Amount.Sub(base)
	default:
		return decimal.Zero
	}
	if base.Add(out).IsNegative() {
		out = base.Neg()
	}
	return money(out)
}

// totals fills the invoice amounts from its lines. Tax is computed on the
// subtotal before credits; inclusive tax is already part of the subtotal.
func totals(inv *domain.Invoice, tax taxdomain.Resolution) {
	subtotal, adjustments, credits := decimal.Zero, decimal.Zero, decimal.Zero
	for _, item := range inv.Items {
		switch item.Kind {
		case domain.LineCredit:
			credits = credits.Add(item.Amount)
		case domain.LineAdjustment:
			adjustments = adjustments.Add(item.Amount)
			subtotal = subtotal.Add(item.Amount)
		default:
			subtotal = subtotal.Add(item.Amount)
		}
	}

	inv.Subtotal = subtotal
	inv.AdjustmentTotal = adjustments
	inv.CreditTotal = credits
	inv.TaxRate = tax.Rate
	inv.TaxMode = string(tax.Mode)
	inv.TaxAmount = tax.Amount(subtotal)

	due := subtotal.Add(credits)
	if tax.Mode != taxdomain.TaxModeInclusive {
		due = due.Add(inv.TaxAmount)
	}
	inv.AmountDue = decimal.Max(due, decimal.Zero)
}

// coverageOf spans the coverage windows of all revenue, addons included.
func coverageOf(revs []ratingdomain.SubscriptionRevenue) (time.Time, time.Time) {
	var start, end time.Time
	var walk func(ratingdomain.SubscriptionRevenue)
	walk = func(r ratingdomain.SubscriptionRevenue) {
		if start.IsZero() || r.CoverageStart.Before(start) {
			start = r.CoverageStart
		}
		if r.CoverageEnd.After(end) {
			end = r.CoverageEnd
		}
		lo.ForEach(r.Addons, func(a ratingdomain.SubscriptionRevenue, _ int) { walk(a) })
	}
	lo.ForEach(revs, func(r ratingdomain.SubscriptionRevenue, _ int) { walk(r) })
	return start, end
}

// flatten lists rev and its addons depth first.
func flatten(revs []ratingdomain.SubscriptionRevenue) []ratingdomain.SubscriptionRevenue {
	var out []ratingdomain.SubscriptionRevenue
	for _, r := range revs {
		out = append(out, r)
		out = append(out, flatten(r.Addons)...)
	}
	return out
}
