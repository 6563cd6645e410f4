package service

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterly/internal/billingcycle"
	"github.com/smallbiznis/meterly/internal/invoice/domain"
	plandomain "github.com/smallbiznis/meterly/internal/plan/domain"
	ratingdomain "github.com/smallbiznis/meterly/internal/rating/domain"
	taxdomain "github.com/smallbiznis/meterly/internal/tax/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdjustmentAmount(t *testing.T) {
	base := mustMoney("80")
	cases := []struct {
		name string
		adj  *plandomain.PriceAdjustment
		want string
	}{
		{"none", nil, "0.00"},
		{"percentage", &plandomain.PriceAdjustment{Kind: plandomain.AdjustmentPercentage, Amount: mustMoney("12.5")}, "-10.00"},
		{"fixed", &plandomain.PriceAdjustment{Kind: plandomain.AdjustmentFixed, Amount: mustMoney("15")}, "-15.00"},
		{"fixed clamps at zero", &plandomain.PriceAdjustment{Kind: plandomain.AdjustmentFixed, Amount: mustMoney("120")}, "-80.00"},
		{"override down", &plandomain.PriceAdjustment{Kind: plandomain.AdjustmentOverride, Amount: mustMoney("49.99")}, "-30.01"},
		{"override up", &plandomain.PriceAdjustment{Kind: plandomain.AdjustmentOverride, Amount: mustMoney("100")}, "20.00"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assertMoney(t, tc.want, adjustmentAmount(tc.adj, base))
		})
	}
}

func TestBuilderRoundsLinesAndCredits(t *testing.T) {
	june := billingcycle.Period{
		Start: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
	}
	record, successor := snowflake.ID(1), snowflake.ID(2)
	rev := ratingdomain.SubscriptionRevenue{
		RecordID:      record,
		Period:        june,
		CoverageStart: june.Start,
		CoverageEnd:   june.End,
		Components: []ratingdomain.ComponentRevenue{
			{Name: "Words", Quantity: mustMoney("10"), Amount: mustMoney("6.666666")},
			{Name: "Idle", Quantity: mustMoney("0"), Amount: mustMoney("0")},
		},
		Credits: []ratingdomain.ChargeRevenue{{Name: "Seat", Kind: ratingdomain.ChargeCredit, Amount: mustMoney("-20.004")}},
		Successor: &ratingdomain.SuccessorAdvance{
			RecordID: successor,
			Charges:  []ratingdomain.ChargeRevenue{{Name: "Seat", Kind: ratingdomain.ChargeRecurring, Amount: mustMoney("40")}},
		},
	}

	b := newBuilder(nil)
	b.add(rev, false)
	require.Len(t, b.lines, 3)
	assert.Equal(t, domain.LineUsage, b.lines[0].Kind)
	assertMoney(t, "6.67", b.lines[0].Amount)
	assert.Equal(t, domain.LineCredit, b.lines[1].Kind)
	assertMoney(t, "-20.00", b.lines[1].Amount)
	assert.Equal(t, successor, b.lines[2].SubscriptionRecordID)
	assertMoney(t, "-13.33", b.billed[record])
	assertMoney(t, "40.00", b.billed[successor])

	inv := &domain.Invoice{Items: b.lines}
	totals(inv, taxdomain.Resolution{Rate: mustMoney("0.1"), Mode: taxdomain.TaxModeExclusive})
	assertMoney(t, "46.67", inv.Subtotal)
	assertMoney(t, "-20.00", inv.CreditTotal)
	assertMoney(t, "4.67", inv.TaxAmount)
	assertMoney(t, "31.34", inv.AmountDue)
}

func TestTotalsInclusiveTaxAndFloor(t *testing.T) {
	inv := &domain.Invoice{Items: []domain.LineItem{
		{Kind: domain.LineRecurring, Amount: mustMoney("55")},
		{Kind: domain.LineCredit, Amount: mustMoney("-80")},
	}}
	totals(inv, taxdomain.Resolution{Rate: mustMoney("0.1"), Mode: taxdomain.TaxModeInclusive})
	assertMoney(t, "5.00", inv.TaxAmount)
	assertMoney(t, "0.00", inv.AmountDue)
	assert.Equal(t, "inclusive", inv.TaxMode)
}
