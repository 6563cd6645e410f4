package pricetier

import (
	"testing"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func dp(v string) *decimal.Decimal { return lo.ToPtr(d(v)) }

func wordTiers(rounding Rounding) []Tier {
	return []Tier{
		{RangeStart: d("0"), RangeEnd: dp("2000"), Kind: KindFree},
		{RangeStart: d("2000"), Kind: KindPerUnit, CostPerBatch: d("5"), UnitsPerBatch: dp("100"), BatchRounding: rounding},
	}
}

func TestEvaluateWordsAboveFreeTier(t *testing.T) {
	tiers := wordTiers(RoundUp)
	require.NoError(t, Validate(tiers))

	ev := Evaluate(tiers, d("2500"), decimal.Zero)
	assert.Equal(t, "25", ev.Amount.String())
	assert.True(t, ev.FreeUnitsRemaining.IsZero())
	assert.True(t, ev.RemainderUnits.IsZero())
}

func TestEvaluateInsideFreeTier(t *testing.T) {
	ev := Evaluate(wordTiers(RoundUp), d("1500"), decimal.Zero)
	assert.True(t, ev.Amount.IsZero())
	assert.Equal(t, "500", ev.FreeUnitsRemaining.String())
}

func TestEvaluateRounding(t *testing.T) {
	cases := []struct {
		name      string
		rounding  Rounding
		quantity  string
		amount    string
		remainder string
	}{
		{"up partial batch", RoundUp, "2050", "5", "0"},
		{"default is up", "", "2050", "5", "0"},
		{"down drops partial", RoundDown, "2050", "0", "50"},
		{"up whole and partial", RoundUp, "2550", "30", "0"},
		{"down whole and partial", RoundDown, "2550", "25", "50"},
		{"down keeps whole", RoundDown, "2730", "35", "30"},
		{"nearest half rounds up", RoundNearest, "2050", "5", "0"},
		{"nearest below half", RoundNearest, "2149", "5", "49"},
		{"exact fraction", NoRounding, "2050", "2.5", "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := Evaluate(wordTiers(tc.rounding), d(tc.quantity), decimal.Zero)
			assert.True(t, d(tc.amount).Equal(ev.Amount), "amount %s", ev.Amount)
			assert.True(t, d(tc.remainder).Equal(ev.RemainderUnits), "remainder %s", ev.RemainderUnits)
		})
	}
}

func TestEvaluateCarriedInAllowance(t *testing.T) {
	tiers := wordTiers(RoundUp)

	ev := Evaluate(tiers, d("2500"), d("300"))
	assert.Equal(t, "10", ev.Amount.String())
	assert.True(t, ev.FreeUnitsRemaining.IsZero())

	ev = Evaluate(tiers, d("2100"), d("300"))
	assert.True(t, ev.Amount.IsZero())
	assert.Equal(t, "200", ev.FreeUnitsRemaining.String())
}

func TestEvaluateFlatTierChargedOnce(t *testing.T) {
	tiers := []Tier{
		{RangeStart: d("0"), RangeEnd: dp("10"), Kind: KindFree},
		{RangeStart: d("10"), RangeEnd: dp("100"), Kind: KindFlat, CostPerBatch: d("49")},
		{RangeStart: d("100"), Kind: KindPerUnit, CostPerBatch: d("1"), UnitsPerBatch: dp("1")},
	}
	require.NoError(t, Validate(tiers))

	assert.True(t, Evaluate(tiers, d("10"), decimal.Zero).Amount.IsZero())
	assert.Equal(t, "49", Evaluate(tiers, d("11"), decimal.Zero).Amount.String())
	assert.Equal(t, "49", Evaluate(tiers, d("100"), decimal.Zero).Amount.String())
	assert.Equal(t, "54", Evaluate(tiers, d("105"), decimal.Zero).Amount.String())
}

func TestEvaluateInformationalTiers(t *testing.T) {
	tiers := []Tier{
		{RangeStart: d("0"), RangeEnd: dp("5"), Kind: KindPerUnit, CostPerBatch: d("3")},
		{RangeStart: d("5"), Kind: KindFlat},
	}
	ev := Evaluate(tiers, d("50"), decimal.Zero)
	assert.True(t, ev.Amount.IsZero())
}

func TestEvaluateMonotonic(t *testing.T) {
	tiers := []Tier{
		{RangeStart: d("0"), RangeEnd: dp("3"), Kind: KindFree},
		{RangeStart: d("3"), RangeEnd: dp("20"), Kind: KindPerUnit, CostPerBatch: d("2"), UnitsPerBatch: dp("3"), BatchRounding: RoundNearest},
		{RangeStart: d("20"), RangeEnd: dp("40"), Kind: KindFlat, CostPerBatch: d("15")},
		{RangeStart: d("40"), Kind: KindPerUnit, CostPerBatch: d("0.5"), UnitsPerBatch: dp("1"), BatchRounding: RoundDown},
	}
	require.NoError(t, Validate(tiers))

	prev := decimal.Zero
	for q := decimal.Zero; q.LessThan(d("60")); q = q.Add(d("0.25")) {
		ev := Evaluate(tiers, q, decimal.Zero)
		assert.False(t, ev.Amount.IsNegative())
		assert.True(t, ev.Amount.GreaterThanOrEqual(prev), "amount dropped at %s", q)
		prev = ev.Amount
	}
}

func TestEvaluateNegativeQuantity(t *testing.T) {
	ev := Evaluate(wordTiers(RoundUp), d("-10"), decimal.Zero)
	assert.True(t, ev.Amount.IsZero())
	assert.Equal(t, "2000", ev.FreeUnitsRemaining.String())
}

func TestLimits(t *testing.T) {
	assert.Equal(t, "2000", FreeWidth(wordTiers(RoundUp)).String())
	assert.Nil(t, Limit(wordTiers(RoundUp)))

	capped := []Tier{
		{RangeStart: d("0"), RangeEnd: dp("100"), Kind: KindFree},
		{RangeStart: d("100"), RangeEnd: dp("500"), Kind: KindPerUnit, CostPerBatch: d("1"), UnitsPerBatch: dp("10")},
	}
	require.NotNil(t, Limit(capped))
	assert.Equal(t, "500", Limit(capped).String())

	trailing := []Tier{
		{RangeStart: d("0"), RangeEnd: dp("100"), Kind: KindFree},
		{RangeStart: d("100"), RangeEnd: dp("300"), Kind: KindFlat, CostPerBatch: d("10")},
		{RangeStart: d("300"), Kind: KindFlat},
	}
	require.NotNil(t, Limit(trailing))
	assert.Equal(t, "300", Limit(trailing).String())
}
