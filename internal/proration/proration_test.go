package proration

import (
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterly/internal/granularity"
	"github.com/smallbiznis/meterly/internal/pricetier"
	usagedomain "github.com/smallbiznis/meterly/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func day(n int) time.Time {
	return time.Date(2026, 6, 1+n, 0, 0, 0, 0, time.UTC)
}

func priceWith(tiers []pricetier.Tier) PriceFunc {
	return func(q decimal.Decimal) pricetier.Evaluation {
		return pricetier.Evaluate(tiers, q, decimal.Zero)
	}
}

func seatTiers() []pricetier.Tier {
	return []pricetier.Tier{
		{RangeStart: d("0"), RangeEnd: lo.ToPtr(d("3")), Kind: pricetier.KindFree},
		{RangeStart: d("3"), Kind: pricetier.KindPerUnit, CostPerBatch: d("100"), UnitsPerBatch: lo.ToPtr(d("1")), BatchRounding: pricetier.RoundUp},
	}
}

func TestProrateGaugeDailyAgainstMonthlyPrice(t *testing.T) {
	in := Input{
		Series: usagedomain.Series{
			{PeriodStart: day(0), Quantity: d("3")},
			{PeriodStart: day(1), Quantity: d("5")},
			{PeriodStart: day(2), Quantity: d("5")},
		},
		MetricGranularity:    granularity.Daily,
		ProrationGranularity: granularity.Daily,
		ChargeGranularity:    granularity.Monthly,
		Mode:                 ModeGauge,
		PeriodStart:          day(0),
		PeriodEnd:            day(3),
	}

	res, err := Prorate(in, priceWith(seatTiers()))
	require.NoError(t, err)
	require.Len(t, res.PerBucket, 3)

	assert.True(t, res.PerBucket[0].Amount.IsZero())
	assert.Equal(t, "6.67", res.PerBucket[1].Amount.Round(2).String())
	assert.Equal(t, "6.67", res.PerBucket[2].Amount.Round(2).String())
	assert.Equal(t, "13.33", res.Total.Round(2).String())
	assert.Equal(t, "5", res.Quantity.String())

	sum := lo.Reduce(res.PerBucket, func(acc decimal.Decimal, b BucketResult, _ int) decimal.Decimal {
		return acc.Add(b.Amount)
	}, decimal.Zero)
	assert.True(t, sum.Equal(res.Total))
}

func TestProrateGaugeFullPeriodMatchesUnprorated(t *testing.T) {
	start := day(0)
	end := start.AddDate(0, 1, 0)
	var series usagedomain.Series
	for ts := start; ts.Before(end); ts = ts.AddDate(0, 0, 1) {
		series = append(series, usagedomain.Point{PeriodStart: ts, Quantity: d("7")})
	}
	in := Input{
		Series:               series,
		MetricGranularity:    granularity.Daily,
		ProrationGranularity: granularity.Daily,
		ChargeGranularity:    granularity.Monthly,
		Mode:                 ModeGauge,
		PeriodStart:          start,
		PeriodEnd:            end,
	}

	res, err := Prorate(in, priceWith(seatTiers()))
	require.NoError(t, err)
	assert.Equal(t, "400.00", res.Total.StringFixed(2))

	in.ProrationGranularity = granularity.Total
	whole, err := Prorate(in, priceWith(seatTiers()))
	require.NoError(t, err)
	assert.Equal(t, res.Total.StringFixed(2), whole.Total.StringFixed(2))
}

func TestProrateAdditiveLinearPriceIsSplitInvariant(t *testing.T) {
	tiers := []pricetier.Tier{
		{RangeStart: d("0"), Kind: pricetier.KindPerUnit, CostPerBatch: d("0.02"), UnitsPerBatch: lo.ToPtr(d("1")), BatchRounding: pricetier.NoRounding},
	}
	series := usagedomain.Series{
		{PeriodStart: day(0).Add(-2 * time.Hour), Quantity: d("10")},
		{PeriodStart: day(0).Add(3 * time.Hour), Quantity: d("40")},
		{PeriodStart: day(4), Quantity: d("25")},
		{PeriodStart: day(9), Quantity: d("99")},
	}
	base := Input{
		Series:            series,
		MetricGranularity: granularity.Hourly,
		ChargeGranularity: granularity.Monthly,
		Mode:              ModeAdditive,
		PeriodStart:       day(0),
		PeriodEnd:         day(7),
	}

	for _, g := range []granularity.Granularity{granularity.Total, granularity.Daily, granularity.Weekly} {
		in := base
		in.ProrationGranularity = g
		res, err := Prorate(in, priceWith(tiers))
		require.NoError(t, err)
		assert.Equal(t, "1.5", res.Total.String(), "proration %s", g)
		assert.Equal(t, "75", res.Quantity.String())
	}
}

func TestProrateAdditiveFreshGrantAndRemainderCarry(t *testing.T) {
	tiers := []pricetier.Tier{
		{RangeStart: d("0"), RangeEnd: lo.ToPtr(d("10")), Kind: pricetier.KindFree},
		{RangeStart: d("10"), Kind: pricetier.KindPerUnit, CostPerBatch: d("1"), UnitsPerBatch: lo.ToPtr(d("10")), BatchRounding: pricetier.RoundDown},
	}
	in := Input{
		Series: usagedomain.Series{
			{PeriodStart: day(0), Quantity: d("25")},
			{PeriodStart: day(1), Quantity: d("5")},
			{PeriodStart: day(2), Quantity: d("18")},
		},
		MetricGranularity:    granularity.Daily,
		ProrationGranularity: granularity.Daily,
		ChargeGranularity:    granularity.Monthly,
		Mode:                 ModeAdditive,
		PeriodStart:          day(0),
		PeriodEnd:            day(3),
	}

	res, err := Prorate(in, priceWith(tiers))
	require.NoError(t, err)
	require.Len(t, res.PerBucket, 3)

	// day 0: 25 - 10 free = 15 billable, one batch, 5 carried
	assert.Equal(t, "1", res.PerBucket[0].Amount.String())
	assert.Equal(t, "5", res.PerBucket[0].RemainderUnits.String())
	// day 1: 5 + 5 carried, all inside the fresh grant
	assert.Equal(t, "10", res.PerBucket[1].Quantity.String())
	assert.True(t, res.PerBucket[1].Amount.IsZero())
	// day 2: 18 billable 8 < one batch
	assert.True(t, res.PerBucket[2].Amount.IsZero())
	assert.Equal(t, "8", res.PerBucket[2].RemainderUnits.String())
	assert.Equal(t, "1", res.Total.String())
}

func TestProratePeakWeighted(t *testing.T) {
	tiers := []pricetier.Tier{
		{RangeStart: d("0"), Kind: pricetier.KindPerUnit, CostPerBatch: d("3"), UnitsPerBatch: lo.ToPtr(d("1")), BatchRounding: pricetier.RoundUp},
	}
	in := Input{
		Series: usagedomain.Series{
			{PeriodStart: day(0).Add(time.Hour), Quantity: d("2")},
			{PeriodStart: day(0).Add(5 * time.Hour), Quantity: d("4")},
			{PeriodStart: day(1).Add(time.Hour), Quantity: d("1")},
		},
		MetricGranularity:    granularity.Hourly,
		ProrationGranularity: granularity.Daily,
		ChargeGranularity:    granularity.Monthly,
		Mode:                 ModePeak,
		PeriodStart:          day(0),
		PeriodEnd:            day(2),
	}

	res, err := Prorate(in, priceWith(tiers))
	require.NoError(t, err)
	require.Len(t, res.PerBucket, 2)
	assert.Equal(t, "4", res.PerBucket[0].Quantity.String())
	assert.Equal(t, "0.40", res.PerBucket[0].Amount.StringFixed(2))
	assert.Equal(t, "0.10", res.PerBucket[1].Amount.StringFixed(2))
	assert.Equal(t, "4", res.Quantity.String())
}

func TestProrateAnchoredChargeBucket(t *testing.T) {
	anchor := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	in := Input{
		Series:               usagedomain.Series{{PeriodStart: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), Quantity: d("4")}},
		MetricGranularity:    granularity.Daily,
		ProrationGranularity: granularity.Daily,
		ChargeGranularity:    granularity.Monthly,
		Anchor:               anchor,
		Mode:                 ModeGauge,
		PeriodStart:          time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:            time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC),
	}
	// [Jan 15, Feb 15) has 31 days
	res, err := Prorate(in, priceWith(seatTiers()))
	require.NoError(t, err)
	assert.Equal(t, "3.23", res.Total.Round(2).StringFixed(2))
}

func TestProrateRejectsBadInput(t *testing.T) {
	_, err := Prorate(Input{Mode: ModeAdditive, PeriodStart: day(1), PeriodEnd: day(1)}, priceWith(seatTiers()))
	assert.ErrorIs(t, err, ErrInvalidPeriod)

	_, err = Prorate(Input{Mode: "median", PeriodStart: day(0), PeriodEnd: day(1)}, priceWith(seatTiers()))
	assert.ErrorIs(t, err, ErrInvalidMode)
}

func TestProrateEmptySeries(t *testing.T) {
	res, err := Prorate(Input{
		MetricGranularity:    granularity.Daily,
		ProrationGranularity: granularity.Daily,
		ChargeGranularity:    granularity.Monthly,
		Mode:                 ModeGauge,
		PeriodStart:          day(0),
		PeriodEnd:            day(2),
	}, priceWith(seatTiers()))
	require.NoError(t, err)
	assert.True(t, res.Total.IsZero())
	assert.Len(t, res.PerBucket, 2)
}
