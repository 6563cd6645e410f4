// Package proration splits a billing period into sub-buckets, prices each one
// and weights the result against the charge cadence.
package proration

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterly/internal/billingcycle"
	"github.com/smallbiznis/meterly/internal/granularity"
	"github.com/smallbiznis/meterly/internal/pricetier"
	usagedomain "github.com/smallbiznis/meterly/internal/usage/domain"
)

type Mode string

const (
	// ModeAdditive sums samples. Counter metrics.
	ModeAdditive Mode = "additive"
	// ModeGauge time-weights a step series. Stateful metrics.
	ModeGauge Mode = "gauge"
	// ModePeak takes the largest sample. Rate metrics.
	ModePeak Mode = "peak"
)

var (
	ErrInvalidPeriod = errors.New("invalid_proration_period")
	ErrInvalidMode   = errors.New("invalid_proration_mode")
)

type Input struct {
	Series               usagedomain.Series
	MetricGranularity    granularity.Granularity
	ProrationGranularity granularity.Granularity
	// ChargeGranularity is the cadence tier prices are quoted against.
	ChargeGranularity granularity.Granularity
	// Anchor aligns charge buckets to a billing anchor. Zero uses the
	// calendar grid.
	Anchor      time.Time
	Mode        Mode
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// PriceFunc prices one sub-bucket quantity with a fresh free grant.
type PriceFunc func(quantity decimal.Decimal) pricetier.Evaluation

type BucketResult struct {
	Start          time.Time       `json:"start"`
	End            time.Time       `json:"end"`
	Quantity       decimal.Decimal `json:"quantity"`
	Weight         decimal.Decimal `json:"weight"`
	Amount         decimal.Decimal `json:"amount"`
	RemainderUnits decimal.Decimal `json:"remainder_units"`
}

type Result struct {
	// Quantity summarizes the period: the sum for additive, the last sample
	// for gauge and the max for peak.
	Quantity  decimal.Decimal
	Total     decimal.Decimal
	PerBucket []BucketResult
}

// Prorate prices in.Series over [PeriodStart, PeriodEnd). Total is the exact
// sum of the per-bucket amounts.
func Prorate(in Input, price PriceFunc) (Result, error) {
	if !in.PeriodEnd.After(in.PeriodStart) {
		return Result{}, ErrInvalidPeriod
	}
	switch in.Mode {
	case ModeAdditive, ModeGauge, ModePeak:
	default:
		return Result{}, ErrInvalidMode
	}

	samples := clip(in.Series, in.PeriodEnd)
	res := Result{Quantity: summarize(in.Mode, samples), Total: decimal.Zero}

	if in.ProrationGranularity.IsTotal() {
		ev := price(res.Quantity)
		res.PerBucket = []BucketResult{{
			Start:          in.PeriodStart.UTC(),
			End:            in.PeriodEnd.UTC(),
			Quantity:       res.Quantity,
			Weight:         decimal.NewFromInt(1),
			Amount:         ev.Amount,
			RemainderUnits: ev.RemainderUnits,
		}}
		res.Total = ev.Amount
		return res, nil
	}

	buckets := in.ProrationGranularity.Buckets(in.PeriodStart, in.PeriodEnd)
	carry := decimal.Zero
	for _, b := range buckets {
		var out BucketResult
		switch in.Mode {
		case ModeAdditive:
			qty := sumIn(samples, b, in.PeriodStart).Add(carry)
			ev := price(qty)
			carry = ev.RemainderUnits
			out = BucketResult{Quantity: qty, Weight: decimal.NewFromInt(1), Amount: ev.Amount, RemainderUnits: ev.RemainderUnits}
		case ModeGauge:
			out = weighted(in, b, timeWeighted(in, samples, b), price)
		case ModePeak:
			out = weighted(in, b, peakIn(samples, b, in.PeriodStart), price)
		}
		out.Start, out.End = b.Start, b.End
		res.PerBucket = append(res.PerBucket, out)
		res.Total = res.Total.Add(out.Amount)
	}
	return res, nil
}

func weighted(in Input, b granularity.Bucket, qty decimal.Decimal, price PriceFunc) BucketResult {
	ev := price(qty)
	charge := chargeBucket(in, b.Start)
	span := decimal.NewFromInt(int64(b.Duration()))
	whole := decimal.NewFromInt(int64(charge.Duration()))
	if whole.IsZero() {
		return BucketResult{Quantity: qty, Weight: decimal.Zero, Amount: decimal.Zero}
	}
	return BucketResult{
		Quantity:       qty,
		Weight:         span.Div(whole),
		Amount:         ev.Amount.Mul(span).Div(whole),
		RemainderUnits: ev.RemainderUnits,
	}
}

func chargeBucket(in Input, t time.Time) granularity.Bucket {
	g := in.ChargeGranularity
	if g.IsTotal() {
		return granularity.Bucket{Start: in.PeriodStart, End: in.PeriodEnd}
	}
	if !in.Anchor.IsZero() {
		p := billingcycle.PeriodAt(in.Anchor, g, t)
		return granularity.Bucket{Start: p.Start, End: p.End}
	}
	return g.Containing(t)
}

// clip drops samples at or after end. Samples keyed before the period start
// are kept and attributed to the first sub-bucket.
func clip(series usagedomain.Series, end time.Time) usagedomain.Series {
	out := make(usagedomain.Series, 0, len(series))
	for _, p := range series {
		if p.PeriodStart.Before(end) {
			out = append(out, p)
		}
	}
	out.Sort()
	return out
}

func summarize(mode Mode, samples usagedomain.Series) decimal.Decimal {
	switch mode {
	case ModeGauge:
		return samples.Last()
	case ModePeak:
		return samples.Max()
	default:
		return samples.Sum()
	}
}

func attributed(p usagedomain.Point, periodStart time.Time) time.Time {
	if p.PeriodStart.Before(periodStart) {
		return periodStart
	}
	return p.PeriodStart
}

func inBucket(t time.Time, b granularity.Bucket) bool {
	return !t.Before(b.Start) && t.Before(b.End)
}

func sumIn(samples usagedomain.Series, b granularity.Bucket, periodStart time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, p := range samples {
		if inBucket(attributed(p, periodStart), b) {
			total = total.Add(p.Quantity)
		}
	}
	return total
}

func peakIn(samples usagedomain.Series, b granularity.Bucket, periodStart time.Time) decimal.Decimal {
	peak := decimal.Zero
	for _, p := range samples {
		if inBucket(attributed(p, periodStart), b) && p.Quantity.GreaterThan(peak) {
			peak = p.Quantity
		}
	}
	return peak
}

// timeWeighted averages the step series over b. Each sample holds from its
// start until the next sample or the end of its metric bucket, whichever is
// first. Time before the first sample counts as zero.
func timeWeighted(in Input, samples usagedomain.Series, b granularity.Bucket) decimal.Decimal {
	span := b.Duration()
	if span <= 0 {
		return decimal.Zero
	}
	acc := decimal.Zero
	for i, p := range samples {
		end := in.PeriodEnd
		if !in.MetricGranularity.IsTotal() {
			if next := in.MetricGranularity.Next(p.PeriodStart); next.Before(end) {
				end = next
			}
		}
		if i+1 < len(samples) && samples[i+1].PeriodStart.Before(end) {
			end = samples[i+1].PeriodStart
		}
		held := granularity.Bucket{Start: p.PeriodStart, End: end}.Overlap(b.Start, b.End)
		if held <= 0 {
			continue
		}
		acc = acc.Add(p.Quantity.Mul(decimal.NewFromInt(int64(held))))
	}
	return acc.Div(decimal.NewFromInt(int64(span)))
}
