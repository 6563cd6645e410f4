package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	metricdomain "github.com/smallbiznis/meterly/internal/metric/domain"
	usagedomain "github.com/smallbiznis/meterly/internal/usage/domain"
)

// Rate samples a trailing window at every matching event and reduces the
// samples per bucket with the billable aggregation.
type Rate struct {
	store usagedomain.EventStore
}

func (h *Rate) Compute(ctx context.Context, req Request) (usagedomain.Table, error) {
	lookback := req.Metric.Lookback()
	if lookback <= 0 {
		return nil, fmt.Errorf("%w: lookback required for rate metric %s", ErrMisconfiguredMetric, req.Metric.Code)
	}

	plan := req.builder().Between(req.Start.Add(-lookback), req.End).Build()
	events, err := h.store.Query(ctx, plan)
	if err != nil {
		return nil, err
	}

	inner := req.Metric.Aggregation
	if inner == "" {
		inner = metricdomain.AggregationSum
	}

	table := usagedomain.Table{}
	for key, evs := range groupEvents(plan, events) {
		samples := rateSamples(req, evs, lookback, inner)
		if len(samples) == 0 {
			continue
		}
		if !req.BillableOnly {
			table[key] = samples
			continue
		}
		table[key] = reduceSamples(req, samples)
	}
	return table, nil
}

// rateSamples evaluates the window (t-L, t] at every distinct event time t
// inside [start, end). Events sharing a timestamp are all in the window.
func rateSamples(req Request, evs []usagedomain.Event, lookback time.Duration, agg metricdomain.Aggregation) usagedomain.Series {
	var out usagedomain.Series
	lo := 0
	for i := 0; i < len(evs); {
		t := evs[i].Timestamp
		j := i
		for j < len(evs) && evs[j].Timestamp.Equal(t) {
			j++
		}
		if !t.Before(req.Start) && t.Before(req.End) {
			floor := t.Add(-lookback)
			for lo < j && !evs[lo].Timestamp.After(floor) {
				lo++
			}
			acc := &accumulator{}
			for _, ev := range evs[lo:j] {
				acc.add(agg, req.Metric, ev)
			}
			if acc.count > 0 {
				out = append(out, usagedomain.Point{PeriodStart: t.UTC(), Quantity: acc.value(agg)})
			}
		}
		i = j
	}
	return out
}

func reduceSamples(req Request, samples usagedomain.Series) usagedomain.Series {
	billable := req.Metric.BillableAggregation
	byBucket := map[time.Time]usagedomain.Series{}
	var order []time.Time
	for _, s := range samples {
		key := req.bucketKey(s.PeriodStart)
		if _, ok := byBucket[key]; !ok {
			order = append(order, key)
		}
		byBucket[key] = append(byBucket[key], s)
	}

	out := make(usagedomain.Series, 0, len(order))
	for _, key := range order {
		bucket := byBucket[key]
		var v decimal.Decimal
		switch billable {
		case metricdomain.AggregationSum:
			v = bucket.Sum()
		case metricdomain.AggregationLatest:
			v = bucket.Last()
		case metricdomain.AggregationAverage:
			v = bucket.Sum().Div(decimal.NewFromInt(int64(len(bucket))))
		default:
			v = bucket.Max()
		}
		out = append(out, usagedomain.Point{PeriodStart: key, Quantity: v})
	}
	out.Sort()
	return out
}
