package handler

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	metricdomain "github.com/smallbiznis/meterly/internal/metric/domain"
	"github.com/smallbiznis/meterly/internal/metric/predicate"
	usagedomain "github.com/smallbiznis/meterly/internal/usage/domain"
)

// Counter reduces events in [start, end) per bucket with the metric's
// aggregation.
type Counter struct {
	store usagedomain.EventStore
}

type accumulator struct {
	count  int64
	sum    decimal.Decimal
	max    decimal.Decimal
	hasMax bool
	latest decimal.Decimal
	unique map[string]struct{}
}

func (a *accumulator) add(agg metricdomain.Aggregation, m metricdomain.Metric, ev usagedomain.Event) {
	switch agg {
	case metricdomain.AggregationCount:
		a.count++
	case metricdomain.AggregationUnique:
		raw, ok := ev.Properties[m.PropertyName]
		if !ok || raw == nil {
			return
		}
		if a.unique == nil {
			a.unique = map[string]struct{}{}
		}
		a.unique[predicate.Stringify(raw)] = struct{}{}
		a.count++
	default:
		v, ok := propertyValue(m, ev)
		if !ok {
			return
		}
		a.count++
		a.sum = a.sum.Add(v)
		if !a.hasMax || v.GreaterThan(a.max) {
			a.max = v
			a.hasMax = true
		}
		a.latest = v
	}
}

func (a *accumulator) value(agg metricdomain.Aggregation) decimal.Decimal {
	switch agg {
	case metricdomain.AggregationCount:
		return decimal.NewFromInt(a.count)
	case metricdomain.AggregationUnique:
		return decimal.NewFromInt(int64(len(a.unique)))
	case metricdomain.AggregationMax:
		return a.max
	case metricdomain.AggregationAverage:
		return a.sum.Div(decimal.NewFromInt(a.count))
	case metricdomain.AggregationLatest:
		return a.latest
	default:
		return a.sum
	}
}

func (h *Counter) Compute(ctx context.Context, req Request) (usagedomain.Table, error) {
	plan := req.builder().Between(req.Start, req.End).Build()
	events, err := h.store.Query(ctx, plan)
	if err != nil {
		return nil, err
	}

	agg := req.Metric.Aggregation
	if agg == "" {
		agg = metricdomain.AggregationCount
	}

	buckets := map[string]map[time.Time]*accumulator{}
	for _, ev := range events {
		key := plan.GroupKey(ev.Properties)
		period := req.bucketKey(ev.Timestamp)
		if buckets[key] == nil {
			buckets[key] = map[time.Time]*accumulator{}
		}
		acc := buckets[key][period]
		if acc == nil {
			acc = &accumulator{}
			buckets[key][period] = acc
		}
		acc.add(agg, req.Metric, ev)
	}

	table := usagedomain.Table{}
	for key, periods := range buckets {
		series := make(usagedomain.Series, 0, len(periods))
		for period, acc := range periods {
			if acc.count == 0 {
				continue
			}
			series = append(series, usagedomain.Point{PeriodStart: period, Quantity: acc.value(agg)})
		}
		if len(series) == 0 {
			continue
		}
		series.Sort()
		table[key] = series
	}
	return table, nil
}
