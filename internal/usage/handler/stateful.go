package handler

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	usagedomain "github.com/smallbiznis/meterly/internal/usage/domain"
)

// StatefulTotal reports, for each bucket, the last absolute value observed
// before the bucket closes. Values before the range start carry in, so the
// plan reads unbounded history.
type StatefulTotal struct {
	store usagedomain.EventStore
}

// StatefulDelta reports the running balance at each bucket close. Deltas
// before the range start form the opening baseline.
type StatefulDelta struct {
	store usagedomain.EventStore
}

func (h *StatefulTotal) Compute(ctx context.Context, req Request) (usagedomain.Table, error) {
	return computeStateful(ctx, h.store, req, func(_ decimal.Decimal, v decimal.Decimal) decimal.Decimal {
		return v
	})
}

func (h *StatefulDelta) Compute(ctx context.Context, req Request) (usagedomain.Table, error) {
	return computeStateful(ctx, h.store, req, func(state decimal.Decimal, v decimal.Decimal) decimal.Decimal {
		return state.Add(v)
	})
}

type stepFn func(state, value decimal.Decimal) decimal.Decimal

func computeStateful(ctx context.Context, store usagedomain.EventStore, req Request, step stepFn) (usagedomain.Table, error) {
	plan := req.builder().Between(req.Start, req.End).Since(time.Time{}).Build()
	events, err := store.Query(ctx, plan)
	if err != nil {
		return nil, err
	}

	buckets := req.granularity().Buckets(req.Start, req.End)
	table := usagedomain.Table{}
	for key, evs := range groupEvents(plan, events) {
		var (
			state decimal.Decimal
			seen  bool
			next  int
		)
		series := usagedomain.Series{}
		for _, b := range buckets {
			for next < len(evs) && evs[next].Timestamp.Before(b.End) {
				if v, ok := propertyValue(req.Metric, evs[next]); ok {
					state = step(state, v)
					seen = true
				}
				next++
			}
			// Buckets before the first observation have no state to report.
			if !seen {
				continue
			}
			series = append(series, usagedomain.Point{PeriodStart: b.Start, Quantity: state})
		}
		if len(series) > 0 {
			table[key] = series
		}
	}
	return table, nil
}
