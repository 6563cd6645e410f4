package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterly/internal/granularity"
	metricdomain "github.com/smallbiznis/meterly/internal/metric/domain"
	plandomain "github.com/smallbiznis/meterly/internal/plan/domain"
	"github.com/smallbiznis/meterly/internal/pricetier"
	"github.com/smallbiznis/meterly/internal/proration"
	"github.com/smallbiznis/meterly/internal/rating/domain"
	"github.com/smallbiznis/meterly/internal/usage/handler"
	"go.uber.org/zap"
)

// CalculateComponent prices one plan component over [Start, End) for every
// group key. A misconfigured component rates as zero.
func (s *Service) CalculateComponent(ctx context.Context, req domain.ComponentRequest) ([]domain.ComponentRevenue, error) {
	if !req.End.After(req.Start) {
		return nil, domain.ErrInvalidRange
	}
	log := s.log.With(
		zap.String("org_id", req.OrgID.String()),
		zap.String("component_id", req.Component.ID.String()),
		zap.String("metric_code", req.Metric.Code),
	)

	tiers := []pricetier.Tier(req.Component.Tiers)
	if err := pricetier.Validate(tiers); err != nil {
		log.Warn("component has invalid tiers, rating as zero", zap.Error(err))
		return nil, nil
	}
	mode, grain, err := usageShape(req.Metric, req.Component)
	if err != nil {
		log.Warn("component metric cannot be rated, rating as zero", zap.Error(err))
		return nil, nil
	}

	groupBy := []string(req.Component.GroupBy)
	if len(groupBy) == 0 {
		groupBy = []string(req.Metric.GroupBy)
	}
	customerID := req.CustomerID
	table, err := s.registry.Compute(ctx, handler.Request{
		Metric:       req.Metric,
		CustomerID:   &customerID,
		Start:        req.Start,
		End:          req.End,
		Granularity:  grain,
		GroupBy:      groupBy,
		Filters:      req.Filters,
		BillableOnly: true,
	})
	if err != nil {
		if handler.IsConfigurationError(err) {
			log.Warn("component metric misconfigured, rating as zero", zap.Error(err))
			return nil, nil
		}
		return nil, fmt.Errorf("compute usage for component %s: %w", req.Component.ID, err)
	}

	price := func(q decimal.Decimal) pricetier.Evaluation {
		return pricetier.Evaluate(tiers, q, decimal.Zero)
	}
	out := make([]domain.ComponentRevenue, 0, len(table))
	for _, key := range table.Keys() {
		res, err := proration.Prorate(proration.Input{
			Series:               table[key],
			MetricGranularity:    grain,
			ProrationGranularity: prorationOf(req.Component),
			ChargeGranularity:    req.Cadence,
			Anchor:               req.Anchor,
			Mode:                 mode,
			PeriodStart:          req.Start,
			PeriodEnd:            req.End,
		}, price)
		if err != nil {
			return nil, fmt.Errorf("prorate component %s: %w", req.Component.ID, err)
		}
		out = append(out, domain.ComponentRevenue{
			ComponentID: req.Component.ID,
			Name:        req.Component.Name,
			GroupKey:    key,
			Quantity:    res.Quantity,
			Amount:      res.Total,
			Buckets:     res.PerBucket,
		})
	}
	return out, nil
}

// usageShape maps a metric kind to its proration mode and the granularity
// its usage is queried at.
func usageShape(m metricdomain.Metric, c plandomain.PlanComponent) (proration.Mode, granularity.Granularity, error) {
	metricGrain := m.Granularity
	if metricGrain == "" {
		metricGrain = granularity.Total
	}
	switch m.Kind {
	case metricdomain.KindCounter:
		return proration.ModeAdditive, prorationOf(c), nil
	case metricdomain.KindStateful:
		return proration.ModeGauge, metricGrain, nil
	case metricdomain.KindRate:
		return proration.ModePeak, metricGrain, nil
	default:
		return "", "", fmt.Errorf("%w: %s", handler.ErrUnsupportedMetricKind, m.Kind)
	}
}

func prorationOf(c plandomain.PlanComponent) granularity.Granularity {
	if c.ProrationGranularity == "" {
		return granularity.Total
	}
	return c.ProrationGranularity
}
