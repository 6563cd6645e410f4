package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterly/internal/access/domain"
	"github.com/smallbiznis/meterly/internal/billingcycle"
	"github.com/smallbiznis/meterly/internal/clock"
	"github.com/smallbiznis/meterly/internal/granularity"
	metricdomain "github.com/smallbiznis/meterly/internal/metric/domain"
	plandomain "github.com/smallbiznis/meterly/internal/plan/domain"
	"github.com/smallbiznis/meterly/internal/pricetier"
	subscriptiondomain "github.com/smallbiznis/meterly/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/meterly/internal/usage/domain"
	"github.com/smallbiznis/meterly/internal/usage/handler"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	Registry  *handler.Registry
	MetricSvc metricdomain.Service
	PlanSvc   plandomain.Service
	Records   subscriptiondomain.Repository
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	registry *handler.Registry
	metrics  metricdomain.Service
	plans    plandomain.Service
	records  subscriptiondomain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("access.service"),
		clock:    p.Clock,
		registry: p.Registry,
		metrics:  p.MetricSvc,
		plans:    p.PlanSvc,
		records:  p.Records,
	}
}

// entitlement is a live record whose plan carries what was asked for.
type entitlement struct {
	record    subscriptiondomain.Record
	plan      *plandomain.Plan
	component *plandomain.PlanComponent
}

func (s *Service) GetCurrentAccess(ctx context.Context, req domain.AccessRequest) (domain.Access, error) {
	if req.OrgID == 0 {
		return domain.Access{}, domain.ErrInvalidOrganization
	}
	if req.CustomerID == 0 {
		return domain.Access{}, domain.ErrInvalidCustomer
	}
	feature := strings.TrimSpace(req.FeatureCode)
	if (req.MetricID == nil) == (feature == "") {
		return domain.Access{}, domain.ErrInvalidRequest
	}
	now := req.Now
	if now.IsZero() {
		now = s.clock.Now()
	}
	now = now.UTC()

	if feature != "" {
		ent, err := s.find(ctx, req, now, func(p *plandomain.Plan) *plandomain.PlanComponent {
			if p.HasFeature(feature) {
				return &plandomain.PlanComponent{}
			}
			return nil
		})
		if err != nil || ent == nil {
			return domain.Access{}, err
		}
		return domain.Access{Access: true, RecordID: lo.ToPtr(ent.record.ID)}, nil
	}

	metric, err := s.metrics.Get(ctx, req.OrgID, *req.MetricID)
	if err != nil {
		if errors.Is(err, metricdomain.ErrNotFound) {
			return domain.Access{}, fmt.Errorf("%w: %s", domain.ErrMetricNotFound, *req.MetricID)
		}
		return domain.Access{}, err
	}
	ent, err := s.find(ctx, req, now, func(p *plandomain.Plan) *plandomain.PlanComponent {
		c, ok := lo.Find(p.Components, func(c plandomain.PlanComponent) bool { return c.MetricID == metric.ID })
		if !ok {
			return nil
		}
		return &c
	})
	if err != nil {
		return domain.Access{}, err
	}
	if ent == nil {
		return domain.Access{Usage: decimal.Zero, FreeLimit: decimal.Zero}, nil
	}

	usage, err := s.currentUsage(ctx, *metric, ent, now)
	if err != nil {
		return domain.Access{}, err
	}
	tiers := []pricetier.Tier(ent.component.Tiers)
	limit := pricetier.Limit(tiers)
	return domain.Access{
		Usage:      usage,
		FreeLimit:  pricetier.FreeWidth(tiers),
		TotalLimit: limit,
		Access:     limit == nil || usage.LessThan(*limit),
		RecordID:   lo.ToPtr(ent.record.ID),
	}, nil
}

// find returns the first live record of the customer whose plan matches.
func (s *Service) find(ctx context.Context, req domain.AccessRequest, now time.Time, match func(*plandomain.Plan) *plandomain.PlanComponent) (*entitlement, error) {
	records, err := s.records.ListByCustomer(ctx, s.db, req.OrgID, req.CustomerID)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if !live(rec, now) {
			continue
		}
		plan, err := s.plans.Get(ctx, rec.OrgID, rec.PlanVersionID)
		if err != nil {
			return nil, fmt.Errorf("load plan version %s: %w", rec.PlanVersionID, err)
		}
		if c := match(plan); c != nil {
			return &entitlement{record: rec, plan: plan, component: c}, nil
		}
	}
	return nil, nil
}

// live reports whether rec covers now. Terminal records still cover the
// instants before their end.
func live(rec subscriptiondomain.Record, now time.Time) bool {
	if rec.StatusAt(now) == subscriptiondomain.StatusNotStarted {
		return false
	}
	return !now.Before(rec.Start) && (rec.End == nil || now.Before(*rec.End))
}

// currentUsage is the value a limit is checked against: the accrued counter
// in the current period, the current state of a stateful metric, or the
// trailing window of a rate metric.
func (s *Service) currentUsage(ctx context.Context, metric metricdomain.Metric, ent *entitlement, now time.Time) (decimal.Decimal, error) {
	rec := ent.record
	period := billingcycle.PeriodAt(rec.BillingAnchor, ent.plan.Cadence, now)
	groupBy := []string(ent.component.GroupBy)
	if len(groupBy) == 0 {
		groupBy = []string(metric.GroupBy)
	}
	req := handler.Request{
		Metric:      metric,
		CustomerID:  lo.ToPtr(rec.CustomerID),
		Start:       lo.Latest(period.Start, rec.UsageStart),
		End:         now.Add(time.Nanosecond),
		Granularity: granularity.Total,
		GroupBy:     groupBy,
		Filters:     rec.Narrowing(),
	}

	reduce := usagedomain.Series.Sum
	switch metric.Kind {
	case metricdomain.KindCounter:
		req.BillableOnly = true
	case metricdomain.KindStateful:
		reduce = usagedomain.Series.Last
	case metricdomain.KindRate:
		lookback := metric.Lookback()
		if lookback <= 0 {
			s.log.Warn("rate metric without lookback, usage reads as zero", zap.String("metric_code", metric.Code))
			return decimal.Zero, nil
		}
		// The window value at now is the inner aggregation over the lookback.
		req.Metric.Kind = metricdomain.KindCounter
		if req.Metric.Aggregation == "" {
			req.Metric.Aggregation = metricdomain.AggregationSum
		}
		req.Start = now.Add(-lookback)
	default:
		s.log.Warn("metric kind has no current usage", zap.String("metric_code", metric.Code), zap.String("kind", string(metric.Kind)))
		return decimal.Zero, nil
	}

	table, err := s.registry.Compute(ctx, req)
	if err != nil {
		if handler.IsConfigurationError(err) {
			s.log.Warn("metric misconfigured, usage reads as zero", zap.String("metric_code", metric.Code), zap.Error(err))
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, key := range table.Keys() {
		total = total.Add(reduce(table[key]))
	}
	return total, nil
}
