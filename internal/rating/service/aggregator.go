package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"github.com/smallbiznis/meterly/internal/billingcycle"
	"github.com/smallbiznis/meterly/internal/granularity"
	metricdomain "github.com/smallbiznis/meterly/internal/metric/domain"
	plandomain "github.com/smallbiznis/meterly/internal/plan/domain"
	"github.com/smallbiznis/meterly/internal/rating/domain"
	subscriptiondomain "github.com/smallbiznis/meterly/internal/subscription/domain"
	"go.uber.org/zap"
)

// Aggregate prices a record for its oldest unbilled billing period up to
// req.Now, including the addons invoiced with it.
func (s *Service) Aggregate(ctx context.Context, req domain.AggregateRequest) (*domain.SubscriptionRevenue, error) {
	rec := req.Record
	if rec.ID == 0 || rec.OrgID == 0 {
		return nil, domain.ErrInvalidRecord
	}
	plan, err := s.plans.Get(ctx, rec.OrgID, rec.PlanVersionID)
	if err != nil {
		return nil, fmt.Errorf("load plan version %s: %w", rec.PlanVersionID, err)
	}

	now := req.Now.UTC()
	period, start, end := coverage(rec, plan.Cadence, now)
	rev := &domain.SubscriptionRevenue{
		RecordID:             rec.ID,
		OrgID:                rec.OrgID,
		CustomerID:           rec.CustomerID,
		PlanVersionID:        rec.PlanVersionID,
		LockVersion:          rec.LockVersion,
		Currency:             plan.Currency,
		Period:               period,
		CoverageStart:        start,
		CoverageEnd:          end,
		BilledThrough:        end,
		AdvanceBilledThrough: rec.AdvanceBilledThrough,
	}
	if rec.StatusAt(now) == subscriptiondomain.StatusNotStarted {
		rev.CoverageEnd = rev.CoverageStart
		rev.BilledThrough = rev.CoverageStart
		return rev, nil
	}

	if usageEnd, ok := usageUntil(rec, end); ok && usageEnd.After(start) {
		for _, component := range plan.Components {
			revenue, err := s.componentRevenue(ctx, rec, plan, component, start, usageEnd)
			if err != nil {
				return nil, err
			}
			rev.Components = append(rev.Components, revenue...)
		}
	}

	window := newFeeWindow(rec, period, end)
	rev.Charges, rev.Credits, rev.AdvanceBilledThrough = fees(plan, window)

	if req.ChargeNextPlan {
		if err := s.chargeNext(ctx, rec, plan, period, rev); err != nil {
			return nil, err
		}
	}

	if rec.ParentID == nil {
		addons, err := s.addons(ctx, rec, now)
		if err != nil {
			return nil, err
		}
		rev.Addons = addons
	}

	s.log.Debug("subscription record rated",
		zap.String("record_id", rec.ID.String()),
		zap.Time("coverage_start", start),
		zap.Time("coverage_end", end),
		zap.String("subtotal", rev.Subtotal().String()),
	)
	return rev, nil
}

func (s *Service) componentRevenue(ctx context.Context, rec subscriptiondomain.Record, plan *plandomain.Plan, component plandomain.PlanComponent, start, end time.Time) ([]domain.ComponentRevenue, error) {
	metric, err := s.metrics.Get(ctx, rec.OrgID, component.MetricID)
	if err != nil {
		if errors.Is(err, metricdomain.ErrNotFound) {
			s.log.Warn("component metric missing, rating as zero",
				zap.String("component_id", component.ID.String()),
				zap.String("metric_id", component.MetricID.String()),
			)
			return nil, nil
		}
		return nil, err
	}
	return s.CalculateComponent(ctx, domain.ComponentRequest{
		OrgID:      rec.OrgID,
		CustomerID: rec.CustomerID,
		Component:  component,
		Metric:     *metric,
		Filters:    rec.Narrowing(),
		Start:      start,
		End:        end,
		Cadence:    plan.Cadence,
		Anchor:     rec.BillingAnchor,
	})
}

// chargeNext bills the advance fees of the following period, or of the
// successor's first period when the record was replaced.
func (s *Service) chargeNext(ctx context.Context, rec subscriptiondomain.Record, plan *plandomain.Plan, period billingcycle.Period, rev *domain.SubscriptionRevenue) error {
	if rec.ReplacedByID == nil {
		next := billingcycle.Next(rec.BillingAnchor, plan.Cadence, period)
		current := rec
		current.AdvanceBilledThrough = rev.AdvanceBilledThrough
		if charges, ok := nextAdvance(plan, current, next); ok {
			rev.Charges = append(rev.Charges, charges...)
			rev.AdvanceBilledThrough = lo.ToPtr(next.End)
		}
		return nil
	}

	successor, err := s.records.FindByID(ctx, s.db, rec.OrgID, *rec.ReplacedByID)
	if err != nil {
		return err
	}
	if successor == nil {
		return fmt.Errorf("%w: successor %s", subscriptiondomain.ErrRecordNotFound, *rec.ReplacedByID)
	}
	succPlan, err := s.plans.Get(ctx, successor.OrgID, successor.PlanVersionID)
	if err != nil {
		return fmt.Errorf("load plan version %s: %w", successor.PlanVersionID, err)
	}
	first := billingcycle.PeriodAt(successor.BillingAnchor, succPlan.Cadence, successor.Start)
	if charges, ok := nextAdvance(succPlan, *successor, first); ok {
		rev.Successor = &domain.SuccessorAdvance{
			RecordID:             successor.ID,
			LockVersion:          successor.LockVersion,
			Charges:              charges,
			AdvanceBilledThrough: first.End,
		}
	}
	return nil
}

// addons rates the children invoiced together with rec.
func (s *Service) addons(ctx context.Context, rec subscriptiondomain.Record, now time.Time) ([]domain.SubscriptionRevenue, error) {
	children, err := s.records.ListChildren(ctx, s.db, rec.OrgID, rec.ID)
	if err != nil {
		return nil, err
	}
	var out []domain.SubscriptionRevenue
	for _, child := range children {
		childPlan, err := s.plans.Get(ctx, child.OrgID, child.PlanVersionID)
		if err != nil {
			return nil, fmt.Errorf("load addon plan version %s: %w", child.PlanVersionID, err)
		}
		if !childPlan.InvoiceWithParent {
			continue
		}
		revenue, err := s.Aggregate(ctx, domain.AggregateRequest{Record: child, Now: now})
		if err != nil {
			return nil, fmt.Errorf("rate addon %s: %w", child.ID, err)
		}
		if !revenue.Empty() {
			out = append(out, *revenue)
		}
	}
	return out, nil
}

// coverage returns the billing period an invoice at now targets and the
// unbilled window of it. The period is the one containing the last billable
// instant, or the period of the unbilled watermark when an earlier period is
// still open.
func coverage(rec subscriptiondomain.Record, cadence granularity.Granularity, now time.Time) (billingcycle.Period, time.Time, time.Time) {
	until := rec.BillableUntil(now)
	period := billingcycle.PeriodAt(rec.BillingAnchor, cadence, until.Add(-time.Nanosecond))

	watermark := rec.UsageStart
	if rec.BilledThrough != nil {
		watermark = lo.Latest(watermark, *rec.BilledThrough)
	}
	if watermark.Before(period.Start) {
		period = billingcycle.PeriodAt(rec.BillingAnchor, cadence, watermark)
	}

	start := lo.Latest(period.Start, watermark)
	end := lo.Earliest(period.End, until)
	if end.Before(start) {
		end = start
	}
	return period, start, end
}

// usageUntil returns where usage billing of the window ending at end stops.
// Usage after a transfer point belongs to the successor. It is false for the
// final window of a record cancelled without usage billing.
func usageUntil(rec subscriptiondomain.Record, end time.Time) (time.Time, bool) {
	if rec.CancelUsageBehavior == subscriptiondomain.UsageBillNone && rec.End != nil && !end.Before(*rec.End) {
		return end, false
	}
	if rec.UsageTransferredAt != nil {
		return lo.Earliest(end, *rec.UsageTransferredAt), true
	}
	return end, true
}
