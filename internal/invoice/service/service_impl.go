package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterly/internal/billingcycle"
	"github.com/smallbiznis/meterly/internal/clock"
	"github.com/smallbiznis/meterly/internal/config"
	customerdomain "github.com/smallbiznis/meterly/internal/customer/domain"
	"github.com/smallbiznis/meterly/internal/granularity"
	"github.com/smallbiznis/meterly/internal/invoice/domain"
	"github.com/smallbiznis/meterly/internal/lock"
	obsmetrics "github.com/smallbiznis/meterly/internal/observability/metrics"
	plandomain "github.com/smallbiznis/meterly/internal/plan/domain"
	ratingdomain "github.com/smallbiznis/meterly/internal/rating/domain"
	subscriptiondomain "github.com/smallbiznis/meterly/internal/subscription/domain"
	taxdomain "github.com/smallbiznis/meterly/internal/tax/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("github.com/smallbiznis/meterly/internal/invoice/service")

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Repo        domain.Repository
	Records     subscriptiondomain.Repository
	Rating      ratingdomain.Service
	PlanSvc     plandomain.Service
	CustomerSvc customerdomain.Service
	TaxResolver taxdomain.TaxResolver
	Locker      lock.Locker
	Billing     *config.BillingConfigHolder
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      domain.Repository
	records   subscriptiondomain.Repository
	rating    ratingdomain.Service
	plans     plandomain.Service
	customers customerdomain.Service
	tax       taxdomain.TaxResolver
	locker    lock.Locker
	billing   *config.BillingConfigHolder

	obsMetrics *obsmetrics.Metrics
}

func New(p Params) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("invoice.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		records:    p.Records,
		rating:     p.Rating,
		plans:      p.PlanSvc,
		customers:  p.CustomerSvc,
		tax:        p.TaxResolver,
		locker:     p.Locker,
		billing:    p.Billing,
		obsMetrics: p.ObsMetrics,
	}
}

// invoiceGroup is the set of records billed on one invoice.
type invoiceGroup struct {
	orgID      snowflake.ID
	customerID snowflake.ID
	currency   string
	records    []snowflake.ID
}

func (s *Service) GenerateInvoice(ctx context.Context, req domain.GenerateRequest) ([]domain.Invoice, error) {
	if req.OrgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	ids := lo.Uniq(req.RecordIDs)
	if len(ids) == 0 {
		return nil, domain.ErrInvalidRequest
	}
	now := req.Now
	if now.IsZero() {
		now = s.clock.Now()
	}
	now = now.UTC()

	ctx, span := tracer.Start(ctx, "invoice.generate", trace.WithAttributes(
		attribute.String("org_id", req.OrgID.String()),
		attribute.Int("records", len(ids)),
		attribute.Bool("draft", req.Draft),
	))
	defer span.End()

	groups, err := s.group(ctx, req.OrgID, ids)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var (
		out  []domain.Invoice
		errs []error
	)
	for _, g := range groups {
		var inv *domain.Invoice
		if req.Draft {
			inv, err = s.draft(ctx, g, now, req.ChargeNextPlan)
		} else {
			inv, err = s.finalize(ctx, g, now, req.ChargeNextPlan)
		}
		if err != nil {
			s.log.Error("invoice generation failed",
				zap.String("org_id", g.orgID.String()),
				zap.String("customer_id", g.customerID.String()),
				zap.Bool("draft", req.Draft),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("customer %s %s: %w", g.customerID, g.currency, err))
			continue
		}
		if inv != nil {
			out = append(out, *inv)
		}
	}
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "partial failure")
		return out, err
	}
	return out, nil
}

// InvoiceRecords finalizes the records right away for cancellation and
// replacement flows.
func (s *Service) InvoiceRecords(ctx context.Context, orgID snowflake.ID, recordIDs []snowflake.ID, chargeNextPlan bool) error {
	_, err := s.GenerateInvoice(ctx, domain.GenerateRequest{
		OrgID:          orgID,
		RecordIDs:      recordIDs,
		ChargeNextPlan: chargeNextPlan,
	})
	return err
}

// group splits records by (customer, currency). Addons invoiced with a
// parent that is part of the request are left to the parent.
func (s *Service) group(ctx context.Context, orgID snowflake.ID, ids []snowflake.ID) ([]invoiceGroup, error) {
	requested := lo.SliceToMap(ids, func(id snowflake.ID) (snowflake.ID, struct{}) { return id, struct{}{} })
	plans := map[snowflake.ID]*plandomain.Plan{}
	byKey := map[string]*invoiceGroup{}

	for _, id := range ids {
		rec, err := s.records.FindByID(ctx, s.db, orgID, id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, fmt.Errorf("%w: %s", subscriptiondomain.ErrRecordNotFound, id)
		}
		plan, err := s.plan(ctx, plans, orgID, rec.PlanVersionID)
		if err != nil {
			return nil, err
		}
		if rec.ParentID != nil && plan.InvoiceWithParent {
			if _, ok := requested[*rec.ParentID]; ok {
				continue
			}
		}
		key := rec.CustomerID.String() + "/" + plan.Currency
		g, ok := byKey[key]
		if !ok {
			g = &invoiceGroup{orgID: orgID, customerID: rec.CustomerID, currency: plan.Currency}
			byKey[key] = g
		}
		g.records = append(g.records, rec.ID)
	}

	groups := lo.MapToSlice(byKey, func(_ string, g *invoiceGroup) invoiceGroup { return *g })
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].customerID != groups[j].customerID {
			return groups[i].customerID < groups[j].customerID
		}
		return groups[i].currency < groups[j].currency
	})
	return groups, nil
}

func (s *Service) plan(ctx context.Context, cache map[snowflake.ID]*plandomain.Plan, orgID, versionID snowflake.ID) (*plandomain.Plan, error) {
	if p, ok := cache[versionID]; ok {
		return p, nil
	}
	p, err := s.plans.Get(ctx, orgID, versionID)
	if err != nil {
		return nil, fmt.Errorf("load plan version %s: %w", versionID, err)
	}
	cache[versionID] = p
	return p, nil
}

// rate aggregates the group's records as of now. Revenue with nothing to
// bill is dropped, and a successor billed in the same group keeps its own
// advance.
func (s *Service) rate(ctx context.Context, g invoiceGroup, now time.Time, chargeNextPlan bool) ([]ratingdomain.SubscriptionRevenue, map[snowflake.ID]*plandomain.PriceAdjustment, error) {
	inGroup := lo.SliceToMap(g.records, func(id snowflake.ID) (snowflake.ID, struct{}) { return id, struct{}{} })

	var revs []ratingdomain.SubscriptionRevenue
	for _, id := range g.records {
		rec, err := s.records.FindByID(ctx, s.db, g.orgID, id)
		if err != nil {
			return nil, nil, err
		}
		if rec == nil {
			return nil, nil, fmt.Errorf("%w: %s", subscriptiondomain.ErrRecordNotFound, id)
		}
		rev, err := s.rating.Aggregate(ctx, ratingdomain.AggregateRequest{Record: *rec, Now: now, ChargeNextPlan: chargeNextPlan})
		if err != nil {
			return nil, nil, fmt.Errorf("rate record %s: %w", id, err)
		}
		if rev.Successor != nil {
			if _, ok := inGroup[rev.Successor.RecordID]; ok {
				rev.Successor = nil
			}
		}
		if !rev.Empty() {
			revs = append(revs, *rev)
		}
	}

	plans := map[snowflake.ID]*plandomain.Plan{}
	adjustments := map[snowflake.ID]*plandomain.PriceAdjustment{}
	for _, rev := range flatten(revs) {
		plan, err := s.plan(ctx, plans, g.orgID, rev.PlanVersionID)
		if err != nil {
			return nil, nil, err
		}
		adjustments[rev.PlanVersionID] = plan.Adjustment
	}
	return revs, adjustments, nil
}

// assemble builds an unsaved invoice for the revenue with tax resolved for
// the customer.
func (s *Service) assemble(ctx context.Context, g invoiceGroup, revs []ratingdomain.SubscriptionRevenue, adjustments map[snowflake.ID]*plandomain.PriceAdjustment, now time.Time) (*domain.Invoice, map[snowflake.ID]decimal.Decimal, error) {
	customer, err := s.customers.GetByID(ctx, g.orgID, g.customerID)
	if err != nil {
		return nil, nil, fmt.Errorf("load customer %s: %w", g.customerID, err)
	}
	resolution, err := s.tax.ResolveForInvoice(ctx, g.orgID, customer.TaxRate)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve tax: %w", err)
	}

	b := newBuilder(adjustments)
	for _, rev := range revs {
		b.add(rev, false)
	}

	start, end := coverageOf(revs)
	inv := &domain.Invoice{
		ID:          s.genID.Generate(),
		OrgID:       g.orgID,
		CustomerID:  g.customerID,
		Currency:    g.currency,
		PeriodStart: start,
		PeriodEnd:   end,
		CreatedAt:   now,
		UpdatedAt:   now,
		Items:       b.lines,
	}
	for i := range inv.Items {
		inv.Items[i].ID = s.genID.Generate()
		inv.Items[i].InvoiceID = inv.ID
		inv.Items[i].OrgID = g.orgID
		inv.Items[i].CreatedAt = now
	}
	totals(inv, resolution)
	return inv, b.billed, nil
}

// DueRecords lists records whose oldest unbilled period closed by now, and
// live records whose current period still owes an advance fee.
func (s *Service) DueRecords(ctx context.Context, now time.Time) ([]subscriptiondomain.Record, error) {
	records, err := s.records.ListUnbilled(ctx, s.db)
	if err != nil {
		return nil, err
	}
	plans := map[snowflake.ID]*plandomain.Plan{}
	var due []subscriptiondomain.Record
	for _, rec := range records {
		if rec.StatusAt(now) == subscriptiondomain.StatusNotStarted {
			continue
		}
		plan, err := s.plan(ctx, plans, rec.OrgID, rec.PlanVersionID)
		if err != nil {
			s.log.Warn("skipping record with unknown plan",
				zap.String("record_id", rec.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if rec.ParentID != nil && plan.InvoiceWithParent {
			continue
		}
		if periodClosed(rec, plan.Cadence, now) || advanceDue(rec, plan, now) {
			due = append(due, rec)
		}
	}
	return due, nil
}

func periodClosed(rec subscriptiondomain.Record, cadence granularity.Granularity, now time.Time) bool {
	watermark := rec.UsageStart
	if rec.BilledThrough != nil {
		watermark = lo.Latest(watermark, *rec.BilledThrough)
	}
	if rec.End != nil && !watermark.Before(*rec.End) {
		return false
	}
	closeAt := billingcycle.PeriodAt(rec.BillingAnchor, cadence, watermark).End
	if rec.End != nil && rec.End.Before(closeAt) {
		closeAt = *rec.End
	}
	return !now.Before(closeAt)
}

func advanceDue(rec subscriptiondomain.Record, plan *plandomain.Plan, now time.Time) bool {
	hasAdvance := lo.ContainsBy(plan.Charges, func(c plandomain.RecurringCharge) bool {
		return c.Timing == plandomain.TimingAdvance
	})
	if !hasAdvance || (rec.End != nil && !now.Before(*rec.End)) {
		return false
	}
	if plan.IsAddon && plan.AddonFrequency == plandomain.AddonOneTime {
		return rec.AdvanceBilledThrough == nil
	}
	current := billingcycle.PeriodAt(rec.BillingAnchor, plan.Cadence, now)
	return rec.AdvanceBilledThrough == nil || rec.AdvanceBilledThrough.Before(current.End)
}

func (s *Service) Get(ctx context.Context, orgID, invoiceID snowflake.ID) (*domain.Invoice, error) {
	if orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	inv, err := s.repo.FindByID(ctx, s.db, orgID, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, domain.ErrInvoiceNotFound
	}
	if err := s.withItems(ctx, s.db, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) ([]domain.Invoice, error) {
	if req.OrgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	invoices, err := s.repo.List(ctx, s.db, req)
	if err != nil {
		return nil, err
	}
	items, err := s.repo.ListItems(ctx, s.db, lo.Map(invoices, func(inv domain.Invoice, _ int) snowflake.ID { return inv.ID }))
	if err != nil {
		return nil, err
	}
	byInvoice := lo.GroupBy(items, func(item domain.LineItem) snowflake.ID { return item.InvoiceID })
	for i := range invoices {
		invoices[i].Items = byInvoice[invoices[i].ID]
	}
	return invoices, nil
}

// Void marks an invoice void. Billing watermarks stay where they are.
func (s *Service) Void(ctx context.Context, orgID, invoiceID snowflake.ID) (*domain.Invoice, error) {
	if orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	var voided *domain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inv, err := s.repo.FindByIDForUpdate(ctx, tx, orgID, invoiceID)
		if err != nil {
			return err
		}
		if inv == nil {
			return domain.ErrInvoiceNotFound
		}
		if inv.Status == domain.InvoiceStatusVoid {
			return domain.ErrInvoiceVoid
		}
		now := s.clock.Now()
		inv.Status = domain.InvoiceStatusVoid
		inv.VoidedAt = &now
		inv.UpdatedAt = now
		if err := s.repo.MarkVoid(ctx, tx, inv); err != nil {
			return err
		}
		voided = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("invoice voided",
		zap.String("org_id", orgID.String()),
		zap.String("invoice_id", invoiceID.String()),
	)
	return voided, nil
}

func (s *Service) withItems(ctx context.Context, db *gorm.DB, inv *domain.Invoice) error {
	items, err := s.repo.ListItems(ctx, db, []snowflake.ID{inv.ID})
	if err != nil {
		return err
	}
	inv.Items = items
	return nil
}
