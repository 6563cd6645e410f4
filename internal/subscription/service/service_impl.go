package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterly/internal/billingcycle"
	"github.com/smallbiznis/meterly/internal/clock"
	customerdomain "github.com/smallbiznis/meterly/internal/customer/domain"
	"github.com/smallbiznis/meterly/internal/granularity"
	plandomain "github.com/smallbiznis/meterly/internal/plan/domain"
	"github.com/smallbiznis/meterly/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Repo        domain.Repository
	PlanSvc     plandomain.Service
	CustomerSvc customerdomain.Service
	Invoicer    domain.Invoicer `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	repo        domain.Repository
	planSvc     plandomain.Service
	customerSvc customerdomain.Service
	invoicer    domain.Invoicer
}

func New(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("subscription.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		repo:        p.Repo,
		planSvc:     p.PlanSvc,
		customerSvc: p.CustomerSvc,
		invoicer:    p.Invoicer,
	}
}

// Create records a new subscription. It rejects a record overlapping a live
// record of the same customer, plan code and filters.
func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (*domain.Record, error) {
	if req.OrgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	if req.CustomerID == 0 {
		return nil, domain.ErrInvalidCustomer
	}
	plan, err := s.activePlan(ctx, req.OrgID, req.PlanVersionID)
	if err != nil {
		return nil, err
	}
	if _, err := s.customerSvc.GetByID(ctx, req.OrgID, req.CustomerID); err != nil {
		if errors.Is(err, customerdomain.ErrNotFound) {
			return nil, domain.ErrInvalidCustomer
		}
		return nil, err
	}

	now := s.clock.Now()
	start := req.Start.UTC()
	if start.IsZero() {
		start = now
	}
	end := normalizeEnd(req.End)
	if end != nil && end.Before(start) {
		return nil, domain.ErrInvalidPeriod
	}
	if plan.IsAddon != (req.ParentID != nil) {
		return nil, domain.ErrInvalidParent
	}

	record := &domain.Record{
		ID:            s.genID.Generate(),
		OrgID:         req.OrgID,
		CustomerID:    req.CustomerID,
		PlanVersionID: plan.ID,
		ParentID:      req.ParentID,
		Start:         start,
		End:           end,
		BillingAnchor: start,
		UsageStart:    start,
		Filters:       datatypes.NewJSONType(req.Filters),
		AutoRenew:     req.AutoRenew,
		Status:        initialStatus(start, now),
		AmountBilled:  decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if req.ParentID != nil {
			parent, err := s.repo.FindByIDForUpdate(ctx, tx, req.OrgID, *req.ParentID)
			if err != nil {
				return err
			}
			if parent == nil || parent.CustomerID != req.CustomerID || parent.Status.Terminal() {
				return domain.ErrInvalidParent
			}
		}
		if err := s.checkOverlap(ctx, tx, record, plan.PlanCode); err != nil {
			return err
		}
		return s.repo.Insert(ctx, tx, record)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("subscription record created",
		zap.String("org_id", record.OrgID.String()),
		zap.String("record_id", record.ID.String()),
		zap.String("customer_id", record.CustomerID.String()),
		zap.String("plan_code", plan.PlanCode),
		zap.String("status", string(record.Status)),
	)
	return record, nil
}

// Cancel ends a record and its live addons at req.At.
func (s *Service) Cancel(ctx context.Context, req domain.CancelRequest) (*domain.Record, error) {
	if req.OrgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	flat, usage, invoicing, err := cancelBehaviors(req.FlatFeeBehavior, req.UsageBehavior, req.InvoicingBehavior)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	at := req.At.UTC()
	if at.IsZero() {
		at = now
	}

	var cancelled *domain.Record
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := s.repo.FindByIDForUpdate(ctx, tx, req.OrgID, req.RecordID)
		if err != nil {
			return err
		}
		if record == nil {
			return domain.ErrRecordNotFound
		}
		if record.Status.Terminal() {
			return domain.ErrInvalidTransition
		}
		if at.Before(record.Start) || (record.End != nil && at.After(*record.End)) {
			return domain.ErrInvalidPeriod
		}

		closeRecord(record, at, domain.StatusEnded, now)
		record.CancelFlatFeeBehavior = flat
		record.CancelUsageBehavior = usage
		if err := s.repo.Update(ctx, tx, record); err != nil {
			return err
		}

		children, err := s.repo.ListChildren(ctx, tx, req.OrgID, record.ID)
		if err != nil {
			return err
		}
		for i := range children {
			child := &children[i]
			if child.Status.Terminal() {
				continue
			}
			closeRecord(child, lo.Latest(at, child.Start), domain.StatusEnded, now)
			child.CancelFlatFeeBehavior = flat
			child.CancelUsageBehavior = usage
			if err := s.repo.Update(ctx, tx, child); err != nil {
				return err
			}
		}
		cancelled = record
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("subscription record cancelled",
		zap.String("record_id", cancelled.ID.String()),
		zap.Time("end", at),
		zap.String("flat_fee_behavior", string(flat)),
		zap.String("usage_behavior", string(usage)),
		zap.String("invoicing_behavior", string(invoicing)),
	)

	if invoicing == domain.InvoiceNow {
		if err := s.invoiceNow(ctx, cancelled.OrgID, cancelled.ID, false); err != nil {
			return cancelled, err
		}
	}
	return cancelled, nil
}

// Replace ends the record as REPLACED at req.At and starts a successor on
// the new plan version with the same customer, filters and anchor.
func (s *Service) Replace(ctx context.Context, req domain.ReplaceRequest) (*domain.ReplaceResult, error) {
	if req.OrgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	usage := req.UsageBehavior
	if usage == "" {
		usage = domain.UsageKeepSeparate
	}
	if usage != domain.UsageTransfer && usage != domain.UsageKeepSeparate {
		return nil, domain.ErrInvalidBehavior
	}
	flat, _, invoicing, err := cancelBehaviors(req.FlatFeeBehavior, domain.UsageBillFull, req.InvoicingBehavior)
	if err != nil {
		return nil, err
	}
	next, err := s.activePlan(ctx, req.OrgID, req.NewPlanVersionID)
	if err != nil {
		return nil, err
	}
	if next.IsAddon {
		return nil, domain.ErrInvalidPlanVersion
	}

	current, err := s.repo.FindByID(ctx, s.db, req.OrgID, req.RecordID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, domain.ErrRecordNotFound
	}
	prev, err := s.planSvc.Get(ctx, req.OrgID, current.PlanVersionID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	at := req.At.UTC()
	if at.IsZero() {
		at = now
	}

	var result *domain.ReplaceResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		old, err := s.repo.FindByIDForUpdate(ctx, tx, req.OrgID, req.RecordID)
		if err != nil {
			return err
		}
		if old == nil {
			return domain.ErrRecordNotFound
		}
		if old.Status.Terminal() || old.ParentID != nil {
			return domain.ErrInvalidTransition
		}
		if at.Before(old.Start) || (old.End != nil && !at.Before(*old.End)) {
			return domain.ErrInvalidPeriod
		}

		successor := domain.Record{
			ID:            s.genID.Generate(),
			OrgID:         old.OrgID,
			CustomerID:    old.CustomerID,
			PlanVersionID: next.ID,
			Start:         at,
			End:           old.End,
			BillingAnchor: old.BillingAnchor,
			UsageStart:    at,
			Filters:       old.Filters,
			AutoRenew:     old.AutoRenew,
			Status:        initialStatus(at, now),
			AmountBilled:  decimal.Zero,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if usage == domain.UsageTransfer {
			successor.UsageStart = coverageStart(*old, prev.Cadence, at)
			old.UsageTransferredAt = lo.ToPtr(successor.UsageStart)
		}

		closeRecord(old, at, domain.StatusReplaced, now)
		old.ReplacedByID = lo.ToPtr(successor.ID)
		old.CancelFlatFeeBehavior = flat
		old.CancelUsageBehavior = usage
		if err := s.repo.Update(ctx, tx, old); err != nil {
			return err
		}
		if err := s.repo.Insert(ctx, tx, &successor); err != nil {
			return err
		}

		children, err := s.repo.ListChildren(ctx, tx, req.OrgID, old.ID)
		if err != nil {
			return err
		}
		for i := range children {
			child := &children[i]
			if child.Status.Terminal() {
				continue
			}
			child.ParentID = lo.ToPtr(successor.ID)
			child.UpdatedAt = now
			if err := s.repo.Update(ctx, tx, child); err != nil {
				return err
			}
		}
		result = &domain.ReplaceResult{Previous: *old, Successor: successor}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("subscription record replaced",
		zap.String("record_id", result.Previous.ID.String()),
		zap.String("successor_id", result.Successor.ID.String()),
		zap.String("usage_behavior", string(usage)),
	)

	if invoicing == domain.InvoiceNow {
		if err := s.invoiceNow(ctx, result.Previous.OrgID, result.Previous.ID, true); err != nil {
			return result, err
		}
	}
	return result, nil
}

// Renew ends each due auto-renewing record and starts a successor covering
// the next cadence period. Failures are joined and do not stop the run.
func (s *Service) Renew(ctx context.Context, now time.Time) ([]domain.Record, error) {
	due, err := s.repo.ListDueRenewal(ctx, s.db, now)
	if err != nil {
		return nil, err
	}

	var (
		renewed []domain.Record
		errs    []error
	)
	for _, candidate := range due {
		successors, err := s.renewOne(ctx, candidate, now)
		if err != nil {
			s.log.Warn("renew subscription record failed",
				zap.String("record_id", candidate.ID.String()),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("renew %s: %w", candidate.ID, err))
			continue
		}
		renewed = append(renewed, successors...)
	}
	return renewed, errors.Join(errs...)
}

func (s *Service) renewOne(ctx context.Context, candidate domain.Record, now time.Time) ([]domain.Record, error) {
	plan, err := s.planSvc.Get(ctx, candidate.OrgID, candidate.PlanVersionID)
	if err != nil {
		return nil, err
	}

	var out []domain.Record
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindByIDForUpdate(ctx, tx, candidate.OrgID, candidate.ID)
		if err != nil {
			return err
		}
		// Walk forward so a record overdue by several periods catches up.
		for current != nil && current.AutoRenew && !current.Status.Terminal() &&
			current.End != nil && !now.Before(*current.End) {
			start := *current.End
			period := billingcycle.PeriodAt(current.BillingAnchor, plan.Cadence, start)

			current.Status = domain.StatusEnded
			current.UpdatedAt = now
			if err := s.repo.Update(ctx, tx, current); err != nil {
				return err
			}

			successor := domain.Record{
				ID:            s.genID.Generate(),
				OrgID:         current.OrgID,
				CustomerID:    current.CustomerID,
				PlanVersionID: current.PlanVersionID,
				ParentID:      current.ParentID,
				Start:         start,
				End:           lo.ToPtr(period.End),
				BillingAnchor: current.BillingAnchor,
				UsageStart:    start,
				Filters:       current.Filters,
				AutoRenew:     true,
				Status:        initialStatus(start, now),
				AmountBilled:  decimal.Zero,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := s.repo.Insert(ctx, tx, &successor); err != nil {
				return err
			}
			out = append(out, successor)
			current = &successor
		}
		return nil
	})
	return out, err
}

// Activate persists ACTIVE for records whose start has passed.
func (s *Service) Activate(ctx context.Context, now time.Time) (int64, error) {
	due, err := s.repo.ListDueActivation(ctx, s.db, now)
	if err != nil {
		return 0, err
	}

	var (
		activated int64
		errs      []error
	)
	for _, candidate := range due {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			record, err := s.repo.FindByIDForUpdate(ctx, tx, candidate.OrgID, candidate.ID)
			if err != nil || record == nil || record.StatusAt(now) != domain.StatusActive || record.Status != domain.StatusNotStarted {
				return err
			}
			record.Status = domain.StatusActive
			record.UpdatedAt = now
			if err := s.repo.Update(ctx, tx, record); err != nil {
				return err
			}
			activated++
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("activate %s: %w", candidate.ID, err))
		}
	}
	return activated, errors.Join(errs...)
}

func (s *Service) Get(ctx context.Context, orgID, id snowflake.ID) (*domain.Record, error) {
	if orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	record, err := s.repo.FindByID(ctx, s.db, orgID, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, domain.ErrRecordNotFound
	}
	record.Status = record.StatusAt(s.clock.Now())
	return record, nil
}

func (s *Service) ListByCustomer(ctx context.Context, orgID, customerID snowflake.ID) ([]domain.Record, error) {
	if orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	records, err := s.repo.ListByCustomer(ctx, s.db, orgID, customerID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	for i := range records {
		records[i].Status = records[i].StatusAt(now)
	}
	return records, nil
}

func (s *Service) activePlan(ctx context.Context, orgID, versionID snowflake.ID) (*plandomain.Plan, error) {
	if versionID == 0 {
		return nil, domain.ErrInvalidPlanVersion
	}
	plan, err := s.planSvc.Get(ctx, orgID, versionID)
	if err != nil {
		if errors.Is(err, plandomain.ErrNotFound) {
			return nil, domain.ErrInvalidPlanVersion
		}
		return nil, err
	}
	if plan.Status != plandomain.StatusActive {
		return nil, domain.ErrPlanNotActive
	}
	return plan, nil
}

func (s *Service) checkOverlap(ctx context.Context, tx *gorm.DB, record *domain.Record, planCode string) error {
	live, err := s.repo.ListLiveForPlan(ctx, tx, record.OrgID, record.CustomerID, planCode)
	if err != nil {
		return err
	}
	key := record.FilterKey()
	for _, other := range live {
		if other.FilterKey() == key && other.Overlaps(record.Start, record.End) {
			return fmt.Errorf("%w: %s", domain.ErrOverlappingRecord, other.ID)
		}
	}
	return nil
}

// coverageStart is where unbilled usage of the period containing at begins.
func coverageStart(record domain.Record, cadence granularity.Granularity, at time.Time) time.Time {
	period := billingcycle.PeriodAt(record.BillingAnchor, cadence, at)
	start := lo.Latest(period.Start, record.UsageStart)
	if record.BilledThrough != nil {
		start = lo.Latest(start, *record.BilledThrough)
	}
	if start.After(at) {
		return at
	}
	return start
}

func (s *Service) invoiceNow(ctx context.Context, orgID, recordID snowflake.ID, chargeNextPlan bool) error {
	if s.invoicer == nil {
		s.log.Warn("invoice now requested without an invoicer", zap.String("record_id", recordID.String()))
		return nil
	}
	if err := s.invoicer.InvoiceRecords(ctx, orgID, []snowflake.ID{recordID}, chargeNextPlan); err != nil {
		s.log.Error("invoice now failed", zap.String("record_id", recordID.String()), zap.Error(err))
		return fmt.Errorf("invoice record %s: %w", recordID, err)
	}
	return nil
}

func closeRecord(record *domain.Record, at time.Time, status domain.Status, now time.Time) {
	record.End = lo.ToPtr(at)
	record.Status = status
	record.AutoRenew = false
	record.UpdatedAt = now
}

func initialStatus(start, now time.Time) domain.Status {
	if now.Before(start) {
		return domain.StatusNotStarted
	}
	return domain.StatusActive
}

func normalizeEnd(end *time.Time) *time.Time {
	if end == nil || end.IsZero() {
		return nil
	}
	return lo.ToPtr(end.UTC())
}

func cancelBehaviors(flat domain.FlatFeeBehavior, usage domain.UsageBehavior, invoicing domain.InvoicingBehavior) (domain.FlatFeeBehavior, domain.UsageBehavior, domain.InvoicingBehavior, error) {
	if flat == "" {
		flat = domain.FlatFeeProrate
	}
	if usage == "" {
		usage = domain.UsageBillFull
	}
	if invoicing == "" {
		invoicing = domain.AddToNextInvoice
	}
	switch flat {
	case domain.FlatFeeChargeFull, domain.FlatFeeProrate, domain.FlatFeeRefund:
	default:
		return "", "", "", domain.ErrInvalidBehavior
	}
	switch usage {
	case domain.UsageBillFull, domain.UsageBillNone:
	default:
		return "", "", "", domain.ErrInvalidBehavior
	}
	switch invoicing {
	case domain.InvoiceNow, domain.AddToNextInvoice:
	default:
		return "", "", "", domain.ErrInvalidBehavior
	}
	return flat, usage, invoicing, nil
}
