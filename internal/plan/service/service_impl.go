package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterly/internal/billingcycle"
	"github.com/smallbiznis/meterly/internal/clock"
	"github.com/smallbiznis/meterly/internal/granularity"
	metricdomain "github.com/smallbiznis/meterly/internal/metric/domain"
	"github.com/smallbiznis/meterly/internal/plan/domain"
	"github.com/smallbiznis/meterly/internal/pricetier"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var hundred = decimal.NewFromInt(100)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      domain.Repository
	MetricSvc metricdomain.Service
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      domain.Repository
	metricSvc metricdomain.Service
}

func New(p Params) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("plan.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		metricSvc: p.MetricSvc,
	}
}

// CreateVersion inserts a new draft version numbered after the latest one
// for the plan code. Existing versions are never touched.
func (s *Service) CreateVersion(ctx context.Context, req domain.CreateVersionRequest) (*domain.Plan, error) {
	if req.OrgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	version, err := buildVersion(req)
	if err != nil {
		return nil, err
	}
	components := make([]domain.PlanComponent, 0, len(req.Components))
	for i, c := range req.Components {
		component, err := buildComponent(c)
		if err != nil {
			return nil, fmt.Errorf("component %d: %w", i, err)
		}
		if err := s.checkMetric(ctx, req.OrgID, c.MetricID); err != nil {
			return nil, fmt.Errorf("component %d: %w", i, err)
		}
		components = append(components, component)
	}

	now := s.clock.Now()
	var plan *domain.Plan
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		latest, err := s.repo.LatestVersion(ctx, tx, req.OrgID, version.PlanCode)
		if err != nil {
			return err
		}
		version.ID = s.genID.Generate()
		version.OrgID = req.OrgID
		version.Version = latest + 1
		version.Status = domain.StatusDraft
		version.CreatedAt = now
		if err := s.repo.InsertVersion(ctx, tx, version); err != nil {
			return err
		}

		for i := range components {
			components[i].ID = s.genID.Generate()
			components[i].OrgID = req.OrgID
			components[i].PlanVersionID = version.ID
			components[i].CreatedAt = now
		}
		if err := s.repo.InsertComponents(ctx, tx, components); err != nil {
			return err
		}
		plan = &domain.Plan{PlanVersion: *version, Components: components}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("plan version created",
		zap.String("org_id", req.OrgID.String()),
		zap.String("plan_code", plan.PlanCode),
		zap.Int("version", plan.Version),
	)
	return plan, nil
}

// Publish activates a draft and archives the previously active version of
// the same plan code.
func (s *Service) Publish(ctx context.Context, orgID, versionID snowflake.ID) (*domain.PlanVersion, error) {
	if orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}

	var published *domain.PlanVersion
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		version, err := s.repo.FindVersionForUpdate(ctx, tx, orgID, versionID)
		if err != nil {
			return err
		}
		if version == nil {
			return domain.ErrNotFound
		}
		if version.Status != domain.StatusDraft {
			return domain.ErrNotDraft
		}

		active, err := s.repo.FindActiveVersion(ctx, tx, orgID, version.PlanCode)
		if err != nil {
			return err
		}
		if active != nil {
			if err := s.repo.UpdateStatus(ctx, tx, orgID, active.ID, domain.StatusArchived, nil); err != nil {
				return err
			}
		}

		now := s.clock.Now()
		if err := s.repo.UpdateStatus(ctx, tx, orgID, version.ID, domain.StatusActive, &now); err != nil {
			return err
		}
		version.Status = domain.StatusActive
		version.PublishedAt = &now
		published = version
		return nil
	})
	if err != nil {
		return nil, err
	}
	return published, nil
}

func (s *Service) Archive(ctx context.Context, orgID, versionID snowflake.ID) error {
	plan, err := s.Get(ctx, orgID, versionID)
	if err != nil {
		return err
	}
	if plan.Status == domain.StatusArchived {
		return nil
	}
	return s.repo.UpdateStatus(ctx, s.db, orgID, versionID, domain.StatusArchived, nil)
}

func (s *Service) Get(ctx context.Context, orgID, versionID snowflake.ID) (*domain.Plan, error) {
	if orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	version, err := s.repo.FindVersionByID(ctx, s.db, orgID, versionID)
	if err != nil {
		return nil, err
	}
	if version == nil {
		return nil, domain.ErrNotFound
	}
	return s.withComponents(ctx, version)
}

func (s *Service) GetActive(ctx context.Context, orgID snowflake.ID, planCode string) (*domain.Plan, error) {
	if orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	version, err := s.repo.FindActiveVersion(ctx, s.db, orgID, strings.TrimSpace(planCode))
	if err != nil {
		return nil, err
	}
	if version == nil {
		return nil, domain.ErrNotFound
	}
	return s.withComponents(ctx, version)
}

func (s *Service) List(ctx context.Context, orgID snowflake.ID) ([]domain.PlanVersion, error) {
	if orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	return s.repo.ListVersions(ctx, s.db, orgID)
}

func (s *Service) withComponents(ctx context.Context, version *domain.PlanVersion) (*domain.Plan, error) {
	components, err := s.repo.ListComponents(ctx, s.db, version.OrgID, version.ID)
	if err != nil {
		return nil, err
	}
	return &domain.Plan{PlanVersion: *version, Components: components}, nil
}

func (s *Service) checkMetric(ctx context.Context, orgID, metricID snowflake.ID) error {
	if metricID == 0 {
		return domain.ErrInvalidComponent
	}
	_, err := s.metricSvc.Get(ctx, orgID, metricID)
	if errors.Is(err, metricdomain.ErrNotFound) {
		return domain.ErrMetricNotFound
	}
	return err
}

func buildVersion(req domain.CreateVersionRequest) (*domain.PlanVersion, error) {
	code := strings.TrimSpace(req.PlanCode)
	if code == "" {
		return nil, domain.ErrInvalidPlanCode
	}
	if !billingcycle.ValidCadence(req.Cadence) {
		return nil, domain.ErrInvalidCadence
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(currency) != 3 {
		return nil, domain.ErrInvalidCurrency
	}
	for _, c := range req.Charges {
		if err := validateCharge(c); err != nil {
			return nil, err
		}
	}
	if err := validateAdjustment(req.Adjustment); err != nil {
		return nil, err
	}

	frequency := req.AddonFrequency
	if req.IsAddon {
		if frequency == "" {
			frequency = domain.AddonRecurring
		}
		if frequency != domain.AddonOneTime && frequency != domain.AddonRecurring {
			return nil, domain.ErrInvalidAddon
		}
	} else {
		frequency = ""
	}

	return &domain.PlanVersion{
		PlanCode:          code,
		Name:              strings.TrimSpace(req.Name),
		Cadence:           req.Cadence,
		Currency:          currency,
		Charges:           datatypes.NewJSONSlice(req.Charges),
		Adjustment:        req.Adjustment,
		Features:          datatypes.NewJSONSlice(lo.Uniq(lo.Compact(req.Features))),
		IsAddon:           req.IsAddon,
		AddonFrequency:    frequency,
		InvoiceWithParent: req.IsAddon && req.InvoiceWithParent,
	}, nil
}

func validateCharge(c domain.RecurringCharge) error {
	if strings.TrimSpace(c.Name) == "" || c.Amount.IsNegative() {
		return domain.ErrInvalidCharge
	}
	switch c.Timing {
	case domain.TimingAdvance, domain.TimingArrears:
	default:
		return domain.ErrInvalidCharge
	}
	switch c.Behavior {
	case domain.BehaviorProrate, domain.BehaviorFull, domain.BehaviorRefund:
	default:
		return domain.ErrInvalidCharge
	}
	return nil
}

func validateAdjustment(a *domain.PriceAdjustment) error {
	if a == nil {
		return nil
	}
	if a.Amount.IsNegative() {
		return domain.ErrInvalidAdjustment
	}
	switch a.Kind {
	case domain.AdjustmentPercentage:
		if a.Amount.GreaterThan(hundred) {
			return domain.ErrInvalidAdjustment
		}
	case domain.AdjustmentFixed, domain.AdjustmentOverride:
	default:
		return domain.ErrInvalidAdjustment
	}
	return nil
}

func buildComponent(req domain.ComponentRequest) (domain.PlanComponent, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.PlanComponent{}, domain.ErrInvalidComponent
	}
	if err := pricetier.Validate(req.Tiers); err != nil {
		return domain.PlanComponent{}, fmt.Errorf("%w: %w", domain.ErrInvalidTiers, err)
	}
	proration := req.ProrationGranularity
	if proration == "" {
		proration = granularity.Total
	}
	if !proration.Valid() {
		return domain.PlanComponent{}, domain.ErrInvalidComponent
	}
	return domain.PlanComponent{
		MetricID:             req.MetricID,
		Name:                 name,
		Tiers:                datatypes.NewJSONSlice(req.Tiers),
		ProrationGranularity: proration,
		GroupBy:              datatypes.NewJSONSlice(lo.Uniq(lo.Compact(req.GroupBy))),
	}, nil
}
