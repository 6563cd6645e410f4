package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/smallbiznis/meterly/internal/clock"
	"github.com/smallbiznis/meterly/internal/granularity"
	"github.com/smallbiznis/meterly/internal/metric/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("metric.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (*domain.Metric, error) {
	if req.OrgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	metric, err := buildMetric(req)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.FindActiveByCode(ctx, s.db, req.OrgID, metric.Code)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, domain.ErrDuplicateCode
	}

	metric.ID = s.genID.Generate()
	metric.OrgID = req.OrgID
	metric.Version = 1
	metric.Status = domain.StatusActive
	metric.CreatedAt = s.clock.Now()

	if err := s.repo.Insert(ctx, s.db, metric); err != nil {
		return nil, err
	}
	s.log.Info("metric created",
		zap.String("org_id", req.OrgID.String()),
		zap.String("code", metric.Code),
		zap.String("kind", string(metric.Kind)),
	)
	return metric, nil
}

// Revise writes the changes as a new version of the metric's code and
// archives the version it supersedes. The code itself cannot change.
func (s *Service) Revise(ctx context.Context, req domain.ReviseRequest) (*domain.Metric, error) {
	if req.OrgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}

	var revised *domain.Metric
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindByID(ctx, tx, req.OrgID, req.MetricID)
		if err != nil {
			return err
		}
		if current == nil {
			return domain.ErrNotFound
		}
		if current.Status == domain.StatusArchived {
			return domain.ErrArchived
		}

		changes := req.Changes
		changes.Code = current.Code
		next, err := buildMetric(changes)
		if err != nil {
			return err
		}
		next.ID = s.genID.Generate()
		next.OrgID = current.OrgID
		next.Version = current.Version + 1
		next.SupersedesID = lo.ToPtr(current.ID)
		next.Status = domain.StatusActive
		next.CreatedAt = s.clock.Now()

		if err := s.repo.UpdateStatus(ctx, tx, current.OrgID, current.ID, domain.StatusArchived); err != nil {
			return err
		}
		if err := s.repo.Insert(ctx, tx, next); err != nil {
			return err
		}
		revised = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return revised, nil
}

func (s *Service) Archive(ctx context.Context, orgID, id snowflake.ID) error {
	metric, err := s.Get(ctx, orgID, id)
	if err != nil {
		return err
	}
	if metric.Status == domain.StatusArchived {
		return nil
	}
	return s.repo.UpdateStatus(ctx, s.db, orgID, id, domain.StatusArchived)
}

func (s *Service) Get(ctx context.Context, orgID, id snowflake.ID) (*domain.Metric, error) {
	if orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	metric, err := s.repo.FindByID(ctx, s.db, orgID, id)
	if err != nil {
		return nil, err
	}
	if metric == nil {
		return nil, domain.ErrNotFound
	}
	return metric, nil
}

func (s *Service) GetByCode(ctx context.Context, orgID snowflake.ID, code string) (*domain.Metric, error) {
	if orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	metric, err := s.repo.FindActiveByCode(ctx, s.db, orgID, strings.TrimSpace(code))
	if err != nil {
		return nil, err
	}
	if metric == nil {
		return nil, domain.ErrNotFound
	}
	return metric, nil
}

func (s *Service) List(ctx context.Context, orgID snowflake.ID) ([]domain.Metric, error) {
	if orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	return s.repo.List(ctx, s.db, orgID)
}

func buildMetric(req domain.CreateRequest) (*domain.Metric, error) {
	code := strings.TrimSpace(req.Code)
	if code == "" {
		return nil, domain.ErrInvalidCode
	}
	eventName := strings.TrimSpace(req.EventName)
	if eventName == "" {
		return nil, domain.ErrInvalidEventName
	}

	metric := &domain.Metric{
		Code:                code,
		EventName:           eventName,
		PropertyName:        strings.TrimSpace(req.PropertyName),
		Aggregation:         req.Aggregation,
		Kind:                req.Kind,
		EventType:           req.EventType,
		Granularity:         req.Granularity,
		LookbackUnits:       req.LookbackUnits,
		LookbackQty:         req.LookbackQty,
		BillableAggregation: req.BillableAggregation,
		NumericFilters:      datatypes.NewJSONSlice(req.NumericFilters),
		CategoricalFilters:  datatypes.NewJSONSlice(req.CategoricalFilters),
		GroupBy:             datatypes.NewJSONSlice(lo.Uniq(lo.Compact(req.GroupBy))),
	}
	if metric.Granularity == "" {
		metric.Granularity = granularity.Total
	}
	if !metric.Granularity.Valid() {
		return nil, domain.ErrInvalidGranularity
	}

	switch metric.Kind {
	case domain.KindCounter, domain.KindCustom:
		metric.EventType = ""
	case domain.KindStateful:
		if metric.EventType != domain.EventTypeDelta && metric.EventType != domain.EventTypeTotal {
			return nil, domain.ErrInvalidEventType
		}
	case domain.KindRate:
		if metric.LookbackQty <= 0 || metric.LookbackUnits.IsTotal() || !metric.LookbackUnits.Valid() {
			return nil, domain.ErrInvalidLookback
		}
		switch metric.BillableAggregation {
		case "", domain.AggregationMax, domain.AggregationSum, domain.AggregationLatest, domain.AggregationAverage:
		default:
			return nil, fmt.Errorf("%w: billable %s", domain.ErrInvalidAggregation, metric.BillableAggregation)
		}
	default:
		return nil, domain.ErrInvalidKind
	}

	switch metric.Aggregation {
	case "", domain.AggregationCount, domain.AggregationSum, domain.AggregationMax,
		domain.AggregationUnique, domain.AggregationAverage, domain.AggregationLatest:
	default:
		return nil, domain.ErrInvalidAggregation
	}
	if metric.NeedsProperty() && metric.PropertyName == "" {
		return nil, domain.ErrInvalidProperty
	}

	if err := validateFilters(req); err != nil {
		return nil, err
	}
	return metric, nil
}

func validateFilters(req domain.CreateRequest) error {
	var errs []error
	for _, f := range req.NumericFilters {
		if strings.TrimSpace(f.Property) == "" {
			errs = append(errs, fmt.Errorf("%w: numeric filter without property", domain.ErrInvalidFilter))
			continue
		}
		switch f.Operator {
		case domain.OpEq, domain.OpNeq, domain.OpGt, domain.OpGte, domain.OpLt, domain.OpLte:
		default:
			errs = append(errs, fmt.Errorf("%w: operator %q on %s", domain.ErrInvalidFilter, f.Operator, f.Property))
		}
	}
	for _, f := range req.CategoricalFilters {
		if strings.TrimSpace(f.Property) == "" {
			errs = append(errs, fmt.Errorf("%w: categorical filter without property", domain.ErrInvalidFilter))
			continue
		}
		if f.Operator != domain.OpIsIn && f.Operator != domain.OpIsNotIn {
			errs = append(errs, fmt.Errorf("%w: operator %q on %s", domain.ErrInvalidFilter, f.Operator, f.Property))
		}
		if len(f.Values) == 0 {
			errs = append(errs, fmt.Errorf("%w: %s has no values", domain.ErrInvalidFilter, f.Property))
		}
	}
	return errors.Join(errs...)
}
