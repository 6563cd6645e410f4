package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterly/internal/clock"
	taxdomain "github.com/smallbiznis/meterly/internal/tax/domain"
	"github.com/smallbiznis/meterly/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type ServiceParams struct {
	fx.In

	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  taxdomain.Repository
}

type Service struct {
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  taxdomain.Repository
}

func NewService(p ServiceParams) taxdomain.Service {
	return &Service{
		log:   p.Log.Named("tax.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) List(ctx context.Context, req taxdomain.ListRequest) ([]taxdomain.TaxDefinition, error) {
	if req.OrgID == 0 {
		return nil, taxdomain.ErrInvalidOrganization
	}
	req.Code = strings.TrimSpace(req.Code)
	return s.repo.List(ctx, req)
}

func (s *Service) Create(ctx context.Context, req taxdomain.CreateRequest) (*taxdomain.TaxDefinition, error) {
	if req.OrgID == 0 {
		return nil, taxdomain.ErrInvalidOrganization
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, taxdomain.ErrInvalidName
	}

	now := s.clock.Now()
	record := &taxdomain.TaxDefinition{
		ID:          s.genID.Generate(),
		OrgID:       req.OrgID,
		Name:        name,
		Code:        strings.TrimSpace(req.Code),
		TaxMode:     normalizeTaxMode(req.TaxMode),
		Rate:        req.Rate,
		Description: trimmed(req.Description),
		IsEnabled:   true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := record.Validate(); err != nil {
		return nil, err
	}
	enabled := true
	existing, err := s.repo.List(ctx, taxdomain.ListRequest{OrgID: req.OrgID, Code: record.Code, IsEnabled: &enabled})
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, taxdomain.ErrDuplicateTaxCode
	}
	if err := s.repo.Create(ctx, record); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, taxdomain.ErrDuplicateTaxCode
		}
		return nil, err
	}
	s.log.Info("tax definition created",
		zap.String("org_id", record.OrgID.String()),
		zap.String("code", record.Code),
		zap.String("rate", record.Rate.String()),
	)
	return record, nil
}

func (s *Service) Update(ctx context.Context, req taxdomain.UpdateRequest) (*taxdomain.TaxDefinition, error) {
	item, err := s.find(ctx, req.OrgID, req.ID)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, taxdomain.ErrInvalidName
		}
		item.Name = name
	}
	if req.TaxMode != nil {
		item.TaxMode = normalizeTaxMode(*req.TaxMode)
	}
	if req.Rate != nil {
		item.Rate = *req.Rate
	}
	if req.Description != nil {
		item.Description = trimmed(req.Description)
	}

	item.UpdatedAt = s.clock.Now()
	if err := item.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

func (s *Service) Disable(ctx context.Context, orgID, id snowflake.ID) (*taxdomain.TaxDefinition, error) {
	item, err := s.find(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	item.IsEnabled = false
	item.UpdatedAt = s.clock.Now()
	if err := s.repo.Update(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

func (s *Service) find(ctx context.Context, orgID, id snowflake.ID) (*taxdomain.TaxDefinition, error) {
	if orgID == 0 {
		return nil, taxdomain.ErrInvalidOrganization
	}
	if id == 0 {
		return nil, taxdomain.ErrInvalidID
	}
	item, err := s.repo.FindByID(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, taxdomain.ErrNotFound
	}
	return item, nil
}

func normalizeTaxMode(value taxdomain.TaxMode) taxdomain.TaxMode {
	return taxdomain.TaxMode(strings.ToLower(strings.TrimSpace(string(value))))
}

func trimmed(value *string) *string {
	if value == nil {
		return nil
	}
	v := strings.TrimSpace(*value)
	if v == "" {
		return nil
	}
	return &v
}
