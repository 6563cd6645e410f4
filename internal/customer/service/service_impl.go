package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterly/internal/cache"
	"github.com/smallbiznis/meterly/internal/clock"
	"github.com/smallbiznis/meterly/internal/customer/domain"
	"github.com/smallbiznis/meterly/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultListLimit = 100

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Repo          domain.Repository
	ResolverCache cache.UsageResolverCache `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	repo          domain.Repository
	resolverCache cache.UsageResolverCache
}

func New(p Params) domain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("customer.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		repo:          p.Repo,
		resolverCache: p.ResolverCache,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateCustomerRequest) (domain.Customer, error) {
	if req.OrgID == 0 {
		return domain.Customer{}, domain.ErrInvalidOrganization
	}

	externalID := strings.TrimSpace(req.ExternalID)
	if externalID == "" {
		return domain.Customer{}, domain.ErrInvalidExternalID
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Customer{}, domain.ErrInvalidName
	}

	email := strings.TrimSpace(req.Email)
	if email != "" && !strings.Contains(email, "@") {
		return domain.Customer{}, domain.ErrInvalidEmail
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(currency) != 3 {
		return domain.Customer{}, domain.ErrInvalidCurrency
	}

	taxRate, err := normalizeTaxRate(req.TaxRate)
	if err != nil {
		return domain.Customer{}, err
	}

	existing, err := s.repo.FindByExternalID(ctx, s.db, req.OrgID, externalID)
	if err != nil {
		return domain.Customer{}, err
	}
	if existing != nil {
		return domain.Customer{}, domain.ErrDuplicateExternalID
	}

	now := s.clock.Now().UTC()
	customer := domain.Customer{
		ID:         s.genID.Generate(),
		OrgID:      req.OrgID,
		ExternalID: externalID,
		Name:       name,
		Email:      email,
		Currency:   currency,
		TaxRate:    taxRate,
		Metadata:   datatypes.JSONMap{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.repo.Insert(ctx, s.db, &customer); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return domain.Customer{}, domain.ErrDuplicateExternalID
		}
		return domain.Customer{}, err
	}

	return customer, nil
}

func (s *Service) Update(ctx context.Context, req domain.UpdateCustomerRequest) (domain.Customer, error) {
	if req.OrgID == 0 {
		return domain.Customer{}, domain.ErrInvalidOrganization
	}
	if req.ID == 0 {
		return domain.Customer{}, domain.ErrInvalidID
	}

	var (
		updated    domain.Customer
		previousID string
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindByID(ctx, tx, req.OrgID, req.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return domain.ErrNotFound
		}
		previousID = current.ExternalID

		if req.ExternalID != nil {
			externalID := strings.TrimSpace(*req.ExternalID)
			if externalID == "" {
				return domain.ErrInvalidExternalID
			}
			if externalID != current.ExternalID {
				other, err := s.repo.FindByExternalID(ctx, tx, req.OrgID, externalID)
				if err != nil {
					return err
				}
				if other != nil {
					return domain.ErrDuplicateExternalID
				}
			}
			current.ExternalID = externalID
		}
		if req.Name != nil {
			name := strings.TrimSpace(*req.Name)
			if name == "" {
				return domain.ErrInvalidName
			}
			current.Name = name
		}
		if req.Email != nil {
			email := strings.TrimSpace(*req.Email)
			if email != "" && !strings.Contains(email, "@") {
				return domain.ErrInvalidEmail
			}
			current.Email = email
		}
		switch {
		case req.ClearTaxRate:
			current.TaxRate = decimal.NullDecimal{}
		case req.TaxRate != nil:
			rate, err := normalizeTaxRate(req.TaxRate)
			if err != nil {
				return err
			}
			current.TaxRate = rate
		}

		current.UpdatedAt = s.clock.Now().UTC()
		if err := s.repo.Update(ctx, tx, current); err != nil {
			return err
		}
		updated = *current
		return nil
	})
	if err != nil {
		return domain.Customer{}, err
	}

	if s.resolverCache != nil {
		s.resolverCache.InvalidateCustomer(req.OrgID, previousID)
	}
	return updated, nil
}

func (s *Service) GetByID(ctx context.Context, orgID, id snowflake.ID) (domain.Customer, error) {
	if orgID == 0 {
		return domain.Customer{}, domain.ErrInvalidOrganization
	}
	if id == 0 {
		return domain.Customer{}, domain.ErrInvalidID
	}

	item, err := s.repo.FindByID(ctx, s.db, orgID, id)
	if err != nil {
		return domain.Customer{}, err
	}
	if item == nil {
		return domain.Customer{}, domain.ErrNotFound
	}

	return *item, nil
}

// ResolveExternalID maps a producer-facing id to the internal customer id,
// going through the resolver cache when one is wired.
func (s *Service) ResolveExternalID(ctx context.Context, orgID snowflake.ID, externalID string) (snowflake.ID, error) {
	if orgID == 0 {
		return 0, domain.ErrInvalidOrganization
	}
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return 0, domain.ErrInvalidExternalID
	}

	if s.resolverCache != nil {
		if id, ok := s.resolverCache.GetCustomerID(orgID, externalID); ok {
			return id, nil
		}
	}

	item, err := s.repo.FindByExternalID(ctx, s.db, orgID, externalID)
	if err != nil {
		return 0, err
	}
	if item == nil {
		return 0, domain.ErrNotFound
	}

	if s.resolverCache != nil {
		s.resolverCache.SetCustomerID(orgID, externalID, item.ID)
	}
	return item.ID, nil
}

func (s *Service) List(ctx context.Context, orgID snowflake.ID) ([]domain.Customer, error) {
	if orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	return s.repo.List(ctx, s.db, orgID, defaultListLimit)
}

func normalizeTaxRate(rate *decimal.Decimal) (decimal.NullDecimal, error) {
	if rate == nil {
		return decimal.NullDecimal{}, nil
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NullDecimal{}, domain.ErrInvalidTaxRate
	}
	return decimal.NullDecimal{Decimal: *rate, Valid: true}, nil
}
