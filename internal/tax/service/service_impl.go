package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterly/internal/config"
	taxdomain "github.com/smallbiznis/meterly/internal/tax/domain"
	"go.uber.org/fx"
)

type ResolverParams struct {
	fx.In

	Repository taxdomain.Repository
	Billing    *config.BillingConfigHolder
}

type resolver struct {
	repo    taxdomain.Repository
	billing *config.BillingConfigHolder
}

func NewResolver(p ResolverParams) taxdomain.TaxResolver {
	return &resolver{repo: p.Repository, billing: p.Billing}
}

func (r *resolver) ResolveForInvoice(ctx context.Context, orgID snowflake.ID, customerRate decimal.NullDecimal) (taxdomain.Resolution, error) {
	cfg := r.billing.Get().Tax
	mode := taxdomain.TaxMode(cfg.Mode)
	if mode == "" {
		mode = taxdomain.TaxModeExclusive
	}

	if customerRate.Valid {
		return taxdomain.Resolution{Rate: customerRate.Decimal, Mode: mode, Source: taxdomain.SourceCustomer}, nil
	}

	def, err := r.repo.GetActiveTaxDefinition(ctx, orgID)
	if err != nil {
		return taxdomain.Resolution{}, err
	}
	if def != nil {
		return taxdomain.Resolution{Rate: def.Rate, Mode: def.TaxMode, Source: taxdomain.SourceDefinition, Code: def.Code}, nil
	}

	if rate, ok := cfg.OrgRates[orgID.String()]; ok {
		return taxdomain.Resolution{Rate: decimal.NewFromFloat(rate), Mode: mode, Source: taxdomain.SourceOrgConfig}, nil
	}
	return taxdomain.Resolution{Rate: decimal.NewFromFloat(cfg.DefaultRate), Mode: mode, Source: taxdomain.SourceDefault}, nil
}
