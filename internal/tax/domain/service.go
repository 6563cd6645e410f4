package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// TaxResolver returns the tax policy for an invoice. A customer override
// wins over the org's enabled definition, then the org rate from billing
// config, then the configured default.
type TaxResolver interface {
	ResolveForInvoice(ctx context.Context, orgID snowflake.ID, customerRate decimal.NullDecimal) (Resolution, error)
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*TaxDefinition, error)
	List(ctx context.Context, req ListRequest) ([]TaxDefinition, error)
	Update(ctx context.Context, req UpdateRequest) (*TaxDefinition, error)
	Disable(ctx context.Context, orgID, id snowflake.ID) (*TaxDefinition, error)
}

type ListRequest struct {
	OrgID     snowflake.ID
	Code      string
	IsEnabled *bool
}

type CreateRequest struct {
	OrgID       snowflake.ID    `json:"organization_id"`
	Code        string          `json:"code"`
	Name        string          `json:"name"`
	TaxMode     TaxMode         `json:"tax_mode"`
	Rate        decimal.Decimal `json:"rate"`
	Description *string         `json:"description"`
}

type UpdateRequest struct {
	OrgID       snowflake.ID     `json:"organization_id"`
	ID          snowflake.ID     `json:"id"`
	Name        *string          `json:"name,omitempty"`
	TaxMode     *TaxMode         `json:"tax_mode,omitempty"`
	Rate        *decimal.Decimal `json:"rate,omitempty"`
	Description *string          `json:"description,omitempty"`
}
