package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type CreateCustomerRequest struct {
	OrgID      snowflake.ID     `json:"organization_id"`
	ExternalID string           `json:"external_id"`
	Name       string           `json:"name"`
	Email      string           `json:"email"`
	Currency   string           `json:"currency"`
	TaxRate    *decimal.Decimal `json:"tax_rate,omitempty"`
}

// UpdateCustomerRequest leaves nil fields untouched. ClearTaxRate removes an
// override so the org default applies again.
type UpdateCustomerRequest struct {
	OrgID        snowflake.ID     `json:"organization_id"`
	ID           snowflake.ID     `json:"id"`
	ExternalID   *string          `json:"external_id,omitempty"`
	Name         *string          `json:"name,omitempty"`
	Email        *string          `json:"email,omitempty"`
	TaxRate      *decimal.Decimal `json:"tax_rate,omitempty"`
	ClearTaxRate bool             `json:"clear_tax_rate,omitempty"`
}

type Service interface {
	Create(ctx context.Context, req CreateCustomerRequest) (Customer, error)
	Update(ctx context.Context, req UpdateCustomerRequest) (Customer, error)
	GetByID(ctx context.Context, orgID, id snowflake.ID) (Customer, error)
	ResolveExternalID(ctx context.Context, orgID snowflake.ID, externalID string) (snowflake.ID, error)
	List(ctx context.Context, orgID snowflake.ID) ([]Customer, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidName         = errors.New("invalid_name")
	ErrInvalidEmail        = errors.New("invalid_email")
	ErrInvalidExternalID   = errors.New("invalid_external_id")
	ErrInvalidCurrency     = errors.New("invalid_currency")
	ErrInvalidTaxRate      = errors.New("invalid_tax_rate")
	ErrInvalidID           = errors.New("invalid_id")
	ErrDuplicateExternalID = errors.New("duplicate_external_id")
	ErrNotFound            = errors.New("not_found")
)
