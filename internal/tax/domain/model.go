package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// TaxMode represents how tax is applied to the invoice total.
type TaxMode string

const (
	TaxModeExclusive TaxMode = "exclusive" // subtotal + tax
	TaxModeInclusive TaxMode = "inclusive" // total already includes tax
)

// Source names where a resolved rate came from.
type Source string

const (
	SourceCustomer   Source = "customer"
	SourceDefinition Source = "definition"
	SourceOrgConfig  Source = "org_config"
	SourceDefault    Source = "default"
)

// TaxDefinition is an org-scoped tax policy. Code is stable once invoices
// reference it; name and description are editable.
type TaxDefinition struct {
	ID    snowflake.ID `json:"id" gorm:"primaryKey"`
	OrgID snowflake.ID `json:"organization_id" gorm:"column:org_id;not null;index"`

	Name    string          `json:"name" gorm:"type:text;not null"`
	Code    string          `json:"code" gorm:"type:text;not null"`
	TaxMode TaxMode         `json:"tax_mode" gorm:"column:tax_mode;type:text;not null"`
	Rate    decimal.Decimal `json:"rate" gorm:"type:numeric(6,4);not null"` // fraction, 0.2 is 20%

	Description *string `json:"description,omitempty" gorm:"type:text"`

	IsEnabled bool `json:"is_enabled" gorm:"column:is_enabled;not null;default:true"`

	CreatedAt time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null"`
}

func (TaxDefinition) TableName() string { return "tax_definitions" }

func (t *TaxDefinition) Validate() error {
	if t.Code == "" {
		return ErrInvalidTaxCode
	}
	if t.TaxMode != TaxModeExclusive && t.TaxMode != TaxModeInclusive {
		return ErrInvalidTaxMode
	}
	if t.Rate.IsNegative() || t.Rate.GreaterThan(one) {
		return ErrInvalidTaxRate
	}
	return nil
}

// Resolution is the tax policy applied to one invoice.
type Resolution struct {
	Rate   decimal.Decimal `json:"rate"`
	Mode   TaxMode         `json:"mode"`
	Source Source          `json:"source"`
	Code   string          `json:"code,omitempty"`
}

var one = decimal.NewFromInt(1)

// Amount returns the tax on subtotal rounded half-up to cents. Inclusive
// mode extracts the tax already contained in subtotal. Negative subtotals
// carry no tax.
func (r Resolution) Amount(subtotal decimal.Decimal) decimal.Decimal {
	if !subtotal.IsPositive() || !r.Rate.IsPositive() {
		return decimal.Zero
	}
	if r.Mode == TaxModeInclusive {
		return subtotal.Mul(r.Rate).Div(one.Add(r.Rate)).Round(2)
	}
	return subtotal.Mul(r.Rate).Round(2)
}
