// Package domain contains persistence models for invoicing.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusDraft     InvoiceStatus = "draft"
	InvoiceStatusFinalized InvoiceStatus = "finalized"
	InvoiceStatusVoid      InvoiceStatus = "void"
)

type LineKind string

const (
	LineUsage      LineKind = "usage"
	LineRecurring  LineKind = "recurring"
	LineAddon      LineKind = "addon"
	LineAdjustment LineKind = "adjustment"
	LineCredit     LineKind = "credit"
)

// Invoice is one customer's bill in one currency. Subtotal includes
// adjustment lines; credits and exclusive tax are applied on top of it.
type Invoice struct {
	ID              snowflake.ID    `json:"id" gorm:"primaryKey"`
	OrgID           snowflake.ID    `json:"organization_id" gorm:"column:org_id;not null;index;uniqueIndex:ux_invoices_number,priority:1"`
	CustomerID      snowflake.ID    `json:"customer_id" gorm:"not null;index"`
	InvoiceNumber   *string         `json:"invoice_number,omitempty" gorm:"type:text;uniqueIndex:ux_invoices_number,priority:2"`
	Status          InvoiceStatus   `json:"status" gorm:"type:text;not null;default:'draft'"`
	Currency        string          `json:"currency" gorm:"type:text;not null"`
	PeriodStart     time.Time       `json:"period_start" gorm:"not null"`
	PeriodEnd       time.Time       `json:"period_end" gorm:"not null"`
	Subtotal        decimal.Decimal `json:"subtotal" gorm:"type:numeric;not null;default:0"`
	AdjustmentTotal decimal.Decimal `json:"adjustment_total" gorm:"type:numeric;not null;default:0"`
	TaxRate         decimal.Decimal `json:"tax_rate" gorm:"type:numeric;not null;default:0"`
	TaxMode         string          `json:"tax_mode" gorm:"type:text;not null"`
	TaxAmount       decimal.Decimal `json:"tax_amount" gorm:"type:numeric;not null;default:0"`
	CreditTotal     decimal.Decimal `json:"credit_total" gorm:"type:numeric;not null;default:0"`
	AmountDue       decimal.Decimal `json:"amount_due" gorm:"type:numeric;not null;default:0"`
	DraftKey        *string         `json:"draft_key,omitempty" gorm:"type:text;index"`
	FinalizationKey *string         `json:"finalization_key,omitempty" gorm:"type:text;uniqueIndex"`
	FinalizedAt     *time.Time      `json:"finalized_at,omitempty"`
	VoidedAt        *time.Time      `json:"voided_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at" gorm:"not null"`
	UpdatedAt       time.Time       `json:"updated_at" gorm:"not null"`

	Items []LineItem `json:"items,omitempty" gorm:"-"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// LineItem is one rounded line on an invoice.
type LineItem struct {
	ID                   snowflake.ID    `json:"id" gorm:"primaryKey"`
	InvoiceID            snowflake.ID    `json:"invoice_id" gorm:"not null;index"`
	OrgID                snowflake.ID    `json:"organization_id" gorm:"column:org_id;not null"`
	SubscriptionRecordID snowflake.ID    `json:"subscription_record_id" gorm:"not null;index"`
	PlanComponentID      *snowflake.ID   `json:"plan_component_id,omitempty"`
	Kind                 LineKind        `json:"kind" gorm:"type:text;not null"`
	Description          string          `json:"description" gorm:"type:text"`
	GroupKey             string          `json:"group_key,omitempty" gorm:"type:text"`
	Quantity             decimal.Decimal `json:"quantity" gorm:"type:numeric;not null;default:0"`
	Amount               decimal.Decimal `json:"amount" gorm:"type:numeric;not null"`
	PeriodStart          time.Time       `json:"period_start" gorm:"not null"`
	PeriodEnd            time.Time       `json:"period_end" gorm:"not null"`
	Position             int             `json:"position" gorm:"not null;default:0"`
	CreatedAt            time.Time       `json:"created_at" gorm:"not null"`
}

// TableName sets the database table name.
func (LineItem) TableName() string { return "invoice_line_items" }
