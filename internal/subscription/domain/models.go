// Package domain contains persistence models for subscription records.
package domain

import (
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Status follows NOT_STARTED -> ACTIVE -> {ENDED | REPLACED}.
type Status string

const (
	StatusNotStarted Status = "NOT_STARTED"
	StatusActive     Status = "ACTIVE"
	StatusEnded      Status = "ENDED"
	StatusReplaced   Status = "REPLACED"
)

// Terminal statuses never transition again.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusReplaced
}

type FlatFeeBehavior string

const (
	FlatFeeChargeFull FlatFeeBehavior = "CHARGE_FULL"
	FlatFeeProrate    FlatFeeBehavior = "PRORATE"
	FlatFeeRefund     FlatFeeBehavior = "REFUND"
)

type UsageBehavior string

const (
	UsageBillFull     UsageBehavior = "BILL_FULL"
	UsageBillNone     UsageBehavior = "BILL_NONE"
	UsageTransfer     UsageBehavior = "TRANSFER"
	UsageKeepSeparate UsageBehavior = "KEEP_SEPARATE"
)

type InvoicingBehavior string

const (
	InvoiceNow       InvoicingBehavior = "INVOICE_NOW"
	AddToNextInvoice InvoicingBehavior = "ADD_TO_NEXT_INVOICE"
)

// Record binds a customer to a plan version over [Start, End). Watermarks
// only move forward, together with the invoice that billed them.
type Record struct {
	ID                    snowflake.ID                         `json:"id" gorm:"primaryKey"`
	OrgID                 snowflake.ID                         `json:"organization_id" gorm:"column:org_id;not null;index:ix_subscription_records_customer,priority:1"`
	CustomerID            snowflake.ID                         `json:"customer_id" gorm:"not null;index:ix_subscription_records_customer,priority:2"`
	PlanVersionID         snowflake.ID                         `json:"plan_version_id" gorm:"not null"`
	ParentID              *snowflake.ID                        `json:"parent_id,omitempty" gorm:"index"`
	Start                 time.Time                            `json:"start" gorm:"column:start_at;not null"`
	End                   *time.Time                           `json:"end,omitempty" gorm:"column:end_at"`
	BillingAnchor         time.Time                            `json:"billing_anchor" gorm:"not null"`
	UsageStart            time.Time                            `json:"usage_start" gorm:"not null"`
	Filters               datatypes.JSONType[map[string]string] `json:"filters" gorm:"type:jsonb"`
	AutoRenew             bool                                 `json:"auto_renew" gorm:"not null;default:false"`
	Status                Status                               `json:"status" gorm:"type:text;not null;index"`
	ReplacedByID          *snowflake.ID                        `json:"replaced_by_id,omitempty"`
	UsageTransferredAt    *time.Time                           `json:"usage_transferred_at,omitempty"`
	CancelFlatFeeBehavior FlatFeeBehavior                      `json:"cancel_flat_fee_behavior,omitempty" gorm:"type:text"`
	CancelUsageBehavior   UsageBehavior                        `json:"cancel_usage_behavior,omitempty" gorm:"type:text"`
	AmountBilled          decimal.Decimal                      `json:"amount_billed" gorm:"type:numeric;not null;default:0"`
	BilledThrough         *time.Time                           `json:"billed_through,omitempty"`
	AdvanceBilledThrough  *time.Time                           `json:"advance_billed_through,omitempty"`
	LockVersion           int                                  `json:"lock_version" gorm:"not null;default:0"`
	CreatedAt             time.Time                            `json:"created_at" gorm:"not null"`
	UpdatedAt             time.Time                            `json:"updated_at" gorm:"not null"`
}

// TableName sets the database table name.
func (Record) TableName() string { return "subscription_records" }

// StatusAt is the status a reader observes at now. NOT_STARTED records whose
// start has passed read as ACTIVE before the activation job persists it.
func (r Record) StatusAt(now time.Time) Status {
	if r.Status == StatusNotStarted && !now.Before(r.Start) {
		return StatusActive
	}
	return r.Status
}

// Overlaps reports whether [start, end) intersects the record. A nil end is
// unbounded.
func (r Record) Overlaps(start time.Time, end *time.Time) bool {
	if end != nil && !end.After(r.Start) {
		return false
	}
	if r.End != nil && !r.End.After(start) {
		return false
	}
	return true
}

// Narrowing returns the categorical equality filters of the record.
func (r Record) Narrowing() map[string]string {
	return r.Filters.Data()
}

// FilterKey is a canonical form of the filters used for overlap checks.
func (r Record) FilterKey() string {
	return FilterKey(r.Narrowing())
}

func FilterKey(filters map[string]string) string {
	keys := slices.Sorted(maps.Keys(filters))
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+filters[k])
	}
	return strings.Join(parts, ",")
}

// BillableUntil is the latest instant usage or fees can accrue up to at now.
func (r Record) BillableUntil(now time.Time) time.Time {
	if r.End != nil && r.End.Before(now) {
		return *r.End
	}
	return now
}

// Invoiceable reports whether arrears remain unbilled at now.
func (r Record) Invoiceable(now time.Time) bool {
	if r.StatusAt(now) == StatusNotStarted {
		return false
	}
	until := r.BillableUntil(now)
	if r.BilledThrough == nil {
		return until.After(r.UsageStart) || until.After(r.Start)
	}
	return r.BilledThrough.Before(until)
}
