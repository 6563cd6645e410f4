// Package domain contains the priced outputs of rating a subscription
// record over a billing period.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterly/internal/billingcycle"
	"github.com/smallbiznis/meterly/internal/proration"
)

type ChargeKind string

const (
	ChargeRecurring ChargeKind = "recurring"
	ChargeCredit    ChargeKind = "credit"
)

// ComponentRevenue is the priced usage of one plan component for one group
// key. Amounts are unrounded.
type ComponentRevenue struct {
	ComponentID snowflake.ID             `json:"component_id"`
	Name        string                   `json:"name"`
	GroupKey    string                   `json:"group_key"`
	Quantity    decimal.Decimal          `json:"quantity"`
	Amount      decimal.Decimal          `json:"amount"`
	Buckets     []proration.BucketResult `json:"buckets"`
}

// ChargeRevenue is a flat fee or a credit against one. Credits carry a
// negative amount.
type ChargeRevenue struct {
	Name        string          `json:"name"`
	Kind        ChargeKind      `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	PeriodStart time.Time       `json:"period_start"`
	PeriodEnd   time.Time       `json:"period_end"`
}

// SuccessorAdvance is the first advance charge of a replacement record,
// billed on its predecessor's final invoice.
type SuccessorAdvance struct {
	RecordID             snowflake.ID    `json:"record_id"`
	LockVersion          int             `json:"lock_version"`
	Charges              []ChargeRevenue `json:"charges"`
	AdvanceBilledThrough time.Time       `json:"advance_billed_through"`
}

// SubscriptionRevenue is everything owed by one record for the coverage
// window, plus the addons invoiced with it.
type SubscriptionRevenue struct {
	RecordID      snowflake.ID        `json:"record_id"`
	OrgID         snowflake.ID        `json:"organization_id"`
	CustomerID    snowflake.ID        `json:"customer_id"`
	PlanVersionID snowflake.ID        `json:"plan_version_id"`
	LockVersion   int                 `json:"lock_version"`
	Currency      string              `json:"currency"`
	Period        billingcycle.Period `json:"period"`
	CoverageStart time.Time           `json:"coverage_start"`
	CoverageEnd   time.Time           `json:"coverage_end"`

	Components []ComponentRevenue    `json:"components"`
	Charges    []ChargeRevenue       `json:"charges"`
	Credits    []ChargeRevenue       `json:"credits"`
	Addons     []SubscriptionRevenue `json:"addons,omitempty"`
	Successor  *SuccessorAdvance     `json:"successor,omitempty"`

	// BilledThrough and AdvanceBilledThrough are the watermarks once this
	// revenue is invoiced.
	BilledThrough        time.Time  `json:"billed_through"`
	AdvanceBilledThrough *time.Time `json:"advance_billed_through,omitempty"`
}

// ChargeSubtotal is the record's own usage and fees, without addons.
func (r SubscriptionRevenue) ChargeSubtotal() decimal.Decimal {
	total := decimal.Zero
	for _, c := range r.Components {
		total = total.Add(c.Amount)
	}
	for _, c := range r.Charges {
		total = total.Add(c.Amount)
	}
	for _, c := range r.Credits {
		total = total.Add(c.Amount)
	}
	if r.Successor != nil {
		for _, c := range r.Successor.Charges {
			total = total.Add(c.Amount)
		}
	}
	return total
}

// Subtotal includes the addons aggregated into the record.
func (r SubscriptionRevenue) Subtotal() decimal.Decimal {
	total := r.ChargeSubtotal()
	for _, a := range r.Addons {
		total = total.Add(a.Subtotal())
	}
	return total
}

// Empty reports a window with nothing to bill and no watermark to move.
func (r SubscriptionRevenue) Empty() bool {
	return len(r.Components) == 0 && len(r.Charges) == 0 && len(r.Credits) == 0 &&
		len(r.Addons) == 0 && r.Successor == nil && !r.CoverageEnd.After(r.CoverageStart)
}
