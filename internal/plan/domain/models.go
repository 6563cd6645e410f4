// Package domain contains persistence models for plan versions and their
// metered components.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterly/internal/granularity"
	"github.com/smallbiznis/meterly/internal/pricetier"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

type ChargeTiming string

const (
	TimingAdvance ChargeTiming = "advance"
	TimingArrears ChargeTiming = "arrears"
)

type ChargeBehavior string

const (
	BehaviorProrate ChargeBehavior = "prorate"
	BehaviorFull    ChargeBehavior = "full"
	BehaviorRefund  ChargeBehavior = "refund"
)

type AdjustmentKind string

const (
	AdjustmentPercentage AdjustmentKind = "percentage"
	AdjustmentFixed      AdjustmentKind = "fixed"
	AdjustmentOverride   AdjustmentKind = "override"
)

type AddonFrequency string

const (
	AddonOneTime   AddonFrequency = "one_time"
	AddonRecurring AddonFrequency = "recurring"
)

// RecurringCharge is a flat fee billed every cadence period.
type RecurringCharge struct {
	Name     string          `json:"name"`
	Amount   decimal.Decimal `json:"amount"`
	Timing   ChargeTiming    `json:"timing"`
	Behavior ChargeBehavior  `json:"behavior"`
}

type PriceAdjustment struct {
	Kind   AdjustmentKind  `json:"kind"`
	Amount decimal.Decimal `json:"amount"`
}

// PlanVersion is append-only. Publishing flips Status; pricing fields are
// never updated once written.
type PlanVersion struct {
	ID                snowflake.ID                         `json:"id" gorm:"primaryKey"`
	OrgID             snowflake.ID                         `json:"organization_id" gorm:"column:org_id;not null;uniqueIndex:ux_plan_versions_code,priority:1"`
	PlanCode          string                               `json:"plan_code" gorm:"type:text;not null;uniqueIndex:ux_plan_versions_code,priority:2"`
	Version           int                                  `json:"version" gorm:"not null;uniqueIndex:ux_plan_versions_code,priority:3"`
	Name              string                               `json:"name" gorm:"type:text"`
	Cadence           granularity.Granularity              `json:"cadence" gorm:"type:text;not null"`
	Currency          string                               `json:"currency" gorm:"type:text;not null"`
	Status            Status                               `json:"status" gorm:"type:text;not null"`
	Charges           datatypes.JSONSlice[RecurringCharge] `json:"charges" gorm:"type:jsonb"`
	Adjustment        *PriceAdjustment                     `json:"adjustment,omitempty" gorm:"type:jsonb;serializer:json"`
	Features          datatypes.JSONSlice[string]          `json:"features" gorm:"type:jsonb"`
	IsAddon           bool                                 `json:"is_addon" gorm:"not null;default:false"`
	AddonFrequency    AddonFrequency                       `json:"addon_frequency,omitempty" gorm:"type:text"`
	InvoiceWithParent bool                                 `json:"invoice_with_parent" gorm:"not null;default:false"`
	CreatedAt         time.Time                            `json:"created_at" gorm:"not null"`
	PublishedAt       *time.Time                           `json:"published_at,omitempty"`
}

// TableName sets the database table name.
func (PlanVersion) TableName() string { return "plan_versions" }

// HasFeature reports whether code is in the version's feature list.
func (v PlanVersion) HasFeature(code string) bool {
	for _, f := range v.Features {
		if f == code {
			return true
		}
	}
	return false
}

// PlanComponent prices one metric inside a plan version. GroupBy overrides
// the metric's own group-by when set.
type PlanComponent struct {
	ID                   snowflake.ID                        `json:"id" gorm:"primaryKey"`
	OrgID                snowflake.ID                        `json:"organization_id" gorm:"column:org_id;not null"`
	PlanVersionID        snowflake.ID                        `json:"plan_version_id" gorm:"not null;index"`
	MetricID             snowflake.ID                        `json:"metric_id" gorm:"not null"`
	Name                 string                              `json:"name" gorm:"type:text;not null"`
	Tiers                datatypes.JSONSlice[pricetier.Tier] `json:"tiers" gorm:"type:jsonb;not null"`
	ProrationGranularity granularity.Granularity             `json:"proration_granularity" gorm:"type:text;not null"`
	GroupBy              datatypes.JSONSlice[string]         `json:"group_by" gorm:"type:jsonb"`
	CreatedAt            time.Time                           `json:"created_at" gorm:"not null"`
}

// TableName sets the database table name.
func (PlanComponent) TableName() string { return "plan_components" }

// Plan is a version together with its components.
type Plan struct {
	PlanVersion
	Components []PlanComponent `json:"components" gorm:"-"`
}
