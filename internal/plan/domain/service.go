package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterly/internal/granularity"
	"github.com/smallbiznis/meterly/internal/pricetier"
)

type Service interface {
	CreateVersion(ctx context.Context, req CreateVersionRequest) (*Plan, error)
	Publish(ctx context.Context, orgID, versionID snowflake.ID) (*PlanVersion, error)
	Archive(ctx context.Context, orgID, versionID snowflake.ID) error
	Get(ctx context.Context, orgID, versionID snowflake.ID) (*Plan, error)
	GetActive(ctx context.Context, orgID snowflake.ID, planCode string) (*Plan, error)
	List(ctx context.Context, orgID snowflake.ID) ([]PlanVersion, error)
}

type ComponentRequest struct {
	MetricID             snowflake.ID            `json:"metric_id"`
	Name                 string                  `json:"name"`
	Tiers                []pricetier.Tier        `json:"tiers"`
	ProrationGranularity granularity.Granularity `json:"proration_granularity"`
	GroupBy              []string                `json:"group_by"`
}

// CreateVersionRequest always produces a new draft version of PlanCode.
type CreateVersionRequest struct {
	OrgID             snowflake.ID            `json:"organization_id"`
	PlanCode          string                  `json:"plan_code"`
	Name              string                  `json:"name"`
	Cadence           granularity.Granularity `json:"cadence"`
	Currency          string                  `json:"currency"`
	Charges           []RecurringCharge       `json:"charges"`
	Adjustment        *PriceAdjustment        `json:"adjustment,omitempty"`
	Features          []string                `json:"features"`
	IsAddon           bool                    `json:"is_addon"`
	AddonFrequency    AddonFrequency          `json:"addon_frequency,omitempty"`
	InvoiceWithParent bool                    `json:"invoice_with_parent"`
	Components        []ComponentRequest      `json:"components"`
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidPlanCode     = errors.New("invalid_plan_code")
	ErrInvalidCadence      = errors.New("invalid_cadence")
	ErrInvalidCurrency     = errors.New("invalid_currency")
	ErrInvalidCharge       = errors.New("invalid_recurring_charge")
	ErrInvalidAdjustment   = errors.New("invalid_price_adjustment")
	ErrInvalidAddon        = errors.New("invalid_addon_frequency")
	ErrInvalidComponent    = errors.New("invalid_plan_component")
	ErrInvalidTiers        = errors.New("invalid_price_tiers")
	ErrMetricNotFound      = errors.New("metric_not_found")
	ErrNotDraft            = errors.New("plan_version_not_draft")
	ErrNotFound            = errors.New("plan_version_not_found")
)
