package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type CreateRequest struct {
	OrgID         snowflake.ID      `json:"organization_id"`
	CustomerID    snowflake.ID      `json:"customer_id"`
	PlanVersionID snowflake.ID      `json:"plan_version_id"`
	ParentID      *snowflake.ID     `json:"parent_id,omitempty"`
	Start         time.Time         `json:"start"`
	End           *time.Time        `json:"end,omitempty"`
	Filters       map[string]string `json:"filters,omitempty"`
	AutoRenew     bool              `json:"auto_renew"`
}

// CancelRequest ends a record at At. A zero At means now.
type CancelRequest struct {
	OrgID             snowflake.ID      `json:"organization_id"`
	RecordID          snowflake.ID      `json:"record_id"`
	At                time.Time         `json:"at"`
	FlatFeeBehavior   FlatFeeBehavior   `json:"flat_fee_behavior"`
	UsageBehavior     UsageBehavior     `json:"usage_behavior"`
	InvoicingBehavior InvoicingBehavior `json:"invoicing_behavior"`
}

// ReplaceRequest moves a customer to another plan version at At.
type ReplaceRequest struct {
	OrgID             snowflake.ID      `json:"organization_id"`
	RecordID          snowflake.ID      `json:"record_id"`
	NewPlanVersionID  snowflake.ID      `json:"new_plan_version_id"`
	At                time.Time         `json:"at"`
	UsageBehavior     UsageBehavior     `json:"usage_behavior"`
	FlatFeeBehavior   FlatFeeBehavior   `json:"flat_fee_behavior"`
	InvoicingBehavior InvoicingBehavior `json:"invoicing_behavior"`
}

type ReplaceResult struct {
	Previous  Record `json:"previous"`
	Successor Record `json:"successor"`
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Record, error)
	Cancel(ctx context.Context, req CancelRequest) (*Record, error)
	Replace(ctx context.Context, req ReplaceRequest) (*ReplaceResult, error)
	// Renew ends auto-renewing records whose fixed end has passed and
	// creates their successors.
	Renew(ctx context.Context, now time.Time) ([]Record, error)
	// Activate persists ACTIVE for NOT_STARTED records whose start passed.
	Activate(ctx context.Context, now time.Time) (int64, error)
	Get(ctx context.Context, orgID, id snowflake.ID) (*Record, error)
	ListByCustomer(ctx context.Context, orgID, customerID snowflake.ID) ([]Record, error)
}

// Invoicer finalizes invoices for records immediately, outside the
// scheduled run.
type Invoicer interface {
	InvoiceRecords(ctx context.Context, orgID snowflake.ID, recordIDs []snowflake.ID, chargeNextPlan bool) error
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidCustomer     = errors.New("invalid_customer")
	ErrInvalidPlanVersion  = errors.New("invalid_plan_version")
	ErrPlanNotActive       = errors.New("plan_version_not_active")
	ErrInvalidParent       = errors.New("invalid_parent_record")
	ErrInvalidPeriod       = errors.New("invalid_period")
	ErrInvalidBehavior     = errors.New("invalid_behavior")
	ErrOverlappingRecord   = errors.New("overlapping_subscription_record")
	ErrInvalidTransition   = errors.New("invalid_transition")
	ErrConcurrentUpdate    = errors.New("concurrent_update")
	ErrRecordNotFound      = errors.New("subscription_record_not_found")
)
