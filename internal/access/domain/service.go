package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// AccessRequest checks either a metric or a feature code for a customer.
// A zero Now means the clock.
type AccessRequest struct {
	OrgID       snowflake.ID  `json:"organization_id"`
	CustomerID  snowflake.ID  `json:"customer_id"`
	MetricID    *snowflake.ID `json:"metric_id,omitempty"`
	FeatureCode string        `json:"feature_code,omitempty"`
	Now         time.Time     `json:"now"`
}

// Access is the customer's standing against a metered limit. A nil
// TotalLimit means unlimited.
type Access struct {
	Usage      decimal.Decimal  `json:"usage"`
	FreeLimit  decimal.Decimal  `json:"free_limit"`
	TotalLimit *decimal.Decimal `json:"total_limit,omitempty"`
	Access     bool             `json:"access"`
	// RecordID is the subscription record that granted the entitlement.
	RecordID *snowflake.ID `json:"record_id,omitempty"`
}

type Service interface {
	GetCurrentAccess(ctx context.Context, req AccessRequest) (Access, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidCustomer     = errors.New("invalid_customer")
	ErrInvalidRequest      = errors.New("invalid_access_request")
	ErrMetricNotFound      = errors.New("metric_not_found")
)
