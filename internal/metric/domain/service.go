package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterly/internal/granularity"
)

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Metric, error)
	Revise(ctx context.Context, req ReviseRequest) (*Metric, error)
	Archive(ctx context.Context, orgID, id snowflake.ID) error
	Get(ctx context.Context, orgID, id snowflake.ID) (*Metric, error)
	GetByCode(ctx context.Context, orgID snowflake.ID, code string) (*Metric, error)
	List(ctx context.Context, orgID snowflake.ID) ([]Metric, error)
}

type CreateRequest struct {
	OrgID               snowflake.ID            `json:"organization_id"`
	Code                string                  `json:"code"`
	EventName           string                  `json:"event_name"`
	PropertyName        string                  `json:"property_name"`
	Aggregation         Aggregation             `json:"aggregation"`
	Kind                Kind                    `json:"kind"`
	EventType           EventType               `json:"event_type"`
	Granularity         granularity.Granularity `json:"granularity"`
	LookbackUnits       granularity.Granularity `json:"lookback_units"`
	LookbackQty         int                     `json:"lookback_qty"`
	BillableAggregation Aggregation             `json:"billable_aggregation"`
	NumericFilters      []NumericFilter         `json:"numeric_filters"`
	CategoricalFilters  []CategoricalFilter     `json:"categorical_filters"`
	GroupBy             []string                `json:"group_by"`
}

// ReviseRequest replaces the definition of an existing metric code with a
// new immutable version.
type ReviseRequest struct {
	OrgID    snowflake.ID  `json:"organization_id"`
	MetricID snowflake.ID  `json:"metric_id"`
	Changes  CreateRequest `json:"changes"`
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidCode         = errors.New("invalid_code")
	ErrInvalidEventName    = errors.New("invalid_event_name")
	ErrInvalidProperty     = errors.New("invalid_property_name")
	ErrInvalidAggregation  = errors.New("invalid_aggregation")
	ErrInvalidKind         = errors.New("invalid_metric_kind")
	ErrInvalidEventType    = errors.New("invalid_event_type")
	ErrInvalidGranularity  = errors.New("invalid_granularity")
	ErrInvalidLookback     = errors.New("invalid_lookback")
	ErrInvalidFilter       = errors.New("invalid_filter")
	ErrDuplicateCode       = errors.New("duplicate_metric_code")
	ErrNotFound            = errors.New("metric_not_found")
	ErrArchived            = errors.New("metric_archived")
)
