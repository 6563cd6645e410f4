package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterly/internal/granularity"
	"github.com/smallbiznis/meterly/internal/usage/query"
)

// EventStore is the read side consumed by metric handlers. Results are
// ordered by (timestamp, idempotency key).
type EventStore interface {
	Query(ctx context.Context, plan query.Plan) ([]Event, error)
}

// Repository is the durable event store.
type Repository interface {
	EventStore
	Insert(ctx context.Context, event *Event) (bool, error)
	FindByIdempotencyKey(ctx context.Context, orgID snowflake.ID, key string) (*Event, error)
}

type IngestRequest struct {
	APIKey             string         `json:"-"`
	OrgID              snowflake.ID   `json:"organization_id"`
	CustomerExternalID string         `json:"customer_id"`
	EventName          string         `json:"event_name"`
	Timestamp          time.Time      `json:"timestamp"`
	IdempotencyKey     string         `json:"idempotency_key"`
	Properties         map[string]any `json:"properties"`
}

type IngestResult struct {
	Event     Event `json:"event"`
	Duplicate bool  `json:"duplicate"`
}

type UsageRequest struct {
	OrgID        snowflake.ID            `json:"organization_id"`
	MetricID     snowflake.ID            `json:"metric_id"`
	CustomerID   *snowflake.ID           `json:"customer_id,omitempty"`
	Start        time.Time               `json:"start"`
	End          time.Time               `json:"end"`
	Granularity  granularity.Granularity `json:"granularity"`
	GroupBy      []string                `json:"group_by,omitempty"`
	Filters      map[string]string       `json:"filters,omitempty"`
	BillableOnly bool                    `json:"billable_only"`
}

type Service interface {
	Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error)
	GetUsage(ctx context.Context, req UsageRequest) (Table, error)
}

var (
	ErrInvalidOrganization   = errors.New("invalid_organization")
	ErrInvalidCustomer       = errors.New("invalid_customer")
	ErrInvalidEventName      = errors.New("invalid_event_name")
	ErrInvalidIdempotencyKey = errors.New("invalid_idempotency_key")
	ErrInvalidTimestamp      = errors.New("invalid_timestamp")
	ErrInvalidRange          = errors.New("invalid_range")
	ErrInvalidAPIKey         = errors.New("invalid_api_key")
	ErrMetricNotFound        = errors.New("metric_not_found")
)
