// Package domain contains persistence models for metric definitions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterly/internal/granularity"
	"gorm.io/datatypes"
)

type Kind string

const (
	KindCounter  Kind = "counter"
	KindStateful Kind = "stateful"
	KindRate     Kind = "rate"
	KindCustom   Kind = "custom"
)

type Aggregation string

const (
	AggregationCount   Aggregation = "count"
	AggregationSum     Aggregation = "sum"
	AggregationMax     Aggregation = "max"
	AggregationUnique  Aggregation = "unique"
	AggregationAverage Aggregation = "average"
	AggregationLatest  Aggregation = "latest"
)

// EventType selects stateful semantics.
type EventType string

const (
	EventTypeDelta EventType = "delta"
	EventTypeTotal EventType = "total"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

type NumericOperator string

const (
	OpEq  NumericOperator = "eq"
	OpNeq NumericOperator = "neq"
	OpGt  NumericOperator = "gt"
	OpGte NumericOperator = "gte"
	OpLt  NumericOperator = "lt"
	OpLte NumericOperator = "lte"
)

type CategoricalOperator string

const (
	OpIsIn    CategoricalOperator = "isin"
	OpIsNotIn CategoricalOperator = "isnotin"
)

type NumericFilter struct {
	Property string          `json:"property"`
	Operator NumericOperator `json:"operator"`
	Value    decimal.Decimal `json:"value"`
}

type CategoricalFilter struct {
	Property string              `json:"property"`
	Operator CategoricalOperator `json:"operator"`
	Values   []string            `json:"values"`
}

// Metric is immutable once referenced by a plan component. Semantic changes
// are written as a new row with Version+1 and SupersedesID pointing back.
type Metric struct {
	ID                  snowflake.ID                          `json:"id" gorm:"primaryKey"`
	OrgID               snowflake.ID                          `json:"organization_id" gorm:"column:org_id;not null;index:ix_metrics_org_code,priority:1"`
	Code                string                                `json:"code" gorm:"type:text;not null;index:ix_metrics_org_code,priority:2"`
	Version             int                                   `json:"version" gorm:"not null;default:1"`
	SupersedesID        *snowflake.ID                         `json:"supersedes_id,omitempty"`
	EventName           string                                `json:"event_name" gorm:"type:text;not null"`
	PropertyName        string                                `json:"property_name" gorm:"type:text"`
	Aggregation         Aggregation                           `json:"aggregation" gorm:"type:text;not null"`
	Kind                Kind                                  `json:"kind" gorm:"type:text;not null"`
	EventType           EventType                             `json:"event_type,omitempty" gorm:"type:text"`
	Granularity         granularity.Granularity               `json:"granularity" gorm:"type:text;not null"`
	LookbackUnits       granularity.Granularity               `json:"lookback_units,omitempty" gorm:"type:text"`
	LookbackQty         int                                   `json:"lookback_qty,omitempty"`
	BillableAggregation Aggregation                           `json:"billable_aggregation,omitempty" gorm:"type:text"`
	NumericFilters      datatypes.JSONSlice[NumericFilter]     `json:"numeric_filters" gorm:"type:jsonb"`
	CategoricalFilters  datatypes.JSONSlice[CategoricalFilter] `json:"categorical_filters" gorm:"type:jsonb"`
	GroupBy             datatypes.JSONSlice[string]           `json:"group_by" gorm:"type:jsonb"`
	Status              Status                                `json:"status" gorm:"type:text;not null"`
	CreatedAt           time.Time                             `json:"created_at" gorm:"not null"`
}

// TableName sets the database table name.
func (Metric) TableName() string { return "metrics" }

// Lookback returns the trailing window of a rate metric.
func (m Metric) Lookback() time.Duration {
	if m.LookbackQty <= 0 {
		return 0
	}
	return time.Duration(m.LookbackQty) * m.LookbackUnits.Approx()
}

// NeedsProperty reports whether the aggregation reads PropertyName. Rate
// metrics default to a trailing sum.
func (m Metric) NeedsProperty() bool {
	switch {
	case m.Kind == KindStateful:
		return true
	case m.Aggregation == "":
		return m.Kind == KindRate
	default:
		return m.Aggregation != AggregationCount
	}
}
